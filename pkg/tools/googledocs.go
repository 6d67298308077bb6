package tools

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"google.golang.org/api/docs/v1"
	"google.golang.org/api/option"
)

// DocumentFetcher loads a Google Doc by id.
type DocumentFetcher interface {
	Document(ctx context.Context, id string) (*docs.Document, error)
}

// GoogleDocs fetches documents with a service account.
type GoogleDocs struct {
	svc *docs.Service
}

// NewGoogleDocs authenticates with the service-account JSON key.
func NewGoogleDocs(ctx context.Context, credentialsJSON string) (*GoogleDocs, error) {
	if credentialsJSON == "" {
		return nil, goerr.New("google credentials missing")
	}
	svc, err := docs.NewService(ctx,
		option.WithCredentialsJSON([]byte(credentialsJSON)),
		option.WithScopes(docs.DocumentsReadonlyScope),
	)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create docs service")
	}
	return &GoogleDocs{svc: svc}, nil
}

func (g *GoogleDocs) Document(ctx context.Context, id string) (*docs.Document, error) {
	doc, err := g.svc.Documents.Get(id).Context(ctx).Do()
	if err != nil {
		return nil, goerr.Wrap(err, "doc fetch failed", goerr.V("document", id))
	}
	return doc, nil
}

// DocSummary is what parseGoogleDoc extracts from a document.
type DocSummary struct {
	Title    string   `json:"title"`
	Summary  string   `json:"summary"`
	Links    []string `json:"links"`
	Headings []string `json:"headings"`
}

var docIDPattern = regexp.MustCompile(`/d/([a-zA-Z0-9_-]+)`)

// ParseGoogleDocTool summarizes a lab handout stored in Google Docs.
type ParseGoogleDocTool struct {
	fetcher DocumentFetcher
}

func NewParseGoogleDocTool(fetcher DocumentFetcher) *ParseGoogleDocTool {
	return &ParseGoogleDocTool{fetcher: fetcher}
}

func (t *ParseGoogleDocTool) Name() string { return "parseGoogleDoc" }

func (t *ParseGoogleDocTool) Description() string {
	return "Reads a Google Doc and returns its title, first paragraph as summary, headings and links."
}

func (t *ParseGoogleDocTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"url":{"type":"string","description":"Google Docs URL"}},"required":["url"]}`)
}

func (t *ParseGoogleDocTool) Run(ctx context.Context, args map[string]any) (any, error) {
	url := stringArg(args, "url")
	m := docIDPattern.FindStringSubmatch(url)
	if m == nil {
		return nil, goerr.New("Invalid Google Docs URL.", goerr.V("url", url))
	}
	if t.fetcher == nil {
		return nil, goerr.New("google credentials missing")
	}
	doc, err := t.fetcher.Document(ctx, m[1])
	if err != nil {
		return nil, err
	}
	return SummarizeDocument(doc), nil
}

// SummarizeDocument takes the first normal paragraph as summary and
// collects headings and hyperlinks in document order.
func SummarizeDocument(doc *docs.Document) DocSummary {
	out := DocSummary{Title: doc.Title, Links: []string{}, Headings: []string{}}
	if out.Title == "" {
		out.Title = "Untitled"
	}
	if doc.Body == nil {
		return out
	}
	for _, el := range doc.Body.Content {
		para := el.Paragraph
		if para == nil {
			continue
		}
		style := ""
		if para.ParagraphStyle != nil {
			style = para.ParagraphStyle.NamedStyleType
		}
		var b strings.Builder
		for _, e := range para.Elements {
			if e.TextRun == nil {
				continue
			}
			b.WriteString(e.TextRun.Content)
			if ts := e.TextRun.TextStyle; ts != nil && ts.Link != nil && ts.Link.Url != "" {
				out.Links = append(out.Links, ts.Link.Url)
			}
		}
		text := strings.TrimSpace(b.String())
		if text == "" {
			continue
		}
		if out.Summary == "" && style == "NORMAL_TEXT" {
			out.Summary = text
		}
		if strings.HasPrefix(style, "HEADING_") {
			out.Headings = append(out.Headings, text)
		}
	}
	return out
}
