package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/api/docs/v1"

	"github.com/comigor/labs-agent/internal/extract"
)

type stubDocs struct {
	doc *docs.Document
	id  string
}

func (s *stubDocs) Document(_ context.Context, id string) (*docs.Document, error) {
	s.id = id
	return s.doc, nil
}

func para(style string, runs ...*docs.ParagraphElement) *docs.StructuralElement {
	return &docs.StructuralElement{Paragraph: &docs.Paragraph{
		ParagraphStyle: &docs.ParagraphStyle{NamedStyleType: style},
		Elements:       runs,
	}}
}

func run(text, link string) *docs.ParagraphElement {
	tr := &docs.TextRun{Content: text, TextStyle: &docs.TextStyle{}}
	if link != "" {
		tr.TextStyle.Link = &docs.Link{Url: link}
	}
	return &docs.ParagraphElement{TextRun: tr}
}

func TestParseGoogleDoc(t *testing.T) {
	doc := &docs.Document{
		Title: "Lab 16 Handout",
		Body: &docs.Body{Content: []*docs.StructuralElement{
			para("HEADING_1", run("Overview\n", "")),
			para("NORMAL_TEXT", run("\n", "")),
			para("NORMAL_TEXT", run("Implement a BST.\n", "")),
			para("NORMAL_TEXT", run("Starter code", "https://github.com/x/starter")),
			para("HEADING_2", run("Submission", "")),
			{SectionBreak: &docs.SectionBreak{}},
		}},
	}
	fetcher := &stubDocs{doc: doc}
	tool := NewParseGoogleDocTool(fetcher)

	out, err := tool.Run(context.Background(), map[string]any{"url": "https://docs.google.com/document/d/abc_123-X/edit"})
	require.NoError(t, err)
	require.Equal(t, "abc_123-X", fetcher.id)

	summary := out.(DocSummary)
	require.Equal(t, "Lab 16 Handout", summary.Title)
	require.Equal(t, "Implement a BST.", summary.Summary)
	require.Equal(t, []string{"Overview", "Submission"}, summary.Headings)
	require.Equal(t, []string{"https://github.com/x/starter"}, summary.Links)
}

func TestParseGoogleDoc_InvalidURL(t *testing.T) {
	_, err := NewParseGoogleDocTool(&stubDocs{}).Run(context.Background(), map[string]any{"url": "https://example.com"})
	require.ErrorContains(t, err, "Invalid Google Docs URL")
}

func TestParseSlackMessage(t *testing.T) {
	e, err := extract.New(extract.Passthrough{}, "")
	require.NoError(t, err)

	out, err := NewParseSlackMessageTool(e).Run(context.Background(), map[string]any{
		"text": "Lab 2 (Arrays) due September 9, 2025 11:59 PM.",
	})
	require.NoError(t, err)
	entries := out.([]extract.LabEntry)
	require.Len(t, entries, 1)
	require.Equal(t, "Arrays", entries[0].Title)
}
