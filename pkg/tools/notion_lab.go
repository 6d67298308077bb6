package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/m-mizutani/goerr/v2"

	"github.com/comigor/labs-agent/internal/logger"
)

// AddLabItemTool appends a collapsible lab entry to the Labs page.
type AddLabItemTool struct {
	api    NotionAPI
	pageID string
}

// NewAddLabItemTool creates a new AddLabItemTool
func NewAddLabItemTool(api NotionAPI, pageID string) *AddLabItemTool {
	return &AddLabItemTool{api: api, pageID: pageID}
}

func (t *AddLabItemTool) Name() string { return "addLabItem" }

func (t *AddLabItemTool) Description() string {
	return "Adds a lab to the Labs section of the Notion page as a toggle with an optional summary and list of links."
}

func (t *AddLabItemTool) Schema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "title": {"type": "string"},
    "summary": {"type": "string"},
    "links": {"type": "array", "items": {"type": "string"}}
  },
  "required": ["title"]
}`)
}

// Run appends the toggle block and returns a confirmation sentence.
func (t *AddLabItemTool) Run(ctx context.Context, args map[string]any) (any, error) {
	if t.api == nil || t.pageID == "" {
		return nil, goerr.New("Notion credentials missing")
	}
	title := stringArg(args, "title")
	logger.L.Info("addLabItem tool invoked", "title", title)

	children := []map[string]any{}
	if summary := stringArg(args, "summary"); summary != "" {
		children = append(children, paragraph(summary, ""))
	}
	if links := stringsArg(args, "links"); len(links) > 0 {
		children = append(children, map[string]any{
			"object":    "block",
			"type":      "heading_3",
			"heading_3": map[string]any{"rich_text": richText("Links")},
		})
		for _, link := range links {
			children = append(children, paragraph(link, link))
		}
	}

	toggle := map[string]any{
		"object": "block",
		"type":   "toggle",
		"toggle": map[string]any{
			"rich_text": richText(title),
			"children":  children,
		},
	}
	if err := t.api.AppendChildren(ctx, t.pageID, []map[string]any{toggle}); err != nil {
		return nil, err
	}
	return fmt.Sprintf("Successfully added %q to Labs section.", title), nil
}

func paragraph(content, link string) map[string]any {
	text := map[string]any{"content": content}
	if link != "" {
		text["link"] = map[string]any{"url": link}
	}
	return map[string]any{
		"object": "block",
		"type":   "paragraph",
		"paragraph": map[string]any{
			"rich_text": []map[string]any{{"type": "text", "text": text}},
		},
	}
}
