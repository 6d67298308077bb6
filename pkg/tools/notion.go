package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/m-mizutani/goerr/v2"

	"github.com/comigor/labs-agent/internal/logger"
)

// NotionAPI is the subset of NotionClient used by the tools.
type NotionAPI interface {
	CreatePage(ctx context.Context, body map[string]any) (string, error)
	AppendChildren(ctx context.Context, blockID string, children []map[string]any) error
}

var _ NotionAPI = (*NotionClient)(nil)

// AddScheduleItemTool creates a row in the Notion schedule database.
type AddScheduleItemTool struct {
	api        NotionAPI
	databaseID string
	timezone   string
}

// NewAddScheduleItemTool creates a new AddScheduleItemTool
func NewAddScheduleItemTool(api NotionAPI, databaseID, timezone string) *AddScheduleItemTool {
	if timezone == "" {
		timezone = "America/Los_Angeles"
	}
	return &AddScheduleItemTool{api: api, databaseID: databaseID, timezone: timezone}
}

// Name returns the name of the tool
func (t *AddScheduleItemTool) Name() string { return "addScheduleItem" }

// Description returns the description of the tool
func (t *AddScheduleItemTool) Description() string {
	return "Adds an item to the Notion schedule database. Use it for every lab deadline with the lab title as title and the due date as when."
}

func (t *AddScheduleItemTool) Schema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "title": {"type": "string", "description": "Item title, e.g. Lab 15 (BST Maps)"},
    "description": {"type": "string"},
    "when": {"type": "string", "description": "ISO-8601 date or date-time"},
    "tags": {"type": "array", "items": {"type": "string"}},
    "type": {"type": "string"}
  },
  "required": ["title"]
}`)
}

// Run runs the tool
func (t *AddScheduleItemTool) Run(ctx context.Context, args map[string]any) (any, error) {
	if t.api == nil || t.databaseID == "" {
		return nil, goerr.New("Notion credentials missing")
	}
	title := stringArg(args, "title")
	logger.L.Info("addScheduleItem tool invoked", "title", title)

	props := map[string]any{
		"Name": map[string]any{"title": richText(title)},
	}
	if d := stringArg(args, "description"); d != "" {
		props["Details"] = map[string]any{"rich_text": richText(d)}
	}
	if when := stringArg(args, "when"); when != "" {
		// Notion interprets a local timestamp plus time_zone; a trailing Z would pin it to UTC.
		props["When"] = map[string]any{"date": map[string]any{
			"start":     strings.TrimSuffix(when, "Z"),
			"time_zone": t.timezone,
		}}
	}
	if tags := stringsArg(args, "tags"); len(tags) > 0 {
		opts := make([]map[string]any, 0, len(tags))
		for _, tag := range tags {
			opts = append(opts, map[string]any{"name": tag})
		}
		props["Tags"] = map[string]any{"multi_select": opts}
	}
	if typ := stringArg(args, "type"); typ != "" {
		props["Type"] = map[string]any{"select": map[string]any{"name": typ}}
	}

	body := map[string]any{
		"parent":     map[string]any{"database_id": t.databaseID},
		"properties": props,
	}
	if _, err := t.api.CreatePage(ctx, body); err != nil {
		return nil, err
	}
	return fmt.Sprintf("Added %q to your Notion Schedule.", title), nil
}

func richText(content string) []map[string]any {
	return []map[string]any{{"type": "text", "text": map[string]any{"content": content}}}
}
