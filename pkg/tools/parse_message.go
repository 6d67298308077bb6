package tools

import (
	"context"
	"encoding/json"

	"github.com/comigor/labs-agent/internal/extract"
	"github.com/comigor/labs-agent/internal/logger"
)

// LabExtractor is implemented by *extract.Extractor.
type LabExtractor interface {
	Extract(ctx context.Context, raw string) []extract.LabEntry
}

// ParseSlackMessageTool extracts lab deadlines from a Slack message.
type ParseSlackMessageTool struct {
	extractor LabExtractor
}

func NewParseSlackMessageTool(extractor LabExtractor) *ParseSlackMessageTool {
	return &ParseSlackMessageTool{extractor: extractor}
}

func (t *ParseSlackMessageTool) Name() string { return "parseSlackMessage" }

func (t *ParseSlackMessageTool) Description() string {
	return "Parses a Slack message and returns the labs it announces as a JSON array of {labNumber, title, dueDate, docLink}."
}

func (t *ParseSlackMessageTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`)
}

func (t *ParseSlackMessageTool) Run(ctx context.Context, args map[string]any) (any, error) {
	entries := t.extractor.Extract(ctx, stringArg(args, "text"))
	logger.L.Info("parsed slack message", "labs", len(entries))
	return entries, nil
}
