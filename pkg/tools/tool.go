package tools

import (
	"context"
	"encoding/json"
	"fmt"
)

// Tool is the interface for all tools
type Tool interface {
	Name() string
	Description() string
	// Schema is the JSON Schema of the tool's argument object.
	Schema() json.RawMessage
	Run(ctx context.Context, args map[string]any) (any, error)
}

var emptyObjectSchema = json.RawMessage(`{"type":"object","properties":{}}`)

type conversationKey struct{}

// WithConversation attaches the calling conversation's name to ctx.
func WithConversation(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, conversationKey{}, name)
}

// ConversationFrom returns the conversation name stored by WithConversation.
func ConversationFrom(ctx context.Context) string {
	name, _ := ctx.Value(conversationKey{}).(string)
	return name
}

func stringArg(args map[string]any, key string) string {
	switch v := args[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func stringsArg(args map[string]any, key string) []string {
	raw, ok := args[key].([]any)
	if !ok {
		if ss, ok := args[key].([]string); ok {
			return ss
		}
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
