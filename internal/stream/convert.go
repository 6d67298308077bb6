package stream

import (
	"encoding/json"

	"github.com/sashabaranov/go-openai"

	"github.com/comigor/labs-agent/internal/history"
)

// ToChatMessages renders a sanitized history as an OpenAI prompt. Each tool
// result is placed right after the assistant message holding its call, even
// when the result was recorded in a later turn.
func ToChatMessages(system string, msgs []history.Message) []openai.ChatCompletionMessage {
	results := history.ResultIndex(msgs)
	var out []openai.ChatCompletionMessage
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}

	for _, m := range msgs {
		switch m.Role {
		case history.RoleUser:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: m.Text()})
		case history.RoleSystem:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: m.Text()})
		case history.RoleAssistant:
			out = append(out, assistantMessages(m, results)...)
		}
	}
	return out
}

func assistantMessages(m history.Message, results map[string]*history.ToolResult) []openai.ChatCompletionMessage {
	var (
		out       []openai.ChatCompletionMessage
		cur       openai.ChatCompletionMessage
		sawResult bool
	)
	flush := func() {
		if cur.Content == "" && len(cur.ToolCalls) == 0 {
			return
		}
		cur.Role = openai.ChatMessageRoleAssistant
		out = append(out, cur)
		for _, tc := range cur.ToolCalls {
			if r, ok := results[tc.ID]; ok {
				out = append(out, toolMessage(r))
			}
		}
		cur = openai.ChatCompletionMessage{}
		sawResult = false
	}

	for _, p := range m.Parts {
		switch p.Type {
		case history.PartText:
			if len(cur.ToolCalls) > 0 {
				flush()
			}
			cur.Content += p.Text
		case history.PartToolCall:
			if sawResult {
				flush()
			}
			args := string(p.ToolCall.Arguments)
			if args == "" {
				args = "{}"
			}
			cur.ToolCalls = append(cur.ToolCalls, openai.ToolCall{
				ID:       p.ToolCall.ID,
				Type:     openai.ToolTypeFunction,
				Function: openai.FunctionCall{Name: p.ToolCall.Name, Arguments: args},
			})
		case history.PartToolResult:
			if len(cur.ToolCalls) > 0 {
				sawResult = true
			}
		}
	}
	flush()
	return out
}

func toolMessage(r *history.ToolResult) openai.ChatCompletionMessage {
	content := string(r.Output)
	if r.Error != nil {
		b, _ := json.Marshal(map[string]any{"error": r.Error})
		content = string(b)
	}
	if content == "" {
		content = "null"
	}
	return openai.ChatCompletionMessage{
		Role:       openai.ChatMessageRoleTool,
		Content:    content,
		Name:       r.Name,
		ToolCallID: r.CallID,
	}
}
