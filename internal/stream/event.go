package stream

import "github.com/comigor/labs-agent/internal/history"

type Kind string

const (
	KindTextDelta            Kind = "text-delta"
	KindToolCall             Kind = "tool-call"
	KindToolResult           Kind = "tool-result"
	KindConfirmationRequired Kind = "confirmation-required"
	KindToolAbandoned        Kind = "tool-abandoned"
	KindError                Kind = "error"
	KindDone                 Kind = "done"
)

// Event is one item of a round's response stream.
type Event struct {
	Kind   Kind                `json:"type"`
	Text   string              `json:"text,omitempty"`
	CallID string              `json:"callId,omitempty"`
	Call   *history.ToolCall   `json:"toolCall,omitempty"`
	Result *history.ToolResult `json:"toolResult,omitempty"`
	Error  string              `json:"error,omitempty"`
	// MessageID is set on the final event to the id of the appended assistant message.
	MessageID string `json:"messageId,omitempty"`
}

func TextDelta(text string) Event { return Event{Kind: KindTextDelta, Text: text} }

// CallEvent snapshots call so later status changes don't race with consumers.
func CallEvent(call *history.ToolCall) Event {
	c := *call
	return Event{Kind: KindToolCall, CallID: call.ID, Call: &c}
}

func ResultEvent(r *history.ToolResult) Event {
	res := *r
	return Event{Kind: KindToolResult, CallID: r.CallID, Result: &res}
}

func ConfirmationEvent(call *history.ToolCall, prompt string) Event {
	c := *call
	return Event{Kind: KindConfirmationRequired, CallID: call.ID, Call: &c, Text: prompt}
}

func AbandonedEvent(call *history.ToolCall) Event {
	return Event{Kind: KindToolAbandoned, CallID: call.ID}
}

func ErrorEvent(err error) Event { return Event{Kind: KindError, Error: err.Error()} }
