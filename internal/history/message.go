package history

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

type PartType string

const (
	PartText       PartType = "text"
	PartToolCall   PartType = "tool-call"
	PartToolResult PartType = "tool-result"
)

// Source tags where an inbound message came from.
const (
	SourceChat      = "chat"
	SourceSlack     = "slack"
	SourceScheduler = "scheduler"
	SourceDirect    = "direct"
)

// KindConfirmation marks the assistant turn that records confirmation outcomes.
const KindConfirmation = "confirmation"

// CallStatus is the lifecycle state of a tool call.
type CallStatus string

const (
	StatusRequested            CallStatus = "requested"
	StatusAwaitingConfirmation CallStatus = "awaiting-confirmation"
	StatusApproved             CallStatus = "approved"
	StatusDenied               CallStatus = "denied"
	StatusExecuted             CallStatus = "executed"
	StatusFailed               CallStatus = "failed"
	StatusAbandoned            CallStatus = "abandoned"
)

// Terminal reports whether no further transition is possible.
func (s CallStatus) Terminal() bool {
	switch s {
	case StatusDenied, StatusExecuted, StatusFailed, StatusAbandoned:
		return true
	}
	return false
}

type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionDeny    Decision = "deny"
)

type ErrorCode string

const (
	ErrorUnknownTool      ErrorCode = "unknown-tool"
	ErrorInvalidArguments ErrorCode = "invalid-arguments"
	ErrorExecution        ErrorCode = "execution-failed"
	ErrorDenied           ErrorCode = "denied"
	ErrorExpired          ErrorCode = "expired"
)

// ToolCall is a model-requested invocation of a named tool.
type ToolCall struct {
	ID                   string          `json:"callId"`
	Name                 string          `json:"name"`
	Arguments            json.RawMessage `json:"arguments"`
	ConfirmationRequired bool            `json:"confirmationRequired"`
	Status               CallStatus      `json:"status"`
	RequestedAt          time.Time       `json:"requestedAt"`
	DecidedAt            *time.Time      `json:"decidedAt,omitempty"`
	DecidedBy            string          `json:"decidedBy,omitempty"`
}

type ToolError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// ToolResult is the outcome of a ToolCall, matched by CallID.
type ToolResult struct {
	CallID string          `json:"callId"`
	Name   string          `json:"name"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  *ToolError      `json:"error,omitempty"`
}

// Failed builds an error result for call.
func Failed(call *ToolCall, code ErrorCode, msg string) *ToolResult {
	return &ToolResult{
		CallID: call.ID,
		Name:   call.Name,
		Error:  &ToolError{Code: code, Message: msg},
	}
}

// Part is one piece of a message: text, a tool call or a tool result.
type Part struct {
	Type       PartType    `json:"type"`
	Text       string      `json:"text,omitempty"`
	ToolCall   *ToolCall   `json:"toolCall,omitempty"`
	ToolResult *ToolResult `json:"toolResult,omitempty"`
}

func TextPart(text string) Part { return Part{Type: PartText, Text: text} }

func CallPart(c *ToolCall) Part { return Part{Type: PartToolCall, ToolCall: c} }

func ResultPart(r *ToolResult) Part { return Part{Type: PartToolResult, ToolResult: r} }

type Metadata struct {
	CreatedAt     time.Time           `json:"createdAt"`
	Source        string              `json:"source,omitempty"`
	Kind          string              `json:"kind,omitempty"`
	Confirmations map[string]Decision `json:"confirmations,omitempty"`
}

// Message is one entry of a conversation history.
type Message struct {
	ID       string   `json:"id"`
	Role     Role     `json:"role"`
	Parts    []Part   `json:"parts"`
	Metadata Metadata `json:"metadata"`
}

// NewMessage creates a message with a fresh ID and creation time.
func NewMessage(role Role, parts ...Part) Message {
	return Message{
		ID:       uuid.NewString(),
		Role:     role,
		Parts:    parts,
		Metadata: Metadata{CreatedAt: time.Now().UTC()},
	}
}

func NewTextMessage(role Role, text string) Message {
	return NewMessage(role, TextPart(text))
}

// Validate checks the structural invariants of an inbound message.
func (m Message) Validate() error {
	if m.ID == "" {
		return goerr.New("message id is empty")
	}
	switch m.Role {
	case RoleUser, RoleAssistant, RoleSystem:
	default:
		return goerr.New("invalid message role", goerr.V("role", m.Role))
	}
	if len(m.Parts) == 0 {
		return goerr.New("message has no parts", goerr.V("id", m.ID))
	}
	return nil
}

// Text concatenates the message's text parts.
func (m Message) Text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// Calls returns the message's tool calls in order.
func (m Message) Calls() []*ToolCall {
	var out []*ToolCall
	for _, p := range m.Parts {
		if p.Type == PartToolCall && p.ToolCall != nil {
			out = append(out, p.ToolCall)
		}
	}
	return out
}

// Clone deep-copies the message so callers can't alias tool call state.
func (m Message) Clone() Message {
	out := m
	out.Parts = make([]Part, len(m.Parts))
	for i, p := range m.Parts {
		if p.ToolCall != nil {
			c := *p.ToolCall
			if p.ToolCall.DecidedAt != nil {
				t := *p.ToolCall.DecidedAt
				c.DecidedAt = &t
			}
			p.ToolCall = &c
		}
		if p.ToolResult != nil {
			r := *p.ToolResult
			if p.ToolResult.Error != nil {
				e := *p.ToolResult.Error
				r.Error = &e
			}
			p.ToolResult = &r
		}
		out.Parts[i] = p
	}
	if m.Metadata.Confirmations != nil {
		out.Metadata.Confirmations = make(map[string]Decision, len(m.Metadata.Confirmations))
		for k, v := range m.Metadata.Confirmations {
			out.Metadata.Confirmations[k] = v
		}
	}
	return out
}

// CloneAll deep-copies a slice of messages.
func CloneAll(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}

// ResultIndex maps call IDs to the results recorded anywhere in msgs.
func ResultIndex(msgs []Message) map[string]*ToolResult {
	idx := make(map[string]*ToolResult)
	for _, m := range msgs {
		for _, p := range m.Parts {
			if p.Type == PartToolResult && p.ToolResult != nil {
				idx[p.ToolResult.CallID] = p.ToolResult
			}
		}
	}
	return idx
}
