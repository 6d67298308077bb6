package extract

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/sashabaranov/go-openai"

	"github.com/comigor/labs-agent/internal/llm"
)

// Normalizer rewrites free text into the canonical lab grammar.
type Normalizer interface {
	Normalize(ctx context.Context, raw string) (string, error)
}

// Passthrough treats its input as already canonical.
type Passthrough struct{}

func (Passthrough) Normalize(_ context.Context, raw string) (string, error) { return raw, nil }

const promptTemplate = `You are a text normalizer for Slack messages about lab deadlines.

Rewrite the following message into this exact canonical format:
"Lab {number} ({title}) due {Month} {Day}, {Year} {Time AM/PM}."

Rules:
1. Remove filler words like "is", "this", "night", "both", "and", "for", etc.
2. Remove weekdays like Sunday, Monday, etc.
3. Convert month abbreviations (e.g., "Nov" to "November").
4. Convert vague times like "midnight" to "11:59 PM" and "noon" to "12:00 PM".
5. Always include the current year (%d) if none is specified.
6. If there are multiple labs, write each one on its own line in canonical form.
7. Never add commentary or explanations. Output ONLY the formatted text.

Examples:
Bad: "yo @channel lab 15 (BST Maps) due Fri night 11:59pm (Nov 21)"
Good: "Lab 15 (BST Maps) due November 21, %d 11:59 PM."

Bad: "Lab 16 Binary Search Trees - code & conceptual both due dec 2 midnight"
Good: "Lab 16 (Binary Search Trees) due December 2, %d 11:59 PM."

Message:
"""%s"""
`

// LLMNormalizer asks a chat model to produce canonical text.
type LLMNormalizer struct {
	client llm.Client
	model  string
	now    func() time.Time
}

func NewLLMNormalizer(client llm.Client, model string) *LLMNormalizer {
	return &LLMNormalizer{client: client, model: model, now: time.Now}
}

// Prompt renders the normalization instructions for raw.
func (n *LLMNormalizer) Prompt(raw string) string {
	year := n.now().Year()
	return fmt.Sprintf(promptTemplate, year, year, year, raw)
}

func (n *LLMNormalizer) Normalize(ctx context.Context, raw string) (string, error) {
	resp, err := n.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       n.model,
		Temperature: 0,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: n.Prompt(raw)},
		},
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", goerr.New("normalizer returned no choices")
	}
	out := cleanModelOutput(resp.Choices[0].Message.Content)
	if out == "" {
		return "", goerr.New("normalizer returned empty text")
	}
	return out, nil
}

// cleanModelOutput strips code fences and quotes models like to wrap answers in.
func cleanModelOutput(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```text")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")

	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.Trim(strings.TrimSpace(l), `"`)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
