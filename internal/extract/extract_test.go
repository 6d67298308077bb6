package extract

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"

	"github.com/comigor/labs-agent/internal/llm/llmtest"
)

type stubNormalizer struct {
	out string
	err error
}

func (s stubNormalizer) Normalize(context.Context, string) (string, error) { return s.out, s.err }

func mustExtractor(t *testing.T, n Normalizer) *Extractor {
	t.Helper()
	e, err := New(n, DefaultTimezone)
	require.NoError(t, err)
	return e
}

func laTime(t *testing.T, layout, value string) time.Time {
	t.Helper()
	loc, err := time.LoadLocation(DefaultTimezone)
	require.NoError(t, err)
	v, err := time.ParseInLocation(layout, value, loc)
	require.NoError(t, err)
	return v.UTC()
}

func TestExtract_SlackMessageThroughModel(t *testing.T) {
	fake := &llmtest.Fake{Completions: []openai.ChatCompletionResponse{
		llmtest.Completion("Lab 15 (BST Maps) due November 21, 2025 11:59 PM."),
	}}
	e := mustExtractor(t, NewLLMNormalizer(fake, "gpt-4o-mini"))

	entries := e.Extract(context.Background(), "yo @channel lab 15 (BST Maps) due Fri night 11:59pm (Nov 21)")
	require.Len(t, entries, 1)
	require.Equal(t, 15, entries[0].LabNumber)
	require.Equal(t, "BST Maps", entries[0].Title)
	require.Equal(t, laTime(t, "2006-01-02 15:04", "2025-11-21 23:59"), entries[0].DueDate)
	require.Equal(t, time.Date(2025, 11, 22, 7, 59, 0, 0, time.UTC), entries[0].DueDate)
	require.Nil(t, entries[0].DocLink)

	reqs := fake.Requests()
	require.Len(t, reqs, 1)
	require.Contains(t, reqs[0].Messages[0].Content, "yo @channel lab 15")
}

func TestExtract_DocLinkBroadcast(t *testing.T) {
	raw := "Lab 16 and 17 are out, see <https://docs.google.com/document/d/abc123/edit|handout>"
	e := mustExtractor(t, stubNormalizer{out: strings.Join([]string{
		"Lab 16 (Binary Search Trees) due December 2, 2025 11:59 PM.",
		"",
		"Lab 17 (Heaps) due December 9, 2025 11:59 PM.",
	}, "\n")})

	entries := e.Extract(context.Background(), raw)
	require.Len(t, entries, 2)
	require.Equal(t, 16, entries[0].LabNumber)
	require.Equal(t, 17, entries[1].LabNumber)
	for _, entry := range entries {
		require.NotNil(t, entry.DocLink)
		require.Equal(t, "https://docs.google.com/document/d/abc123/edit", *entry.DocLink)
	}
}

func TestExtract_PartialSuccess(t *testing.T) {
	e := mustExtractor(t, stubNormalizer{out: "Lab 18 (Graphs) due sometime next week.\nLab 19 (Tries) due January 5, 2026 12:00 PM."})

	entries := e.Extract(context.Background(), "irrelevant")
	require.Len(t, entries, 1)
	require.Equal(t, 19, entries[0].LabNumber)
	require.Equal(t, laTime(t, "2006-01-02 15:04", "2026-01-05 12:00"), entries[0].DueDate)
}

func TestExtract_NormalizerFailureFallsBackToRaw(t *testing.T) {
	e := mustExtractor(t, stubNormalizer{err: errors.New("model down")})

	entries := e.Extract(context.Background(), "Lab 3 (Linked Lists) due October 1, 2025 11:59 PM.")
	require.Len(t, entries, 1)
	require.Equal(t, "Linked Lists", entries[0].Title)

	e = mustExtractor(t, stubNormalizer{out: "   "})
	entries = e.Extract(context.Background(), "hello there")
	require.Empty(t, entries)
}

func TestExtract_NoDeduplication(t *testing.T) {
	e := mustExtractor(t, Passthrough{})
	entries := e.Extract(context.Background(), "Lab 5 (Stacks) due March 3, 2026 9:00 AM.\nLab 5 (Stacks) due March 4, 2026 9:00 AM.")
	require.Len(t, entries, 2)
}

func TestParse_Idempotent(t *testing.T) {
	e := mustExtractor(t, Passthrough{})
	first := e.Parse("Lab 07 (Queues) due Feb 14, 2026 11:59pm.\nLab 8 (Hashing) due April 1, 2026 3 PM.")
	require.Len(t, first, 2)
	require.Equal(t, 7, first[0].LabNumber)

	var lines []string
	for _, entry := range first {
		lines = append(lines, e.Canonical(entry))
	}
	second := e.Parse(strings.Join(lines, "\n"))
	require.Equal(t, first, second)
}

func TestParse_SkipsNonMatchingLines(t *testing.T) {
	e := mustExtractor(t, Passthrough{})
	require.Empty(t, e.Parse("Reminder: office hours moved.\nLab (Untitled) due May 1, 2026."))
}

func TestCleanModelOutput(t *testing.T) {
	require.Equal(t, "Lab 1 (A) due May 1, 2026 11:59 PM.",
		cleanModelOutput("```\n\"Lab 1 (A) due May 1, 2026 11:59 PM.\"\n```"))
}

func TestNew_InvalidTimezone(t *testing.T) {
	_, err := New(Passthrough{}, "Mars/Olympus")
	require.Error(t, err)
}
