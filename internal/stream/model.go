package stream

import (
	"context"
	"errors"
	"io"
	"sort"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/sashabaranov/go-openai"

	"github.com/comigor/labs-agent/internal/llm"
)

// ModelTurn reads one streaming completion, emitting text deltas as they
// arrive and assembling tool-call fragments by index.
type ModelTurn struct {
	events chan Event
	done   chan struct{}

	text  strings.Builder
	calls map[int]*openai.ToolCall
	err   error
}

// ReadModel starts consuming cs. The stream is closed when reading stops.
func ReadModel(ctx context.Context, cs llm.ChatStream) *ModelTurn {
	t := &ModelTurn{
		events: make(chan Event),
		done:   make(chan struct{}),
		calls:  make(map[int]*openai.ToolCall),
	}
	go t.run(ctx, cs)
	return t
}

// Events yields text deltas and is closed when the model finishes.
func (t *ModelTurn) Events() <-chan Event { return t.events }

func (t *ModelTurn) run(ctx context.Context, cs llm.ChatStream) {
	defer close(t.done)
	defer close(t.events)
	defer cs.Close()

	for {
		if err := ctx.Err(); err != nil {
			t.err = err
			return
		}
		resp, err := cs.Recv()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				t.err = ctxErr
			} else {
				t.err = goerr.Wrap(err, "model stream failed")
			}
			return
		}
		for _, choice := range resp.Choices {
			if c := choice.Delta.Content; c != "" {
				t.text.WriteString(c)
				select {
				case t.events <- TextDelta(c):
				case <-ctx.Done():
					t.err = ctx.Err()
					return
				}
			}
			for _, tc := range choice.Delta.ToolCalls {
				t.addFragment(tc)
			}
		}
	}
}

func (t *ModelTurn) addFragment(tc openai.ToolCall) {
	idx := 0
	if tc.Index != nil {
		idx = *tc.Index
	}
	acc, ok := t.calls[idx]
	if !ok {
		acc = &openai.ToolCall{Type: openai.ToolTypeFunction}
		t.calls[idx] = acc
	}
	if tc.ID != "" {
		acc.ID = tc.ID
	}
	acc.Function.Name += tc.Function.Name
	acc.Function.Arguments += tc.Function.Arguments
}

// Wait blocks until the model is done and returns the full text and the
// assembled tool calls ordered by index.
func (t *ModelTurn) Wait() (string, []openai.ToolCall, error) {
	<-t.done
	idxs := make([]int, 0, len(t.calls))
	for i := range t.calls {
		idxs = append(idxs, i)
	}
	sort.Ints(idxs)
	calls := make([]openai.ToolCall, 0, len(idxs))
	for _, i := range idxs {
		calls = append(calls, *t.calls[i])
	}
	return t.text.String(), calls, t.err
}
