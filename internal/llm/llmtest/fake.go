// Package llmtest provides a scripted llm.Client for tests.
package llmtest

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/sashabaranov/go-openai"

	"github.com/comigor/labs-agent/internal/llm"
)

// Script is the sequence of chunks one streaming call yields.
type Script struct {
	Chunks []openai.ChatCompletionStreamResponse
	// Err is returned after the chunks instead of io.EOF.
	Err error
	// Hang blocks after the chunks until the request context is cancelled.
	Hang bool
	// Waiting, if set, is closed when the stream starts hanging.
	Waiting chan struct{}
}

// Fake replays queued responses and records every request.
type Fake struct {
	mu sync.Mutex

	Completions   []openai.ChatCompletionResponse
	CompletionErr error
	Streams       []Script
	StreamErr     error

	requests []openai.ChatCompletionRequest
}

var _ llm.Client = (*Fake)(nil)

var errExhausted = errors.New("llmtest: no scripted response left")

func (f *Fake) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.CompletionErr != nil {
		return openai.ChatCompletionResponse{}, f.CompletionErr
	}
	if len(f.Completions) == 0 {
		return openai.ChatCompletionResponse{}, errExhausted
	}
	resp := f.Completions[0]
	f.Completions = f.Completions[1:]
	return resp, nil
}

func (f *Fake) CreateChatCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (llm.ChatStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.StreamErr != nil {
		return nil, f.StreamErr
	}
	if len(f.Streams) == 0 {
		return nil, errExhausted
	}
	s := f.Streams[0]
	f.Streams = f.Streams[1:]
	return &stream{ctx: ctx, script: s}, nil
}

// Requests returns a copy of the requests received so far.
func (f *Fake) Requests() []openai.ChatCompletionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]openai.ChatCompletionRequest(nil), f.requests...)
}

type stream struct {
	ctx    context.Context
	script Script
	next   int
	once   sync.Once
}

func (s *stream) Recv() (openai.ChatCompletionStreamResponse, error) {
	if err := s.ctx.Err(); err != nil {
		return openai.ChatCompletionStreamResponse{}, err
	}
	if s.next < len(s.script.Chunks) {
		c := s.script.Chunks[s.next]
		s.next++
		return c, nil
	}
	if s.script.Hang {
		if s.script.Waiting != nil {
			s.once.Do(func() { close(s.script.Waiting) })
		}
		<-s.ctx.Done()
		return openai.ChatCompletionStreamResponse{}, s.ctx.Err()
	}
	if s.script.Err != nil {
		return openai.ChatCompletionStreamResponse{}, s.script.Err
	}
	return openai.ChatCompletionStreamResponse{}, io.EOF
}

func (s *stream) Close() error { return nil }

func chunk(delta openai.ChatCompletionStreamChoiceDelta) openai.ChatCompletionStreamResponse {
	return openai.ChatCompletionStreamResponse{
		Choices: []openai.ChatCompletionStreamChoice{{Delta: delta}},
	}
}

// Text scripts a plain text answer delivered as one chunk per piece.
func Text(pieces ...string) Script {
	var s Script
	for _, p := range pieces {
		s.Chunks = append(s.Chunks, chunk(openai.ChatCompletionStreamChoiceDelta{Content: p}))
	}
	return s
}

// Call describes one scripted tool call.
type Call struct {
	ID, Name, Args string
}

// ToolCalls scripts an optional text preamble followed by tool calls. Each
// call's arguments are split over two chunks the way the API streams them.
func ToolCalls(preamble string, calls ...Call) Script {
	var s Script
	if preamble != "" {
		s.Chunks = append(s.Chunks, chunk(openai.ChatCompletionStreamChoiceDelta{Content: preamble}))
	}
	for i, c := range calls {
		idx := i
		half := len(c.Args) / 2
		s.Chunks = append(s.Chunks,
			chunk(openai.ChatCompletionStreamChoiceDelta{ToolCalls: []openai.ToolCall{{
				Index:    &idx,
				ID:       c.ID,
				Type:     openai.ToolTypeFunction,
				Function: openai.FunctionCall{Name: c.Name, Arguments: c.Args[:half]},
			}}}),
			chunk(openai.ChatCompletionStreamChoiceDelta{ToolCalls: []openai.ToolCall{{
				Index:    &idx,
				Function: openai.FunctionCall{Arguments: c.Args[half:]},
			}}}),
		)
	}
	return s
}

// Completion builds a non-streaming text response.
func Completion(text string) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{
			Message:      openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: text},
			FinishReason: openai.FinishReasonStop,
		}},
	}
}
