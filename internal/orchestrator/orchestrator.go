// Package orchestrator runs model-requested tool calls and gates the ones
// that need the user's approval.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"golang.org/x/sync/errgroup"

	"github.com/comigor/labs-agent/internal/history"
	"github.com/comigor/labs-agent/internal/logger"
	"github.com/comigor/labs-agent/internal/metrics"
	"github.com/comigor/labs-agent/internal/stream"
	"github.com/comigor/labs-agent/pkg/tools"
)

// Orchestrator is stateless between rounds; all suspension state lives in
// the calls' Status field inside the conversation history.
type Orchestrator struct {
	registry *tools.Registry
	ttl      time.Duration
	now      func() time.Time
}

type Option func(*Orchestrator)

// WithTTL makes calls awaiting confirmation longer than ttl expire.
func WithTTL(ttl time.Duration) Option {
	return func(o *Orchestrator) { o.ttl = ttl }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func New(registry *tools.Registry, opts ...Option) *Orchestrator {
	o := &Orchestrator{registry: registry, now: time.Now}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Prepare stamps freshly requested calls with the registry's confirmation
// policy. Unknown tools are left auto-runnable so they fail on execution.
func (o *Orchestrator) Prepare(calls []*history.ToolCall) {
	now := o.now().UTC()
	for _, c := range calls {
		c.ConfirmationRequired = o.registry.RequiresConfirmation(c.Name)
		c.Status = history.StatusRequested
		if c.RequestedAt.IsZero() {
			c.RequestedAt = now
		}
	}
}

// Partition splits calls by confirmation policy, keeping their order.
func Partition(calls []*history.ToolCall) (autoRun, needsConfirmation []*history.ToolCall) {
	for _, c := range calls {
		if c.ConfirmationRequired {
			needsConfirmation = append(needsConfirmation, c)
		} else {
			autoRun = append(autoRun, c)
		}
	}
	return autoRun, needsConfirmation
}

// Pending returns the calls of the newest assistant turn with tool calls
// that have neither a result nor a pending confirmation.
func Pending(msgs []history.Message) []*history.ToolCall {
	results := history.ResultIndex(msgs)
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role != history.RoleAssistant {
			continue
		}
		calls := msgs[i].Calls()
		if len(calls) == 0 {
			continue
		}
		var out []*history.ToolCall
		for _, c := range calls {
			if _, done := results[c.ID]; done {
				continue
			}
			if c.Status.Terminal() || c.Status == history.StatusAwaitingConfirmation {
				continue
			}
			out = append(out, c)
		}
		return out
	}
	return nil
}

type outcome struct {
	index  int
	ok     bool
	result *history.ToolResult
}

// Execute runs calls concurrently and writes a tool-result event per call
// as each completes. It never returns an error: failures become error
// results. If ctx ends first, calls still running are marked abandoned and
// get no result. Returned results follow the order of calls.
func (o *Orchestrator) Execute(ctx context.Context, calls []*history.ToolCall, w *stream.Writer) []*history.ToolResult {
	var run []*history.ToolCall
	for _, c := range calls {
		if !runnable(c) {
			logger.L.Warn("refusing to execute tool call", "tool", c.Name, "callId", c.ID, "status", c.Status)
			continue
		}
		run = append(run, c)
	}
	if len(run) == 0 {
		return nil
	}

	completed := make(chan outcome, len(run))
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range run {
		g.Go(func() error {
			completed <- o.invoke(gctx, i, c)
			return nil
		})
	}
	go func() { _ = g.Wait() }()

	results := make([]*history.ToolResult, len(run))
	finished := make([]bool, len(run))
	for range run {
		select {
		case out := <-completed:
			if !out.ok && ctx.Err() != nil {
				// interrupted by the cancellation, not a tool failure
				o.abandon(run, finished, w)
				return compact(results)
			}
			c := run[out.index]
			trigger := triggerFail
			if out.ok {
				trigger = triggerSucceed
			}
			if err := transition(c, trigger); err != nil {
				logger.L.Error("tool call transition failed", "error", err)
			}
			finished[out.index] = true
			results[out.index] = out.result
			metrics.ToolExecutionsTotal.WithLabelValues(c.Name, string(c.Status)).Inc()
			w.Write(stream.ResultEvent(out.result))
		case <-ctx.Done():
			o.abandon(run, finished, w)
			return compact(results)
		}
	}
	return compact(results)
}

func (o *Orchestrator) abandon(calls []*history.ToolCall, finished []bool, w *stream.Writer) {
	for i, c := range calls {
		if finished[i] {
			continue
		}
		if err := transition(c, triggerAbandon); err != nil {
			logger.L.Error("tool call transition failed", "error", err)
			continue
		}
		metrics.ToolExecutionsTotal.WithLabelValues(c.Name, string(c.Status)).Inc()
		logger.L.Info("tool call abandoned", "tool", c.Name, "callId", c.ID)
		w.Write(stream.AbandonedEvent(c))
	}
}

func compact(results []*history.ToolResult) []*history.ToolResult {
	out := make([]*history.ToolResult, 0, len(results))
	for _, r := range results {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

func (o *Orchestrator) invoke(ctx context.Context, index int, call *history.ToolCall) (out outcome) {
	out.index = index
	defer func() {
		if r := recover(); r != nil {
			logger.L.Error("tool panicked", "tool", call.Name, "panic", r)
			out.ok = false
			out.result = history.Failed(call, history.ErrorExecution, fmt.Sprintf("tool panicked: %v", r))
		}
	}()

	def, err := o.registry.Get(call.Name)
	if err != nil {
		logger.L.Warn("model requested unknown tool", "tool", call.Name, "callId", call.ID)
		out.result = history.Failed(call, history.ErrorUnknownTool, fmt.Sprintf("Unknown tool %q.", call.Name))
		return out
	}

	args, err := parseArguments(call.Arguments)
	if err == nil {
		err = def.Validate(args)
	}
	if err != nil {
		logger.L.Warn("invalid tool arguments", "tool", call.Name, "callId", call.ID, "error", err)
		out.result = history.Failed(call, history.ErrorInvalidArguments, err.Error())
		return out
	}

	logger.L.Debug("executing tool", "tool", call.Name, "callId", call.ID, "arguments", args)
	start := time.Now()
	value, err := def.Tool.Run(ctx, args)
	metrics.ToolDuration.WithLabelValues(call.Name).Observe(time.Since(start).Seconds())
	if err != nil {
		logger.L.Warn("tool execution failed", "tool", call.Name, "callId", call.ID, "error", err)
		out.result = history.Failed(call, history.ErrorExecution, err.Error())
		return out
	}

	raw, err := json.Marshal(value)
	if err != nil {
		out.result = history.Failed(call, history.ErrorExecution, "tool output is not serializable: "+err.Error())
		return out
	}
	out.ok = true
	out.result = &history.ToolResult{CallID: call.ID, Name: call.Name, Output: raw}
	return out
}

// parseArguments decodes the call's argument object. Empty arguments are
// treated as an empty object.
func parseArguments(raw json.RawMessage) (map[string]any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal(trimmed, &args); err != nil {
		return nil, goerr.Wrap(err, "arguments must be a JSON object")
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}
