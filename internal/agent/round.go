package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	"github.com/qmuntal/stateless"
	"github.com/sashabaranov/go-openai"

	"github.com/comigor/labs-agent/internal/history"
	"github.com/comigor/labs-agent/internal/logger"
	"github.com/comigor/labs-agent/internal/metrics"
	"github.com/comigor/labs-agent/internal/orchestrator"
	"github.com/comigor/labs-agent/internal/stream"
	"github.com/comigor/labs-agent/pkg/tools"
)

// Round states
type RoundState string

const (
	StateIdle                 RoundState = "Idle"
	StateResolving            RoundState = "ResolvingConfirmations"
	StateCallingModel         RoundState = "CallingModel"
	StateExecutingTools       RoundState = "ExecutingTools"
	StateAwaitingConfirmation RoundState = "AwaitingConfirmation"
	StateDone                 RoundState = "Done"
	StateCancelled            RoundState = "Cancelled"
	StateError                RoundState = "Error"
)

// Round triggers
type RoundTrigger string

const (
	TriggerStart               RoundTrigger = "Start"
	TriggerCallModel           RoundTrigger = "CallModel"
	TriggerModelRequestedTools RoundTrigger = "ModelRequestedTools"
	TriggerModelAnswered       RoundTrigger = "ModelAnswered"
	TriggerNeedsConfirmation   RoundTrigger = "NeedsConfirmation"
	TriggerCancel              RoundTrigger = "Cancel"
	TriggerErrorOccurred       RoundTrigger = "ErrorOccurred"
)

const (
	defaultMaxTurns   = 5
	emptyResponseText = "I'm sorry, I couldn't generate a response."
)

var errMaxTurns = errors.New("exceeded maximum interaction turns")

// round is the state of one orchestration round. Only the actor goroutine
// touches it.
type round struct {
	a       *Agent
	w       *stream.Writer
	inbound history.Message

	// draft collects the assistant message appended when the round ends.
	draft    history.Message
	turns    int
	maxTurns int
	err      error
	next     RoundTrigger
}

// runRound appends msg and drives the round machine until it rests in a
// terminal state. Every round that is not cancelled ends with exactly one
// new assistant message.
func (a *Agent) runRound(ctx context.Context, msg history.Message, w *stream.Writer) {
	a.messages = append(a.messages, msg)
	_ = a.persist(context.WithoutCancel(ctx))

	r := &round{
		a:        a,
		w:        w,
		inbound:  msg,
		draft:    history.NewMessage(history.RoleAssistant),
		maxTurns: a.deps.Config.MaxTurns,
	}
	if r.maxTurns <= 0 {
		r.maxTurns = defaultMaxTurns
	}
	ctx = tools.WithConversation(ctx, a.name)

	fsm := r.machine()
	trigger := TriggerStart
	for trigger != "" {
		r.next = ""
		if err := fsm.FireCtx(ctx, trigger); err != nil {
			logger.L.Error("round state machine failed", "conversation", a.name, "trigger", trigger, "error", err)
			if state := fsm.MustState(); state == StateDone || state == StateAwaitingConfirmation || state == StateError || state == StateCancelled {
				break
			}
			r.err = err
			r.next = TriggerErrorOccurred
		}
		trigger = r.next
	}
	metrics.RoundsTotal.WithLabelValues(string(fsm.MustState().(RoundState))).Inc()
}

func (r *round) machine() *stateless.StateMachine {
	fsm := stateless.NewStateMachine(StateIdle)

	fsm.Configure(StateIdle).
		Permit(TriggerStart, StateResolving)

	fsm.Configure(StateResolving).
		OnEntry(r.resolve).
		Permit(TriggerCallModel, StateCallingModel).
		Permit(TriggerNeedsConfirmation, StateAwaitingConfirmation).
		Permit(TriggerCancel, StateCancelled).
		Permit(TriggerErrorOccurred, StateError)

	fsm.Configure(StateCallingModel).
		OnEntry(r.callModel).
		Permit(TriggerModelRequestedTools, StateExecutingTools).
		Permit(TriggerModelAnswered, StateDone).
		Permit(TriggerCancel, StateCancelled).
		Permit(TriggerErrorOccurred, StateError)

	fsm.Configure(StateExecutingTools).
		OnEntry(r.executeTools).
		Permit(TriggerCallModel, StateCallingModel).
		Permit(TriggerNeedsConfirmation, StateAwaitingConfirmation).
		Permit(TriggerCancel, StateCancelled).
		Permit(TriggerErrorOccurred, StateError)

	fsm.Configure(StateDone).OnEntry(r.done)
	fsm.Configure(StateAwaitingConfirmation).OnEntry(r.awaiting)
	fsm.Configure(StateCancelled).OnEntry(r.cancelled)
	fsm.Configure(StateError).OnEntry(r.failed)

	return fsm
}

// resolve settles outstanding confirmations before the model sees the
// new message. Approvals are persisted before their executors run.
func (r *round) resolve(ctx context.Context, _ ...any) error {
	a := r.a
	expired := a.deps.Orchestrator.Expire(a.messages)
	var res orchestrator.Resolution
	if r.inbound.Role == history.RoleUser {
		res = a.deps.Orchestrator.Resolve(r.inbound, a.messages)
	}
	if len(expired.Denied) == 0 && !res.Matched() {
		r.next = TriggerCallModel
		return nil
	}

	if len(res.Approved) > 0 {
		_ = a.persist(context.WithoutCancel(ctx))
	}

	turn := history.NewMessage(history.RoleAssistant)
	turn.Metadata.Kind = history.KindConfirmation
	turn.Metadata.Source = r.inbound.Metadata.Source

	var results []*history.ToolResult
	results = append(results, expired.Results...)
	results = append(results, res.Results...)
	for _, denial := range results {
		r.w.Write(stream.ResultEvent(denial))
	}
	results = append(results, a.deps.Orchestrator.Execute(ctx, res.Approved, r.w)...)

	// The confirmation turn is kept even when the round was cancelled.
	var decided []*history.ToolCall
	decided = append(decided, expired.Denied...)
	decided = append(decided, res.Denied...)
	decided = append(decided, res.Approved...)
	turn.Parts = append(turn.Parts, history.TextPart(orchestrator.Summary(decided)))
	for _, result := range results {
		turn.Parts = append(turn.Parts, history.ResultPart(result))
	}
	a.messages = append(a.messages, turn)
	_ = a.persist(context.WithoutCancel(ctx))

	if ctx.Err() != nil {
		r.next = TriggerCancel
		return nil
	}
	if res.Matched() && res.Remaining > 0 {
		r.addText(orchestrator.Reminder(res.Remaining))
		r.next = TriggerNeedsConfirmation
		return nil
	}
	r.next = TriggerCallModel
	return nil
}

func (r *round) callModel(ctx context.Context, _ ...any) error {
	a := r.a
	if r.turns >= r.maxTurns {
		logger.L.Warn("max interaction turns reached", "conversation", a.name, "maxTurns", r.maxTurns)
		r.err = errMaxTurns
		r.next = TriggerErrorOccurred
		return nil
	}
	r.turns++
	logger.L.Debug("calling model", "conversation", a.name, "turn", r.turns)

	req := openai.ChatCompletionRequest{
		Model:    a.deps.Config.Model,
		Messages: stream.ToChatMessages(a.systemPrompt(), stream.Sanitize(r.transcript())),
	}
	if defs := a.deps.Registry.OpenAITools(); len(defs) > 0 {
		req.Tools = defs
	}

	cs, err := a.deps.LLM.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return r.modelFailed(ctx, err)
	}
	turn := stream.ReadModel(ctx, cs)
	<-r.w.Merge(turn.Events())
	text, calls, err := turn.Wait()
	if text != "" {
		r.addPart(history.TextPart(text))
	}
	if err != nil {
		return r.modelFailed(ctx, err)
	}
	if len(calls) == 0 {
		r.next = TriggerModelAnswered
		return nil
	}

	requested := make([]*history.ToolCall, 0, len(calls))
	for _, tc := range calls {
		call := &history.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		}
		if call.ID == "" {
			call.ID = "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
		}
		requested = append(requested, call)
	}
	a.deps.Orchestrator.Prepare(requested)
	for _, call := range requested {
		r.addPart(history.CallPart(call))
		r.w.Write(stream.CallEvent(call))
	}
	r.next = TriggerModelRequestedTools
	return nil
}

func (r *round) modelFailed(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		r.next = TriggerCancel
		return nil
	}
	r.err = goerr.Wrap(err, "model call failed", goerr.V("conversation", r.a.name))
	r.next = TriggerErrorOccurred
	return nil
}

func (r *round) executeTools(ctx context.Context, _ ...any) error {
	orch := r.a.deps.Orchestrator
	autoRun, needsConfirmation := orchestrator.Partition(orchestrator.Pending(r.transcript()))

	for _, result := range orch.Execute(ctx, autoRun, r.w) {
		r.addPart(history.ResultPart(result))
	}
	if ctx.Err() != nil {
		r.next = TriggerCancel
		return nil
	}

	if prompts := orch.RequestConfirmation(needsConfirmation, r.w); len(prompts) > 0 {
		r.addPart(history.TextPart(strings.Join(prompts, "\n")))
		r.next = TriggerNeedsConfirmation
		return nil
	}
	r.next = TriggerCallModel
	return nil
}

func (r *round) done(ctx context.Context, _ ...any) error {
	if len(r.draft.Parts) == 0 {
		r.addText(emptyResponseText)
	}
	r.finish(ctx)
	return nil
}

func (r *round) awaiting(ctx context.Context, _ ...any) error {
	logger.L.Info("round waiting for confirmation", "conversation", r.a.name)
	r.finish(ctx)
	return nil
}

func (r *round) failed(ctx context.Context, _ ...any) error {
	if r.err == nil {
		r.err = goerr.New("round ended in error state")
	}
	logger.L.Error("round failed", "conversation", r.a.name, "error", r.err)
	r.addText("Sorry, something went wrong: " + r.err.Error())
	r.w.Write(stream.ErrorEvent(r.err))
	r.finish(ctx)
	return nil
}

// cancelled drops the draft. Calls of the draft that never ran are marked
// abandoned; statuses already changed in the history are persisted.
func (r *round) cancelled(ctx context.Context, _ ...any) error {
	for _, call := range r.draft.Calls() {
		if call.Status == history.StatusRequested {
			call.Status = history.StatusAbandoned
			r.w.Write(stream.AbandonedEvent(call))
		}
	}
	logger.L.Info("round cancelled", "conversation", r.a.name)
	_ = r.a.persist(context.WithoutCancel(ctx))
	return nil
}

func (r *round) finish(ctx context.Context) {
	r.a.messages = append(r.a.messages, r.draft)
	_ = r.a.persist(context.WithoutCancel(ctx))
	r.w.Write(stream.Event{Kind: stream.KindDone, MessageID: r.draft.ID})
}

func (r *round) addPart(p history.Part) {
	r.draft.Parts = append(r.draft.Parts, p)
}

func (r *round) addText(text string) {
	r.addPart(history.TextPart(text))
	r.w.Write(stream.TextDelta(text))
}

// transcript is the history plus the unfinished draft.
func (r *round) transcript() []history.Message {
	if len(r.draft.Parts) == 0 {
		return r.a.messages
	}
	out := make([]history.Message, 0, len(r.a.messages)+1)
	out = append(out, r.a.messages...)
	return append(out, r.draft)
}
