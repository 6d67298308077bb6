package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"

	"github.com/comigor/labs-agent/internal/config"
	"github.com/comigor/labs-agent/internal/history"
	"github.com/comigor/labs-agent/internal/llm/llmtest"
	"github.com/comigor/labs-agent/internal/orchestrator"
	"github.com/comigor/labs-agent/internal/scheduler"
	"github.com/comigor/labs-agent/internal/stream"
	"github.com/comigor/labs-agent/pkg/tools"
)

type funcTool struct {
	name   string
	schema string
	run    func(ctx context.Context, args map[string]any) (any, error)
}

func (f funcTool) Name() string        { return f.name }
func (f funcTool) Description() string { return f.name }
func (f funcTool) Schema() json.RawMessage {
	if f.schema == "" {
		return nil
	}
	return json.RawMessage(f.schema)
}
func (f funcTool) Run(ctx context.Context, args map[string]any) (any, error) {
	return f.run(ctx, args)
}

type fixture struct {
	llm      *llmtest.Fake
	store    *history.Store
	registry *tools.Registry
	hub      *Hub
}

func newFixture(t *testing.T, cfg config.LLMConfig, streams ...llmtest.Script) *fixture {
	t.Helper()
	f := &fixture{
		llm:      &llmtest.Fake{Streams: streams},
		store:    history.NewStore(context.Background(), nil),
		registry: tools.NewRegistry(),
	}
	if cfg.Model == "" {
		cfg.Model = "gpt"
	}
	f.hub = NewHub(Deps{
		LLM:          f.llm,
		Config:       cfg,
		Registry:     f.registry,
		Orchestrator: orchestrator.New(f.registry),
		Store:        f.store,
		Now:          func() time.Time { return time.Date(2025, 11, 20, 18, 0, 0, 0, time.UTC) },
	})
	t.Cleanup(f.hub.Close)
	return f
}

func (f *fixture) agent(t *testing.T, name string) *Agent {
	t.Helper()
	a, err := f.hub.Get(context.Background(), name)
	require.NoError(t, err)
	return a
}

func (f *fixture) send(t *testing.T, a *Agent, text string) []stream.Event {
	t.Helper()
	return a.HandleInboundMessage(context.Background(), history.NewTextMessage(history.RoleUser, text)).Collect()
}

func mustHistory(t *testing.T, a *Agent) []history.Message {
	t.Helper()
	msgs, err := a.History(context.Background())
	require.NoError(t, err)
	return msgs
}

func eventKinds(events []stream.Event) []stream.Kind {
	out := make([]stream.Kind, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Kind)
	}
	return out
}

func TestRound_ModelAnswersDirectly(t *testing.T) {
	f := newFixture(t, config.LLMConfig{SystemPrompt: "You are a helpful AI assistant."}, llmtest.Text("Hello, ", "I am a helpful AI."))
	a := f.agent(t, "chat")

	events := f.send(t, a, "User says hi")

	require.Equal(t, []stream.Kind{stream.KindTextDelta, stream.KindTextDelta, stream.KindDone}, eventKinds(events))
	msgs := mustHistory(t, a)
	require.Len(t, msgs, 2)
	require.Equal(t, history.RoleAssistant, msgs[1].Role)
	require.Equal(t, "Hello, I am a helpful AI.", msgs[1].Text())
	require.Equal(t, msgs[1].ID, events[2].MessageID)

	reqs := f.llm.Requests()
	require.Len(t, reqs, 1)
	require.Equal(t, openai.ChatMessageRoleSystem, reqs[0].Messages[0].Role)
	require.Contains(t, reqs[0].Messages[0].Content, "You are a helpful AI assistant.")
	require.Contains(t, reqs[0].Messages[0].Content, "Current time: 2025-11-20T18:00:00Z")
	require.Equal(t, "User says hi", reqs[0].Messages[1].Content)
	require.Empty(t, reqs[0].Tools)

	// persisted through the store
	stored, err := f.store.Load(context.Background(), "chat")
	require.NoError(t, err)
	require.Len(t, stored, 2)
}

func TestRound_HistoryGrowsByOneAssistantMessagePerRound(t *testing.T) {
	f := newFixture(t, config.LLMConfig{}, llmtest.Text("one"), llmtest.Text("two"), llmtest.Text("three"))
	a := f.agent(t, "chat")

	for i, text := range []string{"a", "b", "c"} {
		before := len(mustHistory(t, a))
		f.send(t, a, text)
		msgs := mustHistory(t, a)
		require.Len(t, msgs, before+2, "round %d", i)
		require.Equal(t, history.RoleAssistant, msgs[len(msgs)-1].Role)
	}
	require.Len(t, f.llm.Requests()[2].Messages, 6)
}

func TestRound_ToolCallThenAnswer(t *testing.T) {
	f := newFixture(t, config.LLMConfig{},
		llmtest.ToolCalls("Let me check. ", llmtest.Call{ID: "call_123", Name: "get_weather", Args: `{"location": "London"}`}),
		llmtest.Text("Based on the weather tool, it's sunny in London."),
	)
	f.registry.Register(funcTool{
		name:   "get_weather",
		schema: `{"type":"object","properties":{"location":{"type":"string"}},"required":["location"]}`,
		run: func(_ context.Context, args map[string]any) (any, error) {
			require.Equal(t, map[string]any{"location": "London"}, args)
			return "The weather in London is sunny.", nil
		},
	})
	a := f.agent(t, "chat")

	events := f.send(t, a, "What's the weather in London?")
	require.Equal(t, []stream.Kind{
		stream.KindTextDelta, stream.KindToolCall, stream.KindToolResult, stream.KindTextDelta, stream.KindDone,
	}, eventKinds(events))

	msgs := mustHistory(t, a)
	require.Len(t, msgs, 2)
	reply := msgs[1]
	calls := reply.Calls()
	require.Len(t, calls, 1)
	require.Equal(t, history.StatusExecuted, calls[0].Status)
	require.Equal(t, "Let me check. Based on the weather tool, it's sunny in London.", reply.Text())

	reqs := f.llm.Requests()
	require.Len(t, reqs, 2)
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	require.Equal(t, openai.ChatMessageRoleTool, last.Role)
	require.Equal(t, "call_123", last.ToolCallID)
	require.Equal(t, `"The weather in London is sunny."`, last.Content)
}

func TestRound_ToolFailuresBecomeResults(t *testing.T) {
	f := newFixture(t, config.LLMConfig{},
		llmtest.ToolCalls("",
			llmtest.Call{ID: "call_1", Name: "no_such_tool", Args: `{}`},
			llmtest.Call{ID: "call_2", Name: "broken_tool", Args: `{}`},
		),
		llmtest.Text("Sorry, both tools failed."),
	)
	f.registry.Register(funcTool{name: "broken_tool", run: func(context.Context, map[string]any) (any, error) {
		return nil, errors.New("MCP tool execution failed badly.")
	}})
	a := f.agent(t, "chat")

	events := f.send(t, a, "Use the broken tool")
	require.Equal(t, stream.KindDone, events[len(events)-1].Kind)

	results := history.ResultIndex(mustHistory(t, a))
	require.Equal(t, history.ErrorUnknownTool, results["call_1"].Error.Code)
	require.Equal(t, history.ErrorExecution, results["call_2"].Error.Code)
	require.Equal(t, "MCP tool execution failed badly.", results["call_2"].Error.Message)
}

func TestRound_ConfirmationFlow(t *testing.T) {
	f := newFixture(t, config.LLMConfig{},
		llmtest.ToolCalls("",
			llmtest.Call{ID: "call_1", Name: "getLocalTime", Args: `{}`},
			llmtest.Call{ID: "call_2", Name: "addLabItem", Args: `{"title":"BST Maps"}`},
		),
		llmtest.Text("Added BST Maps to Notion."),
	)
	var labRuns atomic.Int32
	f.registry.Register(funcTool{name: "getLocalTime", run: func(context.Context, map[string]any) (any, error) {
		return map[string]string{"time": "10:00"}, nil
	}})
	f.registry.Register(funcTool{name: "addLabItem", run: func(ctx context.Context, _ map[string]any) (any, error) {
		labRuns.Add(1)
		// the approval is on disk before the executor runs
		stored, err := f.store.Load(ctx, "slack-automation")
		require.NoError(t, err)
		var status history.CallStatus
		for _, m := range stored {
			for _, c := range m.Calls() {
				if c.ID == "call_2" {
					status = c.Status
				}
			}
		}
		require.Equal(t, history.StatusApproved, status)
		return `Successfully added "BST Maps" to Labs section.`, nil
	}}, tools.WithConfirmation(true))
	a := f.agent(t, "slack-automation")

	events := f.send(t, a, "Lab 15 (BST Maps) due November 21, 2025 11:59 PM.")
	require.Equal(t, []stream.Kind{
		stream.KindToolCall, stream.KindToolCall, stream.KindToolResult,
		stream.KindConfirmationRequired, stream.KindDone,
	}, eventKinds(events))
	require.Equal(t, "call_2", events[3].CallID)
	require.Zero(t, labRuns.Load())

	msgs := mustHistory(t, a)
	require.Len(t, msgs, 2)
	calls := msgs[1].Calls()
	require.Equal(t, history.StatusExecuted, calls[0].Status)
	require.Equal(t, history.StatusAwaitingConfirmation, calls[1].Status)
	require.True(t, calls[1].ConfirmationRequired)
	require.Contains(t, msgs[1].Text(), "Tool `addLabItem` wants to run with {\"title\":\"BST Maps\"}.")
	require.Len(t, f.llm.Requests(), 1)

	reply := history.NewTextMessage(history.RoleUser, "yes")
	events = a.HandleInboundMessage(context.Background(), reply).Collect()
	require.Equal(t, []stream.Kind{stream.KindToolResult, stream.KindTextDelta, stream.KindDone}, eventKinds(events))
	require.Equal(t, int32(1), labRuns.Load())

	msgs = mustHistory(t, a)
	require.Len(t, msgs, 5)
	confirmation := msgs[3]
	require.Equal(t, history.KindConfirmation, confirmation.Metadata.Kind)
	require.Equal(t, "Approved and ran `addLabItem` (call_2).", confirmation.Text())
	require.Equal(t, history.StatusExecuted, msgs[1].Calls()[1].Status)
	require.Equal(t, reply.ID, msgs[1].Calls()[1].DecidedBy)
	require.Equal(t, "Added BST Maps to Notion.", msgs[4].Text())

	// the model sees both results right after the calls
	prompt := f.llm.Requests()[1].Messages
	var toolIDs []string
	for _, m := range prompt {
		if m.Role == openai.ChatMessageRoleTool {
			toolIDs = append(toolIDs, m.ToolCallID)
		}
	}
	require.Equal(t, []string{"call_1", "call_2"}, toolIDs)
}

func TestRound_DenialSkipsExecutor(t *testing.T) {
	f := newFixture(t, config.LLMConfig{},
		llmtest.ToolCalls("", llmtest.Call{ID: "call_9", Name: "addScheduleItem", Args: `{"name":"Lab 15"}`}),
		llmtest.Text("Okay, I won't add it."),
	)
	var runs atomic.Int32
	f.registry.Register(funcTool{name: "addScheduleItem", run: func(context.Context, map[string]any) (any, error) {
		runs.Add(1)
		return "added", nil
	}}, tools.WithConfirmation(true))
	a := f.agent(t, "chat")

	f.send(t, a, "add lab 15")
	f.send(t, a, "deny call_9")

	require.Zero(t, runs.Load())
	results := history.ResultIndex(mustHistory(t, a))
	require.Equal(t, history.ErrorDenied, results["call_9"].Error.Code)
}

func TestRound_CancelledConfirmationKeepsDenials(t *testing.T) {
	f := newFixture(t, config.LLMConfig{},
		llmtest.ToolCalls("",
			llmtest.Call{ID: "call_a", Name: "addLabItem", Args: `{"title":"Heaps"}`},
			llmtest.Call{ID: "call_b", Name: "addLabItem", Args: `{"title":"Graphs"}`},
		),
	)
	started := make(chan struct{})
	f.registry.Register(funcTool{name: "addLabItem", run: func(ctx context.Context, _ map[string]any) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}}, tools.WithConfirmation(true))
	a := f.agent(t, "chat")

	f.send(t, a, "add labs 16 and 17")

	s := a.HandleInboundMessage(context.Background(),
		history.NewTextMessage(history.RoleUser, "approve call_a, deny call_b"))
	go func() {
		<-started
		s.Cancel()
	}()
	for ev := range s.Events() {
		require.NotEqual(t, stream.KindDone, ev.Kind)
	}

	var msgs []history.Message
	require.Eventually(t, func() bool {
		msgs = mustHistory(t, a)
		return len(msgs) == 4
	}, time.Second, 10*time.Millisecond)

	require.Equal(t, history.KindConfirmation, msgs[3].Metadata.Kind)
	calls := msgs[1].Calls()
	require.Equal(t, history.StatusAbandoned, calls[0].Status)
	require.Equal(t, history.StatusDenied, calls[1].Status)

	results := history.ResultIndex(msgs)
	require.Contains(t, results, "call_b")
	require.Equal(t, history.ErrorDenied, results["call_b"].Error.Code)
	require.NotContains(t, results, "call_a")
	require.Len(t, f.llm.Requests(), 1)
}

func TestRound_UnrelatedMessageKeepsCallPending(t *testing.T) {
	f := newFixture(t, config.LLMConfig{},
		llmtest.ToolCalls("", llmtest.Call{ID: "call_9", Name: "addScheduleItem", Args: `{}`}),
		llmtest.Text("It is 10am."),
	)
	f.registry.Register(funcTool{name: "addScheduleItem", run: func(context.Context, map[string]any) (any, error) {
		return "added", nil
	}}, tools.WithConfirmation(true))
	a := f.agent(t, "chat")

	f.send(t, a, "add lab 15")
	f.send(t, a, "what time is it?")

	msgs := mustHistory(t, a)
	require.Len(t, msgs, 4)
	require.Equal(t, history.StatusAwaitingConfirmation, msgs[1].Calls()[0].Status)

	// the pending call is hidden from the model
	for _, m := range f.llm.Requests()[1].Messages {
		require.Empty(t, m.ToolCalls)
	}
}

func TestRound_Cancellation(t *testing.T) {
	waiting := make(chan struct{})
	script := llmtest.Text("partial ")
	script.Hang = true
	script.Waiting = waiting
	f := newFixture(t, config.LLMConfig{}, script)
	a := f.agent(t, "chat")

	s := a.HandleInboundMessage(context.Background(), history.NewTextMessage(history.RoleUser, "hi"))
	go func() {
		<-waiting
		s.Cancel()
	}()
	for ev := range s.Events() {
		require.NotEqual(t, stream.KindDone, ev.Kind)
	}

	require.Eventually(t, func() bool { return len(mustHistory(t, a)) == 1 }, time.Second, 10*time.Millisecond)
	msgs := mustHistory(t, a)
	require.Equal(t, history.RoleUser, msgs[0].Role)
}

func TestRound_CancellationAbandonsRunningTool(t *testing.T) {
	f := newFixture(t, config.LLMConfig{},
		llmtest.ToolCalls("", llmtest.Call{ID: "call_slow", Name: "slow", Args: `{}`}),
	)
	started := make(chan struct{})
	f.registry.Register(funcTool{name: "slow", run: func(ctx context.Context, _ map[string]any) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}})
	a := f.agent(t, "chat")

	s := a.HandleInboundMessage(context.Background(), history.NewTextMessage(history.RoleUser, "go slow"))
	go func() {
		<-started
		s.Cancel()
	}()
	var calls []*history.ToolCall
	for ev := range s.Events() {
		if ev.Kind == stream.KindToolCall {
			calls = append(calls, ev.Call)
		}
	}

	require.Len(t, calls, 1)
	require.Eventually(t, func() bool { return len(mustHistory(t, a)) == 1 }, time.Second, 10*time.Millisecond)
	require.Len(t, f.llm.Requests(), 1)
}

func TestRound_MaxTurns(t *testing.T) {
	loop := llmtest.ToolCalls("", llmtest.Call{ID: "call_1", Name: "getLocalTime", Args: `{}`})
	f := newFixture(t, config.LLMConfig{MaxTurns: 1}, loop)
	f.registry.Register(funcTool{name: "getLocalTime", run: func(context.Context, map[string]any) (any, error) {
		return "10:00", nil
	}})
	a := f.agent(t, "chat")

	events := f.send(t, a, "what time is it?")
	kinds := eventKinds(events)
	require.Contains(t, kinds, stream.KindError)
	require.Equal(t, stream.KindDone, kinds[len(kinds)-1])

	msgs := mustHistory(t, a)
	require.Len(t, msgs, 2)
	require.Contains(t, msgs[1].Text(), "exceeded maximum interaction turns")
}

func TestRound_ModelError(t *testing.T) {
	f := newFixture(t, config.LLMConfig{})
	f.llm.StreamErr = context.DeadlineExceeded
	a := f.agent(t, "chat")

	events := f.send(t, a, "hi")
	require.Equal(t, []stream.Kind{stream.KindTextDelta, stream.KindError, stream.KindDone}, eventKinds(events))

	msgs := mustHistory(t, a)
	require.Len(t, msgs, 2)
	require.Contains(t, msgs[1].Text(), "Sorry, something went wrong")
}

func TestRound_EmptyResponse(t *testing.T) {
	f := newFixture(t, config.LLMConfig{}, llmtest.Script{})
	a := f.agent(t, "chat")

	f.send(t, a, "hi")
	msgs := mustHistory(t, a)
	require.Equal(t, emptyResponseText, msgs[1].Text())
}

func TestHub_TriggerRunsScheduledTask(t *testing.T) {
	f := newFixture(t, config.LLMConfig{}, llmtest.Text("Time to call mom!"))

	err := f.hub.Trigger(context.Background(), &scheduler.Task{ID: "t1", Conversation: "reminders", Description: "call mom"})
	require.NoError(t, err)

	msgs := mustHistory(t, f.agent(t, "reminders"))
	require.Len(t, msgs, 2)
	require.Equal(t, history.RoleSystem, msgs[0].Role)
	require.Equal(t, "Running scheduled task: call mom", msgs[0].Text())
	require.Equal(t, history.SourceScheduler, msgs[0].Metadata.Source)
	require.Equal(t, "Time to call mom!", msgs[1].Text())
}

func TestDirectInjection(t *testing.T) {
	f := newFixture(t, config.LLMConfig{})
	a := f.agent(t, "slack-automation")

	msg := history.Message{
		Role:     history.RoleUser,
		Parts:    []history.Part{history.TextPart("New Slack message received. Parse it and add any labs to Notion:\n\nLab 15 (BST Maps) due Nov 21")},
		Metadata: history.Metadata{Source: history.SourceSlack},
	}
	require.NoError(t, a.HandleDirectInjection(context.Background(), msg))
	require.Error(t, a.HandleDirectInjection(context.Background(), history.Message{Role: history.RoleUser}))

	msgs := mustHistory(t, a)
	require.Len(t, msgs, 1)
	require.NotEmpty(t, msgs[0].ID)
	require.False(t, msgs[0].Metadata.CreatedAt.IsZero())
	require.Empty(t, f.llm.Requests())
}

func TestRounds_AreSerialized(t *testing.T) {
	waiting := make(chan struct{})
	first := llmtest.Text("thinking")
	first.Hang = true
	first.Waiting = waiting
	f := newFixture(t, config.LLMConfig{}, first, llmtest.Text("second answer"))
	a := f.agent(t, "chat")

	s1 := a.HandleInboundMessage(context.Background(), history.NewTextMessage(history.RoleUser, "first"))
	<-waiting
	s2 := a.HandleInboundMessage(context.Background(), history.NewTextMessage(history.RoleUser, "second"))

	time.Sleep(20 * time.Millisecond)
	require.Len(t, f.llm.Requests(), 1)

	s1.Cancel()
	s1.Collect()
	s2.Collect()

	msgs := mustHistory(t, a)
	require.Len(t, msgs, 3)
	require.Equal(t, "first", msgs[0].Text())
	require.Equal(t, "second", msgs[1].Text())
	require.Equal(t, "second answer", msgs[2].Text())
}

func TestHub_LoadsExistingHistory(t *testing.T) {
	f := newFixture(t, config.LLMConfig{})
	ctx := context.Background()
	require.NoError(t, f.store.Save(ctx, "old", []history.Message{history.NewTextMessage(history.RoleUser, "hello")}))

	a := f.agent(t, "old")
	require.Same(t, a, f.agent(t, "old"))
	require.Len(t, mustHistory(t, a), 1)

	_, err := f.hub.Get(ctx, "")
	require.Error(t, err)
}
