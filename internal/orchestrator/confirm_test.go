package orchestrator

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/comigor/labs-agent/internal/history"
	"github.com/comigor/labs-agent/internal/stream"
)

// awaitingTurn builds an assistant message whose calls await confirmation.
func awaitingTurn(t *testing.T, o *Orchestrator, calls ...*history.ToolCall) history.Message {
	t.Helper()
	o.Prepare(calls)
	_, w := stream.New(context.Background())
	o.RequestConfirmation(calls, w)
	msg := history.NewMessage(history.RoleAssistant)
	for _, c := range calls {
		msg.Parts = append(msg.Parts, history.CallPart(c))
	}
	return msg
}

func userSays(text string) history.Message {
	return history.NewTextMessage(history.RoleUser, text)
}

func TestPrompt(t *testing.T) {
	c := call("call_1", "addLabItem", `{ "title": "BST Maps" }`)
	require.Equal(t,
		"Tool `addLabItem` wants to run with {\"title\":\"BST Maps\"}. Reply yes/no (or approve/deny call_1).",
		Prompt(c))
}

func TestRequestConfirmation(t *testing.T) {
	var executed atomic.Int32
	o := New(newRegistry(t, &executed))
	c := call("call_1", "addLabItem", `{"title":"BST Maps"}`)
	o.Prepare([]*history.ToolCall{c})

	s, w := stream.New(context.Background())
	prompts := o.RequestConfirmation([]*history.ToolCall{c}, w)
	w.Close()
	events := s.Collect()

	require.Len(t, prompts, 1)
	require.Equal(t, history.StatusAwaitingConfirmation, c.Status)
	require.Len(t, events, 1)
	require.Equal(t, stream.KindConfirmationRequired, events[0].Kind)
	require.Equal(t, prompts[0], events[0].Text)
}

func TestResolve_SimpleYesAppliesToNewestBatch(t *testing.T) {
	var executed atomic.Int32
	o := New(newRegistry(t, &executed))

	older := call("call_old", "addLabItem", `{"title":"Old"}`)
	newer1 := call("call_a", "addLabItem", `{"title":"A"}`)
	newer2 := call("call_b", "addLabItem", `{"title":"B"}`)
	msgs := []history.Message{
		awaitingTurn(t, o, older),
		userSays("something else"),
		awaitingTurn(t, o, newer1, newer2),
	}

	reply := userSays("Yes!")
	res := o.Resolve(reply, msgs)

	require.True(t, res.Matched())
	require.Len(t, res.Approved, 2)
	require.Equal(t, 1, res.Remaining)

	// decisions land on the calls stored in history
	stored := msgs[2].Calls()
	require.Equal(t, history.StatusApproved, stored[0].Status)
	require.Equal(t, reply.ID, stored[0].DecidedBy)
	require.NotNil(t, stored[0].DecidedAt)
	require.Equal(t, history.StatusAwaitingConfirmation, msgs[0].Calls()[0].Status)
}

func TestResolve_ExplicitCallIDs(t *testing.T) {
	var executed atomic.Int32
	o := New(newRegistry(t, &executed))
	msgs := []history.Message{awaitingTurn(t, o,
		call("call_1", "addLabItem", `{"title":"A"}`),
		call("call_10", "addLabItem", `{"title":"B"}`),
		call("call_2", "addLabItem", `{"title":"C"}`),
	)}

	res := o.Resolve(userSays("approve call_10, don't run call_1"), msgs)

	require.Len(t, res.Approved, 1)
	require.Equal(t, "call_10", res.Approved[0].ID)
	require.Len(t, res.Denied, 1)
	require.Equal(t, "call_1", res.Denied[0].ID)
	require.Equal(t, history.ErrorDenied, res.Results[0].Error.Code)
	require.Equal(t, "User denied this tool call.", res.Results[0].Error.Message)
	require.Equal(t, 1, res.Remaining)
}

func TestResolve_PolarityCarriesAcrossAnd(t *testing.T) {
	var executed atomic.Int32
	o := New(newRegistry(t, &executed))
	msgs := []history.Message{awaitingTurn(t, o,
		call("call_1", "addLabItem", `{"title":"A"}`),
		call("call_2", "addLabItem", `{"title":"B"}`),
	)}

	res := o.Resolve(userSays("approve call_1 and call_2"), msgs)
	require.Len(t, res.Approved, 2)
	require.Zero(t, res.Remaining)
}

func TestResolve_MetadataWinsOverText(t *testing.T) {
	var executed atomic.Int32
	o := New(newRegistry(t, &executed))
	msgs := []history.Message{awaitingTurn(t, o, call("call_1", "addLabItem", `{"title":"A"}`))}

	reply := userSays("yes")
	reply.Metadata.Confirmations = map[string]history.Decision{"call_1": history.DecisionDeny}
	res := o.Resolve(reply, msgs)

	require.Empty(t, res.Approved)
	require.Len(t, res.Denied, 1)
	require.Equal(t, history.StatusDenied, msgs[0].Calls()[0].Status)
}

func TestResolve_OrdinaryMessageLeavesCallsPending(t *testing.T) {
	var executed atomic.Int32
	o := New(newRegistry(t, &executed))
	msgs := []history.Message{awaitingTurn(t, o, call("call_1", "addLabItem", `{"title":"A"}`))}

	for _, text := range []string{"what time is it in Tokyo?", "yes, and also add lab 16", "I said no to the store earlier"} {
		res := o.Resolve(userSays(text), msgs)
		require.False(t, res.Matched(), text)
		require.Equal(t, 1, res.Remaining)
		require.Equal(t, history.StatusAwaitingConfirmation, msgs[0].Calls()[0].Status)
	}
}

func TestResolve_NothingOutstanding(t *testing.T) {
	var executed atomic.Int32
	o := New(newRegistry(t, &executed))
	res := o.Resolve(userSays("yes"), []history.Message{userSays("hi")})
	require.False(t, res.Matched())
	require.Zero(t, res.Remaining)
}

func TestApprovedCallRunsOnce(t *testing.T) {
	var executed atomic.Int32
	o := New(newRegistry(t, &executed))
	msgs := []history.Message{awaitingTurn(t, o, call("call_1", "addLabItem", `{"title":"BST Maps"}`))}

	res := o.Resolve(userSays("ok"), msgs)
	s, w := stream.New(context.Background())
	results := o.Execute(context.Background(), res.Approved, w)
	w.Close()
	s.Collect()

	require.Equal(t, int32(1), executed.Load())
	require.Len(t, results, 1)
	require.JSONEq(t, `"Successfully added \"BST Maps\" to Labs section."`, string(results[0].Output))
	require.Equal(t, history.StatusExecuted, msgs[0].Calls()[0].Status)
	require.Equal(t, "Approved and ran `addLabItem` (call_1).", Summary(res.Approved))

	// a second yes finds nothing outstanding
	require.False(t, o.Resolve(userSays("yes"), msgs).Matched())
}

func TestExpire(t *testing.T) {
	var executed atomic.Int32
	now := time.Date(2025, 11, 20, 12, 0, 0, 0, time.UTC)
	o := New(newRegistry(t, &executed), WithTTL(time.Hour), WithClock(func() time.Time { return now }))

	stale := call("call_stale", "addLabItem", `{"title":"A"}`)
	fresh := call("call_fresh", "addLabItem", `{"title":"B"}`)
	stale.RequestedAt = now.Add(-2 * time.Hour)
	fresh.RequestedAt = now.Add(-time.Minute)
	msgs := []history.Message{awaitingTurn(t, o, stale, fresh)}

	res := o.Expire(msgs)
	require.Len(t, res.Denied, 1)
	require.Equal(t, "call_stale", res.Denied[0].ID)
	require.Equal(t, history.ErrorExpired, res.Results[0].Error.Code)
	require.Equal(t, history.StatusDenied, stale.Status)
	require.Equal(t, history.StatusAwaitingConfirmation, fresh.Status)
	require.Equal(t, "Expired `addLabItem` (call_stale).", Summary(res.Denied))

	require.Empty(t, New(newRegistry(t, &executed)).Expire(msgs).Denied)
}

func TestReminder(t *testing.T) {
	require.Contains(t, Reminder(1), "One tool call")
	require.Contains(t, Reminder(3), "3 tool calls")
}
