package orchestrator

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"github.com/qmuntal/stateless"

	"github.com/comigor/labs-agent/internal/history"
)

// Call lifecycle triggers
type callTrigger string

const (
	triggerAwait   callTrigger = "Await"
	triggerApprove callTrigger = "Approve"
	triggerDeny    callTrigger = "Deny"
	triggerSucceed callTrigger = "Succeed"
	triggerFail    callTrigger = "Fail"
	triggerAbandon callTrigger = "Abandon"
)

// callMachine wraps call in a state machine whose state lives in call.Status.
func callMachine(call *history.ToolCall) *stateless.StateMachine {
	sm := stateless.NewStateMachineWithExternalStorage(
		func(_ context.Context) (stateless.State, error) {
			if call.Status == "" {
				return history.StatusRequested, nil
			}
			return call.Status, nil
		},
		func(_ context.Context, s stateless.State) error {
			call.Status = s.(history.CallStatus)
			return nil
		},
		stateless.FiringImmediate,
	)

	sm.Configure(history.StatusRequested).
		Permit(triggerAwait, history.StatusAwaitingConfirmation).
		Permit(triggerSucceed, history.StatusExecuted).
		Permit(triggerFail, history.StatusFailed).
		Permit(triggerAbandon, history.StatusAbandoned)

	sm.Configure(history.StatusAwaitingConfirmation).
		Permit(triggerApprove, history.StatusApproved).
		Permit(triggerDeny, history.StatusDenied)

	sm.Configure(history.StatusApproved).
		Permit(triggerSucceed, history.StatusExecuted).
		Permit(triggerFail, history.StatusFailed).
		Permit(triggerAbandon, history.StatusAbandoned)

	return sm
}

// transition fires t on call. Terminal states permit nothing.
func transition(call *history.ToolCall, t callTrigger) error {
	if err := callMachine(call).Fire(t); err != nil {
		return goerr.Wrap(err, "invalid tool call transition",
			goerr.V("callId", call.ID),
			goerr.V("status", call.Status),
			goerr.V("trigger", t))
	}
	return nil
}

// runnable reports whether call may be handed to its executor now.
func runnable(call *history.ToolCall) bool {
	if call.ConfirmationRequired {
		return call.Status == history.StatusApproved
	}
	return call.Status == "" || call.Status == history.StatusRequested || call.Status == history.StatusApproved
}
