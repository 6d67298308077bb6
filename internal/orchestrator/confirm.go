package orchestrator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/comigor/labs-agent/internal/history"
	"github.com/comigor/labs-agent/internal/logger"
	"github.com/comigor/labs-agent/internal/metrics"
	"github.com/comigor/labs-agent/internal/stream"
)

const deniedMessage = "User denied this tool call."

// Prompt is the text shown to the user for a call awaiting confirmation.
func Prompt(call *history.ToolCall) string {
	args := "{}"
	if trimmed := bytes.TrimSpace(call.Arguments); len(trimmed) > 0 {
		var buf bytes.Buffer
		if err := json.Compact(&buf, trimmed); err == nil {
			args = buf.String()
		} else {
			args = string(trimmed)
		}
	}
	return fmt.Sprintf("Tool `%s` wants to run with %s. Reply yes/no (or approve/deny %s).", call.Name, args, call.ID)
}

// RequestConfirmation suspends calls until the user decides. It returns one
// prompt per call, in order.
func (o *Orchestrator) RequestConfirmation(calls []*history.ToolCall, w *stream.Writer) []string {
	prompts := make([]string, 0, len(calls))
	for _, c := range calls {
		if err := transition(c, triggerAwait); err != nil {
			logger.L.Error("tool call transition failed", "error", err)
			continue
		}
		p := Prompt(c)
		prompts = append(prompts, p)
		w.Write(stream.ConfirmationEvent(c, p))
	}
	return prompts
}

// Batch is the set of calls of one assistant message still awaiting a decision.
type Batch struct {
	MessageID string
	Calls     []*history.ToolCall
}

// Outstanding returns every batch awaiting confirmation, oldest first. The
// calls point into msgs, so decisions update the history in place.
func Outstanding(msgs []history.Message) []Batch {
	var out []Batch
	for i := range msgs {
		var calls []*history.ToolCall
		for _, c := range msgs[i].Calls() {
			if c.Status == history.StatusAwaitingConfirmation {
				calls = append(calls, c)
			}
		}
		if len(calls) > 0 {
			out = append(out, Batch{MessageID: msgs[i].ID, Calls: calls})
		}
	}
	return out
}

// Resolution is what one inbound message decided about outstanding calls.
type Resolution struct {
	// Approved calls are ready for Execute.
	Approved []*history.ToolCall
	// Denied calls, with Results holding their denial results in the same order.
	Denied  []*history.ToolCall
	Results []*history.ToolResult
	// Remaining counts calls still awaiting confirmation afterwards.
	Remaining int
}

// Matched reports whether the message decided anything. A message that
// decides nothing is an ordinary message.
func (r Resolution) Matched() bool { return len(r.Approved)+len(r.Denied) > 0 }

// Resolve applies msg's decisions to the outstanding calls in msgs.
// Structured decisions in metadata win over call ids named in the text,
// which win over a bare yes/no; a bare yes/no only applies to the most
// recent outstanding batch.
func (o *Orchestrator) Resolve(msg history.Message, msgs []history.Message) Resolution {
	batches := Outstanding(msgs)
	if len(batches) == 0 {
		return Resolution{}
	}

	var all []*history.ToolCall
	for _, b := range batches {
		all = append(all, b.Calls...)
	}

	decisions := make(map[string]history.Decision)
	for _, c := range all {
		if d, ok := msg.Metadata.Confirmations[c.ID]; ok && (d == history.DecisionApprove || d == history.DecisionDeny) {
			decisions[c.ID] = d
		}
	}

	text := msg.Text()
	for id, d := range explicitDecisions(text, all) {
		if _, ok := decisions[id]; !ok {
			decisions[id] = d
		}
	}

	if len(decisions) == 0 {
		if d, ok := simpleDecision(text); ok {
			for _, c := range batches[len(batches)-1].Calls {
				decisions[c.ID] = d
			}
		}
	}

	var res Resolution
	now := o.now().UTC()
	for _, c := range all {
		d, ok := decisions[c.ID]
		if !ok {
			res.Remaining++
			continue
		}
		if o.decide(c, d, msg.ID, now) != nil {
			continue
		}
		if d == history.DecisionApprove {
			res.Approved = append(res.Approved, c)
		} else {
			res.Denied = append(res.Denied, c)
			res.Results = append(res.Results, history.Failed(c, history.ErrorDenied, deniedMessage))
		}
	}
	return res
}

func (o *Orchestrator) decide(call *history.ToolCall, d history.Decision, by string, at time.Time) error {
	trigger := triggerApprove
	if d == history.DecisionDeny {
		trigger = triggerDeny
	}
	if err := transition(call, trigger); err != nil {
		logger.L.Error("tool call transition failed", "error", err)
		return err
	}
	call.DecidedAt = &at
	call.DecidedBy = by
	metrics.ConfirmationsTotal.WithLabelValues(string(d)).Inc()
	logger.L.Info("tool call decided", "tool", call.Name, "callId", call.ID, "decision", d)
	return nil
}

// Expire denies calls that have been awaiting confirmation for longer than
// the configured ttl. It is a no-op without a ttl.
func (o *Orchestrator) Expire(msgs []history.Message) Resolution {
	var res Resolution
	if o.ttl <= 0 {
		return res
	}
	now := o.now().UTC()
	for _, b := range Outstanding(msgs) {
		for _, c := range b.Calls {
			if now.Sub(c.RequestedAt) < o.ttl {
				continue
			}
			if err := transition(c, triggerDeny); err != nil {
				logger.L.Error("tool call transition failed", "error", err)
				continue
			}
			c.DecidedAt = &now
			metrics.ConfirmationsTotal.WithLabelValues("expired").Inc()
			res.Denied = append(res.Denied, c)
			res.Results = append(res.Results, history.Failed(c, history.ErrorExpired,
				fmt.Sprintf("Confirmation expired after %s without a reply.", o.ttl)))
		}
	}
	return res
}

// Summary describes decided calls for the confirmation turn.
func Summary(decided []*history.ToolCall) string {
	lines := make([]string, 0, len(decided))
	for _, c := range decided {
		var verb string
		switch c.Status {
		case history.StatusExecuted:
			verb = "Approved and ran"
		case history.StatusFailed:
			verb = "Approved but failed to run"
		case history.StatusApproved:
			verb = "Approved"
		case history.StatusAbandoned:
			verb = "Approved but abandoned"
		case history.StatusDenied:
			verb = "Denied"
			if c.DecidedBy == "" {
				verb = "Expired"
			}
		default:
			continue
		}
		lines = append(lines, fmt.Sprintf("%s `%s` (%s).", verb, c.Name, c.ID))
	}
	return strings.Join(lines, "\n")
}

// Reminder is the text ending a round that still has undecided calls.
func Reminder(remaining int) string {
	if remaining == 1 {
		return "One tool call is still waiting for your confirmation. Reply yes/no (or approve/deny <callId>)."
	}
	return fmt.Sprintf("%d tool calls are still waiting for your confirmation. Reply yes/no (or approve/deny <callId>).", remaining)
}

var (
	clauseSep  = regexp.MustCompile(`(?i)[,;\n]|\band\b|\bbut\b`)
	negativeRe = regexp.MustCompile(`(?i)\b(no|nope|nah|n|deny|denied|reject|rejected|cancel|stop|don'?t|do not)\b`)
	affirmRe   = regexp.MustCompile(`(?i)\b(yes|y|yep|yeah|ok|okay|sure|approve|approved|confirm|confirmed|go ahead|do it|proceed|run it)\b`)
	trailingRe = regexp.MustCompile(`[\s.!]+$`)
)

var simpleWords = map[string]history.Decision{
	"yes": history.DecisionApprove, "y": history.DecisionApprove, "yep": history.DecisionApprove,
	"yeah": history.DecisionApprove, "ok": history.DecisionApprove, "okay": history.DecisionApprove,
	"sure": history.DecisionApprove, "approve": history.DecisionApprove, "approved": history.DecisionApprove,
	"confirm": history.DecisionApprove, "confirmed": history.DecisionApprove, "go ahead": history.DecisionApprove,
	"do it": history.DecisionApprove, "proceed": history.DecisionApprove, "yes please": history.DecisionApprove,

	"no": history.DecisionDeny, "n": history.DecisionDeny, "nope": history.DecisionDeny,
	"nah": history.DecisionDeny, "deny": history.DecisionDeny, "denied": history.DecisionDeny,
	"cancel": history.DecisionDeny, "stop": history.DecisionDeny, "reject": history.DecisionDeny,
	"don't": history.DecisionDeny, "dont": history.DecisionDeny, "do not": history.DecisionDeny,
	"no thanks": history.DecisionDeny,
}

// explicitDecisions finds call ids named in text and the polarity of the
// clause naming them. Negative words are checked first so "don't do it"
// denies; a clause without polarity words takes the previous clause's.
func explicitDecisions(text string, calls []*history.ToolCall) map[string]history.Decision {
	// longest ids first so "call_10" is not read as "call_1"
	calls = slices.Clone(calls)
	slices.SortStableFunc(calls, func(a, b *history.ToolCall) int { return len(b.ID) - len(a.ID) })

	out := make(map[string]history.Decision)
	var last history.Decision
	for _, clause := range clauseSep.Split(text, -1) {
		lower := strings.ToLower(clause)
		var named []*history.ToolCall
		for _, c := range calls {
			if c.ID != "" && strings.Contains(lower, strings.ToLower(c.ID)) {
				named = append(named, c)
				lower = strings.ReplaceAll(lower, strings.ToLower(c.ID), " ")
			}
		}
		if len(named) == 0 {
			continue
		}
		var d history.Decision
		switch {
		case negativeRe.MatchString(lower):
			d = history.DecisionDeny
		case affirmRe.MatchString(lower):
			d = history.DecisionApprove
		case last != "":
			d = last
		default:
			continue
		}
		last = d
		for _, c := range named {
			out[c.ID] = d
		}
	}
	return out
}

// simpleDecision reports whether the whole message is a bare yes or no.
func simpleDecision(text string) (history.Decision, bool) {
	norm := strings.ToLower(strings.TrimSpace(text))
	norm = trailingRe.ReplaceAllString(norm, "")
	norm = strings.Join(strings.Fields(norm), " ")
	d, ok := simpleWords[norm]
	return d, ok
}
