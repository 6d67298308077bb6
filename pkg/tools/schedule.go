package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/comigor/labs-agent/internal/scheduler"
)

// TaskScheduler is the subset of *scheduler.Scheduler the tools need.
type TaskScheduler interface {
	Schedule(ctx context.Context, conversation, description string, at time.Time) (*scheduler.Task, error)
	List(ctx context.Context, conversation string) ([]*scheduler.Task, error)
	Cancel(ctx context.Context, id string) error
}

// ScheduleTaskTool lets the model schedule a future reminder in the current conversation.
type ScheduleTaskTool struct {
	sched TaskScheduler
	now   func() time.Time
}

func NewScheduleTaskTool(sched TaskScheduler) *ScheduleTaskTool {
	return &ScheduleTaskTool{sched: sched, now: time.Now}
}

func (t *ScheduleTaskTool) Name() string { return "scheduleTask" }

func (t *ScheduleTaskTool) Description() string {
	return "Schedules a task that re-enters this conversation later. Give either `when` (RFC3339 timestamp) or `delaySeconds`."
}

func (t *ScheduleTaskTool) Schema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "description": {"type": "string", "description": "What to do when the task fires"},
    "when": {"type": "string", "description": "RFC3339 timestamp"},
    "delaySeconds": {"type": "number", "minimum": 0}
  },
  "required": ["description"]
}`)
}

func (t *ScheduleTaskTool) Run(ctx context.Context, args map[string]any) (any, error) {
	conversation := ConversationFrom(ctx)
	if conversation == "" {
		return nil, goerr.New("scheduleTask requires a conversation")
	}
	description := stringArg(args, "description")

	var at time.Time
	when := stringArg(args, "when")
	delay, hasDelay := args["delaySeconds"].(float64)
	switch {
	case when != "" && hasDelay:
		return nil, goerr.New("give either when or delaySeconds, not both")
	case when != "":
		parsed, err := time.Parse(time.RFC3339, when)
		if err != nil {
			return nil, goerr.Wrap(err, "when must be an RFC3339 timestamp", goerr.V("when", when))
		}
		if parsed.Before(t.now()) {
			return nil, goerr.New("when is in the past", goerr.V("when", when))
		}
		at = parsed
	case hasDelay:
		at = t.now().Add(time.Duration(delay * float64(time.Second)))
	default:
		return nil, goerr.New("when or delaySeconds is required")
	}

	task, err := t.sched.Schedule(ctx, conversation, description, at)
	if err != nil {
		return nil, err
	}
	return task, nil
}

// GetScheduledTasksTool lists the pending tasks of the current conversation.
type GetScheduledTasksTool struct {
	sched TaskScheduler
}

func NewGetScheduledTasksTool(sched TaskScheduler) *GetScheduledTasksTool {
	return &GetScheduledTasksTool{sched: sched}
}

func (t *GetScheduledTasksTool) Name() string { return "getScheduledTasks" }

func (t *GetScheduledTasksTool) Description() string {
	return "Lists the tasks scheduled in this conversation."
}

func (t *GetScheduledTasksTool) Schema() json.RawMessage { return emptyObjectSchema }

func (t *GetScheduledTasksTool) Run(ctx context.Context, _ map[string]any) (any, error) {
	tasks, err := t.sched.List(ctx, ConversationFrom(ctx))
	if err != nil {
		return nil, err
	}
	if tasks == nil {
		tasks = []*scheduler.Task{}
	}
	return tasks, nil
}

// CancelScheduledTaskTool removes a pending task by id.
type CancelScheduledTaskTool struct {
	sched TaskScheduler
}

func NewCancelScheduledTaskTool(sched TaskScheduler) *CancelScheduledTaskTool {
	return &CancelScheduledTaskTool{sched: sched}
}

func (t *CancelScheduledTaskTool) Name() string { return "cancelScheduledTask" }

func (t *CancelScheduledTaskTool) Description() string {
	return "Cancels a scheduled task by its id."
}

func (t *CancelScheduledTaskTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"id":{"type":"string"}},"required":["id"]}`)
}

func (t *CancelScheduledTaskTool) Run(ctx context.Context, args map[string]any) (any, error) {
	id := stringArg(args, "id")
	if err := t.sched.Cancel(ctx, id); err != nil {
		return nil, err
	}
	return fmt.Sprintf("Cancelled task %s.", id), nil
}

// LocalTimeTool reports the current time in the configured timezone.
type LocalTimeTool struct {
	loc *time.Location
	now func() time.Time
}

func NewLocalTimeTool(loc *time.Location) *LocalTimeTool {
	if loc == nil {
		loc = time.UTC
	}
	return &LocalTimeTool{loc: loc, now: time.Now}
}

func (t *LocalTimeTool) Name() string { return "getLocalTime" }

func (t *LocalTimeTool) Description() string {
	return "Returns the current local date and time."
}

func (t *LocalTimeTool) Schema() json.RawMessage { return emptyObjectSchema }

func (t *LocalTimeTool) Run(_ context.Context, _ map[string]any) (any, error) {
	now := t.now().In(t.loc)
	return map[string]string{
		"time":     now.Format(time.RFC3339),
		"timezone": t.loc.String(),
		"weekday":  now.Weekday().String(),
	}, nil
}
