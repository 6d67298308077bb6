package scheduler

import (
	"context"
	"time"
)

// Task is a one-shot reminder that re-enters a conversation at TriggerTime.
type Task struct {
	ID           string    `json:"id"`
	Conversation string    `json:"conversation"`
	Description  string    `json:"description"`
	TriggerTime  time.Time `json:"triggerTime"`
	CreatedAt    time.Time `json:"createdAt"`
}

// ExecuteFunc is called when a task fires.
type ExecuteFunc func(ctx context.Context, task *Task) error
