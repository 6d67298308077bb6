package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/comigor/labs-agent/internal/logger"
)

// Scheduler arms one timer per stored task and fires each task once.
type Scheduler struct {
	store   *Store
	execute ExecuteFunc
	now     func() time.Time

	mu      sync.Mutex
	timers  map[string]*time.Timer // taskID -> timer
	running bool
	baseCtx context.Context
	wg      sync.WaitGroup
}

// New creates a new scheduler.
func New(store *Store, execute ExecuteFunc) *Scheduler {
	return &Scheduler{
		store:   store,
		execute: execute,
		now:     time.Now,
		timers:  make(map[string]*time.Timer),
		baseCtx: context.Background(),
	}
}

// Start loads persisted tasks and arms their timers. Tasks whose trigger
// time passed while the process was down fire immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.baseCtx = context.WithoutCancel(ctx)
	s.mu.Unlock()

	tasks, err := s.store.List(ctx, "")
	if err != nil {
		return err
	}
	for _, task := range tasks {
		s.arm(task)
	}
	logger.L.Debug("scheduler started", "tasks", len(tasks))
	return nil
}

// Stop cancels all timers and waits for in-flight firings.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	for id, timer := range s.timers {
		if timer.Stop() {
			s.wg.Done()
		}
		delete(s.timers, id)
	}
	s.mu.Unlock()

	s.wg.Wait()
	logger.L.Info("scheduler stopped")
}

// Schedule persists a new task for conversation and arms it.
func (s *Scheduler) Schedule(ctx context.Context, conversation, description string, at time.Time) (*Task, error) {
	if conversation == "" {
		return nil, goerr.New("conversation is required")
	}
	if description == "" {
		return nil, goerr.New("description is required")
	}
	task := &Task{
		Conversation: conversation,
		Description:  description,
		TriggerTime:  at.UTC(),
	}
	if err := s.store.Create(ctx, task); err != nil {
		return nil, err
	}
	s.arm(task)

	logger.L.Info("task scheduled", "id", task.ID, "conversation", conversation, "at", task.TriggerTime)
	return task, nil
}

// Cancel removes a pending task.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	s.disarm(id)
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	logger.L.Info("task cancelled", "id", id)
	return nil
}

// List returns the pending tasks of conversation.
func (s *Scheduler) List(ctx context.Context, conversation string) ([]*Task, error) {
	return s.store.List(ctx, conversation)
}

func (s *Scheduler) arm(task *Task) {
	delay := task.TriggerTime.Sub(s.now())
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	if timer, exists := s.timers[task.ID]; exists && timer.Stop() {
		s.wg.Done()
	}
	id := task.ID
	s.wg.Add(1)
	s.timers[id] = time.AfterFunc(delay, func() {
		defer s.wg.Done()
		s.fire(id)
	})
}

func (s *Scheduler) disarm(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if timer, exists := s.timers[id]; exists {
		if timer.Stop() {
			s.wg.Done()
		}
		delete(s.timers, id)
	}
}

func (s *Scheduler) fire(id string) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	delete(s.timers, id)
	ctx := s.baseCtx
	s.mu.Unlock()

	task, err := s.store.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			logger.L.Error("failed to load task for execution", "id", id, "error", err)
		}
		return
	}

	logger.L.Info("executing task", "id", task.ID, "conversation", task.Conversation)
	if s.execute != nil {
		if err := s.execute(ctx, task); err != nil {
			logger.L.Error("task execution failed", "id", task.ID, "error", err)
		}
	}
	if err := s.store.Delete(ctx, task.ID); err != nil && !errors.Is(err, ErrNotFound) {
		logger.L.Error("failed to remove fired task", "id", task.ID, "error", err)
	}
}
