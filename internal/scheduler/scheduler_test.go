package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/comigor/labs-agent/internal/sqlite"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "scheduler_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s, err := NewStore(context.Background(), db)
	require.NoError(t, err)
	return s
}

type recorder struct {
	mu    sync.Mutex
	fired []*Task
	ch    chan *Task
}

func newRecorder() *recorder { return &recorder{ch: make(chan *Task, 8)} }

func (r *recorder) execute(_ context.Context, task *Task) error {
	r.mu.Lock()
	r.fired = append(r.fired, task)
	r.mu.Unlock()
	r.ch <- task
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fired)
}

func TestStore_CRUD(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	at := time.Date(2025, 11, 21, 23, 59, 0, 0, time.UTC)
	task := &Task{Conversation: "labs", Description: "remind about lab 15", TriggerTime: at}
	require.NoError(t, s.Create(ctx, task))
	require.NotEmpty(t, task.ID)

	got, err := s.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, "remind about lab 15", got.Description)
	require.True(t, at.Equal(got.TriggerTime))

	require.NoError(t, s.Create(ctx, &Task{Conversation: "other", Description: "x", TriggerTime: at}))

	list, err := s.List(ctx, "labs")
	require.NoError(t, err)
	require.Len(t, list, 1)

	all, err := s.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 2)

	require.NoError(t, s.Delete(ctx, task.ID))
	_, err = s.Get(ctx, task.ID)
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, s.Delete(ctx, task.ID), ErrNotFound)
}

func TestScheduler_FiresOnceAndRemoves(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	rec := newRecorder()
	s := New(store, rec.execute)
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	task, err := s.Schedule(ctx, "labs", "check lab 16", time.Now().Add(20*time.Millisecond))
	require.NoError(t, err)

	select {
	case fired := <-rec.ch:
		require.Equal(t, task.ID, fired.ID)
		require.Equal(t, "labs", fired.Conversation)
	case <-time.After(2 * time.Second):
		t.Fatal("task did not fire")
	}

	require.Eventually(t, func() bool {
		list, err := s.List(ctx, "labs")
		return err == nil && len(list) == 0
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, rec.count())
}

func TestScheduler_CancelPreventsFiring(t *testing.T) {
	ctx := context.Background()
	rec := newRecorder()
	s := New(newTestStore(t), rec.execute)
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	task, err := s.Schedule(ctx, "labs", "never", time.Now().Add(100*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, s.Cancel(ctx, task.ID))

	time.Sleep(200 * time.Millisecond)
	require.Equal(t, 0, rec.count())
	require.ErrorIs(t, s.Cancel(ctx, task.ID), ErrNotFound)
}

func TestScheduler_StartFiresOverdueTasks(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.Create(ctx, &Task{
		Conversation: "labs",
		Description:  "overdue",
		TriggerTime:  time.Now().Add(-time.Hour),
	}))

	rec := newRecorder()
	s := New(store, rec.execute)
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	select {
	case fired := <-rec.ch:
		require.Equal(t, "overdue", fired.Description)
	case <-time.After(2 * time.Second):
		t.Fatal("overdue task did not fire")
	}
}

func TestScheduler_ScheduleValidation(t *testing.T) {
	ctx := context.Background()
	s := New(newTestStore(t), nil)

	_, err := s.Schedule(ctx, "", "x", time.Now())
	require.Error(t, err)
	_, err = s.Schedule(ctx, "labs", "", time.Now())
	require.Error(t, err)
}
