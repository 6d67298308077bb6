package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
)

var ErrNotFound = errors.New("scheduled task not found")

// Store handles task persistence.
type Store struct {
	db *sql.DB
}

// NewStore creates the tasks table on db.
func NewStore(ctx context.Context, db *sql.DB) (*Store, error) {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS scheduled_tasks (
			id TEXT PRIMARY KEY,
			conversation TEXT NOT NULL,
			description TEXT NOT NULL,
			trigger_time TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_scheduled_tasks_conversation ON scheduled_tasks(conversation);`,
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, goerr.Wrap(err, "failed to migrate scheduler store")
		}
	}
	return &Store{db: db}, nil
}

// NewID generates a new UUIDv7.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Create persists task, assigning an ID and creation time when missing.
func (s *Store) Create(ctx context.Context, task *Task) error {
	if task.ID == "" {
		task.ID = NewID()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_tasks (id, conversation, description, trigger_time, created_at) VALUES (?,?,?,?,?);`,
		task.ID, task.Conversation, task.Description,
		task.TriggerTime.UTC().Format(time.RFC3339Nano),
		task.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return goerr.Wrap(err, "failed to insert task", goerr.V("id", task.ID))
	}
	return nil
}

// Get returns the task or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, conversation, description, trigger_time, created_at FROM scheduled_tasks WHERE id = ?;`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, goerr.Wrap(ErrNotFound, "no such task", goerr.V("id", id))
	}
	return t, err
}

// List returns the tasks of conversation ordered by trigger time; an empty
// conversation lists every task.
func (s *Store) List(ctx context.Context, conversation string) ([]*Task, error) {
	query := `SELECT id, conversation, description, trigger_time, created_at FROM scheduled_tasks`
	var args []any
	if conversation != "" {
		query += ` WHERE conversation = ?`
		args = append(args, conversation)
	}
	query += ` ORDER BY trigger_time ASC;`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list tasks")
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Delete removes a task; deleting a missing task returns ErrNotFound.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE id = ?;`, id)
	if err != nil {
		return goerr.Wrap(err, "failed to delete task", goerr.V("id", id))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return goerr.Wrap(ErrNotFound, "no such task", goerr.V("id", id))
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*Task, error) {
	var (
		t                  Task
		trigger, createdAt string
	)
	if err := row.Scan(&t.ID, &t.Conversation, &t.Description, &trigger, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, goerr.Wrap(err, "failed to scan task")
	}
	var err error
	if t.TriggerTime, err = time.Parse(time.RFC3339Nano, trigger); err != nil {
		return nil, goerr.Wrap(err, "invalid trigger time", goerr.V("id", t.ID))
	}
	if t.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, goerr.Wrap(err, "invalid creation time", goerr.V("id", t.ID))
	}
	return &t, nil
}
