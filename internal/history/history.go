// Package history persists conversation histories in SQLite.
// Every conversation is also kept in memory; when the database is
// unavailable the package keeps working from memory alone.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/comigor/labs-agent/internal/logger"
)

// Store keeps the full history of every conversation.
type Store struct {
	mu       sync.Mutex
	messages map[string][]Message // in-memory copy and fallback
	// saved holds the rows of the last successful sqlite write per conversation.
	saved map[string][]row

	db *sql.DB
}

type row struct {
	id, role, parts, metadata, createdAt string
}

// NewStore creates the messages table on db. A nil db, or a db where the
// table cannot be created, yields a memory-only store.
func NewStore(ctx context.Context, db *sql.DB) *Store {
	s := &Store{
		messages: make(map[string][]Message),
		saved:    make(map[string][]row),
	}
	if db == nil {
		logger.L.Warn("no sqlite database; using in-memory history")
		return s
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS messages (
		conversation TEXT NOT NULL,
		seq INTEGER NOT NULL,
		id TEXT NOT NULL,
		role TEXT NOT NULL,
		parts TEXT NOT NULL,
		metadata TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (conversation, seq)
	);`); err != nil {
		logger.L.Warn("sqlite table creation failed; using in-memory history", "error", err)
		return s
	}
	s.db = db
	logger.L.Info("sqlite history DB initialized")
	return s
}

// Save replaces the stored history of conversation with msgs.
// The write happens in a single transaction, so readers never observe a
// partially written history.
func (s *Store) Save(ctx context.Context, conversation string, msgs []Message) error {
	s.mu.Lock()
	s.messages[conversation] = CloneAll(msgs)
	s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	if err := s.write(ctx, conversation, msgs); err != nil {
		logger.L.Error("failed to store history in sqlite; kept in memory", "conversation", conversation, "error", err)
		return err
	}
	return nil
}

func encodeRows(msgs []Message) ([]row, error) {
	rows := make([]row, 0, len(msgs))
	for _, m := range msgs {
		parts, err := json.Marshal(m.Parts)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to encode parts", goerr.V("id", m.ID))
		}
		meta, err := json.Marshal(m.Metadata)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to encode metadata", goerr.V("id", m.ID))
		}
		rows = append(rows, row{
			id:        m.ID,
			role:      string(m.Role),
			parts:     string(parts),
			metadata:  string(meta),
			createdAt: m.Metadata.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	return rows, nil
}

// write upserts only the rows that changed since the last write of
// conversation. Without a previous write every row is upserted and rows
// past the end of msgs are removed.
func (s *Store) write(ctx context.Context, conversation string, msgs []Message) error {
	rows, err := encodeRows(msgs)
	if err != nil {
		return err
	}
	s.mu.Lock()
	prev, known := s.saved[conversation]
	s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return goerr.Wrap(err, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO messages (conversation, seq, id, role, parts, metadata, created_at) VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(conversation, seq) DO UPDATE SET
			id = excluded.id,
			role = excluded.role,
			parts = excluded.parts,
			metadata = excluded.metadata,
			created_at = excluded.created_at;`)
	if err != nil {
		return goerr.Wrap(err, "failed to prepare upsert")
	}
	defer stmt.Close()

	written := 0
	for i, r := range rows {
		if i < len(prev) && prev[i] == r {
			continue
		}
		if _, err := stmt.ExecContext(ctx, conversation, i, r.id, r.role, r.parts, r.metadata, r.createdAt); err != nil {
			return goerr.Wrap(err, "failed to write message", goerr.V("id", r.id))
		}
		written++
	}
	if !known || len(prev) > len(rows) {
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation = ? AND seq >= ?;`, conversation, len(rows)); err != nil {
			return goerr.Wrap(err, "failed to trim history", goerr.V("conversation", conversation))
		}
	}
	if err := tx.Commit(); err != nil {
		return goerr.Wrap(err, "failed to commit history", goerr.V("conversation", conversation))
	}

	s.mu.Lock()
	s.saved[conversation] = rows
	s.mu.Unlock()
	logger.L.Debug("history written", "conversation", conversation, "rows", written)
	return nil
}

// Load returns the history of conversation in chronological order.
// Unknown conversations have an empty history.
func (s *Store) Load(ctx context.Context, conversation string) ([]Message, error) {
	s.mu.Lock()
	if msgs, ok := s.messages[conversation]; ok {
		out := CloneAll(msgs)
		s.mu.Unlock()
		return out, nil
	}
	s.mu.Unlock()

	if s.db == nil {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, role, parts, metadata FROM messages WHERE conversation = ? ORDER BY seq ASC;`, conversation)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query history", goerr.V("conversation", conversation))
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			m           Message
			role        string
			parts, meta string
		)
		if err := rows.Scan(&m.ID, &role, &parts, &meta); err != nil {
			return nil, goerr.Wrap(err, "failed to scan message")
		}
		m.Role = Role(role)
		if err := json.Unmarshal([]byte(parts), &m.Parts); err != nil {
			return nil, goerr.Wrap(err, "failed to decode parts", goerr.V("id", m.ID))
		}
		if err := json.Unmarshal([]byte(meta), &m.Metadata); err != nil {
			return nil, goerr.Wrap(err, "failed to decode metadata", goerr.V("id", m.ID))
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "failed to read history", goerr.V("conversation", conversation))
	}

	s.mu.Lock()
	s.messages[conversation] = CloneAll(out)
	s.mu.Unlock()
	return out, nil
}
