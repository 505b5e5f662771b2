// Copyright 2026 The Courier Authors
// SPDX-License-Identifier: Apache-2.0

package index

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/courier-foundation/courier/lib/sqlitepool"
)

// Message statuses recorded in the index. They track the mailbox
// lifecycle: new and claimed rows mirror live files, dlq rows mirror
// failed files. Completed messages are deleted, not recorded.
const (
	StatusNew     = "new"
	StatusClaimed = "claimed"
	StatusDLQ     = "dlq"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id            TEXT PRIMARY KEY,
	subject       TEXT NOT NULL,
	sender        TEXT NOT NULL,
	status        TEXT NOT NULL,
	endpoint_hash TEXT NOT NULL,
	created_at    INTEGER NOT NULL,
	expires_at    INTEGER
);
CREATE INDEX IF NOT EXISTS messages_subject  ON messages (subject);
CREATE INDEX IF NOT EXISTS messages_status   ON messages (status);
CREATE INDEX IF NOT EXISTS messages_endpoint ON messages (endpoint_hash);
CREATE INDEX IF NOT EXISTS messages_expiry   ON messages (expires_at);
`

// Message is one index row.
type Message struct {
	ID           string
	Subject      string
	From         string
	Status       string
	EndpointHash string
	CreatedAt    time.Time

	// ExpiresAt is the budget deadline. Zero means no recorded expiry.
	ExpiresAt time.Time
}

// Index is the derived message index. Safe for concurrent use; the
// pool serializes writes and the busy timeout absorbs contention.
type Index struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger
}

// Open creates or opens the index database at path. The schema is
// applied on every connection, so opening an empty file yields a
// ready, empty index.
func Open(path string, logger *slog.Logger) (*Index, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   path,
		Logger: logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("index: %w", err)
	}
	return &Index{pool: pool, logger: logger}, nil
}

// Close closes the underlying pool, checkpointing the WAL.
func (x *Index) Close() error {
	return x.pool.Close()
}

// Insert upserts a row. Re-inserting an existing ID overwrites the
// row, which makes delivery idempotent from the index's point of view.
func (x *Index) Insert(ctx context.Context, m Message) error {
	conn, err := x.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer x.pool.Put(conn)

	return x.insertOn(conn, m)
}

func (x *Index) insertOn(conn *sqlite.Conn, m Message) error {
	var expires any
	if !m.ExpiresAt.IsZero() {
		expires = m.ExpiresAt.UnixNano()
	}
	err := sqlitex.Execute(conn, `
		INSERT INTO messages (id, subject, sender, status, endpoint_hash, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			subject = excluded.subject,
			sender = excluded.sender,
			status = excluded.status,
			endpoint_hash = excluded.endpoint_hash,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at`,
		&sqlitex.ExecOptions{
			Args: []any{m.ID, m.Subject, m.From, m.Status, m.EndpointHash, m.CreatedAt.UnixNano(), expires},
		})
	if err != nil {
		return fmt.Errorf("index: inserting %s: %w", m.ID, err)
	}
	return nil
}

// UpdateStatus moves a row to a new status. Unknown IDs are a no-op:
// the mailbox file is the truth, and a missing row is repaired by the
// next rebuild.
func (x *Index) UpdateStatus(ctx context.Context, messageID, status string) error {
	conn, err := x.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer x.pool.Put(conn)

	err = sqlitex.Execute(conn, "UPDATE messages SET status = ? WHERE id = ?",
		&sqlitex.ExecOptions{Args: []any{status, messageID}})
	if err != nil {
		return fmt.Errorf("index: updating %s to %s: %w", messageID, status, err)
	}
	return nil
}

// Delete removes a row. Used when a message completes or a dead
// letter is purged.
func (x *Index) Delete(ctx context.Context, messageID string) error {
	conn, err := x.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer x.pool.Put(conn)

	err = sqlitex.Execute(conn, "DELETE FROM messages WHERE id = ?",
		&sqlitex.ExecOptions{Args: []any{messageID}})
	if err != nil {
		return fmt.Errorf("index: deleting %s: %w", messageID, err)
	}
	return nil
}

// DeleteExpired removes rows whose expiry has passed, returning the
// count removed. This is the lazy half of expiry reaping; the eager
// half happens at hop time via budget enforcement.
func (x *Index) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	conn, err := x.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer x.pool.Put(conn)

	err = sqlitex.Execute(conn, "DELETE FROM messages WHERE expires_at IS NOT NULL AND expires_at < ?",
		&sqlitex.ExecOptions{Args: []any{now.UnixNano()}})
	if err != nil {
		return 0, fmt.Errorf("index: deleting expired rows: %w", err)
	}
	removed := conn.Changes()
	if removed > 0 {
		x.logger.Debug("index expired rows removed", "count", removed)
	}
	return removed, nil
}

// ListOptions filters a [Index.List] query. Zero fields match
// everything.
type ListOptions struct {
	Status       string
	EndpointHash string
	Subject      string
}

// List returns rows matching the options, in ID (chronological) order.
func (x *Index) List(ctx context.Context, opts ListOptions) ([]Message, error) {
	conn, err := x.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer x.pool.Put(conn)

	query := "SELECT id, subject, sender, status, endpoint_hash, created_at, expires_at FROM messages"
	var clauses []string
	var args []any
	if opts.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, opts.Status)
	}
	if opts.EndpointHash != "" {
		clauses = append(clauses, "endpoint_hash = ?")
		args = append(args, opts.EndpointHash)
	}
	if opts.Subject != "" {
		clauses = append(clauses, "subject = ?")
		args = append(args, opts.Subject)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id"

	var rows []Message
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			m := Message{
				ID:           stmt.ColumnText(0),
				Subject:      stmt.ColumnText(1),
				From:         stmt.ColumnText(2),
				Status:       stmt.ColumnText(3),
				EndpointHash: stmt.ColumnText(4),
				CreatedAt:    time.Unix(0, stmt.ColumnInt64(5)),
			}
			if stmt.ColumnType(6) != sqlite.TypeNull {
				m.ExpiresAt = time.Unix(0, stmt.ColumnInt64(6))
			}
			rows = append(rows, m)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("index: listing messages: %w", err)
	}
	return rows, nil
}

// Metrics returns the row count per status.
func (x *Index) Metrics(ctx context.Context) (map[string]int, error) {
	conn, err := x.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer x.pool.Put(conn)

	counts := make(map[string]int)
	err = sqlitex.Execute(conn, "SELECT status, COUNT(*) FROM messages GROUP BY status",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				counts[stmt.ColumnText(0)] = stmt.ColumnInt(1)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("index: reading metrics: %w", err)
	}
	return counts, nil
}
