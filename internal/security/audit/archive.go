// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// =============================================================================
// ARCHIVE CONSTANTS
// =============================================================================

const (
	// DefaultArchiveRows caps the archive size; older rows are pruned.
	DefaultArchiveRows = 1_000_000

	archiveQueueSize = 1024
	archiveBatchSize = 64
)

const archiveSchema = `
CREATE TABLE IF NOT EXISTS audit_events (
	seq            INTEGER PRIMARY KEY AUTOINCREMENT,
	id             TEXT NOT NULL UNIQUE,
	ts             INTEGER NOT NULL,
	severity       INTEGER NOT NULL,
	category       TEXT NOT NULL,
	action         TEXT NOT NULL,
	outcome        TEXT NOT NULL DEFAULT '',
	correlation_id TEXT NOT NULL DEFAULT '',
	identity       TEXT NOT NULL DEFAULT '',
	line           TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_events(ts);
CREATE INDEX IF NOT EXISTS idx_audit_category ON audit_events(category);
CREATE INDEX IF NOT EXISTS idx_audit_correlation ON audit_events(correlation_id);
`

// =============================================================================
// ARCHIVE
// =============================================================================

type archiveRecord struct {
	event Event
	line  []byte
}

// Archive is a SQLite store for audit history beyond the in-memory ring.
// Inserts happen on a background goroutine; the Sink only enqueues.
type Archive struct {
	db      *sql.DB
	maxRows int

	mu     sync.RWMutex
	closed bool
	queue  chan archiveRecord
	done   chan struct{}

	dropped atomic.Uint64
	failed  atomic.Uint64
}

// ArchiveOption is a functional option for configuring Archive.
type ArchiveOption func(*Archive)

// WithMaxRows sets the retention cap.
func WithMaxRows(n int) ArchiveOption {
	return func(a *Archive) {
		if n > 0 {
			a.maxRows = n
		}
	}
}

// OpenArchive opens or creates the archive database at path.
func OpenArchive(path string, opts ...ArchiveOption) (*Archive, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("audit: create archive directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open archive: %w", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("audit: %s: %w", p, err)
		}
	}
	if _, err := db.Exec(archiveSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: create archive schema: %w", err)
	}
	_ = os.Chmod(path, 0600)

	a := &Archive{
		db:      db,
		maxRows: DefaultArchiveRows,
		queue:   make(chan archiveRecord, archiveQueueSize),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}

	go a.run()
	return a, nil
}

// enqueue hands an event to the writer goroutine without blocking.
func (a *Archive) enqueue(e Event, line []byte) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.dropped.Add(1)
		return false
	}
	select {
	case a.queue <- archiveRecord{event: e, line: line}:
		return true
	default:
		a.dropped.Add(1)
		return false
	}
}

func (a *Archive) run() {
	defer close(a.done)

	batch := make([]archiveRecord, 0, archiveBatchSize)
	for rec := range a.queue {
		batch = append(batch[:0], rec)
	drain:
		for len(batch) < archiveBatchSize {
			select {
			case more, ok := <-a.queue:
				if !ok {
					break drain
				}
				batch = append(batch, more)
			default:
				break drain
			}
		}
		if err := a.insert(batch); err != nil {
			a.failed.Add(uint64(len(batch)))
			fmt.Fprintf(os.Stderr, "AUDIT ERROR: archive insert failed: %v\n", err)
		}
	}
}

func (a *Archive) insert(batch []archiveRecord) error {
	tx, err := a.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT OR IGNORE INTO audit_events
		(id, ts, severity, category, action, outcome, correlation_id, identity, line)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, rec := range batch {
		e := rec.event
		if _, err := stmt.Exec(e.ID, e.Timestamp.UnixNano(), int(e.Severity), string(e.Category),
			e.Action, string(e.Outcome), e.CorrelationID, e.Identity, string(rec.line)); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(`DELETE FROM audit_events
		WHERE seq <= (SELECT MAX(seq) FROM audit_events) - ?`, a.maxRows); err != nil {
		return err
	}
	return tx.Commit()
}

// Query returns archived events matching f, oldest first.
func (a *Archive) Query(ctx context.Context, f Filter) ([]Event, error) {
	var (
		where []string
		args  []any
	)
	where = append(where, "severity >= ?")
	args = append(args, int(f.MinSeverity))
	if len(f.Categories) > 0 {
		marks := make([]string, len(f.Categories))
		for i, c := range f.Categories {
			marks[i] = "?"
			args = append(args, string(c))
		}
		where = append(where, "category IN ("+strings.Join(marks, ",")+")")
	}
	if f.Outcome != "" {
		where = append(where, "outcome = ?")
		args = append(args, string(f.Outcome))
	}
	if f.Action != "" {
		where = append(where, "action = ?")
		args = append(args, f.Action)
	}
	if f.CorrelationID != "" {
		where = append(where, "correlation_id = ?")
		args = append(args, f.CorrelationID)
	}
	if f.Identity != "" {
		where = append(where, "identity = ?")
		args = append(args, f.Identity)
	}
	if !f.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, f.Since.UnixNano())
	}
	if !f.Until.IsZero() {
		where = append(where, "ts <= ?")
		args = append(args, f.Until.UnixNano())
	}

	query := "SELECT line FROM audit_events WHERE " + strings.Join(where, " AND ") + " ORDER BY seq DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query archive: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, fmt.Errorf("audit: scan archive row: %w", err)
		}
		var e Event
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			return nil, fmt.Errorf("audit: decode archive row: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Rows came newest first so LIMIT keeps the most recent.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Count returns the number of archived rows.
func (a *Archive) Count(ctx context.Context) (int, error) {
	var n int
	err := a.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_events").Scan(&n)
	return n, err
}

// Dropped returns the number of events lost to a full queue or failed insert.
func (a *Archive) Dropped() uint64 {
	return a.dropped.Load() + a.failed.Load()
}

// Close drains pending inserts and closes the database.
func (a *Archive) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()

	<-a.done
	return a.db.Close()
}
