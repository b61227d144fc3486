// Package history keeps a record of every operation run through wsusctl:
// a SQLite journal of outcomes and a plain-text transcript per operation.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/zph/wsusctl/pkg/logger"
	"github.com/zph/wsusctl/pkg/operation"
)

const schema = `CREATE TABLE IF NOT EXISTS operations(
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	started INTEGER NOT NULL,
	finished INTEGER,
	outcome TEXT NOT NULL,
	message TEXT NOT NULL DEFAULT '',
	lines INTEGER NOT NULL DEFAULT 0,
	transcript TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_operations_started ON operations(started);`

// OutcomeRunning marks an entry whose operation has not finished, or whose
// process died before recording an outcome.
const OutcomeRunning operation.Outcome = "running"

// ErrNotFound is returned when no entry matches an id.
var ErrNotFound = errors.New("history entry not found")

// Entry is one journaled operation.
type Entry struct {
	ID         string
	Name       string
	Started    time.Time
	Finished   time.Time
	Outcome    operation.Outcome
	Message    string
	Lines      int
	Transcript string
}

// Duration is zero for unfinished entries.
func (e Entry) Duration() time.Duration {
	if e.Finished.IsZero() {
		return 0
	}
	return e.Finished.Sub(e.Started)
}

// TranscriptFunc names the transcript file of an operation.
type TranscriptFunc func(name string, started time.Time) string

// Journal records operations in a SQLite database. It implements
// operation.Observer; write failures are logged, never returned to the
// runner.
type Journal struct {
	db         *sql.DB
	transcript TranscriptFunc

	mu    sync.Mutex
	lines map[string]int
}

// OpenJournal opens (creating if needed) the journal at path.
func OpenJournal(ctx context.Context, path string, transcript TranscriptFunc) (*Journal, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open journal %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize journal schema: %w", err)
	}
	return &Journal{db: db, transcript: transcript, lines: make(map[string]int)}, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) OperationStarted(id, name string, at time.Time) {
	var transcript string
	if j.transcript != nil {
		transcript = j.transcript(name, at)
	}
	j.mu.Lock()
	j.lines[id] = 0
	j.mu.Unlock()

	_, err := j.db.Exec(`INSERT INTO operations(id, name, started, outcome, transcript) VALUES(?,?,?,?,?)`,
		id, name, at.UnixMilli(), string(OutcomeRunning), transcript)
	if err != nil {
		logger.Warn("journal: failed to record start of %s: %v", name, err)
	}
}

func (j *Journal) OperationLine(id, _ string) {
	j.mu.Lock()
	j.lines[id]++
	j.mu.Unlock()
}

func (j *Journal) OperationFinished(id string, outcome operation.Outcome, message string, at time.Time) {
	j.mu.Lock()
	n := j.lines[id]
	delete(j.lines, id)
	j.mu.Unlock()

	_, err := j.db.Exec(`UPDATE operations SET finished = ?, outcome = ?, message = ?, lines = ? WHERE id = ?`,
		at.UnixMilli(), string(outcome), message, n, id)
	if err != nil {
		logger.Warn("journal: failed to record outcome of %s: %v", id, err)
	}
}

const selectEntry = `SELECT id, name, started, finished, outcome, message, lines, transcript FROM operations`

// List returns the newest entries first. limit <= 0 returns everything.
func (j *Journal) List(ctx context.Context, limit int) ([]Entry, error) {
	query := selectEntry + ` ORDER BY started DESC, rowid DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Get returns the entry whose id starts with prefix. An ambiguous prefix
// is an error.
func (j *Journal) Get(ctx context.Context, prefix string) (Entry, error) {
	if prefix == "" {
		return Entry{}, ErrNotFound
	}
	rows, err := j.db.QueryContext(ctx, selectEntry+` WHERE id LIKE ? ESCAPE '\' LIMIT 2`, escapeLike(prefix)+"%")
	if err != nil {
		return Entry{}, fmt.Errorf("failed to read history: %w", err)
	}
	defer rows.Close()

	var found []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return Entry{}, err
		}
		found = append(found, e)
	}
	if err := rows.Err(); err != nil {
		return Entry{}, err
	}
	switch len(found) {
	case 0:
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, prefix)
	case 1:
		return found[0], nil
	}
	return Entry{}, fmt.Errorf("id prefix %q is ambiguous", prefix)
}

// Prune deletes entries started before cutoff and returns them so their
// transcripts can be removed too.
func (j *Journal) Prune(ctx context.Context, cutoff time.Time) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx, selectEntry+` WHERE started < ?`, cutoff.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to select expired history: %w", err)
	}
	var expired []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		expired = append(expired, e)
	}
	rows.Close()
	if len(expired) == 0 {
		return nil, nil
	}
	if _, err := j.db.ExecContext(ctx, `DELETE FROM operations WHERE started < ?`, cutoff.UnixMilli()); err != nil {
		return nil, fmt.Errorf("failed to prune history: %w", err)
	}
	return expired, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (Entry, error) {
	var (
		e        Entry
		started  int64
		finished sql.NullInt64
		outcome  string
	)
	if err := s.Scan(&e.ID, &e.Name, &started, &finished, &outcome, &e.Message, &e.Lines, &e.Transcript); err != nil {
		return Entry{}, fmt.Errorf("failed to scan history entry: %w", err)
	}
	e.Started = time.UnixMilli(started)
	if finished.Valid {
		e.Finished = time.UnixMilli(finished.Int64)
	}
	e.Outcome = operation.Outcome(outcome)
	return e, nil
}

func escapeLike(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r == '%' || r == '_' || r == '\\' {
			out = append(out, '\\')
		}
		out = append(out, r)
	}
	return string(out)
}

var _ operation.Observer = (*Journal)(nil)
