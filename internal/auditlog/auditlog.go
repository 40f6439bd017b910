// Package auditlog persists a rolling history of dispatcher attempts for
// the admin surface's GET /api/admin/attempts (SPEC_FULL.md §3
// "Dispatch-attempt history"). The credential pool itself stays a plain
// JSON file (spec.md §3/§6, P5); this is a supplementary, embedded record
// kept only for operator visibility.
//
// Grounded on the teacher's internal/store/sqlite.go (schema-via-embed,
// WAL pragmas, single-connection *sql.DB) and sqlite_logs.go
// (InsertRequestLog/QueryRequestLogs/PurgeOldLogs shape), narrowed from the
// teacher's multi-table account/user/usage store to one table.
package auditlog

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// Attempt is one recorded dispatcher attempt.
type Attempt struct {
	ID           int64
	CredentialID int
	Attempt      int
	Outcome      string
	HTTPStatus   int
	LatencyMs    int64
	CreatedAt    time.Time
}

// Store is a SQLite-backed ring of recent dispatch attempts plus a
// background purge loop. Safe for concurrent use.
type Store struct {
	db          *sql.DB
	retention   time.Duration
	purgeCancel context.CancelFunc
}

// Open opens (creating if absent) the SQLite database at path and starts a
// background purge loop that deletes rows older than retention every
// purgeInterval, mirroring the teacher's runLogPurge ticker.
func Open(path string, retention, purgeInterval time.Duration) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{db: db, retention: retention, purgeCancel: cancel}

	if purgeInterval > 0 {
		go s.runPurgeLoop(ctx, purgeInterval)
	}

	return s, nil
}

func (s *Store) runPurgeLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.PurgeOlderThan(context.Background(), time.Now().Add(-s.retention))
		}
	}
}

// Close stops the purge loop and closes the database.
func (s *Store) Close() error {
	s.purgeCancel()
	return s.db.Close()
}

// Record inserts one attempt row. It satisfies dispatch.Recorder, so a
// *Store can be wired directly via Dispatcher.SetRecorder. A failed insert
// is silently dropped — Record returns nothing, matching
// dispatch.Recorder's signature — so it never fails the dispatch loop.
func (s *Store) Record(credentialID, attempt int, outcome string, httpStatus int, latencyMs int64) {
	_, _ = s.db.ExecContext(context.Background(),
		`INSERT INTO dispatch_attempts (credential_id, attempt, outcome, http_status, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		credentialID, attempt, outcome, httpStatus, latencyMs, time.Now().Unix())
}

// Recent returns the last limit attempts, most recent first, for
// GET /api/admin/attempts.
func (s *Store) Recent(ctx context.Context, limit int) ([]Attempt, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, credential_id, attempt, outcome, http_status, latency_ms, created_at
		FROM dispatch_attempts ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var a Attempt
		var createdAt int64
		if err := rows.Scan(&a.ID, &a.CredentialID, &a.Attempt, &a.Outcome, &a.HTTPStatus, &a.LatencyMs, &createdAt); err != nil {
			return nil, err
		}
		a.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

// PurgeOlderThan deletes attempts recorded before cutoff, returning the
// number of rows removed.
func (s *Store) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM dispatch_attempts WHERE created_at < ?", cutoff.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
