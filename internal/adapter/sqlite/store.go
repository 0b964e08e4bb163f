package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/Strob0t/stageflow/internal/domain"
	"github.com/Strob0t/stageflow/internal/domain/run"
	"github.com/Strob0t/stageflow/internal/domain/stage"
	"github.com/Strob0t/stageflow/internal/port/database"
)

const runColumns = `id, card_id, workspace_id, stage, status, attempt, idempotency_key, triggered_by,
	worker_id, error_summary, metadata, started_at, finished_at, created_at, updated_at`

const activeRunQuery = `SELECT ` + runColumns + ` FROM runs
	WHERE card_id = ?1 AND (?2 = '' OR stage = ?2) AND status IN ('queued', 'running')
	ORDER BY seq DESC LIMIT 1`

// --- Runs ---

// CreateRunIfAbsent inserts r and its initial log in one transaction. A conflict on the
// partial unique index means the slot is taken; the holder is read back in the same
// transaction.
func (s *Store) CreateRunIfAbsent(ctx context.Context, r *run.Run, initial *run.Log) (*run.Run, bool, error) {
	md, err := encodeJSON(r.Metadata, "{}")
	if err != nil {
		return nil, false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO runs (id, card_id, workspace_id, stage, status, attempt, idempotency_key,
			triggered_by, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		r.ID, r.CardID, r.WorkspaceID, string(r.Stage), string(r.Status), r.Attempt, r.IdempotencyKey,
		r.TriggeredBy, md, nanos(r.CreatedAt), nanos(r.UpdatedAt))
	if err != nil {
		return nil, false, fmt.Errorf("insert run: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return nil, false, err
	}

	if n == 0 {
		active, err := scanRun(tx.QueryRowContext(ctx, activeRunQuery, r.CardID, string(r.Stage)))
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, fmt.Errorf("create run for %s: duplicate key: %w", r.ActiveKey(), domain.ErrConflict)
		}
		if err != nil {
			return nil, false, fmt.Errorf("read active run for %s: %w", r.ActiveKey(), err)
		}
		return &active, false, tx.Commit()
	}

	if initial != nil {
		if err := insertLog(ctx, tx, initial); err != nil {
			return nil, false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit run: %w", err)
	}
	out := *r
	return &out, true, nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*run.Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if err != nil {
		return nil, notFoundWrap(err, "get run %s", id)
	}
	return &r, nil
}

// ListRunsByCard returns every run of a card, oldest first.
func (s *Store) ListRunsByCard(ctx context.Context, cardID string) ([]run.Run, error) {
	return s.queryRuns(ctx, `SELECT `+runColumns+` FROM runs WHERE card_id = ? ORDER BY seq ASC`, cardID)
}

// GetActiveRun returns the newest queued or running run of the card.
func (s *Store) GetActiveRun(ctx context.Context, cardID string, st stage.Stage) (*run.Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, activeRunQuery, cardID, string(st)))
	if err != nil {
		return nil, notFoundWrap(err, "get active run for card %s", cardID)
	}
	return &r, nil
}

// GetLatestRun returns the newest run of (card, stage).
func (s *Store) GetLatestRun(ctx context.Context, cardID string, st stage.Stage) (*run.Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE card_id = ? AND stage = ?
		ORDER BY seq DESC LIMIT 1`, cardID, string(st)))
	if err != nil {
		return nil, notFoundWrap(err, "get latest run for card %s", cardID)
	}
	return &r, nil
}

// ClaimRun is a compare-and-swap on status: queued -> running.
func (s *Store) ClaimRun(ctx context.Context, id, workerID string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = 'running', worker_id = ?2, started_at = ?3, updated_at = ?3
		WHERE id = ?1 AND status = 'queued'`, id, workerID, nanos(now))
	if err != nil {
		return false, fmt.Errorf("claim run %s: %w", id, err)
	}
	n, err := affected(res)
	return n == 1, err
}

// FinishRun applies a terminal transition if the current status is in p.From.
// SQLite's json_patch merges recursively, so the shallow merge happens in Go
// inside the transaction.
func (s *Store) FinishRun(ctx context.Context, id string, p database.FinishParams) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		status string
		md     sql.NullString
	)
	err = tx.QueryRowContext(ctx, `SELECT status, metadata FROM runs WHERE id = ?`, id).Scan(&status, &md)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("finish run %s: %w", id, err)
	}
	if !slices.Contains(p.From, run.Status(status)) {
		return false, nil
	}

	current, err := decodeMap(md)
	if err != nil {
		return false, err
	}
	merged, err := encodeJSON(run.MergeMetadata(current, p.Metadata), "{}")
	if err != nil {
		return false, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE runs SET
			status = ?2,
			error_summary = CASE WHEN ?3 <> '' THEN ?3 ELSE error_summary END,
			metadata = ?4,
			finished_at = ?5,
			updated_at = ?5
		WHERE id = ?1`,
		id, string(p.Status), p.ErrorSummary, merged, nanos(p.FinishedAt))
	if err != nil {
		return false, fmt.Errorf("finish run %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit finish run %s: %w", id, err)
	}
	return true, nil
}

// ListStuckRuns returns running runs started at or before cutoff.
func (s *Store) ListStuckRuns(ctx context.Context, cutoff time.Time) ([]run.Run, error) {
	return s.queryRuns(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE status = 'running' AND started_at <= ?
		ORDER BY started_at ASC`, nanos(cutoff))
}

func (s *Store) queryRuns(ctx context.Context, q string, args ...any) ([]run.Run, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []run.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func scanRun(row scannable) (run.Run, error) {
	var (
		r                   run.Run
		md                  sql.NullString
		started, finished   sql.NullInt64
		createdAt, updateAt int64
	)
	err := row.Scan(
		&r.ID, &r.CardID, &r.WorkspaceID, &r.Stage, &r.Status, &r.Attempt, &r.IdempotencyKey, &r.TriggeredBy,
		&r.WorkerID, &r.ErrorSummary, &md, &started, &finished, &createdAt, &updateAt,
	)
	if err != nil {
		return r, err
	}
	if r.Metadata, err = decodeMap(md); err != nil {
		return r, err
	}
	if r.Metadata == nil {
		r.Metadata = map[string]any{}
	}
	r.StartedAt = timePtr(started)
	r.FinishedAt = timePtr(finished)
	r.CreatedAt = fromNanos(createdAt)
	r.UpdatedAt = fromNanos(updateAt)
	return r, nil
}

// --- Logs ---

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// insertLogIfRun inserts l only if its run exists and reports whether a row was written.
func insertLogIfRun(ctx context.Context, db execer, l *run.Log) (bool, error) {
	data, err := nullableJSON(l.Data)
	if err != nil {
		return false, err
	}
	res, err := db.ExecContext(ctx, `
		INSERT INTO run_logs (id, run_id, level, message, step_key, data, created_at)
		SELECT ?, ?, ?, ?, ?, ?, ?
		WHERE EXISTS (SELECT 1 FROM runs WHERE id = ?)`,
		l.ID, l.RunID, string(l.Level), l.Message, l.StepKey, data, nanos(l.CreatedAt), l.RunID)
	if err != nil {
		return false, fmt.Errorf("insert run log: %w", err)
	}
	n, err := affected(res)
	return n == 1, err
}

func insertLog(ctx context.Context, tx *sql.Tx, l *run.Log) error {
	_, err := insertLogIfRun(ctx, tx, l)
	return err
}

// AppendLog appends a log entry to an existing run.
func (s *Store) AppendLog(ctx context.Context, l *run.Log) error {
	ok, err := insertLogIfRun(ctx, s.db, l)
	if err != nil {
		return fmt.Errorf("append log to run %s: %w", l.RunID, err)
	}
	if !ok {
		return fmt.Errorf("append log to run %s: %w", l.RunID, domain.ErrNotFound)
	}
	return nil
}

// ListLogs returns a run's logs in append order.
func (s *Store) ListLogs(ctx context.Context, runID string) ([]run.Log, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, level, message, step_key, data, created_at
		FROM run_logs WHERE run_id = ? ORDER BY created_at ASC, seq ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list logs for run %s: %w", runID, err)
	}
	defer func() { _ = rows.Close() }()

	var logs []run.Log
	for rows.Next() {
		var (
			l       run.Log
			data    sql.NullString
			created int64
		)
		if err := rows.Scan(&l.ID, &l.RunID, &l.Level, &l.Message, &l.StepKey, &data, &created); err != nil {
			return nil, fmt.Errorf("scan run log: %w", err)
		}
		if l.Data, err = decodeMap(data); err != nil {
			return nil, err
		}
		l.CreatedAt = fromNanos(created)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// --- Artifacts ---

const artifactColumns = `id, run_id, card_id, workspace_id, stage, artifact_type, label, uri, meta, created_at`

// CreateArtifact records an immutable run output.
func (s *Store) CreateArtifact(ctx context.Context, a *run.Artifact) error {
	meta, err := nullableJSON(a.Meta)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO artifacts (`+artifactColumns+`)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		WHERE EXISTS (SELECT 1 FROM runs WHERE id = ?)`,
		a.ID, a.RunID, a.CardID, a.WorkspaceID, string(a.Stage), string(a.Type), a.Label, a.URI, meta,
		nanos(a.CreatedAt), a.RunID)
	return execExpectOne(res, err, "create artifact for run %s", a.RunID)
}

// ListArtifactsByRun returns a run's artifacts in creation order.
func (s *Store) ListArtifactsByRun(ctx context.Context, runID string) ([]run.Artifact, error) {
	return s.queryArtifacts(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE run_id = ? ORDER BY seq`, runID)
}

// ListArtifactsByCard returns a card's artifacts, optionally narrowed to one stage.
func (s *Store) ListArtifactsByCard(ctx context.Context, cardID string, st stage.Stage) ([]run.Artifact, error) {
	return s.queryArtifacts(ctx, `
		SELECT `+artifactColumns+` FROM artifacts
		WHERE card_id = ?1 AND (?2 = '' OR stage = ?2) ORDER BY seq`, cardID, string(st))
}

func (s *Store) queryArtifacts(ctx context.Context, q string, args ...any) ([]run.Artifact, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query artifacts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []run.Artifact
	for rows.Next() {
		var (
			a       run.Artifact
			meta    sql.NullString
			created int64
		)
		if err := rows.Scan(&a.ID, &a.RunID, &a.CardID, &a.WorkspaceID, &a.Stage, &a.Type,
			&a.Label, &a.URI, &meta, &created); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		if a.Meta, err = decodeMap(meta); err != nil {
			return nil, err
		}
		a.CreatedAt = fromNanos(created)
		out = append(out, a)
	}
	return out, rows.Err()
}
