package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/stageflow/internal/domain"
	"github.com/Strob0t/stageflow/internal/domain/run"
	"github.com/Strob0t/stageflow/internal/domain/stage"
	"github.com/Strob0t/stageflow/internal/port/database"
)

var _ database.Store = (*Store)(nil)

// createAttempts bounds the insert/re-fetch loop of CreateRunIfAbsent. A retry is
// only needed when the conflicting active run finishes between the two statements.
const createAttempts = 3

// Store implements database.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const runColumns = `id, card_id, workspace_id, stage, status, attempt, idempotency_key, triggered_by,
	worker_id, error_summary, metadata, started_at, finished_at, created_at, updated_at`

// --- Runs ---

// CreateRunIfAbsent inserts r unless the partial unique index on active
// (card_id, stage) rejects it, in which case the holder of the slot is returned.
func (s *Store) CreateRunIfAbsent(ctx context.Context, r *run.Run, initial *run.Log) (*run.Run, bool, error) {
	md, err := marshalJSON(r.Metadata, "{}")
	if err != nil {
		return nil, false, err
	}

	for range createAttempts {
		created, err := s.tryInsertRun(ctx, r, md, initial)
		if err != nil {
			return nil, false, err
		}
		if created {
			out := *r
			return &out, true, nil
		}

		active, err := s.GetActiveRun(ctx, r.CardID, r.Stage)
		if err == nil {
			return active, false, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, false, err
		}
	}
	return nil, false, fmt.Errorf("create run for %s: active slot kept changing: %w", r.ActiveKey(), domain.ErrConflict)
}

func (s *Store) tryInsertRun(ctx context.Context, r *run.Run, md string, initial *run.Log) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		INSERT INTO runs (id, card_id, workspace_id, stage, status, attempt, idempotency_key,
			triggered_by, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10, $11)
		ON CONFLICT DO NOTHING`,
		r.ID, r.CardID, r.WorkspaceID, string(r.Stage), string(r.Status), r.Attempt, r.IdempotencyKey,
		r.TriggeredBy, md, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("insert run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	if initial != nil {
		if err := insertLog(ctx, tx, initial); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit run: %w", err)
	}
	return true, nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*run.Run, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id)
	r, err := scanRun(row)
	if err != nil {
		return nil, notFoundWrap(err, "get run %s", id)
	}
	return &r, nil
}

// ListRunsByCard returns every run of a card, oldest first.
func (s *Store) ListRunsByCard(ctx context.Context, cardID string) ([]run.Run, error) {
	return s.queryRuns(ctx, `SELECT `+runColumns+` FROM runs WHERE card_id = $1 ORDER BY seq ASC`, cardID)
}

// GetActiveRun returns the newest queued or running run of the card.
func (s *Store) GetActiveRun(ctx context.Context, cardID string, st stage.Stage) (*run.Run, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE card_id = $1 AND ($2::text = '' OR stage = $2) AND status IN ('queued', 'running')
		ORDER BY seq DESC LIMIT 1`, cardID, string(st))
	r, err := scanRun(row)
	if err != nil {
		return nil, notFoundWrap(err, "get active run for card %s", cardID)
	}
	return &r, nil
}

// GetLatestRun returns the newest run of (card, stage).
func (s *Store) GetLatestRun(ctx context.Context, cardID string, st stage.Stage) (*run.Run, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE card_id = $1 AND stage = $2
		ORDER BY seq DESC LIMIT 1`, cardID, string(st))
	r, err := scanRun(row)
	if err != nil {
		return nil, notFoundWrap(err, "get latest run for card %s", cardID)
	}
	return &r, nil
}

// ClaimRun is a compare-and-swap on status: queued -> running.
func (s *Store) ClaimRun(ctx context.Context, id, workerID string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE runs SET status = 'running', worker_id = $2, started_at = $3, updated_at = $3
		WHERE id = $1 AND status = 'queued'`, id, workerID, now)
	if err != nil {
		return false, fmt.Errorf("claim run %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// FinishRun applies a terminal transition if the current status is in p.From.
// Metadata is merged with the jsonb || operator.
func (s *Store) FinishRun(ctx context.Context, id string, p database.FinishParams) (bool, error) {
	md, err := marshalJSON(p.Metadata, "{}")
	if err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE runs SET
			status = $2,
			error_summary = CASE WHEN $3::text <> '' THEN $3 ELSE error_summary END,
			metadata = metadata || $4::jsonb,
			finished_at = $5,
			updated_at = $5
		WHERE id = $1 AND status = ANY($6::text[])`,
		id, string(p.Status), p.ErrorSummary, md, p.FinishedAt, statusStrings(p.From))
	if err != nil {
		return false, fmt.Errorf("finish run %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListStuckRuns returns running runs started at or before cutoff.
func (s *Store) ListStuckRuns(ctx context.Context, cutoff time.Time) ([]run.Run, error) {
	return s.queryRuns(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE status = 'running' AND started_at <= $1
		ORDER BY started_at ASC`, cutoff)
}

func (s *Store) queryRuns(ctx context.Context, q string, args ...any) ([]run.Run, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

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
		r  run.Run
		md []byte
	)
	err := row.Scan(
		&r.ID, &r.CardID, &r.WorkspaceID, &r.Stage, &r.Status, &r.Attempt, &r.IdempotencyKey, &r.TriggeredBy,
		&r.WorkerID, &r.ErrorSummary, &md, &r.StartedAt, &r.FinishedAt, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return r, err
	}
	if r.Metadata, err = unmarshalMap(md); err != nil {
		return r, err
	}
	if r.Metadata == nil {
		r.Metadata = map[string]any{}
	}
	return r, nil
}

// --- Logs ---

func insertLog(ctx context.Context, tx pgx.Tx, l *run.Log) error {
	data, err := nullableJSON(l.Data)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO run_logs (id, run_id, level, message, step_key, data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7)`,
		l.ID, l.RunID, string(l.Level), l.Message, l.StepKey, data, l.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert run log: %w", err)
	}
	return nil
}

// AppendLog appends a log entry to an existing run.
func (s *Store) AppendLog(ctx context.Context, l *run.Log) error {
	data, err := nullableJSON(l.Data)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO run_logs (id, run_id, level, message, step_key, data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7)`,
		l.ID, l.RunID, string(l.Level), l.Message, l.StepKey, data, l.CreatedAt)
	if isForeignKeyViolation(err) {
		return fmt.Errorf("append log to run %s: %w", l.RunID, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("append log to run %s: %w", l.RunID, err)
	}
	return nil
}

// ListLogs returns a run's logs in append order.
func (s *Store) ListLogs(ctx context.Context, runID string) ([]run.Log, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, run_id, level, message, step_key, data, created_at
		FROM run_logs WHERE run_id = $1 ORDER BY created_at ASC, seq ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list logs for run %s: %w", runID, err)
	}
	defer rows.Close()

	var logs []run.Log
	for rows.Next() {
		var (
			l    run.Log
			data []byte
		)
		if err := rows.Scan(&l.ID, &l.RunID, &l.Level, &l.Message, &l.StepKey, &data, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan run log: %w", err)
		}
		if l.Data, err = unmarshalMap(data); err != nil {
			return nil, err
		}
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
	_, err = s.pool.Exec(ctx, `
		INSERT INTO artifacts (`+artifactColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10)`,
		a.ID, a.RunID, a.CardID, a.WorkspaceID, string(a.Stage), string(a.Type), a.Label, a.URI, meta, a.CreatedAt)
	if isForeignKeyViolation(err) {
		return fmt.Errorf("create artifact for run %s: %w", a.RunID, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("create artifact for run %s: %w", a.RunID, err)
	}
	return nil
}

// ListArtifactsByRun returns a run's artifacts in creation order.
func (s *Store) ListArtifactsByRun(ctx context.Context, runID string) ([]run.Artifact, error) {
	return s.queryArtifacts(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE run_id = $1 ORDER BY seq`, runID)
}

// ListArtifactsByCard returns a card's artifacts, optionally narrowed to one stage.
func (s *Store) ListArtifactsByCard(ctx context.Context, cardID string, st stage.Stage) ([]run.Artifact, error) {
	return s.queryArtifacts(ctx, `
		SELECT `+artifactColumns+` FROM artifacts
		WHERE card_id = $1 AND ($2::text = '' OR stage = $2) ORDER BY seq`, cardID, string(st))
}

func (s *Store) queryArtifacts(ctx context.Context, q string, args ...any) ([]run.Artifact, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query artifacts: %w", err)
	}
	defer rows.Close()

	var out []run.Artifact
	for rows.Next() {
		var (
			a    run.Artifact
			meta []byte
		)
		if err := rows.Scan(&a.ID, &a.RunID, &a.CardID, &a.WorkspaceID, &a.Stage, &a.Type,
			&a.Label, &a.URI, &meta, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		if a.Meta, err = unmarshalMap(meta); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// nullableJSON encodes a map for a nullable JSONB column.
func nullableJSON(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return marshalJSON(m, "null")
}
