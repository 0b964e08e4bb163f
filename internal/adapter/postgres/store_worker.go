package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/Strob0t/stageflow/internal/domain/worker"
)

const workerColumns = `id, workspace_id, status, last_heartbeat, created_at`

func scanWorker(row scannable) (worker.Worker, error) {
	var w worker.Worker
	err := row.Scan(&w.ID, &w.WorkspaceID, &w.Status, &w.LastHeartbeat, &w.CreatedAt)
	return w, err
}

// UpsertWorker registers a worker. Re-registration refreshes workspace and
// heartbeat but keeps the current status.
func (s *Store) UpsertWorker(ctx context.Context, w *worker.Worker) (*worker.Worker, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO workers (`+workerColumns+`)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			workspace_id = EXCLUDED.workspace_id,
			last_heartbeat = EXCLUDED.last_heartbeat
		RETURNING `+workerColumns,
		w.ID, w.WorkspaceID, string(w.Status), w.LastHeartbeat, w.CreatedAt)
	out, err := scanWorker(row)
	if err != nil {
		return nil, fmt.Errorf("upsert worker %s: %w", w.ID, err)
	}
	return &out, nil
}

// GetWorker retrieves a worker by ID.
func (s *Store) GetWorker(ctx context.Context, id string) (*worker.Worker, error) {
	w, err := scanWorker(s.pool.QueryRow(ctx, `SELECT `+workerColumns+` FROM workers WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundWrap(err, "get worker %s", id)
	}
	return &w, nil
}

// UpdateWorkerHeartbeat records a heartbeat and the reported status.
func (s *Store) UpdateWorkerHeartbeat(ctx context.Context, id string, status worker.Status, now time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE workers SET status = $2, last_heartbeat = $3 WHERE id = $1`, id, string(status), now)
	return execExpectOne(tag, err, "heartbeat worker %s", id)
}

// SetWorkerStatus sets a worker's status without touching its heartbeat.
func (s *Store) SetWorkerStatus(ctx context.Context, id string, status worker.Status) error {
	tag, err := s.pool.Exec(ctx, `UPDATE workers SET status = $2 WHERE id = $1`, id, string(status))
	return execExpectOne(tag, err, "set worker %s status", id)
}

// ListWorkers lists the workers of a workspace; an empty workspace lists all.
func (s *Store) ListWorkers(ctx context.Context, workspaceID string) ([]worker.Worker, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+workerColumns+` FROM workers
		WHERE $1::text = '' OR workspace_id = $1 ORDER BY id`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()

	var out []worker.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// CountLiveWorkers counts non-offline workers with a heartbeat at or after since.
func (s *Store) CountLiveWorkers(ctx context.Context, workspaceID string, since time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM workers
		WHERE workspace_id = $1 AND status <> 'offline' AND last_heartbeat >= $2`,
		workspaceID, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count live workers: %w", err)
	}
	return n, nil
}

// MarkStaleWorkersOffline flags workers that stopped heartbeating before cutoff.
func (s *Store) MarkStaleWorkersOffline(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE workers SET status = 'offline'
		WHERE status <> 'offline' AND last_heartbeat < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("mark stale workers offline: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
