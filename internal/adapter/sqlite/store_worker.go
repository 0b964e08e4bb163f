package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/Strob0t/stageflow/internal/domain/worker"
)

const workerColumns = `id, workspace_id, status, last_heartbeat, created_at`

func scanWorker(row scannable) (worker.Worker, error) {
	var (
		w                  worker.Worker
		heartbeat, created int64
	)
	if err := row.Scan(&w.ID, &w.WorkspaceID, &w.Status, &heartbeat, &created); err != nil {
		return w, err
	}
	w.LastHeartbeat = fromNanos(heartbeat)
	w.CreatedAt = fromNanos(created)
	return w, nil
}

// UpsertWorker registers a worker. Re-registration refreshes workspace and
// heartbeat but keeps the current status.
func (s *Store) UpsertWorker(ctx context.Context, w *worker.Worker) (*worker.Worker, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO workers (`+workerColumns+`)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			workspace_id = excluded.workspace_id,
			last_heartbeat = excluded.last_heartbeat
		RETURNING `+workerColumns,
		w.ID, w.WorkspaceID, string(w.Status), nanos(w.LastHeartbeat), nanos(w.CreatedAt))
	out, err := scanWorker(row)
	if err != nil {
		return nil, fmt.Errorf("upsert worker %s: %w", w.ID, err)
	}
	return &out, nil
}

// GetWorker retrieves a worker by ID.
func (s *Store) GetWorker(ctx context.Context, id string) (*worker.Worker, error) {
	w, err := scanWorker(s.db.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE id = ?`, id))
	if err != nil {
		return nil, notFoundWrap(err, "get worker %s", id)
	}
	return &w, nil
}

// UpdateWorkerHeartbeat records a heartbeat and the reported status.
func (s *Store) UpdateWorkerHeartbeat(ctx context.Context, id string, status worker.Status, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workers SET status = ?, last_heartbeat = ? WHERE id = ?`, string(status), nanos(now), id)
	return execExpectOne(res, err, "heartbeat worker %s", id)
}

// SetWorkerStatus sets a worker's status without touching its heartbeat.
func (s *Store) SetWorkerStatus(ctx context.Context, id string, status worker.Status) error {
	res, err := s.db.ExecContext(ctx, `UPDATE workers SET status = ? WHERE id = ?`, string(status), id)
	return execExpectOne(res, err, "set worker %s status", id)
}

// ListWorkers lists the workers of a workspace; an empty workspace lists all.
func (s *Store) ListWorkers(ctx context.Context, workspaceID string) ([]worker.Worker, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+workerColumns+` FROM workers
		WHERE ?1 = '' OR workspace_id = ?1 ORDER BY id`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer func() { _ = rows.Close() }()

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
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM workers
		WHERE workspace_id = ? AND status <> 'offline' AND last_heartbeat >= ?`,
		workspaceID, nanos(since)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count live workers: %w", err)
	}
	return n, nil
}

// MarkStaleWorkersOffline flags workers that stopped heartbeating before cutoff.
func (s *Store) MarkStaleWorkersOffline(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workers SET status = 'offline'
		WHERE status <> 'offline' AND last_heartbeat < ?`, nanos(cutoff))
	if err != nil {
		return 0, fmt.Errorf("mark stale workers offline: %w", err)
	}
	n, err := affected(res)
	return int(n), err
}
