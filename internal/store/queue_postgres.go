package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/FieldSync/internal/models"
)

func (s *PostgresStore) InsertMutation(ctx context.Context, m models.QueuedMutation) (int64, error) {
	if err := m.Validate(); err != nil {
		return 0, err
	}
	status := m.Status
	if status == "" {
		status = models.MutationStatusPending
	}
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO sync_queue (url, rpc_method, params, status, created_at, synced_at, retry_count, error_message, request_id)
		 VALUES ($1, $2, $3, $4, $5, NULL, $6, $7, $8) RETURNING id`,
		m.URL, m.Method, nilIfEmptyJSON(m.Params), string(status), models.UnixMilli(m.CreatedAt),
		m.RetryCount, nilIfEmpty(m.ErrorMessage), nilIfEmpty(m.RequestID),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert mutation failed: %w", err)
	}
	slog.Debug("PostgresStore.InsertMutation", "id", id, "method", m.Method)
	return id, nil
}

func (s *PostgresStore) GetMutation(ctx context.Context, id int64) (*models.QueuedMutation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+mutationColumns+` FROM sync_queue WHERE id = $1`, id)
	m, err := scanMutation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get mutation failed: %w", err)
	}
	return &m, nil
}

func (s *PostgresStore) ListMutations(ctx context.Context, status models.MutationStatus) ([]models.QueuedMutation, error) {
	var rows *sql.Rows
	var err error
	if status == "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+mutationColumns+` FROM sync_queue ORDER BY id ASC`)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+mutationColumns+` FROM sync_queue WHERE status = $1 ORDER BY id ASC`, string(status))
	}
	if err != nil {
		return nil, fmt.Errorf("list mutations failed: %w", err)
	}
	return collectMutations(rows)
}

func (s *PostgresStore) CountMutations(ctx context.Context, status models.MutationStatus) (int, error) {
	var n int
	var err error
	if status == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue WHERE status = $1`, string(status)).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("count mutations failed: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) MarkMutationSyncing(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sync_queue SET status = 'syncing' WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return fmt.Errorf("mark mutation syncing failed: %w", err)
	}
	return expectOneRow(result, id, "mark mutation syncing")
}

func (s *PostgresStore) MarkMutationSynced(ctx context.Context, id int64, syncedAt time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sync_queue SET status = 'synced', synced_at = $1, error_message = NULL WHERE id = $2 AND status = 'syncing'`,
		models.UnixMilli(syncedAt), id)
	if err != nil {
		return fmt.Errorf("mark mutation synced failed: %w", err)
	}
	return expectOneRow(result, id, "mark mutation synced")
}

func (s *PostgresStore) FailMutation(ctx context.Context, id int64, errMsg string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sync_queue SET status = 'pending', retry_count = retry_count + 1, error_message = $1 WHERE id = $2 AND status = 'syncing'`,
		errMsg, id)
	if err != nil {
		return fmt.Errorf("fail mutation failed: %w", err)
	}
	return expectOneRow(result, id, "fail mutation")
}

func (s *PostgresStore) DeleteSyncedMutations(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM sync_queue WHERE status = 'synced' AND synced_at IS NOT NULL AND synced_at < $1`,
		models.UnixMilli(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete synced mutations failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Debug("PostgresStore.DeleteSyncedMutations", "deleted", n)
	}
	return int(n), nil
}

func (s *PostgresStore) RequeueSyncingMutations(ctx context.Context) (int, error) {
	result, err := s.db.ExecContext(ctx, `UPDATE sync_queue SET status = 'pending' WHERE status = 'syncing'`)
	if err != nil {
		return 0, fmt.Errorf("requeue syncing mutations failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("PostgresStore.RequeueSyncingMutations", "requeued", n)
	}
	return int(n), nil
}
