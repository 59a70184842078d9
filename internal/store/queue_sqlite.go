package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/FieldSync/internal/models"
)

func (s *SQLiteStore) InsertMutation(ctx context.Context, m models.QueuedMutation) (int64, error) {
	if err := m.Validate(); err != nil {
		return 0, err
	}
	status := m.Status
	if status == "" {
		status = models.MutationStatusPending
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_queue (url, rpc_method, params, status, created_at, synced_at, retry_count, error_message, request_id)
		 VALUES (?, ?, ?, ?, ?, NULL, ?, ?, ?)`,
		m.URL, m.Method, nilIfEmptyJSON(m.Params), string(status), models.UnixMilli(m.CreatedAt),
		m.RetryCount, nilIfEmpty(m.ErrorMessage), nilIfEmpty(m.RequestID),
	)
	if err != nil {
		return 0, fmt.Errorf("insert mutation failed: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert mutation last id failed: %w", err)
	}
	slog.Debug("SQLiteStore.InsertMutation", "id", id, "method", m.Method)
	return id, nil
}

func (s *SQLiteStore) GetMutation(ctx context.Context, id int64) (*models.QueuedMutation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+mutationColumns+` FROM sync_queue WHERE id = ?`, id)
	m, err := scanMutation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get mutation failed: %w", err)
	}
	return &m, nil
}

func (s *SQLiteStore) ListMutations(ctx context.Context, status models.MutationStatus) ([]models.QueuedMutation, error) {
	var rows *sql.Rows
	var err error
	if status == "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+mutationColumns+` FROM sync_queue ORDER BY id ASC`)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+mutationColumns+` FROM sync_queue WHERE status = ? ORDER BY id ASC`, string(status))
	}
	if err != nil {
		return nil, fmt.Errorf("list mutations failed: %w", err)
	}
	return collectMutations(rows)
}

func (s *SQLiteStore) CountMutations(ctx context.Context, status models.MutationStatus) (int, error) {
	var n int
	var err error
	if status == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue WHERE status = ?`, string(status)).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("count mutations failed: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) MarkMutationSyncing(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sync_queue SET status = 'syncing' WHERE id = ? AND status = 'pending'`, id)
	if err != nil {
		return fmt.Errorf("mark mutation syncing failed: %w", err)
	}
	return expectOneRow(result, id, "mark mutation syncing")
}

func (s *SQLiteStore) MarkMutationSynced(ctx context.Context, id int64, syncedAt time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sync_queue SET status = 'synced', synced_at = ?, error_message = NULL WHERE id = ? AND status = 'syncing'`,
		models.UnixMilli(syncedAt), id)
	if err != nil {
		return fmt.Errorf("mark mutation synced failed: %w", err)
	}
	return expectOneRow(result, id, "mark mutation synced")
}

func (s *SQLiteStore) FailMutation(ctx context.Context, id int64, errMsg string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sync_queue SET status = 'pending', retry_count = retry_count + 1, error_message = ? WHERE id = ? AND status = 'syncing'`,
		errMsg, id)
	if err != nil {
		return fmt.Errorf("fail mutation failed: %w", err)
	}
	return expectOneRow(result, id, "fail mutation")
}

func (s *SQLiteStore) DeleteSyncedMutations(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM sync_queue WHERE status = 'synced' AND synced_at IS NOT NULL AND synced_at < ?`,
		models.UnixMilli(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete synced mutations failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Debug("SQLiteStore.DeleteSyncedMutations", "deleted", n)
	}
	return int(n), nil
}

func (s *SQLiteStore) RequeueSyncingMutations(ctx context.Context) (int, error) {
	result, err := s.db.ExecContext(ctx, `UPDATE sync_queue SET status = 'pending' WHERE status = 'syncing'`)
	if err != nil {
		return 0, fmt.Errorf("requeue syncing mutations failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("SQLiteStore.RequeueSyncingMutations", "requeued", n)
	}
	return int(n), nil
}
