package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/FieldSync/internal/models"
)

func (s *SQLiteStore) GetCacheMeta(ctx context.Context, key string) (*models.CacheMeta, error) {
	var updatedAt, expiresAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT updated_at, expires_at FROM cache_meta WHERE key = ?`, key,
	).Scan(&updatedAt, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cache meta failed: %w", err)
	}
	return &models.CacheMeta{
		Key:       key,
		UpdatedAt: models.FromUnixMilli(updatedAt),
		ExpiresAt: models.FromUnixMilli(expiresAt),
	}, nil
}

func (s *SQLiteStore) ListCacheMeta(ctx context.Context) ([]models.CacheMeta, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, updated_at, expires_at FROM cache_meta ORDER BY key ASC`)
	if err != nil {
		return nil, fmt.Errorf("list cache meta failed: %w", err)
	}
	return collectCacheMeta(rows)
}

func (s *SQLiteStore) ListReferenceItems(ctx context.Context, collection string) ([]models.ReferenceItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT value, label, data FROM reference_items WHERE collection = ? ORDER BY position ASC`, collection)
	if err != nil {
		return nil, fmt.Errorf("list reference items failed: %w", err)
	}
	return collectReferenceItems(rows)
}

func (s *SQLiteStore) ReplaceReferenceItems(ctx context.Context, collection string, items []models.ReferenceItem, meta models.CacheMeta) error {
	if collection == "" {
		return models.ErrEmptyCollection
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("replace reference items: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	if _, err := tx.ExecContext(ctx, `DELETE FROM reference_items WHERE collection = ?`, collection); err != nil {
		return fmt.Errorf("replace reference items: clear: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO reference_items (collection, value, label, data, position) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(collection, value) DO UPDATE SET label = excluded.label, data = excluded.data, position = excluded.position`)
	if err != nil {
		return fmt.Errorf("replace reference items: prepare: %w", err)
	}
	defer stmt.Close()

	for pos, item := range items {
		data, err := itemData(item)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, collection, item.Value, item.Label, data, pos); err != nil {
			return fmt.Errorf("replace reference items: insert %q: %w", item.Value, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO cache_meta (key, updated_at, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET updated_at = excluded.updated_at, expires_at = excluded.expires_at`,
		collection, models.UnixMilli(meta.UpdatedAt), models.UnixMilli(meta.ExpiresAt),
	); err != nil {
		return fmt.Errorf("replace reference items: write meta: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("replace reference items: commit: %w", err)
	}
	slog.Debug("SQLiteStore.ReplaceReferenceItems", "collection", collection, "count", len(items))
	return nil
}
