package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/BTreeMap/FieldSync/internal/models"
)

// mutationColumns is the column list shared by every sync_queue SELECT.
const mutationColumns = `id, url, rpc_method, params, status, created_at, synced_at, retry_count, error_message, request_id`

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// nilIfEmptyJSON stores absent params as NULL instead of an empty string.
func nilIfEmptyJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// scanMutation scans a QueuedMutation from a row.
func scanMutation(row rowScanner) (models.QueuedMutation, error) {
	var m models.QueuedMutation
	var params, errorMessage, requestID sql.NullString
	var syncedAt sql.NullInt64
	var createdAt int64
	var status string
	err := row.Scan(
		&m.ID, &m.URL, &m.Method, &params, &status, &createdAt, &syncedAt,
		&m.RetryCount, &errorMessage, &requestID,
	)
	if err != nil {
		return m, err
	}
	m.Status = models.MutationStatus(status)
	m.CreatedAt = models.FromUnixMilli(createdAt)
	if params.Valid {
		m.Params = json.RawMessage(params.String)
	}
	if syncedAt.Valid {
		t := models.FromUnixMilli(syncedAt.Int64)
		m.SyncedAt = &t
	}
	m.ErrorMessage = errorMessage.String
	m.RequestID = requestID.String
	return m, nil
}

// collectMutations drains rows into a slice, closing them when done.
func collectMutations(rows *sql.Rows) ([]models.QueuedMutation, error) {
	defer rows.Close()
	var out []models.QueuedMutation
	for rows.Next() {
		m, err := scanMutation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan mutation failed: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("mutation iteration failed: %w", err)
	}
	return out, nil
}

// collectReferenceItems drains (data) rows into reference items.
func collectReferenceItems(rows *sql.Rows) ([]models.ReferenceItem, error) {
	defer rows.Close()
	var out []models.ReferenceItem
	for rows.Next() {
		var value, label, data string
		if err := rows.Scan(&value, &label, &data); err != nil {
			return nil, fmt.Errorf("scan reference item failed: %w", err)
		}
		out = append(out, models.ReferenceItem{Value: value, Label: label, Raw: json.RawMessage(data)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reference item iteration failed: %w", err)
	}
	return out, nil
}

// collectCacheMeta drains (key, updated_at, expires_at) rows.
func collectCacheMeta(rows *sql.Rows) ([]models.CacheMeta, error) {
	defer rows.Close()
	var out []models.CacheMeta
	for rows.Next() {
		var key string
		var updatedAt, expiresAt int64
		if err := rows.Scan(&key, &updatedAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("scan cache meta failed: %w", err)
		}
		out = append(out, models.CacheMeta{
			Key:       key,
			UpdatedAt: models.FromUnixMilli(updatedAt),
			ExpiresAt: models.FromUnixMilli(expiresAt),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cache meta iteration failed: %w", err)
	}
	return out, nil
}

// itemData returns the JSON stored for an item, synthesising one when Raw is empty.
func itemData(item models.ReferenceItem) (string, error) {
	b, err := json.Marshal(item)
	if err != nil {
		return "", fmt.Errorf("encode reference item %q: %w", item.Value, err)
	}
	return string(b), nil
}

// expectOneRow maps a zero-row status update to ErrStaleMutation.
func expectOneRow(result sql.Result, id int64, op string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s id=%d: %w", op, id, ErrStaleMutation)
	}
	return nil
}
