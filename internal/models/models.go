// Package models defines the core data structures for FieldSync.
//
// It includes the queued mutation record, reference-data items and cache metadata,
// which are shared by the store, the sync queue and the reference cache.
package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// MutationStatus is the lifecycle state of a queued mutation.
type MutationStatus string

const (
	// MutationStatusPending is waiting for the next replay pass.
	MutationStatusPending MutationStatus = "pending"
	// MutationStatusSyncing is being sent by the current replay pass.
	MutationStatusSyncing MutationStatus = "syncing"
	// MutationStatusSynced has been delivered. Terminal.
	MutationStatusSynced MutationStatus = "synced"
)

// IsValidMutationStatus checks if the given status is one of the known lifecycle states.
func IsValidMutationStatus(s MutationStatus) bool {
	switch s {
	case MutationStatusPending, MutationStatusSyncing, MutationStatusSynced:
		return true
	default:
		return false
	}
}

// Error variables for validation
var (
	ErrEmptyURL          = errors.New("mutation url cannot be empty")
	ErrEmptyMethod       = errors.New("mutation method cannot be empty")
	ErrInvalidStatus     = errors.New("invalid mutation status")
	ErrEmptyCollection   = errors.New("collection name cannot be empty")
	ErrMissingItemValue  = errors.New("reference item has no value")
	ErrInvalidItemFormat = errors.New("reference item must be a JSON object")
)

// QueuedMutation is one state-changing RPC call held for later delivery.
type QueuedMutation struct {
	ID           int64           `json:"id"`
	URL          string          `json:"url"`
	Method       string          `json:"rpcMethod"`
	Params       json.RawMessage `json:"params,omitempty"`
	Status       MutationStatus  `json:"status"`
	CreatedAt    time.Time       `json:"createdAt"`
	SyncedAt     *time.Time      `json:"syncedAt"`
	RetryCount   int             `json:"retryCount"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	RequestID    string          `json:"requestId,omitempty"`
}

// Validate checks the fields required before a mutation can be persisted.
func (m *QueuedMutation) Validate() error {
	if m.URL == "" {
		return ErrEmptyURL
	}
	if m.Method == "" {
		return ErrEmptyMethod
	}
	if m.Status != "" && !IsValidMutationStatus(m.Status) {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, m.Status)
	}
	return nil
}

// SyncResult counts the outcome of one replay pass.
type SyncResult struct {
	Synced int `json:"synced"`
	Failed int `json:"failed"`
}

// Total returns the number of items attempted so far.
func (r SyncResult) Total() int {
	return r.Synced + r.Failed
}

// ReferenceItem is one entry of a reference collection (materials, units, positions, ...).
// Only Value and Label are interpreted; Raw keeps the full object as received.
type ReferenceItem struct {
	Value string          `json:"value"`
	Label string          `json:"label"`
	Raw   json.RawMessage `json:"-"`
}

// UnmarshalJSON accepts any object carrying a "value" (string or number) and a "label".
func (i *ReferenceItem) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		return ErrInvalidItemFormat
	}
	rawValue, ok := fields["value"]
	if !ok || bytes.Equal(rawValue, []byte("null")) {
		return ErrMissingItemValue
	}
	value, err := scalarString(rawValue)
	if err != nil {
		return fmt.Errorf("reference item value: %w", err)
	}
	var label string
	if rawLabel, ok := fields["label"]; ok {
		label, _ = scalarString(rawLabel)
	}
	i.Value = value
	i.Label = label
	i.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// MarshalJSON returns the original object when it is known.
func (i ReferenceItem) MarshalJSON() ([]byte, error) {
	if len(i.Raw) > 0 {
		return i.Raw, nil
	}
	return json.Marshal(struct {
		Value string `json:"value"`
		Label string `json:"label"`
	}{i.Value, i.Label})
}

func scalarString(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&n); err == nil {
		return n.String(), nil
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return strconv.FormatBool(b), nil
	}
	return "", fmt.Errorf("unsupported scalar %s", string(raw))
}

// CacheMeta records when a reference collection was last refreshed from the network.
type CacheMeta struct {
	Key       string    `json:"key"`
	UpdatedAt time.Time `json:"updatedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Fresh reports whether the collection may be served without a network attempt.
func (m *CacheMeta) Fresh(now time.Time) bool {
	return m != nil && now.Before(m.ExpiresAt)
}

// UnixMilli converts t to epoch milliseconds, the storage format for timestamps.
func UnixMilli(t time.Time) int64 {
	return t.UnixMilli()
}

// FromUnixMilli converts epoch milliseconds back to a UTC time.
func FromUnixMilli(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
