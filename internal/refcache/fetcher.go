package refcache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/FieldSync/internal/models"
	"github.com/BTreeMap/FieldSync/internal/rpc"
)

// Source describes the RPC call that loads a collection.
type Source struct {
	URL    string
	Method string
	Params json.RawMessage
}

// RPCFetcher returns a FetchFunc that calls src through caller and decodes the result.
// Reads are never mutations, so the interceptor passes them straight through.
func RPCFetcher(caller rpc.Caller, src Source) FetchFunc {
	return func(ctx context.Context) ([]models.ReferenceItem, error) {
		resp, err := caller.Call(ctx, rpc.Request{URL: src.URL, Method: src.Method, Params: src.Params}, rpc.CallModeOriginal)
		if err != nil {
			return nil, err
		}
		if err := resp.Err(); err != nil {
			return nil, err
		}
		return DecodeItems(resp.Result)
	}
}

// DecodeItems accepts a bare array of items or an object with a "records" array.
// Items without a value are skipped.
func DecodeItems(result json.RawMessage) ([]models.ReferenceItem, error) {
	trimmed := bytes.TrimSpace(result)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	var raw []json.RawMessage
	switch trimmed[0] {
	case '[':
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return nil, fmt.Errorf("decode reference list: %w", err)
		}
	case '{':
		var wrapper struct {
			Records []json.RawMessage `json:"records"`
		}
		if err := json.Unmarshal(trimmed, &wrapper); err != nil {
			return nil, fmt.Errorf("decode reference records: %w", err)
		}
		raw = wrapper.Records
	default:
		return nil, fmt.Errorf("decode reference list: unexpected result %.40s", string(trimmed))
	}

	items := make([]models.ReferenceItem, 0, len(raw))
	for _, r := range raw {
		var item models.ReferenceItem
		if err := json.Unmarshal(r, &item); err != nil {
			if errors.Is(err, models.ErrMissingItemValue) {
				slog.Warn("DecodeItems: skipping item without value", "item", string(r))
				continue
			}
			return nil, fmt.Errorf("decode reference item: %w", err)
		}
		items = append(items, item)
	}
	return items, nil
}
