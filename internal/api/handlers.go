// Package api provides HTTP handlers for the FieldSync control API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/BTreeMap/FieldSync/internal/models"
	"github.com/BTreeMap/FieldSync/internal/notify"
	"github.com/BTreeMap/FieldSync/internal/refcache"
	"github.com/BTreeMap/FieldSync/internal/rpc"
	"github.com/BTreeMap/FieldSync/internal/syncmanager"
)

// rpcCall is the body of POST /rpc/{service}.
type rpcCall struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// rpcHandler forwards a call through the offline interceptor. The reply is the upstream RPC
// envelope, or the synthetic queued result while offline.
func (s *Server) rpcHandler(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")
	base, ok := s.deps.Services[service]
	if !ok {
		slog.Warn("Server.rpcHandler: unknown service", "service", service)
		writeJSONResponse(w, http.StatusNotFound, rpc.Response{Error: &rpc.Error{Message: "unknown service " + strconv.Quote(service)}})
		return
	}

	var call rpcCall
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&call); err != nil {
		slog.Warn("Server.rpcHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, rpc.Response{Error: &rpc.Error{Message: "Invalid JSON format"}})
		return
	}
	if call.Method == "" {
		writeJSONResponse(w, http.StatusBadRequest, rpc.Response{Error: &rpc.Error{Message: "method is required"}})
		return
	}

	ctx := r.Context()
	resp, err := s.deps.Caller.Call(ctx, rpc.Request{URL: base, Method: call.Method, Params: call.Params}, rpc.CallModeOriginal)
	if err != nil {
		status := http.StatusBadGateway
		var statusErr *rpc.StatusError
		switch {
		case errors.As(err, &statusErr):
			status = statusErr.StatusCode
		case errors.Is(err, context.DeadlineExceeded):
			status = http.StatusGatewayTimeout
		}
		slog.Error("Server.rpcHandler: call failed", "service", service, "method", call.Method, "status", status, "error", err)
		writeJSONResponse(w, status, rpc.Response{Error: &rpc.Error{Message: err.Error()}})
		return
	}

	switch {
	case resp.Queued:
		notify.HandleSaveResult(ctx, s.deps.Notifier, true, resp.QueueID, "")
	case resp.Err() == nil && s.deps.Classifier.IsMutation(call.Method):
		notify.HandleSaveResult(ctx, s.deps.Notifier, false, 0, "")
	}

	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	slog.Debug("Server.rpcHandler: call completed", "service", service, "method", call.Method, "queued", resp.Queued, "status", status)
	writeJSONResponse(w, status, resp)
}

// statusView is the body of GET /status.
type statusView struct {
	Online     bool               `json:"online"`
	WasOffline bool               `json:"wasOffline"`
	State      syncmanager.State  `json:"state"`
	Pending    int                `json:"pending"`
	LastResult *models.SyncResult `json:"lastResult,omitempty"`
	LastSyncAt *time.Time         `json:"lastSyncAt,omitempty"`
	LastError  string             `json:"lastError,omitempty"`
}

func (s *Server) status() statusView {
	sync := s.deps.Sync.Status()
	return statusView{
		Online:     s.deps.Network.Online(),
		WasOffline: s.deps.Network.WasOffline(),
		State:      sync.State,
		Pending:    s.deps.Queue.Pending().Value(),
		LastResult: sync.LastResult,
		LastSyncAt: sync.LastSyncAt,
		LastError:  sync.LastError,
	}
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, success(s.status()))
}

// queueHandler lists queued mutations. ?status= filters by lifecycle state and ?stuck=true
// returns pending rows that reached the stuck retry threshold.
func (s *Server) queueHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	query := r.URL.Query()

	if stuck, _ := strconv.ParseBool(query.Get("stuck")); stuck {
		rows, err := s.deps.Queue.Stuck(ctx, s.deps.StuckRetries)
		if err != nil {
			slog.Error("Server.queueHandler: failed to list stuck mutations", "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, failure("Failed to list queue"))
			return
		}
		writeJSONResponse(w, http.StatusOK, success(nonNil(rows)))
		return
	}

	status := models.MutationStatus(query.Get("status"))
	if status != "" && !models.IsValidMutationStatus(status) {
		writeJSONResponse(w, http.StatusBadRequest, failure("status must be pending, syncing or synced"))
		return
	}
	rows, err := s.deps.Queue.List(ctx, status)
	if err != nil {
		slog.Error("Server.queueHandler: failed to list mutations", "status", status, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, failure("Failed to list queue"))
		return
	}
	writeJSONResponse(w, http.StatusOK, success(nonNil(rows)))
}

func nonNil(rows []models.QueuedMutation) []models.QueuedMutation {
	if rows == nil {
		return []models.QueuedMutation{}
	}
	return rows
}

// syncHandler forces a sync cycle and waits for it.
func (s *Server) syncHandler(w http.ResponseWriter, r *http.Request) {
	result, err := s.deps.Sync.SyncNow(r.Context())
	switch {
	case errors.Is(err, syncmanager.ErrSyncInProgress):
		writeJSONResponse(w, http.StatusConflict, failure("A sync is already in progress"))
	case err != nil:
		slog.Error("Server.syncHandler: sync failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, apiResponse{Status: StatusError, Message: err.Error(), Result: result})
	default:
		writeJSONResponse(w, http.StatusOK, success(result))
	}
}

func (s *Server) referenceStatusHandler(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cache == nil {
		writeJSONResponse(w, http.StatusOK, success([]refcache.CollectionStatus{}))
		return
	}
	statuses, err := s.deps.Cache.Status(r.Context())
	if err != nil {
		slog.Error("Server.referenceStatusHandler: failed to read cache status", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, failure("Failed to read cache status"))
		return
	}
	writeJSONResponse(w, http.StatusOK, success(statuses))
}

// referenceHandler serves a collection: fresh cache, then network, then stale cache.
func (s *Server) referenceHandler(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")
	if s.deps.Cache == nil {
		writeJSONResponse(w, http.StatusNotFound, failure("no reference collections configured"))
		return
	}
	items, err := s.deps.Cache.Load(r.Context(), collection)
	switch {
	case errors.Is(err, refcache.ErrUnknownCollection):
		writeJSONResponse(w, http.StatusNotFound, failure(err.Error()))
	case errors.Is(err, refcache.ErrNoData):
		slog.Warn("Server.referenceHandler: no data available", "collection", collection)
		writeJSONResponse(w, http.StatusServiceUnavailable, failure(err.Error()))
	case err != nil:
		slog.Error("Server.referenceHandler: load failed", "collection", collection, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, failure("Failed to load collection"))
	default:
		if items == nil {
			items = []models.ReferenceItem{}
		}
		writeJSONResponse(w, http.StatusOK, success(items))
	}
}

func (s *Server) notificationsHandler(w http.ResponseWriter, r *http.Request) {
	recent := []notify.Notification{}
	if s.deps.Notifications != nil {
		recent = append(recent, s.deps.Notifications.Recent()...)
	}
	writeJSONResponse(w, http.StatusOK, success(recent))
}

// networkHandler lets a front end report its own connectivity (browser online/offline events).
func (s *Server) networkHandler(w http.ResponseWriter, r *http.Request) {
	if s.deps.Manual == nil {
		writeJSONResponse(w, http.StatusConflict, failure("connectivity is driven by a probe"))
		return
	}
	var body struct {
		Online *bool `json:"online"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil || body.Online == nil {
		writeJSONResponse(w, http.StatusBadRequest, failure(`body must be {"online": true|false}`))
		return
	}
	slog.Info("Server.networkHandler: connectivity reported", "online", *body.Online)
	s.deps.Manual.Set(*body.Online)
	writeJSONResponse(w, http.StatusOK, success(s.status()))
}

// healthHandler provides a health check endpoint for monitoring
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"online":    s.deps.Network.Online(),
		"pending":   s.deps.Queue.Pending().Value(),
	})
}
