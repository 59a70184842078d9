// Package api serves the local FieldSync control API.
//
// A form front end talks to this API instead of the backends: RPC calls are routed through the
// offline interceptor, and the remaining endpoints expose queue, sync, cache and connectivity
// state. Connectivity can be driven through POST /network when no probe is configured.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/BTreeMap/FieldSync/internal/models"
	"github.com/BTreeMap/FieldSync/internal/notify"
	"github.com/BTreeMap/FieldSync/internal/refcache"
	"github.com/BTreeMap/FieldSync/internal/rpc"
	"github.com/BTreeMap/FieldSync/internal/syncmanager"
	"github.com/BTreeMap/FieldSync/internal/syncqueue"
)

const (
	// DefaultReadHeaderTimeout bounds slow clients.
	DefaultReadHeaderTimeout = 5 * time.Second
	// DefaultShutdownTimeout is how long in-flight requests get on shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// maxBodyBytes caps RPC request bodies.
	maxBodyBytes = 4 << 20
)

// QueueView is the read side of the sync queue.
type QueueView interface {
	List(ctx context.Context, status models.MutationStatus) ([]models.QueuedMutation, error)
	Stuck(ctx context.Context, minRetries int) ([]models.QueuedMutation, error)
	Pending() *syncqueue.PendingCounter
}

// SyncController starts sync cycles and reports their state.
type SyncController interface {
	SyncNow(ctx context.Context) (models.SyncResult, error)
	Status() syncmanager.Status
}

// ReferenceView serves reference collections.
type ReferenceView interface {
	Load(ctx context.Context, collection string) ([]models.ReferenceItem, error)
	Status(ctx context.Context) ([]refcache.CollectionStatus, error)
}

// NetworkView reports connectivity.
type NetworkView interface {
	Online() bool
	WasOffline() bool
}

// NetworkSetter accepts connectivity reports from the front end.
type NetworkSetter interface {
	Set(online bool)
}

// NotificationLog returns recent user notifications.
type NotificationLog interface {
	Recent() []notify.Notification
}

// Deps are the components the server exposes. Manual may be nil when a probe owns
// connectivity; Cache and Notifications may be nil as well.
type Deps struct {
	Caller        rpc.Caller
	Services      map[string]string
	Classifier    *rpc.Classifier
	Queue         QueueView
	Sync          SyncController
	Cache         ReferenceView
	Network       NetworkView
	Manual        NetworkSetter
	Notifications NotificationLog
	Notifier      notify.Notifier
	StuckRetries  int
}

// Server is the control API.
type Server struct {
	deps   Deps
	router chi.Router
}

// NewServer builds the router.
func NewServer(deps Deps) *Server {
	if deps.Notifier == nil {
		deps.Notifier = notify.SlogNotifier{}
	}
	if deps.Classifier == nil {
		deps.Classifier = rpc.DefaultClassifier
	}
	s := &Server{deps: deps}

	r := chi.NewRouter()
	r.Get("/health", s.healthHandler)
	r.Post("/rpc/{service}", s.rpcHandler)
	r.Get("/status", s.statusHandler)
	r.Get("/queue", s.queueHandler)
	r.Post("/sync", s.syncHandler)
	r.Get("/reference", s.referenceStatusHandler)
	r.Get("/reference/{collection}", s.referenceHandler)
	r.Get("/notifications", s.notificationsHandler)
	r.Post("/network", s.networkHandler)
	s.router = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.ListenAndServe: control API listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("control API failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	slog.Info("Server.ListenAndServe: shutting down control API")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("control API shutdown: %w", err)
	}
	return nil
}
