package syncmanager

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Retry loop defaults.
const (
	DefaultRetryInitial = 10 * time.Second
	DefaultRetryMax     = 10 * time.Minute
)

// OnlineChecker reports the current connectivity.
type OnlineChecker interface {
	Online() bool
}

// PendingSource reports how many mutations are waiting. *syncqueue.PendingCounter satisfies it.
type PendingSource interface {
	Value() int
}

// RetryLoop replays mutations that failed while the device stayed online. Reconnection
// cycles only fire on an offline to online edge. Retry passes only replay: the reference
// cache refresh and synced-row cleanup stay with full cycles and the scheduler.
type RetryLoop struct {
	manager *Manager
	network OnlineChecker
	pending PendingSource
	initial time.Duration
	max     time.Duration
}

// NewRetryLoop creates a retry loop. Non-positive intervals fall back to the defaults.
func NewRetryLoop(m *Manager, network OnlineChecker, pending PendingSource, initial, maxDelay time.Duration) *RetryLoop {
	if initial <= 0 {
		initial = DefaultRetryInitial
	}
	if maxDelay < initial {
		maxDelay = DefaultRetryMax
		if maxDelay < initial {
			maxDelay = initial
		}
	}
	return &RetryLoop{manager: m, network: network, pending: pending, initial: initial, max: maxDelay}
}

// Run polls until ctx is cancelled. The delay doubles after every pass that leaves mutations
// pending and resets once the queue drains or the device goes offline.
func (r *RetryLoop) Run(ctx context.Context) error {
	slog.Info("RetryLoop.Run: starting retry loop", "initial", r.initial, "max", r.max)

	delay := r.initial
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("RetryLoop.Run: stopping")
			return ctx.Err()
		case <-timer.C:
			if r.poll(ctx) {
				delay = r.next(delay)
			} else {
				delay = r.initial
			}
			timer.Reset(delay)
		}
	}
}

// poll runs one quiet cycle when there is work to do. It reports whether mutations are still
// pending afterwards.
func (r *RetryLoop) poll(ctx context.Context) bool {
	if !r.network.Online() || r.pending.Value() == 0 {
		return false
	}

	slog.Debug("RetryLoop.poll: retrying pending mutations", "pending", r.pending.Value())
	result, err := r.manager.cycle(ctx, trigger{replayOnly: true})
	switch {
	case errors.Is(err, ErrSyncInProgress):
		slog.Debug("RetryLoop.poll: cycle already running")
	case err != nil:
		slog.Error("RetryLoop.poll: retry cycle failed", "error", err)
	default:
		slog.Info("RetryLoop.poll: retry cycle finished", "synced", result.Synced, "failed", result.Failed)
	}
	return r.pending.Value() > 0
}

// next doubles d up to the configured maximum: 10s, 20s, 40s and so on.
func (r *RetryLoop) next(d time.Duration) time.Duration {
	d *= 2
	if d > r.max {
		return r.max
	}
	return d
}
