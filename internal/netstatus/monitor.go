// Package netstatus tracks connectivity. The Monitor exposes the current online state and an
// edge flag that is raised when the device comes back online after being offline, which the
// sync manager consumes as its replay trigger.
package netstatus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrAlreadyAttached is returned by Attach when a source is already attached.
var ErrAlreadyAttached = errors.New("a connectivity source is already attached")

// Transition is emitted on every change of the online state.
type Transition struct {
	Online     bool `json:"online"`
	WasOffline bool `json:"wasOffline"`
}

// Source reports connectivity changes until ctx is cancelled.
type Source interface {
	Run(ctx context.Context, report func(online bool)) error
}

// subscriberBuffer bounds how many transitions a slow subscriber can fall behind.
const subscriberBuffer = 16

// Monitor holds isOnline and wasOffline.
type Monitor struct {
	mu         sync.Mutex
	online     bool
	wasOffline bool
	nextID     int
	subs       map[int]chan Transition

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor creates a monitor with the given initial state.
func NewMonitor(online bool) *Monitor {
	return &Monitor{online: online, subs: make(map[int]chan Transition)}
}

// Online reports the current state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// WasOffline reports whether the device came back online and no sync has reacted yet.
func (m *Monitor) WasOffline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.wasOffline
}

// ConsumeWasOffline clears the edge flag and returns its previous value.
func (m *Monitor) ConsumeWasOffline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	was := m.wasOffline
	m.wasOffline = false
	return was
}

// HandleOnline records an online event. Coming back from offline raises wasOffline.
func (m *Monitor) HandleOnline() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.online {
		return
	}
	m.wasOffline = true
	m.online = true
	slog.Info("Monitor.HandleOnline: connection restored")
	m.emitLocked()
}

// HandleOffline records an offline event.
func (m *Monitor) HandleOffline() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.online {
		return
	}
	m.online = false
	slog.Warn("Monitor.HandleOffline: connection lost")
	m.emitLocked()
}

// Set dispatches to HandleOnline or HandleOffline.
func (m *Monitor) Set(online bool) {
	if online {
		m.HandleOnline()
	} else {
		m.HandleOffline()
	}
}

// Subscribe returns a channel of transitions and a cancel func that closes it.
func (m *Monitor) Subscribe() (<-chan Transition, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	ch := make(chan Transition, subscriberBuffer)
	m.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if sub, ok := m.subs[id]; ok {
				delete(m.subs, id)
				close(sub)
			}
		})
	}
}

func (m *Monitor) emitLocked() {
	t := Transition{Online: m.online, WasOffline: m.wasOffline}
	for _, ch := range m.subs {
		select {
		case ch <- t:
		default:
			// Drop the oldest transition so the newest state is never lost.
			select {
			case <-ch:
			default:
			}
			ch <- t
		}
	}
}

// Attach starts src and feeds its reports into the monitor until Detach or ctx ends.
func (m *Monitor) Attach(ctx context.Context, src Source) error {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return ErrAlreadyAttached
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done
	m.mu.Unlock()

	go func() {
		defer close(done)
		if err := src.Run(runCtx, m.Set); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("Monitor.Attach: connectivity source stopped", "error", err)
		}
	}()
	slog.Debug("Monitor.Attach: source attached")
	return nil
}

// Detach stops the attached source and waits for it to return.
func (m *Monitor) Detach() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	slog.Debug("Monitor.Detach: source detached")
}
