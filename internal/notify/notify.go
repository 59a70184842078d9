// Package notify carries user-facing notifications from the offline layer to whatever UI is
// attached. A notification is a message, a severity and how long it should stay visible.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Severity of a notification.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Display durations.
const (
	DurationInfo    = 3 * time.Second
	DurationSuccess = 4 * time.Second
	DurationWarning = 5 * time.Second
)

// Notification is one user-facing message.
type Notification struct {
	Message  string        `json:"message" yaml:"message"`
	Severity Severity      `json:"severity" yaml:"severity"`
	Duration time.Duration `json:"-" yaml:"-"`
	// DurationMs mirrors Duration for JSON consumers.
	DurationMs int64     `json:"durationMs" yaml:"durationMs"`
	Time       time.Time `json:"time" yaml:"time"`
}

// Notifier accepts notifications.
type Notifier interface {
	Notify(ctx context.Context, message string, severity Severity, duration time.Duration)
}

// SlogNotifier writes notifications to the default slog logger.
type SlogNotifier struct{}

func (SlogNotifier) Notify(ctx context.Context, message string, severity Severity, duration time.Duration) {
	level := slog.LevelInfo
	switch severity {
	case SeverityWarning:
		level = slog.LevelWarn
	case SeverityError:
		level = slog.LevelError
	}
	slog.Log(ctx, level, "Notification: "+message, "severity", severity, "duration_ms", duration.Milliseconds())
}

// DefaultRecorderSize is the number of notifications a Recorder keeps.
const DefaultRecorderSize = 100

// Recorder keeps the most recent notifications in memory so a UI can poll them, and
// optionally forwards each one to another notifier.
type Recorder struct {
	mu    sync.Mutex
	items []Notification
	size  int
	next  Notifier
	now   func() time.Time
}

// NewRecorder creates a recorder holding up to size notifications. next may be nil.
func NewRecorder(size int, next Notifier) *Recorder {
	if size <= 0 {
		size = DefaultRecorderSize
	}
	return &Recorder{size: size, next: next, now: time.Now}
}

func (r *Recorder) Notify(ctx context.Context, message string, severity Severity, duration time.Duration) {
	r.mu.Lock()
	r.items = append(r.items, Notification{
		Message:    message,
		Severity:   severity,
		Duration:   duration,
		DurationMs: duration.Milliseconds(),
		Time:       r.now().UTC(),
	})
	if len(r.items) > r.size {
		r.items = append([]Notification(nil), r.items[len(r.items)-r.size:]...)
	}
	r.mu.Unlock()

	if r.next != nil {
		r.next.Notify(ctx, message, severity, duration)
	}
}

// Recent returns the recorded notifications, oldest first.
func (r *Recorder) Recent() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.items...)
}

// Default messages for save results.
const (
	DefaultSaveSuccessMessage = "Data saved successfully"
	SavedOfflineMessage       = "Data saved offline and will be sent when the connection is restored"
)

// SaveResult tells a form whether its save went to the server or into the queue.
type SaveResult struct {
	Offline bool  `json:"offline"`
	QueueID int64 `json:"queueId,omitempty"`
}

// HandleSaveResult notifies the user about a completed save. A queued save is reported as a
// warning so it is not mistaken for a confirmed write.
func HandleSaveResult(ctx context.Context, n Notifier, queued bool, queueID int64, successMessage string) SaveResult {
	if queued {
		n.Notify(ctx, SavedOfflineMessage, SeverityWarning, DurationSuccess)
		return SaveResult{Offline: true, QueueID: queueID}
	}
	if successMessage == "" {
		successMessage = DefaultSaveSuccessMessage
	}
	n.Notify(ctx, successMessage, SeveritySuccess, DurationInfo)
	return SaveResult{}
}
