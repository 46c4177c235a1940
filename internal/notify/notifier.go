// Package notify routes surfaced errors and status messages to the user.
// Timeouts are logged only; every other failure raises a toast and an
// error log entry. All methods are nil-safe: a nil *Notifier only logs.
package notify

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/workspace/acp-engine/internal/recovery"
)

// Level is the severity of a notification.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notification is one user-visible message.
type Notification struct {
	Level     Level
	Title     string
	Message   string
	Toast     bool
	AgentID   string
	Class     recovery.Class
	Timestamp time.Time
}

// Config holds configuration for the notifier.
type Config struct {
	MaxHistory int // notifications kept for History (default: 100)
}

// Notifier delivers notifications to a sink and keeps recent history.
type Notifier struct {
	config Config
	sink   func(Notification)

	mu      sync.Mutex
	history []Notification
}

// New creates a Notifier. sink receives toasts; it may be nil.
func New(sink func(Notification), cfg Config) *Notifier {
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 100
	}
	return &Notifier{config: cfg, sink: sink, history: make([]Notification, 0, cfg.MaxHistory)}
}

// Error reports a failed operation. It returns the notification it produced.
func (n *Notifier) Error(agentID, title string, err error) Notification {
	if err == nil {
		err = errors.New("unknown error")
	}
	class := recovery.Classify(err)
	note := Notification{
		Level:     LevelError,
		Title:     title,
		Message:   err.Error(),
		Toast:     true,
		AgentID:   agentID,
		Class:     class,
		Timestamp: time.Now().UTC(),
	}
	if class == recovery.ClassTimeout {
		note.Level = LevelWarning
		note.Toast = false
		slog.Warn(title, "agentId", agentID, "class", class, "error", err)
	} else {
		slog.Error(title, "agentId", agentID, "class", class, "error", err)
	}
	n.deliver(note)
	return note
}

// Info raises an informational toast.
func (n *Notifier) Info(agentID, title, message string) {
	slog.Info(title, "agentId", agentID, "message", message)
	n.deliver(Notification{Level: LevelInfo, Title: title, Message: message, Toast: true, AgentID: agentID, Timestamp: time.Now().UTC()})
}

// Warn raises a warning toast.
func (n *Notifier) Warn(agentID, title, message string) {
	slog.Warn(title, "agentId", agentID, "message", message)
	n.deliver(Notification{Level: LevelWarning, Title: title, Message: message, Toast: true, AgentID: agentID, Timestamp: time.Now().UTC()})
}

func (n *Notifier) deliver(note Notification) {
	if n == nil {
		return
	}
	n.mu.Lock()
	if len(n.history) >= n.config.MaxHistory {
		n.history = append(n.history[:0], n.history[1:]...)
	}
	n.history = append(n.history, note)
	sink := n.sink
	n.mu.Unlock()

	if note.Toast && sink != nil {
		sink(note)
	}
}

// History returns the retained notifications, oldest first.
func (n *Notifier) History() []Notification {
	if n == nil {
		return nil
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification(nil), n.history...)
}

// Toasts returns how many retained notifications were shown as toasts.
func (n *Notifier) Toasts() int {
	if n == nil {
		return 0
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, note := range n.history {
		if note.Toast {
			count++
		}
	}
	return count
}
