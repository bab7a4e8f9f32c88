package notifier

import (
	"context"
	"time"

	"haulnotify/internal/alert"
)

// Config controls the async delivery pipeline.
type Config struct {
	Enabled       bool
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration

	// Kinds limits mirroring to these kinds. Empty means all.
	Kinds []alert.Kind
}

// Sender delivers one notification to the external channel.
type Sender interface {
	Name() string
	Send(ctx context.Context, n alert.Queued) error
}

// Actions are the queue operations a channel may offer as replies, such as
// inline buttons under a mirrored message.
type Actions interface {
	MarkRead(id string) bool
	Dismiss(id string) bool
}

type HistoryItem struct {
	At    time.Time `json:"at"`
	ID    string    `json:"id"`
	Title string    `json:"title"`
}

// NotificationEvent is emitted on the event bus for delivery lifecycle
// events.
type NotificationEvent struct {
	Channel   string    `json:"channel"`
	ID        string    `json:"id"`
	ThreadKey string    `json:"thread_key,omitempty"`
	At        time.Time `json:"at"`
	Error     string    `json:"error,omitempty"`
}
