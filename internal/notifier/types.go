package notifier

import (
	"context"
	"time"
)

// Config controls notice delivery.
type Config struct {
	// Async queues notices and delivers them from workers instead of on the
	// caller's goroutine.
	Async      bool
	Workers    int
	QueueSize  int
	RatePerSec int

	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration

	// BreakerFailures consecutive failures open a room's breaker for
	// BreakerTimeout. Zero disables the breaker.
	BreakerFailures int
	BreakerTimeout  time.Duration
}

// Sender is the chat network. transport.Adapter satisfies it.
type Sender interface {
	SendText(ctx context.Context, room, text string) error
}

type HistoryItem struct {
	At   time.Time
	Room string
	Text string
}

// NotificationEvent is emitted on the event bus for notifier lifecycle events.
// Keep it small; Data may be logged/serialized by subscribers.
type NotificationEvent struct {
	Room     string    `json:"room"`
	At       time.Time `json:"at"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error,omitempty"`
}
