package notifier

import (
	"context"
	"time"

	"reportbot/internal/transport"
)

// Config controls the async notice pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

// Notice is a short failure message for a subscription owner.
type Notice struct {
	OwnerID        int64
	SubscriptionID string
	// Reason groups notices for dedup (for example "auth_expired").
	Reason string
	Text   string
}

// Sender is the part of the chat adapter the notifier needs.
type Sender interface {
	SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error)
}

// DedupStore persists suppression windows across restarts.
type DedupStore interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (time.Time, bool, error)
}

const (
	TypeQueued  = "notifier.queued"
	TypeDeduped = "notifier.deduped"
	TypeDropped = "notifier.dropped"
	TypeSent    = "notifier.sent"
	TypeFailed  = "notifier.failed"
)

// NoticeEvent is published on the event bus for notifier lifecycle events.
type NoticeEvent struct {
	OwnerID        int64  `json:"owner_id"`
	SubscriptionID string `json:"subscription_id"`
	Reason         string `json:"reason"`
	Error          string `json:"error,omitempty"`
}
