package storage

import (
	"context"
	"fmt"
	"time"

	"reportbot/internal/subscription"
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "postgres": PostgreSQL via DSN
//   - "file": dependency-free JSON snapshot + jsonl journals
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the durable source of truth for subscriptions.
//
// Every I/O failure is reported wrapped in subscription.ErrStorageUnavailable;
// missing rows are reported as subscription.ErrNotFound.
type Store interface {
	// Upsert inserts s or updates the row sharing (owner, report identity)
	// and returns the row id. s.ID is ignored.
	Upsert(ctx context.Context, s subscription.Subscription) (string, error)
	Get(ctx context.Context, id string) (subscription.Subscription, error)
	// Delete reports false when no row matched.
	Delete(ctx context.Context, id string) (bool, error)
	DeleteByOwner(ctx context.Context, ownerID int64) (int, error)
	SetActive(ctx context.Context, id string, active bool) (bool, error)
	ListActive(ctx context.Context) ([]subscription.Subscription, error)
	ListByOwner(ctx context.Context, ownerID int64) ([]subscription.Subscription, error)

	RecordAttempt(ctx context.Context, a subscription.Attempt) error
	// LastAttempts returns the newest attempt per subscription of one owner.
	LastAttempts(ctx context.Context, ownerID int64) (map[string]subscription.Attempt, error)

	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	Close() error
}

// attemptRetention bounds how long delivery attempts are kept.
const attemptRetention = 90 * 24 * time.Hour

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, subscription.ErrStorageUnavailable, err)
}
