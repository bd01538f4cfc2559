package eventbus

import "time"

const (
	TypeSubscriptionSaved   = "subscription.saved"
	TypeSubscriptionRemoved = "subscription.removed"
	TypeSubscriptionFired   = "subscription.fired"
	TypeDeliveryAttempt     = "delivery.attempt"
	TypeJobsChanged         = "scheduler.jobs"
	TypeWizardSessions      = "wizard.sessions"
)

type SubscriptionSaved struct {
	SubscriptionID string
	OwnerID        int64
	Scheduled      bool
}

type SubscriptionRemoved struct {
	SubscriptionID string
	OwnerID        int64
}

type SubscriptionFired struct {
	SubscriptionID string
	At             time.Time
}

type DeliveryAttempt struct {
	SubscriptionID string
	OwnerID        int64
	Outcome        string
	Report         string
	GenerateTook   time.Duration
	Took           time.Duration
}

// Gauge carries an absolute count (scheduled jobs, open sessions).
type Gauge struct {
	Value int
}
