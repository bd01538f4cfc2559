package subscription

import "time"

type Outcome string

const (
	Delivered              Outcome = "delivered"
	ReportGenerationFailed Outcome = "report_generation_failed"
	DeliveryFailed         Outcome = "delivery_failed"
)

// Attempt is the record of one firing.
type Attempt struct {
	SubscriptionID string
	OwnerID        int64
	FiredAt        time.Time
	FinishedAt     time.Time
	Outcome        Outcome
	Error          string
}
