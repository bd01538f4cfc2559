package storage

import (
	"fmt"
	"time"

	"reportbot/internal/report"
	"reportbot/internal/subscription"
)

// record is the flat, storage-facing shape of a subscription. Enum values
// are stored by name so rows stay readable and survive reordering.
type record struct {
	ID          string `json:"id"`
	OwnerID     int64  `json:"owner_id"`
	Identity    string `json:"identity_key"`
	Periodicity string `json:"periodicity"`
	Weekday     *int   `json:"weekday,omitempty"`
	DayOfMonth  *int   `json:"day_of_month,omitempty"`
	TimeOfDay   string `json:"time_of_day"`
	TZOffset    int    `json:"timezone_offset"`
	ReportType  string `json:"report_type"`
	Department  string `json:"department"`
	Window      string `json:"period_window"`
	Format      string `json:"output_format"`
	Active      bool   `json:"active"`
	CreatedAt   int64  `json:"created_at"`
	UpdatedAt   int64  `json:"updated_at"`
}

func toRecord(s subscription.Subscription) record {
	r := record{
		ID:          s.ID,
		OwnerID:     s.OwnerID,
		Identity:    s.IdentityKey(),
		Periodicity: s.Periodicity.String(),
		DayOfMonth:  s.DayOfMonth,
		TimeOfDay:   s.Time.String(),
		TZOffset:    s.TZOffset,
		ReportType:  s.Report.Kind.String(),
		Department:  s.Report.Department,
		Window:      s.Report.Window.String(),
		Format:      s.Report.Format.String(),
		Active:      s.Active,
		CreatedAt:   s.CreatedAt.UnixMilli(),
		UpdatedAt:   s.UpdatedAt.UnixMilli(),
	}
	if s.Weekday != nil {
		w := int(*s.Weekday)
		r.Weekday = &w
	}
	return r
}

func (r record) subscription() (subscription.Subscription, error) {
	p, err := subscription.ParsePeriodicity(r.Periodicity)
	if err != nil {
		return subscription.Subscription{}, fmt.Errorf("row %s: %w", r.ID, err)
	}
	tod, err := subscription.ParseTimeOfDay(r.TimeOfDay)
	if err != nil {
		return subscription.Subscription{}, fmt.Errorf("row %s: %w", r.ID, err)
	}
	kind, err := report.ParseKind(r.ReportType)
	if err != nil {
		return subscription.Subscription{}, fmt.Errorf("row %s: %w", r.ID, err)
	}
	win, err := report.ParseWindow(r.Window)
	if err != nil {
		return subscription.Subscription{}, fmt.Errorf("row %s: %w", r.ID, err)
	}
	format, err := report.ParseFormat(r.Format)
	if err != nil {
		return subscription.Subscription{}, fmt.Errorf("row %s: %w", r.ID, err)
	}
	s := subscription.Subscription{
		ID:          r.ID,
		OwnerID:     r.OwnerID,
		Periodicity: p,
		DayOfMonth:  r.DayOfMonth,
		Time:        tod,
		TZOffset:    r.TZOffset,
		Report:      report.Descriptor{Kind: kind, Department: r.Department, Window: win, Format: format},
		Active:      r.Active,
		CreatedAt:   time.UnixMilli(r.CreatedAt),
		UpdatedAt:   time.UnixMilli(r.UpdatedAt),
	}
	if r.Weekday != nil {
		s.Weekday = subscription.WeekdayPtr(subscription.Weekday(*r.Weekday))
	}
	return s, nil
}

type attemptRecord struct {
	SubscriptionID string `json:"subscription_id"`
	OwnerID        int64  `json:"owner_id"`
	FiredAt        int64  `json:"fired_at"`
	FinishedAt     int64  `json:"finished_at"`
	Outcome        string `json:"outcome"`
	Error          string `json:"err,omitempty"`
}

func toAttemptRecord(a subscription.Attempt) attemptRecord {
	return attemptRecord{
		SubscriptionID: a.SubscriptionID,
		OwnerID:        a.OwnerID,
		FiredAt:        a.FiredAt.UnixMilli(),
		FinishedAt:     a.FinishedAt.UnixMilli(),
		Outcome:        string(a.Outcome),
		Error:          a.Error,
	}
}

func (r attemptRecord) attempt() subscription.Attempt {
	return subscription.Attempt{
		SubscriptionID: r.SubscriptionID,
		OwnerID:        r.OwnerID,
		FiredAt:        time.UnixMilli(r.FiredAt),
		FinishedAt:     time.UnixMilli(r.FinishedAt),
		Outcome:        subscription.Outcome(r.Outcome),
		Error:          r.Error,
	}
}
