package wizard

import (
	"sync"
	"sync/atomic"
	"time"

	"reportbot/internal/report"
	"reportbot/internal/subscription"
)

type Step int

const (
	ChoosingPeriodicity Step = iota + 1
	ChoosingWeekday
	ChoosingDayOfMonth
	ChoosingTimezone
	ChoosingTime
	ChoosingReportParameters
	Completed
)

var stepNames = map[Step]string{
	ChoosingPeriodicity:      "periodicity",
	ChoosingWeekday:          "weekday",
	ChoosingDayOfMonth:       "day_of_month",
	ChoosingTimezone:         "timezone",
	ChoosingTime:             "time",
	ChoosingReportParameters: "report",
	Completed:                "completed",
}

func (s Step) String() string {
	if n, ok := stepNames[s]; ok {
		return n
	}
	return "unknown"
}

// Session is one owner's in-progress configuration. Values entered on a
// step survive back-navigation.
type Session struct {
	mu sync.Mutex

	OwnerID     int64
	Step        Step
	Periodicity subscription.Periodicity
	Weekday     *subscription.Weekday
	DayOfMonth  *int
	Offset      *int
	Time        *subscription.TimeOfDay
	Report      *report.Descriptor

	// pendingSave is set when the final save hit a storage outage; the next
	// input from the owner retries it.
	pendingSave bool
	touched     atomic.Int64 // unix nanos; read by Sweep without mu
}

func (s *Session) touch(t time.Time) { s.touched.Store(t.UnixNano()) }

func (s *Session) idleSince() time.Time { return time.Unix(0, s.touched.Load()) }

// applies reports whether st is part of this session's path.
func (s *Session) applies(st Step) bool {
	switch st {
	case ChoosingWeekday:
		return s.Periodicity == subscription.Weekly
	case ChoosingDayOfMonth:
		return s.Periodicity == subscription.Monthly
	default:
		return st >= ChoosingPeriodicity && st <= Completed
	}
}

func (s *Session) next() Step {
	for st := s.Step + 1; st <= Completed; st++ {
		if s.applies(st) {
			return st
		}
	}
	return Completed
}

func (s *Session) prev() Step {
	for st := s.Step - 1; st >= ChoosingPeriodicity; st-- {
		if s.applies(st) {
			return st
		}
	}
	return ChoosingPeriodicity
}

func (s *Session) subscription() subscription.Subscription {
	sub := subscription.Subscription{
		OwnerID:     s.OwnerID,
		Periodicity: s.Periodicity,
		Weekday:     s.Weekday,
		DayOfMonth:  s.DayOfMonth,
		Active:      true,
	}
	if s.Offset != nil {
		sub.TZOffset = *s.Offset
	}
	if s.Time != nil {
		sub.Time = *s.Time
	}
	if s.Report != nil {
		sub.Report = *s.Report
	}
	return sub
}
