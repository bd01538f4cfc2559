package trigger

import (
	"time"

	"github.com/robfig/cron/v3"

	"reportbot/internal/subscription"
)

// Spec is a compiled trigger in the reference timezone. It implements
// cron.Schedule and is comparable with ==.
type Spec struct {
	periodicity subscription.Periodicity
	hour        int
	minute      int
	dayShift    int // reference date minus owner date: -1, 0 or +1
	dayOfMonth  int // owner-local, Monthly only
	expr        string
	loc         *time.Location
	cron        cron.SpecSchedule
}

var _ cron.Schedule = Spec{}

func (s Spec) IsZero() bool { return s.expr == "" }

// String is the cron expression in the reference zone. Monthly specs use
// a non-standard "L<day><shift>" day-of-month field for display only.
func (s Spec) String() string { return s.expr }

func (s Spec) Periodicity() subscription.Periodicity { return s.periodicity }

// Hour and Minute are in the reference timezone.
func (s Spec) Hour() int   { return s.hour }
func (s Spec) Minute() int { return s.minute }

func (s Spec) DayShift() int { return s.dayShift }

func (s Spec) Location() *time.Location { return s.loc }

// Next returns the first firing strictly after t, or the zero time.
func (s Spec) Next(t time.Time) time.Time {
	if s.IsZero() {
		return time.Time{}
	}
	if s.periodicity == subscription.Monthly {
		return s.nextMonthly(t)
	}
	return s.cron.Next(t)
}

// nextMonthly walks owner-local months. A day past the end of a month is
// clamped to the month's last day, then moved by dayShift into the
// reference calendar.
func (s Spec) nextMonthly(t time.Time) time.Time {
	ref := t.In(s.loc)
	y, m, _ := ref.Date()
	for i := -1; i <= 12; i++ {
		first := time.Date(y, m+time.Month(i), 1, 0, 0, 0, 0, s.loc)
		day := min(s.dayOfMonth, daysIn(first.Year(), first.Month()))
		at := time.Date(first.Year(), first.Month(), day+s.dayShift, s.hour, s.minute, 0, 0, s.loc)
		if at.After(t) {
			return at.In(t.Location())
		}
	}
	return time.Time{}
}

func daysIn(y int, m time.Month) int {
	return time.Date(y, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
