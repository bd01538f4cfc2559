package subscription

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"reportbot/internal/report"
)

type Periodicity int

const (
	PeriodicityUnknown Periodicity = iota
	Daily
	Workdays
	Weekly
	Monthly
)

var periodicityNames = [...]string{
	PeriodicityUnknown: "unknown",
	Daily:              "daily",
	Workdays:           "workdays",
	Weekly:             "weekly",
	Monthly:            "monthly",
}

func Periodicities() []Periodicity { return []Periodicity{Daily, Workdays, Weekly, Monthly} }

func (p Periodicity) Valid() bool { return p >= Daily && p <= Monthly }

func (p Periodicity) String() string {
	if !p.Valid() {
		return periodicityNames[PeriodicityUnknown]
	}
	return periodicityNames[p]
}

func ParsePeriodicity(s string) (Periodicity, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, p := range Periodicities() {
		if periodicityNames[p] == s {
			return p, nil
		}
	}
	return PeriodicityUnknown, fmt.Errorf("unknown periodicity %q", s)
}

// Weekday counts from Monday=0 to Sunday=6.
type Weekday int

const (
	Monday Weekday = iota
	Tuesday
	Wednesday
	Thursday
	Friday
	Saturday
	Sunday
)

var weekdayNames = [...]string{"Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday", "Sunday"}

func (w Weekday) Valid() bool { return w >= Monday && w <= Sunday }

func (w Weekday) String() string {
	if !w.Valid() {
		return "Weekday(" + strconv.Itoa(int(w)) + ")"
	}
	return weekdayNames[w]
}

// Std converts to time.Weekday (Sunday=0).
func (w Weekday) Std() time.Weekday { return time.Weekday((int(w) + 1) % 7) }

// TimeOfDay is a wall-clock time in the owner's timezone.
type TimeOfDay struct {
	Hour   int
	Minute int
}

func (t TimeOfDay) Valid() bool {
	return t.Hour >= 0 && t.Hour <= 23 && t.Minute >= 0 && t.Minute <= 59
}

func (t TimeOfDay) String() string { return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute) }

// ParseTimeOfDay accepts "HH:MM" (a single-digit hour is tolerated).
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || len(h) == 0 || len(h) > 2 || len(m) != 2 {
		return TimeOfDay{}, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	hour, err1 := strconv.Atoi(h)
	minute, err2 := strconv.Atoi(m)
	t := TimeOfDay{Hour: hour, Minute: minute}
	if err1 != nil || err2 != nil || !t.Valid() {
		return TimeOfDay{}, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	return t, nil
}

// Offset bounds, in whole hours relative to the reference timezone.
const (
	MinOffset = -12
	MaxOffset = 12
)

// Subscription is one owner's recurring delivery of one report.
type Subscription struct {
	ID          string
	OwnerID     int64
	Periodicity Periodicity
	Weekday     *Weekday // Weekly only
	DayOfMonth  *int     // Monthly only, 1..31
	Time        TimeOfDay
	TZOffset    int // hours relative to the reference timezone
	Report      report.Descriptor
	Active      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// IdentityKey is the logical identity used for upsert-by-identity per owner.
func (s Subscription) IdentityKey() string { return s.Report.Identity() }

// Normalize drops fields that do not apply to the periodicity.
func (s Subscription) Normalize() Subscription {
	if s.Periodicity != Weekly {
		s.Weekday = nil
	}
	if s.Periodicity != Monthly {
		s.DayOfMonth = nil
	}
	s.Report.Department = strings.ToLower(strings.TrimSpace(s.Report.Department))
	return s
}

// Validate checks field ranges and periodicity-dependent presence.
func (s Subscription) Validate() error {
	if s.OwnerID == 0 {
		return &ValidationError{Field: "owner_id", Message: "owner is required"}
	}
	if !s.Periodicity.Valid() {
		return &ValidationError{Field: "periodicity", Message: "choose daily, workdays, weekly or monthly"}
	}
	if s.Periodicity == Weekly && (s.Weekday == nil || !s.Weekday.Valid()) {
		return &ValidationError{Field: "weekday", Message: "weekday must be 0 (Monday) to 6 (Sunday)"}
	}
	if s.Periodicity == Monthly && (s.DayOfMonth == nil || *s.DayOfMonth < 1 || *s.DayOfMonth > 31) {
		return &ValidationError{Field: "day_of_month", Message: "enter a number from 1 to 31"}
	}
	if !s.Time.Valid() {
		return &ValidationError{Field: "time_of_day", Message: "time must be HH:MM"}
	}
	if s.TZOffset < MinOffset || s.TZOffset > MaxOffset {
		return &ValidationError{Field: "timezone_offset", Message: fmt.Sprintf("offset must be between %d and %+d hours", MinOffset, MaxOffset)}
	}
	if !s.Report.Kind.Valid() || !s.Report.Window.Valid() || !s.Report.Format.Valid() || s.Report.Department == "" {
		return &ValidationError{Field: "report", Message: "report parameters are incomplete"}
	}
	return nil
}

// ScheduleText renders the recurrence for humans, e.g. "weekly on Wednesday at 09:00 (UTC+3)".
func (s Subscription) ScheduleText(refName string) string {
	var b strings.Builder
	switch s.Periodicity {
	case Weekly:
		if s.Weekday != nil {
			fmt.Fprintf(&b, "weekly on %s", *s.Weekday)
		} else {
			b.WriteString("weekly")
		}
	case Monthly:
		if s.DayOfMonth != nil {
			fmt.Fprintf(&b, "monthly on day %d", *s.DayOfMonth)
		} else {
			b.WriteString("monthly")
		}
	default:
		b.WriteString(s.Periodicity.String())
	}
	fmt.Fprintf(&b, " at %s", s.Time)
	if s.TZOffset != 0 {
		fmt.Fprintf(&b, " (%s%+d)", refName, s.TZOffset)
	} else if refName != "" {
		fmt.Fprintf(&b, " (%s)", refName)
	}
	return b.String()
}

func WeekdayPtr(w Weekday) *Weekday { return &w }

func IntPtr(v int) *int { return &v }
