// Package trigger turns an owner's recurrence (local wall clock + hour
// offset) into a schedule expressed in the reference timezone.
package trigger

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"reportbot/internal/subscription"
)

// Input is the recurrence as the owner described it.
type Input struct {
	Periodicity subscription.Periodicity
	Weekday     *subscription.Weekday
	DayOfMonth  *int
	Time        subscription.TimeOfDay
	Offset      int
}

func InputOf(s subscription.Subscription) Input {
	return Input{
		Periodicity: s.Periodicity,
		Weekday:     s.Weekday,
		DayOfMonth:  s.DayOfMonth,
		Time:        s.Time,
		Offset:      s.TZOffset,
	}
}

// Compiler is pure; it only needs the reference location.
type Compiler struct {
	loc    *time.Location
	parser cron.Parser
}

func NewCompiler(loc *time.Location) *Compiler {
	if loc == nil {
		loc = time.UTC
	}
	return &Compiler{
		loc:    loc,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

func (c *Compiler) Location() *time.Location { return c.loc }

func (c *Compiler) CompileSubscription(s subscription.Subscription) (Spec, error) {
	return c.Compile(InputOf(s))
}

// Compile validates in and produces a Spec. Identical inputs give == Specs.
func (c *Compiler) Compile(in Input) (Spec, error) {
	if !in.Time.Valid() {
		return Spec{}, invalid("time_of_day", "time must be HH:MM")
	}
	if in.Offset < subscription.MinOffset || in.Offset > subscription.MaxOffset {
		return Spec{}, invalid("timezone_offset", fmt.Sprintf("offset must be between %d and %+d hours", subscription.MinOffset, subscription.MaxOffset))
	}

	// Owner wall clock = reference wall clock + offset.
	mins := in.Time.Hour*60 + in.Time.Minute - in.Offset*60
	shift := 0
	switch {
	case mins < 0:
		mins += 24 * 60
		shift = -1
	case mins >= 24*60:
		mins -= 24 * 60
		shift = 1
	}
	sp := Spec{
		periodicity: in.Periodicity,
		hour:        mins / 60,
		minute:      mins % 60,
		dayShift:    shift,
		loc:         c.loc,
	}

	var dow string
	switch in.Periodicity {
	case subscription.Daily:
		dow = "*"
	case subscription.Workdays:
		days := make([]int, 0, 5)
		for d := time.Monday; d <= time.Friday; d++ {
			days = append(days, shiftWeekday(d, shift))
		}
		sort.Ints(days)
		parts := make([]string, len(days))
		for i, d := range days {
			parts[i] = strconv.Itoa(d)
		}
		dow = strings.Join(parts, ",")
	case subscription.Weekly:
		if in.Weekday == nil || !in.Weekday.Valid() {
			return Spec{}, invalid("weekday", "weekday must be 0 (Monday) to 6 (Sunday)")
		}
		dow = strconv.Itoa(shiftWeekday(in.Weekday.Std(), shift))
	case subscription.Monthly:
		if in.DayOfMonth == nil || *in.DayOfMonth < 1 || *in.DayOfMonth > 31 {
			return Spec{}, invalid("day_of_month", "enter a number from 1 to 31")
		}
		sp.dayOfMonth = *in.DayOfMonth
		sp.expr = fmt.Sprintf("%d %d L%d%+d * *", sp.minute, sp.hour, sp.dayOfMonth, shift)
		return sp, nil
	default:
		return Spec{}, invalid("periodicity", "choose daily, workdays, weekly or monthly")
	}

	sp.expr = fmt.Sprintf("%d %d * * %s", sp.minute, sp.hour, dow)
	parsed, err := c.parser.Parse(sp.expr)
	if err != nil {
		return Spec{}, fmt.Errorf("compile %q: %w", sp.expr, err)
	}
	ss, ok := parsed.(*cron.SpecSchedule)
	if !ok {
		return Spec{}, fmt.Errorf("compile %q: unexpected schedule type %T", sp.expr, parsed)
	}
	sp.cron = *ss
	sp.cron.Location = c.loc
	return sp, nil
}

func shiftWeekday(d time.Weekday, shift int) int {
	return ((int(d)+shift)%7 + 7) % 7
}

func invalid(field, msg string) error {
	return &subscription.ValidationError{Field: field, Message: msg}
}
