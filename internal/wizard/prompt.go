package wizard

import (
	"fmt"
	"strconv"
	"strings"

	"reportbot/internal/report"
	"reportbot/internal/subscription"
	"reportbot/pkg/tgui"
)

func (m *Manager) prompt(s *Session) Reply {
	r := Reply{Step: s.Step}
	var (
		q    string
		hint string
		cur  string
	)
	switch s.Step {
	case ChoosingPeriodicity:
		q = "How often should the report arrive?"
		for _, p := range subscription.Periodicities() {
			r.Options = append(r.Options, Option{Label: p.String(), Value: p.String()})
		}
		if s.Periodicity.Valid() {
			cur = s.Periodicity.String()
		}
	case ChoosingWeekday:
		q = "On which day of the week?"
		hint = "0 = Monday … 6 = Sunday"
		for w := subscription.Monday; w <= subscription.Sunday; w++ {
			r.Options = append(r.Options, Option{Label: w.String()[:3], Value: strconv.Itoa(int(w))})
		}
		if s.Weekday != nil {
			cur = s.Weekday.String()
		}
	case ChoosingDayOfMonth:
		q = "On which day of the month?"
		hint = "Enter a number from 1 to 31. Shorter months use their last day."
		if s.DayOfMonth != nil {
			cur = strconv.Itoa(*s.DayOfMonth)
		}
	case ChoosingTimezone:
		q = "What is your timezone?"
		hint = fmt.Sprintf("Enter the offset in whole hours from %s, from %d to +%d.", m.refName, subscription.MinOffset, subscription.MaxOffset)
		for _, o := range []int{-2, -1, 0, 1, 2, 3, 4, 5} {
			r.Options = append(r.Options, Option{Label: fmt.Sprintf("%s%+d", m.refName, o), Value: strconv.Itoa(o)})
		}
		if s.Offset != nil {
			cur = fmt.Sprintf("%s%+d", m.refName, *s.Offset)
		}
	case ChoosingTime:
		q = "At what time (your local time)?"
		hint = "Format HH:MM, for example 09:30."
		for _, t := range []string{"07:00", "08:00", "09:00", "10:00", "18:00", "21:00"} {
			r.Options = append(r.Options, Option{Label: t, Value: t})
		}
		if s.Time != nil {
			cur = s.Time.String()
		}
	case ChoosingReportParameters:
		q = "Which report?"
		hint = "Send: type [department] [period] [format], for example \"revenue kitchen yesterday pdf\"."
		for _, k := range report.Kinds() {
			r.Options = append(r.Options, Option{Label: k.Title(), Value: k.String()})
		}
		if depts := m.catalog.Departments(); len(depts) > 1 {
			hint += "\nDepartments: " + strings.Join(depts, ", ")
		}
		if s.Report != nil {
			cur = s.Report.Summary()
		}
	default:
		return r
	}
	parts := []tgui.H{tgui.B(q)}
	if hint != "" {
		parts = append(parts, tgui.Esc(hint))
	}
	if cur != "" {
		parts = append(parts, tgui.I("Current: "+cur))
	}
	r.Text = tgui.JoinH("\n", parts...)
	return r
}
