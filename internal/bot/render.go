package bot

import (
	"strconv"
	"time"

	"reportbot/internal/registry"
	"reportbot/pkg/tgui"
)

const whenLayout = "Mon 02 Jan 15:04"

func renderList(entries []registry.Entry, loc *time.Location, refName string) tgui.H {
	lines := []tgui.H{tgui.B("📋 Your subscriptions")}
	for i, e := range entries {
		head := strconv.Itoa(i+1) + ". " + e.Report.Summary()
		if !e.Active {
			head += " [paused]"
		}
		lines = append(lines, "", tgui.B(head), tgui.Esc("   "+e.ScheduleText(refName)))
		if e.Active && !e.Scheduled {
			lines = append(lines, tgui.I("   not armed yet, retrying shortly"))
		}
		if !e.Next.IsZero() {
			lines = append(lines, tgui.Esc("   next: "+ownerClock(e.Next, loc, e.TZOffset)))
		}
		if e.Last != nil {
			last := "   last: " + string(e.Last.Outcome) + " at " + ownerClock(e.Last.FinishedAt, loc, e.TZOffset)
			lines = append(lines, tgui.Esc(last))
		}
	}
	lines = append(lines, "", tgui.I("Remove one with /unsubscribe <n>."))
	return tgui.JoinH("\n", lines...)
}

// ownerClock formats t as the owner's wall clock: reference time plus offset.
func ownerClock(t time.Time, loc *time.Location, offset int) string {
	return t.In(loc).Add(time.Duration(offset) * time.Hour).Format(whenLayout)
}
