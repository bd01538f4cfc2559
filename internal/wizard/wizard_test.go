package wizard

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"reportbot/internal/report"
	"reportbot/internal/subscription"
	logx "reportbot/pkg/logx"
)

type fakeSaver struct {
	mu    sync.Mutex
	saved []subscription.Subscription
	errs  []error // returned in order, then nil
}

func (f *fakeSaver) Save(_ context.Context, s subscription.Subscription) (subscription.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != subscription.ErrNotScheduled {
			return subscription.Subscription{}, err
		}
		s.ID = "id-1"
		f.saved = append(f.saved, s)
		return s, err
	}
	s.ID = "id-1"
	f.saved = append(f.saved, s)
	return s, nil
}

func newManager(saver Saver) *Manager {
	return New(Config{}, report.NewCatalog([]string{"kitchen", "bar"}), saver, "UTC", logx.Nop(), nil)
}

func feed(t *testing.T, m *Manager, owner int64, inputs ...string) Reply {
	t.Helper()
	var r Reply
	for _, in := range inputs {
		var ok bool
		r, ok = m.Handle(context.Background(), owner, in)
		if !ok {
			t.Fatalf("no session for %d at input %q", owner, in)
		}
	}
	return r
}

func TestDayOfMonthStep(t *testing.T) {
	t.Parallel()
	m := newManager(&fakeSaver{})
	m.Start(1)
	r := feed(t, m, 1, "monthly")
	if r.Step != ChoosingDayOfMonth {
		t.Fatalf("step=%s", r.Step)
	}
	r = feed(t, m, 1, "35")
	if !r.Rejected || r.Step != ChoosingDayOfMonth || !strings.Contains(r.Text.String(), "enter a number from 1 to 31") {
		t.Fatalf("35 not rejected properly: %+v", r)
	}
	r = feed(t, m, 1, "25")
	if r.Rejected || r.Step != ChoosingTimezone {
		t.Fatalf("25 not accepted: %+v", r)
	}
}

func TestStepValidation(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		prefix []string
		bad    string
		good   string
		step   Step
	}{
		{"periodicity", nil, "hourly", "weekly", ChoosingPeriodicity},
		{"weekday", []string{"weekly"}, "7", "2", ChoosingWeekday},
		{"timezone", []string{"daily"}, "+13", "+3", ChoosingTimezone},
		{"time", []string{"daily", "0"}, "24:00", "09:30", ChoosingTime},
		{"report", []string{"daily", "0", "09:00"}, "revenue garage", "revenue kitchen", ChoosingReportParameters},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			m := newManager(&fakeSaver{})
			m.Start(1)
			if len(tc.prefix) > 0 {
				feed(t, m, 1, tc.prefix...)
			}
			r := feed(t, m, 1, tc.bad)
			if !r.Rejected || r.Step != tc.step {
				t.Fatalf("%q: %+v", tc.bad, r)
			}
			r = feed(t, m, 1, tc.good)
			if r.Rejected || r.Step == tc.step {
				t.Fatalf("%q: %+v", tc.good, r)
			}
		})
	}
}

func TestCompleteFlowSaves(t *testing.T) {
	t.Parallel()
	saver := &fakeSaver{}
	m := newManager(saver)
	m.Start(7)
	r := feed(t, m, 7, "weekly", "2", "3", "09:00", "revenue all yesterday pdf")
	if !r.Done || r.Step != Completed || r.Saved == nil {
		t.Fatalf("flow not completed: %+v", r)
	}
	if m.Active(7) {
		t.Fatalf("session should end on completion")
	}
	got := saver.saved[0]
	if got.OwnerID != 7 || got.Periodicity != subscription.Weekly || *got.Weekday != subscription.Wednesday ||
		got.TZOffset != 3 || got.Time != (subscription.TimeOfDay{Hour: 9}) || got.Report.Format != report.FormatPDF {
		t.Fatalf("saved %+v", got)
	}
}

func TestBackSkipsInapplicableStepsAndKeepsValues(t *testing.T) {
	t.Parallel()
	m := newManager(&fakeSaver{})
	m.Start(1)
	feed(t, m, 1, "daily", "3")
	r, _ := m.Back(1)
	if r.Step != ChoosingTimezone || !strings.Contains(r.Text.String(), "UTC+3") {
		t.Fatalf("back from time: %+v", r)
	}
	r, _ = m.Back(1)
	if r.Step != ChoosingPeriodicity || !strings.Contains(r.Text.String(), "daily") {
		t.Fatalf("back should skip weekday/day steps for daily: %+v", r)
	}
	r, _ = m.Back(1)
	if r.Step != ChoosingPeriodicity {
		t.Fatalf("back from first step moved to %s", r.Step)
	}

	feed(t, m, 1, "monthly", "31")
	r, _ = m.Back(1)
	if r.Step != ChoosingDayOfMonth || !strings.Contains(r.Text.String(), "31") {
		t.Fatalf("monthly back: %+v", r)
	}
}

func TestCancelHasNoSideEffects(t *testing.T) {
	t.Parallel()
	saver := &fakeSaver{}
	m := newManager(saver)
	m.Start(1)
	feed(t, m, 1, "daily", "0", "08:00")
	if !m.Cancel(1) {
		t.Fatalf("cancel reported no session")
	}
	if _, ok := m.Handle(context.Background(), 1, "revenue"); ok {
		t.Fatalf("session survived cancel")
	}
	if len(saver.saved) != 0 {
		t.Fatalf("cancel saved something")
	}
}

func TestStorageOutageRetriesOnNextInput(t *testing.T) {
	t.Parallel()
	saver := &fakeSaver{errs: []error{subscription.ErrStorageUnavailable}}
	m := newManager(saver)
	m.Start(1)
	r := feed(t, m, 1, "daily", "0", "08:00", "sales")
	if r.Done || !m.Active(1) {
		t.Fatalf("outage should keep the session: %+v", r)
	}
	r = feed(t, m, 1, "retry")
	if !r.Done || len(saver.saved) != 1 || saver.saved[0].Report.Kind != report.KindSales {
		t.Fatalf("retry did not save: %+v %+v", r, saver.saved)
	}
}

func TestSavedButNotScheduledEndsSession(t *testing.T) {
	t.Parallel()
	saver := &fakeSaver{errs: []error{subscription.ErrNotScheduled}}
	m := newManager(saver)
	m.Start(1)
	r := feed(t, m, 1, "daily", "0", "08:00", "sales")
	if !r.Done || m.Active(1) || !strings.Contains(r.Text.String(), "armed") {
		t.Fatalf("reply %+v", r)
	}
}

func TestSweepDropsIdleSessions(t *testing.T) {
	t.Parallel()
	m := newManager(&fakeSaver{})
	now := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	m.Start(1)
	now = now.Add(10 * time.Minute)
	m.Start(2)
	now = now.Add(25 * time.Minute)
	if n := m.Sweep(); n != 1 {
		t.Fatalf("swept %d", n)
	}
	if m.Active(1) || !m.Active(2) {
		t.Fatalf("wrong session swept")
	}
}

func TestSessionsAreIsolated(t *testing.T) {
	t.Parallel()
	m := newManager(&fakeSaver{})
	m.Start(1)
	m.Start(2)
	feed(t, m, 1, "weekly")
	r := feed(t, m, 2, "daily")
	if r.Step != ChoosingTimezone {
		t.Fatalf("owner 2 step=%s", r.Step)
	}
}
