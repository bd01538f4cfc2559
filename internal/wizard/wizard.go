// Package wizard runs the per-owner conversation that collects a
// subscription: periodicity, weekday or day of month when applicable,
// timezone offset, time of day and report parameters.
package wizard

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"reportbot/internal/eventbus"
	"reportbot/internal/report"
	"reportbot/internal/subscription"
	logx "reportbot/pkg/logx"
	"reportbot/pkg/tgui"
)

// Saver persists and schedules a finished subscription.
type Saver interface {
	Save(ctx context.Context, s subscription.Subscription) (subscription.Subscription, error)
}

// Option is a suggested answer, rendered as a button by the chat layer.
type Option struct {
	Label string
	Value string
}

// Reply is what the owner sees after an input.
type Reply struct {
	Text    tgui.H
	Options []Option
	Step    Step
	// Rejected is set when the input failed validation and the step repeats.
	Rejected bool
	// Done is set when the session ended (saved, or saved but not yet scheduled).
	Done  bool
	Saved *subscription.Subscription
}

type Config struct {
	IdleTimeout time.Duration // 0 means 30m
}

type Manager struct {
	mu       sync.Mutex
	sessions map[int64]*Session

	cfg     Config
	catalog *report.Catalog
	saver   Saver
	refName string
	log     logx.Logger
	bus     eventbus.Bus
	now     func() time.Time
}

// New creates a manager. refName labels the reference timezone in prompts.
func New(cfg Config, catalog *report.Catalog, saver Saver, refName string, log logx.Logger, bus eventbus.Bus) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	return &Manager{
		sessions: map[int64]*Session{},
		cfg:      cfg,
		catalog:  catalog,
		saver:    saver,
		refName:  refName,
		log:      log.With(logx.String("comp", "wizard")),
		bus:      bus,
		now:      time.Now,
	}
}

func (m *Manager) Apply(cfg Config) {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

// Start opens a fresh session for owner, replacing any open one.
func (m *Manager) Start(owner int64) Reply {
	s := &Session{OwnerID: owner, Step: ChoosingPeriodicity}
	s.touch(m.now())
	m.mu.Lock()
	m.sessions[owner] = s
	m.publishLocked()
	m.mu.Unlock()
	return m.prompt(s)
}

func (m *Manager) Active(owner int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[owner]
	return ok
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Cancel destroys owner's session without side effects.
func (m *Manager) Cancel(owner int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[owner]
	delete(m.sessions, owner)
	if ok {
		m.publishLocked()
	}
	return ok
}

// Back moves to the previous applicable step, keeping entered values.
func (m *Manager) Back(owner int64) (Reply, bool) {
	s, unlock, ok := m.lock(owner)
	if !ok {
		return Reply{}, false
	}
	defer unlock()
	s.touch(m.now())
	s.pendingSave = false
	s.Step = s.prev()
	return m.prompt(s), true
}

// Sweep drops sessions idle longer than the idle timeout.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-m.cfg.IdleTimeout)
	n := 0
	for owner, s := range m.sessions {
		if s.idleSince().Before(cutoff) {
			delete(m.sessions, owner)
			n++
		}
	}
	if n > 0 {
		m.publishLocked()
		m.log.Debug("idle sessions dropped", logx.Int("count", n))
	}
	return n
}

// Run sweeps idle sessions every interval until ctx ends.
func (m *Manager) Run(ctx context.Context, every time.Duration) error {
	if every <= 0 {
		every = time.Minute
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			m.Sweep()
		}
	}
}

// Handle feeds one input to owner's session. It reports false when the
// owner has no open session.
//
// The session lock is held across the final save, so one owner's inputs
// are processed strictly in order while other owners proceed.
func (m *Manager) Handle(ctx context.Context, owner int64, input string) (Reply, bool) {
	s, unlock, ok := m.lock(owner)
	if !ok {
		return Reply{}, false
	}
	defer unlock()
	s.touch(m.now())
	if s.pendingSave {
		return m.complete(ctx, s), true
	}
	if msg := m.accept(s, strings.TrimSpace(input)); msg != "" {
		r := m.prompt(s)
		r.Text = tgui.JoinH("\n\n", tgui.Esc("⚠️ "+msg), r.Text)
		r.Rejected = true
		return r, true
	}
	s.Step = s.next()
	if s.Step == Completed {
		return m.complete(ctx, s), true
	}
	return m.prompt(s), true
}

// accept validates input for the current step and stores it. It returns a
// user-facing reason on rejection.
func (m *Manager) accept(s *Session, in string) string {
	switch s.Step {
	case ChoosingPeriodicity:
		p, err := subscription.ParsePeriodicity(in)
		if err != nil {
			return "choose daily, workdays, weekly or monthly"
		}
		s.Periodicity = p
	case ChoosingWeekday:
		n, err := strconv.Atoi(in)
		w := subscription.Weekday(n)
		if err != nil || !w.Valid() {
			return "enter a number from 0 (Monday) to 6 (Sunday)"
		}
		s.Weekday = &w
	case ChoosingDayOfMonth:
		n, err := strconv.Atoi(in)
		if err != nil || n < 1 || n > 31 {
			return "enter a number from 1 to 31"
		}
		s.DayOfMonth = &n
	case ChoosingTimezone:
		n, err := strconv.Atoi(in)
		if err != nil || n < subscription.MinOffset || n > subscription.MaxOffset {
			return "enter a whole-hour offset from " + strconv.Itoa(subscription.MinOffset) + " to +" + strconv.Itoa(subscription.MaxOffset)
		}
		s.Offset = &n
	case ChoosingTime:
		t, err := subscription.ParseTimeOfDay(in)
		if err != nil {
			return "enter the time as HH:MM, hour 0-23 and minute 0-59"
		}
		s.Time = &t
	case ChoosingReportParameters:
		d, err := m.catalog.Parse(in)
		if err != nil {
			return err.Error()
		}
		s.Report = &d
	default:
		return "this step takes no input"
	}
	return ""
}

func (m *Manager) complete(ctx context.Context, s *Session) Reply {
	saved, err := m.saver.Save(ctx, s.subscription())
	switch {
	case err == nil, errors.Is(err, subscription.ErrNotScheduled):
		m.drop(s)
		text := tgui.JoinH("\n",
			tgui.B("✅ Subscription saved"),
			tgui.Esc(saved.Report.Summary()),
			tgui.Esc(saved.ScheduleText(m.refName)),
		)
		if err != nil {
			m.log.Warn("saved without schedule", logx.String("sub", saved.ID), logx.Err(err))
			text = tgui.JoinH("\n", text, tgui.I("Delivery will be armed within a few minutes."))
		}
		return Reply{Text: text, Step: Completed, Done: true, Saved: &saved}
	case subscription.IsValidation(err):
		var ve *subscription.ValidationError
		errors.As(err, &ve)
		s.pendingSave = false
		s.Step = stepForField(ve.Field, s.Step)
		r := m.prompt(s)
		r.Text = tgui.JoinH("\n\n", tgui.Esc("⚠️ "+ve.Message), r.Text)
		r.Rejected = true
		return r
	default:
		m.log.Warn("save failed; will retry on next input", logx.Int64("owner", s.OwnerID), logx.Err(err))
		s.pendingSave = true
		s.Step = ChoosingReportParameters
		return Reply{
			Text:    tgui.JoinH("\n", tgui.B("Couldn't save right now."), tgui.Esc("Your answers are kept. Send any message or tap Retry to try again.")),
			Options: []Option{{Label: "🔁 Retry", Value: "retry"}},
			Step:    s.Step,
		}
	}
}

// lock returns owner's session with its mutex held. A session cancelled or
// replaced while waiting for the mutex reads as absent.
func (m *Manager) lock(owner int64) (*Session, func(), bool) {
	m.mu.Lock()
	s, ok := m.sessions[owner]
	m.mu.Unlock()
	if !ok {
		return nil, nil, false
	}
	s.mu.Lock()
	m.mu.Lock()
	cur := m.sessions[owner]
	m.mu.Unlock()
	if cur != s {
		s.mu.Unlock()
		return nil, nil, false
	}
	return s, s.mu.Unlock, true
}

func (m *Manager) drop(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[s.OwnerID] == s {
		delete(m.sessions, s.OwnerID)
		m.publishLocked()
	}
}

func stepForField(field string, cur Step) Step {
	switch field {
	case "periodicity":
		return ChoosingPeriodicity
	case "weekday":
		return ChoosingWeekday
	case "day_of_month":
		return ChoosingDayOfMonth
	case "timezone_offset":
		return ChoosingTimezone
	case "time_of_day":
		return ChoosingTime
	case "report":
		return ChoosingReportParameters
	}
	return cur
}

func (m *Manager) publishLocked() {
	m.bus.Publish(eventbus.Event{Type: eventbus.TypeWizardSessions, Time: m.now(), Data: eventbus.Gauge{Value: len(m.sessions)}})
}
