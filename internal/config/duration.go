package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Timings holds every duration setting resolved against its default.
type Timings struct {
	PollTimeout time.Duration

	BusyTimeout time.Duration

	ResyncInterval time.Duration // 0 disables the resync loop
	FireTimeout    time.Duration

	ReportTimeout time.Duration
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	CacheTTL      time.Duration // 0 disables the payload cache

	WizardIdle  time.Duration
	WizardSweep time.Duration

	NoticeRetryBase     time.Duration
	NoticeRetryMaxDelay time.Duration
	NoticeDedupWindow   time.Duration
}

type durationField struct {
	path string
	raw  string
	def  time.Duration
	// zeroOff keeps an explicit "0s" instead of falling back to def.
	zeroOff bool
	dst     *time.Duration
}

// Timings parses the duration fields. An empty field takes its default;
// "0s" also takes the default unless zero means off for that field.
func (c *Config) Timings() (Timings, error) {
	var t Timings
	n := NotifierConfig{}
	if c.Notifier != nil {
		n = *c.Notifier
	}
	fields := []durationField{
		{path: "telegram.poll_timeout", raw: c.Telegram.PollTimeout, def: 10 * time.Second, dst: &t.PollTimeout},
		{path: "storage.busy_timeout", raw: c.Storage.BusyTimeout, def: time.Second, dst: &t.BusyTimeout},
		{path: "scheduler.resync_interval", raw: c.Scheduler.ResyncInterval, def: 5 * time.Minute, zeroOff: true, dst: &t.ResyncInterval},
		{path: "scheduler.fire_timeout", raw: c.Scheduler.FireTimeout, def: 10 * time.Minute, dst: &t.FireTimeout},
		{path: "reports.timeout", raw: c.Reports.Timeout, def: time.Minute, dst: &t.ReportTimeout},
		{path: "reports.retry_base", raw: c.Reports.RetryBase, def: time.Second, dst: &t.RetryBase},
		{path: "reports.retry_max_delay", raw: c.Reports.RetryMaxDelay, def: 30 * time.Second, dst: &t.RetryMaxDelay},
		{path: "reports.cache_ttl", raw: c.Reports.CacheTTL, def: 10 * time.Minute, zeroOff: true, dst: &t.CacheTTL},
		{path: "wizard.idle_timeout", raw: c.Wizard.IdleTimeout, def: 30 * time.Minute, dst: &t.WizardIdle},
		{path: "wizard.sweep_interval", raw: c.Wizard.SweepInterval, def: time.Minute, dst: &t.WizardSweep},
		{path: "notifier.retry_base", raw: n.RetryBase, def: 500 * time.Millisecond, dst: &t.NoticeRetryBase},
		{path: "notifier.retry_max_delay", raw: n.RetryMaxDelay, def: 10 * time.Second, dst: &t.NoticeRetryMaxDelay},
		{path: "notifier.dedup_window", raw: n.DedupWindow, def: 6 * time.Hour, zeroOff: true, dst: &t.NoticeDedupWindow},
	}

	var errs []error
	for _, f := range fields {
		raw := strings.TrimSpace(f.raw)
		if raw == "" {
			*f.dst = f.def
			continue
		}
		d, err := time.ParseDuration(raw)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("%s: invalid duration %q: %w", f.path, f.raw, err))
			*f.dst = f.def
		case d < 0:
			errs = append(errs, fmt.Errorf("%s: duration must be >= 0", f.path))
			*f.dst = f.def
		case d == 0 && !f.zeroOff:
			*f.dst = f.def
		default:
			*f.dst = d
		}
	}
	return t, errors.Join(errs...)
}
