// Package dispatch turns a firing into a delivered report: load the
// subscription, generate the report, deliver it, record the attempt.
// Failures stay inside the firing that caused them.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"reportbot/internal/delivery"
	"reportbot/internal/eventbus"
	"reportbot/internal/notifier"
	"reportbot/internal/report"
	"reportbot/internal/subscription"
	"reportbot/internal/transport"
	logx "reportbot/pkg/logx"
	"reportbot/pkg/tgui"
)

type Config struct {
	RetryMax      int           // extra attempts for transient failures
	RetryBase     time.Duration // 0 means 1s
	RetryMaxDelay time.Duration // 0 means 30s
}

type Store interface {
	Get(ctx context.Context, id string) (subscription.Subscription, error)
	RecordAttempt(ctx context.Context, a subscription.Attempt) error
}

// Jobs lets the dispatcher correct the live job table.
type Jobs interface {
	Deactivate(ctx context.Context, id string) error
	Forget(ctx context.Context, id string)
}

type Deliverer interface {
	Deliver(ctx context.Context, owner int64, p report.Payload) error
}

type Notifier interface {
	Notify(ctx context.Context, n notifier.Notice) error
}

type Dispatcher struct {
	cfg   Config
	store Store
	gen   report.Generator
	dlv   Deliverer
	ntf   Notifier
	jobs  Jobs
	loc   *time.Location
	log   logx.Logger
	bus   eventbus.Bus

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func New(cfg Config, store Store, gen report.Generator, dlv Deliverer, ntf Notifier, jobs Jobs, loc *time.Location, log logx.Logger, bus eventbus.Bus) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	if loc == nil {
		loc = time.UTC
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 30 * time.Second
	}
	return &Dispatcher{
		cfg:   cfg,
		store: store,
		gen:   gen,
		dlv:   dlv,
		ntf:   ntf,
		jobs:  jobs,
		loc:   loc,
		log:   log.With(logx.String("comp", "dispatch")),
		bus:   bus,
		now:   time.Now,
		sleep: sleepCtx,
	}
}

// Fire is the scheduler callback.
func (d *Dispatcher) Fire(ctx context.Context, id string) { d.Dispatch(ctx, id) }

// Dispatch runs one firing. It reports the recorded attempt, or false when
// the firing was aborted before generation (missing, paused or unreadable
// subscription).
func (d *Dispatcher) Dispatch(ctx context.Context, id string) (att subscription.Attempt, ok bool) {
	firedAt := d.now()
	log := d.log.With(logx.String("sub", id))
	defer func() {
		if r := recover(); r != nil {
			log.Error("dispatch panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			ok = false
		}
	}()

	sub, err := d.store.Get(ctx, id)
	switch {
	case errors.Is(err, subscription.ErrNotFound):
		log.Warn("firing for missing subscription; dropping job")
		d.jobs.Forget(ctx, id)
		return subscription.Attempt{}, false
	case err != nil:
		log.Warn("firing aborted: subscription unreadable", logx.Err(err))
		return subscription.Attempt{}, false
	case !sub.Active:
		log.Info("firing for inactive subscription; dropping job")
		d.jobs.Forget(ctx, id)
		return subscription.Attempt{}, false
	}
	log = log.With(logx.Int64("owner", sub.OwnerID), logx.String("report", sub.Report.Identity()))

	req := report.NewRequest(sub.Report, d.ownerNow(firedAt, sub.TZOffset))
	att = subscription.Attempt{SubscriptionID: id, OwnerID: sub.OwnerID, FiredAt: firedAt}

	genStart := d.now()
	payload, err := d.generate(ctx, req, log)
	genTook := d.now().Sub(genStart)
	if err != nil {
		att.Outcome = subscription.ReportGenerationFailed
		att.Error = err.Error()
		log.Warn("report generation failed", logx.Err(err), logx.Duration("took", genTook))
		if report.Actionable(err) {
			d.notify(ctx, sub, string(report.CodeAuthExpired), authExpiredText(sub))
		}
	} else if err := d.deliver(ctx, sub.OwnerID, payload, log); err != nil {
		att.Outcome = subscription.DeliveryFailed
		att.Error = err.Error()
		if errors.Is(err, transport.ErrRecipientUnavailable) {
			log.Info("owner unreachable; deactivating subscription", logx.Err(err))
			if derr := d.jobs.Deactivate(detach(ctx), id); derr != nil {
				log.Warn("deactivate failed", logx.Err(derr))
			}
		} else {
			log.Warn("delivery failed", logx.Err(err))
		}
	} else {
		att.Outcome = subscription.Delivered
	}
	att.FinishedAt = d.now()

	rctx, cancel := context.WithTimeout(detach(ctx), 5*time.Second)
	if err := d.store.RecordAttempt(rctx, att); err != nil {
		log.Warn("attempt not recorded", logx.Err(err))
	}
	cancel()

	d.bus.Publish(eventbus.Event{Type: eventbus.TypeDeliveryAttempt, Time: att.FinishedAt, Data: eventbus.DeliveryAttempt{
		SubscriptionID: id,
		OwnerID:        sub.OwnerID,
		Outcome:        string(att.Outcome),
		Report:         sub.Report.Kind.String(),
		GenerateTook:   genTook,
		Took:           att.FinishedAt.Sub(firedAt),
	}})
	log.Debug("firing finished", logx.String("outcome", string(att.Outcome)), logx.Duration("took", att.FinishedAt.Sub(firedAt)))
	return att, true
}

// ownerNow is the owner's wall clock: reference wall clock plus offset.
// The result is expressed as a UTC-labelled wall time.
func (d *Dispatcher) ownerNow(t time.Time, offset int) time.Time {
	ref := t.In(d.loc)
	wall := time.Date(ref.Year(), ref.Month(), ref.Day(), ref.Hour(), ref.Minute(), ref.Second(), 0, time.UTC)
	return wall.Add(time.Duration(offset) * time.Hour)
}

func (d *Dispatcher) generate(ctx context.Context, req report.Request, log logx.Logger) (report.Payload, error) {
	var lastErr error
	for attempt := 1; attempt <= 1+d.cfg.RetryMax; attempt++ {
		p, err := d.gen.Generate(ctx, req)
		if err == nil {
			return p, nil
		}
		lastErr = err
		if !report.Retryable(err) || attempt > d.cfg.RetryMax {
			break
		}
		wait := backoffDelay(d.cfg, attempt)
		log.Debug("report generation retry", logx.Int("attempt", attempt), logx.Duration("wait", wait), logx.Err(err))
		if err := d.sleep(ctx, wait); err != nil {
			return report.Payload{}, &report.GenerationError{Code: report.CodeTransient, Err: fmt.Errorf("%w (last: %v)", err, lastErr)}
		}
	}
	return report.Payload{}, lastErr
}

func (d *Dispatcher) deliver(ctx context.Context, owner int64, p report.Payload, log logx.Logger) error {
	var lastErr error
	for attempt := 1; attempt <= 1+d.cfg.RetryMax; attempt++ {
		err := d.dlv.Deliver(ctx, owner, p)
		if err == nil {
			return nil
		}
		lastErr = err
		var de *delivery.Error
		if (errors.As(err, &de) && de.Permanent) || attempt > d.cfg.RetryMax {
			break
		}
		wait := backoffDelay(d.cfg, attempt)
		log.Debug("delivery retry", logx.Int("attempt", attempt), logx.Duration("wait", wait), logx.Err(err))
		if err := d.sleep(ctx, wait); err != nil {
			break
		}
	}
	return lastErr
}

func (d *Dispatcher) notify(ctx context.Context, sub subscription.Subscription, reason, text string) {
	if d.ntf == nil {
		return
	}
	err := d.ntf.Notify(ctx, notifier.Notice{OwnerID: sub.OwnerID, SubscriptionID: sub.ID, Reason: reason, Text: text})
	if err != nil && !errors.Is(err, notifier.ErrDisabled) {
		d.log.Warn("failure notice not queued", logx.String("sub", sub.ID), logx.Err(err))
	}
}

func authExpiredText(sub subscription.Subscription) string {
	return tgui.JoinH("\n",
		tgui.B("Report not delivered"),
		tgui.Esc(sub.Report.Summary()),
		tgui.Esc("Access to the analytics service has expired. Ask your administrator to renew it; the subscription stays active."),
	).String()
}

// backoffDelay doubles from RetryBase up to RetryMaxDelay with ±20% jitter.
func backoffDelay(cfg Config, retry int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < retry; i++ {
		d *= 2
		if d > cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	d = time.Duration(float64(d) * (1 + (rand.Float64()*2-1)*0.2))
	return max(0, min(d, cfg.RetryMaxDelay))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// detach keeps ctx values but not its deadline, for bookkeeping that must
// outlive an expired firing.
func detach(ctx context.Context) context.Context { return context.WithoutCancel(ctx) }
