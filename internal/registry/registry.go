// Package registry keeps the durable store and the live job table in step.
// Every write goes to the store first; the job table is derived from it and
// can always be rebuilt with Rehydrate.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"reportbot/internal/eventbus"
	"reportbot/internal/scheduler"
	"reportbot/internal/storage"
	"reportbot/internal/subscription"
	"reportbot/internal/trigger"
	logx "reportbot/pkg/logx"
)

type Registry struct {
	// mu orders mutations against each other and against a resync, so a
	// stale ListActive snapshot never undoes a newer write.
	mu sync.Mutex

	store    storage.Store
	sched    *scheduler.Service
	compiler *trigger.Compiler
	fire     scheduler.FireFunc
	log      logx.Logger
	bus      eventbus.Bus
	now      func() time.Time
}

// Entry is a subscription as shown to its owner.
type Entry struct {
	subscription.Subscription
	Scheduled bool
	Next      time.Time
	Last      *subscription.Attempt
}

func New(store storage.Store, sched *scheduler.Service, compiler *trigger.Compiler, fire scheduler.FireFunc, log logx.Logger, bus eventbus.Bus) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &Registry{
		store:    store,
		sched:    sched,
		compiler: compiler,
		fire:     fire,
		log:      log.With(logx.String("comp", "registry")),
		bus:      bus,
		now:      time.Now,
	}
}

// Save persists s as an active subscription and arms its job. When the row
// is stored but the job could not be armed, the stored row is returned with
// an error wrapping subscription.ErrNotScheduled; the resync loop retries it.
func (r *Registry) Save(ctx context.Context, s subscription.Subscription) (subscription.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s = s.Normalize()
	s.Active = true
	if err := s.Validate(); err != nil {
		return subscription.Subscription{}, err
	}
	spec, err := r.compiler.CompileSubscription(s)
	if err != nil {
		return subscription.Subscription{}, err
	}
	id, err := r.store.Upsert(ctx, s)
	if err != nil {
		return subscription.Subscription{}, err
	}
	saved, err := r.store.Get(ctx, id)
	if err != nil {
		saved = s
		saved.ID = id
	}
	err = r.sched.Upsert(r.job(saved, spec))
	r.bus.Publish(eventbus.Event{Type: eventbus.TypeSubscriptionSaved, Time: r.now(), Data: eventbus.SubscriptionSaved{
		SubscriptionID: id, OwnerID: saved.OwnerID, Scheduled: err == nil,
	}})
	if err != nil {
		r.log.Warn("subscription saved but not scheduled", logx.String("id", id), logx.Int64("owner", saved.OwnerID), logx.Err(err))
		if !errors.Is(err, subscription.ErrNotScheduled) {
			err = fmt.Errorf("%w: %w", subscription.ErrNotScheduled, err)
		}
		return saved, err
	}
	r.log.Info("subscription saved", logx.String("id", id), logx.Int64("owner", saved.OwnerID),
		logx.String("report", saved.Report.Summary()), logx.String("spec", spec.String()))
	return saved, nil
}

func (r *Registry) job(s subscription.Subscription, spec trigger.Spec) scheduler.Job {
	return scheduler.Job{ID: s.ID, OwnerID: s.OwnerID, Identity: s.IdentityKey(), Trigger: spec, Fire: r.fire}
}

// owned loads id and checks it belongs to owner. Foreign rows read as missing.
func (r *Registry) owned(ctx context.Context, owner int64, id string) (subscription.Subscription, error) {
	s, err := r.store.Get(ctx, id)
	if err != nil {
		return subscription.Subscription{}, err
	}
	if s.OwnerID != owner {
		return subscription.Subscription{}, subscription.ErrNotFound
	}
	return s, nil
}

// Delete removes one of owner's subscriptions. It reports false when there
// was nothing to delete.
func (r *Registry) Delete(ctx context.Context, owner int64, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.owned(ctx, owner, id); err != nil {
		if errors.Is(err, subscription.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	ok, err := r.store.Delete(ctx, id)
	if err != nil {
		return false, err
	}
	r.sched.Remove(id)
	if ok {
		r.published(id, owner)
	}
	return ok, nil
}

// DeleteOwner removes all of owner's subscriptions.
func (r *Registry) DeleteOwner(ctx context.Context, owner int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs, err := r.store.ListByOwner(ctx, owner)
	if err != nil {
		return 0, err
	}
	n, err := r.store.DeleteByOwner(ctx, owner)
	if err != nil {
		return 0, err
	}
	for _, s := range subs {
		r.sched.Remove(s.ID)
		r.published(s.ID, owner)
	}
	return n, nil
}

func (r *Registry) published(id string, owner int64) {
	r.bus.Publish(eventbus.Event{Type: eventbus.TypeSubscriptionRemoved, Time: r.now(), Data: eventbus.SubscriptionRemoved{SubscriptionID: id, OwnerID: owner}})
}

// SetActive pauses or resumes one of owner's subscriptions.
func (r *Registry) SetActive(ctx context.Context, owner int64, id string, active bool) (subscription.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.owned(ctx, owner, id)
	if err != nil {
		return subscription.Subscription{}, err
	}
	if _, err := r.store.SetActive(ctx, id, active); err != nil {
		return subscription.Subscription{}, err
	}
	s.Active = active
	if !active {
		r.sched.Remove(id)
		return s, nil
	}
	spec, err := r.compiler.CompileSubscription(s)
	if err != nil {
		return s, fmt.Errorf("%w: %w", subscription.ErrNotScheduled, err)
	}
	if err := r.sched.Upsert(r.job(s, spec)); err != nil {
		return s, err
	}
	return s, nil
}

// Deactivate keeps the row for audit but stops firing it.
func (r *Registry) Deactivate(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sched.Remove(id)
	if _, err := r.store.SetActive(ctx, id, false); err != nil {
		return err
	}
	r.log.Info("subscription deactivated", logx.String("id", id))
	return nil
}

// Forget drops the live job for a row that is gone or paused. The row is
// re-read first: a resume that landed after the caller looked keeps its job.
func (r *Registry) Forget(ctx context.Context, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.store.Get(ctx, id)
	switch {
	case errors.Is(err, subscription.ErrNotFound):
	case err != nil:
		r.log.Warn("forget skipped: subscription unreadable", logx.String("id", id), logx.Err(err))
		return
	case s.Active:
		return
	}
	if r.sched.Remove(id) {
		r.log.Info("job for missing or paused subscription removed", logx.String("id", id))
	}
}

// List returns owner's subscriptions with their live schedule and last
// delivery outcome. A failure to read attempts only drops that detail.
func (r *Registry) List(ctx context.Context, owner int64) ([]Entry, error) {
	subs, err := r.store.ListByOwner(ctx, owner)
	if err != nil {
		return nil, err
	}
	last, err := r.store.LastAttempts(ctx, owner)
	if err != nil {
		r.log.Warn("last attempts unavailable", logx.Int64("owner", owner), logx.Err(err))
	}
	now := r.now()
	out := make([]Entry, 0, len(subs))
	for _, s := range subs {
		e := Entry{Subscription: s}
		if tr, ok := r.sched.Lookup(s.ID); ok {
			e.Scheduled = true
			e.Next = tr.Next(now)
		}
		if a, ok := last[s.ID]; ok {
			e.Last = &a
		}
		out = append(out, e)
	}
	return out, nil
}

// Rehydrate rebuilds the job table from the store. A store failure leaves
// the current table untouched. Mutations wait until the snapshot is applied.
func (r *Registry) Rehydrate(ctx context.Context) (scheduler.RehydrateResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs, err := r.store.ListActive(ctx)
	if err != nil {
		return scheduler.RehydrateResult{}, err
	}
	return r.sched.Rehydrate(subs, r.fire), nil
}

// Run re-syncs the job table every interval until ctx ends.
func (r *Registry) Run(ctx context.Context, every time.Duration) error {
	if every <= 0 {
		<-ctx.Done()
		return nil
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			rctx, cancel := context.WithTimeout(ctx, 30*time.Second)
			res, err := r.Rehydrate(rctx)
			cancel()
			if err != nil {
				r.log.Warn("resync failed", logx.Err(err))
				continue
			}
			if res.Installed > 0 || res.Removed > 0 {
				r.log.Info("resync changed jobs", logx.Int("installed", res.Installed), logx.Int("removed", res.Removed))
			}
		}
	}
}
