package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"reportbot/internal/eventbus"
	"reportbot/internal/subscription"
	"reportbot/internal/trigger"
	logx "reportbot/pkg/logx"
)

var ErrStopped = errors.New("scheduler stopped")

type Service struct {
	mu sync.Mutex

	cfg      Config
	log      logx.Logger
	bus      eventbus.Bus
	compiler *trigger.Compiler

	c       *cron.Cron
	stopped bool
	drained context.Context // done once halted cron's running jobs return
	jobs    map[string]*entry
	lanes   map[string]*lane

	ctx    context.Context
	cancel context.CancelFunc

	now        func() time.Time
	resolution time.Duration // due-slot granularity for duplicate suppression
}

func New(cfg Config, compiler *trigger.Compiler, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	if cfg.FireTimeout <= 0 {
		cfg.FireTimeout = 5 * time.Minute
	}
	s := &Service{
		cfg:        cfg,
		log:        log.With(logx.String("comp", "scheduler")),
		bus:        bus,
		compiler:   compiler,
		jobs:       map[string]*entry{},
		lanes:      map[string]*lane{},
		now:        time.Now,
		resolution: time.Minute,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

func (s *Service) Location() *time.Location { return s.compiler.Location() }

// Start begins evaluating schedules until Stop or until ctx ends. Every job
// computes its next firing from the current time, so nothing missed while
// stopped is replayed.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || s.stopped {
		return
	}
	cl := cronLogger{log: s.log}
	s.c = cron.New(
		cron.WithLocation(s.compiler.Location()),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl)),
	)
	for _, e := range s.jobs {
		s.addLocked(e, time.Time{})
	}
	s.c.Start()
	go func() {
		select {
		case <-ctx.Done():
			s.halt()
			s.log.Info("triggering halted", logx.Err(ctx.Err()))
		case <-s.ctx.Done():
		}
	}()
	s.log.Info("service started", logx.String("tz", s.compiler.Location().String()), logx.Int("jobs", len(s.jobs)))
}

// Stop halts triggering and waits for in-flight firings until ctx expires,
// then cancels them.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	if drained := s.halt(); drained != nil {
		select {
		case <-drained.Done():
		case <-ctx.Done():
			s.log.Warn("stop timed out; cancelling in-flight firings")
		}
	}
	s.cancel()
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

// halt stops scheduling new firings; running ones continue. It returns a
// context that is done once they have returned, or nil if cron never ran.
func (s *Service) halt() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.c != nil {
		s.drained = s.c.Stop()
		s.c = nil
	}
	return s.drained
}

// Upsert installs j, atomically replacing a job with the same id. A
// replacement arriving exactly at a due boundary still fires once for that
// due time.
func (s *Service) Upsert(j Job) error {
	if j.ID == "" {
		return errors.New("job id required")
	}
	if j.Trigger == nil || j.Fire == nil {
		return fmt.Errorf("%w: job %s has no trigger", subscription.ErrNotScheduled, j.ID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return fmt.Errorf("%w: %w", subscription.ErrNotScheduled, ErrStopped)
	}
	s.upsertLocked(j)
	s.publishCountLocked()
	return nil
}

func (s *Service) upsertLocked(j Job) {
	var pending time.Time
	if old, ok := s.jobs[j.ID]; ok {
		if old.Identity != "" && j.Identity != "" && old.Identity != j.Identity {
			s.log.Warn("job id reused by another subscription; replacing",
				logx.String("id", j.ID), logx.String("old", old.Identity), logx.String("new", j.Identity),
				logx.Err(subscription.ErrSchedulingConflict))
		}
		if s.c != nil && old.entryID != 0 {
			pending = s.c.Entry(old.entryID).Next
			s.c.Remove(old.entryID)
		}
	}
	ln := s.lanes[j.ID]
	if ln == nil {
		ln = &lane{}
		s.lanes[j.ID] = ln
	}
	e := &entry{Job: j, lane: ln}
	s.jobs[j.ID] = e
	s.addLocked(e, pending)
	if s.log.Enabled(logx.LevelDebug) {
		s.log.Debug("job installed", logx.String("id", j.ID), logx.String("spec", specString(j.Trigger)),
			logx.Time("next", j.Trigger.Next(s.now().In(s.compiler.Location()))))
	}
}

// addLocked arms e in the running cron. pending is the replaced entry's
// next due time; if it is already due and the new trigger also lands on it,
// the new entry fires for it.
func (s *Service) addLocked(e *entry, pending time.Time) {
	if s.c == nil {
		return
	}
	var sched cron.Schedule = e.Trigger
	now := s.now()
	if !pending.IsZero() && !pending.After(now) && e.Trigger.Next(pending.Add(-time.Second)).Equal(pending) {
		sched = &anchored{Schedule: e.Trigger, first: pending}
	}
	e.entryID = s.c.Schedule(sched, cron.FuncJob(func() { s.run(e) }))
}

// Remove cancels a job. Removing an unknown id is a no-op.
func (s *Service) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok := s.removeLocked(id)
	if ok {
		s.publishCountLocked()
	}
	return ok
}

func (s *Service) removeLocked(id string) bool {
	e, ok := s.jobs[id]
	if !ok {
		return false
	}
	e.removed.Store(true)
	if s.c != nil && e.entryID != 0 {
		s.c.Remove(e.entryID)
	}
	delete(s.jobs, id)
	s.dropLaneLocked(id)
	s.log.Debug("job removed", logx.String("id", id))
	return true
}

// dropLaneLocked forgets id's lane once no job and no firing use it.
func (s *Service) dropLaneLocked(id string) {
	ln, ok := s.lanes[id]
	if !ok || ln.holders > 0 {
		return
	}
	if _, live := s.jobs[id]; live {
		return
	}
	delete(s.lanes, id)
}

// Lookup returns the live trigger for id.
func (s *Service) Lookup(id string) (cron.Schedule, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok {
		return nil, false
	}
	return e.Trigger, true
}

func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Rehydrate reconciles the job table with subs: every active, compilable
// subscription gets a job; inactive rows and ids absent from subs lose
// theirs. Bad rows are logged and skipped.
func (s *Service) Rehydrate(subs []subscription.Subscription, fire FireFunc) RehydrateResult {
	var res RehydrateResult
	want := make(map[string]Job, len(subs))
	for _, sub := range subs {
		if !sub.Active {
			continue
		}
		spec, err := s.compiler.CompileSubscription(sub)
		if err != nil {
			res.Skipped++
			s.log.Warn("skip subscription with invalid trigger", logx.String("id", sub.ID), logx.Int64("owner", sub.OwnerID), logx.Err(err))
			continue
		}
		want[sub.ID] = Job{ID: sub.ID, OwnerID: sub.OwnerID, Identity: sub.IdentityKey(), Trigger: spec, Fire: fire}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return res
	}
	for id := range s.jobs {
		if _, ok := want[id]; !ok {
			s.removeLocked(id)
			res.Removed++
		}
	}
	for id, j := range want {
		if cur, ok := s.jobs[id]; ok && sameTrigger(cur.Trigger, j.Trigger) && cur.Identity == j.Identity {
			res.Unchanged++
			continue
		}
		s.upsertLocked(j)
		res.Installed++
	}
	s.publishCountLocked()
	fields := []logx.Field{logx.Int("installed", res.Installed), logx.Int("unchanged", res.Unchanged),
		logx.Int("skipped", res.Skipped), logx.Int("removed", res.Removed)}
	if res.Installed+res.Removed+res.Skipped == 0 {
		s.log.Debug("rehydrated", fields...)
	} else {
		s.log.Info("rehydrated", fields...)
	}
	return res
}

// Snapshot lists jobs ordered by next firing.
func (s *Service) Snapshot() []JobInfo {
	s.mu.Lock()
	out := make([]JobInfo, 0, len(s.jobs))
	for _, e := range s.jobs {
		it := JobInfo{ID: e.ID, OwnerID: e.OwnerID, Spec: specString(e.Trigger)}
		if s.c != nil && e.entryID != 0 {
			ce := s.c.Entry(e.entryID)
			it.Next, it.Prev = ce.Next, ce.Prev
		}
		out = append(out, it)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Next.Equal(out[j].Next) {
			return out[i].Next.Before(out[j].Next)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// run executes on the goroutine cron started for this firing.
func (s *Service) run(e *entry) {
	due := s.now()
	if s.resolution > 0 {
		due = due.Truncate(s.resolution)
	}
	s.mu.Lock()
	e.lane.holders++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		e.lane.holders--
		s.dropLaneLocked(e.ID)
		s.mu.Unlock()
	}()

	e.lane.mu.Lock()
	defer e.lane.mu.Unlock()
	if e.removed.Load() {
		return
	}
	if !e.lane.lastDue.IsZero() && !due.After(e.lane.lastDue) {
		s.log.Debug("duplicate firing suppressed", logx.String("id", e.ID), logx.Time("due", due))
		return
	}
	e.lane.lastDue = due

	s.bus.Publish(eventbus.Event{Type: eventbus.TypeSubscriptionFired, Time: due, Data: eventbus.SubscriptionFired{SubscriptionID: e.ID, At: due}})

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.FireTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("firing panicked", logx.String("id", e.ID), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	e.Fire(ctx, e.ID)
}

func (s *Service) publishCountLocked() {
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeJobsChanged, Time: s.now(), Data: eventbus.Gauge{Value: len(s.jobs)}})
}

func sameTrigger(a, b cron.Schedule) bool {
	sa, ok1 := a.(trigger.Spec)
	sb, ok2 := b.(trigger.Spec)
	return ok1 && ok2 && sa == sb
}

func specString(sc cron.Schedule) string {
	if st, ok := sc.(fmt.Stringer); ok {
		return st.String()
	}
	return fmt.Sprintf("%T", sc)
}
