package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"reportbot/internal/eventbus"
	"reportbot/internal/report"
	"reportbot/internal/subscription"
	"reportbot/internal/trigger"
	logx "reportbot/pkg/logx"
)

// every fires at fixed sub-second intervals.
type every struct{ d time.Duration }

func (e every) Next(t time.Time) time.Time { return t.Add(e.d) }

func newTestService(t *testing.T, cfg Config) *Service {
	t.Helper()
	s := New(cfg, trigger.NewCompiler(time.UTC), logx.Nop(), eventbus.New())
	s.resolution = 0
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", d)
}

func dailySub(id string, owner int64, hour int, active bool) subscription.Subscription {
	return subscription.Subscription{
		ID:          id,
		OwnerID:     owner,
		Periodicity: subscription.Daily,
		Time:        subscription.TimeOfDay{Hour: hour},
		Report:      report.Descriptor{Kind: report.KindRevenue, Department: "all", Window: report.WindowYesterday, Format: report.FormatText},
		Active:      active,
	}
}

func TestFiringsOfOneJobAreSerialized(t *testing.T) {
	t.Parallel()
	s := newTestService(t, Config{})
	var running, maxSeen, total atomic.Int32
	err := s.Upsert(Job{ID: "a", Trigger: every{20 * time.Millisecond}, Fire: func(ctx context.Context, id string) {
		n := running.Add(1)
		for {
			m := maxSeen.Load()
			if n <= m || maxSeen.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(60 * time.Millisecond)
		running.Add(-1)
		total.Add(1)
	}})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return total.Load() >= 3 })
	if maxSeen.Load() != 1 {
		t.Fatalf("same job ran %d firings concurrently", maxSeen.Load())
	}
}

func TestSlowOrPanickingJobDoesNotBlockOthers(t *testing.T) {
	t.Parallel()
	s := newTestService(t, Config{})
	release := make(chan struct{})
	defer close(release)
	_ = s.Upsert(Job{ID: "slow", Trigger: every{10 * time.Millisecond}, Fire: func(ctx context.Context, id string) {
		select {
		case <-release:
		case <-ctx.Done():
		}
	}})
	_ = s.Upsert(Job{ID: "boom", Trigger: every{10 * time.Millisecond}, Fire: func(context.Context, string) {
		panic("generation exploded")
	}})
	var fast atomic.Int32
	_ = s.Upsert(Job{ID: "fast", Trigger: every{15 * time.Millisecond}, Fire: func(context.Context, string) { fast.Add(1) }})
	waitFor(t, 2*time.Second, func() bool { return fast.Load() >= 5 })
}

func TestUpsertReplacesAndRemoveIsIdempotent(t *testing.T) {
	t.Parallel()
	s := newTestService(t, Config{})
	var mu sync.Mutex
	seen := map[string]int{}
	fire := func(tag string) FireFunc {
		return func(context.Context, string) {
			mu.Lock()
			seen[tag]++
			mu.Unlock()
		}
	}
	_ = s.Upsert(Job{ID: "a", Trigger: every{time.Hour}, Fire: fire("old")})
	_ = s.Upsert(Job{ID: "a", Trigger: every{15 * time.Millisecond}, Fire: fire("new")})
	if s.Len() != 1 {
		t.Fatalf("len=%d want 1", s.Len())
	}
	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen["new"] >= 2
	})
	mu.Lock()
	if seen["old"] != 0 {
		t.Fatalf("replaced job fired %d times", seen["old"])
	}
	mu.Unlock()

	if !s.Remove("a") {
		t.Fatalf("first Remove should report removal")
	}
	if s.Remove("a") {
		t.Fatalf("second Remove should be a no-op")
	}
	if _, ok := s.Lookup("a"); ok {
		t.Fatalf("job still present")
	}
}

func TestDuplicateDueSlotIsSuppressed(t *testing.T) {
	t.Parallel()
	s := New(Config{}, trigger.NewCompiler(time.UTC), logx.Nop(), nil)
	fixed := time.Date(2026, 10, 14, 6, 0, 10, 0, time.UTC)
	s.now = func() time.Time { return fixed }
	var n atomic.Int32
	e := &entry{Job: Job{ID: "a", Fire: func(context.Context, string) { n.Add(1) }}, lane: &lane{}}
	s.run(e)
	s.run(e)
	if n.Load() != 1 {
		t.Fatalf("fired %d times for one due minute", n.Load())
	}
	e.removed.Store(true)
	fixed = fixed.Add(time.Minute)
	s.run(e)
	if n.Load() != 1 {
		t.Fatalf("removed job fired")
	}
}

func TestRehydrateArmsNextOccurrenceOnly(t *testing.T) {
	t.Parallel()
	s := newTestService(t, Config{})
	var fired atomic.Int32
	fire := func(context.Context, string) { fired.Add(1) }
	before := time.Now()
	res := s.Rehydrate([]subscription.Subscription{
		dailySub("daily", 1, 8, true),
		dailySub("paused", 2, 9, false),
		{ID: "broken", OwnerID: 3, Periodicity: subscription.Weekly, Time: subscription.TimeOfDay{Hour: 9}, Active: true},
	}, fire)
	if res.Installed != 1 || res.Skipped != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if _, ok := s.Lookup("paused"); ok {
		t.Fatalf("inactive subscription got a job")
	}
	snap := s.Snapshot()
	if len(snap) != 1 || snap[0].ID != "daily" {
		t.Fatalf("snapshot=%+v", snap)
	}
	want := time.Date(before.UTC().Year(), before.UTC().Month(), before.UTC().Day(), 8, 0, 0, 0, time.UTC)
	if !want.After(before) {
		want = want.AddDate(0, 0, 1)
	}
	if !snap[0].Next.Equal(want) {
		t.Fatalf("next=%s want %s", snap[0].Next, want)
	}
	time.Sleep(50 * time.Millisecond)
	if fired.Load() != 0 {
		t.Fatalf("missed firings were replayed")
	}

	again := s.Rehydrate([]subscription.Subscription{dailySub("daily", 1, 8, true)}, fire)
	if again.Unchanged != 1 || again.Installed != 0 {
		t.Fatalf("second pass %+v", again)
	}
	gone := s.Rehydrate(nil, fire)
	if gone.Removed != 1 || s.Len() != 0 {
		t.Fatalf("reconcile %+v len=%d", gone, s.Len())
	}
}

func TestUpsertAfterStopFails(t *testing.T) {
	t.Parallel()
	s := New(Config{}, trigger.NewCompiler(time.UTC), logx.Nop(), nil)
	s.Start(context.Background())
	s.Stop(context.Background())
	err := s.Upsert(Job{ID: "a", Trigger: every{time.Second}, Fire: func(context.Context, string) {}})
	if err == nil {
		t.Fatalf("expected error after stop")
	}
}

func TestAnchoredReplaysPendingDueTime(t *testing.T) {
	t.Parallel()
	due := time.Date(2026, 10, 14, 6, 0, 0, 0, time.UTC)
	a := &anchored{Schedule: every{time.Hour}, first: due}
	if got := a.Next(due.Add(time.Second)); !got.Equal(due) {
		t.Fatalf("first Next=%s want %s", got, due)
	}
	if got := a.Next(due.Add(time.Second)); !got.Equal(due.Add(time.Hour + time.Second)) {
		t.Fatalf("second Next=%s", got)
	}
}

func TestReaddedJobWaitsForInFlightFiring(t *testing.T) {
	t.Parallel()
	s := newTestService(t, Config{})
	var running, maxSeen, total atomic.Int32
	started := make(chan struct{}, 16)
	fire := func(ctx context.Context, id string) {
		n := running.Add(1)
		for {
			m := maxSeen.Load()
			if n <= m || maxSeen.CompareAndSwap(m, n) {
				break
			}
		}
		select {
		case started <- struct{}{}:
		default:
		}
		time.Sleep(400 * time.Millisecond)
		running.Add(-1)
		total.Add(1)
	}
	job := Job{ID: "a", Trigger: every{100 * time.Millisecond}, Fire: fire}
	if err := s.Upsert(job); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("job never fired")
	}
	// pause and resume while the first firing is still running
	s.Remove("a")
	if err := s.Upsert(job); err != nil {
		t.Fatalf("re-Upsert: %v", err)
	}
	waitFor(t, 3*time.Second, func() bool { return total.Load() >= 2 })
	if maxSeen.Load() != 1 {
		t.Fatalf("re-added job ran %d firings concurrently", maxSeen.Load())
	}

	s.Remove("a")
	waitFor(t, 2*time.Second, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.lanes) == 0
	})
}

func TestStartContextHaltsTriggering(t *testing.T) {
	t.Parallel()
	s := New(Config{}, trigger.NewCompiler(time.UTC), logx.Nop(), nil)
	s.resolution = 0
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	t.Cleanup(func() { s.Stop(context.Background()) })

	var fired atomic.Int32
	if err := s.Upsert(Job{ID: "a", Trigger: every{20 * time.Millisecond}, Fire: func(context.Context, string) { fired.Add(1) }}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return fired.Load() > 0 })
	cancel()
	waitFor(t, 2*time.Second, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.c == nil
	})
	time.Sleep(50 * time.Millisecond)
	settled := fired.Load()
	time.Sleep(100 * time.Millisecond)
	if fired.Load() != settled {
		t.Fatalf("firings continued after the start context ended")
	}
	if err := s.Upsert(Job{ID: "b", Trigger: every{time.Second}, Fire: func(context.Context, string) {}}); err == nil {
		t.Fatalf("Upsert after halt should fail")
	}
}
