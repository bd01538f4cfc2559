package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"reportbot/internal/delivery"
	"reportbot/internal/notifier"
	"reportbot/internal/report"
	"reportbot/internal/subscription"
	"reportbot/internal/transport"
	logx "reportbot/pkg/logx"
)

type fakeStore struct {
	mu       sync.Mutex
	subs     map[string]subscription.Subscription
	attempts []subscription.Attempt
	getErr   error
}

func (s *fakeStore) Get(_ context.Context, id string) (subscription.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return subscription.Subscription{}, s.getErr
	}
	sub, ok := s.subs[id]
	if !ok {
		return subscription.Subscription{}, subscription.ErrNotFound
	}
	return sub, nil
}

func (s *fakeStore) RecordAttempt(_ context.Context, a subscription.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, a)
	return nil
}

type genFunc func(ctx context.Context, req report.Request) (report.Payload, error)

func (f genFunc) Generate(ctx context.Context, req report.Request) (report.Payload, error) {
	return f(ctx, req)
}

type fakeDeliverer struct {
	mu   sync.Mutex
	sent map[int64]report.Payload
	err  error
}

func (f *fakeDeliverer) Deliver(_ context.Context, owner int64, p report.Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.sent == nil {
		f.sent = map[int64]report.Payload{}
	}
	f.sent[owner] = p
	return nil
}

type fakeJobs struct {
	mu          sync.Mutex
	forgotten   []string
	deactivated []string
}

func (j *fakeJobs) Deactivate(_ context.Context, id string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.deactivated = append(j.deactivated, id)
	return nil
}

func (j *fakeJobs) Forget(_ context.Context, id string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.forgotten = append(j.forgotten, id)
}

type fakeNotifier struct {
	mu      sync.Mutex
	notices []notifier.Notice
}

func (n *fakeNotifier) Notify(_ context.Context, notice notifier.Notice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice)
	return nil
}

func sub(id string, owner int64, dept string) subscription.Subscription {
	return subscription.Subscription{
		ID: id, OwnerID: owner, Periodicity: subscription.Daily, Time: subscription.TimeOfDay{Hour: 8}, Active: true,
		Report: report.Descriptor{Kind: report.KindRevenue, Department: dept, Window: report.WindowYesterday, Format: report.FormatText},
	}
}

type harness struct {
	d     *Dispatcher
	store *fakeStore
	dlv   *fakeDeliverer
	jobs  *fakeJobs
	ntf   *fakeNotifier
}

func newHarness(gen report.Generator, subs ...subscription.Subscription) *harness {
	h := &harness{store: &fakeStore{subs: map[string]subscription.Subscription{}}, dlv: &fakeDeliverer{}, jobs: &fakeJobs{}, ntf: &fakeNotifier{}}
	for _, s := range subs {
		h.store.subs[s.ID] = s
	}
	h.d = New(Config{RetryMax: 2}, h.store, gen, h.dlv, h.ntf, h.jobs, time.UTC, logx.Nop(), nil)
	h.d.sleep = func(context.Context, time.Duration) error { return nil }
	return h
}

func TestFailureInOneFiringDoesNotAffectAnother(t *testing.T) {
	t.Parallel()
	gen := genFunc(func(_ context.Context, req report.Request) (report.Payload, error) {
		if req.Department == "kitchen" {
			return report.Payload{}, &report.GenerationError{Code: report.CodePermanent, Err: errors.New("no such department")}
		}
		return report.Payload{Title: "Revenue", Text: "42"}, nil
	})
	h := newHarness(gen, sub("a", 1, "kitchen"), sub("b", 2, "bar"))

	var wg sync.WaitGroup
	results := make([]subscription.Attempt, 2)
	for i, id := range []string{"a", "b"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], _ = h.d.Dispatch(context.Background(), id)
		}()
	}
	wg.Wait()

	if results[0].Outcome != subscription.ReportGenerationFailed {
		t.Fatalf("owner A outcome=%s", results[0].Outcome)
	}
	if results[1].Outcome != subscription.Delivered {
		t.Fatalf("owner B outcome=%s", results[1].Outcome)
	}
	if _, ok := h.dlv.sent[2]; !ok {
		t.Fatalf("owner B got nothing")
	}
	if len(h.store.attempts) != 2 {
		t.Fatalf("attempts recorded=%d", len(h.store.attempts))
	}
	if len(h.ntf.notices) != 0 {
		t.Fatalf("permanent failure should only be logged")
	}
}

func TestTransientGenerationIsRetried(t *testing.T) {
	t.Parallel()
	calls := 0
	gen := genFunc(func(context.Context, report.Request) (report.Payload, error) {
		calls++
		if calls < 3 {
			return report.Payload{}, &report.GenerationError{Code: report.CodeTransient, Status: 503, Err: errors.New("busy")}
		}
		return report.Payload{Title: "ok"}, nil
	})
	h := newHarness(gen, sub("a", 1, "all"))
	att, ok := h.d.Dispatch(context.Background(), "a")
	if !ok || att.Outcome != subscription.Delivered || calls != 3 {
		t.Fatalf("att=%+v calls=%d", att, calls)
	}
}

func TestAuthExpiredNotifiesOwner(t *testing.T) {
	t.Parallel()
	calls := 0
	gen := genFunc(func(context.Context, report.Request) (report.Payload, error) {
		calls++
		return report.Payload{}, &report.GenerationError{Code: report.CodeAuthExpired, Status: 401, Err: errors.New("token expired")}
	})
	h := newHarness(gen, sub("a", 1, "all"))
	att, _ := h.d.Dispatch(context.Background(), "a")
	if att.Outcome != subscription.ReportGenerationFailed || calls != 1 {
		t.Fatalf("att=%+v calls=%d", att, calls)
	}
	if len(h.ntf.notices) != 1 || h.ntf.notices[0].OwnerID != 1 || h.ntf.notices[0].Reason != "auth_expired" {
		t.Fatalf("notices=%+v", h.ntf.notices)
	}
}

func TestUnreachableOwnerDeactivates(t *testing.T) {
	t.Parallel()
	gen := genFunc(func(context.Context, report.Request) (report.Payload, error) { return report.Payload{Title: "x"}, nil })
	h := newHarness(gen, sub("a", 1, "all"))
	h.dlv.err = &delivery.Error{Permanent: true, Err: transport.ErrRecipientUnavailable}
	att, _ := h.d.Dispatch(context.Background(), "a")
	if att.Outcome != subscription.DeliveryFailed {
		t.Fatalf("outcome=%s", att.Outcome)
	}
	if len(h.jobs.deactivated) != 1 || h.jobs.deactivated[0] != "a" {
		t.Fatalf("deactivated=%v", h.jobs.deactivated)
	}
}

func TestAbortedFirings(t *testing.T) {
	t.Parallel()
	gen := genFunc(func(context.Context, report.Request) (report.Payload, error) {
		t.Fatalf("generator must not run")
		return report.Payload{}, nil
	})
	paused := sub("p", 1, "all")
	paused.Active = false
	h := newHarness(gen, paused)

	if _, ok := h.d.Dispatch(context.Background(), "missing"); ok {
		t.Fatalf("missing subscription dispatched")
	}
	if _, ok := h.d.Dispatch(context.Background(), "p"); ok {
		t.Fatalf("paused subscription dispatched")
	}
	if len(h.jobs.forgotten) != 2 {
		t.Fatalf("forgotten=%v", h.jobs.forgotten)
	}

	h.store.getErr = subscription.ErrStorageUnavailable
	if _, ok := h.d.Dispatch(context.Background(), "p"); ok {
		t.Fatalf("dispatched without storage")
	}
	if len(h.jobs.forgotten) != 2 || len(h.store.attempts) != 0 {
		t.Fatalf("storage outage must not touch jobs or attempts")
	}
}

func TestPanicIsContained(t *testing.T) {
	t.Parallel()
	gen := genFunc(func(context.Context, report.Request) (report.Payload, error) { panic("boom") })
	h := newHarness(gen, sub("a", 1, "all"))
	if _, ok := h.d.Dispatch(context.Background(), "a"); ok {
		t.Fatalf("panicking firing reported success")
	}
}

func TestWindowUsesOwnerDate(t *testing.T) {
	t.Parallel()
	var got report.Request
	gen := genFunc(func(_ context.Context, req report.Request) (report.Payload, error) {
		got = req
		return report.Payload{Title: "x"}, nil
	})
	s := sub("a", 1, "all")
	s.TZOffset = 3
	h := newHarness(gen, s)
	// 22:30 UTC on Oct 16 is already Oct 17 for an owner at +3.
	h.d.now = func() time.Time { return time.Date(2026, 10, 16, 22, 30, 0, 0, time.UTC) }
	h.d.Dispatch(context.Background(), "a")
	if want := time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC); !got.From.Equal(want) {
		t.Fatalf("from=%s want %s", got.From, want)
	}
}
