package bot

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"reportbot/internal/registry"
	"reportbot/internal/report"
	"reportbot/internal/subscription"
	kit "reportbot/internal/transport"
	"reportbot/internal/transport/telegram/router"
	"reportbot/internal/wizard"
	logx "reportbot/pkg/logx"
)

type fakeSubs struct {
	mu      sync.Mutex
	entries []registry.Entry
	deleted []string
	active  map[string]bool
	err     error
}

func (f *fakeSubs) List(context.Context, int64) ([]registry.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.entries, f.err
}

func (f *fakeSubs) Delete(_ context.Context, _ int64, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return true, f.err
}

func (f *fakeSubs) DeleteOwner(context.Context, int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries), f.err
}

func (f *fakeSubs) SetActive(_ context.Context, _ int64, id string, active bool) (subscription.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active == nil {
		f.active = map[string]bool{}
	}
	f.active[id] = active
	return subscription.Subscription{ID: id}, f.err
}

type saverFunc func(context.Context, subscription.Subscription) (subscription.Subscription, error)

func (f saverFunc) Save(ctx context.Context, s subscription.Subscription) (subscription.Subscription, error) {
	return f(ctx, s)
}

type recorder struct {
	mu    sync.Mutex
	sent  []string
	edits []string
}

func (r *recorder) Start(context.Context, chan<- kit.Update) error { return nil }
func (r *recorder) Stop(context.Context) error                     { return nil }
func (r *recorder) SendText(_ context.Context, _ kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, text)
	return kit.MessageRef{}, nil
}
func (r *recorder) SendDocument(context.Context, kit.ChatTarget, kit.Document) (kit.MessageRef, error) {
	return kit.MessageRef{}, nil
}
func (r *recorder) EditText(_ context.Context, _ kit.MessageRef, text string, _ *kit.SendOptions) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.edits = append(r.edits, text)
	return nil
}
func (r *recorder) AnswerCallback(context.Context, string, string) error { return nil }

func (r *recorder) last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sent) == 0 {
		return ""
	}
	return r.sent[len(r.sent)-1]
}

func setup(subs *fakeSubs) (*Handlers, *recorder, *[]subscription.Subscription) {
	var saved []subscription.Subscription
	saver := saverFunc(func(_ context.Context, s subscription.Subscription) (subscription.Subscription, error) {
		s.ID = "new"
		saved = append(saved, s)
		return s, nil
	})
	wiz := wizard.New(wizard.Config{}, report.NewCatalog(nil), saver, "UTC", logx.Nop(), nil)
	h := New(subs, wiz, func() string { return "help" }, time.UTC, "UTC", logx.Nop())
	return h, &recorder{}, &saved
}

func message(ad kit.Adapter, text string, args ...string) *router.Request {
	return &router.Request{
		Update:  kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{FromID: 5, ChatID: 5, Text: text}},
		Chat:    kit.ChatTarget{ChatID: 5},
		FromID:  5,
		Text:    text,
		Args:    args,
		Adapter: ad,
		Logger:  logx.Nop(),
	}
}

func TestWizardThroughTextAndButtons(t *testing.T) {
	t.Parallel()
	h, ad, saved := setup(&fakeSubs{})
	ctx := context.Background()

	if err := h.subscribe(ctx, message(ad, "/subscribe")); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(ad.last(), "How often") {
		t.Fatalf("first prompt %q", ad.last())
	}
	for _, in := range []string{"daily", "0", "07:30"} {
		if err := h.Text(ctx, message(ad, in)); err != nil {
			t.Fatal(err)
		}
	}
	cb := message(ad, "")
	cb.Update = kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{ID: "x", FromID: 5, ChatID: 5, MessageID: 3}}
	cb.MessageID = 3
	cb.Payload = "revenue"
	if err := h.wizardOption(ctx, cb); err != nil {
		t.Fatal(err)
	}
	if len(*saved) != 1 || (*saved)[0].Time != (subscription.TimeOfDay{Hour: 7, Minute: 30}) {
		t.Fatalf("saved %+v", *saved)
	}
	if len(ad.edits) != 1 || !strings.Contains(ad.edits[0], "Subscription saved") {
		t.Fatalf("button completion should edit in place: %q", ad.edits)
	}
}

func TestTextWithoutSessionHints(t *testing.T) {
	t.Parallel()
	h, ad, _ := setup(&fakeSubs{})
	if err := h.Text(context.Background(), message(ad, "hello")); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(ad.last(), "/subscribe") {
		t.Fatalf("reply %q", ad.last())
	}
}

func TestUnsubscribeByNumberAndAll(t *testing.T) {
	t.Parallel()
	subs := &fakeSubs{entries: []registry.Entry{
		{Subscription: subscription.Subscription{ID: "a", Active: true}},
		{Subscription: subscription.Subscription{ID: "b", Active: true}},
	}}
	h, ad, _ := setup(subs)
	ctx := context.Background()

	if err := h.unsubscribe(ctx, message(ad, "/unsubscribe 2", "2")); err != nil {
		t.Fatal(err)
	}
	if len(subs.deleted) != 1 || subs.deleted[0] != "b" {
		t.Fatalf("deleted %v", subs.deleted)
	}
	_ = h.unsubscribe(ctx, message(ad, "/unsubscribe 9", "9"))
	if !strings.Contains(ad.last(), "no subscription #9") {
		t.Fatalf("reply %q", ad.last())
	}
	_ = h.unsubscribe(ctx, message(ad, "/unsubscribe all", "all"))
	if !strings.Contains(ad.last(), "Deleted 2") {
		t.Fatalf("reply %q", ad.last())
	}
	_ = h.unsubscribe(ctx, message(ad, "/unsubscribe"))
	if !strings.Contains(ad.last(), "Usage") {
		t.Fatalf("reply %q", ad.last())
	}
}

func TestListShowsScheduleAndLastOutcome(t *testing.T) {
	t.Parallel()
	wd := subscription.Monday
	next := time.Date(2026, 10, 19, 6, 0, 0, 0, time.UTC)
	subs := &fakeSubs{entries: []registry.Entry{{
		Subscription: subscription.Subscription{
			ID: "a", Active: true, Periodicity: subscription.Weekly, Weekday: &wd,
			Time: subscription.TimeOfDay{Hour: 9}, TZOffset: 3,
			Report: report.Descriptor{Kind: report.KindRevenue, Department: "all", Window: report.WindowLast7Days, Format: report.FormatPDF},
		},
		Scheduled: true,
		Next:      next,
		Last:      &subscription.Attempt{Outcome: subscription.Delivered, FinishedAt: next.AddDate(0, 0, -7)},
	}}}
	h, ad, _ := setup(subs)
	if err := h.list(context.Background(), message(ad, "/subscriptions")); err != nil {
		t.Fatal(err)
	}
	out := ad.last()
	for _, want := range []string{"1. Revenue", "weekly on Monday at 09:00 (UTC+3)", "next: Mon 19 Oct 09:00", "last: delivered"} {
		if !strings.Contains(out, want) {
			t.Fatalf("list missing %q:\n%s", want, out)
		}
	}
}

func TestStorageOutageIsReported(t *testing.T) {
	t.Parallel()
	h, ad, _ := setup(&fakeSubs{err: subscription.ErrStorageUnavailable})
	err := h.list(context.Background(), message(ad, "/subscriptions"))
	if err == nil || !strings.Contains(ad.last(), "Storage is unavailable") {
		t.Fatalf("err=%v reply=%q", err, ad.last())
	}
}

func TestPauseResume(t *testing.T) {
	t.Parallel()
	subs := &fakeSubs{}
	h, ad, _ := setup(subs)
	req := message(ad, "")
	req.Payload = "a"
	if err := h.setActive(false)(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	if subs.active["a"] || !strings.Contains(ad.last(), "Paused") {
		t.Fatalf("active=%v reply=%q", subs.active, ad.last())
	}
}
