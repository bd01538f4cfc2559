package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"reportbot/internal/transport"
	logx "reportbot/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	calls int
	sent  []string
	err   error
}

func (f *fakeSender) SendText(_ context.Context, to transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return transport.MessageRef{}, f.err
	}
	f.sent = append(f.sent, text)
	return transport.MessageRef{ChatID: to.ChatID}, nil
}

func (f *fakeSender) snapshot() (int, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls, append([]string(nil), f.sent...)
}

type memDedup struct {
	mu sync.Mutex
	m  map[string]time.Time
}

func (d *memDedup) PutDedup(_ context.Context, key string, until time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.m[key] = until
	return nil
}

func (d *memDedup) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.m[key]
	return u, ok, nil
}

func startService(t *testing.T, cfg Config, sender Sender, store DedupStore) *Service {
	t.Helper()
	cfg.Enabled = true
	cfg.RatePerSec = 1000
	s := New(cfg, sender, logx.Nop(), nil, store)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func stopAndDrain(s *Service) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
}

func TestNotifyDeliversAndDedups(t *testing.T) {
	t.Parallel()
	f := &fakeSender{}
	s := startService(t, Config{DedupWindow: time.Hour}, f, nil)
	n := Notice{OwnerID: 7, SubscriptionID: "a", Reason: "auth_expired", Text: "report access expired"}
	for i := 0; i < 3; i++ {
		if err := s.Notify(context.Background(), n); err != nil {
			t.Fatalf("Notify: %v", err)
		}
	}
	other := n
	other.SubscriptionID = "b"
	_ = s.Notify(context.Background(), other)
	stopAndDrain(s)

	_, sent := f.snapshot()
	if len(sent) != 2 {
		t.Fatalf("sent %d notices, want 2", len(sent))
	}
}

func TestPersistedDedupSurvivesRestart(t *testing.T) {
	t.Parallel()
	store := &memDedup{m: map[string]time.Time{}}
	n := Notice{OwnerID: 7, SubscriptionID: "a", Reason: "auth_expired", Text: "x"}

	f1 := &fakeSender{}
	s1 := startService(t, Config{DedupWindow: time.Hour, PersistDedup: true}, f1, store)
	_ = s1.Notify(context.Background(), n)
	stopAndDrain(s1)

	f2 := &fakeSender{}
	s2 := startService(t, Config{DedupWindow: time.Hour, PersistDedup: true}, f2, store)
	_ = s2.Notify(context.Background(), n)
	stopAndDrain(s2)

	if _, sent := f2.snapshot(); len(sent) != 0 {
		t.Fatalf("restarted notifier repeated a deduped notice")
	}
}

func TestGoneRecipientIsNotRetried(t *testing.T) {
	t.Parallel()
	f := &fakeSender{err: transport.ErrRecipientUnavailable}
	s := startService(t, Config{RetryMax: 3, RetryBase: time.Millisecond}, f, nil)
	_ = s.Notify(context.Background(), Notice{OwnerID: 7, Text: "x"})
	stopAndDrain(s)
	if calls, _ := f.snapshot(); calls != 1 {
		t.Fatalf("calls=%d want 1", calls)
	}
}

func TestTransientFailureIsRetried(t *testing.T) {
	t.Parallel()
	f := &fakeSender{err: errors.New("timeout")}
	s := startService(t, Config{RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond}, f, nil)
	_ = s.Notify(context.Background(), Notice{OwnerID: 7, Text: "x"})
	stopAndDrain(s)
	if calls, _ := f.snapshot(); calls != 3 {
		t.Fatalf("calls=%d want 3", calls)
	}
}

func TestNotifyStates(t *testing.T) {
	t.Parallel()
	disabled := New(Config{}, &fakeSender{}, logx.Nop(), nil, nil)
	if err := disabled.Notify(context.Background(), Notice{OwnerID: 1, Text: "x"}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err=%v", err)
	}
	idle := New(Config{Enabled: true}, &fakeSender{}, logx.Nop(), nil, nil)
	if err := idle.Notify(context.Background(), Notice{OwnerID: 1, Text: "x"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("err=%v", err)
	}
}
