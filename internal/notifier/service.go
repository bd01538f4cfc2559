package notifier

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"reportbot/internal/eventbus"
	rtsup "reportbot/internal/runtime/supervisor"
	"reportbot/internal/transport"
	logx "reportbot/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

type job struct {
	n     Notice
	key   string
	until time.Time // dedup deadline to persist once sent
}

// Service queues failure notices and sends them from a small worker pool.
// Safe for concurrent use.
type Service struct {
	log    logx.Logger
	sender Sender
	bus    eventbus.Bus
	dedup  *suppressor

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	run     *runState // nil while stopped
	// stopping is closed when an in-progress Stop finishes.
	stopping chan struct{}
}

// runState is everything that exists only between Start and Stop.
type runState struct {
	queue   chan job
	persist chan job          // nil unless dedup is persisted
	sup     *rtsup.Supervisor // workers
	writer  *rtsup.Supervisor // persist loop, stopped after the workers drain
	intake  sync.WaitGroup
}

// New builds a stopped service. store is used for dedup only when
// cfg.PersistDedup is set at construction time.
func New(cfg Config, sender Sender, log logx.Logger, bus eventbus.Bus, store DedupStore) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	cfg = withDefaults(cfg)
	if !cfg.PersistDedup {
		store = nil
	}
	return &Service{
		sender:  sender,
		log:     log.With(logx.String("comp", "notifier")),
		bus:     bus,
		dedup:   newSuppressor(cfg.DedupMaxEntries, store),
		cfg:     cfg,
		limiter: newLimiter(cfg),
	}
}

func withDefaults(cfg Config) Config {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 10
	}
	cfg.RetryMax = max(cfg.RetryMax, 0)
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	cfg.DedupWindow = max(cfg.DedupWindow, 0)
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}
	return cfg
}

// Telegram tolerates short bursts; burst equals the per-second rate.
func newLimiter(cfg Config) *rate.Limiter {
	return rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Apply swaps settings in place. Worker count and queue size take effect on
// the next Start.
func (s *Service) Apply(cfg Config) {
	cfg = withDefaults(cfg)
	s.mu.Lock()
	s.cfg = cfg
	s.limiter = newLimiter(cfg)
	s.mu.Unlock()
}

// Start is idempotent; a disabled service stays stopped.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if wait := s.stopping; wait != nil {
		s.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	defer s.mu.Unlock()
	if s.run != nil || !s.cfg.Enabled {
		return
	}

	rs := &runState{
		queue: make(chan job, s.cfg.QueueSize),
		// notices are best effort; a failing worker never cancels the app
		sup: rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false)),
	}
	if s.dedup.store != nil {
		rs.persist = make(chan job, 256)
		rs.writer = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
		rs.writer.GoRestart("dedup.persist", func(c context.Context) error {
			return s.persistLoop(c, rs.persist)
		})
	}
	for i := range s.cfg.Workers {
		rs.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			for j := range rs.queue {
				if c.Err() != nil {
					return c.Err()
				}
				s.send(c, j, rs.persist)
			}
			return nil
		}, rtsup.WithPublishFirstError(true))
	}
	s.run = rs
	s.log.Debug("service started", logx.Int("workers", s.cfg.Workers))
}

// Stop refuses new notices and drains queued ones until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	rs := s.run
	if rs == nil {
		s.mu.Unlock()
		return
	}
	if wait := s.stopping; wait != nil {
		s.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopping = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		rs.intake.Wait()
		close(rs.queue)
		_ = rs.sup.Wait(context.Background())
		rs.sup.Cancel()
		if rs.writer != nil {
			close(rs.persist)
			_ = rs.writer.Wait(context.Background())
			rs.writer.Cancel()
		}

		s.mu.Lock()
		s.run = nil
		s.stopping = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		rs.sup.Cancel()
		if rs.writer != nil {
			rs.writer.Cancel()
		}
	}
}

// Notify queues n unless an identical notice (same owner, subscription and
// reason) went out within the dedup window; suppressed notices return nil.
func (s *Service) Notify(ctx context.Context, n Notice) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	cfg, rs := s.cfg, s.run
	switch {
	case !cfg.Enabled:
		s.mu.Unlock()
		return ErrDisabled
	case rs == nil || s.stopping != nil:
		s.mu.Unlock()
		return ErrStopped
	}
	rs.intake.Add(1)
	s.mu.Unlock()
	defer rs.intake.Done()

	ev := eventOf(n)
	j := job{n: n, key: dedupKey(n)}
	if cfg.DedupWindow > 0 {
		until, ok := s.dedup.claim(ctx, j.key, cfg.DedupWindow, time.Now())
		if !ok {
			s.publish(TypeDeduped, ev)
			return nil
		}
		j.until = until
	}
	select {
	case rs.queue <- j:
		s.publish(TypeQueued, ev)
		return nil
	default:
		ev.Error = ErrQueueFull.Error()
		s.publish(TypeDropped, ev)
		return ErrQueueFull
	}
}

func eventOf(n Notice) NoticeEvent {
	return NoticeEvent{OwnerID: n.OwnerID, SubscriptionID: n.SubscriptionID, Reason: n.Reason}
}

func (s *Service) publish(typ string, ev NoticeEvent) {
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}

// persistLoop returns nil once ch is closed.
func (s *Service) persistLoop(ctx context.Context, ch <-chan job) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case j, ok := <-ch:
			if !ok {
				return nil
			}
			cctx, cancel := context.WithTimeout(ctx, time.Second)
			if err := s.dedup.store.PutDedup(cctx, j.key, j.until); err != nil {
				s.log.Debug("dedup persist failed", logx.Err(err))
			}
			cancel()
		}
	}
}

// send delivers one notice, retrying transient failures. An owner who
// blocked the bot is not retried.
func (s *Service) send(ctx context.Context, j job, persist chan<- job) {
	if s.sender == nil || j.n.Text == "" {
		return
	}
	s.mu.Lock()
	cfg, lim := s.cfg, s.limiter
	s.mu.Unlock()

	ev := eventOf(j.n)
	to := transport.ChatTarget{ChatID: j.n.OwnerID}
	opt := &transport.SendOptions{ParseMode: "HTML", DisablePreview: true}
	var err error
	for attempt := 0; attempt <= cfg.RetryMax; attempt++ {
		if attempt > 0 {
			if !sleepCtx(ctx, backoff(cfg, attempt)) {
				return
			}
		}
		if lim.Wait(ctx) != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		_, err = s.sender.SendText(callCtx, to, j.n.Text, opt)
		cancel()
		if err == nil {
			s.publish(TypeSent, ev)
			if persist != nil && !j.until.IsZero() {
				select {
				case persist <- j:
				default:
				}
			}
			return
		}
		s.log.Debug("notice send failed", logx.Int64("owner", j.n.OwnerID), logx.Int("attempt", attempt+1), logx.Err(err))
		if errors.Is(err, transport.ErrRecipientUnavailable) {
			break
		}
	}
	ev.Error = err.Error()
	s.publish(TypeFailed, ev)
	s.log.Warn("notice not delivered", logx.Int64("owner", j.n.OwnerID), logx.String("sub", j.n.SubscriptionID), logx.Err(err))
}

// backoff doubles from RetryBase up to RetryMaxDelay with +-30% jitter.
func backoff(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase << min(attempt-1, 20)
	if d <= 0 || d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	d = time.Duration(float64(d) * (0.7 + 0.6*rand.Float64()))
	return min(d, cfg.RetryMaxDelay)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
