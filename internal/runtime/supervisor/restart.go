package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	logx "reportbot/pkg/logx"
)

// A run that lasted this long resets the backoff.
const healthyRun = 30 * time.Second

var errExited = errors.New("exited")

type RestartOption func(*restartPolicy)

type restartPolicy struct {
	minBackoff, maxBackoff time.Duration

	stopOnCleanExit bool
	publishFirstErr bool
}

func WithRestartBackoff(lo, hi time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if lo > 0 {
			p.minBackoff = lo
		}
		if hi > 0 {
			p.maxBackoff = hi
		}
	}
}

// WithPublishFirstError records the first failure in Err while still restarting.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.publishFirstErr = enabled }
}

// WithStopOnCleanExit stops (instead of restarting) when fn returns nil. Default true.
func WithStopOnCleanExit(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.stopOnCleanExit = enabled }
}

// GoRestart keeps fn running: after an error or panic it is started again
// with jittered exponential backoff until the context ends.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	p := restartPolicy{minBackoff: 250 * time.Millisecond, maxBackoff: 30 * time.Second, stopOnCleanExit: true}
	for _, o := range opts {
		o(&p)
	}
	p.maxBackoff = max(p.maxBackoff, p.minBackoff)

	s.Go0(name+".restart", func(ctx context.Context) {
		l := s.log.With(logx.String("name", name))
		backoff := p.minBackoff
		for {
			started := time.Now()
			err := guard(ctx, fn, l)
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			if err == nil {
				if p.stopOnCleanExit {
					return
				}
				err = errExited
			}
			if p.publishFirstErr {
				s.record(fmt.Errorf("%s: %w", name, err))
			}
			if time.Since(started) >= healthyRun {
				backoff = p.minBackoff
			}
			wait := jitter(backoff)
			l.Warn("goroutine restarting", logx.Duration("backoff", wait), logx.Err(err))
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			backoff = min(backoff*2, p.maxBackoff)
		}
	})
}

// jitter adds up to 20% to d.
func jitter(d time.Duration) time.Duration {
	if j := d / 5; j > 0 {
		return d + rand.N(j+1)
	}
	return d
}
