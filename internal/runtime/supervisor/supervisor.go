// Package supervisor runs named goroutines that share one cancellable
// context. Panics are recovered and reported, the first failure is kept,
// and Wait honours the caller's deadline.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	logx "reportbot/pkg/logx"
)

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    logx.Logger

	cancelOnErr bool

	first  atomic.Pointer[error]
	active atomic.Int64

	wg   sync.WaitGroup
	once sync.Once
	done chan struct{}
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the shared context on the first failure.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	s := &Supervisor{log: logx.Nop(), done: make(chan struct{})}
	s.ctx, s.cancel = context.WithCancel(parent)
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the shared context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

// Active is the number of goroutines currently running.
func (s *Supervisor) Active() int64 { return s.active.Load() }

// Err is the first recorded failure, if any.
func (s *Supervisor) Err() error {
	if p := s.first.Load(); p != nil {
		return *p
	}
	return nil
}

// Go runs fn in a new goroutine. A non-nil error other than
// context.Canceled, or a panic, is recorded as a failure.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.wg.Add(1)
	s.active.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.active.Add(-1)
		l := s.log.With(logx.String("name", name))
		l.Debug("goroutine started")
		err := guard(s.ctx, fn, l)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.fail(fmt.Errorf("%s: %w", name, err))
		}
		l.Debug("goroutine stopped")
	}()
}

// Go0 is Go for functions that cannot fail.
func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// Stop cancels and waits.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine returned or ctx ends, then reports Err
// (or ctx's error).
func (s *Supervisor) Wait(ctx context.Context) error {
	s.once.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.done)
		}()
	})
	select {
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) fail(err error) {
	s.record(err)
	if s.cancelOnErr {
		s.cancel()
	}
}

func (s *Supervisor) record(err error) {
	if err != nil {
		s.first.CompareAndSwap(nil, &err)
	}
}

// guard turns a panic in fn into an error carrying the stack.
func guard(ctx context.Context, fn func(context.Context) error, l logx.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			l.Error("goroutine panicked", logx.Any("panic", r), logx.Stack(string(stack)))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}
