// Package safe_close coordinates the shutdown of a daemon and the
// goroutines it owns.
//
//  1. The main goroutine waits on Closing and calls Done before it returns.
//  2. Every other goroutine is started by Go and returns once its context
//     is cancelled.
//  3. Any goroutine may call Close to stop the daemon; the first non-nil
//     error is kept for Err. CloseWait must not be called from a goroutine
//     started by Go, or it deadlocks.
package safe_close

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
)

type SafeClose struct {
	m        sync.Mutex
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	doneOnce sync.Once
	closeErr error
}

func NewSafeClose() *SafeClose {
	ctx, cancel := context.WithCancel(context.Background())
	return &SafeClose{
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Context is cancelled when the close signal is sent.
func (s *SafeClose) Context() context.Context {
	return s.ctx
}

// Closing is closed when the close signal is sent.
func (s *SafeClose) Closing() <-chan struct{} {
	return s.ctx.Done()
}

// Close sends the close signal. Only the first non-nil err is kept.
func (s *SafeClose) Close(err error) {
	s.m.Lock()
	defer s.m.Unlock()
	if s.closeErr == nil && err != nil && s.ctx.Err() == nil {
		s.closeErr = err
	}
	s.cancel()
}

// Err returns the error that closed s, if any.
func (s *SafeClose) Err() error {
	s.m.Lock()
	defer s.m.Unlock()
	return s.closeErr
}

// Go runs f in a goroutine tracked by CloseWait. A non-nil error that
// is not caused by the close itself closes s. If s is already closed, f
// does not run and Go returns false.
func (s *SafeClose) Go(f func(ctx context.Context) error) bool {
	s.m.Lock()
	if s.ctx.Err() != nil {
		s.m.Unlock()
		return false
	}
	s.wg.Add(1)
	s.m.Unlock()

	go func() {
		defer s.wg.Done()
		if err := f(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.Close(err)
		}
	}()
	return true
}

// CloseOnSignal closes s when one of sigs arrives.
func (s *SafeClose) CloseOnSignal(sigs ...os.Signal) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, sigs...)
	ok := s.Go(func(ctx context.Context) error {
		defer signal.Stop(c)
		select {
		case <-c:
			s.Close(nil)
		case <-ctx.Done():
		}
		return nil
	})
	if !ok {
		signal.Stop(c)
	}
}

// Done tells CloseWait that the main goroutine returned.
// It may be called multiple times.
func (s *SafeClose) Done() {
	s.doneOnce.Do(func() {
		close(s.done)
	})
}

// CloseWait closes s and blocks until Done was called and every
// goroutine started by Go returned.
func (s *SafeClose) CloseWait() {
	s.Close(nil)
	s.wg.Wait()
	<-s.done
}
