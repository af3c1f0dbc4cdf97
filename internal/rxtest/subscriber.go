// Package rxtest provides fixtures for testing the flow-control adapters:
// recording subscribers, a scripted push source, and helpers for running
// and checking concurrent scenarios.
package rxtest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"code.hybscloud.com/iox"

	"github.com/jhump/rxgrpc"
)

// ErrTimeout is returned by Await when the subscriber does not terminate
// in time.
var ErrTimeout = errors.New("timed out waiting for terminal signal")

// TestSubscriber records every signal it receives. It also records protocol
// violations: overlapping signals, more elements than requested, and signals
// after a terminal one.
type TestSubscriber[T any] struct {
	initialRequest int64
	// OnNextHook, if set, is called for each element after it is recorded.
	// It is called with no locks held, so it may call Request or Cancel.
	OnNextHook func(T)

	sub       atomic.Pointer[subscriptionRef]
	inSignal  atomic.Bool
	requested atomic.Int64

	mu         sync.Mutex
	values     []T
	err        error
	completed  bool
	terminals  int
	violations []string
	done       chan struct{}
}

type subscriptionRef struct {
	rxgrpc.Subscription
}

var _ rxgrpc.Subscriber[int] = (*TestSubscriber[int])(nil)

// NewTestSubscriber returns a subscriber that requests initialRequest
// elements from OnSubscribe. Zero requests nothing; use rxgrpc.Unbounded
// for no limit.
func NewTestSubscriber[T any](initialRequest int64) *TestSubscriber[T] {
	return &TestSubscriber[T]{
		initialRequest: initialRequest,
		done:           make(chan struct{}),
	}
}

func (s *TestSubscriber[T]) enter(signal string) {
	if s.inSignal.Swap(true) {
		s.violation("%s overlaps another signal", signal)
	}
}

func (s *TestSubscriber[T]) exit() {
	s.inSignal.Store(false)
}

func (s *TestSubscriber[T]) violation(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.violations = append(s.violations, fmt.Sprintf(format, args...))
}

// OnSubscribe implements rxgrpc.Subscriber.
func (s *TestSubscriber[T]) OnSubscribe(sub rxgrpc.Subscription) {
	s.enter("OnSubscribe")
	first := s.sub.CompareAndSwap(nil, &subscriptionRef{sub})
	s.exit()
	if !first {
		s.violation("OnSubscribe called more than once")
		return
	}
	// a publisher may emit synchronously from this request
	if s.initialRequest > 0 {
		s.Request(s.initialRequest)
	}
}

// OnNext implements rxgrpc.Subscriber.
func (s *TestSubscriber[T]) OnNext(item T) {
	s.enter("OnNext")
	s.mu.Lock()
	if s.terminals > 0 {
		s.violations = append(s.violations, "OnNext after terminal signal")
	}
	s.values = append(s.values, item)
	received := int64(len(s.values))
	s.mu.Unlock()
	if r := s.requested.Load(); r != rxgrpc.Unbounded && received > r {
		s.violation("received %d elements but only requested %d", received, r)
	}
	s.exit()
	if s.OnNextHook != nil {
		s.OnNextHook(item)
	}
}

// OnError implements rxgrpc.Subscriber.
func (s *TestSubscriber[T]) OnError(err error) {
	s.enter("OnError")
	defer s.exit()
	s.terminate(err, false)
}

// OnComplete implements rxgrpc.Subscriber.
func (s *TestSubscriber[T]) OnComplete() {
	s.enter("OnComplete")
	defer s.exit()
	s.terminate(nil, true)
}

func (s *TestSubscriber[T]) terminate(err error, completed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminals++
	if s.terminals > 1 {
		s.violations = append(s.violations, "more than one terminal signal")
		return
	}
	s.err = err
	s.completed = completed
	close(s.done)
}

// Request asks the subscription for n more elements.
func (s *TestSubscriber[T]) Request(n int64) {
	if n > 0 {
		for {
			r := s.requested.Load()
			u := r + n
			if r == rxgrpc.Unbounded || u < 0 {
				u = rxgrpc.Unbounded
			}
			if s.requested.CompareAndSwap(r, u) {
				break
			}
		}
	}
	if ref := s.sub.Load(); ref != nil {
		ref.Request(n)
	}
}

// Cancel cancels the subscription.
func (s *TestSubscriber[T]) Cancel() {
	if ref := s.sub.Load(); ref != nil {
		ref.Cancel()
	}
}

// Values returns a copy of the elements received so far.
func (s *TestSubscriber[T]) Values() []T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]T(nil), s.values...)
}

// Count returns the number of elements received so far.
func (s *TestSubscriber[T]) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.values)
}

// Err returns the error the subscriber terminated with, if any.
func (s *TestSubscriber[T]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Completed reports whether OnComplete was received.
func (s *TestSubscriber[T]) Completed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed
}

// Terminated reports whether a terminal signal was received.
func (s *TestSubscriber[T]) Terminated() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Done returns a channel that is closed on the first terminal signal.
func (s *TestSubscriber[T]) Done() <-chan struct{} {
	return s.done
}

// Violations returns the protocol violations observed so far.
func (s *TestSubscriber[T]) Violations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.violations...)
}

// Await waits for a terminal signal. It returns ErrTimeout if none arrives
// within timeout, or the context error if ctx is done first.
func (s *TestSubscriber[T]) Await(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.done:
		return nil
	case <-timer.C:
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AwaitCount spins until at least n elements have been received or timeout
// elapses. It reports whether the count was reached.
func (s *TestSubscriber[T]) AwaitCount(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	var bo iox.Backoff
	for s.Count() < n {
		if time.Now().After(deadline) {
			return false
		}
		bo.Wait()
	}
	return true
}
