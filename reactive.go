package rxgrpc

import "sync/atomic"

// Publisher is a provider of a potentially unbounded number of sequenced
// elements, publishing them according to the demand received from its
// Subscriber.
type Publisher[T any] interface {
	// Subscribe asks the publisher to start streaming to s. The subscriber is
	// always called back with OnSubscribe first, even if the subscription is
	// rejected (in which case OnError follows immediately).
	Subscribe(s Subscriber[T])
}

// Subscriber receives the signals of a single subscription. OnNext is only
// ever called as many times as the subscriber has requested via Request, and
// at most one of OnError and OnComplete is called, at most once.
//
// Signals to a subscriber are serialized: they never overlap, though they
// may arrive on different goroutines.
type Subscriber[T any] interface {
	OnSubscribe(s Subscription)
	OnNext(item T)
	OnError(err error)
	OnComplete()
}

// Subscription represents the one-to-one lifecycle of a Subscriber
// subscribing to a Publisher.
type Subscription interface {
	// Request adds n to the number of elements the subscriber is willing to
	// receive. A non-positive n is a protocol violation and is reported to
	// the subscriber as an error.
	Request(n int64)
	// Cancel asks the publisher to stop sending signals. It is idempotent.
	Cancel()
}

// PublisherFunc adapts a function to the Publisher interface. Each call to
// Subscribe invokes the function.
type PublisherFunc[T any] func(s Subscriber[T])

// Subscribe implements Publisher.
func (f PublisherFunc[T]) Subscribe(s Subscriber[T]) {
	f(s)
}

// Just returns a publisher that emits the given items, in order, to every
// subscriber and then completes. Emission honors requested demand.
func Just[T any](items ...T) Publisher[T] {
	return PublisherFunc[T](func(s Subscriber[T]) {
		sub := &sliceSubscription[T]{items: items, downstream: s}
		s.OnSubscribe(sub)
		// completes an empty slice without waiting for demand
		sub.drain()
	})
}

// Error returns a publisher that signals err to every subscriber without
// emitting any elements.
func Error[T any](err error) Publisher[T] {
	return PublisherFunc[T](func(s Subscriber[T]) {
		s.OnSubscribe(cancelledSubscription{})
		s.OnError(err)
	})
}

// sliceSubscription emits a fixed slice. The emission loop is serialized
// with the demand ledger so Request may be called from any goroutine,
// including re-entrantly from OnNext.
type sliceSubscription[T any] struct {
	items      []T
	downstream Subscriber[T]
	demand     demandLedger
	index      int
	failure    atomic.Pointer[error]
	cancelled  atomic.Bool
	finished   atomic.Bool
}

func (s *sliceSubscription[T]) Request(n int64) {
	if n <= 0 {
		err := nonPositiveRequestError("Just", n)
		s.failure.CompareAndSwap(nil, &err)
		s.drain()
		return
	}
	if !s.demand.addDemand(n) {
		return
	}
	s.drain()
}

func (s *sliceSubscription[T]) Cancel() {
	s.cancelled.Store(true)
}

// drain emits items against demand, and then the terminal signal. Only one
// goroutine runs it at a time, so signals never overlap.
func (s *sliceSubscription[T]) drain() {
	if !s.demand.markWorkScheduled() {
		return
	}
	missed := int32(1)
	for {
		for s.index < len(s.items) && s.failure.Load() == nil && !s.cancelled.Load() && s.demand.tryConsume(1) {
			item := s.items[s.index]
			s.index++
			s.downstream.OnNext(item)
		}
		if !s.cancelled.Load() && !s.finished.Load() {
			if errp := s.failure.Load(); errp != nil {
				s.finished.Store(true)
				s.cancelled.Store(true)
				s.downstream.OnError(*errp)
			} else if s.index == len(s.items) {
				s.finished.Store(true)
				s.downstream.OnComplete()
			}
		}
		missed = s.demand.markWorkDone(missed)
		if missed == 0 {
			return
		}
	}
}
