package rxtest

import (
	"sync"

	"github.com/jhump/rxgrpc"
)

// FusedSubscriber negotiates async fusion and polls elements straight from
// the publisher's buffer. If fusion is refused, it falls back to requesting
// unbounded demand and recording elements from OnNext.
type FusedSubscriber[T any] struct {
	mu        sync.Mutex
	qs        rxgrpc.QueueSubscription[T]
	mode      rxgrpc.FusionMode
	values    []T
	nexts     int
	err       error
	completed bool
	done      chan struct{}
}

var _ rxgrpc.QueueSubscriber[int] = (*FusedSubscriber[int])(nil)

func NewFusedSubscriber[T any]() *FusedSubscriber[T] {
	return &FusedSubscriber[T]{done: make(chan struct{})}
}

func (s *FusedSubscriber[T]) OnSubscribe(sub rxgrpc.Subscription) {
	if qs, ok := sub.(rxgrpc.QueueSubscription[T]); ok {
		if mode := qs.RequestFusion(rxgrpc.FusionAny); mode == rxgrpc.FusionAsync {
			s.mu.Lock()
			s.qs = qs
			s.mode = mode
			s.mu.Unlock()
			return
		}
	}
	sub.Request(rxgrpc.Unbounded)
}

func (s *FusedSubscriber[T]) OnAvailable() {
	s.pollAll()
}

func (s *FusedSubscriber[T]) pollAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.qs == nil {
		return
	}
	for {
		item, ok := s.qs.Poll()
		if !ok {
			return
		}
		s.values = append(s.values, item)
	}
}

func (s *FusedSubscriber[T]) OnNext(item T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nexts++
	s.values = append(s.values, item)
}

func (s *FusedSubscriber[T]) OnError(err error) {
	s.pollAll()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
	close(s.done)
}

func (s *FusedSubscriber[T]) OnComplete() {
	s.pollAll()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = true
	close(s.done)
}

// Mode returns the negotiated fusion mode.
func (s *FusedSubscriber[T]) Mode() rxgrpc.FusionMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Values returns a copy of the elements received so far.
func (s *FusedSubscriber[T]) Values() []T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]T(nil), s.values...)
}

// NextCalls returns how many elements arrived through OnNext rather than
// being polled.
func (s *FusedSubscriber[T]) NextCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nexts
}

func (s *FusedSubscriber[T]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *FusedSubscriber[T]) Completed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed
}

func (s *FusedSubscriber[T]) Done() <-chan struct{} {
	return s.done
}
