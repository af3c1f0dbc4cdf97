package rxtest

import (
	"sync"

	"github.com/jhump/rxgrpc"
)

// Sink is a CallStreamObserver that records what it is sent. Its readiness
// is controlled by the test: while not ready, a well-behaved producer stops
// sending, and SetReady(true) invokes the registered on-ready handler.
type Sink[T any] struct {
	mu        sync.Mutex
	ready     bool
	onReady   func()
	values    []T
	err       error
	completed bool
	terminals int
	done      chan struct{}
	requests  []int
	cancelled bool
}

var _ rxgrpc.CallStreamObserver[int] = (*Sink[int])(nil)

// NewSink returns a sink with the given initial readiness.
func NewSink[T any](ready bool) *Sink[T] {
	return &Sink[T]{ready: ready, done: make(chan struct{})}
}

func (s *Sink[T]) OnNext(item T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = append(s.values, item)
}

func (s *Sink[T]) OnError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminals++
	if s.terminals == 1 {
		s.err = err
		close(s.done)
	}
}

func (s *Sink[T]) OnCompleted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminals++
	if s.terminals == 1 {
		s.completed = true
		close(s.done)
	}
}

func (s *Sink[T]) Request(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, n)
}

func (s *Sink[T]) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = true
}

func (s *Sink[T]) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *Sink[T]) SetOnReadyHandler(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReady = fn
}

// SetReady changes the sink's readiness. Becoming ready calls the on-ready
// handler on the calling goroutine.
func (s *Sink[T]) SetReady(ready bool) {
	s.mu.Lock()
	s.ready = ready
	fn := s.onReady
	s.mu.Unlock()
	if ready && fn != nil {
		fn()
	}
}

func (s *Sink[T]) Values() []T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]T(nil), s.values...)
}

func (s *Sink[T]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Sink[T]) Completed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed
}

// Terminals returns how many terminal signals the sink received.
func (s *Sink[T]) Terminals() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminals
}

func (s *Sink[T]) Done() <-chan struct{} {
	return s.done
}
