package rxtest

import (
	"sync"
	"sync/atomic"

	"github.com/jhump/rxgrpc"
)

// Source is a scripted push source. It implements rxgrpc.CallStream and
// records every request it receives. Once started, it pushes one element
// per unit of requested credit to its observer, from a goroutine of its
// own, until it has pushed limit elements; then it completes.
//
// Elements are the consecutive integers starting at zero.
type Source struct {
	limit int

	mu        sync.Mutex
	requests  []int
	cancelled bool

	credit        atomic.Int64
	creditUpdates chan struct{}
	stop          chan struct{}
	stopOnce      sync.Once
	done          chan struct{}
	emitted       atomic.Int64
}

var _ rxgrpc.CallStream = (*Source)(nil)

// NewSource returns a source that pushes limit elements. A negative limit
// means the source never completes on its own.
func NewSource(limit int) *Source {
	return &Source{
		limit:         limit,
		creditUpdates: make(chan struct{}, 1),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Start launches the goroutine that pushes elements to observer.
func (s *Source) Start(observer rxgrpc.StreamObserver[int]) {
	go s.run(observer)
}

func (s *Source) run(observer rxgrpc.StreamObserver[int]) {
	defer close(s.done)
	for next := 0; s.limit < 0 || next < s.limit; {
		if s.credit.Load() == 0 {
			select {
			case <-s.creditUpdates:
			case <-s.stop:
				return
			}
			continue
		}
		select {
		case <-s.stop:
			return
		default:
		}
		s.credit.Add(-1)
		s.emitted.Add(1)
		observer.OnNext(next)
		next++
	}
	observer.OnCompleted()
}

// Request implements rxgrpc.CallStream.
func (s *Source) Request(n int) {
	s.mu.Lock()
	s.requests = append(s.requests, n)
	s.mu.Unlock()
	add := int64(n)
	if s.credit.Add(add)-add == 0 {
		select {
		case s.creditUpdates <- struct{}{}:
		default:
		}
	}
}

// Cancel implements rxgrpc.CallStream. It stops the source's goroutine.
func (s *Source) Cancel() {
	s.mu.Lock()
	s.cancelled = true
	s.mu.Unlock()
	s.stopOnce.Do(func() { close(s.stop) })
}

// IsReady implements rxgrpc.CallStream.
func (s *Source) IsReady() bool {
	return true
}

// SetOnReadyHandler implements rxgrpc.CallStream.
func (s *Source) SetOnReadyHandler(func()) {}

// Requests returns a copy of the request amounts received so far.
func (s *Source) Requests() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.requests...)
}

// Cancelled reports whether Cancel was called.
func (s *Source) Cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// Emitted returns how many elements were pushed.
func (s *Source) Emitted() int {
	return int(s.emitted.Load())
}

// Done returns a channel that is closed when the source's goroutine exits.
func (s *Source) Done() <-chan struct{} {
	return s.done
}
