package rxgrpc

import (
	"container/list"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
)

// inboundStream is the CallStream for the receiving half of a gRPC stream.
// Messages are only read from the stream while the observer has credit for
// them, so gRPC's own flow control pushes back on the remote sender when the
// local consumer is slow.
type inboundStream[T any] struct {
	ctx      context.Context
	cancel   context.CancelFunc
	recv     func() (T, error)
	observer StreamObserver[T]

	credit        atomic.Int64
	creditUpdates chan struct{}
	done          chan struct{}
}

func newInboundStream[T any](ctx context.Context, recv func() (T, error), observer StreamObserver[T]) *inboundStream[T] {
	ctx, cancel := context.WithCancel(ctx)
	return &inboundStream[T]{
		ctx:           ctx,
		cancel:        cancel,
		recv:          recv,
		observer:      observer,
		creditUpdates: make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
}

func (s *inboundStream[T]) start() {
	go s.recvLoop()
}

// Request implements CallStream.
func (s *inboundStream[T]) Request(n int) {
	if n <= 0 {
		return
	}
	add := int64(n)
	prevCredit := s.credit.Add(add) - add
	if prevCredit == 0 {
		select {
		case s.creditUpdates <- struct{}{}:
		default:
		}
	}
}

// Cancel implements CallStream.
func (s *inboundStream[T]) Cancel() {
	s.cancel()
}

// IsReady implements CallStream. Readiness only matters for sending.
func (s *inboundStream[T]) IsReady() bool {
	return true
}

// SetOnReadyHandler implements CallStream. The handler is never called.
func (s *inboundStream[T]) SetOnReadyHandler(func()) {}

func (s *inboundStream[T]) recvLoop() {
	defer close(s.done)
	for {
		if s.credit.Load() == 0 {
			// must wait for more credit before we can read more
			select {
			case <-s.creditUpdates:
			case <-s.ctx.Done():
				s.observer.OnError(toStatusError(s.ctx.Err()))
				return
			}
			continue
		}
		msg, err := s.recv()
		if err == io.EOF {
			s.observer.OnCompleted()
			return
		}
		if err != nil {
			s.observer.OnError(toStatusError(err))
			return
		}
		s.credit.Add(-1)
		s.observer.OnNext(msg)
	}
}

var errOutboundStopped = errors.New("outbound stream stopped")

// outboundStream is the CallStreamObserver for the sending half of a gRPC
// stream. Messages are queued and written by a single goroutine, since
// SendMsg blocks when gRPC's flow-control window is exhausted. The stream
// is ready while fewer than window messages are queued.
type outboundStream[T any] struct {
	ctx    context.Context
	window int

	send      func(T) error
	closeSend func() error
	// onError is called when the producer fails the stream; onBroken when
	// the stream can no longer be written to.
	onError  func(error)
	onBroken func(error)

	mu        sync.Mutex
	cond      sync.Cond
	items     *list.List
	closed    bool
	failed    error
	ctxDone   bool
	wantReady bool
	onReady   func()
	stopCtx   func() bool
}

func newOutboundStream[T any](ctx context.Context, window int, send func(T) error) *outboundStream[T] {
	s := &outboundStream[T]{
		ctx:       ctx,
		window:    window,
		send:      send,
		closeSend: func() error { return nil },
		onError:   func(error) {},
		onBroken:  func(error) {},
		items:     list.New(),
	}
	s.cond.L = &s.mu
	return s
}

func (s *outboundStream[T]) start() {
	s.stopCtx = context.AfterFunc(s.ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.ctxDone = true
		s.cond.Broadcast()
	})
	go s.sendLoop()
}

// OnNext implements StreamObserver.
func (s *outboundStream[T]) OnNext(item T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.failed != nil || s.ctxDone {
		return
	}
	signal := s.items.Len() == 0
	s.items.PushBack(item)
	if signal {
		s.cond.Signal()
	}
}

// OnError implements StreamObserver. Queued messages are still sent first.
func (s *outboundStream[T]) OnError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.failed != nil {
		return
	}
	s.failed = err
	s.cond.Broadcast()
}

// OnCompleted implements StreamObserver. Queued messages are still sent
// first.
func (s *outboundStream[T]) OnCompleted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.failed != nil {
		return
	}
	s.closed = true
	s.cond.Broadcast()
}

// IsReady implements CallStream.
func (s *outboundStream[T]) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.items.Len() < s.window && !s.ctxDone {
		return true
	}
	s.wantReady = true
	return false
}

// SetOnReadyHandler implements CallStream.
func (s *outboundStream[T]) SetOnReadyHandler(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReady = fn
}

// Request implements CallStream. Outbound streams have nothing to request.
func (s *outboundStream[T]) Request(int) {}

// Cancel implements CallStream. It discards queued messages and stops the
// send loop without closing the stream.
func (s *outboundStream[T]) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctxDone = true
	s.items.Init()
	s.cond.Broadcast()
}

func (s *outboundStream[T]) sendLoop() {
	defer s.stopCtx()
	for {
		item, err := s.dequeue()
		switch {
		case err == errOutboundStopped:
			cause := s.ctx.Err()
			if cause == nil {
				cause = context.Canceled
			}
			s.onBroken(toStatusError(cause))
			return
		case err == io.EOF:
			if err := s.closeSend(); err != nil {
				s.onBroken(err)
			}
			return
		case err != nil:
			s.onError(err)
			return
		}
		if err := s.send(item); err != nil {
			s.Cancel()
			s.onBroken(err)
			return
		}
		if fn := s.takeReadyHandler(); fn != nil {
			fn()
		}
	}
}

// dequeue blocks until a message is queued or the stream is finished. It
// returns io.EOF once the producer has completed and every queued message
// was taken, or the producer's error.
func (s *outboundStream[T]) dequeue() (T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var zero T
	for {
		if s.ctxDone {
			return zero, errOutboundStopped
		}
		if front := s.items.Front(); front != nil {
			return s.items.Remove(front).(T), nil
		}
		if s.failed != nil {
			return zero, s.failed
		}
		if s.closed {
			return zero, io.EOF
		}
		s.cond.Wait()
	}
}

// takeReadyHandler returns the on-ready handler if a producer found the
// stream not ready and it has since become ready.
func (s *outboundStream[T]) takeReadyHandler() func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.wantReady || s.items.Len() >= s.window {
		return nil
	}
	s.wantReady = false
	return s.onReady
}
