package rxgrpc

// FusionMode describes how a consumer and a producer agree to exchange
// elements when the consumer can poll the producer's buffer directly.
type FusionMode int

const (
	// FusionNone means elements are delivered one at a time through
	// Subscriber.OnNext, with per-element demand accounting.
	FusionNone FusionMode = 0
	// FusionSync means the producer's buffer is complete: Poll returning
	// false means the stream is over. No adapter in this package offers it,
	// since elements arrive from a call asynchronously.
	FusionSync FusionMode = 1
	// FusionAsync means elements may arrive in the buffer at any time. The
	// producer signals QueueSubscriber.OnAvailable when there may be new
	// elements to poll, and still signals OnError or OnComplete when done.
	FusionAsync FusionMode = 2
	// FusionAny is requested by consumers that accept either mode.
	FusionAny = FusionSync | FusionAsync
)

func (m FusionMode) String() string {
	switch m {
	case FusionNone:
		return "none"
	case FusionSync:
		return "sync"
	case FusionAsync:
		return "async"
	case FusionAny:
		return "any"
	default:
		return "invalid"
	}
}

// QueueSubscription is a Subscription whose buffered elements a consumer
// may poll directly once fusion has been negotiated.
//
// RequestFusion may only be called from within Subscriber.OnSubscribe. Poll,
// IsEmpty and Clear must only be called by one goroutine at a time, and only
// after fusion was granted.
type QueueSubscription[T any] interface {
	Subscription
	// RequestFusion asks the producer to switch to one of the modes in
	// requested. It returns the granted mode, which is FusionNone if fusion
	// is not possible.
	RequestFusion(requested FusionMode) FusionMode
	// Poll removes and returns the next buffered element. It never blocks;
	// it returns false if no element is currently available.
	Poll() (T, bool)
	// Size returns the number of buffered elements.
	Size() int
	// IsEmpty reports whether the buffer has no elements.
	IsEmpty() bool
	// Clear discards all buffered elements.
	Clear()
}

// QueueSubscriber is a Subscriber that can drain a QueueSubscription
// itself. In FusionAsync mode OnNext is never called: OnAvailable is
// signaled instead whenever the consumer should poll. A terminal signal may
// arrive while elements are still buffered; the consumer should poll until
// the buffer is empty before acting on it.
type QueueSubscriber[T any] interface {
	Subscriber[T]
	OnAvailable()
}

// RequestFusion implements QueueSubscription. Fusion is granted in
// FusionAsync mode only, only to a subscriber that implements
// QueueSubscriber, and only while that subscriber is being subscribed.
func (p *StreamObserverPublisher[T]) RequestFusion(requested FusionMode) FusionMode {
	if requested&FusionAsync == 0 || !p.fusable.Load() || p.downstream.Load() != nil {
		return FusionNone
	}
	p.outputFused.Store(true)
	return FusionAsync
}

// Poll implements QueueSubscription. Polling is what replenishes the push
// source in fused mode, in the same fixed batches as regular delivery.
func (p *StreamObserverPublisher[T]) Poll() (T, bool) {
	if p.cancelled.Load() || p.aborted.Load() {
		var zero T
		return zero, false
	}
	item, ok := p.queue.poll()
	if ok {
		p.replenish()
	}
	return item, ok
}

// Size implements QueueSubscription. Once the stream is cancelled or
// aborted, nothing remains to be polled, so it reports zero.
func (p *StreamObserverPublisher[T]) Size() int {
	if p.cancelled.Load() || p.aborted.Load() {
		return 0
	}
	return p.queue.size()
}

// IsEmpty implements QueueSubscription. It agrees with Poll: once the stream
// is cancelled or aborted it reports true.
func (p *StreamObserverPublisher[T]) IsEmpty() bool {
	return p.cancelled.Load() || p.aborted.Load() || p.queue.isEmpty()
}

// Clear implements QueueSubscription.
func (p *StreamObserverPublisher[T]) Clear() {
	p.queue.clear()
}

// drainFused is the drain pass for a fused consumer: it never touches the
// buffer itself, it only tells the consumer to poll and then delivers the
// terminal signal.
func (p *StreamObserverPublisher[T]) drainFused(s QueueSubscriber[T]) {
	if p.terminated.Load() {
		return
	}
	if p.cancelled.Load() {
		p.downstream.Store(nil)
		return
	}
	d := p.done.Load()
	if !safely("OnAvailable", s.OnAvailable) {
		p.cancelAfterPanic(false)
		return
	}
	if d {
		p.terminate(s)
	}
}
