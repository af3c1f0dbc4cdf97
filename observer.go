package rxgrpc

// StreamObserver is the push side of one direction of an RPC: the party
// holding it delivers elements and a terminal signal whenever it has them.
type StreamObserver[T any] interface {
	OnNext(item T)
	OnError(err error)
	OnCompleted()
}

// CallStream is the flow-control surface of one direction of an RPC.
type CallStream interface {
	// Request asks the call to deliver n more elements.
	Request(n int)
	// Cancel asks the call to stop producing. It is idempotent.
	Cancel()
	// IsReady reports whether the call can accept an outbound element
	// without buffering it excessively.
	IsReady() bool
	// SetOnReadyHandler registers a callback that runs whenever IsReady
	// transitions from false to true.
	SetOnReadyHandler(fn func())
}

// CallStreamObserver is an outbound sink for an RPC: a StreamObserver that
// also reports its readiness to accept more elements.
type CallStreamObserver[T any] interface {
	CallStream
	StreamObserver[T]
}
