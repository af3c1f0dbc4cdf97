package rxgrpc

import "google.golang.org/grpc"

const (
	// DefaultPrefetch is the batch in which adapters request elements from
	// their producers.
	DefaultPrefetch = 16
	// DefaultSendWindow is the number of outbound messages a gRPC stream
	// may have queued before it reports itself not ready.
	DefaultSendWindow = 8
)

// Option is an option for configuring the behavior of the flow-control
// adapters and of the calls that use them.
type Option interface {
	apply(*bridgeOpts)
}

// WithPrefetch returns an option that sets the batch size used to replenish
// a producer. The adapter requests this many elements up front and then
// another batch each time a full batch has been consumed, so at most one
// batch is ever buffered. Values less than one are ignored.
func WithPrefetch(n int) Option {
	return optFunc(func(opts *bridgeOpts) {
		if n > 0 {
			opts.prefetch = n
		}
	})
}

// WithName returns an option that names the adapter in the errors it
// reports, such as "<name> allows only a single Subscriber".
func WithName(name string) Option {
	return optFunc(func(opts *bridgeOpts) {
		opts.name = name
	})
}

// WithSendWindow returns an option that sets how many outbound messages a
// gRPC stream may queue before IsReady reports false. Values less than one
// are ignored.
func WithSendWindow(n int) Option {
	return optFunc(func(opts *bridgeOpts) {
		if n > 0 {
			opts.sendWindow = n
		}
	})
}

// WithCallOptions returns an option that supplies gRPC call options used
// when client calls create their stream.
func WithCallOptions(callOpts ...grpc.CallOption) Option {
	return optFunc(func(opts *bridgeOpts) {
		opts.callOpts = append(opts.callOpts, callOpts...)
	})
}

type bridgeOpts struct {
	name       string
	prefetch   int
	sendWindow int
	callOpts   []grpc.CallOption
}

func newBridgeOpts(defaultName string, opts []Option) *bridgeOpts {
	o := &bridgeOpts{
		name:       defaultName,
		prefetch:   DefaultPrefetch,
		sendWindow: DefaultSendWindow,
	}
	for _, opt := range opts {
		opt.apply(o)
	}
	return o
}

type optFunc func(*bridgeOpts)

func (f optFunc) apply(opts *bridgeOpts) {
	f(opts)
}
