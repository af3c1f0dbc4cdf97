package rxgrpc

import (
	"context"
	"io"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
)

// OneToMany issues a server-streaming RPC and returns its responses as a
// Publisher. The RPC is started each time the returned publisher is
// subscribed to, and the subscriber's demand throttles how quickly
// responses are read from the stream. Cancelling the subscription cancels
// the RPC.
func OneToMany[Req, Resp proto.Message](ctx context.Context, cc grpc.ClientConnInterface, method string, req Req, opts ...Option) Publisher[Resp] {
	o := newBridgeOpts(method, opts)
	desc := &grpc.StreamDesc{StreamName: method, ServerStreams: true}
	return PublisherFunc[Resp](func(s Subscriber[Resp]) {
		call, err := startClientCall[Resp](ctx, cc, desc, method, o)
		if err != nil {
			Error[Resp](err).Subscribe(s)
			return
		}
		// if sending fails, the stream is already broken and receiving
		// reports why
		if err := call.stream.SendMsg(req); err == nil {
			_ = call.stream.CloseSend()
		}
		call.subscribe(s)
	})
}

// ManyToOne issues a client-streaming RPC. Requests are pulled from reqs
// only as fast as the stream can send them, and the single response is
// returned as a Publisher that emits one element. The RPC is started each
// time the returned publisher is subscribed to.
func ManyToOne[Req, Resp proto.Message](ctx context.Context, cc grpc.ClientConnInterface, method string, reqs Publisher[Req], opts ...Option) Publisher[Resp] {
	o := newBridgeOpts(method, opts)
	desc := &grpc.StreamDesc{StreamName: method, ClientStreams: true}
	return PublisherFunc[Resp](func(s Subscriber[Resp]) {
		call, err := startClientCall[Resp](ctx, cc, desc, method, o)
		if err != nil {
			Error[Resp](err).Subscribe(s)
			return
		}
		sendRequests(call, reqs, o)
		call.subscribe(s)
	})
}

// ManyToMany issues a bidirectional-streaming RPC, sending requests pulled
// from reqs and returning the responses as a Publisher. The RPC is started
// each time the returned publisher is subscribed to.
func ManyToMany[Req, Resp proto.Message](ctx context.Context, cc grpc.ClientConnInterface, method string, reqs Publisher[Req], opts ...Option) Publisher[Resp] {
	o := newBridgeOpts(method, opts)
	desc := &grpc.StreamDesc{StreamName: method, ClientStreams: true, ServerStreams: true}
	return PublisherFunc[Resp](func(s Subscriber[Resp]) {
		call, err := startClientCall[Resp](ctx, cc, desc, method, o)
		if err != nil {
			Error[Resp](err).Subscribe(s)
			return
		}
		sendRequests(call, reqs, o)
		call.subscribe(s)
	})
}

type clientCall[Resp proto.Message] struct {
	ctx       context.Context
	cancel    context.CancelFunc
	stream    grpc.ClientStream
	responses *StreamObserverPublisher[Resp]
	inbound   *inboundStream[Resp]
	// set when the request side fails the call, so that the subscriber
	// sees that error instead of the resulting cancellation
	localErr atomic.Pointer[error]
}

func startClientCall[Resp proto.Message](ctx context.Context, cc grpc.ClientConnInterface, desc *grpc.StreamDesc, method string, o *bridgeOpts) (*clientCall[Resp], error) {
	ctx, cancel := context.WithCancel(ctx)
	stream, err := cc.NewStream(ctx, desc, method, o.callOpts...)
	if err != nil {
		cancel()
		return nil, toStatusError(err)
	}
	call := &clientCall[Resp]{
		ctx:       ctx,
		cancel:    cancel,
		stream:    stream,
		responses: NewStreamObserverPublisher[Resp](WithName(o.name), WithPrefetch(o.prefetch)),
	}
	recv := func() (Resp, error) {
		msg := newMessage[Resp]()
		err := stream.RecvMsg(msg)
		return msg, err
	}
	if !desc.ServerStreams {
		recv = recvOnce(recv)
	}
	call.inbound = newInboundStream[Resp](ctx, recv, (*responseObserver[Resp])(call))
	go func() {
		// release the call's context once the response stream is over
		<-call.inbound.done
		cancel()
	}()
	return call, nil
}

func (c *clientCall[Resp]) subscribe(s Subscriber[Resp]) {
	_ = c.responses.AttachSource(c.inbound)
	c.inbound.start()
	c.responses.Subscribe(s)
}

func sendRequests[Req, Resp proto.Message](call *clientCall[Resp], reqs Publisher[Req], o *bridgeOpts) {
	producer := NewSubscriberProducer[Req](WithName(o.name), WithPrefetch(o.prefetch))
	outbound := newOutboundStream[Req](call.ctx, o.sendWindow, func(req Req) error {
		return call.stream.SendMsg(req)
	})
	outbound.closeSend = call.stream.CloseSend
	outbound.onError = func(err error) {
		call.localErr.CompareAndSwap(nil, &err)
		call.cancel()
	}
	outbound.onBroken = func(error) {
		producer.Cancel()
	}
	context.AfterFunc(call.ctx, producer.Cancel)
	outbound.start()
	reqs.Subscribe(producer)
	_ = producer.AttachSink(outbound)
}

// responseObserver feeds a call's responses to its publisher.
type responseObserver[Resp proto.Message] clientCall[Resp]

func (r *responseObserver[Resp]) OnNext(resp Resp) {
	r.responses.OnNext(resp)
}

func (r *responseObserver[Resp]) OnError(err error) {
	if local := r.localErr.Load(); local != nil {
		err = *local
	}
	r.responses.OnError(err)
}

func (r *responseObserver[Resp]) OnCompleted() {
	r.responses.OnCompleted()
}

// recvOnce adapts recv for a stream with a single response: the second call
// reports io.EOF without reading the stream again.
func recvOnce[T any](recv func() (T, error)) func() (T, error) {
	var received bool
	return func() (T, error) {
		if received {
			var zero T
			return zero, io.EOF
		}
		msg, err := recv()
		if err == nil {
			received = true
		}
		return msg, err
	}
}

// newMessage allocates a new message of the concrete type T.
func newMessage[T proto.Message]() T {
	var zero T
	return zero.ProtoReflect().Type().New().Interface().(T)
}
