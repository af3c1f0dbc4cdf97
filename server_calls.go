package rxgrpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
)

// ServeOneToMany implements the server side of a server-streaming RPC. It
// reads the single request from stream, calls handler, and sends the
// elements of the returned publisher, requesting them only as fast as the
// stream can send them. The returned error is the status with which the
// RPC handler should return.
func ServeOneToMany[Req, Resp proto.Message](stream grpc.ServerStream, handler func(context.Context, Req) Publisher[Resp], opts ...Option) error {
	o := newBridgeOpts(serverName(stream), opts)
	req := newMessage[Req]()
	if err := stream.RecvMsg(req); err != nil {
		return toStatusError(err)
	}
	return serveResponses(stream, handler(stream.Context(), req), o, false)
}

// ServeManyToOne implements the server side of a client-streaming RPC. The
// handler receives the requests as a Publisher and returns a publisher that
// must emit exactly one response.
func ServeManyToOne[Req, Resp proto.Message](stream grpc.ServerStream, handler func(context.Context, Publisher[Req]) Publisher[Resp], opts ...Option) error {
	o := newBridgeOpts(serverName(stream), opts)
	requests := serveRequests[Req](stream, o)
	defer requests.Cancel()
	return serveResponses(stream, handler(stream.Context(), requests), o, true)
}

// ServeManyToMany implements the server side of a bidirectional-streaming
// RPC. The handler receives the requests as a Publisher and returns the
// publisher of responses.
func ServeManyToMany[Req, Resp proto.Message](stream grpc.ServerStream, handler func(context.Context, Publisher[Req]) Publisher[Resp], opts ...Option) error {
	o := newBridgeOpts(serverName(stream), opts)
	requests := serveRequests[Req](stream, o)
	defer requests.Cancel()
	return serveResponses(stream, handler(stream.Context(), requests), o, false)
}

func serverName(stream grpc.ServerStream) string {
	if method, ok := grpc.MethodFromServerStream(stream); ok {
		return method
	}
	return "server stream"
}

// serveRequests exposes the requests read from stream as a publisher. The
// receiving goroutine exits when the stream ends, which for a server stream
// is no later than when the handler returns.
func serveRequests[Req proto.Message](stream grpc.ServerStream, o *bridgeOpts) *StreamObserverPublisher[Req] {
	requests := NewStreamObserverPublisher[Req](WithName(o.name), WithPrefetch(o.prefetch))
	inbound := newInboundStream[Req](stream.Context(), func() (Req, error) {
		msg := newMessage[Req]()
		err := stream.RecvMsg(msg)
		return msg, err
	}, requests)
	_ = requests.AttachSource(inbound)
	inbound.start()
	return requests
}

// serveResponses sends the elements of responses on stream and waits until
// they are all sent, the publisher fails, or the stream breaks. If single is
// true, the publisher must emit exactly one element.
func serveResponses[Resp proto.Message](stream grpc.ServerStream, responses Publisher[Resp], o *bridgeOpts, single bool) error {
	ctx := stream.Context()
	result := make(chan error, 1)
	finish := func(err error) {
		select {
		case result <- err:
		default:
		}
	}

	// sent is only touched by the send loop
	var sent int
	outbound := newOutboundStream[Resp](ctx, o.sendWindow, func(resp Resp) error {
		if single && sent > 0 {
			return status.Errorf(codes.Internal, "%s: too many responses for a single-response method", o.name)
		}
		sent++
		return stream.SendMsg(resp)
	})
	outbound.closeSend = func() error {
		if single && sent == 0 {
			return status.Errorf(codes.Internal, "%s: no response for a single-response method", o.name)
		}
		finish(nil)
		return nil
	}
	outbound.onError = func(err error) {
		finish(toStatusError(err))
	}
	outbound.onBroken = func(err error) {
		finish(toStatusError(err))
	}

	producer := NewSubscriberProducer[Resp](WithName(o.name), WithPrefetch(o.prefetch))
	outbound.start()
	responses.Subscribe(producer)
	_ = producer.AttachSink(outbound)

	err := <-result
	producer.Cancel()
	return err
}
