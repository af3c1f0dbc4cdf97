package rxgrpc_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fullstorydev/grpchan/inprocgrpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/jhump/rxgrpc"
	"github.com/jhump/rxgrpc/internal/rxtest"
)

const (
	rangeMethod = "/rxgrpc.testing.Numbers/Range"
	sumMethod   = "/rxgrpc.testing.Numbers/Sum"
	echoMethod  = "/rxgrpc.testing.Numbers/Echo"
	noneMethod  = "/rxgrpc.testing.Numbers/None"
	pairMethod  = "/rxgrpc.testing.Numbers/Pair"
)

type numbersServer interface{}

var numbersServiceDesc = grpc.ServiceDesc{
	ServiceName: "rxgrpc.testing.Numbers",
	HandlerType: (*numbersServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Range",
			ServerStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				return rxgrpc.ServeOneToMany(stream, srv.(*numbers).Range)
			},
		},
		{
			StreamName:    "Sum",
			ClientStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				return rxgrpc.ServeManyToOne(stream, srv.(*numbers).Sum)
			},
		},
		{
			StreamName:    "Echo",
			ClientStreams: true,
			ServerStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				return rxgrpc.ServeManyToMany(stream, srv.(*numbers).Echo)
			},
		},
		{
			StreamName:    "None",
			ClientStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				return rxgrpc.ServeManyToOne(stream, srv.(*numbers).None)
			},
		},
		{
			StreamName:    "Pair",
			ClientStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				return rxgrpc.ServeManyToOne(stream, srv.(*numbers).Pair)
			},
		},
	},
	Metadata: "rxgrpc/testing/numbers.proto",
}

type numbers struct {
	// sources of unbounded ranges, so tests can watch them stop
	sources chan *rxtest.Source
}

// Range emits the integers from zero up to the requested value. A negative
// value never ends.
func (n *numbers) Range(_ context.Context, req *wrapperspb.Int64Value) rxgrpc.Publisher[*wrapperspb.Int64Value] {
	src := rxtest.NewSource(int(req.GetValue()))
	if req.GetValue() < 0 {
		select {
		case n.sources <- src:
		default:
		}
	}
	pub := rxgrpc.NewStreamObserverPublisher[*wrapperspb.Int64Value]()
	_ = pub.AttachSource(src)
	src.Start(int64Observer{pub})
	return pub
}

func (n *numbers) Sum(_ context.Context, reqs rxgrpc.Publisher[*wrapperspb.Int64Value]) rxgrpc.Publisher[*wrapperspb.Int64Value] {
	return rxgrpc.PublisherFunc[*wrapperspb.Int64Value](func(s rxgrpc.Subscriber[*wrapperspb.Int64Value]) {
		reqs.Subscribe(&summer{downstream: s})
	})
}

func (n *numbers) Echo(_ context.Context, reqs rxgrpc.Publisher[*wrapperspb.Int64Value]) rxgrpc.Publisher[*wrapperspb.Int64Value] {
	return reqs
}

// None breaks the single-response contract by responding with nothing.
func (n *numbers) None(_ context.Context, _ rxgrpc.Publisher[*wrapperspb.Int64Value]) rxgrpc.Publisher[*wrapperspb.Int64Value] {
	return rxgrpc.Just[*wrapperspb.Int64Value]()
}

// Pair breaks the single-response contract by responding twice.
func (n *numbers) Pair(_ context.Context, _ rxgrpc.Publisher[*wrapperspb.Int64Value]) rxgrpc.Publisher[*wrapperspb.Int64Value] {
	return rxgrpc.Just(wrapperspb.Int64(1), wrapperspb.Int64(2))
}

type int64Observer struct {
	rxgrpc.StreamObserver[*wrapperspb.Int64Value]
}

func (o int64Observer) OnNext(i int) {
	o.StreamObserver.OnNext(wrapperspb.Int64(int64(i)))
}

type summer struct {
	downstream rxgrpc.Subscriber[*wrapperspb.Int64Value]
	total      int64
}

func (s *summer) OnSubscribe(sub rxgrpc.Subscription) {
	sub.Request(rxgrpc.Unbounded)
}

func (s *summer) OnNext(v *wrapperspb.Int64Value) {
	s.total += v.GetValue()
}

func (s *summer) OnError(err error) {
	rxgrpc.Error[*wrapperspb.Int64Value](err).Subscribe(s.downstream)
}

func (s *summer) OnComplete() {
	rxgrpc.Just(wrapperspb.Int64(s.total)).Subscribe(s.downstream)
}

func int64Values(vals []int) []*wrapperspb.Int64Value {
	msgs := make([]*wrapperspb.Int64Value, len(vals))
	for i, v := range vals {
		msgs[i] = wrapperspb.Int64(int64(v))
	}
	return msgs
}

func ints(msgs []*wrapperspb.Int64Value) []int {
	vals := make([]int, len(msgs))
	for i, msg := range msgs {
		vals[i] = int(msg.GetValue())
	}
	return vals
}

func TestCalls(t *testing.T) {
	svr := &numbers{sources: make(chan *rxtest.Source, 1)}

	cc := rxtest.StartLoopbackServer(t, &numbersServiceDesc, svr)

	var inproc inprocgrpc.Channel
	inproc.RegisterService(&numbersServiceDesc, svr)

	t.Run("loopback", func(t *testing.T) {
		runCallTestCases(t, cc)
	})
	t.Run("in-process", func(t *testing.T) {
		runCallTestCases(t, &inproc)
	})

	t.Run("single response", func(t *testing.T) {
		for _, method := range []string{noneMethod, pairMethod} {
			t.Run(method, func(t *testing.T) {
				sub := rxtest.NewTestSubscriber[*wrapperspb.Int64Value](rxgrpc.Unbounded)
				reqs := rxgrpc.Just(int64Values(sequence(3))...)
				rxgrpc.ManyToOne[*wrapperspb.Int64Value, *wrapperspb.Int64Value](
					context.Background(), cc, method, reqs,
				).Subscribe(sub)

				require.NoError(t, sub.Await(context.Background(), 10*time.Second))
				assert.Equal(t, codes.Internal, status.Code(sub.Err()))
				assert.Empty(t, sub.Values())
			})
		}
	})

	// Make sure any goroutines used by the client and server created above have started. That
	// way, we don't incorrectly think they are leaked goroutines.
	time.Sleep(500 * time.Millisecond)

	t.Run("cancel", func(t *testing.T) {
		rxtest.CheckForGoroutineLeak(t, func() {
			sub := rxtest.NewTestSubscriber[*wrapperspb.Int64Value](5)
			rxgrpc.OneToMany[*wrapperspb.Int64Value, *wrapperspb.Int64Value](
				context.Background(), cc, rangeMethod, wrapperspb.Int64(-1),
			).Subscribe(sub)
			require.True(t, sub.AwaitCount(5, 5*time.Second))

			var src *rxtest.Source
			select {
			case src = <-svr.sources:
			case <-time.After(5 * time.Second):
				t.Fatal("server never started the range")
			}

			sub.Cancel()
			select {
			case <-src.Done():
			case <-time.After(5 * time.Second):
				t.Fatal("server kept producing after the call was cancelled")
			}
			assert.True(t, src.Cancelled())
			assert.Equal(t, []int{0, 1, 2, 3, 4}, ints(sub.Values()))
			assert.False(t, sub.Terminated())
		})
	})
}

func runCallTestCases(t *testing.T, ch grpc.ClientConnInterface) {
	ctx := context.Background()

	t.Run("one-to-many", func(t *testing.T) {
		sub := rxtest.NewTestSubscriber[*wrapperspb.Int64Value](1)
		sub.OnNextHook = func(*wrapperspb.Int64Value) { sub.Request(1) }
		rxgrpc.OneToMany[*wrapperspb.Int64Value, *wrapperspb.Int64Value](
			ctx, ch, rangeMethod, wrapperspb.Int64(100),
		).Subscribe(sub)

		require.NoError(t, sub.Await(ctx, 10*time.Second))
		require.NoError(t, sub.Err())
		assert.True(t, sub.Completed())
		assert.Equal(t, sequence(100), ints(sub.Values()))
		assert.Empty(t, sub.Violations())
	})

	t.Run("one-to-many empty", func(t *testing.T) {
		sub := rxtest.NewTestSubscriber[*wrapperspb.Int64Value](rxgrpc.Unbounded)
		rxgrpc.OneToMany[*wrapperspb.Int64Value, *wrapperspb.Int64Value](
			ctx, ch, rangeMethod, wrapperspb.Int64(0),
		).Subscribe(sub)

		require.NoError(t, sub.Await(ctx, 10*time.Second))
		assert.True(t, sub.Completed())
		assert.Empty(t, sub.Values())
	})

	t.Run("many-to-one", func(t *testing.T) {
		sub := rxtest.NewTestSubscriber[*wrapperspb.Int64Value](rxgrpc.Unbounded)
		reqs := rxgrpc.Just(int64Values(sequence(101))...)
		rxgrpc.ManyToOne[*wrapperspb.Int64Value, *wrapperspb.Int64Value](ctx, ch, sumMethod, reqs).Subscribe(sub)

		require.NoError(t, sub.Await(ctx, 10*time.Second))
		require.NoError(t, sub.Err())
		assert.True(t, sub.Completed())
		assert.Equal(t, []int{5050}, ints(sub.Values()))
	})

	t.Run("many-to-one request error", func(t *testing.T) {
		boom := errors.New("boom")
		sub := rxtest.NewTestSubscriber[*wrapperspb.Int64Value](rxgrpc.Unbounded)
		reqs := rxgrpc.Error[*wrapperspb.Int64Value](boom)
		rxgrpc.ManyToOne[*wrapperspb.Int64Value, *wrapperspb.Int64Value](ctx, ch, sumMethod, reqs).Subscribe(sub)

		require.NoError(t, sub.Await(ctx, 10*time.Second))
		assert.ErrorIs(t, sub.Err(), boom)
		assert.Empty(t, sub.Values())
	})

	t.Run("many-to-many", func(t *testing.T) {
		sub := rxtest.NewTestSubscriber[*wrapperspb.Int64Value](rxgrpc.Unbounded)
		reqs := rxgrpc.Just(int64Values(sequence(500))...)
		rxgrpc.ManyToMany[*wrapperspb.Int64Value, *wrapperspb.Int64Value](ctx, ch, echoMethod, reqs).Subscribe(sub)

		require.NoError(t, sub.Await(ctx, 10*time.Second))
		require.NoError(t, sub.Err())
		assert.True(t, sub.Completed())
		assert.Equal(t, sequence(500), ints(sub.Values()))
	})

	t.Run("many-to-many slow consumer", func(t *testing.T) {
		sub := rxtest.NewTestSubscriber[*wrapperspb.Int64Value](1)
		sub.OnNextHook = func(*wrapperspb.Int64Value) {
			time.Sleep(time.Millisecond)
			sub.Request(1)
		}
		reqs := rxgrpc.Just(int64Values(sequence(100))...)
		rxgrpc.ManyToMany[*wrapperspb.Int64Value, *wrapperspb.Int64Value](
			ctx, ch, echoMethod, reqs, rxgrpc.WithPrefetch(4), rxgrpc.WithSendWindow(2),
		).Subscribe(sub)

		require.NoError(t, sub.Await(ctx, 10*time.Second))
		assert.True(t, sub.Completed())
		assert.Equal(t, sequence(100), ints(sub.Values()))
		assert.Empty(t, sub.Violations())
	})

	t.Run("lazy", func(t *testing.T) {
		pub := rxgrpc.OneToMany[*wrapperspb.Int64Value, *wrapperspb.Int64Value](ctx, ch, rangeMethod, wrapperspb.Int64(3))
		// each subscription issues its own call
		for i := 0; i < 2; i++ {
			sub := rxtest.NewTestSubscriber[*wrapperspb.Int64Value](rxgrpc.Unbounded)
			pub.Subscribe(sub)
			require.NoError(t, sub.Await(ctx, 10*time.Second))
			assert.Equal(t, []int{0, 1, 2}, ints(sub.Values()))
		}
	})
}
