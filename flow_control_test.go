package rxgrpc

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type recordingObserver struct {
	mu        sync.Mutex
	items     []int
	err       error
	completed bool
	done      chan struct{}
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{done: make(chan struct{})}
}

func (o *recordingObserver) OnNext(item int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.items = append(o.items, item)
}

func (o *recordingObserver) OnError(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.err = err
	close(o.done)
}

func (o *recordingObserver) OnCompleted() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.completed = true
	close(o.done)
}

func (o *recordingObserver) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}

func TestInboundStream_ReadsOnlyWithCredit(t *testing.T) {
	var reads atomic.Int32
	recv := func() (int, error) {
		n := int(reads.Add(1))
		if n > 5 {
			return 0, io.EOF
		}
		return n, nil
	}
	obs := newRecordingObserver()
	in := newInboundStream[int](context.Background(), recv, obs)
	in.start()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), reads.Load())

	in.Request(2)
	require.Eventually(t, func() bool { return obs.count() == 2 }, 5*time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(2), reads.Load())

	in.Request(10)
	select {
	case <-obs.done:
	case <-time.After(5 * time.Second):
		t.Fatal("inbound stream did not complete")
	}
	assert.Equal(t, []int{1, 2, 3, 4, 5}, obs.items)
	assert.True(t, obs.completed)
	<-in.done
}

func TestInboundStream_Cancel(t *testing.T) {
	obs := newRecordingObserver()
	in := newInboundStream[int](context.Background(), func() (int, error) {
		return 0, errors.New("should not be called")
	}, obs)
	in.start()
	in.Cancel()
	<-in.done
	assert.Equal(t, codes.Canceled, status.Code(obs.err))
}

func TestInboundStream_RecvError(t *testing.T) {
	obs := newRecordingObserver()
	in := newInboundStream[int](context.Background(), func() (int, error) {
		return 0, status.Error(codes.Unavailable, "gone")
	}, obs)
	in.start()
	in.Request(1)
	<-in.done
	assert.Equal(t, codes.Unavailable, status.Code(obs.err))
}

func TestOutboundStream_Window(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	var sent []int
	out := newOutboundStream[int](context.Background(), 2, func(item int) error {
		<-release
		mu.Lock()
		defer mu.Unlock()
		sent = append(sent, item)
		return nil
	})
	closed := make(chan struct{})
	out.closeSend = func() error {
		close(closed)
		return nil
	}
	readyCalls := make(chan struct{}, 10)
	out.SetOnReadyHandler(func() { readyCalls <- struct{}{} })
	out.start()

	assert.True(t, out.IsReady())
	out.OnNext(1)
	out.OnNext(2)
	out.OnNext(3)
	// the send loop holds one message while blocked, two remain queued
	require.Eventually(t, func() bool { return !out.IsReady() }, 5*time.Second, time.Millisecond)

	// the handler fires once the backlog drops below the window
	release <- struct{}{}
	release <- struct{}{}
	select {
	case <-readyCalls:
	case <-time.After(5 * time.Second):
		t.Fatal("on-ready handler was not called")
	}
	assert.True(t, out.IsReady())

	out.OnCompleted()
	close(release)
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("stream was not closed")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3}, sent)
}

func TestOutboundStream_ProducerError(t *testing.T) {
	out := newOutboundStream[int](context.Background(), 4, func(int) error { return nil })
	failed := make(chan error, 1)
	out.onError = func(err error) { failed <- err }
	out.closeSend = func() error {
		t.Error("stream should not be closed")
		return nil
	}
	out.start()

	boom := errors.New("boom")
	out.OnNext(1)
	out.OnError(boom)
	select {
	case err := <-failed:
		assert.Equal(t, boom, err)
	case <-time.After(5 * time.Second):
		t.Fatal("producer error was not reported")
	}
}

func TestOutboundStream_ContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	out := newOutboundStream[int](ctx, 4, func(int) error { return nil })
	broken := make(chan error, 1)
	out.onBroken = func(err error) { broken <- err }
	out.start()

	cancel()
	select {
	case err := <-broken:
		assert.Equal(t, codes.Canceled, status.Code(err))
	case <-time.After(5 * time.Second):
		t.Fatal("stream was not stopped")
	}
	assert.False(t, out.IsReady())
}

func TestOutboundStream_SendFailure(t *testing.T) {
	sendErr := status.Error(codes.Unavailable, "gone")
	out := newOutboundStream[int](context.Background(), 4, func(int) error { return sendErr })
	broken := make(chan error, 1)
	out.onBroken = func(err error) { broken <- err }
	out.start()

	out.OnNext(1)
	select {
	case err := <-broken:
		assert.Equal(t, sendErr, err)
	case <-time.After(5 * time.Second):
		t.Fatal("send failure was not reported")
	}
	// the stream discards anything sent after it broke
	out.OnNext(2)
	assert.False(t, out.IsReady())
}
