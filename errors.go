package rxgrpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/grpclog"
	"google.golang.org/grpc/status"
)

var logger = grpclog.Component("rxgrpc")

var (
	// ErrSingleSubscription is returned when a second push source is
	// attached to a StreamObserverPublisher, or a second upstream
	// subscription is handed to a SubscriberProducer.
	ErrSingleSubscription = errors.New("supports only a single subscription")
	// ErrSingleSubscriber is signaled to a subscriber that attempts to
	// subscribe to a publisher that already has one.
	ErrSingleSubscriber = errors.New("allows only a single Subscriber")
	// ErrNonPositiveRequest is signaled to a subscriber that requests zero
	// or a negative number of elements.
	ErrNonPositiveRequest = errors.New("non-positive request")
	// ErrMissingBackpressure is signaled when a producer delivers more
	// elements than were requested from it and the buffer overflows.
	ErrMissingBackpressure = errors.New("could not buffer element: producer ignored requested demand")
	// ErrCallbackPanic wraps the value recovered from a panicking callback.
	ErrCallbackPanic = errors.New("callback panicked")
)

func singleSubscriptionError(name string) error {
	return fmt.Errorf("%s %w", name, ErrSingleSubscription)
}

func singleSubscriberError(name string) error {
	return fmt.Errorf("%s %w", name, ErrSingleSubscriber)
}

func nonPositiveRequestError(name string, n int64) error {
	return fmt.Errorf("%s: %w: %d", name, ErrNonPositiveRequest, n)
}

func missingBackpressureError(name string) error {
	return fmt.Errorf("%s: %w", name, ErrMissingBackpressure)
}

type panicError struct {
	what  string
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("%s %v: %v", e.what, ErrCallbackPanic, e.value)
}

func (e *panicError) Unwrap() error {
	if err, ok := e.value.(error); ok {
		return errors.Join(ErrCallbackPanic, err)
	}
	return ErrCallbackPanic
}

var errorHandler atomic.Pointer[func(error)]

// SetErrorHandler installs the process-wide sink for errors that cannot be
// delivered to any subscriber: panics recovered from subscriber callbacks
// and terminal errors that arrive after a stream has already terminated or
// been cancelled. Passing nil restores the default, which logs the error via
// grpclog.
//
// The handler may be called concurrently from any goroutine.
func SetErrorHandler(fn func(error)) {
	if fn == nil {
		errorHandler.Store(nil)
		return
	}
	errorHandler.Store(&fn)
}

// onErrorDropped routes err to the installed error sink.
func onErrorDropped(err error) {
	if fn := errorHandler.Load(); fn != nil {
		(*fn)(err)
		return
	}
	logger.Errorf("undeliverable error: %v", err)
}

// safely runs fn, reporting a panic to the error sink. It returns false if
// fn panicked.
func safely(what string, fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			onErrorDropped(&panicError{what: what, value: r})
		}
	}()
	fn()
	return true
}

// toStatusError converts err into an error suitable as the result of a gRPC
// handler or as the terminal signal of a client stream.
func toStatusError(err error) error {
	switch {
	case err == nil, err == io.EOF:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codes.Unknown, err.Error())
}
