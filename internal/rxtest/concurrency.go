package rxtest

import (
	"context"
	"runtime"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

// Concurrently runs fn on n goroutines, released together, and returns the
// first error any of them returns.
func Concurrently(n int, fn func(i int) error) error {
	start := make(chan struct{})
	var grp errgroup.Group
	for i := 0; i < n; i++ {
		i := i
		grp.Go(func() error {
			<-start
			return fn(i)
		})
	}
	close(start)
	return grp.Wait()
}

// ConcurrentlyCtx is like Concurrently, but the context passed to fn is
// cancelled as soon as any goroutine fails.
func ConcurrentlyCtx(ctx context.Context, n int, fn func(ctx context.Context, i int) error) error {
	start := make(chan struct{})
	grp, ctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		i := i
		grp.Go(func() error {
			<-start
			return fn(ctx, i)
		})
	}
	close(start)
	return grp.Wait()
}

// CheckForGoroutineLeak runs fn and then fails t if the number of
// goroutines does not return to its prior level within five seconds.
func CheckForGoroutineLeak(t *testing.T, fn func()) {
	t.Helper()
	before := runtime.NumGoroutine()

	fn()

	deadline := time.Now().Add(time.Second * 5)
	after := 0
	for deadline.After(time.Now()) {
		after = runtime.NumGoroutine()
		if after <= before {
			// number of goroutines returned to previous level: no leak!
			return
		}
		time.Sleep(time.Millisecond * 50)
	}
	buf := make([]byte, 1024*1024)
	n := runtime.Stack(buf, true)
	t.Errorf("%d goroutines leaked:\n%s", after-before, string(buf[:n]))
}
