package rxtest

import (
	"context"
	"net"
	"sync"
	"syscall"
	"testing"
	"time"

	"golang.org/x/sys/unix"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
)

// StartLoopbackServer serves impl, as described by desc, on a loopback port
// and returns a client connection to it that is already connected. Both are
// shut down when the test finishes.
func StartLoopbackServer(t *testing.T, desc *grpc.ServiceDesc, impl any) *grpc.ClientConn {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	gs := grpc.NewServer()
	gs.RegisterService(desc, impl)
	go func() {
		if err := gs.Serve(l); err != nil {
			t.Logf("error from grpc server: %v", err)
		}
	}()
	t.Cleanup(gs.Stop)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cc, err := DialReady(ctx, l.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	t.Cleanup(func() {
		_ = cc.Close()
	})
	return cc
}

// DialReady creates a client for addr and waits for it to connect. If ctx
// finishes first, it returns the most recent error from dialing, or the
// context error if dialing has not failed.
func DialReady(ctx context.Context, addr string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	var mu sync.Mutex
	var dialErr error
	cc, err := grpc.NewClient(addr, append(opts,
		grpc.WithContextDialer(func(ctx context.Context, addr string) (net.Conn, error) {
			conn, err := (&net.Dialer{
				// negative keeps the stdlib from overriding the OS keepalive
				// parameters that Control enables below
				KeepAlive: time.Duration(-1),
				Control: func(_, _ string, c syscall.RawConn) error {
					return c.Control(func(fd uintptr) {
						_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)
					})
				},
			}).DialContext(ctx, "tcp", addr)
			if err != nil {
				mu.Lock()
				dialErr = err
				mu.Unlock()
			}
			return conn, err
		}))...,
	)
	if err != nil {
		return nil, err
	}
	cc.Connect()
	for {
		state := cc.GetState()
		if state == connectivity.Ready {
			return cc, nil
		}
		if !cc.WaitForStateChange(ctx, state) {
			_ = cc.Close()
			mu.Lock()
			defer mu.Unlock()
			if dialErr != nil {
				return nil, dialErr
			}
			return nil, ctx.Err()
		}
	}
}
