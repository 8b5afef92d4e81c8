package transport

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestListener_DeliversFramesInOrder(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	out := make(chan []byte, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := Spawn(ctx, ln.Addr().String(), out, Options{
		Reconnect: 10 * time.Millisecond, ReconnectMax: 50 * time.Millisecond,
		DialTimeout: time.Second, ReaderBufBytes: 4096,
	}, discardLogger())
	defer l.Stop()

	var conn net.Conn
	select {
	case conn = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("listener never dialed")
	}
	defer conn.Close()

	conn.Write([]byte("abc\x00def\x00"))

	for _, want := range []string{"abc", "def"} {
		select {
		case f := <-out:
			if string(f) != want {
				t.Errorf("frame = %q, want %q", f, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for frame %q", want)
		}
	}
}

func TestListener_ReconnectsAfterDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close() // nothing listens yet; first dial attempts must fail and retry

	out := make(chan []byte, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := Spawn(ctx, addr, out, Options{
		Reconnect: 20 * time.Millisecond, ReconnectMax: 40 * time.Millisecond,
		DialTimeout: 200 * time.Millisecond, ReaderBufBytes: 4096,
	}, discardLogger())
	defer l.Stop()

	time.Sleep(100 * time.Millisecond)

	ln2, err := net.Listen("tcp", addr)
	if err != nil {
		t.Skipf("could not rebind %s: %v", addr, err)
	}
	defer ln2.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln2.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	select {
	case conn := <-accepted:
		conn.Close()
	case <-time.After(3 * time.Second):
		t.Fatal("listener never reconnected once the address became available")
	}
}

func TestListener_StopUnblocksPromptly(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	out := make(chan []byte, 4)
	ctx := context.Background()
	l := Spawn(ctx, ln.Addr().String(), out, DefaultOptions(), discardLogger())

	done := make(chan struct{})
	go func() {
		l.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return promptly")
	}
}
