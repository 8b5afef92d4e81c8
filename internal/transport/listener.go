// Package transport maintains the reconnecting TCP session to the embedded
// target and turns its byte stream into zero-delimited frames. Grounded on
// the teacher's internal/agent/control_channel.go reconnect/backoff loop,
// generalized to the ingest wire format from original_source's
// rat-core/src/transport.rs.
package transport

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/molqzone/ratitude/internal/protocol"
)

// Options configures dial timeouts, reconnect backoff, and the read buffer
// size for one listener.
type Options struct {
	Reconnect      time.Duration
	ReconnectMax   time.Duration
	DialTimeout    time.Duration
	ReaderBufBytes int
}

// DefaultOptions matches original_source's ListenerOptions::default().
func DefaultOptions() Options {
	return Options{
		Reconnect:      time.Second,
		ReconnectMax:   30 * time.Second,
		DialTimeout:    5 * time.Second,
		ReaderBufBytes: 65536,
	}
}

func (o Options) normalized() Options {
	if o.ReaderBufBytes <= 0 {
		o.ReaderBufBytes = 1
	}
	return o
}

// Listener owns at most one live TCP session to addr and forwards decoded
// frames to its output channel until Stop is called.
type Listener struct {
	addr    string
	opts    Options
	out     chan<- []byte
	logger  *slog.Logger
	cancel  context.CancelFunc
	done    chan struct{}
	stopped sync.Once
}

// Spawn starts the listener's reconnect loop in a background goroutine.
func Spawn(ctx context.Context, addr string, out chan<- []byte, opts Options, logger *slog.Logger) *Listener {
	ctx, cancel := context.WithCancel(ctx)
	l := &Listener{
		addr:   addr,
		opts:   opts.normalized(),
		out:    out,
		logger: logger,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go l.run(ctx)
	return l
}

// Stop cancels the listener and blocks until its goroutine exits.
func (l *Listener) Stop() {
	l.stopped.Do(l.cancel)
	<-l.done
}

func (l *Listener) run(ctx context.Context) {
	defer close(l.done)

	var attempts uint32
	for ctx.Err() == nil {
		dialer := net.Dialer{Timeout: l.opts.DialTimeout}
		conn, err := dialer.DialContext(ctx, "tcp", l.addr)
		if err != nil {
			attempts++
			l.logger.Warn("transport connect failed", "addr", l.addr, "attempt", attempts, "error", err)
			if !l.waitBackoff(ctx, attempts) {
				return
			}
			continue
		}

		attempts = 0
		l.logger.Info("transport connected", "addr", l.addr)

		err = l.handleConnection(ctx, conn)
		conn.Close()
		attempts++
		if err != nil {
			l.logger.Warn("transport connection error", "addr", l.addr, "attempt", attempts, "error", err)
		} else {
			l.logger.Info("transport connection closed", "addr", l.addr, "attempt", attempts)
		}

		if !l.waitBackoff(ctx, attempts) {
			return
		}
	}
}

func (l *Listener) handleConnection(ctx context.Context, conn net.Conn) error {
	codec := protocol.NewFrameCodec()
	buf := make([]byte, l.opts.ReaderBufBytes)

	connCtx, connCancel := context.WithCancel(ctx)
	defer connCancel()
	go func() {
		<-connCtx.Done()
		conn.Close()
	}()

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			frames, decodeErr := codec.Feed(buf[:n])
			for _, f := range frames {
				select {
				case l.out <- f:
				case <-ctx.Done():
					return nil
				}
			}
			if decodeErr != nil {
				return decodeErr
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (l *Listener) waitBackoff(ctx context.Context, attempts uint32) bool {
	if attempts == 0 {
		return true
	}
	wait := l.opts.Reconnect * time.Duration(attempts)
	if wait > l.opts.ReconnectMax {
		wait = l.opts.ReconnectMax
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
