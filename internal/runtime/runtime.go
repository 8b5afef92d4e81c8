// Package runtime orchestrates one ingest session: it owns the schema
// negotiation state machine, the dynamic packet registry, the unknown-id
// monitor, and the frame-consumer loop that ties them to a transport
// listener and a fan-out hub. Grounded on original_source's
// rat-core/src/runtime.rs select loop, expressed as a goroutine with a
// single select over shutdown, the wait-deadline timer, and the frame
// channel — the Go analogue of tokio::select!.
package runtime

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/molqzone/ratitude/internal/hub"
	"github.com/molqzone/ratitude/internal/protocol"
	"github.com/molqzone/ratitude/internal/registry"
	"github.com/molqzone/ratitude/internal/transport"
)

// Config collects everything Start needs to bring up one ingest runtime.
type Config struct {
	Addr             string
	ListenerOptions  transport.Options
	HubBuffer        int
	TextPacketID     uint8
	SchemaTimeout    time.Duration
	UnknownWindow    time.Duration
	UnknownThreshold uint32
}

// SignalKind classifies a Signal emitted on the runtime's signal channel.
type SignalKind int

const (
	SignalSchemaReady SignalKind = iota
	SignalFatal
)

// Signal is emitted whenever the runtime's state materially changes: a
// schema finishes assembling (SchemaReady) or the frame-consumer loop is
// about to terminate on a fatal error (Fatal). A runtime stopped by
// cancellation closes the signal channel without emitting Fatal.
type Signal struct {
	Kind       SignalKind
	SchemaHash uint64
	Layouts    []registry.PacketLayout
	Err        error
}

// Runtime is one live ingest session: a transport listener feeding a
// frame-consumer goroutine that publishes decoded packets onto a Hub.
type Runtime struct {
	cfg      Config
	hub      *hub.Hub
	listener *transport.Listener
	signals  chan Signal
	cancel   context.CancelFunc
	done     chan struct{}
}

// Start spawns the transport listener and the frame-consumer goroutine and
// returns immediately; the returned Runtime runs until its context is
// cancelled or a fatal error occurs.
func Start(ctx context.Context, cfg Config, logger *slog.Logger) *Runtime {
	ctx, cancel := context.WithCancel(ctx)

	frameCh := make(chan []byte, cfg.HubBuffer)
	r := &Runtime{
		cfg:     cfg,
		hub:     hub.New(cfg.HubBuffer),
		signals: make(chan Signal, 4),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	r.listener = transport.Spawn(ctx, cfg.Addr, frameCh, cfg.ListenerOptions, logger)
	go r.consume(ctx, frameCh, logger)
	return r
}

// Hub returns the broadcast point decoded packets are published to.
func (r *Runtime) Hub() *hub.Hub { return r.hub }

// Signals returns the channel SchemaReady and Fatal signals are delivered
// on. It is closed once the frame-consumer goroutine exits.
func (r *Runtime) Signals() <-chan Signal { return r.signals }

// Shutdown cancels the runtime, waits for the frame consumer and transport
// listener to stop, and closes the hub so attached sinks observe Closed.
func (r *Runtime) Shutdown() {
	r.cancel()
	<-r.done
	r.listener.Stop()
	r.hub.Close()
}

func (r *Runtime) consume(ctx context.Context, frameCh <-chan []byte, logger *slog.Logger) {
	defer close(r.done)
	defer close(r.signals)

	reg := registry.New(r.cfg.TextPacketID)
	state := newSchemaState()
	monitor := NewUnknownMonitor(r.cfg.UnknownWindow, r.cfg.UnknownThreshold)

	state.refreshDeadline(r.cfg.SchemaTimeout)
	deadlineTimer := time.NewTimer(r.cfg.SchemaTimeout)
	defer deadlineTimer.Stop()

	rearm := func() {
		deadlineTimer.Stop()
		if state.isReady() {
			return
		}
		d := time.Until(state.waitDeadline)
		if d < 0 {
			d = 0
		}
		deadlineTimer.Reset(d)
	}

	fail := func(err error) {
		logger.Error("runtime fatal error", "error", err)
		r.signals <- Signal{Kind: SignalFatal, Err: err}
		if r.cancel != nil {
			r.cancel()
		}
	}

	for {
		select {
		case <-ctx.Done():
			return

		case <-deadlineTimer.C:
			if state.isReady() {
				continue
			}
			fail(errSchemaTimeout(r.cfg.SchemaTimeout.String()))
			return

		case frame, ok := <-frameCh:
			if !ok {
				fail(errFrameConsumerStopped())
				return
			}

			payload, err := protocol.StuffDecode(frame)
			if err != nil {
				logger.Debug("dropping malformed frame", "error", err)
				continue
			}
			if len(payload) == 0 {
				continue
			}
			id := payload[0]
			body := payload[1:]

			if id == protocol.ControlPacketID {
				outcome, err := handleControl(body, state, reg, monitor, r.cfg.SchemaTimeout)
				if err != nil {
					fail(err)
					return
				}
				rearm()
				switch outcome.Kind {
				case controlOutcomeReady:
					r.signals <- Signal{Kind: SignalSchemaReady, SchemaHash: outcome.SchemaHash, Layouts: outcome.Layouts}
				case controlOutcomeReset:
					logger.Info("schema reset by new HELLO")
				}
				continue
			}

			if !state.isReady() {
				logger.Debug("dropping data packet before schema ready", "id", id)
				continue
			}

			data, err := reg.Decode(id, body)
			if err != nil {
				var unknown *registry.ErrUnknownPacketID
				if errors.As(err, &unknown) {
					r.recordUnknown(logger, monitor, id)
					continue
				}
				logger.Warn("packet decode failed", "id", id, "error", err)
				continue
			}

			r.hub.Publish(hub.Envelope{ID: id, Timestamp: time.Now(), Payload: body, Data: data})
		}
	}
}

func (r *Runtime) recordUnknown(logger *slog.Logger, monitor *UnknownMonitor, id uint8) {
	obs := monitor.Record(id, time.Now())
	if obs.Rollover != nil {
		logger.Warn("unknown packet id window rolled over", "count", obs.Rollover.Count, "unique_ids", obs.Rollover.UniqueIDs)
	}
	if obs.ThresholdCrossed {
		logger.Error("unknown packet id flood threshold crossed", "id", id, "window_count", obs.WindowCount, "total_count", obs.TotalCount)
		return
	}
	logger.Warn("unknown packet id", "id", id, "window_count", obs.WindowCount)
}
