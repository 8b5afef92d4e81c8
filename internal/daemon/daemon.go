// Package daemon owns the process-lifetime state: the single active ingest
// runtime, the output manager, and the signal-driven reload/shutdown loop.
// Grounded on the teacher's internal/agent/daemon.go RunDaemon shape
// (signal.Notify on SIGTERM/SIGINT/SIGHUP, SIGHUP reloads config without
// downtime) and original_source's ratd/src/runtime_lifecycle.rs /
// source_state.rs for the generation-increment-on-source-change mechanism.
package daemon

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/molqzone/ratitude/internal/config"
	"github.com/molqzone/ratitude/internal/output"
	"github.com/molqzone/ratitude/internal/runtime"
	"github.com/molqzone/ratitude/internal/transport"
)

// Daemon owns exactly one ingest runtime at a time plus the output manager.
// Selecting a different source tears down the current runtime and starts a
// new one with generation+1, per SPEC_FULL.md's supplemented source-switch
// semantics.
type Daemon struct {
	mu         sync.Mutex
	configPath string
	cfg        *config.Config
	logger     *slog.Logger

	generation uint64
	addr       string
	rt         *runtime.Runtime
	outputs    *output.Manager
}

// New builds a Daemon from an already-loaded config. It does not start
// anything until Run is called.
func New(configPath string, cfg *config.Config, logger *slog.Logger) *Daemon {
	return &Daemon{
		configPath: configPath,
		cfg:        cfg,
		logger:     logger,
		addr:       cfg.Listener.Addr,
		outputs:    output.NewManager(cfg.Output.RecoveryPeriod(), logger),
	}
}

// Status is a snapshot of the daemon's current state, used by the $status
// console command.
type Status struct {
	Source         string
	Generation     uint64
	JSONLEnabled   bool
	BridgeEnabled  bool
	BridgeAddr     string
	UnhealthySinks []string
}

// Snapshot returns the daemon's current status. It refreshes each sink's
// health before reporting, since a sink's background goroutine can die
// without ever posting to the failure bus.
func (d *Daemon) Snapshot() Status {
	d.outputs.RefreshUnhealthySinks()

	d.mu.Lock()
	defer d.mu.Unlock()
	return Status{
		Source:         d.addr,
		Generation:     d.generation,
		JSONLEnabled:   d.cfg.Output.JSONL.Enabled,
		BridgeEnabled:  d.cfg.Output.Bridge.Enabled,
		BridgeAddr:     d.cfg.Output.Bridge.WSAddr,
		UnhealthySinks: d.outputs.UnhealthyKeys(),
	}
}

// Run registers the two concrete sinks, starts the first runtime
// generation, and blocks handling OS signals until SIGTERM/SIGINT or ctx is
// cancelled. SIGHUP reloads the on-disk config without restarting the
// runtime unless the listener address changed.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.outputs.Register(output.NewJSONLSink(d.logger)); err != nil {
		return err
	}
	if err := d.outputs.Register(output.NewBridgeSink(d.logger)); err != nil {
		return err
	}

	d.mu.Lock()
	d.outputs.ReloadFromConfig(desiredStateFromConfig(d.cfg))
	// Generation 0 is the zero SinkContext ("no runtime attached yet"), so
	// the first runtime starts at generation 1.
	d.generation++
	d.mu.Unlock()

	d.startRuntime(ctx)

	go d.watchFailures(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			d.shutdown()
			return ctx.Err()

		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				d.reload()
				continue
			}
			d.logger.Info("received signal, shutting down", "signal", sig)
			d.shutdown()
			return nil
		}
	}
}

func desiredStateFromConfig(cfg *config.Config) output.DesiredState {
	return output.DesiredState{
		JSONL:  output.JSONLDesired{Enabled: cfg.Output.JSONL.Enabled, Path: cfg.Output.JSONL.Path},
		Bridge: output.BridgeDesired{Enabled: cfg.Output.Bridge.Enabled, WSAddr: cfg.Output.Bridge.WSAddr},
	}
}

func (d *Daemon) startRuntime(ctx context.Context) {
	d.mu.Lock()
	cfg := d.cfg
	generation := d.generation
	d.mu.Unlock()

	rtCfg := runtime.Config{
		Addr: cfg.Listener.Addr,
		ListenerOptions: transport.Options{
			Reconnect:      cfg.Listener.Reconnect(),
			ReconnectMax:   cfg.Listener.ReconnectMax(),
			DialTimeout:    cfg.Listener.DialTimeout(),
			ReaderBufBytes: cfg.Listener.ReaderBufBytes,
		},
		HubBuffer:        cfg.Runtime.HubBuffer,
		TextPacketID:     uint8(cfg.Runtime.TextPacketID),
		SchemaTimeout:    cfg.Runtime.SchemaTimeout(),
		UnknownWindow:    cfg.Runtime.UnknownWindow(),
		UnknownThreshold: cfg.Runtime.UnknownThreshold,
	}

	rt := runtime.Start(ctx, rtCfg, d.logger)

	d.mu.Lock()
	d.rt = rt
	d.mu.Unlock()

	go d.watchRuntime(rt, generation)
}

func (d *Daemon) watchRuntime(rt *runtime.Runtime, generation uint64) {
	for sig := range rt.Signals() {
		switch sig.Kind {
		case runtime.SignalSchemaReady:
			d.outputs.Apply(output.SinkContext{
				Key:     output.SinkContextKey{Generation: generation, SchemaHash: sig.SchemaHash},
				Hub:     rt.Hub(),
				Layouts: sig.Layouts,
			})
		case runtime.SignalFatal:
			d.logger.Error("ingest runtime stopped", "error", sig.Err, "generation", generation)
		}
	}
}

func (d *Daemon) watchFailures(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case rep, ok := <-d.outputs.Failures():
			if !ok {
				return
			}
			d.logger.Warn("sink failure reported", "sink", rep.SinkKey, "reason", rep.Reason)
			if rep.Kind == output.FailureKindLagged {
				// A Lagged(n) signal means the hub itself fell behind, not
				// just the reporting sink, so every known sink key gets a
				// recovery attempt (SPEC_FULL.md §4.7).
				go d.outputs.RecoverAllSinks()
			} else {
				go d.outputs.RecoverSinkAfterFailure(rep.SinkKey)
			}
		}
	}
}

// SwitchSource tears down the current runtime and starts a fresh one
// against addr, incrementing the generation counter so attached sinks
// observe a context-key change and restart per output.SinkContextKey's
// rules.
func (d *Daemon) SwitchSource(ctx context.Context, addr string) {
	d.mu.Lock()
	rt := d.rt
	d.addr = addr
	d.cfg.Listener.Addr = addr
	d.generation++
	d.mu.Unlock()

	if rt != nil {
		rt.Shutdown()
	}
	d.startRuntime(ctx)
}

// SetJSONL updates the JSONL sink's desired state and persists it into the
// in-memory config (the caller is responsible for writing it back to disk).
func (d *Daemon) SetJSONL(enabled bool, path string) {
	d.mu.Lock()
	d.cfg.Output.JSONL.Enabled = enabled
	if path != "" {
		d.cfg.Output.JSONL.Path = path
	}
	desired := desiredStateFromConfig(d.cfg)
	d.mu.Unlock()

	d.outputs.ReloadFromConfig(desired)
}

// SetBridge updates the visualization bridge sink's desired state.
func (d *Daemon) SetBridge(enabled bool) {
	d.mu.Lock()
	d.cfg.Output.Bridge.Enabled = enabled
	desired := desiredStateFromConfig(d.cfg)
	d.mu.Unlock()

	d.outputs.ReloadFromConfig(desired)
}

// ConfigPath returns the path the daemon was loaded from, for persisting
// console-driven config changes.
func (d *Daemon) ConfigPath() string { return d.configPath }

// Config returns a copy of the daemon's current in-memory config.
func (d *Daemon) Config() config.Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return *d.cfg
}

func (d *Daemon) reload() {
	d.logger.Info("received SIGHUP, reloading config", "path", d.configPath)
	next, err := config.Load(d.configPath)
	if err != nil {
		d.logger.Error("reload failed, keeping current config", "error", err)
		return
	}

	d.mu.Lock()
	addrChanged := next.Listener.Addr != d.cfg.Listener.Addr
	d.cfg = next
	desired := desiredStateFromConfig(next)
	d.mu.Unlock()

	d.outputs.ReloadFromConfig(desired)
	if addrChanged {
		d.logger.Info("listener address changed on reload, restarting runtime")
		d.SwitchSource(context.Background(), next.Listener.Addr)
	}
	d.logger.Info("config reloaded successfully")
}

func (d *Daemon) shutdown() {
	d.mu.Lock()
	rt := d.rt
	d.mu.Unlock()

	if rt != nil {
		done := make(chan struct{})
		go func() {
			rt.Shutdown()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			d.logger.Warn("runtime shutdown timed out")
		}
	}
	d.outputs.Shutdown()
}
