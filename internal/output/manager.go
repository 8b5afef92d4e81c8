// Package output implements the sink registry that fans decoded packets out
// to pluggable destinations (JSONL file, visualization WebSocket bridge).
// Grounded on original_source's ratd/src/output_manager.rs: sinks memoize
// their own (runtime_generation, schema_hash) context key and desired
// state, the manager enforces unique keys, broadcasts failures, and
// supervises recovery with a per-sink backoff.
package output

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/molqzone/ratitude/internal/hub"
	"github.com/molqzone/ratitude/internal/registry"
)

// SinkContextKey is the pair a sink uses to decide whether to restart:
// Generation changing always forces a restart; SchemaHash changing alone
// only forces a restart for sinks that consume layouts.
type SinkContextKey struct {
	Generation uint64
	SchemaHash uint64
}

// SinkContext is the runtime-derived context passed to every Sync call once
// a schema has been negotiated at least once. Its zero value (Key both
// zero, Hub nil) represents "no runtime attached yet".
type SinkContext struct {
	Key     SinkContextKey
	Hub     *hub.Hub
	Layouts []registry.PacketLayout
}

// FailureKind tags what kind of failure a FailureReport carries, so the
// daemon can tell a sink's own sync/write error apart from a Lagged(n)
// signal observed while reading off the hub.
type FailureKind int

const (
	FailureKindSync FailureKind = iota
	FailureKindLagged
)

// FailureReport is one entry on the output manager's failure bus.
type FailureReport struct {
	SinkKey string
	Reason  string
	Kind    FailureKind
}

// Sink is the four-operation abstraction every output destination
// implements: key, sync, shutdown, is_healthy per SPEC_FULL.md §4.7.
type Sink interface {
	Key() string
	Sync(sctx SinkContext, desired any, failures chan<- FailureReport) error
	Shutdown()
	IsHealthy() bool
}

// JSONLDesired is the desired state consumed by the JSONL sink.
type JSONLDesired struct {
	Enabled bool
	Path    string
}

// BridgeDesired is the desired state consumed by the visualization bridge
// sink.
type BridgeDesired struct {
	Enabled bool
	WSAddr  string
}

// DesiredState bundles the desired state for every concrete sink this
// manager knows about, built fresh from config on every reload.
type DesiredState struct {
	JSONL  JSONLDesired
	Bridge BridgeDesired
}

func (d DesiredState) forKey(key string) any {
	switch key {
	case "jsonl":
		return d.JSONL
	case "bridge":
		return d.Bridge
	default:
		return nil
	}
}

// Manager owns the set of registered sinks, the last-applied desired
// state and runtime context, and the failure bus.
type Manager struct {
	mu       sync.Mutex
	logger   *slog.Logger
	sinks    map[string]Sink
	order    []string
	desired  DesiredState
	sctx     SinkContext
	failures chan FailureReport

	recoveryPeriod time.Duration
	limiters       map[string]*rate.Limiter
	unhealthy      map[string]bool
}

// NewManager returns an empty Manager. recoveryPeriod bounds how often
// RecoverSinkAfterFailure is allowed to actually attempt a given sink.
func NewManager(recoveryPeriod time.Duration, logger *slog.Logger) *Manager {
	return &Manager{
		logger:         logger,
		sinks:          make(map[string]Sink),
		failures:       make(chan FailureReport, 32),
		recoveryPeriod: recoveryPeriod,
		limiters:       make(map[string]*rate.Limiter),
		unhealthy:      make(map[string]bool),
	}
}

// Failures returns the channel FailureReport values are published on.
func (m *Manager) Failures() <-chan FailureReport { return m.failures }

// Register adds a sink under its own key. Registering a second sink with a
// key already present is an error.
func (m *Manager) Register(s Sink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := s.Key()
	if _, exists := m.sinks[key]; exists {
		return &DuplicateSinkKeyError{Key: key}
	}
	m.sinks[key] = s
	m.order = append(m.order, key)
	m.limiters[key] = rate.NewLimiter(rate.Every(m.recoveryPeriod), 1)
	return nil
}

// DuplicateSinkKeyError reports a Register call for a key already in use.
type DuplicateSinkKeyError struct{ Key string }

func (e *DuplicateSinkKeyError) Error() string { return "output: duplicate sink key " + e.Key }

// ReloadFromConfig recomputes desired state and syncs every sink against
// it. Per-sink sync failures are non-fatal: they are reported on the
// failure bus and the sink is marked unhealthy.
func (m *Manager) ReloadFromConfig(desired DesiredState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.desired = desired
	m.syncAllLocked()
}

// Apply installs a new runtime context (hub, generation, schema hash,
// layouts) and syncs every sink against it.
func (m *Manager) Apply(sctx SinkContext) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sctx = sctx
	m.syncAllLocked()
}

func (m *Manager) syncAllLocked() {
	for _, key := range m.order {
		s := m.sinks[key]
		if err := s.Sync(m.sctx, m.desired.forKey(key), m.failures); err != nil {
			m.reportFailureLocked(key, err.Error())
		}
	}
}

func (m *Manager) reportFailureLocked(key, reason string) {
	m.unhealthy[key] = true
	if m.logger != nil {
		m.logger.Warn("sink sync failed", "sink", key, "reason", reason)
	}
	select {
	case m.failures <- FailureReport{SinkKey: key, Reason: reason}:
	default:
	}
}

// RecoverSinkAfterFailure shuts a sink down and resyncs it, subject to the
// manager's recovery backoff. A call inside the backoff window is a no-op.
func (m *Manager) RecoverSinkAfterFailure(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lim, ok := m.limiters[key]
	if !ok || !lim.Allow() {
		return
	}
	s, ok := m.sinks[key]
	if !ok {
		return
	}

	s.Shutdown()
	if err := s.Sync(m.sctx, m.desired.forKey(key), m.failures); err != nil {
		m.reportFailureLocked(key, err.Error())
		return
	}
	delete(m.unhealthy, key)
}

// RecoverAllSinks attempts recovery for every registered sink, used when
// the daemon observes a Lagged(n) signal from the hub (SPEC_FULL.md §4.7:
// "for all known sink keys on Lagged").
func (m *Manager) RecoverAllSinks() {
	m.mu.Lock()
	keys := make([]string, len(m.order))
	copy(keys, m.order)
	m.mu.Unlock()

	for _, key := range keys {
		m.RecoverSinkAfterFailure(key)
	}
}

// RefreshUnhealthySinks polls IsHealthy on every sink and updates the
// manager's unhealthy marker accordingly.
func (m *Manager) RefreshUnhealthySinks() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range m.order {
		if m.sinks[key].IsHealthy() {
			delete(m.unhealthy, key)
		} else {
			m.unhealthy[key] = true
		}
	}
}

// UnhealthyKeys returns the keys currently marked unhealthy.
func (m *Manager) UnhealthyKeys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.unhealthy))
	for k := range m.unhealthy {
		out = append(out, k)
	}
	return out
}

// Shutdown stops every registered sink.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range m.order {
		m.sinks[key].Shutdown()
	}
}
