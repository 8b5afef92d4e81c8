package output

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/molqzone/ratitude/internal/hub"
	"github.com/molqzone/ratitude/internal/registry"
)

// BridgeSink exposes decoded envelopes over a WebSocket endpoint for live
// visualization clients. Treated as an opaque hub subscriber per
// SPEC_FULL.md §4.7: it obeys the full context-key rule (both generation
// and schema_hash changes force a restart, since it consumes layouts to
// pre-declare channels to newly connecting clients).
type BridgeSink struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu          sync.Mutex
	applied     bool
	healthy     bool
	lastKey     SinkContextKey
	lastDesired BridgeDesired
	layouts     []registry.PacketLayout

	listener net.Listener
	srv      *http.Server
	cancel   context.CancelFunc
	done     chan struct{}

	cmu     sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// NewBridgeSink returns an unattached visualization bridge sink.
func NewBridgeSink(logger *slog.Logger) *BridgeSink {
	return &BridgeSink{
		logger:   logger,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		clients:  make(map[*websocket.Conn]struct{}),
	}
}

func (s *BridgeSink) Key() string { return "bridge" }

func (s *BridgeSink) Sync(sctx SinkContext, desiredAny any, failures chan<- FailureReport) error {
	desired, _ := desiredAny.(BridgeDesired)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.applied && s.healthy && s.lastKey == sctx.Key && s.lastDesired == desired {
		return nil
	}

	s.shutdownLocked()
	s.layouts = sctx.Layouts
	if desired.Enabled {
		if err := s.startLocked(desired.WSAddr, sctx.Hub, failures); err != nil {
			s.healthy = false
			return err
		}
	}

	s.lastKey = sctx.Key
	s.lastDesired = desired
	s.applied = true
	s.healthy = true
	return nil
}

func (s *BridgeSink) startLocked(addr string, h *hub.Hub, failures chan<- FailureReport) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bridge sink: listening on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	srv := &http.Server{Handler: mux}

	s.listener = ln
	s.srv = srv

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.mu.Lock()
			s.healthy = false
			s.mu.Unlock()
			if s.logger != nil {
				s.logger.Error("bridge sink server stopped", "error", err)
			}
			select {
			case failures <- FailureReport{SinkKey: s.Key(), Reason: err.Error()}:
			default:
			}
		}
	}()

	if h != nil {
		recv := h.Subscribe()
		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		s.done = make(chan struct{})
		go s.pump(ctx, recv, failures)
	}

	return nil
}

func (s *BridgeSink) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s.mu.Lock()
	channels := channelNames(s.layouts)
	s.mu.Unlock()

	if msg, err := json.Marshal(struct {
		Channels []string `json:"channels"`
	}{Channels: channels}); err == nil {
		_ = conn.WriteMessage(websocket.TextMessage, msg)
	}

	s.cmu.Lock()
	s.clients[conn] = struct{}{}
	s.cmu.Unlock()

	// Drain and discard anything the client sends; this is a publish-only
	// channel, but we must read to detect disconnects.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.cmu.Lock()
				delete(s.clients, conn)
				s.cmu.Unlock()
				conn.Close()
				return
			}
		}
	}()
}

func channelNames(layouts []registry.PacketLayout) []string {
	names := make([]string, 0, len(layouts))
	for _, l := range layouts {
		names = append(names, l.StructName)
	}
	return names
}

type bridgeMessage struct {
	ID   uint8 `json:"id"`
	TS   int64 `json:"ts"`
	Data any   `json:"data"`
}

func (s *BridgeSink) pump(ctx context.Context, recv *hub.Receiver, failures chan<- FailureReport) {
	defer close(s.done)
	defer recv.Unsubscribe()

	for {
		env, lagged, closed, err := recv.Recv(ctx)
		if err != nil || closed {
			return
		}
		if lagged > 0 {
			if s.logger != nil {
				s.logger.Warn("bridge sink lagged", "skipped", lagged)
			}
			select {
			case failures <- FailureReport{SinkKey: s.Key(), Reason: fmt.Sprintf("lagged by %d envelopes", lagged), Kind: FailureKindLagged}:
			default:
			}
		}

		var data any
		if env.Data.Text != nil {
			data = *env.Data.Text
		} else {
			encoded, err := fieldsToOrderedJSON(env.Data.Fields)
			if err != nil {
				continue
			}
			data = encoded
		}
		msg, err := json.Marshal(bridgeMessage{ID: env.ID, TS: env.Timestamp.UnixMilli(), Data: data})
		if err != nil {
			continue
		}

		s.cmu.Lock()
		for c := range s.clients {
			_ = c.WriteMessage(websocket.TextMessage, msg)
		}
		s.cmu.Unlock()
	}
}

func (s *BridgeSink) shutdownLocked() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
		s.cancel = nil
		s.done = nil
	}
	if s.srv != nil {
		_ = s.srv.Close()
		s.srv = nil
	}
	s.listener = nil

	s.cmu.Lock()
	for c := range s.clients {
		c.Close()
		delete(s.clients, c)
	}
	s.cmu.Unlock()
}

func (s *BridgeSink) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdownLocked()
}

func (s *BridgeSink) IsHealthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthy
}
