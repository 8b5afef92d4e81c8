package output

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/molqzone/ratitude/internal/hub"
	"github.com/molqzone/ratitude/internal/registry"
)

// JSONLSink writes one newline-terminated JSON object per hub envelope,
// either to a file (create+truncate once per attachment) or to stdout when
// no path is configured. Grounded on original_source's JsonlSink in
// output_manager.rs; the blocking file write runs on its own goroutine so
// it never shares a call stack with the frame-consumer loop (SPEC_FULL.md
// §5's "blocking work off the async executor" rule).
type JSONLSink struct {
	logger *slog.Logger

	mu          sync.Mutex
	applied     bool
	healthy     bool
	lastKey     SinkContextKey
	lastDesired JSONLDesired

	file      *os.File
	closeFile bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewJSONLSink returns an unattached JSONL sink.
func NewJSONLSink(logger *slog.Logger) *JSONLSink {
	return &JSONLSink{logger: logger}
}

func (s *JSONLSink) Key() string { return "jsonl" }

// Sync implements the sink's idempotence and restart rules: a no-op when
// desired state, context key, and health are all unchanged; a restart when
// runtime_generation changes, desired state changes, or the sink is
// unhealthy; otherwise (same generation, only schema_hash moved) the new
// key is remembered without touching the open file.
func (s *JSONLSink) Sync(sctx SinkContext, desiredAny any, failures chan<- FailureReport) error {
	desired, _ := desiredAny.(JSONLDesired)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.applied && s.healthy && s.lastKey == sctx.Key && s.lastDesired == desired {
		return nil
	}

	restart := !s.applied || !s.healthy || s.lastDesired != desired || s.lastKey.Generation != sctx.Key.Generation

	if restart {
		s.shutdownLocked()
		if desired.Enabled {
			if err := s.startLocked(sctx, desired, failures); err != nil {
				s.healthy = false
				return err
			}
		}
	}

	s.lastKey = sctx.Key
	s.lastDesired = desired
	s.applied = true
	s.healthy = true
	return nil
}

func (s *JSONLSink) startLocked(sctx SinkContext, desired JSONLDesired, failures chan<- FailureReport) error {
	var w *os.File
	closeOnShutdown := false
	if desired.Path == "" {
		w = os.Stdout
	} else {
		f, err := os.OpenFile(desired.Path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("jsonl sink: opening %s: %w", desired.Path, err)
		}
		w = f
		closeOnShutdown = true
	}
	s.file = w
	s.closeFile = closeOnShutdown

	if sctx.Hub == nil {
		return nil
	}

	recv := sctx.Hub.Subscribe()
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(ctx, recv, w, closeOnShutdown, failures)
	return nil
}

func (s *JSONLSink) run(ctx context.Context, recv *hub.Receiver, w *os.File, closeFile bool, failures chan<- FailureReport) {
	defer close(s.done)
	defer recv.Unsubscribe()
	if closeFile {
		defer w.Close()
	}

	bw := bufio.NewWriter(w)
	defer bw.Flush()

	for {
		env, lagged, closed, err := recv.Recv(ctx)
		if err != nil || closed {
			return
		}
		if lagged > 0 {
			if s.logger != nil {
				s.logger.Warn("jsonl sink lagged", "skipped", lagged)
			}
			select {
			case failures <- FailureReport{SinkKey: s.Key(), Reason: fmt.Sprintf("lagged by %d envelopes", lagged), Kind: FailureKindLagged}:
			default:
			}
		}

		line, err := encodeEnvelope(env)
		if err != nil {
			s.reportWriteFailure(failures, err)
			continue
		}
		if _, err := bw.Write(line); err != nil {
			s.reportWriteFailure(failures, err)
			s.mu.Lock()
			s.healthy = false
			s.mu.Unlock()
			return
		}
		bw.Flush()
	}
}

func (s *JSONLSink) reportWriteFailure(failures chan<- FailureReport, err error) {
	if s.logger != nil {
		s.logger.Error("jsonl sink write failed", "error", err)
	}
	select {
	case failures <- FailureReport{SinkKey: s.Key(), Reason: err.Error()}:
	default:
	}
}

type jsonlRecord struct {
	TS         string  `json:"ts"`
	ID         string  `json:"id"`
	PayloadHex string  `json:"payload_hex"`
	Data       any     `json:"data"`
	Text       *string `json:"text,omitempty"`
}

func encodeEnvelope(env hub.Envelope) ([]byte, error) {
	rec := jsonlRecord{
		TS:         env.Timestamp.UTC().Format(time.RFC3339Nano),
		ID:         fmt.Sprintf("0x%02X", env.ID),
		PayloadHex: hex.EncodeToString(env.Payload),
	}
	if env.Data.Text != nil {
		rec.Data = *env.Data.Text
		rec.Text = env.Data.Text
	} else {
		data, err := fieldsToOrderedJSON(env.Data.Fields)
		if err != nil {
			return nil, err
		}
		rec.Data = data
	}

	b, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// fieldsToOrderedJSON renders fields as a JSON object preserving the
// layout's declared field order (SPEC_FULL.md §4.4), which a Go map would
// lose: encoding/json always emits map keys in sorted order.
func fieldsToOrderedJSON(fields []registry.FieldValue) (json.RawMessage, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(f.Name)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')

		var val any
		switch f.Value.Kind {
		case registry.ValueInt:
			val = f.Value.Int
		case registry.ValueUint:
			val = f.Value.Uint
		case registry.ValueFloat:
			val = f.Value.Float
		case registry.ValueBool:
			val = f.Value.Bool
		}
		encoded, err := json.Marshal(val)
		if err != nil {
			return nil, err
		}
		buf.Write(encoded)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (s *JSONLSink) shutdownLocked() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
		s.cancel = nil
		s.done = nil
	} else if s.file != nil && s.closeFile {
		s.file.Close()
	}
	s.file = nil
	s.closeFile = false
}

func (s *JSONLSink) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdownLocked()
}

func (s *JSONLSink) IsHealthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthy
}
