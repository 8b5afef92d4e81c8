package output

import (
	"bufio"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/molqzone/ratitude/internal/hub"
	"github.com/molqzone/ratitude/internal/registry"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestJSONLSink_WritesEnvelopesToFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.jsonl")

	h := hub.New(8)
	s := NewJSONLSink(discardLogger())
	failures := make(chan FailureReport, 4)

	sctx := SinkContext{Key: SinkContextKey{Generation: 1, SchemaHash: 0xAA}, Hub: h}
	if err := s.Sync(sctx, JSONLDesired{Enabled: true, Path: path}, failures); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	h.Publish(hub.Envelope{ID: 1, Timestamp: time.Now(), Payload: []byte{0x01, 0x02}, Data: registry.DecodedData{
		Fields: []registry.FieldValue{{Name: "x", Value: registry.Value{Kind: registry.ValueInt, Int: 42}}},
	}})

	// Give the sink's goroutine a moment to drain and flush.
	time.Sleep(100 * time.Millisecond)
	s.Shutdown()

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open output: %v", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		t.Fatal("expected at least one line written")
	}
	var rec map[string]any
	if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rec["id"] != "0x01" {
		t.Errorf("id = %v, want 0x01", rec["id"])
	}
	if rec["payload_hex"] != "0102" {
		t.Errorf("payload_hex = %v, want 0102", rec["payload_hex"])
	}
}

func TestJSONLSink_SyncIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.jsonl")

	h := hub.New(8)
	s := NewJSONLSink(discardLogger())
	failures := make(chan FailureReport, 4)
	desired := JSONLDesired{Enabled: true, Path: path}
	sctx := SinkContext{Key: SinkContextKey{Generation: 1, SchemaHash: 0xAA}, Hub: h}

	if err := s.Sync(sctx, desired, failures); err != nil {
		t.Fatalf("first Sync: %v", err)
	}
	firstFile := s.file

	if err := s.Sync(sctx, desired, failures); err != nil {
		t.Fatalf("second Sync: %v", err)
	}
	if s.file != firstFile {
		t.Error("identical desired state and context key must not restart the sink")
	}
	s.Shutdown()
}

func TestJSONLSink_SchemaHashOnlyChangeDoesNotRestart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.jsonl")

	h := hub.New(8)
	s := NewJSONLSink(discardLogger())
	failures := make(chan FailureReport, 4)
	desired := JSONLDesired{Enabled: true, Path: path}

	sctx1 := SinkContext{Key: SinkContextKey{Generation: 7, SchemaHash: 0xAA}, Hub: h}
	if err := s.Sync(sctx1, desired, failures); err != nil {
		t.Fatalf("Sync 1: %v", err)
	}
	firstFile := s.file

	sctx2 := SinkContext{Key: SinkContextKey{Generation: 7, SchemaHash: 0xBB}, Hub: h}
	if err := s.Sync(sctx2, desired, failures); err != nil {
		t.Fatalf("Sync 2: %v", err)
	}
	if s.file != firstFile {
		t.Error("same-generation schema_hash change must not restart the JSONL sink")
	}
	s.Shutdown()
}

func TestJSONLSink_GenerationChangeRestarts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.jsonl")

	h := hub.New(8)
	s := NewJSONLSink(discardLogger())
	failures := make(chan FailureReport, 4)
	desired := JSONLDesired{Enabled: true, Path: path}

	sctx1 := SinkContext{Key: SinkContextKey{Generation: 1, SchemaHash: 0xAA}, Hub: h}
	if err := s.Sync(sctx1, desired, failures); err != nil {
		t.Fatalf("Sync 1: %v", err)
	}
	firstFile := s.file

	h2 := hub.New(8)
	sctx2 := SinkContext{Key: SinkContextKey{Generation: 2, SchemaHash: 0xAA}, Hub: h2}
	if err := s.Sync(sctx2, desired, failures); err != nil {
		t.Fatalf("Sync 2: %v", err)
	}
	if s.file == firstFile {
		t.Error("generation change must restart the JSONL sink")
	}
	s.Shutdown()
}
