package journal

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSinkHashChain(t *testing.T) {
	s := NewSink()
	s.Emit("swarm.peer_joined", map[string]any{"node_id": "a"})
	s.Emit("swarm.peer_joined", map[string]any{"node_id": "b"})
	s.Emit("swarm.peer_left", map[string]any{"node_id": "a"})

	events := s.All()
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].PrevHash != "" {
		t.Fatalf("first event should have empty prev_hash, got %q", events[0].PrevHash)
	}
	if events[1].PrevHash != events[0].Hash {
		t.Fatalf("event 1 prev_hash should chain to event 0 hash")
	}
	if !s.Verify() {
		t.Fatalf("expected chain to verify")
	}
}

func TestSinkVerifyDetectsTamper(t *testing.T) {
	s := NewSink()
	s.Emit("swarm.peer_joined", map[string]any{"node_id": "a"})
	s.Emit("swarm.peer_joined", map[string]any{"node_id": "b"})

	s.log[0].Payload = []byte(`{"node_id":"tampered"}`)
	if s.Verify() {
		t.Fatalf("expected tampered chain to fail verification")
	}
}

func TestPersistentSinkRestoresAcrossRestart(t *testing.T) {
	dir := t.TempDir()

	ps, err := NewPersistentSink(Config{Dir: dir})
	if err != nil {
		t.Fatalf("NewPersistentSink: %v", err)
	}
	if _, err := ps.Emit("swarm.peer_joined", map[string]any{"node_id": "a"}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if _, err := ps.Emit("swarm.peer_left", map[string]any{"node_id": "a"}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if err := ps.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	restored, err := NewPersistentSink(Config{Dir: dir})
	if err != nil {
		t.Fatalf("NewPersistentSink (restore): %v", err)
	}
	defer restored.Close()

	if got := len(restored.All()); got != 2 {
		t.Fatalf("expected 2 restored events, got %d", got)
	}
	if !restored.Verify() {
		t.Fatalf("expected restored chain to verify")
	}
}

func TestPersistentSinkRotatesSegments(t *testing.T) {
	dir := t.TempDir()
	ps, err := NewPersistentSink(Config{Dir: dir, SegmentSize: 1})
	if err != nil {
		t.Fatalf("NewPersistentSink: %v", err)
	}
	defer ps.Close()

	for i := 0; i < 5; i++ {
		if _, err := ps.Emit("swarm.peer_joined", map[string]any{"node_id": i}); err != nil {
			t.Fatalf("Emit: %v", err)
		}
	}

	files, err := filepath.Glob(filepath.Join(dir, "swarm-*.jsonl"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(files) < 2 {
		t.Fatalf("expected segment rotation to produce multiple files, got %d", len(files))
	}
}

func TestPersistentSinkSkipsCorruptSegmentTail(t *testing.T) {
	dir := t.TempDir()
	ps, err := NewPersistentSink(Config{Dir: dir})
	if err != nil {
		t.Fatalf("NewPersistentSink: %v", err)
	}
	ps.Emit("swarm.peer_joined", map[string]any{"node_id": "a"})
	ps.Close()

	files, _ := filepath.Glob(filepath.Join(dir, "swarm-*.jsonl"))
	f, err := os.OpenFile(files[0], os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	f.WriteString("{not valid json\n")
	f.Close()

	restored, err := NewPersistentSink(Config{Dir: dir})
	if err != nil {
		t.Fatalf("NewPersistentSink (restore): %v", err)
	}
	defer restored.Close()
	if got := len(restored.All()); got != 1 {
		t.Fatalf("expected corrupt tail to be skipped, got %d events", got)
	}
}
