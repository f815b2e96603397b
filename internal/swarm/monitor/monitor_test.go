package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakePoller struct {
	mu    sync.Mutex
	resps []Checkpoint
	errs  []error
	i     int
}

func (f *fakePoller) PollStatus(ctx context.Context, peerNodeID, taskID string) (Checkpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.i
	if idx >= len(f.resps) {
		idx = len(f.resps) - 1
	}
	f.i++
	var err error
	if idx < len(f.errs) {
		err = f.errs[idx]
	}
	return f.resps[idx], err
}

func newWatch(taskID, peerNodeID string) *watch {
	_, cancel := context.WithCancel(context.Background())
	return &watch{taskID: taskID, peerNodeID: peerNodeID, cancel: cancel}
}

func TestPollRunningResetsMissedAndCallsOnProgress(t *testing.T) {
	var progressed bool
	m := New(&fakePoller{resps: []Checkpoint{{Status: CheckpointRunning}}}, DefaultConfig(), nil, func(taskID, peerNodeID string, cp Checkpoint) {
		progressed = true
	}, nil)

	w := newWatch("t1", "peer-a")
	w.missed = 2
	stop := m.poll(context.Background(), w)
	if stop {
		t.Fatalf("expected running checkpoint to not stop the watch")
	}
	if w.missed != 0 {
		t.Fatalf("expected missed counter reset on a running checkpoint, got %d", w.missed)
	}
	if !progressed {
		t.Fatalf("expected onProgress to be invoked for a running checkpoint")
	}
}

func TestPollTerminalStatusStopsWatch(t *testing.T) {
	m := New(&fakePoller{resps: []Checkpoint{{Status: CheckpointCompleted}}}, DefaultConfig(), nil, nil, nil)
	m.mu.Lock()
	w := newWatch("t1", "peer-a")
	m.watches["t1"] = w
	m.mu.Unlock()

	stop := m.poll(context.Background(), w)
	if !stop {
		t.Fatalf("expected a terminal checkpoint status to stop the watch")
	}
	if m.Watching("t1") {
		t.Fatalf("expected watch removed after terminal checkpoint")
	}
}

func TestPollErrorEscalatesAfterMaxMissed(t *testing.T) {
	cfg := Config{MaxMissedCheckpoints: 2}
	var escalatedTask, escalatedPeer string
	m := New(&fakePoller{errs: []error{errors.New("unreachable"), errors.New("unreachable")}, resps: []Checkpoint{{}, {}}}, cfg, func(taskID, peerNodeID string) {
		escalatedTask, escalatedPeer = taskID, peerNodeID
	}, nil, nil)

	m.mu.Lock()
	w := newWatch("t1", "peer-a")
	m.watches["t1"] = w
	m.mu.Unlock()

	if m.poll(context.Background(), w) {
		t.Fatalf("expected first missed checkpoint to not yet escalate")
	}
	if !m.poll(context.Background(), w) {
		t.Fatalf("expected second missed checkpoint to escalate and stop")
	}
	if escalatedTask != "t1" || escalatedPeer != "peer-a" {
		t.Fatalf("expected escalation callback with task/peer ids, got %q/%q", escalatedTask, escalatedPeer)
	}
}

func TestStartIsIdempotentPerTaskID(t *testing.T) {
	m := New(&fakePoller{resps: []Checkpoint{{Status: CheckpointRunning}}}, Config{PollIntervalMS: 100000}, nil, nil, nil)
	m.Start("t1", "peer-a", 0)
	m.Start("t1", "peer-a", 0)

	m.mu.Lock()
	count := len(m.watches)
	m.mu.Unlock()
	if count != 1 {
		t.Fatalf("expected a double-Start to register only one watch, got %d", count)
	}
	m.StopAll()
}

func TestStopAllClearsEveryWatch(t *testing.T) {
	m := New(&fakePoller{resps: []Checkpoint{{Status: CheckpointRunning}}}, Config{PollIntervalMS: 100000}, nil, nil, nil)
	m.Start("t1", "peer-a", 0)
	m.Start("t2", "peer-b", 0)

	m.StopAll()
	if m.Watching("t1") || m.Watching("t2") {
		t.Fatalf("expected StopAll to clear every watch")
	}
}

func TestStartThenPollsEventually(t *testing.T) {
	var mu sync.Mutex
	var polled bool
	poller := &fakePoller{resps: []Checkpoint{{Status: CheckpointRunning}}}
	m := New(poller, Config{PollIntervalMS: 5}, nil, func(taskID, peerNodeID string, cp Checkpoint) {
		mu.Lock()
		polled = true
		mu.Unlock()
	}, nil)

	m.Start("t1", "peer-a", 0)
	defer m.StopAll()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		p := polled
		mu.Unlock()
		if p {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected at least one poll to have fired within the timeout")
}
