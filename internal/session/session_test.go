package session

import (
	"testing"
	"time"

	"github.com/radicle-dev/heartwood-sub002/internal/types"
)

func testNID(b byte) types.NID {
	var n types.NID
	n[0] = b
	return n
}

func TestLifecycleHappyPath(t *testing.T) {
	now := time.Now()
	s := New(testNID(1), "127.0.0.1:8776", Outbound, false, DefaultConfig())

	if s.Phase() != Initial {
		t.Fatalf("new session should start Initial, got %s", s.Phase())
	}
	if err := s.ToAttempted(); err != nil {
		t.Fatalf("ToAttempted: %v", err)
	}
	if s.Phase() != Attempted {
		t.Fatalf("expected Attempted, got %s", s.Phase())
	}
	if err := s.ToConnected(now); err != nil {
		t.Fatalf("ToConnected: %v", err)
	}
	if s.Phase() != Connected || s.IsStable() {
		t.Fatalf("freshly connected session should not be stable yet")
	}

	s.Tick(now.Add(30 * time.Second))
	if s.IsStable() {
		t.Fatalf("should not be stable before StableAfter elapses")
	}

	s.Tick(now.Add(2 * time.Minute))
	if !s.IsStable() {
		t.Fatalf("should be stable once StableAfter elapses")
	}
	if s.Attempts() != 0 {
		t.Fatalf("attempts should reset to 0 once stable, got %d", s.Attempts())
	}

	retryAt := now.Add(5 * time.Minute)
	if err := s.ToDisconnected(now, retryAt); err != nil {
		t.Fatalf("ToDisconnected: %v", err)
	}
	got, ok := s.RetryAt()
	if !ok || !got.Equal(retryAt) {
		t.Fatalf("RetryAt mismatch: ok=%v got=%v want=%v", ok, got, retryAt)
	}
	if err := s.ToInitial(); err != nil {
		t.Fatalf("ToInitial: %v", err)
	}
	if s.Phase() != Initial {
		t.Fatalf("expected back to Initial, got %s", s.Phase())
	}
}

func TestInvalidTransitionsRejected(t *testing.T) {
	s := New(testNID(2), "127.0.0.1:8776", Inbound, false, DefaultConfig())
	if err := s.ToDisconnected(time.Now(), time.Now()); err == nil {
		t.Fatalf("expected error transitioning Initial -> Disconnected directly")
	}
	if err := s.ToInitial(); err == nil {
		t.Fatalf("expected error transitioning Initial -> Initial")
	}
}

func TestFetchQueueDuplicateAndCapacity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxFetchQueueSize = 2
	s := New(testNID(3), "127.0.0.1:8776", Outbound, false, cfg)

	var rid types.RID
	rid[0] = 1
	if err := s.QueueFetch(FetchRequest{RID: rid}); err != nil {
		t.Fatalf("first queue: %v", err)
	}
	if err := s.QueueFetch(FetchRequest{RID: rid}); err != ErrDuplicate {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	var rid2 types.RID
	rid2[0] = 2
	if err := s.QueueFetch(FetchRequest{RID: rid2}); err != nil {
		t.Fatalf("second queue: %v", err)
	}
	var rid3 types.RID
	rid3[0] = 3
	if err := s.QueueFetch(FetchRequest{RID: rid3}); err != ErrCapacityReached {
		t.Fatalf("expected ErrCapacityReached, got %v", err)
	}

	f, ok := s.DequeueFetch()
	if !ok || f.RID != rid {
		t.Fatalf("expected FIFO dequeue of first rid")
	}
}

func TestFetchingPanicsOnDoubleFetch(t *testing.T) {
	s := New(testNID(4), "127.0.0.1:8776", Outbound, false, DefaultConfig())
	now := time.Now()
	if err := s.ToAttempted(); err != nil {
		t.Fatalf("ToAttempted: %v", err)
	}
	if err := s.ToConnected(now); err != nil {
		t.Fatalf("ToConnected: %v", err)
	}

	var rid types.RID
	rid[0] = 9
	s.Fetching(rid)

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on double Fetching")
		}
	}()
	s.Fetching(rid)
}

func TestFetchedWarnsWithoutPanicOnStaleResult(t *testing.T) {
	s := New(testNID(5), "127.0.0.1:8776", Outbound, false, DefaultConfig())
	now := time.Now()
	if err := s.ToAttempted(); err != nil {
		t.Fatalf("ToAttempted: %v", err)
	}
	if err := s.ToConnected(now); err != nil {
		t.Fatalf("ToConnected: %v", err)
	}

	var rid types.RID
	rid[0] = 9
	warned := false
	s.Fetched(rid, func(string, ...interface{}) { warned = true })
	if !warned {
		t.Fatalf("expected a warning for a fetched rid that was never in flight")
	}
}

func TestIsAtCapacity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FetchConcurrency = 1
	s := New(testNID(6), "127.0.0.1:8776", Outbound, false, cfg)
	now := time.Now()
	if err := s.ToAttempted(); err != nil {
		t.Fatalf("ToAttempted: %v", err)
	}
	if err := s.ToConnected(now); err != nil {
		t.Fatalf("ToConnected: %v", err)
	}
	if s.IsAtCapacity() {
		t.Fatalf("should not be at capacity with no in-flight fetches")
	}
	var rid types.RID
	rid[0] = 1
	s.Fetching(rid)
	if !s.IsAtCapacity() {
		t.Fatalf("should be at capacity with FetchConcurrency=1 and one in-flight fetch")
	}
}

func TestPingPongRecordsLatency(t *testing.T) {
	s := New(testNID(7), "127.0.0.1:8776", Outbound, false, DefaultConfig())
	now := time.Now()
	if err := s.ToAttempted(); err != nil {
		t.Fatalf("ToAttempted: %v", err)
	}
	if err := s.ToConnected(now); err != nil {
		t.Fatalf("ToConnected: %v", err)
	}
	if err := s.Ping(now, 8); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	s.Pong(now.Add(50 * time.Millisecond))
	// No exported accessor for Latencies; this at least exercises the
	// code path for panics/races under `go test -race`.
}
