package gossip

import (
	"testing"
	"time"

	"github.com/radicle-dev/heartwood-sub002/internal/types"
	"github.com/radicle-dev/heartwood-sub002/internal/wire"
)

func mustStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(DefaultConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func nodeKey(nid types.NID) Key { return Key{Author: nid, Kind: KindNode} }

func TestInsertRejectsBadTimestamps(t *testing.T) {
	s := mustStore(t)
	now := time.Now()
	var nid types.NID
	nid[0] = 1

	if _, err := s.Insert(nodeKey(nid), 0, nil, now); err == nil {
		t.Fatalf("expected error for ts == 0")
	}
	if _, err := s.Insert(nodeKey(nid), now.Add(time.Hour).Unix(), nil, now); err == nil {
		t.Fatalf("expected error for ts far in the future")
	}
}

func TestInsertKeepsLargerTimestampTiesKeepIncumbent(t *testing.T) {
	s := mustStore(t)
	now := time.Now()
	var nid types.NID
	nid[0] = 2
	key := nodeKey(nid)

	first := &wire.NodeAnnouncement{NID: nid, Timestamp: 100}
	stored, err := s.Insert(key, 100, first, now)
	if err != nil || !stored {
		t.Fatalf("first insert: stored=%v err=%v", stored, err)
	}

	// Tie: same timestamp should not replace the incumbent.
	second := &wire.NodeAnnouncement{NID: nid, Timestamp: 100, Alias: "ignored"}
	stored, err = s.Insert(key, 100, second, now)
	if err != nil || stored {
		t.Fatalf("tie insert should not replace: stored=%v err=%v", stored, err)
	}
	e, ok := s.Get(key)
	if !ok || e.Message.(*wire.NodeAnnouncement).Alias != "" {
		t.Fatalf("incumbent should be kept on tie")
	}

	// Larger timestamp should replace.
	third := &wire.NodeAnnouncement{NID: nid, Timestamp: 101, Alias: "newer"}
	stored, err = s.Insert(key, 101, third, now)
	if err != nil || !stored {
		t.Fatalf("larger-timestamp insert should replace: stored=%v err=%v", stored, err)
	}
	e, ok = s.Get(key)
	if !ok || e.Message.(*wire.NodeAnnouncement).Alias != "newer" {
		t.Fatalf("larger timestamp should have replaced incumbent")
	}

	// Smaller timestamp should not replace.
	stale := &wire.NodeAnnouncement{NID: nid, Timestamp: 50, Alias: "stale"}
	stored, err = s.Insert(key, 50, stale, now)
	if err != nil || stored {
		t.Fatalf("smaller-timestamp insert should not replace: stored=%v err=%v", stored, err)
	}
}

func TestRelayPendingExactlyOnce(t *testing.T) {
	s := mustStore(t)
	now := time.Now()
	var a, b types.NID
	a[0], b[0] = 1, 2

	if _, err := s.Insert(nodeKey(a), 10, &wire.NodeAnnouncement{NID: a, Timestamp: 10}, now); err != nil {
		t.Fatalf("insert a: %v", err)
	}
	if _, err := s.Insert(nodeKey(b), 20, &wire.NodeAnnouncement{NID: b, Timestamp: 20}, now); err != nil {
		t.Fatalf("insert b: %v", err)
	}

	first := s.RelayPending(now, 10)
	if len(first) != 2 {
		t.Fatalf("expected 2 pending entries, got %d", len(first))
	}
	if first[0].Key.Author != a || first[1].Key.Author != b {
		t.Fatalf("relay order should preserve insertion (FIFO)")
	}

	second := s.RelayPending(now, 10)
	if len(second) != 0 {
		t.Fatalf("entries already relayed must not be relayed again, got %d", len(second))
	}
}

func TestPruneRemovesOldEntries(t *testing.T) {
	s := mustStore(t)
	now := time.Now()
	var nid types.NID
	nid[0] = 3

	if _, err := s.Insert(nodeKey(nid), 100, &wire.NodeAnnouncement{NID: nid, Timestamp: 100}, now); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if n := s.Prune(200); n != 1 {
		t.Fatalf("expected 1 entry pruned, got %d", n)
	}
	if _, ok := s.Get(nodeKey(nid)); ok {
		t.Fatalf("pruned entry should be gone")
	}
}

func TestFilteredOrdersByTimestampThenAuthor(t *testing.T) {
	s := mustStore(t)
	now := time.Now()
	var a, b types.NID
	a[0], b[0] = 1, 2

	if _, err := s.Insert(nodeKey(b), 20, &wire.NodeAnnouncement{NID: b, Timestamp: 20}, now); err != nil {
		t.Fatalf("insert b: %v", err)
	}
	if _, err := s.Insert(nodeKey(a), 10, &wire.NodeAnnouncement{NID: a, Timestamp: 10}, now); err != nil {
		t.Fatalf("insert a: %v", err)
	}

	it := s.Filtered(nil, 0, 1000)
	if it.Len() != 2 {
		t.Fatalf("expected 2 matching entries, got %d", it.Len())
	}
	e1, ok := it.Next()
	if !ok || e1.Key.Author != a {
		t.Fatalf("expected a (ts 10) first")
	}
	e2, ok := it.Next()
	if !ok || e2.Key.Author != b {
		t.Fatalf("expected b (ts 20) second")
	}
	if _, ok := it.Next(); ok {
		t.Fatalf("iterator should be exhausted")
	}
	it.Reset()
	if _, ok := it.Next(); !ok {
		t.Fatalf("iterator should restart after Reset")
	}
}
