package gossip

import (
	"testing"

	"github.com/radicle-dev/heartwood-sub002/internal/types"
)

func mustRID(t *testing.T, b byte) types.RID {
	t.Helper()
	doc := make([]byte, 32)
	for i := range doc {
		doc[i] = b
	}
	return types.RIDFromRootDoc(doc)
}

func TestFilterAddContains(t *testing.T) {
	f := NewFilter(2048, 4, 0, 1000)
	rid := mustRID(t, 1)
	other := mustRID(t, 2)

	if f.ContainsRID(rid) {
		t.Fatalf("empty filter should not contain rid")
	}
	f.Add(rid)
	if !f.ContainsRID(rid) {
		t.Fatalf("filter should contain rid after Add")
	}
	_ = other // false positives are allowed, can't assert absence generally
}

func TestFilterWindow(t *testing.T) {
	f := NewFilter(1024, 3, 100, 200)
	if f.InWindow(99) {
		t.Fatalf("99 should be outside [100,200)")
	}
	if !f.InWindow(100) {
		t.Fatalf("100 should be inside [100,200)")
	}
	if f.InWindow(200) {
		t.Fatalf("200 should be outside [100,200) (half-open)")
	}
}

func TestFilterRoundTrip(t *testing.T) {
	f := NewFilter(1024, 3, 0, 10)
	rid := mustRID(t, 7)
	f.Add(rid)

	decoded, err := DecodeFilter(f.Bytes(), 3, 0, 10)
	if err != nil {
		t.Fatalf("DecodeFilter: %v", err)
	}
	if !decoded.ContainsRID(rid) {
		t.Fatalf("decoded filter should still contain rid")
	}
}
