package addressbook

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/radicle-dev/heartwood-sub002/internal/types"
)

func testAddr(b byte, port uint16) KnownAddress {
	var nid types.NID
	nid[0] = b
	return KnownAddress{
		NID:      nid,
		Addr:     types.Addr{Type: types.AddrIPv4, Host: []byte{127, 0, 0, b}, Port: port},
		LastSeen: time.Now().Unix(),
		Source:   "bootstrap",
	}
}

func TestInsertGetRemove(t *testing.T) {
	b := New()
	ka := testAddr(1, 8776)
	b.Insert(ka)

	got, ok := b.Get(ka.NID)
	if !ok || got.Addr.Port != 8776 {
		t.Fatalf("expected to find inserted address, got ok=%v got=%v", ok, got)
	}

	b.Remove(ka.NID)
	if _, ok := b.Get(ka.NID); ok {
		t.Fatalf("expected address to be removed")
	}
}

func TestSampleNeverExceedsAvailable(t *testing.T) {
	b := New()
	for i := byte(1); i <= 3; i++ {
		b.Insert(testAddr(i, 8776))
	}
	sample := b.Sample(10)
	if len(sample) != 3 {
		t.Fatalf("expected sample capped at 3 entries, got %d", len(sample))
	}
	sample = b.Sample(2)
	if len(sample) != 2 {
		t.Fatalf("expected sample of 2, got %d", len(sample))
	}
}

func TestSampleWithFilter(t *testing.T) {
	b := New()
	b.Insert(testAddr(1, 8776))
	tried := testAddr(2, 8776)
	tried.LastTried = time.Now().Unix()
	b.Insert(tried)

	sample := b.SampleWith(10, func(ka KnownAddress) bool { return ka.LastTried == 0 })
	if len(sample) != 1 || sample[0].NID != testAddr(1, 8776).NID {
		t.Fatalf("expected only the untried address, got %v", sample)
	}
}

func TestCycleWrapsAndReshuffles(t *testing.T) {
	b := New()
	for i := byte(1); i <= 3; i++ {
		b.Insert(testAddr(i, 8776))
	}
	next := b.Cycle()
	seen := map[types.NID]int{}
	for i := 0; i < 9; i++ {
		ka, ok := next()
		if !ok {
			t.Fatalf("expected cycle to keep producing addresses")
		}
		seen[ka.NID]++
	}
	for nid, count := range seen {
		if count != 3 {
			t.Fatalf("expected each address to appear 3 times over 3 wraps, nid %s appeared %d times", nid, count)
		}
	}
}

func TestCycleEmptyBook(t *testing.T) {
	b := New()
	next := b.Cycle()
	if _, ok := next(); ok {
		t.Fatalf("expected empty book to never produce an address")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	b := New()
	b.Insert(testAddr(1, 8776))
	b.Insert(testAddr(2, 8777))

	path := filepath.Join(t.TempDir(), "addresses.json")
	if err := b.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Len() != 2 {
		t.Fatalf("expected 2 loaded addresses, got %d", loaded.Len())
	}
	for _, ka := range b.All() {
		got, ok := loaded.Get(ka.NID)
		if !ok || got.Addr.Port != ka.Addr.Port {
			t.Fatalf("round-tripped address mismatch for %s: ok=%v got=%v", ka.NID, ok, got)
		}
	}
}

func TestLoadMissingFileReturnsEmptyBook(t *testing.T) {
	b, err := Load(filepath.Join(t.TempDir(), "does-not-exist.json"))
	if err != nil {
		t.Fatalf("Load on missing file should not error: %v", err)
	}
	if b.Len() != 0 {
		t.Fatalf("expected empty book, got %d entries", b.Len())
	}
}
