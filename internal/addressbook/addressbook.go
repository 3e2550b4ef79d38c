// Package addressbook tracks known peer addresses in memory, persisted to
// disk as JSON, with a randomized sampler used to pick dial candidates
// (§4.6). Adapted from the teacher's Node.peers/peerLock pattern and its
// crypto/rand-seeded Fisher-Yates shuffle in core/peer_management.go.
package addressbook

import (
	"crypto/rand"
	"encoding/json"
	"math/big"
	"os"
	"sync"
	"time"

	"github.com/radicle-dev/heartwood-sub002/internal/types"
)

// KnownAddress is one remembered way to reach a node.
type KnownAddress struct {
	NID       types.NID  `json:"nid"`
	Addr      types.Addr `json:"addr"`
	LastSeen  int64      `json:"last_seen"`
	LastTried int64      `json:"last_tried,omitempty"`
	Source    string     `json:"source"` // "bootstrap", "gossip", "inbound"
}

// Book is the in-memory address book, guarded against concurrent access
// from the session/gossip goroutines that discover and consume addresses.
type Book struct {
	mu        sync.RWMutex
	addresses map[types.NID]KnownAddress
}

func New() *Book {
	return &Book{addresses: make(map[types.NID]KnownAddress)}
}

// Insert records or refreshes a known address.
func (b *Book) Insert(ka KnownAddress) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addresses[ka.NID] = ka
}

// Remove forgets a node's address.
func (b *Book) Remove(nid types.NID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.addresses, nid)
}

// Get returns the known address for nid, if any.
func (b *Book) Get(nid types.NID) (KnownAddress, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ka, ok := b.addresses[nid]
	return ka, ok
}

// MarkTried records a dial attempt timestamp against an existing entry.
func (b *Book) MarkTried(nid types.NID, when time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ka, ok := b.addresses[nid]
	if !ok {
		return
	}
	ka.LastTried = when.Unix()
	b.addresses[nid] = ka
}

// All returns a snapshot of every known address.
func (b *Book) All() []KnownAddress {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]KnownAddress, 0, len(b.addresses))
	for _, ka := range b.addresses {
		out = append(out, ka)
	}
	return out
}

// Len reports the number of known addresses.
func (b *Book) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.addresses)
}

// shuffled returns a crypto/rand-seeded Fisher-Yates shuffle of addrs. It
// takes ownership of addrs (callers must pass a copy, not a live slice).
func shuffled(addrs []KnownAddress) []KnownAddress {
	for i := len(addrs) - 1; i > 0; i-- {
		jBig, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			break
		}
		j := int(jBig.Int64())
		addrs[i], addrs[j] = addrs[j], addrs[i]
	}
	return addrs
}

// Sample returns up to n known addresses chosen uniformly at random without
// replacement.
func (b *Book) Sample(n int) []KnownAddress {
	b.mu.RLock()
	all := make([]KnownAddress, 0, len(b.addresses))
	for _, ka := range b.addresses {
		all = append(all, ka)
	}
	b.mu.RUnlock()

	shuffled(all)
	if n > len(all) {
		n = len(all)
	}
	return all[:n]
}

// SampleWith returns up to n random addresses for which keep returns true,
// without ever scanning more than all known addresses once.
func (b *Book) SampleWith(n int, keep func(KnownAddress) bool) []KnownAddress {
	b.mu.RLock()
	all := make([]KnownAddress, 0, len(b.addresses))
	for _, ka := range b.addresses {
		if keep(ka) {
			all = append(all, ka)
		}
	}
	b.mu.RUnlock()

	shuffled(all)
	if n > len(all) {
		n = len(all)
	}
	return all[:n]
}

// Cycle returns an infinite round-robin iterator over a shuffled snapshot
// of known addresses, reshuffling each time it wraps around. Used by the
// dialer to spread reconnection attempts across the address book instead
// of always retrying in the same order.
func (b *Book) Cycle() func() (KnownAddress, bool) {
	snapshot := shuffled(b.All())
	i := 0
	return func() (KnownAddress, bool) {
		if len(snapshot) == 0 {
			return KnownAddress{}, false
		}
		if i >= len(snapshot) {
			snapshot = shuffled(snapshot)
			i = 0
		}
		ka := snapshot[i]
		i++
		return ka, true
	}
}

// Save persists the address book as JSON.
func (b *Book) Save(path string) error {
	b.mu.RLock()
	all := make([]KnownAddress, 0, len(b.addresses))
	for _, ka := range b.addresses {
		all = append(all, ka)
	}
	b.mu.RUnlock()

	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// Load reads an address book previously written by Save. A missing file is
// treated as an empty book, matching the teacher's first-run behavior for
// config/state files.
func Load(path string) (*Book, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return New(), nil
	}
	if err != nil {
		return nil, err
	}
	var all []KnownAddress
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	b := New()
	for _, ka := range all {
		b.addresses[ka.NID] = ka
	}
	return b, nil
}
