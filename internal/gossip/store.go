// Package gossip implements the announcement store of §4.2: a small
// database keyed by (author, type[, repo]) holding the latest signed
// announcement per key, an ordered relay queue giving exactly-once relay
// semantics, and the bloom-like subscription Filter peers use to bound
// what gets replayed to them on subscribe.
package gossip

import (
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/radicle-dev/heartwood-sub002/internal/protoerr"
	"github.com/radicle-dev/heartwood-sub002/internal/types"
	"github.com/radicle-dev/heartwood-sub002/internal/wire"
)

// Kind is the announcement type discriminant of §3.
type Kind uint8

const (
	KindNode Kind = iota
	KindInventory
	KindRefs
)

// Key identifies one announcement slot: (author, type[, repo]).
type Key struct {
	Author types.NID
	Kind   Kind
	RID    types.RID // zero unless Kind == KindRefs
}

// Entry is one stored announcement plus its relay bookkeeping.
type Entry struct {
	Key       Key
	Timestamp int64
	Message   wire.Message
	// RelayedAt is nil while the entry is pending relay (spec's
	// `relay = Relay`); once relayed it holds the relay time (`relay =
	// RelayedAt(now)`).
	RelayedAt *time.Time
}

// Config tunes the store's bounds.
type Config struct {
	MaxEntries        int
	ClockSkewTolerance time.Duration
}

func DefaultConfig() Config {
	return Config{MaxEntries: 100_000, ClockSkewTolerance: 2 * time.Minute}
}

// Store is the announcement database of §4.2.
type Store struct {
	mu      sync.Mutex
	cfg     Config
	entries *lru.Cache[Key, *Entry]
	relayQ  []Key // FIFO of keys pending relay, in insertion order
}

func New(cfg Config) (*Store, error) {
	cache, err := lru.New[Key, *Entry](cfg.MaxEntries)
	if err != nil {
		return nil, fmt.Errorf("gossip: new store: %w", err)
	}
	return &Store{cfg: cfg, entries: cache}, nil
}

// validateTimestamp rejects non-positive timestamps and ones too far in
// the future, per §4.2.
func validateTimestamp(ts int64, now time.Time, skew time.Duration) error {
	if ts <= 0 {
		return protoerr.New(protoerr.InvalidTimestamp, fmt.Errorf("gossip: timestamp %d <= 0", ts))
	}
	if ts > now.Add(skew).Unix() {
		return protoerr.New(protoerr.InvalidTimestamp, fmt.Errorf("gossip: timestamp %d exceeds now+skew", ts))
	}
	return nil
}

// Insert conditionally stores ann: the message with the larger timestamp
// wins; ties keep the incumbent. Returns true if ann was stored (either as
// a first insertion or an update), at which point it is queued for relay.
func (s *Store) Insert(key Key, timestamp int64, msg wire.Message, now time.Time) (bool, error) {
	if err := validateTimestamp(timestamp, now, s.cfg.ClockSkewTolerance); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entries.Get(key); ok {
		if timestamp <= existing.Timestamp {
			return false, nil
		}
	}
	s.entries.Add(key, &Entry{Key: key, Timestamp: timestamp, Message: msg})
	s.relayQ = append(s.relayQ, key)
	return true, nil
}

// Get returns the current entry for key, if any.
func (s *Store) Get(key Key) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries.Get(key)
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// RelayPending pops up to limit entries still pending relay, in insertion
// order, and atomically marks them RelayedAt(now) — giving exactly-once
// relay semantics per message.
func (s *Store) RelayPending(now time.Time, limit int) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, limit)
	i := 0
	for ; i < len(s.relayQ) && len(out) < limit; i++ {
		key := s.relayQ[i]
		e, ok := s.entries.Get(key)
		if !ok {
			continue // evicted since being queued
		}
		if e.RelayedAt != nil {
			continue // already relayed by a concurrent call; skip
		}
		t := now
		e.RelayedAt = &t
		s.entries.Add(key, e)
		out = append(out, *e)
	}
	s.relayQ = s.relayQ[i:]
	return out
}

// Prune deletes announcements older than cutoff, bounding store growth per
// §4.2's background pruning task. Returns the number of entries removed.
func (s *Store) Prune(cutoff int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for _, key := range s.entries.Keys() {
		e, ok := s.entries.Peek(key)
		if !ok {
			continue
		}
		if e.Timestamp < cutoff {
			s.entries.Remove(key)
			removed++
		}
	}
	return removed
}

// Filtered returns a restartable iterator over entries matching filter
// within [since, until), ordered by (timestamp, node, type) — the
// single "lazy restartable iterator" shape design note §9 asks for in
// place of a live SQL cursor.
func (s *Store) Filtered(filter *Filter, since, until int64) *FilteredIter {
	s.mu.Lock()
	all := make([]Entry, 0, s.entries.Len())
	for _, key := range s.entries.Keys() {
		if e, ok := s.entries.Peek(key); ok {
			all = append(all, *e)
		}
	}
	s.mu.Unlock()

	matching := all[:0:0]
	for _, e := range all {
		if e.Timestamp < since || e.Timestamp >= until {
			continue
		}
		if filter != nil && e.Key.Kind == KindRefs && !filter.ContainsRID(e.Key.RID) {
			continue
		}
		matching = append(matching, e)
	}
	sort.Slice(matching, func(i, j int) bool {
		if matching[i].Timestamp != matching[j].Timestamp {
			return matching[i].Timestamp < matching[j].Timestamp
		}
		if matching[i].Key.Author != matching[j].Key.Author {
			return matching[i].Key.Author.Less(matching[j].Key.Author)
		}
		return matching[i].Key.Kind < matching[j].Key.Kind
	})
	return &FilteredIter{entries: matching}
}

// FilteredIter is a lazy, restartable iterator over a snapshot of matching
// entries (§9 design note on generators/coroutines).
type FilteredIter struct {
	entries []Entry
	pos     int
}

// Next advances the iterator and returns the next entry, or false when
// exhausted.
func (it *FilteredIter) Next() (Entry, bool) {
	if it.pos >= len(it.entries) {
		return Entry{}, false
	}
	e := it.entries[it.pos]
	it.pos++
	return e, true
}

// Reset restarts the iterator from the beginning of its snapshot.
func (it *FilteredIter) Reset() { it.pos = 0 }

// Len reports how many entries the iterator holds in total.
func (it *FilteredIter) Len() int { return len(it.entries) }
