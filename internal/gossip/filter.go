package gossip

import (
	"encoding/binary"
	"hash/fnv"

	"github.com/bits-and-blooms/bitset"

	"github.com/radicle-dev/heartwood-sub002/internal/types"
)

// Filter is a bloom-like subscription filter over repository ids plus a
// half-open time window [Since, Until) (§4.2). It is intentionally
// probabilistic on the RID side (false positives are acceptable — a peer
// may receive a few announcements for repos it didn't ask about) but exact
// on the time window.
type Filter struct {
	bits  *bitset.BitSet
	k     int // number of hash functions
	Since int64
	Until int64
}

// NewFilter creates a filter over nbits bits using k hash functions,
// valid for the half-open window [since, until).
func NewFilter(nbits uint, k int, since, until int64) *Filter {
	if k <= 0 {
		k = 3
	}
	return &Filter{bits: bitset.New(nbits), k: k, Since: since, Until: until}
}

func (f *Filter) indices(rid types.RID) []uint {
	out := make([]uint, f.k)
	n := f.bits.Len()
	if n == 0 {
		return out
	}
	h := fnv.New64a()
	for i := 0; i < f.k; i++ {
		h.Reset()
		h.Write(rid[:])
		var seed [4]byte
		binary.BigEndian.PutUint32(seed[:], uint32(i))
		h.Write(seed[:])
		out[i] = uint(h.Sum64() % uint64(n))
	}
	return out
}

// Add inserts rid into the filter's bit field.
func (f *Filter) Add(rid types.RID) {
	for _, idx := range f.indices(rid) {
		f.bits.Set(idx)
	}
}

// ContainsRID reports whether rid may be present (false positives
// possible, false negatives impossible).
func (f *Filter) ContainsRID(rid types.RID) bool {
	for _, idx := range f.indices(rid) {
		if !f.bits.Test(idx) {
			return false
		}
	}
	return true
}

// InWindow reports whether ts falls in the filter's half-open time window.
func (f *Filter) InWindow(ts int64) bool {
	return ts >= f.Since && ts < f.Until
}

// Matches reports whether an announcement for rid at time ts satisfies
// this filter.
func (f *Filter) Matches(rid types.RID, ts int64) bool {
	return f.InWindow(ts) && f.ContainsRID(rid)
}

// Bytes serializes the filter's bit field for the wire Subscribe message.
func (f *Filter) Bytes() []byte {
	b, _ := f.bits.MarshalBinary()
	return b
}

// DecodeFilter parses a filter previously serialized with Bytes, with the
// accompanying [since,until) window carried out of band (on the wire it's
// part of the Subscribe message, not the filter bytes themselves).
func DecodeFilter(data []byte, k int, since, until int64) (*Filter, error) {
	bs := &bitset.BitSet{}
	if err := bs.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	if k <= 0 {
		k = 3
	}
	return &Filter{bits: bs, k: k, Since: since, Until: until}, nil
}
