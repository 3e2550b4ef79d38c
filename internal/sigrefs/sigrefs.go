// Package sigrefs implements the signed-refs index of §3/§4.5: for each
// remote that has pushed to a repository, a canonical snapshot of that
// remote's refs plus a detached Ed25519 signature, serving as the unit of
// trust for ref advertisement and gossip relay.
package sigrefs

import (
	"bytes"
	"crypto/ed25519"
	"fmt"
	"sort"

	"github.com/radicle-dev/heartwood-sub002/internal/types"
	"github.com/radicle-dev/heartwood-sub002/internal/wire"
)

// RefEntry is one (ref-name, oid) pair.
type RefEntry struct {
	Name string
	OID  types.OID
}

// SignedRefs is one remote's signed ref snapshot for a repository.
type SignedRefs struct {
	RID       types.RID
	Remote    types.NID
	Refs      []RefEntry
	Timestamp int64
	Signature [ed25519.SignatureSize]byte
}

// canonicalize returns Refs sorted by name, the canonical order the
// signature covers, so two independently constructed SignedRefs values for
// the same logical content always sign/verify identically.
func canonicalize(refs []RefEntry) []RefEntry {
	out := append([]RefEntry(nil), refs...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// CanonicalBytes returns the bytes an author signs: RID, remote NID, sorted
// refs, and timestamp. Uses internal/wire's varint/string codec so the
// canonical encoding matches the shape every other signed message on the
// wire uses.
func (s SignedRefs) CanonicalBytes() []byte {
	var buf bytes.Buffer
	buf.Write(s.RID[:])
	buf.Write(s.Remote[:])
	_ = wire.PutUvarint(&buf, uint64(len(s.Refs)))
	for _, r := range canonicalize(s.Refs) {
		_ = wire.PutString(&buf, r.Name)
		buf.Write(r.OID[:])
	}
	_ = wire.PutUvarint(&buf, uint64(s.Timestamp))
	return buf.Bytes()
}

// Sign signs s with priv, setting s.Signature and returning the signed copy.
func Sign(s SignedRefs, priv ed25519.PrivateKey) SignedRefs {
	s.Refs = canonicalize(s.Refs)
	s.Signature = [ed25519.SignatureSize]byte(ed25519.Sign(priv, s.CanonicalBytes()))
	return s
}

// Verify checks s.Signature against the remote's public key.
func Verify(s SignedRefs) bool {
	return ed25519.Verify(s.Remote.PublicKey(), s.CanonicalBytes(), s.Signature[:])
}

// ToAnnouncement converts s into the wire RefsAnnouncement gossiped on the
// network (§6), signed by author (the node relaying it, not necessarily
// the remote named in s).
func ToAnnouncement(s SignedRefs, author types.NID, authorSig [ed25519.SignatureSize]byte) wire.RefsAnnouncement {
	refs := make([]wire.RefOID, len(s.Refs))
	for i, r := range canonicalize(s.Refs) {
		refs[i] = wire.RefOID{Name: r.Name, OID: r.OID}
	}
	return wire.RefsAnnouncement{
		NID:       author,
		Signature: authorSig,
		RID:       s.RID,
		Refs:      refs,
		Timestamp: s.Timestamp,
	}
}

// FromAnnouncement reconstructs a SignedRefs from a gossiped
// RefsAnnouncement, attributing it to remote (the node named in the
// announcement, which is also the signer in the common case of a remote
// announcing its own refs).
func FromAnnouncement(a wire.RefsAnnouncement) SignedRefs {
	refs := make([]RefEntry, len(a.Refs))
	for i, r := range a.Refs {
		refs[i] = RefEntry{Name: r.Name, OID: r.OID}
	}
	return SignedRefs{
		RID:       a.RID,
		Remote:    a.NID,
		Refs:      refs,
		Timestamp: a.Timestamp,
		Signature: a.Signature,
	}
}

// ErrNotFound is returned by a sigrefs cache lookup miss.
var ErrNotFound = fmt.Errorf("sigrefs: not found")
