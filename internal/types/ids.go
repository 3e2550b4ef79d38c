// Package types defines the identifiers shared across every component of
// the node: repository ids, node ids, and the addresses used to dial peers.
package types

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// RID is a repository id: a content-address of a repository's root identity
// document.
type RID [32]byte

// RIDFromRootDoc derives an RID from the canonical bytes of a root identity
// document.
func RIDFromRootDoc(canonical []byte) RID {
	return RID(sha256.Sum256(canonical))
}

// ParseRID decodes a hex-encoded RID.
func ParseRID(s string) (RID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return RID{}, fmt.Errorf("rid: %w", err)
	}
	if len(b) != 32 {
		return RID{}, errors.New("rid: wrong length")
	}
	var r RID
	copy(r[:], b)
	return r, nil
}

func (r RID) String() string { return hex.EncodeToString(r[:]) }
func (r RID) IsZero() bool   { return r == RID{} }

func (r RID) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

func (r *RID) UnmarshalText(text []byte) error {
	parsed, err := ParseRID(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// NID is a node id: an Ed25519 public key.
type NID [ed25519.PublicKeySize]byte

func NIDFromPublicKey(pub ed25519.PublicKey) (NID, error) {
	if len(pub) != ed25519.PublicKeySize {
		return NID{}, errors.New("nid: wrong public key size")
	}
	var n NID
	copy(n[:], pub)
	return n, nil
}

func ParseNID(s string) (NID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return NID{}, fmt.Errorf("nid: %w", err)
	}
	if len(b) != ed25519.PublicKeySize {
		return NID{}, errors.New("nid: wrong length")
	}
	var n NID
	copy(n[:], b)
	return n, nil
}

func (n NID) String() string            { return hex.EncodeToString(n[:]) }
func (n NID) PublicKey() ed25519.PublicKey { return append(ed25519.PublicKey(nil), n[:]...) }
func (n NID) IsZero() bool              { return n == NID{} }

func (n NID) MarshalText() ([]byte, error) { return []byte(n.String()), nil }

func (n *NID) UnmarshalText(text []byte) error {
	parsed, err := ParseNID(string(text))
	if err != nil {
		return err
	}
	*n = parsed
	return nil
}

// Less gives NID a total order, used to deterministically sort delegate
// sets and related-parent lists.
func (n NID) Less(other NID) bool {
	for i := range n {
		if n[i] != other[i] {
			return n[i] < other[i]
		}
	}
	return false
}

// OID is a Git object id (SHA-1, matching go-git's plumbing.Hash shape).
type OID [20]byte

func ParseOID(s string) (OID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return OID{}, fmt.Errorf("oid: %w", err)
	}
	if len(b) != 20 {
		return OID{}, errors.New("oid: wrong length")
	}
	var o OID
	copy(o[:], b)
	return o, nil
}

func (o OID) String() string { return hex.EncodeToString(o[:]) }
func (o OID) IsZero() bool   { return o == OID{} }

func (o OID) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

func (o *OID) UnmarshalText(text []byte) error {
	parsed, err := ParseOID(string(text))
	if err != nil {
		return err
	}
	*o = parsed
	return nil
}

// Less gives OID a total order, used to break ties between concurrent COB
// commits during fold (§4.3: "Ordering between concurrent commits is broken
// by commit OID ascending").
func (o OID) Less(other OID) bool {
	for i := range o {
		if o[i] != other[i] {
			return o[i] < other[i]
		}
	}
	return false
}
