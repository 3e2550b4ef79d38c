// Package cobgit implements the write and read paths of the collaborative
// object (COB) engine of §4.3: a small typed CRDT stored as a signed Git
// DAG. Built directly on github.com/go-git/go-git/v5's object-database
// primitives (storage/filesystem + plumbing/object), the assumed Git ODB
// of §1 made concrete.
package cobgit

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"

	"github.com/radicle-dev/heartwood-sub002/internal/types"
)

// Manifest identifies a COB's type and schema version, the first thing
// read from any object's tree (§4.3 write path step 1).
type Manifest struct {
	Type    string `json:"type"`
	Version int    `json:"version"`
}

const (
	trailerResource = "Rad-Resource"
	trailerRelated  = "Rad-Related"

	pemSignatureType = "RADICLE SIGNATURE"
)

// Signer produces detached signatures over arbitrary bytes and reports the
// signing node's identity, matching the "caller's signer" of §4.3.
type Signer interface {
	NID() types.NID
	Sign(data []byte) []byte
}

// Ed25519Signer is the concrete signer used throughout this node.
type Ed25519Signer struct {
	nid  types.NID
	priv ed25519.PrivateKey
}

func NewEd25519Signer(priv ed25519.PrivateKey) (*Ed25519Signer, error) {
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("cobgit: signer: invalid key type")
	}
	nid, err := types.NIDFromPublicKey(pub)
	if err != nil {
		return nil, err
	}
	return &Ed25519Signer{nid: nid, priv: priv}, nil
}

func (s *Ed25519Signer) NID() types.NID       { return s.nid }
func (s *Ed25519Signer) Sign(data []byte) []byte { return ed25519.Sign(s.priv, data) }

// CommitTimeSource resolves the committer timestamp used for a new COB
// commit, per §4.3 step 5's three-way precedence: a build-fixed time, an
// env-var override (parsed as i64 seconds, panics on parse failure per the
// spec), or the signature's own time.
type CommitTimeSource struct {
	Fixed    *time.Time
	EnvValue string // raw env var content, if set
}

// Resolve returns the committer time to stamp a new commit with.
func (c CommitTimeSource) Resolve(fallback time.Time) time.Time {
	if c.Fixed != nil {
		return *c.Fixed
	}
	if c.EnvValue != "" {
		secs, err := strconv.ParseInt(c.EnvValue, 10, 64)
		if err != nil {
			panic(fmt.Sprintf("cobgit: invalid committer-time override %q: %v", c.EnvValue, err))
		}
		return time.Unix(secs, 0).UTC()
	}
	return fallback
}

// Store is the write path of §4.3: build a tree, sign it, commit with the
// resource/related trailers, and return the new commit's OID.
func Store(storer storer.EncodedObjectStorer, signer Signer, manifest Manifest, actions [][]byte, embeds map[string][]byte, tips []types.OID, resource *types.OID, related []types.OID, times CommitTimeSource) (types.OID, error) {
	treeHash, err := buildTree(storer, manifest, actions, embeds)
	if err != nil {
		return types.OID{}, fmt.Errorf("cobgit: store: build tree: %w", err)
	}

	sig := signer.Sign(treeHash[:])
	armored := armorSignature(sig)

	parents := dedupSortedParents(tips, related, resource)
	parentHashes := make([]plumbing.Hash, len(parents))
	for i, p := range parents {
		parentHashes[i] = plumbing.Hash(p)
	}

	message := buildTrailerMessage(resource, related)

	when := times.Resolve(time.Now())
	author := object.Signature{Name: signer.NID().String(), Email: signer.NID().String() + "@radicle", When: when}

	commit := &object.Commit{
		Author:       author,
		Committer:    author,
		Message:      message,
		TreeHash:     plumbing.Hash(treeHash),
		ParentHashes: parentHashes,
		PGPSignature: armored,
	}

	obj := storer.NewEncodedObject()
	if err := commit.Encode(obj); err != nil {
		return types.OID{}, fmt.Errorf("cobgit: store: encode commit: %w", err)
	}
	hash, err := storer.SetEncodedObject(obj)
	if err != nil {
		return types.OID{}, fmt.Errorf("cobgit: store: write commit: %w", err)
	}
	return types.OID(hash), nil
}

func armorSignature(sig []byte) string {
	var buf bytes.Buffer
	block := &pem.Block{Type: pemSignatureType, Bytes: sig}
	_ = pem.Encode(&buf, block)
	return buf.String()
}

func dearmorSignature(armored string) ([]byte, error) {
	block, _ := pem.Decode([]byte(armored))
	if block == nil {
		return nil, fmt.Errorf("cobgit: malformed PEM signature")
	}
	return block.Bytes, nil
}

func dedupSortedParents(tips []types.OID, related []types.OID, resource *types.OID) []types.OID {
	seen := make(map[types.OID]struct{})
	var out []types.OID
	add := func(o types.OID) {
		if _, ok := seen[o]; ok {
			return
		}
		seen[o] = struct{}{}
		out = append(out, o)
	}
	for _, t := range tips {
		add(t)
	}
	for _, r := range related {
		add(r)
	}
	if resource != nil {
		add(*resource)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

func buildTrailerMessage(resource *types.OID, related []types.OID) string {
	var sb strings.Builder
	sb.WriteString("cob update\n\n")
	if resource != nil {
		fmt.Fprintf(&sb, "%s: %s\n", trailerResource, resource.String())
	}
	sortedRelated := append([]types.OID(nil), related...)
	sort.Slice(sortedRelated, func(i, j int) bool { return sortedRelated[i].Less(sortedRelated[j]) })
	for _, r := range sortedRelated {
		fmt.Fprintf(&sb, "%s: %s\n", trailerRelated, r.String())
	}
	return sb.String()
}

func parseTrailers(message string) (resource *types.OID, related []types.OID, err error) {
	lines := strings.Split(message, "\n")
	sawResource := 0
	for _, line := range lines {
		switch {
		case strings.HasPrefix(line, trailerResource+":"):
			sawResource++
			if sawResource > 1 {
				return nil, nil, ErrTooManyResources
			}
			oidStr := strings.TrimSpace(strings.TrimPrefix(line, trailerResource+":"))
			oid, err := types.ParseOID(oidStr)
			if err != nil {
				return nil, nil, fmt.Errorf("cobgit: parse trailers: %w", err)
			}
			resource = &oid
		case strings.HasPrefix(line, trailerRelated+":"):
			oidStr := strings.TrimSpace(strings.TrimPrefix(line, trailerRelated+":"))
			oid, err := types.ParseOID(oidStr)
			if err != nil {
				return nil, nil, fmt.Errorf("cobgit: parse trailers: %w", err)
			}
			related = append(related, oid)
		}
	}
	return resource, related, nil
}

func buildTree(st storer.EncodedObjectStorer, manifest Manifest, actions [][]byte, embeds map[string][]byte) (types.OID, error) {
	manifestBytes, err := json.Marshal(manifest)
	if err != nil {
		return types.OID{}, err
	}
	manifestHash, err := writeBlob(st, manifestBytes)
	if err != nil {
		return types.OID{}, err
	}

	tree := &object.Tree{}
	tree.Entries = append(tree.Entries, object.TreeEntry{Name: "manifest", Mode: filemode.Regular, Hash: manifestHash})

	for i, action := range actions {
		hash, err := writeBlob(st, action)
		if err != nil {
			return types.OID{}, err
		}
		tree.Entries = append(tree.Entries, object.TreeEntry{Name: strconv.Itoa(i), Mode: filemode.Regular, Hash: hash})
	}

	if len(embeds) > 0 {
		embedNames := make([]string, 0, len(embeds))
		for name := range embeds {
			embedNames = append(embedNames, name)
		}
		sort.Strings(embedNames)
		embedTree := &object.Tree{}
		for _, name := range embedNames {
			hash, err := writeBlob(st, embeds[name])
			if err != nil {
				return types.OID{}, err
			}
			embedTree.Entries = append(embedTree.Entries, object.TreeEntry{Name: name, Mode: filemode.Regular, Hash: hash})
		}
		embedObj := st.NewEncodedObject()
		if err := embedTree.Encode(embedObj); err != nil {
			return types.OID{}, err
		}
		embedHash, err := st.SetEncodedObject(embedObj)
		if err != nil {
			return types.OID{}, err
		}
		tree.Entries = append(tree.Entries, object.TreeEntry{Name: "embeds", Mode: filemode.Dir, Hash: embedHash})
	}

	sort.Slice(tree.Entries, func(i, j int) bool { return tree.Entries[i].Name < tree.Entries[j].Name })

	obj := st.NewEncodedObject()
	if err := tree.Encode(obj); err != nil {
		return types.OID{}, err
	}
	hash, err := st.SetEncodedObject(obj)
	if err != nil {
		return types.OID{}, err
	}
	return types.OID(hash), nil
}

func writeBlob(st storer.EncodedObjectStorer, data []byte) (plumbing.Hash, error) {
	obj := st.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	w, err := obj.Writer()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return plumbing.ZeroHash, err
	}
	if err := w.Close(); err != nil {
		return plumbing.ZeroHash, err
	}
	return st.SetEncodedObject(obj)
}
