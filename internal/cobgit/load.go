package cobgit

import (
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"

	"github.com/radicle-dev/heartwood-sub002/internal/types"
)

// Entry is one decoded COB commit, the unit the fold walker consumes.
type Entry struct {
	OID       types.OID
	Author    types.NID
	Signature []byte
	Manifest  Manifest
	Actions   [][]byte
	Resource  *types.OID
	Related   []types.OID
	Parents   []types.OID
	Timestamp int64
}

// objectGetter is the subset of go-git's repository API the read path
// needs: decoding commits, trees, and blobs by hash.
type objectGetter interface {
	storer.EncodedObjectStorer
}

// Load reads and validates the commit at oid, per §4.3's read path.
func Load(st objectGetter, oid types.OID) (Entry, error) {
	commitObj, err := st.EncodedObject(plumbing.CommitObject, plumbing.Hash(oid))
	if err != nil {
		return Entry{}, fmt.Errorf("cobgit: load: %w", err)
	}
	commit := &object.Commit{}
	if err := commit.Decode(commitObj); err != nil {
		return Entry{}, fmt.Errorf("cobgit: load: decode commit: %w", err)
	}

	if commit.PGPSignature == "" {
		return Entry{}, ErrChangeNotSigned
	}
	sig, rest, err := decodeSingleSignature(commit.PGPSignature)
	if err != nil {
		return Entry{}, err
	}
	if rest {
		return Entry{}, ErrTooManySignatures
	}

	resource, related, err := parseTrailers(commit.Message)
	if err != nil {
		return Entry{}, err
	}

	author, err := types.ParseNID(commit.Author.Name)
	if err != nil {
		return Entry{}, fmt.Errorf("cobgit: load: author nid: %w", err)
	}

	manifest, actions, err := readTree(st, commit.TreeHash)
	if err != nil {
		return Entry{}, fmt.Errorf("cobgit: load: %w", err)
	}

	excluded := make(map[types.OID]struct{})
	if resource != nil {
		excluded[*resource] = struct{}{}
	}
	for _, r := range related {
		excluded[r] = struct{}{}
	}
	var parents []types.OID
	for _, p := range commit.ParentHashes {
		poid := types.OID(p)
		if _, skip := excluded[poid]; skip {
			continue
		}
		parents = append(parents, poid)
	}

	return Entry{
		OID:       oid,
		Author:    author,
		Signature: sig,
		Manifest:  manifest,
		Actions:   actions,
		Resource:  resource,
		Related:   related,
		Parents:   parents,
		Timestamp: commit.Author.When.Unix(),
	}, nil
}

// decodeSingleSignature decodes one armored PEM block and reports whether a
// second block follows (=> too many signatures).
func decodeSingleSignature(armored string) (sig []byte, hasMore bool, err error) {
	block, rest := pem.Decode([]byte(armored))
	if block == nil {
		return nil, false, fmt.Errorf("cobgit: malformed signature: %w", ErrChangeNotSigned)
	}
	if next, _ := pem.Decode(rest); next != nil {
		return block.Bytes, true, nil
	}
	return block.Bytes, false, nil
}

func readTree(st objectGetter, treeHash plumbing.Hash) (Manifest, [][]byte, error) {
	treeObj, err := st.EncodedObject(plumbing.TreeObject, treeHash)
	if err != nil {
		return Manifest{}, nil, err
	}
	tree := &object.Tree{}
	if err := tree.Decode(treeObj); err != nil {
		return Manifest{}, nil, err
	}

	var manifest Manifest
	var foundManifest bool
	actionBlobs := make(map[int][]byte)

	for _, entry := range tree.Entries {
		switch {
		case entry.Name == "manifest":
			data, err := readBlob(st, entry.Hash)
			if err != nil {
				return Manifest{}, nil, err
			}
			if err := json.Unmarshal(data, &manifest); err != nil {
				return Manifest{}, nil, fmt.Errorf("cobgit: decode manifest: %w", err)
			}
			foundManifest = true
		case entry.Name == "embeds":
			// embeds are addressed by content-hash at higher layers; the
			// fold path doesn't need their contents.
		default:
			idx, err := strconv.Atoi(entry.Name)
			if err != nil {
				continue // not a numerically-named action blob
			}
			data, err := readBlob(st, entry.Hash)
			if err != nil {
				return Manifest{}, nil, err
			}
			actionBlobs[idx] = data
		}
	}
	if !foundManifest {
		return Manifest{}, nil, fmt.Errorf("cobgit: missing manifest blob")
	}

	indices := make([]int, 0, len(actionBlobs))
	for i := range actionBlobs {
		indices = append(indices, i)
	}
	sort.Ints(indices)
	actions := make([][]byte, 0, len(indices))
	for _, i := range indices {
		actions = append(actions, actionBlobs[i])
	}
	if len(actions) == 0 {
		return Manifest{}, nil, fmt.Errorf("cobgit: commit has no action blobs")
	}
	return manifest, actions, nil
}

func readBlob(st objectGetter, hash plumbing.Hash) ([]byte, error) {
	blobObj, err := st.EncodedObject(plumbing.BlobObject, hash)
	if err != nil {
		return nil, err
	}
	r, err := blobObj.Reader()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
