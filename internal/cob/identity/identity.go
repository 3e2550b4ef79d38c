// Package identity implements the Identity COB (§3/§4.3): the delegate
// set, signing threshold, and project payload that together form a
// repository's identity document. The document is itself a COB whose head
// determines the current identity.
package identity

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/go-git/go-git/v5/plumbing/storer"

	"github.com/radicle-dev/heartwood-sub002/internal/cobgit"
	"github.com/radicle-dev/heartwood-sub002/internal/types"
)

const TypeName = "xyz.radicle.id"

// Doc is the materialized identity document: the set of delegates allowed
// to author privileged ops, the threshold of delegate signatures required
// to accept a change, and the project's descriptive payload.
type Doc struct {
	Delegates   []types.NID `json:"delegates"`
	Threshold   int         `json:"threshold"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
	DefaultBranch string    `json:"defaultBranch"`
}

// StateLabel implements cobcache.Stateful. An identity document has no
// lifecycle state of its own (unlike Issue/Patch/Job); every cached
// projection is simply "active" as of its folded commit.
func (d Doc) StateLabel() string { return "active" }

// IsDelegate reports whether nid is one of the document's delegates.
func (d Doc) IsDelegate(nid types.NID) bool {
	for _, del := range d.Delegates {
		if del == nid {
			return true
		}
	}
	return false
}

// action kinds. The root action of every Identity COB must be Create; all
// later ops are Update, replacing the whole document (LWW at the
// document level — callers diff if they want finer-grained merges).
const (
	actionCreate = "create"
	actionUpdate = "update"
)

type action struct {
	Kind string `json:"kind"`
	Doc  Doc    `json:"doc"`
}

// Reducer implements cobgit.Cob[Doc].
type Reducer struct{}

var _ cobgit.Cob[Doc] = Reducer{}

func (Reducer) FromRoot(first cobgit.Action) (Doc, error) {
	var a action
	if err := json.Unmarshal(first.Payload, &a); err != nil {
		return Doc{}, fmt.Errorf("identity: decode root action: %w", err)
	}
	if a.Kind != actionCreate {
		return Doc{}, fmt.Errorf("identity: root action must be %q, got %q", actionCreate, a.Kind)
	}
	if err := validate(a.Doc); err != nil {
		return Doc{}, err
	}
	return a.Doc, nil
}

func (Reducer) Apply(state Doc, a cobgit.Action, concurrent []cobgit.Action, repo storer.EncodedObjectStorer) (Doc, error) {
	var act action
	if err := json.Unmarshal(a.Payload, &act); err != nil {
		return state, fmt.Errorf("identity: decode action: %w", err)
	}
	if act.Kind != actionUpdate {
		return state, fmt.Errorf("identity: non-root action must be %q, got %q", actionUpdate, act.Kind)
	}
	// Only a current delegate may propose a document update.
	if !state.IsDelegate(a.Author) {
		return state, fmt.Errorf("identity: update author %s is not a delegate", a.Author)
	}
	if err := validate(act.Doc); err != nil {
		return state, err
	}
	return act.Doc, nil
}

func validate(d Doc) error {
	if d.Threshold < 1 {
		return fmt.Errorf("identity: threshold must be >= 1, got %d", d.Threshold)
	}
	if d.Threshold > len(d.Delegates) {
		return fmt.Errorf("identity: threshold %d exceeds delegate count %d", d.Threshold, len(d.Delegates))
	}
	if len(d.Delegates) == 0 {
		return fmt.Errorf("identity: delegate set must not be empty")
	}
	return nil
}

// AtResource folds the identity COB, as known up to knownTip, only up to
// and including resourceOID, returning the delegate set/threshold in
// effect at that point in the document's own history. This is what
// §4.3's authority rule means by "a delegate of the enclosing identity at
// the op's resource commit": the resource OID names a specific commit
// within the identity COB's own DAG, not necessarily its current tip.
func AtResource(st storer.EncodedObjectStorer, knownTip types.OID, resourceOID types.OID) (Doc, error) {
	stream, err := cobgit.NewStream(st, knownTip)
	if err != nil {
		return Doc{}, fmt.Errorf("identity: at-resource: %w", err)
	}
	ops := stream.Until(resourceOID)
	if len(ops) == 0 {
		return Doc{}, fmt.Errorf("identity: at-resource: %s not found in identity history up to %s", resourceOID, knownTip)
	}
	tip := ops[len(ops)-1]
	return cobgit.Fold[Doc](st, tip, Reducer{})
}

// Current folds objectID's draft-aware identity document from st: every
// remote's signed tip plus the local draft tip, per §4.3's draft
// namespace read rule.
func Current(st storer.EncodedObjectStorer, draft *cobgit.Draft, objectID string) (Doc, error) {
	return cobgit.FoldDraft[Doc](st, draft, TypeName, objectID, Reducer{})
}

// SortedDelegates returns a copy of d's delegates sorted for stable
// comparisons/serialization.
func SortedDelegates(d Doc) []types.NID {
	out := append([]types.NID(nil), d.Delegates...)
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}
