// Package patch implements the Patch COB (§3/§4.3): revisions (each a
// commit range + diff stat), review threads, and a delegate-gated Merge
// action — the COB engine's canonical example of an authority rule.
package patch

import (
	"encoding/json"
	"fmt"

	"github.com/go-git/go-git/v5/plumbing/storer"

	"github.com/radicle-dev/heartwood-sub002/internal/cob/identity"
	"github.com/radicle-dev/heartwood-sub002/internal/cobgit"
	"github.com/radicle-dev/heartwood-sub002/internal/types"
)

const TypeName = "xyz.radicle.patch"

type State string

const (
	StateOpen   State = "open"
	StateDraft  State = "draft"
	StateMerged State = "merged"
	StateClosed State = "closed"
)

// Revision is one proposed commit range within the patch's lifetime.
type Revision struct {
	OID        string `json:"oid"`
	Base       string `json:"base"`
	Head       string `json:"head"`
	FilesAdded int    `json:"filesAdded"`
	FilesRemoved int  `json:"filesRemoved"`
}

type Review struct {
	OpID     string    `json:"-"`
	Author   types.NID `json:"-"`
	Verdict  string    `json:"verdict"` // "accept" | "reject" | "comment"
	Comment  string    `json:"comment,omitempty"`
}

type Patch struct {
	Title      string
	State      State
	Revisions  []Revision
	Reviews    []Review
	MergeCommit string
	// IdentityRoot is the walk-entry-point (tip) of the enclosing identity
	// COB, used to resolve delegate authority for Merge actions. It is set
	// once from the root action and never changes.
	IdentityRoot types.OID
}

// StateLabel implements cobcache.Stateful.
func (p Patch) StateLabel() string { return string(p.State) }

const (
	actionOpen     = "open"
	actionRevise   = "revise"
	actionReview   = "review"
	actionMerge    = "merge"
	actionClose    = "close"
)

type action struct {
	Kind         string   `json:"kind"`
	Title        string   `json:"title,omitempty"`
	Revision     Revision `json:"revision,omitempty"`
	Verdict      string   `json:"verdict,omitempty"`
	Comment      string   `json:"comment,omitempty"`
	MergeCommit  string   `json:"mergeCommit,omitempty"`
	IdentityRoot string   `json:"identityRoot,omitempty"`
}

// Reducer implements cobgit.Cob[Patch]. It needs the Git object store to
// resolve delegate authority at Merge time, which the engine already
// threads through Apply.
type Reducer struct{}

var _ cobgit.Cob[Patch] = Reducer{}

// Current folds objectID's draft-aware state from st: every remote's
// signed tip plus the local draft tip, per §4.3's draft namespace read
// rule.
func Current(st storer.EncodedObjectStorer, draft *cobgit.Draft, objectID string) (Patch, error) {
	return cobgit.FoldDraft[Patch](st, draft, TypeName, objectID, Reducer{})
}

func (Reducer) FromRoot(first cobgit.Action) (Patch, error) {
	var a action
	if err := json.Unmarshal(first.Payload, &a); err != nil {
		return Patch{}, fmt.Errorf("patch: decode root action: %w", err)
	}
	if a.Kind != actionOpen {
		return Patch{}, fmt.Errorf("patch: root action must be %q, got %q", actionOpen, a.Kind)
	}
	if a.Title == "" {
		return Patch{}, fmt.Errorf("patch: open action requires a title")
	}
	var idRoot types.OID
	if a.IdentityRoot != "" {
		oid, err := types.ParseOID(a.IdentityRoot)
		if err != nil {
			return Patch{}, fmt.Errorf("patch: open action: identity root: %w", err)
		}
		idRoot = oid
	}
	return Patch{
		Title:        a.Title,
		State:        StateOpen,
		Revisions:    []Revision{a.Revision},
		IdentityRoot: idRoot,
	}, nil
}

func (Reducer) Apply(state Patch, a cobgit.Action, concurrent []cobgit.Action, repo storer.EncodedObjectStorer) (Patch, error) {
	var act action
	if err := json.Unmarshal(a.Payload, &act); err != nil {
		return state, fmt.Errorf("patch: decode action %s: %w", a.OpID, err)
	}

	switch act.Kind {
	case actionRevise:
		if state.State == StateMerged || state.State == StateClosed {
			return state, fmt.Errorf("patch: cannot revise a %s patch", state.State)
		}
		state.Revisions = append(state.Revisions, act.Revision)
	case actionReview:
		if !hasReviewOpID(state.Reviews, a.OpID) {
			state.Reviews = append(state.Reviews, Review{OpID: a.OpID, Author: a.Author, Verdict: act.Verdict, Comment: act.Comment})
		}
	case actionMerge:
		if a.Resource == nil {
			return state, fmt.Errorf("patch: merge action %s carries no resource trailer", a.OpID)
		}
		if state.IdentityRoot == (types.OID{}) {
			return state, fmt.Errorf("patch: merge action: no identity root recorded on this patch")
		}
		doc, err := identity.AtResource(repo, state.IdentityRoot, *a.Resource)
		if err != nil {
			return state, fmt.Errorf("patch: merge: resolve identity: %w", err)
		}
		if !doc.IsDelegate(a.Author) {
			return state, fmt.Errorf("patch: merge action %s author %s is not a delegate at resource %s", a.OpID, a.Author, *a.Resource)
		}
		state.State = StateMerged
		state.MergeCommit = act.MergeCommit
	case actionClose:
		if state.State == StateMerged {
			return state, fmt.Errorf("patch: cannot close a merged patch")
		}
		state.State = StateClosed
	case actionOpen:
		return state, fmt.Errorf("patch: %q action may only be the root", actionOpen)
	default:
		return state, fmt.Errorf("patch: unknown action kind %q", act.Kind)
	}
	return state, nil
}

// hasReviewOpID reports whether opID is already recorded, so re-applying
// the same review action (§8's apply(apply(s, o), o) == apply(s, o))
// doesn't duplicate the review.
func hasReviewOpID(reviews []Review, opID string) bool {
	for _, r := range reviews {
		if r.OpID == opID {
			return true
		}
	}
	return false
}
