// Package issue implements the Issue COB (§3/§4.3): open/closed state,
// title, labels, assignees, and an append-only comment thread with
// tombstone-based redaction, reusing the COB engine's generic fold.
package issue

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/go-git/go-git/v5/plumbing/storer"

	"github.com/radicle-dev/heartwood-sub002/internal/cobgit"
	"github.com/radicle-dev/heartwood-sub002/internal/types"
)

const TypeName = "xyz.radicle.issue"

type State string

const (
	StateOpen   State = "open"
	StateClosed State = "closed"
)

// Comment is one entry in the append-only thread. Redacted comments are
// removed from the materialized state by the engine's redaction
// bookkeeping, not by this package (a Redact action never reaches Apply).
type Comment struct {
	OpID   string    `json:"-"`
	Author types.NID `json:"-"`
	Body   string    `json:"body"`
}

// Issue is the materialized state folded from an Issue COB's action
// history.
type Issue struct {
	Title     string
	State     State
	Labels    map[string]struct{}
	Assignees map[types.NID]struct{}
	Comments  []Comment
}

// StateLabel implements cobcache.Stateful.
func (i Issue) StateLabel() string { return string(i.State) }

func (i Issue) SortedLabels() []string {
	out := make([]string, 0, len(i.Labels))
	for l := range i.Labels {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

const (
	actionOpen     = "open"
	actionComment  = "comment"
	actionLabel    = "label"
	actionUnlabel  = "unlabel"
	actionAssign   = "assign"
	actionUnassign = "unassign"
	actionClose    = "close"
	actionReopen   = "reopen"
)

type action struct {
	Kind   string    `json:"kind"`
	Title  string    `json:"title,omitempty"`
	Body   string    `json:"body,omitempty"`
	Label  string    `json:"label,omitempty"`
	Target types.NID `json:"target,omitempty"`
}

type Reducer struct{}

var _ cobgit.Cob[Issue] = Reducer{}

// Current folds objectID's draft-aware state from st: every remote's
// signed tip plus the local draft tip, per §4.3's draft namespace read
// rule (draft reads combine signed tips from all remotes with only the
// local draft tip).
func Current(st storer.EncodedObjectStorer, draft *cobgit.Draft, objectID string) (Issue, error) {
	return cobgit.FoldDraft[Issue](st, draft, TypeName, objectID, Reducer{})
}

func (Reducer) FromRoot(first cobgit.Action) (Issue, error) {
	var a action
	if err := json.Unmarshal(first.Payload, &a); err != nil {
		return Issue{}, fmt.Errorf("issue: decode root action: %w", err)
	}
	if a.Kind != actionOpen {
		return Issue{}, fmt.Errorf("issue: root action must be %q, got %q", actionOpen, a.Kind)
	}
	if a.Title == "" {
		return Issue{}, fmt.Errorf("issue: open action requires a title")
	}
	return Issue{
		Title:     a.Title,
		State:     StateOpen,
		Labels:    map[string]struct{}{},
		Assignees: map[types.NID]struct{}{},
	}, nil
}

func (Reducer) Apply(state Issue, a cobgit.Action, concurrent []cobgit.Action, repo storer.EncodedObjectStorer) (Issue, error) {
	var act action
	if err := json.Unmarshal(a.Payload, &act); err != nil {
		return state, fmt.Errorf("issue: decode action %s: %w", a.OpID, err)
	}

	switch act.Kind {
	case actionComment:
		if !hasCommentOpID(state.Comments, a.OpID) {
			state.Comments = append(state.Comments, Comment{OpID: a.OpID, Author: a.Author, Body: act.Body})
		}
	case actionLabel:
		if act.Label == "" {
			return state, fmt.Errorf("issue: label action requires a label")
		}
		state.Labels[act.Label] = struct{}{}
	case actionUnlabel:
		delete(state.Labels, act.Label)
	case actionAssign:
		state.Assignees[act.Target] = struct{}{}
	case actionUnassign:
		delete(state.Assignees, act.Target)
	case actionClose:
		state.State = StateClosed
	case actionReopen:
		state.State = StateOpen
	case actionOpen:
		return state, fmt.Errorf("issue: %q action may only be the root", actionOpen)
	default:
		return state, fmt.Errorf("issue: unknown action kind %q", act.Kind)
	}
	return state, nil
}

// hasCommentOpID reports whether opID is already recorded, so re-applying
// the same comment action (§8's apply(apply(s, o), o) == apply(s, o))
// doesn't duplicate the comment.
func hasCommentOpID(comments []Comment, opID string) bool {
	for _, c := range comments {
		if c.OpID == opID {
			return true
		}
	}
	return false
}
