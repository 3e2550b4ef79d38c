package cobgit

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/go-git/go-git/v5/plumbing/storer"

	"github.com/radicle-dev/heartwood-sub002/internal/types"
)

// Action is one decoded operation within a COB commit, identified by a
// stable op id (commit OID + ordinal) so redaction and concurrent-ops
// bookkeeping can reference it.
type Action struct {
	OpID     string
	Payload  json.RawMessage
	Author   types.NID
	Resource *types.OID // the identity document commit this op was authored under, if any
}

func actionOpID(commit types.OID, ordinal int) string {
	return fmt.Sprintf("%s:%d", commit.String(), ordinal)
}

// envelope is the wire shape every action blob decodes to: either a
// Redact (tombstoning an earlier op) or an opaque type-specific payload.
type envelope struct {
	Redacts string          `json:"redacts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Cob is the generic reducer interface each COB type implements (§4.3):
// a root validator plus an apply function, monomorphized over the
// materialized state type T.
type Cob[T any] interface {
	// FromRoot validates that first is a valid type-defining action and
	// returns the object's initial state.
	FromRoot(first Action) (T, error)
	// Apply folds action into state. concurrent holds the other actions
	// in the same fold "round" (commits with no ancestor relationship to
	// each other), for authority rules that need to see siblings.
	Apply(state T, action Action, concurrent []Action, repo storer.EncodedObjectStorer) (T, error)
}

// walkOrder returns the commit OIDs reachable from root in topological
// (parents-before-children) order, breaking ties between commits with no
// ancestor relationship by OID ascending, per §4.3's fold ordering rule.
func walkOrder(st objectGetter, root types.OID) ([]types.OID, error) {
	return walkOrderMulti(st, []types.OID{root})
}

// walkOrderMulti is walkOrder generalized to multiple roots: every commit
// reachable from any root is visited once, in the same parents-before-
// children, OID-ascending-tiebreak order walkOrder uses for a single
// root. This is what lets a draft-aware read (§4.3's draft namespace)
// fold every remote's signed tip plus the local draft tip as one DAG
// instead of folding each tip separately and merging the results.
func walkOrderMulti(st objectGetter, roots []types.OID) ([]types.OID, error) {
	visited := make(map[types.OID]Entry)
	var order []types.OID

	var visit func(oid types.OID) error
	visit = func(oid types.OID) error {
		if _, ok := visited[oid]; ok {
			return nil
		}
		entry, err := Load(st, oid)
		if err != nil {
			return err
		}
		visited[oid] = entry

		parents := append([]types.OID(nil), entry.Parents...)
		sort.Slice(parents, func(i, j int) bool { return parents[i].Less(parents[j]) })
		for _, p := range parents {
			if err := visit(p); err != nil {
				return err
			}
		}
		order = append(order, oid)
		return nil
	}

	sortedRoots := append([]types.OID(nil), roots...)
	sort.Slice(sortedRoots, func(i, j int) bool { return sortedRoots[i].Less(sortedRoots[j]) })
	for _, root := range sortedRoots {
		if err := visit(root); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// Fold walks every commit reachable from root and applies its actions to
// an accumulator of type T, per §4.3: order-invariant, idempotent, and
// redaction-aware.
func Fold[T any](st objectGetter, root types.OID, cob Cob[T]) (T, error) {
	return FoldTips(st, []types.OID{root}, cob)
}

// FoldTips generalizes Fold to multiple tips, combining every commit
// reachable from any of them into one topological fold (§4.3's draft
// namespace read rule: "reads combine signed tips from all remotes with
// only the local draft tip"). A single tip behaves exactly as Fold.
func FoldTips[T any](st objectGetter, tips []types.OID, cob Cob[T]) (T, error) {
	var zero T
	if len(tips) == 0 {
		return zero, fmt.Errorf("cobgit: fold: no tips to fold")
	}
	order, err := walkOrderMulti(st, tips)
	if err != nil {
		return zero, err
	}

	// Decode every commit first so a Redact removes the op it names
	// wherever that op sits in the order, not only ops folded after it.
	redacted := make(map[string]struct{})
	rounds := make([][]Action, 0, len(order))
	for _, oid := range order {
		entry, err := Load(st, oid)
		if err != nil {
			return zero, err
		}

		var actions []Action
		for i, raw := range entry.Actions {
			var env envelope
			if err := json.Unmarshal(raw, &env); err != nil {
				return zero, fmt.Errorf("cobgit: fold: decode action %s: %w", actionOpID(oid, i), err)
			}
			opID := actionOpID(oid, i)
			if env.Redacts != "" {
				redacted[env.Redacts] = struct{}{}
				continue
			}
			actions = append(actions, Action{OpID: opID, Payload: env.Payload, Author: entry.Author, Resource: entry.Resource})
		}
		rounds = append(rounds, actions)
	}

	var state T
	var initialized bool
	for _, actions := range rounds {
		for i, action := range actions {
			if _, isRedacted := redacted[action.OpID]; isRedacted {
				continue
			}
			concurrent := append(append([]Action(nil), actions[:i]...), actions[i+1:]...)

			if !initialized {
				s, err := cob.FromRoot(action)
				if err != nil {
					return zero, fmt.Errorf("cobgit: fold: from_root: %w", err)
				}
				state = s
				initialized = true
				continue
			}
			s, err := cob.Apply(state, action, concurrent, st)
			if err != nil {
				return zero, fmt.Errorf("cobgit: fold: apply %s: %w", action.OpID, err)
			}
			state = s
		}
	}
	if !initialized {
		return zero, fmt.Errorf("cobgit: fold: no root action found")
	}
	return state, nil
}
