// Package job implements the Job COB **(supplemented from
// original_source's `radicle/src/cob/job.rs`, dropped by the spec.md
// distillation)**: a CI/build-job record tracking what automated
// processing has happened against a given commit. A delegate can track
// jobs emitted by trusted nodes to help decide when a patch is ready to
// merge.
package job

import (
	"encoding/json"
	"fmt"

	"github.com/go-git/go-git/v5/plumbing/storer"

	"github.com/radicle-dev/heartwood-sub002/internal/cobgit"
)

const TypeName = "xyz.radicle.beta.job"

type State string

const (
	StateFresh     State = "fresh"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Job is the materialized state of a single CI/build run. The commit it
// ran against is fixed at creation and never changes; re-running the same
// commit creates a new Job COB rather than mutating this one.
type Job struct {
	Commit  string
	State   State
	RunID   string
	InfoURL string
}

// StateLabel implements cobcache.Stateful.
func (j Job) StateLabel() string { return string(j.State) }

const (
	actionTrigger = "trigger"
	actionStart   = "start"
	actionFinish  = "finish"
)

type action struct {
	Kind    string `json:"kind"`
	Commit  string `json:"commit,omitempty"`
	RunID   string `json:"runId,omitempty"`
	InfoURL string `json:"infoUrl,omitempty"`
	Reason  string `json:"reason,omitempty"` // "succeeded" | "failed"
}

type Reducer struct{}

var _ cobgit.Cob[Job] = Reducer{}

// Current folds objectID's draft-aware state from st: every remote's
// signed tip plus the local draft tip, per §4.3's draft namespace read
// rule.
func Current(st storer.EncodedObjectStorer, draft *cobgit.Draft, objectID string) (Job, error) {
	return cobgit.FoldDraft[Job](st, draft, TypeName, objectID, Reducer{})
}

func (Reducer) FromRoot(first cobgit.Action) (Job, error) {
	var a action
	if err := json.Unmarshal(first.Payload, &a); err != nil {
		return Job{}, fmt.Errorf("job: decode root action: %w", err)
	}
	if a.Kind != actionTrigger {
		return Job{}, fmt.Errorf("job: root action must be %q, got %q", actionTrigger, a.Kind)
	}
	if a.Commit == "" {
		return Job{}, fmt.Errorf("job: trigger action requires a commit")
	}
	return Job{Commit: a.Commit, State: StateFresh}, nil
}

func (Reducer) Apply(state Job, a cobgit.Action, concurrent []cobgit.Action, repo storer.EncodedObjectStorer) (Job, error) {
	var act action
	if err := json.Unmarshal(a.Payload, &act); err != nil {
		return state, fmt.Errorf("job: decode action %s: %w", a.OpID, err)
	}

	switch act.Kind {
	case actionStart:
		if state.State != StateFresh {
			return state, fmt.Errorf("job: cannot start a job which is not fresh (state=%s)", state.State)
		}
		state.State = StateRunning
		state.RunID = act.RunID
		state.InfoURL = act.InfoURL
	case actionFinish:
		if state.State != StateRunning {
			return state, fmt.Errorf("job: cannot finish a job which is not running (state=%s)", state.State)
		}
		switch act.Reason {
		case "succeeded":
			state.State = StateSucceeded
		case "failed":
			state.State = StateFailed
		default:
			return state, fmt.Errorf("job: finish action carries unknown reason %q", act.Reason)
		}
	case actionTrigger:
		return state, fmt.Errorf("job: %q action may only be the root", actionTrigger)
	default:
		return state, fmt.Errorf("job: unknown action kind %q", act.Kind)
	}
	return state, nil
}
