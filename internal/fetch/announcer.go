package fetch

import (
	"errors"
	"time"

	"github.com/radicle-dev/heartwood-sub002/internal/types"
)

// ReplicaRange is the replicas.{lower,upper} bound of a Target, per §4.5.
type ReplicaRange struct {
	Lower int
	Upper *int
}

// Target is the post-fetch announcement target §4.5 describes.
type Target struct {
	PreferredSeeds []types.NID
	Replicas       ReplicaRange
}

var (
	// ErrNoSeeds is returned when both the already-synced and to-sync sets
	// are empty — there is nothing to announce to.
	ErrNoSeeds = errors.New("fetch: announcer: no seeds")
	// ErrTargetError is returned when the target itself is unsatisfiable:
	// no preferred seeds and a zero replica count.
	ErrTargetError = errors.New("fetch: announcer: target requires at least one preferred seed or a positive replica count")
)

// AlreadySyncedError reports that the target was already met by the
// initial partition, before any termination event was observed.
type AlreadySyncedError struct {
	Preferred []types.NID
	Synced    []types.NID
}

func (e *AlreadySyncedError) Error() string {
	return "fetch: announcer: already synced"
}

// ControlFlow mirrors Rust's std::ops::ControlFlow for the Announcer's
// per-event callback.
type ControlFlow int

const (
	FlowContinue ControlFlow = iota
	FlowBreakSuccess
)

// TerminationOutcome is the Announcer's final verdict, returned by TimedOut.
type TerminationOutcome struct {
	Success   bool
	Synced    []types.NID
	TimedOut  []types.NID
}

// Announcer tracks post-fetch gossip progress toward a replication
// Target, per §4.5's termination rules.
type Announcer struct {
	target    Target
	preferred map[types.NID]struct{}
	synced    map[types.NID]struct{}
	pending   map[types.NID]struct{}
	deadline  time.Time
}

// NewAnnouncer validates target against the initial partition
// (alreadySynced, toSync) and constructs an Announcer, per §4.5's error
// cases (NoSeeds, TargetError, AlreadySynced).
func NewAnnouncer(target Target, alreadySynced, toSync []types.NID, deadline time.Time) (*Announcer, error) {
	if len(alreadySynced) == 0 && len(toSync) == 0 {
		return nil, ErrNoSeeds
	}
	if len(target.PreferredSeeds) == 0 && target.Replicas.Lower <= 0 {
		return nil, ErrTargetError
	}

	a := &Announcer{
		target:    target,
		preferred: toSet(target.PreferredSeeds),
		synced:    toSet(alreadySynced),
		pending:   toSet(toSync),
		deadline:  deadline,
	}

	if a.reached() {
		return nil, &AlreadySyncedError{Preferred: target.PreferredSeeds, Synced: alreadySynced}
	}
	return a, nil
}

func toSet(nids []types.NID) map[types.NID]struct{} {
	m := make(map[types.NID]struct{}, len(nids))
	for _, n := range nids {
		m[n] = struct{}{}
	}
	return m
}

func (a *Announcer) reached() bool {
	preferredSynced := 0
	for p := range a.preferred {
		if _, ok := a.synced[p]; ok {
			preferredSynced++
		}
	}
	if preferredSynced < len(a.preferred) {
		return false
	}
	if len(a.synced) < a.target.Replicas.Lower {
		return false
	}
	return true
}

// reachedUpper reports whether the target's replicas.upper bound (if
// set) has also been met — a strictly stronger success than reached().
func (a *Announcer) reachedUpper() bool {
	if a.target.Replicas.Upper == nil {
		return a.reached()
	}
	return a.reached() && len(a.synced) >= *a.target.Replicas.Upper
}

// SyncedWith records that nid synced within dur of the fetch starting,
// returning FlowBreakSuccess once the target is reached.
func (a *Announcer) SyncedWith(nid types.NID, dur time.Duration) ControlFlow {
	delete(a.pending, nid)
	a.synced[nid] = struct{}{}
	if a.reached() {
		return FlowBreakSuccess
	}
	return FlowContinue
}

// TimedOut finalizes the announcer: Success if the target was reached
// before the deadline, otherwise TimedOut{synced, timed_out}.
func (a *Announcer) TimedOut() TerminationOutcome {
	synced := setToSlice(a.synced)
	if a.reached() {
		return TerminationOutcome{Success: true, Synced: synced}
	}
	return TerminationOutcome{Success: false, Synced: synced, TimedOut: setToSlice(a.pending)}
}

func setToSlice(m map[types.NID]struct{}) []types.NID {
	out := make([]types.NID, 0, len(m))
	for n := range m {
		out = append(out, n)
	}
	return out
}
