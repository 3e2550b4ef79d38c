// Package fetch implements the replication engine of §4.5: resolving
// candidate seeds, fetching a repository to a replication-factor target,
// and validating each fetch against the identity document's
// delegate-signature threshold.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/radicle-dev/heartwood-sub002/internal/events"
	"github.com/radicle-dev/heartwood-sub002/internal/policy"
	"github.com/radicle-dev/heartwood-sub002/internal/routing"
	"github.com/radicle-dev/heartwood-sub002/internal/sigrefs"
	"github.com/radicle-dev/heartwood-sub002/internal/types"
)

// Mode selects how candidate seeds are chosen, per §4.5.
type Mode struct {
	// Replicas, if non-nil, requests fetching from up to N currently
	// connected seeds (Replicas(n) mode).
	Replicas *int
	// Seeds, if non-empty, is the explicit ordered set to fetch from
	// (Seeds(s) mode). Mutually exclusive with Replicas.
	Seeds []types.NID
}

// Outcome is one seed's fetch result.
type Outcome struct {
	NID     types.NID
	Success bool
	Updated []sigrefs.RefEntry
	Reason  string
}

// Result aggregates every seed's Outcome for one Fetch call.
type Result struct {
	RID     types.RID
	Synced  []types.NID
	Failed  []Outcome
}

// ValidationError is returned, together with the Result, when fewer seeds
// fetched successfully than the identity document's threshold. Only
// successful fetches are counted; the sigrefs a RemoteFetcher returns are
// not verified. Delegates is the size of the identity's delegate set.
type ValidationError struct {
	Threshold int
	Delegates int
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("fetch: validation: fewer than %d successful fetches (%d delegates)", e.Threshold, e.Delegates)
}

// PeerStatus abstracts over the session layer's
// view of which candidate NIDs currently have a live connection, so this
// package doesn't need to import internal/session directly (avoiding an
// import cycle: session will eventually depend on fetch to service
// queued fetch requests).
type PeerStatus interface {
	Connected(nid types.NID) bool
}

// RemoteFetcher performs the actual network exchange with one remote:
// either a clone (destination does not yet exist) or a pull (destination
// exists, ref updates applied in place). The wire-level Git protocol
// exchange itself is out of this package's scope (§1 assumes a Git ODB
// and transport already exist); callers inject the concrete
// implementation that drives the transport/session layer.
type RemoteFetcher interface {
	// Fetch performs one clone-or-pull exchange with nid for rid, writing
	// into destDir (a fresh tempdir for a clone, the existing repo path for
	// a pull), and returns the set of refs it updated plus that remote's
	// advertised sigrefs (Engine does not inspect the sigrefs).
	Fetch(ctx context.Context, rid types.RID, nid types.NID, destDir string) ([]sigrefs.RefEntry, *sigrefs.SignedRefs, error)
}

// ThresholdResolver resolves the identity document's current
// delegate-signature threshold and delegate set for rid, so Engine can
// run §4.5's per-fetch validation without depending on the cobgit/cob
// packages directly (avoiding a dependency cycle on the storage layer
// that owns the identity COB's object store).
type ThresholdResolver interface {
	Threshold(rid types.RID) (threshold int, delegates []types.NID, err error)
}

// Engine is the fetch/replication engine of §4.5.
type Engine struct {
	routing    *routing.Table
	policy     *policy.Store
	remote     RemoteFetcher
	threshold  ThresholdResolver
	peers      PeerStatus
	bus        *events.Bus[ProgressEvent]
	storageDir string

	concurrency int
}

// New constructs a fetch Engine. storageDir is the root under which each
// repository lives at storageDir/<rid>, per §4.5's clone/pull layout.
func New(routingTable *routing.Table, policyStore *policy.Store, remote RemoteFetcher, threshold ThresholdResolver, peers PeerStatus, bus *events.Bus[ProgressEvent], storageDir string, concurrency int) *Engine {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Engine{
		routing:     routingTable,
		policy:      policyStore,
		remote:      remote,
		threshold:   threshold,
		peers:       peers,
		bus:         bus,
		storageDir:  storageDir,
		concurrency: concurrency,
	}
}

// Fetch runs §4.5's algorithm: resolve candidate seeds, fetch per mode,
// validate against the identity threshold, and aggregate outcomes.
func (e *Engine) Fetch(ctx context.Context, rid types.RID, mode Mode) (*Result, error) {
	candidates, err := e.candidateSeeds(ctx, rid)
	if err != nil {
		return nil, fmt.Errorf("fetch: resolve candidates: %w", err)
	}

	var outcomes []Outcome
	switch {
	case mode.Replicas != nil:
		outcomes = e.fetchForReplicas(ctx, rid, candidates, *mode.Replicas)
	case len(mode.Seeds) > 0:
		outcomes = e.fetchAll(ctx, rid, mode.Seeds)
	default:
		return nil, errors.New("fetch: mode must set either Replicas or Seeds")
	}

	var synced []types.NID
	var failed []Outcome
	for _, o := range outcomes {
		if o.Success {
			synced = append(synced, o.NID)
		} else {
			failed = append(failed, o)
		}
	}

	threshold, delegates, err := e.threshold.Threshold(rid)
	if err == nil && threshold > 0 {
		if len(synced) < threshold {
			return &Result{RID: rid, Synced: synced, Failed: failed}, &ValidationError{Threshold: threshold, Delegates: len(delegates)}
		}
	}

	sort.Slice(synced, func(i, j int) bool { return synced[i].String() < synced[j].String() })
	return &Result{RID: rid, Synced: synced, Failed: failed}, nil
}

// candidateSeeds resolves seeds from the routing table, connected first
// then disconnected, per §4.5 step 1.
func (e *Engine) candidateSeeds(ctx context.Context, rid types.RID) ([]types.NID, error) {
	all, err := e.routing.Get(ctx, rid)
	if err != nil {
		return nil, err
	}
	var connected, disconnected []types.NID
	for _, nid := range all {
		if e.peers != nil && e.peers.Connected(nid) {
			connected = append(connected, nid)
		} else {
			disconnected = append(disconnected, nid)
		}
	}
	return append(connected, disconnected...), nil
}

// fetchForReplicas implements Replicas(n): try the first n candidates
// (connected seeds first, per candidateSeeds), and while successes < n
// and candidates remain, try further candidates to make up the
// shortfall, per §4.5 step 2 ("While successes < n and there are
// disconnected candidates, try to connect to one more and fetch").
// Every attempted outcome (successes and failures alike) is returned.
func (e *Engine) fetchForReplicas(ctx context.Context, rid types.RID, candidates []types.NID, n int) []Outcome {
	if n <= 0 {
		n = len(candidates)
	}
	var outcomes []Outcome
	successes, tried := 0, 0
	for tried < len(candidates) && successes < n {
		need := n - successes
		end := tried + need
		if end > len(candidates) {
			end = len(candidates)
		}
		batch := e.fetchAll(ctx, rid, candidates[tried:end])
		tried = end
		for _, o := range batch {
			if o.Success {
				successes++
			}
		}
		outcomes = append(outcomes, batch...)
	}
	return outcomes
}

// fetchAll issues fetches to targets, bounded by e.concurrency concurrent
// in-flight fetches per §4.5 step 2's "bounded by per-peer concurrency".
func (e *Engine) fetchAll(ctx context.Context, rid types.RID, targets []types.NID) []Outcome {
	outcomes := make([]Outcome, len(targets))
	sem := make(chan struct{}, e.concurrency)
	var wg sync.WaitGroup

	for i, nid := range targets {
		wg.Add(1)
		go func(i int, nid types.NID) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			outcomes[i] = e.fetchOne(ctx, rid, nid)
		}(i, nid)
	}
	wg.Wait()
	return outcomes
}

func (e *Engine) fetchOne(ctx context.Context, rid types.RID, nid types.NID) Outcome {
	dest := filepath.Join(e.storageDir, rid.String())
	_, err := os.Stat(dest)
	exists := err == nil

	var workDir string
	if exists {
		workDir = dest
	} else {
		tmp, err := os.MkdirTemp(e.storageDir, "fetch-*")
		if err != nil {
			return Outcome{NID: nid, Success: false, Reason: err.Error()}
		}
		workDir = tmp
	}

	updated, _, err := e.remote.Fetch(ctx, rid, nid, workDir)
	if err != nil {
		if !exists {
			os.RemoveAll(workDir)
		}
		return Outcome{NID: nid, Success: false, Reason: err.Error()}
	}

	if !exists {
		if err := os.Rename(workDir, dest); err != nil {
			os.RemoveAll(workDir)
			return Outcome{NID: nid, Success: false, Reason: fmt.Sprintf("clone: rename into storage: %v", err)}
		}
	}

	entries := make([]sigrefs.RefEntry, len(updated))
	copy(entries, updated)
	return Outcome{NID: nid, Success: true, Updated: entries}
}
