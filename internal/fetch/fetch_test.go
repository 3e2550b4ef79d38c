package fetch

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/radicle-dev/heartwood-sub002/internal/events"
	"github.com/radicle-dev/heartwood-sub002/internal/policy"
	"github.com/radicle-dev/heartwood-sub002/internal/routing"
	"github.com/radicle-dev/heartwood-sub002/internal/sigrefs"
	"github.com/radicle-dev/heartwood-sub002/internal/types"
)

func testRID(b byte) types.RID {
	var rid types.RID
	rid[0] = b
	return rid
}

func testNID(b byte) types.NID {
	var nid types.NID
	nid[0] = b
	return nid
}

func openTestEngine(t *testing.T, remote RemoteFetcher, peers PeerStatus) (*Engine, *routing.Table) {
	t.Helper()
	dir := t.TempDir()
	tbl, err := routing.Open(filepath.Join(dir, "routing.db"))
	if err != nil {
		t.Fatalf("routing.Open: %v", err)
	}
	t.Cleanup(func() { tbl.Close() })

	pol, err := policy.Open(filepath.Join(dir, "policy.db"))
	if err != nil {
		t.Fatalf("policy.Open: %v", err)
	}
	t.Cleanup(func() { pol.Close() })

	bus := events.NewBus[ProgressEvent]()
	engine := New(tbl, pol, remote, unrestrictedThreshold{}, peers, bus, filepath.Join(dir, "storage"), 4)
	return engine, tbl
}

type unrestrictedThreshold struct{}

func (unrestrictedThreshold) Threshold(types.RID) (int, []types.NID, error) { return 0, nil, nil }

// fakeConnected reports a fixed set of NIDs as connected; everything else
// is disconnected.
type fakeConnected map[types.NID]bool

func (f fakeConnected) Connected(nid types.NID) bool { return f[nid] }

// scriptedRemote succeeds only for the NIDs in ok, failing every other
// fetch attempt. It records every NID it was asked to fetch, in order.
type scriptedRemote struct {
	mu    sync.Mutex
	ok    map[types.NID]bool
	calls []types.NID
}

func (r *scriptedRemote) Fetch(_ context.Context, _ types.RID, nid types.NID, _ string) ([]sigrefs.RefEntry, *sigrefs.SignedRefs, error) {
	r.mu.Lock()
	r.calls = append(r.calls, nid)
	r.mu.Unlock()
	if !r.ok[nid] {
		return nil, nil, errFakeFetch
	}
	return nil, nil, nil
}

var errFakeFetch = fetchFakeError("fake: fetch failed")

type fetchFakeError string

func (e fetchFakeError) Error() string { return string(e) }

func TestFetchForReplicasRetriesAgainstFurtherCandidatesOnShortfall(t *testing.T) {
	ctx := context.Background()
	rid := testRID(1)
	n1, n2, n3, n4 := testNID(1), testNID(2), testNID(3), testNID(4)

	remote := &scriptedRemote{ok: map[types.NID]bool{n1: false, n2: false, n3: true, n4: true}}
	peers := fakeConnected{}
	engine, tbl := openTestEngine(t, remote, peers)

	for i, nid := range []types.NID{n1, n2, n3, n4} {
		if _, err := tbl.Insert(ctx, rid, nid, int64(i+1)); err != nil {
			t.Fatalf("seed insert: %v", err)
		}
	}

	result, err := engine.Fetch(ctx, rid, Mode{Replicas: intPtr(2)})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(result.Synced) != 2 {
		t.Fatalf("expected 2 synced replicas, got %d: %v", len(result.Synced), result.Synced)
	}
	if len(remote.calls) != 4 {
		t.Fatalf("expected all 4 candidates to be tried after the first two failed, got %d calls: %v", len(remote.calls), remote.calls)
	}
	if len(result.Failed) != 2 {
		t.Fatalf("expected 2 failed outcomes recorded, got %d", len(result.Failed))
	}
}

func TestFetchForReplicasStopsOnceTargetReached(t *testing.T) {
	ctx := context.Background()
	rid := testRID(2)
	n1, n2, n3 := testNID(1), testNID(2), testNID(3)

	remote := &scriptedRemote{ok: map[types.NID]bool{n1: true, n2: true, n3: true}}
	engine, tbl := openTestEngine(t, remote, fakeConnected{})

	for i, nid := range []types.NID{n1, n2, n3} {
		if _, err := tbl.Insert(ctx, rid, nid, int64(i+1)); err != nil {
			t.Fatalf("seed insert: %v", err)
		}
	}

	result, err := engine.Fetch(ctx, rid, Mode{Replicas: intPtr(1)})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(result.Synced) != 1 {
		t.Fatalf("expected exactly 1 synced replica, got %d", len(result.Synced))
	}
	if len(remote.calls) != 1 {
		t.Fatalf("expected only the first candidate to be tried, got %d calls", len(remote.calls))
	}
}

func TestFetchForReplicasFailsValidationWhenCandidatesExhausted(t *testing.T) {
	ctx := context.Background()
	rid := testRID(3)
	n1, n2 := testNID(1), testNID(2)

	remote := &scriptedRemote{ok: map[types.NID]bool{n1: false, n2: false}}
	engine, tbl := openTestEngine(t, remote, fakeConnected{})

	for i, nid := range []types.NID{n1, n2} {
		if _, err := tbl.Insert(ctx, rid, nid, int64(i+1)); err != nil {
			t.Fatalf("seed insert: %v", err)
		}
	}

	_, err := engine.Fetch(ctx, rid, Mode{Replicas: intPtr(3)})
	if err == nil {
		t.Fatalf("expected an error when no candidates can satisfy the requested replica count")
	}
}

func TestCandidateSeedsOrdersConnectedFirst(t *testing.T) {
	ctx := context.Background()
	rid := testRID(4)
	n1, n2, n3 := testNID(1), testNID(2), testNID(3)

	engine, tbl := openTestEngine(t, &scriptedRemote{}, fakeConnected{n2: true})
	for i, nid := range []types.NID{n1, n2, n3} {
		if _, err := tbl.Insert(ctx, rid, nid, int64(i+1)); err != nil {
			t.Fatalf("seed insert: %v", err)
		}
	}

	candidates, err := engine.candidateSeeds(ctx, rid)
	if err != nil {
		t.Fatalf("candidateSeeds: %v", err)
	}
	if len(candidates) != 3 || candidates[0] != n2 {
		t.Fatalf("expected connected seed n2 first, got %v", candidates)
	}
}

func intPtr(n int) *int { return &n }
