package cobgit

import (
	"testing"

	"github.com/go-git/go-git/v5/storage/memory"

	"github.com/radicle-dev/heartwood-sub002/internal/types"
)

// fakeRefResolver is an in-memory RefResolver for tests: a fixed set of
// per-remote signed tips plus an optional local draft tip.
type fakeRefResolver struct {
	signed   map[types.NID]types.OID
	draftTip types.OID
	hasDraft bool
}

func (f fakeRefResolver) SignedTips(typ, objectID string) (map[types.NID]types.OID, error) {
	return f.signed, nil
}

func (f fakeRefResolver) LocalDraftTip(typ, objectID string) (types.OID, bool, error) {
	return f.draftTip, f.hasDraft, nil
}

func nidForTest(b byte) types.NID {
	var n types.NID
	n[0] = b
	return n
}

func TestFoldTipsUnionsSharedAncestorOnce(t *testing.T) {
	st := memory.NewStorage()
	signer := newSigner(t)
	manifest := Manifest{Type: "counter", Version: 1}

	root, err := Store(st, signer, manifest, [][]byte{countAction(t, 1)}, nil, nil, nil, nil, CommitTimeSource{})
	if err != nil {
		t.Fatalf("Store root: %v", err)
	}
	branchA, err := Store(st, signer, manifest, [][]byte{countAction(t, 2)}, nil, []types.OID{root}, nil, nil, CommitTimeSource{})
	if err != nil {
		t.Fatalf("Store branchA: %v", err)
	}
	branchB, err := Store(st, signer, manifest, [][]byte{countAction(t, 4)}, nil, []types.OID{root}, nil, nil, CommitTimeSource{})
	if err != nil {
		t.Fatalf("Store branchB: %v", err)
	}

	state, err := FoldTips[int](st, []types.OID{branchA, branchB}, incrementCob{})
	if err != nil {
		t.Fatalf("FoldTips: %v", err)
	}
	// root (1) applied once, plus both branches (2 and 4): 1 + 2 + 4 = 7.
	if state != 7 {
		t.Fatalf("expected the shared root to be folded once across both tips, got %d", state)
	}
}

func TestFoldDraftCombinesSignedAndLocalDraftTips(t *testing.T) {
	st := memory.NewStorage()
	signer := newSigner(t)
	manifest := Manifest{Type: "counter", Version: 1}

	root, err := Store(st, signer, manifest, [][]byte{countAction(t, 1)}, nil, nil, nil, nil, CommitTimeSource{})
	if err != nil {
		t.Fatalf("Store root: %v", err)
	}
	remoteTip, err := Store(st, signer, manifest, [][]byte{countAction(t, 2)}, nil, []types.OID{root}, nil, nil, CommitTimeSource{})
	if err != nil {
		t.Fatalf("Store remoteTip: %v", err)
	}
	draftTip, err := Store(st, signer, manifest, [][]byte{countAction(t, 8)}, nil, []types.OID{root}, nil, nil, CommitTimeSource{})
	if err != nil {
		t.Fatalf("Store draftTip: %v", err)
	}

	resolver := fakeRefResolver{
		signed:   map[types.NID]types.OID{nidForTest(1): remoteTip},
		draftTip: draftTip,
		hasDraft: true,
	}
	draft := NewDraft(resolver)

	state, err := FoldDraft[int](st, draft, "counter", "obj-1", incrementCob{})
	if err != nil {
		t.Fatalf("FoldDraft: %v", err)
	}
	// root (1) once, plus the signed remote tip (2) and the local draft
	// tip (8): 1 + 2 + 8 = 11.
	if state != 11 {
		t.Fatalf("expected signed tip and local draft tip both folded in, got %d", state)
	}
}

func TestFoldDraftWithoutLocalDraftFoldsOnlySignedTips(t *testing.T) {
	st := memory.NewStorage()
	signer := newSigner(t)
	manifest := Manifest{Type: "counter", Version: 1}

	root, err := Store(st, signer, manifest, [][]byte{countAction(t, 1)}, nil, nil, nil, nil, CommitTimeSource{})
	if err != nil {
		t.Fatalf("Store root: %v", err)
	}
	remoteTip, err := Store(st, signer, manifest, [][]byte{countAction(t, 2)}, nil, []types.OID{root}, nil, nil, CommitTimeSource{})
	if err != nil {
		t.Fatalf("Store remoteTip: %v", err)
	}

	resolver := fakeRefResolver{signed: map[types.NID]types.OID{nidForTest(1): remoteTip}}
	draft := NewDraft(resolver)

	state, err := FoldDraft[int](st, draft, "counter", "obj-1", incrementCob{})
	if err != nil {
		t.Fatalf("FoldDraft: %v", err)
	}
	// No local draft tip is set, so only root (1) + the signed remote (2).
	if state != 3 {
		t.Fatalf("expected only signed tips without a local draft tip, got %d", state)
	}
}
