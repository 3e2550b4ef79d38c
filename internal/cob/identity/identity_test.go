package identity

import (
	"crypto/ed25519"
	"encoding/json"
	"testing"

	"github.com/go-git/go-git/v5/storage/memory"

	"github.com/radicle-dev/heartwood-sub002/internal/cobgit"
	"github.com/radicle-dev/heartwood-sub002/internal/types"
)

func newSigner(t *testing.T) *cobgit.Ed25519Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	s, err := cobgit.NewEd25519Signer(priv)
	if err != nil {
		t.Fatalf("NewEd25519Signer: %v", err)
	}
	return s
}

func storeAction(t *testing.T, a action) []byte {
	t.Helper()
	payload, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("marshal action: %v", err)
	}
	b, err := json.Marshal(struct {
		Payload json.RawMessage `json:"payload"`
	}{Payload: payload})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return b
}

func TestRootMustBeCreate(t *testing.T) {
	st := memory.NewStorage()
	signer := newSigner(t)

	doc := Doc{Delegates: []types.NID{signer.NID()}, Threshold: 1, Name: "proj"}
	root, err := cobgit.Store(st, signer, cobgit.Manifest{Type: TypeName, Version: 1},
		[][]byte{storeAction(t, action{Kind: actionCreate, Doc: doc})}, nil, nil, nil, nil, cobgit.CommitTimeSource{})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}

	got, err := cobgit.Fold[Doc](st, root, Reducer{})
	if err != nil {
		t.Fatalf("Fold: %v", err)
	}
	if got.Threshold != 1 || len(got.Delegates) != 1 {
		t.Fatalf("unexpected folded doc: %+v", got)
	}
}

func TestUpdateRequiresDelegate(t *testing.T) {
	st := memory.NewStorage()
	signer := newSigner(t)
	outsider := newSigner(t)

	doc := Doc{Delegates: []types.NID{signer.NID()}, Threshold: 1, Name: "proj"}
	root, err := cobgit.Store(st, signer, cobgit.Manifest{Type: TypeName, Version: 1},
		[][]byte{storeAction(t, action{Kind: actionCreate, Doc: doc})}, nil, nil, nil, nil, cobgit.CommitTimeSource{})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}

	updated := Doc{Delegates: []types.NID{signer.NID(), outsider.NID()}, Threshold: 1, Name: "proj2"}
	tip, err := cobgit.Store(st, outsider, cobgit.Manifest{Type: TypeName, Version: 1},
		[][]byte{storeAction(t, action{Kind: actionUpdate, Doc: updated})}, nil, []types.OID{root}, nil, nil, cobgit.CommitTimeSource{})
	if err != nil {
		t.Fatalf("Store update: %v", err)
	}

	if _, err := cobgit.Fold[Doc](st, tip, Reducer{}); err == nil {
		t.Fatalf("expected fold to reject update from a non-delegate")
	}
}

func TestAtResourceReturnsHistoricalDoc(t *testing.T) {
	st := memory.NewStorage()
	signer := newSigner(t)

	doc := Doc{Delegates: []types.NID{signer.NID()}, Threshold: 1, Name: "proj"}
	root, err := cobgit.Store(st, signer, cobgit.Manifest{Type: TypeName, Version: 1},
		[][]byte{storeAction(t, action{Kind: actionCreate, Doc: doc})}, nil, nil, nil, nil, cobgit.CommitTimeSource{})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}

	second := newSigner(t)
	updated := Doc{Delegates: []types.NID{signer.NID(), second.NID()}, Threshold: 2, Name: "proj"}
	tip, err := cobgit.Store(st, signer, cobgit.Manifest{Type: TypeName, Version: 1},
		[][]byte{storeAction(t, action{Kind: actionUpdate, Doc: updated})}, nil, []types.OID{root}, nil, nil, cobgit.CommitTimeSource{})
	if err != nil {
		t.Fatalf("Store update: %v", err)
	}

	atRoot, err := AtResource(st, tip, root)
	if err != nil {
		t.Fatalf("AtResource(root): %v", err)
	}
	if atRoot.Threshold != 1 || len(atRoot.Delegates) != 1 {
		t.Fatalf("expected threshold 1 at root, got %+v", atRoot)
	}

	atTip, err := AtResource(st, tip, tip)
	if err != nil {
		t.Fatalf("AtResource(tip): %v", err)
	}
	if atTip.Threshold != 2 || len(atTip.Delegates) != 2 {
		t.Fatalf("expected threshold 2 at tip, got %+v", atTip)
	}
}
