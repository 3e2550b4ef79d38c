package job

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

func wrapPayload(t *testing.T, a action) []byte {
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

func TestLifecycleFreshRunningSucceeded(t *testing.T) {
	st := memory.NewStorage()
	signer := newSigner(t)

	root, err := cobgit.Store(st, signer, cobgit.Manifest{Type: TypeName, Version: 1},
		[][]byte{wrapPayload(t, action{Kind: actionTrigger, Commit: "abc123"})}, nil, nil, nil, nil, cobgit.CommitTimeSource{})
	if err != nil {
		t.Fatalf("Store root: %v", err)
	}

	tip, err := cobgit.Store(st, signer, cobgit.Manifest{Type: TypeName, Version: 1},
		[][]byte{
			wrapPayload(t, action{Kind: actionStart, RunID: "run-1", InfoURL: "https://ci.example/run-1"}),
		}, nil, []types.OID{root}, nil, nil, cobgit.CommitTimeSource{})
	if err != nil {
		t.Fatalf("Store start: %v", err)
	}
	tip, err = cobgit.Store(st, signer, cobgit.Manifest{Type: TypeName, Version: 1},
		[][]byte{wrapPayload(t, action{Kind: actionFinish, Reason: "succeeded"})}, nil, []types.OID{tip}, nil, nil, cobgit.CommitTimeSource{})
	if err != nil {
		t.Fatalf("Store finish: %v", err)
	}

	got, err := cobgit.Fold[Job](st, tip, Reducer{})
	if err != nil {
		t.Fatalf("Fold: %v", err)
	}
	if got.Commit != "abc123" {
		t.Fatalf("unexpected commit: %q", got.Commit)
	}
	if got.State != StateSucceeded {
		t.Fatalf("expected succeeded state, got %s", got.State)
	}
	if got.RunID != "run-1" {
		t.Fatalf("unexpected run id: %q", got.RunID)
	}
}

func TestFinishBeforeStartRejected(t *testing.T) {
	st := memory.NewStorage()
	signer := newSigner(t)

	root, err := cobgit.Store(st, signer, cobgit.Manifest{Type: TypeName, Version: 1},
		[][]byte{wrapPayload(t, action{Kind: actionTrigger, Commit: "abc123"})}, nil, nil, nil, nil, cobgit.CommitTimeSource{})
	if err != nil {
		t.Fatalf("Store root: %v", err)
	}

	tip, err := cobgit.Store(st, signer, cobgit.Manifest{Type: TypeName, Version: 1},
		[][]byte{wrapPayload(t, action{Kind: actionFinish, Reason: "succeeded"})}, nil, []types.OID{root}, nil, nil, cobgit.CommitTimeSource{})
	if err != nil {
		t.Fatalf("Store finish: %v", err)
	}

	if _, err := cobgit.Fold[Job](st, tip, Reducer{}); err == nil {
		t.Fatalf("expected fold to reject finish before start")
	}
}
