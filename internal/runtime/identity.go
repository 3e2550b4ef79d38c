package runtime

import (
	"crypto/ed25519"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"github.com/radicle-dev/heartwood-sub002/internal/types"
)

// identityKeyFile is the node's long-lived signing key, PEM-encoded the
// same way cobgit signs COB commits (§4.3), kept separate from any
// wallet-style keystore: a node's identity key is operational, not a
// funds-custody secret.
const identityKeyFile = "identity.key"

const pemBlockType = "RADICLE NODE PRIVATE KEY"

// loadOrCreateIdentity reads the node's ed25519 signing key from
// dataDir/identity.key, generating and persisting a fresh one (mode
// 0600) on first run.
func loadOrCreateIdentity(dataDir string) (ed25519.PrivateKey, types.NID, error) {
	path := filepath.Join(dataDir, identityKeyFile)

	if raw, err := os.ReadFile(path); err == nil {
		block, _ := pem.Decode(raw)
		if block == nil || block.Type != pemBlockType || len(block.Bytes) != ed25519.PrivateKeySize {
			return nil, types.NID{}, fmt.Errorf("identity: malformed key file %s", path)
		}
		priv := ed25519.PrivateKey(block.Bytes)
		nid, err := types.NIDFromPublicKey(priv.Public().(ed25519.PublicKey))
		if err != nil {
			return nil, types.NID{}, fmt.Errorf("identity: %w", err)
		}
		return priv, nid, nil
	}

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, types.NID{}, fmt.Errorf("identity: generate key: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, types.NID{}, fmt.Errorf("identity: %w", err)
	}
	block := &pem.Block{Type: pemBlockType, Bytes: priv}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return nil, types.NID{}, fmt.Errorf("identity: write key file: %w", err)
	}
	nid, err := types.NIDFromPublicKey(pub)
	if err != nil {
		return nil, types.NID{}, fmt.Errorf("identity: %w", err)
	}
	return priv, nid, nil
}
