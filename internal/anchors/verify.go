package anchors

import (
	"crypto/ed25519"
	"errors"

	"recoveryd/internal/signer"
	"recoveryd/internal/store"
)

// ErrRootMismatch is returned when a stored proof names a different root
// than its anchor.
var ErrRootMismatch = errors.New("anchors: proof root does not match anchor")

// VerifyStoredProof recomputes the anchor root from a persisted proof. When
// pub is non-nil the anchor's root signature is checked too.
func VerifyStoredProof(p *store.MerkleProof, a *store.Anchor, pub ed25519.PublicKey) (bool, error) {
	if p.MerkleRoot != a.MerkleRoot {
		return false, ErrRootMismatch
	}
	siblings, err := DecodeProof(p.Siblings)
	if err != nil {
		return false, err
	}
	if !Verify(p.LeafHash, siblings, a.MerkleRoot) {
		return false, nil
	}
	if pub != nil && !signer.VerifyRoot(pub, a.MerkleRoot, a.RootSignature) {
		return false, nil
	}
	return true, nil
}
