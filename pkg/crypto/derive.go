package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// credentialInfo domain-separates credential derivation from other HKDF uses.
const credentialInfo = "klingmesh/layer-credential/v1"

// DeriveCredential derives a stable 32-character hex credential for a layer
// from a shared cluster secret.
func DeriveCredential(secret, layer string) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("derive credential: empty secret")
	}
	r := hkdf.New(sha256.New, []byte(secret), []byte(layer), []byte(credentialInfo))
	out := make([]byte, 16)
	if _, err := io.ReadFull(r, out); err != nil {
		return "", fmt.Errorf("derive credential: %w", err)
	}
	return hex.EncodeToString(out), nil
}
