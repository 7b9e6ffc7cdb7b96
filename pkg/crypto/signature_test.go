package crypto

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestSignVerify(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error: %v", err)
	}
	if len(key.PublicKey()) != PublicKeySize {
		t.Fatalf("PublicKey() length = %d, want %d", len(key.PublicKey()), PublicKeySize)
	}

	hash := HashData([]byte("heartbeat"))
	sig, err := key.Sign(hash[:])
	if err != nil {
		t.Fatalf("Sign() error: %v", err)
	}
	if !VerifySignature(hash[:], sig, key.PublicKey()) {
		t.Error("VerifySignature() = false for a valid signature")
	}

	other := HashData([]byte("tampered"))
	if VerifySignature(other[:], sig, key.PublicKey()) {
		t.Error("VerifySignature() = true for a different hash")
	}
}

func TestSign_BadHashLength(t *testing.T) {
	key, _ := GenerateKey()
	if _, err := key.Sign([]byte("short")); err == nil {
		t.Error("Sign() should reject a non-32-byte hash")
	}
}

func TestPrivateKeyFromBytes_BadLength(t *testing.T) {
	if _, err := PrivateKeyFromBytes(make([]byte, 31)); err == nil {
		t.Error("expected error for 31-byte key")
	}
}

func TestLoadOrCreateKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "gossip.key")

	k1, err := LoadOrCreateKey(path)
	if err != nil {
		t.Fatalf("LoadOrCreateKey() create: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("key file not written: %v", err)
	}

	k2, err := LoadOrCreateKey(path)
	if err != nil {
		t.Fatalf("LoadOrCreateKey() load: %v", err)
	}
	if !bytes.Equal(k1.Serialize(), k2.Serialize()) {
		t.Error("reloaded key differs from the generated one")
	}
}

func TestLoadOrCreateKey_InvalidHex(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.key")
	if err := os.WriteFile(path, []byte("not-hex"), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := LoadOrCreateKey(path); err == nil {
		t.Fatal("expected error for invalid hex")
	}
}

func TestDeriveCredential(t *testing.T) {
	a1, err := DeriveCredential("cluster-secret", "core-a")
	if err != nil {
		t.Fatalf("DeriveCredential: %v", err)
	}
	a2, _ := DeriveCredential("cluster-secret", "core-a")
	b, _ := DeriveCredential("cluster-secret", "core-b")

	if a1 != a2 {
		t.Errorf("derivation not deterministic: %q vs %q", a1, a2)
	}
	if a1 == b {
		t.Error("different layers should derive different credentials")
	}
	if len(a1) != 32 {
		t.Errorf("credential length = %d, want 32", len(a1))
	}
	if _, err := DeriveCredential("", "core-a"); err == nil {
		t.Error("expected error for empty secret")
	}
}
