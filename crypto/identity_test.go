package crypto

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestLoadOrCreateIdentityPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.pem")

	created, err := LoadOrCreateIdentity(path)
	if err != nil {
		t.Fatalf("create identity: %v", err)
	}

	loaded, err := LoadOrCreateIdentity(path)
	if err != nil {
		t.Fatalf("reload identity: %v", err)
	}
	if !bytes.Equal(created.PublicKey, loaded.PublicKey) {
		t.Fatalf("expected identical public key after reload")
	}
	if created.Fingerprint() != loaded.Fingerprint() {
		t.Fatalf("expected stable fingerprint after reload")
	}
}

func TestIdentitySignVerify(t *testing.T) {
	identity, err := LoadOrCreateIdentity(filepath.Join(t.TempDir(), "identity.pem"))
	if err != nil {
		t.Fatalf("create identity: %v", err)
	}

	payload := []byte("key exchange payload")
	signature, err := identity.Sign(payload)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if !VerifySignature(identity.PublicKey, payload, signature) {
		t.Fatalf("expected valid signature to verify")
	}

	payload[0] ^= 0x01
	if VerifySignature(identity.PublicKey, payload, signature) {
		t.Fatalf("expected tampered payload to fail verification")
	}

	if _, err := identity.Sign(nil); err == nil {
		t.Fatalf("expected error signing empty data")
	}
}
