package crypto

import (
	"bytes"
	"testing"
)

func TestSessionKeyDerivationMatchesAcrossPeers(t *testing.T) {
	alice, err := GenerateEphemeralKeyPair()
	if err != nil {
		t.Fatalf("generate alice ephemeral keypair: %v", err)
	}
	bob, err := GenerateEphemeralKeyPair()
	if err != nil {
		t.Fatalf("generate bob ephemeral keypair: %v", err)
	}

	aliceShared, err := ComputeSharedSecret(alice, bob.Public[:])
	if err != nil {
		t.Fatalf("compute alice shared secret: %v", err)
	}
	bobShared, err := ComputeSharedSecret(bob, alice.Public[:])
	if err != nil {
		t.Fatalf("compute bob shared secret: %v", err)
	}
	if !bytes.Equal(aliceShared, bobShared) {
		t.Fatalf("expected matching shared secrets")
	}

	const sessionID = "session-sym"

	aliceKey, err := DeriveSessionKey(aliceShared, sessionID, alice.Public[:], bob.Public[:])
	if err != nil {
		t.Fatalf("derive alice session key: %v", err)
	}
	bobKey, err := DeriveSessionKey(bobShared, sessionID, bob.Public[:], alice.Public[:])
	if err != nil {
		t.Fatalf("derive bob session key: %v", err)
	}

	if len(aliceKey) != KeySize {
		t.Fatalf("expected %d-byte session key, got %d", KeySize, len(aliceKey))
	}
	if !bytes.Equal(aliceKey, bobKey) {
		t.Fatalf("expected matching session keys regardless of public key order")
	}
}

func TestSessionKeyDependsOnSessionID(t *testing.T) {
	alice, err := GenerateEphemeralKeyPair()
	if err != nil {
		t.Fatalf("generate alice ephemeral keypair: %v", err)
	}
	bob, err := GenerateEphemeralKeyPair()
	if err != nil {
		t.Fatalf("generate bob ephemeral keypair: %v", err)
	}
	shared, err := ComputeSharedSecret(alice, bob.Public[:])
	if err != nil {
		t.Fatalf("compute shared secret: %v", err)
	}

	keyA, err := DeriveSessionKey(shared, "session-a", alice.Public[:], bob.Public[:])
	if err != nil {
		t.Fatalf("derive key for session-a: %v", err)
	}
	keyB, err := DeriveSessionKey(shared, "session-b", alice.Public[:], bob.Public[:])
	if err != nil {
		t.Fatalf("derive key for session-b: %v", err)
	}
	if bytes.Equal(keyA, keyB) {
		t.Fatalf("expected distinct keys for distinct session IDs")
	}
}

func TestDeriveSessionKeyRejectsInvalidInputs(t *testing.T) {
	kp, err := GenerateEphemeralKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	shared := make([]byte, KeySize)
	shared[0] = 1

	cases := []struct {
		name      string
		shared    []byte
		sessionID string
		publicA   []byte
		publicB   []byte
	}{
		{"short shared secret", shared[:16], "sid", kp.Public[:], kp.Public[:]},
		{"all-zero shared secret", make([]byte, KeySize), "sid", kp.Public[:], kp.Public[:]},
		{"empty session id", shared, "", kp.Public[:], kp.Public[:]},
		{"short public A", shared, "sid", kp.Public[:16], kp.Public[:]},
		{"short public B", shared, "sid", kp.Public[:], kp.Public[:16]},
	}

	for _, tc := range cases {
		if _, err := DeriveSessionKey(tc.shared, tc.sessionID, tc.publicA, tc.publicB); err == nil {
			t.Fatalf("%s: expected derivation error", tc.name)
		}
	}
}

func TestComputeSharedSecretRejectsBadPublicKeys(t *testing.T) {
	kp, err := GenerateEphemeralKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}

	if _, err := ComputeSharedSecret(kp, make([]byte, 16)); err == nil {
		t.Fatalf("expected error for short public key")
	}
	if _, err := ComputeSharedSecret(kp, make([]byte, KeySize)); err == nil {
		t.Fatalf("expected error for all-zero public key")
	}
}

func TestKeyPairWipeZeroesPrivateScalar(t *testing.T) {
	kp, err := GenerateEphemeralKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}

	kp.Wipe()
	if !allZero(kp.Private[:]) {
		t.Fatalf("expected private scalar to be zeroed after Wipe")
	}
}
