package protocol

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"peerlink/crypto"
)

func testIdentity(t *testing.T, name string) crypto.Identity {
	t.Helper()
	identity, err := crypto.LoadOrCreateIdentity(filepath.Join(t.TempDir(), name+".pem"))
	if err != nil {
		t.Fatalf("create %s identity: %v", name, err)
	}
	return identity
}

func runDiscovery(t *testing.T, a, b *Handshake) {
	t.Helper()
	if err := a.ProcessDiscoveryPayload(b.CreateDiscoveryPayload()); err != nil {
		t.Fatalf("a: process discovery: %v", err)
	}
	if err := b.ProcessDiscoveryPayload(a.CreateDiscoveryPayload()); err != nil {
		t.Fatalf("b: process discovery: %v", err)
	}
}

func TestHandshakeTwoPeersDeriveIdenticalKeys(t *testing.T) {
	const sessionID = "session-1"
	alice := NewHandshake(sessionID, "alice", testIdentity(t, "alice"), HandshakeOptions{})
	bob := NewHandshake(sessionID, "bob", testIdentity(t, "bob"), HandshakeOptions{})

	runDiscovery(t, alice, bob)
	if alice.State() != StateKeyExchange || bob.State() != StateKeyExchange {
		t.Fatalf("expected both peers in key exchange, got %s and %s", alice.State(), bob.State())
	}

	alicePayload, err := alice.PerformKeyExchange()
	if err != nil {
		t.Fatalf("alice: perform key exchange: %v", err)
	}
	bobPayload, err := bob.PerformKeyExchange()
	if err != nil {
		t.Fatalf("bob: perform key exchange: %v", err)
	}

	aliceKey, err := alice.CompleteKeyExchange(bobPayload)
	if err != nil {
		t.Fatalf("alice: complete key exchange: %v", err)
	}
	bobKey, err := bob.CompleteKeyExchange(alicePayload)
	if err != nil {
		t.Fatalf("bob: complete key exchange: %v", err)
	}

	if len(aliceKey) != crypto.KeySize {
		t.Fatalf("expected %d-byte session key, got %d", crypto.KeySize, len(aliceKey))
	}
	if !bytes.Equal(aliceKey, bobKey) {
		t.Fatalf("peers derived different session keys")
	}

	if err := alice.ConfirmVerification(); err != nil {
		t.Fatalf("alice: confirm verification: %v", err)
	}
	if err := bob.ConfirmVerification(); err != nil {
		t.Fatalf("bob: confirm verification: %v", err)
	}
	if alice.State() != StateConnected || bob.State() != StateConnected {
		t.Fatalf("expected both peers connected, got %s and %s", alice.State(), bob.State())
	}
}

func TestCompleteKeyExchangeOrderIndependence(t *testing.T) {
	a, err := crypto.GenerateEphemeralKeyPair()
	if err != nil {
		t.Fatalf("generate keypair a: %v", err)
	}
	b, err := crypto.GenerateEphemeralKeyPair()
	if err != nil {
		t.Fatalf("generate keypair b: %v", err)
	}

	keyFromA, err := CompleteKeyExchange("sid", a.Public[:], b.Public[:], a)
	if err != nil {
		t.Fatalf("derive from a's view: %v", err)
	}
	keyFromB, err := CompleteKeyExchange("sid", b.Public[:], a.Public[:], b)
	if err != nil {
		t.Fatalf("derive from b's view: %v", err)
	}
	if !bytes.Equal(keyFromA, keyFromB) {
		t.Fatalf("expected order-independent derivation")
	}
}

func TestHandshakeRejectsIncompatiblePeer(t *testing.T) {
	local := NewHandshake("s", "local", testIdentity(t, "local"), HandshakeOptions{})

	err := local.ProcessDiscoveryPayload(DiscoveryPayload{
		DeviceID:        "legacy-peer",
		Capabilities:    map[string]bool{},
		ProtocolVersion: Version,
	})
	if !errors.Is(err, ErrMissingCapability) {
		t.Fatalf("expected ErrMissingCapability, got %v", err)
	}
	if local.State() != StateFailed {
		t.Fatalf("expected failed state after incompatible peer, got %s", local.State())
	}
}

func TestHandshakeStateOrderEnforced(t *testing.T) {
	h := NewHandshake("s", "d", testIdentity(t, "d"), HandshakeOptions{})

	if _, err := h.PerformKeyExchange(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for key exchange during discovery, got %v", err)
	}
	if err := h.ConfirmVerification(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for verification during discovery, got %v", err)
	}
}

func TestHandshakeRejectsTamperedKeyExchangePayload(t *testing.T) {
	alice := NewHandshake("s", "alice", testIdentity(t, "alice"), HandshakeOptions{})
	bob := NewHandshake("s", "bob", testIdentity(t, "bob"), HandshakeOptions{})
	runDiscovery(t, alice, bob)

	if _, err := alice.PerformKeyExchange(); err != nil {
		t.Fatalf("alice: perform key exchange: %v", err)
	}
	payload, err := bob.PerformKeyExchange()
	if err != nil {
		t.Fatalf("bob: perform key exchange: %v", err)
	}

	payload.DeviceID = "impostor"
	if _, err := alice.CompleteKeyExchange(payload); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for tampered payload, got %v", err)
	}
	if alice.State() != StateFailed {
		t.Fatalf("expected failed state after tampered payload, got %s", alice.State())
	}
}

func TestHandshakeExpiryReleasesSession(t *testing.T) {
	h := NewHandshake("s", "d", testIdentity(t, "d"), HandshakeOptions{Timeout: time.Nanosecond})
	time.Sleep(2 * time.Millisecond)

	err := h.ProcessDiscoveryPayload(DiscoveryPayload{
		DeviceID:        "peer",
		Capabilities:    map[string]bool{CapabilityEncryption: true},
		ProtocolVersion: Version,
	})
	if !errors.Is(err, ErrHandshakeExpired) {
		t.Fatalf("expected ErrHandshakeExpired, got %v", err)
	}
	if h.State() != StateFailed {
		t.Fatalf("expected failed state after expiry, got %s", h.State())
	}
	if !errors.Is(h.Err(), ErrHandshakeExpired) {
		t.Fatalf("expected stored expiry cause, got %v", h.Err())
	}
}

func TestFailWipesEphemeralKey(t *testing.T) {
	alice := NewHandshake("s", "alice", testIdentity(t, "alice"), HandshakeOptions{})
	bob := NewHandshake("s", "bob", testIdentity(t, "bob"), HandshakeOptions{})
	runDiscovery(t, alice, bob)

	if _, err := alice.PerformKeyExchange(); err != nil {
		t.Fatalf("perform key exchange: %v", err)
	}

	cause := errors.New("transport lost")
	alice.Fail(cause)
	if alice.State() != StateFailed {
		t.Fatalf("expected failed state, got %s", alice.State())
	}
	if !errors.Is(alice.Err(), cause) {
		t.Fatalf("expected stored failure cause, got %v", alice.Err())
	}

	// Terminal states are sticky.
	alice.Fail(errors.New("second cause"))
	if !errors.Is(alice.Err(), cause) {
		t.Fatalf("expected first failure cause to stick")
	}
}
