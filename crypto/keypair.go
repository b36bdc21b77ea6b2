package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

const (
	// KeySize is the byte length of X25519 private keys, public keys,
	// shared secrets and derived session keys.
	KeySize = 32
)

var (
	// ErrInvalidKey indicates a key of the wrong length or an all-zero key.
	ErrInvalidKey = errors.New("crypto: invalid key")
	// ErrDerivation indicates shared-secret computation or key derivation failed.
	ErrDerivation = errors.New("crypto: key derivation failed")
)

// KeyPair is an ephemeral X25519 key pair. The private scalar is owned by
// the session that generated it and must be wiped with Wipe before release.
type KeyPair struct {
	Private [KeySize]byte
	Public  [KeySize]byte
}

// GenerateEphemeralKeyPair creates a fresh X25519 key pair from the system
// randomness source.
func GenerateEphemeralKeyPair() (*KeyPair, error) {
	kp := &KeyPair{}
	if _, err := rand.Read(kp.Private[:]); err != nil {
		return nil, fmt.Errorf("crypto: read ephemeral key randomness: %w", err)
	}

	public, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("%w: compute public key: %v", ErrDerivation, err)
	}
	copy(kp.Public[:], public)

	return kp, nil
}

// ComputeSharedSecret performs X25519 scalar multiplication between the local
// private key and the remote public key. Low-order remote points yield an
// all-zero output and are rejected.
func ComputeSharedSecret(kp *KeyPair, remotePublic []byte) ([]byte, error) {
	if kp == nil {
		return nil, fmt.Errorf("%w: nil local key pair", ErrInvalidKey)
	}
	if len(remotePublic) != KeySize {
		return nil, fmt.Errorf("%w: remote public key length %d", ErrInvalidKey, len(remotePublic))
	}
	if allZero(remotePublic) {
		return nil, fmt.Errorf("%w: all-zero remote public key", ErrInvalidKey)
	}

	secret, err := curve25519.X25519(kp.Private[:], remotePublic)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDerivation, err)
	}
	if allZero(secret) {
		return nil, fmt.Errorf("%w: low-order remote public key", ErrDerivation)
	}

	return secret, nil
}

// Wipe zeroes the private scalar. The key pair is unusable afterwards.
func (kp *KeyPair) Wipe() {
	if kp == nil {
		return
	}
	ZeroBytes(kp.Private[:])
}

func allZero(b []byte) bool {
	var acc byte
	for _, v := range b {
		acc |= v
	}
	return acc == 0
}
