package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

const identityPrivatePEMType = "ED25519 PRIVATE KEY"

// Identity is the long-lived Ed25519 identity used to sign handshake
// payloads. Unlike session keys it survives restarts and lives on disk.
type Identity struct {
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
}

// LoadOrCreateIdentity loads the device identity key from a PEM file,
// generating and persisting a fresh one on first run.
func LoadOrCreateIdentity(path string) (Identity, error) {
	identity, err := loadIdentity(path)
	if err == nil {
		return identity, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return Identity{}, err
	}

	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Identity{}, fmt.Errorf("crypto: generate identity key: %w", err)
	}

	block := &pem.Block{Type: identityPrivatePEMType, Bytes: privateKey}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return Identity{}, fmt.Errorf("crypto: write identity key: %w", err)
	}

	return Identity{PrivateKey: privateKey, PublicKey: publicKey}, nil
}

func loadIdentity(path string) (Identity, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Identity{}, fmt.Errorf("crypto: read identity key: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return Identity{}, errors.New("crypto: decode identity PEM: no PEM block")
	}
	if block.Type != identityPrivatePEMType {
		return Identity{}, fmt.Errorf("crypto: decode identity PEM: unexpected type %q", block.Type)
	}
	if len(block.Bytes) != ed25519.PrivateKeySize {
		return Identity{}, fmt.Errorf("crypto: decode identity PEM: invalid key size %d", len(block.Bytes))
	}

	privateKey := ed25519.PrivateKey(block.Bytes)
	return Identity{
		PrivateKey: privateKey,
		PublicKey:  privateKey.Public().(ed25519.PublicKey),
	}, nil
}

// Sign signs data with the identity private key.
func (id Identity) Sign(data []byte) ([]byte, error) {
	if len(id.PrivateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: identity private key length %d", ErrInvalidKey, len(id.PrivateKey))
	}
	if len(data) == 0 {
		return nil, errors.New("crypto: sign: data is required")
	}
	return ed25519.Sign(id.PrivateKey, data), nil
}

// VerifySignature verifies an Ed25519 signature over data.
func VerifySignature(publicKey ed25519.PublicKey, data, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize {
		return false
	}
	if len(data) == 0 || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(publicKey, data, signature)
}

// Fingerprint returns the truncated SHA-256 hex fingerprint of the identity
// public key, suitable for display and discovery TXT records.
func (id Identity) Fingerprint() string {
	sum := sha256.Sum256(id.PublicKey)
	return hex.EncodeToString(sum[:16])
}
