package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"peerlink/crypto"
)

var (
	// ErrSessionNotFound indicates the session ID is not registered.
	ErrSessionNotFound = errors.New("session: session not found")
	// ErrHandshakeIncomplete indicates key use before the handshake finished.
	ErrHandshakeIncomplete = errors.New("session: handshake not complete")
)

// KeyManagerStats reports the registry's current key inventory.
type KeyManagerStats struct {
	ActiveSessions int
	StoredKeys     int
}

type keyEntry struct {
	keyPair           *crypto.KeyPair
	symmetricKey      []byte
	remotePublic      []byte
	handshakeComplete bool
	createdAt         time.Time
}

func (e *keyEntry) wipe() {
	e.keyPair.Wipe()
	crypto.ZeroBytes(e.symmetricKey)
	e.symmetricKey = nil
	e.remotePublic = nil
	e.handshakeComplete = false
}

// KeyManager is the process-wide registry of per-session key material.
// It is the storage primitive the session Manager composes; all key bytes
// live here and nowhere else, and leave only as wiped memory.
//
// All methods are safe for concurrent use; the registry is guarded by one
// coarse lock.
type KeyManager struct {
	mu      sync.Mutex
	entries map[string]*keyEntry
	log     *logrus.Entry
}

// NewKeyManager creates an empty key registry.
func NewKeyManager() *KeyManager {
	return &KeyManager{
		entries: make(map[string]*keyEntry),
		log:     logrus.WithField("component", "keymanager"),
	}
}

// GenerateEphemeralKeyPair creates a fresh X25519 key pair for the session
// and returns the public key. Generating for an existing session replaces
// and wipes the previous material.
func (m *KeyManager) GenerateEphemeralKeyPair(sessionID string) ([]byte, error) {
	keyPair, err := crypto.GenerateEphemeralKeyPair()
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.entries[sessionID]; ok {
		existing.wipe()
	}
	m.entries[sessionID] = &keyEntry{
		keyPair:   keyPair,
		createdAt: time.Now(),
	}

	public := make([]byte, crypto.KeySize)
	copy(public, keyPair.Public[:])
	return public, nil
}

// LocalPublicKey returns the session's ephemeral public key.
func (m *KeyManager) LocalPublicKey(sessionID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrSessionNotFound, sessionID)
	}
	public := make([]byte, crypto.KeySize)
	copy(public, entry.keyPair.Public[:])
	return public, nil
}

// DeriveAndStoreSymmetricKey computes the shared secret against the remote
// public key, derives the session key and installs it. This completes the
// session's handshake from the key registry's point of view.
func (m *KeyManager) DeriveAndStoreSymmetricKey(sessionID string, remotePublic []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[sessionID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrSessionNotFound, sessionID)
	}

	sharedSecret, err := crypto.ComputeSharedSecret(entry.keyPair, remotePublic)
	if err != nil {
		return err
	}
	defer crypto.ZeroBytes(sharedSecret)

	symmetricKey, err := crypto.DeriveSessionKey(sharedSecret, sessionID, entry.keyPair.Public[:], remotePublic)
	if err != nil {
		return err
	}

	crypto.ZeroBytes(entry.symmetricKey)
	entry.symmetricKey = symmetricKey
	entry.remotePublic = append([]byte(nil), remotePublic...)
	entry.handshakeComplete = true

	m.log.WithField("session_id", sessionID).Debug("symmetric key installed")
	return nil
}

// RemotePublicKey returns the installed remote public key, nil until the
// handshake completes.
func (m *KeyManager) RemotePublicKey(sessionID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrSessionNotFound, sessionID)
	}
	if entry.remotePublic == nil {
		return nil, nil
	}
	return append([]byte(nil), entry.remotePublic...), nil
}

// HandshakeComplete reports whether the session's symmetric key is installed.
func (m *KeyManager) HandshakeComplete(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[sessionID]
	return ok && entry.handshakeComplete
}

// EncryptWithSessionKey encrypts plaintext under the session's symmetric
// key, authenticating aad. Fails for unknown sessions and sessions whose
// handshake has not completed.
func (m *KeyManager) EncryptWithSessionKey(sessionID string, plaintext, aad []byte) (crypto.AESGCMResult, error) {
	key, err := m.sessionKey(sessionID)
	if err != nil {
		return crypto.AESGCMResult{}, err
	}
	return crypto.Encrypt(key, plaintext, aad)
}

// DecryptWithSessionKey authenticates and decrypts under the session's
// symmetric key.
func (m *KeyManager) DecryptWithSessionKey(sessionID string, encrypted crypto.AESGCMResult, aad []byte) ([]byte, error) {
	key, err := m.sessionKey(sessionID)
	if err != nil {
		return nil, err
	}
	return crypto.Decrypt(key, encrypted, aad)
}

// sessionKey returns a private copy of the symmetric key so encryption runs
// outside the registry lock.
func (m *KeyManager) sessionKey(sessionID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrSessionNotFound, sessionID)
	}
	if !entry.handshakeComplete {
		return nil, fmt.Errorf("%w: %q", ErrHandshakeIncomplete, sessionID)
	}

	key := make([]byte, len(entry.symmetricKey))
	copy(key, entry.symmetricKey)
	return key, nil
}

// EndSession wipes and removes the session's key material. Ending an
// unknown session is a no-op.
func (m *KeyManager) EndSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[sessionID]
	if !ok {
		return
	}
	entry.wipe()
	delete(m.entries, sessionID)
	m.log.WithField("session_id", sessionID).Debug("session keys destroyed")
}

// EndAllSessions wipes and removes every registered session.
func (m *KeyManager) EndAllSessions() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for sessionID, entry := range m.entries {
		entry.wipe()
		delete(m.entries, sessionID)
	}
}

// CleanupExpiredSessions ends sessions created more than maxAge ago and
// returns how many were removed.
func (m *KeyManager) CleanupExpiredSessions(maxAge time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for sessionID, entry := range m.entries {
		if entry.createdAt.Before(cutoff) {
			entry.wipe()
			delete(m.entries, sessionID)
			removed++
		}
	}
	if removed > 0 {
		m.log.WithField("removed", removed).Debug("expired sessions cleaned up")
	}
	return removed
}

// Stats returns the registry's session and key counts.
func (m *KeyManager) Stats() KeyManagerStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := KeyManagerStats{ActiveSessions: len(m.entries)}
	for _, entry := range m.entries {
		if entry.handshakeComplete {
			stats.StoredKeys++
		}
	}
	return stats
}
