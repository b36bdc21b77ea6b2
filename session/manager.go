package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"peerlink/crypto"
)

// EventType names a session lifecycle transition.
type EventType string

const (
	// EventSessionCreated fires when a session is registered.
	EventSessionCreated EventType = "session_created"
	// EventHandshakeCompleted fires when the symmetric key is installed.
	EventHandshakeCompleted EventType = "handshake_completed"
	// EventSessionEnded fires when a session's keys are destroyed.
	EventSessionEnded EventType = "session_ended"
)

// Event describes one session lifecycle transition. Events for a given
// session are delivered in the order the transitions occurred.
type Event struct {
	Type      EventType
	SessionID string
	DeviceID  string
	Timestamp time.Time
}

// Observer receives session events. It runs synchronously on the goroutine
// that triggered the transition and must not re-enter the Manager.
type Observer func(Event)

// NewChannelObserver adapts an Observer to a buffered channel. Events are
// dropped when the buffer is full so a slow consumer cannot stall the
// protocol engine.
func NewChannelObserver(buffer int) (Observer, <-chan Event) {
	ch := make(chan Event, buffer)
	return func(event Event) {
		select {
		case ch <- event:
		default:
		}
	}, ch
}

// verificationMessage is the plaintext both peers seal to prove they hold
// the same derived session key.
func verificationMessage(sessionID string) []byte {
	return []byte("peerlink/verify/v1:" + sessionID)
}

// verificationAAD binds verification payloads to transfer 0, offset 0.
var verificationAAD = crypto.AAD(0, 0)

// SecureSession is a snapshot of one session's public state. Key material
// never appears here; it stays inside the KeyManager until wiped.
type SecureSession struct {
	SessionID         string
	DeviceID          string
	LocalPublicKey    []byte
	RemotePublicKey   []byte
	HandshakeComplete bool
	CreatedAt         time.Time
}

type sessionMeta struct {
	deviceID  string
	createdAt time.Time
}

// Manager is the secure session layer: a registry of sessions owning their
// key material exclusively, with authenticated encryption bound to message
// identity and lifecycle events for the application layer.
type Manager struct {
	mu       sync.Mutex
	keys     *KeyManager
	sessions map[string]*sessionMeta
	observer Observer
	log      *logrus.Entry
}

// NewManager creates a session manager over its own key registry.
// observer may be nil.
func NewManager(observer Observer) *Manager {
	return &Manager{
		keys:     NewKeyManager(),
		sessions: make(map[string]*sessionMeta),
		observer: observer,
		log:      logrus.WithField("component", "session"),
	}
}

// Keys exposes the underlying key registry for wiring cleanup tickers.
func (m *Manager) Keys() *KeyManager {
	return m.keys
}

// NewSessionID returns a fresh session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

// CreateSession registers a session with a fresh ephemeral key pair and
// emits EventSessionCreated.
func (m *Manager) CreateSession(sessionID, deviceID string) (SecureSession, error) {
	if sessionID == "" {
		return SecureSession{}, fmt.Errorf("session: session ID is required")
	}
	if deviceID == "" {
		return SecureSession{}, fmt.Errorf("session: device ID is required")
	}

	localPublic, err := m.keys.GenerateEphemeralKeyPair(sessionID)
	if err != nil {
		return SecureSession{}, err
	}

	m.mu.Lock()
	meta := &sessionMeta{deviceID: deviceID, createdAt: time.Now()}
	m.sessions[sessionID] = meta
	m.emitLocked(Event{Type: EventSessionCreated, SessionID: sessionID, DeviceID: deviceID, Timestamp: time.Now()})
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{"session_id": sessionID, "device_id": deviceID}).Info("session created")

	return SecureSession{
		SessionID:      sessionID,
		DeviceID:       deviceID,
		LocalPublicKey: localPublic,
		CreatedAt:      meta.createdAt,
	}, nil
}

// CompleteHandshake installs the remote public key and the derived
// symmetric key on a registered session and emits EventHandshakeCompleted.
func (m *Manager) CompleteHandshake(sessionID string, remotePublic []byte) error {
	m.mu.Lock()
	meta, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrSessionNotFound, sessionID)
	}

	if err := m.keys.DeriveAndStoreSymmetricKey(sessionID, remotePublic); err != nil {
		return err
	}

	m.mu.Lock()
	m.emitLocked(Event{Type: EventHandshakeCompleted, SessionID: sessionID, DeviceID: meta.deviceID, Timestamp: time.Now()})
	m.mu.Unlock()

	m.log.WithField("session_id", sessionID).Info("handshake completed")
	return nil
}

// Session returns a snapshot of a registered session.
func (m *Manager) Session(sessionID string) (SecureSession, bool) {
	m.mu.Lock()
	meta, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return SecureSession{}, false
	}

	localPublic, err := m.keys.LocalPublicKey(sessionID)
	if err != nil {
		return SecureSession{}, false
	}
	remotePublic, _ := m.keys.RemotePublicKey(sessionID)

	return SecureSession{
		SessionID:         sessionID,
		DeviceID:          meta.deviceID,
		LocalPublicKey:    localPublic,
		RemotePublicKey:   remotePublic,
		HandshakeComplete: m.keys.HandshakeComplete(sessionID),
		CreatedAt:         meta.createdAt,
	}, true
}

// EncryptWithSessionKey encrypts a chunk under the session key. The aad
// must bind the chunk to its transfer ID and offset (crypto.AAD).
func (m *Manager) EncryptWithSessionKey(sessionID string, plaintext, aad []byte) (crypto.AESGCMResult, error) {
	return m.keys.EncryptWithSessionKey(sessionID, plaintext, aad)
}

// DecryptWithSessionKey authenticates and decrypts a chunk.
func (m *Manager) DecryptWithSessionKey(sessionID string, encrypted crypto.AESGCMResult, aad []byte) ([]byte, error) {
	return m.keys.DecryptWithSessionKey(sessionID, encrypted, aad)
}

// BuildVerification seals the session's verification message, proving to
// the peer that this side derived the same symmetric key.
func (m *Manager) BuildVerification(sessionID string) (crypto.AESGCMResult, error) {
	return m.keys.EncryptWithSessionKey(sessionID, verificationMessage(sessionID), verificationAAD)
}

// ConfirmVerification checks a peer's sealed verification message against
// this side's derived key. Success completes mutual key confirmation.
func (m *Manager) ConfirmVerification(sessionID string, sealed crypto.AESGCMResult) error {
	plaintext, err := m.keys.DecryptWithSessionKey(sessionID, sealed, verificationAAD)
	if err != nil {
		return err
	}
	if !crypto.ConstantTimeEqual(plaintext, verificationMessage(sessionID)) {
		return fmt.Errorf("%w: verification message mismatch", crypto.ErrAuthentication)
	}
	return nil
}

// EndSession destroys the session's key material, removes it from the
// registry and emits EventSessionEnded. Ending an unknown session is a
// benign no-op.
func (m *Manager) EndSession(sessionID string) {
	m.mu.Lock()
	meta, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()

	m.keys.EndSession(sessionID)

	if ok {
		m.mu.Lock()
		m.emitLocked(Event{Type: EventSessionEnded, SessionID: sessionID, DeviceID: meta.deviceID, Timestamp: time.Now()})
		m.mu.Unlock()
		m.log.WithField("session_id", sessionID).Info("session ended")
	}
}

// EndAllSessions destroys every registered session.
func (m *Manager) EndAllSessions() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for sessionID := range m.sessions {
		ids = append(ids, sessionID)
	}
	m.mu.Unlock()

	for _, sessionID := range ids {
		m.EndSession(sessionID)
	}
}

// CleanupExpiredSessions ends sessions older than maxAge, emitting the
// usual end events, and returns how many were removed.
func (m *Manager) CleanupExpiredSessions(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	m.mu.Lock()
	expired := make([]string, 0)
	for sessionID, meta := range m.sessions {
		if meta.createdAt.Before(cutoff) {
			expired = append(expired, sessionID)
		}
	}
	m.mu.Unlock()

	for _, sessionID := range expired {
		m.EndSession(sessionID)
	}
	return len(expired)
}

// Stats reports the underlying key registry's counts.
func (m *Manager) Stats() KeyManagerStats {
	return m.keys.Stats()
}

func (m *Manager) emitLocked(event Event) {
	if m.observer != nil {
		m.observer(event)
	}
}
