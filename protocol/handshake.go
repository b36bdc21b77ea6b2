package protocol

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"peerlink/crypto"
)

const (
	// DefaultHandshakeTimeout bounds the whole handshake, discovery through
	// verification. Expiry fails the handshake and releases key material.
	DefaultHandshakeTimeout = 30 * time.Second
)

var (
	// ErrInvalidState indicates an operation that is illegal in the
	// handshake's current state.
	ErrInvalidState = errors.New("protocol: invalid handshake state")
	// ErrHandshakeExpired indicates the handshake deadline passed.
	ErrHandshakeExpired = errors.New("protocol: handshake expired")
	// ErrInvalidSignature indicates a key-exchange payload signature failed.
	ErrInvalidSignature = errors.New("protocol: invalid payload signature")
)

// HandshakeState is one stage of the per-session handshake state machine.
type HandshakeState uint8

const (
	// StateDiscovery exchanges capability payloads.
	StateDiscovery HandshakeState = iota
	// StateKeyExchange exchanges ephemeral public keys.
	StateKeyExchange
	// StateVerification confirms both sides derived the same session key.
	StateVerification
	// StateConnected is the terminal success state.
	StateConnected
	// StateFailed is the terminal failure state.
	StateFailed
)

// String returns the state name for logging.
func (s HandshakeState) String() string {
	switch s {
	case StateDiscovery:
		return "discovery"
	case StateKeyExchange:
		return "key_exchange"
	case StateVerification:
		return "verification"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// KeyExchangePayload carries one peer's ephemeral public key, signed by its
// long-lived identity key.
type KeyExchangePayload struct {
	DeviceID    string `json:"device_id"`
	PublicKey   string `json:"public_key"`
	IdentityKey string `json:"identity_key"`
	Timestamp   int64  `json:"timestamp"`
	Signature   string `json:"signature"`
}

// BuildKeyExchangePayload builds and signs a key-exchange payload for the
// local ephemeral public key.
func BuildKeyExchangePayload(identity crypto.Identity, deviceID string, ephemeralPublic []byte) (KeyExchangePayload, error) {
	if len(ephemeralPublic) != crypto.KeySize {
		return KeyExchangePayload{}, fmt.Errorf("protocol: ephemeral public key length %d", len(ephemeralPublic))
	}

	payload := KeyExchangePayload{
		DeviceID:    deviceID,
		PublicKey:   base64.StdEncoding.EncodeToString(ephemeralPublic),
		IdentityKey: base64.StdEncoding.EncodeToString(identity.PublicKey),
		Timestamp:   time.Now().UnixMilli(),
	}

	signable, err := json.Marshal(payload)
	if err != nil {
		return KeyExchangePayload{}, fmt.Errorf("protocol: marshal signable key exchange: %w", err)
	}
	signature, err := identity.Sign(signable)
	if err != nil {
		return KeyExchangePayload{}, fmt.Errorf("protocol: sign key exchange: %w", err)
	}
	payload.Signature = base64.StdEncoding.EncodeToString(signature)

	return payload, nil
}

// VerifyKeyExchangePayload checks the payload signature against the identity
// key it carries and returns the ephemeral public key.
func VerifyKeyExchangePayload(payload KeyExchangePayload) ([]byte, error) {
	identityKey, err := base64.StdEncoding.DecodeString(payload.IdentityKey)
	if err != nil {
		return nil, fmt.Errorf("protocol: decode identity key: %w", err)
	}
	if len(identityKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: identity key length %d", ErrInvalidSignature, len(identityKey))
	}

	signature, err := base64.StdEncoding.DecodeString(payload.Signature)
	if err != nil {
		return nil, fmt.Errorf("protocol: decode signature: %w", err)
	}

	signablePayload := payload
	signablePayload.Signature = ""
	signable, err := json.Marshal(signablePayload)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal signable key exchange: %w", err)
	}
	if !crypto.VerifySignature(identityKey, signable, signature) {
		return nil, ErrInvalidSignature
	}

	ephemeralPublic, err := base64.StdEncoding.DecodeString(payload.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("protocol: decode ephemeral public key: %w", err)
	}
	if len(ephemeralPublic) != crypto.KeySize {
		return nil, fmt.Errorf("%w: ephemeral public key length %d", ErrInvalidSignature, len(ephemeralPublic))
	}

	return ephemeralPublic, nil
}

// CompleteKeyExchange computes the X25519 shared secret between the local
// key pair and the remote public key, then derives the 32-byte session key.
// Both peers derive identical keys regardless of which public key each
// considers "local".
func CompleteKeyExchange(sessionID string, localPublic, remotePublic []byte, localKeyPair *crypto.KeyPair) ([]byte, error) {
	sharedSecret, err := crypto.ComputeSharedSecret(localKeyPair, remotePublic)
	if err != nil {
		return nil, err
	}
	defer crypto.ZeroBytes(sharedSecret)

	return crypto.DeriveSessionKey(sharedSecret, sessionID, localPublic, remotePublic)
}

// HandshakeOptions configures a handshake instance.
type HandshakeOptions struct {
	Policy       DiscoveryPolicy
	Capabilities map[string]bool
	Timeout      time.Duration
}

func (o HandshakeOptions) withDefaults() HandshakeOptions {
	out := o
	if out.Timeout <= 0 {
		out.Timeout = DefaultHandshakeTimeout
	}
	if out.Capabilities == nil {
		out.Capabilities = map[string]bool{
			CapabilityEncryption: true,
			CapabilityResume:     true,
		}
	}
	return out
}

// Handshake drives one session's negotiation:
// discovery -> key exchange -> verification -> connected | failed.
type Handshake struct {
	mu sync.Mutex

	sessionID string
	deviceID  string
	identity  crypto.Identity
	options   HandshakeOptions

	state        HandshakeState
	deadline     time.Time
	localKeyPair *crypto.KeyPair
	remotePublic []byte
	failure      error
}

// NewHandshake creates a handshake in the discovery state with its deadline
// already running.
func NewHandshake(sessionID, deviceID string, identity crypto.Identity, options HandshakeOptions) *Handshake {
	opts := options.withDefaults()
	return &Handshake{
		sessionID: sessionID,
		deviceID:  deviceID,
		identity:  identity,
		options:   opts,
		state:     StateDiscovery,
		deadline:  time.Now().Add(opts.Timeout),
	}
}

// State returns the current handshake state.
func (h *Handshake) State() HandshakeState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Err returns the failure cause once the handshake has failed.
func (h *Handshake) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.failure
}

// CreateDiscoveryPayload builds the local discovery payload. Pure: no I/O,
// no state transition.
func (h *Handshake) CreateDiscoveryPayload() DiscoveryPayload {
	h.mu.Lock()
	defer h.mu.Unlock()

	capabilities := make(map[string]bool, len(h.options.Capabilities))
	for name, enabled := range h.options.Capabilities {
		capabilities[name] = enabled
	}

	return DiscoveryPayload{
		DeviceID:        h.deviceID,
		Capabilities:    capabilities,
		ProtocolVersion: Version,
	}
}

// ProcessDiscoveryPayload gates the peer's payload against local policy.
// Acceptance advances the handshake to the key-exchange state; rejection
// fails it.
func (h *Handshake) ProcessDiscoveryPayload(payload DiscoveryPayload) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.checkExpiredLocked(); err != nil {
		return err
	}
	if h.state != StateDiscovery {
		return fmt.Errorf("%w: got discovery payload in state %s", ErrInvalidState, h.state)
	}

	if err := h.options.Policy.Validate(payload); err != nil {
		h.failLocked(err)
		return err
	}

	h.state = StateKeyExchange
	return nil
}

// PerformKeyExchange generates the session's ephemeral key pair and returns
// the signed key-exchange payload to send to the peer. Fails only on
// randomness failure, which is retryable.
func (h *Handshake) PerformKeyExchange() (KeyExchangePayload, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.checkExpiredLocked(); err != nil {
		return KeyExchangePayload{}, err
	}
	if h.state != StateKeyExchange {
		return KeyExchangePayload{}, fmt.Errorf("%w: key exchange in state %s", ErrInvalidState, h.state)
	}

	keyPair, err := crypto.GenerateEphemeralKeyPair()
	if err != nil {
		return KeyExchangePayload{}, err
	}

	payload, err := BuildKeyExchangePayload(h.identity, h.deviceID, keyPair.Public[:])
	if err != nil {
		keyPair.Wipe()
		return KeyExchangePayload{}, err
	}

	h.localKeyPair = keyPair
	return payload, nil
}

// CompleteKeyExchange verifies the peer's signed payload, derives the
// session key and advances to verification. The returned key is owned by
// the caller (normally installed into the session layer).
func (h *Handshake) CompleteKeyExchange(payload KeyExchangePayload) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.checkExpiredLocked(); err != nil {
		return nil, err
	}
	if h.state != StateKeyExchange || h.localKeyPair == nil {
		return nil, fmt.Errorf("%w: complete key exchange in state %s", ErrInvalidState, h.state)
	}

	remotePublic, err := VerifyKeyExchangePayload(payload)
	if err != nil {
		h.failLocked(err)
		return nil, err
	}

	sessionKey, err := CompleteKeyExchange(h.sessionID, h.localKeyPair.Public[:], remotePublic, h.localKeyPair)
	if err != nil {
		h.failLocked(err)
		return nil, err
	}

	h.remotePublic = remotePublic
	h.state = StateVerification
	return sessionKey, nil
}

// RemotePublicKey returns the verified remote ephemeral public key, nil
// until the key exchange completes.
func (h *Handshake) RemotePublicKey() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.remotePublic == nil {
		return nil
	}
	out := make([]byte, len(h.remotePublic))
	copy(out, h.remotePublic)
	return out
}

// ConfirmVerification marks mutual key confirmation as done and moves the
// handshake to connected.
func (h *Handshake) ConfirmVerification() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.checkExpiredLocked(); err != nil {
		return err
	}
	if h.state != StateVerification {
		return fmt.Errorf("%w: verification in state %s", ErrInvalidState, h.state)
	}

	h.state = StateConnected
	h.wipeLocked()
	return nil
}

// Fail moves the handshake to the failed state and wipes partial key
// material. Failing an already-terminal handshake is a no-op.
func (h *Handshake) Fail(cause error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateConnected || h.state == StateFailed {
		return
	}
	h.failLocked(cause)
}

func (h *Handshake) checkExpiredLocked() error {
	if h.state == StateFailed {
		if h.failure != nil {
			return h.failure
		}
		return ErrInvalidState
	}
	if h.state != StateConnected && time.Now().After(h.deadline) {
		h.failLocked(ErrHandshakeExpired)
		return ErrHandshakeExpired
	}
	return nil
}

func (h *Handshake) failLocked(cause error) {
	h.state = StateFailed
	h.failure = cause
	h.wipeLocked()
}

// wipeLocked releases the ephemeral private scalar once it is no longer
// needed (terminal states only; the derived session key already left).
func (h *Handshake) wipeLocked() {
	if h.localKeyPair != nil {
		h.localKeyPair.Wipe()
		h.localKeyPair = nil
	}
}
