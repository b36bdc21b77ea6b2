package crypto

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// sessionKeyInfo is the HKDF info prefix binding derived keys to this
// protocol and key schedule version.
const sessionKeyInfo = "peerlink/session-key/v1"

// DeriveSessionKey derives the 32-byte symmetric session key from an X25519
// shared secret, the session identifier and both peers' ephemeral public
// keys.
//
// The two public keys are canonicalized into lexicographic order before they
// are mixed into the HKDF info, so both peers derive bit-identical keys even
// though each supplies "mine" and "theirs" in opposite order.
func DeriveSessionKey(sharedSecret []byte, sessionID string, publicA, publicB []byte) ([]byte, error) {
	if len(sharedSecret) != KeySize {
		return nil, fmt.Errorf("%w: shared secret length %d", ErrDerivation, len(sharedSecret))
	}
	if allZero(sharedSecret) {
		return nil, fmt.Errorf("%w: all-zero shared secret", ErrDerivation)
	}
	if sessionID == "" {
		return nil, fmt.Errorf("%w: empty session ID", ErrDerivation)
	}
	if len(publicA) != KeySize {
		return nil, fmt.Errorf("%w: public key length %d", ErrDerivation, len(publicA))
	}
	if len(publicB) != KeySize {
		return nil, fmt.Errorf("%w: public key length %d", ErrDerivation, len(publicB))
	}

	first, second := publicA, publicB
	if bytes.Compare(first, second) > 0 {
		first, second = second, first
	}

	info := make([]byte, 0, len(sessionKeyInfo)+2*KeySize)
	info = append(info, sessionKeyInfo...)
	info = append(info, first...)
	info = append(info, second...)

	reader := hkdf.New(sha256.New, sharedSecret, []byte(sessionID), info)
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("%w: read HKDF output: %v", ErrDerivation, err)
	}

	return key, nil
}
