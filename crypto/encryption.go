package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// IVSize is the AES-GCM nonce length in bytes.
	IVSize = 12
	// TagSize is the AES-GCM authentication tag length in bytes.
	TagSize = 16
)

var (
	// ErrInvalidIV indicates a nonce of the wrong length or an all-zero nonce.
	ErrInvalidIV = errors.New("crypto: invalid IV")
	// ErrEmptyPlaintext indicates encryption was requested for zero-length input.
	ErrEmptyPlaintext = errors.New("crypto: empty plaintext")
	// ErrAuthentication indicates AEAD authentication failed on decrypt.
	ErrAuthentication = errors.New("crypto: authentication failed")
)

// AESGCMResult carries the three outputs of one AES-256-GCM encryption.
// Ciphertext excludes the tag; Sealed reassembles the wire form.
type AESGCMResult struct {
	Ciphertext []byte
	Tag        [TagSize]byte
	IV         [IVSize]byte
}

// Sealed returns ciphertext followed by the authentication tag, the form a
// data frame carries as its payload.
func (r AESGCMResult) Sealed() []byte {
	out := make([]byte, 0, len(r.Ciphertext)+TagSize)
	out = append(out, r.Ciphertext...)
	out = append(out, r.Tag[:]...)
	return out
}

// AAD builds the associated data binding a chunk to its transfer identity
// and byte offset: 8-byte big-endian transfer ID, 8-byte big-endian offset.
func AAD(transferID, offset uint64) []byte {
	aad := make([]byte, 16)
	binary.BigEndian.PutUint64(aad[:8], transferID)
	binary.BigEndian.PutUint64(aad[8:], offset)
	return aad
}

// Encrypt encrypts plaintext with AES-256-GCM under a fresh random nonce,
// authenticating aad alongside the ciphertext.
func Encrypt(sessionKey, plaintext, aad []byte) (AESGCMResult, error) {
	if err := checkSessionKey(sessionKey); err != nil {
		return AESGCMResult{}, err
	}
	if len(plaintext) == 0 {
		return AESGCMResult{}, ErrEmptyPlaintext
	}
	if allZero(plaintext) {
		return AESGCMResult{}, fmt.Errorf("%w: all-zero plaintext", ErrEmptyPlaintext)
	}

	aead, err := newAEAD(sessionKey)
	if err != nil {
		return AESGCMResult{}, err
	}

	var result AESGCMResult
	if _, err := rand.Read(result.IV[:]); err != nil {
		return AESGCMResult{}, fmt.Errorf("crypto: generate nonce: %w", err)
	}
	if allZero(result.IV[:]) {
		return AESGCMResult{}, fmt.Errorf("%w: randomness produced all-zero nonce", ErrInvalidIV)
	}

	sealed := aead.Seal(nil, result.IV[:], plaintext, aad)
	result.Ciphertext = sealed[:len(sealed)-TagSize]
	copy(result.Tag[:], sealed[len(sealed)-TagSize:])

	return result, nil
}

// Decrypt authenticates and decrypts an AESGCMResult. Any modification of
// ciphertext, tag or aad fails with ErrAuthentication.
func Decrypt(sessionKey []byte, encrypted AESGCMResult, aad []byte) ([]byte, error) {
	if err := checkSessionKey(sessionKey); err != nil {
		return nil, err
	}
	if len(encrypted.Ciphertext) == 0 {
		return nil, fmt.Errorf("%w: empty ciphertext", ErrAuthentication)
	}
	if allZero(encrypted.IV[:]) {
		return nil, fmt.Errorf("%w: all-zero nonce", ErrInvalidIV)
	}

	aead, err := newAEAD(sessionKey)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(encrypted.Ciphertext)+TagSize)
	sealed = append(sealed, encrypted.Ciphertext...)
	sealed = append(sealed, encrypted.Tag[:]...)

	plaintext, err := aead.Open(nil, encrypted.IV[:], sealed, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}

	return plaintext, nil
}

// DecryptSealed splits a ciphertext||tag payload and decrypts it.
func DecryptSealed(sessionKey, sealed []byte, iv [IVSize]byte, aad []byte) ([]byte, error) {
	if len(sealed) < TagSize {
		return nil, fmt.Errorf("%w: sealed payload shorter than tag", ErrAuthentication)
	}

	var encrypted AESGCMResult
	encrypted.Ciphertext = sealed[:len(sealed)-TagSize]
	copy(encrypted.Tag[:], sealed[len(sealed)-TagSize:])
	encrypted.IV = iv

	return Decrypt(sessionKey, encrypted, aad)
}

func checkSessionKey(sessionKey []byte) error {
	if len(sessionKey) != KeySize {
		return fmt.Errorf("%w: session key length %d", ErrInvalidKey, len(sessionKey))
	}
	if allZero(sessionKey) {
		return fmt.Errorf("%w: all-zero session key", ErrInvalidKey)
	}
	return nil
}

func newAEAD(sessionKey []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(sessionKey)
	if err != nil {
		return nil, fmt.Errorf("crypto: create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: create GCM: %w", err)
	}
	return aead, nil
}
