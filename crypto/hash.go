package crypto

import "crypto/sha256"

// HashSize is the byte length of chunk content digests.
const HashSize = sha256.Size

// ChunkHash computes the SHA-256 digest of a plaintext chunk. The digest is
// carried in the frame header independently of the AEAD tag so a receiver
// can verify reassembled content end to end.
func ChunkHash(data []byte) [HashSize]byte {
	return sha256.Sum256(data)
}
