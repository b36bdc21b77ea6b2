package crypto

import (
	"crypto/subtle"
	"runtime"
)

// ZeroBytes overwrites sensitive data with zeros. The ConstantTimeCompare
// pass and KeepAlive keep the compiler from eliding the overwrite.
func ZeroBytes(data []byte) {
	if len(data) == 0 {
		return
	}
	zeros := make([]byte, len(data))
	subtle.ConstantTimeCompare(data, zeros)
	copy(data, zeros)
	runtime.KeepAlive(data)
}

// ConstantTimeEqual compares two byte slices without short-circuiting.
// Use this for any comparison involving key material or digests.
func ConstantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
