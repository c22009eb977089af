package key

import (
	"crypto/subtle"
	"encoding/hex"

	"golang.org/x/crypto/blake2s"
)

// Len is the size of every key in this package.
const Len = 32

// NakedKey is raw 32-byte key material, such as a session or preshared key.
//
// It should only ever travel to the data plane. Logs get a fingerprint of it, see Debug.
type NakedKey [Len]byte

// Debug returns a short fingerprint of n that does not reveal the key, so that both ends of a session
// can be matched up in logs.
func (n NakedKey) Debug() string {
	sum := blake2s.Sum256(n[:])
	return hex.EncodeToString(sum[:4])
}

func (n NakedKey) IsZero() bool {
	return n.Equal(NakedKey{})
}

// Equal compares n and other in constant time.
func (n NakedKey) Equal(other NakedKey) bool {
	return subtle.ConstantTimeCompare(n[:], other[:]) == 1
}
