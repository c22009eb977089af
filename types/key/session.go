package key

import (
	"bytes"

	"golang.org/x/crypto/blake2s"
)

const presharedLabel = "mediator preshared key v1"

// SessionKey is the pair of transport keys that a completed handshake
// yields. Send on one side equals Recv on the other.
type SessionKey struct {
	Send NakedKey
	Recv NakedKey
}

func (s SessionKey) IsZero() bool {
	return s.Send.IsZero() && s.Recv.IsZero()
}

// Equal reports whether s and other hold the same keys.
func (s SessionKey) Equal(other SessionKey) bool {
	return s.Send.Equal(other.Send) && s.Recv.Equal(other.Recv)
}

// Mirror returns the SessionKey as the remote side holds it.
func (s SessionKey) Mirror() SessionKey {
	return SessionKey{Send: s.Recv, Recv: s.Send}
}

// PresharedKey derives a symmetric 32-byte key from the session keys.
//
// The two transport keys are ordered before hashing, so both ends derive
// the same value.
func (s SessionKey) PresharedKey() NakedKey {
	lo, hi := s.Send, s.Recv
	if bytes.Compare(lo[:], hi[:]) > 0 {
		lo, hi = hi, lo
	}

	h, _ := blake2s.New256(nil)
	h.Write([]byte(presharedLabel))
	h.Write(lo[:])
	h.Write(hi[:])

	var ret NakedKey
	copy(ret[:], h.Sum(nil))
	return ret
}
