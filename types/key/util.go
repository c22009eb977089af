package key

import (
	crand "crypto/rand"
	"fmt"
	"io"
)

// rand fills b from the system random source, and panics if it cannot.
func rand(b []byte) {
	if _, err := io.ReadFull(crand.Reader, b); err != nil {
		panic(fmt.Sprintf("unable to read random bytes from OS: %v", err))
	}
}

// clamp25519Private clamps a 32-byte Curve25519 scalar, so that it is a multiple of the cofactor in
// [2^254, 2^255).
//
// Node keys are clamped at creation; the noise handshake and the wireguard device accept them either way.
func clamp25519Private(b []byte) {
	b[0] &= 248
	b[31] = (b[31] & 127) | 64
}
