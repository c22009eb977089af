package key

import (
	"encoding"
)

type key interface {
	IsZero() bool
}

type canTextMarshal interface {
	// We need text encoding for JSON config files and the shell

	encoding.TextMarshaler
	encoding.TextUnmarshaler

	// TODO maybe also allow/support binary marshalling
	// encoding.BinaryMarshaler
	// encoding.BinaryUnmarshaler
}

type publicKey interface {
	key

	Debug() string
	HexString() string
}

type privateKey[Pub key] interface {
	key

	Public() Pub
}
