package msgmesh

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// Decode parses a datagram into a ClientMessage.
//
// Envelopes without a known variant decode into *Unrecognized, and unknown fields or enum values inside a
// known variant are passed through, so newer servers do not break older clients. Only invalid encodings
// produce a *DecodeError.
//
// When an envelope carries more than one variant, the last one wins.
func Decode(b []byte) (ClientMessage, error) {
	var msg ClientMessage
	var seen []int32

	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		seen = append(seen, int32(num))

		switch num {
		case envelopeMeta:
			v, n, err := consumeBytes(num, typ, b)
			if err != nil {
				return 0, err
			}
			m, err := parseMeta(v)
			if err != nil {
				return 0, err
			}
			msg = m
			return n, nil
		case envelopeHandshake:
			v, n, err := consumeBytes(num, typ, b)
			if err != nil {
				return 0, err
			}
			h, err := parseHandshake(v)
			if err != nil {
				return 0, err
			}
			msg = h
			return n, nil
		case envelopeControl:
			v, n, err := consumeBytes(num, typ, b)
			if err != nil {
				return 0, err
			}
			c, err := parseControl(v)
			if err != nil {
				return 0, err
			}
			msg = c
			return n, nil
		default:
			return 0, nil
		}
	})
	if err != nil {
		return nil, err
	}

	if msg == nil {
		return &Unrecognized{Fields: seen}, nil
	}

	return msg, nil
}
