package msgmesh

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/netip"

	"github.com/edup2p/mediator/types/bin"
	"google.golang.org/protobuf/encoding/protowire"
)

var (
	ErrTruncated = errors.New("truncated message")
	ErrMalformed = errors.New("malformed message")
)

// DecodeError is returned by Decode for datagrams that are not a valid envelope.
type DecodeError struct {
	// Field is the protobuf field number the error occurred at, 0 if it happened before any tag was read.
	Field protowire.Number
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("msgmesh: decode field %d: %v", e.Field, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func parseErr(num protowire.Number, n int) error {
	err := protowire.ParseError(n)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return &DecodeError{Field: num, Err: ErrTruncated}
	}
	return &DecodeError{Field: num, Err: fmt.Errorf("%w: %w", ErrMalformed, err)}
}

func malformed(num protowire.Number, format string, args ...any) error {
	return &DecodeError{Field: num, Err: fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))}
}

// fieldVisitor is handed the value bytes of a field, and returns how many bytes it consumed.
//
// Returning 0 without error makes walkFields skip the field as unknown.
type fieldVisitor func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

func walkFields(b []byte, visit fieldVisitor) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return parseErr(0, n)
		}
		b = b[n:]

		m, err := visit(num, typ, b)
		if err != nil {
			return err
		}

		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return parseErr(num, m)
			}
		}

		b = b[m:]
	}

	return nil
}

func consumeVarint(num protowire.Number, typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, malformed(num, "expected varint, got wire type %d", typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, parseErr(num, n)
	}
	return v, n, nil
}

// saturate narrows a decoded varint, values that do not fit become the largest value of T.
//
// Wrapping instead would let an out of range enum alias a known one.
func saturate[T ~uint8 | ~uint32](v uint64) T {
	top := ^T(0)
	if v > uint64(top) {
		return top
	}
	return T(v)
}

func consumeBytes(num protowire.Number, typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, malformed(num, "expected bytes, got wire type %d", typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, parseErr(num, n)
	}
	return v, n, nil
}

func consumeString(num protowire.Number, typ protowire.Type, b []byte) (string, int, error) {
	v, n, err := consumeBytes(num, typ, b)
	return string(v), n, err
}

// consumeClone is consumeBytes, but detaches the result from the datagram buffer.
func consumeClone(num protowire.Number, typ protowire.Type, b []byte) ([]byte, int, error) {
	v, n, err := consumeBytes(num, typ, b)
	return bytes.Clone(v), n, err
}

func consumeAddrPort(num protowire.Number, typ protowire.Type, b []byte) (netip.AddrPort, int, error) {
	v, n, err := consumeBytes(num, typ, b)
	if err != nil {
		return netip.AddrPort{}, 0, err
	}
	if len(v) != bin.AddrPortLen {
		return netip.AddrPort{}, 0, malformed(num, "address has %d bytes, want %d", len(v), bin.AddrPortLen)
	}
	return bin.ParseAddrPort([bin.AddrPortLen]byte(v)), n, nil
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendAddrPort(b []byte, num protowire.Number, ap netip.AddrPort) []byte {
	if !ap.IsValid() {
		return b
	}
	return appendBytes(b, num, bin.PutAddrPort(ap))
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	return appendVarint(b, num, protowire.EncodeBool(v))
}

func wrapEnvelope(num protowire.Number, body []byte) []byte {
	b := make([]byte, 0, len(body)+protowire.SizeTag(num)+protowire.SizeBytes(len(body)))
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, body)
}
