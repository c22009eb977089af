// Package wgnoise is a handshake engine speaking WireGuard's Noise_IKpsk2_25519_ChaChaPoly_BLAKE2s.
//
// The initiation payload is a TAI64N timestamp, which the responder uses to reject replayed initiations.
package wgnoise

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edup2p/mediator/types/ifaces"
	"github.com/edup2p/mediator/types/key"
	"github.com/flynn/noise"
)

var (
	ErrReplayedInitiation  = errors.New("replayed handshake initiation")
	ErrMalformedInitiation = errors.New("malformed handshake initiation")
	ErrIncompleteHandshake = errors.New("handshake did not complete")
)

const (
	prologue     = "edup2p mediator v1"
	timestampLen = 12

	// tai64Base is the TAI64 label of the unix epoch, 2^62 plus the 10 leap seconds WireGuard accounts for.
	tai64Base = uint64(0x400000000000000a)
)

var suite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2s)

type Engine struct {
	static noise.DHKey
	psk    key.NakedKey
	clock  clock.Clock

	mu       sync.Mutex
	lastSent [timestampLen]byte
	lastSeen map[key.NodePublic][timestampLen]byte
}

type Option func(e *Engine)

func WithClock(c clock.Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithPresharedKey mixes an additional symmetric secret into every handshake. Zero by default.
func WithPresharedKey(psk key.NakedKey) Option {
	return func(e *Engine) {
		e.psk = psk
	}
}

var _ ifaces.HandshakeEngine = (*Engine)(nil)

func NewEngine(priv key.NodePrivate, opts ...Option) *Engine {
	naked := key.UnveilPrivate(priv)
	pub := priv.Public()

	e := &Engine{
		static: noise.DHKey{
			Private: naked[:],
			Public:  pub[:],
		},
		clock:    clock.New(),
		lastSeen: make(map[key.NodePublic][timestampLen]byte),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

func (e *Engine) config(initiator bool, remote *key.NodePublic) noise.Config {
	c := noise.Config{
		CipherSuite:           suite,
		Pattern:               noise.HandshakeIK,
		Initiator:             initiator,
		Prologue:              []byte(prologue),
		StaticKeypair:         e.static,
		PresharedKey:          e.psk[:],
		PresharedKeyPlacement: 2,
	}

	if remote != nil {
		c.PeerStatic = remote[:]
	}

	return c
}

// timestamp returns a TAI64N timestamp, strictly greater than any earlier one from this engine.
func (e *Engine) timestamp() [timestampLen]byte {
	e.mu.Lock()
	defer e.mu.Unlock()

	ts := tai64n(e.clock.Now())
	if bytes.Compare(ts[:], e.lastSent[:]) <= 0 {
		ts = bump(e.lastSent)
	}
	e.lastSent = ts

	return ts
}

func tai64n(t time.Time) [timestampLen]byte {
	var ts [timestampLen]byte

	binary.BigEndian.PutUint64(ts[:8], tai64Base+uint64(t.Unix()))
	binary.BigEndian.PutUint32(ts[8:], uint32(t.Nanosecond()))

	return ts
}

// bump returns the next nanosecond after ts.
func bump(ts [timestampLen]byte) [timestampLen]byte {
	secs := binary.BigEndian.Uint64(ts[:8])
	nanos := binary.BigEndian.Uint32(ts[8:]) + 1

	if nanos >= uint32(time.Second) {
		secs++
		nanos = 0
	}

	binary.BigEndian.PutUint64(ts[:8], secs)
	binary.BigEndian.PutUint32(ts[8:], nanos)

	return ts
}

func (e *Engine) NewInitiator(remote key.NodePublic) (ifaces.HandshakeInitiator, error) {
	hs, err := noise.NewHandshakeState(e.config(true, &remote))
	if err != nil {
		return nil, fmt.Errorf("could not create handshake state: %w", err)
	}

	return &Initiator{e: e, hs: hs}, nil
}

// Respond consumes an initiation, and writes the response to it.
func (e *Engine) Respond(initiation []byte) ([]byte, key.NodePublic, key.SessionKey, error) {
	hs, err := noise.NewHandshakeState(e.config(false, nil))
	if err != nil {
		return nil, key.NodePublic{}, key.SessionKey{}, fmt.Errorf("could not create handshake state: %w", err)
	}

	payload, _, _, err := hs.ReadMessage(nil, initiation)
	if err != nil {
		return nil, key.NodePublic{}, key.SessionKey{}, fmt.Errorf("%w: %w", ErrMalformedInitiation, err)
	}

	var remote key.NodePublic
	copy(remote[:], hs.PeerStatic())

	if len(payload) != timestampLen {
		return nil, remote, key.SessionKey{}, fmt.Errorf("%w: payload has %d bytes", ErrMalformedInitiation, len(payload))
	}
	ts := [timestampLen]byte(payload)

	e.mu.Lock()
	defer e.mu.Unlock()

	if last, ok := e.lastSeen[remote]; ok && bytes.Compare(ts[:], last[:]) <= 0 {
		return nil, remote, key.SessionKey{}, ErrReplayedInitiation
	}

	resp, cs1, cs2, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, remote, key.SessionKey{}, fmt.Errorf("could not write handshake response: %w", err)
	}
	if cs1 == nil || cs2 == nil {
		return nil, remote, key.SessionKey{}, ErrIncompleteHandshake
	}

	e.lastSeen[remote] = ts

	// cs1 encrypts initiator to responder
	return resp, remote, key.SessionKey{
		Send: key.NakedKey(cs2.UnsafeKey()),
		Recv: key.NakedKey(cs1.UnsafeKey()),
	}, nil
}

// Initiator is a single outbound handshake attempt.
type Initiator struct {
	e  *Engine
	hs *noise.HandshakeState
}

func (i *Initiator) CreateInitiation() ([]byte, error) {
	ts := i.e.timestamp()

	msg, _, _, err := i.hs.WriteMessage(nil, ts[:])
	if err != nil {
		return nil, fmt.Errorf("could not write handshake initiation: %w", err)
	}

	return msg, nil
}

func (i *Initiator) ConsumeResponse(response []byte) (key.SessionKey, error) {
	_, cs1, cs2, err := i.hs.ReadMessage(nil, response)
	if err != nil {
		return key.SessionKey{}, fmt.Errorf("could not read handshake response: %w", err)
	}
	if cs1 == nil || cs2 == nil {
		return key.SessionKey{}, ErrIncompleteHandshake
	}

	return key.SessionKey{
		Send: key.NakedKey(cs1.UnsafeKey()),
		Recv: key.NakedKey(cs2.UnsafeKey()),
	}, nil
}
