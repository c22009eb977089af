package mediator

import (
	"net/netip"
	"slices"
	"strings"
	"time"

	"github.com/edup2p/mediator/types/key"
	"github.com/edup2p/mediator/types/msgmesh"
	lru "github.com/hashicorp/golang-lru/v2"
)

// HandshakeState is the state of the handshake towards a peer.
type HandshakeState uint8

const (
	StateIdle HandshakeState = iota
	StateInitiating
	StateAwaitingResponse
	StateEstablished
	StateFailed
)

func (s HandshakeState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitiating:
		return "initiating"
	case StateAwaitingResponse:
		return "awaiting-response"
	case StateEstablished:
		return "established"
	case StateFailed:
		return "failed"
	default:
		return "invalid"
	}
}

// Active reports whether a handshake session exists in this state.
func (s HandshakeState) Active() bool {
	return s == StateInitiating || s == StateAwaitingResponse
}

// PeerRecord is what the mediator knows about a remote peer.
type PeerRecord struct {
	ID msgmesh.PeerID

	// Address is the best-known reachable address.
	Address netip.AddrPort
	NatType msgmesh.NatType

	PublicKey  key.NodePublic
	AllowedIPs []netip.Prefix

	LastSeen time.Time

	// State is the outcome of the last finished handshake, in-flight sessions live in the Orchestrator.
	State HandshakeState
}

// PeerDirectory is the table of known peers, bounded in size.
//
// It is owned by the mediator loop, and is not safe for concurrent use.
type PeerDirectory struct {
	cache *lru.Cache[msgmesh.PeerID, *PeerRecord]

	// set while Remove is running, so that the eviction callback only fires for capacity evictions
	removing bool

	onEvict func(id msgmesh.PeerID)
}

// NewPeerDirectory creates a directory holding at most size records.
//
// onEvict is called with the ID of records that were pushed out to make room for others.
func NewPeerDirectory(size int, onEvict func(id msgmesh.PeerID)) (*PeerDirectory, error) {
	d := &PeerDirectory{onEvict: onEvict}

	cache, err := lru.NewWithEvict(size, d.evicted)
	if err != nil {
		return nil, err
	}
	d.cache = cache

	return d, nil
}

func (d *PeerDirectory) evicted(id msgmesh.PeerID, _ *PeerRecord) {
	if d.removing || d.onEvict == nil {
		return
	}

	d.onEvict(id)
}

// Upsert inserts or replaces the location data of a peer; the latest call always wins.
//
// Identity and handshake state of an existing record are kept.
func (d *PeerDirectory) Upsert(id msgmesh.PeerID, addr netip.AddrPort, nat msgmesh.NatType, seen time.Time) PeerRecord {
	rec, ok := d.cache.Get(id)
	if !ok {
		rec = &PeerRecord{ID: id}
		d.cache.Add(id, rec)
	}

	rec.Address = addr
	rec.NatType = nat
	rec.LastSeen = seen

	return *rec
}

// SetIdentity sets the public key and allowed IPs of an existing peer.
func (d *PeerDirectory) SetIdentity(id msgmesh.PeerID, pub key.NodePublic, allowed []netip.Prefix) error {
	rec, ok := d.cache.Peek(id)
	if !ok {
		return ErrPeerNotFound
	}

	rec.PublicKey = pub
	rec.AllowedIPs = slices.Clone(allowed)

	return nil
}

// SetState records the outcome of a finished handshake.
func (d *PeerDirectory) SetState(id msgmesh.PeerID, state HandshakeState, seen time.Time) {
	rec, ok := d.cache.Peek(id)
	if !ok {
		return
	}

	rec.State = state
	if !seen.IsZero() {
		rec.LastSeen = seen
	}
}

// Touch refreshes the last-seen time of a peer.
func (d *PeerDirectory) Touch(id msgmesh.PeerID, seen time.Time) {
	if rec, ok := d.cache.Peek(id); ok && seen.After(rec.LastSeen) {
		rec.LastSeen = seen
	}
}

// Lookup returns a copy of the record of a peer.
func (d *PeerDirectory) Lookup(id msgmesh.PeerID) (PeerRecord, error) {
	rec, ok := d.cache.Get(id)
	if !ok {
		return PeerRecord{}, ErrPeerNotFound
	}

	return *rec, nil
}

// Remove deletes a peer, and reports whether it was present.
func (d *PeerDirectory) Remove(id msgmesh.PeerID) bool {
	d.removing = true
	defer func() { d.removing = false }()

	return d.cache.Remove(id)
}

// Expire removes all peers not seen since before, and returns their IDs.
func (d *PeerDirectory) Expire(before time.Time) []msgmesh.PeerID {
	var expired []msgmesh.PeerID

	for _, id := range d.cache.Keys() {
		rec, ok := d.cache.Peek(id)
		if ok && rec.LastSeen.Before(before) {
			expired = append(expired, id)
		}
	}

	for _, id := range expired {
		d.Remove(id)
	}

	return expired
}

func (d *PeerDirectory) Len() int {
	return d.cache.Len()
}

// Snapshot returns copies of all records, sorted by ID.
func (d *PeerDirectory) Snapshot() []PeerRecord {
	recs := make([]PeerRecord, 0, d.cache.Len())

	for _, rec := range d.cache.Values() {
		recs = append(recs, *rec)
	}

	slices.SortFunc(recs, func(a, b PeerRecord) int {
		return strings.Compare(string(a.ID), string(b.ID))
	})

	return recs
}
