package mediator

import (
	"net/netip"
	"time"

	"github.com/edup2p/mediator/types/msgmesh"
)

// PingState paces the keepalive cadence.
type PingState struct {
	LastSent time.Time

	Sent   uint64
	Failed uint64
}

// Keepalive emits liveness pings to the server.
type Keepalive struct {
	self   msgmesh.PeerID
	server netip.AddrPort

	send func(msg msgmesh.ClientMessage, dst netip.AddrPort) error

	state PingState
}

// Tick sends one ping carrying now as epoch seconds. A failed send is logged, and the next tick tries again.
func (k *Keepalive) Tick(now time.Time) {
	ping := &msgmesh.Control{
		Type:   msgmesh.ControlPing,
		Time:   uint64(now.Unix()),
		Sender: k.self,
	}

	k.state.LastSent = now

	if err := k.send(ping, k.server); err != nil {
		k.state.Failed++
		L(k).Warn("could not send keepalive", "err", err, "server", k.server)
		return
	}

	k.state.Sent++
}

func (k *Keepalive) State() PingState {
	return k.state
}
