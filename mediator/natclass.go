package mediator

import (
	"net/netip"

	"github.com/edup2p/mediator/types/msgmesh"
)

type whoamiObservation struct {
	server   netip.AddrPort
	observed netip.AddrPort
}

// NatClassifier derives the NAT behaviour of this node from the addresses that whoami servers observe.
//
// Only the latest observation and verdict are kept.
type NatClassifier struct {
	last    whoamiObservation
	verdict msgmesh.NatType
}

// Observe records that server saw this node as observed, and returns the resulting verdict.
//
// A verdict is only reached by comparing against an observation from a different server endpoint,
// an equal mapping means the NAT is endpoint-independent.
func (c *NatClassifier) Observe(server, observed netip.AddrPort) msgmesh.NatType {
	if !observed.IsValid() {
		return c.verdict
	}

	if c.last.observed.IsValid() && c.last.server != server {
		if c.last.observed == observed {
			c.verdict = msgmesh.NatAsymmetric
		} else {
			c.verdict = msgmesh.NatSymmetric
		}
	}

	c.last = whoamiObservation{server: server, observed: observed}

	return c.verdict
}

func (c *NatClassifier) Verdict() msgmesh.NatType {
	return c.verdict
}

// Observed returns the latest address a server observed for this node.
func (c *NatClassifier) Observed() netip.AddrPort {
	return c.last.observed
}
