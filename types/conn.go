package types

import (
	"net/netip"
)

// UDPConn interface for the mediator transport to more easily deal with.
//
// *net.UDPConn satisfies it.
type UDPConn interface {
	ReadFromUDPAddrPort(b []byte) (n int, addr netip.AddrPort, err error)

	WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error)

	Close() error
}

