package bin

import (
	"encoding/binary"
	"net/netip"
	"slices"
)

// AddrPortLen is the wire size of an address-port pair; v4-mapped ipv6 for IPv4.
const AddrPortLen = 18

func ParseAddrPort(b [AddrPortLen]byte) netip.AddrPort {
	addr := netip.AddrFrom16([16]byte(b[:16])).Unmap()

	port := binary.BigEndian.Uint16(b[16:])

	return netip.AddrPortFrom(addr, port)
}

func PutAddrPort(ap netip.AddrPort) []byte {
	port := make([]byte, 2)

	as16 := ap.Addr().As16()
	binary.BigEndian.PutUint16(port, ap.Port())

	return slices.Concat(as16[:], port[:])
}
