package types

import (
	"log/slog"
	"net/netip"
	"strings"
)

// Incomparable is a zero-width type that, as the first field of a struct, makes that struct
// unusable with == or as a map key.
type Incomparable [0]func()

// LevelTrace is below slog.LevelDebug, for per-packet logging.
const LevelTrace slog.Level = -8

// NormaliseAddrPort unmaps v4-mapped v6 addresses, so that the same endpoint always compares equal.
func NormaliseAddrPort(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(NormaliseAddr(ap.Addr()), ap.Port())
}

func NormaliseAddr(addr netip.Addr) netip.Addr {
	if addr.Is4In6() {
		addr = netip.AddrFrom4(addr.As4())
	}

	return addr
}

func PrettyAddrPortSlice(s []netip.AddrPort) string {
	return "[" + strings.Join(Map(s, netip.AddrPort.String), ", ") + "]"
}

// Map applies f to every element of ts.
func Map[T, U any](ts []T, f func(T) U) []U {
	us := make([]U, len(ts))
	for i := range ts {
		us[i] = f(ts[i])
	}
	return us
}
