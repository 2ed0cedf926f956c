package packetutil

import (
	"net/netip"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// SourceAddr returns the inner source address of an IPv4 or IPv6 packet,
// used by the server's peer map to learn {inner IP -> outer address}.
func SourceAddr(buf []byte, version int) (netip.Addr, bool) {
	switch version {
	case IPv4:
		if len(buf) < header.IPv4MinimumSize {
			return netip.Addr{}, false
		}
		return fromTcpipAddr(header.IPv4(buf).SourceAddress()), true
	case IPv6:
		if len(buf) < header.IPv6MinimumSize {
			return netip.Addr{}, false
		}
		return fromTcpipAddr(header.IPv6(buf).SourceAddress()), true
	default:
		return netip.Addr{}, false
	}
}

// DestAddr returns the inner destination address, used by the server to
// look up the peer map on every outbound packet.
func DestAddr(buf []byte, version int) (netip.Addr, bool) {
	switch version {
	case IPv4:
		if len(buf) < header.IPv4MinimumSize {
			return netip.Addr{}, false
		}
		return fromTcpipAddr(header.IPv4(buf).DestinationAddress()), true
	case IPv6:
		if len(buf) < header.IPv6MinimumSize {
			return netip.Addr{}, false
		}
		return fromTcpipAddr(header.IPv6(buf).DestinationAddress()), true
	default:
		return netip.Addr{}, false
	}
}

func fromTcpipAddr(a tcpip.Address) netip.Addr {
	if a.Len() == 4 {
		return netip.AddrFrom4(a.As4())
	}
	return netip.AddrFrom16(a.As16())
}
