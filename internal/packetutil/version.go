// Package packetutil implements IPv4/IPv6 header inspection,
// address/port rewriting, IPv4 checksum fix-up, and the handshake packet
// builder. Header parsing and checksum arithmetic are built on
// gvisor.dev/gvisor/pkg/tcpip/header, the same sub-package
// mullvad-wireguard-go's tun/multihoptun/tun.go uses to hand-assemble
// IPv4/UDP headers.
package packetutil

import (
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// Version identifiers, matching ip_version(buf) := buf[0] >> 4.
const (
	IPv4 = 4
	IPv6 = 6
)

// IPVersion returns 4 or 6 for a recognised IP packet, or 0 for anything
// else (a non-IP payload, which the caller drops).
func IPVersion(buf []byte) int {
	if len(buf) < 1 {
		return 0
	}
	switch header.IPVersion(buf) {
	case IPv4:
		return IPv4
	case IPv6:
		return IPv6
	default:
		return 0
	}
}

// HeaderLen returns the byte length of the IP header for a recognised
// version, or 0 if buf is too short or the version is unrecognised.
func HeaderLen(buf []byte, version int) int {
	switch version {
	case IPv4:
		if len(buf) < header.IPv4MinimumSize {
			return 0
		}
		return int(header.IPv4(buf).HeaderLength())
	case IPv6:
		if len(buf) < header.IPv6MinimumSize {
			return 0
		}
		return header.IPv6MinimumSize
	default:
		return 0
	}
}
