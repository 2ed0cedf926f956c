package packetutil

import (
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// handshakeTTL, handshakePort and handshakePayload fix the shape of the
// sentinel handshake packet: it is identified by
// destination-address-is-unspecified, never by its payload contents.
const (
	handshakeTTL     = 10
	handshakePort    = 1
	handshakePayload = 0x01
)

// BuildHandshake constructs the one-round client→server handshake packet:
// source address ip, destination 0.0.0.0, TTL 10, source and destination
// UDP port 1, one-byte payload. Assembled the same way multihoptun's
// writeV4Payload/writeUdpPayload build a synthetic IPv4/UDP header, via
// gvisor's header.IPv4Fields/UDPFields.
func BuildHandshake(ip [4]byte) []byte {
	const size = header.IPv4MinimumSize + header.UDPMinimumSize + 1

	buf := make([]byte, size)
	v4 := header.IPv4(buf)
	v4.Encode(&header.IPv4Fields{
		TotalLength: size,
		TTL:         handshakeTTL,
		Protocol:    uint8(header.UDPProtocolNumber),
		SrcAddr:     tcpip.AddrFrom4(ip),
		DstAddr:     tcpip.AddrFrom4([4]byte{0, 0, 0, 0}),
	})

	udp := header.UDP(v4.Payload())
	udp.Encode(&header.UDPFields{
		SrcPort: handshakePort,
		DstPort: handshakePort,
		Length:  header.UDPMinimumSize + 1,
	})
	udp.Payload()[0] = handshakePayload

	RecomputeIPv4Checksum(buf[:header.IPv4MinimumSize])

	return buf
}

// IsHandshake reports whether buf is a parseable IPv4 packet whose
// destination address is unspecified (0.0.0.0) — the server's handshake
// marker.
func IsHandshake(buf []byte) bool {
	if len(buf) < header.IPv4MinimumSize || IPVersion(buf) != IPv4 {
		return false
	}
	v4 := header.IPv4(buf)
	if v4.HeaderLength() < header.IPv4MinimumSize || int(v4.HeaderLength()) > len(buf) {
		return false
	}
	return v4.DestinationAddress().Unspecified()
}
