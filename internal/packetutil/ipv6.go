package packetutil

import (
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// IPv6PayloadLength reads the IPv6 payload-length field (buf[4..6]).
func IPv6PayloadLength(buf []byte) uint16 {
	return header.IPv6(buf).PayloadLength()
}

// SetIPv6PayloadLength writes length big-endian into the IPv6
// payload-length field. IPv6 carries no header checksum to fix up.
func SetIPv6PayloadLength(buf []byte, length uint16) {
	header.IPv6(buf).SetPayloadLength(length)
}
