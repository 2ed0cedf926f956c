package packetutil

import (
	"encoding/binary"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// udpPortFieldLen is the byte length of one UDP/TCP port field.
const udpPortFieldLen = 2

// SetIPv4TotalLength writes length big-endian into the IPv4 total-length
// field.
func SetIPv4TotalLength(buf []byte, length uint16) {
	header.IPv4(buf).SetTotalLength(length)
}

// IPv4TotalLength reads the IPv4 total-length field.
func IPv4TotalLength(buf []byte) uint16 {
	return header.IPv4(buf).TotalLength()
}

// RecomputeIPv4Checksum recomputes the one's-complement header checksum
// over header (the IPv4 header bytes only) and stores it big-endian at
// buf[10..12]. The checksum field is zeroed before the sum is taken
// (ipv4.SetChecksum(0); ipv4.SetChecksum(^ipv4.CalculateChecksum())).
func RecomputeIPv4Checksum(hdr []byte) {
	v4 := header.IPv4(hdr)
	v4.SetChecksum(0)
	v4.SetChecksum(^v4.CalculateChecksum())
}

// ChangeAddress overwrites the 4-byte IPv4 source or destination address
// and recomputes the header checksum. addr must be a
// 4-byte IPv4 address.
func ChangeAddress(buf []byte, addr [4]byte, isSource bool) {
	v4 := header.IPv4(buf)
	a := tcpip.AddrFrom4(addr)
	if isSource {
		v4.SetSourceAddress(a)
	} else {
		v4.SetDestinationAddress(a)
	}
	RecomputeIPv4Checksum(buf[:v4.HeaderLength()])
}

// ChangeAddressAndPort rewrites the IPv4 address and the UDP/TCP port
// located immediately after the IPv4 header, recomputes the header
// checksum, and returns the overwritten port so the opposite direction
// can restore it. The L4 checksum is intentionally left untouched: the
// caller tolerates this because UDP's checksum is optional over IPv4.
func ChangeAddressAndPort(buf []byte, newIP [4]byte, newPort uint16, isSource bool) uint16 {
	v4 := header.IPv4(buf)
	hdrLen := int(v4.HeaderLength())

	portOffset := hdrLen
	if !isSource {
		portOffset += udpPortFieldLen
	}

	oldPort := binary.BigEndian.Uint16(buf[portOffset : portOffset+udpPortFieldLen])
	binary.BigEndian.PutUint16(buf[portOffset:portOffset+udpPortFieldLen], newPort)

	ChangeAddress(buf, newIP, isSource)

	return oldPort
}
