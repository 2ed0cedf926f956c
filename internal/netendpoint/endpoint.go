//go:build linux

// Package netendpoint provides the UDP transport endpoint: it owns the UDP
// socket, is connected in client mode or bound-and-demuxing in server
// mode, and integrates the AEAD codec (internal/aead) and the packet
// utilities (internal/packetutil) into Send/Recv. It is built directly on
// golang.org/x/sys/unix raw socket calls: a raw fd plus, in server mode,
// an owned peer map.
package netendpoint

import (
	"net/netip"

	"golang.org/x/sys/unix"

	"github.com/mistnet/utun/internal/aead"
	"github.com/mistnet/utun/internal/packetutil"
	"github.com/mistnet/utun/internal/peermap"
	"github.com/mistnet/utun/internal/tunerr"
	"github.com/mistnet/utun/internal/vpnlog"
)

// MaxDatagram is the fixed datagram ceiling this tunnel enforces: no
// fragmentation, no MTU discovery, a flat 4096-byte payload limit.
const MaxDatagram = 4096

// Role mirrors config.Role without importing the config package, keeping
// netendpoint usable independent of how its caller assembles
// configuration.
type Role int

const (
	Client Role = iota
	Server
)

// Endpoint is the UDP transport side of the tunnel.
type Endpoint struct {
	fd    int
	role  Role
	codec *aead.Codec // nil means packets pass through unsealed.
	peers *peermap.Map
	log   *vpnlog.Logger
}

// NewClient creates a UDP socket connected to remoteAddr:port. codec may
// be nil to run without encryption.
func NewClient(remoteAddr netip.Addr, port uint16, codec *aead.Codec, log *vpnlog.Logger) (*Endpoint, error) {
	fd, err := newReusableSocket()
	if err != nil {
		return nil, err
	}

	sa := &unix.SockaddrInet4{Port: int(port), Addr: remoteAddr.As4()}
	if err := unix.Connect(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, tunerr.Wrap(tunerr.Socket, err, "connect udp socket")
	}

	return &Endpoint{fd: fd, role: Client, codec: codec, log: log}, nil
}

// NewServer creates a UDP socket bound to 0.0.0.0:port with an empty peer
// map.
func NewServer(port uint16, codec *aead.Codec, log *vpnlog.Logger) (*Endpoint, error) {
	fd, err := newReusableSocket()
	if err != nil {
		return nil, err
	}

	sa := &unix.SockaddrInet4{Port: int(port), Addr: [4]byte{0, 0, 0, 0}}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, tunerr.Wrap(tunerr.Socket, err, "bind udp socket")
	}

	return &Endpoint{fd: fd, role: Server, codec: codec, peers: peermap.New(), log: log}, nil
}

func newReusableSocket() (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, unix.IPPROTO_UDP)
	if err != nil {
		return -1, tunerr.Wrap(tunerr.Socket, err, "create udp socket")
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return -1, tunerr.Wrap(tunerr.Socket, err, "set SO_REUSEADDR")
	}
	return fd, nil
}

// Fd returns the raw descriptor for the readiness multiplexer.
func (e *Endpoint) Fd() int { return e.fd }

// PeerMapLen reports the number of learned peers (0 on a client).
func (e *Endpoint) PeerMapLen() int {
	if e.peers == nil {
		return 0
	}
	return e.peers.Len()
}

// Close releases the socket descriptor.
func (e *Endpoint) Close() error {
	return unix.Close(e.fd)
}

// Send seals buf[:n] if a codec is configured and writes it to the wire.
// buf must have spare capacity for aead.TagLen bytes when a codec is
// configured. Returns the number of bytes written to the wire, or 0 if the
// packet was dropped.
func (e *Endpoint) Send(buf []byte, n int) (int, error) {
	version := packetutil.IPVersion(buf[:n])
	if version == 0 {
		return 0, nil
	}

	wireLen := n
	if e.codec != nil {
		sealed, err := e.codec.Seal(buf, n, version)
		if err != nil {
			return 0, err
		}
		wireLen = sealed
	}

	if e.role == Client {
		if err := unix.Send(e.fd, buf[:wireLen], 0); err != nil {
			return 0, tunerr.Wrap(tunerr.Socket, err, "send")
		}
		return wireLen, nil
	}

	dest, ok := packetutil.DestAddr(buf[:n], version)
	if !ok {
		return 0, nil
	}
	outer, ok := e.peers.Lookup(dest)
	if !ok {
		return 0, nil
	}

	sa := &unix.SockaddrInet4{Port: int(outer.Port()), Addr: outer.Addr().As4()}
	if err := unix.Sendto(e.fd, buf[:wireLen], 0, sa); err != nil {
		return 0, tunerr.Wrap(tunerr.Socket, err, "sendto")
	}
	return wireLen, nil
}

// Recv receives up to MaxDatagram bytes into buf, opens the AEAD envelope
// if a key is configured, learns the peer map entry in server mode, and
// returns the plaintext length.
func (e *Endpoint) Recv(buf []byte) (int, error) {
	n, from, err := unix.Recvfrom(e.fd, buf[:MaxDatagram], 0)
	if err != nil {
		return 0, tunerr.Wrap(tunerr.Socket, err, "recvfrom")
	}

	version := packetutil.IPVersion(buf[:n])
	if version == 0 {
		return 0, tunerr.Newf(tunerr.InvalidPacket, "unrecognised ip version")
	}

	plainLen := n
	if e.codec != nil {
		plainLen, err = e.codec.Open(buf, n, version)
		if err != nil {
			return 0, err
		}
	}

	if e.role == Server {
		src, ok := packetutil.SourceAddr(buf[:plainLen], version)
		if !ok {
			return 0, tunerr.Newf(tunerr.InvalidPacket, "unparseable source address")
		}
		if outer, ok := addrPortFromSockaddr(from); ok {
			e.peers.Learn(src, outer)
		}
	}

	return plainLen, nil
}

func addrPortFromSockaddr(sa unix.Sockaddr) (netip.AddrPort, bool) {
	sa4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(netip.AddrFrom4(sa4.Addr), uint16(sa4.Port)), true
}
