//go:build linux

package engine

import (
	"net/netip"
	"sync"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/mistnet/utun/internal/aead"
	"github.com/mistnet/utun/internal/config"
	"github.com/mistnet/utun/internal/metrics"
	"github.com/mistnet/utun/internal/netendpoint"
	"github.com/mistnet/utun/internal/packetutil"
	"github.com/mistnet/utun/internal/tundev"
	"github.com/prometheus/client_golang/prometheus"
)

// fakeTUN is an in-memory tundev.Device: Write appends to an observable
// log, Read drains a queue fed by the test. It lets engine tests drive
// TUN-side traffic without a real kernel interface.
type fakeTUN struct {
	mu       sync.Mutex
	writes   [][]byte
	readCh   chan []byte
	closed   bool
	fakeFd   int
}

func newFakeTUN() *fakeTUN {
	r, w, err := unixPipe()
	if err != nil {
		panic(err)
	}
	_ = w // kept open only to give Fd() a valid descriptor; unused otherwise
	return &fakeTUN{readCh: make(chan []byte, 16), fakeFd: r}
}

func unixPipe() (r, w int, err error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return 0, 0, err
	}
	return fds[0], fds[1], nil
}

func (f *fakeTUN) Read(dst []byte) (int, error) {
	pkt := <-f.readCh
	return copy(dst, pkt), nil
}

func (f *fakeTUN) Write(buf []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(buf))
	copy(cp, buf)
	f.writes = append(f.writes, cp)
	return len(buf), nil
}

func (f *fakeTUN) Fd() int     { return f.fakeFd }
func (f *fakeTUN) Name() string { return "faketun0" }
func (f *fakeTUN) Close() error { f.closed = true; return nil }

func (f *fakeTUN) lastWrite() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.writes) == 0 {
		return nil
	}
	return f.writes[len(f.writes)-1]
}

func (f *fakeTUN) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

var _ tundev.Device = (*fakeTUN)(nil)

func buildIPv4UDP(t *testing.T, srcIP, dstIP [4]byte, srcPort, dstPort uint16, payload []byte) []byte {
	t.Helper()
	const hdrLen = 28
	buf := make([]byte, hdrLen+len(payload)+aead.TagLen)
	buf[0] = 0x45
	totalLen := hdrLen + len(payload)
	buf[2], buf[3] = byte(totalLen>>8), byte(totalLen)
	buf[8] = 64 // ttl
	buf[9] = 17 // udp
	copy(buf[12:16], srcIP[:])
	copy(buf[16:20], dstIP[:])
	buf[20], buf[21] = byte(srcPort>>8), byte(srcPort)
	buf[22], buf[23] = byte(dstPort>>8), byte(dstPort)
	udpLen := 8 + len(payload)
	buf[24], buf[25] = byte(udpLen>>8), byte(udpLen)
	copy(buf[28:], payload)
	packetutil.RecomputeIPv4Checksum(buf[:20])
	return buf[:totalLen]
}

func newMetrics() *metrics.Collector {
	return metrics.NewCollector(prometheus.NewRegistry())
}

func serverPort(t *testing.T, ep *netendpoint.Endpoint) uint16 {
	t.Helper()
	sa, err := unix.Getsockname(ep.Fd())
	if err != nil {
		t.Fatalf("Getsockname: %v", err)
	}
	sa4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		t.Fatalf("unexpected sockaddr type %T", sa)
	}
	return uint16(sa4.Port)
}

// TestHandshakeRegistersPeerAndIsNotForwarded covers S1 and testable
// property 6: the server records the client's inner IP but never writes
// the handshake packet to its TUN.
func TestHandshakeRegistersPeerAndIsNotForwarded(t *testing.T) {
	key := aead.DeriveKey("secret")

	serverEP, err := netendpoint.NewServer(0, aead.NewCodec(key), nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer serverEP.Close()
	port := serverPort(t, serverEP)

	clientEP, err := netendpoint.NewClient(netip.MustParseAddr("127.0.0.1"), port, aead.NewCodec(key), nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer clientEP.Close()

	clientTUN := newFakeTUN()
	clientEngine := New(clientTUN, clientEP, config.RoleClient, netip.MustParseAddr("10.0.0.2"), 8080, newMetrics(), nil)

	if err := clientEngine.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if clientEngine.State() != StateSentHandshake {
		t.Fatalf("client state = %v, want StateSentHandshake", clientEngine.State())
	}

	serverTUN := newFakeTUN()
	serverEngine := New(serverTUN, serverEP, config.RoleServer, netip.MustParseAddr("10.0.0.1"), 0, newMetrics(), nil)

	serverEngine.processNetToTUN()

	if serverEP.PeerMapLen() != 1 {
		t.Fatalf("server peer map len = %d, want 1", serverEP.PeerMapLen())
	}
	if serverTUN.writeCount() != 0 {
		t.Fatalf("server wrote %d packets to tun, want 0 (handshake must not be forwarded)", serverTUN.writeCount())
	}
}

// TestServerDemuxTwoClients covers S3: the server routes an outbound
// packet to the correct client based on the inner destination address.
func TestServerDemuxTwoClients(t *testing.T) {
	serverEP, err := netendpoint.NewServer(0, nil, nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer serverEP.Close()
	port := serverPort(t, serverEP)

	client2, err := netendpoint.NewClient(netip.MustParseAddr("127.0.0.1"), port, nil, nil)
	if err != nil {
		t.Fatalf("NewClient(client2): %v", err)
	}
	defer client2.Close()

	// Simulate client1 and client2 handshakes by learning them directly
	// through a real recv of their handshake packets.
	hs1 := packetutil.BuildHandshake([4]byte{10, 0, 0, 2})
	client1, err := netendpoint.NewClient(netip.MustParseAddr("127.0.0.1"), port, nil, nil)
	if err != nil {
		t.Fatalf("NewClient(client1): %v", err)
	}
	defer client1.Close()
	if _, err := client1.Send(append([]byte(nil), hs1...), len(hs1)); err != nil {
		t.Fatalf("client1 send handshake: %v", err)
	}

	hs2 := packetutil.BuildHandshake([4]byte{10, 0, 0, 3})
	if _, err := client2.Send(append([]byte(nil), hs2...), len(hs2)); err != nil {
		t.Fatalf("client2 send handshake: %v", err)
	}

	recvBuf := make([]byte, netendpoint.MaxDatagram)
	for i := 0; i < 2; i++ {
		if _, err := serverEP.Recv(recvBuf); err != nil {
			t.Fatalf("server recv handshake %d: %v", i, err)
		}
	}
	if serverEP.PeerMapLen() != 2 {
		t.Fatalf("peer map len = %d, want 2", serverEP.PeerMapLen())
	}

	// Server sends a packet destined to client2's inner IP (10.0.0.3).
	pkt := buildIPv4UDP(t, [4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 3}, 9000, 9001, []byte("hello"))
	n, err := serverEP.Send(pkt, len(pkt)-aead.TagLen)
	if err != nil {
		t.Fatalf("server send: %v", err)
	}
	if n == 0 {
		t.Fatalf("server send was dropped, want delivery to client2")
	}

	// Only client2's socket should have a readable datagram.
	got := make([]byte, netendpoint.MaxDatagram)
	gotN, err := client2.Recv(got)
	if err != nil {
		t.Fatalf("client2 recv: %v", err)
	}
	if gotN == 0 {
		t.Fatalf("client2 received nothing")
	}
}

// TestServerDropsUnknownInnerDestination covers S4.
func TestServerDropsUnknownInnerDestination(t *testing.T) {
	serverEP, err := netendpoint.NewServer(0, nil, nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer serverEP.Close()

	pkt := buildIPv4UDP(t, [4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 9}, 1, 2, []byte("x"))
	n, err := serverEP.Send(pkt, len(pkt)-aead.TagLen)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if n != 0 {
		t.Fatalf("Send delivered %d bytes to an unknown inner destination, want drop", n)
	}
}

// TestClientNATRewriteAndReversal covers S5 and testable property 7: an
// inbound rewrite from port p to site_port is reversed on the next
// outbound packet.
func TestClientNATRewriteAndReversal(t *testing.T) {
	key := aead.DeriveKey("secret")
	serverEP, err := netendpoint.NewServer(0, aead.NewCodec(key), nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer serverEP.Close()
	port := serverPort(t, serverEP)

	clientEP, err := netendpoint.NewClient(netip.MustParseAddr("127.0.0.1"), port, aead.NewCodec(key), nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer clientEP.Close()

	clientTUN := newFakeTUN()
	sitePort := uint16(8080)
	clientEngine := New(clientTUN, clientEP, config.RoleClient, netip.MustParseAddr("10.0.0.2"), sitePort, newMetrics(), nil)

	// Simulate the server replying with destination port 54321, sent from
	// the server's own socket to the client's ephemeral local address (the
	// client's fd is connected to the server, so the kernel only delivers
	// datagrams to it that come from the server's address).
	reply := buildIPv4UDP(t, [4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, 443, 54321, []byte("response"))
	sealed, err := serverCodecSeal(key, reply)
	if err != nil {
		t.Fatalf("seal reply: %v", err)
	}
	clientLocalAddr := localSockaddr(t, clientEP.Fd())
	if err := unix.Sendto(serverEP.Fd(), sealed, 0, clientLocalAddr); err != nil {
		t.Fatalf("server sendto client: %v", err)
	}

	clientEngine.processNetToTUN()

	if clientEngine.port != 54321 {
		t.Fatalf("engine.port = %d, want 54321", clientEngine.port)
	}
	written := clientTUN.lastWrite()
	if written == nil {
		t.Fatalf("client did not write inbound packet to tun")
	}
	if got := uint16(written[22])<<8 | uint16(written[23]); got != sitePort {
		t.Fatalf("rewritten dest port = %d, want %d", got, sitePort)
	}

	// Now simulate the client's local service answering back.
	clientTUN.readCh <- buildIPv4UDP(t, [4]byte{127, 0, 0, 1}, [4]byte{127, 0, 0, 1}, sitePort, 1234, []byte("reply"))
	clientEngine.processTUNToNet()

	outbound := make([]byte, netendpoint.MaxDatagram)
	n, from, err := unix.Recvfrom(serverEP.Fd(), outbound, 0)
	if err != nil {
		t.Fatalf("server recvfrom: %v", err)
	}
	_ = from
	plain, err := aead.NewCodec(key).Open(outbound, n, packetutil.IPv4)
	if err != nil {
		t.Fatalf("open outbound: %v", err)
	}
	gotSrcPort := uint16(outbound[20])<<8 | uint16(outbound[21])
	if gotSrcPort != 54321 {
		t.Fatalf("reversed src port = %d, want 54321", gotSrcPort)
	}
	_ = plain
}

// TestNonIPPacketIsDropped covers S6: a datagram whose first nibble is
// 0xF never reaches the cipher and is dropped.
func TestNonIPPacketIsDropped(t *testing.T) {
	serverEP, err := netendpoint.NewServer(0, aead.NewCodec(aead.DeriveKey("secret")), nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer serverEP.Close()
	port := serverPort(t, serverEP)

	clientEP, err := netendpoint.NewClient(netip.MustParseAddr("127.0.0.1"), port, nil, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer clientEP.Close()

	garbage := []byte{0xF0, 1, 2, 3, 4, 5, 6, 7}
	if _, err := unix.Write(clientEP.Fd(), garbage); err != nil {
		t.Fatalf("write garbage: %v", err)
	}

	recvBuf := make([]byte, netendpoint.MaxDatagram)
	_, err = serverEP.Recv(recvBuf)
	if err == nil {
		t.Fatalf("expected an error recv'ing a non-IP datagram")
	}
}

func serverCodecSeal(key [aead.KeyLen]byte, pkt []byte) ([]byte, error) {
	buf := make([]byte, len(pkt)+aead.TagLen)
	n := copy(buf, pkt)
	sealedLen, err := aead.NewCodec(key).Seal(buf, n, packetutil.IPv4)
	if err != nil {
		return nil, err
	}
	return buf[:sealedLen], nil
}

func localSockaddr(t *testing.T, fd int) *unix.SockaddrInet4 {
	t.Helper()
	sa, err := unix.Getsockname(fd)
	if err != nil {
		t.Fatalf("Getsockname: %v", err)
	}
	sa4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		t.Fatalf("unexpected sockaddr type %T", sa)
	}
	return sa4
}

// sendFromBareSocket opens a fresh UDP socket and sends buf to dst,
// standing in for a distinct remote peer in tests that must not reuse an
// already-connected Endpoint's socket.
func sendFromBareSocket(dst *unix.SockaddrInet4, buf []byte) error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, unix.IPPROTO_UDP)
	if err != nil {
		return err
	}
	defer unix.Close(fd)
	return unix.Sendto(fd, buf, 0, dst)
}
