package aead

import (
	"bytes"
	"testing"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"github.com/mistnet/utun/internal/packetutil"
)

const scratchCap = 4096 + TagLen

func buildIPv4UDP(t *testing.T, src, dst [4]byte, payload []byte) []byte {
	t.Helper()
	size := header.IPv4MinimumSize + header.UDPMinimumSize + len(payload)
	buf := make([]byte, size, scratchCap)
	v4 := header.IPv4(buf)
	v4.Encode(&header.IPv4Fields{
		TotalLength: uint16(size),
		TTL:         64,
		Protocol:    uint8(header.UDPProtocolNumber),
		SrcAddr:     tcpip.AddrFrom4(src),
		DstAddr:     tcpip.AddrFrom4(dst),
	})
	udp := header.UDP(v4.Payload())
	udp.Encode(&header.UDPFields{SrcPort: 1, DstPort: 1, Length: uint16(header.UDPMinimumSize + len(payload))})
	copy(udp.Payload(), payload)
	packetutil.RecomputeIPv4Checksum(buf[:header.IPv4MinimumSize])
	return buf
}

func TestSealLengthConsistency(t *testing.T) {
	key := DeriveKey("secret")
	codec := NewCodec(key)

	buf := buildIPv4UDP(t, [4]byte{10, 0, 0, 2}, [4]byte{10, 0, 0, 3}, []byte("ping"))
	n := len(buf)

	n2, err := codec.Seal(buf, n, packetutil.IPv4)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if n2 != n+TagLen {
		t.Fatalf("sealed length = %d, want %d", n2, n+TagLen)
	}
	if got := packetutil.IPv4TotalLength(buf[:n2]); int(got) != n2 {
		t.Fatalf("stated total length = %d, want %d", got, n2)
	}
}

func TestSealProducesValidChecksum(t *testing.T) {
	key := DeriveKey("secret")
	codec := NewCodec(key)
	buf := buildIPv4UDP(t, [4]byte{10, 0, 0, 2}, [4]byte{10, 0, 0, 3}, []byte("ping"))
	n, err := codec.Seal(buf, len(buf), packetutil.IPv4)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	hdrLen := packetutil.HeaderLen(buf[:n], packetutil.IPv4)
	v4 := header.IPv4(buf[:hdrLen])
	if sum := ^v4.CalculateChecksum(); sum != 0 {
		t.Fatalf("checksum fold after seal = %#x, want 0", sum)
	}
}

func TestRoundTrip(t *testing.T) {
	key := DeriveKey("a different secret key")
	codec := NewCodec(key)

	original := buildIPv4UDP(t, [4]byte{172, 16, 0, 5}, [4]byte{172, 16, 0, 6}, []byte("round trip payload"))
	originalCopy := append([]byte(nil), original...)

	n, err := codec.Seal(original, len(original), packetutil.IPv4)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	n2, err := codec.Open(original, n, packetutil.IPv4)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if n2 != len(originalCopy) {
		t.Fatalf("opened length = %d, want %d", n2, len(originalCopy))
	}
	if !bytes.Equal(original[:n2], originalCopy) {
		t.Fatalf("round trip did not reproduce original packet byte-for-byte")
	}
}

func TestDropOnTamperedCiphertext(t *testing.T) {
	key := DeriveKey("secret")
	codec := NewCodec(key)

	buf := buildIPv4UDP(t, [4]byte{10, 0, 0, 2}, [4]byte{10, 0, 0, 3}, []byte("ping"))
	n, err := codec.Seal(buf, len(buf), packetutil.IPv4)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	hdrLen := packetutil.HeaderLen(buf[:n], packetutil.IPv4)
	buf[hdrLen] ^= 0xFF

	if _, err := codec.Open(buf, n, packetutil.IPv4); err == nil {
		t.Fatalf("expected Open to fail on tampered ciphertext")
	}
}

func TestDropOnTamperedTag(t *testing.T) {
	key := DeriveKey("secret")
	codec := NewCodec(key)

	buf := buildIPv4UDP(t, [4]byte{10, 0, 0, 2}, [4]byte{10, 0, 0, 3}, []byte("ping"))
	n, err := codec.Seal(buf, len(buf), packetutil.IPv4)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	buf[n-1] ^= 0xFF

	if _, err := codec.Open(buf, n, packetutil.IPv4); err == nil {
		t.Fatalf("expected Open to fail on tampered tag")
	}
}

func TestRejectsNonIPInput(t *testing.T) {
	key := DeriveKey("secret")
	codec := NewCodec(key)

	buf := make([]byte, 8, scratchCap)
	buf[0] = 0xF0
	if _, err := codec.Seal(buf, len(buf), packetutil.IPVersion(buf)); err == nil {
		t.Fatalf("expected error for non-IP version")
	}
}
