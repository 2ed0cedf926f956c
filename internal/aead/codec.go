// Package aead implements AES-256-GCM seal/open over a tunnelled packet's
// body, keeping the header length field and (for IPv4) the header checksum
// consistent with the sealed/opened length.
//
// AES-256-GCM comes from the standard library (crypto/aes + crypto/cipher):
// golang.org/x/crypto, which this module does not depend on, covers
// Curve25519 and ChaCha20Poly1305, a different cipher suite, not a better
// AES-GCM, and the standard library's implementation is already
// assembly-accelerated on amd64/arm64.
package aead

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"

	"github.com/mistnet/utun/internal/packetutil"
	"github.com/mistnet/utun/internal/tunerr"
)

// KeyLen is the AES-256 key size.
const KeyLen = 32

// TagLen is the GCM authentication tag length used throughout this codec.
const TagLen = 16

const nonceLen = 12

// fixedCounterNonce is the 12-byte nonce used for every packet: 8 zero
// bytes followed by the big-endian encoding of a counter that starts at 1
// and increments per invocation. Because a fresh cipher.AEAD is constructed
// for every packet (below), the counter is never actually advanced past 1
// — this is IV reuse under a fixed key, a known catastrophic weakness of
// AES-GCM. The wire format is reproduced faithfully for interoperability;
// it is not silently "fixed" here.
var fixedCounterNonce = func() []byte {
	n := make([]byte, nonceLen)
	binary.BigEndian.PutUint32(n[nonceLen-4:], 1)
	return n
}()

// DeriveKey copies the UTF-8 bytes of psk into a zero-initialised 32-byte
// buffer. Callers must reject psk longer than KeyLen at
// configuration time (see internal/config.Validate); DeriveKey itself does
// not re-validate.
func DeriveKey(psk string) [KeyLen]byte {
	var key [KeyLen]byte
	copy(key[:], psk)
	return key
}

// Codec seals and opens packet bodies under a single fixed key.
type Codec struct {
	key [KeyLen]byte
}

// NewCodec builds a Codec over the given 32-byte key.
func NewCodec(key [KeyLen]byte) *Codec {
	return &Codec{key: key}
}

func (c *Codec) newGCM() (cipher.AEAD, error) {
	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Seal bumps the packet's header length field by TagLen, recomputes the
// IPv4 checksum if needed, then seals buf[headerLen:n] in place and
// appends the tag, returning the new length n+TagLen. buf must have spare
// capacity for the tag.
func (c *Codec) Seal(buf []byte, n int, version int) (int, error) {
	hdrLen := packetutil.HeaderLen(buf[:n], version)
	if hdrLen == 0 {
		return 0, tunerr.Newf(tunerr.InvalidPacket, "seal: unsupported ip version %d", version)
	}

	switch version {
	case packetutil.IPv4:
		packetutil.SetIPv4TotalLength(buf[:n], packetutil.IPv4TotalLength(buf[:n])+TagLen)
		packetutil.RecomputeIPv4Checksum(buf[:hdrLen])
	case packetutil.IPv6:
		packetutil.SetIPv6PayloadLength(buf[:n], packetutil.IPv6PayloadLength(buf[:n])+TagLen)
	}

	gcm, err := c.newGCM()
	if err != nil {
		return 0, tunerr.Wrap(tunerr.InvalidPacket, err, "seal: construct aead")
	}

	plaintext := buf[hdrLen:n]
	sealed := gcm.Seal(buf[hdrLen:hdrLen], fixedCounterNonce, plaintext, nil)
	return hdrLen + len(sealed), nil
}

// Open decrements the packet's header length field by TagLen, recomputes
// the IPv4 checksum if needed, then opens buf[headerLen:n] in place,
// returning the original plaintext length n-TagLen. An authentication
// failure is surfaced as a tunerr.InvalidPacket error; the caller must
// drop the packet, not forward it.
func (c *Codec) Open(buf []byte, n int, version int) (int, error) {
	hdrLen := packetutil.HeaderLen(buf[:n], version)
	if hdrLen == 0 {
		return 0, tunerr.Newf(tunerr.InvalidPacket, "open: unsupported ip version %d", version)
	}
	if n-hdrLen < TagLen {
		return 0, tunerr.Newf(tunerr.InvalidPacket, "open: packet too short for tag")
	}

	switch version {
	case packetutil.IPv4:
		packetutil.SetIPv4TotalLength(buf[:n], packetutil.IPv4TotalLength(buf[:n])-TagLen)
		packetutil.RecomputeIPv4Checksum(buf[:hdrLen])
	case packetutil.IPv6:
		packetutil.SetIPv6PayloadLength(buf[:n], packetutil.IPv6PayloadLength(buf[:n])-TagLen)
	}

	gcm, err := c.newGCM()
	if err != nil {
		return 0, tunerr.Wrap(tunerr.InvalidPacket, err, "open: construct aead")
	}

	ciphertext := buf[hdrLen:n]
	opened, err := gcm.Open(buf[hdrLen:hdrLen], fixedCounterNonce, ciphertext, nil)
	if err != nil {
		return 0, tunerr.Wrap(tunerr.InvalidPacket, err, "open: authentication failed")
	}
	return hdrLen + len(opened), nil
}
