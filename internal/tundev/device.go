// Package tundev opens and owns the TUN character device and exposes a
// raw read/write/descriptor surface for the engine and the readiness
// multiplexer. It is agnostic to IP version — the engine inspects
// buf[0]>>4 itself.
package tundev

// Device is the TUN endpoint surface the engine and the readiness
// multiplexer consume. Exactly one goroutine owns a Device; it is never
// read or written concurrently.
type Device interface {
	// Read blocks until exactly one IP packet is available and returns
	// its length. Fails with a tunerr.IfaceRead error.
	Read(dst []byte) (int, error)
	// Write writes one IP packet. A failed write is not fatal to the
	// engine — the caller logs and continues.
	Write(buf []byte) (int, error)
	// Fd returns the raw descriptor for the readiness multiplexer.
	Fd() int
	// Name returns the interface name the device was opened with.
	Name() string
	// Close releases the underlying descriptor.
	Close() error
}
