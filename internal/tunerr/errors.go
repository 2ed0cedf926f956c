// Package tunerr defines the typed error taxonomy shared by every
// data-plane component that reports typed errors: TUN, the AEAD codec,
// and the network endpoint. The readiness multiplexer returns the raw
// select(2) error instead.
package tunerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies a tunnel error without committing callers to a
// specific underlying cause.
type Kind int

const (
	// InvalidTunnelName means the configured interface name does not fit
	// the kernel's IFNAMSIZ limit. Fatal at start-up.
	InvalidTunnelName Kind = iota
	// Socket means a failure creating or operating on the TUN or UDP
	// file descriptor. Fatal at start-up, logged-and-dropped on the hot
	// path.
	Socket
	// IOCtl means a failure configuring the TUN device via ioctl. Fatal.
	IOCtl
	// IfaceRead means a TUN read failed. The packet is dropped, the loop
	// continues.
	IfaceRead
	// InvalidPacket means header parsing, IP version, or AEAD
	// authentication failed. The packet is dropped.
	InvalidPacket
	// Message is a generic diagnostic, mainly used on the recv path.
	Message
)

func (k Kind) String() string {
	switch k {
	case InvalidTunnelName:
		return "InvalidTunnelName"
	case Socket:
		return "Socket"
	case IOCtl:
		return "IOCtl"
	case IfaceRead:
		return "IfaceRead"
	case InvalidPacket:
		return "InvalidPacket"
	case Message:
		return "Message"
	default:
		return "Unknown"
	}
}

// Error is a Kind tagged onto a wrapped cause.
type Error struct {
	Kind Kind
	text string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.text)
}

// Unwrap allows errors.Is / errors.As to see through to the wrapped cause.
func (e *Error) Unwrap() error { return e.Err }

// New builds a Message-kind error with a formatted diagnostic, for the
// cases where there is no underlying system error to wrap.
func New(format string, args ...any) *Error {
	return &Error{Kind: Message, text: fmt.Sprintf(format, args...)}
}

// Newf builds a Kind-tagged error with a formatted diagnostic, for
// validation failures that have no underlying system error to wrap but
// still need a specific Kind for callers classifying on KindOf.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, text: fmt.Sprintf(format, args...)}
}

// Wrap tags an existing error with a Kind, preserving it as the cause via
// github.com/pkg/errors so callers retain a stack trace on the first wrap.
func Wrap(kind Kind, err error, msg string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: errors.Wrap(err, msg)}
}

// Is reports whether err is a *Error of the given Kind.
func Is(err error, kind Kind) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind == kind
	}
	return false
}

// KindOf extracts the Kind tagged onto err, for metrics labeling on the
// drop path. Returns false if err is not a *Error.
func KindOf(err error) (Kind, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind, true
	}
	return 0, false
}
