//go:build linux

// Package multiplex provides a single-threaded readiness wait over exactly
// two descriptors (TUN, UDP), with no timeout, write-readiness, or error
// set, built on golang.org/x/sys/unix's select(2) wrapper.
package multiplex

import "golang.org/x/sys/unix"

// fdSetBits is the number of descriptor bits packed per unix.FdSet word
// on a 64-bit Linux target.
const fdSetBits = 64

// Ready reports which of the two watched descriptors became readable.
type Ready struct {
	TUN bool
	UDP bool
}

// Waiter blocks on exactly {tunFd, udpFd} becoming readable.
type Waiter struct {
	tunFd int
	udpFd int
	nfds  int
}

// New builds a Waiter over the TUN and UDP descriptors.
func New(tunFd, udpFd int) *Waiter {
	nfds := tunFd
	if udpFd > nfds {
		nfds = udpFd
	}
	return &Waiter{tunFd: tunFd, udpFd: udpFd, nfds: nfds + 1}
}

// Wait blocks until at least one of the two descriptors is readable. It
// does not retry on its own: the caller is expected to log and continue on
// any error, including EINTR from a delivered signal, so the loop keeps
// running across signal-interrupt wake-ups.
func (w *Waiter) Wait() (Ready, error) {
	var rfds unix.FdSet
	fdSet(w.tunFd, &rfds)
	fdSet(w.udpFd, &rfds)

	if _, err := unix.Select(w.nfds, &rfds, nil, nil, nil); err != nil {
		return Ready{}, err
	}

	return Ready{
		TUN: fdIsSet(w.tunFd, &rfds),
		UDP: fdIsSet(w.udpFd, &rfds),
	}, nil
}

func fdSet(fd int, set *unix.FdSet) {
	set.Bits[fd/fdSetBits] |= 1 << uint(fd%fdSetBits)
}

func fdIsSet(fd int, set *unix.FdSet) bool {
	return set.Bits[fd/fdSetBits]&(1<<uint(fd%fdSetBits)) != 0
}
