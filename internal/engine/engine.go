//go:build linux

// Package engine implements the tunnel's event loop: it glues the TUN
// endpoint, the readiness multiplexer, and the network endpoint together,
// performs the client-side NAT rewrite, and drives the one-round
// handshake. The loop structure — block in a multiplexer, then process
// each ready descriptor in a fixed order, logging and continuing on any
// non-fatal error — keeps everything on one goroutine rather than the
// goroutine-per-direction shape a device loop would otherwise use; errors
// are logged through the same Errorf/Verbosef convention device.Logger
// uses, not propagated up and out of the loop.
package engine

import (
	"net/netip"

	"github.com/mistnet/utun/internal/config"
	"github.com/mistnet/utun/internal/metrics"
	"github.com/mistnet/utun/internal/multiplex"
	"github.com/mistnet/utun/internal/netendpoint"
	"github.com/mistnet/utun/internal/packetutil"
	"github.com/mistnet/utun/internal/tundev"
	"github.com/mistnet/utun/internal/tunerr"
	"github.com/mistnet/utun/internal/vpnlog"
)

var localhost4 = [4]byte{127, 0, 0, 1}

// scratchCap is sized for the largest packet the engine ever handles: a
// full 4096-byte datagram plus the AEAD tag appended by Seal.
const scratchCap = netendpoint.MaxDatagram + 16

// State is the client session state machine: Init -> SentHandshake ->
// Established.
type State int

const (
	StateInit State = iota
	StateSentHandshake
	StateEstablished
)

// Engine glues the TUN device, the network endpoint, and the readiness
// multiplexer into the steady-state loop. It owns no descriptors
// directly — the TUN device and network endpoint are constructed by the
// caller and handed in, each with exactly one owner.
type Engine struct {
	tun tundev.Device
	net *netendpoint.Endpoint

	role     config.Role
	tunLocal [4]byte
	sitePort uint16

	// port is the shared NAT rewrite slot: updated only on the net->tun
	// path, consulted (and reversed) on tun->net.
	port uint16

	state State

	metrics *metrics.Collector
	log     *vpnlog.Logger

	netBuf []byte
	tunBuf []byte
}

// New builds an Engine. tunLocalIP must be a valid IPv4 address; it is
// used both as the handshake source and (client only) as the NAT
// rewrite's restored source address.
func New(tun tundev.Device, endpoint *netendpoint.Endpoint, role config.Role, tunLocalIP netip.Addr, sitePort uint16, coll *metrics.Collector, log *vpnlog.Logger) *Engine {
	return &Engine{
		tun:      tun,
		net:      endpoint,
		role:     role,
		tunLocal: tunLocalIP.As4(),
		sitePort: sitePort,
		state:    StateInit,
		metrics:  coll,
		log:      log,
		netBuf:   make([]byte, scratchCap),
		tunBuf:   make([]byte, scratchCap),
	}
}

// State reports the current client session state.
func (e *Engine) State() State { return e.state }

// Start performs the client-only start-up step: build and send the
// handshake packet, transitioning Init -> SentHandshake. It is a no-op
// for a server engine.
func (e *Engine) Start() error {
	if e.role != config.RoleClient {
		return nil
	}

	pkt := packetutil.BuildHandshake(e.tunLocal)
	n := copy(e.netBuf, pkt)

	if _, err := e.net.Send(e.netBuf, n); err != nil {
		return err
	}

	e.state = StateSentHandshake
	e.log.Infof("sent handshake for %v", e.tunLocal)
	return nil
}

// Run blocks processing multiplexer wake-ups until stop is closed. Every
// wake-up is handled net->tun first, then tun->net. A
// multiplexer error is logged and the loop continues; a
// TUN read error is fatal to the iteration (but not to the loop) and is
// surfaced to the caller only via the log.
func (e *Engine) Run(stop <-chan struct{}) error {
	waiter := multiplex.New(e.tun.Fd(), e.net.Fd())

	for {
		select {
		case <-stop:
			return nil
		default:
		}

		ready, err := waiter.Wait()
		if err != nil {
			e.log.Errorf("multiplexer error: %v", err)
			continue
		}

		if ready.UDP {
			e.processNetToTUN()
		}
		if ready.TUN {
			e.processTUNToNet()
		}
	}
}

// processNetToTUN handles the UDP-ready branch of the loop.
func (e *Engine) processNetToTUN() {
	n, err := e.net.Recv(e.netBuf)
	if err != nil {
		e.log.Errorf("recv: %v", err)
		e.bumpDropped(err)
		return
	}
	e.metrics.IncReceived()

	version := packetutil.IPVersion(e.netBuf[:n])

	if e.role == config.RoleClient {
		e.state = StateEstablished
		if version == packetutil.IPv4 {
			e.port = packetutil.ChangeAddressAndPort(e.netBuf[:n], localhost4, e.sitePort, false)
		}
	}

	if e.role == config.RoleServer && packetutil.IsHandshake(e.netBuf[:n]) {
		e.log.Verbosef("handshake packet absorbed, not forwarded to tun")
		return
	}

	if _, err := e.tun.Write(e.netBuf[:n]); err != nil {
		e.log.Errorf("tun write: %v", err)
	}
}

// processTUNToNet handles the TUN-ready branch of the loop.
func (e *Engine) processTUNToNet() {
	n, err := e.tun.Read(e.tunBuf)
	if err != nil {
		e.log.Errorf("tun read: %v", err)
		return
	}

	version := packetutil.IPVersion(e.tunBuf[:n])
	if e.role == config.RoleClient && version == packetutil.IPv4 {
		packetutil.ChangeAddressAndPort(e.tunBuf[:n], e.tunLocal, e.port, true)
	}

	sent, err := e.net.Send(e.tunBuf, n)
	if err != nil {
		e.log.Errorf("send: %v", err)
		e.bumpDropped(err)
		return
	}
	if sent == 0 {
		e.metrics.IncDropped("unroutable")
		return
	}
	e.metrics.IncSent()
	e.metrics.SetPeerMapSize(e.net.PeerMapLen())
}

func (e *Engine) bumpDropped(err error) {
	reason := "error"
	if k, ok := tunerr.KindOf(err); ok {
		reason = k.String()
	}
	e.metrics.IncDropped(reason)
}
