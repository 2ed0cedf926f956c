// Package peermap implements the server-side table from inner tunnelled IP
// to outer UDP address, learned from inbound traffic and consulted for
// every outbound packet. It is engine-owned and single-threaded — no
// locking.
package peermap

import "net/netip"

// Map is an inner-IP to outer-UDP-address table. The zero value is not
// usable; construct with New.
type Map struct {
	byInnerIP map[netip.Addr]netip.AddrPort
}

// New returns an empty peer map.
func New() *Map {
	return &Map{byInnerIP: make(map[netip.Addr]netip.AddrPort)}
}

// Learn records (or overwrites) the outer address for inner. Collisions
// are last-writer-wins; there is no TTL.
func (m *Map) Learn(inner netip.Addr, outer netip.AddrPort) {
	m.byInnerIP[inner] = outer
}

// Lookup returns the outer address learned for inner, if any.
func (m *Map) Lookup(inner netip.Addr) (netip.AddrPort, bool) {
	outer, ok := m.byInnerIP[inner]
	return outer, ok
}

// Len reports the number of learned peers, for the peer_map_size metric.
func (m *Map) Len() int {
	return len(m.byInnerIP)
}
