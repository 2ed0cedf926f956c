//go:build !linux

package tundev

import "fmt"

// Open is unimplemented outside Linux: the TUN endpoint targets
// /dev/net/tun and the link-setup collaborator (ip link, route_localnet)
// is itself Linux-only, so this module ships one TUN implementation file
// per supported OS, same as the upstream WireGuard tun package.
func Open(name string) (Device, error) {
	return nil, fmt.Errorf("tundev: unsupported platform")
}
