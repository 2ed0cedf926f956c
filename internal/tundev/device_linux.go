//go:build linux

package tundev

import (
	"golang.org/x/sys/unix"

	"github.com/mistnet/utun/internal/tunerr"
)

const tunPath = "/dev/net/tun"

// linuxDevice owns a single /dev/net/tun file descriptor attached as an
// L3 TUN interface with no packet-info prefix via open + TUNSETIFF ioctl,
// built on golang.org/x/sys/unix.
type linuxDevice struct {
	fd   int
	name string
}

// Open attaches name as a new TUN interface. Names must
// fit the kernel's interface-name limit (IFNAMSIZ, including the
// trailing NUL) or Open fails with tunerr.InvalidTunnelName.
func Open(name string) (Device, error) {
	if len(name)+1 > unix.IFNAMSIZ {
		return nil, &tunerr.Error{Kind: tunerr.InvalidTunnelName}
	}

	fd, err := unix.Open(tunPath, unix.O_RDWR, 0)
	if err != nil {
		return nil, tunerr.Wrap(tunerr.Socket, err, "open "+tunPath)
	}

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		_ = unix.Close(fd)
		return nil, tunerr.Wrap(tunerr.InvalidTunnelName, err, "build ifreq")
	}
	ifr.SetUint16(uint16(unix.IFF_TUN | unix.IFF_NO_PI))

	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		_ = unix.Close(fd)
		return nil, tunerr.Wrap(tunerr.IOCtl, err, "TUNSETIFF")
	}

	return &linuxDevice{fd: fd, name: name}, nil
}

func (d *linuxDevice) Read(dst []byte) (int, error) {
	n, err := unix.Read(d.fd, dst)
	if err != nil {
		return 0, tunerr.Wrap(tunerr.IfaceRead, err, "tun read")
	}
	return n, nil
}

func (d *linuxDevice) Write(buf []byte) (int, error) {
	n, err := unix.Write(d.fd, buf)
	if err != nil {
		return 0, tunerr.Wrap(tunerr.Message, err, "tun write")
	}
	return n, nil
}

func (d *linuxDevice) Fd() int { return d.fd }

func (d *linuxDevice) Name() string { return d.name }

func (d *linuxDevice) Close() error {
	return unix.Close(d.fd)
}
