//go:build !windows

package usbmux

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const defaultSocketAddress = "unix:///var/run/usbmuxd"

// checkEndpoint makes sure a unix socket path exists and is a socket before dialing it.
func checkEndpoint(network, address string) error {
	if network != "unix" {
		return nil
	}
	var st unix.Stat_t
	if err := unix.Stat(address, &st); err != nil {
		return errors.Wrapf(err, "usbmuxd socket %s", address)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFSOCK {
		return errors.Errorf("%s is not a socket", address)
	}
	return nil
}
