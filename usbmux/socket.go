package usbmux

import (
	"os"
	"strings"

	"github.com/pkg/errors"
)

// socketEnvVar overrides the platform default daemon address. A value containing a colon is
// treated as host:port, anything else as a unix socket path.
const socketEnvVar = "USBMUXD_SOCKET_ADDRESS"

// GetSocketTypeAndAddress splits a scheme://address string into the network and address
// arguments for net.Dial.
func GetSocketTypeAndAddress(socketAddress string) (string, string, error) {
	chunks := strings.SplitN(socketAddress, "://", 2)
	if len(chunks) != 2 || chunks[1] == "" {
		return "", "", errors.Errorf("socket address %q needs scheme://address", socketAddress)
	}
	switch chunks[0] {
	case "unix", "tcp":
		return chunks[0], chunks[1], nil
	}
	return "", "", errors.Errorf("unsupported socket scheme %q", chunks[0])
}

// GetUsbmuxdSocket returns the daemon address for this platform, honoring USBMUXD_SOCKET_ADDRESS.
func GetUsbmuxdSocket() string {
	override := os.Getenv(socketEnvVar)
	if override == "" {
		return defaultSocketAddress
	}
	if strings.Contains(override, "://") {
		return override
	}
	if strings.Contains(override, ":") {
		return "tcp://" + override
	}
	return "unix://" + override
}
