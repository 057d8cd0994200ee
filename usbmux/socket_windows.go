//go:build windows

package usbmux

// Apple Mobile Device Support listens on loopback TCP on Windows.
const defaultSocketAddress = "tcp://127.0.0.1:27015"

func checkEndpoint(network, address string) error {
	return nil
}
