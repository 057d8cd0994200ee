package usbmux

import (
	"github.com/Masterminds/semver"
	"github.com/pkg/errors"
)

const (
	defaultProgName         = "go-usbmux"
	defaultVersion          = "0.1.0"
	defaultBundleID         = "go.usbmux.control"
	defaultEventBuffer      = 16
	defaultMaxMessageLength = 1 << 20
	libUSBMuxVersion        = 3
)

// Config holds everything a Client needs to talk to usbmuxd.
type Config struct {
	// SocketAddress is scheme://address, e.g. unix:///var/run/usbmuxd or tcp://127.0.0.1:27015
	SocketAddress string
	// ProgName and Version identify this client to the daemon.
	ProgName string
	Version  string
	BundleID string
	// EventBuffer bounds every event channel. Producers block when it is full.
	EventBuffer int
	// MaxMessageLength is the largest header+payload the decoder accepts.
	MaxMessageLength uint32
}

// DefaultConfig returns a Config pointing at the platform's usbmuxd socket.
func DefaultConfig() Config {
	return Config{
		SocketAddress:    GetUsbmuxdSocket(),
		ProgName:         defaultProgName,
		Version:          defaultVersion,
		BundleID:         defaultBundleID,
		EventBuffer:      defaultEventBuffer,
		MaxMessageLength: defaultMaxMessageLength,
	}
}

// Validate checks the config and returns an InvalidArgument error describing the first problem.
func (c Config) Validate() error {
	if _, _, err := GetSocketTypeAndAddress(c.SocketAddress); err != nil {
		return newError(InvalidArgument, "config", err)
	}
	if c.ProgName == "" {
		return newError(InvalidArgument, "config", errors.New("ProgName must not be empty"))
	}
	if _, err := semver.NewVersion(c.Version); err != nil {
		return newError(InvalidArgument, "config", errors.Wrapf(err, "version %q", c.Version))
	}
	if c.EventBuffer < 1 {
		return newError(InvalidArgument, "config", errors.Errorf("EventBuffer must be positive, got %d", c.EventBuffer))
	}
	if c.MaxMessageLength <= headerSize {
		return newError(InvalidArgument, "config", errors.Errorf("MaxMessageLength %d is not larger than the header", c.MaxMessageLength))
	}
	return nil
}

// ClientVersionString is sent with every request, like usbmuxd's own clients do.
func (c Config) ClientVersionString() string {
	return c.ProgName + "-" + c.Version
}

// withDefaults fills zero values so partially filled configs work. A negative EventBuffer
// is replaced too, channels cannot have a negative capacity.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SocketAddress == "" {
		c.SocketAddress = d.SocketAddress
	}
	if c.ProgName == "" {
		c.ProgName = d.ProgName
	}
	if c.Version == "" {
		c.Version = d.Version
	}
	if c.BundleID == "" {
		c.BundleID = d.BundleID
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = d.EventBuffer
	}
	if c.MaxMessageLength == 0 {
		c.MaxMessageLength = d.MaxMessageLength
	}
	return c
}
