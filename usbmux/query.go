package usbmux

import (
	"context"

	"github.com/pkg/errors"
)

// ListDevices returns the devices usbmuxd currently knows about, using a new connection.
func ListDevices(ctx context.Context, cfg Config) ([]DeviceInfo, error) {
	return listDevices(ctx, cfg.withDefaults(), defaultTags)
}

func listDevices(ctx context.Context, cfg Config, tags *TagAllocator) ([]DeviceInfo, error) {
	deviceConn, err := NewDeviceConnection(ctx, cfg.SocketAddress)
	if err != nil {
		return nil, err
	}
	muxConn := NewUsbMuxConnection(deviceConn, tags, cfg.MaxMessageLength)
	defer muxConn.Close()
	return muxConn.ListDevices(ctx, cfg)
}

// ListDevices sends a ListDevices request on this connection.
func (muxConn *UsbMuxConnection) ListDevices(ctx context.Context, cfg Config) ([]DeviceInfo, error) {
	resp, err := muxConn.request(ctx, "list devices", cfg.newListDevices())
	if err != nil {
		return nil, err
	}
	switch payload := resp.Payload.(type) {
	case DeviceListMessage:
		registry := NewDeviceRegistry()
		for _, entry := range payload.DeviceList {
			registry.Upsert(deviceInfoFromAttached(entry))
		}
		return registry.Snapshot(), nil
	case ResultMessage:
		if err := resultError("list devices", payload, resp.Raw); err != nil {
			return nil, err
		}
	}
	return nil, newError(ProtocolViolation, "list devices", errors.Errorf("expected DeviceList, got %s", resp.Type))
}

// ReadBUID returns the host's BUID, using a new connection.
func ReadBUID(ctx context.Context, cfg Config) (string, error) {
	return readBUID(ctx, cfg.withDefaults(), defaultTags)
}

func readBUID(ctx context.Context, cfg Config, tags *TagAllocator) (string, error) {
	deviceConn, err := NewDeviceConnection(ctx, cfg.SocketAddress)
	if err != nil {
		return "", err
	}
	muxConn := NewUsbMuxConnection(deviceConn, tags, cfg.MaxMessageLength)
	defer muxConn.Close()
	return muxConn.ReadBUID(ctx, cfg)
}

// ReadBUID requests the BUID of the host on this connection.
func (muxConn *UsbMuxConnection) ReadBUID(ctx context.Context, cfg Config) (string, error) {
	resp, err := muxConn.request(ctx, "read buid", cfg.newReadBUID())
	if err != nil {
		return "", err
	}
	switch payload := resp.Payload.(type) {
	case BUIDMessage:
		return payload.BUID, nil
	case ResultMessage:
		if err := resultError("read buid", payload, resp.Raw); err != nil {
			return "", err
		}
	}
	return "", newError(ProtocolViolation, "read buid", errors.Errorf("expected BUID, got %s", resp.Type))
}
