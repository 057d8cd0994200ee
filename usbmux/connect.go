package usbmux

import (
	"context"
	"math"
	"net"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Connect opens a new connection to usbmuxd and asks it to connect to port on the device.
// On success the connection is returned as a plain net.Conn: usbmuxd forwards everything
// written to it to the device port and no more usbmux framing is applied. The caller owns it.
// ctx only bounds the handshake.
func Connect(ctx context.Context, cfg Config, deviceID uint32, port int) (net.Conn, error) {
	return connect(ctx, cfg.withDefaults(), defaultTags, deviceID, port)
}

func connect(ctx context.Context, cfg Config, tags *TagAllocator, deviceID uint32, port int) (net.Conn, error) {
	if port < 1 || port > math.MaxUint16 {
		return nil, newError(InvalidArgument, "connect", errors.Errorf("port %d is out of range", port))
	}
	deviceConn, err := NewDeviceConnection(ctx, cfg.SocketAddress)
	if err != nil {
		return nil, err
	}
	muxConn := NewUsbMuxConnection(deviceConn, tags, cfg.MaxMessageLength)
	return muxConn.Connect(ctx, cfg, deviceID, uint16(port))
}

// Connect issues a Connect message for deviceID and port on this connection. On success the
// UsbMuxConnection gives up its DeviceConnection and returns the raw net.Conn, on failure the
// connection is closed.
func (muxConn *UsbMuxConnection) Connect(ctx context.Context, cfg Config, deviceID uint32, port uint16) (net.Conn, error) {
	fields := log.Fields{"deviceID": deviceID, "port": port}
	resp, err := muxConn.request(ctx, "connect", cfg.newConnect(deviceID, port))
	if err == nil {
		err = connectResult(resp)
	}
	if err == nil && ctx.Err() != nil {
		err = contextError("connect", ctx.Err())
	}
	if err != nil {
		muxConn.Close()
		log.WithFields(fields).WithField("err", err).Debug("could not connect to device port")
		return nil, err
	}
	log.WithFields(fields).Debug("connected to device port")
	return muxConn.ReleaseDeviceConnection().Conn(), nil
}

func connectResult(resp Message) error {
	res, ok := resp.Payload.(ResultMessage)
	if !ok {
		return newError(ProtocolViolation, "connect", errors.Errorf("expected Result, got %s", resp.Type))
	}
	return resultError("connect", res, resp.Raw)
}
