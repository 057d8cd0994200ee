package usbmux

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// DeviceConnectionInterface is a single duplex channel to the usbmuxd socket.
type DeviceConnectionInterface interface {
	Send(message []byte) error
	Reader() io.Reader
	Writer() io.Writer
	Conn() net.Conn
	io.ReadWriteCloser
}

// DeviceConnection wraps the net.Conn to usbmuxd. Once closed, every other method fails
// with ConnectionLost.
type DeviceConnection struct {
	c         net.Conn
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewDeviceConnection dials the usbmuxd socket at socketAddress.
// It returns a TransportUnavailable error when the daemon cannot be reached.
func NewDeviceConnection(ctx context.Context, socketAddress string) (*DeviceConnection, error) {
	network, address, err := GetSocketTypeAndAddress(socketAddress)
	if err != nil {
		return nil, newError(TransportUnavailable, "dial", err)
	}
	if err := checkEndpoint(network, address); err != nil {
		return nil, newError(TransportUnavailable, "dial", err)
	}
	var d net.Dialer
	c, err := d.DialContext(ctx, network, address)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, contextError("dial", ctxErr)
		}
		return nil, newError(TransportUnavailable, "dial", errors.Wrapf(err, "could not connect to usbmuxd at %s", socketAddress))
	}
	log.Tracef("Opening connection: %v", c.LocalAddr())
	return NewDeviceConnectionWithConn(c), nil
}

// NewDeviceConnectionWithConn creates a DeviceConnection with an already connected net.Conn.
func NewDeviceConnectionWithConn(conn net.Conn) *DeviceConnection {
	return &DeviceConnection{c: conn}
}

// Read reads from the daemon socket.
func (conn *DeviceConnection) Read(p []byte) (int, error) {
	if conn.closed.Load() {
		return 0, newError(ConnectionLost, "read", net.ErrClosed)
	}
	return conn.c.Read(p)
}

// Write writes to the daemon socket.
func (conn *DeviceConnection) Write(p []byte) (int, error) {
	if conn.closed.Load() {
		return 0, newError(ConnectionLost, "write", net.ErrClosed)
	}
	return conn.c.Write(p)
}

// Send writes the whole message or fails.
func (conn *DeviceConnection) Send(bytes []byte) error {
	n, err := conn.Write(bytes)
	if err != nil {
		if KindOf(err) == ConnectionLost {
			return err
		}
		return newError(ConnectionLost, "send", err)
	}
	if n < len(bytes) {
		return newError(ConnectionLost, "send", errors.Errorf("only %d of %d bytes sent", n, len(bytes)))
	}
	return nil
}

// Reader exposes the connection as io.Reader
func (conn *DeviceConnection) Reader() io.Reader {
	return conn
}

// Writer exposes the connection as io.Writer
func (conn *DeviceConnection) Writer() io.Writer {
	return conn
}

// Conn returns the raw net.Conn.
func (conn *DeviceConnection) Conn() net.Conn {
	return conn.c
}

// Close closes the network connection. Only the first call has an effect.
func (conn *DeviceConnection) Close() error {
	conn.closeOnce.Do(func() {
		conn.closed.Store(true)
		log.Tracef("Closing connection: %v", conn.c.LocalAddr())
		conn.closeErr = conn.c.Close()
	})
	return conn.closeErr
}

// IsClosed reports whether Close was called.
func (conn *DeviceConnection) IsClosed() bool {
	return conn.closed.Load()
}

func contextError(op string, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(Timeout, op, err)
	}
	return newError(Cancelled, op, err)
}
