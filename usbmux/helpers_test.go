package usbmux_test

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/danielpaulus/go-usbmux/usbmux"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/nettest"
)

const testTimeout = 5 * time.Second

// fakeDaemon is a usbmuxd stand-in on a unix socket. Tests accept connections from it
// and script the daemon side of the protocol by hand.
type fakeDaemon struct {
	t     *testing.T
	addr  string
	conns chan net.Conn
}

func startFakeDaemon(t *testing.T) *fakeDaemon {
	t.Helper()
	path, err := nettest.LocalPath()
	require.NoError(t, err)
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	d := &fakeDaemon{t: t, addr: "unix://" + path, conns: make(chan net.Conn, 16)}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			d.conns <- conn
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return d
}

func (d *fakeDaemon) config() usbmux.Config {
	cfg := usbmux.DefaultConfig()
	cfg.SocketAddress = d.addr
	return cfg
}

func (d *fakeDaemon) client() *usbmux.Client {
	client, err := usbmux.NewClient(d.config())
	require.NoError(d.t, err)
	d.t.Cleanup(func() { client.Close() })
	return client
}

// accept returns the next client connection to the daemon.
func (d *fakeDaemon) accept() net.Conn {
	d.t.Helper()
	select {
	case conn := <-d.conns:
		d.t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(testTimeout):
		d.t.Fatal("no client connected to the fake daemon")
		return nil
	}
}

func readRequest(t *testing.T, conn net.Conn) usbmux.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(testTimeout)))
	msg, err := usbmux.DecodeMessage(conn, 1<<20)
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Time{}))
	return msg
}

func reply(t *testing.T, conn net.Conn, tag uint32, payload interface{}) {
	t.Helper()
	require.NoError(t, usbmux.EncodeMessage(conn, tag, payload))
}

func result(number uint32) usbmux.ResultMessage {
	return usbmux.ResultMessage{MessageType: "Result", Number: number}
}

func attached(deviceID uint32, serial string) usbmux.AttachedMessage {
	return usbmux.AttachedMessage{
		MessageType: "Attached",
		DeviceID:    deviceID,
		Properties: usbmux.DeviceProperties{
			ConnectionSpeed: 480000000,
			ConnectionType:  "USB",
			DeviceID:        deviceID,
			LocationID:      0,
			ProductID:       0x12a8,
			SerialNumber:    serial,
		},
	}
}

func detached(deviceID uint32) usbmux.DetachedMessage {
	return usbmux.DetachedMessage{MessageType: "Detached", DeviceID: deviceID}
}

func usbDevice(deviceID uint32, serial string) usbmux.DeviceInfo {
	return usbmux.DeviceInfo{
		DeviceID:        deviceID,
		SerialNumber:    serial,
		ConnectionType:  usbmux.ConnectionTypeUSB,
		ProductID:       0x12a8,
		ConnectionSpeed: 480000000,
	}
}

// expectClosedByPeer waits until the client side closed conn.
func expectClosedByPeer(t *testing.T, conn net.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(testTimeout)))
	buf := make([]byte, 1)
	_, err := conn.Read(buf)
	require.ErrorIs(t, err, io.EOF)
}

func nextEvent(t *testing.T, events <-chan usbmux.DeviceEvent) usbmux.DeviceEvent {
	t.Helper()
	select {
	case event, ok := <-events:
		require.True(t, ok, "event stream ended early")
		return event
	case <-time.After(testTimeout):
		t.Fatal("no device event received")
		return usbmux.DeviceEvent{}
	}
}

func requireStreamEnded(t *testing.T, events <-chan usbmux.DeviceEvent) {
	t.Helper()
	select {
	case _, ok := <-events:
		require.False(t, ok, "expected the event stream to be closed")
	case <-time.After(testTimeout):
		t.Fatal("event stream was not closed")
	}
}
