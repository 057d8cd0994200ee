package usbmux_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/danielpaulus/go-usbmux/usbmux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// watch subscribes to client, answering the Listen request if a new session has to be started.
func watch(t *testing.T, daemon *fakeDaemon, client *usbmux.Client, ctx context.Context, dials bool) (<-chan usbmux.DeviceEvent, net.Conn) {
	t.Helper()
	type subscription struct {
		events <-chan usbmux.DeviceEvent
		err    error
	}
	done := make(chan subscription, 1)
	go func() {
		events, err := client.WatchDevices(ctx)
		done <- subscription{events, err}
	}()

	var server net.Conn
	if dials {
		server = daemon.accept()
		msg := readRequest(t, server)
		require.Equal(t, usbmux.MessageListen, msg.Type)
		reply(t, server, msg.Header.Tag, result(usbmux.ResultOK))
	}
	select {
	case sub := <-done:
		require.NoError(t, sub.err)
		return sub.events, server
	case <-time.After(testTimeout):
		t.Fatal("WatchDevices did not return")
		return nil, nil
	}
}

func TestClientCurrentDevices(t *testing.T) {
	daemon := startFakeDaemon(t)
	client := daemon.client()
	assert.Empty(t, client.CurrentDevices())

	events, server := watch(t, daemon, client, context.Background(), true)
	reply(t, server, 0, attached(5, "ABC123"))
	event := nextEvent(t, events)
	assert.Equal(t, usbmux.EventAttached, event.Type)
	assert.Equal(t, []usbmux.DeviceInfo{usbDevice(5, "ABC123")}, client.CurrentDevices())

	reply(t, server, 0, detached(5))
	assert.Equal(t, usbmux.EventDetached, nextEvent(t, events).Type)
	assert.Empty(t, client.CurrentDevices())
}

func TestClientSharesOneSession(t *testing.T) {
	daemon := startFakeDaemon(t)
	client := daemon.client()

	first, server := watch(t, daemon, client, context.Background(), true)
	second, _ := watch(t, daemon, client, context.Background(), false)

	reply(t, server, 0, attached(5, "five"))
	reply(t, server, 0, attached(6, "six"))
	reply(t, server, 0, detached(5))
	for _, events := range []<-chan usbmux.DeviceEvent{first, second} {
		assert.Equal(t, uint32(5), nextEvent(t, events).DeviceID)
		assert.Equal(t, uint32(6), nextEvent(t, events).DeviceID)
		event := nextEvent(t, events)
		assert.Equal(t, usbmux.EventDetached, event.Type)
		assert.Equal(t, uint32(5), event.DeviceID)
	}
	select {
	case <-daemon.conns:
		t.Fatal("second subscriber must not open another listen connection")
	default:
	}
}

func TestClientStopsSessionWithLastSubscriber(t *testing.T) {
	daemon := startFakeDaemon(t)
	client := daemon.client()
	ctx1, cancel1 := context.WithCancel(context.Background())
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()

	first, server := watch(t, daemon, client, ctx1, true)
	second, _ := watch(t, daemon, client, ctx2, false)

	cancel1()
	requireStreamEnded(t, first)
	reply(t, server, 0, attached(5, "ABC123"))
	assert.Equal(t, uint32(5), nextEvent(t, second).DeviceID)

	cancel2()
	requireStreamEnded(t, second)
	expectClosedByPeer(t, server)
	assert.Eventually(t, func() bool { return len(client.CurrentDevices()) == 0 }, testTimeout, 10*time.Millisecond)

	third, server := watch(t, daemon, client, context.Background(), true)
	reply(t, server, 0, attached(6, "six"))
	assert.Equal(t, uint32(6), nextEvent(t, third).DeviceID)
}

func TestClientSessionLost(t *testing.T) {
	daemon := startFakeDaemon(t)
	client := daemon.client()
	events, server := watch(t, daemon, client, context.Background(), true)
	reply(t, server, 0, attached(5, "ABC123"))
	nextEvent(t, events)

	server.Close()
	event := nextEvent(t, events)
	assert.Equal(t, usbmux.EventClosed, event.Type)
	assert.ErrorIs(t, event.Err, usbmux.ErrConnectionLost)
	requireStreamEnded(t, events)
	assert.Empty(t, client.CurrentDevices())
}

func TestClientClose(t *testing.T) {
	daemon := startFakeDaemon(t)
	client := daemon.client()
	first, server := watch(t, daemon, client, context.Background(), true)
	second, _ := watch(t, daemon, client, context.Background(), false)

	require.NoError(t, client.Close())
	expectClosedByPeer(t, server)
	for _, events := range []<-chan usbmux.DeviceEvent{first, second} {
		event := nextEvent(t, events)
		assert.Equal(t, usbmux.EventClosed, event.Type)
		assert.NoError(t, event.Err)
		requireStreamEnded(t, events)
	}

	assert.NoError(t, client.Close())
	_, err := client.WatchDevices(context.Background())
	assert.ErrorIs(t, err, usbmux.ErrInvalidArgument)
}

func TestClientWatchWithoutDaemon(t *testing.T) {
	cfg := usbmux.DefaultConfig()
	cfg.SocketAddress = "unix://" + t.TempDir() + "/usbmuxd"
	client, err := usbmux.NewClient(cfg)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.WatchDevices(context.Background())
	assert.ErrorIs(t, err, usbmux.ErrTransportUnavailable)
	assert.Empty(t, client.CurrentDevices())
}

func TestClientConnectIsIndependentOfWatch(t *testing.T) {
	daemon := startFakeDaemon(t)
	client := daemon.client()
	events, listenConn := watch(t, daemon, client, context.Background(), true)

	done := connectAsync(context.Background(), client, 5, 62078, time.Second)
	connectConn := daemon.accept()
	msg, req := readConnect(t, connectConn)
	assert.Equal(t, uint16(62078), req.Port())
	reply(t, listenConn, 0, attached(5, "ABC123"))
	reply(t, connectConn, msg.Header.Tag, result(usbmux.ResultOK))

	res := waitConnect(t, done)
	require.NoError(t, res.err)
	assert.Equal(t, usbmux.EventAttached, nextEvent(t, events).Type)
}

func TestClientCloseAbortsPendingWatch(t *testing.T) {
	daemon := startFakeDaemon(t)
	client := daemon.client()
	watchErr := make(chan error, 1)
	go func() {
		_, err := client.WatchDevices(context.Background())
		watchErr <- err
	}()
	server := daemon.accept()
	require.Equal(t, usbmux.MessageListen, readRequest(t, server).Type)

	devices := make(chan []usbmux.DeviceInfo, 1)
	go func() { devices <- client.CurrentDevices() }()
	select {
	case d := <-devices:
		assert.Empty(t, d)
	case <-time.After(testTimeout):
		t.Fatal("CurrentDevices blocked while subscribing")
	}

	closed := make(chan error, 1)
	go func() { closed <- client.Close() }()
	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("Close blocked while subscribing")
	}
	expectClosedByPeer(t, server)
	select {
	case err := <-watchErr:
		assert.ErrorIs(t, err, usbmux.ErrCancelled)
	case <-time.After(testTimeout):
		t.Fatal("WatchDevices did not return")
	}
}

func TestClientConcurrentWatchersShareHandshake(t *testing.T) {
	daemon := startFakeDaemon(t)
	client := daemon.client()
	type subscription struct {
		events <-chan usbmux.DeviceEvent
		err    error
	}
	subs := make(chan subscription, 2)
	for i := 0; i < 2; i++ {
		go func() {
			events, err := client.WatchDevices(context.Background())
			subs <- subscription{events, err}
		}()
	}
	server := daemon.accept()
	msg := readRequest(t, server)
	reply(t, server, msg.Header.Tag, result(usbmux.ResultOK))

	var streams []<-chan usbmux.DeviceEvent
	for i := 0; i < 2; i++ {
		select {
		case sub := <-subs:
			require.NoError(t, sub.err)
			streams = append(streams, sub.events)
		case <-time.After(testTimeout):
			t.Fatal("WatchDevices did not return")
		}
	}
	reply(t, server, 0, attached(5, "ABC123"))
	for _, events := range streams {
		assert.Equal(t, uint32(5), nextEvent(t, events).DeviceID)
	}
	select {
	case <-daemon.conns:
		t.Fatal("concurrent watchers must share one listen connection")
	default:
	}
}

func TestClientWatchAfterSessionLost(t *testing.T) {
	daemon := startFakeDaemon(t)
	client := daemon.client()
	first, server := watch(t, daemon, client, context.Background(), true)

	server.Close()
	event := nextEvent(t, first)
	assert.Equal(t, usbmux.EventClosed, event.Type)

	second, server := watch(t, daemon, client, context.Background(), true)
	reply(t, server, 0, attached(6, "six"))
	assert.Equal(t, uint32(6), nextEvent(t, second).DeviceID)
	requireStreamEnded(t, first)
}

func TestClientNegativeEventBuffer(t *testing.T) {
	daemon := startFakeDaemon(t)
	cfg := daemon.config()
	cfg.EventBuffer = -1
	client, err := usbmux.NewClient(cfg)
	require.NoError(t, err)
	defer client.Close()

	events, server := watch(t, daemon, client, context.Background(), true)
	reply(t, server, 0, attached(5, "ABC123"))
	assert.Equal(t, usbmux.EventAttached, nextEvent(t, events).Type)
}
