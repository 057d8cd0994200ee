package forward

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// connectTimeout bounds the usbmuxd handshake for every forwarded connection.
const connectTimeout = 5 * time.Second

// Connector opens tunnels to a port on a device. *usbmux.Client implements it.
type Connector interface {
	Connect(ctx context.Context, deviceID uint32, port int, timeout time.Duration) (net.Conn, error)
}

// Forwarder accepts TCP connections on a host port and splices each of them into its own
// tunnel to the device port.
type Forwarder struct {
	listener   net.Listener
	connector  Connector
	deviceID   uint32
	devicePort uint16

	mu     sync.Mutex
	closed bool
	conns  map[uuid.UUID]*proxyConn
	wg     sync.WaitGroup
	done   chan struct{}
}

type proxyConn struct {
	id         uuid.UUID
	clientConn net.Conn
	tunnel     net.Conn
}

// Forward forwards every connection made to the hostPort to whatever service runs inside an app on the device on devicePort.
// Port 0 picks a free port, see Addr. Forwarding stops when ctx is done or Close is called.
func Forward(ctx context.Context, connector Connector, deviceID uint32, hostPort uint16, devicePort uint16) (*Forwarder, error) {
	log.Infof("Start listening on port %d forwarding to port %d on device %d", hostPort, devicePort, deviceID)
	l, err := net.Listen("tcp", fmt.Sprintf("localhost:%d", hostPort))
	if err != nil {
		return nil, errors.Wrapf(err, "could not listen on port %d", hostPort)
	}
	f := &Forwarder{
		listener:   l,
		connector:  connector,
		deviceID:   deviceID,
		devicePort: devicePort,
		conns:      map[uuid.UUID]*proxyConn{},
		done:       make(chan struct{}),
	}
	f.wg.Add(1)
	go f.connectionAccept()
	go func() {
		select {
		case <-ctx.Done():
			f.Close()
		case <-f.done:
		}
	}()
	return f, nil
}

// Addr is the host address clients connect to.
func (f *Forwarder) Addr() net.Addr {
	return f.listener.Addr()
}

// Close stops accepting, closes every forwarded connection and waits until all of them are gone.
func (f *Forwarder) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	close(f.done)
	err := f.listener.Close()
	for _, pc := range f.conns {
		err = multierr.Append(err, pc.close())
	}
	f.mu.Unlock()
	f.wg.Wait()
	return err
}

func (f *Forwarder) connectionAccept() {
	defer f.wg.Done()
	for {
		clientConn, err := f.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Errorf("Error accepting new connection %v", err)
			continue
		}
		log.WithFields(log.Fields{"conn": clientConn.RemoteAddr().String()}).Info("new client connected")
		f.wg.Add(1)
		go f.startNewProxyConnection(clientConn)
	}
}

func (f *Forwarder) startNewProxyConnection(clientConn net.Conn) {
	defer f.wg.Done()
	pc := &proxyConn{id: uuid.New(), clientConn: clientConn}
	fields := log.Fields{"id": pc.id, "conn": clientConn.RemoteAddr().String(), "devicePort": f.devicePort}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-f.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	tunnel, err := f.connector.Connect(ctx, f.deviceID, int(f.devicePort), connectTimeout)
	cancel()
	if err != nil {
		log.WithFields(fields).WithField("err", err).Info("could not connect to device")
		clientConn.Close()
		return
	}
	pc.tunnel = tunnel
	if !f.register(pc) {
		pc.close()
		return
	}
	defer f.unregister(pc)
	log.WithFields(fields).Info("Connected to port")

	var g errgroup.Group
	g.Go(func() error { return pc.pipe(tunnel, clientConn) })
	g.Go(func() error { return pc.pipe(clientConn, tunnel) })
	if err := g.Wait(); err != nil {
		log.WithFields(fields).WithField("err", err).Debug("forwarded connection ended with error")
		return
	}
	log.WithFields(fields).Debug("forwarded connection closed")
}

// pipe copies until src ends, then closes both sides so the opposite copy ends too.
func (pc *proxyConn) pipe(dst, src net.Conn) error {
	_, err := io.Copy(dst, src)
	pc.close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (pc *proxyConn) close() error {
	err := pc.clientConn.Close()
	if pc.tunnel != nil {
		err = multierr.Append(err, pc.tunnel.Close())
	}
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (f *Forwarder) register(pc *proxyConn) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.conns[pc.id] = pc
	return true
}

func (f *Forwarder) unregister(pc *proxyConn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.conns, pc.id)
}
