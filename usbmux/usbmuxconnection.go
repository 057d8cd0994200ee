package usbmux

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// UsbMuxConnection sends requests to usbmuxd over one DeviceConnection and correlates
// the Result messages with them by tag. A connection is either used for a Listen
// subscription or for a single request, after a successful Connect it is released as a tunnel.
type UsbMuxConnection struct {
	deviceConn DeviceConnectionInterface
	tags       *TagAllocator
	maxLength  uint32

	mu      sync.Mutex
	pending map[uint32]chan response
}

type response struct {
	msg Message
	err error
}

// NewUsbMuxConnection creates a new UsbMuxConnection from an already initialized DeviceConnectionInterface
func NewUsbMuxConnection(deviceConn DeviceConnectionInterface, tags *TagAllocator, maxLength uint32) *UsbMuxConnection {
	if tags == nil {
		tags = defaultTags
	}
	if maxLength == 0 {
		maxLength = defaultMaxMessageLength
	}
	return &UsbMuxConnection{
		deviceConn: deviceConn,
		tags:       tags,
		maxLength:  maxLength,
		pending:    map[uint32]chan response{},
	}
}

// ReleaseDeviceConnection dereferences this UsbMuxConnection from the underlying DeviceConnection and returns it.
// This UsbMuxConnection cannot be used after calling this.
func (muxConn *UsbMuxConnection) ReleaseDeviceConnection() DeviceConnectionInterface {
	muxConn.mu.Lock()
	defer muxConn.mu.Unlock()
	conn := muxConn.deviceConn
	muxConn.deviceConn = nil
	return conn
}

// Close calls close on the underlying DeviceConnection
func (muxConn *UsbMuxConnection) Close() error {
	conn := muxConn.conn()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (muxConn *UsbMuxConnection) conn() DeviceConnectionInterface {
	muxConn.mu.Lock()
	defer muxConn.mu.Unlock()
	return muxConn.deviceConn
}

// send encodes payload with a newly allocated tag, registers the tag as pending and writes the message.
// The returned channel receives the matching Result, or the error that ended the wait.
func (muxConn *UsbMuxConnection) send(payload interface{}) (uint32, <-chan response, error) {
	conn := muxConn.conn()
	if conn == nil {
		return 0, nil, newError(ConnectionLost, "send", errors.New("connection was released"))
	}
	tag := muxConn.tags.Next()
	wait := make(chan response, 1)
	muxConn.mu.Lock()
	muxConn.pending[tag] = wait
	muxConn.mu.Unlock()

	if err := EncodeMessage(conn.Writer(), tag, payload); err != nil {
		muxConn.mu.Lock()
		delete(muxConn.pending, tag)
		muxConn.mu.Unlock()
		log.WithFields(log.Fields{"tag": tag, "err": err}).Error("Error sending mux")
		return 0, nil, err
	}
	return tag, wait, nil
}

// ReadMessage blocks until the next message is available on the underlying DeviceConnection and returns it.
func (muxConn *UsbMuxConnection) ReadMessage() (Message, error) {
	conn := muxConn.conn()
	if conn == nil {
		return Message{}, newError(ConnectionLost, "receive", errors.New("connection was released"))
	}
	return DecodeMessage(conn.Reader(), muxConn.maxLength)
}

// request sends payload and waits for its Result. Exactly one message is read from the
// connection, nothing that follows it is consumed. If ctx ends first, the connection is
// closed and the error is Timeout or Cancelled.
func (muxConn *UsbMuxConnection) request(ctx context.Context, op string, payload interface{}) (Message, error) {
	tag, wait, err := muxConn.send(payload)
	if err != nil {
		return Message{}, err
	}
	go muxConn.readOne()

	select {
	case resp := <-wait:
		if resp.err != nil {
			return Message{}, resp.err
		}
		return resp.msg, nil
	case <-ctx.Done():
		log.WithFields(log.Fields{"tag": tag, "op": op}).Debug("abandoning request, closing connection")
		muxConn.Close()
		return Message{}, contextError(op, ctx.Err())
	}
}

func (muxConn *UsbMuxConnection) readOne() {
	msg, err := muxConn.ReadMessage()
	if err != nil {
		muxConn.failPending(err)
		return
	}
	muxConn.dispatch(msg)
}

// dispatch hands a reply to the request waiting for its tag. Anything else fails every
// pending request, on a request connection usbmuxd only ever answers.
func (muxConn *UsbMuxConnection) dispatch(msg Message) {
	switch msg.Type {
	case MessageResult, MessageDeviceList, MessageBUID:
	default:
		muxConn.failPending(newError(ProtocolViolation, "receive", errors.Errorf("unexpected %s message while waiting for a reply", msg.Type)))
		return
	}
	muxConn.mu.Lock()
	wait, ok := muxConn.pending[msg.Header.Tag]
	delete(muxConn.pending, msg.Header.Tag)
	muxConn.mu.Unlock()
	if !ok {
		muxConn.failPending(newError(ProtocolViolation, "receive", errors.Errorf("reply for unknown tag %d", msg.Header.Tag)))
		return
	}
	wait <- response{msg: msg}
}

func (muxConn *UsbMuxConnection) failPending(err error) {
	muxConn.mu.Lock()
	defer muxConn.mu.Unlock()
	for tag, wait := range muxConn.pending {
		wait <- response{err: err}
		delete(muxConn.pending, tag)
	}
}
