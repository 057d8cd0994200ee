package usbmux

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// SessionState is the lifecycle state of a ListenSession.
type SessionState int

const (
	StateIdle SessionState = iota
	StateSubscribing
	StateSubscribed
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateSubscribing:
		return "Subscribing"
	case StateSubscribed:
		return "Subscribed"
	case StateClosed:
		return "Closed"
	}
	return fmt.Sprintf("SessionState(%d)", int(s))
}

// ListenSession keeps one usbmuxd connection in Listen mode, tracks the attached devices
// and publishes Attached/Detached/Paired events in the order usbmuxd sent them.
// A session runs once, after it is Closed a new one has to be created.
type ListenSession struct {
	cfg  Config
	tags *TagAllocator

	mu       sync.Mutex
	state    SessionState
	muxConn  *UsbMuxConnection
	registry *DeviceRegistry
	err      error

	events     chan DeviceEvent
	done       chan struct{}
	stopped    chan struct{}
	closeOnce  sync.Once
	finishOnce sync.Once
}

// NewListenSession creates an Idle session. tags may be nil to use the process wide allocator.
func NewListenSession(cfg Config, tags *TagAllocator) *ListenSession {
	cfg = cfg.withDefaults()
	if tags == nil {
		tags = defaultTags
	}
	return &ListenSession{
		cfg:      cfg,
		tags:     tags,
		registry: NewDeviceRegistry(),
		events:   make(chan DeviceEvent, cfg.EventBuffer),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Start connects to usbmuxd and sends the Listen request. It returns once usbmuxd confirmed
// the subscription, events are delivered on Events from then on. ctx only bounds the handshake.
func (s *ListenSession) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		state := s.state
		s.mu.Unlock()
		return newError(InvalidArgument, "listen", errors.Errorf("session is %s", state))
	}
	s.state = StateSubscribing
	s.mu.Unlock()

	deviceConn, err := NewDeviceConnection(ctx, s.cfg.SocketAddress)
	if err != nil {
		s.finish(err)
		return err
	}
	muxConn := NewUsbMuxConnection(deviceConn, s.tags, s.cfg.MaxMessageLength)
	s.mu.Lock()
	s.muxConn = muxConn
	s.mu.Unlock()
	if s.isClosing() {
		muxConn.Close()
		s.finish(nil)
		return newError(Cancelled, "listen", errors.New("session closed during subscribe"))
	}

	resp, err := muxConn.request(ctx, "listen", s.cfg.newListen())
	if err == nil {
		err = listenResult(resp)
	}
	if err != nil {
		muxConn.Close()
		if s.isClosing() {
			s.finish(nil)
			return newError(Cancelled, "listen", err)
		}
		s.finish(err)
		return err
	}

	s.mu.Lock()
	s.state = StateSubscribed
	s.mu.Unlock()
	log.WithFields(log.Fields{"socket": s.cfg.SocketAddress}).Debug("listening for device events")
	go s.readLoop(muxConn)
	return nil
}

func listenResult(resp Message) error {
	res, ok := resp.Payload.(ResultMessage)
	if !ok {
		return newError(ProtocolViolation, "listen", errors.Errorf("expected Result, got %s", resp.Type))
	}
	return resultError("listen", res, resp.Raw)
}

// Events returns the event stream. The last event is always EventClosed, then the channel is closed.
func (s *ListenSession) Events() <-chan DeviceEvent {
	return s.events
}

// Devices returns a snapshot of the attached devices.
func (s *ListenSession) Devices() []DeviceInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry.Snapshot()
}

// State returns the current lifecycle state.
func (s *ListenSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that ended the session, nil while running or after Close.
func (s *ListenSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops the session and waits for the event stream to end. Calling it again does nothing.
func (s *ListenSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		state := s.state
		muxConn := s.muxConn
		s.mu.Unlock()
		if state == StateIdle {
			s.finish(nil)
			return
		}
		if muxConn != nil {
			err = muxConn.Close()
		}
	})
	<-s.stopped
	return err
}

func (s *ListenSession) isClosing() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *ListenSession) readLoop(muxConn *UsbMuxConnection) {
	for {
		msg, err := muxConn.ReadMessage()
		if err != nil {
			if s.isClosing() {
				err = nil
			} else {
				log.WithFields(log.Fields{"err": err}).Error("Stopped listening because of error")
			}
			muxConn.Close()
			s.finish(err)
			return
		}
		event, err := s.apply(msg)
		if err != nil {
			log.WithFields(log.Fields{"err": err}).Error("Stopped listening because of error")
			muxConn.Close()
			s.finish(err)
			return
		}
		select {
		case s.events <- event:
		case <-s.done:
			muxConn.Close()
			s.finish(nil)
			return
		}
	}
}

// apply updates the registry for msg and returns the event to publish.
func (s *ListenSession) apply(msg Message) (DeviceEvent, error) {
	if msg.Header.Tag != 0 {
		return DeviceEvent{}, newError(ProtocolViolation, "listen", errors.Errorf("unexpected %s message with tag %d on a listen connection", msg.Type, msg.Header.Tag))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch payload := msg.Payload.(type) {
	case AttachedMessage:
		info := deviceInfoFromAttached(payload)
		s.registry.Upsert(info)
		log.WithFields(log.Fields{"deviceID": info.DeviceID, "serial": info.SerialNumber}).Debug("device attached")
		return DeviceEvent{Type: EventAttached, DeviceID: info.DeviceID, Device: info}, nil
	case DetachedMessage:
		s.registry.Remove(payload.DeviceID)
		log.WithFields(log.Fields{"deviceID": payload.DeviceID}).Debug("device detached")
		return DeviceEvent{Type: EventDetached, DeviceID: payload.DeviceID}, nil
	case PairedMessage:
		return DeviceEvent{Type: EventPaired, DeviceID: payload.DeviceID}, nil
	}
	return DeviceEvent{}, newError(ProtocolViolation, "listen", errors.Errorf("unexpected %s message with tag %d on a listen connection", msg.Type, msg.Header.Tag))
}

// finish moves the session to Closed, drops all devices and ends the event stream with EventClosed.
func (s *ListenSession) finish(err error) {
	s.finishOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		s.registry.Clear()
		s.err = err
		s.mu.Unlock()

		closed := DeviceEvent{Type: EventClosed, Err: err}
		select {
		case s.events <- closed:
		default:
			select {
			case s.events <- closed:
			case <-s.done:
			}
		}
		close(s.events)
		close(s.stopped)
	})
}
