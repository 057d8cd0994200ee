package usbmux

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind classifies failures of the usbmux protocol engine.
type ErrorKind int

const (
	// TransportUnavailable means the daemon socket could not be reached.
	TransportUnavailable ErrorKind = iota + 1
	// ProtocolViolation means the peer sent something the codec or a session could not accept.
	ProtocolViolation
	// Timeout means no Result arrived before the caller's deadline.
	Timeout
	// DeviceNotFound is reported by usbmuxd for an unknown DeviceID.
	DeviceNotFound
	// PortRefused is reported by usbmuxd when nothing listens on the device port.
	PortRefused
	// ConnectionLost means the connector was closed underneath an operation.
	ConnectionLost
	// Cancelled means the caller aborted the operation.
	Cancelled
	// InvalidArgument means a request was rejected before anything was sent.
	InvalidArgument
)

func (k ErrorKind) String() string {
	switch k {
	case TransportUnavailable:
		return "transport unavailable"
	case ProtocolViolation:
		return "protocol violation"
	case Timeout:
		return "timeout"
	case DeviceNotFound:
		return "device not found"
	case PortRefused:
		return "port refused"
	case ConnectionLost:
		return "connection lost"
	case Cancelled:
		return "cancelled"
	case InvalidArgument:
		return "invalid argument"
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// Error is returned by every operation of this package. Use errors.Is with one of the
// Err* sentinels to check the kind.
type Error struct {
	Kind ErrorKind
	Op   string
	// Code is the usbmuxd result number, if the error came from a Result message.
	Code uint32
	// Payload holds the raw Result plist for result codes we do not know.
	Payload []byte
	Err     error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Code != 0 {
		msg = fmt.Sprintf("%s (usbmuxd code %d)", msg, e.Code)
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same Kind, so the sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrTransportUnavailable = &Error{Kind: TransportUnavailable}
	ErrProtocolViolation    = &Error{Kind: ProtocolViolation}
	ErrTimeout              = &Error{Kind: Timeout}
	ErrDeviceNotFound       = &Error{Kind: DeviceNotFound}
	ErrPortRefused          = &Error{Kind: PortRefused}
	ErrConnectionLost       = &Error{Kind: ConnectionLost}
	ErrCancelled            = &Error{Kind: Cancelled}
	ErrInvalidArgument      = &Error{Kind: InvalidArgument}
)

func newError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the ErrorKind of err, or 0 if err is not an *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
