package usbmux

import (
	"bytes"
	"io"
	"reflect"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"howett.net/plist"
)

// Message is one usbmuxd packet: the header, the kind from the plist and the typed payload.
// Payload holds one of the request or message structs of this package as a value.
type Message struct {
	Header  Header
	Type    MessageType
	Payload interface{}
	// Raw is the plist exactly as it was sent or received.
	Raw []byte
}

// requiredKeys lists the plist keys a message of the given type cannot do without.
var requiredKeys = map[MessageType][]string{
	MessageConnect:  {"DeviceID", "PortNumber"},
	MessageResult:   {"Number"},
	MessageAttached: {"DeviceID", "Properties"},
	MessageDetached: {"DeviceID"},
	MessagePaired:   {"DeviceID"},
}

// NewMessage serializes payload to a plist and computes the header for it.
func NewMessage(tag uint32, payload interface{}) (Message, error) {
	mt, err := messageTypeOf(payload)
	if err != nil {
		return Message{}, err
	}
	raw, err := plist.Marshal(payload, plist.XMLFormat)
	if err != nil {
		return Message{}, newError(InvalidArgument, "encode", errors.Wrapf(err, "failed converting %v to plist", reflect.TypeOf(payload)))
	}
	return Message{Header: newHeader(len(raw), tag), Type: mt, Payload: payload, Raw: raw}, nil
}

func messageTypeOf(payload interface{}) (MessageType, error) {
	switch p := payload.(type) {
	case ListenRequest:
		return MessageListen, nil
	case ConnectRequest:
		return MessageConnect, nil
	case ListDevicesRequest:
		return MessageListDevices, nil
	case ReadBUIDRequest:
		return MessageReadBUID, nil
	case ResultMessage:
		return MessageResult, nil
	case AttachedMessage:
		return MessageAttached, nil
	case DetachedMessage:
		return MessageDetached, nil
	case PairedMessage:
		return MessagePaired, nil
	case DeviceListMessage:
		return MessageDeviceList, nil
	case BUIDMessage:
		return MessageBUID, nil
	default:
		return "", newError(InvalidArgument, "encode", errors.Errorf("unsupported payload type %T", p))
	}
}

// EncodeMessage builds a message for payload and writes it to w in a single Write call.
func EncodeMessage(w io.Writer, tag uint32, payload interface{}) error {
	msg, err := NewMessage(tag, payload)
	if err != nil {
		return err
	}
	return WriteMessage(w, msg)
}

// WriteMessage writes header and payload of msg to w in a single Write call.
func WriteMessage(w io.Writer, msg Message) error {
	if msg.Header.Length != headerSize+uint32(len(msg.Raw)) {
		return newError(InvalidArgument, "encode", errors.Errorf("header length %d does not match payload length %d", msg.Header.Length, len(msg.Raw)))
	}
	buf := bytes.NewBuffer(make([]byte, 0, msg.Header.Length))
	if err := writeHeader(buf, msg.Header); err != nil {
		return newError(InvalidArgument, "encode", err)
	}
	buf.Write(msg.Raw)
	log.Tracef("UsbMux send %s tag:%d", msg.Type, msg.Header.Tag)
	if _, err := w.Write(buf.Bytes()); err != nil {
		if KindOf(err) == ConnectionLost {
			return err
		}
		return newError(ConnectionLost, "send", err)
	}
	return nil
}

// DecodeMessage reads exactly one message from r. It never reads past the end of the message,
// so whatever follows on r stays unread.
func DecodeMessage(r io.Reader, maxLength uint32) (Message, error) {
	h, err := readHeader(r)
	if err != nil {
		return Message{}, readError(err)
	}
	if h.Length < headerSize || h.Length > maxLength {
		return Message{}, newError(ProtocolViolation, "decode", errors.Errorf("invalid message length %d", h.Length))
	}
	if h.Version != plistVersion {
		return Message{}, newError(ProtocolViolation, "decode", errors.Errorf("unsupported protocol version %d", h.Version))
	}
	if h.Request != plistRequest {
		return Message{}, newError(ProtocolViolation, "decode", errors.Errorf("unsupported packet type %d", h.Request))
	}
	raw := make([]byte, h.Length-headerSize)
	n, err := io.ReadFull(r, raw)
	if err != nil {
		return Message{}, readError(errors.Wrapf(err, "only %d bytes received instead of %d", n, len(raw)))
	}
	mt, payload, err := decodePayload(raw)
	if err != nil {
		return Message{}, err
	}
	log.Tracef("UsbMux receive %s tag:%d", mt, h.Tag)
	return Message{Header: h, Type: mt, Payload: payload, Raw: raw}, nil
}

func readError(err error) error {
	if KindOf(err) != 0 {
		return err
	}
	return newError(ConnectionLost, "receive", err)
}

func decodePayload(raw []byte) (MessageType, interface{}, error) {
	var fields map[string]interface{}
	if _, err := plist.Unmarshal(raw, &fields); err != nil {
		return "", nil, newError(ProtocolViolation, "decode", errors.Wrap(err, "malformed plist payload"))
	}
	mt, err := payloadType(fields)
	if err != nil {
		return "", nil, err
	}
	for _, key := range requiredKeys[mt] {
		if _, ok := fields[key]; !ok {
			return "", nil, newError(ProtocolViolation, "decode", errors.Errorf("%s message without %s", mt, key))
		}
	}
	var payload interface{}
	switch mt {
	case MessageListen:
		payload, err = unmarshalAs[ListenRequest](raw)
	case MessageConnect:
		payload, err = unmarshalAs[ConnectRequest](raw)
	case MessageListDevices:
		payload, err = unmarshalAs[ListDevicesRequest](raw)
	case MessageReadBUID:
		payload, err = unmarshalAs[ReadBUIDRequest](raw)
	case MessageResult:
		payload, err = unmarshalAs[ResultMessage](raw)
	case MessageAttached:
		var attached AttachedMessage
		attached, err = unmarshalAs[AttachedMessage](raw)
		if err == nil && attached.Properties.SerialNumber == "" {
			err = errors.New("Attached message without Properties.SerialNumber")
		}
		payload = attached
	case MessageDetached:
		payload, err = unmarshalAs[DetachedMessage](raw)
	case MessagePaired:
		payload, err = unmarshalAs[PairedMessage](raw)
	case MessageDeviceList:
		payload, err = unmarshalAs[DeviceListMessage](raw)
	case MessageBUID:
		payload, err = unmarshalAs[BUIDMessage](raw)
	}
	if err != nil {
		return "", nil, newError(ProtocolViolation, "decode", errors.Wrapf(err, "invalid %s message", mt))
	}
	return mt, payload, nil
}

func payloadType(fields map[string]interface{}) (MessageType, error) {
	value, present := fields["MessageType"]
	if !present {
		if _, ok := fields["DeviceList"]; ok {
			return MessageDeviceList, nil
		}
		if _, ok := fields["BUID"]; ok {
			return MessageBUID, nil
		}
		return "", newError(ProtocolViolation, "decode", errors.New("payload without MessageType"))
	}
	s, ok := value.(string)
	if !ok {
		return "", newError(ProtocolViolation, "decode", errors.Errorf("MessageType is %T, not a string", value))
	}
	switch mt := MessageType(s); mt {
	case MessageListen, MessageConnect, MessageListDevices, MessageReadBUID,
		MessageResult, MessageAttached, MessageDetached, MessagePaired:
		return mt, nil
	}
	return "", newError(ProtocolViolation, "decode", errors.Errorf("unknown MessageType %q", s))
}

func unmarshalAs[T any](raw []byte) (T, error) {
	var v T
	_, err := plist.Unmarshal(raw, &v)
	return v, err
}
