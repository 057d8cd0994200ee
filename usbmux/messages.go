package usbmux

// MessageType is the value of the MessageType key in a usbmuxd plist.
type MessageType string

const (
	MessageListen      MessageType = "Listen"
	MessageConnect     MessageType = "Connect"
	MessageListDevices MessageType = "ListDevices"
	MessageReadBUID    MessageType = "ReadBUID"
	MessageResult      MessageType = "Result"
	MessageAttached    MessageType = "Attached"
	MessageDetached    MessageType = "Detached"
	MessagePaired      MessageType = "Paired"
	// MessageDeviceList and MessageBUID are replies that carry no MessageType key on the wire,
	// they are recognized by their DeviceList and BUID keys.
	MessageDeviceList MessageType = "DeviceList"
	MessageBUID       MessageType = "BUID"
)

// Result numbers sent by usbmuxd.
const (
	ResultOK                uint32 = 0
	ResultBadCommand        uint32 = 1
	ResultBadDevice         uint32 = 2
	ResultConnectionRefused uint32 = 3
	ResultBadVersion        uint32 = 6
)

// ListenRequest asks usbmuxd to keep the connection open and push Attached/Detached messages.
type ListenRequest struct {
	MessageType         string
	ProgName            string
	ClientVersionString string
	BundleID            string
	LibUSBMuxVersion    uint32 `plist:"kLibUSBMuxVersion"`
	ConnType            int
}

// ConnectRequest asks usbmuxd to turn the connection into a tunnel to PortNumber on the device.
type ConnectRequest struct {
	MessageType         string
	ProgName            string
	ClientVersionString string
	BundleID            string
	LibUSBMuxVersion    uint32 `plist:"kLibUSBMuxVersion"`
	DeviceID            uint32
	// PortNumber is in network byte order, use Port() to read it.
	PortNumber uint16
}

// Port returns the device port in host byte order.
func (r ConnectRequest) Port() uint16 {
	return Ntohs(r.PortNumber)
}

// ListDevicesRequest asks for the currently attached devices.
type ListDevicesRequest struct {
	MessageType         string
	ProgName            string
	ClientVersionString string
	BundleID            string
	LibUSBMuxVersion    uint32 `plist:"kLibUSBMuxVersion"`
}

// ReadBUIDRequest asks for the host's BUID.
type ReadBUIDRequest struct {
	MessageType         string
	ProgName            string
	ClientVersionString string
	BundleID            string
	LibUSBMuxVersion    uint32 `plist:"kLibUSBMuxVersion"`
}

// ResultMessage is the generic usbmuxd response with a Number status code.
type ResultMessage struct {
	MessageType string
	Number      uint32
}

// IsSuccessFull returns Number==0
func (r ResultMessage) IsSuccessFull() bool {
	return r.Number == ResultOK
}

// DeviceProperties contains the device data usbmuxd sends with Attached, SerialNumber is the udid.
type DeviceProperties struct {
	ConnectionSpeed int
	ConnectionType  string
	DeviceID        uint32
	LocationID      uint32
	ProductID       uint16
	SerialNumber    string
}

// AttachedMessage is pushed when a device is plugged in.
type AttachedMessage struct {
	MessageType string
	DeviceID    uint32
	Properties  DeviceProperties
}

// DetachedMessage is pushed when a device is unplugged.
type DetachedMessage struct {
	MessageType string
	DeviceID    uint32
}

// PairedMessage is pushed when the user trusted this host on the device.
type PairedMessage struct {
	MessageType string
	DeviceID    uint32
}

// DeviceListMessage is the reply to ListDevices.
type DeviceListMessage struct {
	DeviceList []AttachedMessage
}

// BUIDMessage is the reply to ReadBUID.
type BUIDMessage struct {
	BUID string
}

func (c Config) newListen() ListenRequest {
	return ListenRequest{
		MessageType:         string(MessageListen),
		ProgName:            c.ProgName,
		ClientVersionString: c.ClientVersionString(),
		BundleID:            c.BundleID,
		LibUSBMuxVersion:    libUSBMuxVersion,
		// Seems like ConnType is not really needed
		ConnType: 1,
	}
}

func (c Config) newConnect(deviceID uint32, port uint16) ConnectRequest {
	return ConnectRequest{
		MessageType:         string(MessageConnect),
		ProgName:            c.ProgName,
		ClientVersionString: c.ClientVersionString(),
		BundleID:            c.BundleID,
		LibUSBMuxVersion:    libUSBMuxVersion,
		DeviceID:            deviceID,
		PortNumber:          Ntohs(port),
	}
}

func (c Config) newListDevices() ListDevicesRequest {
	return ListDevicesRequest{
		MessageType:         string(MessageListDevices),
		ProgName:            c.ProgName,
		ClientVersionString: c.ClientVersionString(),
		BundleID:            c.BundleID,
		LibUSBMuxVersion:    libUSBMuxVersion,
	}
}

func (c Config) newReadBUID() ReadBUIDRequest {
	return ReadBUIDRequest{
		MessageType:         string(MessageReadBUID),
		ProgName:            c.ProgName,
		ClientVersionString: c.ClientVersionString(),
		BundleID:            c.BundleID,
		LibUSBMuxVersion:    libUSBMuxVersion,
	}
}

// resultError maps a non zero Result number to an error kind. Codes we do not know are
// reported as ProtocolViolation with the raw payload attached.
func resultError(op string, res ResultMessage, raw []byte) error {
	e := &Error{Op: op, Code: res.Number}
	switch res.Number {
	case ResultOK:
		return nil
	case ResultBadDevice:
		e.Kind = DeviceNotFound
	case ResultConnectionRefused:
		e.Kind = PortRefused
	case ResultBadCommand, ResultBadVersion:
		e.Kind = ProtocolViolation
	default:
		e.Kind = ProtocolViolation
		e.Payload = raw
	}
	return e
}
