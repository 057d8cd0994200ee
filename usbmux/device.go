package usbmux

import "fmt"

// ConnectionType is how usbmuxd reaches the device.
type ConnectionType string

// ConnectionTypeUSB is the only type this package connects through. Other values
// are passed through as reported.
const ConnectionTypeUSB ConnectionType = "USB"

// ProductType is derived from the USB product id.
type ProductType string

const (
	ProductIPhone    ProductType = "iPhone"
	ProductIPodTouch ProductType = "iPod touch"
	ProductIPad      ProductType = "iPad"
	ProductUnknown   ProductType = "unknown"
)

// DeviceInfo describes an attached device. DeviceID is unique among attached devices.
type DeviceInfo struct {
	DeviceID        uint32         `json:"deviceId"`
	SerialNumber    string         `json:"serialNumber"`
	LocationID      uint32         `json:"locationId"`
	ConnectionType  ConnectionType `json:"connectionType"`
	ProductID       uint16         `json:"productId"`
	ConnectionSpeed int            `json:"connectionSpeed,omitempty"`
}

// ProductType maps the USB product id to the kind of device.
func (d DeviceInfo) ProductType() ProductType {
	switch d.ProductID {
	case 0x12A8:
		return ProductIPhone
	case 0x12AA:
		return ProductIPodTouch
	case 0x12AB:
		return ProductIPad
	}
	return ProductUnknown
}

func (d DeviceInfo) String() string {
	return fmt.Sprintf("%d:%s", d.DeviceID, d.SerialNumber)
}

func deviceInfoFromAttached(msg AttachedMessage) DeviceInfo {
	return DeviceInfo{
		DeviceID:        msg.DeviceID,
		SerialNumber:    msg.Properties.SerialNumber,
		LocationID:      msg.Properties.LocationID,
		ConnectionType:  ConnectionType(msg.Properties.ConnectionType),
		ProductID:       msg.Properties.ProductID,
		ConnectionSpeed: msg.Properties.ConnectionSpeed,
	}
}

// EventType says what a DeviceEvent is about.
type EventType int

const (
	EventAttached EventType = iota + 1
	EventDetached
	EventPaired
	// EventClosed is always the last event of a stream. Err is nil if the stream was
	// closed on purpose.
	EventClosed
)

func (t EventType) String() string {
	switch t {
	case EventAttached:
		return "Attached"
	case EventDetached:
		return "Detached"
	case EventPaired:
		return "Paired"
	case EventClosed:
		return "Closed"
	}
	return fmt.Sprintf("EventType(%d)", int(t))
}

// DeviceEvent is one element of a device watch stream.
type DeviceEvent struct {
	Type     EventType
	DeviceID uint32
	// Device is only set for EventAttached.
	Device DeviceInfo
	Err    error
}
