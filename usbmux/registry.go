package usbmux

import (
	"sort"

	"golang.org/x/exp/maps"
)

// DeviceRegistry is the table of attached devices. It does no locking, the owning
// ListenSession serializes access.
type DeviceRegistry struct {
	devices map[uint32]DeviceInfo
}

// NewDeviceRegistry creates an empty registry.
func NewDeviceRegistry() *DeviceRegistry {
	return &DeviceRegistry{devices: map[uint32]DeviceInfo{}}
}

// Upsert adds or replaces the device with info.DeviceID.
func (r *DeviceRegistry) Upsert(info DeviceInfo) {
	r.devices[info.DeviceID] = info
}

// Remove deletes a device, unknown ids are ignored.
func (r *DeviceRegistry) Remove(deviceID uint32) {
	delete(r.devices, deviceID)
}

// Snapshot returns a copy of all devices ordered by DeviceID.
func (r *DeviceRegistry) Snapshot() []DeviceInfo {
	devices := maps.Values(r.devices)
	sort.Slice(devices, func(i, j int) bool { return devices[i].DeviceID < devices[j].DeviceID })
	return devices
}

// Clear removes all devices.
func (r *DeviceRegistry) Clear() {
	maps.Clear(r.devices)
}

// Len returns the number of attached devices.
func (r *DeviceRegistry) Len() int {
	return len(r.devices)
}
