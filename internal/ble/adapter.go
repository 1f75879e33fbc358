// Package ble connects the driver to Flic buttons over Bluetooth Low Energy.
// It exposes the link to the rest of the driver as a Transport that reports
// link state and delivers raw frames per button address.
package ble

import "context"

// Flic 2 GATT UUIDs
const (
	ServiceUUID    = "00420000-8f59-4420-870d-84f3b617e493"
	WriteCharUUID  = "00420001-8f59-4420-870d-84f3b617e493"
	NotifyCharUUID = "00420002-8f59-4420-870d-84f3b617e493"
)

// ShortcutLabsCompanyID is the manufacturer ID carried in Flic advertisements.
const ShortcutLabsCompanyID = 0x030f

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// Write sends data to the characteristic.
	Write(data []byte) error
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
}

// Device represents a discovered BLE peripheral.
type Device struct {
	Name    string
	Address string
	RSSI    int
	// Pairable is set when the button advertises that it is in public mode.
	Pairable bool
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter. Calling it more than once is allowed.
	Enable() error
	// Scan reports peripherals advertising the given service UUID until ctx
	// is cancelled. Each address is reported once per scan.
	Scan(ctx context.Context, serviceUUID string, found func(Device)) error
	// Connect makes a single connection attempt to the given address.
	Connect(ctx context.Context, addr string) (Connection, error)
}

// pairableFlag is set in the first manufacturer data byte while the button is
// in public mode.
const pairableFlag = 0x01

// isPairable reports whether Flic manufacturer data announces public mode.
func isPairable(data []byte) bool {
	return len(data) > 0 && data[0]&pairableFlag != 0
}
