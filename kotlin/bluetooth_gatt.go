package kotlin

import "strings"

// Connection states (BluetoothProfile)
const (
	STATE_DISCONNECTED  = 0
	STATE_CONNECTING    = 1
	STATE_CONNECTED     = 2
	STATE_DISCONNECTING = 3
)

// Adapter power states (BluetoothAdapter). UNSUPPORTED stands in for the
// null adapter Android returns on hardware without Bluetooth.
const (
	ADAPTER_STATE_UNSUPPORTED = -1
	ADAPTER_STATE_OFF         = 10
	ADAPTER_STATE_TURNING_ON  = 11
	ADAPTER_STATE_ON          = 12
	ADAPTER_STATE_TURNING_OFF = 13
)

// BluetoothGattCharacteristic properties
const (
	PROPERTY_READ              = 0x02
	PROPERTY_WRITE_NO_RESPONSE = 0x04
	PROPERTY_WRITE             = 0x08
	PROPERTY_NOTIFY            = 0x10
	PROPERTY_INDICATE          = 0x20
)

// BluetoothGattCharacteristic permissions
const (
	PERMISSION_READ  = 0x01
	PERMISSION_WRITE = 0x10
)

// BluetoothGattService types
const (
	SERVICE_TYPE_PRIMARY   = 0
	SERVICE_TYPE_SECONDARY = 1
)

// CCCD_UUID is the Client Characteristic Configuration descriptor
const CCCD_UUID = "00002902-0000-1000-8000-00805f9b34fb"

// BluetoothDevice is the remote peer as seen by the platform. Address is
// the platform's transient identifier for it.
type BluetoothDevice struct {
	Name    string
	Address string
}

// BluetoothGattService matches Android's BluetoothGattService
type BluetoothGattService struct {
	UUID            string
	Type            int
	Characteristics []*BluetoothGattCharacteristic
}

// NewBluetoothGattService creates an empty service
func NewBluetoothGattService(uuid string, serviceType int) *BluetoothGattService {
	return &BluetoothGattService{UUID: uuid, Type: serviceType}
}

// AddCharacteristic attaches c to the service
func (s *BluetoothGattService) AddCharacteristic(c *BluetoothGattCharacteristic) bool {
	if c == nil {
		return false
	}
	c.Service = s
	s.Characteristics = append(s.Characteristics, c)
	return true
}

// GetCharacteristic finds a characteristic by UUID (case-insensitive)
func (s *BluetoothGattService) GetCharacteristic(uuid string) *BluetoothGattCharacteristic {
	for _, c := range s.Characteristics {
		if SameUUID(c.UUID, uuid) {
			return c
		}
	}
	return nil
}

// BluetoothGattCharacteristic matches Android's BluetoothGattCharacteristic.
// Value is the static value a backend may serve when it cannot route reads
// to the server callback.
type BluetoothGattCharacteristic struct {
	UUID        string
	Properties  int
	Permissions int
	Value       []byte
	Descriptors []*BluetoothGattDescriptor
	Service     *BluetoothGattService
}

// NewBluetoothGattCharacteristic creates a characteristic
func NewBluetoothGattCharacteristic(uuid string, properties, permissions int) *BluetoothGattCharacteristic {
	return &BluetoothGattCharacteristic{UUID: uuid, Properties: properties, Permissions: permissions}
}

// AddDescriptor attaches d to the characteristic
func (c *BluetoothGattCharacteristic) AddDescriptor(d *BluetoothGattDescriptor) bool {
	if d == nil {
		return false
	}
	d.Characteristic = c
	c.Descriptors = append(c.Descriptors, d)
	return true
}

// BluetoothGattDescriptor matches Android's BluetoothGattDescriptor
type BluetoothGattDescriptor struct {
	UUID           string
	Permissions    int
	Value          []byte
	Characteristic *BluetoothGattCharacteristic
}

// SameUUID compares two UUID strings ignoring case
func SameUUID(a, b string) bool {
	return strings.EqualFold(a, b)
}
