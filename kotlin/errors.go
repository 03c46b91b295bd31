package kotlin

import (
	"fmt"

	"github.com/pkg/errors"
)

// GATT status codes (BluetoothGatt)
const (
	GATT_SUCCESS                     = 0x00
	GATT_READ_NOT_PERMITTED          = 0x02
	GATT_WRITE_NOT_PERMITTED         = 0x03
	GATT_INSUFFICIENT_AUTHENTICATION = 0x05
	GATT_REQUEST_NOT_SUPPORTED       = 0x06
	GATT_INVALID_OFFSET              = 0x07
	GATT_INSUFFICIENT_AUTHORIZATION  = 0x08
	GATT_INVALID_ATTRIBUTE_LENGTH    = 0x0D
	GATT_INSUFFICIENT_ENCRYPTION     = 0x0F
	GATT_CONNECTION_CONGESTED        = 0x8F
	GATT_FAILURE                     = 0x101
)

// StatusNames maps GATT status codes to human-readable names
var StatusNames = map[int]string{
	GATT_SUCCESS:                     "Success",
	GATT_READ_NOT_PERMITTED:          "Read Not Permitted",
	GATT_WRITE_NOT_PERMITTED:         "Write Not Permitted",
	GATT_INSUFFICIENT_AUTHENTICATION: "Insufficient Authentication",
	GATT_REQUEST_NOT_SUPPORTED:       "Request Not Supported",
	GATT_INVALID_OFFSET:              "Invalid Offset",
	GATT_INSUFFICIENT_AUTHORIZATION:  "Insufficient Authorization",
	GATT_INVALID_ATTRIBUTE_LENGTH:    "Invalid Attribute Length",
	GATT_INSUFFICIENT_ENCRYPTION:     "Insufficient Encryption",
	GATT_CONNECTION_CONGESTED:        "Connection Congested",
	GATT_FAILURE:                     "Failure",
}

// StatusName returns the name of a GATT status code
func StatusName(status int) string {
	if name, ok := StatusNames[status]; ok {
		return name
	}
	return fmt.Sprintf("Unknown Status (0x%02X)", status)
}

// Platform availability errors
var (
	ErrBluetoothOff           = errors.New("bluetooth is off")
	ErrAdvertisingUnsupported = errors.New("bluetooth LE advertising not supported")
	ErrGattServerUnavailable  = errors.New("gatt server unavailable")
	ErrScanUnsupported        = errors.New("bluetooth LE scanning not supported")
	ErrGattServerClosed       = errors.New("gatt server closed")
	ErrNoResponse             = errors.New("no response from gatt server")
	ErrNotConnected           = errors.New("central not connected")
)

// GattError is a non-success status returned by the remote GATT server
type GattError struct {
	Status         int
	Operation      string // "read" or "write"
	Characteristic string
}

// Error implements the error interface
func (e *GattError) Error() string {
	return fmt.Sprintf("GATT Error: %s (%s %s)", StatusName(e.Status), e.Operation, e.Characteristic)
}

// NewGattError creates a new GATT error
func NewGattError(status int, operation, characteristic string) *GattError {
	return &GattError{
		Status:         status,
		Operation:      operation,
		Characteristic: characteristic,
	}
}

// IsGattError checks if err (or its cause) is a GATT error with a specific status
func IsGattError(err error, status int) bool {
	if gattErr, ok := errors.Cause(err).(*GattError); ok {
		return gattErr.Status == status
	}
	return false
}

// GetStatus returns the GATT status from an error, GATT_SUCCESS for nil and
// GATT_FAILURE for anything that is not a GATT error
func GetStatus(err error) int {
	if err == nil {
		return GATT_SUCCESS
	}
	if gattErr, ok := errors.Cause(err).(*GattError); ok {
		return gattErr.Status
	}
	return GATT_FAILURE
}

// AdvertiseErrorName describes an AdvertiseCallback failure code
func AdvertiseErrorName(errorCode int) string {
	switch errorCode {
	case ADVERTISE_FAILED_DATA_TOO_LARGE:
		return "data too large"
	case ADVERTISE_FAILED_TOO_MANY_ADVERTISERS:
		return "too many advertisers"
	case ADVERTISE_FAILED_ALREADY_STARTED:
		return "already started"
	case ADVERTISE_FAILED_INTERNAL_ERROR:
		return "internal error"
	case ADVERTISE_FAILED_FEATURE_UNSUPPORTED:
		return "feature unsupported"
	default:
		return fmt.Sprintf("unknown error %d", errorCode)
	}
}
