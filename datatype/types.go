package datatype

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TargetIdentifier distinguishes a peer for the lifetime of one discovery
// episode. It is usually the platform address, or a random value when the
// platform gives none. Not stable across address rotation.
type TargetIdentifier string

// NewTargetIdentifier returns a random identifier
func NewTargetIdentifier() TargetIdentifier {
	return TargetIdentifier(uuid.New().String())
}

func (t TargetIdentifier) String() string {
	return string(t)
}

// PayloadData is the opaque rotating identity beacon exchanged between peers.
// Only its length and content equality matter to the transport.
type PayloadData []byte

// Data returns the payload as a codec buffer
func (p PayloadData) Data() Data {
	return Data(p)
}

func (p PayloadData) Equal(other PayloadData) bool {
	return Data(p).Equal(Data(other))
}

// Hex returns the upper-case hex encoding, used as a map key and in logs
func (p PayloadData) Hex() string {
	return Data(p).Hex()
}

// ShortName is a compact label for log lines
func (p PayloadData) ShortName() string {
	if len(p) == 0 {
		return "(none)"
	}
	s := Data(p).Base64()
	if len(s) > 6 {
		s = s[:6]
	}
	return s
}

// RSSI is a received signal strength in dBm
type RSSI int

func (r RSSI) String() string {
	return fmt.Sprintf("%ddBm", int(r))
}

// ProximityMeasurementUnit identifies what a Proximity value measures
type ProximityMeasurementUnit int

const (
	ProximityRSSI ProximityMeasurementUnit = iota
	ProximityRTT
)

func (u ProximityMeasurementUnit) String() string {
	switch u {
	case ProximityRSSI:
		return "RSSI"
	case ProximityRTT:
		return "RTT"
	default:
		return fmt.Sprintf("unit(%d)", int(u))
	}
}

// CalibrationMeasurementUnit identifies what a Calibration value measures
type CalibrationMeasurementUnit int

const (
	CalibrationBLETransmitPower CalibrationMeasurementUnit = iota
)

// Calibration is the peer's advertised transmit power, used by consumers to
// normalise RSSI across handsets
type Calibration struct {
	Unit  CalibrationMeasurementUnit
	Value float64
}

func (c Calibration) String() string {
	return fmt.Sprintf("txPower=%.0f", c.Value)
}

// Proximity is one measurement delivered to the application
type Proximity struct {
	Unit        ProximityMeasurementUnit
	Value       float64
	Calibration *Calibration
}

// NewRSSIProximity builds an RSSI measurement with optional calibration
func NewRSSIProximity(rssi RSSI, calibration *Calibration) Proximity {
	return Proximity{
		Unit:        ProximityRSSI,
		Value:       float64(rssi),
		Calibration: calibration,
	}
}

func (p Proximity) String() string {
	if p.Calibration != nil {
		return fmt.Sprintf("%s:%.0f[%s]", p.Unit, p.Value, p.Calibration)
	}
	return fmt.Sprintf("%s:%.0f", p.Unit, p.Value)
}

// SensorType names the radio behind an event
type SensorType string

const SensorTypeBLE SensorType = "BLE"

// SensorState is the application-visible power state of a sensor
type SensorState int

const (
	SensorStateOff SensorState = iota
	SensorStateOn
	SensorStateUnavailable
)

func (s SensorState) String() string {
	switch s {
	case SensorStateOn:
		return "on"
	case SensorStateOff:
		return "off"
	case SensorStateUnavailable:
		return "unavailable"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// PayloadDataSupplier produces this device's payload. requester identifies
// the reading peer so suppliers can vary the payload per peer.
type PayloadDataSupplier interface {
	Payload(at time.Time, requester TargetIdentifier) PayloadData
}

// PayloadDataSupplierFunc adapts an ordinary function to PayloadDataSupplier
type PayloadDataSupplierFunc func(at time.Time, requester TargetIdentifier) PayloadData

func (f PayloadDataSupplierFunc) Payload(at time.Time, requester TargetIdentifier) PayloadData {
	return f(at, requester)
}

// FixedPayloadDataSupplier always returns the same payload
func FixedPayloadDataSupplier(payload PayloadData) PayloadDataSupplier {
	return PayloadDataSupplierFunc(func(time.Time, TargetIdentifier) PayloadData {
		return payload
	})
}
