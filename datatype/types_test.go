package datatype

import (
	"testing"
	"time"
)

func TestNewTargetIdentifier_Unique(t *testing.T) {
	a := NewTargetIdentifier()
	b := NewTargetIdentifier()
	if a == b {
		t.Errorf("Expected distinct identifiers, got %s twice", a)
	}
	if len(a.String()) != 36 {
		t.Errorf("Expected UUID string, got %q", a)
	}
}

func TestPayloadData(t *testing.T) {
	p := PayloadData{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}
	if !p.Equal(PayloadData{1, 2, 3, 4, 5, 6}) {
		t.Error("Equal by content failed")
	}
	if p.Hex() != "010203040506" {
		t.Errorf("Hex() = %s", p.Hex())
	}
	if got := p.ShortName(); len(got) != 6 {
		t.Errorf("ShortName() = %q, want 6 chars", got)
	}
	if PayloadData(nil).ShortName() != "(none)" {
		t.Error("empty payload should be labelled (none)")
	}
}

func TestProximity(t *testing.T) {
	p := NewRSSIProximity(-72, nil)
	if p.Unit != ProximityRSSI || p.Value != -72 {
		t.Errorf("Proximity = %+v", p)
	}
	if p.String() != "RSSI:-72" {
		t.Errorf("String() = %q", p.String())
	}

	cal := &Calibration{Unit: CalibrationBLETransmitPower, Value: -12}
	p = NewRSSIProximity(-60, cal)
	if p.String() != "RSSI:-60[txPower=-12]" {
		t.Errorf("String() = %q", p.String())
	}
}

func TestSensorState_String(t *testing.T) {
	tests := map[SensorState]string{
		SensorStateOn:          "on",
		SensorStateOff:         "off",
		SensorStateUnavailable: "unavailable",
	}
	for state, want := range tests {
		if state.String() != want {
			t.Errorf("%d.String() = %q, want %q", int(state), state.String(), want)
		}
	}
}

func TestPayloadDataSupplierFunc(t *testing.T) {
	var seen TargetIdentifier
	supplier := PayloadDataSupplierFunc(func(at time.Time, requester TargetIdentifier) PayloadData {
		seen = requester
		return PayloadData(requester)
	})

	got := supplier.Payload(time.Now(), "peer-a")
	if seen != "peer-a" || string(got) != "peer-a" {
		t.Errorf("supplier called with %q, returned %q", seen, got)
	}

	fixed := FixedPayloadDataSupplier(PayloadData{7})
	if !fixed.Payload(time.Now(), "x").Equal(PayloadData{7}) {
		t.Error("FixedPayloadDataSupplier returned a different payload")
	}
}
