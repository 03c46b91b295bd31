package ble

import (
	"testing"
	"time"

	"github.com/user/herald-blue/datatype"
	"github.com/user/herald-blue/kotlin"
)

func newTestSensor(t *testing.T) (*kotlin.SimulatedAdapter, *ConcreteBLESensor, *recordingDelegate) {
	t.Helper()
	adapter := kotlin.NewSimulatedAdapter(nil)
	sensor := NewConcreteBLESensor(adapter, datatype.FixedPayloadDataSupplier(datatype.PayloadData("local-payload")), testSensorConfig(), nil)
	delegate := newRecordingDelegate()
	if !sensor.Add(delegate) {
		t.Fatal("Add rejected a full delegate")
	}
	t.Cleanup(sensor.Close)
	return adapter, sensor, delegate
}

func expectState(t *testing.T, d *recordingDelegate, want datatype.SensorState) {
	t.Helper()
	select {
	case got := <-d.states:
		if got != want {
			t.Errorf("state = %v, want %v", got, want)
		}
	case <-time.After(testTimeout):
		t.Fatalf("Timeout waiting for state %v", want)
	}
}

func expectNoRead(t *testing.T, d *recordingDelegate) {
	t.Helper()
	select {
	case ev := <-d.read:
		t.Errorf("Unexpected read event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSensor_EndToEnd(t *testing.T) {
	adapter, sensor, delegate := newTestSensor(t)
	sensor.Start()
	expectState(t, delegate, datatype.SensorStateOn)

	if !sensor.Transmitter().IsAdvertising() {
		t.Fatal("Sensor is not advertising")
	}
	central, err := adapter.GattServer().Connect("peerA")
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	// A peer seen twice is detected once
	sensor.Database().DeviceFor("peerA")
	select {
	case id := <-delegate.detected:
		if id != "peerA" {
			t.Errorf("detected %s", id)
		}
	case <-time.After(testTimeout):
		t.Fatal("Timeout waiting for detect")
	}
	select {
	case id := <-delegate.detected:
		t.Errorf("Detected %s twice", id)
	case <-time.After(50 * time.Millisecond):
	}

	if err := central.Write(AndroidSignalCharacteristicUUID, []byte{0x00, 0xFF, 0x9C}); err != nil {
		t.Fatalf("RSSI write failed: %v", err)
	}
	select {
	case ev := <-delegate.measured:
		if ev.from != "peerA" || ev.proximity.Value != -100 || ev.proximity.Unit != datatype.ProximityRSSI {
			t.Errorf("measure event = %+v", ev)
		}
	case <-time.After(testTimeout):
		t.Fatal("Timeout waiting for measure")
	}
	select {
	case ev := <-delegate.withPayload:
		t.Errorf("Measure with payload before any payload was read: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	frame, _ := EncodeWritePayload(datatype.PayloadData("remote-payload"))
	if err := central.Write(AndroidSignalCharacteristicUUID, frame[:6]); err != nil {
		t.Fatal(err)
	}
	expectNoRead(t, delegate)
	if err := central.Write(AndroidSignalCharacteristicUUID, frame[6:]); err != nil {
		t.Fatal(err)
	}
	select {
	case ev := <-delegate.read:
		if ev.from != "peerA" || string(ev.payload) != "remote-payload" {
			t.Errorf("read event = %+v", ev)
		}
	case <-time.After(testTimeout):
		t.Fatal("Timeout waiting for read")
	}
	expectNoRead(t, delegate)

	central.Disconnect()
	sensor.Transmitter().IsAdvertising()
	device, _ := sensor.Database().Device("peerA")
	if device.State() != BLEDeviceStateDisconnected || device.SignalCharacteristic() != nil {
		t.Errorf("After disconnect: %s", device)
	}
}

func TestSensor_MeasureWithPayload(t *testing.T) {
	_, sensor, delegate := newTestSensor(t)
	sensor.Start()
	expectState(t, delegate, datatype.SensorStateOn)

	device := sensor.Database().DeviceFor("peerA")
	device.SetPayload(datatype.PayloadData("known"))
	device.SetRSSI(-70)

	select {
	case ev := <-delegate.withPayload:
		if ev.from != "peerA" || string(ev.payload) != "known" || ev.proximity.Value != -70 {
			t.Errorf("measure with payload = %+v", ev)
		}
	case <-time.After(testTimeout):
		t.Fatal("Timeout waiting for measure with payload")
	}
}

func TestSensor_MeasuresCarryValueAtUpdate(t *testing.T) {
	_, sensor, delegate := newTestSensor(t)
	sensor.Start()
	expectState(t, delegate, datatype.SensorStateOn)

	// Hold the database queue so both readings are applied before either
	// event is delivered
	release := make(chan struct{})
	sensor.Database().queue.Async(func() { <-release })
	device := sensor.Database().DeviceFor("peerA")
	device.SetRSSI(-40)
	device.SetPayload(datatype.PayloadData("first"))
	device.SetRSSI(-60)
	device.SetPayload(datatype.PayloadData("second"))
	close(release)

	for _, want := range []float64{-40, -60} {
		select {
		case ev := <-delegate.measured:
			if ev.proximity.Value != want {
				t.Errorf("measure = %v, want %v", ev.proximity.Value, want)
			}
		case <-time.After(testTimeout):
			t.Fatalf("Timeout waiting for measure %v", want)
		}
	}
	for _, want := range []string{"first", "second"} {
		select {
		case ev := <-delegate.read:
			if string(ev.payload) != want {
				t.Errorf("read = %s, want %s", ev.payload, want)
			}
		case <-time.After(testTimeout):
			t.Fatalf("Timeout waiting for read %s", want)
		}
	}
	// -60 was measured once "first" was known
	select {
	case ev := <-delegate.withPayload:
		if ev.proximity.Value != -60 || string(ev.payload) != "first" {
			t.Errorf("measure with payload = %+v", ev)
		}
	case <-time.After(testTimeout):
		t.Fatal("Timeout waiting for measure with payload")
	}
}

func TestSensor_ShareAndReceive(t *testing.T) {
	adapter, sensor, delegate := newTestSensor(t)
	sensor.Start()
	expectState(t, delegate, datatype.SensorStateOn)
	sensor.Transmitter().IsAdvertising()

	central, err := adapter.GattServer().Connect("relay")
	if err != nil {
		t.Fatal(err)
	}
	sharing, _ := EncodeWritePayloadSharing(PayloadSharingData{RSSI: -60, Payloads: []datatype.PayloadData{datatype.PayloadData("third")}})
	if err := central.Write(AndroidSignalCharacteristicUUID, sharing); err != nil {
		t.Fatal(err)
	}
	immediate, _ := EncodeImmediateSend(datatype.Data("hi"))
	if err := central.Write(AndroidSignalCharacteristicUUID, immediate); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-delegate.shared:
		if ev.from != "relay" || len(ev.payloads) != 1 || string(ev.payloads[0]) != "third" {
			t.Errorf("share event = %+v", ev)
		}
	case <-time.After(testTimeout):
		t.Fatal("Timeout waiting for share")
	}
	select {
	case ev := <-delegate.received:
		if ev.from != "relay" || string(ev.data) != "hi" {
			t.Errorf("receive event = %+v", ev)
		}
	case <-time.After(testTimeout):
		t.Fatal("Timeout waiting for receive")
	}
}

func TestSensor_StateChanges(t *testing.T) {
	adapter, sensor, delegate := newTestSensor(t)
	sensor.Start()
	expectState(t, delegate, datatype.SensorStateOn)

	adapter.SetState(kotlin.ADAPTER_STATE_TURNING_OFF)
	adapter.SetState(kotlin.ADAPTER_STATE_OFF)
	expectState(t, delegate, datatype.SensorStateOff)

	adapter.SetState(kotlin.ADAPTER_STATE_ON)
	expectState(t, delegate, datatype.SensorStateOn)

	adapter.SetState(kotlin.ADAPTER_STATE_UNSUPPORTED)
	expectState(t, delegate, datatype.SensorStateUnavailable)
}

func TestSensor_StartWhileOff(t *testing.T) {
	adapter := kotlin.NewSimulatedAdapter(nil)
	adapter.SetState(kotlin.ADAPTER_STATE_OFF)
	sensor := NewConcreteBLESensor(adapter, datatype.FixedPayloadDataSupplier(nil), testSensorConfig(), nil)
	defer sensor.Close()
	delegate := newRecordingDelegate()
	sensor.Add(delegate)

	sensor.Start()
	expectState(t, delegate, datatype.SensorStateOff)
	if sensor.Transmitter().IsAdvertising() || sensor.Receiver().IsScanning() {
		t.Error("Should not advertise or scan while bluetooth is off")
	}

	adapter.SetState(kotlin.ADAPTER_STATE_ON)
	expectState(t, delegate, datatype.SensorStateOn)
	if !sensor.Transmitter().IsAdvertising() || !sensor.Receiver().IsScanning() {
		t.Error("Should start advertising and scanning once bluetooth is on")
	}
}

type detectOnly struct {
	detected chan datatype.TargetIdentifier
}

func (d *detectOnly) SensorDidDetect(sensor datatype.SensorType, didDetect datatype.TargetIdentifier) {
	d.detected <- didDetect
}

func TestSensor_AddPartialDelegate(t *testing.T) {
	adapter := kotlin.NewSimulatedAdapter(nil)
	sensor := NewConcreteBLESensor(adapter, datatype.FixedPayloadDataSupplier(nil), testSensorConfig(), nil)
	defer sensor.Close()

	if sensor.Add(struct{}{}) {
		t.Error("Add should reject a value with no sensor capability")
	}
	d := &detectOnly{detected: make(chan datatype.TargetIdentifier, 1)}
	if !sensor.Add(d) {
		t.Fatal("Add should accept a detect-only delegate")
	}

	sensor.Database().DeviceFor("peerA")
	select {
	case id := <-d.detected:
		if id != "peerA" {
			t.Errorf("detected %s", id)
		}
	case <-time.After(testTimeout):
		t.Fatal("Timeout waiting for detect")
	}
}
