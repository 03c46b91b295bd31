package ble

import (
	"testing"
	"time"

	"github.com/user/herald-blue/datatype"
	"github.com/user/herald-blue/kotlin"
)

func newTestReceiver(t *testing.T) (*kotlin.SimulatedAdapter, *BLEDatabase, *fakeClock, *ConcreteBLEReceiver) {
	t.Helper()
	adapter := kotlin.NewSimulatedAdapter(nil)
	database, clock := newTestDatabase(t)
	receiver := NewConcreteBLEReceiver(adapter, database, nil, testSensorConfig(), nil)
	t.Cleanup(receiver.Close)
	return adapter, database, clock, receiver
}

func scanResult(address string, rssi int, record *kotlin.ScanRecord) *kotlin.ScanResult {
	return &kotlin.ScanResult{
		Device:     &kotlin.BluetoothDevice{Address: address},
		Rssi:       rssi,
		ScanRecord: record,
	}
}

func TestReceiver_IngestsScanResults(t *testing.T) {
	adapter, database, _, receiver := newTestReceiver(t)
	receiver.Start()
	if !receiver.IsScanning() {
		t.Fatal("Not scanning after Start")
	}

	txPower := -12
	scanner := adapter.Scanner()
	scanner.Emit(scanResult("android-peer", -60, &kotlin.ScanRecord{
		ServiceUUIDs: []string{ServiceUUID},
		TxPowerLevel: &txPower,
	}))
	scanner.Emit(scanResult("apple-peer", -75, &kotlin.ScanRecord{
		ManufacturerSpecificData: map[int][]byte{ManufacturerIDForApple: {0x01}},
	}))
	scanner.Emit(scanResult("headphones", -40, &kotlin.ScanRecord{
		ServiceUUIDs: []string{"0000180F-0000-1000-8000-00805F9B34FB"},
	}))
	scanner.Emit(scanResult("no-record", -40, nil))
	flush(receiver.queue)

	tests := []struct {
		address string
		os      BLEDeviceOperatingSystem
		rssi    int
		txPower *int
	}{
		{"android-peer", BLEDeviceOperatingSystemAndroidTBC, -60, &txPower},
		{"apple-peer", BLEDeviceOperatingSystemIOSTBC, -75, nil},
	}
	for _, tt := range tests {
		t.Run(tt.address, func(t *testing.T) {
			device, ok := database.Device(datatype.TargetIdentifier(tt.address))
			if !ok {
				t.Fatal("Device not recorded")
			}
			if device.OperatingSystem() != tt.os {
				t.Errorf("OS = %v, want %v", device.OperatingSystem(), tt.os)
			}
			if rssi, ok := device.RSSI(); !ok || int(rssi) != tt.rssi {
				t.Errorf("RSSI = %v, %v, want %d", rssi, ok, tt.rssi)
			}
			txPower, ok := device.TxPower()
			if (tt.txPower != nil) != ok || (ok && txPower != *tt.txPower) {
				t.Errorf("TxPower = %v, %v", txPower, ok)
			}
			if device.LastDiscoveredAt().IsZero() {
				t.Error("Discovery not registered")
			}
		})
	}

	if n := len(database.Devices()); n != 2 {
		t.Errorf("Recorded %d devices, want 2", n)
	}
}

func TestReceiver_KeepsKnownOperatingSystem(t *testing.T) {
	adapter, database, _, receiver := newTestReceiver(t)
	receiver.Start()
	receiver.IsScanning()

	database.DeviceFor("peer").SetOperatingSystem(BLEDeviceOperatingSystemAndroid)
	adapter.Scanner().Emit(scanResult("peer", -50, &kotlin.ScanRecord{ServiceUUIDs: []string{ServiceUUID}}))
	flush(receiver.queue)

	if os := database.DeviceFor("peer").OperatingSystem(); os != BLEDeviceOperatingSystemAndroid {
		t.Errorf("OS = %v, want android", os)
	}
}

func TestReceiver_EvictsIdleDevices(t *testing.T) {
	_, database, clock, receiver := newTestReceiver(t)
	expiry := receiver.cfg.DeviceExpiry

	idle := database.DeviceFor("idle")
	idle.SetRSSI(-70)
	connected := database.DeviceFor("connected")
	connected.SetState(BLEDeviceStateConnected)

	clock.Advance(expiry / 2)
	recent := database.DeviceFor("recent")
	recent.SetRSSI(-70)

	receiver.evict(clock.Now().Add(expiry/2 + time.Second))

	if _, ok := database.Device("idle"); ok {
		t.Error("Idle device should be evicted")
	}
	if _, ok := database.Device("connected"); !ok {
		t.Error("Connected device should never be evicted")
	}
	if _, ok := database.Device("recent"); !ok {
		t.Error("Recently updated device should be kept")
	}
}

func TestReceiver_ScannerUnsupported(t *testing.T) {
	adapter, _, _, receiver := newTestReceiver(t)
	adapter.SetScanningSupported(false)
	receiver.Start()
	if receiver.IsScanning() {
		t.Error("Should not be scanning without a scanner")
	}
}

func TestReceiver_PowerCycle(t *testing.T) {
	adapter, _, _, receiver := newTestReceiver(t)
	receiver.Start()
	if !receiver.IsScanning() {
		t.Fatal("Not scanning after Start")
	}

	adapter.SetState(kotlin.ADAPTER_STATE_OFF)
	if receiver.IsScanning() {
		t.Error("Should stop scanning when bluetooth turns off")
	}
	if adapter.Scanner().IsScanning() {
		t.Error("Platform scanner still registered after power off")
	}

	adapter.SetState(kotlin.ADAPTER_STATE_ON)
	if !receiver.IsScanning() || !adapter.Scanner().IsScanning() {
		t.Error("Should resume scanning when bluetooth turns on")
	}

	receiver.Stop()
	if receiver.IsScanning() || adapter.Scanner().IsScanning() {
		t.Error("Still scanning after Stop")
	}
}
