package ble

import (
	"testing"
	"time"

	"github.com/user/herald-blue/config"
	"github.com/user/herald-blue/datatype"
	"github.com/user/herald-blue/kotlin"
)

func TestTransmitter_AdvertisesServiceOnly(t *testing.T) {
	f := newTransmitterFixture(t, nil)
	server := f.start(t)

	sim := f.adapter.Advertiser()
	settings := sim.Settings()
	if settings.AdvertiseMode != kotlin.ADVERTISE_MODE_LOW_LATENCY || !settings.Connectable || settings.Timeout != 0 || settings.TxPowerLevel != kotlin.ADVERTISE_TX_POWER_HIGH {
		t.Errorf("Unexpected advertise settings: %+v", settings)
	}
	data := sim.AdvertiseData()
	if len(data.ServiceUUIDs) != 1 || data.ServiceUUIDs[0] != ServiceUUID {
		t.Errorf("Advertised services = %v", data.ServiceUUIDs)
	}
	if data.IncludeDeviceName || data.IncludeTxPowerLevel {
		t.Error("Advert must not carry the device name or tx power")
	}

	services := server.Services()
	if len(services) != 1 || services[0].UUID != ServiceUUID {
		t.Fatalf("GATT services = %v", services)
	}
	tests := []struct {
		uuid       string
		properties int
	}{
		{AndroidSignalCharacteristicUUID, kotlin.PROPERTY_WRITE},
		{IOSSignalCharacteristicUUID, kotlin.PROPERTY_WRITE | kotlin.PROPERTY_NOTIFY},
		{PayloadCharacteristicUUID, kotlin.PROPERTY_READ},
		{PayloadSharingCharacteristicUUID, kotlin.PROPERTY_READ},
	}
	for _, tt := range tests {
		c := server.GetCharacteristic(ServiceUUID, tt.uuid)
		if c == nil {
			t.Errorf("Missing characteristic %s", tt.uuid)
			continue
		}
		if c.Properties != tt.properties {
			t.Errorf("%s properties = %#x, want %#x", tt.uuid, c.Properties, tt.properties)
		}
	}
	if v := server.GetCharacteristic(ServiceUUID, PayloadCharacteristicUUID).Value; string(v) != "local-payload" {
		t.Errorf("Payload characteristic static value = %q", v)
	}
}

func TestTransmitter_RestartIsIdempotent(t *testing.T) {
	f := newTransmitterFixture(t, nil)

	var servers []*kotlin.SimulatedGattServer
	for i := 0; i < 3; i++ {
		servers = append(servers, f.start(t))
	}

	if n := f.adapter.OpenGattServerCount(); n != 1 {
		t.Errorf("OpenGattServerCount = %d, want 1", n)
	}
	for i, s := range servers[:2] {
		if !s.IsClosed() {
			t.Errorf("Server %d still open after restart", i)
		}
	}
	if servers[2].IsClosed() {
		t.Error("Latest server should be open")
	}

	sim := f.adapter.Advertiser()
	if !sim.IsAdvertising() || sim.StartCount() != 3 || sim.StopCount() != 2 {
		t.Errorf("advertising=%v starts=%d stops=%d", sim.IsAdvertising(), sim.StartCount(), sim.StopCount())
	}
}

func TestTransmitter_Stop(t *testing.T) {
	f := newTransmitterFixture(t, nil)
	server := f.start(t)

	f.transmitter.Stop()
	if f.transmitter.IsAdvertising() {
		t.Error("Still advertising after Stop")
	}
	if !server.IsClosed() {
		t.Error("GATT server should be closed after Stop")
	}
	if f.adapter.Advertiser().IsAdvertising() {
		t.Error("Platform advertiser still running after Stop")
	}
}

func TestTransmitter_TeardownDisconnectsCentrals(t *testing.T) {
	f := newTransmitterFixture(t, nil)
	server := f.start(t)
	f.connect(t, server, "AA:BB:CC:DD:EE:01")
	if state := f.device(t, "AA:BB:CC:DD:EE:01").State(); state != BLEDeviceStateConnected {
		t.Fatalf("state = %v, want connected", state)
	}

	// Restarting replaces the server; its centrals do not carry over
	server = f.start(t)
	if state := f.device(t, "AA:BB:CC:DD:EE:01").State(); state != BLEDeviceStateDisconnected {
		t.Errorf("state after restart = %v, want disconnected", state)
	}

	f.connect(t, server, "AA:BB:CC:DD:EE:02")
	f.transmitter.Stop()
	flush(f.transmitter.queue)
	device := f.device(t, "AA:BB:CC:DD:EE:02")
	if state := device.State(); state != BLEDeviceStateDisconnected {
		t.Errorf("state after Stop = %v, want disconnected", state)
	}
	if device.SignalCharacteristic() != nil {
		t.Error("Cached signal handle should be cleared on disconnect")
	}

	receiver := NewConcreteBLEReceiver(f.adapter, f.database, nil, testSensorConfig(), nil)
	defer receiver.Close()
	receiver.evict(time.Now().Add(24 * time.Hour))
	for _, address := range []string{"AA:BB:CC:DD:EE:01", "AA:BB:CC:DD:EE:02"} {
		if _, ok := f.database.Device(datatype.TargetIdentifier(address)); ok {
			t.Errorf("%s should be evicted once its server is gone", address)
		}
	}
}

func TestTransmitter_PlatformUnavailable(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*kotlin.SimulatedAdapter)
	}{
		{"advertising unsupported", func(a *kotlin.SimulatedAdapter) { a.SetAdvertisingSupported(false) }},
		{"gatt server unavailable", func(a *kotlin.SimulatedAdapter) { a.SetGattServerAvailable(false) }},
		{"bluetooth off", func(a *kotlin.SimulatedAdapter) { a.SetState(kotlin.ADAPTER_STATE_OFF) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newTransmitterFixture(t, nil)
			tt.setup(f.adapter)
			f.transmitter.Start()
			if f.transmitter.IsAdvertising() {
				t.Error("Should not be advertising")
			}
			if f.adapter.Advertiser().IsAdvertising() {
				t.Error("Platform advertiser should not be running")
			}
		})
	}
}

func TestTransmitter_PowerCycle(t *testing.T) {
	f := newTransmitterFixture(t, nil)
	first := f.start(t)

	f.adapter.SetState(kotlin.ADAPTER_STATE_OFF)
	if f.transmitter.IsAdvertising() {
		t.Error("Should stop advertising when bluetooth turns off")
	}
	if !first.IsClosed() {
		t.Error("Power off should close the GATT server")
	}

	f.adapter.SetState(kotlin.ADAPTER_STATE_ON)
	if !f.transmitter.IsAdvertising() {
		t.Error("Should resume advertising when bluetooth turns on")
	}
	if n := f.adapter.OpenGattServerCount(); n != 1 {
		t.Errorf("OpenGattServerCount = %d, want 1", n)
	}
	if second := f.adapter.GattServer(); second == nil || second == first {
		t.Error("Expected a fresh GATT server after power on")
	}

	// A stopped transmitter stays stopped across a power cycle
	f.transmitter.Stop()
	f.adapter.SetState(kotlin.ADAPTER_STATE_OFF)
	f.adapter.SetState(kotlin.ADAPTER_STATE_ON)
	if f.transmitter.IsAdvertising() {
		t.Error("Stopped transmitter restarted on power on")
	}
}

func TestTransmitter_AdvertiseFailure(t *testing.T) {
	f := newTransmitterFixture(t, nil)
	f.adapter.Advertiser().FailNextStart(kotlin.ADVERTISE_FAILED_TOO_MANY_ADVERTISERS)
	f.transmitter.Start()

	deadline := time.Now().Add(testTimeout)
	for f.transmitter.IsAdvertising() {
		if time.Now().After(deadline) {
			t.Fatal("Transmitter did not register the advertise failure")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTransmitter_TimerRestart(t *testing.T) {
	f := newTransmitterFixture(t, nil)
	first := f.start(t)

	// Not yet due
	f.transmitter.timerTick(time.Now())
	f.transmitter.IsAdvertising()
	if f.adapter.GattServer() != first {
		t.Fatal("Restarted before the interval elapsed")
	}

	f.transmitter.timerTick(time.Now().Add(f.transmitter.cfg.AdvertRestartInterval + time.Second))
	if !f.transmitter.IsAdvertising() {
		t.Error("Not advertising after timer restart")
	}
	if !first.IsClosed() || f.adapter.GattServer() == first {
		t.Error("Timer restart should replace the GATT server")
	}
	if n := f.adapter.OpenGattServerCount(); n != 1 {
		t.Errorf("OpenGattServerCount = %d, want 1", n)
	}
}

func TestTransmitter_TimerDrivesRestart(t *testing.T) {
	adapter := kotlin.NewSimulatedAdapter(nil)
	database := NewBLEDatabase(nil)
	defer database.Close()
	cfg := testSensorConfig()
	cfg.AdvertRestartInterval = 20 * time.Millisecond
	timer := NewBLETimer(cfg.TimerInterval, nil)
	transmitter := NewConcreteBLETransmitter(adapter, database, datatype.FixedPayloadDataSupplier(nil), timer, cfg, nil)
	defer transmitter.Close()
	defer timer.Stop()

	transmitter.Start()
	if !transmitter.IsAdvertising() {
		t.Fatal("Not advertising after Start")
	}
	first := adapter.GattServer()
	timer.Start()

	deadline := time.Now().Add(testTimeout)
	for !first.IsClosed() {
		if time.Now().After(deadline) {
			t.Fatal("Timer never restarted advertising")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSensor_ZeroConfigUsesDefaults(t *testing.T) {
	adapter := kotlin.NewSimulatedAdapter(nil)
	sensor := NewConcreteBLESensor(adapter, datatype.FixedPayloadDataSupplier(nil), config.SensorConfig{}, nil)
	defer sensor.Close()

	want := config.DefaultSensorConfig()
	if got := sensor.Transmitter().cfg; got != want {
		t.Errorf("transmitter config = %+v, want %+v", got, want)
	}
	if got := sensor.Receiver().cfg; got != want {
		t.Errorf("receiver config = %+v, want %+v", got, want)
	}

	sensor.Start()
	if !sensor.Transmitter().IsAdvertising() {
		t.Fatal("Not advertising after Start")
	}
	first := adapter.GattServer()
	sensor.Transmitter().timerTick(time.Now())
	sensor.Transmitter().IsAdvertising()
	if adapter.GattServer() != first {
		t.Error("A zero restart interval should not restart on every tick")
	}

	device := sensor.Database().DeviceFor("peerA")
	device.SetRSSI(-70)
	sensor.Receiver().evict(time.Now().Add(time.Second))
	if _, ok := sensor.Database().Device("peerA"); !ok {
		t.Error("A zero expiry should not evict a device updated a second ago")
	}
}
