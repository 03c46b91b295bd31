package ble

import (
	"sync"
	"testing"
	"time"

	"github.com/user/herald-blue/config"
	"github.com/user/herald-blue/datatype"
	"github.com/user/herald-blue/kotlin"
)

const testTimeout = 2 * time.Second

// fakeClock is a settable time source for devices and the database
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// flush waits until everything already queued on q has run
func flush(q *DispatchQueue) {
	q.Sync(func() {})
}

func testSensorConfig() config.SensorConfig {
	cfg := config.DefaultSensorConfig()
	cfg.TimerInterval = 10 * time.Millisecond
	return cfg
}

// transmitterFixture is a transmitter running on a simulated adapter
type transmitterFixture struct {
	adapter     *kotlin.SimulatedAdapter
	database    *BLEDatabase
	transmitter *ConcreteBLETransmitter
}

func newTransmitterFixture(t *testing.T, supplier datatype.PayloadDataSupplier) *transmitterFixture {
	t.Helper()
	if supplier == nil {
		supplier = datatype.FixedPayloadDataSupplier(datatype.PayloadData("local-payload"))
	}
	adapter := kotlin.NewSimulatedAdapter(nil)
	database := NewBLEDatabase(nil)
	transmitter := NewConcreteBLETransmitter(adapter, database, supplier, nil, testSensorConfig(), nil)
	t.Cleanup(func() {
		transmitter.Close()
		database.Close()
	})
	return &transmitterFixture{adapter: adapter, database: database, transmitter: transmitter}
}

// start starts the transmitter and returns the GATT server it opened
func (f *transmitterFixture) start(t *testing.T) *kotlin.SimulatedGattServer {
	t.Helper()
	f.transmitter.Start()
	if !f.transmitter.IsAdvertising() {
		t.Fatal("Transmitter is not advertising after Start")
	}
	server := f.adapter.GattServer()
	if server == nil || server.IsClosed() {
		t.Fatal("Expected an open GATT server after Start")
	}
	return server
}

// connect attaches a central and waits for the transmitter to record it
func (f *transmitterFixture) connect(t *testing.T, server *kotlin.SimulatedGattServer, address string) *kotlin.SimulatedCentral {
	t.Helper()
	central, err := server.Connect(address)
	if err != nil {
		t.Fatalf("Connect(%s) failed: %v", address, err)
	}
	flush(f.transmitter.queue)
	return central
}

func (f *transmitterFixture) device(t *testing.T, address string) *BLEDevice {
	t.Helper()
	device, ok := f.database.Device(datatype.TargetIdentifier(address))
	if !ok {
		t.Fatalf("No device for %s", address)
	}
	return device
}

// recordingDelegate implements every sensor capability and forwards each
// event to a buffered channel
type recordingDelegate struct {
	detected    chan datatype.TargetIdentifier
	read        chan readEvent
	shared      chan shareEvent
	measured    chan measureEvent
	withPayload chan measureEvent
	states      chan datatype.SensorState
	received    chan receiveEvent
}

type readEvent struct {
	payload datatype.PayloadData
	from    datatype.TargetIdentifier
}

type shareEvent struct {
	payloads []datatype.PayloadData
	from     datatype.TargetIdentifier
}

type measureEvent struct {
	proximity datatype.Proximity
	from      datatype.TargetIdentifier
	payload   datatype.PayloadData
}

type receiveEvent struct {
	data datatype.Data
	from datatype.TargetIdentifier
}

func newRecordingDelegate() *recordingDelegate {
	return &recordingDelegate{
		detected:    make(chan datatype.TargetIdentifier, 64),
		read:        make(chan readEvent, 64),
		shared:      make(chan shareEvent, 64),
		measured:    make(chan measureEvent, 64),
		withPayload: make(chan measureEvent, 64),
		states:      make(chan datatype.SensorState, 64),
		received:    make(chan receiveEvent, 64),
	}
}

func (d *recordingDelegate) SensorDidDetect(sensor datatype.SensorType, didDetect datatype.TargetIdentifier) {
	d.detected <- didDetect
}

func (d *recordingDelegate) SensorDidRead(sensor datatype.SensorType, didRead datatype.PayloadData, fromTarget datatype.TargetIdentifier) {
	d.read <- readEvent{didRead, fromTarget}
}

func (d *recordingDelegate) SensorDidShare(sensor datatype.SensorType, didShare []datatype.PayloadData, fromTarget datatype.TargetIdentifier) {
	d.shared <- shareEvent{didShare, fromTarget}
}

func (d *recordingDelegate) SensorDidMeasure(sensor datatype.SensorType, didMeasure datatype.Proximity, fromTarget datatype.TargetIdentifier) {
	d.measured <- measureEvent{proximity: didMeasure, from: fromTarget}
}

func (d *recordingDelegate) SensorDidMeasureWithPayload(sensor datatype.SensorType, didMeasure datatype.Proximity, fromTarget datatype.TargetIdentifier, withPayload datatype.PayloadData) {
	d.withPayload <- measureEvent{didMeasure, fromTarget, withPayload}
}

func (d *recordingDelegate) SensorDidUpdateState(sensor datatype.SensorType, didUpdateState datatype.SensorState) {
	d.states <- didUpdateState
}

func (d *recordingDelegate) SensorDidReceive(sensor datatype.SensorType, didReceive datatype.Data, fromTarget datatype.TargetIdentifier) {
	d.received <- receiveEvent{didReceive, fromTarget}
}
