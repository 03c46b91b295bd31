package ble

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/user/herald-blue/datatype"
	"github.com/user/herald-blue/logger"
	"github.com/user/herald-blue/util"
)

// sharedPayloadNamespace scopes the deterministic identifiers given to
// devices known only through payload sharing
var sharedPayloadNamespace = uuid.MustParse("6f1c0a3e-3d55-4c59-9b6a-48e1d2c8b7a0")

// BLEDatabase is the registry of known peers. Lookups and get-or-create are
// safe from any goroutine; create, update and delete events are delivered
// to registered handlers on the database's own queue, in the order they
// happened.
type BLEDatabase struct {
	log   *logger.Logger
	now   func() time.Time
	queue *DispatchQueue

	devices sync.Map // datatype.TargetIdentifier -> *BLEDevice

	mu       sync.Mutex
	onCreate []func(*BLEDevice)
	onUpdate []func(*BLEDevice, BLEDeviceUpdate)
	onDelete []func(*BLEDevice)
}

func NewBLEDatabase(log *logger.Logger) *BLEDatabase {
	if log == nil {
		log = logger.Discard()
	}
	log = log.With("component", "database")
	return &BLEDatabase{
		log:   log,
		now:   time.Now,
		queue: NewDispatchQueue("database", log),
	}
}

// OnCreate registers a handler for newly created devices
func (db *BLEDatabase) OnCreate(handler func(device *BLEDevice)) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.onCreate = append(db.onCreate, handler)
}

// OnUpdate registers a handler for attribute updates
func (db *BLEDatabase) OnUpdate(handler func(device *BLEDevice, update BLEDeviceUpdate)) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.onUpdate = append(db.onUpdate, handler)
}

// OnDelete registers a handler for removed devices
func (db *BLEDatabase) OnDelete(handler func(device *BLEDevice)) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.onDelete = append(db.onDelete, handler)
}

// Device looks up a device without creating it
func (db *BLEDatabase) Device(identifier datatype.TargetIdentifier) (*BLEDevice, bool) {
	v, ok := db.devices.Load(identifier)
	if !ok {
		return nil, false
	}
	return v.(*BLEDevice), true
}

// DeviceFor returns the device for identifier, creating it on first use.
// Concurrent callers always receive the same instance and exactly one
// create event is published.
func (db *BLEDatabase) DeviceFor(identifier datatype.TargetIdentifier) *BLEDevice {
	if device, ok := db.Device(identifier); ok {
		return device
	}
	candidate := newBLEDevice(identifier, db.now, db.deviceUpdated)
	actual, loaded := db.devices.LoadOrStore(identifier, candidate)
	device := actual.(*BLEDevice)
	if !loaded {
		db.log.Debug("create (device=%s)", util.ShortID(string(identifier)))
		db.publishCreate(device)
	}
	return device
}

// DeviceForPayload finds the device that carries payload, or creates one
// with an identifier derived from the payload bytes
func (db *BLEDatabase) DeviceForPayload(payload datatype.PayloadData) *BLEDevice {
	var found *BLEDevice
	db.devices.Range(func(_, v interface{}) bool {
		device := v.(*BLEDevice)
		if p := device.Payload(); p != nil && p.Equal(payload) {
			found = device
			return false
		}
		return true
	})
	if found != nil {
		return found
	}

	identifier := datatype.TargetIdentifier(uuid.NewSHA1(sharedPayloadNamespace, payload).String())
	device := db.DeviceFor(identifier)
	if p := device.Payload(); p == nil || !p.Equal(payload) {
		device.SetPayload(payload)
	}
	return device
}

// Devices returns every known device ordered by identifier
func (db *BLEDatabase) Devices() []*BLEDevice {
	var devices []*BLEDevice
	db.devices.Range(func(_, v interface{}) bool {
		devices = append(devices, v.(*BLEDevice))
		return true
	})
	sort.Slice(devices, func(i, j int) bool {
		return devices[i].Identifier() < devices[j].Identifier()
	})
	return devices
}

// Delete removes a device and publishes a delete event. Unknown identifiers
// are ignored.
func (db *BLEDatabase) Delete(identifier datatype.TargetIdentifier) {
	v, loaded := db.devices.LoadAndDelete(identifier)
	if !loaded {
		return
	}
	device := v.(*BLEDevice)
	db.log.Debug("delete (device=%s)", util.ShortID(string(identifier)))

	db.mu.Lock()
	handlers := append(([]func(*BLEDevice))(nil), db.onDelete...)
	db.mu.Unlock()
	db.queue.Async(func() {
		for _, handler := range handlers {
			handler(device)
		}
	})
}

// PayloadSharingData lists payloads worth relaying to peer: payloads of
// other devices updated within the interval, excluding devices classified
// ignore or shared
func (db *BLEDatabase) PayloadSharingData(peer *BLEDevice, within time.Duration) []datatype.PayloadData {
	now := db.now()
	payloads := []datatype.PayloadData{}
	for _, device := range db.Devices() {
		if peer != nil && device.Identifier() == peer.Identifier() {
			continue
		}
		switch device.OperatingSystem() {
		case BLEDeviceOperatingSystemIgnore, BLEDeviceOperatingSystemShared:
			continue
		}
		payload := device.Payload()
		if payload == nil {
			continue
		}
		if now.Sub(device.LastPayloadUpdatedAt()) > within {
			continue
		}
		payloads = append(payloads, payload)
	}
	return payloads
}

// Snapshot renders the registry as a protobuf list for logging and export
func (db *BLEDatabase) Snapshot() (*structpb.ListValue, error) {
	var entries []interface{}
	for _, device := range db.Devices() {
		entry := map[string]interface{}{
			"identifier":      string(device.Identifier()),
			"state":           device.State().String(),
			"operatingSystem": device.OperatingSystem().String(),
			"receiveOnly":     device.ReceiveOnly(),
			"createdAt":       device.CreatedAt().Format(time.RFC3339Nano),
			"lastUpdatedAt":   device.LastUpdatedAt().Format(time.RFC3339Nano),
		}
		if payload := device.Payload(); payload != nil {
			entry["payload"] = payload.Hex()
		}
		if rssi, ok := device.RSSI(); ok {
			entry["rssi"] = int(rssi)
		}
		if txPower, ok := device.TxPower(); ok {
			entry["txPower"] = txPower
		}
		entries = append(entries, entry)
	}
	return structpb.NewList(entries)
}

// Close stops the event queue after delivering pending events
func (db *BLEDatabase) Close() {
	db.queue.Close()
}

func (db *BLEDatabase) publishCreate(device *BLEDevice) {
	db.mu.Lock()
	handlers := append(([]func(*BLEDevice))(nil), db.onCreate...)
	db.mu.Unlock()
	db.queue.Async(func() {
		for _, handler := range handlers {
			handler(device)
		}
	})
}

func (db *BLEDatabase) deviceUpdated(device *BLEDevice, update BLEDeviceUpdate) {
	// Updates after Delete are dropped
	if current, ok := db.Device(device.Identifier()); !ok || current != device {
		return
	}
	db.mu.Lock()
	handlers := append(([]func(*BLEDevice, BLEDeviceUpdate))(nil), db.onUpdate...)
	db.mu.Unlock()
	db.queue.Async(func() {
		for _, handler := range handlers {
			handler(device, update)
		}
	})
}
