package ble

import (
	"sync"
	"time"

	"github.com/user/herald-blue/config"
	"github.com/user/herald-blue/datatype"
	"github.com/user/herald-blue/kotlin"
	"github.com/user/herald-blue/logger"
)

// ConcreteBLETransmitter owns advertising and the GATT server. Every
// lifecycle change runs on its own queue, so Start and Stop return before
// the platform work is done.
type ConcreteBLETransmitter struct {
	log      *logger.Logger
	adapter  kotlin.Adapter
	database *BLEDatabase
	supplier datatype.PayloadDataSupplier
	cfg      config.SensorConfig
	queue    *DispatchQueue
	callback *gattServerCallback

	advertiseCallback *advertiseCallback

	// Queue-only state
	enabled              bool
	advertiser           kotlin.Advertiser
	server               kotlin.GattServer
	advertising          bool
	advertisingStartedAt time.Time

	mu        sync.Mutex
	onShare   []func([]datatype.PayloadData, datatype.TargetIdentifier)
	onReceive []func(datatype.Data, datatype.TargetIdentifier)
}

// NewConcreteBLETransmitter wires the transmitter to the adapter's power
// broadcasts and to timer ticks for periodic advert restarts
func NewConcreteBLETransmitter(adapter kotlin.Adapter, database *BLEDatabase, supplier datatype.PayloadDataSupplier, timer *BLETimer, cfg config.SensorConfig, log *logger.Logger) *ConcreteBLETransmitter {
	if log == nil {
		log = logger.Discard()
	}
	log = log.With("component", "transmitter")
	cfg = cfg.WithDefaults()
	queue := NewDispatchQueue("transmitter", log)
	t := &ConcreteBLETransmitter{
		log:      log,
		adapter:  adapter,
		database: database,
		supplier: supplier,
		cfg:      cfg,
		queue:    queue,
		callback: newGattServerCallback(queue, database, supplier, cfg, log),
	}
	t.advertiseCallback = &advertiseCallback{transmitter: t}
	t.callback.didShare = t.didShare
	t.callback.didReceive = t.didReceive

	adapter.RegisterStateListener(t.bluetoothStateChanged)
	if timer != nil {
		timer.Add(t.timerTick)
	}
	return t
}

// OnShare registers a handler for payloads relayed by a peer
func (t *ConcreteBLETransmitter) OnShare(handler func(payloads []datatype.PayloadData, from datatype.TargetIdentifier)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onShare = append(t.onShare, handler)
}

// OnReceive registers a handler for immediate-send data
func (t *ConcreteBLETransmitter) OnReceive(handler func(data datatype.Data, from datatype.TargetIdentifier)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onReceive = append(t.onReceive, handler)
}

func (t *ConcreteBLETransmitter) didShare(payloads []datatype.PayloadData, from datatype.TargetIdentifier) {
	t.mu.Lock()
	handlers := append(([]func([]datatype.PayloadData, datatype.TargetIdentifier))(nil), t.onShare...)
	t.mu.Unlock()
	for _, handler := range handlers {
		handler(payloads, from)
	}
}

func (t *ConcreteBLETransmitter) didReceive(data datatype.Data, from datatype.TargetIdentifier) {
	t.mu.Lock()
	handlers := append(([]func(datatype.Data, datatype.TargetIdentifier))(nil), t.onReceive...)
	t.mu.Unlock()
	for _, handler := range handlers {
		handler(data, from)
	}
}

// Start begins advertising with a fresh GATT server. Calling Start while
// running restarts both, leaving exactly one of each.
func (t *ConcreteBLETransmitter) Start() {
	t.queue.Async(func() {
		t.enabled = true
		t.restart()
	})
}

// Stop stops advertising and closes the GATT server
func (t *ConcreteBLETransmitter) Stop() {
	t.queue.Async(func() {
		t.enabled = false
		t.teardown()
		t.log.Debug("stopped")
	})
}

// Close stops the transmitter and its queue
func (t *ConcreteBLETransmitter) Close() {
	t.Stop()
	t.queue.Close()
}

// IsAdvertising reports whether an advertisement is believed active. It
// waits for queued lifecycle work and must not be called from a delegate.
func (t *ConcreteBLETransmitter) IsAdvertising() bool {
	var advertising bool
	t.queue.Sync(func() {
		advertising = t.advertising
	})
	return advertising
}

func (t *ConcreteBLETransmitter) restart() {
	if state := t.adapter.GetState(); state != kotlin.ADAPTER_STATE_ON {
		t.log.Debug("start deferred until bluetooth is on (state=%d)", state)
		return
	}
	advertiser := t.adapter.GetBluetoothLeAdvertiser()
	if advertiser == nil {
		t.log.Warn("start failed: %v", kotlin.ErrAdvertisingUnsupported)
		return
	}

	t.teardown()

	server, err := t.adapter.OpenGattServer(t.callback)
	if err != nil {
		t.log.Warn("start failed, unable to open gatt server: %v", err)
		return
	}
	if !server.AddService(t.service()) {
		t.log.Warn("start failed, unable to add service %s", ServiceUUID)
		server.Close()
		return
	}
	t.server = server
	t.callback.server = server

	settings := &kotlin.AdvertiseSettings{
		AdvertiseMode: kotlin.ADVERTISE_MODE_LOW_LATENCY,
		Connectable:   true,
		Timeout:       0,
		TxPowerLevel:  kotlin.ADVERTISE_TX_POWER_HIGH,
	}
	data := &kotlin.AdvertiseData{
		ServiceUUIDs:        []string{ServiceUUID},
		IncludeTxPowerLevel: false,
		IncludeDeviceName:   false,
	}
	t.advertiser = advertiser
	t.advertising = true
	t.advertisingStartedAt = time.Now()
	advertiser.StartAdvertising(settings, data, nil, t.advertiseCallback)
	t.log.Debug("📡 advertising requested (service=%s)", ServiceUUID)
}

// teardown stops advertising and closes the GATT server, dropping all
// per-peer state that belonged to it
func (t *ConcreteBLETransmitter) teardown() {
	if t.advertiser != nil && t.advertising {
		t.advertiser.StopAdvertising(t.advertiseCallback)
	}
	t.advertising = false
	t.advertisingStartedAt = time.Time{}
	if t.server != nil {
		t.server.ClearServices()
		t.server.Close()
		t.server = nil
	}
	t.callback.server = nil
	t.callback.reset()
}

// service builds the GATT service. The payload characteristic carries the
// current payload as its static value for backends that serve reads
// without a callback.
func (t *ConcreteBLETransmitter) service() *kotlin.BluetoothGattService {
	service := kotlin.NewBluetoothGattService(ServiceUUID, kotlin.SERVICE_TYPE_PRIMARY)

	android := kotlin.NewBluetoothGattCharacteristic(AndroidSignalCharacteristicUUID,
		kotlin.PROPERTY_WRITE, kotlin.PERMISSION_WRITE)
	ios := kotlin.NewBluetoothGattCharacteristic(IOSSignalCharacteristicUUID,
		kotlin.PROPERTY_WRITE|kotlin.PROPERTY_NOTIFY, kotlin.PERMISSION_WRITE)
	ios.AddDescriptor(&kotlin.BluetoothGattDescriptor{
		UUID:        kotlin.CCCD_UUID,
		Permissions: kotlin.PERMISSION_READ | kotlin.PERMISSION_WRITE,
		Value:       []byte{0x00, 0x00},
	})
	payload := kotlin.NewBluetoothGattCharacteristic(PayloadCharacteristicUUID,
		kotlin.PROPERTY_READ, kotlin.PERMISSION_READ)
	payload.Value = t.supplier.Payload(time.Now(), "").Data()
	sharing := kotlin.NewBluetoothGattCharacteristic(PayloadSharingCharacteristicUUID,
		kotlin.PROPERTY_READ, kotlin.PERMISSION_READ)

	service.AddCharacteristic(android)
	service.AddCharacteristic(ios)
	service.AddCharacteristic(payload)
	service.AddCharacteristic(sharing)
	return service
}

func (t *ConcreteBLETransmitter) bluetoothStateChanged(state int) {
	t.queue.Async(func() {
		switch state {
		case kotlin.ADAPTER_STATE_ON:
			if t.enabled {
				t.log.Debug("bluetooth on, restarting")
				t.restart()
			}
		case kotlin.ADAPTER_STATE_OFF, kotlin.ADAPTER_STATE_UNSUPPORTED:
			// The platform has already torn everything down
			t.log.Debug("bluetooth off (state=%d)", state)
			t.advertising = false
			t.advertisingStartedAt = time.Time{}
			t.advertiser = nil
			t.server = nil
			t.callback.server = nil
			t.callback.reset()
		}
	})
}

func (t *ConcreteBLETransmitter) timerTick(now time.Time) {
	t.queue.Async(func() {
		if !t.enabled || !t.advertising {
			return
		}
		if now.Sub(t.advertisingStartedAt) < t.cfg.AdvertRestartInterval {
			return
		}
		t.log.Debug("advertising for %v, restarting", now.Sub(t.advertisingStartedAt).Round(time.Second))
		t.restart()
	})
}

// advertiseCallback reports the outcome of StartAdvertising back onto the
// transmitter queue
type advertiseCallback struct {
	transmitter *ConcreteBLETransmitter
}

func (cb *advertiseCallback) OnStartSuccess(settingsInEffect *kotlin.AdvertiseSettings) {
	cb.transmitter.log.Debug("📡 advertising started")
}

func (cb *advertiseCallback) OnStartFailure(errorCode int) {
	t := cb.transmitter
	t.log.Error("❌ advertising failed: %s", kotlin.AdvertiseErrorName(errorCode))
	t.queue.Async(func() {
		t.advertising = false
		t.advertisingStartedAt = time.Time{}
	})
}
