package ble

import (
	"time"

	"github.com/user/herald-blue/config"
	"github.com/user/herald-blue/datatype"
	"github.com/user/herald-blue/kotlin"
	"github.com/user/herald-blue/logger"
	"github.com/user/herald-blue/util"
)

// ConcreteBLEReceiver scans for peers and records what adverts reveal
// about them. Connection scheduling is left to the peers, which connect to
// our GATT server; this side only ingests scan results and expires stale
// devices.
type ConcreteBLEReceiver struct {
	log      *logger.Logger
	adapter  kotlin.Adapter
	database *BLEDatabase
	cfg      config.SensorConfig
	queue    *DispatchQueue

	scanCallback *scanCallback

	// Queue-only state
	enabled  bool
	scanner  kotlin.Scanner
	scanning bool
}

func NewConcreteBLEReceiver(adapter kotlin.Adapter, database *BLEDatabase, timer *BLETimer, cfg config.SensorConfig, log *logger.Logger) *ConcreteBLEReceiver {
	if log == nil {
		log = logger.Discard()
	}
	log = log.With("component", "receiver")
	cfg = cfg.WithDefaults()
	r := &ConcreteBLEReceiver{
		log:      log,
		adapter:  adapter,
		database: database,
		cfg:      cfg,
		queue:    NewDispatchQueue("receiver", log),
	}
	r.scanCallback = &scanCallback{receiver: r}
	adapter.RegisterStateListener(r.bluetoothStateChanged)
	if timer != nil {
		timer.Add(r.timerTick)
	}
	return r
}

// Start begins scanning for the service and for Apple background adverts
func (r *ConcreteBLEReceiver) Start() {
	r.queue.Async(func() {
		r.enabled = true
		r.startScan()
	})
}

func (r *ConcreteBLEReceiver) Stop() {
	r.queue.Async(func() {
		r.enabled = false
		r.stopScan()
		r.log.Debug("stopped")
	})
}

// Close stops scanning and the receiver queue
func (r *ConcreteBLEReceiver) Close() {
	r.Stop()
	r.queue.Close()
}

// IsScanning waits for queued lifecycle work and reports whether a scan is
// believed active
func (r *ConcreteBLEReceiver) IsScanning() bool {
	var scanning bool
	r.queue.Sync(func() {
		scanning = r.scanning
	})
	return scanning
}

func (r *ConcreteBLEReceiver) startScan() {
	if state := r.adapter.GetState(); state != kotlin.ADAPTER_STATE_ON {
		r.log.Debug("scan deferred until bluetooth is on (state=%d)", state)
		return
	}
	scanner := r.adapter.GetBluetoothLeScanner()
	if scanner == nil {
		r.log.Warn("scan failed: %v", kotlin.ErrScanUnsupported)
		return
	}
	r.stopScan()
	r.scanner = scanner
	r.scanning = true
	// No platform filter: iOS background adverts carry the service only in
	// Apple's manufacturer data
	scanner.StartScan(nil, r.scanCallback)
	r.log.Debug("🔍 scan started")
}

func (r *ConcreteBLEReceiver) stopScan() {
	if r.scanner != nil && r.scanning {
		r.scanner.StopScan(r.scanCallback)
	}
	r.scanning = false
}

func (r *ConcreteBLEReceiver) bluetoothStateChanged(state int) {
	r.queue.Async(func() {
		switch state {
		case kotlin.ADAPTER_STATE_ON:
			if r.enabled {
				r.startScan()
			}
		case kotlin.ADAPTER_STATE_OFF, kotlin.ADAPTER_STATE_UNSUPPORTED:
			r.scanner = nil
			r.scanning = false
		}
	})
}

// didDiscover records one scan result. Adverts that are neither ours nor
// Apple's are ignored.
func (r *ConcreteBLEReceiver) didDiscover(result *kotlin.ScanResult) {
	if result == nil || result.Device == nil {
		return
	}
	record := result.ScanRecord
	hasService := record.HasServiceUUID(ServiceUUID)
	isApple := record.HasManufacturer(ManufacturerIDForApple)
	if !hasService && !isApple {
		return
	}

	device := r.database.DeviceFor(datatype.TargetIdentifier(result.Device.Address))
	device.RegisterDiscovery()
	device.SetRSSI(datatype.RSSI(result.Rssi))
	if record != nil && record.TxPowerLevel != nil {
		device.SetTxPower(*record.TxPowerLevel)
	}
	if device.OperatingSystem() == BLEDeviceOperatingSystemUnknown {
		if isApple {
			device.SetOperatingSystem(BLEDeviceOperatingSystemIOSTBC)
		} else {
			device.SetOperatingSystem(BLEDeviceOperatingSystemAndroidTBC)
		}
	}
	r.log.Trace("didDiscover %s", device)
}

func (r *ConcreteBLEReceiver) timerTick(now time.Time) {
	r.queue.Async(func() {
		r.evict(now)
	})
}

// evict removes devices that have not been updated within the expiry and
// are not connected
func (r *ConcreteBLEReceiver) evict(now time.Time) {
	for _, device := range r.database.Devices() {
		if device.State() == BLEDeviceStateConnected {
			continue
		}
		if now.Sub(device.LastUpdatedAt()) <= r.cfg.DeviceExpiry {
			continue
		}
		r.log.Debug("evicting %s (idle %v)", util.ShortID(string(device.Identifier())), now.Sub(device.LastUpdatedAt()).Round(time.Second))
		r.database.Delete(device.Identifier())
	}
}

// scanCallback moves platform scan results onto the receiver queue
type scanCallback struct {
	receiver *ConcreteBLEReceiver
}

func (cb *scanCallback) OnScanResult(callbackType int, result *kotlin.ScanResult) {
	cb.receiver.queue.Async(func() {
		cb.receiver.didDiscover(result)
	})
}

func (cb *scanCallback) OnScanFailed(errorCode int) {
	r := cb.receiver
	r.log.Error("❌ scan failed (error=%d)", errorCode)
	r.queue.Async(func() {
		r.scanning = false
	})
}
