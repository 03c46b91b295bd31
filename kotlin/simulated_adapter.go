package kotlin

import (
	"sync"
	"time"

	"github.com/user/herald-blue/logger"
)

// SimulatedAdapter is an in-process Adapter. Tests and cmd/herald-sim
// drive it directly: toggling power, emitting scan results and connecting
// simulated centrals to the GATT server the code under test opens.
type SimulatedAdapter struct {
	mu                   sync.Mutex
	state                int
	advertisingSupported bool
	scanningSupported    bool
	gattServerAvailable  bool
	mtu                  int
	advertiser           *SimulatedAdvertiser
	scanner              *SimulatedScanner
	servers              []*SimulatedGattServer
	listeners            []func(state int)
	log                  *logger.Logger
}

// NewSimulatedAdapter creates a powered-on adapter that supports
// advertising, scanning and a GATT server
func NewSimulatedAdapter(log *logger.Logger) *SimulatedAdapter {
	if log == nil {
		log = logger.Discard()
	}
	a := &SimulatedAdapter{
		state:                ADAPTER_STATE_ON,
		advertisingSupported: true,
		scanningSupported:    true,
		gattServerAvailable:  true,
		mtu:                  DefaultMTU,
		log:                  log.With("component", "sim-adapter"),
	}
	a.advertiser = &SimulatedAdvertiser{adapter: a}
	a.scanner = &SimulatedScanner{adapter: a}
	return a
}

func (a *SimulatedAdapter) GetState() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// SetState changes the power state and broadcasts it to every listener.
// Powering off stops advertising and scanning and tears down open GATT
// servers, disconnecting their centrals.
func (a *SimulatedAdapter) SetState(state int) {
	a.mu.Lock()
	if a.state == state {
		a.mu.Unlock()
		return
	}
	a.state = state
	listeners := make([]func(int), len(a.listeners))
	copy(listeners, a.listeners)
	var servers []*SimulatedGattServer
	if state != ADAPTER_STATE_ON {
		servers = a.servers
		a.servers = nil
	}
	a.mu.Unlock()

	a.log.Info("📶 Adapter state -> %d", state)

	if state != ADAPTER_STATE_ON {
		a.advertiser.reset()
		a.scanner.reset()
		for _, s := range servers {
			s.powerOff()
		}
	}

	for _, listener := range listeners {
		listener(state)
	}
}

// SetAdvertisingSupported toggles whether GetBluetoothLeAdvertiser returns nil
func (a *SimulatedAdapter) SetAdvertisingSupported(supported bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.advertisingSupported = supported
}

// SetScanningSupported toggles whether GetBluetoothLeScanner returns nil
func (a *SimulatedAdapter) SetScanningSupported(supported bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.scanningSupported = supported
}

// SetGattServerAvailable makes OpenGattServer fail when false
func (a *SimulatedAdapter) SetGattServerAvailable(available bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.gattServerAvailable = available
}

// SetMTU sets the MTU new centrals negotiate
func (a *SimulatedAdapter) SetMTU(mtu int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mtu = mtu
}

func (a *SimulatedAdapter) GetBluetoothLeAdvertiser() Advertiser {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.advertisingSupported {
		return nil
	}
	return a.advertiser
}

func (a *SimulatedAdapter) GetBluetoothLeScanner() Scanner {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.scanningSupported {
		return nil
	}
	return a.scanner
}

func (a *SimulatedAdapter) OpenGattServer(callback BluetoothGattServerCallback) (GattServer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != ADAPTER_STATE_ON {
		return nil, ErrBluetoothOff
	}
	if !a.gattServerAvailable {
		return nil, ErrGattServerUnavailable
	}
	s := newSimulatedGattServer(a, callback, a.log)
	a.servers = append(a.servers, s)
	return s, nil
}

func (a *SimulatedAdapter) RegisterStateListener(listener func(state int)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listeners = append(a.listeners, listener)
}

// Advertiser returns the simulated advertiser for inspection
func (a *SimulatedAdapter) Advertiser() *SimulatedAdvertiser {
	return a.advertiser
}

// Scanner returns the simulated scanner for injecting scan results
func (a *SimulatedAdapter) Scanner() *SimulatedScanner {
	return a.scanner
}

// GattServer returns the most recently opened server that is still open
func (a *SimulatedAdapter) GattServer() *SimulatedGattServer {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := len(a.servers) - 1; i >= 0; i-- {
		if !a.servers[i].IsClosed() {
			return a.servers[i]
		}
	}
	return nil
}

// OpenGattServerCount returns how many servers are open
func (a *SimulatedAdapter) OpenGattServerCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, s := range a.servers {
		if !s.IsClosed() {
			n++
		}
	}
	return n
}

func (a *SimulatedAdapter) currentMTU() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mtu
}

// SimulatedAdvertiser records what the code under test advertises
type SimulatedAdvertiser struct {
	adapter *SimulatedAdapter

	mu          sync.Mutex
	advertising bool
	settings    *AdvertiseSettings
	data        *AdvertiseData
	startCount  int
	stopCount   int
	failNext    int
	timer       *time.Timer
}

// StartAdvertising matches bluetoothLeAdvertiser.startAdvertising. The
// outcome is reported asynchronously, as on Android.
func (s *SimulatedAdvertiser) StartAdvertising(settings *AdvertiseSettings, advertiseData *AdvertiseData, scanResponse *AdvertiseData, callback AdvertiseCallback) {
	if settings == nil {
		settings = &AdvertiseSettings{
			AdvertiseMode: ADVERTISE_MODE_LOW_POWER,
			Connectable:   true,
			TxPowerLevel:  ADVERTISE_TX_POWER_MEDIUM,
		}
	}

	failure := 0
	s.mu.Lock()
	switch {
	case s.adapter.GetState() != ADAPTER_STATE_ON:
		failure = ADVERTISE_FAILED_INTERNAL_ERROR
	case s.failNext != 0:
		failure = s.failNext
		s.failNext = 0
	case s.advertising:
		failure = ADVERTISE_FAILED_ALREADY_STARTED
	default:
		s.advertising = true
		s.settings = settings
		s.data = mergeAdvertiseData(advertiseData, scanResponse)
		s.startCount++
		if settings.Timeout > 0 {
			s.timer = time.AfterFunc(time.Duration(settings.Timeout)*time.Millisecond, s.reset)
		}
	}
	s.mu.Unlock()

	if callback == nil {
		return
	}
	if failure != 0 {
		go callback.OnStartFailure(failure)
		return
	}
	go callback.OnStartSuccess(settings)
}

// StopAdvertising matches bluetoothLeAdvertiser.stopAdvertising
func (s *SimulatedAdvertiser) StopAdvertising(callback AdvertiseCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.advertising {
		s.advertising = false
		s.stopCount++
	}
}

func (s *SimulatedAdvertiser) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.advertising = false
}

// FailNextStart makes the next StartAdvertising fail with errorCode
func (s *SimulatedAdvertiser) FailNextStart(errorCode int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = errorCode
}

func (s *SimulatedAdvertiser) IsAdvertising() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.advertising
}

// StartCount is the number of successful starts
func (s *SimulatedAdvertiser) StartCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startCount
}

// StopCount is the number of stops that ended an active advert
func (s *SimulatedAdvertiser) StopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopCount
}

// AdvertiseData is the merged advert and scan response of the last start
func (s *SimulatedAdvertiser) AdvertiseData() *AdvertiseData {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data
}

// Settings are the settings of the last start
func (s *SimulatedAdvertiser) Settings() *AdvertiseSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

func mergeAdvertiseData(advertiseData, scanResponse *AdvertiseData) *AdvertiseData {
	merged := &AdvertiseData{ManufacturerData: make(map[int][]byte)}
	for _, d := range []*AdvertiseData{advertiseData, scanResponse} {
		if d == nil {
			continue
		}
		merged.ServiceUUIDs = append(merged.ServiceUUIDs, d.ServiceUUIDs...)
		for id, data := range d.ManufacturerData {
			merged.ManufacturerData[id] = data
		}
		merged.IncludeDeviceName = merged.IncludeDeviceName || d.IncludeDeviceName
		merged.IncludeTxPowerLevel = merged.IncludeTxPowerLevel || d.IncludeTxPowerLevel
	}
	return merged
}

// SimulatedScanner delivers injected scan results to registered callbacks
type SimulatedScanner struct {
	adapter *SimulatedAdapter

	mu      sync.Mutex
	entries []scanEntry
}

type scanEntry struct {
	callback ScanCallback
	filter   []string
}

func (s *SimulatedScanner) StartScan(serviceUUIDs []string, callback ScanCallback) {
	if callback == nil {
		return
	}
	if s.adapter.GetState() != ADAPTER_STATE_ON {
		go callback.OnScanFailed(SCAN_FAILED_INTERNAL_ERROR)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.callback == callback {
			go callback.OnScanFailed(SCAN_FAILED_ALREADY_STARTED)
			return
		}
	}
	s.entries = append(s.entries, scanEntry{callback: callback, filter: serviceUUIDs})
}

func (s *SimulatedScanner) StopScan(callback ScanCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.entries {
		if e.callback == callback {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return
		}
	}
}

// IsScanning reports whether any callback is registered
func (s *SimulatedScanner) IsScanning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries) > 0
}

// Emit delivers result to every scan whose filter matches, on the caller's
// goroutine
func (s *SimulatedScanner) Emit(result *ScanResult) {
	if result.TimestampNanos == 0 {
		result.TimestampNanos = time.Now().UnixNano()
	}
	s.mu.Lock()
	var targets []ScanCallback
	for _, e := range s.entries {
		if matchesFilter(e.filter, result.ScanRecord) {
			targets = append(targets, e.callback)
		}
	}
	s.mu.Unlock()

	for _, cb := range targets {
		cb.OnScanResult(CALLBACK_TYPE_ALL_MATCHES, result)
	}
}

func (s *SimulatedScanner) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
}

func matchesFilter(filter []string, record *ScanRecord) bool {
	if len(filter) == 0 {
		return true
	}
	for _, uuid := range filter {
		if record.HasServiceUUID(uuid) {
			return true
		}
	}
	return false
}
