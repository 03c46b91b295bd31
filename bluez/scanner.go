package bluez

import (
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"tinygo.org/x/bluetooth"

	"github.com/user/herald-blue/kotlin"
	"github.com/user/herald-blue/util"
)

// stopScanTimeout bounds how long StopScan waits for the scan loop to exit
const stopScanTimeout = 2 * time.Second

// scanner runs tinygo's blocking Scan on its own goroutine for a single
// registered callback
type scanner struct {
	adapter *Adapter

	mu       sync.Mutex
	callback kotlin.ScanCallback
	done     chan struct{}
}

func (s *scanner) StartScan(serviceUUIDs []string, callback kotlin.ScanCallback) {
	if callback == nil {
		return
	}
	filter, err := parseUUIDs(serviceUUIDs)
	if err != nil {
		s.adapter.log.Error("❌ scan filter rejected: %v", err)
		go callback.OnScanFailed(kotlin.SCAN_FAILED_INTERNAL_ERROR)
		return
	}

	s.mu.Lock()
	if s.callback != nil {
		s.mu.Unlock()
		go callback.OnScanFailed(kotlin.SCAN_FAILED_ALREADY_STARTED)
		return
	}
	done := make(chan struct{})
	s.callback = callback
	s.done = done
	s.mu.Unlock()

	go s.run(callback, filter, done)
}

func (s *scanner) run(callback kotlin.ScanCallback, filter []bluetooth.UUID, done chan struct{}) {
	known := s.adapter.knownServices
	err := s.adapter.bt.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		if !matchesFilter(filter, result) {
			return
		}
		converted := scanResult(result, known, time.Now())
		logScanResult(s.adapter, converted)
		callback.OnScanResult(kotlin.CALLBACK_TYPE_ALL_MATCHES, converted)
	})
	close(done)

	s.mu.Lock()
	stopped := s.callback != callback
	if !stopped {
		s.callback = nil
	}
	s.mu.Unlock()

	if err != nil && !stopped {
		s.adapter.log.Error("❌ scan ended: %v", err)
		callback.OnScanFailed(kotlin.SCAN_FAILED_INTERNAL_ERROR)
	}
}

func (s *scanner) StopScan(callback kotlin.ScanCallback) {
	s.mu.Lock()
	if callback == nil || s.callback != callback {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.stop()
}

func (s *scanner) stop() {
	s.mu.Lock()
	if s.callback == nil {
		s.mu.Unlock()
		return
	}
	s.callback = nil
	done := s.done
	s.mu.Unlock()

	if err := s.adapter.bt.StopScan(); err != nil {
		s.adapter.log.Warn("stop scan: %v", err)
	}
	select {
	case <-done:
	case <-time.After(stopScanTimeout):
		s.adapter.log.Warn("scan loop did not exit within %v", stopScanTimeout)
	}
}

func parseUUIDs(uuids []string) ([]bluetooth.UUID, error) {
	var parsed []bluetooth.UUID
	for _, s := range uuids {
		uuid, err := bluetooth.ParseUUID(s)
		if err != nil {
			return nil, errors.Wrapf(err, "uuid %q", s)
		}
		parsed = append(parsed, uuid)
	}
	return parsed, nil
}

// advertisement is the part of a tinygo scan result the conversion reads
type advertisement interface {
	LocalName() string
	HasServiceUUID(bluetooth.UUID) bool
	ManufacturerData() []bluetooth.ManufacturerDataElement
}

func matchesFilter(filter []bluetooth.UUID, adv advertisement) bool {
	if len(filter) == 0 {
		return true
	}
	for _, uuid := range filter {
		if adv.HasServiceUUID(uuid) {
			return true
		}
	}
	return false
}

// scanResult converts a tinygo result. Service UUIDs are limited to the
// known ones the advert carries. tinygo does not report TX power.
func scanResult(result bluetooth.ScanResult, knownServices []string, now time.Time) *kotlin.ScanResult {
	return &kotlin.ScanResult{
		Device: &kotlin.BluetoothDevice{
			Name:    result.LocalName(),
			Address: result.Address.String(),
		},
		Rssi:           int(result.RSSI),
		ScanRecord:     scanRecord(result, knownServices),
		TimestampNanos: now.UnixNano(),
	}
}

func scanRecord(adv advertisement, knownServices []string) *kotlin.ScanRecord {
	record := &kotlin.ScanRecord{DeviceName: adv.LocalName()}
	for _, s := range knownServices {
		uuid, err := bluetooth.ParseUUID(s)
		if err != nil {
			continue
		}
		if adv.HasServiceUUID(uuid) {
			record.ServiceUUIDs = append(record.ServiceUUIDs, s)
		}
	}
	sort.Strings(record.ServiceUUIDs)
	for _, m := range adv.ManufacturerData() {
		if record.ManufacturerSpecificData == nil {
			record.ManufacturerSpecificData = make(map[int][]byte)
		}
		record.ManufacturerSpecificData[int(m.CompanyID)] = append([]byte(nil), m.Data...)
	}
	return record
}

func logScanResult(a *Adapter, result *kotlin.ScanResult) {
	a.log.Trace("scan %s rssi=%d services=%v", util.ShortID(result.Device.Address), result.Rssi, result.ScanRecord.ServiceUUIDs)
}
