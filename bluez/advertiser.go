package bluez

import (
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"tinygo.org/x/bluetooth"

	"github.com/user/herald-blue/kotlin"
)

// localName is advertised when AdvertiseData asks for the device name
const localName = "Herald"

// advertiser drives the controller's single default advertisement
type advertiser struct {
	adapter *Adapter

	mu       sync.Mutex
	adv      *bluetooth.Advertisement
	callback kotlin.AdvertiseCallback
}

func (s *advertiser) StartAdvertising(settings *kotlin.AdvertiseSettings, advertiseData *kotlin.AdvertiseData, scanResponse *kotlin.AdvertiseData, callback kotlin.AdvertiseCallback) {
	if callback == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.callback != nil {
		code := kotlin.ADVERTISE_FAILED_TOO_MANY_ADVERTISERS
		if s.callback == callback {
			code = kotlin.ADVERTISE_FAILED_ALREADY_STARTED
		}
		go callback.OnStartFailure(code)
		return
	}

	options, err := advertisementOptions(settings, advertiseData, scanResponse)
	if err != nil {
		s.adapter.log.Error("❌ advertisement rejected: %v", err)
		go callback.OnStartFailure(kotlin.ADVERTISE_FAILED_DATA_TOO_LARGE)
		return
	}
	if s.adv == nil {
		s.adv = s.adapter.bt.DefaultAdvertisement()
	}
	if err := s.adv.Configure(options); err != nil {
		s.adapter.log.Error("❌ configure advertisement: %v", err)
		go callback.OnStartFailure(kotlin.ADVERTISE_FAILED_INTERNAL_ERROR)
		return
	}
	if err := s.adv.Start(); err != nil {
		s.adapter.log.Error("❌ start advertisement: %v", err)
		go callback.OnStartFailure(kotlin.ADVERTISE_FAILED_INTERNAL_ERROR)
		return
	}
	s.callback = callback
	go callback.OnStartSuccess(settings)
}

func (s *advertiser) StopAdvertising(callback kotlin.AdvertiseCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if callback == nil || s.callback != callback {
		return
	}
	s.stopLocked()
}

func (s *advertiser) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *advertiser) stopLocked() {
	if s.callback == nil {
		return
	}
	s.callback = nil
	if err := s.adv.Stop(); err != nil {
		s.adapter.log.Warn("stop advertisement: %v", err)
	}
}

// advertisementOptions merges the advert and scan response into the one
// payload tinygo configures
func advertisementOptions(settings *kotlin.AdvertiseSettings, advertiseData *kotlin.AdvertiseData, scanResponse *kotlin.AdvertiseData) (bluetooth.AdvertisementOptions, error) {
	var options bluetooth.AdvertisementOptions
	if settings == nil {
		settings = &kotlin.AdvertiseSettings{AdvertiseMode: kotlin.ADVERTISE_MODE_LOW_POWER, Connectable: true}
	}
	options.AdvertisementType = bluetooth.AdvertisingTypeNonConnInd
	if settings.Connectable {
		options.AdvertisementType = bluetooth.AdvertisingTypeInd
	}
	options.Interval = bluetooth.NewDuration(time.Duration(kotlin.AdvertiseModeInterval(settings.AdvertiseMode)) * time.Millisecond)

	manufacturer := make(map[int][]byte)
	for _, data := range []*kotlin.AdvertiseData{advertiseData, scanResponse} {
		if data == nil {
			continue
		}
		if data.IncludeDeviceName {
			options.LocalName = localName
		}
		for _, s := range data.ServiceUUIDs {
			uuid, err := bluetooth.ParseUUID(s)
			if err != nil {
				return options, errors.Wrapf(err, "service uuid %q", s)
			}
			options.ServiceUUIDs = append(options.ServiceUUIDs, uuid)
		}
		for id, bytes := range data.ManufacturerData {
			manufacturer[id] = bytes
		}
	}

	ids := make([]int, 0, len(manufacturer))
	for id := range manufacturer {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		if id < 0 || id > 0xFFFF {
			return options, errors.Errorf("manufacturer id %d out of range", id)
		}
		options.ManufacturerData = append(options.ManufacturerData, bluetooth.ManufacturerDataElement{
			CompanyID: uint16(id),
			Data:      manufacturer[id],
		})
	}
	return options, nil
}
