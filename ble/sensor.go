package ble

import (
	"sync"

	"github.com/user/herald-blue/config"
	"github.com/user/herald-blue/datatype"
	"github.com/user/herald-blue/kotlin"
	"github.com/user/herald-blue/logger"
	"github.com/user/herald-blue/util"
)

// Delegate capabilities. A delegate implements any subset of these and
// registers with ConcreteBLESensor.Add.

type SensorDidDetect interface {
	SensorDidDetect(sensor datatype.SensorType, didDetect datatype.TargetIdentifier)
}

type SensorDidRead interface {
	SensorDidRead(sensor datatype.SensorType, didRead datatype.PayloadData, fromTarget datatype.TargetIdentifier)
}

// SensorDidShare receives payloads relayed by fromTarget, which is the
// relaying peer and not the owner of the payloads
type SensorDidShare interface {
	SensorDidShare(sensor datatype.SensorType, didShare []datatype.PayloadData, fromTarget datatype.TargetIdentifier)
}

type SensorDidMeasure interface {
	SensorDidMeasure(sensor datatype.SensorType, didMeasure datatype.Proximity, fromTarget datatype.TargetIdentifier)
}

type SensorDidMeasureWithPayload interface {
	SensorDidMeasureWithPayload(sensor datatype.SensorType, didMeasure datatype.Proximity, fromTarget datatype.TargetIdentifier, withPayload datatype.PayloadData)
}

type SensorDidUpdateState interface {
	SensorDidUpdateState(sensor datatype.SensorType, didUpdateState datatype.SensorState)
}

type SensorDidReceive interface {
	SensorDidReceive(sensor datatype.SensorType, didReceive datatype.Data, fromTarget datatype.TargetIdentifier)
}

// ConcreteBLESensor assembles the registry, timer, transmitter and receiver
// and re-emits their events to delegates. All delegate calls happen on the
// sensor's own queue, never on a platform callback goroutine.
type ConcreteBLESensor struct {
	log         *logger.Logger
	adapter     kotlin.Adapter
	database    *BLEDatabase
	timer       *BLETimer
	transmitter *ConcreteBLETransmitter
	receiver    *ConcreteBLEReceiver
	queue       *DispatchQueue

	mu                   sync.Mutex
	onDetect             []func(datatype.TargetIdentifier)
	onRead               []func(datatype.PayloadData, datatype.TargetIdentifier)
	onShare              []func([]datatype.PayloadData, datatype.TargetIdentifier)
	onMeasure            []func(datatype.Proximity, datatype.TargetIdentifier)
	onMeasureWithPayload []func(datatype.Proximity, datatype.TargetIdentifier, datatype.PayloadData)
	onState              []func(datatype.SensorState)
	onReceive            []func(datatype.Data, datatype.TargetIdentifier)
}

func NewConcreteBLESensor(adapter kotlin.Adapter, supplier datatype.PayloadDataSupplier, cfg config.SensorConfig, log *logger.Logger) *ConcreteBLESensor {
	if log == nil {
		log = logger.Discard()
	}
	cfg = cfg.WithDefaults()
	database := NewBLEDatabase(log)
	timer := NewBLETimer(cfg.TimerInterval, log)
	s := &ConcreteBLESensor{
		log:         log.With("component", "sensor"),
		adapter:     adapter,
		database:    database,
		timer:       timer,
		transmitter: NewConcreteBLETransmitter(adapter, database, supplier, timer, cfg, log),
		receiver:    NewConcreteBLEReceiver(adapter, database, timer, cfg, log),
		queue:       NewDispatchQueue("sensor", log),
	}

	database.OnCreate(func(device *BLEDevice) {
		s.queue.Async(func() {
			s.didDetect(device.Identifier())
		})
	})
	database.OnUpdate(func(device *BLEDevice, update BLEDeviceUpdate) {
		switch update.Attribute {
		case BLEDeviceAttributeRSSI:
			if update.RSSI == nil {
				return
			}
			proximity := datatype.NewRSSIProximity(*update.RSSI, update.Calibration)
			s.queue.Async(func() {
				s.didMeasure(proximity, device.Identifier(), update.Payload)
			})
		case BLEDeviceAttributePayload:
			if update.Payload == nil {
				return
			}
			s.queue.Async(func() {
				s.didRead(update.Payload, device.Identifier())
			})
		}
	})
	s.transmitter.OnShare(func(payloads []datatype.PayloadData, from datatype.TargetIdentifier) {
		s.queue.Async(func() {
			s.didShare(payloads, from)
		})
	})
	s.transmitter.OnReceive(func(data datatype.Data, from datatype.TargetIdentifier) {
		s.queue.Async(func() {
			s.didReceive(data, from)
		})
	})
	adapter.RegisterStateListener(func(state int) {
		if sensorState, ok := sensorStateFor(state); ok {
			s.queue.Async(func() {
				s.didUpdateState(sensorState)
			})
		}
	})
	return s
}

// sensorStateFor maps adapter power states to sensor states. Transitional
// states have no sensor equivalent.
func sensorStateFor(adapterState int) (datatype.SensorState, bool) {
	switch adapterState {
	case kotlin.ADAPTER_STATE_ON:
		return datatype.SensorStateOn, true
	case kotlin.ADAPTER_STATE_OFF:
		return datatype.SensorStateOff, true
	case kotlin.ADAPTER_STATE_UNSUPPORTED:
		return datatype.SensorStateUnavailable, true
	default:
		return 0, false
	}
}

func (s *ConcreteBLESensor) Database() *BLEDatabase {
	return s.database
}

func (s *ConcreteBLESensor) Transmitter() *ConcreteBLETransmitter {
	return s.transmitter
}

func (s *ConcreteBLESensor) Receiver() *ConcreteBLEReceiver {
	return s.receiver
}

// Add registers every capability delegate implements. It returns false if
// delegate implements none of them.
func (s *ConcreteBLESensor) Add(delegate interface{}) bool {
	added := false
	if d, ok := delegate.(SensorDidDetect); ok {
		s.OnDetect(func(id datatype.TargetIdentifier) {
			d.SensorDidDetect(datatype.SensorTypeBLE, id)
		})
		added = true
	}
	if d, ok := delegate.(SensorDidRead); ok {
		s.OnRead(func(payload datatype.PayloadData, id datatype.TargetIdentifier) {
			d.SensorDidRead(datatype.SensorTypeBLE, payload, id)
		})
		added = true
	}
	if d, ok := delegate.(SensorDidShare); ok {
		s.OnShare(func(payloads []datatype.PayloadData, id datatype.TargetIdentifier) {
			d.SensorDidShare(datatype.SensorTypeBLE, payloads, id)
		})
		added = true
	}
	if d, ok := delegate.(SensorDidMeasure); ok {
		s.OnMeasure(func(proximity datatype.Proximity, id datatype.TargetIdentifier) {
			d.SensorDidMeasure(datatype.SensorTypeBLE, proximity, id)
		})
		added = true
	}
	if d, ok := delegate.(SensorDidMeasureWithPayload); ok {
		s.OnMeasureWithPayload(func(proximity datatype.Proximity, id datatype.TargetIdentifier, payload datatype.PayloadData) {
			d.SensorDidMeasureWithPayload(datatype.SensorTypeBLE, proximity, id, payload)
		})
		added = true
	}
	if d, ok := delegate.(SensorDidUpdateState); ok {
		s.OnState(func(state datatype.SensorState) {
			d.SensorDidUpdateState(datatype.SensorTypeBLE, state)
		})
		added = true
	}
	if d, ok := delegate.(SensorDidReceive); ok {
		s.OnReceive(func(data datatype.Data, id datatype.TargetIdentifier) {
			d.SensorDidReceive(datatype.SensorTypeBLE, data, id)
		})
		added = true
	}
	if !added {
		s.log.Warn("delegate %T implements no sensor capability", delegate)
	}
	return added
}

func (s *ConcreteBLESensor) OnDetect(handler func(id datatype.TargetIdentifier)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDetect = append(s.onDetect, handler)
}

func (s *ConcreteBLESensor) OnRead(handler func(payload datatype.PayloadData, id datatype.TargetIdentifier)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRead = append(s.onRead, handler)
}

func (s *ConcreteBLESensor) OnShare(handler func(payloads []datatype.PayloadData, id datatype.TargetIdentifier)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onShare = append(s.onShare, handler)
}

func (s *ConcreteBLESensor) OnMeasure(handler func(proximity datatype.Proximity, id datatype.TargetIdentifier)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onMeasure = append(s.onMeasure, handler)
}

// OnMeasureWithPayload fires alongside OnMeasure once the device's payload
// is known
func (s *ConcreteBLESensor) OnMeasureWithPayload(handler func(proximity datatype.Proximity, id datatype.TargetIdentifier, payload datatype.PayloadData)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onMeasureWithPayload = append(s.onMeasureWithPayload, handler)
}

func (s *ConcreteBLESensor) OnState(handler func(state datatype.SensorState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onState = append(s.onState, handler)
}

func (s *ConcreteBLESensor) OnReceive(handler func(data datatype.Data, id datatype.TargetIdentifier)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReceive = append(s.onReceive, handler)
}

// Start starts the timer, transmitter and receiver, then reports the
// current power state
func (s *ConcreteBLESensor) Start() {
	s.log.Info("start")
	s.timer.Start()
	s.transmitter.Start()
	s.receiver.Start()
	if state, ok := sensorStateFor(s.adapter.GetState()); ok {
		s.queue.Async(func() {
			s.didUpdateState(state)
		})
	}
}

func (s *ConcreteBLESensor) Stop() {
	s.log.Info("stop")
	s.transmitter.Stop()
	s.receiver.Stop()
	s.timer.Stop()
}

// Close stops the sensor and shuts down every queue after pending events
// have been delivered
func (s *ConcreteBLESensor) Close() {
	s.timer.Stop()
	s.transmitter.Close()
	s.receiver.Close()
	s.database.Close()
	s.queue.Close()
}

// Emitters, run on the sensor queue

func (s *ConcreteBLESensor) didDetect(id datatype.TargetIdentifier) {
	s.mu.Lock()
	handlers := append(([]func(datatype.TargetIdentifier))(nil), s.onDetect...)
	s.mu.Unlock()
	s.log.Debug("didDetect (device=%s)", util.ShortID(string(id)))
	for _, handler := range handlers {
		handler(id)
	}
}

func (s *ConcreteBLESensor) didRead(payload datatype.PayloadData, id datatype.TargetIdentifier) {
	s.mu.Lock()
	handlers := append(([]func(datatype.PayloadData, datatype.TargetIdentifier))(nil), s.onRead...)
	s.mu.Unlock()
	s.log.Debug("didRead %s (device=%s)", payload.ShortName(), util.ShortID(string(id)))
	for _, handler := range handlers {
		handler(payload, id)
	}
}

func (s *ConcreteBLESensor) didShare(payloads []datatype.PayloadData, id datatype.TargetIdentifier) {
	s.mu.Lock()
	handlers := append(([]func([]datatype.PayloadData, datatype.TargetIdentifier))(nil), s.onShare...)
	s.mu.Unlock()
	s.log.Debug("didShare %d payloads (device=%s)", len(payloads), util.ShortID(string(id)))
	for _, handler := range handlers {
		handler(payloads, id)
	}
}

func (s *ConcreteBLESensor) didMeasure(proximity datatype.Proximity, id datatype.TargetIdentifier, payload datatype.PayloadData) {
	s.mu.Lock()
	measure := append(([]func(datatype.Proximity, datatype.TargetIdentifier))(nil), s.onMeasure...)
	withPayload := append(([]func(datatype.Proximity, datatype.TargetIdentifier, datatype.PayloadData))(nil), s.onMeasureWithPayload...)
	s.mu.Unlock()
	s.log.Debug("didMeasure %s (device=%s)", proximity, util.ShortID(string(id)))
	for _, handler := range measure {
		handler(proximity, id)
	}
	if payload == nil {
		return
	}
	for _, handler := range withPayload {
		handler(proximity, id, payload)
	}
}

func (s *ConcreteBLESensor) didUpdateState(state datatype.SensorState) {
	s.mu.Lock()
	handlers := append(([]func(datatype.SensorState))(nil), s.onState...)
	s.mu.Unlock()
	s.log.Info("didUpdateState %s", state)
	for _, handler := range handlers {
		handler(state)
	}
}

func (s *ConcreteBLESensor) didReceive(data datatype.Data, id datatype.TargetIdentifier) {
	s.mu.Lock()
	handlers := append(([]func(datatype.Data, datatype.TargetIdentifier))(nil), s.onReceive...)
	s.mu.Unlock()
	s.log.Debug("didReceive %d bytes (device=%s)", data.Len(), util.ShortID(string(id)))
	for _, handler := range handlers {
		handler(data, id)
	}
}
