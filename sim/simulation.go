// Package sim runs a sensor against scripted peers on the simulated
// adapter. Each round every peer advertises, connects, writes its RSSI and
// payload, reads the local payload and sharing list, relays a neighbour's
// payload and sends an immediate message.
package sim

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/user/herald-blue/ble"
	"github.com/user/herald-blue/config"
	"github.com/user/herald-blue/datatype"
	"github.com/user/herald-blue/kotlin"
	"github.com/user/herald-blue/logger"
	"github.com/user/herald-blue/report"
	"github.com/user/herald-blue/util"
)

// RoundInterval separates encounter rounds
const RoundInterval = time.Second

// Peer is one scripted remote device
type Peer struct {
	Address string
	Payload datatype.PayloadData
	RSSI    datatype.RSSI
	TxPower int
	// IOS peers advertise through Apple manufacturer data and write to the
	// iOS signal characteristic
	IOS bool
}

func (p *Peer) signalCharacteristic() string {
	if p.IOS {
		return ble.IOSSignalCharacteristicUUID
	}
	return ble.AndroidSignalCharacteristicUUID
}

func (p *Peer) scanResult(now time.Time) *kotlin.ScanResult {
	record := &kotlin.ScanRecord{DeviceName: "sim-" + p.Address}
	if p.IOS {
		record.ManufacturerSpecificData = map[int][]byte{ble.ManufacturerIDForApple: {0x01, 0x00}}
	} else {
		txPower := p.TxPower
		record.ServiceUUIDs = []string{ble.ServiceUUID}
		record.TxPowerLevel = &txPower
	}
	return &kotlin.ScanResult{
		Device:         &kotlin.BluetoothDevice{Address: p.Address, Name: record.DeviceName},
		Rssi:           int(p.RSSI),
		ScanRecord:     record,
		TimestampNanos: now.UnixNano(),
	}
}

// Result summarises a finished run
type Result struct {
	Rounds       int
	Encounters   int
	Failures     []error
	Expectations []report.Expectation
}

// Simulation owns a simulated adapter, a sensor on it and the peers
type Simulation struct {
	cfg          config.SimulationConfig
	log          *logger.Logger
	adapter      *kotlin.SimulatedAdapter
	sensor       *ble.ConcreteBLESensor
	localPayload datatype.PayloadData
	peers        []*Peer
}

// New builds a simulation. delegate receives the sensor's events and may
// implement any subset of the delegate capabilities.
func New(cfg *config.Config, log *logger.Logger, delegate interface{}) (*Simulation, error) {
	if log == nil {
		log = logger.Discard()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}

	adapter := kotlin.NewSimulatedAdapter(log)
	if cfg.Simulation.MTU > 0 {
		adapter.SetMTU(cfg.Simulation.MTU)
	}
	localPayload := datatype.PayloadData("herald-sim-" + uuid.New().String()[:8])
	sensor := ble.NewConcreteBLESensor(adapter, datatype.FixedPayloadDataSupplier(localPayload), cfg.Sensor, log)
	if delegate != nil && !sensor.Add(delegate) {
		sensor.Close()
		return nil, errors.New("delegate implements no sensor capability")
	}

	s := &Simulation{
		cfg:          cfg.Simulation,
		log:          log.With("component", "sim"),
		adapter:      adapter,
		sensor:       sensor,
		localPayload: localPayload,
	}
	for i := 0; i < cfg.Simulation.Peers; i++ {
		s.peers = append(s.peers, &Peer{
			Address: fmt.Sprintf("5A:1E:00:00:00:%02X", i+1),
			Payload: datatype.PayloadData(fmt.Sprintf("peer-%02d-%s", i+1, uuid.New().String())),
			RSSI:    datatype.RSSI(-50 - 5*i),
			TxPower: -12,
			IOS:     i%2 == 1,
		})
	}
	return s, nil
}

func (s *Simulation) Sensor() *ble.ConcreteBLESensor { return s.sensor }

func (s *Simulation) Peers() []*Peer { return s.peers }

// Run starts the sensor and plays rounds until the configured duration has
// passed or ctx ends. At least one round is played. The sensor is closed
// before Run returns, so every delegate event has been delivered.
func (s *Simulation) Run(ctx context.Context) (*Result, error) {
	s.sensor.Start()
	defer s.sensor.Close()

	// Both block until the queued start work has run
	if !s.sensor.Transmitter().IsAdvertising() {
		return nil, errors.New("sensor did not start advertising")
	}
	if !s.sensor.Receiver().IsScanning() {
		return nil, errors.New("sensor did not start scanning")
	}

	result := &Result{}
	for _, p := range s.peers {
		result.Expectations = append(result.Expectations, report.Expectation{
			Target:  datatype.TargetIdentifier(p.Address),
			Payload: p.Payload,
		})
	}

	deadline := time.Now().Add(s.cfg.Duration)
	ticker := time.NewTicker(RoundInterval)
	defer ticker.Stop()

	for {
		s.round(ctx, result)
		result.Rounds++
		if time.Now().Add(RoundInterval).After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-ticker.C:
		}
	}
	s.log.Info("✅ %d rounds, %d encounters, %d failures", result.Rounds, result.Encounters, len(result.Failures))
	return result, nil
}

func (s *Simulation) round(ctx context.Context, result *Result) {
	for i, p := range s.peers {
		if ctx.Err() != nil {
			return
		}
		// Only Android peers relay, and only payloads already written
		var relayed *Peer
		if !p.IOS && len(s.peers) > 1 && (i > 0 || result.Rounds > 0) {
			relayed = s.peers[(i+len(s.peers)-1)%len(s.peers)]
		}
		if err := s.encounter(p, relayed, result.Rounds); err != nil {
			s.log.Warn("encounter with %s failed: %v", util.ShortID(p.Address), err)
			result.Failures = append(result.Failures, err)
			continue
		}
		result.Encounters++
	}
}

// encounter plays one connection from p. relayed, when set, is a peer whose
// payload p passes on through a sharing write.
func (s *Simulation) encounter(p *Peer, relayed *Peer, round int) error {
	s.adapter.Scanner().Emit(p.scanResult(time.Now()))

	server := s.adapter.GattServer()
	if server == nil {
		return errors.New("GATT server is not open")
	}
	central, err := server.Connect(p.Address)
	if err != nil {
		return errors.Wrapf(err, "connect %s", p.Address)
	}
	defer central.Disconnect()

	signal := p.signalCharacteristic()
	if err := central.Write(signal, ble.EncodeWriteRSSI(p.RSSI)); err != nil {
		return errors.Wrap(err, "write rssi")
	}

	frame, ok := ble.EncodeWritePayload(p.Payload)
	if !ok {
		return errors.Errorf("payload of %d bytes does not fit a frame", len(p.Payload))
	}
	if err := central.WriteFragmented(signal, frame); err != nil {
		return errors.Wrap(err, "write payload")
	}

	payload, err := central.Read(ble.PayloadCharacteristicUUID)
	if err != nil {
		return errors.Wrap(err, "read payload")
	}
	if !bytes.Equal(payload, s.localPayload) {
		return errors.Errorf("read payload %X, want %X", payload, []byte(s.localPayload))
	}

	sharing, err := central.Read(ble.PayloadSharingCharacteristicUUID)
	if err != nil {
		return errors.Wrap(err, "read payload sharing")
	}
	shared, _, ok := ble.DecodePayloadList(datatype.Data(sharing), 0)
	if !ok {
		return errors.Errorf("payload sharing value does not decode: % X", sharing)
	}
	s.log.Debug("%s was offered %d shared payloads", util.ShortID(p.Address), len(shared))

	if relayed != nil {
		frame, ok := ble.EncodeWritePayloadSharing(ble.PayloadSharingData{
			RSSI:     relayed.RSSI - 10,
			Payloads: []datatype.PayloadData{relayed.Payload},
		})
		if !ok {
			return errors.New("payload sharing frame too large")
		}
		if err := central.WriteFragmented(signal, frame); err != nil {
			return errors.Wrap(err, "write payload sharing")
		}
	}

	message := datatype.Data(fmt.Sprintf("round %d from %s", round, p.Address))
	frame, ok = ble.EncodeImmediateSend(message)
	if !ok {
		return errors.New("immediate send frame too large")
	}
	if err := central.WriteFragmented(signal, frame); err != nil {
		return errors.Wrap(err, "write immediate send")
	}
	return nil
}
