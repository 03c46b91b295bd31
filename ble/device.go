package ble

import (
	"fmt"
	"sync"
	"time"

	"github.com/user/herald-blue/datatype"
	"github.com/user/herald-blue/kotlin"
	"github.com/user/herald-blue/util"
)

// BLEDeviceState is the connection state of a peer
type BLEDeviceState int

const (
	BLEDeviceStateDisconnected BLEDeviceState = iota
	BLEDeviceStateConnecting
	BLEDeviceStateConnected
)

func (s BLEDeviceState) String() string {
	switch s {
	case BLEDeviceStateDisconnected:
		return "disconnected"
	case BLEDeviceStateConnecting:
		return "connecting"
	case BLEDeviceStateConnected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// BLEDeviceOperatingSystem is the evidence-driven classification of a peer.
// The TBC values are provisional guesses from advertising data.
type BLEDeviceOperatingSystem int

const (
	BLEDeviceOperatingSystemUnknown BLEDeviceOperatingSystem = iota
	BLEDeviceOperatingSystemAndroid
	BLEDeviceOperatingSystemAndroidTBC
	BLEDeviceOperatingSystemIOS
	BLEDeviceOperatingSystemIOSTBC
	BLEDeviceOperatingSystemIgnore
	BLEDeviceOperatingSystemShared
)

func (o BLEDeviceOperatingSystem) String() string {
	switch o {
	case BLEDeviceOperatingSystemUnknown:
		return "unknown"
	case BLEDeviceOperatingSystemAndroid:
		return "android"
	case BLEDeviceOperatingSystemAndroidTBC:
		return "android_tbc"
	case BLEDeviceOperatingSystemIOS:
		return "ios"
	case BLEDeviceOperatingSystemIOSTBC:
		return "ios_tbc"
	case BLEDeviceOperatingSystemIgnore:
		return "ignore"
	case BLEDeviceOperatingSystemShared:
		return "shared"
	default:
		return fmt.Sprintf("os(%d)", int(o))
	}
}

// BLEDeviceAttribute names the attribute carried by an update event
type BLEDeviceAttribute int

const (
	BLEDeviceAttributeState BLEDeviceAttribute = iota
	BLEDeviceAttributeOperatingSystem
	BLEDeviceAttributePayload
	BLEDeviceAttributeRSSI
	BLEDeviceAttributeTxPower
	BLEDeviceAttributeReceiveOnly
	BLEDeviceAttributeCharacteristics
	BLEDeviceAttributeDiscovered
	BLEDeviceAttributeWriteTimestamps
)

func (a BLEDeviceAttribute) String() string {
	switch a {
	case BLEDeviceAttributeState:
		return "state"
	case BLEDeviceAttributeOperatingSystem:
		return "operatingSystem"
	case BLEDeviceAttributePayload:
		return "payload"
	case BLEDeviceAttributeRSSI:
		return "rssi"
	case BLEDeviceAttributeTxPower:
		return "txPower"
	case BLEDeviceAttributeReceiveOnly:
		return "receiveOnly"
	case BLEDeviceAttributeCharacteristics:
		return "characteristics"
	case BLEDeviceAttributeDiscovered:
		return "discovered"
	case BLEDeviceAttributeWriteTimestamps:
		return "writeTimestamps"
	default:
		return fmt.Sprintf("attribute(%d)", int(a))
	}
}

// Ignore backoff
const (
	ignoreInitialDuration = time.Minute
	ignoreMaxDuration     = 3 * time.Minute
	ignoreMultiplier      = 1.2
)

// BLEDeviceUpdate is published for every mutation. The measurement fields
// hold the values as they were right after the mutation, so handlers that
// run later do not see a newer reading.
type BLEDeviceUpdate struct {
	Attribute   BLEDeviceAttribute
	At          time.Time
	RSSI        *datatype.RSSI
	Payload     datatype.PayloadData
	Calibration *datatype.Calibration
}

// BLEDevice is the registry record of one peer. Every mutator refreshes
// lastUpdatedAt and publishes exactly one update carrying the attribute it
// changed.
type BLEDevice struct {
	identifier datatype.TargetIdentifier
	createdAt  time.Time
	now        func() time.Time
	onUpdate   func(device *BLEDevice, update BLEDeviceUpdate)

	mu                     sync.RWMutex
	lastUpdatedAt          time.Time
	state                  BLEDeviceState
	lastConnectRequestedAt time.Time
	lastConnectedAt        time.Time
	lastDisconnectedAt     time.Time
	operatingSystem        BLEDeviceOperatingSystem
	ignoreForDuration      time.Duration
	ignoreUntil            time.Time
	payload                datatype.PayloadData
	lastPayloadUpdatedAt   time.Time
	rssi                   *datatype.RSSI
	lastRSSIAt             time.Time
	txPower                *int
	receiveOnly            bool
	signalCharacteristic   *kotlin.BluetoothGattCharacteristic
	payloadCharacteristic  *kotlin.BluetoothGattCharacteristic

	lastDiscoveredAt          time.Time
	lastWritePayloadAt        time.Time
	lastWriteRSSIAt           time.Time
	lastWritePayloadSharingAt time.Time
}

func newBLEDevice(identifier datatype.TargetIdentifier, now func() time.Time, onUpdate func(*BLEDevice, BLEDeviceUpdate)) *BLEDevice {
	if now == nil {
		now = time.Now
	}
	created := now()
	return &BLEDevice{
		identifier:    identifier,
		createdAt:     created,
		now:           now,
		onUpdate:      onUpdate,
		lastUpdatedAt: created,
	}
}

// update applies fn under the write lock, refreshes lastUpdatedAt and
// publishes one event for attribute
func (d *BLEDevice) update(attribute BLEDeviceAttribute, fn func(now time.Time)) {
	d.mu.Lock()
	now := d.now()
	fn(now)
	d.lastUpdatedAt = now
	update := BLEDeviceUpdate{Attribute: attribute, At: now, Payload: d.payload}
	if d.rssi != nil {
		rssi := *d.rssi
		update.RSSI = &rssi
	}
	if d.txPower != nil {
		update.Calibration = &datatype.Calibration{Unit: datatype.CalibrationBLETransmitPower, Value: float64(*d.txPower)}
	}
	d.mu.Unlock()

	if d.onUpdate != nil {
		d.onUpdate(d, update)
	}
}

func (d *BLEDevice) Identifier() datatype.TargetIdentifier {
	return d.identifier
}

func (d *BLEDevice) CreatedAt() time.Time {
	return d.createdAt
}

func (d *BLEDevice) LastUpdatedAt() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastUpdatedAt
}

// State

func (d *BLEDevice) State() BLEDeviceState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// SetState moves the connection state machine. Entering connecting,
// connected or disconnected records the matching timestamp, and entering
// disconnected also drops the negotiated characteristics.
func (d *BLEDevice) SetState(state BLEDeviceState) {
	d.update(BLEDeviceAttributeState, func(now time.Time) {
		d.state = state
		switch state {
		case BLEDeviceStateConnecting:
			d.lastConnectRequestedAt = now
		case BLEDeviceStateConnected:
			d.lastConnectedAt = now
		case BLEDeviceStateDisconnected:
			d.lastDisconnectedAt = now
			d.signalCharacteristic = nil
			d.payloadCharacteristic = nil
		}
	})
}

// Operating system

func (d *BLEDevice) OperatingSystem() BLEDeviceOperatingSystem {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.operatingSystem
}

// SetOperatingSystem records a classification. Ignore starts a backoff of
// one minute, growing by 1.2x on each repeated ignore up to three minutes.
// Any other classification clears the backoff.
func (d *BLEDevice) SetOperatingSystem(os BLEDeviceOperatingSystem) {
	d.update(BLEDeviceAttributeOperatingSystem, func(now time.Time) {
		d.operatingSystem = os
		if os != BLEDeviceOperatingSystemIgnore {
			d.ignoreForDuration = 0
			d.ignoreUntil = time.Time{}
			return
		}
		if d.ignoreForDuration == 0 {
			d.ignoreForDuration = ignoreInitialDuration
		} else {
			next := time.Duration(float64(d.ignoreForDuration) * ignoreMultiplier)
			if next > ignoreMaxDuration {
				next = ignoreMaxDuration
			}
			d.ignoreForDuration = next
		}
		d.ignoreUntil = now.Add(d.ignoreForDuration)
	})
}

// Ignore reports whether the device is inside its ignore window
func (d *BLEDevice) Ignore() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return !d.ignoreUntil.IsZero() && d.now().Before(d.ignoreUntil)
}

// IgnoreForDuration is the current backoff window, zero when not ignored
func (d *BLEDevice) IgnoreForDuration() time.Duration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.ignoreForDuration
}

// Payload

// Payload returns the last payload read from the device, nil if none
func (d *BLEDevice) Payload() datatype.PayloadData {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.payload
}

// LastPayloadUpdatedAt is when the payload was last set, zero if never
func (d *BLEDevice) LastPayloadUpdatedAt() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastPayloadUpdatedAt
}

func (d *BLEDevice) SetPayload(payload datatype.PayloadData) {
	copied := append(datatype.PayloadData(nil), payload...)
	d.update(BLEDeviceAttributePayload, func(now time.Time) {
		d.payload = copied
		d.lastPayloadUpdatedAt = now
	})
}

// RSSI

// RSSI returns the last measurement, false if none
func (d *BLEDevice) RSSI() (datatype.RSSI, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.rssi == nil {
		return 0, false
	}
	return *d.rssi, true
}

func (d *BLEDevice) LastRSSIAt() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastRSSIAt
}

func (d *BLEDevice) SetRSSI(rssi datatype.RSSI) {
	d.update(BLEDeviceAttributeRSSI, func(now time.Time) {
		d.rssi = &rssi
		d.lastRSSIAt = now
	})
}

// Transmit power

// TxPower returns the advertised transmit power, false if unknown
func (d *BLEDevice) TxPower() (int, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.txPower == nil {
		return 0, false
	}
	return *d.txPower, true
}

func (d *BLEDevice) SetTxPower(txPower int) {
	d.update(BLEDeviceAttributeTxPower, func(time.Time) {
		d.txPower = &txPower
	})
}

// Calibration derives the proximity calibration from the transmit power
func (d *BLEDevice) Calibration() *datatype.Calibration {
	txPower, ok := d.TxPower()
	if !ok {
		return nil
	}
	return &datatype.Calibration{Unit: datatype.CalibrationBLETransmitPower, Value: float64(txPower)}
}

// Receive only

// ReceiveOnly reports a peer that cannot run a GATT server of its own, so
// measurements arrive through its writes
func (d *BLEDevice) ReceiveOnly() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.receiveOnly
}

func (d *BLEDevice) SetReceiveOnly(receiveOnly bool) {
	d.update(BLEDeviceAttributeReceiveOnly, func(time.Time) {
		d.receiveOnly = receiveOnly
	})
}

// Characteristics

func (d *BLEDevice) SignalCharacteristic() *kotlin.BluetoothGattCharacteristic {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.signalCharacteristic
}

func (d *BLEDevice) PayloadCharacteristic() *kotlin.BluetoothGattCharacteristic {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.payloadCharacteristic
}

func (d *BLEDevice) SetSignalCharacteristic(c *kotlin.BluetoothGattCharacteristic) {
	d.update(BLEDeviceAttributeCharacteristics, func(time.Time) {
		d.signalCharacteristic = c
	})
}

func (d *BLEDevice) SetPayloadCharacteristic(c *kotlin.BluetoothGattCharacteristic) {
	d.update(BLEDeviceAttributeCharacteristics, func(time.Time) {
		d.payloadCharacteristic = c
	})
}

// Bookkeeping

func (d *BLEDevice) LastDiscoveredAt() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastDiscoveredAt
}

// RegisterDiscovery records that the device was seen in a scan
func (d *BLEDevice) RegisterDiscovery() {
	d.update(BLEDeviceAttributeDiscovered, func(now time.Time) {
		d.lastDiscoveredAt = now
	})
}

// RegisterWritePayload records that our payload was written to the device
func (d *BLEDevice) RegisterWritePayload() {
	d.update(BLEDeviceAttributeWriteTimestamps, func(now time.Time) {
		d.lastWritePayloadAt = now
	})
}

// RegisterWriteRSSI records that an RSSI measurement was written to the device
func (d *BLEDevice) RegisterWriteRSSI() {
	d.update(BLEDeviceAttributeWriteTimestamps, func(now time.Time) {
		d.lastWriteRSSIAt = now
	})
}

// RegisterWritePayloadSharing records that shared payloads were sent to the device
func (d *BLEDevice) RegisterWritePayloadSharing() {
	d.update(BLEDeviceAttributeWriteTimestamps, func(now time.Time) {
		d.lastWritePayloadSharingAt = now
	})
}

func (d *BLEDevice) LastWritePayloadAt() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastWritePayloadAt
}

func (d *BLEDevice) LastWriteRSSIAt() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastWriteRSSIAt
}

func (d *BLEDevice) LastWritePayloadSharingAt() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastWritePayloadSharingAt
}

// Derived intervals

// TimeIntervalSinceLastUpdate is how long ago any attribute changed
func (d *BLEDevice) TimeIntervalSinceLastUpdate() time.Duration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.now().Sub(d.lastUpdatedAt)
}

// TimeIntervalSinceLastConnectRequest is false if no connect was ever requested
func (d *BLEDevice) TimeIntervalSinceLastConnectRequest() (time.Duration, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.lastConnectRequestedAt.IsZero() {
		return 0, false
	}
	return d.now().Sub(d.lastConnectRequestedAt), true
}

// UpTime is how long the current connection has lasted, zero when not connected
func (d *BLEDevice) UpTime() time.Duration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.state != BLEDeviceStateConnected || d.lastConnectedAt.IsZero() {
		return 0
	}
	return d.now().Sub(d.lastConnectedAt)
}

// DownTime is how long the device has been without a connection, measured
// from the last disconnect or from creation. Zero while connected.
func (d *BLEDevice) DownTime() time.Duration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.state == BLEDeviceStateConnected {
		return 0
	}
	since := d.createdAt
	if !d.lastDisconnectedAt.IsZero() {
		since = d.lastDisconnectedAt
	}
	return d.now().Sub(since)
}

func (d *BLEDevice) String() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rssi := "-"
	if d.rssi != nil {
		rssi = d.rssi.String()
	}
	return fmt.Sprintf("BLEDevice[id=%s,os=%s,state=%s,payload=%s,rssi=%s]",
		util.ShortID(string(d.identifier)), d.operatingSystem, d.state, d.payload.ShortName(), rssi)
}
