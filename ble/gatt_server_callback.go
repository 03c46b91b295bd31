package ble

import (
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/user/herald-blue/config"
	"github.com/user/herald-blue/datatype"
	"github.com/user/herald-blue/kotlin"
	"github.com/user/herald-blue/logger"
	"github.com/user/herald-blue/util"
)

// readCacheKey identifies one value served to one reading peer for one
// characteristic during the current connection
type readCacheKey struct {
	peer           datatype.TargetIdentifier
	characteristic string
}

// gattServerCallback receives platform GATT server requests and hands each
// one to the transmitter queue, where all per-peer reassembly buffers and
// read caches live. Responses are sent from the queue.
type gattServerCallback struct {
	log      *logger.Logger
	queue    *DispatchQueue
	database *BLEDatabase
	supplier datatype.PayloadDataSupplier
	cfg      config.SensorConfig
	now      func() time.Time

	// Fired on the transmitter queue
	didShare   func(payloads []datatype.PayloadData, from datatype.TargetIdentifier)
	didReceive func(data datatype.Data, from datatype.TargetIdentifier)

	// Queue-only state
	server    kotlin.GattServer
	buffers   map[datatype.TargetIdentifier]datatype.Data
	reads     *lru.Cache
	connected map[datatype.TargetIdentifier]bool
}

func newGattServerCallback(queue *DispatchQueue, database *BLEDatabase, supplier datatype.PayloadDataSupplier, cfg config.SensorConfig, log *logger.Logger) *gattServerCallback {
	cfg = cfg.WithDefaults()
	reads, err := lru.New(cfg.ReadCacheSize)
	if err != nil {
		// lru.New only fails for a non-positive size
		panic(err)
	}
	return &gattServerCallback{
		log:      log.With("component", "gatt-server"),
		queue:    queue,
		database: database,
		supplier: supplier,
		cfg:      cfg,
		now:      time.Now,
		buffers:   make(map[datatype.TargetIdentifier]datatype.Data),
		reads:     reads,
		connected: make(map[datatype.TargetIdentifier]bool),
	}
}

func isSignalCharacteristic(uuid string) bool {
	return kotlin.SameUUID(uuid, AndroidSignalCharacteristicUUID) || kotlin.SameUUID(uuid, IOSSignalCharacteristicUUID)
}

// reset drops every per-peer buffer and cached read, used when the server
// is replaced or torn down. Centrals still connected to the old server get
// no disconnect callback, so they are marked disconnected here.
func (cb *gattServerCallback) reset() {
	for identifier := range cb.connected {
		if peer, ok := cb.database.Device(identifier); ok && peer.State() == BLEDeviceStateConnected {
			cb.log.Debug("📱 Central %s dropped with server", util.ShortID(string(identifier)))
			peer.SetState(BLEDeviceStateDisconnected)
		}
	}
	cb.connected = make(map[datatype.TargetIdentifier]bool)
	cb.buffers = make(map[datatype.TargetIdentifier]datatype.Data)
	cb.reads.Purge()
}

func (cb *gattServerCallback) respond(device *kotlin.BluetoothDevice, requestId, status, offset int, value []byte) {
	if cb.server == nil {
		cb.log.Debug("no gatt server, dropping response (request=%d,status=%s)", requestId, kotlin.StatusName(status))
		return
	}
	if !cb.server.SendResponse(device, requestId, status, offset, value) {
		cb.log.Warn("sendResponse failed (device=%s,request=%d,status=%s)", util.ShortID(device.Address), requestId, kotlin.StatusName(status))
	}
}

func (cb *gattServerCallback) OnConnectionStateChange(device *kotlin.BluetoothDevice, status int, newState int) {
	cb.queue.Async(func() {
		cb.connectionStateChanged(device, newState)
	})
}

func (cb *gattServerCallback) connectionStateChanged(device *kotlin.BluetoothDevice, newState int) {
	identifier := datatype.TargetIdentifier(device.Address)
	switch newState {
	case kotlin.STATE_CONNECTED:
		cb.log.Debug("📱 Central %s connected", util.ShortID(device.Address))
		cb.connected[identifier] = true
		cb.database.DeviceFor(identifier).SetState(BLEDeviceStateConnected)

	case kotlin.STATE_DISCONNECTED:
		cb.log.Debug("📱 Central %s disconnected", util.ShortID(device.Address))
		if buffer, ok := cb.buffers[identifier]; ok && buffer.Len() > 0 {
			cb.log.Debug("discarding %d bytes of partial frame (device=%s)", buffer.Len(), util.ShortID(device.Address))
		}
		delete(cb.connected, identifier)
		delete(cb.buffers, identifier)
		cb.reads.Remove(readCacheKey{identifier, PayloadCharacteristicUUID})
		cb.reads.Remove(readCacheKey{identifier, PayloadSharingCharacteristicUUID})
		if peer, ok := cb.database.Device(identifier); ok {
			peer.SetState(BLEDeviceStateDisconnected)
		}
	}
}

// Writes

func (cb *gattServerCallback) OnCharacteristicWriteRequest(device *kotlin.BluetoothDevice, requestId int, characteristic *kotlin.BluetoothGattCharacteristic, preparedWrite bool, responseNeeded bool, offset int, value []byte) {
	value = append([]byte(nil), value...)
	cb.queue.Async(func() {
		cb.characteristicWrite(device, requestId, characteristic, responseNeeded, offset, value)
	})
}

func (cb *gattServerCallback) characteristicWrite(device *kotlin.BluetoothDevice, requestId int, characteristic *kotlin.BluetoothGattCharacteristic, responseNeeded bool, offset int, value []byte) {
	identifier := datatype.TargetIdentifier(device.Address)
	if characteristic == nil || !isSignalCharacteristic(characteristic.UUID) {
		uuid := "(nil)"
		if characteristic != nil {
			uuid = characteristic.UUID
		}
		cb.log.Warn("write to unsupported characteristic (device=%s,characteristic=%s)", util.ShortID(device.Address), uuid)
		if responseNeeded {
			cb.respond(device, requestId, kotlin.GATT_REQUEST_NOT_SUPPORTED, offset, nil)
		}
		return
	}

	peer := cb.database.DeviceFor(identifier)
	if current := peer.SignalCharacteristic(); current == nil || !kotlin.SameUUID(current.UUID, characteristic.UUID) {
		peer.SetSignalCharacteristic(characteristic)
	}

	buffer := append(cb.buffers[identifier], value...)
	buffer = cb.drain(peer, buffer)
	if buffer.Len() == 0 {
		delete(cb.buffers, identifier)
	} else {
		cb.buffers[identifier] = buffer
	}

	if responseNeeded {
		cb.respond(device, requestId, kotlin.GATT_SUCCESS, offset, value)
	}
}

// drain decodes and applies every complete frame at the front of buffer and
// returns what is left: the start of a frame still being written, or
// nothing. A buffer that does not start with a known frame is dropped.
func (cb *gattServerCallback) drain(peer *BLEDevice, buffer datatype.Data) datatype.Data {
	for buffer.Len() > 0 {
		kind := DetectSignalCharacteristicData(buffer)
		if kind == SignalCharacteristicDataUnknown {
			cb.log.Warn("discarding %d bytes of unknown signal data (device=%s)", buffer.Len(), util.ShortID(string(peer.Identifier())))
			return nil
		}
		n, ok := SignalFrameLength(buffer)
		if !ok {
			cb.log.Trace("incomplete %s frame, %d bytes so far (device=%s)", kind, buffer.Len(), util.ShortID(string(peer.Identifier())))
			return buffer
		}
		cb.apply(peer, kind, buffer[:n])
		buffer = buffer[n:]
	}
	return nil
}

func (cb *gattServerCallback) apply(peer *BLEDevice, kind SignalCharacteristicDataType, frame datatype.Data) {
	id := util.ShortID(string(peer.Identifier()))
	switch kind {
	case SignalCharacteristicDataRSSI:
		rssi, ok := DecodeWriteRSSI(frame)
		if !ok {
			cb.log.Warn("malformed rssi frame (device=%s)", id)
			return
		}
		cb.log.Debug("didReceiveWrite rssi=%s (device=%s)", rssi, id)
		peer.SetOperatingSystem(BLEDeviceOperatingSystemAndroid)
		peer.SetReceiveOnly(true)
		peer.SetRSSI(rssi)

	case SignalCharacteristicDataPayload:
		payload, ok := DecodeWritePayload(frame)
		if !ok {
			cb.log.Warn("malformed payload frame (device=%s)", id)
			return
		}
		cb.log.Debug("didReceiveWrite payload=%s (device=%s)", payload.ShortName(), id)
		peer.SetOperatingSystem(BLEDeviceOperatingSystemAndroid)
		peer.SetPayload(payload)

	case SignalCharacteristicDataPayloadSharing:
		sharing, ok := DecodeWritePayloadSharing(frame)
		if !ok {
			cb.log.Warn("malformed payload sharing frame (device=%s)", id)
			return
		}
		cb.log.Debug("didReceiveWrite %s (device=%s)", sharing, id)
		peer.SetOperatingSystem(BLEDeviceOperatingSystemAndroid)
		for _, payload := range sharing.Payloads {
			shared := cb.database.DeviceForPayload(payload)
			if shared.OperatingSystem() == BLEDeviceOperatingSystemUnknown {
				shared.SetOperatingSystem(BLEDeviceOperatingSystemShared)
			}
			shared.SetRSSI(sharing.RSSI)
		}
		if cb.didShare != nil {
			cb.didShare(sharing.Payloads, peer.Identifier())
		}

	case SignalCharacteristicDataImmediateSend:
		data, ok := DecodeImmediateSend(frame)
		if !ok {
			cb.log.Warn("malformed immediate send frame (device=%s)", id)
			return
		}
		cb.log.Debug("didReceiveWrite immediateSend=%d bytes (device=%s)", data.Len(), id)
		if cb.didReceive != nil {
			cb.didReceive(data, peer.Identifier())
		}
	}
}

// Reads

func (cb *gattServerCallback) OnCharacteristicReadRequest(device *kotlin.BluetoothDevice, requestId int, offset int, characteristic *kotlin.BluetoothGattCharacteristic) {
	cb.queue.Async(func() {
		cb.characteristicRead(device, requestId, offset, characteristic)
	})
}

func (cb *gattServerCallback) characteristicRead(device *kotlin.BluetoothDevice, requestId int, offset int, characteristic *kotlin.BluetoothGattCharacteristic) {
	identifier := datatype.TargetIdentifier(device.Address)
	uuid := ""
	if characteristic != nil {
		uuid = characteristic.UUID
	}

	var value datatype.Data
	switch {
	case kotlin.SameUUID(uuid, PayloadCharacteristicUUID):
		value = cb.cachedRead(identifier, PayloadCharacteristicUUID, func() datatype.Data {
			return cb.supplier.Payload(cb.now(), identifier).Data()
		})

	case kotlin.SameUUID(uuid, PayloadSharingCharacteristicUUID):
		value = cb.cachedRead(identifier, PayloadSharingCharacteristicUUID, func() datatype.Data {
			return cb.payloadSharingValue(identifier)
		})

	case isSignalCharacteristic(uuid):
		cb.log.Warn("read of write-only characteristic (device=%s,characteristic=%s)", util.ShortID(device.Address), uuid)
		cb.respond(device, requestId, kotlin.GATT_READ_NOT_PERMITTED, offset, nil)
		return

	default:
		cb.log.Warn("read of unsupported characteristic (device=%s,characteristic=%s)", util.ShortID(device.Address), uuid)
		cb.respond(device, requestId, kotlin.GATT_REQUEST_NOT_SUPPORTED, offset, nil)
		return
	}

	if offset < 0 || offset > value.Len() {
		cb.log.Warn("read with invalid offset (device=%s,offset=%d,length=%d)", util.ShortID(device.Address), offset, value.Len())
		cb.respond(device, requestId, kotlin.GATT_INVALID_OFFSET, offset, nil)
		return
	}
	cb.log.Trace("didReceiveRead (device=%s,characteristic=%s,offset=%d,length=%d)", util.ShortID(device.Address), uuid, offset, value.Len())
	cb.respond(device, requestId, kotlin.GATT_SUCCESS, offset, value[offset:])
}

// cachedRead returns the value already served to peer for this
// characteristic in the current connection, computing it on first read so
// every blob of a long read comes from the same value
func (cb *gattServerCallback) cachedRead(peer datatype.TargetIdentifier, characteristic string, compute func() datatype.Data) datatype.Data {
	key := readCacheKey{peer, characteristic}
	if v, ok := cb.reads.Get(key); ok {
		return v.(datatype.Data)
	}
	value := compute()
	cb.reads.Add(key, value)
	return value
}

func (cb *gattServerCallback) payloadSharingValue(identifier datatype.TargetIdentifier) datatype.Data {
	reader := cb.database.DeviceFor(identifier)
	payloads := cb.database.PayloadSharingData(reader, cb.cfg.PayloadSharingInterval)
	value, ok := EncodePayloadList(payloads)
	if !ok {
		cb.log.Warn("payload sharing list too large, sharing nothing (device=%s,payloads=%d)", util.ShortID(string(identifier)), len(payloads))
		value, _ = EncodePayloadList(nil)
	}
	reader.RegisterWritePayloadSharing()
	return value
}

// Descriptors

func (cb *gattServerCallback) OnDescriptorReadRequest(device *kotlin.BluetoothDevice, requestId int, offset int, descriptor *kotlin.BluetoothGattDescriptor) {
	cb.queue.Async(func() {
		var value []byte
		if descriptor != nil {
			value = descriptor.Value
		}
		if offset < 0 || offset > len(value) {
			cb.respond(device, requestId, kotlin.GATT_INVALID_OFFSET, offset, nil)
			return
		}
		cb.respond(device, requestId, kotlin.GATT_SUCCESS, offset, value[offset:])
	})
}

func (cb *gattServerCallback) OnDescriptorWriteRequest(device *kotlin.BluetoothDevice, requestId int, descriptor *kotlin.BluetoothGattDescriptor, preparedWrite bool, responseNeeded bool, offset int, value []byte) {
	value = append([]byte(nil), value...)
	cb.queue.Async(func() {
		if descriptor != nil {
			cb.log.Debug("descriptor write (device=%s,descriptor=%s,value=% X)", util.ShortID(device.Address), descriptor.UUID, value)
		}
		if responseNeeded {
			cb.respond(device, requestId, kotlin.GATT_SUCCESS, offset, value)
		}
	})
}
