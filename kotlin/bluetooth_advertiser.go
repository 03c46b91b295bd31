package kotlin

// AdvertiseCallback matches Android's AdvertiseCallback interface
type AdvertiseCallback interface {
	OnStartSuccess(settingsInEffect *AdvertiseSettings)
	OnStartFailure(errorCode int)
}

// AdvertiseSettings matches Android's AdvertiseSettings class
type AdvertiseSettings struct {
	AdvertiseMode int // ADVERTISE_MODE_LOW_POWER, BALANCED, LOW_LATENCY
	Connectable   bool
	Timeout       int // milliseconds, 0 = no timeout
	TxPowerLevel  int // ADVERTISE_TX_POWER_ULTRA_LOW, LOW, MEDIUM, HIGH
}

// AdvertiseSettings modes
const (
	ADVERTISE_MODE_LOW_POWER   = 0 // 1000ms interval
	ADVERTISE_MODE_BALANCED    = 1 // 250ms interval
	ADVERTISE_MODE_LOW_LATENCY = 2 // 100ms interval
)

// AdvertiseSettings TX power levels
const (
	ADVERTISE_TX_POWER_ULTRA_LOW = 0 // -21 dBm
	ADVERTISE_TX_POWER_LOW       = 1 // -15 dBm
	ADVERTISE_TX_POWER_MEDIUM    = 2 // -7 dBm
	ADVERTISE_TX_POWER_HIGH      = 3 // 1 dBm
)

// AdvertiseCallback error codes
const (
	ADVERTISE_FAILED_DATA_TOO_LARGE       = 1
	ADVERTISE_FAILED_TOO_MANY_ADVERTISERS = 2
	ADVERTISE_FAILED_ALREADY_STARTED      = 3
	ADVERTISE_FAILED_INTERNAL_ERROR       = 4
	ADVERTISE_FAILED_FEATURE_UNSUPPORTED  = 5
)

// AdvertiseData matches Android's AdvertiseData class
type AdvertiseData struct {
	ServiceUUIDs        []string
	ManufacturerData    map[int][]byte // Company ID -> data
	IncludeTxPowerLevel bool
	IncludeDeviceName   bool
}

// AdvertiseModeInterval is the nominal advertising interval of a mode in
// milliseconds
func AdvertiseModeInterval(mode int) int {
	switch mode {
	case ADVERTISE_MODE_LOW_LATENCY:
		return 100
	case ADVERTISE_MODE_BALANCED:
		return 250
	default:
		return 1000
	}
}

// TxPowerLevelToDbm converts an Android TX power level to dBm
func TxPowerLevelToDbm(level int) int {
	switch level {
	case ADVERTISE_TX_POWER_ULTRA_LOW:
		return -21
	case ADVERTISE_TX_POWER_LOW:
		return -15
	case ADVERTISE_TX_POWER_MEDIUM:
		return -7
	case ADVERTISE_TX_POWER_HIGH:
		return 1
	default:
		return -7
	}
}

// BluetoothGattServerCallback matches Android's BluetoothGattServerCallback.
// Implementations must not block: the platform invokes these on its own
// callback thread.
type BluetoothGattServerCallback interface {
	OnConnectionStateChange(device *BluetoothDevice, status int, newState int)
	OnCharacteristicReadRequest(device *BluetoothDevice, requestId int, offset int, characteristic *BluetoothGattCharacteristic)
	OnCharacteristicWriteRequest(device *BluetoothDevice, requestId int, characteristic *BluetoothGattCharacteristic, preparedWrite bool, responseNeeded bool, offset int, value []byte)
	OnDescriptorReadRequest(device *BluetoothDevice, requestId int, offset int, descriptor *BluetoothGattDescriptor)
	OnDescriptorWriteRequest(device *BluetoothDevice, requestId int, descriptor *BluetoothGattDescriptor, preparedWrite bool, responseNeeded bool, offset int, value []byte)
}

// ScanCallback matches Android's ScanCallback
type ScanCallback interface {
	OnScanResult(callbackType int, result *ScanResult)
	OnScanFailed(errorCode int)
}

// ScanCallback callback types and failure codes
const (
	CALLBACK_TYPE_ALL_MATCHES = 1

	SCAN_FAILED_ALREADY_STARTED     = 1
	SCAN_FAILED_INTERNAL_ERROR      = 3
	SCAN_FAILED_FEATURE_UNSUPPORTED = 4
)

// ScanRecord is the parsed advertisement of a scan result
type ScanRecord struct {
	DeviceName               string
	ServiceUUIDs             []string
	ManufacturerSpecificData map[int][]byte
	TxPowerLevel             *int
}

// HasServiceUUID reports whether the advert lists uuid
func (r *ScanRecord) HasServiceUUID(uuid string) bool {
	if r == nil {
		return false
	}
	for _, u := range r.ServiceUUIDs {
		if SameUUID(u, uuid) {
			return true
		}
	}
	return false
}

// HasManufacturer reports whether the advert carries data for companyID
func (r *ScanRecord) HasManufacturer(companyID int) bool {
	if r == nil {
		return false
	}
	_, ok := r.ManufacturerSpecificData[companyID]
	return ok
}

// ScanResult matches Android's ScanResult
type ScanResult struct {
	Device         *BluetoothDevice
	Rssi           int
	ScanRecord     *ScanRecord
	TimestampNanos int64
}

// Adapter is the local Bluetooth adapter, shaped like BluetoothAdapter plus
// BluetoothManager.openGattServer
type Adapter interface {
	GetState() int
	// GetBluetoothLeAdvertiser returns nil when the hardware cannot advertise
	GetBluetoothLeAdvertiser() Advertiser
	// GetBluetoothLeScanner returns nil when the hardware cannot scan
	GetBluetoothLeScanner() Scanner
	OpenGattServer(callback BluetoothGattServerCallback) (GattServer, error)
	// RegisterStateListener is the ACTION_STATE_CHANGED broadcast
	RegisterStateListener(listener func(state int))
}

// Advertiser matches Android's BluetoothLeAdvertiser
type Advertiser interface {
	StartAdvertising(settings *AdvertiseSettings, advertiseData *AdvertiseData, scanResponse *AdvertiseData, callback AdvertiseCallback)
	StopAdvertising(callback AdvertiseCallback)
}

// Scanner matches Android's BluetoothLeScanner. An empty serviceUUIDs
// filter delivers every advert.
type Scanner interface {
	StartScan(serviceUUIDs []string, callback ScanCallback)
	StopScan(callback ScanCallback)
}

// GattServer matches Android's BluetoothGattServer
type GattServer interface {
	AddService(service *BluetoothGattService) bool
	ClearServices()
	Close()
	SendResponse(device *BluetoothDevice, requestId int, status int, offset int, value []byte) bool
}
