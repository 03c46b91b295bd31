package kotlin

import "sync"

// testGattServerCallback is a test implementation of BluetoothGattServerCallback
// Shared across all test files
type testGattServerCallback struct {
	onConnectionStateChange      func(device *BluetoothDevice, status int, newState int)
	onCharacteristicReadRequest  func(device *BluetoothDevice, requestId int, offset int, char *BluetoothGattCharacteristic)
	onCharacteristicWriteRequest func(device *BluetoothDevice, requestId int, char *BluetoothGattCharacteristic, preparedWrite bool, responseNeeded bool, offset int, value []byte)
	onDescriptorReadRequest      func(device *BluetoothDevice, requestId int, offset int, descriptor *BluetoothGattDescriptor)
	onDescriptorWriteRequest     func(device *BluetoothDevice, requestId int, descriptor *BluetoothGattDescriptor, preparedWrite bool, responseNeeded bool, offset int, value []byte)
}

func (c *testGattServerCallback) OnConnectionStateChange(device *BluetoothDevice, status int, newState int) {
	if c.onConnectionStateChange != nil {
		c.onConnectionStateChange(device, status, newState)
	}
}

func (c *testGattServerCallback) OnCharacteristicReadRequest(device *BluetoothDevice, requestId int, offset int, char *BluetoothGattCharacteristic) {
	if c.onCharacteristicReadRequest != nil {
		c.onCharacteristicReadRequest(device, requestId, offset, char)
	}
}

func (c *testGattServerCallback) OnCharacteristicWriteRequest(device *BluetoothDevice, requestId int, char *BluetoothGattCharacteristic, preparedWrite bool, responseNeeded bool, offset int, value []byte) {
	if c.onCharacteristicWriteRequest != nil {
		c.onCharacteristicWriteRequest(device, requestId, char, preparedWrite, responseNeeded, offset, value)
	}
}

func (c *testGattServerCallback) OnDescriptorReadRequest(device *BluetoothDevice, requestId int, offset int, descriptor *BluetoothGattDescriptor) {
	if c.onDescriptorReadRequest != nil {
		c.onDescriptorReadRequest(device, requestId, offset, descriptor)
	}
}

func (c *testGattServerCallback) OnDescriptorWriteRequest(device *BluetoothDevice, requestId int, descriptor *BluetoothGattDescriptor, preparedWrite bool, responseNeeded bool, offset int, value []byte) {
	if c.onDescriptorWriteRequest != nil {
		c.onDescriptorWriteRequest(device, requestId, descriptor, preparedWrite, responseNeeded, offset, value)
	}
}

// testAdvertiseCallback is a test implementation of AdvertiseCallback
type testAdvertiseCallback struct {
	onStartSuccess func(settings *AdvertiseSettings)
	onStartFailure func(errorCode int)
}

func (c *testAdvertiseCallback) OnStartSuccess(settings *AdvertiseSettings) {
	if c.onStartSuccess != nil {
		c.onStartSuccess(settings)
	}
}

func (c *testAdvertiseCallback) OnStartFailure(errorCode int) {
	if c.onStartFailure != nil {
		c.onStartFailure(errorCode)
	}
}

// testScanCallback collects scan results
type testScanCallback struct {
	mu      sync.Mutex
	results []*ScanResult
	failed  chan int
}

func newTestScanCallback() *testScanCallback {
	return &testScanCallback{failed: make(chan int, 4)}
}

func (c *testScanCallback) OnScanResult(callbackType int, result *ScanResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, result)
}

func (c *testScanCallback) OnScanFailed(errorCode int) {
	c.failed <- errorCode
}

func (c *testScanCallback) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.results)
}
