package kotlin

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/user/herald-blue/logger"
	"github.com/user/herald-blue/util"
)

// DefaultResponseTimeout bounds how long a simulated central waits for
// SendResponse
const DefaultResponseTimeout = 2 * time.Second

type gattResponse struct {
	status int
	offset int
	value  []byte
}

// SimulatedGattServer is the GattServer handed out by SimulatedAdapter.
// Every request from a simulated central is forwarded to the server
// callback on the central's goroutine, including requests for
// characteristics the server never added, so the callback's own error
// handling is exercised.
type SimulatedGattServer struct {
	adapter  *SimulatedAdapter
	callback BluetoothGattServerCallback
	log      *logger.Logger

	mu              sync.Mutex
	services        []*BluetoothGattService
	closed          bool
	centrals        map[string]*SimulatedCentral
	nextRequestID   int
	pending         map[int]chan gattResponse
	responseTimeout time.Duration
}

func newSimulatedGattServer(adapter *SimulatedAdapter, callback BluetoothGattServerCallback, log *logger.Logger) *SimulatedGattServer {
	return &SimulatedGattServer{
		adapter:         adapter,
		callback:        callback,
		log:             log.With("component", "sim-gatt-server"),
		centrals:        make(map[string]*SimulatedCentral),
		pending:         make(map[int]chan gattResponse),
		responseTimeout: DefaultResponseTimeout,
	}
}

// AddService matches gattServer.addService(service)
func (s *SimulatedGattServer) AddService(service *BluetoothGattService) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || service == nil {
		return false
	}
	s.services = append(s.services, service)
	s.log.Debug("📋 Added Service to GATT: %s (%d characteristics)", service.UUID, len(service.Characteristics))
	return true
}

// ClearServices matches gattServer.clearServices()
func (s *SimulatedGattServer) ClearServices() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services = nil
}

// Close matches gattServer.close(). Outstanding requests fail.
func (s *SimulatedGattServer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *SimulatedGattServer) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	s.services = nil
	for id, ch := range s.pending {
		ch <- gattResponse{status: GATT_FAILURE}
		delete(s.pending, id)
	}
}

// SendResponse matches gattServer.sendResponse. It returns false when no
// request with that id is outstanding.
func (s *SimulatedGattServer) SendResponse(device *BluetoothDevice, requestId int, status int, offset int, value []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.pending[requestId]
	if !ok {
		s.log.Trace("📨 Response for unknown request %d dropped", requestId)
		return false
	}
	delete(s.pending, requestId)
	copied := make([]byte, len(value))
	copy(copied, value)
	ch <- gattResponse{status: status, offset: offset, value: copied}
	s.log.Trace("📨 Sent response to device %s (reqId=%d, status=%d)", util.ShortID(device.Address), requestId, status)
	return true
}

// SetResponseTimeout changes how long centrals wait for a response
func (s *SimulatedGattServer) SetResponseTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responseTimeout = d
}

// IsClosed reports whether Close was called
func (s *SimulatedGattServer) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Services returns a copy of the registered services
func (s *SimulatedGattServer) Services() []*BluetoothGattService {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*BluetoothGattService, len(s.services))
	copy(out, s.services)
	return out
}

// GetCharacteristic finds a characteristic by service and characteristic UUID
func (s *SimulatedGattServer) GetCharacteristic(serviceUUID, charUUID string) *BluetoothGattCharacteristic {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, service := range s.services {
		if SameUUID(service.UUID, serviceUUID) {
			if c := service.GetCharacteristic(charUUID); c != nil {
				return c
			}
		}
	}
	return nil
}

// characteristic finds charUUID in any service, or returns a detached
// characteristic for it
func (s *SimulatedGattServer) characteristic(charUUID string) *BluetoothGattCharacteristic {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, service := range s.services {
		if c := service.GetCharacteristic(charUUID); c != nil {
			return c
		}
	}
	return &BluetoothGattCharacteristic{UUID: charUUID}
}

// Connect attaches a simulated central with the given address and reports
// the connection to the server callback
func (s *SimulatedGattServer) Connect(address string) (*SimulatedCentral, error) {
	if s.adapter.GetState() != ADAPTER_STATE_ON {
		return nil, ErrBluetoothOff
	}
	mtu := s.adapter.currentMTU()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrGattServerClosed
	}
	if c, ok := s.centrals[address]; ok {
		s.mu.Unlock()
		return c, nil
	}
	c := &SimulatedCentral{
		server:    s,
		device:    &BluetoothDevice{Address: address, Name: "Simulated Central"},
		mtu:       mtu,
		connected: true,
	}
	s.centrals[address] = c
	s.mu.Unlock()

	s.log.Debug("📱 Central %s connected", util.ShortID(address))
	s.callback.OnConnectionStateChange(c.device, GATT_SUCCESS, STATE_CONNECTED)
	return c, nil
}

func (s *SimulatedGattServer) disconnect(c *SimulatedCentral) {
	s.mu.Lock()
	if existing, ok := s.centrals[c.device.Address]; !ok || existing != c {
		s.mu.Unlock()
		return
	}
	delete(s.centrals, c.device.Address)
	s.mu.Unlock()

	s.log.Debug("📱 Central %s disconnected", util.ShortID(c.device.Address))
	s.callback.OnConnectionStateChange(c.device, GATT_SUCCESS, STATE_DISCONNECTED)
}

func (s *SimulatedGattServer) powerOff() {
	s.mu.Lock()
	centrals := make([]*SimulatedCentral, 0, len(s.centrals))
	for _, c := range s.centrals {
		centrals = append(centrals, c)
	}
	s.mu.Unlock()

	for _, c := range centrals {
		c.Disconnect()
	}

	s.Close()
}

// request registers a pending response, runs deliver with its id and waits
// for SendResponse
func (s *SimulatedGattServer) request(deliver func(requestId int)) (gattResponse, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return gattResponse{}, ErrGattServerClosed
	}
	s.nextRequestID++
	id := s.nextRequestID
	ch := make(chan gattResponse, 1)
	s.pending[id] = ch
	timeout := s.responseTimeout
	s.mu.Unlock()

	deliver(id)

	select {
	case resp := <-ch:
		return resp, nil
	case <-time.After(timeout):
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return gattResponse{}, ErrNoResponse
	}
}

// nextID allocates a request id for requests that expect no response
func (s *SimulatedGattServer) nextID() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrGattServerClosed
	}
	s.nextRequestID++
	return s.nextRequestID, nil
}

// SimulatedCentral is a remote GATT client connected to a SimulatedGattServer
type SimulatedCentral struct {
	server *SimulatedGattServer
	device *BluetoothDevice

	mu        sync.Mutex
	mtu       int
	connected bool
}

// Device is the central as the server sees it
func (c *SimulatedCentral) Device() *BluetoothDevice {
	return c.device
}

// Address is the central's platform address
func (c *SimulatedCentral) Address() string {
	return c.device.Address
}

func (c *SimulatedCentral) MTU() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mtu
}

// SetMTU simulates an MTU exchange
func (c *SimulatedCentral) SetMTU(mtu int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mtu = mtu
}

func (c *SimulatedCentral) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Write sends one Write Request and waits for the response
func (c *SimulatedCentral) Write(charUUID string, value []byte) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	if len(value) > MaxWriteValueSize(c.MTU()) {
		return errors.Errorf("kotlin: write of %d bytes exceeds MTU %d", len(value), c.MTU())
	}
	char := c.server.characteristic(charUUID)
	payload := append([]byte(nil), value...)

	resp, err := c.server.request(func(requestId int) {
		c.server.callback.OnCharacteristicWriteRequest(c.device, requestId, char, false, true, 0, payload)
	})
	if err != nil {
		return errors.Wrapf(err, "write %s", charUUID)
	}
	if resp.status != GATT_SUCCESS {
		return NewGattError(resp.status, "write", charUUID)
	}
	return nil
}

// WriteWithoutResponse sends one Write Command
func (c *SimulatedCentral) WriteWithoutResponse(charUUID string, value []byte) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	if len(value) > MaxWriteValueSize(c.MTU()) {
		return errors.Errorf("kotlin: write of %d bytes exceeds MTU %d", len(value), c.MTU())
	}
	id, err := c.server.nextID()
	if err != nil {
		return err
	}
	char := c.server.characteristic(charUUID)
	payload := append([]byte(nil), value...)
	c.server.callback.OnCharacteristicWriteRequest(c.device, id, char, false, false, 0, payload)
	return nil
}

// WriteFragmented splits value by the MTU and sends each fragment as its
// own Write Request, in order. There is no marker between fragments; the
// server sees independent writes.
func (c *SimulatedCentral) WriteFragmented(charUUID string, value []byte) error {
	fragments, err := FragmentWrite(value, c.MTU())
	if err != nil {
		return err
	}
	for i, fragment := range fragments {
		if err := c.Write(charUUID, fragment); err != nil {
			return errors.Wrapf(err, "fragment %d/%d", i+1, len(fragments))
		}
	}
	return nil
}

// ReadAt sends one Read (Blob) Request at offset. The response is
// truncated to what fits in one ATT packet, as the stack does.
func (c *SimulatedCentral) ReadAt(charUUID string, offset int) ([]byte, error) {
	if !c.IsConnected() {
		return nil, ErrNotConnected
	}
	char := c.server.characteristic(charUUID)
	resp, err := c.server.request(func(requestId int) {
		c.server.callback.OnCharacteristicReadRequest(c.device, requestId, offset, char)
	})
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", charUUID)
	}
	if resp.status != GATT_SUCCESS {
		return nil, NewGattError(resp.status, "read", charUUID)
	}
	value := resp.value
	if limit := MaxReadValueSize(c.MTU()); len(value) > limit {
		value = value[:limit]
	}
	return value, nil
}

// Read performs a long read, issuing Read Blob requests until a short
// response arrives
func (c *SimulatedCentral) Read(charUUID string) ([]byte, error) {
	r := NewReassembler(c.MTU())
	for !r.Complete() {
		chunk, err := c.ReadAt(charUUID, r.Offset())
		if err != nil {
			return nil, err
		}
		r.Add(chunk)
	}
	return r.Value(), nil
}

// WriteDescriptor writes a descriptor of a characteristic, e.g. the CCCD
// to subscribe to notifications
func (c *SimulatedCentral) WriteDescriptor(charUUID, descriptorUUID string, value []byte) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	char := c.server.characteristic(charUUID)
	descriptor := &BluetoothGattDescriptor{UUID: descriptorUUID, Characteristic: char}
	for _, d := range char.Descriptors {
		if SameUUID(d.UUID, descriptorUUID) {
			descriptor = d
			break
		}
	}
	payload := append([]byte(nil), value...)
	resp, err := c.server.request(func(requestId int) {
		c.server.callback.OnDescriptorWriteRequest(c.device, requestId, descriptor, false, true, 0, payload)
	})
	if err != nil {
		return errors.Wrapf(err, "write descriptor %s", descriptorUUID)
	}
	if resp.status != GATT_SUCCESS {
		return NewGattError(resp.status, "write", descriptorUUID)
	}
	return nil
}

// Disconnect drops the link and reports it to the server callback
func (c *SimulatedCentral) Disconnect() {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false
	c.mu.Unlock()
	c.server.disconnect(c)
}
