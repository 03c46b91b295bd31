package bluez

import (
	"sync"

	"github.com/user/herald-blue/kotlin"
)

// gattServer is the kotlin.GattServer view of the adapter's registered
// services
type gattServer struct {
	adapter  *Adapter
	callback kotlin.BluetoothGattServerCallback

	mu     sync.Mutex
	closed bool
}

func (s *gattServer) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *gattServer) AddService(service *kotlin.BluetoothGattService) bool {
	if s.isClosed() {
		return false
	}
	if err := s.adapter.register(service); err != nil {
		s.adapter.log.Error("❌ add service failed: %v", err)
		return false
	}
	return true
}

// ClearServices is a no-op: BlueZ services registered through tinygo live
// until the process exits. AddService refreshes them instead.
func (s *gattServer) ClearServices() {}

func (s *gattServer) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	a := s.adapter
	a.mu.Lock()
	if a.server == s {
		a.server = nil
	}
	a.mu.Unlock()
}

// SendResponse has nothing to send: BlueZ acknowledges writes itself and
// serves reads from the registered value
func (s *gattServer) SendResponse(device *kotlin.BluetoothDevice, requestId int, status int, offset int, value []byte) bool {
	return !s.isClosed()
}
