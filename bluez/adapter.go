// Package bluez runs the sensor on a real radio. It implements the
// platform interfaces of package kotlin on top of tinygo's bluetooth
// package, which talks to BlueZ over D-Bus on Linux.
//
// tinygo exposes a smaller peripheral API than Android does: characteristic
// values are served by the stack from what was last written to them, write
// requests are acknowledged by BlueZ before the application sees them, and
// registered services cannot be removed. The adapter maps the Android
// shaped calls onto that model.
package bluez

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"tinygo.org/x/bluetooth"

	"github.com/user/herald-blue/kotlin"
	"github.com/user/herald-blue/logger"
	"github.com/user/herald-blue/util"
)

// Adapter is a kotlin.Adapter backed by the host's default Bluetooth
// controller
type Adapter struct {
	bt  *bluetooth.Adapter
	log *logger.Logger

	// knownServices are the service UUIDs scan results are checked for.
	// tinygo reports service membership, not the advertised list.
	knownServices []string

	advertiser *advertiser
	scanner    *scanner

	mu              sync.Mutex
	state           int
	listeners       []func(state int)
	server          *gattServer
	services        map[string]*registeredService
	characteristics map[string]*kotlin.BluetoothGattCharacteristic
	centrals        map[string]bool
	writers         map[string]bool
	nextRequestID   int
}

// registeredService is a service BlueZ knows about, with the handles used
// to refresh its values
type registeredService struct {
	handles map[string]*bluetooth.Characteristic
}

// NewAdapter wraps the default controller. It stays OFF until Enable.
func NewAdapter(log *logger.Logger, knownServices ...string) *Adapter {
	if log == nil {
		log = logger.Discard()
	}
	a := &Adapter{
		bt:              bluetooth.DefaultAdapter,
		log:             log.With("component", "bluez"),
		knownServices:   knownServices,
		state:           kotlin.ADAPTER_STATE_OFF,
		services:        make(map[string]*registeredService),
		characteristics: make(map[string]*kotlin.BluetoothGattCharacteristic),
		centrals:        make(map[string]bool),
		writers:         make(map[string]bool),
	}
	a.advertiser = &advertiser{adapter: a}
	a.scanner = &scanner{adapter: a}
	return a
}

// Enable powers up the controller. A controller that cannot be enabled is
// reported as unsupported to state listeners.
func (a *Adapter) Enable() error {
	if err := a.bt.Enable(); err != nil {
		a.setState(kotlin.ADAPTER_STATE_UNSUPPORTED)
		return errors.Wrap(err, "enable bluetooth adapter")
	}
	a.bt.SetConnectHandler(a.connectionChanged)
	a.setState(kotlin.ADAPTER_STATE_ON)
	return nil
}

// Address is the controller's MAC address, or "unknown"
func (a *Adapter) Address() string {
	mac, err := a.bt.Address()
	if err != nil {
		return "unknown"
	}
	return mac.String()
}

// Close stops advertising and scanning and detaches the GATT server.
// Registered services stay with BlueZ until the process exits.
func (a *Adapter) Close() {
	a.advertiser.stop()
	a.scanner.stop()
	a.mu.Lock()
	a.server = nil
	a.mu.Unlock()
}

func (a *Adapter) GetState() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Adapter) setState(state int) {
	a.mu.Lock()
	if a.state == state {
		a.mu.Unlock()
		return
	}
	a.state = state
	listeners := append(([]func(int))(nil), a.listeners...)
	a.mu.Unlock()

	a.log.Info("📶 Adapter state -> %d", state)
	for _, listener := range listeners {
		listener(state)
	}
}

func (a *Adapter) RegisterStateListener(listener func(state int)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listeners = append(a.listeners, listener)
}

func (a *Adapter) GetBluetoothLeAdvertiser() kotlin.Advertiser {
	if a.GetState() != kotlin.ADAPTER_STATE_ON {
		return nil
	}
	return a.advertiser
}

func (a *Adapter) GetBluetoothLeScanner() kotlin.Scanner {
	if a.GetState() != kotlin.ADAPTER_STATE_ON {
		return nil
	}
	return a.scanner
}

// OpenGattServer makes callback the receiver of write and connection
// events. Only the most recently opened server receives events.
func (a *Adapter) OpenGattServer(callback kotlin.BluetoothGattServerCallback) (kotlin.GattServer, error) {
	if a.GetState() != kotlin.ADAPTER_STATE_ON {
		return nil, kotlin.ErrBluetoothOff
	}
	s := &gattServer{adapter: a, callback: callback}
	a.mu.Lock()
	a.server = s
	a.mu.Unlock()
	a.log.Debug("GATT server opened")
	return s, nil
}

func uuidKey(uuid string) string {
	return strings.ToLower(uuid)
}

// register adds service to BlueZ, or refreshes the values of a service
// registered by an earlier server
func (a *Adapter) register(service *kotlin.BluetoothGattService) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, c := range service.Characteristics {
		a.characteristics[uuidKey(c.UUID)] = c
	}

	if existing, ok := a.services[uuidKey(service.UUID)]; ok {
		for _, c := range service.Characteristics {
			handle := existing.handles[uuidKey(c.UUID)]
			if handle == nil || c.Value == nil {
				continue
			}
			if _, err := handle.Write(c.Value); err != nil {
				a.log.Warn("refresh %s failed: %v", c.UUID, err)
			}
		}
		a.log.Debug("service %s already registered, values refreshed", service.UUID)
		return nil
	}

	reg := &registeredService{handles: make(map[string]*bluetooth.Characteristic)}
	config, err := a.serviceConfig(service, reg)
	if err != nil {
		return err
	}
	if err := a.bt.AddService(config); err != nil {
		return errors.Wrapf(err, "add service %s", service.UUID)
	}
	a.services[uuidKey(service.UUID)] = reg
	a.log.Info("🔧 service %s registered (%d characteristics)", service.UUID, len(config.Characteristics))
	return nil
}

// serviceConfig converts service to tinygo's form. Writable
// characteristics forward their writes to the current GATT server.
func (a *Adapter) serviceConfig(service *kotlin.BluetoothGattService, reg *registeredService) (*bluetooth.Service, error) {
	uuid, err := bluetooth.ParseUUID(service.UUID)
	if err != nil {
		return nil, errors.Wrapf(err, "service uuid %q", service.UUID)
	}
	config := &bluetooth.Service{UUID: uuid}
	for _, c := range service.Characteristics {
		charUUID, err := bluetooth.ParseUUID(c.UUID)
		if err != nil {
			return nil, errors.Wrapf(err, "characteristic uuid %q", c.UUID)
		}
		handle := new(bluetooth.Characteristic)
		reg.handles[uuidKey(c.UUID)] = handle

		charConfig := bluetooth.CharacteristicConfig{
			Handle: handle,
			UUID:   charUUID,
			Value:  c.Value,
			Flags:  characteristicFlags(c.Properties),
		}
		if c.Properties&(kotlin.PROPERTY_WRITE|kotlin.PROPERTY_WRITE_NO_RESPONSE) != 0 {
			key := uuidKey(c.UUID)
			charConfig.WriteEvent = func(client bluetooth.Connection, offset int, value []byte) {
				// Registry entries for writers are keyed by connection, not by
				// address; see "bluez limits" in DESIGN.md
				a.characteristicWritten(key, centralAddress(client), offset, value)
			}
		}
		config.Characteristics = append(config.Characteristics, charConfig)
	}
	return config, nil
}

func characteristicFlags(properties int) bluetooth.CharacteristicPermissions {
	var flags bluetooth.CharacteristicPermissions
	if properties&kotlin.PROPERTY_READ != 0 {
		flags |= bluetooth.CharacteristicReadPermission
	}
	if properties&kotlin.PROPERTY_WRITE != 0 {
		flags |= bluetooth.CharacteristicWritePermission
	}
	if properties&kotlin.PROPERTY_WRITE_NO_RESPONSE != 0 {
		flags |= bluetooth.CharacteristicWriteWithoutResponsePermission
	}
	if properties&kotlin.PROPERTY_NOTIFY != 0 {
		flags |= bluetooth.CharacteristicNotifyPermission
	}
	if properties&kotlin.PROPERTY_INDICATE != 0 {
		flags |= bluetooth.CharacteristicIndicatePermission
	}
	return flags
}

// centralAddress names the writer of a characteristic. BlueZ identifies
// writers by connection handle, not by the address the connect handler
// reports, and the tinygo API offers no mapping between the two. A peer
// that writes is therefore a different registry entry from the address
// passed to connectionChanged.
func centralAddress(client bluetooth.Connection) string {
	return fmt.Sprintf("central-%v", client)
}

// characteristicWritten delivers a write that BlueZ has already
// acknowledged, so no response is requested
func (a *Adapter) characteristicWritten(key, address string, offset int, value []byte) {
	a.mu.Lock()
	server := a.server
	characteristic := a.characteristics[key]
	a.nextRequestID++
	requestID := a.nextRequestID
	a.writers[address] = true
	a.mu.Unlock()

	if server == nil || server.isClosed() || characteristic == nil {
		a.log.Debug("write to %s dropped, no open GATT server", key)
		return
	}
	device := &kotlin.BluetoothDevice{Address: address}
	server.callback.OnCharacteristicWriteRequest(device, requestID, characteristic, false, false, offset, append([]byte(nil), value...))
}

// connectionChanged reports centrals by address. Their writes arrive under
// centralAddress names instead.
func (a *Adapter) connectionChanged(device bluetooth.Device, connected bool) {
	a.centralConnectionChanged(device.Address.String(), connected)
}

// centralConnectionChanged forwards connect handler events. When the last
// central leaves, every writer seen since is reported disconnected too so
// their partial writes are discarded.
func (a *Adapter) centralConnectionChanged(address string, connected bool) {
	a.mu.Lock()
	server := a.server
	var gone []string
	if connected {
		a.centrals[address] = true
	} else {
		delete(a.centrals, address)
		gone = append(gone, address)
		if len(a.centrals) == 0 {
			for writer := range a.writers {
				gone = append(gone, writer)
			}
			a.writers = make(map[string]bool)
		}
	}
	a.mu.Unlock()

	a.log.Debug("📱 central %s connected=%v", util.ShortID(address), connected)
	if server == nil || server.isClosed() {
		return
	}
	if connected {
		server.callback.OnConnectionStateChange(&kotlin.BluetoothDevice{Address: address}, kotlin.GATT_SUCCESS, kotlin.STATE_CONNECTED)
		return
	}
	for _, addr := range gone {
		server.callback.OnConnectionStateChange(&kotlin.BluetoothDevice{Address: addr}, kotlin.GATT_SUCCESS, kotlin.STATE_DISCONNECTED)
	}
}
