package dhcp6

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/google/uuid"
)

// defaultVendorClassData is ni_dhcp6_config_vendor_class's fallback
// when no vendor class string has been configured: the package name
// and version, exactly as the original does it.
const defaultVendorClassData = "dhcp6-engine/1.0"

// Manager owns every Device this process runs, keyed by ifindex, plus
// the host-wide defaults (identity, vendor strings, server policy) new
// acquisitions inherit unless a Request overrides them. Mirrors
// pkg/dhcp.Manager's shape: a mutex-guarded set of per-interface state
// plus exported fields for the options that apply host-wide.
type Manager struct {
	mu sync.Mutex

	registry *registry
	clock    Clock

	transportFactory func(ifname string, ifindex int) (Transport, error)
	codec            MessageCodec
	netinfo          NetInfo

	// DefaultDUID, if set, is used for every Device that doesn't
	// request its own DUID — ni_dhcp6_config_default_duid.
	DefaultDUID DUID
	// StateDir is where the persisted DUID file lives. Defaults to
	// /var/lib/dhcp6 if empty.
	StateDir string

	VendorClassEnterprise uint32
	VendorClassData       []string
	VendorOpts            map[string]string
	UserClassData         []string

	Policy ServerPolicy

	nextSeed int64

	watchOnce   sync.Once
	watchCancel context.CancelFunc
}

// NewManager builds a Manager wired to the default netlink/UDP/dhcpv6
// adapters. Tests construct a Manager directly with fakes instead.
func NewManager() *Manager {
	return &Manager{
		registry:         newRegistry(),
		clock:            SystemClock,
		transportFactory: func(ifname string, ifindex int) (Transport, error) { return NewTransport(ifname, ifindex) },
		codec:            NewCodec(),
		netinfo:          NewNetlinkNetInfo(),
	}
}

func (m *Manager) vendorClassEnterprise() uint32 {
	if m.VendorClassEnterprise != 0 {
		return m.VendorClassEnterprise
	}
	return DefaultEnterpriseNumber
}

func (m *Manager) vendorClassData() []string {
	if len(m.VendorClassData) > 0 {
		return m.VendorClassData
	}
	return []string{defaultVendorClassData}
}

// deviceFor returns the Device for ifindex, creating one (and a fresh
// Transport) if none is registered yet.
func (m *Manager) deviceFor(ifindex int) (*Device, error) {
	m.startWatcher()
	var constructErr error
	d := m.registry.get(ifindex, func() *Device {
		iface, err := m.netinfo.ByIndex(ifindex)
		if err != nil {
			constructErr = newError(ErrNoInterface, "device_for", err)
			return newDevice(m, ifindex, "", nil, m.codec, m.netinfo, m.clock, m.seed())
		}
		var transport Transport
		if m.transportFactory != nil {
			t, err := m.transportFactory(iface.Name, ifindex)
			if err != nil {
				slog.Warn("transport open failed", "interface", iface.Name, "err", err)
			} else {
				transport = t
			}
		}
		return newDevice(m, ifindex, iface.Name, transport, m.codec, m.netinfo, m.clock, m.seed())
	})
	if constructErr != nil {
		return nil, constructErr
	}
	return d, nil
}

func (m *Manager) seed() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSeed++
	return m.nextSeed
}

// Acquire starts (or restarts, if one is already in flight) a DHCPv6
// acquisition on ifindex, the engine's Acquire RPC of spec.md §6.
func (m *Manager) Acquire(ifindex int, req *Request) error {
	if req.UUID == uuid.Nil {
		req.UUID = mustRandomUUID()
	}
	d, err := m.deviceFor(ifindex)
	if err != nil {
		return err
	}
	select {
	case d.events <- event{kind: eventAcquire, req: req}:
		return nil
	case <-d.stopCh:
		return newError(ErrCanceled, "acquire", nil)
	}
}

// Release tears down whatever lease ifindex currently holds, sending a
// single best-effort Release, and drops the Device's reference.
func (m *Manager) Release(ifindex int) error {
	d, ok := m.lookup(ifindex)
	if !ok {
		return nil
	}
	select {
	case d.events <- event{kind: eventRelease}:
	case <-d.stopCh:
	}
	m.registry.put(d)
	return nil
}

// Decline abandons the current lease as unusable (e.g. duplicate
// address detection failed) and restarts acquisition.
func (m *Manager) Decline(ifindex int) error {
	d, ok := m.lookup(ifindex)
	if !ok {
		return fmt.Errorf("decline: no device for ifindex %d", ifindex)
	}
	select {
	case d.events <- event{kind: eventDecline}:
	case <-d.stopCh:
	}
	return nil
}

// StopAll stops every Device this Manager owns, releasing all
// transports, regardless of how many references each still holds.
func (m *Manager) StopAll() {
	for _, d := range m.registry.snapshot() {
		m.registry.removeForce(d)
	}
	if m.watchCancel != nil {
		m.watchCancel()
	}
}

// startWatcher subscribes to NetInfo once, lazily, the first time a
// Device is created — matching ni_dhcp6_mgmt_init's pattern of only
// opening the netlink event socket once a client actually exists. A nil
// netinfo (tests that don't care about live link/address events) is a
// no-op.
func (m *Manager) startWatcher() {
	m.watchOnce.Do(func() {
		if m.netinfo == nil {
			return
		}
		ctx, cancel := context.WithCancel(context.Background())
		m.watchCancel = cancel
		go m.watchNetInfo(ctx)
	})
}

// watchNetInfo forwards NetInfo's link/address/device-presence feed to
// whichever Device owns each ifindex, the Manager-level half of
// ni_dhcp6_device_event/ni_dhcp6_address_event dispatch. A device_event
// reporting the interface gone (DEVICE_DOWN) forces that Device's
// teardown regardless of refcount; one reporting a new name updates the
// Device in place.
func (m *Manager) watchNetInfo(ctx context.Context) {
	links, addrs, devices, err := m.netinfo.Subscribe(ctx)
	if err != nil {
		slog.Warn("netinfo subscribe failed", "err", err)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-links:
			if !ok {
				return
			}
			d, found := m.lookup(ev.Index)
			if !found {
				continue
			}
			kind := eventLinkDown
			if ev.Up {
				kind = eventLinkUp
			}
			select {
			case d.events <- event{kind: kind}:
			case <-d.stopCh:
			}
		case ev, ok := <-addrs:
			if !ok {
				return
			}
			d, found := m.lookup(ev.Index)
			if !found {
				continue
			}
			select {
			case d.events <- event{kind: eventAddrUpdate, addr: ev}:
			case <-d.stopCh:
			}
		case ev, ok := <-devices:
			if !ok {
				return
			}
			if !ev.Present {
				m.onDeviceRemoved(ev.Index)
				continue
			}
			d, found := m.lookup(ev.Index)
			if !found || ev.Name == "" {
				continue
			}
			select {
			case d.events <- event{kind: eventRename, name: ev.Name}:
			case <-d.stopCh:
			}
		}
	}
}

// onDeviceRemoved handles device_event(DEVICE_DOWN): the kernel
// interface itself is gone, so the Device is stopped unconditionally
// rather than waiting for its refcount to drop to zero.
func (m *Manager) onDeviceRemoved(ifindex int) {
	d, ok := m.lookup(ifindex)
	if !ok {
		return
	}
	m.registry.removeForce(d)
}

// RestartAll replays acquisition for every Device that still holds a
// Request, the Manager-level half of ni_dhcp6_restart: used after a
// process restart once NetInfo reports current link state for every
// interface.
func (m *Manager) RestartAll() {
	for _, d := range m.registry.snapshot() {
		select {
		case d.events <- event{kind: eventRestart}:
		case <-d.stopCh:
		}
	}
}

// Leases returns a snapshot of every currently bound lease, keyed by
// ifindex.
func (m *Manager) Leases() map[int]*Lease {
	out := make(map[int]*Lease)
	for _, d := range m.registry.snapshot() {
		if l := d.currentLease(); l != nil {
			out[d.ifindex] = l
		}
	}
	return out
}

// LeaseFor returns the current lease for one interface, if any.
func (m *Manager) LeaseFor(ifindex int) *Lease {
	d, ok := m.lookup(ifindex)
	if !ok {
		return nil
	}
	return d.currentLease()
}

// State returns the current FSM state for one interface's Device, or
// StateStopped if no Device is registered.
func (m *Manager) State(ifindex int) FSMState {
	d, ok := m.lookup(ifindex)
	if !ok {
		return StateStopped
	}
	return d.getState()
}

func (m *Manager) lookup(ifindex int) (*Device, bool) {
	return m.registry.find(ifindex)
}

// ClearDUID removes the persisted DUID file so the next acquisition on
// any interface generates (and persists) a fresh one.
func (m *Manager) ClearDUID() error {
	path := duidPath(m.StateDir)
	if err := removeIfExists(path); err != nil {
		return fmt.Errorf("clear_duid: %w", err)
	}
	return nil
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func mustRandomUUID() uuid.UUID {
	id, err := uuid.NewRandom()
	if err != nil {
		return uuid.UUID{}
	}
	return id
}
