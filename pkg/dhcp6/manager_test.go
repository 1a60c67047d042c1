package dhcp6

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestManager(t *testing.T) (*Manager, *fakeTransport, *fakeCodec) {
	t.Helper()
	ft := newFakeTransport()
	fc := newFakeCodec()
	ni := fakeNetInfo{
		byIndexHW: []byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x02},
		byIndexUp: true,
		linkLocal: netip.MustParseAddr("fe80::2"),
	}
	m := &Manager{
		registry:         newRegistry(),
		clock:            SystemClock,
		transportFactory: func(name string, idx int) (Transport, error) { return ft, nil },
		codec:            fc,
		netinfo:          ni,
	}
	t.Cleanup(m.StopAll)
	return m, ft, fc
}

func TestAcquireAssignsUUIDWhenUnset(t *testing.T) {
	m, _, _ := newTestManager(t)
	req := &Request{IAs: []IA{{Kind: IAKindNA}}}
	if err := m.Acquire(1, req); err != nil {
		t.Fatal(err)
	}
	if req.UUID == uuid.Nil {
		t.Fatal("expected Acquire to assign a UUID when the caller left it unset")
	}
}

func TestAcquireReusesCallerSuppliedUUID(t *testing.T) {
	m, _, _ := newTestManager(t)
	want := uuid.New()
	req := &Request{IAs: []IA{{Kind: IAKindNA}}, UUID: want}
	if err := m.Acquire(1, req); err != nil {
		t.Fatal(err)
	}
	if req.UUID != want {
		t.Fatal("Acquire must not overwrite a caller-supplied UUID")
	}
}

func TestStateReportsStoppedForUnknownInterface(t *testing.T) {
	m, _, _ := newTestManager(t)
	if got := m.State(999); got != StateStopped {
		t.Fatalf("State() for an unregistered ifindex = %s, want Stopped", got)
	}
}

func TestLeaseForNilUntilBound(t *testing.T) {
	m, ft, _ := newTestManager(t)
	req := &Request{IAs: []IA{{Kind: IAKindNA}}}
	if err := m.Acquire(1, req); err != nil {
		t.Fatal(err)
	}
	pollUntil(t, 3*time.Second, func() bool { return ft.sentCount() >= 1 })
	if lease := m.LeaseFor(1); lease != nil {
		t.Fatal("no lease should exist before a Reply is received")
	}
}

func TestStopAllDrainsRegistry(t *testing.T) {
	m, _, _ := newTestManager(t)
	req := &Request{IAs: []IA{{Kind: IAKindNA}}}
	if err := m.Acquire(1, req); err != nil {
		t.Fatal(err)
	}
	if err := m.Acquire(2, req); err != nil {
		t.Fatal(err)
	}
	pollUntil(t, time.Second, func() bool { return len(m.registry.snapshot()) == 2 })
	m.StopAll()
	if got := len(m.registry.snapshot()); got != 0 {
		t.Fatalf("registry has %d devices after StopAll, want 0", got)
	}
}

func TestClearDUIDRemovesPersistedFile(t *testing.T) {
	dir := t.TempDir()
	m := &Manager{registry: newRegistry(), StateDir: dir}
	path := filepath.Join(dir, "duid")
	if err := os.WriteFile(path, DUID{0x00, 0x04, 0x01, 0x02}, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := m.ClearDUID(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("expected the persisted DUID file to be removed")
	}
}

func TestClearDUIDIsIdempotent(t *testing.T) {
	m := &Manager{registry: newRegistry(), StateDir: t.TempDir()}
	if err := m.ClearDUID(); err != nil {
		t.Fatalf("ClearDUID on a nonexistent file must not error: %v", err)
	}
}

func TestVendorClassDataDefaultsWhenUnset(t *testing.T) {
	m := &Manager{}
	got := m.vendorClassData()
	if len(got) != 1 || got[0] != defaultVendorClassData {
		t.Fatalf("vendorClassData() = %v, want [%s]", got, defaultVendorClassData)
	}
}

func TestVendorClassEnterpriseDefaultsToWellKnownNumber(t *testing.T) {
	m := &Manager{}
	if got := m.vendorClassEnterprise(); got != DefaultEnterpriseNumber {
		t.Fatalf("vendorClassEnterprise() = %d, want %d", got, DefaultEnterpriseNumber)
	}
}

// TestManagerWatchNetInfoRenamesDevice is the regression test for
// spec.md §8 Scenario 6: device_event(DEVICE_UP) reporting a new name
// for a still-live interface must update the Device's ifname in place,
// without touching FSM state.
func TestManagerWatchNetInfoRenamesDevice(t *testing.T) {
	ft := newFakeTransport()
	fc := newFakeCodec()
	devices := make(chan DeviceEvent, 1)
	ni := fakeNetInfo{
		byIndexHW: []byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x08},
		byIndexUp: true,
		linkLocal: netip.MustParseAddr("fe80::8"),
		devices:   devices,
	}
	m := &Manager{
		registry:         newRegistry(),
		clock:            SystemClock,
		transportFactory: func(name string, idx int) (Transport, error) { return ft, nil },
		codec:            fc,
		netinfo:          ni,
	}
	t.Cleanup(m.StopAll)

	req := &Request{IAs: []IA{{Kind: IAKindNA}}}
	if err := m.Acquire(8, req); err != nil {
		t.Fatal(err)
	}
	d, ok := m.lookup(8)
	if !ok {
		t.Fatal("device not registered")
	}
	devices <- DeviceEvent{Index: 8, Name: "eth1", Present: true}
	pollUntil(t, time.Second, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.ifname == "eth1"
	})
	if got := d.getState(); got == StateStopped {
		t.Fatal("renaming a device must not stop it")
	}
}

// TestManagerWatchNetInfoStopsDeviceOnRemoval is the regression test
// for device_event(DEVICE_DOWN): the Manager must force-stop a Device
// once NetInfo reports its interface gone, regardless of refcount.
func TestManagerWatchNetInfoStopsDeviceOnRemoval(t *testing.T) {
	ft := newFakeTransport()
	fc := newFakeCodec()
	devices := make(chan DeviceEvent, 1)
	ni := fakeNetInfo{
		byIndexHW: []byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x09},
		byIndexUp: true,
		linkLocal: netip.MustParseAddr("fe80::9"),
		devices:   devices,
	}
	m := &Manager{
		registry:         newRegistry(),
		clock:            SystemClock,
		transportFactory: func(name string, idx int) (Transport, error) { return ft, nil },
		codec:            fc,
		netinfo:          ni,
	}
	t.Cleanup(m.StopAll)

	req := &Request{IAs: []IA{{Kind: IAKindNA}}}
	if err := m.Acquire(9, req); err != nil {
		t.Fatal(err)
	}
	if _, ok := m.lookup(9); !ok {
		t.Fatal("device not registered")
	}
	devices <- DeviceEvent{Index: 9, Present: false}
	pollUntil(t, time.Second, func() bool {
		_, ok := m.lookup(9)
		return !ok
	})
}

func TestRestartAllReplaysAcquisitionForKnownDevices(t *testing.T) {
	m, ft, _ := newTestManager(t)
	req := &Request{IAs: []IA{{Kind: IAKindNA}}}
	if err := m.Acquire(1, req); err != nil {
		t.Fatal(err)
	}
	pollUntil(t, 3*time.Second, func() bool { return ft.sentCount() >= 1 })
	sentBefore := ft.sentCount()

	d, ok := m.lookup(1)
	if !ok {
		t.Fatal("device not registered")
	}
	d.mu.Lock()
	d.state = StateBound
	d.mu.Unlock()

	m.RestartAll()
	pollUntil(t, 3*time.Second, func() bool { return ft.sentCount() > sentBefore })
}
