package dhcp6

import (
	"math/rand"
	"testing"
	"time"
)

func newBareDevice() *Device {
	clk := newFakeClock()
	return &Device{
		ifindex: 1,
		ifname:  "eth0",
		refs:    1,
		clock:   clk,
		rng:     rand.New(rand.NewSource(1)),
		events:  make(chan event, 4),
		stopCh:  make(chan struct{}),
		state:   StateInit,
	}
}

func TestRegistryGetCreatesOnce(t *testing.T) {
	r := newRegistry()
	calls := 0
	newFn := func() *Device {
		calls++
		return newBareDevice()
	}
	d1 := r.get(1, newFn)
	d2 := r.get(1, newFn)
	if d1 != d2 {
		t.Fatal("expected the same Device for the same ifindex")
	}
	if calls != 1 {
		t.Fatalf("newFn called %d times, want 1", calls)
	}
	if d1.refs != 2 {
		t.Fatalf("refs = %d, want 2", d1.refs)
	}
}

func TestRegistryPutRemovesAtZeroRefs(t *testing.T) {
	r := newRegistry()
	d := r.get(2, newBareDevice)
	r.get(2, newBareDevice) // refs now 2
	r.put(d)
	if _, ok := r.devices[2]; !ok {
		t.Fatal("device removed too early")
	}
	r.put(d)
	if _, ok := r.devices[2]; ok {
		t.Fatal("device should have been removed once refs hit 0")
	}
}

func TestRegistryRemoveForceStopsRegardlessOfRefcount(t *testing.T) {
	r := newRegistry()
	d := r.get(4, newBareDevice)
	r.get(4, newBareDevice) // refs now 2
	r.removeForce(d)
	if _, ok := r.devices[4]; ok {
		t.Fatal("removeForce must remove the device even with refs > 0")
	}
}

func TestRegistrySnapshotIsIndependent(t *testing.T) {
	r := newRegistry()
	r.get(1, newBareDevice)
	r.get(2, newBareDevice)
	snap := r.snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot len = %d, want 2", len(snap))
	}
	r.get(3, newBareDevice)
	if len(snap) != 2 {
		t.Fatal("earlier snapshot must not see later insertions")
	}
}

func TestArmFSMTimerSupersedesPriorGeneration(t *testing.T) {
	d := newBareDevice()
	d.armFSMTimer(50 * time.Millisecond)
	staleGen := d.fsmGen
	d.armFSMTimer(10 * time.Millisecond)
	if d.fsmGen == staleGen {
		t.Fatal("expected armFSMTimer to bump the generation counter")
	}

	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("stale timer event must be dropped before touching nil state, got panic: %v", r)
		}
	}()
	d.handleEvent(event{kind: eventTimerFSM, gen: staleGen})
	if d.state != StateInit {
		t.Fatalf("state changed from a stale timer fire: %s", d.state)
	}
}

func TestCancelFSMTimerInvalidatesPendingEvent(t *testing.T) {
	d := newBareDevice()
	d.armFSMTimer(time.Hour)
	gen := d.fsmGen
	d.cancelFSMTimer()
	if d.fsmGen == gen {
		t.Fatal("cancelFSMTimer must bump the generation counter even with a timer pending")
	}
}

func TestRetransAndMRDTimersHaveIndependentGenerations(t *testing.T) {
	d := newBareDevice()
	d.armFSMTimer(time.Hour)
	d.armRetransTimer(time.Hour)
	d.armMRDTimer(time.Hour)
	if d.fsmGen == 0 || d.retransGen == 0 || d.mrdGen == 0 {
		t.Fatal("expected all three generation counters to have advanced")
	}
	fsmGenBefore := d.fsmGen
	d.cancelRetransTimer()
	if d.fsmGen != fsmGenBefore {
		t.Fatal("canceling the retransmit timer must not disturb the FSM timer's generation")
	}
}

func TestUptimeTracksFakeClock(t *testing.T) {
	d := newBareDevice()
	clk := d.clock.(*fakeClock)
	d.startedAt = clk.Now()
	clk.advance(3 * time.Second)
	if got := d.uptime(); got != 3*time.Second {
		t.Fatalf("uptime = %s, want 3s", got)
	}
}

func TestNewXidIs24Bits(t *testing.T) {
	d := newBareDevice()
	for i := 0; i < 100; i++ {
		xid := d.newXid()
		if xid > 0x00ffffff {
			t.Fatalf("xid %#x exceeds 24 bits", xid)
		}
		if xid != d.xid {
			t.Fatal("newXid must store the value it returns onto d.xid")
		}
	}
}

func TestSetStateAndGetStateAreConsistent(t *testing.T) {
	d := newBareDevice()
	d.setState(StateSelecting)
	if got := d.getState(); got != StateSelecting {
		t.Fatalf("getState() = %s, want Selecting", got)
	}
}
