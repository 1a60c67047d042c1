package dhcp6

import (
	"net/netip"
	"testing"
	"time"
)

// fsmHarness wires a Manager to fakes so a test can drive a whole
// Solicit/Advertise/Request/Reply cycle without a kernel or a real
// wire codec.
type fsmHarness struct {
	m  *Manager
	ft *fakeTransport
	fc *fakeCodec
	ni fakeNetInfo
	d  *Device
}

func newFSMHarness(t *testing.T) *fsmHarness {
	t.Helper()
	ft := newFakeTransport()
	fc := newFakeCodec()
	ni := fakeNetInfo{
		byIndexHW: []byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x01},
		byIndexUp: true,
		linkLocal: netip.MustParseAddr("fe80::1"),
	}
	m := &Manager{
		registry:         newRegistry(),
		clock:            SystemClock,
		transportFactory: func(name string, idx int) (Transport, error) { return ft, nil },
		codec:            fc,
		netinfo:          ni,
	}
	t.Cleanup(m.StopAll)
	return &fsmHarness{m: m, ft: ft, fc: fc, ni: ni}
}

func (h *fsmHarness) device(t *testing.T, ifindex int) *Device {
	t.Helper()
	d, ok := h.m.lookup(ifindex)
	if !ok {
		t.Fatal("device not registered")
	}
	return d
}

func (h *fsmHarness) lastSentXid(t *testing.T) uint32 {
	t.Helper()
	msg, err := h.fc.Decode(h.ft.lastSent())
	if err != nil {
		t.Fatal(err)
	}
	return msg.Xid
}

func (h *fsmHarness) lastSentType(t *testing.T) MessageType {
	t.Helper()
	msg, err := h.fc.Decode(h.ft.lastSent())
	if err != nil {
		t.Fatal(err)
	}
	return msg.Type
}

func (h *fsmHarness) deliver(msgType MessageType, xid uint32, opts []Option) {
	h.ft.inbox <- h.fc.encodeServerMessage(msgType, xid, opts)
}

func sampleAddrOpts() []IAAddrOption {
	return []IAAddrOption{{
		Addr:              netip.MustParseAddr("2001:db8::1"),
		PreferredLifetime: 30 * time.Minute,
		ValidLifetime:     time.Hour,
	}}
}

func TestAcquireSolicitAdvertiseRequestReplyBindsLease(t *testing.T) {
	h := newFSMHarness(t)
	const ifindex = 1
	req := &Request{IAs: []IA{{Kind: IAKindNA}}}
	if err := h.m.Acquire(ifindex, req); err != nil {
		t.Fatal(err)
	}

	pollUntil(t, 3*time.Second, func() bool { return h.ft.sentCount() >= 1 })
	d := h.device(t, ifindex)
	if got := d.getState(); got != StateSelecting {
		t.Fatalf("state after first send = %s, want Selecting", got)
	}
	if typ := h.lastSentType(t); typ != MessageSolicit {
		t.Fatalf("first message sent = %s, want Solicit", typ)
	}

	solicitXid := h.lastSentXid(t)
	serverID := DUID{0x00, 0x04, 0xaa, 0xbb, 0xcc, 0xdd}
	h.deliver(MessageAdvertise, solicitXid, []Option{
		ServerIDOption{DUID: serverID},
		PreferenceOption{Value: 255}, // short-circuits Selecting immediately
		IANAOption{IAID: 1, T1: 5 * time.Minute, T2: 8 * time.Minute, Addrs: sampleAddrOpts()},
	})

	pollUntil(t, 3*time.Second, func() bool { return d.getState() == StateRequesting })
	pollUntil(t, 3*time.Second, func() bool { return h.ft.sentCount() >= 2 })
	if typ := h.lastSentType(t); typ != MessageRequest {
		t.Fatalf("second message sent = %s, want Request", typ)
	}

	requestXid := h.lastSentXid(t)
	h.deliver(MessageReply, requestXid, []Option{
		ServerIDOption{DUID: serverID},
		IANAOption{IAID: 1, T1: 5 * time.Minute, T2: 8 * time.Minute, Addrs: sampleAddrOpts()},
	})

	pollUntil(t, 3*time.Second, func() bool { return d.getState() == StateBound })
	lease := h.m.LeaseFor(ifindex)
	if lease == nil {
		t.Fatal("expected a bound lease")
	}
	if len(lease.IAs) != 1 || len(lease.IAs[0].Addrs) != 1 {
		t.Fatalf("lease = %+v, want one IA with one address", lease)
	}
	if lease.IAs[0].Addrs[0].Addr.String() != "2001:db8::1" {
		t.Fatalf("lease address = %s, want 2001:db8::1", lease.IAs[0].Addrs[0].Addr)
	}
}

func TestAcquireRapidCommitBindsWithoutRequesting(t *testing.T) {
	h := newFSMHarness(t)
	const ifindex = 2
	req := &Request{IAs: []IA{{Kind: IAKindNA}}, RapidCommit: true}
	if err := h.m.Acquire(ifindex, req); err != nil {
		t.Fatal(err)
	}

	pollUntil(t, 3*time.Second, func() bool { return h.ft.sentCount() >= 1 })
	d := h.device(t, ifindex)
	solicitXid := h.lastSentXid(t)

	serverID := DUID{0x00, 0x04, 0x11, 0x22}
	h.deliver(MessageReply, solicitXid, []Option{
		ServerIDOption{DUID: serverID},
		RapidCommitOption{},
		IANAOption{IAID: 7, T1: time.Minute, T2: 2 * time.Minute, Addrs: sampleAddrOpts()},
	})

	pollUntil(t, 3*time.Second, func() bool { return d.getState() == StateBound })
	if got := h.ft.sentCount(); got != 1 {
		t.Fatalf("sent %d messages, want exactly 1 (no Request should follow a Rapid Commit Reply)", got)
	}
}

func TestConfirmNotOnLinkRestartsFromSolicit(t *testing.T) {
	h := newFSMHarness(t)
	const ifindex = 3
	d, err := h.m.deviceFor(ifindex)
	if err != nil {
		t.Fatal(err)
	}
	// Seed a still-valid lease directly, as if a previous acquisition
	// had already bound one, then ask for a fresh Acquire: with a
	// valid lease on hand the engine should Confirm rather than
	// Solicit from scratch.
	d.mu.Lock()
	d.lease = &Lease{
		Obtained: time.Now(),
		IAs: []LeaseIA{{
			Kind: IAKindNA,
			IAID: 1,
			Addrs: []LeaseAddr{{
				Addr:          netip.MustParseAddr("2001:db8::1"),
				ValidLifetime: time.Hour,
			}},
		}},
	}
	d.mu.Unlock()
	req := &Request{IAs: []IA{{Kind: IAKindNA}}}
	if err := h.m.Acquire(ifindex, req); err != nil {
		t.Fatal(err)
	}

	pollUntil(t, 3*time.Second, func() bool { return h.ft.sentCount() >= 1 })
	if typ := h.lastSentType(t); typ != MessageConfirm {
		t.Fatalf("message sent with a valid lease on hand = %s, want Confirm", typ)
	}
	confirmXid := h.lastSentXid(t)

	h.deliver(MessageReply, confirmXid, []Option{
		StatusCodeOption{Code: StatusNotOnLink},
	})

	pollUntil(t, 3*time.Second, func() bool { return d.getState() == StateSelecting })
	if lease := d.currentLease(); lease != nil {
		t.Fatal("a NotOnLink Confirm reply must drop the stale lease")
	}
}

// TestConfirmMRDExpiryDropsLeaseAndRestartsFromSolicit covers the other
// way a Confirm exchange ends without a usable reply: MRC for Confirm
// is unlimited, so running out of MRD is the realistic failure path,
// and it must drop the lease exactly like an explicit NotOnLink reply
// does above — otherwise beginAcquire sees a still-valid lease and
// Confirms again, forever.
func TestConfirmMRDExpiryDropsLeaseAndRestartsFromSolicit(t *testing.T) {
	h := newFSMHarness(t)
	const ifindex = 4
	d, err := h.m.deviceFor(ifindex)
	if err != nil {
		t.Fatal(err)
	}
	d.mu.Lock()
	d.lease = &Lease{
		Obtained: time.Now(),
		IAs: []LeaseIA{{
			Kind: IAKindNA,
			IAID: 1,
			Addrs: []LeaseAddr{{
				Addr:          netip.MustParseAddr("2001:db8::1"),
				ValidLifetime: time.Hour,
			}},
		}},
	}
	d.mu.Unlock()
	req := &Request{IAs: []IA{{Kind: IAKindNA}}}
	if err := h.m.Acquire(ifindex, req); err != nil {
		t.Fatal(err)
	}

	pollUntil(t, 3*time.Second, func() bool { return h.ft.sentCount() >= 1 })
	if typ := h.lastSentType(t); typ != MessageConfirm {
		t.Fatalf("message sent with a valid lease on hand = %s, want Confirm", typ)
	}

	// Never reply, and let the Confirm's MRD (10s) run out for real
	// rather than poking the timer generation counters from the test.
	pollUntil(t, 12*time.Second, func() bool { return d.getState() == StateSelecting })
	if lease := d.currentLease(); lease != nil {
		t.Fatal("MRD exhaustion during Confirm must drop the stale lease")
	}
}

func TestReleaseSendsExactlyOneMessage(t *testing.T) {
	h := newFSMHarness(t)
	const ifindex = 4
	req := &Request{IAs: []IA{{Kind: IAKindNA}}, RapidCommit: true}
	if err := h.m.Acquire(ifindex, req); err != nil {
		t.Fatal(err)
	}
	pollUntil(t, 3*time.Second, func() bool { return h.ft.sentCount() >= 1 })
	d := h.device(t, ifindex)
	solicitXid := h.lastSentXid(t)
	h.deliver(MessageReply, solicitXid, []Option{
		ServerIDOption{DUID: DUID{0x00, 0x04, 0x05}},
		RapidCommitOption{},
		IANAOption{IAID: 1, T1: time.Minute, T2: 2 * time.Minute, Addrs: sampleAddrOpts()},
	})
	pollUntil(t, 3*time.Second, func() bool { return d.getState() == StateBound })

	sentBeforeRelease := h.ft.sentCount()
	if err := h.m.Release(ifindex); err != nil {
		t.Fatal(err)
	}
	pollUntil(t, 3*time.Second, func() bool { return h.ft.sentCount() == sentBeforeRelease+1 })
	if typ := h.lastSentType(t); typ != MessageRelease {
		t.Fatalf("message sent by Release = %s, want Release", typ)
	}
	pollUntil(t, time.Second, func() bool { return h.ft.sentCount() == sentBeforeRelease+1 })
}

// TestAcquireWithOnlyTentativeLinkLocalWaits exercises find_lladdr's
// "wait" outcome: a link-local address that exists but is still under
// DAD must not be treated as usable yet.
func TestAcquireWithOnlyTentativeLinkLocalWaits(t *testing.T) {
	ft := newFakeTransport()
	fc := newFakeCodec()
	ni := fakeNetInfo{
		byIndexHW:      []byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x05},
		byIndexUp:      true,
		linkLocal:      netip.MustParseAddr("fe80::5"),
		linkLocalFlags: AddrTentative,
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
	if err := m.Acquire(5, req); err != nil {
		t.Fatal(err)
	}
	pollUntil(t, time.Second, func() bool { return m.State(5) == StateWaitReady })
	if got := ft.sentCount(); got != 0 {
		t.Fatalf("sent %d messages while lladdr is only tentative, want 0", got)
	}
}

// TestAcquireWithDuplicateLinkLocalStaysInInit exercises find_lladdr's
// "error" outcome: a duplicate-flagged link-local address is fatal and
// must not advance the Device into WaitReady or Selecting.
func TestAcquireWithDuplicateLinkLocalStaysInInit(t *testing.T) {
	ft := newFakeTransport()
	fc := newFakeCodec()
	ni := fakeNetInfo{
		byIndexHW:      []byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x06},
		byIndexUp:      true,
		linkLocal:      netip.MustParseAddr("fe80::6"),
		linkLocalFlags: AddrDuplicate,
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
	if err := m.Acquire(6, req); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := m.State(6); got != StateInit {
		t.Fatalf("state with a duplicate lladdr = %s, want Init (acquisition must not proceed)", got)
	}
	if got := ft.sentCount(); got != 0 {
		t.Fatalf("sent %d messages with a duplicate lladdr, want 0", got)
	}
}

// TestLinkDownDuringBoundPreservesState is the regression test for
// spec.md §8 Scenario 4: LinkDown while Bound must suspend the Device
// (cancel the T1 timer) without dropping its lease or state.
func TestLinkDownDuringBoundPreservesState(t *testing.T) {
	h := newFSMHarness(t)
	const ifindex = 7
	req := &Request{IAs: []IA{{Kind: IAKindNA}}, RapidCommit: true}
	if err := h.m.Acquire(ifindex, req); err != nil {
		t.Fatal(err)
	}
	pollUntil(t, 3*time.Second, func() bool { return h.ft.sentCount() >= 1 })
	d := h.device(t, ifindex)
	solicitXid := h.lastSentXid(t)
	h.deliver(MessageReply, solicitXid, []Option{
		ServerIDOption{DUID: DUID{0x00, 0x04, 0x07}},
		RapidCommitOption{},
		IANAOption{IAID: 1, T1: time.Minute, T2: 2 * time.Minute, Addrs: sampleAddrOpts()},
	})
	pollUntil(t, 3*time.Second, func() bool { return d.getState() == StateBound })
	leaseBefore := d.currentLease()

	select {
	case d.events <- event{kind: eventLinkDown}:
	case <-d.stopCh:
		t.Fatal("device stopped")
	}
	time.Sleep(50 * time.Millisecond)
	if got := d.getState(); got != StateBound {
		t.Fatalf("state after link-down while Bound = %s, want Bound (suspend, not drop)", got)
	}
	if d.currentLease() != leaseBefore {
		t.Fatal("link-down while Bound must not drop the lease")
	}

	sentBefore := h.ft.sentCount()
	select {
	case d.events <- event{kind: eventLinkUp}:
	case <-d.stopCh:
		t.Fatal("device stopped")
	}
	pollUntil(t, 3*time.Second, func() bool { return h.ft.sentCount() > sentBefore })
	if typ := h.lastSentType(t); typ != MessageConfirm {
		t.Fatalf("message sent on link-up after Bound = %s, want Confirm", typ)
	}
}
