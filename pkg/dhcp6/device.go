package dhcp6

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net/netip"
	"sync"
	"time"
)

// FSMState is one state of the per-Device state machine, spec.md §3's
// FSM State enum.
type FSMState int

const (
	StateInit FSMState = iota
	StateWaitReady
	StateSelecting
	StateRequesting
	StateValidateOffer
	StateBound
	StateRenewing
	StateRebinding
	StateConfirming
	StateInfoRequest
	StateReleasing
	StateDeclining
	StateStopped
)

func (s FSMState) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateWaitReady:
		return "WaitReady"
	case StateSelecting:
		return "Selecting"
	case StateRequesting:
		return "Requesting"
	case StateValidateOffer:
		return "ValidateOffer"
	case StateBound:
		return "Bound"
	case StateRenewing:
		return "Renewing"
	case StateRebinding:
		return "Rebinding"
	case StateConfirming:
		return "Confirming"
	case StateInfoRequest:
		return "InfoRequest"
	case StateReleasing:
		return "Releasing"
	case StateDeclining:
		return "Declining"
	case StateStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// WaitReadyTimeout is NI_DHCP6_WAIT_READY_MSEC from the original source:
// how long Init waits for a usable link-local address before giving up.
const WaitReadyTimeout = 2000 * time.Millisecond

// DefaultEnterpriseNumber is the IANA-assigned enterprise number the
// original system (and this engine, unless overridden) identifies
// itself with in vendor-class/vendor-opts options.
const DefaultEnterpriseNumber = 7075

// eventKind tags what woke up a Device's event loop.
type eventKind int

const (
	eventTimerFSM eventKind = iota
	eventTimerRetransmit
	eventTimerMRD
	eventPacket
	eventLinkUp
	eventLinkDown
	eventAddrUpdate
	eventAcquire
	eventRelease
	eventDecline
	eventRestart
	eventRename
)

// event is the single tagged-union message type that drives a Device's
// run loop. Timer-sourced events carry a generation number so a timer
// that was superseded before it fired is dropped rather than acted on
// — spec.md §8 invariant 5: setting a new FSM timer cancels any prior
// one, with no risk of both firing.
type event struct {
	kind   eventKind
	gen    uint64
	pkt    []byte
	pktSrc netip.Addr
	req    *Request
	addr   AddrEvent
	name   string
}

// Device is one interface's DHCPv6 client: its identity, its current
// FSM state, its in-flight retransmission bookkeeping and, once Bound,
// its lease. Every field below is touched only from the Device's own
// goroutine (run); the few fields Manager needs to read from outside
// are copied out under mu.
//
// Concurrency model grounded on pkg/vrrp/instance.go's run(): one
// goroutine per instance owns all state, woken by a single event
// channel fed by timers, a packet reader, and the outside world.
type Device struct {
	mu sync.Mutex // guards only the fields below this comment

	ifindex int
	ifname  string
	refs    int

	manager *Manager
	clock   Clock
	rng     *rand.Rand

	transport Transport
	codec     MessageCodec
	netinfo   NetInfo

	events chan event
	stopCh chan struct{}
	stopWg sync.WaitGroup

	// FSM-owned state below; safe because only run() touches it.
	state      FSMState
	duid       DUID
	config     *Config
	request    *Request
	lease      *Lease
	best       bestOffer
	xid        uint32
	linkLocal  netip.Addr
	retrans    retransState
	fsmGen     uint64
	retransGen uint64
	mrdGen     uint64
	fsmTimer   *time.Timer
	retransT   *time.Timer
	mrdT       *time.Timer
	startedAt  time.Time

	policy ServerPolicy

	// sentCounts tallies messages transmitted by type, read by
	// Collector.Collect under mu and built into constant metrics there
	// rather than mutated gauges, matching pkg/api/metrics.go's
	// scrape-time computation style.
	sentCounts map[MessageType]uint64
}

// registry is the global ifindex-keyed Device table, spec.md §9's
// design note on a process-wide registry. Guarded by a plain
// sync.Mutex, matching pkg/dhcp.Manager's own mu rather than reaching
// for sync/atomic: every mutation already goes through this lock.
type registry struct {
	mu      sync.Mutex
	devices map[int]*Device
}

func newRegistry() *registry {
	return &registry{devices: make(map[int]*Device)}
}

// get returns the Device for ifindex, creating and registering one with
// refcount 1 if none exists yet, or incrementing the refcount of an
// existing one.
func (r *registry) get(ifindex int, newFn func() *Device) *Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.devices[ifindex]; ok {
		d.mu.Lock()
		d.refs++
		d.mu.Unlock()
		return d
	}
	d := newFn()
	r.devices[ifindex] = d
	return d
}

// put decrements a Device's refcount and, once it drops to zero, stops
// it and removes it from the registry.
func (r *registry) put(d *Device) {
	d.mu.Lock()
	d.refs--
	dead := d.refs <= 0
	d.mu.Unlock()
	if !dead {
		return
	}
	r.mu.Lock()
	delete(r.devices, d.ifindex)
	r.mu.Unlock()
	d.stop()
}

// removeForce removes d from the registry and stops it unconditionally,
// regardless of its current refcount — for device_event(DEVICE_DOWN),
// where the kernel interface itself is gone and no amount of remaining
// references can keep it alive.
func (r *registry) removeForce(d *Device) {
	r.mu.Lock()
	delete(r.devices, d.ifindex)
	r.mu.Unlock()
	d.stop()
}

// find returns the Device registered for ifindex without touching its
// refcount, an O(1) lookup against the ifindex-keyed map rather than a
// scan over snapshot().
func (r *registry) find(ifindex int) (*Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[ifindex]
	return d, ok
}

func (r *registry) snapshot() []*Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d)
	}
	return out
}

// newDevice constructs a Device in StateInit and starts its run loop.
// It does not register the Device in any registry; callers go through
// Manager.deviceFor, which wraps registry.get.
func newDevice(m *Manager, ifindex int, ifname string, transport Transport, codec MessageCodec, ni NetInfo, clk Clock, seed int64) *Device {
	d := &Device{
		ifindex:   ifindex,
		ifname:    ifname,
		refs:      1,
		manager:   m,
		clock:     clk,
		rng:       rand.New(rand.NewSource(seed)),
		transport: transport,
		codec:     codec,
		netinfo:   ni,
		events:    make(chan event, 32),
		stopCh:    make(chan struct{}),
		state:      StateInit,
		startedAt:  clk.Now(),
		policy:     m.Policy,
		sentCounts: make(map[MessageType]uint64),
	}
	d.stopWg.Add(1)
	go d.run()
	if transport != nil {
		d.stopWg.Add(1)
		go d.readLoop()
	}
	return d
}

var netipAddrZero netip.Addr

// uptime reports how long this Device has existed. The Elapsed-Time
// option does not use it: buildOptions measures from the current
// exchange's retransmission start instead (elapsedHundredths).
func (d *Device) uptime() time.Duration {
	return d.clock.Now().Sub(d.startedAt)
}

// getState returns the current FSM state under the Device's mutex, for
// callers outside the run loop (Manager snapshots, metrics collection).
func (d *Device) getState() FSMState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Device) setState(s FSMState) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
	slog.Debug("fsm state transition", "interface", d.ifname, "state", s.String())
}

func (d *Device) currentLease() *Lease {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lease
}

// setLease stores the Device's lease under mu, the write-side
// counterpart to currentLease's locked read — mirrors setState/getState
// above rather than leaving lease writes unsynchronized.
func (d *Device) setLease(lease *Lease) {
	d.mu.Lock()
	d.lease = lease
	d.mu.Unlock()
}

// setRetrans replaces the Device's retransmission state under mu, since
// Collect reads d.retrans.count through the same lock.
func (d *Device) setRetrans(rs retransState) {
	d.mu.Lock()
	d.retrans = rs
	d.mu.Unlock()
}

// withRetrans runs fn against d.retrans under mu, for the in-place
// mutations arm/advance perform on the existing state rather than
// replacing it outright.
func (d *Device) withRetrans(fn func(rs *retransState)) {
	d.mu.Lock()
	fn(&d.retrans)
	d.mu.Unlock()
}

// readLoop feeds inbound datagrams into the event channel so the run
// loop remains the sole mutator of FSM state, mirroring
// vrrpInstance.receiver()'s non-blocking hand-off.
func (d *Device) readLoop() {
	defer d.stopWg.Done()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-d.stopCh
		cancel()
	}()
	for {
		buf, src, err := d.transport.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Debug("transport recv error", "interface", d.ifname, "err", err)
			continue
		}
		cp := make([]byte, len(buf))
		copy(cp, buf)
		select {
		case d.events <- event{kind: eventPacket, pkt: cp, pktSrc: src.Addr()}:
		case <-d.stopCh:
			return
		}
	}
}

// run is the Device's single state-mutating goroutine.
func (d *Device) run() {
	defer d.stopWg.Done()
	for {
		select {
		case ev := <-d.events:
			d.handleEvent(ev)
		case <-d.stopCh:
			// A caller (e.g. Manager.Release) may have queued an
			// event and then immediately dropped the Device's last
			// reference, closing stopCh before this goroutine's
			// select gets around to picking it up; select between
			// two ready cases is unspecified, so drain whatever is
			// already queued rather than risk silently losing it.
			d.drainEvents()
			return
		}
	}
}

func (d *Device) drainEvents() {
	for {
		select {
		case ev := <-d.events:
			d.handleEvent(ev)
		default:
			return
		}
	}
}

// stop asks the run loop to exit and waits for it to do so, closing the
// transport only after the loop (and its reader) have both returned so
// neither ever touches a closed socket.
func (d *Device) stop() {
	close(d.stopCh)
	d.stopWg.Wait()
	d.cancelFSMTimer()
	d.cancelRetransTimer()
	d.cancelMRDTimer()
	if d.transport != nil {
		_ = d.transport.Close()
	}
	slog.Info("device stopped", "interface", d.ifname)
}

// armFSMTimer arms the single general-purpose FSM timer (WaitReady,
// Bound's wait for T1, Selecting's first-RT wait), canceling any timer previously armed through this method —
// spec.md §8 invariant 5.
func (d *Device) armFSMTimer(after time.Duration) {
	d.cancelFSMTimer()
	d.fsmGen++
	gen := d.fsmGen
	d.fsmTimer = time.AfterFunc(after, func() {
		select {
		case d.events <- event{kind: eventTimerFSM, gen: gen}:
		case <-d.stopCh:
		}
	})
}

func (d *Device) cancelFSMTimer() {
	if d.fsmTimer != nil {
		d.fsmTimer.Stop()
		d.fsmTimer = nil
	}
	d.fsmGen++
}

// armRetransTimer arms the retransmission controller's own schedule —
// distinct from the general FSM timer because both can legitimately be
// in flight at once (e.g. Selecting's first-RT collection window
// alongside its own RT-paced Solicit retransmissions).
func (d *Device) armRetransTimer(after time.Duration) {
	d.cancelRetransTimer()
	d.retransGen++
	gen := d.retransGen
	d.retransT = time.AfterFunc(after, func() {
		select {
		case d.events <- event{kind: eventTimerRetransmit, gen: gen}:
		case <-d.stopCh:
		}
	})
}

func (d *Device) cancelRetransTimer() {
	if d.retransT != nil {
		d.retransT.Stop()
		d.retransT = nil
	}
	d.retransGen++
}

func (d *Device) armMRDTimer(after time.Duration) {
	d.cancelMRDTimer()
	d.mrdGen++
	gen := d.mrdGen
	d.mrdT = time.AfterFunc(after, func() {
		select {
		case d.events <- event{kind: eventTimerMRD, gen: gen}:
		case <-d.stopCh:
		}
	})
}

func (d *Device) cancelMRDTimer() {
	if d.mrdT != nil {
		d.mrdT.Stop()
		d.mrdT = nil
	}
	d.mrdGen++
}

// send encodes and transmits one message (whose option bag, including
// ElapsedTime, buildOptions has already assembled), counting and
// logging the attempt the way ni_dhcp6_device_transmit does.
func (d *Device) send(msgType MessageType, opts []Option, dest netip.AddrPort) error {
	om := &OutMessage{Type: msgType, Xid: d.xid, Options: opts}
	buf, err := d.codec.Encode(om)
	if err != nil {
		return fmt.Errorf("send %s: %w", msgType, err)
	}
	if _, err := d.transport.Send(context.Background(), buf, dest); err != nil {
		return err
	}
	d.mu.Lock()
	d.sentCounts[msgType]++
	d.mu.Unlock()
	slog.Debug("sent message", "interface", d.ifname, "type", msgType.String(), "xid", d.xid)
	return nil
}

// newXid generates a fresh 24-bit transaction ID for a new exchange.
func (d *Device) newXid() uint32 {
	d.xid = d.rng.Uint32() & 0x00ffffff
	return d.xid
}
