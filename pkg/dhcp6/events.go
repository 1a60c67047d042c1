package dhcp6

import "log/slog"

// handleEvent is the run loop's sole dispatch point: every mutation of
// FSM state happens here, on the Device's own goroutine, in response to
// exactly one event at a time.
func (d *Device) handleEvent(ev event) {
	switch ev.kind {
	case eventTimerFSM:
		if ev.gen != d.fsmGen {
			return // superseded before it fired; spec.md §8 invariant 5
		}
		d.onFSMTimeout()
	case eventTimerRetransmit:
		if ev.gen != d.retransGen {
			return
		}
		d.onRetransmitTimeout()
	case eventTimerMRD:
		if ev.gen != d.mrdGen {
			return
		}
		d.onMRDExpired()
	case eventPacket:
		d.onPacket(ev.pkt, ev.pktSrc)
	case eventLinkUp:
		d.onLinkEvent(true)
	case eventLinkDown:
		d.onLinkEvent(false)
	case eventAddrUpdate:
		d.onAddrEvent(ev.addr)
	case eventAcquire:
		d.onAcquire(ev.req)
	case eventRelease:
		d.onReleaseRequest()
	case eventDecline:
		d.onDeclineRequest()
	case eventRestart:
		d.onRestart()
	case eventRename:
		d.onRename(ev.name)
	}
}

// onLinkEvent is the Device-side half of ni_dhcp6_device_event: link
// going down aborts whatever exchange is in flight and restarts
// acquisition from Init once it comes back, mirroring the original's
// treatment of NI_EVENT_LINK_DOWN/NI_EVENT_LINK_UP. Bound is special:
// spec.md §7 has link-down suspend the Device rather than drop its
// lease, so only the T1 timer is canceled, and link-up resumes with a
// Confirm rather than a fresh acquisition from Init.
func (d *Device) onLinkEvent(up bool) {
	if up {
		slog.Info("link up", "interface", d.ifname)
		switch d.state {
		case StateStopped:
			return
		case StateBound:
			d.beginConfirm()
			return
		}
		if d.request != nil && (d.state == StateInit || d.state == StateWaitReady) {
			d.beginAcquire()
		}
		return
	}
	slog.Info("link down", "interface", d.ifname)
	if d.state == StateStopped {
		return
	}
	if d.state == StateBound {
		d.cancelFSMTimer()
		return
	}
	d.abortExchange(newError(ErrLinkDown, "link_event", nil))
	d.setState(StateInit)
	d.cancelFSMTimer()
	d.cancelRetransTimer()
	d.cancelMRDTimer()
}

// onAddrEvent is the Device-side half of ni_dhcp6_address_event: a new
// link-local address can satisfy WaitReady; losing the one the FSM was
// using forces back to WaitReady from any state.
func (d *Device) onAddrEvent(ev AddrEvent) {
	switch ev.Kind {
	case AddrAdded:
		if !ev.Addr.Is6() || !ev.Addr.IsLinkLocalUnicast() {
			return
		}
		if d.state == StateWaitReady {
			d.linkLocal = ev.Addr
			d.onWaitReadySatisfied()
		}
	case AddrRemoved:
		if d.linkLocal.IsValid() && ev.Addr == d.linkLocal {
			d.linkLocal = netipAddrZero
			if d.state != StateInit && d.state != StateStopped {
				d.abortExchange(newError(ErrNoLinklocal, "address_event", nil))
				d.setState(StateWaitReady)
				d.startWaitReady()
			}
		}
	}
}

// onRename is the Device-side half of device_event(DEVICE_UP) when the
// kernel reports a name change for an interface that still exists —
// ni_dhcp6_device_event's rename path. It only updates the name used in
// logging and metrics; it does not affect FSM state.
func (d *Device) onRename(name string) {
	d.mu.Lock()
	d.ifname = name
	d.mu.Unlock()
	slog.Info("interface renamed", "ifindex", d.ifindex, "new_name", name)
}

// onRestart replays acquisition for a Device that still holds a
// Request, the engine's analogue of ni_dhcp6_restart: used by
// Manager.RestartAll after a process restart once NetInfo reports
// current link state.
func (d *Device) onRestart() {
	if d.request == nil {
		return
	}
	d.setState(StateInit)
	d.beginAcquire()
}
