package dhcp6

import (
	"log/slog"
	"net/netip"
	"time"
)

// serverMulticast is where every client-originated Solicit/Confirm/
// Rebind/Information-Request is sent.
var serverMulticast = netip.AddrPortFrom(AllDHCPServersAndRelayAgents, ServerPort)

// beginAcquire starts (or restarts) acquisition for whatever Request is
// currently stored on the Device, the engine's analogue of
// ni_dhcp6_acquire: resolve identity, then either jump straight to
// WaitReady (if no usable link-local address yet) or to Selecting.
func (d *Device) beginAcquire() {
	cfg, err := d.resolveConfig(d.request)
	if err != nil {
		slog.Warn("acquire failed", "interface", d.ifname, "err", err)
		return
	}
	d.config = cfg

	iface, err := d.netinfo.ByIndex(d.ifindex)
	if err != nil || !iface.Up {
		d.setState(StateWaitReady)
		d.startWaitReady()
		return
	}
	addr, result := iface.findLinkLocal()
	switch result {
	case lladdrReady:
		d.linkLocal = addr
		d.onWaitReadySatisfied()
	case lladdrError:
		slog.Warn("acquire failed", "interface", d.ifname, "err", newError(ErrDuplicateLinklocal, "find_lladdr", nil))
	default: // lladdrWait
		d.setState(StateWaitReady)
		d.startWaitReady()
	}
}

// resolveConfig turns a Request plus Manager-level defaults into a
// validated Config, resolving the client's DUID along the way —
// ni_dhcp6_config_init_duid's precedence chain realized through
// resolveDUID.
func (d *Device) resolveConfig(req *Request) (*Config, error) {
	duid, err := resolveDUID(req.ClientDUIDHex, d.manager.DefaultDUID, d.manager.StateDir, d.netinfo, d.ifindex, d.clock)
	if err != nil {
		return nil, err
	}
	d.duid = duid

	cfg := &Config{
		UUID:              req.UUID,
		UpdateMask:        req.UpdateMask,
		InfoOnly:          req.InfoOnly,
		RapidCommit:       req.RapidCommit,
		PreferredLifetime: req.PreferredLifetime,
		ClientDUID:        duid,
		IAs:               req.IAs,
		Hostname:          req.Hostname,
	}
	cfg.UserClass = req.UserClass
	if len(cfg.UserClass) == 0 {
		cfg.UserClass = d.manager.UserClassData
	}
	cfg.VendorClassEnterprise = req.VendorClassEnterprise
	cfg.VendorClassData = req.VendorClassData
	if cfg.VendorClassEnterprise == 0 {
		cfg.VendorClassEnterprise = d.manager.vendorClassEnterprise()
		cfg.VendorClassData = d.manager.vendorClassData()
	}
	cfg.VendorOpts = req.VendorOpts
	if len(cfg.VendorOpts) == 0 {
		cfg.VendorOpts = d.manager.VendorOpts
	}

	if !cfg.InfoOnly {
		for i := range cfg.IAs {
			if cfg.IAs[i].IAID != 0 {
				continue
			}
			iface, _ := d.netinfo.ByIndex(d.ifindex)
			iaid, err := deriveIAID(iface.Name, iface.HWAddr, iface.VLANTag, d.ifindex)
			if err != nil {
				return nil, err
			}
			cfg.IAs[i].IAID = iaid
		}
	}
	return cfg, nil
}

func (d *Device) startWaitReady() {
	d.armFSMTimer(WaitReadyTimeout)
}

// onWaitReadySatisfied moves from WaitReady (or straight from Init) to
// the exchange appropriate for the current Config: Information-Request
// for info-only acquisitions, Confirm if a still-live lease exists,
// Solicit otherwise.
func (d *Device) onWaitReadySatisfied() {
	d.cancelFSMTimer()
	switch {
	case d.config.InfoOnly:
		d.beginInformationRequest()
	case d.lease != nil && d.lease.Valid(d.clock.Now()):
		d.beginConfirm()
	default:
		d.beginSolicit()
	}
}

// onFSMTimeout handles the single general-purpose FSM timer firing:
// WaitReady gave up, Selecting's first-RT window closed, or Bound's T1
// deadline arrived (T2 is enforced as the Renew exchange's MRD).
func (d *Device) onFSMTimeout() {
	switch d.state {
	case StateWaitReady:
		slog.Warn("wait_ready timed out", "interface", d.ifname)
		d.setState(StateStopped)
	case StateSelecting:
		d.finishSelecting()
	case StateBound:
		d.onBoundTimeout()
	}
}

// ---- Solicit / Selecting / Requesting ----

func (d *Device) beginSolicit() {
	d.setState(StateSelecting)
	d.newXid()
	d.best = bestOffer{weight: -1}
	d.setRetrans(newRetransState(MessageSolicit, d.clock, 0))
	d.scheduleFirstTransmit(MessageSolicit, true)
}

// scheduleFirstTransmit arms the initial randomized delay (if the
// exchange kind has one) before sending the first copy of msgType, or
// sends immediately and arms the first RT timer if it doesn't.
func (d *Device) scheduleFirstTransmit(msgType MessageType, firstInSelecting bool) {
	delay := initialDelay(msgType, d.rng)
	if delay > 0 {
		d.armRetransTimer(delay)
		return
	}
	d.transmitAndArm(msgType, firstInSelecting)
}

func (d *Device) onRetransmitTimeout() {
	switch d.state {
	case StateSelecting:
		d.transmitAndArm(MessageSolicit, true)
	case StateRequesting:
		d.transmitAndArm(MessageRequest, false)
	case StateConfirming:
		d.transmitAndArm(MessageConfirm, false)
	case StateRenewing:
		d.transmitAndArm(MessageRenew, false)
	case StateRebinding:
		d.transmitAndArm(MessageRebind, false)
	case StateInfoRequest:
		d.transmitAndArm(MessageInformationRequest, false)
	case StateReleasing:
		// Release is a single best-effort send; see beginRelease.
	}
}

// transmitAndArm sends one copy of the current exchange's message and
// arms the next retransmission (or gives up if MRC/MRD has been
// reached), following ni_dhcp6_device_retransmit_arm/_advance.
func (d *Device) transmitAndArm(msgType MessageType, firstInSelecting bool) {
	var giveUp bool
	var kind ErrorKind
	d.withRetrans(func(rs *retransState) { giveUp, kind = rs.advance(d.clock.Now()) })
	if giveUp {
		d.onExchangeFailed(newError(kind, "retransmit", nil))
		return
	}
	opts := d.buildOptions(msgType)
	if err := d.send(msgType, opts, serverMulticast); err != nil {
		slog.Warn("transmit failed", "interface", d.ifname, "type", msgType.String(), "err", err)
	}
	var rt time.Duration
	d.withRetrans(func(rs *retransState) { rt = rs.arm(d.rng, firstInSelecting && rs.count == 1) })
	d.armRetransTimer(rt)
	if d.state == StateSelecting && d.retrans.count == 1 {
		// The first RT in Selecting also doubles as the FSM timer
		// that ends the collection window; spec.md §4.5.
		d.armFSMTimer(rt)
	}
	if mrd := d.retrans.remaining(d.clock.Now()); mrd > 0 {
		d.armMRDTimer(mrd)
	}
}

func (d *Device) onMRDExpired() {
	d.onExchangeFailed(newError(ErrMRDExpired, "mrd", nil))
}

func (d *Device) onExchangeFailed(err error) {
	slog.Warn("exchange failed", "interface", d.ifname, "state", d.state.String(), "err", err)
	d.cancelRetransTimer()
	d.cancelMRDTimer()
	switch d.state {
	case StateRenewing, StateRebinding:
		// RFC 3315 §18.1.3/18.1.4: Renew giving up (its MRD ends at
		// T2) moves on to Rebind; otherwise keep using the current
		// lease until it actually expires, and with an expired lease
		// return to Init to acquire anew.
		if d.state == StateRenewing && d.lease != nil && d.lease.Valid(d.clock.Now()) {
			d.beginRebind()
			return
		}
		if d.lease != nil && d.lease.Valid(d.clock.Now()) {
			d.setState(StateBound)
			d.armBoundTimer()
			return
		}
		d.setLease(nil)
		d.setState(StateInit)
		d.beginAcquire()
	case StateConfirming:
		// spec.md §7: MRC/MRD exhaustion during Confirm drops the
		// lease and returns to Selecting, same as an explicit
		// NotOnLink reply (onServerRejected) — otherwise
		// beginAcquire sees a still-"valid" lease and Confirms
		// again, repeating the exact failure forever.
		d.cancelFSMTimer()
		d.setLease(nil)
		d.setState(StateInit)
		d.beginAcquire()
	default:
		d.cancelFSMTimer()
		d.setState(StateInit)
		d.beginAcquire()
	}
}

// finishSelecting ends the collection window and moves to Requesting
// with whichever Advertise (if any) won under the Server Policy.
func (d *Device) finishSelecting() {
	d.cancelRetransTimer()
	d.cancelMRDTimer()
	if d.best.weight < 0 {
		d.onExchangeFailed(newError(ErrMRCExceeded, "selecting", nil))
		return
	}
	if d.best.lease != nil && d.config.RapidCommit && d.best.weight == rapidCommitWeight {
		d.bindLease(d.best.lease)
		return
	}
	d.beginRequest()
}

func (d *Device) beginRequest() {
	d.setState(StateRequesting)
	d.newXid()
	d.setRetrans(newRetransState(MessageRequest, d.clock, 0))
	d.transmitAndArm(MessageRequest, false)
}

// ---- Confirm ----

func (d *Device) beginConfirm() {
	d.setState(StateConfirming)
	d.newXid()
	d.setRetrans(newRetransState(MessageConfirm, d.clock, 0))
	d.scheduleFirstTransmit(MessageConfirm, false)
}

// ---- Information-Request ----

func (d *Device) beginInformationRequest() {
	d.setState(StateInfoRequest)
	d.newXid()
	d.setRetrans(newRetransState(MessageInformationRequest, d.clock, 0))
	d.scheduleFirstTransmit(MessageInformationRequest, false)
}

// ---- Bound / Renew / Rebind ----

func (d *Device) bindLease(lease *Lease) {
	d.cancelFSMTimer()
	d.cancelRetransTimer()
	d.cancelMRDTimer()
	lease.Obtained = d.clock.Now()
	d.setLease(lease)
	d.setState(StateBound)
	d.armBoundTimer()
	slog.Info("lease bound", "interface", d.ifname, "ias", len(lease.IAs))
}

// armBoundTimer arms the FSM timer for T1 (entering Renewing next), the
// single timer Bound needs.
func (d *Device) armBoundTimer() {
	if d.lease == nil {
		return
	}
	t1, _ := d.lease.minT1T2()
	if t1 <= 0 {
		t1 = time.Hour // RFC 3315 §22.4: T1==0 lets the client choose; be conservative
	}
	remaining := t1 - d.clock.Now().Sub(d.lease.Obtained)
	if remaining < 0 {
		remaining = 0
	}
	d.armFSMTimer(remaining)
}

func (d *Device) onBoundTimeout() {
	d.beginRenew()
}

func (d *Device) beginRenew() {
	if d.lease == nil {
		d.setState(StateInit)
		d.beginAcquire()
		return
	}
	d.setState(StateRenewing)
	d.newXid()
	_, t2 := d.lease.minT1T2()
	bound := t2 - d.clock.Now().Sub(d.lease.Obtained)
	if bound < 0 {
		bound = 0
	}
	d.setRetrans(newRetransState(MessageRenew, d.clock, bound))
	d.transmitAndArm(MessageRenew, false)
}

func (d *Device) beginRebind() {
	if d.lease == nil {
		d.setState(StateInit)
		d.beginAcquire()
		return
	}
	d.setState(StateRebinding)
	d.newXid()
	validEnd := d.longestValidLifetime()
	bound := validEnd - d.clock.Now().Sub(d.lease.Obtained)
	if bound < 0 {
		bound = 0
	}
	d.setRetrans(newRetransState(MessageRebind, d.clock, bound))
	d.transmitAndArm(MessageRebind, false)
}

func (d *Device) longestValidLifetime() time.Duration {
	var max time.Duration
	for _, ia := range d.lease.IAs {
		for _, a := range ia.Addrs {
			if a.ValidLifetime > max {
				max = a.ValidLifetime
			}
		}
		for _, p := range ia.Prefixes {
			if p.ValidLifetime > max {
				max = p.ValidLifetime
			}
		}
	}
	return max
}

// ---- Release ----

// beginRelease sends exactly one Release and stops the Device
// regardless of whether a reply arrives, per spec.md's design note and
// ni_dhcp6_release's commented-out retry logic in the original source:
// RFC 3315 §18.1.6 already says the client MAY stop without waiting.
func (d *Device) beginRelease() {
	if d.lease == nil {
		d.setState(StateStopped)
		return
	}
	d.setState(StateReleasing)
	d.newXid()
	opts := d.buildOptions(MessageRelease)
	if err := d.send(MessageRelease, opts, serverMulticast); err != nil {
		slog.Warn("release send failed", "interface", d.ifname, "err", err)
	}
	d.setLease(nil)
	d.setState(StateStopped)
}

// beginDecline sends a single best-effort Decline for the addresses a
// duplicate-address check found unusable, then starts over from Init
// to ask the server for different ones — RFC 3315 §18.1.7.
func (d *Device) beginDecline() {
	if d.lease == nil {
		d.setState(StateInit)
		d.beginAcquire()
		return
	}
	d.setState(StateDeclining)
	d.newXid()
	opts := d.buildOptions(MessageDecline)
	if err := d.send(MessageDecline, opts, serverMulticast); err != nil {
		slog.Warn("decline send failed", "interface", d.ifname, "err", err)
	}
	d.setLease(nil)
	d.setState(StateInit)
	d.beginAcquire()
}

func (d *Device) onDeclineRequest() {
	d.cancelFSMTimer()
	d.cancelRetransTimer()
	d.cancelMRDTimer()
	d.beginDecline()
}

// onReleaseRequest is the entry point Manager.Release calls.
func (d *Device) onReleaseRequest() {
	d.cancelFSMTimer()
	d.cancelRetransTimer()
	d.cancelMRDTimer()
	d.beginRelease()
}

// abortExchange cancels whatever in-flight exchange exists without
// tearing down the Device itself, used when link/address loss
// interrupts acquisition.
func (d *Device) abortExchange(err error) {
	slog.Debug("exchange aborted", "interface", d.ifname, "state", d.state.String(), "err", err)
	d.cancelRetransTimer()
	d.cancelMRDTimer()
}

// ---- Acquire entry point ----

func (d *Device) onAcquire(req *Request) {
	d.request = req
	d.cancelFSMTimer()
	d.cancelRetransTimer()
	d.cancelMRDTimer()
	d.setState(StateInit)
	d.beginAcquire()
}

// rapidCommitWeight is a sentinel weight marking an Advertise that
// actually arrived as an immediate Reply via Rapid Commit — it always
// wins Selecting outright.
const rapidCommitWeight = 1 << 30
