package dhcp6

import (
	"log/slog"
	"net/netip"
	"time"
)

// buildOptions assembles the option bag for msgType from the Device's
// current Config/lease, following the option sets
// ni_dhcp6_device_transmit's callers build per message type (RFC 3315
// §18.1).
func (d *Device) buildOptions(msgType MessageType) []Option {
	opts := []Option{
		ClientIDOption{DUID: d.duid},
		ElapsedTimeOption{Value: elapsedHundredths(d.retrans.start, d.clock.Now())},
	}
	switch msgType {
	case MessageSolicit:
		if d.config.RapidCommit {
			opts = append(opts, RapidCommitOption{})
		}
		opts = append(opts, d.iaOptionsFromConfig()...)
		opts = append(opts, d.requestOptions()...)
	case MessageRequest:
		opts = append(opts, ServerIDOption{DUID: d.best.serverID})
		opts = append(opts, d.iaOptionsFromLease(d.best.lease)...)
		opts = append(opts, d.requestOptions()...)
	case MessageRenew, MessageRebind:
		if msgType == MessageRenew {
			opts = append(opts, ServerIDOption{DUID: d.lease.ServerDUID})
		}
		opts = append(opts, d.iaOptionsFromLease(d.lease)...)
		opts = append(opts, d.requestOptions()...)
	case MessageConfirm:
		opts = append(opts, d.iaOptionsFromLease(d.lease)...)
	case MessageRelease, MessageDecline:
		opts = append(opts, ServerIDOption{DUID: d.lease.ServerDUID})
		opts = append(opts, d.iaOptionsFromLease(d.lease)...)
	case MessageInformationRequest:
		opts = append(opts, d.requestOptions()...)
	}
	if len(d.config.UserClass) > 0 {
		opts = append(opts, UserClassOption{Data: d.config.UserClass})
	}
	if len(d.config.VendorClassData) > 0 {
		opts = append(opts, VendorClassOption{Enterprise: d.config.VendorClassEnterprise, Data: d.config.VendorClassData})
	}
	if len(d.config.VendorOpts) > 0 {
		opts = append(opts, VendorOptsOption{Enterprise: d.config.VendorClassEnterprise, Data: d.config.VendorOpts})
	}
	if d.config.Hostname != "" {
		opts = append(opts, FQDNOption{Flags: 0x01, Name: d.config.Hostname}) // S=1: ask server to update AAAA
	}
	return opts
}

func (d *Device) requestOptions() []Option {
	return []Option{OroOption{Codes: []OptionCode{
		OptionCode(23), // DNS recursive name server, kept numeric to avoid importing the codec's constant registry here
		OptionCode(24), // Domain search list
		OptionCode(31), // NTP server
	}}}
}

func (d *Device) iaOptionsFromConfig() []Option {
	var out []Option
	for _, ia := range d.config.IAs {
		switch ia.Kind {
		case IAKindNA:
			out = append(out, IANAOption{IAID: ia.IAID, Addrs: hintAddrs(ia.Addrs)})
		case IAKindTA:
			out = append(out, IATAOption{IAID: ia.IAID, Addrs: hintAddrs(ia.Addrs)})
		case IAKindPD:
			out = append(out, IAPDOption{IAID: ia.IAID, Prefixes: hintPrefixes(ia.Prefixes)})
		}
	}
	return out
}

func hintAddrs(addrs []netip.Addr) []IAAddrOption {
	out := make([]IAAddrOption, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, IAAddrOption{Addr: a})
	}
	return out
}

func hintPrefixes(prefixes []netip.Prefix) []IAPrefixOption {
	out := make([]IAPrefixOption, 0, len(prefixes))
	for _, p := range prefixes {
		out = append(out, IAPrefixOption{Prefix: p})
	}
	return out
}

func (d *Device) iaOptionsFromLease(lease *Lease) []Option {
	if lease == nil {
		return nil
	}
	var out []Option
	for _, ia := range lease.IAs {
		switch ia.Kind {
		case IAKindNA:
			out = append(out, IANAOption{IAID: ia.IAID, T1: ia.T1, T2: ia.T2, Addrs: leaseAddrsToOpt(ia.Addrs)})
		case IAKindTA:
			out = append(out, IATAOption{IAID: ia.IAID, Addrs: leaseAddrsToOpt(ia.Addrs)})
		case IAKindPD:
			out = append(out, IAPDOption{IAID: ia.IAID, T1: ia.T1, T2: ia.T2, Prefixes: leasePrefixesToOpt(ia.Prefixes)})
		}
	}
	return out
}

func leaseAddrsToOpt(addrs []LeaseAddr) []IAAddrOption {
	out := make([]IAAddrOption, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, IAAddrOption{Addr: a.Addr, PreferredLifetime: a.PreferredLifetime, ValidLifetime: a.ValidLifetime})
	}
	return out
}

func leasePrefixesToOpt(prefixes []LeasePrefix) []IAPrefixOption {
	out := make([]IAPrefixOption, 0, len(prefixes))
	for _, p := range prefixes {
		out = append(out, IAPrefixOption{Prefix: p.Prefix, PreferredLifetime: p.PreferredLifetime, ValidLifetime: p.ValidLifetime})
	}
	return out
}

func elapsedHundredths(start, now time.Time) uint16 {
	d := now.Sub(start)
	if d < 0 {
		return 0
	}
	h := d.Milliseconds() / 10
	if h > 0xffff {
		return 0xffff
	}
	return uint16(h)
}

// onPacket decodes an inbound datagram and, if it is relevant to the
// current exchange, dispatches it to the matching handler. src is the
// datagram's source address, needed by onAdvertise to apply
// address-based Server Policy.
func (d *Device) onPacket(buf []byte, src netip.Addr) {
	msg, err := d.codec.Decode(buf)
	if err != nil {
		slog.Debug("decode failed", "interface", d.ifname, "err", err)
		return
	}
	if msg.Xid != d.xid {
		return // stale or foreign transaction
	}
	switch d.state {
	case StateSelecting:
		if msg.Type == MessageAdvertise {
			d.onAdvertise(msg, src)
		} else if msg.Type == MessageReply && msg.hasRapidCommit() {
			d.onRapidCommitReply(msg)
		}
	case StateRequesting, StateRenewing, StateRebinding, StateConfirming, StateInfoRequest:
		if msg.Type == MessageReply {
			d.onReply(msg)
		}
	}
}

func (d *Device) onAdvertise(msg *InMessage, src netip.Addr) {
	serverID := msg.serverID()
	pref := msg.preference()
	weight := d.policy.weight(serverID, pref, src)
	if weight < 0 {
		return
	}
	lease := leaseFromMessage(msg, serverID)
	d.best.consider(lease, serverID, weight)
	if d.policy.shortCircuit(weight) {
		d.finishSelecting()
	}
}

func (d *Device) onRapidCommitReply(msg *InMessage) {
	lease := leaseFromMessage(msg, msg.serverID())
	d.cancelRetransTimer()
	d.cancelFSMTimer()
	d.bindLease(lease)
}

func (d *Device) onReply(msg *InMessage) {
	if status := msg.status(); status != StatusSuccess {
		d.onServerRejected(status)
		return
	}
	switch d.state {
	case StateConfirming:
		// Confirm's Reply carries no IAs to bind; Success just
		// means the client's addresses are still on-link.
		d.cancelRetransTimer()
		d.cancelMRDTimer()
		d.setState(StateBound)
		d.armBoundTimer()
		return
	case StateInfoRequest:
		d.cancelRetransTimer()
		d.setState(StateStopped)
		return
	}
	lease := leaseFromMessage(msg, msg.serverID())
	d.cancelRetransTimer()
	d.cancelMRDTimer()
	d.bindLease(lease)
}

func (d *Device) onServerRejected(status StatusCode) {
	err := rejectedError("reply", status)
	switch d.state {
	case StateConfirming:
		if status == StatusNotOnLink {
			// RFC 3315 §18.1.2: NotOnLink means start over from
			// Solicit, the client has moved networks.
			d.cancelRetransTimer()
			d.cancelMRDTimer()
			d.setLease(nil)
			d.beginSolicit()
			return
		}
	}
	d.onExchangeFailed(err)
}

func leaseFromMessage(msg *InMessage, serverID DUID) *Lease {
	lease := &Lease{Source: "dhcp6", ServerDUID: serverID}
	for _, o := range msg.ias() {
		switch ia := o.(type) {
		case IANAOption:
			lease.IAs = append(lease.IAs, LeaseIA{Kind: IAKindNA, IAID: ia.IAID, T1: ia.T1, T2: ia.T2, Addrs: optAddrsToLease(ia.Addrs)})
		case IATAOption:
			lease.IAs = append(lease.IAs, LeaseIA{Kind: IAKindTA, IAID: ia.IAID, Addrs: optAddrsToLease(ia.Addrs)})
		case IAPDOption:
			lease.IAs = append(lease.IAs, LeaseIA{Kind: IAKindPD, IAID: ia.IAID, T1: ia.T1, T2: ia.T2, Prefixes: optPrefixesToLease(ia.Prefixes)})
		}
	}
	return lease
}

func optAddrsToLease(addrs []IAAddrOption) []LeaseAddr {
	out := make([]LeaseAddr, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, LeaseAddr{Addr: a.Addr, PreferredLifetime: a.PreferredLifetime, ValidLifetime: a.ValidLifetime})
	}
	return out
}

func optPrefixesToLease(prefixes []IAPrefixOption) []LeasePrefix {
	out := make([]LeasePrefix, 0, len(prefixes))
	for _, p := range prefixes {
		out = append(out, LeasePrefix{Prefix: p.Prefix, PreferredLifetime: p.PreferredLifetime, ValidLifetime: p.ValidLifetime})
	}
	return out
}
