package dhcp6

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// AddrFlags mirrors the kernel's per-address DAD/lifetime flags, spec.md
// §6's NetInfo contract: addrs[] carry flags(tentative/duplicate/
// permanent/deprecated).
type AddrFlags int

const (
	AddrTentative AddrFlags = 1 << iota
	AddrDuplicate
	AddrPermanent
	AddrDeprecated
)

// IfaceAddr is one address reported against an interface, carrying the
// DAD-state flags find_lladdr needs to tell "not ready yet" (tentative)
// apart from "never usable" (duplicate).
type IfaceAddr struct {
	Addr  netip.Addr
	Flags AddrFlags
}

// Iface is the subset of kernel link state the engine needs: index,
// name, hardware address, operational state, and every address
// currently configured.
type Iface struct {
	Index   int
	Name    string
	HWAddr  []byte
	ARPType int // ARPHRD_* constant
	Up      bool
	Addrs   []IfaceAddr
	VLANTag int // 0 if not a VLAN sub-interface
}

// lladdrResult is find_lladdr's three-way outcome, spec.md §4.4: ready
// if a usable link-local address exists, wait if only tentative ones do
// (or none at all yet), error if any are flagged duplicate.
type lladdrResult int

const (
	lladdrReady lladdrResult = iota
	lladdrWait
	lladdrError
)

// findLinkLocal implements find_lladdr: scan the interface's addresses
// for a non-tentative, non-duplicate IPv6 link-local one. A duplicate
// takes priority over a ready address found elsewhere in the list,
// matching spec.md §6's "error if any are duplicate."
func (i Iface) findLinkLocal() (netip.Addr, lladdrResult) {
	var ready netip.Addr
	haveReady := false
	for _, a := range i.Addrs {
		if !a.Addr.Is6() || !a.Addr.IsLinkLocalUnicast() {
			continue
		}
		if a.Flags&AddrDuplicate != 0 {
			return netip.Addr{}, lladdrError
		}
		if a.Flags&AddrTentative != 0 {
			continue
		}
		if !haveReady {
			ready, haveReady = a.Addr, true
		}
	}
	if haveReady {
		return ready, lladdrReady
	}
	return netip.Addr{}, lladdrWait
}

// LinkEvent reports a change in the carrier (operational) state of an
// interface that is known to still exist, the engine's analogue of
// link_event(LINK_DOWN/UP).
type LinkEvent struct {
	Index int
	Up    bool
}

// DeviceEvent reports a change in an interface's existence or name —
// the engine's analogue of device_event(DEVICE_UP/DOWN), distinct from
// LinkEvent's carrier-state notion of up/down. Present is false when
// the kernel has removed the interface entirely (RTM_DELLINK); Name
// carries the interface's current name whenever the kernel reports one
// (RTM_NEWLINK), letting a caller detect a rename.
type DeviceEvent struct {
	Index   int
	Name    string
	Present bool
}

// AddrKind distinguishes address addition from removal in AddrEvent.
type AddrKind int

const (
	AddrAdded AddrKind = iota
	AddrRemoved
)

// AddrEvent reports an address change on an interface, the engine's
// analogue of ni_dhcp6_address_event.
type AddrEvent struct {
	Index int
	Kind  AddrKind
	Addr  netip.Addr
}

// NetInfo is the engine's view onto kernel link/address state, per
// spec.md §6's NetInfo contract. netlinkNetInfo is the concrete adapter
// this repository ships; tests substitute a fake.
type NetInfo interface {
	ByIndex(ifindex int) (Iface, error)
	List() ([]Iface, error)
	Subscribe(ctx context.Context) (<-chan LinkEvent, <-chan AddrEvent, <-chan DeviceEvent, error)
}

// netlinkNetInfo implements NetInfo on top of github.com/vishvananda/netlink,
// the same library the teacher's pkg/dhcp and pkg/vrrp use for interface
// and address inspection.
type netlinkNetInfo struct{}

// NewNetlinkNetInfo returns the default NetInfo adapter, backed by the
// host kernel's netlink socket.
func NewNetlinkNetInfo() NetInfo { return netlinkNetInfo{} }

func (netlinkNetInfo) ByIndex(ifindex int) (Iface, error) {
	link, err := netlink.LinkByIndex(ifindex)
	if err != nil {
		return Iface{}, newError(ErrNoInterface, "netinfo.by_index", err)
	}
	return ifaceFromLink(link)
}

func (netlinkNetInfo) List() ([]Iface, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, fmt.Errorf("netinfo.list: %w", err)
	}
	out := make([]Iface, 0, len(links))
	for _, l := range links {
		ifc, err := ifaceFromLink(l)
		if err != nil {
			continue
		}
		out = append(out, ifc)
	}
	return out, nil
}

func ifaceFromLink(link netlink.Link) (Iface, error) {
	attrs := link.Attrs()
	ifc := Iface{
		Index:   attrs.Index,
		Name:    attrs.Name,
		HWAddr:  []byte(attrs.HardwareAddr),
		Up:      attrs.OperState == netlink.OperUp || attrs.Flags&netlinkFlagUp != 0,
		ARPType: encapTypeToARPHRD(attrs.EncapType),
	}
	if vlan, ok := link.(*netlink.Vlan); ok {
		ifc.VLANTag = vlan.VlanId
	}
	addrs, err := netlink.AddrList(link, unix.AF_INET6)
	if err == nil {
		for _, a := range addrs {
			addr, ok := netip.AddrFromSlice(a.IP.To16())
			if !ok {
				continue
			}
			ifc.Addrs = append(ifc.Addrs, IfaceAddr{Addr: addr, Flags: addrFlagsFromNetlink(a.Flags)})
		}
	}
	return ifc, nil
}

// addrFlagsFromNetlink translates the kernel's IFA_F_* address flags
// into AddrFlags; duplicate maps from IFA_F_DADFAILED, the flag the
// kernel sets when duplicate address detection fails.
func addrFlagsFromNetlink(flags int) AddrFlags {
	var f AddrFlags
	if flags&unix.IFA_F_TENTATIVE != 0 {
		f |= AddrTentative
	}
	if flags&unix.IFA_F_DADFAILED != 0 {
		f |= AddrDuplicate
	}
	if flags&unix.IFA_F_PERMANENT != 0 {
		f |= AddrPermanent
	}
	if flags&unix.IFA_F_DEPRECATED != 0 {
		f |= AddrDeprecated
	}
	return f
}

// Subscribe starts watching for link, address and device-presence
// changes across the whole host, mirroring the teacher's use of
// netlink.LinkSubscribe / netlink.AddrSubscribe in its
// reconfiguration-debounce path (pkg/dhcp.scheduleRecompile's caller).
// Device-presence (RTM_NEWLINK/RTM_DELLINK) is derived from the same
// link-update feed as carrier state but reported on its own channel,
// since the two are distinct events for a caller (device_event vs
// link_event). The returned channels are closed when ctx is canceled.
func (netlinkNetInfo) Subscribe(ctx context.Context) (<-chan LinkEvent, <-chan AddrEvent, <-chan DeviceEvent, error) {
	linkUpdates := make(chan netlink.LinkUpdate)
	addrUpdates := make(chan netlink.AddrUpdate)
	done := make(chan struct{})

	if err := netlink.LinkSubscribe(linkUpdates, done); err != nil {
		return nil, nil, nil, fmt.Errorf("netinfo.subscribe: link: %w", err)
	}
	if err := netlink.AddrSubscribe(addrUpdates, done); err != nil {
		return nil, nil, nil, fmt.Errorf("netinfo.subscribe: addr: %w", err)
	}

	links := make(chan LinkEvent, 16)
	addrs := make(chan AddrEvent, 16)
	devices := make(chan DeviceEvent, 16)

	go func() {
		defer close(done)
		defer close(links)
		defer close(addrs)
		defer close(devices)
		for {
			select {
			case <-ctx.Done():
				return
			case u, ok := <-linkUpdates:
				if !ok {
					return
				}
				idx := int(u.Index)
				if u.Header.Type == unix.RTM_DELLINK {
					select {
					case devices <- DeviceEvent{Index: idx, Present: false}:
					case <-ctx.Done():
						return
					}
					continue
				}
				select {
				case devices <- DeviceEvent{Index: idx, Name: u.Link.Attrs().Name, Present: true}:
				case <-ctx.Done():
					return
				}
				ev := LinkEvent{Index: idx, Up: u.Link.Attrs().OperState == netlink.OperUp}
				select {
				case links <- ev:
				case <-ctx.Done():
					return
				}
			case u, ok := <-addrUpdates:
				if !ok {
					return
				}
				addr, ok := netip.AddrFromSlice(u.LinkAddress.IP.To16())
				if !ok {
					continue
				}
				kind := AddrAdded
				if !u.NewAddr {
					kind = AddrRemoved
				}
				ev := AddrEvent{Index: u.LinkIndex, Kind: kind, Addr: addr}
				select {
				case addrs <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return links, addrs, devices, nil
}

const netlinkFlagUp = 1 // net.FlagUp; avoids importing "net" solely for this constant

// encapTypeToARPHRD maps netlink's string encapsulation type to the
// ARPHRD_* hardware-type numbering DUID-LLT/DUID-LL need.
func encapTypeToARPHRD(encap string) int {
	switch encap {
	case "ether":
		return arphrdEther
	case "ieee802.11", "ieee802":
		return arphrdIEEE802
	case "infiniband":
		return arphrdInfiniband
	default:
		return 0
	}
}
