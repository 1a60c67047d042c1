package dhcp6

import (
	"net/netip"
	"time"

	"github.com/google/uuid"
)

// MessageType mirrors the RFC 3315 DHCPv6 message type codes. It is
// engine-owned rather than an alias of the codec library's type so the
// Codec boundary stays swappable.
type MessageType uint8

const (
	MessageSolicit            MessageType = 1
	MessageAdvertise          MessageType = 2
	MessageRequest            MessageType = 3
	MessageConfirm            MessageType = 4
	MessageRenew              MessageType = 5
	MessageRebind             MessageType = 6
	MessageReply              MessageType = 7
	MessageRelease            MessageType = 8
	MessageDecline            MessageType = 9
	MessageReconfigure        MessageType = 10
	MessageInformationRequest MessageType = 11
)

func (t MessageType) String() string {
	switch t {
	case MessageSolicit:
		return "Solicit"
	case MessageAdvertise:
		return "Advertise"
	case MessageRequest:
		return "Request"
	case MessageConfirm:
		return "Confirm"
	case MessageRenew:
		return "Renew"
	case MessageRebind:
		return "Rebind"
	case MessageReply:
		return "Reply"
	case MessageRelease:
		return "Release"
	case MessageDecline:
		return "Decline"
	case MessageReconfigure:
		return "Reconfigure"
	case MessageInformationRequest:
		return "Information-Request"
	default:
		return "Unknown"
	}
}

// StatusCode mirrors RFC 3315 §24.4's status code registry, restricted
// to the values this engine needs to act on.
type StatusCode uint16

const (
	StatusSuccess      StatusCode = 0
	StatusUnspecFail   StatusCode = 1
	StatusNoAddrsAvail StatusCode = 2
	StatusNoBinding    StatusCode = 3
	StatusNotOnLink    StatusCode = 4
	StatusUseMulticast StatusCode = 5
)

func (s StatusCode) String() string {
	switch s {
	case StatusSuccess:
		return "Success"
	case StatusUnspecFail:
		return "UnspecFail"
	case StatusNoAddrsAvail:
		return "NoAddrsAvail"
	case StatusNoBinding:
		return "NoBinding"
	case StatusNotOnLink:
		return "NotOnLink"
	case StatusUseMulticast:
		return "UseMulticast"
	default:
		return "Status(unknown)"
	}
}

// IAKind distinguishes the three identity-association flavors this
// engine can request.
type IAKind int

const (
	IAKindNA IAKind = iota
	IAKindTA
	IAKindPD
)

func (k IAKind) String() string {
	switch k {
	case IAKindNA:
		return "IA_NA"
	case IAKindTA:
		return "IA_TA"
	case IAKindPD:
		return "IA_PD"
	default:
		return "IA(?)"
	}
}

// IA is one identity-association entry a Config asks the server for,
// carrying any hinted addresses/prefixes a previous lease offered.
//
// Grounded on ni_dhcp6_ia_t (original_source/dhcp6/device.c) and on
// dhcpv6.OptIANA / dhcpv6.OptIAPD, whose shapes this mirrors at the
// engine's own option-bag layer.
type IA struct {
	Kind     IAKind
	IAID     uint32
	T1, T2   time.Duration
	Addrs    []netip.Addr   // hints for IA_NA / IA_TA
	Prefixes []netip.Prefix // hints for IA_PD
}

// LeaseAddr is one address a server actually granted inside an IA.
type LeaseAddr struct {
	Addr              netip.Addr
	PreferredLifetime time.Duration
	ValidLifetime     time.Duration
}

// LeasePrefix is one delegated prefix a server actually granted.
type LeasePrefix struct {
	Prefix            netip.Prefix
	PreferredLifetime time.Duration
	ValidLifetime     time.Duration
}

// LeaseIA is the granted counterpart of IA: what a server actually
// returned for one identity association.
type LeaseIA struct {
	Kind     IAKind
	IAID     uint32
	T1, T2   time.Duration
	Status   StatusCode
	Addrs    []LeaseAddr
	Prefixes []LeasePrefix
}

// Lease is the bound result of a successful Request/Renew/Rebind
// exchange: everything a Device needs to remember while Bound, and
// everything a caller needs to program the host's addresses and routes.
type Lease struct {
	UUID       uuid.UUID
	Source     string // "dhcp6"
	ServerDUID DUID
	Obtained   time.Time
	IAs        []LeaseIA
}

// Valid reports whether any address or prefix in the lease still has
// positive valid lifetime remaining at now.
func (l *Lease) Valid(now time.Time) bool {
	if l == nil {
		return false
	}
	for _, ia := range l.IAs {
		for _, a := range ia.Addrs {
			if a.ValidLifetime > 0 && now.Before(l.Obtained.Add(a.ValidLifetime)) {
				return true
			}
		}
		for _, p := range ia.Prefixes {
			if p.ValidLifetime > 0 && now.Before(l.Obtained.Add(p.ValidLifetime)) {
				return true
			}
		}
	}
	return false
}

// minT1T2 returns the smallest positive T1 and T2 across all of the
// lease's IAs, used to drive the Bound state's Renew/Rebind timers.
func (l *Lease) minT1T2() (t1, t2 time.Duration) {
	for _, ia := range l.IAs {
		if ia.T1 > 0 && (t1 == 0 || ia.T1 < t1) {
			t1 = ia.T1
		}
		if ia.T2 > 0 && (t2 == 0 || ia.T2 < t2) {
			t2 = ia.T2
		}
	}
	return t1, t2
}

// UpdateFlag records which local resources an acquisition is allowed to
// update once it binds a lease, mirroring wicked's addrconf update mask.
type UpdateFlag uint32

const (
	UpdateHostname UpdateFlag = 1 << iota
	UpdateResolver
	UpdateNTP
	UpdateDefaultRoute
)

// Request is the caller-supplied, not-yet-validated acquisition request
// (the Acquire RPC payload of spec.md §6).
type Request struct {
	UUID                  uuid.UUID
	UpdateMask            UpdateFlag
	InfoOnly              bool
	RapidCommit           bool
	PreferredLifetime     time.Duration
	ClientDUIDHex         string // optional, hex-encoded caller-preferred DUID
	IAs                   []IA
	Hostname              string
	UserClass             []string
	VendorClassEnterprise uint32
	VendorClassData       []string
	VendorOpts            map[string]string
}

// Config is the validated, immutable-per-attempt configuration a Device
// acquires for the duration of one acquisition cycle (spec.md §3's
// Config type, resolved from a Request plus Manager-level defaults).
type Config struct {
	UUID                  uuid.UUID
	UpdateMask            UpdateFlag
	InfoOnly              bool
	RapidCommit           bool
	PreferredLifetime     time.Duration
	ClientDUID            DUID
	IAs                   []IA
	Hostname              string
	UserClass             []string
	VendorClassEnterprise uint32
	VendorClassData       []string
	VendorOpts            map[string]string
}

// bestOffer tracks the highest-weighted Advertise collected so far
// during Selecting, per spec.md §4.7's Server Policy.
type bestOffer struct {
	lease    *Lease
	serverID DUID
	weight   int // -1 == nothing collected yet
}

func (b *bestOffer) consider(lease *Lease, serverID DUID, weight int) {
	if b.weight >= 0 && weight <= b.weight {
		return
	}
	b.lease = lease
	b.serverID = serverID
	b.weight = weight
}
