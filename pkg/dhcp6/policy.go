package dhcp6

import "net/netip"

// ServerPolicy is the per-Manager configuration spec.md §4.7 calls the
// Server Policy: which servers to ignore outright, and which server (if
// any) should be preferred regardless of its advertised Preference
// value. Grounded on ni_dhcp6_config_ignore_server and
// ni_dhcp6_config_have_server_preference/_server_preference in
// original_source/dhcp6/device.c, where this is host-wide configuration
// (ni_global.config->addrconf.dhcp6), not per-Device state — so it
// lives on Manager and is copied onto each Device at construction time.
//
// ignore_servers in the original matches on the server's source IPv6
// address (stringified), not its DUID; preferred-server matches by
// DUID or address. Ignore/Preferred below accept either form — a
// hex-encoded DUID or a stringified netip.Addr — so callers configured
// either way per spec.md §4.7.
type ServerPolicy struct {
	// Ignore lists servers, keyed by hex-encoded DUID or stringified
	// IPv6 address, whose Advertise messages are never selected. A
	// Rapid Commit Reply received in Selecting is bound without
	// consulting this list.
	Ignore map[string]bool
	// Preferred, if non-empty, names a server — by hex-encoded DUID or
	// stringified IPv6 address — that should win Selecting over any
	// other Advertise regardless of its Preference option.
	Preferred string
	// PreferredWeight is the synthetic weight assigned to the
	// preferred server's Advertise, overriding its real Preference
	// option value.
	PreferredWeight int
}

// weight returns the selection weight an Advertise from serverID
// (arriving from src) with advertised Preference pref should receive,
// or -1 if this server must be ignored outright. src may be invalid
// (e.g. in tests that don't care about address-based policy); address
// matching is simply skipped in that case.
func (p *ServerPolicy) weight(serverID DUID, pref int, src netip.Addr) int {
	duidKey := serverID.String()
	addrKey := ""
	if src.IsValid() {
		addrKey = src.String()
	}
	if p.Ignore != nil && (p.Ignore[duidKey] || (addrKey != "" && p.Ignore[addrKey])) {
		return -1
	}
	if p.Preferred != "" && (p.Preferred == duidKey || (addrKey != "" && p.Preferred == addrKey)) {
		return p.PreferredWeight
	}
	return pref
}

// shortCircuit reports whether weight is high enough (255, the maximum
// RFC 3315 §17.1.3 Preference value) to end Selecting immediately
// rather than waiting out the rest of the collection window.
func (p *ServerPolicy) shortCircuit(weight int) bool {
	return weight >= 255
}
