package dhcp6

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/insomniacslk/dhcp/iana"
)

// DUID is a DHCP Unique Identifier in its raw wire form: a 2-byte type
// field followed by the type-specific body, exactly as it is stored on
// disk and placed in a Client/Server Identifier option.
type DUID []byte

const (
	duidTypeLLT  uint16 = 1
	duidTypeEN   uint16 = 2
	duidTypeLL   uint16 = 3
	duidTypeUUID uint16 = 4
)

func (d DUID) String() string {
	return hex.EncodeToString(d)
}

// ParseDUIDHex decodes a hex-encoded wire-format DUID, as accepted from
// a Request's ClientDUIDHex field.
func ParseDUIDHex(s string) (DUID, error) {
	if s == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("parse duid: %w", err)
	}
	if len(b) < 2 {
		return nil, fmt.Errorf("parse duid: too short (%d bytes)", len(b))
	}
	return DUID(b), nil
}

// duidEpoch is the RFC 3315 §9.2 DUID-LLT epoch: midnight (UTC), January
// 1, 2000.
var duidEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// arpHWType maps the netlink ARPHRD_* link-layer type of an interface to
// the IANA hardware-type registry value DUID-LLT/DUID-LL carry. The two
// numbering spaces happen to coincide for the common link types (both
// descend from the ARP hardware-type registry), so values are compared
// directly rather than translated; iana.HWTypeEthernet is used for the
// common case to match the teacher's own option-building code.
func arpHWType(arpType int) (iana.HWType, bool) {
	switch arpType {
	case arphrdEther:
		return iana.HWTypeEthernet, true
	case arphrdIEEE802:
		return iana.HWType(arpType), true
	case arphrdInfiniband:
		return iana.HWType(arpType), true
	default:
		return 0, false
	}
}

const (
	arphrdEther      = 1
	arphrdIEEE802    = 6
	arphrdInfiniband = 32
)

// duidLLT builds a DUID-LLT (RFC 3315 §9.2) from a hardware address.
func duidLLT(arpType int, hwaddr []byte, now time.Time) (DUID, bool) {
	hw, ok := arpHWType(arpType)
	if !ok || len(hwaddr) == 0 {
		return nil, false
	}
	b := make([]byte, 8+len(hwaddr))
	binary.BigEndian.PutUint16(b[0:2], duidTypeLLT)
	binary.BigEndian.PutUint16(b[2:4], uint16(hw))
	binary.BigEndian.PutUint32(b[4:8], uint32(now.Sub(duidEpoch).Seconds()))
	copy(b[8:], hwaddr)
	return DUID(b), true
}

// duidUUID builds a DUID-UUID (RFC 6355) from a random UUID, the
// fallback identity when no usable link-layer address exists anywhere
// on the host.
func duidUUID(id uuid.UUID) DUID {
	b := make([]byte, 2+16)
	binary.BigEndian.PutUint16(b[0:2], duidTypeUUID)
	copy(b[2:], id[:])
	return DUID(b)
}

// generateDUID derives a fresh DUID the way ni_dhcp6_generate_duid does:
// prefer the requesting interface's own hardware address, then fall
// back to the first other Ethernet/IEEE802/InfiniBand interface the
// host reports, and only then fall back to a random DUID-UUID.
func generateDUID(ni NetInfo, ifindex int, now time.Time) (DUID, error) {
	if self, err := ni.ByIndex(ifindex); err == nil {
		if d, ok := duidLLT(self.ARPType, self.HWAddr, now); ok {
			return d, nil
		}
	}
	if ifaces, err := ni.List(); err == nil {
		for _, pref := range []int{arphrdEther, arphrdIEEE802, arphrdInfiniband} {
			for _, ifc := range ifaces {
				if ifc.Index == ifindex || ifc.ARPType != pref || len(ifc.HWAddr) == 0 {
					continue
				}
				if d, ok := duidLLT(ifc.ARPType, ifc.HWAddr, now); ok {
					return d, nil
				}
			}
		}
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, newError(ErrNoIdentity, "generate_duid", err)
	}
	return duidUUID(id), nil
}

// duidPath returns the on-disk path a DUID is persisted to, mirroring
// ni_dhcp6_device_duid_file_path's one-DUID-per-host convention.
func duidPath(stateDir string) string {
	if stateDir == "" {
		stateDir = "/var/lib/dhcp6"
	}
	return filepath.Join(stateDir, "duid")
}

func loadDUID(path string) (DUID, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) < 2 {
		return nil, fmt.Errorf("duid file %s: truncated", path)
	}
	return DUID(data), nil
}

func saveDUID(path string, d DUID) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, d, 0o644)
}

// resolveDUID implements the precedence chain spec.md §4.2 and
// ni_dhcp6_config_init_duid describe: an explicit per-request DUID wins,
// then a process-wide default, then whatever is already persisted on
// disk, and only as a last resort a freshly generated one (which is
// itself then persisted so every later acquisition on this host reuses
// it).
func resolveDUID(preferredHex string, defaultDUID DUID, stateDir string, ni NetInfo, ifindex int, clk Clock) (DUID, error) {
	if preferredHex != "" {
		if d, err := ParseDUIDHex(preferredHex); err == nil && len(d) > 0 {
			return d, nil
		}
	}
	if len(defaultDUID) > 0 {
		return defaultDUID, nil
	}
	path := duidPath(stateDir)
	if d, err := loadDUID(path); err == nil && len(d) > 0 {
		return d, nil
	}
	d, err := generateDUID(ni, ifindex, clk.Now())
	if err != nil {
		return nil, err
	}
	if err := saveDUID(path, d); err != nil {
		// Persistence failure is not fatal: the DUID we just
		// generated is still usable for this process's lifetime,
		// it just won't survive a restart.
		return d, nil
	}
	return d, nil
}

// deriveIAID implements spec.md §4.2's IAID derivation: the last 4
// bytes of the hardware address when one is available, otherwise an XOR
// of the first (up to) 4 bytes of the interface name with the VLAN tag
// (if any) and the ifindex.
//
// original_source/dhcp6/device.c's _iaid() copies len%sizeof(uint32)
// bytes of the interface name rather than min(len,4) — for a 4-letter
// name like "eth0" that copies zero bytes, which looks like a latent
// bug in the original rather than intended behavior. spec.md §4.2
// states the intended rule as "first ≤4 bytes of ifname", which is what
// this implements.
func deriveIAID(ifname string, hwaddr []byte, vlanTag int, ifindex int) (uint32, error) {
	if len(hwaddr) >= 4 {
		off := len(hwaddr) - 4
		return binary.BigEndian.Uint32(hwaddr[off : off+4]), nil
	}
	if ifname == "" {
		return 0, newError(ErrNoIAID, "derive_iaid", nil)
	}
	var buf [4]byte
	n := len(ifname)
	if n > 4 {
		n = 4
	}
	copy(buf[:], ifname[:n])
	iaid := binary.BigEndian.Uint32(buf[:])
	if vlanTag > 0 {
		iaid ^= uint32(vlanTag)
	}
	iaid ^= uint32(ifindex)
	return iaid, nil
}
