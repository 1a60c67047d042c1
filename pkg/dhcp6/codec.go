package dhcp6

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv6"
)

// vendorOptSuboptionCode is the option code this codec uses for every
// vendor-opts name/value suboption it packs into an OptVendorOpts —
// there is no fixed per-name registry the way there is for IA
// suboptions, so every entry shares the same code and carries
// "name=value" as its raw data, mirroring how multiple IAAddress
// suboptions already share dhcpv6.OptionIAAddr in toWireIANA.
const vendorOptSuboptionCode = dhcpv6.OptionCode(1)

// MessageCodec builds wire-format DHCPv6 datagrams from an OutMessage
// and parses received datagrams into an InMessage, spec.md §6's Codec
// contract.
type MessageCodec interface {
	Encode(msg *OutMessage) ([]byte, error)
	Decode(buf []byte) (*InMessage, error)
}

// dhcpv6Codec implements MessageCodec on top of
// github.com/insomniacslk/dhcp/dhcpv6, the same library the teacher's
// pkg/dhcp uses (there, indirectly, through nclient6) to build and
// parse DHCPv6 messages.
type dhcpv6Codec struct{}

// NewCodec returns the default MessageCodec.
func NewCodec() MessageCodec { return dhcpv6Codec{} }

func (dhcpv6Codec) Encode(om *OutMessage) ([]byte, error) {
	mt, err := toWireType(om.Type)
	if err != nil {
		return nil, err
	}
	msg := &dhcpv6.Message{
		MessageType:   mt,
		TransactionID: dhcpv6.TransactionID{byte(om.Xid >> 16), byte(om.Xid >> 8), byte(om.Xid)},
	}
	for _, opt := range om.Options {
		wireOpt, err := toWireOption(opt)
		if err != nil {
			return nil, fmt.Errorf("encode option %T: %w", opt, err)
		}
		if wireOpt != nil {
			msg.AddOption(wireOpt)
		}
	}
	return msg.ToBytes(), nil
}

func (dhcpv6Codec) Decode(buf []byte) (*InMessage, error) {
	dmsg, err := dhcpv6.MessageFromBytes(buf)
	if err != nil {
		return nil, newError(ErrDecodeFailed, "codec.decode", err)
	}
	im := &InMessage{
		Type: fromWireType(dmsg.MessageType),
		Xid:  uint32(dmsg.TransactionID[0])<<16 | uint32(dmsg.TransactionID[1])<<8 | uint32(dmsg.TransactionID[2]),
	}
	for _, wireOpt := range dmsg.Options.Options {
		if opt := fromWireOption(wireOpt); opt != nil {
			im.Options = append(im.Options, opt)
		}
	}
	return im, nil
}

func toWireType(t MessageType) (dhcpv6.MessageType, error) {
	switch t {
	case MessageSolicit:
		return dhcpv6.MessageTypeSolicit, nil
	case MessageAdvertise:
		return dhcpv6.MessageTypeAdvertise, nil
	case MessageRequest:
		return dhcpv6.MessageTypeRequest, nil
	case MessageConfirm:
		return dhcpv6.MessageTypeConfirm, nil
	case MessageRenew:
		return dhcpv6.MessageTypeRenew, nil
	case MessageRebind:
		return dhcpv6.MessageTypeRebind, nil
	case MessageReply:
		return dhcpv6.MessageTypeReply, nil
	case MessageRelease:
		return dhcpv6.MessageTypeRelease, nil
	case MessageDecline:
		return dhcpv6.MessageTypeDecline, nil
	case MessageReconfigure:
		return dhcpv6.MessageTypeReconfigure, nil
	case MessageInformationRequest:
		return dhcpv6.MessageTypeInformationRequest, nil
	default:
		return 0, fmt.Errorf("unknown message type %d", t)
	}
}

func fromWireType(t dhcpv6.MessageType) MessageType {
	switch t {
	case dhcpv6.MessageTypeSolicit:
		return MessageSolicit
	case dhcpv6.MessageTypeAdvertise:
		return MessageAdvertise
	case dhcpv6.MessageTypeRequest:
		return MessageRequest
	case dhcpv6.MessageTypeConfirm:
		return MessageConfirm
	case dhcpv6.MessageTypeRenew:
		return MessageRenew
	case dhcpv6.MessageTypeRebind:
		return MessageRebind
	case dhcpv6.MessageTypeReply:
		return MessageReply
	case dhcpv6.MessageTypeRelease:
		return MessageRelease
	case dhcpv6.MessageTypeDecline:
		return MessageDecline
	case dhcpv6.MessageTypeReconfigure:
		return MessageReconfigure
	case dhcpv6.MessageTypeInformationRequest:
		return MessageInformationRequest
	default:
		return 0
	}
}

func toWireOption(opt Option) (dhcpv6.Option, error) {
	switch o := opt.(type) {
	case ClientIDOption:
		return &dhcpv6.OptionGeneric{OptionCode: dhcpv6.OptionClientID, OptionData: []byte(o.DUID)}, nil
	case ServerIDOption:
		return &dhcpv6.OptionGeneric{OptionCode: dhcpv6.OptionServerID, OptionData: []byte(o.DUID)}, nil
	case OroOption:
		codes := make([]dhcpv6.OptionCode, 0, len(o.Codes))
		for _, c := range o.Codes {
			codes = append(codes, dhcpv6.OptionCode(c))
		}
		return dhcpv6.OptRequestedOption(codes...), nil
	case ElapsedTimeOption:
		return dhcpv6.OptElapsedTime(time.Duration(o.Value) * 10 * time.Millisecond), nil
	case RapidCommitOption:
		return dhcpv6.OptRapidCommit, nil
	case ReconfigureAcceptOption:
		return &dhcpv6.OptionGeneric{OptionCode: dhcpv6.OptionReconfigureAccept}, nil
	case UserClassOption:
		uc := &dhcpv6.OptUserClass{}
		for _, s := range o.Data {
			uc.UserClasses = append(uc.UserClasses, []byte(s))
		}
		return uc, nil
	case VendorClassOption:
		vc := &dhcpv6.OptVendorClass{EnterpriseNumber: o.Enterprise}
		for _, s := range o.Data {
			vc.Data = append(vc.Data, []byte(s))
		}
		return vc, nil
	case VendorOptsOption:
		return toWireVendorOpts(o), nil
	case IANAOption:
		return toWireIANA(o), nil
	case IATAOption:
		return toWireIATA(o), nil
	case IAPDOption:
		return toWireIAPD(o), nil
	case FQDNOption:
		return &dhcpv6.OptionGeneric{OptionCode: dhcpv6.OptionFQDN, OptionData: encodeFQDN(o)}, nil
	default:
		return nil, fmt.Errorf("unsupported option type %T", opt)
	}
}

// toWireVendorOpts packs each name/value pair into its own suboption
// under the enterprise's Vendor-Specific Information option (RFC 3315
// §22.17). The VSIO suboption space has no registry for "name/value"
// pairs the way IA does for addresses, so every pair shares
// vendorOptSuboptionCode and is encoded as "name=value" in that
// suboption's data, the same way encodeFQDN invents a wire shape for a
// concept the base protocol doesn't carry directly.
func toWireVendorOpts(o VendorOptsOption) dhcpv6.Option {
	vo := &dhcpv6.OptVendorOpts{EnterpriseNumber: o.Enterprise}
	for name, value := range o.Data {
		vo.VendorOpts.Add(&dhcpv6.OptionGeneric{
			OptionCode: vendorOptSuboptionCode,
			OptionData: []byte(name + "=" + value),
		})
	}
	return vo
}

func toWireIANA(o IANAOption) dhcpv6.Option {
	iana := &dhcpv6.OptIANA{T1: o.T1, T2: o.T2}
	copy(iana.IaId[:], beUint32(o.IAID))
	for _, a := range o.Addrs {
		iana.Options.Add(&dhcpv6.OptIAAddress{
			IPv6Addr:          net.IP(a.Addr.AsSlice()),
			PreferredLifetime: a.PreferredLifetime,
			ValidLifetime:     a.ValidLifetime,
		})
	}
	return iana
}

func toWireIATA(o IATAOption) dhcpv6.Option {
	iata := &dhcpv6.OptIATA{}
	copy(iata.IaId[:], beUint32(o.IAID))
	for _, a := range o.Addrs {
		iata.Options.Add(&dhcpv6.OptIAAddress{
			IPv6Addr:          net.IP(a.Addr.AsSlice()),
			PreferredLifetime: a.PreferredLifetime,
			ValidLifetime:     a.ValidLifetime,
		})
	}
	return iata
}

func toWireIAPD(o IAPDOption) dhcpv6.Option {
	iapd := &dhcpv6.OptIAPD{T1: o.T1, T2: o.T2}
	copy(iapd.IaId[:], beUint32(o.IAID))
	for _, p := range o.Prefixes {
		ones := p.Prefix.Bits()
		iapd.Options.Add(&dhcpv6.OptIAPrefix{
			PreferredLifetime: p.PreferredLifetime,
			ValidLifetime:     p.ValidLifetime,
			Prefix: &net.IPNet{
				IP:   net.IP(p.Prefix.Addr().AsSlice()),
				Mask: net.CIDRMask(ones, 128),
			},
		})
	}
	return iapd
}

// encodeFQDN builds an RFC 4704 §4 Client FQDN option body: one flags
// byte followed by the name as DNS wire-format labels.
func encodeFQDN(o FQDNOption) []byte {
	b := []byte{o.Flags}
	for _, label := range splitDNSLabels(o.Name) {
		b = append(b, byte(len(label)))
		b = append(b, label...)
	}
	return append(b, 0)
}

func splitDNSLabels(name string) []string {
	if name == "" {
		return nil
	}
	var labels []string
	start := 0
	for i := 0; i < len(name); i++ {
		if name[i] == '.' {
			labels = append(labels, name[start:i])
			start = i + 1
		}
	}
	labels = append(labels, name[start:])
	return labels
}

func beUint32(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

func fromWireOption(wo dhcpv6.Option) Option {
	switch o := wo.(type) {
	case *dhcpv6.OptionGeneric:
		switch o.Code() {
		case dhcpv6.OptionClientID:
			return ClientIDOption{DUID: DUID(o.OptionData)}
		case dhcpv6.OptionServerID:
			return ServerIDOption{DUID: DUID(o.OptionData)}
		}
		return nil
	case *dhcpv6.OptPreference:
		return PreferenceOption{Value: o.Value}
	case *dhcpv6.OptStatusCode:
		return StatusCodeOption{Code: StatusCode(o.StatusCode), Message: o.StatusMessage}
	case *dhcpv6.OptIANA:
		return fromWireIANA(o)
	case *dhcpv6.OptIATA:
		return fromWireIATA(o)
	case *dhcpv6.OptIAPD:
		return fromWireIAPD(o)
	case *dhcpv6.OptVendorOpts:
		return fromWireVendorOpts(o)
	case *dhcpv6.OptUserClass:
		out := UserClassOption{}
		for _, c := range o.UserClasses {
			out.Data = append(out.Data, string(c))
		}
		return out
	case *dhcpv6.OptVendorClass:
		out := VendorClassOption{Enterprise: o.EnterpriseNumber}
		for _, c := range o.Data {
			out.Data = append(out.Data, string(c))
		}
		return out
	default:
		if wo.Code() == dhcpv6.OptionRapidCommit {
			return RapidCommitOption{}
		}
		if b := wo.ToBytes(); wo.Code() == dhcpv6.OptionElapsedTime && len(b) == 2 {
			return ElapsedTimeOption{Value: uint16(b[0])<<8 | uint16(b[1])}
		}
		return nil
	}
}

// fromWireVendorOpts reverses toWireVendorOpts, splitting each
// suboption's "name=value" data back into a map entry. Suboptions that
// don't carry a "=" (e.g. injected by a non-conforming peer) are
// skipped rather than guessed at.
func fromWireVendorOpts(o *dhcpv6.OptVendorOpts) Option {
	out := VendorOptsOption{Enterprise: o.EnterpriseNumber, Data: map[string]string{}}
	for _, sub := range o.VendorOpts.Options {
		g, ok := sub.(*dhcpv6.OptionGeneric)
		if !ok {
			continue
		}
		name, value, found := strings.Cut(string(g.OptionData), "=")
		if !found {
			continue
		}
		out.Data[name] = value
	}
	return out
}

func fromWireIANA(o *dhcpv6.OptIANA) Option {
	out := IANAOption{IAID: be32(o.IaId[:]), T1: o.T1, T2: o.T2}
	for _, sub := range o.Options.Options {
		if addr, ok := sub.(*dhcpv6.OptIAAddress); ok {
			a, _ := netip.AddrFromSlice(addr.IPv6Addr.To16())
			out.Addrs = append(out.Addrs, IAAddrOption{
				Addr:              a,
				PreferredLifetime: addr.PreferredLifetime,
				ValidLifetime:     addr.ValidLifetime,
			})
		}
		if sc, ok := sub.(*dhcpv6.OptStatusCode); ok {
			out.Status = &StatusCodeOption{Code: StatusCode(sc.StatusCode), Message: sc.StatusMessage}
		}
	}
	return out
}

func fromWireIATA(o *dhcpv6.OptIATA) Option {
	out := IATAOption{IAID: be32(o.IaId[:])}
	for _, sub := range o.Options.Options {
		if addr, ok := sub.(*dhcpv6.OptIAAddress); ok {
			a, _ := netip.AddrFromSlice(addr.IPv6Addr.To16())
			out.Addrs = append(out.Addrs, IAAddrOption{
				Addr:              a,
				PreferredLifetime: addr.PreferredLifetime,
				ValidLifetime:     addr.ValidLifetime,
			})
		}
	}
	return out
}

func fromWireIAPD(o *dhcpv6.OptIAPD) Option {
	out := IAPDOption{IAID: be32(o.IaId[:]), T1: o.T1, T2: o.T2}
	for _, sub := range o.Options.Options {
		if pfx, ok := sub.(*dhcpv6.OptIAPrefix); ok {
			ones, _ := pfx.Prefix.Mask.Size()
			addr, _ := netip.AddrFromSlice(pfx.Prefix.IP.To16())
			out.Prefixes = append(out.Prefixes, IAPrefixOption{
				Prefix:            netip.PrefixFrom(addr, ones),
				PreferredLifetime: pfx.PreferredLifetime,
				ValidLifetime:     pfx.ValidLifetime,
			})
		}
		if sc, ok := sub.(*dhcpv6.OptStatusCode); ok {
			out.Status = &StatusCodeOption{Code: StatusCode(sc.StatusCode), Message: sc.StatusMessage}
		}
	}
	return out
}

func be32(b []byte) uint32 {
	if len(b) < 4 {
		return 0
	}
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
