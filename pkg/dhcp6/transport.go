package dhcp6

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"syscall"

	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"
)

// AllDHCPServersAndRelayAgents is the RFC 3315 §5.1 multicast group
// (ff02::1:2) DHCPv6 clients send Solicit/Confirm/Rebind/Information-Request
// to.
var AllDHCPServersAndRelayAgents = netip.MustParseAddr("ff02::1:2")

// ClientPort and ServerPort are the well-known DHCPv6 UDP ports.
const (
	ClientPort = 546
	ServerPort = 547
)

// wbufSize is the receive buffer size, NI_DHCP6_WBUF_SIZE in the
// original implementation (original_source/dhcp6/device.c) — generous
// enough for any DHCPv6 message this engine expects to see over UDP.
const wbufSize = 1500

// Transport is the engine's socket boundary, spec.md §6's Transport
// contract: send a datagram to a destination, and receive the next
// datagram addressed to this device, both scoped to one interface.
type Transport interface {
	Send(ctx context.Context, buf []byte, dest netip.AddrPort) (int, error)
	Recv(ctx context.Context) ([]byte, netip.AddrPort, error)
	Close() error
}

// udpTransport implements Transport with a UDP socket bound to the
// wildcard address on the client port and joined to the all-DHCP-servers
// multicast group, using golang.org/x/net/ipv6 for group membership and
// per-packet control (the same idiom pkg/vrrp uses with
// golang.org/x/net/ipv4 for its own raw multicast socket) and
// golang.org/x/sys/unix for SO_BINDTODEVICE so the socket never answers
// traffic arriving on any other interface.
type udpTransport struct {
	conn    *net.UDPConn
	pc      *ipv6.PacketConn
	ifindex int
	ifname  string
}

// NewTransport opens and configures a DHCPv6 client socket on the given
// interface.
func NewTransport(ifname string, ifindex int) (Transport, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var setErr error
			if err := c.Control(func(fd uintptr) {
				setErr = unix.SetsockoptString(int(fd), unix.SOL_SOCKET, unix.SO_BINDTODEVICE, ifname)
			}); err != nil {
				return err
			}
			return setErr
		},
	}
	pconn, err := lc.ListenPacket(context.Background(), "udp6", fmt.Sprintf("[::]:%d", ClientPort))
	if err != nil {
		return nil, newError(ErrSendFailed, "transport.listen", err)
	}
	conn := pconn.(*net.UDPConn)

	pc := ipv6.NewPacketConn(conn)
	iface, err := net.InterfaceByIndex(ifindex)
	if err != nil {
		conn.Close()
		return nil, newError(ErrNoInterface, "transport.iface", err)
	}
	group := net.ParseIP(AllDHCPServersAndRelayAgents.String())
	if err := pc.JoinGroup(iface, &net.UDPAddr{IP: group}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport.join_group: %w", err)
	}
	if err := pc.SetMulticastInterface(iface); err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport.set_multicast_iface: %w", err)
	}
	_ = pc.SetControlMessage(ipv6.FlagDst|ipv6.FlagInterface, true)

	return &udpTransport{conn: conn, pc: pc, ifindex: ifindex, ifname: ifname}, nil
}

func (t *udpTransport) Send(ctx context.Context, buf []byte, dest netip.AddrPort) (int, error) {
	addr := &net.UDPAddr{IP: dest.Addr().AsSlice(), Port: int(dest.Port())}
	if dest.Addr().IsMulticast() || dest.Addr().IsLinkLocalMulticast() {
		cm := &ipv6.ControlMessage{IfIndex: t.ifindex}
		n, err := t.pc.WriteTo(buf, cm, addr)
		if err != nil {
			return n, newError(ErrSendFailed, "transport.send", err)
		}
		return n, nil
	}
	n, err := t.conn.WriteToUDP(buf, addr)
	if err != nil {
		return n, newError(ErrSendFailed, "transport.send", err)
	}
	return n, nil
}

func (t *udpTransport) Recv(ctx context.Context) ([]byte, netip.AddrPort, error) {
	buf := make([]byte, wbufSize)
	type result struct {
		n    int
		addr netip.AddrPort
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		n, _, srcAddr, err := t.pc.ReadFrom(buf)
		var ap netip.AddrPort
		if udpAddr, ok := srcAddr.(*net.UDPAddr); ok {
			if a, ok := netip.AddrFromSlice(udpAddr.IP.To16()); ok {
				ap = netip.AddrPortFrom(a, uint16(udpAddr.Port))
			}
		}
		ch <- result{n, ap, err}
	}()
	select {
	case <-ctx.Done():
		return nil, netip.AddrPort{}, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, netip.AddrPort{}, newError(ErrRecvFailed, "transport.recv", r.err)
		}
		return buf[:r.n], r.addr, nil
	}
}

func (t *udpTransport) Close() error {
	return t.conn.Close()
}
