package dhcp6

import (
	"context"
	"encoding/binary"
	"fmt"
	"net/netip"
	"sync"
	"testing"
	"time"
)

// fakeNetInfo is a minimal NetInfo double for tests that never touch a
// real kernel. linkLocal/linkLocalFlags describe a single link-local
// address to report from ByIndex; leaving linkLocalFlags zero reports
// it ready (AddrPermanent-equivalent), matching the common case most
// tests want.
type fakeNetInfo struct {
	byIndexHW      []byte
	byIndexARPType int
	byIndexUp      bool
	linkLocal      netip.Addr
	linkLocalFlags AddrFlags
	list           []Iface
	byIndexErr     error

	links   <-chan LinkEvent
	addrs   <-chan AddrEvent
	devices <-chan DeviceEvent
}

func (f fakeNetInfo) ByIndex(ifindex int) (Iface, error) {
	if f.byIndexErr != nil {
		return Iface{}, f.byIndexErr
	}
	arpType := f.byIndexARPType
	if arpType == 0 && len(f.byIndexHW) > 0 {
		arpType = arphrdEther
	}
	ifc := Iface{Index: ifindex, Name: "eth0", HWAddr: f.byIndexHW, ARPType: arpType, Up: f.byIndexUp}
	if f.linkLocal.IsValid() {
		ifc.Addrs = []IfaceAddr{{Addr: f.linkLocal, Flags: f.linkLocalFlags}}
	}
	return ifc, nil
}

func (f fakeNetInfo) List() ([]Iface, error) { return f.list, nil }

func (f fakeNetInfo) Subscribe(ctx context.Context) (<-chan LinkEvent, <-chan AddrEvent, <-chan DeviceEvent, error) {
	links := f.links
	if links == nil {
		links = make(chan LinkEvent)
	}
	addrs := f.addrs
	if addrs == nil {
		addrs = make(chan AddrEvent)
	}
	devices := f.devices
	if devices == nil {
		devices = make(chan DeviceEvent)
	}
	return links, addrs, devices, nil
}

// fakeTransport is an in-memory Transport double: Send records every
// datagram, Recv replays whatever has been queued onto inbox.
type fakeTransport struct {
	mu     sync.Mutex
	sent   [][]byte
	inbox  chan []byte
	closed bool
	// peer is the source address Recv reports alongside every inbound
	// datagram, standing in for the server's IPv6 address.
	peer netip.AddrPort
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbox: make(chan []byte, 16),
		peer:  netip.AddrPortFrom(netip.MustParseAddr("2001:db8::dead"), ServerPort),
	}
}

func (f *fakeTransport) Send(ctx context.Context, buf []byte, dest netip.AddrPort) (int, error) {
	cp := make([]byte, len(buf))
	copy(cp, buf)
	f.mu.Lock()
	f.sent = append(f.sent, cp)
	f.mu.Unlock()
	return len(buf), nil
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeTransport) lastSent() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

func (f *fakeTransport) Recv(ctx context.Context) ([]byte, netip.AddrPort, error) {
	select {
	case b := <-f.inbox:
		return b, f.peer, nil
	case <-ctx.Done():
		return nil, netip.AddrPort{}, ctx.Err()
	}
}

func (f *fakeTransport) Close() error {
	f.closed = true
	return nil
}

// fakeCodec stands in for the real dhcpv6 wire codec in tests: rather
// than reimplement RFC 3315 framing, it hands back an opaque token and
// keeps the real OutMessage/InMessage values in memory, so tests can
// drive the FSM through realistic Encode/Send/Recv/Decode round trips
// without depending on github.com/insomniacslk/dhcp's wire format.
type fakeCodec struct {
	mu    sync.Mutex
	store map[uint64]*OutMessage
	next  uint64
}

func newFakeCodec() *fakeCodec {
	return &fakeCodec{store: make(map[uint64]*OutMessage)}
}

func (c *fakeCodec) Encode(om *OutMessage) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next++
	id := c.next
	cp := *om
	c.store[id] = &cp
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, id)
	return buf, nil
}

func (c *fakeCodec) Decode(buf []byte) (*InMessage, error) {
	if len(buf) != 8 {
		return nil, fmt.Errorf("fakeCodec: bad token length %d", len(buf))
	}
	id := binary.BigEndian.Uint64(buf)
	c.mu.Lock()
	om, ok := c.store[id]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("fakeCodec: unknown token %d", id)
	}
	return &InMessage{Type: om.Type, Xid: om.Xid, Options: om.Options}, nil
}

// encodeServerMessage lets a test act as the server side of an
// exchange: build an InMessage's worth of options and hand back the
// token bytes a Device's onPacket will decode right back into them.
func (c *fakeCodec) encodeServerMessage(msgType MessageType, xid uint32, opts []Option) []byte {
	buf, _ := c.Encode(&OutMessage{Type: msgType, Xid: xid, Options: opts})
	return buf
}

// pollUntil repeatedly calls cond until it returns true or timeout
// elapses, failing the test in the latter case.
func pollUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}
