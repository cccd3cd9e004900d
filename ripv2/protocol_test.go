package ripv2

import (
	"net/netip"
	"testing"

	"tcpip-stack/iprouter"
	"tcpip-stack/ipv4"
	"tcpip-stack/link"
	"tcpip-stack/netiface"
)

func newTestSetup(t *testing.T) (*iprouter.Router, Neighbor, map[string][]Packet) {
	t.Helper()
	router := iprouter.New()
	iface := netiface.New("if0", netip.MustParseAddr("10.0.0.1"), link.Address{1, 1, 1, 1, 1, 1}, func(link.Frame) error { return nil })
	router.AddInterface(iface)
	neighbor := Neighbor{Addr: netip.MustParseAddr("10.0.0.2"), Iface: iface}

	sent := make(map[string][]Packet)
	return router, neighbor, sent
}

func ripDatagram(src, dst netip.Addr, payload []byte) ipv4.Datagram {
	dgram, err := ipv4.New(src, dst, ipv4.ProtocolRIP, ipv4.DefaultTTL, payload)
	if err != nil {
		panic(err)
	}
	return dgram
}

func sendCapture(sent map[string][]Packet) SendFunc {
	return func(dst netip.Addr, payload []byte) error {
		pkt, err := Unmarshal(payload)
		if err != nil {
			return err
		}
		sent[dst.String()] = append(sent[dst.String()], pkt)
		return nil
	}
}

func TestHandleResponseInstallsUnseenRoute(t *testing.T) {
	router, neighbor, sent := newTestSetup(t)
	p := New(router, []Neighbor{neighbor}, sendCapture(sent))

	entries := []Entry{{Cost: 1, Address: ipv4.Numeric(netip.MustParseAddr("10.0.2.0")), Mask: 0xffffff00}}
	p.HandleDatagram(ripDatagram(neighbor.Addr, netip.MustParseAddr("10.0.0.1"), Packet{Command: CommandResponse, Entries: entries}.Marshal()))

	prefix := netip.MustParsePrefix("10.0.2.0/24")
	route, ok := router.Lookup(netip.MustParseAddr("10.0.2.5"))
	if !ok {
		t.Fatal("expected route to be installed")
	}
	if route.Cost != 2 {
		t.Fatalf("Cost = %d, want 2 (advertised 1 + hop)", route.Cost)
	}
	if route.NextHop != neighbor.Addr {
		t.Fatalf("NextHop = %s, want %s", route.NextHop, neighbor.Addr)
	}
	_ = prefix
}

func TestHandleResponsePoisonsBackToTeacher(t *testing.T) {
	router, neighbor, sent := newTestSetup(t)
	p := New(router, []Neighbor{neighbor}, sendCapture(sent))

	entries := []Entry{{Cost: 1, Address: ipv4.Numeric(netip.MustParseAddr("10.0.2.0")), Mask: 0xffffff00}}
	p.HandleDatagram(ripDatagram(neighbor.Addr, netip.MustParseAddr("10.0.0.1"), Packet{Command: CommandResponse, Entries: entries}.Marshal()))

	pkts := sent[neighbor.Addr.String()]
	if len(pkts) == 0 {
		t.Fatal("expected a triggered update sent back to the teaching neighbor")
	}
	last := pkts[len(pkts)-1]
	if len(last.Entries) != 1 || last.Entries[0].Cost != Infinity {
		t.Fatalf("expected split-horizon poison (cost=Infinity) toward the neighbor that taught the route, got %+v", last)
	}
}

func TestHandleResponseIgnoresHigherCostFromNonOwner(t *testing.T) {
	router, neighbor, sent := newTestSetup(t)
	p := New(router, []Neighbor{neighbor}, sendCapture(sent))

	iface := netiface.New("if1", netip.MustParseAddr("10.0.9.1"), link.Address{2, 2, 2, 2, 2, 2}, func(link.Frame) error { return nil })
	router.AddInterface(iface)
	other := Neighbor{Addr: netip.MustParseAddr("10.0.9.2"), Iface: iface}
	p.neighbors = append(p.neighbors, other)

	entries := []Entry{{Cost: 1, Address: ipv4.Numeric(netip.MustParseAddr("10.0.2.0")), Mask: 0xffffff00}}
	p.HandleDatagram(ripDatagram(neighbor.Addr, netip.MustParseAddr("10.0.0.1"), Packet{Command: CommandResponse, Entries: entries}.Marshal()))

	// A worse route (higher cost) from a neighbor that doesn't currently own
	// the route must be ignored, per standard distance-vector rules.
	worse := []Entry{{Cost: 5, Address: ipv4.Numeric(netip.MustParseAddr("10.0.2.0")), Mask: 0xffffff00}}
	p.HandleDatagram(ripDatagram(other.Addr, netip.MustParseAddr("10.0.0.1"), Packet{Command: CommandResponse, Entries: worse}.Marshal()))

	route, ok := router.Lookup(netip.MustParseAddr("10.0.2.5"))
	if !ok || route.Cost != 2 || route.NextHop != neighbor.Addr {
		t.Fatalf("route should remain owned by the original, cheaper neighbor, got %+v ok=%v", route, ok)
	}
}

func TestHandleRequestRepliesWithFullTable(t *testing.T) {
	router, neighbor, sent := newTestSetup(t)
	p := New(router, []Neighbor{neighbor}, sendCapture(sent))
	router.AddRoute(iprouter.Route{Prefix: netip.MustParsePrefix("10.0.3.0/24"), NextHop: netip.MustParseAddr("10.0.0.5"), Iface: neighbor.Iface, Cost: 3, Type: iprouter.RouteRIP})

	p.HandleDatagram(ripDatagram(neighbor.Addr, netip.MustParseAddr("10.0.0.1"), Packet{Command: CommandRequest}.Marshal()))

	pkts := sent[neighbor.Addr.String()]
	if len(pkts) != 1 || len(pkts[0].Entries) != 1 {
		t.Fatalf("expected a single full-table response with one route, got %+v", pkts)
	}
}

func TestPeriodicTickExpiresStaleRouteAndPoisons(t *testing.T) {
	router, neighbor, sent := newTestSetup(t)
	p := New(router, []Neighbor{neighbor}, sendCapture(sent))

	entries := []Entry{{Cost: 1, Address: ipv4.Numeric(netip.MustParseAddr("10.0.2.0")), Mask: 0xffffff00}}
	p.HandleDatagram(ripDatagram(neighbor.Addr, netip.MustParseAddr("10.0.0.1"), Packet{Command: CommandResponse, Entries: entries}.Marshal()))

	p.PeriodicTick(routeTimeoutMs)

	if _, ok := router.Lookup(netip.MustParseAddr("10.0.2.5")); ok {
		t.Fatal("expected route to expire after routeTimeoutMs with no refresh")
	}

	pkts := sent[neighbor.Addr.String()]
	found := false
	for _, pkt := range pkts {
		for _, e := range pkt.Entries {
			if e.Cost == Infinity && e.Address == ipv4.Numeric(netip.MustParseAddr("10.0.2.0")) {
				found = true
			}
		}
	}
	if !found {
		t.Fatal("expected an expiry poison advertisement for the expired route")
	}
}

func TestPeriodicTickExpiresOnlyRoutesPastTheirOwnDeadline(t *testing.T) {
	router, neighbor, sent := newTestSetup(t)
	p := New(router, []Neighbor{neighbor}, sendCapture(sent))

	older := netip.MustParseAddr("10.0.2.0")
	newer := netip.MustParseAddr("10.0.3.0")

	p.HandleDatagram(ripDatagram(neighbor.Addr, netip.MustParseAddr("10.0.0.1"),
		Packet{Command: CommandResponse, Entries: []Entry{{Cost: 1, Address: ipv4.Numeric(older), Mask: 0xffffff00}}}.Marshal()))

	// Half the timeout elapses before the second route is even learned, so
	// its deadline sits routeTimeoutMs/2 ahead of the first route's on the
	// shared virtual clock.
	p.PeriodicTick(routeTimeoutMs / 2)

	p.HandleDatagram(ripDatagram(neighbor.Addr, netip.MustParseAddr("10.0.0.1"),
		Packet{Command: CommandResponse, Entries: []Entry{{Cost: 1, Address: ipv4.Numeric(newer), Mask: 0xffffff00}}}.Marshal()))

	// Advancing just past the first route's deadline must pop only that
	// route's entry from the queue, leaving the second one's deadline (still
	// routeTimeoutMs/2 away) untouched.
	p.PeriodicTick(routeTimeoutMs/2 + 1)

	if _, ok := router.Lookup(netip.MustParseAddr("10.0.2.5")); ok {
		t.Fatal("expected the older route to have expired")
	}
	if _, ok := router.Lookup(netip.MustParseAddr("10.0.3.5")); !ok {
		t.Fatal("expected the newer route to still be installed, its own deadline not yet due")
	}

	p.PeriodicTick(routeTimeoutMs / 2)

	if _, ok := router.Lookup(netip.MustParseAddr("10.0.3.5")); ok {
		t.Fatal("expected the newer route to expire once its own deadline is reached")
	}
}
