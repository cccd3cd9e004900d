package ripv2

import (
	"container/heap"
	"net/netip"
	"sync"

	"github.com/rs/zerolog/log"

	"tcpip-stack/ipv4"
	"tcpip-stack/iprouter"
	"tcpip-stack/netiface"
	"tcpip-stack/priorityqueue"
)

const (
	entryIntervalMs = 5_000
	routeTimeoutMs  = 12 * entryIntervalMs
)

// SendFunc transmits a RIP packet as a raw IP datagram to dst.
type SendFunc func(dst netip.Addr, payload []byte) error

// Neighbor is a directly-attached peer reachable through iface, as declared
// by a lnxconfig "neighbor" line.
type Neighbor struct {
	Addr  netip.Addr
	Iface *netiface.Interface
}

// learnedRoute tracks the distance-vector bookkeeping the router table
// itself doesn't carry: which neighbor taught us this route and at what
// cost. Its expiry is tracked separately, in the deadline queue.
type learnedRoute struct {
	nextHop netip.Addr
	cost    int
}

// Protocol runs the RIP distance-vector state machine over a router.
type Protocol struct {
	mu        sync.Mutex
	router    *iprouter.Router
	neighbors []Neighbor
	send      SendFunc

	learned  map[netip.Prefix]*learnedRoute
	deadline *priorityqueue.DeadlineQueue // min-heap by absolute expiry, on clockMs
	items    map[netip.Prefix]*priorityqueue.RouteDeadline

	clockMs      uint64 // virtual clock driving deadline, advanced by PeriodicTick
	entryTimerMs uint64
}

// New constructs a Protocol advertising and forwarding via router, speaking
// to the given neighbors through send.
func New(router *iprouter.Router, neighbors []Neighbor, send SendFunc) *Protocol {
	return &Protocol{
		router:    router,
		neighbors: neighbors,
		send:      send,
		learned:   make(map[netip.Prefix]*learnedRoute),
		deadline:  priorityqueue.New(),
		items:     make(map[netip.Prefix]*priorityqueue.RouteDeadline),
	}
}

// Start sends the initial RIP request to every neighbor.
func (p *Protocol) Start() {
	req := Packet{Command: CommandRequest}
	for _, n := range p.neighbors {
		if err := p.send(n.Addr, req.Marshal()); err != nil {
			log.Warn().Err(err).Str("neighbor", n.Addr.String()).Msg("ripv2: send request")
		}
	}
}

// HandleDatagram dispatches an inbound RIP-protocol datagram.
func (p *Protocol) HandleDatagram(dgram ipv4.Datagram) {
	pkt, err := Unmarshal(dgram.Payload)
	if err != nil {
		log.Debug().Err(err).Msg("ripv2: malformed packet, dropping")
		return
	}
	switch pkt.Command {
	case CommandRequest:
		p.sendFullTable(dgram.Header.Src)
	case CommandResponse:
		p.handleResponse(dgram.Header.Src, pkt.Entries)
	}
}

// sendFullTable replies to dst with the full table, poisoning routes whose
// next hop is dst (split horizon with poisoned reverse).
func (p *Protocol) sendFullTable(dst netip.Addr) {
	entries := make([]Entry, 0)
	for _, route := range p.router.Routes() {
		if route.Type == iprouter.RouteStatic {
			continue // default/static routes aren't redistributed.
		}
		cost := route.Cost
		if route.NextHop == dst {
			cost = Infinity
		}
		entries = append(entries, Entry{
			Cost:    uint32(cost),
			Address: ipv4.Numeric(route.Prefix.Addr()),
			Mask:    prefixMaskUint32(route.Prefix),
		})
	}
	resp := Packet{Command: CommandResponse, Entries: entries}
	if err := p.send(dst, resp.Marshal()); err != nil {
		log.Warn().Err(err).Str("dst", dst.String()).Msg("ripv2: send response")
	}
}

// handleResponse applies the standard distance-vector update rules and
// propagates any changed entries as a triggered update.
func (p *Protocol) handleResponse(from netip.Addr, entries []Entry) {
	iface := p.ifaceFor(from)
	if iface == nil {
		log.Debug().Str("from", from.String()).Msg("ripv2: response from unknown neighbor, dropping")
		return
	}

	p.mu.Lock()
	var changed []Entry

	for _, e := range entries {
		addr := ipv4.FromNumeric(e.Address)
		mask := ipv4.FromNumeric(e.Mask)
		bits := iprouter.PrefixLength(mask)
		prefix := netip.PrefixFrom(addr, bits).Masked()

		newCost := int(e.Cost) + 1
		if newCost > Infinity {
			newCost = Infinity
		}

		cur, exists := p.learned[prefix]
		switch {
		case !exists:
			p.installRoute(prefix, from, iface, newCost)
			changed = append(changed, Entry{Cost: uint32(newCost), Address: e.Address, Mask: e.Mask})

		case newCost < cur.cost:
			p.installRoute(prefix, from, iface, newCost)
			changed = append(changed, Entry{Cost: uint32(newCost), Address: e.Address, Mask: e.Mask})

		case newCost > cur.cost && from == cur.nextHop:
			p.installRoute(prefix, from, iface, newCost)
			changed = append(changed, Entry{Cost: uint32(newCost), Address: e.Address, Mask: e.Mask})

		case newCost == cur.cost && from == cur.nextHop:
			if item, ok := p.items[prefix]; ok {
				p.deadline.Update(item, p.clockMs+routeTimeoutMs)
			}
		}
	}
	p.mu.Unlock()

	if len(changed) == 0 {
		return
	}
	for _, n := range p.neighbors {
		out := make([]Entry, len(changed))
		copy(out, changed)
		if n.Addr == from {
			for i := range out {
				out[i].Cost = Infinity
			}
		}
		pkt := Packet{Command: CommandResponse, Entries: out}
		if err := p.send(n.Addr, pkt.Marshal()); err != nil {
			log.Warn().Err(err).Str("neighbor", n.Addr.String()).Msg("ripv2: send triggered update")
		}
	}
}

// installRoute must be called with p.mu held.
func (p *Protocol) installRoute(prefix netip.Prefix, nextHop netip.Addr, iface *netiface.Interface, cost int) {
	p.learned[prefix] = &learnedRoute{nextHop: nextHop, cost: cost}

	p.router.AddRoute(iprouter.Route{
		Prefix:  prefix,
		NextHop: nextHop,
		Iface:   iface,
		Cost:    cost,
		Type:    iprouter.RouteRIP,
	})

	item, ok := p.items[prefix]
	if !ok {
		item = &priorityqueue.RouteDeadline{Prefix: prefix, DeadlineMs: p.clockMs + routeTimeoutMs}
		p.items[prefix] = item
		heap.Push(p.deadline, item)
	} else {
		p.deadline.Update(item, p.clockMs+routeTimeoutMs)
	}
}

func (p *Protocol) ifaceFor(neighbor netip.Addr) *netiface.Interface {
	for _, n := range p.neighbors {
		if n.Addr == neighbor {
			return n.Iface
		}
	}
	return nil
}

// PeriodicTick advances timers by ms, sending full periodic updates every
// ENTRY_INTERVAL and expiring routes past ROUTE_TIMEOUT. Expiry is driven
// by popping p.deadline's minimum rather than scanning every learned route:
// each route's queue entry carries an absolute deadline on p.clockMs, so
// only routes actually due ever get popped.
func (p *Protocol) PeriodicTick(ms uint64) {
	p.mu.Lock()
	p.entryTimerMs += ms
	fireEntry := p.entryTimerMs >= entryIntervalMs
	if fireEntry {
		p.entryTimerMs = 0
	}

	p.clockMs += ms
	var expired []netip.Prefix
	for {
		top := p.deadline.Peek()
		if top == nil || top.DeadlineMs > p.clockMs {
			break
		}
		heap.Pop(p.deadline)
		delete(p.items, top.Prefix)
		delete(p.learned, top.Prefix)
		p.router.RemoveRoute(top.Prefix)
		expired = append(expired, top.Prefix)
	}
	p.mu.Unlock()

	for _, prefix := range expired {
		p.propagatePoison(prefix)
	}
	if fireEntry {
		for _, n := range p.neighbors {
			p.sendFullTable(n.Addr)
		}
	}
}

func (p *Protocol) propagatePoison(prefix netip.Prefix) {
	entry := Entry{Cost: Infinity, Address: ipv4.Numeric(prefix.Addr()), Mask: prefixMaskUint32(prefix)}
	pkt := Packet{Command: CommandResponse, Entries: []Entry{entry}}
	for _, n := range p.neighbors {
		if err := p.send(n.Addr, pkt.Marshal()); err != nil {
			log.Warn().Err(err).Str("neighbor", n.Addr.String()).Msg("ripv2: send poison")
		}
	}
}

func prefixMaskUint32(p netip.Prefix) uint32 {
	bits := p.Bits()
	if bits <= 0 {
		return 0
	}
	return ^uint32(0) << uint(32-bits)
}
