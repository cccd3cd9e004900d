// Package netiface implements the network interface: it encapsulates IP
// datagrams into Ethernet frames via an ARP cache with buffering and aging,
// and hands parsed inbound datagrams to whatever drains its inbound queue
// (normally an iprouter.Router).
package netiface

import (
	"net/netip"
	"sync"

	"github.com/pkg/errors"

	"tcpip-stack/ipv4"
	"tcpip-stack/link"
)

const (
	arpCacheTTLMs    = 30_000
	arpResendDeadlineMs = 5_000
)

// OutputPort is the abstract transmit sink: the core never inspects what
// happens beyond this call. Concretely, cmd/vhost and cmd/vrouter bind it to
// a closure that writes to the UDP socket standing in for the physical link.
type OutputPort func(frame link.Frame) error

type arpEntry struct {
	eth   link.Address
	ageMs uint64
}

// Interface is one network interface: an Ethernet+IP address pair, an ARP
// cache/pending-datagram table, and an inbound queue of parsed datagrams.
type Interface struct {
	mu sync.Mutex

	name string
	ip   netip.Addr
	eth  link.Address
	port OutputPort
	down bool

	arpCache    map[uint32]arpEntry
	pending     map[uint32][]ipv4.Datagram // keyed by next-hop numeric IP, insertion order
	arpInFlight map[uint32]uint64          // key -> age since request sent

	inbound []ipv4.Datagram
}

// New constructs an Interface transmitting via port.
func New(name string, ip netip.Addr, eth link.Address, port OutputPort) *Interface {
	return &Interface{
		name:        name,
		ip:          ip,
		eth:         eth,
		port:        port,
		arpCache:    make(map[uint32]arpEntry),
		pending:     make(map[uint32][]ipv4.Datagram),
		arpInFlight: make(map[uint32]uint64),
	}
}

func (i *Interface) Name() string        { return i.name }
func (i *Interface) IPAddr() netip.Addr  { return i.ip }
func (i *Interface) EthAddr() link.Address { return i.eth }

func (i *Interface) SetDown(down bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.down = down
}

func (i *Interface) IsDown() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.down
}

// TakeInbound drains and returns every datagram queued since the last call,
// in arrival order. Used by iprouter.Router.Route.
func (i *Interface) TakeInbound() []ipv4.Datagram {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := i.inbound
	i.inbound = nil
	return out
}

// SendDatagram encapsulates dgram in an Ethernet frame addressed to nextHop,
// resolving the destination address via ARP (buffering the datagram and
// issuing a broadcast request if the cache misses). See spec.md 4.F.
func (i *Interface) SendDatagram(dgram ipv4.Datagram, nextHop netip.Addr) error {
	i.mu.Lock()
	if i.down {
		i.mu.Unlock()
		return nil
	}
	key := ipv4.Numeric(nextHop)

	if entry, ok := i.arpCache[key]; ok {
		i.mu.Unlock()
		return i.transmit(i.encapsulate(dgram, entry.eth))
	}

	i.pending[key] = append(i.pending[key], dgram)
	_, inFlight := i.arpInFlight[key]
	if inFlight {
		i.mu.Unlock()
		return nil
	}
	i.arpInFlight[key] = 0
	req := link.ARPMessage{
		Opcode:         link.OpRequest,
		SenderEthernet: i.eth,
		SenderIP:       ipv4.Numeric(i.ip),
		TargetIP:       key,
	}
	i.mu.Unlock()
	return i.transmit(link.Frame{Dst: link.Broadcast, Src: i.eth, EtherType: link.TypeARP, Payload: req.Marshal()})
}

// RecvFrame processes one inbound Ethernet frame. See spec.md 4.F.
func (i *Interface) RecvFrame(frame link.Frame) error {
	i.mu.Lock()
	if i.down {
		i.mu.Unlock()
		return nil
	}
	if frame.Dst != link.Broadcast && frame.Dst != i.eth {
		i.mu.Unlock()
		return nil
	}

	switch frame.EtherType {
	case link.TypeIPv4:
		dgram, err := ipv4.Unmarshal(frame.Payload)
		if err != nil {
			i.mu.Unlock()
			return nil // ParseError: silently drop.
		}
		i.inbound = append(i.inbound, dgram)
		i.mu.Unlock()
		return nil

	case link.TypeARP:
		arp, err := link.UnmarshalARP(frame.Payload)
		if err != nil {
			i.mu.Unlock()
			return nil
		}
		// Unconditionally learn the sender mapping, refreshing its age.
		i.arpCache[arp.SenderIP] = arpEntry{eth: arp.SenderEthernet, ageMs: 0}

		var reply *link.Frame
		if arp.Opcode == link.OpRequest && arp.TargetIP == ipv4.Numeric(i.ip) {
			replyMsg := link.ARPMessage{
				Opcode:         link.OpReply,
				SenderEthernet: i.eth,
				SenderIP:       ipv4.Numeric(i.ip),
				TargetEthernet: arp.SenderEthernet,
				TargetIP:       arp.SenderIP,
			}
			f := link.Frame{Dst: arp.SenderEthernet, Src: i.eth, EtherType: link.TypeARP, Payload: replyMsg.Marshal()}
			reply = &f
		}

		toFlush := i.pending[arp.SenderIP]
		delete(i.pending, arp.SenderIP)
		i.mu.Unlock()

		if reply != nil {
			if err := i.transmit(*reply); err != nil {
				return err
			}
		}
		for _, d := range toFlush {
			if err := i.transmit(i.encapsulate(d, arp.SenderEthernet)); err != nil {
				return err
			}
		}
		return nil

	default:
		i.mu.Unlock()
		return nil
	}
}

// Tick ages ARP cache entries and pending ARP requests, dropping cache
// entries at 30s and failing (with their buffered datagrams) unresolved
// requests at 5s. See spec.md 4.F.
func (i *Interface) Tick(ms uint64) {
	i.mu.Lock()
	defer i.mu.Unlock()

	for k, entry := range i.arpCache {
		entry.ageMs += ms
		if entry.ageMs >= arpCacheTTLMs {
			delete(i.arpCache, k)
			continue
		}
		i.arpCache[k] = entry
	}

	for k, age := range i.arpInFlight {
		age += ms
		if age >= arpResendDeadlineMs {
			delete(i.arpInFlight, k)
			delete(i.pending, k)
			continue
		}
		i.arpInFlight[k] = age
	}
}

func (i *Interface) encapsulate(dgram ipv4.Datagram, dst link.Address) link.Frame {
	raw, err := dgram.Marshal()
	if err != nil {
		// A datagram we constructed ourselves failing to marshal is a
		// programmer error, not a runtime protocol event.
		panic(errors.Wrap(err, "netiface: marshal outbound datagram"))
	}
	return link.Frame{Dst: dst, Src: i.eth, EtherType: link.TypeIPv4, Payload: raw}
}

func (i *Interface) transmit(frame link.Frame) error {
	return i.port(frame)
}
