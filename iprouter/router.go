// Package iprouter implements longest-prefix-match forwarding over a set of
// netiface.Interface values: pulling parsed datagrams off each interface's
// inbound queue, decrementing TTL, and re-encapsulating toward the next hop.
package iprouter

import (
	"net/netip"
	"sync"

	"github.com/google/btree"
	popcount "github.com/tmthrgd/go-popcount"
	"github.com/rs/zerolog/log"

	"tcpip-stack/ipv4"
	"tcpip-stack/netiface"
)

// RouteType distinguishes how an entry entered the table, mirroring the
// "S"/"R"/"L" tags the teacher's forwarding table carried.
type RouteType int

const (
	RouteStatic RouteType = iota
	RouteRIP
	RouteLocal
)

// Route is one forwarding table entry.
type Route struct {
	Prefix    netip.Prefix
	NextHop   netip.Addr // zero Addr means "directly attached": send straight to the destination
	Iface     *netiface.Interface
	Cost      int
	Type      RouteType
	RefreshMs uint64 // not set by this package or by ripv2 (RIP expiry lives in ripv2's deadline queue)
}

// routeItem adapts a Route for btree.BTreeG ordering: routes are ordered by
// prefix so that among matches, iterating from the most specific first is a
// simple tree walk rather than a linear scan over every entry.
type routeItem struct {
	route Route
}

// lessRouteItem orders routeItems by (bits descending, then address
// ascending) so that an Ascend walk visits longer (more specific) prefixes
// first.
func lessRouteItem(a, b routeItem) bool {
	if a.route.Prefix.Bits() != b.route.Prefix.Bits() {
		return a.route.Prefix.Bits() > b.route.Prefix.Bits()
	}
	if a.route.Prefix.Addr() != b.route.Prefix.Addr() {
		return a.route.Prefix.Addr().Less(b.route.Prefix.Addr())
	}
	return false
}

// Router owns a longest-prefix-match table and the interfaces it forwards
// across.
type Router struct {
	mu    sync.RWMutex
	table *btree.BTreeG[routeItem]
	ifaces []*netiface.Interface
}

// New constructs an empty Router.
func New() *Router {
	return &Router{
		table: btree.NewG(32, lessRouteItem),
	}
}

// AddInterface registers iface so its inbound queue is drained by Route.
func (r *Router) AddInterface(iface *netiface.Interface) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ifaces = append(r.ifaces, iface)
}

// AddRoute inserts or replaces the route for prefix.
func (r *Router) AddRoute(route Route) {
	r.mu.Lock()
	defer r.mu.Unlock()
	// Replace-by-prefix: delete any existing entry with the same prefix bits
	// and address before inserting, since routeItem equality for btree
	// purposes is governed entirely by lessRouteItem's ordering key.
	old := routeItem{route: Route{Prefix: route.Prefix}}
	r.table.Delete(old)
	r.table.ReplaceOrInsert(routeItem{route: route})
}

// RemoveRoute deletes the route for prefix, if any.
func (r *Router) RemoveRoute(prefix netip.Prefix) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.table.Delete(routeItem{route: Route{Prefix: prefix}})
}

// Routes returns a snapshot of every route currently installed, longest
// prefix first.
func (r *Router) Routes() []Route {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Route, 0, r.table.Len())
	r.table.Ascend(func(item routeItem) bool {
		out = append(out, item.route)
		return true
	})
	return out
}

// Lookup performs longest-prefix-match for dst, returning the winning route
// and true, or the zero Route and false if nothing matches.
func (r *Router) Lookup(dst netip.Addr) (Route, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best Route
	found := false
	var bestBits int = -1
	r.table.Ascend(func(item routeItem) bool {
		// Table is already ordered longest-prefix-first; the first match we
		// see is the longest-prefix match, so we can stop immediately.
		if item.route.Prefix.Contains(dst) {
			best = item.route
			found = true
			bestBits = item.route.Prefix.Bits()
			return false
		}
		return true
	})
	_ = bestBits
	return best, found
}

// PrefixLength converts a dotted-decimal subnet mask into its CIDR prefix
// length via population count, the way the teacher's util.go leaned on
// math/bits.OnesCount32 for the same conversion — swapped here for the
// pack's dedicated popcount library.
func PrefixLength(mask netip.Addr) int {
	b := mask.As4()
	return int(popcount.CountBytes(b[:]))
}

// Route drains every registered interface's inbound queue and forwards or
// locally delivers each datagram. localDeliver receives only datagrams whose
// destination matches one of the router's own interface addresses; a route
// with a zero NextHop forwards straight to the destination instead.
func (r *Router) Route(localDeliver func(ipv4.Datagram)) {
	r.mu.RLock()
	ifaces := append([]*netiface.Interface(nil), r.ifaces...)
	r.mu.RUnlock()

	for _, iface := range ifaces {
		for _, dgram := range iface.TakeInbound() {
			r.forward(dgram, localDeliver)
		}
	}
}

func (r *Router) forward(dgram ipv4.Datagram, localDeliver func(ipv4.Datagram)) {
	dst := dgram.Header.Dst
	if r.isLocalAddress(dst) {
		localDeliver(dgram)
		return
	}

	route, ok := r.Lookup(dst)
	if !ok {
		log.Debug().Str("dst", dst.String()).Msg("iprouter: no route, dropping")
		return
	}

	ok, err := dgram.DecrementTTL()
	if err != nil {
		log.Warn().Err(err).Msg("iprouter: recompute checksum")
		return
	}
	if !ok {
		log.Debug().Str("dst", dst.String()).Msg("iprouter: ttl expired, dropping")
		return
	}

	nextHop := route.NextHop
	if !nextHop.IsValid() {
		nextHop = dst
	}
	if err := route.Iface.SendDatagram(dgram, nextHop); err != nil {
		log.Warn().Err(err).Msg("iprouter: send datagram")
	}
}

func (r *Router) isLocalAddress(addr netip.Addr) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, iface := range r.ifaces {
		if iface.IPAddr() == addr {
			return true
		}
	}
	return false
}
