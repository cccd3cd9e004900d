// Package vsocket implements the socket-call layer (VListen/VConnect/
// VAccept/VRead/VWrite/VClose) on top of tcp.Sender/tcp.Receiver, matching
// each connection's transmission control block to a four-tuple and driving
// its state machine from inbound segments and background timers.
package vsocket

import (
	"net/netip"
	"sync"

	"github.com/google/netstack/tcpip/header"
	"github.com/rs/zerolog/log"

	"tcpip-stack/ipv4"
	"tcpip-stack/tcp"
)

// SendFunc transmits a raw TCP segment (already checksummed) as an IP
// datagram from the stack's local address to dst.
type SendFunc func(dst netip.Addr, payload []byte) error

// FourTuple identifies one TCP connection.
type FourTuple struct {
	LocalAddr  netip.Addr
	LocalPort  uint16
	RemoteAddr netip.Addr
	RemotePort uint16
}

// Stack owns every socket (listening or connected) local to one node.
type Stack struct {
	mu sync.Mutex

	localIP netip.Addr
	send    SendFunc

	listeners map[uint16]*Listener
	conns     map[FourTuple]*Conn

	nextSocketID uint16
	socketIndex  map[uint16]FourTuple
	listenIndex  map[uint16]uint16 // socket ID -> port, for listeners
}

// New constructs a Stack bound to localIP, transmitting segments via send.
func New(localIP netip.Addr, send SendFunc) *Stack {
	return &Stack{
		localIP:     localIP,
		send:        send,
		listeners:   make(map[uint16]*Listener),
		conns:       make(map[FourTuple]*Conn),
		socketIndex: make(map[uint16]FourTuple),
		listenIndex: make(map[uint16]uint16),
	}
}

func (s *Stack) allocSocketID() uint16 {
	id := s.nextSocketID
	s.nextSocketID++
	return id
}

// VListen opens a passive socket accepting connections on port.
func (s *Stack) VListen(port uint16) (*Listener, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.allocSocketID()
	l := &Listener{
		id:      id,
		port:    port,
		stack:   s,
		pending: make(chan *Conn, 16),
	}
	s.listeners[port] = l
	s.listenIndex[id] = port
	return l, nil
}

// VConnect actively opens a connection to remoteAddr:remotePort, sending the
// initial SYN before returning.
func (s *Stack) VConnect(remoteAddr netip.Addr, remotePort uint16) (*Conn, error) {
	s.mu.Lock()
	localPort := s.pickEphemeralPort()
	four := FourTuple{LocalAddr: s.localIP, LocalPort: localPort, RemoteAddr: remoteAddr, RemotePort: remotePort}
	id := s.allocSocketID()
	conn := newConn(id, s, four, stateSynSent)
	s.conns[four] = conn
	s.socketIndex[id] = four
	s.mu.Unlock()

	conn.sendSyn()
	return conn, nil
}

func (s *Stack) pickEphemeralPort() uint16 {
	// Real ephemeral allocation would track a free list; scanning up from
	// 20000 mirrors the teacher's random-in-range approach closely enough
	// for a single-node socket table that rarely holds thousands of conns.
	for port := uint16(20000); port < 65535; port++ {
		taken := false
		for four := range s.conns {
			if four.LocalPort == port {
				taken = true
				break
			}
		}
		if !taken {
			return port
		}
	}
	return 20000
}

// HandleDatagram dispatches an inbound TCP-protocol IP datagram to the
// matching connection, spawning a new one on an inbound SYN to a listener.
func (s *Stack) HandleDatagram(dgram ipv4.Datagram) {
	seg, err := tcp.DecodeSegment(dgram.Payload, dgram.Header.Src, dgram.Header.Dst)
	if err != nil {
		log.Debug().Err(err).Msg("vsocket: dropping malformed segment")
		return
	}

	four := FourTuple{
		LocalAddr:  dgram.Header.Dst,
		LocalPort:  seg.DstPort,
		RemoteAddr: dgram.Header.Src,
		RemotePort: seg.SrcPort,
	}

	s.mu.Lock()
	conn, exists := s.conns[four]
	listener, listening := s.listeners[four.LocalPort]
	s.mu.Unlock()

	if exists {
		conn.handleSegment(seg)
		return
	}
	if !listening {
		log.Debug().Uint16("port", four.LocalPort).Msg("vsocket: segment for unknown socket, dropping")
		return
	}
	if seg.Flags != header.TCPFlagSyn {
		return // only a bare SYN may open a new passive connection
	}

	s.mu.Lock()
	id := s.allocSocketID()
	newFour := four
	conn = newConn(id, s, newFour, stateSynReceived)
	s.conns[newFour] = conn
	s.socketIndex[id] = newFour
	s.mu.Unlock()

	conn.acceptSyn(seg, listener)
}

// SocketInfo summarizes one socket for the "ls" REPL command.
type SocketInfo struct {
	ID         uint16
	State      string
	LocalAddr  netip.Addr
	LocalPort  uint16
	RemoteAddr netip.Addr
	RemotePort uint16
}

// ListSockets returns a snapshot of every socket, listeners first.
func (s *Stack) ListSockets() []SocketInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]SocketInfo, 0, len(s.listeners)+len(s.conns))
	for id, port := range s.listenIndex {
		out = append(out, SocketInfo{ID: id, State: "LISTEN", LocalPort: port})
	}
	for id, four := range s.socketIndex {
		conn, ok := s.conns[four]
		if !ok {
			continue
		}
		out = append(out, SocketInfo{
			ID: id, State: conn.State(),
			LocalAddr: four.LocalAddr, LocalPort: four.LocalPort,
			RemoteAddr: four.RemoteAddr, RemotePort: four.RemotePort,
		})
	}
	return out
}

// ConnByID looks up a connected (non-listening) socket for the "s"/"r"/"cl"
// REPL commands.
func (s *Stack) ConnByID(id uint16) (*Conn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	four, ok := s.socketIndex[id]
	if !ok {
		return nil, false
	}
	conn, ok := s.conns[four]
	return conn, ok
}

func (s *Stack) removeConn(four FourTuple) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, four)
}
