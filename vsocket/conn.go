package vsocket

import (
	"math/rand"
	"sync"
	"time"

	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"tcpip-stack/bytestream"
	"tcpip-stack/reassembler"
	"tcpip-stack/tcp"
	"tcpip-stack/wrap"
)

type connState int

const (
	stateSynSent connState = iota
	stateSynReceived
	stateEstablished
	stateFinWait1
	stateFinWait2
	stateCloseWait
	stateLastAck
	stateClosing
	stateTimeWait
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateSynSent:
		return "SYN_SENT"
	case stateSynReceived:
		return "SYN_RECEIVED"
	case stateEstablished:
		return "ESTABLISHED"
	case stateFinWait1:
		return "FIN_WAIT_1"
	case stateFinWait2:
		return "FIN_WAIT_2"
	case stateCloseWait:
		return "CLOSE_WAIT"
	case stateLastAck:
		return "LAST_ACK"
	case stateClosing:
		return "CLOSING"
	case stateTimeWait:
		return "TIME_WAIT"
	case stateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

const (
	streamCapacity = 64 * 1024
	initialRTOMs   = 1000
	tickIntervalMs = 10
	timeWaitMs     = 2 * 60_000
)

// Conn is one TCP connection's transmission control block: a tcp.Sender and
// tcp.Receiver pair, wired to a state machine and to the Stack's transport.
type Conn struct {
	id   uint16
	four FourTuple
	stack *Stack

	mu    sync.Mutex
	state connState

	sender   *tcp.Sender
	receiver *tcp.Receiver
	isn      wrap.Wrap32

	established chan struct{}
	closeOnce   sync.Once
	stopTick    chan struct{}
}

func randomISN() wrap.Wrap32 {
	return wrap.WrapUint32(rand.Uint32())
}

func newConn(id uint16, stack *Stack, four FourTuple, state connState) *Conn {
	isn := randomISN()
	sendStream := bytestream.New(streamCapacity)
	recvStream := bytestream.New(streamCapacity)
	c := &Conn{
		id:          id,
		four:        four,
		stack:       stack,
		state:       state,
		sender:      tcp.NewSender(sendStream, isn, initialRTOMs),
		receiver:    tcp.NewReceiver(reassembler.New(recvStream)),
		isn:         isn,
		established: make(chan struct{}),
		stopTick:    make(chan struct{}),
	}
	go c.tickLoop()
	return c
}

// State returns the connection's current TCP state name.
func (c *Conn) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.String()
}

// Established returns a channel that is closed once the three-way handshake
// completes.
func (c *Conn) Established() <-chan struct{} { return c.established }

func (c *Conn) sendSyn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg := c.sender.MakeEmptyMessage()
	msg.SYN = true
	c.transmitLocked(msg)
}

func (c *Conn) acceptSyn(seg tcp.Segment, listener *Listener) {
	c.mu.Lock()
	c.receiver.Receive(tcp.SenderMessage{Seqno: tcp.SeqnoFromRaw(seg.SeqNum), SYN: true})
	msg := c.sender.MakeEmptyMessage()
	msg.SYN = true
	c.transmitLocked(msg)
	c.mu.Unlock()

	listener.deliver(c)
}

// handleSegment applies one inbound TCP segment to the sender/receiver pair
// and advances the connection's state machine.
func (c *Conn) handleSegment(seg tcp.Segment) {
	c.mu.Lock()

	senderMsg := tcp.SenderMessage{
		Seqno:   tcp.SeqnoFromRaw(seg.SeqNum),
		SYN:     seg.Flags&header.TCPFlagSyn != 0,
		FIN:     seg.Flags&header.TCPFlagFin != 0,
		RST:     seg.Flags&header.TCPFlagRst != 0,
		Payload: seg.Payload,
	}
	c.receiver.Receive(senderMsg)

	hasAck := seg.Flags&header.TCPFlagAck != 0
	if hasAck {
		c.sender.Receive(tcp.ReceiverMessage{
			Ackno:      tcp.SeqnoFromRaw(seg.AckNum),
			HasAckno:   true,
			WindowSize: seg.Window,
			RST:        senderMsg.RST,
		})
	}

	prev := c.state
	switch c.state {
	case stateSynSent:
		if senderMsg.SYN && hasAck {
			c.state = stateEstablished
			c.replyEmptyLocked()
		}
	case stateSynReceived:
		if hasAck {
			c.state = stateEstablished
		}
	case stateEstablished:
		if senderMsg.FIN {
			c.state = stateCloseWait
			c.replyEmptyLocked()
		}
	case stateFinWait1:
		switch {
		case senderMsg.FIN && hasAck:
			c.state = stateTimeWait
			c.replyEmptyLocked()
			c.scheduleTimeWaitLocked()
		case senderMsg.FIN:
			c.state = stateClosing
			c.replyEmptyLocked()
		case hasAck:
			c.state = stateFinWait2
		}
	case stateFinWait2:
		if senderMsg.FIN {
			c.state = stateTimeWait
			c.replyEmptyLocked()
			c.scheduleTimeWaitLocked()
		}
	case stateClosing:
		if hasAck {
			c.state = stateTimeWait
			c.scheduleTimeWaitLocked()
		}
	case stateLastAck:
		if hasAck {
			c.state = stateClosed
		}
	}

	newlyEstablished := prev != stateEstablished && c.state == stateEstablished
	c.mu.Unlock()

	if newlyEstablished {
		select {
		case <-c.established:
		default:
			close(c.established)
		}
	}
	if c.state == stateClosed {
		c.stack.removeConn(c.four)
	}
}

// VRead blocks until at least one byte is available (or the peer has closed
// its half of the stream) and copies as much as fits into buf.
func (c *Conn) VRead(buf []byte) (int, error) {
	stream := c.receiver.Reassembler().Output()
	stream.WaitForReadable()
	if stream.Buffered() == 0 && stream.IsFinished() {
		return 0, errors.New("vsocket: connection closed by peer")
	}
	n := stream.Buffered()
	if n > uint64(len(buf)) {
		n = uint64(len(buf))
	}
	data := stream.Peek()
	copy(buf, data[:n])
	stream.Pop(n)
	return int(n), nil
}

// VWrite blocks (via the outbound ByteStream's own backpressure) until all of
// data has been pushed to the sender.
func (c *Conn) VWrite(data []byte) (int, error) {
	stream := c.sender.Stream()
	written := 0
	for written < len(data) {
		stream.WaitForWritable()
		before := stream.BytesPushed()
		stream.Push(data[written:])
		written += int(stream.BytesPushed() - before)
	}
	c.pump()
	return written, nil
}

// VClose sends a FIN and transitions into the active-close half of the
// state machine.
func (c *Conn) VClose() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.sender.Stream().Close()
		switch c.state {
		case stateEstablished:
			c.state = stateFinWait1
		case stateCloseWait:
			c.state = stateLastAck
		}
		c.mu.Unlock()
		c.pump()
	})
	return err
}

// pump drains the sender's outbound queue, transmitting whatever the window
// currently allows.
func (c *Conn) pump() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sender.Push(func(msg tcp.SenderMessage) {
		c.transmitLocked(msg)
	})
}

func (c *Conn) replyEmptyLocked() {
	msg := c.sender.MakeEmptyMessage()
	c.transmitLocked(msg)
}

func (c *Conn) transmitLocked(msg tcp.SenderMessage) {
	recvMsg := c.receiver.Send()
	raw := tcp.EncodeSenderMessage(msg, c.four.LocalAddr, c.four.RemoteAddr, c.four.LocalPort, c.four.RemotePort,
		recvMsg.Ackno.Raw(), recvMsg.HasAckno, recvMsg.WindowSize)

	// SendFunc takes the raw TCP segment; wrapping it in IP is the caller's job.
	if err := c.stack.send(c.four.RemoteAddr, raw); err != nil {
		log.Warn().Err(err).Msg("vsocket: send outbound datagram")
	}
}

func (c *Conn) scheduleTimeWaitLocked() {
	go func() {
		select {
		case <-time.After(timeWaitMs * time.Millisecond):
			c.mu.Lock()
			c.state = stateClosed
			c.mu.Unlock()
			c.stack.removeConn(c.four)
		case <-c.stopTick:
		}
	}()
}

// tickLoop drives the retransmission timer and periodically flushes
// whatever the sender has buffered.
func (c *Conn) tickLoop() {
	ticker := time.NewTicker(tickIntervalMs * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			if c.sender.SequenceNumbersInFlight() > 0 {
				c.sender.Tick(tickIntervalMs, func(msg tcp.SenderMessage) {
					c.transmitLocked(msg)
				})
			}
			c.mu.Unlock()
			c.pump()
		case <-c.stopTick:
			return
		}
	}
}
