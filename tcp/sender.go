package tcp

import (
	"tcpip-stack/bytestream"
	"tcpip-stack/wrap"
)

// Sender reads from an outbound ByteStream and emits segments respecting
// the peer's advertised window, retransmitting on an adaptive timer until
// every byte (and the SYN/FIN flags) has been acknowledged.
type Sender struct {
	input      *bytestream.ByteStream
	isn        wrap.Wrap32
	initialRTO uint64

	nextSeqno uint64 // absolute seqno (SYN counted) of the next byte/flag this sender will send
	ackedSeqno uint64 // absolute seqno of the earliest outstanding byte/flag
	inFlight   uint64
	window     uint16 // peer-advertised window, already clamped to >=1
	zeroWindow bool

	synSent bool
	finSent bool

	outstanding []SenderMessage
	timer       retransmitTimer

	consecutiveRetx uint64
}

// NewSender constructs a Sender reading from input.
func NewSender(input *bytestream.ByteStream, isn wrap.Wrap32, initialRTO uint64) *Sender {
	return &Sender{
		input:      input,
		isn:        isn,
		initialRTO: initialRTO,
		window:     1,
		timer:      newRetransmitTimer(initialRTO),
	}
}

// Stream exposes the sender's owned ByteStream (the application writes into
// it via Push; the sender itself only peeks/pops).
func (s *Sender) Stream() *bytestream.ByteStream { return s.input }

// SequenceNumbersInFlight reports how many sequence numbers are outstanding.
func (s *Sender) SequenceNumbersInFlight() uint64 { return s.inFlight }

// ConsecutiveRetransmissions reports the current retransmit streak.
func (s *Sender) ConsecutiveRetransmissions() uint64 { return s.consecutiveRetx }

func boolToUint64(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func (s *Sender) makeMessage(seq uint64, syn bool, payload []byte, fin bool) SenderMessage {
	return SenderMessage{
		Seqno:   wrap.Wrap(seq, s.isn),
		SYN:     syn,
		Payload: payload,
		FIN:     fin,
		RST:     s.input.HasError(),
	}
}

// MakeEmptyMessage returns a pure-ack piggyback carrying no SYN/FIN/payload.
func (s *Sender) MakeEmptyMessage() SenderMessage {
	return s.makeMessage(s.nextSeqno, false, nil, false)
}

// Push reads bytes from the input stream and emits as many segments as the
// peer's window allows, respecting MaxPayloadSize and folding in SYN/FIN as
// their turn comes up. See spec.md 4.E.
func (s *Sender) Push(transmit func(SenderMessage)) {
	fin := s.input.IsFinished()
	if s.finSent {
		return
	}

	for s.inFlight < uint64(s.window) && !s.finSent {
		chunk := s.input.Peek()
		if (s.synSent && len(chunk) == 0 && !fin) || s.finSent {
			break
		}

		var payload []byte
		for uint64(len(payload))+s.inFlight+boolToUint64(!s.synSent) < uint64(s.window) &&
			uint64(len(payload)) < MaxPayloadSize {
			if len(chunk) == 0 || fin {
				break
			}
			avail := MaxPayloadSize - uint64(len(payload))
			winAvail := uint64(s.window) - uint64(len(payload)) - s.inFlight - boolToUint64(fin) - boolToUint64(!s.synSent)
			if avail > winAvail {
				avail = winAvail
			}
			take := chunk
			if uint64(len(take)) > avail {
				take = take[:avail]
			}
			payload = append(payload, take...)
			s.input.Pop(uint64(len(take)))
			fin = fin || s.input.IsFinished()
			chunk = s.input.Peek()
		}

		if s.finSent {
			break
		}

		msgLen := uint64(len(payload))
		msg := s.makeMessage(s.nextSeqno, !s.synSent, payload, fin)
		wasSynSent := s.synSent
		s.synSent = true
		// A FIN only fits if payload plus its own SYN cost (if not sent
		// yet) plus the FIN itself still stay within the peer's window net
		// of what's already outstanding, not just under the raw window
		// size, or a FIN can be sent while other segments are still in
		// flight and push total outstanding sequence numbers past the
		// window.
		finBudget := uint64(s.window) - s.inFlight - boolToUint64(!wasSynSent)
		if fin && msgLen < finBudget {
			s.finSent = true
			msgLen++
		} else {
			msg.FIN = false
		}
		delta := msgLen + boolToUint64(!wasSynSent)
		s.inFlight += delta
		s.nextSeqno += delta
		s.outstanding = append(s.outstanding, msg)
		transmit(msg)
		if !s.timer.running {
			s.timer.start()
		}
	}
}

// Receive processes an inbound ack/window advertisement.
func (s *Sender) Receive(msg ReceiverMessage) {
	s.zeroWindow = msg.WindowSize == 0
	if s.zeroWindow {
		s.window = 1
	} else {
		s.window = msg.WindowSize
	}

	if msg.RST {
		s.input.SetError()
	}
	if !msg.HasAckno {
		return
	}

	absAck := msg.Ackno.Unwrap(s.isn, s.nextSeqno)
	if absAck > s.nextSeqno || absAck < s.ackedSeqno {
		return
	}

	acked := false
	for len(s.outstanding) > 0 {
		front := s.outstanding[0]
		l := front.SequenceLength()
		lastSeq := s.ackedSeqno + l - 1
		if lastSeq >= absAck {
			break
		}
		acked = true
		s.inFlight -= l
		s.ackedSeqno += l
		s.outstanding = s.outstanding[1:]
	}

	if acked {
		s.consecutiveRetx = 0
		if len(s.outstanding) == 0 {
			s.timer = newRetransmitTimer(s.initialRTO)
		} else {
			s.timer.restart(s.initialRTO)
		}
	}
}

// Tick advances the retransmission timer by ms milliseconds, retransmitting
// the oldest outstanding segment on expiry.
func (s *Sender) Tick(ms uint64, transmit func(SenderMessage)) {
	s.timer.tick(ms)
	if s.timer.expired() {
		transmit(s.outstanding[0])
		s.timer.onExpiry(s.zeroWindow)
		s.consecutiveRetx++
	}
}
