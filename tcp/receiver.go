package tcp

import (
	"tcpip-stack/reassembler"
	"tcpip-stack/wrap"
)

// Receiver drives a Reassembler from inbound segments and reports the
// window/ackno the peer's Sender should see.
type Receiver struct {
	reassembler *reassembler.Reassembler

	synSeen bool
	isn     wrap.Wrap32
}

// NewReceiver constructs a Receiver writing into the given Reassembler.
func NewReceiver(r *reassembler.Reassembler) *Receiver {
	return &Receiver{reassembler: r}
}

// Reassembler exposes the owned reassembler (its Output() gives the
// application-facing Reader).
func (r *Receiver) Reassembler() *reassembler.Reassembler { return r.reassembler }

// Receive processes one inbound segment.
func (r *Receiver) Receive(msg SenderMessage) {
	writer := r.reassembler.Output()

	if msg.RST {
		writer.SetError()
		return
	}

	if !r.synSeen {
		if !msg.SYN {
			return
		}
		r.isn = msg.Seqno
		r.synSeen = true
	}

	checkpoint := writer.BytesPushed() + 1
	abs := msg.Seqno.Unwrap(r.isn, checkpoint)

	if !msg.SYN && abs == 0 {
		// seqno equals ISN with no SYN bit: not a valid data index.
		return
	}

	streamIndex := uint64(0)
	if abs >= 1 {
		streamIndex = abs - 1
	}

	r.reassembler.Insert(streamIndex, msg.Payload, msg.FIN)
}

// Send produces the ackno/window/reset the peer's Sender should see.
func (r *Receiver) Send() ReceiverMessage {
	writer := r.reassembler.Output()

	cap := writer.AvailableCapacity()
	window := cap
	if window > WindowCap {
		window = WindowCap
	}

	msg := ReceiverMessage{
		WindowSize: uint16(window),
		RST:        writer.HasError(),
	}
	if !r.synSeen {
		return msg
	}

	expected := writer.BytesPushed() + 1
	if writer.IsClosed() {
		expected++
	}
	msg.Ackno = wrap.Wrap(expected, r.isn)
	msg.HasAckno = true
	return msg
}
