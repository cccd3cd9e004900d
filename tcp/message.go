// Package tcp implements the receiver and sender halves of a TCP endpoint:
// windowed transmission, an adaptive retransmission timer, and translation
// between wrapped wire sequence numbers and the underlying byte stream.
package tcp

import "tcpip-stack/wrap"

// MaxPayloadSize bounds the payload of a single outbound segment.
const MaxPayloadSize = 1452

// WindowCap is the largest window size a receiver will ever advertise.
const WindowCap = 65535

// SenderMessage is an outbound logical TCP segment.
type SenderMessage struct {
	Seqno   wrap.Wrap32
	SYN     bool
	Payload []byte
	FIN     bool
	RST     bool
}

// SequenceLength is the number of sequence numbers this message consumes.
func (m SenderMessage) SequenceLength() uint64 {
	n := uint64(len(m.Payload))
	if m.SYN {
		n++
	}
	if m.FIN {
		n++
	}
	return n
}

// ReceiverMessage is an inbound ack/window advertisement.
type ReceiverMessage struct {
	Ackno      wrap.Wrap32
	HasAckno   bool
	WindowSize uint16
	RST        bool
}
