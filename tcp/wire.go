package tcp

import (
	"net/netip"

	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"

	"tcpip-stack/wrap"
)

// Segment is the wire-level representation of one TCP/IP payload: the
// parsed TCP fields plus whatever data followed the header.
type Segment struct {
	SrcPort uint16
	DstPort uint16
	SeqNum  uint32
	AckNum  uint32
	Flags   uint8
	Window  uint16
	Payload []byte
}

// EncodeSenderMessage renders a SenderMessage (plus the receiver-side ack it
// piggybacks, if any) as a wire-ready TCP segment.
func EncodeSenderMessage(msg SenderMessage, srcIP, dstIP netip.Addr, srcPort, dstPort uint16, ackNum uint32, hasAck bool, window uint16) []byte {
	var flags uint8
	if msg.SYN {
		flags |= header.TCPFlagSyn
	}
	if msg.FIN {
		flags |= header.TCPFlagFin
	}
	if msg.RST {
		flags |= header.TCPFlagRst
	}
	if hasAck {
		flags |= header.TCPFlagAck
	}
	return encode(srcIP, dstIP, srcPort, dstPort, msg.Seqno.Raw(), ackNum, flags, window, msg.Payload)
}

func encode(srcIP, dstIP netip.Addr, srcPort, dstPort uint16, seq, ack uint32, flags uint8, window uint16, payload []byte) []byte {
	fields := header.TCPFields{
		SrcPort:       srcPort,
		DstPort:       dstPort,
		SeqNum:        seq,
		AckNum:        ack,
		DataOffset:    header.TCPMinimumSize,
		Flags:         flags,
		WindowSize:    window,
		Checksum:      0,
		UrgentPointer: 0,
	}
	buf := make(header.TCP, header.TCPMinimumSize+len(payload))
	buf.Encode(&fields)
	copy(buf[header.TCPMinimumSize:], payload)

	checksum := computeChecksum(buf, srcIP, dstIP)
	buf.SetChecksum(checksum)
	return buf
}

// DecodeSegment parses raw TCP/IP payload bytes into a Segment, verifying
// its checksum against the enclosing IP addresses.
func DecodeSegment(raw []byte, srcIP, dstIP netip.Addr) (Segment, error) {
	if len(raw) < header.TCPMinimumSize {
		return Segment{}, errors.New("tcp: segment shorter than header")
	}
	hdr := header.TCP(raw)
	dataOffset := int(hdr.DataOffset())
	if dataOffset < header.TCPMinimumSize || dataOffset > len(raw) {
		return Segment{}, errors.New("tcp: invalid data offset")
	}

	want := hdr.Checksum()
	scratch := append([]byte(nil), raw...)
	header.TCP(scratch).SetChecksum(0)
	got := computeChecksum(scratch, srcIP, dstIP)
	if got != want {
		return Segment{}, errors.New("tcp: checksum mismatch")
	}

	return Segment{
		SrcPort: hdr.SourcePort(),
		DstPort: hdr.DestinationPort(),
		SeqNum:  hdr.SequenceNumber(),
		AckNum:  hdr.AckNumber(),
		Flags:   hdr.Flags(),
		Window:  hdr.WindowSize(),
		Payload: raw[dataOffset:],
	}, nil
}

// computeChecksum sums the IPv4 pseudo-header and the TCP segment using the
// same incremental primitive the ipv4 package uses for its own checksum
// (google/netstack's header.Checksum, which takes a running initial value
// and can therefore be folded over the pseudo-header and the segment in two
// calls).
func computeChecksum(segment []byte, srcIP, dstIP netip.Addr) uint16 {
	pseudo := make([]byte, 12)
	srcB := srcIP.As4()
	dstB := dstIP.As4()
	copy(pseudo[0:4], srcB[:])
	copy(pseudo[4:8], dstB[:])
	pseudo[8] = 0
	pseudo[9] = tcpProtocolNumber
	pseudo[10] = byte(len(segment) >> 8)
	pseudo[11] = byte(len(segment))

	sum := header.Checksum(pseudo, 0)
	sum = header.Checksum(segment, sum)
	return ^sum
}

const tcpProtocolNumber = 6

// SeqnoFromRaw is a small convenience used by vsocket when translating raw
// wire sequence numbers into the wrapped-sequence-number domain.
func SeqnoFromRaw(raw uint32) wrap.Wrap32 { return wrap.WrapUint32(raw) }
