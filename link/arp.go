package link

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

const (
	OpRequest uint16 = 1
	OpReply   uint16 = 2

	arpHwTypeEthernet uint16 = 1
	arpProtoTypeIPv4  uint16 = 0x0800
	arpHwLen          uint8  = 6
	arpProtoLen       uint8  = 4

	arpMessageLen = 28
)

// ARPMessage is a fixed 28-byte ARP body: hw_type, proto_type, hw_len,
// proto_len, opcode, and the sender/target hardware+protocol address pairs.
type ARPMessage struct {
	Opcode           uint16
	SenderEthernet   Address
	SenderIP         uint32
	TargetEthernet   Address
	TargetIP         uint32
}

// Marshal serializes the ARP message to its 28-byte wire form.
func (m ARPMessage) Marshal() []byte {
	out := make([]byte, arpMessageLen)
	binary.BigEndian.PutUint16(out[0:2], arpHwTypeEthernet)
	binary.BigEndian.PutUint16(out[2:4], arpProtoTypeIPv4)
	out[4] = arpHwLen
	out[5] = arpProtoLen
	binary.BigEndian.PutUint16(out[6:8], m.Opcode)
	copy(out[8:14], m.SenderEthernet[:])
	binary.BigEndian.PutUint32(out[14:18], m.SenderIP)
	copy(out[18:24], m.TargetEthernet[:])
	binary.BigEndian.PutUint32(out[24:28], m.TargetIP)
	return out
}

// UnmarshalARP parses raw bytes into an ARPMessage.
func UnmarshalARP(raw []byte) (ARPMessage, error) {
	if len(raw) < arpMessageLen {
		return ARPMessage{}, errors.New("link: arp message shorter than 28 bytes")
	}
	hwType := binary.BigEndian.Uint16(raw[0:2])
	protoType := binary.BigEndian.Uint16(raw[2:4])
	if hwType != arpHwTypeEthernet || protoType != arpProtoTypeIPv4 || raw[4] != arpHwLen || raw[5] != arpProtoLen {
		return ARPMessage{}, errors.New("link: unsupported arp hardware/protocol type")
	}
	var m ARPMessage
	m.Opcode = binary.BigEndian.Uint16(raw[6:8])
	copy(m.SenderEthernet[:], raw[8:14])
	m.SenderIP = binary.BigEndian.Uint32(raw[14:18])
	copy(m.TargetEthernet[:], raw[18:24])
	m.TargetIP = binary.BigEndian.Uint32(raw[24:28])
	return m, nil
}
