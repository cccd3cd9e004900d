// Package ripv2 implements the distance-vector routing protocol this stack
// speaks between vrouter instances: periodic and triggered updates, split
// horizon with poisoned reverse, and route expiry.
package ripv2

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

const (
	CommandRequest  uint16 = 1
	CommandResponse uint16 = 2

	// Infinity is the poisoned-reverse / unreachable cost, matching the
	// classic RIP convention of capping distance at 16.
	Infinity = 16

	entryLen = 12
)

// Entry is one route advertised in a Packet: a cost/address/mask triple.
type Entry struct {
	Cost    uint32
	Address uint32
	Mask    uint32
}

// Packet is a RIP request or response.
type Packet struct {
	Command uint16
	Entries []Entry
}

// Marshal serializes the packet to wire bytes.
func (p Packet) Marshal() []byte {
	out := make([]byte, 4+entryLen*len(p.Entries))
	binary.BigEndian.PutUint16(out[0:2], p.Command)
	binary.BigEndian.PutUint16(out[2:4], uint16(len(p.Entries)))
	off := 4
	for _, e := range p.Entries {
		binary.BigEndian.PutUint32(out[off:off+4], e.Cost)
		binary.BigEndian.PutUint32(out[off+4:off+8], e.Address)
		binary.BigEndian.PutUint32(out[off+8:off+12], e.Mask)
		off += entryLen
	}
	return out
}

// Unmarshal parses raw bytes into a Packet.
func Unmarshal(raw []byte) (Packet, error) {
	if len(raw) < 4 {
		return Packet{}, errors.New("ripv2: packet shorter than header")
	}
	command := binary.BigEndian.Uint16(raw[0:2])
	numEntries := int(binary.BigEndian.Uint16(raw[2:4]))
	if len(raw) < 4+entryLen*numEntries {
		return Packet{}, errors.New("ripv2: packet shorter than declared entry count")
	}
	entries := make([]Entry, numEntries)
	off := 4
	for i := 0; i < numEntries; i++ {
		entries[i] = Entry{
			Cost:    binary.BigEndian.Uint32(raw[off : off+4]),
			Address: binary.BigEndian.Uint32(raw[off+4 : off+8]),
			Mask:    binary.BigEndian.Uint32(raw[off+8 : off+12]),
		}
		off += entryLen
	}
	return Packet{Command: command, Entries: entries}, nil
}
