// Package ipv4 wraps the IPv4 header type from
// github.com/brown-csci1680/iptcp-headers with the marshal/checksum helpers
// netiface and iprouter need, and is the "external serialization
// collaborator" spec.md 1 places outside the CORE component budget.
package ipv4

import (
	"net/netip"

	ipv4header "github.com/brown-csci1680/iptcp-headers"
	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"
)

// ProtocolTCP and ProtocolTest mirror the protocol numbers this stack
// dispatches on; RIP rides on top of raw IP with ProtocolRIP.
const (
	ProtocolTest = 0
	ProtocolRIP  = 200
	ProtocolTCP  = 6

	DefaultTTL = 16
)

// Datagram bundles a parsed IPv4 header with its opaque payload.
type Datagram struct {
	Header  ipv4header.IPv4Header
	Payload []byte
}

// New builds a Datagram with a freshly computed checksum.
func New(src, dst netip.Addr, protocol int, ttl int, payload []byte) (Datagram, error) {
	hdr := ipv4header.IPv4Header{
		Version:  4,
		Len:      ipv4header.HeaderLen,
		TOS:      0,
		TotalLen: ipv4header.HeaderLen + len(payload),
		ID:       0,
		Flags:    0,
		FragOff:  0,
		TTL:      ttl,
		Protocol: protocol,
		Checksum: 0,
		Src:      src,
		Dst:      dst,
		Options:  nil,
	}
	if err := recomputeChecksum(&hdr); err != nil {
		return Datagram{}, err
	}
	return Datagram{Header: hdr, Payload: payload}, nil
}

// Marshal serializes header+payload to wire bytes.
func (d Datagram) Marshal() ([]byte, error) {
	headerBytes, err := d.Header.Marshal()
	if err != nil {
		return nil, errors.Wrap(err, "ipv4: marshal header")
	}
	out := make([]byte, 0, len(headerBytes)+len(d.Payload))
	out = append(out, headerBytes...)
	out = append(out, d.Payload...)
	return out, nil
}

// Unmarshal parses raw wire bytes into a Datagram.
func Unmarshal(raw []byte) (Datagram, error) {
	hdr, err := ipv4header.ParseHeader(raw)
	if err != nil {
		return Datagram{}, errors.Wrap(err, "ipv4: parse header")
	}
	if hdr.Len < 0 || hdr.Len > len(raw) {
		return Datagram{}, errors.New("ipv4: header length out of range")
	}
	return Datagram{Header: *hdr, Payload: raw[hdr.Len:]}, nil
}

// DecrementTTL decrements the TTL and recomputes the checksum, matching
// spec.md 4.G's router forwarding step. Returns false without mutating the
// datagram if the TTL is already at or below 1 (the caller must drop it).
func (d *Datagram) DecrementTTL() (bool, error) {
	if d.Header.TTL <= 1 {
		return false, nil
	}
	d.Header.TTL--
	if err := recomputeChecksum(&d.Header); err != nil {
		return false, err
	}
	return true, nil
}

// Numeric converts an IPv4 netip.Addr into its big-endian uint32 form, the
// representation ARP caches and route tables key on.
func Numeric(addr netip.Addr) uint32 {
	b := addr.As4()
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// FromNumeric is the inverse of Numeric.
func FromNumeric(n uint32) netip.Addr {
	return netip.AddrFrom4([4]byte{byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)})
}

// recomputeChecksum zeroes the checksum field, marshals, computes the
// one's-complement checksum with the same primitive the teacher used for
// the TCP checksum (google/netstack/tcpip/header.Checksum), and stores it.
func recomputeChecksum(hdr *ipv4header.IPv4Header) error {
	hdr.Checksum = 0
	raw, err := hdr.Marshal()
	if err != nil {
		return errors.Wrap(err, "ipv4: marshal for checksum")
	}
	sum := header.Checksum(raw, 0)
	hdr.Checksum = int(^sum)
	return nil
}
