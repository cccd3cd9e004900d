package tcp

import (
	"net/netip"
	"testing"

	"tcpip-stack/wrap"
)

func TestEncodeDecodeSegmentRoundTrips(t *testing.T) {
	src := netip.MustParseAddr("10.0.0.1")
	dst := netip.MustParseAddr("10.0.0.2")

	msg := SenderMessage{
		Seqno:   wrap.WrapUint32(1000),
		SYN:     true,
		Payload: []byte("hello"),
	}
	raw := EncodeSenderMessage(msg, src, dst, 4242, 80, 500, true, 4096)

	seg, err := DecodeSegment(raw, src, dst)
	if err != nil {
		t.Fatalf("DecodeSegment: %v", err)
	}
	if seg.SrcPort != 4242 || seg.DstPort != 80 {
		t.Fatalf("ports = %d/%d, want 4242/80", seg.SrcPort, seg.DstPort)
	}
	if seg.SeqNum != 1000 {
		t.Fatalf("SeqNum = %d, want 1000", seg.SeqNum)
	}
	if seg.AckNum != 500 {
		t.Fatalf("AckNum = %d, want 500", seg.AckNum)
	}
	if seg.Window != 4096 {
		t.Fatalf("Window = %d, want 4096", seg.Window)
	}
	if string(seg.Payload) != "hello" {
		t.Fatalf("Payload = %q, want %q", seg.Payload, "hello")
	}
}

func TestDecodeSegmentRejectsBadChecksum(t *testing.T) {
	src := netip.MustParseAddr("10.0.0.1")
	dst := netip.MustParseAddr("10.0.0.2")

	msg := SenderMessage{Seqno: wrap.WrapUint32(1), Payload: []byte("x")}
	raw := EncodeSenderMessage(msg, src, dst, 1, 2, 0, false, 100)
	raw[len(raw)-1] ^= 0xff // corrupt the payload without touching the checksum field

	if _, err := DecodeSegment(raw, src, dst); err == nil {
		t.Fatal("expected checksum mismatch error")
	}
}
