package netiface

import (
	"net/netip"
	"testing"

	"tcpip-stack/ipv4"
	"tcpip-stack/link"
)

func TestSendDatagramCacheMissBuffersAndARPs(t *testing.T) {
	var sent []link.Frame
	local := netip.MustParseAddr("10.0.0.1")
	peer := netip.MustParseAddr("10.0.0.2")
	localEth := link.Address{1, 1, 1, 1, 1, 1}
	peerEth := link.Address{2, 2, 2, 2, 2, 2}

	iface := New("if0", local, localEth, func(f link.Frame) error {
		sent = append(sent, f)
		return nil
	})

	dgram, _ := ipv4.New(local, peer, ipv4.ProtocolTest, ipv4.DefaultTTL, []byte("hi"))
	if err := iface.SendDatagram(dgram, peer); err != nil {
		t.Fatalf("SendDatagram: %v", err)
	}
	if len(sent) != 1 || sent[0].EtherType != link.TypeARP || sent[0].Dst != link.Broadcast {
		t.Fatalf("expected one broadcast ARP request, got %+v", sent)
	}

	// A second send to the same unresolved peer must not issue a duplicate
	// ARP request.
	if err := iface.SendDatagram(dgram, peer); err != nil {
		t.Fatalf("SendDatagram: %v", err)
	}
	if len(sent) != 1 {
		t.Fatalf("expected no duplicate ARP request, got %d frames", len(sent))
	}

	// The ARP reply should flush both buffered datagrams.
	reply := link.ARPMessage{
		Opcode:         link.OpReply,
		SenderEthernet: peerEth,
		SenderIP:       ipv4.Numeric(peer),
		TargetEthernet: localEth,
		TargetIP:       ipv4.Numeric(local),
	}
	frame := link.Frame{Dst: localEth, Src: peerEth, EtherType: link.TypeARP, Payload: reply.Marshal()}
	if err := iface.RecvFrame(frame); err != nil {
		t.Fatalf("RecvFrame: %v", err)
	}

	flushed := 0
	for _, f := range sent {
		if f.EtherType == link.TypeIPv4 {
			flushed++
		}
	}
	if flushed != 2 {
		t.Fatalf("expected 2 flushed datagrams after ARP resolution, got %d", flushed)
	}
}

func TestRecvFrameARPRequestForSelfReplies(t *testing.T) {
	var sent []link.Frame
	local := netip.MustParseAddr("10.0.0.1")
	peer := netip.MustParseAddr("10.0.0.2")
	localEth := link.Address{1, 1, 1, 1, 1, 1}
	peerEth := link.Address{2, 2, 2, 2, 2, 2}

	iface := New("if0", local, localEth, func(f link.Frame) error {
		sent = append(sent, f)
		return nil
	})

	req := link.ARPMessage{
		Opcode:         link.OpRequest,
		SenderEthernet: peerEth,
		SenderIP:       ipv4.Numeric(peer),
		TargetIP:       ipv4.Numeric(local),
	}
	frame := link.Frame{Dst: link.Broadcast, Src: peerEth, EtherType: link.TypeARP, Payload: req.Marshal()}
	if err := iface.RecvFrame(frame); err != nil {
		t.Fatalf("RecvFrame: %v", err)
	}
	if len(sent) != 1 {
		t.Fatalf("expected one unicast reply, got %d frames", len(sent))
	}
	if sent[0].Dst != peerEth || sent[0].EtherType != link.TypeARP {
		t.Fatalf("unexpected reply frame: %+v", sent[0])
	}
}

func TestRecvFrameIPv4Datagram(t *testing.T) {
	local := netip.MustParseAddr("10.0.0.1")
	remote := netip.MustParseAddr("10.0.0.2")
	iface := New("if0", local, link.Address{1, 1, 1, 1, 1, 1}, func(link.Frame) error { return nil })

	dgram, _ := ipv4.New(remote, local, ipv4.ProtocolTest, ipv4.DefaultTTL, []byte("payload"))
	raw, _ := dgram.Marshal()
	frame := link.Frame{Dst: link.Broadcast, Src: link.Address{2, 2, 2, 2, 2, 2}, EtherType: link.TypeIPv4, Payload: raw}
	if err := iface.RecvFrame(frame); err != nil {
		t.Fatalf("RecvFrame: %v", err)
	}

	inbound := iface.TakeInbound()
	if len(inbound) != 1 || string(inbound[0].Payload) != "payload" {
		t.Fatalf("unexpected inbound queue: %+v", inbound)
	}
	if len(iface.TakeInbound()) != 0 {
		t.Fatal("TakeInbound should drain the queue")
	}
}

func TestTickExpiresARPRequest(t *testing.T) {
	local := netip.MustParseAddr("10.0.0.1")
	peer := netip.MustParseAddr("10.0.0.2")
	sends := 0
	iface := New("if0", local, link.Address{1, 1, 1, 1, 1, 1}, func(link.Frame) error {
		sends++
		return nil
	})

	dgram, _ := ipv4.New(local, peer, ipv4.ProtocolTest, ipv4.DefaultTTL, nil)
	iface.SendDatagram(dgram, peer)
	if sends != 1 {
		t.Fatalf("sends = %d, want 1", sends)
	}

	iface.Tick(5_000) // hits the 5s resend deadline exactly
	// The pending request should now be dropped; a fresh send re-arms it.
	iface.SendDatagram(dgram, peer)
	if sends != 2 {
		t.Fatalf("sends = %d, want 2 after expiry allowed a fresh request", sends)
	}
}

func TestSetDownSuppressesTraffic(t *testing.T) {
	local := netip.MustParseAddr("10.0.0.1")
	peer := netip.MustParseAddr("10.0.0.2")
	sends := 0
	iface := New("if0", local, link.Address{1, 1, 1, 1, 1, 1}, func(link.Frame) error {
		sends++
		return nil
	})
	iface.SetDown(true)

	dgram, _ := ipv4.New(local, peer, ipv4.ProtocolTest, ipv4.DefaultTTL, nil)
	iface.SendDatagram(dgram, peer)
	if sends != 0 {
		t.Fatalf("sends = %d, want 0 while interface is down", sends)
	}
}
