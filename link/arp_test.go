package link

import "testing"

func TestARPMarshalUnmarshal(t *testing.T) {
	m := ARPMessage{
		Opcode:         OpRequest,
		SenderEthernet: Address{1, 1, 1, 1, 1, 1},
		SenderIP:       0x0a000001,
		TargetIP:       0x0a000002,
	}
	raw := m.Marshal()
	if len(raw) != arpMessageLen {
		t.Fatalf("Marshal length = %d, want %d", len(raw), arpMessageLen)
	}
	got, err := UnmarshalARP(raw)
	if err != nil {
		t.Fatalf("UnmarshalARP: %v", err)
	}
	if got != m {
		t.Fatalf("got %+v, want %+v", got, m)
	}
}

func TestUnmarshalARPRejectsShort(t *testing.T) {
	if _, err := UnmarshalARP([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error")
	}
}

func TestUnmarshalARPRejectsWrongHardwareType(t *testing.T) {
	m := ARPMessage{Opcode: OpRequest}
	raw := m.Marshal()
	raw[1] = 0x02 // corrupt hardware type low byte
	if _, err := UnmarshalARP(raw); err == nil {
		t.Fatal("expected error for unsupported hardware/protocol type")
	}
}
