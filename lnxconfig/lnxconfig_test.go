package lnxconfig

import (
	"net/netip"
	"strings"
	"testing"
)

const sampleRIP = `
# topology for a two-hop router chain
routing-mode rip
interface if0 10.0.0.1/24 127.0.0.1:5000
interface if1 10.0.1.1/24 127.0.0.1:5001
neighbor 10.0.0.2 127.0.0.1:5100 if0
rip-neighbor 10.0.0.2
rip-advertise-to 10.0.1.0/24
`

func TestParseFullRIPConfig(t *testing.T) {
	cfg, err := Parse(strings.NewReader(sampleRIP))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.RoutingMode != RoutingRIP {
		t.Fatalf("RoutingMode = %v, want RoutingRIP", cfg.RoutingMode)
	}
	if len(cfg.Interfaces) != 2 {
		t.Fatalf("len(Interfaces) = %d, want 2", len(cfg.Interfaces))
	}
	if cfg.Interfaces[0].Name != "if0" || cfg.Interfaces[0].AssignedIP != netip.MustParseAddr("10.0.0.1") {
		t.Fatalf("unexpected first interface: %+v", cfg.Interfaces[0])
	}
	if len(cfg.Neighbors) != 1 || cfg.Neighbors[0].Interface != "if0" {
		t.Fatalf("unexpected neighbors: %+v", cfg.Neighbors)
	}
	if len(cfg.RIPNeighbors) != 1 || cfg.RIPNeighbors[0] != netip.MustParseAddr("10.0.0.2") {
		t.Fatalf("unexpected RIPNeighbors: %+v", cfg.RIPNeighbors)
	}
	if len(cfg.RIPAdvertise) != 1 {
		t.Fatalf("unexpected RIPAdvertise: %+v", cfg.RIPAdvertise)
	}
}

func TestParseStaticRoutes(t *testing.T) {
	const src = `
routing-mode static
interface if0 10.0.0.1/24 127.0.0.1:5000
route 10.0.2.0/24 10.0.0.2
`
	cfg, err := Parse(strings.NewReader(src))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.RoutingMode != RoutingStatic {
		t.Fatalf("RoutingMode = %v, want RoutingStatic", cfg.RoutingMode)
	}
	if len(cfg.StaticRoutes) != 1 || cfg.StaticRoutes[0].NextHop != netip.MustParseAddr("10.0.0.2") {
		t.Fatalf("unexpected static routes: %+v", cfg.StaticRoutes)
	}
}

func TestParseIgnoresBlankLinesAndComments(t *testing.T) {
	const src = "\n# comment\n\nrouting-mode none\n\n# trailing comment\n"
	cfg, err := Parse(strings.NewReader(src))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.RoutingMode != RoutingNone {
		t.Fatalf("RoutingMode = %v, want RoutingNone", cfg.RoutingMode)
	}
}

func TestParseRejectsUnknownDirective(t *testing.T) {
	if _, err := Parse(strings.NewReader("bogus-directive foo")); err == nil {
		t.Fatal("expected error for unrecognized directive")
	}
}

func TestParseRejectsMalformedInterfaceLine(t *testing.T) {
	if _, err := Parse(strings.NewReader("interface if0 not-a-prefix 127.0.0.1:5000")); err == nil {
		t.Fatal("expected error for invalid prefix")
	}
}

func TestParseRejectsWrongArgumentCount(t *testing.T) {
	if _, err := Parse(strings.NewReader("neighbor 10.0.0.2 127.0.0.1:5000")); err == nil {
		t.Fatal("expected error for missing interface-name argument")
	}
}

func TestParseRejectsUnknownRoutingMode(t *testing.T) {
	if _, err := Parse(strings.NewReader("routing-mode bogus")); err == nil {
		t.Fatal("expected error for unknown routing mode")
	}
}
