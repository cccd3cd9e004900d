// Package lnxconfig parses the ".lnx" network topology files that describe a
// vhost or vrouter's interfaces, neighbors, and static routes.
package lnxconfig

import (
	"bufio"
	"io"
	"net/netip"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// RoutingMode selects how a node populates its forwarding table.
type RoutingMode int

const (
	RoutingNone RoutingMode = iota
	RoutingStatic
	RoutingRIP
)

// InterfaceConfig is one "interface" line: a name, its assigned address and
// prefix length, and the UDP socket address it binds to for framing.
type InterfaceConfig struct {
	Name       string
	AssignedIP netip.Addr
	Prefix     netip.Prefix
	BindAddr   netip.AddrPort
}

// NeighborConfig is one "neighbor" line: a directly-attached peer reachable
// through a named local interface.
type NeighborConfig struct {
	DestIP    netip.Addr
	UDPAddr   netip.AddrPort
	Interface string
}

// StaticRoute is one "route" line, only meaningful under RoutingStatic.
type StaticRoute struct {
	Prefix  netip.Prefix
	NextHop netip.Addr
}

// Config is a fully parsed .lnx file.
type Config struct {
	RoutingMode   RoutingMode
	Interfaces    []InterfaceConfig
	Neighbors     []NeighborConfig
	StaticRoutes  []StaticRoute
	RIPNeighbors  []netip.Addr
	RIPAdvertise  []netip.Prefix
}

// ParseFile reads and parses the .lnx file at path.
func ParseFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "lnxconfig: open")
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads a .lnx file's line-oriented format from r: a routing-mode
// header, then any number of interface/neighbor/route/rip-neighbor/
// rip-advertise-to lines, one per line, whitespace-separated fields, blank
// lines and "#"-prefixed comments ignored.
func Parse(r io.Reader) (*Config, error) {
	cfg := &Config{}
	scanner := bufio.NewScanner(r)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		switch fields[0] {
		case "routing-mode":
			if len(fields) != 2 {
				return nil, errors.New("lnxconfig: routing-mode requires one argument")
			}
			switch fields[1] {
			case "none":
				cfg.RoutingMode = RoutingNone
			case "static":
				cfg.RoutingMode = RoutingStatic
			case "rip":
				cfg.RoutingMode = RoutingRIP
			default:
				return nil, errors.Errorf("lnxconfig: unknown routing mode %q", fields[1])
			}

		case "interface":
			if len(fields) != 4 {
				return nil, errors.New("lnxconfig: interface requires name, assigned-ip/prefix, bind-addr")
			}
			prefix, err := netip.ParsePrefix(fields[2])
			if err != nil {
				return nil, errors.Wrap(err, "lnxconfig: interface prefix")
			}
			bindAddr, err := netip.ParseAddrPort(fields[3])
			if err != nil {
				return nil, errors.Wrap(err, "lnxconfig: interface bind-addr")
			}
			cfg.Interfaces = append(cfg.Interfaces, InterfaceConfig{
				Name:       fields[1],
				AssignedIP: prefix.Addr(),
				Prefix:     prefix,
				BindAddr:   bindAddr,
			})

		case "neighbor":
			if len(fields) != 4 {
				return nil, errors.New("lnxconfig: neighbor requires dest-ip, udp-addr, interface-name")
			}
			destIP, err := netip.ParseAddr(fields[1])
			if err != nil {
				return nil, errors.Wrap(err, "lnxconfig: neighbor dest-ip")
			}
			udpAddr, err := netip.ParseAddrPort(fields[2])
			if err != nil {
				return nil, errors.Wrap(err, "lnxconfig: neighbor udp-addr")
			}
			cfg.Neighbors = append(cfg.Neighbors, NeighborConfig{
				DestIP:    destIP,
				UDPAddr:   udpAddr,
				Interface: fields[3],
			})

		case "route":
			if len(fields) != 3 {
				return nil, errors.New("lnxconfig: route requires prefix, next-hop")
			}
			prefix, err := netip.ParsePrefix(fields[1])
			if err != nil {
				return nil, errors.Wrap(err, "lnxconfig: route prefix")
			}
			nextHop, err := netip.ParseAddr(fields[2])
			if err != nil {
				return nil, errors.Wrap(err, "lnxconfig: route next-hop")
			}
			cfg.StaticRoutes = append(cfg.StaticRoutes, StaticRoute{Prefix: prefix, NextHop: nextHop})

		case "rip-neighbor":
			if len(fields) != 2 {
				return nil, errors.New("lnxconfig: rip-neighbor requires one address")
			}
			addr, err := netip.ParseAddr(fields[1])
			if err != nil {
				return nil, errors.Wrap(err, "lnxconfig: rip-neighbor")
			}
			cfg.RIPNeighbors = append(cfg.RIPNeighbors, addr)

		case "rip-advertise-to":
			if len(fields) != 2 {
				return nil, errors.New("lnxconfig: rip-advertise-to requires one prefix")
			}
			prefix, err := netip.ParsePrefix(fields[1])
			if err != nil {
				return nil, errors.Wrap(err, "lnxconfig: rip-advertise-to")
			}
			cfg.RIPAdvertise = append(cfg.RIPAdvertise, prefix)

		default:
			return nil, errors.Errorf("lnxconfig: unrecognized directive %q", fields[0])
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "lnxconfig: scan")
	}
	return cfg, nil
}
