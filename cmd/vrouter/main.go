// Command vrouter runs a router node: it forwards datagrams by
// longest-prefix match and, in RIP mode, speaks the distance-vector
// protocol with its configured neighbors to build that table dynamically.
package main

import (
	"bufio"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"tcpip-stack/ipv4"
	"tcpip-stack/iprouter"
	"tcpip-stack/link"
	"tcpip-stack/lnxconfig"
	"tcpip-stack/netiface"
	"tcpip-stack/ripv2"
)

func macForIP(ip netip.Addr) link.Address {
	b := ip.As4()
	return link.Address{0xaa, 0xaa, b[0], b[1], b[2], b[3]}
}

func main() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if len(os.Args) != 3 || os.Args[1] != "--config" {
		fmt.Println("Usage: ./vrouter --config <lnx file>")
		os.Exit(1)
	}

	cfg, err := lnxconfig.ParseFile(os.Args[2])
	if err != nil {
		log.Fatal().Err(err).Msg("vrouter: parse config")
	}

	router := iprouter.New()
	ifaces := make(map[string]*netiface.Interface)
	conns := make(map[string]*net.UDPConn)
	neighborUDP := make(map[string]map[link.Address]netip.AddrPort)
	neighborIfaceByIP := make(map[netip.Addr]*netiface.Interface)

	for _, ic := range cfg.Interfaces {
		udpAddr, err := net.ResolveUDPAddr("udp4", ic.BindAddr.String())
		if err != nil {
			log.Fatal().Err(err).Str("interface", ic.Name).Msg("vrouter: resolve bind addr")
		}
		conn, err := net.ListenUDP("udp4", udpAddr)
		if err != nil {
			log.Fatal().Err(err).Str("interface", ic.Name).Msg("vrouter: listen udp")
		}
		conns[ic.Name] = conn
		neighborUDP[ic.Name] = make(map[link.Address]netip.AddrPort)

		name := ic.Name
		port := netiface.OutputPort(func(frame link.Frame) error {
			return transmitFrame(conn, neighborUDP[name], frame)
		})
		iface := netiface.New(ic.Name, ic.AssignedIP, macForIP(ic.AssignedIP), port)
		ifaces[ic.Name] = iface
		router.AddInterface(iface)
		router.AddRoute(iprouter.Route{Prefix: ic.Prefix, Iface: iface, Type: iprouter.RouteLocal})
	}

	for _, n := range cfg.Neighbors {
		neighborUDP[n.Interface][macForIP(n.DestIP)] = n.UDPAddr
		neighborIfaceByIP[n.DestIP] = ifaces[n.Interface]
	}

	for _, r := range cfg.StaticRoutes {
		router.AddRoute(iprouter.Route{Prefix: r.Prefix, NextHop: r.NextHop, Type: iprouter.RouteStatic})
	}

	if len(cfg.Interfaces) == 0 {
		log.Fatal().Msg("vrouter: config declares no interfaces")
	}
	localIP := cfg.Interfaces[0].AssignedIP

	var ripProto *ripv2.Protocol
	if cfg.RoutingMode == lnxconfig.RoutingRIP {
		neighbors := make([]ripv2.Neighbor, 0, len(cfg.RIPNeighbors))
		for _, addr := range cfg.RIPNeighbors {
			iface, ok := neighborIfaceByIP[addr]
			if !ok {
				log.Warn().Str("neighbor", addr.String()).Msg("vrouter: rip-neighbor is not a configured neighbor")
				continue
			}
			neighbors = append(neighbors, ripv2.Neighbor{Addr: addr, Iface: iface})
		}
		ripProto = ripv2.New(router, neighbors, func(dst netip.Addr, payload []byte) error {
			route, ok := router.Lookup(dst)
			if !ok {
				return fmt.Errorf("vrouter: no route to rip neighbor %s", dst)
			}
			dgram, err := ipv4.New(localIP, dst, ipv4.ProtocolRIP, ipv4.DefaultTTL, payload)
			if err != nil {
				return err
			}
			nextHop := route.NextHop
			if !nextHop.IsValid() {
				nextHop = dst
			}
			return route.Iface.SendDatagram(dgram, nextHop)
		})
	}

	for name, iface := range ifaces {
		go listenUDP(conns[name], iface)
	}
	deliver := func(dgram ipv4.Datagram) {
		switch dgram.Header.Protocol {
		case ipv4.ProtocolRIP:
			if ripProto != nil {
				ripProto.HandleDatagram(dgram)
			}
		case ipv4.ProtocolTest:
			fmt.Printf("Received test packet: Src: %s, Dst: %s, TTL: %d, Data: %s\n",
				dgram.Header.Src, dgram.Header.Dst, dgram.Header.TTL, string(dgram.Payload))
		default:
			log.Debug().Int("protocol", dgram.Header.Protocol).Msg("vrouter: no handler for protocol")
		}
	}
	go func() {
		for range time.Tick(time.Millisecond) {
			router.Route(deliver)
		}
	}()
	go tickLoop(ifaces, ripProto)

	if ripProto != nil {
		ripProto.Start()
	}

	runREPL(router, ifaces, cfg.Neighbors, localIP)
}

func transmitFrame(conn *net.UDPConn, macs map[link.Address]netip.AddrPort, frame link.Frame) error {
	raw := frame.Marshal()
	if frame.Dst == link.Broadcast {
		for _, addr := range macs {
			if _, err := conn.WriteToUDP(raw, net.UDPAddrFromAddrPort(addr)); err != nil {
				return err
			}
		}
		return nil
	}
	addr, ok := macs[frame.Dst]
	if !ok {
		return fmt.Errorf("vrouter: no known udp peer for mac %s", frame.Dst)
	}
	_, err := conn.WriteToUDP(raw, net.UDPAddrFromAddrPort(addr))
	return err
}

func listenUDP(conn *net.UDPConn, iface *netiface.Interface) {
	buf := make([]byte, 65535)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			log.Warn().Err(err).Msg("vrouter: udp read")
			continue
		}
		frame, err := link.UnmarshalFrame(buf[:n])
		if err != nil {
			log.Debug().Err(err).Msg("vrouter: malformed frame, dropping")
			continue
		}
		if err := iface.RecvFrame(frame); err != nil {
			log.Warn().Err(err).Msg("vrouter: process frame")
		}
	}
}

const tickIntervalMs = 100

func tickLoop(ifaces map[string]*netiface.Interface, ripProto *ripv2.Protocol) {
	ticker := time.NewTicker(tickIntervalMs * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		for _, iface := range ifaces {
			iface.Tick(tickIntervalMs)
		}
		if ripProto != nil {
			ripProto.PeriodicTick(tickIntervalMs)
		}
	}
}

func runREPL(router *iprouter.Router, ifaces map[string]*netiface.Interface, neighbors []lnxconfig.NeighborConfig, localIP netip.Addr) {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("Enter command")
	for scanner.Scan() {
		userInput := strings.TrimSpace(scanner.Text())
		fields := strings.Fields(userInput)
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "li":
			printInterfaces(ifaces)
		case "ln":
			printNeighbors(neighbors)
		case "lr":
			printRoutes(router)
		case "send":
			if len(fields) < 3 {
				fmt.Println("usage: send <ip> <msg>")
				continue
			}
			dst, err := netip.ParseAddr(fields[1])
			if err != nil {
				fmt.Println(err)
				continue
			}
			msg := strings.Join(fields[2:], " ")
			if err := sendTestPacket(router, localIP, dst, msg); err != nil {
				fmt.Println(err)
			}
		case "down":
			if len(fields) == 2 {
				if iface, ok := ifaces[fields[1]]; ok {
					iface.SetDown(true)
				}
			}
		case "up":
			if len(fields) == 2 {
				if iface, ok := ifaces[fields[1]]; ok {
					iface.SetDown(false)
				}
			}
		default:
			fmt.Println("Invalid command.")
		}
	}
}

func printInterfaces(ifaces map[string]*netiface.Interface) {
	fmt.Println("Name Addr  State")
	for _, iface := range ifaces {
		state := "up"
		if iface.IsDown() {
			state = "down"
		}
		fmt.Printf("%s  %s  %s\n", iface.Name(), iface.IPAddr(), state)
	}
}

func printNeighbors(neighbors []lnxconfig.NeighborConfig) {
	fmt.Println("Iface VIP     UDPAddr")
	for _, n := range neighbors {
		fmt.Printf("%s  %s  %s\n", n.Interface, n.DestIP, n.UDPAddr)
	}
}

// sendTestPacket injects an ipv4.ProtocolTest datagram addressed to dst,
// following the same lookup-then-send path RIP packets take.
func sendTestPacket(router *iprouter.Router, localIP, dst netip.Addr, msg string) error {
	route, ok := router.Lookup(dst)
	if !ok {
		return fmt.Errorf("vrouter: no route to %s", dst)
	}
	dgram, err := ipv4.New(localIP, dst, ipv4.ProtocolTest, ipv4.DefaultTTL, []byte(msg))
	if err != nil {
		return err
	}
	nextHop := route.NextHop
	if !nextHop.IsValid() {
		nextHop = dst
	}
	return route.Iface.SendDatagram(dgram, nextHop)
}

func printRoutes(router *iprouter.Router) {
	fmt.Println("T     Prefix       Next hop    Cost")
	for _, route := range router.Routes() {
		nextHop := "LOCAL"
		if route.NextHop.IsValid() {
			nextHop = route.NextHop.String()
		}
		t := "S"
		switch route.Type {
		case iprouter.RouteRIP:
			t = "R"
		case iprouter.RouteLocal:
			t = "L"
		}
		fmt.Printf("%s     %s  %s   %d\n", t, route.Prefix, nextHop, route.Cost)
	}
}
