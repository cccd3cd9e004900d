// Command vhost runs a single-interface (or multi-interface) TCP/IP host: it
// brings up its interfaces per a .lnx config, forwards/delivers datagrams,
// and exposes a socket REPL for opening and driving TCP connections.
package main

import (
	"bufio"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"tcpip-stack/ipv4"
	"tcpip-stack/iprouter"
	"tcpip-stack/link"
	"tcpip-stack/lnxconfig"
	"tcpip-stack/netiface"
	"tcpip-stack/vsocket"
)

// macForIP deterministically derives a synthetic Ethernet address from an
// IPv4 address: the virtual network has no real link layer, so the "MAC" is
// only ever used to key netiface's ARP cache, never dialed directly.
func macForIP(ip netip.Addr) link.Address {
	b := ip.As4()
	return link.Address{0xaa, 0xaa, b[0], b[1], b[2], b[3]}
}

func main() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if len(os.Args) != 3 || os.Args[1] != "--config" {
		fmt.Println("Usage: ./vhost --config <lnx file>")
		os.Exit(1)
	}

	cfg, err := lnxconfig.ParseFile(os.Args[2])
	if err != nil {
		log.Fatal().Err(err).Msg("vhost: parse config")
	}

	router := iprouter.New()
	ifaces := make(map[string]*netiface.Interface)
	conns := make(map[string]*net.UDPConn)
	neighborUDP := make(map[string]map[link.Address]netip.AddrPort) // iface name -> mac -> udp addr

	for _, ic := range cfg.Interfaces {
		udpAddr, err := net.ResolveUDPAddr("udp4", ic.BindAddr.String())
		if err != nil {
			log.Fatal().Err(err).Str("interface", ic.Name).Msg("vhost: resolve bind addr")
		}
		conn, err := net.ListenUDP("udp4", udpAddr)
		if err != nil {
			log.Fatal().Err(err).Str("interface", ic.Name).Msg("vhost: listen udp")
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
	}

	for _, r := range cfg.StaticRoutes {
		router.AddRoute(iprouter.Route{Prefix: r.Prefix, NextHop: r.NextHop, Type: iprouter.RouteStatic})
	}

	if len(cfg.Interfaces) == 0 {
		log.Fatal().Msg("vhost: config declares no interfaces")
	}
	localIP := cfg.Interfaces[0].AssignedIP

	tcpStack := vsocket.New(localIP, func(dst netip.Addr, payload []byte) error {
		route, ok := router.Lookup(dst)
		if !ok {
			return fmt.Errorf("vhost: no route to %s", dst)
		}
		nextHop := route.NextHop
		if !nextHop.IsValid() {
			nextHop = dst
		}
		return route.Iface.SendDatagram(mustDatagram(localIP, dst, payload), nextHop)
	})

	for name, iface := range ifaces {
		go listenUDP(conns[name], iface)
	}
	deliver := func(dgram ipv4.Datagram) {
		switch dgram.Header.Protocol {
		case ipv4.ProtocolTCP:
			tcpStack.HandleDatagram(dgram)
		case ipv4.ProtocolTest:
			fmt.Printf("Received test packet: Src: %s, Dst: %s, TTL: %d, Data: %s\n",
				dgram.Header.Src, dgram.Header.Dst, dgram.Header.TTL, string(dgram.Payload))
		default:
			log.Debug().Int("protocol", dgram.Header.Protocol).Msg("vhost: no handler for protocol")
		}
	}
	go func() {
		for range time.Tick(time.Millisecond) {
			router.Route(deliver)
		}
	}()
	go tickLoop(ifaces)

	runREPL(router, tcpStack, ifaces, cfg.Neighbors, localIP)
}

func mustDatagram(src, dst netip.Addr, payload []byte) ipv4.Datagram {
	dgram, err := ipv4.New(src, dst, ipv4.ProtocolTCP, ipv4.DefaultTTL, payload)
	if err != nil {
		log.Warn().Err(err).Msg("vhost: build tcp datagram")
	}
	return dgram
}

func transmitFrame(conn *net.UDPConn, macs map[link.Address]netip.AddrPort, frame link.Frame) error {
	raw := frame.Marshal()
	if frame.Dst == link.Broadcast {
		for _, addr := range macs {
			udpAddr := net.UDPAddrFromAddrPort(addr)
			if _, err := conn.WriteToUDP(raw, udpAddr); err != nil {
				return err
			}
		}
		return nil
	}
	addr, ok := macs[frame.Dst]
	if !ok {
		return fmt.Errorf("vhost: no known udp peer for mac %s", frame.Dst)
	}
	_, err := conn.WriteToUDP(raw, net.UDPAddrFromAddrPort(addr))
	return err
}

func listenUDP(conn *net.UDPConn, iface *netiface.Interface) {
	buf := make([]byte, 65535)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			log.Warn().Err(err).Msg("vhost: udp read")
			continue
		}
		frame, err := link.UnmarshalFrame(buf[:n])
		if err != nil {
			log.Debug().Err(err).Msg("vhost: malformed frame, dropping")
			continue
		}
		if err := iface.RecvFrame(frame); err != nil {
			log.Warn().Err(err).Msg("vhost: process frame")
		}
	}
}

const tickIntervalMs = 100

func tickLoop(ifaces map[string]*netiface.Interface) {
	ticker := time.NewTicker(tickIntervalMs * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		for _, iface := range ifaces {
			iface.Tick(tickIntervalMs)
		}
	}
}

func runREPL(router *iprouter.Router, tcpStack *vsocket.Stack, ifaces map[string]*netiface.Interface, neighbors []lnxconfig.NeighborConfig, localIP netip.Addr) {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("Enter command:")
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
		case "ls":
			printSockets(tcpStack)
		case "a":
			if len(fields) != 2 {
				continue
			}
			port, err := strconv.ParseUint(fields[1], 10, 16)
			if err != nil {
				fmt.Println(err)
				continue
			}
			listener, err := tcpStack.VListen(uint16(port))
			if err != nil {
				fmt.Println(err)
				continue
			}
			go func() {
				for {
					if _, err := listener.VAccept(); err != nil {
						return
					}
				}
			}()
		case "c":
			if len(fields) != 3 {
				continue
			}
			addr, err := netip.ParseAddr(fields[1])
			if err != nil {
				fmt.Println(err)
				continue
			}
			port, err := strconv.ParseUint(fields[2], 10, 16)
			if err != nil {
				fmt.Println(err)
				continue
			}
			if _, err := tcpStack.VConnect(addr, uint16(port)); err != nil {
				fmt.Println(err)
			}
		case "s":
			if len(fields) < 3 {
				continue
			}
			id, err := strconv.ParseUint(fields[1], 10, 16)
			if err != nil {
				fmt.Println(err)
				continue
			}
			conn, ok := tcpStack.ConnByID(uint16(id))
			if !ok {
				fmt.Println("no such socket")
				continue
			}
			data := strings.Join(fields[2:], " ")
			if _, err := conn.VWrite([]byte(data)); err != nil {
				fmt.Println(err)
			}
		case "r":
			if len(fields) != 3 {
				continue
			}
			id, err := strconv.ParseUint(fields[1], 10, 16)
			if err != nil {
				fmt.Println(err)
				continue
			}
			n, err := strconv.ParseUint(fields[2], 10, 32)
			if err != nil {
				fmt.Println(err)
				continue
			}
			conn, ok := tcpStack.ConnByID(uint16(id))
			if !ok {
				fmt.Println("no such socket")
				continue
			}
			buf := make([]byte, n)
			read, err := conn.VRead(buf)
			if err != nil {
				fmt.Println(err)
				continue
			}
			fmt.Println(string(buf[:read]))
		case "cl":
			if len(fields) != 2 {
				continue
			}
			id, err := strconv.ParseUint(fields[1], 10, 16)
			if err != nil {
				fmt.Println(err)
				continue
			}
			conn, ok := tcpStack.ConnByID(uint16(id))
			if !ok {
				fmt.Println("no such socket")
				continue
			}
			if err := conn.VClose(); err != nil {
				fmt.Println(err)
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
// following the same lookup-then-send path a TCP segment takes.
func sendTestPacket(router *iprouter.Router, localIP, dst netip.Addr, msg string) error {
	route, ok := router.Lookup(dst)
	if !ok {
		return fmt.Errorf("vhost: no route to %s", dst)
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

func printSockets(stack *vsocket.Stack) {
	fmt.Println("SID  State        LAddr LPort RAddr RPort")
	for _, s := range stack.ListSockets() {
		fmt.Printf("%d  %s  %s %d %s %d\n", s.ID, s.State, s.LocalAddr, s.LocalPort, s.RemoteAddr, s.RemotePort)
	}
}
