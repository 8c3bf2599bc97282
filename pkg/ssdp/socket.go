package ssdp

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/gladhorn/hupnp/pkg/log"
	"github.com/gladhorn/hupnp/pkg/transport"
	"github.com/gladhorn/hupnp/pkg/upnp"
)

const (
	readBufferSize = 4096

	// multicastTTL follows UDA 1.1 (UDA 1.0 said 4; 2 is the modern
	// recommendation).
	multicastTTL = 2

	pollInterval = 500 * time.Millisecond
)

// Handler receives every successfully parsed datagram. Malformed
// datagrams are dropped before dispatch.
type Handler func(msg any, src *net.UDPAddr)

// SocketConfig configures the SSDP socket pair.
type SocketConfig struct {
	// Interface restricts multicast membership to one interface.
	// Empty means all multicast-capable interfaces.
	Interface string

	// Logger for protocol logging (optional).
	Logger log.Logger
}

// Socket is the SSDP socket pair: a multicast listener on port 1900 and
// an ephemeral unicast socket for searches and directed replies. Several
// consumers (an advertiser and a browser) may attach handlers to one
// socket.
type Socket struct {
	config SocketConfig
	logger log.Logger

	group *net.UDPAddr
	mconn *net.UDPConn
	pconn *ipv4.PacketConn
	uconn *net.UDPConn

	mu       sync.Mutex
	handlers []Handler
	flag     *transport.ShutdownFlag
	wg       sync.WaitGroup
	started  bool
}

// NewSocket binds the SSDP sockets and joins the multicast group.
// ListenMulticastUDP sets SO_REUSEADDR so several UPnP processes can
// share port 1900 on one machine.
func NewSocket(config SocketConfig) (*Socket, error) {
	group := &net.UDPAddr{IP: net.ParseIP(MulticastAddress), Port: Port}

	var listenIface *net.Interface
	if config.Interface != "" {
		iface, err := net.InterfaceByName(config.Interface)
		if err != nil {
			return nil, fmt.Errorf("%w: interface %q: %v", upnp.ErrInvalidConfiguration, config.Interface, err)
		}
		listenIface = iface
	}

	mconn, err := net.ListenMulticastUDP("udp4", listenIface, group)
	if err != nil {
		return nil, fmt.Errorf("%w: bind %d: %v", upnp.ErrCommunications, Port, err)
	}

	// Extend membership to every multicast-capable interface when no
	// specific one was requested.
	pconn := ipv4.NewPacketConn(mconn)
	if listenIface == nil {
		for _, iface := range multicastInterfaces("") {
			_ = pconn.JoinGroup(&iface, group)
		}
	}
	_ = pconn.SetMulticastTTL(multicastTTL)

	uconn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		mconn.Close()
		return nil, fmt.Errorf("%w: bind unicast: %v", upnp.ErrCommunications, err)
	}
	_ = ipv4.NewPacketConn(uconn).SetMulticastTTL(multicastTTL)

	return &Socket{
		config: config,
		logger: log.OrNoop(config.Logger),
		group:  group,
		mconn:  mconn,
		pconn:  pconn,
		uconn:  uconn,
	}, nil
}

// multicastInterfaces lists candidate interfaces for group membership.
func multicastInterfaces(name string) []net.Interface {
	if name != "" {
		iface, err := net.InterfaceByName(name)
		if err != nil {
			return nil
		}
		return []net.Interface{*iface}
	}

	all, err := net.Interfaces()
	if err != nil {
		return nil
	}
	var out []net.Interface
	for _, iface := range all {
		if iface.Flags&net.FlagUp != 0 && iface.Flags&net.FlagMulticast != 0 {
			out = append(out, iface)
		}
	}
	return out
}

// AddHandler attaches a consumer. Handlers receive every parsed datagram
// from both the multicast and the unicast socket.
func (s *Socket) AddHandler(handler Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, handler)
}

// Start launches the receive loops.
func (s *Socket) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return upnp.ErrAlreadyInitialized
	}
	s.started = true
	s.flag = transport.NewShutdownFlag()

	s.wg.Add(2)
	go s.readLoop(s.mconn)
	go s.readLoop(s.uconn)
	return nil
}

// Stop terminates the receive loops and closes both sockets. After Stop
// returns, no further datagrams are emitted or delivered.
func (s *Socket) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	flag := s.flag
	s.mu.Unlock()

	flag.Trigger()
	s.wg.Wait()
	s.mconn.Close()
	s.uconn.Close()
}

// UnicastPort returns the local port of the unicast socket. Search
// responses arrive here.
func (s *Socket) UnicastPort() uint16 {
	addr, ok := s.uconn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return 0
	}
	return uint16(addr.Port)
}

// SendMulticast sends a datagram to the SSDP group.
func (s *Socket) SendMulticast(msg any) error {
	return s.send(msg, s.group)
}

// SendUnicast sends a datagram to a specific peer.
func (s *Socket) SendUnicast(msg any, addr *net.UDPAddr) error {
	return s.send(msg, addr)
}

func (s *Socket) send(msg any, addr *net.UDPAddr) error {
	s.mu.Lock()
	stopped := !s.started
	s.mu.Unlock()
	if stopped || s.flag.Triggered() {
		return upnp.ErrShuttingDown
	}

	data := Format(msg)
	if _, err := s.uconn.WriteToUDP(data, addr); err != nil {
		return fmt.Errorf("%w: send to %s: %v", upnp.ErrCommunications, addr, err)
	}

	s.logger.Log(log.Event{
		Timestamp:  time.Now(),
		Direction:  log.DirectionOut,
		Layer:      log.LayerSSDP,
		Category:   log.CategoryMessage,
		RemoteAddr: addr.String(),
		Datagram:   datagramSummary(msg, len(data)),
	})
	return nil
}

func (s *Socket) readLoop(conn *net.UDPConn) {
	defer s.wg.Done()

	buf := make([]byte, readBufferSize)
	for {
		if s.flag.Triggered() {
			return
		}
		conn.SetReadDeadline(time.Now().Add(pollInterval))
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return
		}

		msg, err := Parse(buf[:n])
		if err != nil {
			// Malformed or foreign datagrams are dropped.
			if errors.Is(err, ErrMalformedMessage) {
				s.logger.Log(log.Event{
					Timestamp:  time.Now(),
					Direction:  log.DirectionIn,
					Layer:      log.LayerSSDP,
					Category:   log.CategoryError,
					RemoteAddr: src.String(),
					Error:      &log.ErrorEventData{Message: err.Error(), Context: "parse"},
				})
			}
			continue
		}

		s.logger.Log(log.Event{
			Timestamp:  time.Now(),
			Direction:  log.DirectionIn,
			Layer:      log.LayerSSDP,
			Category:   log.CategoryMessage,
			RemoteAddr: src.String(),
			Datagram:   datagramSummary(msg, n),
		})

		s.mu.Lock()
		handlers := make([]Handler, len(s.handlers))
		copy(handlers, s.handlers)
		s.mu.Unlock()
		for _, handler := range handlers {
			handler(msg, src)
		}
	}
}

func datagramSummary(msg any, size int) *log.DatagramEvent {
	switch m := msg.(type) {
	case *Alive:
		return &log.DatagramEvent{Method: "NOTIFY", Target: m.NT.String(), USN: m.USN.String(), Size: size}
	case *ByeBye:
		return &log.DatagramEvent{Method: "NOTIFY", Target: m.NT.String(), USN: m.USN.String(), Size: size}
	case *Update:
		return &log.DatagramEvent{Method: "NOTIFY", Target: m.NT.String(), USN: m.USN.String(), Size: size}
	case *SearchRequest:
		return &log.DatagramEvent{Method: "M-SEARCH", Target: m.ST.String(), Size: size}
	case *SearchResponse:
		return &log.DatagramEvent{Method: "RESPONSE", Target: m.ST.String(), USN: m.USN.String(), Size: size}
	default:
		return &log.DatagramEvent{Method: "UNKNOWN", Size: size}
	}
}
