// Package panda implements the UDP Fan-out (Panda protocol): a
// UDP socket dispatching datagrams to per-source-IP client records, a
// 120 Hz ticked broadcast that dedups by id-per-tick in ascending id order,
// and a 1 Hz heartbeat sweep that disconnects silent clients.
//
// Grounded on original_source/panda_server.py (the recv-then-batch-then-
// broadcast loop, the alive_check sweep) and panda_client.py (the
// handshake/filter/ack wire protocol, reshaped from one Python object per
// client into client state keyed in a Go map, and from Python lists to
// Go sets for O(1) filter membership).
package panda

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/kstaniek/canserver/internal/can"
	"github.com/kstaniek/canserver/internal/logging"
	"github.com/kstaniek/canserver/internal/metrics"
)

// allBuses is the wire value meaning "admit for every bus". Only the
// unsigned 0xFF sentinel is accepted; the Python original's -1 has no
// analogue on an unsigned wire byte.
const allBuses = 0xFF

const (
	opFilterAdd   = 0x0F
	opFilterDel   = 0x0E
	opFilterAll   = 0x0C
	opFilterClear = 0x18
)

// client is one connected (or handshaking) Panda client, keyed by source IP.
type client struct {
	addr     *net.UDPAddr
	connected bool
	v2        bool
	sendAll   bool
	filter    map[int]map[uint32]struct{} // bus -> admitted frame ids
	lastSeen  time.Time
}

func newClient(addr *net.UDPAddr) *client {
	return &client{addr: addr, filter: map[int]map[uint32]struct{}{}}
}

func (c *client) admits(bus int, id uint32) bool {
	if !c.connected {
		return false
	}
	if !c.v2 || c.sendAll {
		return true
	}
	set, ok := c.filter[bus]
	if !ok {
		return false
	}
	_, ok = set[id]
	return ok
}

func (c *client) addFilter(bus int, id uint32) {
	buses := busesFor(bus)
	for _, b := range buses {
		if c.filter[b] == nil {
			c.filter[b] = map[uint32]struct{}{}
		}
		c.filter[b][id] = struct{}{}
	}
}

func (c *client) delFilter(bus int, id uint32) {
	for _, b := range busesFor(bus) {
		if set, ok := c.filter[b]; ok {
			delete(set, id)
		}
	}
}

func busesFor(bus int) []int {
	if bus == allBuses {
		return []int{0, 1}
	}
	return []int{bus}
}

// ackPacket is the fixed 16-byte v2 handshake acknowledgement: an
// arbitration_id field of 0x006<<21, a len field of 15<<4, and 8 zero data
// bytes, matching the Python PandaClient._ack_packet.
func ackPacket() []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(0x006)<<21)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(15)<<4)
	return buf
}

// Server is the UDP Fan-out worker. One instance serves every channel.
type Server struct {
	Conn *net.UDPConn

	TickInterval       time.Duration
	AliveCheckInterval time.Duration
	HeartbeatTimeout   time.Duration

	mu      sync.Mutex
	clients map[string]*client

	pending map[uint32]can.Frame // allocated by Listen but not used; broadcastLoop keeps its own per-tick map
}

// Listen opens the UDP socket at addr (host:port).
func Listen(addr string) (*Server, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %s: %v", ErrSocket, addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: listen %s: %v", ErrSocket, addr, err)
	}
	return &Server{
		Conn:               conn,
		TickInterval:       time.Second / 120,
		AliveCheckInterval: time.Second,
		HeartbeatTimeout:   10 * time.Second,
		clients:            map[string]*client{},
		pending:            map[uint32]can.Frame{},
	}, nil
}

// Run drives the recv loop, the alive-check sweep, and the ticked broadcast
// concurrently until ctx is cancelled. RawIn supplies the channel-agnostic
// raw-frame stream to fan out.
func (s *Server) Run(ctx context.Context, rawIn <-chan can.Frame) {
	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); s.recvLoop(ctx) }()
	go func() { defer wg.Done(); s.aliveLoop(ctx) }()
	go func() { defer wg.Done(); s.broadcastLoop(ctx, rawIn) }()
	wg.Wait()
}

func (s *Server) recvLoop(ctx context.Context) {
	log := logging.ForComponent("panda", "udp")
	buf := make([]byte, 1024)
	_ = s.Conn.SetReadDeadline(time.Time{})
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_ = s.Conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
		n, addr, err := s.Conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			continue
		}
		s.handleDatagram(buf[:n], addr, log)
	}
}

func (s *Server) handleDatagram(data []byte, addr *net.UDPAddr, log interface {
	Debug(string, ...any)
}) {
	if len(data) == 0 {
		metrics.PandaMalformed.Inc()
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := addr.IP.String()
	c, ok := s.clients[key]
	if !ok {
		c = newClient(addr)
		s.clients[key] = c
	}
	c.addr = addr
	c.lastSeen = time.Now()

	text := string(data)
	switch {
	case equalASCIIFold(text, "hello"):
		if !c.connected {
			c.connected = true
			s.sendTo(c.addr, ackPacket())
		}
	case equalASCIIFold(text, "ehllo"):
		if !c.connected || !c.v2 {
			c.connected = true
			c.v2 = true
			s.sendTo(c.addr, ackPacket())
		}
	case !c.connected || !c.v2:
		return
	case equalASCIIFold(text, "bye"):
		delete(s.clients, key)
	case data[0] == opFilterAdd:
		forEachFilterChunk(data[1:], c.addFilter)
	case data[0] == opFilterDel:
		forEachFilterChunk(data[1:], c.delFilter)
	case data[0] == opFilterAll:
		c.sendAll = true
	case data[0] == opFilterClear:
		c.sendAll = false
		c.filter = map[int]map[uint32]struct{}{}
	default:
		metrics.PandaMalformed.Inc()
	}
}

func forEachFilterChunk(data []byte, apply func(bus int, id uint32)) {
	for i := 0; i+3 <= len(data); i += 3 {
		bus := int(data[i])
		id := uint32(data[i+1])<<8 | uint32(data[i+2])
		apply(bus, id)
	}
}

func equalASCIIFold(s, want string) bool {
	if len(s) != len(want) {
		return false
	}
	for i := range s {
		a, b := s[i], want[i]
		if 'A' <= a && a <= 'Z' {
			a += 'a' - 'A'
		}
		if a != b {
			return false
		}
	}
	return true
}

func (s *Server) sendTo(addr *net.UDPAddr, data []byte) {
	_, _ = s.Conn.WriteToUDP(data, addr)
}

func (s *Server) aliveLoop(ctx context.Context) {
	ticker := time.NewTicker(s.AliveCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepDead()
		}
	}
}

func (s *Server) sweepDead() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for key, c := range s.clients {
		if c.connected && now.Sub(c.lastSeen) > s.HeartbeatTimeout {
			delete(s.clients, key)
		}
	}
	metrics.PandaClients.Set(float64(len(s.clients)))
}

func (s *Server) broadcastLoop(ctx context.Context, rawIn <-chan can.Frame) {
	ticker := time.NewTicker(s.TickInterval)
	defer ticker.Stop()
	latest := map[uint32]can.Frame{}
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-rawIn:
			if !ok {
				return
			}
			latest[f.ID()] = f
		case <-ticker.C:
			if len(latest) == 0 {
				continue
			}
			s.emitTick(latest)
			latest = map[uint32]can.Frame{}
		}
	}
}

func (s *Server) emitTick(latest map[uint32]can.Frame) {
	ids := make([]uint32, 0, len(latest))
	for id := range latest {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	if len(clients) == 0 {
		return
	}

	for _, id := range ids {
		f := latest[id]
		wire := encodeWireFrame(f)
		for _, c := range clients {
			if !c.admits(f.Channel, id) {
				continue
			}
			s.sendTo(c.addr, wire)
			metrics.PandaFramesSent.Inc()
		}
	}
}

// encodeWireFrame renders f as an 8-byte header plus payload: `arbitration_
// id<<21` as a little-endian u32, `(dlc&0x0F)|(bus<<4)` as a little-endian
// u32, followed by dlc payload bytes.
func encodeWireFrame(f can.Frame) []byte {
	buf := make([]byte, 8+int(f.Len))
	binary.LittleEndian.PutUint32(buf[0:4], f.ID()<<21)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(f.Len&0x0F)|uint32(f.Channel<<4))
	copy(buf[8:], f.Data[:f.Len])
	return buf
}

// Close closes the underlying UDP socket.
func (s *Server) Close() error { return s.Conn.Close() }
