package panda

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/kstaniek/canserver/internal/can"
)

func TestAckPacketLayout(t *testing.T) {
	ack := ackPacket()
	if len(ack) != 16 {
		t.Fatalf("ack packet length = %d, want 16", len(ack))
	}
	id := binary.LittleEndian.Uint32(ack[0:4])
	length := binary.LittleEndian.Uint32(ack[4:8])
	if id != uint32(0x006)<<21 {
		t.Fatalf("arbitration_id = %#x, want %#x", id, uint32(0x006)<<21)
	}
	if length != uint32(15)<<4 {
		t.Fatalf("len field = %#x, want %#x", length, uint32(15)<<4)
	}
	for _, b := range ack[8:] {
		if b != 0 {
			t.Fatalf("expected trailing data to be zero, got %v", ack[8:])
		}
	}
}

func TestHelloHandshakeSendsAck(t *testing.T) {
	s, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer s.Close()

	clientConn, err := net.DialUDP("udp", nil, s.Conn.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	defer clientConn.Close()

	go func() {
		buf := make([]byte, 1024)
		n, addr, _ := s.Conn.ReadFromUDP(buf)
		s.handleDatagram(buf[:n], addr, discardDebug{})
	}()

	if _, err := clientConn.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	_ = clientConn.SetReadDeadline(time.Now().Add(time.Second))
	resp := make([]byte, 64)
	n, err := clientConn.Read(resp)
	if err != nil {
		t.Fatalf("expected ack response: %v", err)
	}
	if n != 16 {
		t.Fatalf("ack length = %d, want 16", n)
	}
}

type discardDebug struct{}

func (discardDebug) Debug(string, ...any) {}

func TestFilterAddAndAdmission(t *testing.T) {
	c := newClient(&net.UDPAddr{})
	c.connected = true
	c.v2 = true

	// bus 0, id 0x100: chunk = [0x00, 0x01, 0x00]
	forEachFilterChunk([]byte{0x00, 0x01, 0x00}, c.addFilter)
	if !c.admits(0, 0x100) {
		t.Fatalf("expected bus 0 id 0x100 to be admitted")
	}
	if c.admits(1, 0x100) {
		t.Fatalf("bus 1 should not admit an id only added for bus 0")
	}
}

func TestFilterAllBusesSentinel(t *testing.T) {
	c := newClient(&net.UDPAddr{})
	c.connected = true
	c.v2 = true
	forEachFilterChunk([]byte{allBuses, 0x02, 0x00}, c.addFilter)
	if !c.admits(0, 0x200) || !c.admits(1, 0x200) {
		t.Fatalf("expected 0xFF sentinel to admit on both buses")
	}
}

func TestSendAllBypassesFilter(t *testing.T) {
	c := newClient(&net.UDPAddr{})
	c.connected = true
	c.v2 = true
	c.sendAll = true
	if !c.admits(0, 0xDEAD) {
		t.Fatalf("expected send-all to admit any id")
	}
}

func TestV1ClientAdmitsUnconditionally(t *testing.T) {
	c := newClient(&net.UDPAddr{})
	c.connected = true
	c.v2 = false
	if !c.admits(1, 0xBEEF) {
		t.Fatalf("v1 client should admit everything")
	}
}

func TestSweepDeadRemovesExpiredClient(t *testing.T) {
	s, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer s.Close()
	s.HeartbeatTimeout = 10 * time.Millisecond

	stale := newClient(&net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1})
	stale.connected = true
	stale.lastSeen = time.Now().Add(-time.Second)
	s.clients["stale"] = stale

	fresh := newClient(&net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 2})
	fresh.connected = true
	fresh.lastSeen = time.Now()
	s.clients["fresh"] = fresh

	s.sweepDead()

	if _, ok := s.clients["stale"]; ok {
		t.Fatalf("expected stale client to be swept after heartbeat timeout")
	}
	if _, ok := s.clients["fresh"]; !ok {
		t.Fatalf("expected fresh client to survive the sweep")
	}
}

func TestSweepDeadKeepsUnconnectedClient(t *testing.T) {
	s, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer s.Close()
	s.HeartbeatTimeout = 10 * time.Millisecond

	handshaking := newClient(&net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 3})
	handshaking.connected = false
	handshaking.lastSeen = time.Now().Add(-time.Second)
	s.clients["handshaking"] = handshaking

	s.sweepDead()

	if _, ok := s.clients["handshaking"]; !ok {
		t.Fatalf("a client that never completed the handshake should not be swept on heartbeat timeout alone")
	}
}

func TestBroadcastLoopDedupsWithinTickAndRespectsFilter(t *testing.T) {
	s, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer s.Close()
	s.TickInterval = 10 * time.Millisecond

	clientConn, err := net.DialUDP("udp", nil, s.Conn.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	defer clientConn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.recvLoop(ctx)

	if _, err := clientConn.Write([]byte("ehllo")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	_ = clientConn.SetReadDeadline(time.Now().Add(time.Second))
	ack := make([]byte, 64)
	if _, err := clientConn.Read(ack); err != nil {
		t.Fatalf("expected handshake ack: %v", err)
	}
	// opFilterAll: admit everything on every bus.
	if _, err := clientConn.Write([]byte{opFilterAll}); err != nil {
		t.Fatalf("Write filter-all: %v", err)
	}

	rawIn := make(chan can.Frame, 4)
	go s.broadcastLoop(ctx, rawIn)

	// Two frames for the same id within one tick: only the second (latest)
	// payload should reach the wire.
	rawIn <- can.Frame{CANID: 0x100, Len: 1, Data: [8]byte{0xAA}}
	rawIn <- can.Frame{CANID: 0x100, Len: 1, Data: [8]byte{0xBB}}

	_ = clientConn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	buf := make([]byte, 64)
	n, err := clientConn.Read(buf)
	if err != nil {
		t.Fatalf("expected one broadcast datagram: %v", err)
	}
	if got := buf[8]; got != 0xBB {
		t.Fatalf("expected deduped frame to carry the latest payload 0xBB, got %#x", got)
	}

	// No second datagram should follow for the same tick.
	_ = clientConn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	if _, err := clientConn.Read(buf); err == nil {
		t.Fatalf("expected only one deduped datagram per id per tick")
	}
}
