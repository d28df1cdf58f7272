// Package session implements the three session tables (component B):
// the TCP connection table, the UDP session table, and the RTP session
// table, grounded on _examples/original_source/include/conn.h and
// src/conn.cpp. The UDP and RTP tables are shared across every UDP
// reactor goroutine configured for the node (so that egress-queue
// partitioning in the reactor/udp package can resolve a session
// regardless of which reactor goroutine received it), and are therefore
// guarded by a mutex rather than the original's single-owner-thread
// assumption.
package session

import (
	"fmt"
	"sync"

	"github.com/ccsuper1024/embedded-backend/event"
)

// ConnState mirrors the original's Conn lifecycle.
type ConnState uint8

const (
	Connecting ConnState = iota
	Established
	Closing
	Closed
)

// Conn is a TCP connection record. ID is a synthetic monotonically
// increasing identifier assigned at accept time (standing in for the
// original's raw fd — see DESIGN.md, reactor/tcp section). WorkerIndex is
// fixed at accept time from ID mod worker_threads and never changes for
// the connection's lifetime (stable shard sticky-routing, invariant 3).
type Conn struct {
	ID          uint64
	State       ConnState
	WorkerIndex int
	Protocol    event.ProtocolType
	RemoteIP    string
	RemotePort  uint16
	LastActive  uint64
}

// TcpConnTable is keyed by connection id. It takes no lock, so it is for
// use by a single goroutine; reactor/tcp does not use it and tracks live
// connections in its own shared ConnRegistry.
type TcpConnTable struct {
	conns map[uint64]*Conn
}

func NewTcpConnTable() *TcpConnTable {
	return &TcpConnTable{conns: make(map[uint64]*Conn)}
}

// Add inserts conn. It rejects duplicates, matching TcpConnTable::Add.
func (t *TcpConnTable) Add(c *Conn) bool {
	if _, exists := t.conns[c.ID]; exists {
		return false
	}
	t.conns[c.ID] = c
	return true
}

func (t *TcpConnTable) Remove(id uint64) {
	delete(t.conns, id)
}

func (t *TcpConnTable) Find(id uint64) *Conn {
	return t.conns[id]
}

func (t *TcpConnTable) Len() int {
	return len(t.conns)
}

// UdpSession is a {remote_ip, remote_port} -> id mapping entry. id is
// one-based and monotonic within the owning table's lifetime.
type UdpSession struct {
	RemoteIP   string
	RemotePort uint16
	ID         uint64
	Protocol   event.ProtocolType
	LastActive uint64
}

// UdpSessionTable is keyed by "ip:port". Shared across every UDP reactor
// goroutine on the node; mu guards every field below.
type UdpSessionTable struct {
	mu    sync.Mutex
	byKey map[string]*UdpSession
	next  uint64
}

func NewUdpSessionTable() *UdpSessionTable {
	return &UdpSessionTable{byKey: make(map[string]*UdpSession)}
}

func udpKey(ip string, port uint16) string {
	return fmt.Sprintf("%s:%d", ip, port)
}

// FindOrCreate creates the session on first appearance (id = current size
// + 1) and updates LastActive on every hit, matching
// UdpSessionTable::FindOrCreate.
func (t *UdpSessionTable) FindOrCreate(ip string, port uint16, proto event.ProtocolType, nowMs uint64) *UdpSession {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := udpKey(ip, port)
	if s, ok := t.byKey[key]; ok {
		s.LastActive = nowMs
		return s
	}
	t.next++
	s := &UdpSession{
		RemoteIP:   ip,
		RemotePort: port,
		ID:         t.next,
		Protocol:   proto,
		LastActive: nowMs,
	}
	t.byKey[key] = s
	return s
}

// FindByID performs a linear scan, acceptable per spec.md §4.B.
func (t *UdpSessionTable) FindByID(id uint64) *UdpSession {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, s := range t.byKey {
		if s.ID == id {
			return s
		}
	}
	return nil
}

func (t *UdpSessionTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byKey)
}

// RtpSession is an ssrc -> id mapping entry.
type RtpSession struct {
	Ssrc       uint32
	ID         uint64
	LastActive uint64
}

// RtpSessionTable is keyed by SSRC. Like UdpSessionTable, it is shared
// across every UDP reactor goroutine that demultiplexes RTP traffic (its
// identity table is distinct from the plain-UDP session table even though
// both are reached from the same reactor); mu guards every field below.
type RtpSessionTable struct {
	mu     sync.Mutex
	bySsrc map[uint32]*RtpSession
	next   uint64
}

func NewRtpSessionTable() *RtpSessionTable {
	return &RtpSessionTable{bySsrc: make(map[uint32]*RtpSession)}
}

func (t *RtpSessionTable) FindOrCreate(ssrc uint32, nowMs uint64) *RtpSession {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.bySsrc[ssrc]; ok {
		s.LastActive = nowMs
		return s
	}
	t.next++
	s := &RtpSession{Ssrc: ssrc, ID: t.next, LastActive: nowMs}
	t.bySsrc[ssrc] = s
	return s
}

func (t *RtpSessionTable) FindByID(id uint64) *RtpSession {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, s := range t.bySsrc {
		if s.ID == id {
			return s
		}
	}
	return nil
}

func (t *RtpSessionTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.bySsrc)
}
