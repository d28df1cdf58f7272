// Package udp implements the UDP reactor (component D): receive, classify
// RTP vs plain UDP, route to a worker shard, side-channel the raw datagram
// to disk for recording, and drain one outbound task per iteration.
// Grounded on _examples/original_source/src/runtime.cpp's RunUdpIoThread
// and spec.md §4.D.
package udp

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ccsuper1024/embedded-backend/event"
	"github.com/ccsuper1024/embedded-backend/logger"
	"github.com/ccsuper1024/embedded-backend/ring"
	"github.com/ccsuper1024/embedded-backend/session"
)

// Metrics is the narrow slice of the admin surface a UDP reactor reports
// into. Pass nil to disable.
type Metrics interface {
	IncDatagrams(proto string)
	IncDropped(queue string)
	ObserveSessions(udp, rtp int)
}

// Reactor owns one SO_REUSEPORT UDP socket. A single goroutine both
// receives and drains egress, matching the original's single OS thread —
// UDP has no per-connection fan-out, so there is no analogue to the TCP
// reactor's goroutine-per-connection split.
//
// UdpSessions and RtpSessions are shared across every UDP reactor goroutine
// on the node (constructed once in runtime.go), and WorkerToIO holds every
// udp-egress shard queue in the node: this reactor only drains the shards
// assigned to it by Index modulo ReactorCount (see drainOneOutbound), and
// resolves sessions through the shared tables regardless of which reactor
// instance originally received the datagram.
type Reactor struct {
	Index         int
	Port          uint16
	WorkerThreads int
	ReactorCount  int

	IOToWorker   []*ring.Ring[event.Event]
	WorkerToIO   []*ring.Ring[event.GenericTask]
	WorkerToDisk []*ring.Ring[event.DiskTask]

	Log     *logger.Logger
	Running *atomic.Bool
	Metrics Metrics

	UdpSessions *session.UdpSessionTable
	RtpSessions *session.RtpSessionTable
}

func nowMs() uint64 { return uint64(time.Now().UnixMilli()) }

func reusePortControl(_, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}

// Run receives, classifies, and dispatches datagrams until Running is
// cleared.
func (r *Reactor) Run() {
	lc := net.ListenConfig{Control: reusePortControl}
	pc, err := lc.ListenPacket(context.Background(), "udp4", (&net.UDPAddr{Port: int(r.Port)}).String())
	if err != nil {
		r.Log.Errorf("udp reactor %d failed to listen on port %d: %v", r.Index, r.Port, err)
		return
	}
	udpConn, ok := pc.(*net.UDPConn)
	if !ok {
		r.Log.Errorf("udp reactor %d: unexpected packet conn type", r.Index)
		_ = pc.Close()
		return
	}
	r.Log.Infof("udp reactor %d started on port %d", r.Index, r.Port)

	buf := make([]byte, 65536)
	for r.Running.Load() {
		r.receiveAll(udpConn, buf)
		r.drainOneOutbound(udpConn)
	}

	_ = udpConn.Close()
	r.Log.Infof("udp reactor %d stopped", r.Index)
}

// receiveAll waits up to 1s for the first datagram, then drains everything
// already queued on the socket without blocking, matching
// "receive-from in a loop until would-block" in spec.md §4.D.
func (r *Reactor) receiveAll(conn *net.UDPConn, buf []byte) {
	first := true
	for {
		if first {
			_ = conn.SetReadDeadline(time.Now().Add(1 * time.Second))
		} else {
			_ = conn.SetReadDeadline(time.Now())
		}
		first = false

		n, raddr, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		r.handleDatagram(buf[:n], raddr)
	}
}

func (r *Reactor) handleDatagram(data []byte, raddr *net.UDPAddr) {
	payload := append([]byte(nil), data...)
	now := nowMs()

	if isRTP(payload) {
		ssrc := rtpSSRC(payload)
		sess := r.RtpSessions.FindOrCreate(ssrc, now)
		routed := r.emit(event.Rtp, sess.ID, raddr, now, payload)
		r.recordAppend(sess.ID, true, payload)
		if r.Metrics != nil {
			if routed {
				r.Metrics.IncDatagrams(event.Rtp.String())
			}
			r.Metrics.ObserveSessions(r.UdpSessions.Len(), r.RtpSessions.Len())
		}
		return
	}

	sess := r.UdpSessions.FindOrCreate(raddr.IP.String(), uint16(raddr.Port), event.Udp, now)
	routed := r.emit(event.Udp, sess.ID, raddr, now, payload)
	r.recordAppend(sess.ID, false, payload)
	if r.Metrics != nil {
		if routed {
			r.Metrics.IncDatagrams(event.Udp.String())
		}
		r.Metrics.ObserveSessions(r.UdpSessions.Len(), r.RtpSessions.Len())
	}
}

// isRTP classifies per spec.md §4.D / §8 invariant 4: length >= 12 and the
// high two bits of byte 0 equal binary 10 (version 2).
func isRTP(data []byte) bool {
	return len(data) >= 12 && (data[0]>>6) == 2
}

func rtpSSRC(data []byte) uint32 {
	return uint32(data[8])<<24 | uint32(data[9])<<16 | uint32(data[10])<<8 | uint32(data[11])
}

func (r *Reactor) emit(proto event.ProtocolType, sessionID uint64, raddr *net.UDPAddr, now uint64, payload []byte) bool {
	shard := int(sessionID % uint64(r.WorkerThreads))
	ev := event.Event{
		Protocol:  proto,
		SessionID: sessionID,
		Context: event.Context{
			TimestampMs: now,
			RemoteIP:    raddr.IP.String(),
			RemotePort:  uint16(raddr.Port),
		},
		Payload: payload,
	}
	if !r.IOToWorker[shard].Push(ev) {
		if r.Metrics != nil {
			r.Metrics.IncDropped("io_to_worker")
		}
		return false
	}
	return true
}

// recordAppend pushes the raw datagram to the same shard's disk queue for
// recording, per spec.md §4.D step 2 and the recording layout in §9/§6.
// A full disk queue silently drops the recording — the event itself has
// already been dispatched to the worker.
func (r *Reactor) recordAppend(sessionID uint64, rtp bool, payload []byte) {
	shard := int(sessionID % uint64(r.WorkerThreads))
	var path string
	if rtp {
		path = fmt.Sprintf("rtp/session_%d.bin", sessionID)
	} else {
		path = fmt.Sprintf("recordings/udp_session_%d.bin", sessionID)
	}
	task := event.DiskTask{Op: event.DiskAppend, Path: path, Data: payload}
	if !r.WorkerToDisk[shard].Push(task) {
		if r.Metrics != nil {
			r.Metrics.IncDropped("worker_to_disk")
		}
	}
}

// drainOneOutbound pops at most one task per iteration and sends it once,
// matching spec.md §4.D step 3. WorkerToIO holds every udp-egress shard in
// the node, but each shard is only ever drained by the one reactor whose
// Index matches shard modulo ReactorCount (the same partitioning runtime.go
// applies to the disk/log queues), so exactly one goroutine ever calls Pop
// on a given shard, preserving ring.Ring's single-consumer contract.
func (r *Reactor) drainOneOutbound(conn *net.UDPConn) {
	for shard := r.Index; shard < len(r.WorkerToIO); shard += r.ReactorCount {
		task, ok := r.WorkerToIO[shard].Pop()
		if !ok {
			continue
		}
		sess := r.UdpSessions.FindByID(task.SessionID)
		if sess == nil {
			return
		}
		raddr := &net.UDPAddr{IP: net.ParseIP(sess.RemoteIP), Port: int(sess.RemotePort)}
		_ = conn.SetWriteDeadline(time.Now().Add(1 * time.Second))
		_, _ = conn.WriteToUDP(task.Payload, raddr)
		return
	}
}
