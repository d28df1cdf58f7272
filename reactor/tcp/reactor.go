// Package tcp implements the TCP reactor (component C). One Reactor runs
// per configured tcp_io_threads goroutine, each owning its own SO_REUSEPORT
// listener on the same port — mirroring
// _examples/original_source/src/runtime.cpp's RunTcpIoThread, translated
// from an epoll-driven single thread into Go's goroutine-per-connection
// idiom (see DESIGN.md).
package tcp

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ccsuper1024/embedded-backend/event"
	"github.com/ccsuper1024/embedded-backend/logger"
	"github.com/ccsuper1024/embedded-backend/ring"
	"github.com/ccsuper1024/embedded-backend/session"
)

// nextConnID stands in for the original's raw OS file descriptor: Go's net
// package does not expose one without extra syscalls, so a process-wide
// monotonic counter gives every accepted connection, across every reactor
// goroutine, the same uniqueness and stability properties that fd mod
// worker_threads sharding relies on.
var nextConnID atomic.Uint64

// Metrics is the narrow slice of the admin surface (component I) a reactor
// reports into. Implementations that don't want metrics can pass nil.
type Metrics interface {
	IncAccepted()
	IncClosed()
	IncDropped(queue string)
	ObserveConn(delta int)
	IncEventsHandled(proto string)
}

type trackedConn struct {
	mu   sync.Mutex
	meta *session.Conn
	nc   net.Conn
	recv []byte
}

// ConnRegistry tracks every live connection across every TCP reactor
// goroutine on the node. It must be shared (not per-reactor) because
// WorkerToIO egress shards are partitioned across the reactor pool
// (drainOneOutbound): the reactor draining a given shard is not necessarily
// the one that accepted the destination connection.
type ConnRegistry struct {
	mu    sync.Mutex
	conns map[uint64]*trackedConn
}

func NewConnRegistry() *ConnRegistry {
	return &ConnRegistry{conns: make(map[uint64]*trackedConn)}
}

func (c *ConnRegistry) store(tc *trackedConn) {
	c.mu.Lock()
	c.conns[tc.meta.ID] = tc
	c.mu.Unlock()
}

func (c *ConnRegistry) delete(id uint64) {
	c.mu.Lock()
	delete(c.conns, id)
	c.mu.Unlock()
}

func (c *ConnRegistry) get(id uint64) *trackedConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conns[id]
}

// Len reports the number of connections tracked across the whole registry.
func (c *ConnRegistry) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.conns)
}

// Reactor owns one SO_REUSEPORT TCP listener and the connections it
// accepted. WorkerToIO holds every tcp-egress shard queue in the node, but
// this reactor only ever drains the shards assigned to it by Index modulo
// ReactorCount (see drainOneOutbound) — each shard therefore has exactly
// one consumer goroutine, regardless of how many reactors are configured.
type Reactor struct {
	Index         int
	Port          uint16
	WorkerThreads int
	ReactorCount  int

	IOToWorker []*ring.Ring[event.Event]
	WorkerToIO []*ring.Ring[event.GenericTask]

	Log     *logger.Logger
	Running *atomic.Bool
	Metrics Metrics

	// Registry is shared across every TCP reactor goroutine on the node.
	Registry *ConnRegistry

	wg sync.WaitGroup
}

func nowMs() uint64 {
	return uint64(time.Now().UnixMilli())
}

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

// Run accepts connections and services egress until Running is cleared.
// Listen-socket construction failure is fatal to this goroutine only, per
// spec.md §4.C / §7 — it does not stop the process.
func (r *Reactor) Run() {
	lc := net.ListenConfig{Control: reusePortControl}
	lis, err := lc.Listen(context.Background(), "tcp4", addr(r.Port))
	if err != nil {
		r.Log.Errorf("tcp reactor %d failed to listen on port %d: %v", r.Index, r.Port, err)
		return
	}
	tcpLis, ok := lis.(*net.TCPListener)
	if !ok {
		r.Log.Errorf("tcp reactor %d: unexpected listener type", r.Index)
		_ = lis.Close()
		return
	}
	r.Log.Infof("tcp reactor %d started on port %d", r.Index, r.Port)

	for r.Running.Load() {
		_ = tcpLis.SetDeadline(time.Now().Add(1 * time.Second))
		r.acceptAll(tcpLis)
		r.drainOneOutbound()
	}

	// Every serve goroutine observes Running cleared within one read
	// deadline (1s) and returns; wait for them so none outlives Run,
	// per spec.md §8 invariant 6.
	r.wg.Wait()

	_ = tcpLis.Close()
	r.Log.Infof("tcp reactor %d stopped", r.Index)
}

func addr(port uint16) string {
	return (&net.TCPAddr{Port: int(port)}).String()
}

// acceptAll accepts every connection immediately available, mirroring the
// "accept-all in a tight loop until no more" step of spec.md §4.C. The
// first Accept uses the listener's 1s deadline (the readiness wait); every
// subsequent Accept this iteration uses an already-elapsed deadline so it
// returns immediately once the backlog is drained.
func (r *Reactor) acceptAll(lis *net.TCPListener) {
	first := true
	for {
		if !first {
			_ = lis.SetDeadline(time.Now())
		}
		first = false

		nc, err := lis.Accept()
		if err != nil {
			return
		}
		r.onAccept(nc)
	}
}

func (r *Reactor) onAccept(nc net.Conn) {
	id := nextConnID.Add(1)
	remoteIP, remotePort := splitHostPort(nc.RemoteAddr())

	tc := &trackedConn{
		nc: nc,
		meta: &session.Conn{
			ID:          id,
			State:       session.Established,
			WorkerIndex: int(id % uint64(r.WorkerThreads)),
			Protocol:    event.Tcp,
			RemoteIP:    remoteIP,
			RemotePort:  remotePort,
			LastActive:  nowMs(),
		},
	}

	r.Registry.store(tc)

	if r.Metrics != nil {
		r.Metrics.IncAccepted()
		r.Metrics.ObserveConn(1)
	}
	r.Log.Infof("tcp connection accepted id=%d worker=%d", id, tc.meta.WorkerIndex)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.serve(tc)
	}()
}

// serve is the per-connection read loop: read-drain-coalesce-emit, exactly
// as described in spec.md §4.C steps 3-4, expressed with one goroutine per
// connection instead of a shared epoll set.
func (r *Reactor) serve(tc *trackedConn) {
	defer r.closeConn(tc)

	buf := make([]byte, 4096)
	for r.Running.Load() {
		_ = tc.nc.SetReadDeadline(time.Now().Add(1 * time.Second))
		n, err := tc.nc.Read(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return // EOF or hard error: close and drop, per spec.md §7
		}
		tc.mu.Lock()
		tc.recv = append(tc.recv, buf[:n]...)
		tc.mu.Unlock()

		r.drainAvailable(tc, buf)
		r.emitIfNonEmpty(tc)
	}
}

// drainAvailable performs additional non-blocking-equivalent reads so this
// loop iteration coalesces everything already buffered by the OS into one
// Event, matching "read in a loop until would-block".
func (r *Reactor) drainAvailable(tc *trackedConn, buf []byte) {
	for {
		_ = tc.nc.SetReadDeadline(time.Now())
		n, err := tc.nc.Read(buf)
		if err != nil {
			return
		}
		if n == 0 {
			return
		}
		tc.mu.Lock()
		tc.recv = append(tc.recv, buf[:n]...)
		tc.mu.Unlock()
	}
}

func (r *Reactor) emitIfNonEmpty(tc *trackedConn) {
	tc.mu.Lock()
	if len(tc.recv) == 0 {
		tc.mu.Unlock()
		return
	}
	payload := tc.recv
	tc.recv = nil
	tc.mu.Unlock()

	tc.meta.LastActive = nowMs()
	ev := event.Event{
		Protocol:  event.Tcp,
		SessionID: tc.meta.ID,
		Context: event.Context{
			TimestampMs: tc.meta.LastActive,
			RemoteIP:    tc.meta.RemoteIP,
			RemotePort:  tc.meta.RemotePort,
		},
		Payload: payload,
	}
	shard := tc.meta.WorkerIndex % r.WorkerThreads
	if !r.IOToWorker[shard].Push(ev) {
		if r.Metrics != nil {
			r.Metrics.IncDropped("io_to_worker")
		}
		return
	}
	if r.Metrics != nil {
		r.Metrics.IncEventsHandled(event.Tcp.String())
	}
}

func (r *Reactor) closeConn(tc *trackedConn) {
	_ = tc.nc.Close()
	r.Registry.delete(tc.meta.ID)
	if r.Metrics != nil {
		r.Metrics.IncClosed()
		r.Metrics.ObserveConn(-1)
	}
	r.Log.Infof("tcp connection closed id=%d", tc.meta.ID)
}

// drainOneOutbound pops at most one task per iteration and acts on the
// destination connection, matching spec.md §4.C step 6. WorkerToIO holds
// every tcp-egress shard in the node, but each shard is only ever drained
// by the one reactor whose Index matches shard modulo ReactorCount — the
// same partitioning runtime.go already applies to the disk/log queues —
// so exactly one goroutine ever calls Pop on a given shard, preserving
// ring.Ring's single-consumer contract. A task for a connection owned by
// a different reactor goroutine is resolved through the shared Registry
// rather than being dropped.
func (r *Reactor) drainOneOutbound() {
	for shard := r.Index; shard < len(r.WorkerToIO); shard += r.ReactorCount {
		task, ok := r.WorkerToIO[shard].Pop()
		if !ok {
			continue
		}
		tc := r.Registry.get(task.SessionID)
		if tc == nil {
			return
		}
		writeAllBestEffort(tc.nc, task.Payload)
		return
	}
}

// writeAllBestEffort writes until the payload is flushed or the socket
// would block; remaining bytes are dropped, per spec.md §4.C / §9 (no
// outbound buffering — an explicit, unresolved Open Question).
func writeAllBestEffort(nc net.Conn, payload []byte) {
	_ = nc.SetWriteDeadline(time.Now().Add(1 * time.Second))
	remaining := payload
	for len(remaining) > 0 {
		n, err := nc.Write(remaining)
		if n > 0 {
			remaining = remaining[n:]
		}
		if err != nil {
			return
		}
	}
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

func splitHostPort(addr net.Addr) (string, uint16) {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return "", 0
	}
	return tcpAddr.IP.String(), uint16(tcpAddr.Port)
}

// OpenConnections returns a best-effort count of connections tracked by
// the shared registry, for the admin surface (component I).
func (r *Reactor) OpenConnections() int {
	return r.Registry.Len()
}
