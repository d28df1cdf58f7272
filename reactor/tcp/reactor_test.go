package tcp

import (
	"net"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ccsuper1024/embedded-backend/event"
	"github.com/ccsuper1024/embedded-backend/logger"
	"github.com/ccsuper1024/embedded-backend/ring"
)

func freeTCPPort(t *testing.T) uint16 {
	t.Helper()
	lis, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find free port: %v", err)
	}
	defer lis.Close()
	return uint16(lis.Addr().(*net.TCPAddr).Port)
}

func TestReactorAcceptsAndRoutesOneEventPerDrain(t *testing.T) {
	port := freeTCPPort(t)
	running := &atomic.Bool{}
	running.Store(true)

	ioToWorker := []*ring.Ring[event.Event]{ring.New[event.Event](16)}
	workerToIO := []*ring.Ring[event.GenericTask]{ring.New[event.GenericTask](16)}

	r := &Reactor{
		Index:         0,
		Port:          port,
		WorkerThreads: 1,
		ReactorCount:  1,
		IOToWorker:    ioToWorker,
		WorkerToIO:    workerToIO,
		Log:           logger.New(logger.CriticalLevel, "test"),
		Running:       running,
		Registry:      NewConnRegistry(),
	}

	done := make(chan struct{})
	go func() {
		r.Run()
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)

	conn, err := net.Dial("tcp4", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(port))))
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("abc")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if _, err := conn.Write([]byte("def")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	var ev event.Event
	var ok bool
	for i := 0; i < 100; i++ {
		ev, ok = ioToWorker[0].Pop()
		if ok {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !ok {
		t.Fatalf("expected a coalesced event")
	}
	if ev.Protocol != event.Tcp {
		t.Fatalf("expected Tcp protocol, got %v", ev.Protocol)
	}
	if string(ev.Payload) != "abcdef" && string(ev.Payload) != "abc" && string(ev.Payload) != "def" {
		t.Fatalf("unexpected payload %q", ev.Payload)
	}

	if r.OpenConnections() != 1 {
		t.Fatalf("expected one open connection, got %d", r.OpenConnections())
	}

	running.Store(false)
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("reactor did not stop")
	}
}
