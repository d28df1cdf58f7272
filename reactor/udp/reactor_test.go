package udp

import (
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ccsuper1024/embedded-backend/event"
	"github.com/ccsuper1024/embedded-backend/logger"
	"github.com/ccsuper1024/embedded-backend/ring"
	"github.com/ccsuper1024/embedded-backend/session"
)

func TestIsRTPClassification(t *testing.T) {
	rtp := []byte{0x80, 0x60, 0x00, 0x01, 0, 0, 0, 0, 0xDE, 0xAD, 0xBE, 0xEF, 1, 2}
	if !isRTP(rtp) {
		t.Fatalf("expected version-2 12+ byte datagram to classify as RTP")
	}
	if got := rtpSSRC(rtp); got != 0xDEADBEEF {
		t.Fatalf("expected ssrc 0xDEADBEEF, got %#x", got)
	}

	plain := []byte{0x00, 0x01, 0x02}
	if isRTP(plain) {
		t.Fatalf("short datagram must not classify as RTP")
	}

	wrongVersion := []byte{0x40, 0x60, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}
	if isRTP(wrongVersion) {
		t.Fatalf("non-version-2 datagram must not classify as RTP")
	}
}

func freeUDPPort(t *testing.T) uint16 {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		t.Fatalf("failed to find free port: %v", err)
	}
	defer conn.Close()
	return uint16(conn.LocalAddr().(*net.UDPAddr).Port)
}

func TestReactorRoutesPlainUdpAndAppendsRecording(t *testing.T) {
	port := freeUDPPort(t)
	running := &atomic.Bool{}
	running.Store(true)

	ioToWorker := []*ring.Ring[event.Event]{ring.New[event.Event](16)}
	workerToIO := []*ring.Ring[event.GenericTask]{ring.New[event.GenericTask](16)}
	workerToDisk := []*ring.Ring[event.DiskTask]{ring.New[event.DiskTask](16)}

	r := &Reactor{
		Index:         0,
		Port:          port,
		WorkerThreads: 1,
		ReactorCount:  1,
		IOToWorker:    ioToWorker,
		WorkerToIO:    workerToIO,
		WorkerToDisk:  workerToDisk,
		Log:           logger.New(logger.CriticalLevel, "test"),
		Running:       running,
		UdpSessions:   session.NewUdpSessionTable(),
		RtpSessions:   session.NewRtpSessionTable(),
	}

	done := make(chan struct{})
	go func() {
		r.Run()
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)

	conn, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: int(port)})
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("hello")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	var ev event.Event
	var ok bool
	for i := 0; i < 50; i++ {
		ev, ok = ioToWorker[0].Pop()
		if ok {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !ok {
		t.Fatalf("expected an event to be routed to the worker shard")
	}
	if ev.Protocol != event.Udp {
		t.Fatalf("expected Udp protocol, got %v", ev.Protocol)
	}
	if string(ev.Payload) != "hello" {
		t.Fatalf("unexpected payload %q", ev.Payload)
	}

	var task event.DiskTask
	for i := 0; i < 50; i++ {
		task, ok = workerToDisk[0].Pop()
		if ok {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !ok {
		t.Fatalf("expected a recording append task")
	}
	if task.Op != event.DiskAppend {
		t.Fatalf("expected append op")
	}

	running.Store(false)
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("reactor did not stop")
	}
}
