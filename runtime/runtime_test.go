package runtime

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/ccsuper1024/embedded-backend/config"
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

// TestEndToEndTcpEcho exercises the full pipeline: a dialed TCP connection
// sends bytes, the test script's on_tcp_message handler echoes them back, matching
// spec.md §8's scenario E1.
func TestEndToEndTcpEcho(t *testing.T) {
	dir := t.TempDir()
	cwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	defer os.Chdir(cwd)

	scriptPath := filepath.Join(dir, "echo.lua")
	if err := os.WriteFile(scriptPath, []byte(`
function on_tcp_message(ev)
  send_tcp(ev.session_id, ev.payload)
end
`), 0644); err != nil {
		t.Fatalf("write script: %v", err)
	}

	cfg := config.AppConfig{
		NodeName:              "test-node",
		LogLevel:              "critical",
		TcpPort:               freeTCPPort(t),
		TcpIOThreads:          1,
		UdpIOThreads:          1,
		WorkerThreads:         2,
		DiskThreads:           1,
		LogThreads:            1,
		TimerThreads:          1,
		QueueSizeIOToWorker:   64,
		QueueSizeWorkerToIO:   64,
		QueueSizeWorkerToDisk: 64,
		QueueSizeWorkerToLog:  64,
		LuaMainScript:         scriptPath,
		AdminAddr:             "",
	}

	rt := New(cfg)
	rt.Start()
	defer func() {
		rt.Stop()
		rt.Join()
	}()

	time.Sleep(100 * time.Millisecond)

	conn, err := net.Dial("tcp4", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(cfg.TcpPort))))
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("expected an echo, got error: %v", err)
	}
	if string(buf[:n]) != "ping" {
		t.Fatalf("expected echoed 'ping', got %q", buf[:n])
	}
}
