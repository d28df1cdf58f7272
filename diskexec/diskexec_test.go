package diskexec

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ccsuper1024/embedded-backend/event"
	"github.com/ccsuper1024/embedded-backend/logger"
	"github.com/ccsuper1024/embedded-backend/ring"
)

func TestAppendCreatesParentDirAndWritesData(t *testing.T) {
	dir := t.TempDir()
	cwd, _ := os.Getwd()
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	defer os.Chdir(cwd)

	shard := ring.New[event.DiskTask](4)
	shard.Push(event.DiskTask{Op: event.DiskAppend, Path: "rtp/session_1.bin", Data: []byte("abc")})
	shard.Push(event.DiskTask{Op: event.DiskAppend, Path: "rtp/session_1.bin", Data: []byte("def")})

	running := &atomic.Bool{}
	running.Store(true)
	e := &Executor{
		Shards:  []*ring.Ring[event.DiskTask]{shard},
		Log:     logger.New(logger.CriticalLevel, "test"),
		Running: running,
	}

	done := make(chan struct{})
	go func() {
		e.Run()
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)
	running.Store(false)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("executor did not stop")
	}

	data, err := os.ReadFile(filepath.Join(dir, "rtp", "session_1.bin"))
	if err != nil {
		t.Fatalf("expected file to exist: %v", err)
	}
	if string(data) != "abcdef" {
		t.Fatalf("expected appended content 'abcdef', got %q", data)
	}
}

func TestWriteTruncatesExistingFile(t *testing.T) {
	dir := t.TempDir()
	cwd, _ := os.Getwd()
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	defer os.Chdir(cwd)

	if err := os.MkdirAll("state", 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join("state", "w.bin"), []byte("old-content"), 0644); err != nil {
		t.Fatalf("seed write: %v", err)
	}

	shard := ring.New[event.DiskTask](4)
	shard.Push(event.DiskTask{Op: event.DiskWrite, Path: "state/w.bin", Data: []byte("new")})

	running := &atomic.Bool{}
	running.Store(true)
	e := &Executor{
		Shards:  []*ring.Ring[event.DiskTask]{shard},
		Log:     logger.New(logger.CriticalLevel, "test"),
		Running: running,
	}
	done := make(chan struct{})
	go func() {
		e.Run()
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)
	running.Store(false)
	<-done

	data, err := os.ReadFile(filepath.Join(dir, "state", "w.bin"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "new" {
		t.Fatalf("expected truncating write, got %q", data)
	}
}
