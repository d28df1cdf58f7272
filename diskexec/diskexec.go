// Package diskexec implements the disk executor back-end (part of
// component G): round-robins every worker_to_disk shard queue, servicing
// one task per scan, writing/appending files and creating parent
// directories as needed. Grounded on runtime.cpp's RunDiskThread.
package diskexec

import (
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/ccsuper1024/embedded-backend/dispatch"
	"github.com/ccsuper1024/embedded-backend/event"
	"github.com/ccsuper1024/embedded-backend/logger"
	"github.com/ccsuper1024/embedded-backend/ring"
)

const idleBackoff = 1 * time.Millisecond

// Executor drains every shard's disk queue in round-robin order. It also
// accepts GenericTasks of Kind Disk (posted by scripts via
// post_disk_task — the description string is written verbatim to
// disk/task_<n>.txt, the closest file-shaped interpretation of an
// unstructured description) and Kind ExternalCall, which it hands to the
// dispatcher instead of the filesystem (SPEC_FULL.md §4.G [ADD]).
type Executor struct {
	Shards     []*ring.Ring[event.DiskTask]
	TaskShards []*ring.Ring[event.GenericTask]

	Dispatcher *dispatch.Dispatcher
	Log        *logger.Logger
	Running    *atomic.Bool

	taskCounter uint64
}

// Run services one task per scan across every shard until Running is
// cleared, sleeping idleBackoff when a full sweep finds nothing.
func (e *Executor) Run() {
	for e.Running.Load() {
		if e.scanOnce() {
			continue
		}
		time.Sleep(idleBackoff)
	}
}

func (e *Executor) scanOnce() bool {
	did := false
	for _, q := range e.Shards {
		if task, ok := q.Pop(); ok {
			e.execDiskTask(task)
			did = true
		}
	}
	for _, q := range e.TaskShards {
		if task, ok := q.Pop(); ok {
			e.execGenericTask(task)
			did = true
		}
	}
	return did
}

func (e *Executor) execDiskTask(task event.DiskTask) {
	switch task.Op {
	case event.DiskWrite:
		e.write(task.Path, task.Data, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	case event.DiskAppend:
		e.write(task.Path, task.Data, os.O_WRONLY|os.O_CREATE|os.O_APPEND)
	default:
		// DiskRead is reserved; not currently serviced.
	}
}

func (e *Executor) execGenericTask(task event.GenericTask) {
	switch task.Kind {
	case event.KindExternalCall:
		if e.Dispatcher != nil {
			e.Dispatcher.Dispatch(task)
		}
	case event.KindDisk:
		e.taskCounter++
		path := filepath.Join("disk", "task_"+strconv.FormatUint(e.taskCounter, 10)+".txt")
		e.write(path, task.Payload, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	}
}

// write creates the parent directory (0755) then opens with flags,
// writes, and closes. Open failure is logged as a warning; any other
// error is logged as error; there is no retry, per spec.md §4.G/§7.
func (e *Executor) write(path string, data []byte, flags int) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		e.Log.Errorf("disk executor: failed to create directory for %s: %v", path, err)
		return
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		e.Log.Warnf("disk executor: failed to open %s: %v", path, err)
		return
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		e.Log.Errorf("disk executor: failed to write %s: %v", path, err)
	}
}
