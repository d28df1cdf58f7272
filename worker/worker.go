// Package worker implements component E: one goroutine per shard,
// exclusive consumer of its inbound event queue, driving that shard's
// script VM. Grounded on runtime.cpp's RunWorkerThread.
package worker

import (
	"sync/atomic"
	"time"

	"github.com/ccsuper1024/embedded-backend/event"
	"github.com/ccsuper1024/embedded-backend/ring"
	"github.com/ccsuper1024/embedded-backend/script"
)

const idleBackoff = 1 * time.Millisecond

// Handler is the narrow slice of script.VM a worker depends on, so tests
// can substitute a stub VM.
type Handler interface {
	HandleEvent(event.Event)
}

// Worker is one shard's event loop.
type Worker struct {
	Index   int
	Inbound *ring.Ring[event.Event]
	VM      Handler
	Running *atomic.Bool
}

// Run pops its inbound queue until Running is cleared, cooperatively
// backing off 1ms on empty, matching spec.md §4.E step 1. It never blocks
// a producer.
func (w *Worker) Run() {
	for w.Running.Load() {
		ev, ok := w.Inbound.Pop()
		if !ok {
			time.Sleep(idleBackoff)
			continue
		}
		w.VM.HandleEvent(ev)
	}
}
