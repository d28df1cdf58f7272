// Package logconsumer implements the log consumer back-end of component
// G: drains the single global worker_to_log queue and emits each record
// through the host logger at its requested level.
package logconsumer

import (
	"sync/atomic"
	"time"

	"github.com/ccsuper1024/embedded-backend/event"
	"github.com/ccsuper1024/embedded-backend/logger"
	"github.com/ccsuper1024/embedded-backend/ring"
)

const idleBackoff = 1 * time.Millisecond

// Consumer drains Queue until Running is cleared, sleeping idleBackoff
// between empty polls.
type Consumer struct {
	Queue   *ring.Ring[event.LogTask]
	Log     *logger.Logger
	Running *atomic.Bool
}

func (c *Consumer) Run() {
	for c.Running.Load() {
		task, ok := c.Queue.Pop()
		if !ok {
			time.Sleep(idleBackoff)
			continue
		}
		c.Log.LogTask(task)
	}
}
