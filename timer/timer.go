// Package timer implements the timer ticker back-end of component G:
// every 10ms, broadcasts a synthetic tick Event (protocol = Unknown, empty
// payload) to every shard's inbound queue.
package timer

import (
	"sync/atomic"
	"time"

	"github.com/ccsuper1024/embedded-backend/event"
	"github.com/ccsuper1024/embedded-backend/ring"
)

const tickInterval = 10 * time.Millisecond

// Ticker broadcasts to every shard in Shards on a fixed period. Full
// queues silently drop the tick, per spec.md §4.G.
type Ticker struct {
	Shards  []*ring.Ring[event.Event]
	Running *atomic.Bool
}

func (t *Ticker) Run() {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for t.Running.Load() {
		<-ticker.C
		now := uint64(time.Now().UnixMilli())
		ev := event.Event{Protocol: event.Unknown, Context: event.Context{TimestampMs: now}}
		for _, shard := range t.Shards {
			shard.Push(ev)
		}
	}
}
