// Package dispatch implements the external service dispatcher
// (component H, SPEC_FULL.md §4.H): a thin publisher over
// github.com/nats-io/nats.go that disk threads hand ExternalCall tasks to
// instead of the filesystem.
package dispatch

import (
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/ccsuper1024/embedded-backend/event"
	"github.com/ccsuper1024/embedded-backend/logger"
)

// Dispatcher publishes external-call task payloads to NATS. A zero-value
// Dispatcher (nil conn) treats every call as disabled, matching the
// "nats_url unset" disposition.
type Dispatcher struct {
	conn    *nats.Conn
	subject string
	log     *logger.Logger
}

// New connects to url (if non-empty) and returns a Dispatcher that
// publishes to "backend.external.<nodeName>". A connection failure is not
// fatal: Dispatch falls back to the "unset or down" warn-and-drop path.
func New(url, nodeName string, log *logger.Logger) *Dispatcher {
	d := &Dispatcher{
		subject: fmt.Sprintf("backend.external.%s", nodeName),
		log:     log,
	}
	if url == "" {
		return d
	}
	conn, err := nats.Connect(url)
	if err != nil {
		log.Warnf("dispatcher: failed to connect to nats at %s: %v", url, err)
		return d
	}
	d.conn = conn
	return d
}

// Close releases the underlying NATS connection, if one was established.
func (d *Dispatcher) Close() {
	if d.conn != nil {
		d.conn.Close()
	}
}

// Dispatch publishes task.Payload to the dispatcher's subject. A nil or
// disconnected connection is logged at warn and the task is discarded,
// mirroring the disk executor's open-failure disposition.
func (d *Dispatcher) Dispatch(task event.GenericTask) {
	if d.conn == nil || !d.conn.IsConnected() {
		d.log.Warnf("dispatcher: no active nats connection, dropping external call")
		return
	}
	if err := d.conn.Publish(d.subject, task.Payload); err != nil {
		d.log.Warnf("dispatcher: publish failed, dropping external call: %v", err)
	}
}
