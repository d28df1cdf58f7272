// Package runtime wires every component into the fixed pipeline described
// by spec.md §2's data-flow line: sockets -> reactor -> inbound shard
// queue -> worker -> VM handler -> {egress-to-io, egress-to-disk, log}.
// Grounded on _examples/original_source/src/runtime.cpp's Runtime class
// and its Start/Stop/Join lifecycle.
package runtime

import (
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/ccsuper1024/embedded-backend/admin"
	"github.com/ccsuper1024/embedded-backend/config"
	"github.com/ccsuper1024/embedded-backend/dispatch"
	"github.com/ccsuper1024/embedded-backend/diskexec"
	"github.com/ccsuper1024/embedded-backend/event"
	"github.com/ccsuper1024/embedded-backend/logconsumer"
	"github.com/ccsuper1024/embedded-backend/logger"
	"github.com/ccsuper1024/embedded-backend/reactor/tcp"
	"github.com/ccsuper1024/embedded-backend/reactor/udp"
	"github.com/ccsuper1024/embedded-backend/ring"
	"github.com/ccsuper1024/embedded-backend/script"
	"github.com/ccsuper1024/embedded-backend/session"
	"github.com/ccsuper1024/embedded-backend/timer"
	"github.com/ccsuper1024/embedded-backend/worker"
)

const stateDir = "state"

// Runtime owns every queue and every goroutine pool.
type Runtime struct {
	cfg config.AppConfig
	log *logger.Logger

	running atomic.Bool
	wg      sync.WaitGroup

	ioToWorker []*ring.Ring[event.Event]

	// workerToTcpIO and workerToUdpIO are separate shard arrays, each
	// drained by exactly one reactor per shard (partitioned by index
	// modulo reactor count), so ring.Ring's single-consumer contract
	// holds even with TcpIOThreads/UdpIOThreads > 1. See DESIGN.md.
	workerToTcpIO   []*ring.Ring[event.GenericTask]
	workerToUdpIO   []*ring.Ring[event.GenericTask]
	workerToDisk    []*ring.Ring[event.DiskTask]
	workerToDiskGen []*ring.Ring[event.GenericTask]
	workerToLog     *ring.Ring[event.LogTask]

	tcpReactors  []*tcp.Reactor
	udpReactors  []*udp.Reactor
	workers      []*worker.Worker
	vms          []*script.VM
	diskExecs    []*diskexec.Executor
	logConsumer  *logconsumer.Consumer
	ticker       *timer.Ticker
	dispatcher   *dispatch.Dispatcher
	adminServer  *admin.Server
	metrics      *admin.Metrics
}

// New constructs every queue and component, wired per spec.md §4/§5 and
// SPEC_FULL.md §13's "log queue before any VM" ordering fix.
func New(cfg config.AppConfig) *Runtime {
	log := logger.New(logger.ParseLevel(cfg.LogLevel), cfg.NodeName)
	log.Infof("backend starting")
	log.Infof("node_name=%s", cfg.NodeName)
	log.Infof("tcp_port=%d", cfg.TcpPort)

	r := &Runtime{cfg: cfg, log: log}
	r.running.Store(true)

	// The log queue is constructed first, matching SPEC_FULL.md §13: every
	// VM's log() closure must capture a non-nil handle from the start.
	r.workerToLog = ring.New[event.LogTask](cfg.QueueSizeWorkerToLog)

	n := cfg.WorkerThreads
	r.ioToWorker = make([]*ring.Ring[event.Event], n)
	r.workerToTcpIO = make([]*ring.Ring[event.GenericTask], n)
	r.workerToUdpIO = make([]*ring.Ring[event.GenericTask], n)
	r.workerToDisk = make([]*ring.Ring[event.DiskTask], n)
	r.workerToDiskGen = make([]*ring.Ring[event.GenericTask], n)
	for i := 0; i < n; i++ {
		r.ioToWorker[i] = ring.New[event.Event](cfg.QueueSizeIOToWorker)
		r.workerToTcpIO[i] = ring.New[event.GenericTask](cfg.QueueSizeWorkerToIO)
		r.workerToUdpIO[i] = ring.New[event.GenericTask](cfg.QueueSizeWorkerToIO)
		r.workerToDisk[i] = ring.New[event.DiskTask](cfg.QueueSizeWorkerToDisk)
		r.workerToDiskGen[i] = ring.New[event.GenericTask](cfg.QueueSizeWorkerToDisk)
	}

	r.metrics = admin.NewMetrics()

	r.vms = make([]*script.VM, n)
	r.workers = make([]*worker.Worker, n)
	for i := 0; i < n; i++ {
		vm := &script.VM{
			WorkerIndex: i,
			ScriptPath:  cfg.LuaMainScript,
			ToTcpIO:     r.workerToTcpIO[i],
			ToUdpIO:     r.workerToUdpIO[i],
			ToDisk:      r.workerToDiskGen[i],
			ToLog:       r.workerToLog,
			Log:         log,
		}
		vm.Init()
		r.vms[i] = vm
		r.workers[i] = &worker.Worker{Index: i, Inbound: r.ioToWorker[i], VM: vm, Running: &r.running}
	}

	// tcpRegistry and the udp session tables are shared across every
	// reactor of their protocol: WorkerToTcpIO/WorkerToUdpIO shards are
	// partitioned across the reactor pool (one consumer goroutine per
	// shard, ReactorCount below), so the reactor draining a given shard
	// is not necessarily the one that accepted/received the session.
	tcpRegistry := tcp.NewConnRegistry()
	udpSessions := session.NewUdpSessionTable()
	rtpSessions := session.NewRtpSessionTable()

	r.tcpReactors = make([]*tcp.Reactor, cfg.TcpIOThreads)
	for i := 0; i < cfg.TcpIOThreads; i++ {
		r.tcpReactors[i] = &tcp.Reactor{
			Index:         i,
			Port:          cfg.TcpPort,
			WorkerThreads: n,
			ReactorCount:  cfg.TcpIOThreads,
			IOToWorker:    r.ioToWorker,
			WorkerToIO:    r.workerToTcpIO,
			Log:           log,
			Running:       &r.running,
			Metrics:       r.metrics,
			Registry:      tcpRegistry,
		}
	}

	r.udpReactors = make([]*udp.Reactor, cfg.UdpIOThreads)
	for i := 0; i < cfg.UdpIOThreads; i++ {
		r.udpReactors[i] = &udp.Reactor{
			Index:         i,
			Port:          cfg.TcpPort,
			WorkerThreads: n,
			ReactorCount:  cfg.UdpIOThreads,
			IOToWorker:    r.ioToWorker,
			WorkerToIO:    r.workerToUdpIO,
			WorkerToDisk:  r.workerToDisk,
			Log:           log,
			Running:       &r.running,
			Metrics:       r.metrics,
			UdpSessions:   udpSessions,
			RtpSessions:   rtpSessions,
		}
	}

	r.dispatcher = dispatch.New(cfg.NatsURL, cfg.NodeName, log)

	// Disk threads partition the per-shard queues into disjoint subsets so
	// each queue keeps exactly one consumer goroutine — component A's Pop
	// contract is single-consumer only. runtime.cpp instead lets every disk
	// thread scan every queue; with disk_threads > 1 that's a race on the
	// original's non-atomic tail index. Partitioning preserves the
	// configured parallelism without reintroducing that race (see
	// DESIGN.md).
	diskThreads := cfg.DiskThreads
	if diskThreads < 1 {
		diskThreads = 1
	}
	r.diskExecs = make([]*diskexec.Executor, diskThreads)
	for i := 0; i < diskThreads; i++ {
		var shards []*ring.Ring[event.DiskTask]
		var taskShards []*ring.Ring[event.GenericTask]
		for shard := 0; shard < n; shard++ {
			if shard%diskThreads == i {
				shards = append(shards, r.workerToDisk[shard])
				taskShards = append(taskShards, r.workerToDiskGen[shard])
			}
		}
		r.diskExecs[i] = &diskexec.Executor{
			Shards:     shards,
			TaskShards: taskShards,
			Dispatcher: r.dispatcher,
			Log:        log,
			Running:    &r.running,
		}
	}

	// Only one log-consumer goroutine ever runs, regardless of log_threads,
	// for the same single-consumer reason as above — there is exactly one
	// global log queue to partition, so excess configured log_threads has
	// no additional effect (documented in DESIGN.md).
	r.logConsumer = &logconsumer.Consumer{Queue: r.workerToLog, Log: log, Running: &r.running}

	r.ticker = &timer.Ticker{Shards: r.ioToWorker, Running: &r.running}

	r.adminServer = &admin.Server{
		Addr:    cfg.AdminAddr,
		Metrics: r.metrics,
		Depths:  r.depthSamples(),
		Running: &r.running,
		Log:     log,
	}

	return r
}

func (r *Runtime) depthSamples() []admin.DepthSample {
	var samples []admin.DepthSample
	for i, q := range r.ioToWorker {
		q := q
		samples = append(samples, admin.DepthSample{Queue: "io_to_worker", Shard: strconv.Itoa(i), Sample: q.Len})
	}
	for i, q := range r.workerToTcpIO {
		q := q
		samples = append(samples, admin.DepthSample{Queue: "worker_to_tcp_io", Shard: strconv.Itoa(i), Sample: q.Len})
	}
	for i, q := range r.workerToUdpIO {
		q := q
		samples = append(samples, admin.DepthSample{Queue: "worker_to_udp_io", Shard: strconv.Itoa(i), Sample: q.Len})
	}
	for i, q := range r.workerToDisk {
		q := q
		samples = append(samples, admin.DepthSample{Queue: "worker_to_disk", Shard: strconv.Itoa(i), Sample: q.Len})
	}
	samples = append(samples, admin.DepthSample{Queue: "worker_to_log", Shard: "0", Sample: r.workerToLog.Len})
	return samples
}

// Start launches every goroutine and restores persisted state onto every
// VM, per spec.md §4.F step 4: after all VMs are initialized, the state/
// directory is scanned once per VM, so every file is delivered to every VM.
func (r *Runtime) Start() {
	for _, vm := range r.vms {
		if err := script.ScanAndRestoreState(vm, stateDir); err != nil {
			r.log.Warnf("failed to scan state directory: %v", err)
		}
	}

	r.spawn(func() { r.logConsumer.Run() })
	for i := 0; i < r.cfg.TimerThreads; i++ {
		r.spawn(func() { r.ticker.Run() })
	}
	for _, d := range r.diskExecs {
		d := d
		r.spawn(func() { d.Run() })
	}
	for _, w := range r.workers {
		w := w
		r.spawn(func() { w.Run() })
	}
	for _, rt := range r.tcpReactors {
		rt := rt
		r.spawn(func() { rt.Run() })
	}
	for _, ru := range r.udpReactors {
		ru := ru
		r.spawn(func() { ru.Run() })
	}
	r.spawn(func() { r.adminServer.Run() })
	r.log.Infof("runtime started")
}

func (r *Runtime) spawn(fn func()) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn()
	}()
}

// Stop flips the shared running flag, closes the admin HTTP server and
// dispatcher connection. Every loop observes the flag within its own
// bounded wait and exits.
func (r *Runtime) Stop() {
	r.running.Store(false)
	r.adminServer.Stop()
	r.dispatcher.Close()
}

// Join waits for every goroutine to exit, then closes every VM.
func (r *Runtime) Join() {
	r.wg.Wait()
	for _, vm := range r.vms {
		vm.Close()
	}
	r.log.Infof("runtime stopped")
}
