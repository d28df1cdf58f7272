// Package admin implements the admin/metrics HTTP surface (component I,
// SPEC_FULL.md §4.I): a gin-gonic/gin router exposing /healthz and
// /metrics, backed by prometheus/client_golang counters and gauges that
// the reactors, workers, and queues report into.
package admin

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ccsuper1024/embedded-backend/logger"
)

const depthSampleInterval = 1 * time.Second

// Metrics holds every exported series. It is shared across every reactor,
// worker, and queue edge that reports into it; all updates are through
// prometheus's own concurrency-safe collectors, never a custom lock.
type Metrics struct {
	registry *prometheus.Registry

	queueDepth     *prometheus.GaugeVec
	queueDropped   *prometheus.CounterVec
	tcpConnections prometheus.Gauge
	udpSessions    prometheus.Gauge
	rtpSessions    prometheus.Gauge
	eventsHandled  *prometheus.CounterVec
}

// NewMetrics registers every series on a fresh registry (not the global
// default, so tests and multiple in-process instances don't collide).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "backend_queue_depth",
			Help: "Best-effort sampled occupancy of a ring queue.",
		}, []string{"queue", "shard"}),
		queueDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backend_queue_dropped_total",
			Help: "Count of Push calls that returned false.",
		}, []string{"queue"}),
		tcpConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "backend_tcp_connections",
			Help: "Currently open TCP connections across all reactors.",
		}),
		udpSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "backend_udp_sessions",
			Help: "Currently known UDP sessions.",
		}),
		rtpSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "backend_rtp_sessions",
			Help: "Currently known RTP sessions.",
		}),
		eventsHandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backend_events_handled_total",
			Help: "Events successfully routed to a worker shard, by protocol.",
		}, []string{"protocol"}),
	}
	reg.MustRegister(m.queueDepth, m.queueDropped, m.tcpConnections, m.udpSessions, m.rtpSessions, m.eventsHandled)
	return m
}

// The following methods satisfy reactor/tcp.Metrics and reactor/udp.Metrics
// by structural typing — neither package imports this one.

// IncAccepted and IncClosed exist to satisfy reactor/tcp.Metrics; the
// actual connection count is tracked through ObserveConn's delta.
func (m *Metrics) IncAccepted() {}
func (m *Metrics) IncClosed()   {}

func (m *Metrics) IncDropped(queue string) {
	m.queueDropped.WithLabelValues(queue).Inc()
}
func (m *Metrics) ObserveConn(delta int) { m.tcpConnections.Add(float64(delta)) }
func (m *Metrics) IncEventsHandled(proto string) {
	m.eventsHandled.WithLabelValues(proto).Inc()
}
func (m *Metrics) IncDatagrams(proto string) {
	m.eventsHandled.WithLabelValues(proto).Inc()
}
func (m *Metrics) ObserveSessions(udp, rtp int) {
	m.udpSessions.Set(float64(udp))
	m.rtpSessions.Set(float64(rtp))
}

// DepthSample is one named, non-blocking queue-depth source. Sample must
// not block — it is called periodically from the admin server's own
// goroutine, never from a producer or consumer's hot path.
type DepthSample struct {
	Queue  string
	Shard  string
	Sample func() int
}

// Server is the single admin goroutine described in SPEC_FULL.md §4.I.
type Server struct {
	Addr    string
	Metrics *Metrics
	Depths  []DepthSample
	Running *atomic.Bool
	Log     *logger.Logger

	httpServer *http.Server
}

// Run blocks serving /healthz and /metrics, and sampling queue depths
// every second, until Stop is called. If Addr is empty the surface is
// disabled and Run returns immediately.
func (s *Server) Run() {
	if s.Addr == "" {
		return
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.GET("/healthz", func(c *gin.Context) {
		if s.Running.Load() {
			c.Status(http.StatusOK)
			return
		}
		c.Status(http.StatusServiceUnavailable)
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.Metrics.registry, promhttp.HandlerOpts{})))

	s.httpServer = &http.Server{Addr: s.Addr, Handler: router}

	stopSampling := make(chan struct{})
	go s.sampleDepthsLoop(stopSampling)

	s.Log.Infof("admin surface listening on %s", s.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.Log.Errorf("admin surface stopped unexpectedly: %v", err)
	}
	close(stopSampling)
}

func (s *Server) sampleDepthsLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(depthSampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for _, d := range s.Depths {
				s.Metrics.queueDepth.WithLabelValues(d.Queue, d.Shard).Set(float64(d.Sample()))
			}
		}
	}
}

// Stop shuts the HTTP server down gracefully so Join can observe full
// process quiescence.
func (s *Server) Stop() {
	if s.httpServer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.httpServer.Shutdown(ctx)
}
