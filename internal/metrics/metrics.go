// Package metrics 导出持久化层的 Prometheus 指标
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/life-stream-dev/life-stream-go-mqtt-persistence/internal/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mqtt_persistence"

type Collector struct {
	registry *prometheus.Registry

	taskWait     *prometheus.HistogramVec
	taskRun      *prometheus.HistogramVec
	taskFailures *prometheus.CounterVec
	queueDepth   *prometheus.GaugeVec
	sessionsExp  prometheus.Counter
	disconnects  prometheus.Counter
	willsSent    prometheus.Counter
	willsFailed  prometheus.Counter
	willsPending prometheus.Gauge
}

func NewCollector() *Collector {
	c := &Collector{registry: prometheus.NewRegistry()}

	c.taskWait = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "task_wait_seconds",
		Help:      "Time a task spent queued before its bucket ran it.",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
	}, []string{"bucket"})
	c.taskRun = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "task_run_seconds",
		Help:      "Task execution time inside the bucket.",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
	}, []string{"bucket"})
	c.taskFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "task_failures_total",
		Help:      "Tasks that completed with an error.",
	}, []string{"bucket"})
	c.queueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "queue_depth",
		Help:      "Tasks waiting in each bucket queue.",
	}, []string{"bucket"})
	c.sessionsExp = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sessions",
		Name:      "expired_total",
		Help:      "Client sessions that expired.",
	})
	c.disconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sessions",
		Name:      "forced_disconnects_total",
		Help:      "Clients disconnected by the server or an administrative call.",
	})
	c.willsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "wills",
		Name:      "published_total",
		Help:      "Will messages published.",
	})
	c.willsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "wills",
		Name:      "failed_total",
		Help:      "Will messages that could not be published.",
	})
	c.willsPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "wills",
		Name:      "pending",
		Help:      "Will messages waiting for their delay to elapse.",
	})
	c.registry.MustRegister(
		c.taskWait, c.taskRun, c.taskFailures, c.queueDepth,
		c.sessionsExp, c.disconnects,
		c.willsSent, c.willsFailed, c.willsPending,
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// TaskFinished 实现 singlewriter.Recorder
func (c *Collector) TaskFinished(bucket int, wait, run time.Duration, err error) {
	label := strconv.Itoa(bucket)
	c.taskWait.WithLabelValues(label).Observe(wait.Seconds())
	c.taskRun.WithLabelValues(label).Observe(run.Seconds())
	if err != nil {
		c.taskFailures.WithLabelValues(label).Inc()
	}
}

func (c *Collector) QueueDepth(bucket int, depth int) {
	c.queueDepth.WithLabelValues(strconv.Itoa(bucket)).Set(float64(depth))
}

func (c *Collector) SessionExpired() {
	c.sessionsExp.Inc()
}

func (c *Collector) ClientDisconnected() {
	c.disconnects.Inc()
}

func (c *Collector) WillPublished(err error) {
	if err != nil {
		c.willsFailed.Inc()
		return
	}
	c.willsSent.Inc()
}

func (c *Collector) SetPendingWills(n int) {
	c.willsPending.Set(float64(n))
}

// ObserveSubscriptions 采集时读取主题索引中的订阅数
func (c *Collector) ObserveSubscriptions(count func() int) {
	c.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "subscriptions",
		Name:      "topic_index_entries",
		Help:      "Subscriptions held in the topic index.",
	}, func() float64 {
		return float64(count())
	}))
}

// Server 在独立端口上暴露 /metrics 与 /health
type Server struct {
	server *http.Server
}

func NewServer(addr string, collector *Collector) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(collector.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprint(w, "OK\n")
	})
	return &Server{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start 在后台监听，返回前不等待端口就绪
func (s *Server) Start() {
	logger.InfoF("Metrics server listening on %s", s.server.Addr)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorF("Metrics server error: %v", err)
		}
	}()
}

// Invoke 使 Server 可以注册到 event.Cleaner
func (s *Server) Invoke(ctx context.Context) error {
	logger.Info("Shutting down metrics server")
	return s.server.Shutdown(ctx)
}
