package monitor

import (
	"CustomDetServe/logger"
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

// Monitor owns the serving metrics and the process gauges.
type Monitor struct {
	registry  *prometheus.Registry
	requests  *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	labels    prometheus.Counter
	memUsage  prometheus.Gauge
	cpuUsage  prometheus.Gauge
	proc      *process.Process
	srv       *http.Server
	sampleGap time.Duration
}

func New() *Monitor {
	m := &Monitor{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "serve_requests_total",
			Help: "Requests handled, by method and result code",
		}, []string{"method", "code"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "serve_request_duration_seconds",
			Help:    "Request handling time, by method",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		labels: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "serve_labels_total",
			Help: "Labels returned in annotations",
		}),
		memUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "memory_usage_Megabytes",
			Help: "Memory usage in Megabytes",
		}),
		cpuUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cpu_usage_percent",
			Help: "CPU usage in percent",
		}),
		sampleGap: 500 * time.Millisecond,
	}
	m.registry.MustRegister(m.requests, m.latency, m.labels, m.memUsage, m.cpuUsage)
	return m
}

// Observe records one finished request. code is "ok" or an error code.
func (m *Monitor) Observe(method, code string, elapsed time.Duration) {
	m.requests.WithLabelValues(method, code).Inc()
	m.latency.WithLabelValues(method).Observe(elapsed.Seconds())
}

func (m *Monitor) AddLabels(n int) {
	m.labels.Add(float64(n))
}

func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Monitor) checkProcessInfo() {
	if m.proc == nil {
		return
	}
	if memInfo, err := m.proc.MemoryInfo(); err == nil {
		m.memUsage.Set(float64(memInfo.RSS / 1024 / 1024))
	}
	if cpuPercent, err := m.proc.CPUPercent(); err == nil {
		m.cpuUsage.Set(math.Round(cpuPercent*100) / 100)
	}
}

// Start serves /metrics on port and samples the process until ctx is done.
func (m *Monitor) Start(ctx context.Context, port int) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Log().Warn("Process gauges disabled", zap.Error(err))
	}
	m.proc = proc

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	m.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	go func() {
		if err := m.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log().Error("Metrics server stopped", zap.Error(err))
		}
	}()

	ticker := time.NewTicker(m.sampleGap)
	defer ticker.Stop()
sample:
	for {
		select {
		case <-ctx.Done():
			break sample
		case <-ticker.C:
			m.checkProcessInfo()
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.srv.Shutdown(shutdownCtx); err != nil {
		logger.Log().Error("Metrics server shutdown", zap.Error(err))
	}
}
