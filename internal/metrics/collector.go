package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector records filesystem operation metrics. A nil *Collector and a
// disabled one both accept every call and record nothing.
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry
	logger   *slog.Logger

	operationCounter  *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	operationSize     *prometheus.HistogramVec
	errorCounter      *prometheus.CounterVec
	cacheCounter      *prometheus.CounterVec
	cloudBytesRead    *prometheus.CounterVec
	uploadCounter     *prometheus.CounterVec
	openHandles       prometheus.Gauge
	inodes            prometheus.Gauge

	operations map[string]*OperationMetrics
	lastReset  time.Time

	server *http.Server
}

// Config represents metrics configuration
type Config struct {
	Enabled   bool         `yaml:"enabled"`
	Port      int          `yaml:"port"`
	Path      string       `yaml:"path"`
	Namespace string       `yaml:"namespace"`
	Subsystem string       `yaml:"subsystem"`
	Logger    *slog.Logger `yaml:"-"`
}

// OperationMetrics tracks metrics for a specific operation type
type OperationMetrics struct {
	Count         int64         `json:"count"`
	TotalDuration time.Duration `json:"total_duration"`
	TotalSize     int64         `json:"total_size"`
	Errors        int64         `json:"errors"`
	LastOperation time.Time     `json:"last_operation"`
	AvgDuration   time.Duration `json:"avg_duration"`
}

// DefaultConfig returns the configuration used when NewCollector gets nil.
func DefaultConfig() *Config {
	return &Config{
		Enabled:   true,
		Port:      9108,
		Path:      "/metrics",
		Namespace: "clouddisk",
	}
}

// NewCollector creates a new metrics collector
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if !config.Enabled {
		return &Collector{config: config, logger: logger}, nil
	}

	c := &Collector{
		config:     config,
		registry:   prometheus.NewRegistry(),
		logger:     logger.With("component", "metrics"),
		operations: make(map[string]*OperationMetrics),
		lastReset:  time.Now(),
	}
	c.initMetrics()

	if err := c.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	return c, nil
}

func (c *Collector) enabled() bool {
	return c != nil && c.config != nil && c.config.Enabled
}

// Registry exposes the underlying registry, mainly for tests and embedding.
func (c *Collector) Registry() *prometheus.Registry {
	if !c.enabled() {
		return nil
	}
	return c.registry
}

// Handler returns the HTTP handler serving the metrics endpoints.
func (c *Collector) Handler() http.Handler {
	mux := http.NewServeMux()
	if !c.enabled() {
		return mux
	}
	mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/health", c.healthHandler)
	mux.HandleFunc("/debug/operations", c.debugOperationsHandler)
	return mux
}

// Start starts the metrics HTTP server in the background.
func (c *Collector) Start(ctx context.Context) error {
	if !c.enabled() || c.config.Port <= 0 {
		return nil
	}

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           c.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error("metrics server error", "error", err)
		}
	}()
	c.logger.Info("metrics server started", "port", c.config.Port, "path", c.config.Path)
	return nil
}

// Stop stops the metrics HTTP server.
func (c *Collector) Stop(ctx context.Context) error {
	if c == nil || c.server == nil {
		return nil
	}
	return c.server.Shutdown(ctx)
}

// RecordOperation records one filesystem operation. status is the errno
// returned to the kernel; zero means success.
func (c *Collector) RecordOperation(operation string, duration time.Duration, size int64, status syscall.Errno) {
	if !c.enabled() {
		return
	}
	success := status == 0

	c.mu.Lock()
	m, ok := c.operations[operation]
	if !ok {
		m = &OperationMetrics{}
		c.operations[operation] = m
	}
	m.Count++
	m.TotalDuration += duration
	m.TotalSize += size
	if !success {
		m.Errors++
	}
	m.LastOperation = time.Now()
	m.AvgDuration = time.Duration(int64(m.TotalDuration) / m.Count)
	c.mu.Unlock()

	c.operationCounter.With(prometheus.Labels{
		"operation": operation,
		"status":    map[bool]string{true: "success", false: "error"}[success],
	}).Inc()
	c.operationDuration.With(prometheus.Labels{"operation": operation}).Observe(duration.Seconds())
	if size > 0 {
		c.operationSize.With(prometheus.Labels{"operation": operation}).Observe(float64(size))
	}
	if !success {
		c.errorCounter.With(prometheus.Labels{
			"operation": operation,
			"errno":     errnoName(status),
		}).Inc()
	}
}

// RecordCacheLookup counts a hit or miss in one of the in-memory tables.
func (c *Collector) RecordCacheLookup(cache string, hit bool) {
	if !c.enabled() {
		return
	}
	c.cacheCounter.With(prometheus.Labels{
		"cache":  cache,
		"result": map[bool]string{true: "hit", false: "miss"}[hit],
	}).Inc()
}

// RecordCloudRead adds bytes fetched through a cloud read session.
func (c *Collector) RecordCloudRead(bundle string, n int) {
	if !c.enabled() || n <= 0 {
		return
	}
	c.cloudBytesRead.With(prometheus.Labels{"bundle": bundle}).Add(float64(n))
}

// RecordUpload counts a finished upload attempt sequence.
func (c *Collector) RecordUpload(bundle string, success bool) {
	if !c.enabled() {
		return
	}
	c.uploadCounter.With(prometheus.Labels{
		"bundle": bundle,
		"status": map[bool]string{true: "success", false: "error"}[success],
	}).Inc()
}

// SetOpenHandles sets the number of live open-file handles.
func (c *Collector) SetOpenHandles(n int) {
	if !c.enabled() {
		return
	}
	c.openHandles.Set(float64(n))
}

// SetInodes sets the number of live inodes.
func (c *Collector) SetInodes(n int) {
	if !c.enabled() {
		return
	}
	c.inodes.Set(float64(n))
}

// GetOperations returns a snapshot of per-operation totals.
func (c *Collector) GetOperations() map[string]OperationMetrics {
	out := make(map[string]OperationMetrics)
	if !c.enabled() {
		return out
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for k, v := range c.operations {
		out[k] = *v
	}
	return out
}

// ResetMetrics clears the per-operation totals. Prometheus series are kept.
func (c *Collector) ResetMetrics() {
	if !c.enabled() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.operations = make(map[string]*OperationMetrics)
	c.lastReset = time.Now()
}

func (c *Collector) initMetrics() {
	ns, sub := c.config.Namespace, c.config.Subsystem

	c.operationCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub,
		Name: "operations_total",
		Help: "Total number of filesystem operations",
	}, []string{"operation", "status"})

	c.operationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: sub,
		Name:    "operation_duration_seconds",
		Help:    "Duration of filesystem operations in seconds",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 18), // 100us to ~13s
	}, []string{"operation"})

	c.operationSize = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: sub,
		Name:    "operation_size_bytes",
		Help:    "Bytes transferred by read and write operations",
		Buckets: prometheus.ExponentialBuckets(512, 2, 16), // 512B to 16MB
	}, []string{"operation"})

	c.errorCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub,
		Name: "errors_total",
		Help: "Failed filesystem operations by errno",
	}, []string{"operation", "errno"})

	c.cacheCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub,
		Name: "cache_requests_total",
		Help: "Lookups in the in-memory inode and name caches",
	}, []string{"cache", "result"})

	c.cloudBytesRead = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub,
		Name: "cloud_read_bytes_total",
		Help: "Bytes read through cloud read sessions",
	}, []string{"bundle"})

	c.uploadCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub,
		Name: "uploads_total",
		Help: "Asset uploads by outcome",
	}, []string{"bundle", "status"})

	c.openHandles = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: sub,
		Name: "open_handles",
		Help: "Number of open file handles",
	})

	c.inodes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: sub,
		Name: "inodes",
		Help: "Number of inodes known to the kernel",
	})
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.operationCounter,
		c.operationDuration,
		c.operationSize,
		c.errorCounter,
		c.cacheCounter,
		c.cloudBytesRead,
		c.uploadCounter,
		c.openHandles,
		c.inodes,
	}
	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}
	return nil
}

func errnoName(errno syscall.Errno) string {
	switch errno {
	case syscall.ENOENT:
		return "ENOENT"
	case syscall.EINVAL:
		return "EINVAL"
	case syscall.EIO:
		return "EIO"
	case syscall.ENOTCONN:
		return "ENOTCONN"
	case syscall.EPERM:
		return "EPERM"
	case syscall.EACCES:
		return "EACCES"
	case syscall.EEXIST:
		return "EEXIST"
	case syscall.ENOTEMPTY:
		return "ENOTEMPTY"
	case syscall.EOPNOTSUPP:
		return "EOPNOTSUPP"
	case syscall.ENODATA:
		return "ENODATA"
	case syscall.ERANGE:
		return "ERANGE"
	case syscall.ENOSYS:
		return "ENOSYS"
	default:
		return fmt.Sprintf("errno_%d", int(errno))
	}
}

func (c *Collector) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy","service":"clouddiskfs-metrics"}`))
}

func (c *Collector) debugOperationsHandler(w http.ResponseWriter, r *http.Request) {
	ops := c.GetOperations()
	names := make([]string, 0, len(ops))
	for name := range ops {
		names = append(names, name)
	}
	sort.Strings(names)

	type row struct {
		Operation string `json:"operation"`
		OperationMetrics
	}
	rows := make([]row, 0, len(names))
	for _, name := range names {
		rows = append(rows, row{Operation: name, OperationMetrics: ops[name]})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rows)
}
