// Package telemetry records HTTP and emergency-card metrics and serves them
// in Prometheus text exposition format using only standard library
// constructs.
package telemetry

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
)

// Config holds all configuration for the telemetry provider.
type Config struct {
	ServiceName     string
	ServiceVersion  string
	Environment     string
	MetricsEnabled  *bool // nil = use default (true)
	MetricsInterval time.Duration
}

func (c *Config) metricsOn() bool {
	if c.MetricsEnabled == nil {
		return true
	}
	return *c.MetricsEnabled
}

func (c *Config) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "ecard-server"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "0.0.0"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
	if c.MetricsInterval == 0 {
		c.MetricsInterval = 15 * time.Second
	}
}

// BoolPtr is a helper to create a *bool for Config fields.
func BoolPtr(b bool) *bool {
	return &b
}

// ---------------------------------------------------------------------------
// Histogram
// ---------------------------------------------------------------------------

// histogram is a thread-safe histogram with fixed bucket boundaries. Bucket
// counts are non-cumulative in storage; cumulative counts are computed at
// export time.
type histogram struct {
	boundaries   []float64
	bucketCounts []int64
	count        int64
	sum          uint64 // math.Float64bits, updated with CAS
	mu           sync.Mutex
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{
		boundaries:   boundaries,
		bucketCounts: make([]int64, len(boundaries)),
	}
}

// Observe records a single value.
func (h *histogram) Observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	atomicAddFloat64(&h.sum, v)

	h.mu.Lock()
	defer h.mu.Unlock()
	for i, b := range h.boundaries {
		if v <= b {
			h.bucketCounts[i]++
			return
		}
	}
	// Above every boundary: only the +Inf bucket sees it.
}

// Count returns the total number of observations.
func (h *histogram) Count() int64 {
	return atomic.LoadInt64(&h.count)
}

// Sum returns the total sum of all observations.
func (h *histogram) Sum() float64 {
	return math.Float64frombits(atomic.LoadUint64(&h.sum))
}

func (h *histogram) cumulativeBuckets() []int64 {
	h.mu.Lock()
	raw := make([]int64, len(h.bucketCounts))
	copy(raw, h.bucketCounts)
	h.mu.Unlock()

	cum := make([]int64, len(raw))
	var running int64
	for i, c := range raw {
		running += c
		cum[i] = running
	}
	return cum
}

func atomicAddFloat64(addr *uint64, delta float64) {
	for {
		old := atomic.LoadUint64(addr)
		newVal := math.Float64frombits(old) + delta
		if atomic.CompareAndSwapUint64(addr, old, math.Float64bits(newVal)) {
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Keyed stores
// ---------------------------------------------------------------------------

type histogramStore struct {
	mu    sync.RWMutex
	items map[string]*histogram
}

func newHistogramStore() *histogramStore {
	return &histogramStore{items: make(map[string]*histogram)}
}

func (s *histogramStore) getOrCreate(key string, boundaries []float64) *histogram {
	s.mu.RLock()
	h, ok := s.items[key]
	s.mu.RUnlock()
	if ok {
		return h
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok = s.items[key]; !ok {
		h = newHistogram(boundaries)
		s.items[key] = h
	}
	return h
}

func (s *histogramStore) get(key string) *histogram {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.items[key]
}

func (s *histogramStore) snapshot() map[string]*histogram {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make(map[string]*histogram, len(s.items))
	for k, v := range s.items {
		cp[k] = v
	}
	return cp
}

// LabelsKey builds the key of a labeled series.
func LabelsKey(values ...string) string {
	return strings.Join(values, "|")
}

// valueStore backs both counters and gauges.
type valueStore struct {
	mu    sync.RWMutex
	items map[string]*int64
}

func newValueStore() *valueStore {
	return &valueStore{items: make(map[string]*int64)}
}

func (s *valueStore) ptr(key string) *int64 {
	s.mu.RLock()
	p, ok := s.items[key]
	s.mu.RUnlock()
	if ok {
		return p
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok = s.items[key]; !ok {
		p = new(int64)
		s.items[key] = p
	}
	return p
}

func (s *valueStore) add(key string, delta int64) { atomic.AddInt64(s.ptr(key), delta) }
func (s *valueStore) set(key string, val int64) { atomic.StoreInt64(s.ptr(key), val) }

func (s *valueStore) get(key string) int64 {
	s.mu.RLock()
	p, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	return atomic.LoadInt64(p)
}

func (s *valueStore) snapshot() map[string]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make(map[string]int64, len(s.items))
	for k, p := range s.items {
		cp[k] = atomic.LoadInt64(p)
	}
	return cp
}

// ---------------------------------------------------------------------------
// Provider
// ---------------------------------------------------------------------------

// defaultDurationBuckets are request duration boundaries in seconds.
var defaultDurationBuckets = []float64{
	0.010, 0.025, 0.050, 0.100, 0.250, 0.500, 1.0, 2.5, 5.0, 10.0,
}

// Counter names.
const (
	counterEmergencyAccess  = "emergency_access_total"
	counterCardOperation    = "emergency_card_operations_total"
	counterAccessLogFailure = "emergency_access_log_failures_total"
	counterQRRenderFailure  = "qr_render_failures_total"
)

// Gauge names.
const (
	gaugeActiveRequests = "http_server_active_requests"
	gaugePoolAcquired   = "db_pool_acquired_connections"
	gaugePoolIdle       = "db_pool_idle_connections"
	gaugeWSClients      = "websocket_clients"
)

// Provider manages all metric state.
type Provider struct {
	cfg Config

	durations *histogramStore
	counters  *valueStore
	gauges    *valueStore

	shutdownOnce sync.Once
	done         chan struct{}
}

// NewProvider creates and initialises the telemetry provider.
func NewProvider(cfg Config) *Provider {
	cfg.applyDefaults()
	return &Provider{
		cfg:       cfg,
		durations: newHistogramStore(),
		counters:  newValueStore(),
		gauges:    newValueStore(),
		done:      make(chan struct{}),
	}
}

// Shutdown stops background samplers.
func (tp *Provider) Shutdown(_ context.Context) error {
	tp.shutdownOnce.Do(func() {
		close(tp.done)
	})
	return nil
}

// ---------------------------------------------------------------------------
// Domain counters
// ---------------------------------------------------------------------------

// EmergencyAccess counts public access attempts by outcome
// ("granted", "denied", "error").
func (tp *Provider) EmergencyAccess(outcome string) {
	tp.counters.add(LabelsKey(counterEmergencyAccess, outcome), 1)
}

// CardOperation counts lifecycle operations ("issue", "regenerate", "update").
func (tp *Provider) CardOperation(op string) {
	tp.counters.add(LabelsKey(counterCardOperation, op), 1)
}

// AccessLogFailure counts grants whose audit entry could not be persisted.
// Operators should alert on any increase.
func (tp *Provider) AccessLogFailure() {
	tp.counters.add(counterAccessLogFailure, 1)
}

// QRRenderFailure counts QR renders that failed or timed out.
func (tp *Provider) QRRenderFailure() {
	tp.counters.add(counterQRRenderFailure, 1)
}

// WebSocketClients records the number of connected websocket clients.
func (tp *Provider) WebSocketClients(n int) {
	tp.gauges.set(gaugeWSClients, int64(n))
}

// Counter returns the value of a counter series. Labels follow the name.
func (tp *Provider) Counter(name string, labels ...string) int64 {
	return tp.counters.get(LabelsKey(append([]string{name}, labels...)...))
}

// Gauge returns the current value of the named gauge.
func (tp *Provider) Gauge(name string) int64 {
	return tp.gauges.get(name)
}

// ---------------------------------------------------------------------------
// Pool sampler
// ---------------------------------------------------------------------------

// PoolStatFunc reports acquired and idle connection counts.
type PoolStatFunc func() (acquired, idle int64)

// StartPoolSampler samples pool statistics every MetricsInterval until ctx
// is cancelled or the provider shuts down.
func (tp *Provider) StartPoolSampler(ctx context.Context, stat PoolStatFunc) {
	sample := func() {
		acquired, idle := stat()
		tp.gauges.set(gaugePoolAcquired, acquired)
		tp.gauges.set(gaugePoolIdle, idle)
	}
	sample()

	go func() {
		ticker := time.NewTicker(tp.cfg.MetricsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tp.done:
				return
			case <-ticker.C:
				sample()
			}
		}
	}()
}

// ---------------------------------------------------------------------------
// MetricsMiddleware
// ---------------------------------------------------------------------------

// MetricsMiddleware records request duration by method, route pattern and
// status. The route pattern is used so access codes never become labels.
func (tp *Provider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !tp.cfg.metricsOn() {
				return next(c)
			}

			tp.gauges.add(gaugeActiveRequests, 1)
			start := time.Now()

			err := next(c)

			duration := time.Since(start).Seconds()
			tp.gauges.add(gaugeActiveRequests, -1)

			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok && !c.Response().Committed {
				status = he.Code
			}

			key := LabelsKey(c.Request().Method, route, fmt.Sprintf("%d", status))
			tp.durations.getOrCreate(key, defaultDurationBuckets).Observe(duration)

			return err
		}
	}
}

// RequestDuration returns the duration histogram for a series, or nil.
func (tp *Provider) RequestDuration(method, route, status string) *histogram {
	return tp.durations.get(LabelsKey(method, route, status))
}

// ---------------------------------------------------------------------------
// PrometheusHandler
// ---------------------------------------------------------------------------

// PrometheusHandler serves metrics in Prometheus text exposition format.
func (tp *Provider) PrometheusHandler() echo.HandlerFunc {
	return func(c echo.Context) error {
		var b strings.Builder

		fmt.Fprintf(&b, "# HELP build_info Build metadata.\n# TYPE build_info gauge\n")
		fmt.Fprintf(&b, "build_info{service=%q,version=%q,environment=%q} 1\n\n",
			tp.cfg.ServiceName, tp.cfg.ServiceVersion, tp.cfg.Environment)

		writeDurations(&b, tp.durations.snapshot())

		counters := tp.counters.snapshot()
		writeCounter(&b, counters, counterEmergencyAccess, "Emergency access attempts by outcome.", "outcome")
		writeCounter(&b, counters, counterCardOperation, "Emergency card lifecycle operations.", "operation")
		writeCounter(&b, counters, counterAccessLogFailure, "Granted accesses whose log entry could not be persisted.")
		writeCounter(&b, counters, counterQRRenderFailure, "QR code renders that failed or timed out.")

		for _, g := range []struct{ name, help string }{
			{gaugeActiveRequests, "Number of in-flight HTTP requests."},
			{gaugePoolAcquired, "Acquired database pool connections."},
			{gaugePoolIdle, "Idle database pool connections."},
			{gaugeWSClients, "Connected websocket clients."},
		} {
			fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s gauge\n%s %d\n\n",
				g.name, g.help, g.name, g.name, tp.gauges.get(g.name))
		}

		return c.String(http.StatusOK, b.String())
	}
}

// ---------------------------------------------------------------------------
// Prometheus format helpers
// ---------------------------------------------------------------------------

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func writeDurations(b *strings.Builder, series map[string]*histogram) {
	const name = "http_server_request_duration_seconds"
	fmt.Fprintf(b, "# HELP %s Duration of HTTP requests in seconds.\n", name)
	fmt.Fprintf(b, "# TYPE %s histogram\n", name)

	for _, key := range sortedKeys(series) {
		parts := strings.SplitN(key, "|", 3)
		if len(parts) != 3 {
			continue
		}
		labels := fmt.Sprintf("method=%q,route=%q,status_code=%q", parts[0], parts[1], parts[2])
		writeSingleHistogram(b, name, labels, series[key], defaultDurationBuckets)
	}
	b.WriteByte('\n')
}

func writeCounter(b *strings.Builder, counters map[string]int64, name, help string, labelNames ...string) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s counter\n", name)

	written := false
	for _, key := range sortedKeys(counters) {
		parts := strings.Split(key, "|")
		if parts[0] != name || len(parts)-1 != len(labelNames) {
			continue
		}
		labels := make([]string, len(labelNames))
		for i, ln := range labelNames {
			labels[i] = fmt.Sprintf("%s=%q", ln, parts[i+1])
		}
		if len(labels) > 0 {
			fmt.Fprintf(b, "%s{%s} %d\n", name, strings.Join(labels, ","), counters[key])
		} else {
			fmt.Fprintf(b, "%s %d\n", name, counters[key])
		}
		written = true
	}
	if !written && len(labelNames) == 0 {
		fmt.Fprintf(b, "%s 0\n", name)
	}
	b.WriteByte('\n')
}

func writeSingleHistogram(b *strings.Builder, name, labels string, h *histogram, boundaries []float64) {
	cum := h.cumulativeBuckets()
	total := h.Count()

	for i, boundary := range boundaries {
		fmt.Fprintf(b, "%s_bucket{%s,le=\"%g\"} %d\n", name, labels, boundary, cum[i])
	}
	fmt.Fprintf(b, "%s_bucket{%s,le=\"+Inf\"} %d\n", name, labels, total)
	fmt.Fprintf(b, "%s_sum{%s} %g\n", name, labels, h.Sum())
	fmt.Fprintf(b, "%s_count{%s} %d\n", name, labels, total)
}
