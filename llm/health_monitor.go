package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BaSui01/agentflow/internal/cache"
	"github.com/BaSui01/agentflow/llm/routing"
	"go.uber.org/zap"
)

// RoutingMetricsMonitor reads per-(provider, logical_model) RoutingMetrics
// and per-provider dynamic weights from the shared cache, and implements
// routing.MetricsSource / routing.DynamicWeightSource for the Scheduler.
//
// Grounded on the teacher's HealthMonitor (gorm polling loop over
// sc_llm_usage_logs): the QPSCounter ring-buffer idiom for cheap in-process
// QPS tracking is kept verbatim, but the periodic refresh now reads the
// cache entries llm:metrics:{provider}:{logical_model} and
// gateway:weights:{provider} instead of querying a SQL table. Nothing in
// this module writes those entries: the routing metrics buffer in
// internal/metrics exports to Prometheus only.
type RoutingMetricsMonitor struct {
	mu         sync.RWMutex
	cache      *cache.Manager
	logger     *zap.Logger
	qpsCounter map[string]*QPSCounter // provider_id -> local QPS counter
	metrics    map[string]routing.Metrics
	weights    map[string]float64
	probe      map[string]ProviderProbeResult

	ctx      context.Context
	cancel   context.CancelFunc
	interval time.Duration
}

// QPSCounter is a 60-bucket ring counter of per-second request counts.
type QPSCounter struct {
	lastSec atomic.Int64
	buckets [60]atomic.Int64
	maxQPS  atomic.Int64
}

// ProviderProbeResult is the last active health-probe outcome for a provider.
type ProviderProbeResult struct {
	Healthy     bool
	Latency     time.Duration
	ErrorRate   float64
	LastError   string
	LastCheckAt time.Time
}

// NewRoutingMetricsMonitor starts the background refresh loop immediately.
func NewRoutingMetricsMonitor(cacheMgr *cache.Manager, logger *zap.Logger, refreshInterval time.Duration) *RoutingMetricsMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if refreshInterval <= 0 {
		refreshInterval = 15 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &RoutingMetricsMonitor{
		cache:      cacheMgr,
		logger:     logger.With(zap.String("component", "routing_metrics_monitor")),
		qpsCounter: make(map[string]*QPSCounter),
		metrics:    make(map[string]routing.Metrics),
		weights:    make(map[string]float64),
		probe:      make(map[string]ProviderProbeResult),
		ctx:        ctx,
		cancel:     cancel,
		interval:   refreshInterval,
	}
	go m.loop()
	return m
}

func (m *RoutingMetricsMonitor) Stop() {
	m.cancel()
}

func metricsCacheKey(providerID, logicalID string) string {
	return fmt.Sprintf("llm:metrics:%s:%s", providerID, logicalID)
}

func weightCacheKey(providerID string) string {
	return fmt.Sprintf("gateway:weights:%s", providerID)
}

// Get implements routing.MetricsSource, consulting the in-memory snapshot
// refreshed on `interval`. Absence is reported via the bool, not an error:
// the scheduler treats a missing entry as "no data yet, assume healthy".
func (m *RoutingMetricsMonitor) Get(providerID, logicalID string) (routing.Metrics, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if probe, ok := m.probe[providerID]; ok && !probe.Healthy {
		return routing.Metrics{Status: "down"}, true
	}

	met, ok := m.metrics[metricsCacheKey(providerID, logicalID)]
	return met, ok
}

// Weight implements routing.DynamicWeightSource.
func (m *RoutingMetricsMonitor) Weight(providerID string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if w, ok := m.weights[providerID]; ok && w > 0 {
		return w
	}
	return 1.0
}

// IncrementQPS records one local request for the cheap in-process QPS view.
func (m *RoutingMetricsMonitor) IncrementQPS(providerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.qpsCounter[providerID]
	if !ok {
		c = newQPSCounter(time.Now())
		m.qpsCounter[providerID] = c
	}
	now := time.Now().Unix()
	c.bumpWindow(now)
	c.buckets[now%60].Add(1)
}

// CurrentQPS returns the trailing ~60s request count tracked locally.
func (m *RoutingMetricsMonitor) CurrentQPS(providerID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.qpsCounter[providerID]
	if !ok {
		return 0
	}
	c.bumpWindow(time.Now().Unix())
	var total int64
	for i := range c.buckets {
		total += c.buckets[i].Load()
	}
	if total < 0 {
		return 0
	}
	return total
}

// UpdateProbe records the outcome of an active health probe (HealthCheck()).
func (m *RoutingMetricsMonitor) UpdateProbe(providerID string, st *HealthStatus, err error) {
	if providerID == "" {
		return
	}
	now := time.Now()
	res := ProviderProbeResult{LastCheckAt: now}
	if st != nil {
		res.Healthy = st.Healthy
		res.Latency = st.Latency
		res.ErrorRate = st.ErrorRate
	}
	if err != nil {
		res.Healthy = false
		res.LastError = err.Error()
	}
	m.mu.Lock()
	m.probe[providerID] = res
	m.mu.Unlock()
}

func (m *RoutingMetricsMonitor) loop() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.refresh()
		}
	}
}

// refresh re-reads the cached `llm:metrics:*`/`gateway:weights:*` entry for
// every pair and provider this monitor already tracks. Only pairs added by
// Register are tracked; refresh does not discover new keys on its own.
func (m *RoutingMetricsMonitor) refresh() {
	if m.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	m.mu.RLock()
	metricKeys := make([]string, 0, len(m.metrics))
	for k := range m.metrics {
		metricKeys = append(metricKeys, k)
	}
	weightKeys := make(map[string]string, len(m.weights))
	for providerID := range m.weights {
		weightKeys[weightCacheKey(providerID)] = providerID
	}
	m.mu.RUnlock()

	for _, key := range metricKeys {
		var met routing.Metrics
		if err := m.cache.GetJSON(ctx, key, &met); err != nil {
			if !cache.IsCacheMiss(err) {
				m.logger.Warn("routing metrics refresh failed", zap.String("key", key), zap.Error(err))
			}
			continue
		}
		m.mu.Lock()
		m.metrics[key] = met
		m.mu.Unlock()
	}

	for key, providerID := range weightKeys {
		raw, err := m.cache.Get(ctx, key)
		if err != nil {
			continue
		}
		var w float64
		if jsonErr := json.Unmarshal([]byte(raw), &w); jsonErr != nil {
			continue
		}
		m.mu.Lock()
		m.weights[providerID] = w
		m.mu.Unlock()
	}
}

// Register adds a (provider, logical_model) pair to the set refresh() polls,
// seeding it as healthy until a cached entry is read, and seeds the
// provider's dynamic weight at 1.0.
func (m *RoutingMetricsMonitor) Register(providerID, logicalID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := metricsCacheKey(providerID, logicalID)
	if _, ok := m.metrics[key]; !ok {
		m.metrics[key] = routing.Metrics{Status: "healthy"}
	}
	if _, ok := m.weights[providerID]; !ok {
		m.weights[providerID] = 1.0
	}
}

func newQPSCounter(now time.Time) *QPSCounter {
	c := &QPSCounter{}
	c.lastSec.Store(now.Unix())
	return c
}

func (c *QPSCounter) bumpWindow(nowSec int64) {
	prev := c.lastSec.Load()
	for nowSec > prev {
		if c.lastSec.CompareAndSwap(prev, nowSec) {
			gap := nowSec - prev
			if gap >= 60 {
				for i := range c.buckets {
					c.buckets[i].Store(0)
				}
				return
			}
			for s := prev + 1; s <= nowSec; s++ {
				c.buckets[s%60].Store(0)
			}
			return
		}
		prev = c.lastSec.Load()
	}
}

// dynamicWeightAdapter adapts RoutingMetricsMonitor.Weight to
// routing.DynamicWeightSource's single-method shape without exporting a
// second public method name.
type dynamicWeightAdapter struct{ m *RoutingMetricsMonitor }

func (a dynamicWeightAdapter) Get(providerID string) float64 { return a.m.Weight(providerID) }

// AsDynamicWeightSource exposes this monitor as a routing.DynamicWeightSource.
func (m *RoutingMetricsMonitor) AsDynamicWeightSource() routing.DynamicWeightSource {
	return dynamicWeightAdapter{m: m}
}
