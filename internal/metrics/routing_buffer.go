package metrics

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📈 网关路由指标缓冲区 (spec §4.8)
// =============================================================================

// routingBucketKey identifies one aggregation bucket: a candidate's
// (provider, logical model, transport kind, stream/non-stream) cut,
// optionally split further by caller identity, over one flush window.
type routingBucketKey struct {
	ProviderID   string
	LogicalModel string
	Transport    string
	IsStream     bool
	UserID       string
	APIKeyID     string
	WindowStart  int64
}

// routingBucket accumulates counts and a bounded latency reservoir for one
// bucket key. The reservoir mirrors QPSCounter's fixed-size ring buffer
// (llm/health_monitor.go) generalized from a 60-second QPS ring into a
// capped sample slice for percentile estimation.
type routingBucket struct {
	attempts   int64
	successes  int64
	failures   int64
	reservoir  []time.Duration
	reservoirN int64 // total samples ever offered, for reservoir-sampling math
}

const (
	defaultMaxBucketKeys  = 10000
	defaultReservoirSize  = 256
	defaultFlushInterval  = 15 * time.Second
	defaultWindowDuration = 60 * time.Second
)

// RoutingMetricsBuffer implements engine.MetricsSink: a bucketed,
// bounded-memory aggregator for per-candidate attempt outcomes, flushed
// periodically into the buffer's own gateway_candidate_* Prometheus
// vectors. Once maxKeys buckets exist, attempts that would open a new
// bucket are dropped and counted; the count is logged at the next flush. When
// buffering is disabled it falls back to recording synchronously and
// immediately, so metrics are never silently dropped at startup or in
// tests that don't run the flush loop.
type RoutingMetricsBuffer struct {
	mu      sync.Mutex
	buckets map[routingBucketKey]*routingBucket
	rng     *lcg

	collector *Collector
	logger    *zap.Logger

	maxKeys        int
	reservoirSize  int
	windowDuration time.Duration
	evicted        int64

	enabled bool
	cancel  context.CancelFunc

	attemptsTotal  *prometheus.CounterVec
	latencySummary *prometheus.SummaryVec
}

// lcg is a tiny deterministic linear-congruential generator used for
// reservoir-sampling decisions; avoids pulling math/rand's global lock on
// a per-attempt hot path.
type lcg struct {
	state uint64
}

func (g *lcg) next() uint64 {
	g.state = g.state*6364136223846793005 + 1442695040888963407
	return g.state
}

// RoutingBufferOptions carries the gateway's configured bucket limits; zero
// values fall back to the package defaults.
type RoutingBufferOptions struct {
	FlushInterval  time.Duration
	WindowDuration time.Duration
	MaxKeys        int
	ReservoirSize  int
	Enabled        bool
}

// NewRoutingMetricsBuffer builds a buffer that flushes into namespace's
// Prometheus vectors every flushInterval. Pass enabled=false to record
// synchronously instead (useful for short-lived CLI invocations where a
// background goroutine would never get to flush).
func NewRoutingMetricsBuffer(namespace string, collector *Collector, logger *zap.Logger, opts RoutingBufferOptions) *RoutingMetricsBuffer {
	if logger == nil {
		logger = zap.NewNop()
	}
	flushInterval := opts.FlushInterval
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}
	windowDuration := opts.WindowDuration
	if windowDuration <= 0 {
		windowDuration = defaultWindowDuration
	}
	maxKeys := opts.MaxKeys
	if maxKeys <= 0 {
		maxKeys = defaultMaxBucketKeys
	}
	reservoirSize := opts.ReservoirSize
	if reservoirSize <= 0 {
		reservoirSize = defaultReservoirSize
	}

	b := &RoutingMetricsBuffer{
		buckets:        make(map[routingBucketKey]*routingBucket),
		rng:            &lcg{state: 0x9e3779b97f4a7c15},
		collector:      collector,
		logger:         logger.With(zap.String("component", "routing_metrics_buffer")),
		maxKeys:        maxKeys,
		reservoirSize:  reservoirSize,
		windowDuration: windowDuration,
		enabled:        opts.Enabled,
		attemptsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gateway_candidate_attempts_total",
				Help:      "Total candidate dispatch attempts by provider, logical model, transport and outcome",
			},
			[]string{"provider_id", "logical_model", "transport", "stream", "outcome"},
		),
		latencySummary: promauto.NewSummaryVec(
			prometheus.SummaryOpts{
				Namespace:  namespace,
				Name:       "gateway_candidate_latency_seconds",
				Help:       "Candidate dispatch latency by provider, logical model and transport",
				Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
			},
			[]string{"provider_id", "logical_model", "transport", "stream"},
		),
	}

	if opts.Enabled {
		ctx, cancel := context.WithCancel(context.Background())
		b.cancel = cancel
		go b.loop(ctx, flushInterval)
	}

	return b
}

// RecordAttempt satisfies llm/engine.MetricsSink.
func (b *RoutingMetricsBuffer) RecordAttempt(providerID, logicalModel, transportKind string, isStream bool, success bool, latency time.Duration) {
	b.RecordAttemptWithIdentity(providerID, logicalModel, transportKind, isStream, success, latency, "", "")
}

// RecordAttemptWithIdentity additionally splits the bucket by caller
// identity, for callers (e.g. the chat handler) that know the requesting
// user and which API key label served the request.
func (b *RoutingMetricsBuffer) RecordAttemptWithIdentity(providerID, logicalModel, transportKind string, isStream bool, success bool, latency time.Duration, userID, apiKeyID string) {
	if !b.enabled {
		b.flushOne(providerID, logicalModel, transportKind, isStream, success, latency)
		return
	}

	key := routingBucketKey{
		ProviderID:   providerID,
		LogicalModel: logicalModel,
		Transport:    transportKind,
		IsStream:     isStream,
		UserID:       userID,
		APIKeyID:     apiKeyID,
		WindowStart:  b.currentWindow(),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	bucket, ok := b.buckets[key]
	if !ok {
		if len(b.buckets) >= b.maxKeys {
			b.evicted++
			return
		}
		bucket = &routingBucket{reservoir: make([]time.Duration, 0, b.reservoirSize)}
		b.buckets[key] = bucket
	}

	bucket.attempts++
	if success {
		bucket.successes++
	} else {
		bucket.failures++
	}
	b.offer(bucket, latency)
}

// offer implements reservoir sampling (Algorithm R): the first
// reservoirSize samples are kept outright, afterward each new sample
// replaces a uniformly-random existing slot with probability
// reservoirSize/n.
func (b *RoutingMetricsBuffer) offer(bucket *routingBucket, latency time.Duration) {
	bucket.reservoirN++
	if len(bucket.reservoir) < b.reservoirSize {
		bucket.reservoir = append(bucket.reservoir, latency)
		return
	}
	j := b.rng.next() % uint64(bucket.reservoirN)
	if j < uint64(b.reservoirSize) {
		bucket.reservoir[j] = latency
	}
}

func (b *RoutingMetricsBuffer) currentWindow() int64 {
	return time.Now().Unix() / int64(b.windowDuration.Seconds())
}

// flushOne is the synchronous immediate-mode path: no bucketing, straight
// to the Prometheus vectors.
func (b *RoutingMetricsBuffer) flushOne(providerID, logicalModel, transportKind string, isStream, success bool, latency time.Duration) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	sl := streamLabel(isStream)
	b.attemptsTotal.WithLabelValues(providerID, logicalModel, transportKind, sl, outcome).Inc()
	b.latencySummary.WithLabelValues(providerID, logicalModel, transportKind, sl).Observe(latency.Seconds())
}

func (b *RoutingMetricsBuffer) loop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			b.flush()
			return
		case <-ticker.C:
			b.flush()
		}
	}
}

// flush drains every bucket into the Prometheus vectors and resets state.
// Percentiles are estimated from each bucket's reservoir rather than the
// full sample population, bounding memory regardless of request volume.
func (b *RoutingMetricsBuffer) flush() {
	b.mu.Lock()
	buckets := b.buckets
	evicted := b.evicted
	b.buckets = make(map[routingBucketKey]*routingBucket)
	b.evicted = 0
	b.mu.Unlock()

	if evicted > 0 && b.logger != nil {
		b.logger.Warn("routing metrics bucket cap exceeded, attempts dropped", zap.Int64("dropped", evicted))
	}

	for key, bucket := range buckets {
		sl := streamLabel(key.IsStream)
		b.attemptsTotal.WithLabelValues(key.ProviderID, key.LogicalModel, key.Transport, sl, "success").
			Add(float64(bucket.successes))
		b.attemptsTotal.WithLabelValues(key.ProviderID, key.LogicalModel, key.Transport, sl, "failure").
			Add(float64(bucket.failures))

		for _, p := range percentiles(bucket.reservoir, []float64{0.5, 0.9, 0.99}) {
			b.latencySummary.WithLabelValues(key.ProviderID, key.LogicalModel, key.Transport, sl).Observe(p.Seconds())
		}
	}
}

// Close stops the background flush loop, flushing any remaining buckets.
func (b *RoutingMetricsBuffer) Close() {
	if b.cancel != nil {
		b.cancel()
	}
}

func streamLabel(isStream bool) string {
	if isStream {
		return "stream"
	}
	return "non_stream"
}

func percentiles(samples []time.Duration, ps []float64) []time.Duration {
	if len(samples) == 0 {
		return nil
	}
	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	out := make([]time.Duration, 0, len(ps))
	for _, p := range ps {
		idx := int(p * float64(len(sorted)-1))
		out = append(out, sorted[idx])
	}
	return out
}
