package main

import (
	"time"

	"github.com/BaSui01/agentflow/config"
	"github.com/BaSui01/agentflow/internal/cache"
	"github.com/BaSui01/agentflow/internal/metrics"
	"github.com/BaSui01/agentflow/llm"
	"github.com/BaSui01/agentflow/llm/engine"
	"github.com/BaSui01/agentflow/llm/idempotency"
	"github.com/BaSui01/agentflow/llm/routing"
	"github.com/BaSui01/agentflow/llm/transport"
	"go.uber.org/zap"
)

// routingStack bundles every piece the candidate-retry loop needs: the
// logical-model resolver, the scheduler's live metrics/weights, the
// per-provider key pools, and the transports each candidate dispatches
// through.
type routingStack struct {
	resolver    *routing.Resolver
	monitor     *llm.RoutingMetricsMonitor
	pools       *llm.PoolRegistry
	cooldown    *engine.CooldownTracker
	loop        *engine.Loop
	metricsBuf  *metrics.RoutingMetricsBuffer
	idempotency idempotency.Manager
	strategy    routing.Strategy
	cfg         *config.Config
}

// buildRoutingStack wires config.Config's provider map into a live resolver,
// scheduler metrics monitor, key-pool registry and candidate-retry loop.
// Grounded on the teacher's own Start() sequencing in this file: one
// constructor per concern, called once at startup and handed to the
// handlers that need it.
func buildRoutingStack(cfg *config.Config, cacheMgr *cache.Manager, collector *metrics.Collector, logger *zap.Logger) *routingStack {
	monitor := llm.NewRoutingMetricsMonitor(cacheMgr, logger, 15*time.Second)

	pools := llm.NewPoolRegistry()
	for providerID, pc := range cfg.Providers {
		if !pc.Enabled || len(pc.APIKeys) == 0 {
			continue
		}
		pool := llm.NewAPIKeyPool(providerID, cfg.Gateway.Secret, cacheMgr, logger)
		pool.SyncKeys(pc.APIKeys, pc.Weight, pc.MaxQPS)
		pools.Register(pool)
		monitor.Register(providerID, "")
	}

	resolver := routing.NewResolver(cfg, cacheMgr, nil, logger)

	cooldown := engine.NewCooldownTracker(cacheMgr, int64(cfg.Gateway.FailureCooldownThreshold), cfg.Gateway.FailureCooldownWindow)

	metricsBuf := metrics.NewRoutingMetricsBuffer("gateway", collector, logger, metrics.RoutingBufferOptions{
		FlushInterval:  cfg.Gateway.MetricsFlushPeriod,
		WindowDuration: cfg.Gateway.MetricsBucketWidth,
		MaxKeys:        cfg.Gateway.MetricsMaxKeys,
		ReservoirSize:  cfg.Gateway.MetricsReservoir,
		Enabled:        true,
	})

	stack := &routingStack{
		resolver:    resolver,
		monitor:     monitor,
		pools:       pools,
		cooldown:    cooldown,
		metricsBuf:  metricsBuf,
		idempotency: idempotency.NewRedisManager(cacheMgr.RawClient(), "gateway:idempotency:", logger),
		strategy:    routing.DefaultStrategy(),
		cfg:         cfg,
	}

	stack.loop = &engine.Loop{
		Cooldown:     cooldown,
		Pools:        pools,
		TransportFor: stack.transportFor,
		Metrics:      metricsBuf,
		Logger:       logger,
	}

	return stack
}

// transportFor resolves a transport.Transport for one non-streaming
// candidate dispatch, picking HTTP, vendor SDK, or the Claude-CLI
// imitation per the provider's configured transport kind.
func (s *routingStack) transportFor(u routing.PhysicalUpstream) (transport.Transport, error) {
	pc, ok := s.cfg.Providers[u.ProviderID]
	if !ok {
		return transport.NewHTTPTransport(u.APIStyle, nil, nil), nil
	}

	retryable := make(map[int]bool, len(pc.RetryableStatus))
	for _, code := range pc.RetryableStatus {
		retryable[code] = true
	}

	switch pc.Transport {
	case "sdk":
		// The loop passes the acquired key into Execute's apiKey
		// parameter, which SDKTransport uses in place of this zero value.
		return transport.NewSDKTransport(pc.SDKVendor, "", pc.BaseURL), nil
	case "claude_cli":
		return transport.NewClaudeCLITransport(), nil
	default:
		return transport.NewHTTPTransport(u.APIStyle, pc.CustomHeaders, retryable), nil
	}
}

// streamerFor resolves a streaming candidate's Streamer. SDK transports
// don't carry a streaming implementation in this gateway (see
// llm/transport/sdk.go's doc comment) so "sdk"-transport providers fall
// back to the raw HTTP SSE path, which every vendor's chat/completions or
// messages endpoint also serves.
func (s *routingStack) streamerFor(u routing.PhysicalUpstream, apiKey string) (engine.Streamer, error) {
	pc := s.cfg.Providers[u.ProviderID]
	return transport.NewHTTPStreamTransport(u, apiKey, pc.CustomHeaders), nil
}
