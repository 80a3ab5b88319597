package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentflow/internal/cache"
	"github.com/BaSui01/agentflow/llm"
	"github.com/BaSui01/agentflow/llm/engine"
	"github.com/BaSui01/agentflow/llm/routing"
	"github.com/BaSui01/agentflow/llm/transport"
)

// =============================================================================
// 🧪 多提供商候选重试集成测试
//
// Exercises the real candidate-retry stack (routing.Choose + engine.Loop)
// end to end against a miniredis-backed cache instead of the deleted
// llm.NewRouter/llm.RouterOptions — see internal/cache/manager_test.go for
// the miniredis setup idiom this borrows.
// =============================================================================

// stubTransport routes Execute calls by provider id to a caller-supplied
// completion function, standing in for a real HTTP/SDK dispatch.
type stubTransport struct {
	completeFn func(ctx context.Context, req []byte) (llm.ChatResponse, error)
}

func (s *stubTransport) Execute(ctx context.Context, req transport.Request, apiKey string) (transport.Result, error) {
	resp, err := s.completeFn(ctx, req.Body)
	if err != nil {
		return transport.Result{
			Success:    false,
			StatusCode: 503,
			ErrorText:  err.Error(),
			Retryable:  true,
			Penalize:   true,
		}, nil
	}
	body, marshalErr := json.Marshal(resp)
	if marshalErr != nil {
		return transport.Result{}, marshalErr
	}
	return transport.Result{Success: true, Body: body, StatusCode: 200}, nil
}

// stubMetrics reports every candidate as healthy so routing.Choose never
// excludes one on status alone.
type stubMetrics struct{}

func (stubMetrics) Get(providerID, logicalID string) (routing.Metrics, bool) {
	return routing.Metrics{Status: "healthy"}, true
}

type stubWeights struct{}

func (stubWeights) Get(providerID string) float64 { return 1.0 }

// routingHarness bundles a real engine.Loop and key-pool registry backed by
// a miniredis instance, plus the per-provider stub transports it dispatches
// through.
type routingHarness struct {
	mr    *miniredis.Miniredis
	loop  *engine.Loop
	pools *llm.PoolRegistry
}

func (h *routingHarness) Close() { h.mr.Close() }

// setupRoutingHarness registers one APIKeyPool per provider key in
// transports and wires them into a Loop whose TransportFor dispatches
// through the matching stub.
func setupRoutingHarness(t *testing.T, logger *zap.Logger, transports map[string]*stubTransport) *routingHarness {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)

	cacheMgr, err := cache.NewManager(cache.Config{
		Addr:       mr.Addr(),
		DefaultTTL: time.Minute,
	}, logger)
	require.NoError(t, err)

	pools := llm.NewPoolRegistry()
	for providerID := range transports {
		pool := llm.NewAPIKeyPool(providerID, "test-secret", cacheMgr, logger)
		pool.SyncKeys([]string{"test-key"}, 1.0, 0)
		pools.Register(pool)
	}

	cooldown := engine.NewCooldownTracker(cacheMgr, 3, 10*time.Second)

	loop := &engine.Loop{
		Cooldown: cooldown,
		Pools:    pools,
		TransportFor: func(u routing.PhysicalUpstream) (transport.Transport, error) {
			tr, ok := transports[u.ProviderID]
			if !ok {
				return nil, fmt.Errorf("no stub transport for provider %s", u.ProviderID)
			}
			return tr, nil
		},
		Logger: logger,
	}

	return &routingHarness{mr: mr, loop: loop, pools: pools}
}

func twoProviderLogicalModel() *routing.LogicalModel {
	return &routing.LogicalModel{
		LogicalID: "gpt-4",
		Enabled:   true,
		Upstreams: []routing.PhysicalUpstream{
			{ProviderID: "provider1", UpstreamModelID: "gpt-4", Endpoint: "https://provider1.example/v1/chat", BaseWeight: 1.0, APIStyle: routing.StyleOpenAI},
			{ProviderID: "provider2", UpstreamModelID: "gpt-4", Endpoint: "https://provider2.example/v1/chat", BaseWeight: 1.0, APIStyle: routing.StyleOpenAI},
		},
	}
}

func chatResponse(providerID, content string) llm.ChatResponse {
	return llm.ChatResponse{
		ID:       "resp-" + providerID,
		Provider: providerID,
		Model:    "gpt-4",
		Choices: []llm.ChatChoice{
			{Index: 0, FinishReason: "stop", Message: llm.Message{Role: llm.RoleAssistant, Content: content}},
		},
		Usage: llm.ChatUsage{TotalTokens: 10},
	}
}

func sampleChatRequest() *llm.ChatRequest {
	return &llm.ChatRequest{
		Model:    "gpt-4",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "Hello"}},
	}
}

// TestMultiProviderRouting verifies the top-ranked, healthy candidate
// serves the request on the first attempt.
func TestMultiProviderRouting(t *testing.T) {
	logger := zap.NewNop()

	transports := map[string]*stubTransport{
		"provider1": {completeFn: func(ctx context.Context, req []byte) (llm.ChatResponse, error) {
			return chatResponse("provider1", "Response from provider1"), nil
		}},
		"provider2": {completeFn: func(ctx context.Context, req []byte) (llm.ChatResponse, error) {
			return chatResponse("provider2", "Response from provider2"), nil
		}},
	}

	harness := setupRoutingHarness(t, logger, transports)
	defer harness.Close()

	logical := twoProviderLogicalModel()
	_, candidates, err := routing.Choose(logical, stubMetrics{}, stubWeights{}, harness.pools, routing.DefaultStrategy(), nil)
	require.NoError(t, err)
	require.Len(t, candidates, 2)

	resp, err := harness.loop.RunNonStream(context.Background(), logical.LogicalID, candidates, sampleChatRequest(), routing.StyleOpenAI)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, "Response from provider1", resp.Choices[0].Message.Content)
}

// TestMultiProviderFailover verifies a failing top candidate falls
// through to the next-ranked candidate within the same call.
func TestMultiProviderFailover(t *testing.T) {
	logger := zap.NewNop()

	transports := map[string]*stubTransport{
		"provider1": {completeFn: func(ctx context.Context, req []byte) (llm.ChatResponse, error) {
			return llm.ChatResponse{}, fmt.Errorf("provider1 unavailable")
		}},
		"provider2": {completeFn: func(ctx context.Context, req []byte) (llm.ChatResponse, error) {
			return chatResponse("provider2", "Response from provider2"), nil
		}},
	}

	harness := setupRoutingHarness(t, logger, transports)
	defer harness.Close()

	logical := twoProviderLogicalModel()
	_, candidates, err := routing.Choose(logical, stubMetrics{}, stubWeights{}, harness.pools, routing.DefaultStrategy(), nil)
	require.NoError(t, err)

	resp, err := harness.loop.RunNonStream(context.Background(), logical.LogicalID, candidates, sampleChatRequest(), routing.StyleOpenAI)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, "provider2", resp.Provider)
	assert.Equal(t, "Response from provider2", resp.Choices[0].Message.Content)
}

// TestMultiProviderExhaustion verifies that when every candidate fails the
// loop returns an aggregate 502 rather than a partial/nil response.
func TestMultiProviderExhaustion(t *testing.T) {
	logger := zap.NewNop()

	failing := func(ctx context.Context, req []byte) (llm.ChatResponse, error) {
		return llm.ChatResponse{}, fmt.Errorf("upstream down")
	}
	transports := map[string]*stubTransport{
		"provider1": {completeFn: failing},
		"provider2": {completeFn: failing},
	}

	harness := setupRoutingHarness(t, logger, transports)
	defer harness.Close()

	logical := twoProviderLogicalModel()
	_, candidates, err := routing.Choose(logical, stubMetrics{}, stubWeights{}, harness.pools, routing.DefaultStrategy(), nil)
	require.NoError(t, err)

	resp, err := harness.loop.RunNonStream(context.Background(), logical.LogicalID, candidates, sampleChatRequest(), routing.StyleOpenAI)
	assert.Error(t, err)
	assert.Nil(t, resp)
}

// TestMultiProviderLoadBalancing sends several requests through the same
// ranked candidate list, confirming repeated calls stay stable and
// successful against the top-ranked provider.
func TestMultiProviderLoadBalancing(t *testing.T) {
	logger := zap.NewNop()

	transports := map[string]*stubTransport{
		"provider1": {completeFn: func(ctx context.Context, req []byte) (llm.ChatResponse, error) {
			return chatResponse("provider1", "Response 1"), nil
		}},
		"provider2": {completeFn: func(ctx context.Context, req []byte) (llm.ChatResponse, error) {
			return chatResponse("provider2", "Response 2"), nil
		}},
	}

	harness := setupRoutingHarness(t, logger, transports)
	defer harness.Close()

	logical := twoProviderLogicalModel()

	for i := 0; i < 10; i++ {
		_, candidates, err := routing.Choose(logical, stubMetrics{}, stubWeights{}, harness.pools, routing.DefaultStrategy(), nil)
		require.NoError(t, err)

		resp, err := harness.loop.RunNonStream(context.Background(), logical.LogicalID, candidates, sampleChatRequest(), routing.StyleOpenAI)
		assert.NoError(t, err)
		assert.NotNil(t, resp)
	}
}

// BenchmarkMultiProviderRouting benchmarks one resolve+dispatch cycle
// through the real scoring and retry path.
func BenchmarkMultiProviderRouting(b *testing.B) {
	logger := zap.NewNop()

	mr, err := miniredis.Run()
	require.NoError(b, err)
	defer mr.Close()

	cacheMgr, err := cache.NewManager(cache.Config{Addr: mr.Addr(), DefaultTTL: time.Minute}, logger)
	require.NoError(b, err)

	pools := llm.NewPoolRegistry()
	pool := llm.NewAPIKeyPool("provider1", "test-secret", cacheMgr, logger)
	pool.SyncKeys([]string{"test-key"}, 1.0, 0)
	pools.Register(pool)

	loop := &engine.Loop{
		Cooldown: engine.NewCooldownTracker(cacheMgr, 3, 10*time.Second),
		Pools:    pools,
		TransportFor: func(u routing.PhysicalUpstream) (transport.Transport, error) {
			return &stubTransport{completeFn: func(ctx context.Context, req []byte) (llm.ChatResponse, error) {
				return chatResponse("provider1", "Response"), nil
			}}, nil
		},
		Logger: logger,
	}

	logical := &routing.LogicalModel{
		LogicalID: "gpt-4",
		Enabled:   true,
		Upstreams: []routing.PhysicalUpstream{
			{ProviderID: "provider1", UpstreamModelID: "gpt-4", Endpoint: "https://provider1.example/v1/chat", BaseWeight: 1.0, APIStyle: routing.StyleOpenAI},
		},
	}
	req := sampleChatRequest()
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, candidates, _ := routing.Choose(logical, stubMetrics{}, stubWeights{}, pools, routing.DefaultStrategy(), nil)
		_, _ = loop.RunNonStream(ctx, logical.LogicalID, candidates, req, routing.StyleOpenAI)
	}
}
