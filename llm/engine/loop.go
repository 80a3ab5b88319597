package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/BaSui01/agentflow/llm"
	"github.com/BaSui01/agentflow/llm/adapter"
	"github.com/BaSui01/agentflow/llm/routing"
	"github.com/BaSui01/agentflow/llm/transport"
	"github.com/BaSui01/agentflow/types"
	"go.uber.org/zap"
)

var retryableFailureStatus = map[int]bool{500: true, 502: true, 503: true, 504: true, 429: true}

// KeyPools resolves the per-provider API key pool the loop acquires keys
// from before dispatching to a candidate.
type KeyPools interface {
	Get(providerID string) (*llm.APIKeyPool, bool)
}

// TransportFor resolves the transport.Transport that serves one candidate
// upstream (HTTP, vendor SDK, or Claude-CLI imitation), keyed off the
// provider's configured transport kind.
type TransportFor func(u routing.PhysicalUpstream) (transport.Transport, error)

// MetricsSink records one attempt's outcome into the metrics buffer.
type MetricsSink interface {
	RecordAttempt(providerID, logicalModel, transportKind string, isStream bool, success bool, latency time.Duration)
}

// Loop implements try_candidates_non_stream / try_candidates_stream.
type Loop struct {
	Cooldown         *CooldownTracker
	Pools            KeyPools
	TransportFor     TransportFor
	Metrics          MetricsSink
	Logger           *zap.Logger
	FailureThreshold int
}

// exhaustedError summarizes a run in which every candidate failed or was
// skipped due to cooldown; RunNonStream returns an ErrUpstreamError whose
// message is its text.
type exhaustedError struct {
	lastStatus int
	lastError  string
	skipped    int
	attempted  int
}

func (e *exhaustedError) Error() string {
	return fmt.Sprintf("all candidates exhausted: last_status=%d last_error=%q skipped=%d attempted=%d",
		e.lastStatus, e.lastError, e.skipped, e.attempted)
}

// RunNonStream implements the non-streaming candidate-retry contract.
func (l *Loop) RunNonStream(ctx context.Context, logicalID string, candidates []routing.ScoredUpstream, req *llm.ChatRequest, clientStyle routing.APIStyle) (*llm.ChatResponse, error) {
	agg := &exhaustedError{}

	for _, c := range candidates {
		u := c.Upstream
		if l.Cooldown.ShouldSkip(ctx, u.ProviderID, logicalID) {
			agg.skipped++
			continue
		}

		pool, ok := l.Pools.Get(u.ProviderID)
		if !ok {
			continue
		}
		key, err := pool.Acquire(ctx)
		if err != nil {
			continue
		}

		tr, err := l.TransportFor(u)
		if err != nil {
			continue
		}

		body, err := adapter.AdaptRequestBody(req, u.APIStyle)
		if err != nil {
			continue
		}

		agg.attempted++
		result, err := tr.Execute(ctx, transport.Request{
			Method:          "POST",
			URL:             u.Endpoint,
			Body:            body,
			Stream:          false,
			UpstreamModelID: u.UpstreamModelID,
		}, key.RawKey)
		if err != nil {
			continue
		}

		if l.Metrics != nil {
			l.Metrics.RecordAttempt(u.ProviderID, logicalID, string(u.APIStyle), false, result.Success, result.Latency)
		}

		if result.Success {
			pool.RecordSuccess(ctx, key.Label)
			l.Cooldown.Clear(ctx, u.ProviderID, logicalID)
			return decodeResponse(result.Body, u.APIStyle, clientStyle)
		}

		agg.lastStatus = result.StatusCode
		agg.lastError = result.ErrorText

		if !result.Retryable {
			pool.RecordFailure(ctx, key.Label, false, result.StatusCode)
			return nil, types.NewError(types.ErrUpstreamError, result.ErrorText).
				WithHTTPStatus(502).WithProvider(u.ProviderID).WithRetryable(false)
		}

		if result.Penalize {
			pool.RecordFailure(ctx, key.Label, true, result.StatusCode)
			if retryableFailureStatus[result.StatusCode] {
				l.Cooldown.RecordFailure(ctx, u.ProviderID, logicalID)
			}
		}
		// retryable && !penalize: capability mismatch — try the next
		// candidate without touching this provider's score or cooldown.
	}

	return nil, types.NewError(types.ErrUpstreamError, agg.Error()).
		WithHTTPStatus(502).WithRetryable(false)
}

func decodeResponse(body []byte, upstreamStyle, clientStyle routing.APIStyle) (*llm.ChatResponse, error) {
	if upstreamStyle == clientStyle {
		return decodeCanonical(body, upstreamStyle)
	}

	switch upstreamStyle {
	case routing.StyleClaude:
		claudeResp, err := adapter.DecodeClaudeBody(body)
		if err != nil {
			return nil, err
		}
		return adapter.FromClaudeResponse(claudeResp), nil
	case routing.StyleResponses:
		respResp, err := adapter.DecodeResponsesBody(body)
		if err != nil {
			return nil, err
		}
		return adapter.FromResponsesResponse(respResp), nil
	default:
		return decodeCanonical(body, upstreamStyle)
	}
}

func decodeCanonical(body []byte, _ routing.APIStyle) (*llm.ChatResponse, error) {
	var resp llm.ChatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
