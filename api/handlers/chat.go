package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/BaSui01/agentflow/api"
	"github.com/BaSui01/agentflow/llm"
	"github.com/BaSui01/agentflow/llm/engine"
	"github.com/BaSui01/agentflow/llm/idempotency"
	"github.com/BaSui01/agentflow/llm/routing"
	"github.com/BaSui01/agentflow/types"
	"go.uber.org/zap"
)

// =============================================================================
// 💬 聊天接口 Handler
// =============================================================================

// ChatHandler serves the gateway's OpenAI-shaped chat endpoints on top of
// the full candidate-retry routing stack: resolve the logical model, score
// its upstreams, then walk the ranked candidate list via engine.Loop.
type ChatHandler struct {
	resolver       *routing.Resolver
	metrics        routing.MetricsSource
	dynWeights     routing.DynamicWeightSource
	keys           routing.KeyAvailability
	loop           *engine.Loop
	strategy       routing.Strategy
	streamerFor    engine.ProviderFor
	idempotency    idempotency.Manager
	idempotencyTTL time.Duration
	logger         *zap.Logger
}

// NewChatHandler wires a ChatHandler to the routing stack built at startup
// (see cmd/gateway/routing.go's buildRoutingStack).
func NewChatHandler(resolver *routing.Resolver, monitor *llm.RoutingMetricsMonitor, pools *llm.PoolRegistry, loop *engine.Loop, strategy routing.Strategy, streamerFor engine.ProviderFor, idempotencyMgr idempotency.Manager, logger *zap.Logger) *ChatHandler {
	return &ChatHandler{
		resolver:       resolver,
		metrics:        monitor,
		dynWeights:     monitor.AsDynamicWeightSource(),
		keys:           pools,
		loop:           loop,
		strategy:       strategy,
		streamerFor:    streamerFor,
		idempotency:    idempotencyMgr,
		idempotencyTTL: time.Hour,
		logger:         logger,
	}
}

// HandleCompletion 处理聊天补全请求
// @Summary 聊天完成
// @Description 发送聊天完成请求
// @Tags 聊天
// @Accept json
// @Produce json
// @Param request body api.ChatRequest true "聊天请求"
// @Success 200 {object} api.ChatResponse "聊天响应"
// @Failure 400 {object} Response "无效请求"
// @Failure 500 {object} Response "内部错误"
// @Security ApiKeyAuth
// @Router /v1/chat/completions [post]
func (h *ChatHandler) HandleCompletion(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req api.ChatRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	if err := h.validateChatRequest(&req); err != nil {
		WriteError(w, err, h.logger)
		return
	}

	llmReq := h.convertToLLMRequest(&req)

	ctx := r.Context()
	if llmReq.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, llmReq.Timeout)
		defer cancel()
	}

	logical, candidates, err := h.resolveCandidates(ctx, req.Model)
	if err != nil {
		h.handleProviderError(w, err)
		return
	}

	idemKey := h.idempotencyKeyFor(&req)
	if idemKey != "" {
		if cached, found, err := h.idempotency.Get(ctx, idemKey); err == nil && found {
			var apiResp api.ChatResponse
			if err := json.Unmarshal(cached, &apiResp); err == nil {
				h.logger.Debug("idempotent replay", zap.String("trace_id", req.TraceID))
				WriteSuccess(w, &apiResp)
				return
			}
		}
	}

	start := time.Now()
	resp, err := h.loop.RunNonStream(ctx, logical.LogicalID, candidates, llmReq, routing.StyleOpenAI)
	duration := time.Since(start)

	if err != nil {
		h.handleProviderError(w, err)
		return
	}

	apiResp := h.convertToAPIResponse(resp)

	if idemKey != "" {
		if err := h.idempotency.Set(ctx, idemKey, apiResp, h.idempotencyTTL); err != nil {
			h.logger.Warn("failed to cache idempotent response", zap.Error(err))
		}
	}

	h.logger.Info("chat completion",
		zap.String("model", req.Model),
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens),
		zap.Duration("duration", duration),
	)

	WriteSuccess(w, apiResp)
}

// HandleStream 处理流式聊天请求
// @Summary 流式聊天完成
// @Description 发送流式聊天完成请求
// @Tags 聊天
// @Accept json
// @Produce text/event-stream
// @Param request body api.ChatRequest true "聊天请求"
// @Success 200 {string} string "SSE 流"
// @Failure 400 {object} Response "无效请求"
// @Failure 500 {object} Response "内部错误"
// @Security ApiKeyAuth
// @Router /v1/chat/completions/stream [post]
func (h *ChatHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req api.ChatRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	if err := h.validateChatRequest(&req); err != nil {
		WriteError(w, err, h.logger)
		return
	}

	llmReq := h.convertToLLMRequest(&req)

	ctx := r.Context()

	logical, candidates, err := h.resolveCandidates(ctx, req.Model)
	if err != nil {
		h.handleProviderError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		err := types.NewError(types.ErrInternalError, "streaming not supported")
		WriteError(w, err, h.logger)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	onFirstChunk := func(providerID, upstreamModelID string) {
		h.logger.Debug("stream committed to candidate",
			zap.String("provider_id", providerID),
			zap.String("upstream_model_id", upstreamModelID),
		)
	}

	frames := h.loop.RunStream(ctx, logical.LogicalID, candidates, llmReq, routing.StyleOpenAI, h.streamerFor, onFirstChunk)

	for frame := range frames {
		if frame.Err != nil {
			h.logger.Error("stream error", zap.Error(frame.Err))
			if len(frame.Data) == 0 {
				h.handleProviderError(w, frame.Err)
				return
			}
		}
		if len(frame.Data) == 0 {
			continue
		}
		if _, err := w.Write(frame.Data); err != nil {
			h.logger.Error("failed to write stream frame", zap.Error(err))
			return
		}
		flusher.Flush()
	}
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// idempotencyKeyFor scopes a dedup key to the client-supplied TraceID, the
// same idempotent-retry convention the teacher's ResilientProvider used at
// the Provider layer (llm/resilient_provider.go), moved up to the HTTP
// layer since candidates are now dispatched per-call through engine.Loop
// rather than behind a single wrapped Provider. No TraceID means the
// caller isn't asking for dedup, so no key is generated.
func (h *ChatHandler) idempotencyKeyFor(req *api.ChatRequest) string {
	if req.TraceID == "" || h.idempotency == nil {
		return ""
	}
	key, err := h.idempotency.GenerateKey(req.TraceID, req.Model)
	if err != nil {
		return ""
	}
	return key
}

// resolveCandidates resolves req.Model to a LogicalModel and ranks its
// upstreams via routing.Choose, returning the ordered candidate list the
// retry loop walks. No per-tenant provider allowlist or sticky session is
// wired into the HTTP layer yet (see DESIGN.md's Open Questions).
func (h *ChatHandler) resolveCandidates(ctx context.Context, model string) (*routing.LogicalModel, []routing.ScoredUpstream, error) {
	logical, err := h.resolver.Resolve(ctx, model, routing.StyleOpenAI, nil)
	if err != nil {
		return nil, nil, err
	}

	_, candidates, err := routing.Choose(logical, h.metrics, h.dynWeights, h.keys, h.strategy, nil)
	if err != nil {
		return nil, nil, err
	}

	return logical, candidates, nil
}

// validateChatRequest 验证聊天请求
func (h *ChatHandler) validateChatRequest(req *api.ChatRequest) *types.Error {
	if req.Model == "" {
		return types.NewError(types.ErrInvalidRequest, "model is required")
	}

	if len(req.Messages) == 0 {
		return types.NewError(types.ErrInvalidRequest, "messages cannot be empty")
	}

	if req.Temperature < 0 || req.Temperature > 2 {
		return types.NewError(types.ErrInvalidRequest, "temperature must be between 0 and 2")
	}

	if req.TopP < 0 || req.TopP > 1 {
		return types.NewError(types.ErrInvalidRequest, "top_p must be between 0 and 1")
	}

	return nil
}

// convertToLLMRequest 转换为 LLM 请求
func (h *ChatHandler) convertToLLMRequest(req *api.ChatRequest) *llm.ChatRequest {
	timeout := 30 * time.Second
	if req.Timeout != "" {
		if d, err := time.ParseDuration(req.Timeout); err == nil {
			timeout = d
		}
	}

	messages := make([]types.Message, len(req.Messages))
	for i, msg := range req.Messages {
		messages[i] = types.Message{
			Role:       types.Role(msg.Role),
			Content:    msg.Content,
			Name:       msg.Name,
			ToolCalls:  msg.ToolCalls,
			ToolCallID: msg.ToolCallID,
		}
	}

	tools := make([]types.ToolSchema, len(req.Tools))
	for i, tool := range req.Tools {
		tools[i] = types.ToolSchema{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  tool.Parameters,
		}
	}

	return &llm.ChatRequest{
		TraceID:     req.TraceID,
		TenantID:    req.TenantID,
		UserID:      req.UserID,
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.Stop,
		Tools:       tools,
		ToolChoice:  req.ToolChoice,
		Timeout:     timeout,
		Metadata:    req.Metadata,
		Tags:        req.Tags,
	}
}

// convertToAPIResponse 转换为 API 响应
func (h *ChatHandler) convertToAPIResponse(resp *llm.ChatResponse) *api.ChatResponse {
	return &api.ChatResponse{
		ID:        resp.ID,
		Provider:  resp.Provider,
		Model:     resp.Model,
		Choices:   h.convertChoices(resp.Choices),
		Usage:     h.convertUsage(resp.Usage),
		CreatedAt: resp.CreatedAt,
	}
}

// convertChoices 转换选择列表
func (h *ChatHandler) convertChoices(choices []llm.ChatChoice) []api.ChatChoice {
	result := make([]api.ChatChoice, len(choices))
	for i, choice := range choices {
		result[i] = api.ChatChoice{
			Index:        choice.Index,
			FinishReason: choice.FinishReason,
			Message: api.Message{
				Role:       string(choice.Message.Role),
				Content:    choice.Message.Content,
				Name:       choice.Message.Name,
				ToolCalls:  choice.Message.ToolCalls,
				ToolCallID: choice.Message.ToolCallID,
			},
		}
	}
	return result
}

// convertUsage 转换使用统计
func (h *ChatHandler) convertUsage(usage llm.ChatUsage) api.ChatUsage {
	return api.ChatUsage{
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		TotalTokens:      usage.TotalTokens,
	}
}

// handleProviderError 处理路由/候选耗尽错误
func (h *ChatHandler) handleProviderError(w http.ResponseWriter, err error) {
	if typedErr, ok := err.(*types.Error); ok {
		WriteError(w, typedErr, h.logger)
		return
	}

	internalErr := types.NewError(types.ErrInternalError, "gateway error").
		WithCause(err).
		WithRetryable(false)

	WriteError(w, internalErr, h.logger)
}
