// Copyright 2024 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a MIT license that can be
// found in the LICENSE file.

/*
Package llm provides unified LLM provider abstraction and gateway routing.

# Overview

The llm package provides a unified interface for interacting with multiple
Large Language Model providers, plus the gateway subsystems that turn a
caller-supplied logical model id into a ranked, retried sequence of calls
against physical upstreams: resolution (llm/routing.Resolver), scheduling
(llm/routing.Choose), per-provider API key selection (APIKeyPool), and
live metrics feedback (RoutingMetricsMonitor).

# Architecture

	┌─────────────────────────────────────────────────────────────┐
	│                    Application Layer                        │
	├─────────────────────────────────────────────────────────────┤
	│         Resolver (llm/routing) → Scheduler (llm/routing)     │
	│  (logical model → physical upstreams, scored & ranked)      │
	├─────────────────────────────────────────────────────────────┤
	│  ┌─────────────┐  ┌─────────────┐  ┌─────────────────────┐ │
	│  │  APIKeyPool │  │   Metrics   │  │  RoutingMetrics     │ │
	│  │ (HMAC-keyed)│  │   (buffer)  │  │  Monitor (feedback) │ │
	│  └─────────────┘  └─────────────┘  └─────────────────────┘ │
	├─────────────────────────────────────────────────────────────┤
	│                    Provider Interface                       │
	├──────────┬──────────┬──────────┬──────────┬────────────────┤
	│  OpenAI  │ Anthropic│  Gemini  │ DeepSeek │    Others...   │
	└──────────┴──────────┴──────────┴──────────┴────────────────┘

# Provider Interface

The core Provider interface defines the contract for all LLM providers:

	type Provider interface {
	    Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	    Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error)
	    HealthCheck(ctx context.Context) (*HealthStatus, error)
	    Name() string
	    SupportsNativeFunctionCalling() bool
	    ListModels(ctx context.Context) ([]Model, error)
	}

# Supported Providers

The package supports 13+ LLM providers out of the box:

  - OpenAI (GPT-4, GPT-4o, GPT-3.5-turbo)
  - Anthropic (Claude 3 Opus, Sonnet, Haiku)
  - Google (Gemini Pro, Gemini Ultra)
  - DeepSeek (DeepSeek-Chat, DeepSeek-Coder)
  - Alibaba (Qwen-Turbo, Qwen-Plus, Qwen-Max)
  - Tencent (Hunyuan)
  - Moonshot (Kimi)
  - Zhipu (GLM-4)
  - ByteDance (Doubao)
  - Baidu (ERNIE)
  - MiniMax
  - Mistral
  - Meta (Llama)
  - xAI (Grok)

# Usage

Basic usage with a single provider:

	provider := openai.NewOpenAIProvider(providers.OpenAIConfig{
	    BaseProviderConfig: providers.BaseProviderConfig{
	        APIKey: "your-api-key",
	        Model:  "gpt-4o",
	    },
	}, logger)

	resp, err := provider.Completion(ctx, &llm.ChatRequest{
	    Model: "gpt-4o",
	    Messages: []llm.Message{
	        {Role: llm.RoleUser, Content: "Hello!"},
	    },
	})

Resolving and scheduling across providers:

	resolver := routing.NewResolver(cfg, cacheMgr, providers, logger)
	logical, err := resolver.Resolve(ctx, "gpt-4o", routing.StyleOpenAI, nil)

	selected, candidates, err := routing.Choose(
	    logical, metricsMonitor, metricsMonitor.AsDynamicWeightSource(),
	    keyPoolRegistry, routing.DefaultStrategy(), session,
	)
	// candidates is the ordered fallback list the candidate-retry loop walks.

# Streaming

All providers support streaming responses:

	stream, err := provider.Stream(ctx, &llm.ChatRequest{
	    Model: "gpt-4o",
	    Messages: messages,
	})
	if err != nil {
	    log.Fatal(err)
	}

	for chunk := range stream {
	    if chunk.Err != nil {
	        log.Printf("Error: %v", chunk.Err)
	        break
	    }
	    fmt.Print(chunk.Delta.Content)
	}

# Caching

llm/cache provides cache-key strategies for chat requests; it does not
store responses itself:

	strategy := cache.NewHierarchicalKeyStrategy()
	key := strategy.GenerateKey(req) // llm:cache:{tenant}:{model}:{history hash}

# Retry and Resilience

The candidate-retry loop (llm/engine) walks the scheduler's ordered
candidate list, consulting each provider's failure cooldown before
attempting it and classifying every transport result (llm/classify) to
decide whether to penalize the provider and move on or stop.

# Observability

RoutingMetricsMonitor periodically re-reads per-(provider, logical model)
routing metrics and per-provider dynamic weights from the shared cache to
keep the scheduler's latency/error-rate inputs current, and keeps the same
QPS ring-buffer idiom the teacher used for in-process rate observation.
The routing metrics buffer in internal/metrics exports attempt counts and
latencies to Prometheus only; it does not write those cache entries.

# Tool Calling

Support for native function calling:

	resp, err := provider.Completion(ctx, &llm.ChatRequest{
	    Model: "gpt-4o",
	    Messages: messages,
	    Tools: []llm.ToolSchema{
	        {
	            Name:        "get_weather",
	            Description: "Get current weather for a location",
	            Parameters:  weatherParamsSchema,
	        },
	    },
	})

# Error Handling

The package defines structured error codes:

	const (
	    ErrInvalidRequest      ErrorCode = "INVALID_REQUEST"
	    ErrAuthentication      ErrorCode = "AUTHENTICATION"
	    ErrRateLimit           ErrorCode = "RATE_LIMIT"
	    ErrContextTooLong      ErrorCode = "CONTEXT_TOO_LONG"
	    ErrServiceUnavailable  ErrorCode = "SERVICE_UNAVAILABLE"
	)

Use IsRetryable to check if an error can be retried:

	if llm.IsRetryable(err) {
	    // Implement retry logic
	}

# API Key Management

Per-provider API key pools select a key by cached preference score,
banding candidates within a tolerance of the leader and weighted-randomly
choosing among them, backing off a key exponentially on failure. Raw keys
are never cached — only the HMAC-SHA256 digest of "{provider}:{raw_key}"
under the gateway secret is used as the cache member key:

	pool := llm.NewAPIKeyPool(providerID, gatewaySecret, cacheMgr, logger)
	pool.SyncKeys(providerConfig.APIKeys, providerConfig.Weight, providerConfig.MaxQPS)
	key, err := pool.Acquire(ctx)

See the subpackages for additional functionality:
  - llm/routing: Logical-model resolver and upstream scheduler
  - llm/classify: Transport error classification
  - llm/adapter: OpenAI/Claude/Responses protocol conversion
  - llm/transport: HTTP, vendor SDK, and CLI-imitation transports
  - llm/engine: Candidate-retry loop
  - llm/middleware: Request/response middleware
  - llm/retry: Retry strategies and backoff
  - llm/providers/*: Provider-specific implementations
*/
package llm
