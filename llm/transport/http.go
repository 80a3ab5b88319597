package transport

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/BaSui01/agentflow/llm/classify"
	"github.com/BaSui01/agentflow/llm/routing"
)

// HTTPTransport issues a plain HTTP call against a resolved upstream
// endpoint. Grounded on the teacher's ListModelsOpenAICompat helper
// (llm/providers/common.go), which already builds a *http.Client request
// with vendor-specific auth headers; this generalizes the same header
// construction across both OpenAI and Claude auth styles per spec §4.4.
type HTTPTransport struct {
	Client                  *http.Client
	Style                   routing.APIStyle
	CustomHeaders           map[string]string
	ProviderRetryableStatus map[int]bool
}

// NewHTTPTransport builds a transport with a sane default timeout,
// matching the teacher's http.Client usage in the vendor drivers.
func NewHTTPTransport(style routing.APIStyle, customHeaders map[string]string, retryableStatus map[int]bool) *HTTPTransport {
	return &HTTPTransport{
		Client:                  &http.Client{Timeout: 120 * time.Second},
		Style:                   style,
		CustomHeaders:           customHeaders,
		ProviderRetryableStatus: retryableStatus,
	}
}

func (t *HTTPTransport) Execute(ctx context.Context, req Request, apiKey string) (Result, error) {
	start := time.Now()

	httpReq, err := http.NewRequestWithContext(ctx, "POST", req.URL, strings.NewReader(string(req.Body)))
	if err != nil {
		return Result{Success: false, Retryable: false, Penalize: false, ErrorText: err.Error()}, err
	}

	t.applyHeaders(httpReq, apiKey, req)

	resp, err := t.Client.Do(httpReq)
	if err != nil {
		latency := time.Since(start)
		verdict := classify.Classify(0, "", t.ProviderRetryableStatus)
		return FromClassification(0, nil, err.Error(), verdict, latency), nil
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	latency := time.Since(start)

	if resp.StatusCode >= 400 {
		if routing.APIStyle(t.Style) == routing.StyleClaude && classify.IsClaudeFallbackCandidate(resp.StatusCode, req.URL, string(body)) {
			verdict := classify.Result{Retryable: true, Penalize: false, Category: classify.CategoryClaudeFallback}
			return FromClassification(resp.StatusCode, body, string(body), verdict, latency), nil
		}
		verdict := classify.Classify(resp.StatusCode, string(body), t.ProviderRetryableStatus)
		return FromClassification(resp.StatusCode, body, string(body), verdict, latency), nil
	}

	return Result{Success: true, Body: body, StatusCode: resp.StatusCode, Latency: latency}, nil
}

// applyHeaders builds the OpenAI/Responses `Authorization: Bearer` header
// or the Claude `x-api-key` + `Anthropic-Version` pair, never overriding a
// header the caller already supplied via CustomHeaders.
func (t *HTTPTransport) applyHeaders(httpReq *http.Request, apiKey string, req Request) {
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	} else {
		httpReq.Header.Set("Accept", "application/json")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	hasAuth := false
	for k, v := range t.CustomHeaders {
		httpReq.Header.Set(k, v)
		if strings.EqualFold(k, "Authorization") || strings.EqualFold(k, "x-api-key") {
			hasAuth = true
		}
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
		if strings.EqualFold(k, "Authorization") || strings.EqualFold(k, "x-api-key") {
			hasAuth = true
		}
	}

	if hasAuth || apiKey == "" {
		return
	}

	switch t.Style {
	case routing.StyleClaude:
		httpReq.Header.Set("x-api-key", apiKey)
		httpReq.Header.Set("Anthropic-Version", "2023-06-01")
	default:
		httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	}
}
