// Package transport implements the gateway's transport executor (spec
// §4.4): the three ways a call actually reaches a physical upstream
// (plain HTTP, a vendor SDK, or the Claude-CLI imitation), all reporting
// back through the same Result shape.
//
// Grounded on the teacher's llm/providers/common.go (the stdlib
// net/http client and header-building helpers shared across vendor
// drivers) and the SDK client construction in the pack's sclaw/step
// provider modules (anthropic-sdk-go, openai-go/v3).
package transport

import (
	"context"
	"time"

	"github.com/BaSui01/agentflow/llm/classify"
)

// Result is the transport executor's uniform outcome shape.
type Result struct {
	Success       bool
	Body          []byte
	StatusCode    int
	ErrorText     string
	Retryable     bool
	Penalize      bool
	ErrorCategory classify.Category
	Latency       time.Duration
}

// FromClassification builds a failed Result from a classifier verdict.
func FromClassification(status int, body []byte, errorText string, verdict classify.Result, latency time.Duration) Result {
	return Result{
		Success:       false,
		Body:          body,
		StatusCode:    status,
		ErrorText:     errorText,
		Retryable:     verdict.Retryable,
		Penalize:      verdict.Penalize,
		ErrorCategory: verdict.Category,
		Latency:       latency,
	}
}

// Request is the transport-agnostic input every Transport.Execute receives.
type Request struct {
	Method          string
	URL             string
	Body            []byte
	Headers         map[string]string
	Stream          bool
	SDKVendor       string
	UpstreamModelID string
}

// Transport is implemented by each of the three executor strategies.
type Transport interface {
	Execute(ctx context.Context, req Request, apiKey string) (Result, error)
}
