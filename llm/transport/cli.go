package transport

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/BaSui01/agentflow/llm/classify"
)

// ClaudeCLITransport imitates the official Claude CLI's request shape
// against a provider that gatekeeps on the CLI's user-agent, per spec
// §4.4. Grounded on HTTPTransport's request-building path, with the
// header set and query string swapped for the CLI's signature.
type ClaudeCLITransport struct {
	Client *http.Client
}

func NewClaudeCLITransport() *ClaudeCLITransport {
	return &ClaudeCLITransport{Client: &http.Client{Timeout: 120 * time.Second}}
}

const claudeCLIUserAgent = "claude-cli/1.0 (external, cli)"

func (t *ClaudeCLITransport) Execute(ctx context.Context, req Request, apiKey string) (Result, error) {
	start := time.Now()

	url := req.URL
	if !strings.Contains(url, "?") {
		url += "?beta=true"
	} else {
		url += "&beta=true"
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, strings.NewReader(string(req.Body)))
	if err != nil {
		return Result{Success: false, ErrorText: err.Error()}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", claudeCLIUserAgent)
	httpReq.Header.Set("x-api-key", apiKey)
	httpReq.Header.Set("Anthropic-Version", "2023-06-01")
	httpReq.Header.Set("Anthropic-Beta", "true")
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := t.Client.Do(httpReq)
	if err != nil {
		latency := time.Since(start)
		verdict := classify.Classify(0, "", nil)
		return FromClassification(0, nil, err.Error(), verdict, latency), nil
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	latency := time.Since(start)

	if resp.StatusCode >= 400 {
		verdict := classify.Classify(resp.StatusCode, string(body), nil)
		return FromClassification(resp.StatusCode, body, string(body), verdict, latency), nil
	}

	return Result{Success: true, Body: body, StatusCode: resp.StatusCode, Latency: latency}, nil
}
