package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/BaSui01/agentflow/llm"
	"github.com/BaSui01/agentflow/llm/adapter"
	"github.com/BaSui01/agentflow/llm/routing"
)

// HTTPStreamTransport issues a streaming HTTP POST against one resolved
// candidate upstream and decodes its SSE wire format into canonical
// llm.StreamChunk values, the same shape every per-vendor provider's own
// Stream method produces (grounded on llm/providers/gemini's bufio.Reader
// SSE loop). It satisfies llm/engine.Streamer, letting the candidate-retry
// loop drive it exactly like a configured llm.Provider.
type HTTPStreamTransport struct {
	Client        *http.Client
	Style         routing.APIStyle
	Endpoint      string
	APIKey        string
	ProviderName  string
	CustomHeaders map[string]string
}

// NewHTTPStreamTransport builds a stream transport for one resolved
// upstream candidate.
func NewHTTPStreamTransport(u routing.PhysicalUpstream, apiKey string, customHeaders map[string]string) *HTTPStreamTransport {
	return &HTTPStreamTransport{
		Client:        &http.Client{Timeout: 0},
		Style:         u.APIStyle,
		Endpoint:      u.Endpoint,
		APIKey:        apiKey,
		ProviderName:  u.ProviderID,
		CustomHeaders: customHeaders,
	}
}

func (t *HTTPStreamTransport) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	body, err := adapter.AdaptRequestBody(req, t.Style)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.Endpoint, strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	t.applyHeaders(httpReq)

	resp, err := t.Client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("upstream %s returned %d: %s", t.ProviderName, resp.StatusCode, string(errBody))
	}

	ch := make(chan llm.StreamChunk)
	switch t.Style {
	case routing.StyleClaude:
		go t.decodeClaudeSSE(resp.Body, ch)
	default:
		go t.decodeOpenAISSE(resp.Body, ch)
	}
	return ch, nil
}

func (t *HTTPStreamTransport) applyHeaders(httpReq *http.Request) {
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Content-Type", "application/json")

	hasAuth := false
	for k, v := range t.CustomHeaders {
		httpReq.Header.Set(k, v)
		if strings.EqualFold(k, "Authorization") || strings.EqualFold(k, "x-api-key") {
			hasAuth = true
		}
	}
	if hasAuth || t.APIKey == "" {
		return
	}
	switch t.Style {
	case routing.StyleClaude:
		httpReq.Header.Set("x-api-key", t.APIKey)
		httpReq.Header.Set("Anthropic-Version", "2023-06-01")
	default:
		httpReq.Header.Set("Authorization", "Bearer "+t.APIKey)
	}
}

// openAISSEChunk mirrors the minimal chat.completion.chunk shape the pack's
// property tests assert against (llm/providers/dual_completion_mode_property_test.go).
type openAISSEChunk struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index int `json:"index"`
		Delta struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *llm.ChatUsage `json:"usage"`
}

func (t *HTTPStreamTransport) decodeOpenAISSE(body io.ReadCloser, ch chan<- llm.StreamChunk) {
	defer body.Close()
	defer close(ch)
	reader := bufio.NewReader(body)

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				ch <- llm.StreamChunk{Err: upstreamError(t.ProviderName, err)}
			}
			return
		}
		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			return
		}

		var chunk openAISSEChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		out := llm.StreamChunk{ID: chunk.ID, Model: chunk.Model, Provider: t.ProviderName, Usage: chunk.Usage}
		if len(chunk.Choices) > 0 {
			c := chunk.Choices[0]
			out.Index = c.Index
			out.FinishReason = c.FinishReason
			out.Delta = llm.Message{Role: llm.RoleAssistant, Content: c.Delta.Content}
		}
		ch <- out
	}
}

// claudeSSEEvent mirrors the frames llm/adapter/stream.go's claudeStreamEncoder
// produces, decoded here in reverse for an upstream speaking Claude's wire
// format.
type claudeSSEEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type         string `json:"type"`
		Text         string `json:"text"`
		StopReason   string `json:"stop_reason"`
		StopSequence string `json:"stop_sequence"`
	} `json:"delta"`
	Usage *struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (t *HTTPStreamTransport) decodeClaudeSSE(body io.ReadCloser, ch chan<- llm.StreamChunk) {
	defer body.Close()
	defer close(ch)
	reader := bufio.NewReader(body)

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				ch <- llm.StreamChunk{Err: upstreamError(t.ProviderName, err)}
			}
			return
		}
		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

		var evt claudeSSEEvent
		if err := json.Unmarshal([]byte(payload), &evt); err != nil {
			continue
		}

		switch evt.Type {
		case "content_block_delta":
			ch <- llm.StreamChunk{Provider: t.ProviderName, Delta: llm.Message{Role: llm.RoleAssistant, Content: evt.Delta.Text}}
		case "message_delta":
			out := llm.StreamChunk{Provider: t.ProviderName, FinishReason: claudeFinishReason(evt.Delta.StopReason)}
			if evt.Usage != nil {
				out.Usage = &llm.ChatUsage{CompletionTokens: evt.Usage.OutputTokens}
			}
			ch <- out
		case "error":
			msg := "upstream stream error"
			if evt.Error != nil {
				msg = evt.Error.Message
			}
			ch <- llm.StreamChunk{Err: upstreamError(t.ProviderName, fmt.Errorf("%s", msg))}
			return
		case "message_stop":
			return
		}
	}
}

func claudeFinishReason(stopReason string) string {
	switch stopReason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return ""
	}
}

func upstreamError(provider string, err error) *llm.Error {
	return &llm.Error{
		Code:       llm.ErrUpstreamError,
		Message:    err.Error(),
		HTTPStatus: http.StatusBadGateway,
		Retryable:  true,
		Provider:   provider,
	}
}
