package adapter

import (
	"encoding/json"
	"fmt"

	"github.com/BaSui01/agentflow/llm"
	"github.com/BaSui01/agentflow/llm/routing"
)

// StreamEncoder is a stateful per-stream transcoder: it consumes canonical
// llm.StreamChunk values (the shape every Provider.Stream already emits)
// and renders them as the target style's SSE byte frames, per spec §4.6.
//
// Once an error frame has been emitted, EncodeDone must return nil:
// adapters never insert extra terminal framing after an error, so a
// client cannot mistake a failed stream for a successful completion.
type StreamEncoder interface {
	EncodeChunk(chunk llm.StreamChunk) []byte
	EncodeDone() []byte
}

// NewStreamEncoder returns the encoder for rendering canonical stream
// chunks in the given client-facing style.
func NewStreamEncoder(style routing.APIStyle) StreamEncoder {
	switch style {
	case routing.StyleClaude:
		return &claudeStreamEncoder{}
	case routing.StyleResponses:
		return &responsesStreamEncoder{}
	default:
		return &openAIStreamEncoder{}
	}
}

// --- OpenAI chat.completion.chunk ---

type openAIStreamEncoder struct {
	errored bool
}

func (e *openAIStreamEncoder) EncodeChunk(chunk llm.StreamChunk) []byte {
	if chunk.Err != nil {
		e.errored = true
		frame := map[string]any{"error": map[string]any{"type": "upstream_error", "message": chunk.Err.Message}}
		b, _ := json.Marshal(frame)
		return append([]byte("data: "), append(b, []byte("\n\n")...)...)
	}
	frame := map[string]any{
		"id":      chunk.ID,
		"object":  "chat.completion.chunk",
		"model":   chunk.Model,
		"choices": []map[string]any{{"index": chunk.Index, "delta": chunk.Delta, "finish_reason": nullableString(chunk.FinishReason)}},
	}
	if chunk.Usage != nil {
		frame["usage"] = chunk.Usage
	}
	b, _ := json.Marshal(frame)
	return append([]byte("data: "), append(b, []byte("\n\n")...)...)
}

func (e *openAIStreamEncoder) EncodeDone() []byte {
	if e.errored {
		return nil
	}
	return []byte("data: [DONE]\n\n")
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// --- Claude Messages event stream ---

type claudeStreamEncoder struct {
	started bool
	errored bool
}

func sseEvent(event string, payload any) []byte {
	b, _ := json.Marshal(payload)
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", event, b))
}

func (e *claudeStreamEncoder) EncodeChunk(chunk llm.StreamChunk) []byte {
	if chunk.Err != nil {
		e.errored = true
		return sseEvent("error", map[string]any{
			"type":  "error",
			"error": map[string]any{"type": "upstream_error", "message": chunk.Err.Message},
		})
	}

	var out []byte
	if !e.started {
		e.started = true
		out = append(out, sseEvent("message_start", map[string]any{
			"type":    "message_start",
			"message": map[string]any{"id": chunk.ID, "model": chunk.Model, "role": "assistant"},
		})...)
		out = append(out, sseEvent("content_block_start", map[string]any{
			"type":  "content_block_start",
			"index": 0,
			"content_block": map[string]any{"type": "text", "text": ""},
		})...)
	}

	if chunk.Delta.Content != "" {
		out = append(out, sseEvent("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": chunk.Index,
			"delta": map[string]any{"type": "text_delta", "text": chunk.Delta.Content},
		})...)
	}

	if chunk.FinishReason != "" {
		out = append(out, sseEvent("content_block_stop", map[string]any{"type": "content_block_stop", "index": 0})...)
		stopReason := openAIToClaudeFinish[chunk.FinishReason]
		if stopReason == "" {
			stopReason = chunk.FinishReason
		}
		delta := map[string]any{"type": "message_delta", "delta": map[string]any{"stop_reason": stopReason}}
		if chunk.Usage != nil {
			delta["usage"] = map[string]any{"output_tokens": chunk.Usage.CompletionTokens}
		}
		out = append(out, sseEvent("message_delta", delta)...)
	}

	return out
}

func (e *claudeStreamEncoder) EncodeDone() []byte {
	if e.errored {
		return nil
	}
	return sseEvent("message_stop", map[string]any{"type": "message_stop"})
}

// --- Responses API streaming (OpenAI Responses style) ---

type responsesStreamEncoder struct {
	errored bool
}

func (e *responsesStreamEncoder) EncodeChunk(chunk llm.StreamChunk) []byte {
	if chunk.Err != nil {
		e.errored = true
		frame := map[string]any{"type": "response.error", "error": map[string]any{"message": chunk.Err.Message}}
		b, _ := json.Marshal(frame)
		return append([]byte("data: "), append(b, []byte("\n\n")...)...)
	}
	frame := map[string]any{
		"type":  "response.output_text.delta",
		"delta": chunk.Delta.Content,
	}
	b, _ := json.Marshal(frame)
	return append([]byte("data: "), append(b, []byte("\n\n")...)...)
}

func (e *responsesStreamEncoder) EncodeDone() []byte {
	if e.errored {
		return nil
	}
	return []byte("data: [DONE]\n\n")
}
