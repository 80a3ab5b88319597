package adapter

import (
	"encoding/json"
	"time"

	"github.com/BaSui01/agentflow/llm"
)

// ClaudeResponse is the non-streaming Anthropic Messages response shape.
type ClaudeResponse struct {
	ID         string               `json:"id"`
	Model      string               `json:"model"`
	Role       string               `json:"role"`
	Content    []ClaudeContentBlock `json:"content"`
	StopReason string               `json:"stop_reason"`
	Usage      ClaudeUsage          `json:"usage"`
}

// ClaudeUsage is Anthropic's token usage shape.
type ClaudeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ResponsesOutputItem is one entry of a Responses API `output` array.
type ResponsesOutputItem struct {
	Role    string             `json:"role"`
	Content []ResponsesContent `json:"content,omitempty"`
}

// ResponsesResponse is the non-streaming Responses API response shape.
type ResponsesResponse struct {
	ID         string                `json:"id"`
	Model      string                `json:"model"`
	Output     []ResponsesOutputItem `json:"output"`
	OutputText string                `json:"output_text,omitempty"`
	Usage      ResponsesUsage        `json:"usage"`
}

// ResponsesUsage is the Responses API token usage shape.
type ResponsesUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

var claudeToOpenAIFinish = map[string]string{
	"end_turn":      "stop",
	"stop_sequence":  "stop",
	"max_tokens":    "length",
	"tool_use":      "tool_calls",
}

var openAIToClaudeFinish = map[string]string{
	"stop":       "end_turn",
	"length":     "max_tokens",
	"tool_calls": "tool_use",
}

// FromClaudeResponse converts a ClaudeResponse into the canonical
// llm.ChatResponse shape, flattening content blocks into a string and
// mapping usage/finish-reason fields per spec §4.6.
func FromClaudeResponse(resp *ClaudeResponse) *llm.ChatResponse {
	msg := llm.Message{Role: llm.RoleAssistant}
	var text string
	for _, b := range resp.Content {
		switch b.Type {
		case "text":
			text += b.Text
		case "tool_use":
			msg.ToolCalls = append(msg.ToolCalls, llm.ToolCall{ID: b.ID, Name: b.Name, Arguments: b.Input})
		}
	}
	msg.Content = text

	finish := claudeToOpenAIFinish[resp.StopReason]
	if finish == "" {
		finish = resp.StopReason
	}

	return &llm.ChatResponse{
		ID:    resp.ID,
		Model: resp.Model,
		Choices: []llm.ChatChoice{{
			Index:        0,
			FinishReason: finish,
			Message:      msg,
		}},
		Usage: llm.ChatUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
		CreatedAt: time.Now(),
	}
}

// ToClaudeResponse is the inverse of FromClaudeResponse, used when a
// Claude-speaking client is served by a provider reached over an
// OpenAI-style endpoint.
func ToClaudeResponse(resp *llm.ChatResponse) *ClaudeResponse {
	out := &ClaudeResponse{
		ID:    resp.ID,
		Model: resp.Model,
		Role:  string(llm.RoleAssistant),
		Usage: ClaudeUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
	if len(resp.Choices) == 0 {
		return out
	}
	choice := resp.Choices[0]
	if choice.Message.Content != "" {
		out.Content = append(out.Content, ClaudeContentBlock{Type: "text", Text: choice.Message.Content})
	}
	for _, tc := range choice.Message.ToolCalls {
		out.Content = append(out.Content, ClaudeContentBlock{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: tc.Arguments})
	}
	stopReason := openAIToClaudeFinish[choice.FinishReason]
	if stopReason == "" {
		stopReason = choice.FinishReason
	}
	out.StopReason = stopReason
	return out
}

// FromResponsesResponse converts a Responses API response into the
// canonical shape.
func FromResponsesResponse(resp *ResponsesResponse) *llm.ChatResponse {
	text := resp.OutputText
	if text == "" {
		for _, item := range resp.Output {
			for _, c := range item.Content {
				text += c.Text
			}
		}
	}
	return &llm.ChatResponse{
		ID:    resp.ID,
		Model: resp.Model,
		Choices: []llm.ChatChoice{{
			Index:   0,
			Message: llm.Message{Role: llm.RoleAssistant, Content: text},
		}},
		Usage: llm.ChatUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
		CreatedAt: time.Now(),
	}
}

// ToResponsesResponse is the inverse of FromResponsesResponse.
func ToResponsesResponse(resp *llm.ChatResponse) *ResponsesResponse {
	out := &ResponsesResponse{ID: resp.ID, Model: resp.Model, Usage: ResponsesUsage{
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}}
	if len(resp.Choices) == 0 {
		return out
	}
	text := resp.Choices[0].Message.Content
	out.OutputText = text
	out.Output = []ResponsesOutputItem{{
		Role:    string(llm.RoleAssistant),
		Content: []ResponsesContent{{Type: "output_text", Text: text}},
	}}
	return out
}

// DecodeClaudeBody unmarshals an upstream Claude Messages response body.
func DecodeClaudeBody(body []byte) (*ClaudeResponse, error) {
	var r ClaudeResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// DecodeResponsesBody unmarshals an upstream Responses API response body.
func DecodeResponsesBody(body []byte) (*ResponsesResponse, error) {
	var r ResponsesResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, err
	}
	return &r, nil
}
