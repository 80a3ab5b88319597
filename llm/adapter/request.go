package adapter

import (
	"encoding/json"
	"strings"

	"github.com/BaSui01/agentflow/llm"
	"github.com/BaSui01/agentflow/llm/routing"
)

// ClaudeContentBlock is one block of Anthropic Messages content.
type ClaudeContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// ClaudeMessage is one entry of Anthropic's Messages `messages` array.
type ClaudeMessage struct {
	Role    string               `json:"role"`
	Content []ClaudeContentBlock `json:"content"`
}

// ClaudeTool is Anthropic's tool schema shape.
type ClaudeTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// ClaudeRequest is the wire shape POSTed to a Claude Messages endpoint.
type ClaudeRequest struct {
	Model         string          `json:"model"`
	System        json.RawMessage `json:"system,omitempty"`
	Messages      []ClaudeMessage `json:"messages"`
	MaxTokens     int             `json:"max_tokens"`
	Temperature   float32         `json:"temperature,omitempty"`
	TopP          float32         `json:"top_p,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Tools         []ClaudeTool    `json:"tools,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
}

// ResponsesRequest is the wire shape POSTed to an OpenAI Responses endpoint.
type ResponsesRequest struct {
	Model              string          `json:"model"`
	Input              []ResponsesItem `json:"input"`
	Instructions       string          `json:"instructions,omitempty"`
	MaxOutputTokens    int             `json:"max_output_tokens,omitempty"`
	Temperature        float32         `json:"temperature,omitempty"`
	TopP               float32         `json:"top_p,omitempty"`
	PreviousResponseID string          `json:"previous_response_id,omitempty"`
	Stream             bool            `json:"stream,omitempty"`
}

// ResponsesItem is one entry of a Responses API `input` array.
type ResponsesItem struct {
	Role    string              `json:"role"`
	Content []ResponsesContent  `json:"content,omitempty"`
}

// ResponsesContent is one content part of a Responses input/output item.
type ResponsesContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ToClaudeRequest converts a canonical ChatRequest (OpenAI chat.completions
// shape) into an Anthropic Messages request per spec §4.6: system messages
// are extracted into `system`, remaining messages become role/content
// blocks, tools are renamed into input_schema, and stop/max_tokens fields
// are renamed.
func ToClaudeRequest(req *llm.ChatRequest) *ClaudeRequest {
	out := &ClaudeRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
	}
	if out.MaxTokens <= 0 {
		out.MaxTokens = 4096
	}
	if len(req.Stop) > 0 {
		out.StopSequences = req.Stop
	}

	var systemParts []string
	for _, m := range req.Messages {
		if m.Role == llm.RoleSystem {
			systemParts = append(systemParts, m.Content)
			continue
		}
		out.Messages = append(out.Messages, toClaudeMessage(m))
	}
	if len(systemParts) > 0 {
		sysJSON, _ := json.Marshal(strings.Join(systemParts, "\n\n"))
		out.System = sysJSON
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, ClaudeTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}

	return out
}

func toClaudeMessage(m llm.Message) ClaudeMessage {
	role := string(m.Role)
	if m.Role == llm.RoleTool {
		return ClaudeMessage{
			Role: "user",
			Content: []ClaudeContentBlock{{
				Type:      "tool_result",
				ToolUseID: m.ToolCallID,
				Content:   m.Content,
			}},
		}
	}

	blocks := make([]ClaudeContentBlock, 0, 1+len(m.ToolCalls))
	if m.Content != "" {
		blocks = append(blocks, ClaudeContentBlock{Type: "text", Text: m.Content})
	}
	for _, tc := range m.ToolCalls {
		blocks = append(blocks, ClaudeContentBlock{
			Type:  "tool_use",
			ID:    tc.ID,
			Name:  tc.Name,
			Input: tc.Arguments,
		})
	}
	return ClaudeMessage{Role: role, Content: blocks}
}

// FromClaudeRequest converts an inbound Claude Messages request back to the
// canonical shape, for providers reached through an OpenAI-style endpoint
// that a Claude-speaking client is calling.
func FromClaudeRequest(req *ClaudeRequest) *llm.ChatRequest {
	out := &llm.ChatRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.StopSequences,
	}

	if len(req.System) > 0 {
		var sys string
		if json.Unmarshal(req.System, &sys) == nil && sys != "" {
			out.Messages = append(out.Messages, llm.NewSystemMessage(sys))
		}
	}

	for _, m := range req.Messages {
		out.Messages = append(out.Messages, fromClaudeMessage(m))
	}

	return out
}

func fromClaudeMessage(m ClaudeMessage) llm.Message {
	var textParts []string
	var toolCalls []llm.ToolCall
	for _, b := range m.Content {
		switch b.Type {
		case "text":
			textParts = append(textParts, b.Text)
		case "tool_use":
			toolCalls = append(toolCalls, llm.ToolCall{ID: b.ID, Name: b.Name, Arguments: b.Input})
		case "tool_result":
			return llm.NewToolMessage(b.ToolUseID, "", b.Content)
		}
	}
	out := llm.Message{Role: llm.Role(m.Role), Content: strings.Join(textParts, "\n")}
	if len(toolCalls) > 0 {
		out.ToolCalls = toolCalls
	}
	return out
}

// ToResponsesRequest converts a canonical ChatRequest into a Responses API
// request: system/developer messages fold into `instructions`, remaining
// messages become `input` items.
func ToResponsesRequest(req *llm.ChatRequest) *ResponsesRequest {
	out := &ResponsesRequest{
		Model:              req.Model,
		MaxOutputTokens:    req.MaxTokens,
		Temperature:        req.Temperature,
		TopP:               req.TopP,
		PreviousResponseID: req.PreviousResponseID,
	}

	var instructions []string
	for _, m := range req.Messages {
		if m.Role == llm.RoleSystem {
			instructions = append(instructions, m.Content)
			continue
		}
		out.Input = append(out.Input, ResponsesItem{
			Role:    string(m.Role),
			Content: []ResponsesContent{{Type: "input_text", Text: m.Content}},
		})
	}
	out.Instructions = strings.Join(instructions, "\n\n")

	return out
}

// FromResponsesRequest is the inverse of ToResponsesRequest.
func FromResponsesRequest(req *ResponsesRequest) *llm.ChatRequest {
	out := &llm.ChatRequest{Model: req.Model, MaxTokens: req.MaxOutputTokens, Temperature: req.Temperature, TopP: req.TopP}
	if req.Instructions != "" {
		out.Messages = append(out.Messages, llm.NewSystemMessage(req.Instructions))
	}
	for _, item := range req.Input {
		var parts []string
		for _, c := range item.Content {
			parts = append(parts, c.Text)
		}
		out.Messages = append(out.Messages, llm.Message{Role: llm.Role(item.Role), Content: strings.Join(parts, "\n")})
	}
	return out
}

// AdaptRequestBody converts req from its client-declared style into the
// wire body bytes expected by an upstream speaking `target`.
func AdaptRequestBody(req *llm.ChatRequest, target routing.APIStyle) ([]byte, error) {
	switch target {
	case routing.StyleClaude:
		return json.Marshal(ToClaudeRequest(req))
	case routing.StyleResponses:
		return json.Marshal(ToResponsesRequest(req))
	default:
		return json.Marshal(req)
	}
}
