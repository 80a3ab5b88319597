package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	sdkanthropic "github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/openai/openai-go/v3"
	openaioption "github.com/openai/openai-go/v3/option"
	"google.golang.org/genai"

	"github.com/BaSui01/agentflow/llm"
	"github.com/BaSui01/agentflow/llm/classify"
)

// SDKTransport dispatches through a vendor's official Go SDK instead of a
// raw HTTP POST, per spec §4.4's driver registry
// (sdk_vendor -> {generate_content, stream_content}). Grounded on the
// pack's SDK client construction (sclaw's anthropic module,
// openrouter/reefline's openai-go usage): NewClient + option.WithAPIKey/
// WithBaseURL, then the vendor-native request/response shapes.
type SDKTransport struct {
	Vendor    string
	APIKey    string
	BaseURL   string
}

func NewSDKTransport(vendor, apiKey, baseURL string) *SDKTransport {
	return &SDKTransport{Vendor: vendor, APIKey: apiKey, BaseURL: baseURL}
}

// Execute ignores req.Body's raw bytes (already-adapted wire payload) and
// instead expects req.Body to carry a JSON-encoded llm.ChatRequest, which
// each driver converts to its SDK's native params — avoiding a second,
// redundant wire-format adaptation on top of the one the SDK already does
// internally.
func (t *SDKTransport) Execute(ctx context.Context, req Request, apiKey string) (Result, error) {
	var chatReq llm.ChatRequest
	if err := json.Unmarshal(req.Body, &chatReq); err != nil {
		return Result{Success: false, ErrorText: err.Error()}, err
	}
	if apiKey != "" {
		t.APIKey = apiKey
	}

	start := time.Now()
	var (
		resp *llm.ChatResponse
		err  error
	)

	switch t.Vendor {
	case "anthropic":
		resp, err = t.executeAnthropic(ctx, &chatReq)
	case "openai":
		resp, err = t.executeOpenAI(ctx, &chatReq)
	case "gemini", "genai":
		resp, err = t.executeGenai(ctx, &chatReq)
	default:
		return Result{Success: false, ErrorText: fmt.Sprintf("unknown sdk_vendor %q", t.Vendor)}, fmt.Errorf("unknown sdk_vendor %q", t.Vendor)
	}

	latency := time.Since(start)
	if err != nil {
		verdict := classify.Classify(0, err.Error(), nil)
		return FromClassification(0, nil, err.Error(), verdict, latency), nil
	}

	body, _ := json.Marshal(resp)
	return Result{Success: true, Body: body, StatusCode: 200, Latency: latency}, nil
}

func (t *SDKTransport) executeAnthropic(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	opts := []anthropicoption.RequestOption{anthropicoption.WithAPIKey(t.APIKey)}
	if t.BaseURL != "" {
		opts = append(opts, anthropicoption.WithBaseURL(t.BaseURL))
	}
	client := sdkanthropic.NewClient(opts...)

	var system []sdkanthropic.TextBlockParam
	var messages []sdkanthropic.MessageParam
	for _, m := range req.Messages {
		switch m.Role {
		case llm.RoleSystem:
			system = append(system, sdkanthropic.TextBlockParam{Text: m.Content})
		case llm.RoleAssistant:
			messages = append(messages, sdkanthropic.NewAssistantMessage(sdkanthropic.NewTextBlock(m.Content)))
		default:
			messages = append(messages, sdkanthropic.NewUserMessage(sdkanthropic.NewTextBlock(m.Content)))
		}
	}

	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := sdkanthropic.MessageNewParams{
		Model:     sdkanthropic.Model(req.Model),
		Messages:  messages,
		System:    system,
		MaxTokens: maxTokens,
	}
	if req.Temperature > 0 {
		params.Temperature = sdkanthropic.Float(float64(req.Temperature))
	}

	msg, err := client.Messages.New(ctx, params)
	if err != nil {
		return nil, err
	}

	var text string
	var toolCalls []llm.ToolCall
	for _, block := range msg.Content {
		switch v := block.AsAny().(type) {
		case sdkanthropic.TextBlock:
			text += v.Text
		case sdkanthropic.ToolUseBlock:
			input, _ := json.Marshal(v.Input)
			toolCalls = append(toolCalls, llm.ToolCall{ID: v.ID, Name: v.Name, Arguments: input})
		}
	}

	return &llm.ChatResponse{
		ID:    msg.ID,
		Model: string(msg.Model),
		Choices: []llm.ChatChoice{{
			Message: llm.Message{Role: llm.RoleAssistant, Content: text, ToolCalls: toolCalls},
		}},
		Usage: llm.ChatUsage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
			TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
		CreatedAt: time.Now(),
	}, nil
}

func (t *SDKTransport) executeOpenAI(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	opts := []openaioption.RequestOption{openaioption.WithAPIKey(t.APIKey)}
	if t.BaseURL != "" {
		opts = append(opts, openaioption.WithBaseURL(t.BaseURL))
	}
	client := openai.NewClient(opts...)

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case llm.RoleSystem:
			messages = append(messages, openai.SystemMessage(m.Content))
		case llm.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(m.Content))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}

	params := openai.ChatCompletionNewParams{Model: req.Model, Messages: messages}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(float64(req.Temperature))
	}
	if req.TopP > 0 {
		params.TopP = openai.Float(float64(req.TopP))
	}

	completion, err := client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, err
	}

	content := ""
	finish := ""
	if len(completion.Choices) > 0 {
		content = completion.Choices[0].Message.Content
		finish = completion.Choices[0].FinishReason
	}

	return &llm.ChatResponse{
		ID:    completion.ID,
		Model: completion.Model,
		Choices: []llm.ChatChoice{{
			FinishReason: finish,
			Message:      llm.Message{Role: llm.RoleAssistant, Content: content},
		}},
		Usage: llm.ChatUsage{
			PromptTokens:     int(completion.Usage.PromptTokens),
			CompletionTokens: int(completion.Usage.CompletionTokens),
			TotalTokens:      int(completion.Usage.TotalTokens),
		},
		CreatedAt: time.Now(),
	}, nil
}

func (t *SDKTransport) executeGenai(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: t.APIKey, Backend: genai.BackendGeminiAPI})
	if err != nil {
		return nil, err
	}

	var contents []*genai.Content
	var systemParts []string
	for _, m := range req.Messages {
		if m.Role == llm.RoleSystem {
			systemParts = append(systemParts, m.Content)
			continue
		}
		role := "user"
		if m.Role == llm.RoleAssistant {
			role = "model"
		}
		contents = append(contents, &genai.Content{Role: role, Parts: []*genai.Part{{Text: m.Content}}})
	}

	cfg := &genai.GenerateContentConfig{}
	if len(systemParts) > 0 {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: systemParts[0]}}}
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.Temperature > 0 {
		temp := req.Temperature
		cfg.Temperature = &temp
	}

	result, err := client.Models.GenerateContent(ctx, req.Model, contents, cfg)
	if err != nil {
		return nil, err
	}

	text := result.Text()
	var usage llm.ChatUsage
	if result.UsageMetadata != nil {
		usage = llm.ChatUsage{
			PromptTokens:     int(result.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(result.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(result.UsageMetadata.TotalTokenCount),
		}
	}

	return &llm.ChatResponse{
		Model: req.Model,
		Choices: []llm.ChatChoice{{
			Message: llm.Message{Role: llm.RoleAssistant, Content: text},
		}},
		Usage:     usage,
		CreatedAt: time.Now(),
	}, nil
}
