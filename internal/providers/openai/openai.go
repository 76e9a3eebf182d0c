// Package openai implements the provider contract on top of the OpenAI chat
// completions API using github.com/openai/openai-go.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	sdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"github.com/wardenlabs/warden/internal/providers"
)

const (
	// DefaultModel is used when neither the request nor the config names one.
	DefaultModel = "gpt-4o"

	defaultRequestTimeout = 120 * time.Second
)

// Config holds connection settings.
type Config struct {
	APIKey  string
	BaseURL string // empty means the public API
	Model   string // default model; empty means DefaultModel
}

// Provider calls the OpenAI chat completions API.
type Provider struct {
	client *sdk.Client
	model  string
}

func New(cfg Config) *Provider {
	opts := []option.RequestOption{
		option.WithHTTPClient(&http.Client{Timeout: defaultRequestTimeout}),
		option.WithMaxRetries(2),
	}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	client := sdk.NewClient(opts...)
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	return &Provider{client: &client, model: model}
}

func (p *Provider) Name() string         { return "openai" }
func (p *Provider) DefaultModel() string { return p.model }

func (p *Provider) Capabilities() providers.Capabilities {
	return providers.Capabilities{Tools: providers.ToolsModelDependent}
}

// ModelSupportsTools reports tool support for model. Instruct and legacy
// base models only speak the completions API and cannot take tool
// definitions.
func (p *Provider) ModelSupportsTools(model string) bool {
	m := strings.ToLower(model)
	if strings.Contains(m, "-instruct") {
		return false
	}
	return !strings.HasPrefix(m, "babbage") && !strings.HasPrefix(m, "davinci")
}

func (p *Provider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	params := sdk.ChatCompletionNewParams{
		Model:    model,
		Messages: buildMessages(req),
	}
	if len(req.Tools) > 0 {
		params.Tools = buildTools(req.Tools)
		params.ToolChoice.OfAuto = sdk.String(string(sdk.ChatCompletionToolChoiceOptionAutoAuto))
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = sdk.Opt(int64(req.MaxTokens))
	}
	if req.Temperature != nil {
		params.Temperature = sdk.Opt(*req.Temperature)
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *sdk.Error
		if errors.As(err, &apiErr) {
			return nil, fmt.Errorf("openai chat call (status=%d): %s",
				apiErr.StatusCode, strings.TrimSpace(apiErr.Message))
		}
		return nil, fmt.Errorf("openai chat call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai chat call: response has no choices")
	}

	choice := resp.Choices[0]
	toolCalls := parseToolCalls(choice.Message.ToolCalls)

	stop := providers.StopEndTurn
	switch {
	case choice.FinishReason == "tool_calls" || len(toolCalls) > 0:
		stop = providers.StopToolUse
	case choice.FinishReason == "length":
		stop = providers.StopMaxTokens
	}

	return &providers.ChatResponse{
		Text:       choice.Message.Content,
		ToolCalls:  toolCalls,
		StopReason: stop,
		Usage: providers.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
		Model:    resp.Model,
		Provider: "openai",
	}, nil
}

func buildMessages(req providers.ChatRequest) []sdk.ChatCompletionMessageParamUnion {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		out = append(out, sdk.SystemMessage(req.System))
	}
	for _, msg := range req.Messages {
		switch msg.Role {
		case providers.RoleAssistant:
			out = append(out, buildAssistantMessage(msg))
		default:
			if len(msg.Blocks) == 0 {
				if len(msg.Images) > 0 {
					out = append(out, buildUserImageMessage(msg))
					continue
				}
				out = append(out, sdk.UserMessage(msg.Content))
				continue
			}
			// Tool results ride as dedicated tool-role messages; text blocks
			// stay user messages.
			for _, b := range msg.Blocks {
				switch b.Type {
				case "tool_result":
					out = append(out, sdk.ToolMessage(b.Content, b.ToolUseID))
				case "text":
					out = append(out, sdk.UserMessage(b.Text))
				}
			}
		}
	}
	return out
}

func buildAssistantMessage(msg providers.Message) sdk.ChatCompletionMessageParamUnion {
	if len(msg.Blocks) == 0 {
		return sdk.AssistantMessage(msg.Content)
	}

	assistant := sdk.ChatCompletionAssistantMessageParam{}
	var text strings.Builder
	for _, b := range msg.Blocks {
		switch b.Type {
		case "text":
			text.WriteString(b.Text)
		case "tool_use":
			args := "{}"
			if len(b.Input) > 0 {
				if raw, err := json.Marshal(b.Input); err == nil {
					args = string(raw)
				}
			}
			assistant.ToolCalls = append(assistant.ToolCalls, sdk.ChatCompletionMessageToolCallUnionParam{
				OfFunction: &sdk.ChatCompletionMessageFunctionToolCallParam{
					ID: b.ID,
					Function: sdk.ChatCompletionMessageFunctionToolCallFunctionParam{
						Name:      b.Name,
						Arguments: args,
					},
				},
			})
		}
	}
	if text.Len() > 0 {
		assistant.Content.OfString = sdk.String(text.String())
	}
	return sdk.ChatCompletionMessageParamUnion{OfAssistant: &assistant}
}

func buildUserImageMessage(msg providers.Message) sdk.ChatCompletionMessageParamUnion {
	parts := make([]sdk.ChatCompletionContentPartUnionParam, 0, len(msg.Images)+1)
	if msg.Content != "" {
		parts = append(parts, sdk.TextContentPart(msg.Content))
	}
	for _, img := range msg.Images {
		parts = append(parts, sdk.ImageContentPart(sdk.ChatCompletionContentPartImageImageURLParam{
			URL: fmt.Sprintf("data:%s;base64,%s", img.MimeType, img.Data),
		}))
	}
	return sdk.UserMessage(parts)
}

func buildTools(tools []providers.ToolDefinition) []sdk.ChatCompletionToolUnionParam {
	out := make([]sdk.ChatCompletionToolUnionParam, 0, len(tools))
	for _, t := range tools {
		fn := shared.FunctionDefinitionParam{
			Name:       t.Name,
			Parameters: shared.FunctionParameters(t.InputSchema),
		}
		if t.Description != "" {
			fn.Description = sdk.String(t.Description)
		}
		out = append(out, sdk.ChatCompletionFunctionTool(fn))
	}
	return out
}

func parseToolCalls(calls []sdk.ChatCompletionMessageToolCallUnion) []providers.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]providers.ToolCall, 0, len(calls))
	for _, call := range calls {
		fn, ok := call.AsAny().(sdk.ChatCompletionMessageFunctionToolCall)
		if !ok {
			continue
		}
		input := map[string]any{}
		if raw := strings.TrimSpace(fn.Function.Arguments); raw != "" {
			if err := json.Unmarshal([]byte(raw), &input); err != nil {
				slog.Warn("openai: undecodable tool arguments",
					"tool", fn.Function.Name, "error", err)
				input = map[string]any{"raw": raw}
			}
		}
		out = append(out, providers.ToolCall{
			ID:    fn.ID,
			Name:  fn.Function.Name,
			Input: input,
		})
	}
	return out
}
