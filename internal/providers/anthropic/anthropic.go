// Package anthropic implements the provider contract on top of the Anthropic
// Messages API using github.com/anthropics/anthropic-sdk-go.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/wardenlabs/warden/internal/providers"
)

const (
	// DefaultModel is used when neither the request nor the config names one.
	DefaultModel = "claude-sonnet-4-5"

	defaultMaxTokens = 4096
)

// MessagesService is the slice of the SDK client the provider calls. It is
// satisfied by *sdk.MessageService; tests substitute a fake.
type MessagesService interface {
	New(ctx context.Context, params sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Config holds connection settings.
type Config struct {
	APIKey  string
	BaseURL string // empty means the public API
	Model   string // default model; empty means DefaultModel
}

// Provider calls the Anthropic Messages API.
type Provider struct {
	svc   MessagesService
	model string
}

// New builds a Provider from config. Retries on transient HTTP failures are
// delegated to the SDK.
func New(cfg Config) *Provider {
	opts := []option.RequestOption{option.WithMaxRetries(2)}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	client := sdk.NewClient(opts...)
	return NewWithService(&client.Messages, cfg.Model)
}

// NewWithService builds a Provider around an existing Messages service.
func NewWithService(svc MessagesService, model string) *Provider {
	if model == "" {
		model = DefaultModel
	}
	return &Provider{svc: svc, model: model}
}

func (p *Provider) Name() string         { return "anthropic" }
func (p *Provider) DefaultModel() string { return p.model }

func (p *Provider) Capabilities() providers.Capabilities {
	return providers.Capabilities{Tools: providers.ToolsSupported}
}

func (p *Provider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	params := buildParams(req, p.model)
	resp, err := p.svc.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic messages call: %w", err)
	}
	return parseResponse(resp), nil
}

func buildParams(req providers.ChatRequest, fallbackModel string) sdk.MessageNewParams {
	model := req.Model
	if model == "" {
		model = fallbackModel
	}
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: maxTokens,
		Messages:  buildMessages(req.Messages),
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature != nil {
		params.Temperature = sdk.Float(*req.Temperature)
	}
	if len(req.Tools) > 0 {
		params.Tools = buildTools(req.Tools)
	}
	return params
}

func buildMessages(messages []providers.Message) []sdk.MessageParam {
	out := make([]sdk.MessageParam, 0, len(messages))
	for _, msg := range messages {
		var blocks []sdk.ContentBlockParamUnion
		if len(msg.Blocks) > 0 {
			blocks = buildBlocks(msg.Blocks)
		} else {
			blocks = []sdk.ContentBlockParamUnion{sdk.NewTextBlock(msg.Content)}
		}
		switch msg.Role {
		case providers.RoleAssistant:
			out = append(out, sdk.NewAssistantMessage(blocks...))
		default:
			for _, img := range msg.Images {
				blocks = append(blocks, sdk.NewImageBlock(sdk.Base64ImageSourceParam{
					MediaType: imageMediaType(img.MimeType),
					Data:      img.Data,
				}))
			}
			out = append(out, sdk.NewUserMessage(blocks...))
		}
	}
	return out
}

func imageMediaType(mime string) sdk.Base64ImageSourceMediaType {
	switch mime {
	case "image/png":
		return sdk.Base64ImageSourceMediaTypeImagePNG
	case "image/gif":
		return sdk.Base64ImageSourceMediaTypeImageGIF
	case "image/webp":
		return sdk.Base64ImageSourceMediaTypeImageWebP
	default:
		return sdk.Base64ImageSourceMediaTypeImageJPEG
	}
}

func buildBlocks(blocks []providers.ContentBlock) []sdk.ContentBlockParamUnion {
	out := make([]sdk.ContentBlockParamUnion, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case "text":
			out = append(out, sdk.NewTextBlock(b.Text))
		case "tool_use":
			input := b.Input
			if input == nil {
				input = map[string]any{}
			}
			out = append(out, sdk.NewToolUseBlock(b.ID, input, b.Name))
		case "tool_result":
			out = append(out, sdk.NewToolResultBlock(b.ToolUseID, b.Content, b.IsError))
		}
	}
	return out
}

func buildTools(tools []providers.ToolDefinition) []sdk.ToolUnionParam {
	out := make([]sdk.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		tool := sdk.ToolParam{
			Name: t.Name,
			InputSchema: sdk.ToolInputSchemaParam{
				Properties: t.InputSchema["properties"],
			},
		}
		if t.Description != "" {
			tool.Description = sdk.String(t.Description)
		}
		if req, ok := t.InputSchema["required"].([]any); ok {
			required := make([]string, 0, len(req))
			for _, r := range req {
				if s, ok := r.(string); ok {
					required = append(required, s)
				}
			}
			tool.InputSchema.Required = required
		}
		out = append(out, sdk.ToolUnionParam{OfTool: &tool})
	}
	return out
}

func parseResponse(resp *sdk.Message) *providers.ChatResponse {
	var text strings.Builder
	var toolCalls []providers.ToolCall

	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			var input map[string]any
			if err := json.Unmarshal(block.Input, &input); err != nil {
				slog.Warn("anthropic: undecodable tool input",
					"tool", block.Name, "error", err)
				input = map[string]any{"raw": string(block.Input)}
			}
			toolCalls = append(toolCalls, providers.ToolCall{
				ID:    block.ID,
				Name:  block.Name,
				Input: input,
			})
		}
	}

	stop := providers.StopEndTurn
	switch resp.StopReason {
	case sdk.StopReasonToolUse:
		stop = providers.StopToolUse
	case sdk.StopReasonMaxTokens:
		stop = providers.StopMaxTokens
	}

	return &providers.ChatResponse{
		Text:       text.String(),
		ToolCalls:  toolCalls,
		StopReason: stop,
		Usage: providers.Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
		Model:    string(resp.Model),
		Provider: "anthropic",
	}
}
