package agent

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/wardenlabs/warden/internal/providers"
	"github.com/wardenlabs/warden/internal/sanitize"
)

// Correlation identifies one handleMessage call in logs, spans and events.
type Correlation struct {
	ID      string
	UserID  string
	Channel string
}

type corrKey struct{}

func withCorrelation(ctx context.Context, c Correlation) context.Context {
	return context.WithValue(ctx, corrKey{}, c)
}

// CorrelationFrom returns the turn's correlation, zero outside a turn.
func CorrelationFrom(ctx context.Context) Correlation {
	c, _ := ctx.Value(corrKey{}).(Correlation)
	return c
}

func tracer() trace.Tracer { return otel.Tracer("warden/agent") }

type toolSpan = trace.Span

func startTurnSpan(ctx context.Context, req Request, corrID string) (context.Context, trace.Span) {
	return tracer().Start(ctx, "agent.turn", trace.WithAttributes(
		attribute.String("warden.correlation_id", corrID),
		attribute.String("warden.user_id", req.UserID),
		attribute.String("warden.channel", req.Channel),
		attribute.Int("warden.message_chars", len(req.Message)),
	))
}

func startLLMSpan(ctx context.Context, route providers.Route, messageCount int) (context.Context, trace.Span) {
	return tracer().Start(ctx, "llm.chat", trace.WithAttributes(
		attribute.String("llm.provider", route.Provider.Name()),
		attribute.String("llm.model", route.Model),
		attribute.Int("llm.messages", messageCount),
	))
}

func endLLMSpan(span trace.Span, resp *providers.ChatResponse, err error) {
	defer span.End()
	if err != nil {
		recordSpanError(span, err)
		return
	}
	span.SetAttributes(
		attribute.String("llm.stop_reason", resp.StopReason),
		attribute.Int64("llm.input_tokens", resp.Usage.InputTokens),
		attribute.Int64("llm.output_tokens", resp.Usage.OutputTokens),
		attribute.Int("llm.tool_calls", len(resp.ToolCalls)),
	)
	span.SetStatus(codes.Ok, "")
}

func startToolSpan(ctx context.Context, call providers.ToolCall) (context.Context, trace.Span) {
	return tracer().Start(ctx, "tool.exec", trace.WithAttributes(
		attribute.String("tool.name", call.Name),
		attribute.String("tool.call_id", call.ID),
	))
}

func recordToolSpanResult(span trace.Span, isError bool) {
	span.SetAttributes(attribute.Bool("tool.is_error", isError))
	if isError {
		span.SetStatus(codes.Error, "tool returned error result")
		return
	}
	span.SetStatus(codes.Ok, "")
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, sanitize.RedactError(err))
}
