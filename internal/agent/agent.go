// Package agent holds the orchestrator: the per-message tool-use loop that
// routes user messages to an LLM provider, executes requested tool calls
// through the skill registry, and enforces the platform's safety gates
// (confirmations, length caps, action budgets, tier escalation).
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/wardenlabs/warden/internal/bus"
	"github.com/wardenlabs/warden/internal/confirm"
	"github.com/wardenlabs/warden/internal/providers"
	"github.com/wardenlabs/warden/internal/sanitize"
	"github.com/wardenlabs/warden/internal/sessions"
	"github.com/wardenlabs/warden/internal/skills"
)

// Request is one inbound user message.
type Request struct {
	UserID  string
	Message string
	Channel string
	// Attachments are paths to files the user sent with the message.
	Attachments []string
	// WorkingDir, when set, is surfaced to the model so path-taking tools
	// resolve relative paths against it.
	WorkingDir string
}

// Reply is the orchestrator's answer to one message.
type Reply struct {
	Text string `json:"text"`
	// Files are paths extracted from tool result envelopes this turn.
	Files []string `json:"files,omitempty"`
	// PendingConfirmation is set when at least one requested action is
	// waiting for a "confirm <token>" reply.
	PendingConfirmation bool `json:"pendingConfirmation,omitempty"`
}

// Memory is the optional long-term memory collaborator. Retrieve feeds a
// snippet into the system prompt; Ingest runs fire-and-forget after each
// substantial user message.
type Memory interface {
	Retrieve(ctx context.Context, userID, query string) (string, error)
	Ingest(ctx context.Context, userID, channel, message string) error
}

// ErrorSink aggregates tool failures for pattern detection. Record must
// return quickly; the orchestrator never blocks on it.
type ErrorSink interface {
	RecordToolError(toolName string, err error)
}

// Config tunes the per-turn safety gates.
type Config struct {
	// MaxMessageChars rejects longer user messages before any LLM call.
	MaxMessageChars int
	// MaxTokens is the output budget for each LLM call.
	MaxTokens int
	// MaxToolCallsPerTurn bounds tool executions within one handleMessage.
	MaxToolCallsPerTurn int
	// ToolTimeout bounds each individual tool execution.
	ToolTimeout time.Duration
	// HeavyToolHints lists tool names that indicate heavy work, used both
	// to classify incoming messages and to escalate light-tier turns.
	HeavyToolHints []string
	// SensitiveToolPolicy set to "always_confirm" gates sensitive tools
	// behind confirmation even when their tier would not require it.
	SensitiveToolPolicy string
	// ContextNotes, CodeGuidance and FewShotExamples are optional system
	// prompt sections supplied by the embedding application.
	ContextNotes    string
	CodeGuidance    string
	FewShotExamples string
}

// DefaultConfig returns the gate values the platform ships with.
func DefaultConfig() Config {
	return Config{
		MaxMessageChars:     4000,
		MaxTokens:           4096,
		MaxToolCallsPerTurn: 10,
		ToolTimeout:         30 * time.Second,
		HeavyToolHints: []string{
			"subagent_spawn", "subagent_delegate", "web_search",
			"browser_navigate", "code_exec",
		},
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxMessageChars <= 0 {
		c.MaxMessageChars = d.MaxMessageChars
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = d.MaxTokens
	}
	if c.MaxToolCallsPerTurn <= 0 {
		c.MaxToolCallsPerTurn = d.MaxToolCallsPerTurn
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = d.ToolTimeout
	}
	if c.HeavyToolHints == nil {
		c.HeavyToolHints = d.HeavyToolHints
	}
	return c
}

// Orchestrator drives the conversation loop for every user message.
type Orchestrator struct {
	cfg       Config
	providers *providers.Manager
	registry  *skills.Registry
	store     *sessions.Store
	confirms  *confirm.Manager
	publisher bus.Publisher
	memory    Memory    // may be nil
	errSink   ErrorSink // may be nil
}

// New wires an orchestrator. memory and errSink may be nil.
func New(cfg Config, pm *providers.Manager, registry *skills.Registry, store *sessions.Store,
	confirms *confirm.Manager, publisher bus.Publisher, memory Memory, errSink ErrorSink) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg.withDefaults(),
		providers: pm,
		registry:  registry,
		store:     store,
		confirms:  confirms,
		publisher: publisher,
		memory:    memory,
		errSink:   errSink,
	}
}

// apologyText is the user-safe response when the inner logic fails. Never
// include error detail here; the raw error goes to the log and the event bus.
const apologyText = "Something went wrong while handling that message. Please try again."

// HandleMessage is the single entry point for user messages. It never
// returns an error to the caller except the all-providers-unavailable
// sentinel; everything else is converted to a user-safe reply and reported
// on the event bus.
func (o *Orchestrator) HandleMessage(ctx context.Context, req Request) (*Reply, error) {
	corrID := uuid.NewString()
	ctx = withCorrelation(ctx, Correlation{ID: corrID, UserID: req.UserID, Channel: req.Channel})
	ctx, span := startTurnSpan(ctx, req, corrID)
	defer span.End()

	reply, err := o.safeHandle(ctx, req)
	if err != nil {
		recordSpanError(span, err)
		if errors.Is(err, providers.ErrAllProvidersUnavailable) {
			return nil, err
		}
		slog.Error("message handling failed",
			"corr", corrID, "user", req.UserID, "channel", req.Channel,
			"error", sanitize.RedactError(err))
		o.publishSystemError(req, corrID, err)
		return &Reply{Text: apologyText}, nil
	}
	return reply, nil
}

// safeHandle converts panics from skills or providers into errors so the
// boundary above can report them instead of killing the process.
func (o *Orchestrator) safeHandle(ctx context.Context, req Request) (reply *Reply, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return o.handle(ctx, req)
}

func (o *Orchestrator) publishSystemError(req Request, corrID string, err error) {
	if o.publisher == nil {
		return
	}
	o.publisher.Publish(bus.Event{
		Type:        bus.EventSystemError,
		Timestamp:   time.Now(),
		SourceSkill: "orchestrator",
		Severity:    bus.SeverityHigh,
		Payload: map[string]any{
			"correlationId": corrID,
			"userId":        req.UserID,
			"channel":       req.Channel,
			"error":         sanitize.RedactError(err),
		},
	})
}

func (o *Orchestrator) recordToolError(toolName string, err error) {
	if o.errSink == nil {
		return
	}
	o.errSink.RecordToolError(toolName, err)
}
