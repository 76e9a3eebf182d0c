// Package providertest provides a scripted in-memory provider for tests.
package providertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/wardenlabs/warden/internal/providers"
)

// Step produces the response for one Chat call.
type Step func(req providers.ChatRequest) (*providers.ChatResponse, error)

// Respond returns a plain-text end_turn response.
func Respond(text string) Step {
	return func(providers.ChatRequest) (*providers.ChatResponse, error) {
		return &providers.ChatResponse{
			Text:       text,
			StopReason: providers.StopEndTurn,
			Usage:      providers.Usage{InputTokens: 10, OutputTokens: 5},
		}, nil
	}
}

// RespondToolUse returns a response requesting the given tool calls.
func RespondToolUse(calls ...providers.ToolCall) Step {
	return func(providers.ChatRequest) (*providers.ChatResponse, error) {
		return &providers.ChatResponse{
			ToolCalls:  calls,
			StopReason: providers.StopToolUse,
			Usage:      providers.Usage{InputTokens: 10, OutputTokens: 5},
		}, nil
	}
}

// RespondTruncated returns a max_tokens-cut text response.
func RespondTruncated(text string) Step {
	return func(providers.ChatRequest) (*providers.ChatResponse, error) {
		return &providers.ChatResponse{
			Text:       text,
			StopReason: providers.StopMaxTokens,
			Usage:      providers.Usage{InputTokens: 10, OutputTokens: 5},
		}, nil
	}
}

// Fail returns err from the Chat call.
func Fail(err error) Step {
	return func(providers.ChatRequest) (*providers.ChatResponse, error) {
		return nil, err
	}
}

// Scripted replays a fixed sequence of steps and records every request it
// sees. Chat returns an error once the script is exhausted, so a test that
// triggers more calls than it scripted fails loudly.
type Scripted struct {
	ProviderName string
	Model        string
	ToolSupport  providers.ToolSupport

	mu    sync.Mutex
	steps []Step
	calls []providers.ChatRequest
}

// NewScripted builds a provider named "scripted" with the given steps.
func NewScripted(steps ...Step) *Scripted {
	return &Scripted{
		ProviderName: "scripted",
		Model:        "scripted-small",
		ToolSupport:  providers.ToolsSupported,
		steps:        steps,
	}
}

func (s *Scripted) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.calls = append(s.calls, req)
	if len(s.steps) == 0 {
		n := len(s.calls)
		s.mu.Unlock()
		return nil, fmt.Errorf("scripted provider exhausted after %d calls", n-1)
	}
	step := s.steps[0]
	s.steps = s.steps[1:]
	s.mu.Unlock()

	resp, err := step(req)
	if resp != nil {
		if resp.Model == "" {
			resp.Model = s.Model
		}
		if resp.Provider == "" {
			resp.Provider = s.ProviderName
		}
	}
	return resp, err
}

func (s *Scripted) DefaultModel() string { return s.Model }
func (s *Scripted) Name() string         { return s.ProviderName }

func (s *Scripted) Capabilities() providers.Capabilities {
	return providers.Capabilities{Tools: s.ToolSupport}
}

// Append adds steps to the end of the script.
func (s *Scripted) Append(steps ...Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, steps...)
}

// Calls returns a copy of every request received so far.
func (s *Scripted) Calls() []providers.ChatRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]providers.ChatRequest, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallCount reports how many Chat calls have been made.
func (s *Scripted) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// Remaining reports how many scripted steps are left unconsumed.
func (s *Scripted) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.steps)
}
