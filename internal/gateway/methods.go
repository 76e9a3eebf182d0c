package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/wardenlabs/warden/internal/agent"
	"github.com/wardenlabs/warden/internal/providers"
	"github.com/wardenlabs/warden/internal/scheduler"
	"github.com/wardenlabs/warden/pkg/protocol"
)

type methodHandler func(ctx context.Context, c *Client, params json.RawMessage) (any, *protocol.FrameError)

// MethodRouter maps method names onto handlers. Handlers return either a
// payload or a frame error; Dispatch wraps them into response frames.
type MethodRouter struct {
	srv      *Server
	handlers map[string]methodHandler
}

func NewMethodRouter(s *Server) *MethodRouter {
	r := &MethodRouter{srv: s}
	r.handlers = map[string]methodHandler{
		protocol.MethodChatSend:     r.chatSend,
		protocol.MethodChatAbort:    r.chatAbort,
		protocol.MethodRunsList:     r.runsList,
		protocol.MethodRunsStop:     r.runsStop,
		protocol.MethodTasksList:    r.tasksList,
		protocol.MethodTasksRun:     r.tasksRun,
		protocol.MethodSkillsList:   r.skillsList,
		protocol.MethodHealthSkills: r.healthSkills,
		protocol.MethodStatus:       r.status,
	}
	return r
}

func (r *MethodRouter) Dispatch(ctx context.Context, c *Client, req protocol.RequestFrame) protocol.ResponseFrame {
	h, ok := r.handlers[req.Method]
	if !ok {
		return protocol.Fail(req.ID, protocol.ErrNotFound, fmt.Sprintf("unknown method %q", req.Method))
	}
	payload, ferr := h(ctx, c, req.Params)
	if ferr != nil {
		return protocol.Fail(req.ID, ferr.Code, ferr.Message)
	}
	return protocol.OK(req.ID, payload)
}

func failf(code, format string, args ...any) *protocol.FrameError {
	return &protocol.FrameError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// allowUser enforces the principal allowlist on user-scoped methods. An
// empty allowlist admits everyone.
func (r *MethodRouter) allowUser(user string) *protocol.FrameError {
	if user == "" {
		return failf(protocol.ErrBadRequest, "user is required")
	}
	allowed := r.srv.cfg.GatewaySettings().AllowedUsers
	if len(allowed) == 0 {
		return nil
	}
	for _, a := range allowed {
		if a == user || a == "*" {
			return nil
		}
	}
	return failf(protocol.ErrUnauthorized, "user %q is not allowed", user)
}

func (r *MethodRouter) chatSend(ctx context.Context, _ *Client, params json.RawMessage) (any, *protocol.FrameError) {
	var p protocol.ChatSendParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, failf(protocol.ErrBadRequest, "bad chat.send params: %v", err)
	}
	if ferr := r.allowUser(p.User); ferr != nil {
		return nil, ferr
	}
	if strings.TrimSpace(p.Message) == "" && len(p.Attachments) == 0 {
		return nil, failf(protocol.ErrBadRequest, "message is empty")
	}

	// The turn registers with the abort table so chat.abort (on any
	// connection) can cancel it.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	abortID := r.srv.aborts.add(p.User, cancel)
	defer r.srv.aborts.remove(p.User, abortID)

	channel := p.Channel
	if channel == "" {
		channel = "gateway"
	}

	reply, err := r.srv.agent.HandleMessage(ctx, agent.Request{
		UserID:      p.User,
		Message:     p.Message,
		Channel:     channel,
		Attachments: p.Attachments,
		WorkingDir:  p.WorkingDir,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, failf(protocol.ErrUnavailable, "turn aborted")
		}
		if errors.Is(err, providers.ErrAllProvidersUnavailable) {
			return nil, failf(protocol.ErrUnavailable, "no provider available")
		}
		return nil, failf(protocol.ErrInternal, "chat failed")
	}
	return protocol.ChatSendResult{
		Reply:               reply.Text,
		Files:               reply.Files,
		PendingConfirmation: reply.PendingConfirmation,
	}, nil
}

func (r *MethodRouter) chatAbort(_ context.Context, _ *Client, params json.RawMessage) (any, *protocol.FrameError) {
	var p protocol.ChatAbortParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, failf(protocol.ErrBadRequest, "bad chat.abort params: %v", err)
	}
	if ferr := r.allowUser(p.User); ferr != nil {
		return nil, ferr
	}
	n := r.srv.aborts.abort(p.User)
	return map[string]any{"aborted": n}, nil
}

func (r *MethodRouter) runsList(_ context.Context, _ *Client, params json.RawMessage) (any, *protocol.FrameError) {
	var p protocol.RunsListParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, failf(protocol.ErrBadRequest, "bad runs.list params: %v", err)
	}
	if ferr := r.allowUser(p.User); ferr != nil {
		return nil, ferr
	}
	runs := r.srv.runs.RunsForUser(p.User)
	for i := range runs {
		runs[i].Transcript = nil // listings stay light
	}
	return map[string]any{"runs": runs}, nil
}

func (r *MethodRouter) runsStop(_ context.Context, _ *Client, params json.RawMessage) (any, *protocol.FrameError) {
	var p protocol.RunsStopParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, failf(protocol.ErrBadRequest, "bad runs.stop params: %v", err)
	}
	if ferr := r.allowUser(p.User); ferr != nil {
		return nil, ferr
	}
	if p.RunID == "" {
		return nil, failf(protocol.ErrBadRequest, "run_id is required")
	}
	stopped, err := r.srv.runs.StopRun(p.User, p.RunID)
	if err != nil {
		return nil, failf(protocol.ErrUnauthorized, "run %s belongs to another user", p.RunID)
	}
	if !stopped {
		return nil, failf(protocol.ErrNotFound, "run %s not found or already finished", p.RunID)
	}
	return map[string]any{"stopped": true}, nil
}

func (r *MethodRouter) tasksList(_ context.Context, _ *Client, _ json.RawMessage) (any, *protocol.FrameError) {
	return map[string]any{"tasks": r.srv.tasks.Tasks()}, nil
}

func (r *MethodRouter) tasksRun(ctx context.Context, _ *Client, params json.RawMessage) (any, *protocol.FrameError) {
	var p protocol.TasksRunParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, failf(protocol.ErrBadRequest, "bad tasks.run params: %v", err)
	}
	if p.Name == "" {
		return nil, failf(protocol.ErrBadRequest, "name is required")
	}
	if _, ok := r.srv.tasks.Task(p.Name); !ok {
		return nil, failf(protocol.ErrNotFound, "unknown task %q", p.Name)
	}
	if err := r.srv.tasks.ExecuteTask(ctx, p.Name); err != nil {
		return map[string]any{"result": scheduler.ResultFailure}, nil
	}
	return map[string]any{"result": scheduler.ResultSuccess}, nil
}

func (r *MethodRouter) skillsList(_ context.Context, _ *Client, _ json.RawMessage) (any, *protocol.FrameError) {
	return map[string]any{
		"skills": r.srv.registry.SkillNames(),
		"tools":  r.srv.registry.ToolDefinitions(false),
	}, nil
}

func (r *MethodRouter) healthSkills(_ context.Context, _ *Client, _ json.RawMessage) (any, *protocol.FrameError) {
	snapshot := r.srv.registry.Health().Snapshot()
	out := make(map[string]any, len(snapshot))
	for skill, st := range snapshot {
		entry := map[string]any{
			"state":               string(st.State),
			"consecutiveFailures": st.ConsecutiveFailures,
		}
		if !st.LastFailureAt.IsZero() {
			entry["lastFailureAt"] = st.LastFailureAt
		}
		if st.LastError != "" {
			entry["lastError"] = st.LastError
		}
		out[skill] = entry
	}
	return map[string]any{"skills": out}, nil
}

func (r *MethodRouter) status(_ context.Context, _ *Client, _ json.RawMessage) (any, *protocol.FrameError) {
	return protocol.StatusResult{
		Version:    r.srv.version,
		Protocol:   protocol.ProtocolVersion,
		ConfigHash: r.srv.cfg.Hash(),
		UptimeSec:  int64(time.Since(r.srv.started).Seconds()),
		Clients:    r.srv.ClientCount(),
		Provider:   r.srv.cfg.ProviderSettings().Default,
	}, nil
}

// abortRegistry tracks the cancel functions of in-flight chat turns, keyed
// by user so an abort from any connection reaches the turn.
type abortRegistry struct {
	mu       sync.Mutex
	nextID   uint64
	inFlight map[string]map[uint64]context.CancelFunc
}

func newAbortRegistry() *abortRegistry {
	return &abortRegistry{inFlight: make(map[string]map[uint64]context.CancelFunc)}
}

func (a *abortRegistry) add(user string, cancel context.CancelFunc) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextID++
	m := a.inFlight[user]
	if m == nil {
		m = make(map[uint64]context.CancelFunc)
		a.inFlight[user] = m
	}
	m[a.nextID] = cancel
	return a.nextID
}

func (a *abortRegistry) remove(user string, id uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if m := a.inFlight[user]; m != nil {
		delete(m, id)
		if len(m) == 0 {
			delete(a.inFlight, user)
		}
	}
}

// abort cancels every in-flight turn for user and reports how many it hit.
func (a *abortRegistry) abort(user string) int {
	a.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(a.inFlight[user]))
	for _, cancel := range a.inFlight[user] {
		cancels = append(cancels, cancel)
	}
	delete(a.inFlight, user)
	a.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	return len(cancels)
}
