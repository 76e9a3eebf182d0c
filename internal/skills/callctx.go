package skills

import "context"

// CallerContext identifies who is driving a tool execution. It travels both
// as an explicit argument to Execute and inside ctx, so blocking helpers deep
// in a skill can recover it without plumbing.
type CallerContext struct {
	UserID     string
	Channel    string
	SessionKey string
	IsSubagent bool
	// RunID is set when the caller is a sub-agent run.
	RunID string
}

type callerContextKey string

const ctxCaller callerContextKey = "skills_caller"

func WithCaller(ctx context.Context, caller CallerContext) context.Context {
	return context.WithValue(ctx, ctxCaller, caller)
}

func CallerFromCtx(ctx context.Context) CallerContext {
	v, _ := ctx.Value(ctxCaller).(CallerContext)
	return v
}
