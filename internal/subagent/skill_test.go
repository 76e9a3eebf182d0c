package subagent

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenlabs/warden/internal/providers"
	"github.com/wardenlabs/warden/internal/providers/providertest"
	"github.com/wardenlabs/warden/internal/skills"
)

func TestSkillToolsAreMainAgentOnly(t *testing.T) {
	sk := NewSkill(nil)
	defs := sk.ListTools()
	require.NotEmpty(t, defs)
	for _, d := range defs {
		assert.True(t, d.MainAgentOnly, "tool %s must be main-agent-only", d.Name)
	}
}

func TestSkillSpawnReportsRunID(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	env := newTestEnv(t, DefaultConfig(), blockingStep(release))
	sk := NewSkill(env.mgr)

	out, err := sk.Execute(context.Background(), "subagent_spawn",
		map[string]any{"task": "index the wiki"}, skills.CallerContext{UserID: "alice", Channel: "cli"})
	require.NoError(t, err)
	assert.Contains(t, out, "Sub-agent accepted with run id ")
	assert.Contains(t, out, "announced here when ready")

	runs := env.mgr.RunsForUser("alice")
	require.Len(t, runs, 1)
	assert.Contains(t, out, runs[0].ID)
}

func TestSkillSpawnHonorsTimeoutSeconds(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	env := newTestEnv(t, DefaultConfig(), blockingStep(release))
	sk := NewSkill(env.mgr)

	_, err := sk.Execute(context.Background(), "subagent_spawn",
		map[string]any{"task": "slow", "timeout_seconds": float64(30)},
		skills.CallerContext{UserID: "alice", Channel: "cli"})
	require.NoError(t, err)

	runs := env.mgr.RunsForUser("alice")
	require.Len(t, runs, 1)
	assert.Equal(t, 30_000, runs[0].TimeoutMs)
}

func TestSkillDelegateWrapsResult(t *testing.T) {
	env := newTestEnv(t, DefaultConfig(), providertest.Respond("Paris is the capital."))
	sk := NewSkill(env.mgr)

	out, err := sk.Execute(context.Background(), "subagent_delegate",
		map[string]any{"task": "capital of France"}, skills.CallerContext{UserID: "alice", Channel: "cli"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "<subagent_result>\n"))
	assert.True(t, strings.HasSuffix(out, "\n</subagent_result>"))
	assert.Contains(t, out, "Paris is the capital.")
}

func TestSkillStopAndSend(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	env := newTestEnv(t, DefaultConfig(), blockingStep(release))
	sk := NewSkill(env.mgr)
	caller := skills.CallerContext{UserID: "alice", Channel: "cli"}

	receipt, err := env.mgr.Spawn(context.Background(), "alice", "cli", "long task", Options{})
	require.NoError(t, err)
	waitForStatus(t, env.mgr, receipt.RunID, StatusRunning)

	out, err := sk.Execute(context.Background(), "subagent_send",
		map[string]any{"run_id": receipt.RunID, "message": "narrow the scope"}, caller)
	require.NoError(t, err)
	assert.Equal(t, "Message queued for the run.", out)

	out, err = sk.Execute(context.Background(), "subagent_stop",
		map[string]any{"run_id": receipt.RunID}, caller)
	require.NoError(t, err)
	assert.Equal(t, "Run stopped.", out)

	out, err = sk.Execute(context.Background(), "subagent_stop",
		map[string]any{"run_id": "missing"}, caller)
	require.NoError(t, err)
	assert.Equal(t, "No active run with that id.", out)

	out, err = sk.Execute(context.Background(), "subagent_send",
		map[string]any{"run_id": receipt.RunID, "message": "too late"}, caller)
	require.NoError(t, err)
	assert.Equal(t, "Message not delivered: the run is not active or not yours.", out)
}

func TestSkillStatusListsRuns(t *testing.T) {
	env := newTestEnv(t, DefaultConfig(), providertest.Respond("done"))
	sk := NewSkill(env.mgr)
	caller := skills.CallerContext{UserID: "alice", Channel: "cli"}

	out, err := sk.Execute(context.Background(), "subagent_status", map[string]any{}, caller)
	require.NoError(t, err)
	assert.Equal(t, "No sub-agent runs.", out)

	_, err = env.mgr.DelegateSync(context.Background(), "alice", "cli", "quick question", Options{})
	require.NoError(t, err)

	out, err = sk.Execute(context.Background(), "subagent_status", map[string]any{}, caller)
	require.NoError(t, err)
	assert.Contains(t, out, StatusCompleted)
	assert.Contains(t, out, "quick question")
}

func TestSkillUnknownTool(t *testing.T) {
	sk := NewSkill(nil)
	_, err := sk.Execute(context.Background(), "subagent_explode", nil, skills.CallerContext{})
	require.Error(t, err)
}

func TestWrapResultSanitizes(t *testing.T) {
	out := WrapResult("<thinking>secret chain of thought</thinking>The answer is 42.")
	assert.NotContains(t, out, "secret chain of thought")
	assert.Contains(t, out, "The answer is 42.")
}

func TestSubagentCannotReachSpawnTools(t *testing.T) {
	env := newTestEnv(t, DefaultConfig(),
		providertest.RespondToolUse(providers.ToolCall{
			ID: "t1", Name: "subagent_spawn", Input: map[string]any{"task": "nested"},
		}),
		providertest.Respond("gave up"),
	)
	require.NoError(t, env.registry.Register(NewSkill(env.mgr)))

	result, err := env.mgr.DelegateSync(context.Background(), "alice", "cli", "try to spawn", Options{})
	require.NoError(t, err)
	assert.Equal(t, "gave up", result)

	runs := env.mgr.RunsForUser("alice")
	require.Len(t, runs, 1)
	var blocked string
	for _, e := range runs[0].Transcript {
		if e.Role == "tool_result" && e.ToolName == "subagent_spawn" {
			blocked = e.Content
		}
	}
	assert.Contains(t, blocked, "restricted to the main agent")
	assert.Equal(t, 0, env.mgr.ActiveCount())
}
