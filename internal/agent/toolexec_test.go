package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenlabs/warden/internal/providers"
	"github.com/wardenlabs/warden/internal/providers/providertest"
	"github.com/wardenlabs/warden/internal/sessions"
	"github.com/wardenlabs/warden/internal/skills"
)

// lastToolResult returns the tool_result block fed back to the model on the
// provider call at index.
func lastToolResult(t *testing.T, env *testEnv, index int) providers.ContentBlock {
	t.Helper()
	calls := env.provider.Calls()
	require.Greater(t, len(calls), index)
	msgs := calls[index].Messages
	blocks := msgs[len(msgs)-1].Blocks
	require.NotEmpty(t, blocks)
	return blocks[len(blocks)-1]
}

func TestTransientToolFailureRetriedOnce(t *testing.T) {
	env := newTestEnv(t, Config{},
		providertest.RespondToolUse(providers.ToolCall{ID: "c1", Name: "flaky", Input: map[string]any{}}),
		providertest.Respond("done"),
	)

	reply := send(t, env, "alice", "Run the flaky tool")

	assert.Equal(t, "done", reply.Text)
	assert.Equal(t, 2, env.toolbox.callCount("flaky"))
	assert.Equal(t, 1, env.sink.count("flaky"))

	block := lastToolResult(t, env, 1)
	assert.Equal(t, "recovered", block.Content)
	assert.False(t, block.IsError)
}

func TestPermanentToolFailureNotRetried(t *testing.T) {
	env := newTestEnv(t, Config{},
		providertest.RespondToolUse(providers.ToolCall{ID: "c1", Name: "boom", Input: map[string]any{}}),
		providertest.Respond("That did not work."),
	)

	reply := send(t, env, "alice", "Run boom")

	assert.Equal(t, "That did not work.", reply.Text)
	assert.Equal(t, 1, env.toolbox.callCount("boom"))
	assert.Equal(t, 1, env.sink.count("boom"))

	block := lastToolResult(t, env, 1)
	assert.Equal(t, "Error executing boom: 400 bad request", block.Content)
	assert.True(t, block.IsError)
}

func TestToolErrorRedactedBeforeModelSeesIt(t *testing.T) {
	env := newTestEnv(t, Config{},
		providertest.RespondToolUse(providers.ToolCall{ID: "c1", Name: "leaky", Input: map[string]any{}}),
		providertest.Respond("Credentials need a refresh."),
	)

	send(t, env, "alice", "Run leaky")

	// auth errors get one retry; the tool fails both times.
	assert.Equal(t, 2, env.toolbox.callCount("leaky"))
	assert.Equal(t, 2, env.sink.count("leaky"))

	block := lastToolResult(t, env, 1)
	assert.True(t, block.IsError)
	assert.Contains(t, block.Content, "Error executing leaky:")
	assert.Contains(t, block.Content, "[REDACTED]")
	assert.NotContains(t, block.Content, "SECRETTOKENVALUE123456")
}

func TestToolTimeoutSurfacesAsError(t *testing.T) {
	env := newTestEnv(t, Config{ToolTimeout: 30 * time.Millisecond},
		providertest.RespondToolUse(providers.ToolCall{ID: "c1", Name: "sleepy", Input: map[string]any{}}),
		providertest.Respond("The tool is stuck."),
	)

	reply := send(t, env, "alice", "Run sleepy")

	assert.Equal(t, "The tool is stuck.", reply.Text)
	// Timeouts classify as transient, so the call is attempted twice.
	assert.Equal(t, 2, env.toolbox.callCount("sleepy"))

	block := lastToolResult(t, env, 1)
	assert.True(t, block.IsError)
	assert.Contains(t, block.Content, "Error executing sleepy:")
	assert.Contains(t, block.Content, "timed out after 30ms")
}

func TestUnknownToolRefusalFedBack(t *testing.T) {
	env := newTestEnv(t, Config{},
		providertest.RespondToolUse(providers.ToolCall{ID: "c1", Name: "nope", Input: map[string]any{}}),
		providertest.Respond("No such tool, sorry."),
	)

	reply := send(t, env, "alice", "Run nope")

	assert.Equal(t, "No such tool, sorry.", reply.Text)
	block := lastToolResult(t, env, 1)
	assert.Equal(t, `Unknown tool "nope".`, block.Content)
	assert.True(t, block.IsError)

	// Refusals are not execution failures, but the attempt still consumes
	// the action budget.
	assert.Equal(t, 0, env.sink.count("nope"))
	assert.Equal(t, 1, env.store.ToolCallsInWindow(sessions.Key("alice", "chat")))
}

func TestInvalidInputRefusalFedBack(t *testing.T) {
	env := newTestEnv(t, Config{},
		providertest.RespondToolUse(providers.ToolCall{
			ID: "c1", Name: "echo", Input: map[string]any{"text": 42},
		}),
		providertest.Respond("Let me fix that input."),
	)

	send(t, env, "alice", "Echo a number")

	block := lastToolResult(t, env, 1)
	assert.True(t, block.IsError)
	assert.Contains(t, block.Content, `Invalid input for tool "echo"`)
	assert.Equal(t, 0, env.toolbox.callCount("echo"))
	assert.Equal(t, 0, env.sink.count("echo"))
}

func TestSensitiveToolGatedByPolicy(t *testing.T) {
	lockCall := providers.ToolCall{ID: "c1", Name: "lock_door", Input: map[string]any{}}

	gated := newTestEnv(t, Config{SensitiveToolPolicy: "always_confirm"},
		providertest.RespondToolUse(lockCall),
		providertest.Respond("Please confirm."),
	)
	reply := send(t, gated, "alice", "Lock the door")
	assert.True(t, reply.PendingConfirmation)
	assert.Equal(t, 0, gated.toolbox.callCount("lock_door"))
	assert.Contains(t, lastToolResult(t, gated, 1).Content, "requires confirmation")

	// Without the policy a sensitive-but-not-destructive tool runs directly.
	open := newTestEnv(t, Config{},
		providertest.RespondToolUse(lockCall),
		providertest.Respond("Locked."),
	)
	reply = send(t, open, "alice", "Lock the door")
	assert.False(t, reply.PendingConfirmation)
	assert.Equal(t, 1, open.toolbox.callCount("lock_door"))
}

func TestDescribeAction(t *testing.T) {
	assert.Equal(t, "file_write({})", describeAction(providers.ToolCall{Name: "file_write"}))
	assert.Equal(t,
		`file_write({"content":"hi","path":"/tmp/x"})`,
		describeAction(providers.ToolCall{
			Name:  "file_write",
			Input: map[string]any{"path": "/tmp/x", "content": "hi"},
		}))
}

func TestExtractOutputFiles(t *testing.T) {
	env := skills.EncodeFileResult("made it", "/tmp/a.png", "/tmp/b.png")
	assert.Equal(t, []string{"/tmp/a.png", "/tmp/b.png"}, extractOutputFiles(env))
	assert.Equal(t, []string{"/a"}, extractOutputFiles(`  {"output_files":["/a"]}`))

	assert.Nil(t, extractOutputFiles("plain text result"))
	assert.Nil(t, extractOutputFiles("{not json"))
	assert.Nil(t, extractOutputFiles(`{"text":"no files here"}`))
}
