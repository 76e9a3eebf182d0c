package confirm

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatch(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"confirm aB3dE5fG7hJ9kL1mN2pQ4rS6", "aB3dE5fG7hJ9kL1mN2pQ4rS6"},
		{"  confirm aB3dE5fG7hJ9kL1mN2pQ4rS6  ", "aB3dE5fG7hJ9kL1mN2pQ4rS6"},
		{"confirm   tooShort123", ""},          // under 16 chars
		{"confirm", ""},                        // no token
		{"please confirm aB3dE5fG7hJ9kL1mN2pQ", ""}, // leading words
		{"confirm aB3dE5fG7hJ9kL1mN2pQ extra", ""},  // trailing words
		{"confirm aB3dE5fG7hJ9kL1mN2pQ!", ""},       // non-alphanumeric
		{"CONFIRM aB3dE5fG7hJ9kL1mN2pQ", ""},        // keyword is lowercase
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Match(tc.in), "input %q", tc.in)
	}
}

func TestNewTokenShape(t *testing.T) {
	seen := make(map[string]bool)
	alnum := regexp.MustCompile(`^[A-Za-z0-9]+$`)
	for i := 0; i < 50; i++ {
		tok, err := newToken()
		require.NoError(t, err)
		assert.Len(t, tok, tokenLength)
		assert.Regexp(t, alnum, tok)
		assert.False(t, seen[tok], "duplicate token")
		seen[tok] = true
	}
}

func TestCreateConsumeRoundTrip(t *testing.T) {
	m := NewManager()
	defer m.Stop()

	input := map[string]any{"path": "/tmp/x", "recursive": true}
	tok, err := m.Create("alice", "files", "delete_file", input, "Delete /tmp/x", "")
	require.NoError(t, err)
	require.NotEmpty(t, tok)
	assert.Equal(t, 1, m.Pending())

	// Minted tokens must satisfy the reply grammar.
	assert.Equal(t, tok, Match("confirm "+tok))

	act := m.Consume(tok, "alice")
	require.NotNil(t, act)
	assert.Equal(t, "files", act.SkillName)
	assert.Equal(t, "delete_file", act.ToolName)
	assert.Equal(t, input, act.Input)
	assert.Equal(t, "Delete /tmp/x", act.Description)
	assert.Equal(t, 0, m.Pending())
}

func TestConsumeIsSingleUse(t *testing.T) {
	m := NewManager()
	defer m.Stop()

	tok, err := m.Create("alice", "files", "delete_file", nil, "x", "")
	require.NoError(t, err)

	require.NotNil(t, m.Consume(tok, "alice"))
	assert.Nil(t, m.Consume(tok, "alice"))
}

func TestConsumeRejectsWrongUser(t *testing.T) {
	m := NewManager()
	defer m.Stop()

	tok, err := m.Create("alice", "files", "delete_file", nil, "x", "")
	require.NoError(t, err)

	assert.Nil(t, m.Consume(tok, "mallory"))
	// Still consumable by the owner afterwards.
	assert.NotNil(t, m.Consume(tok, "alice"))
}

func TestConsumeRejectsUnknownAndExpired(t *testing.T) {
	m := NewManager()
	defer m.Stop()

	assert.Nil(t, m.Consume("nosuchtoken0000000000000", "alice"))

	tok, err := m.Create("alice", "files", "delete_file", nil, "x", "")
	require.NoError(t, err)
	m.mu.Lock()
	m.pending[tok].ExpiresAt = time.Now().Add(-time.Second)
	m.mu.Unlock()

	assert.Nil(t, m.Consume(tok, "alice"))
	assert.Equal(t, 0, m.Pending())
}

func TestCleanupEvictsExpiredAndRemovesTempDir(t *testing.T) {
	m := NewManager()
	defer m.Stop()

	dir := filepath.Join(t.TempDir(), "staged")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	tok, err := m.Create("alice", "files", "send_file", nil, "x", dir)
	require.NoError(t, err)
	fresh, err := m.Create("alice", "files", "send_file", nil, "y", "")
	require.NoError(t, err)

	m.mu.Lock()
	m.pending[tok].ExpiresAt = time.Now().Add(-time.Second)
	m.mu.Unlock()

	assert.Equal(t, 1, m.Cleanup())
	assert.Equal(t, 1, m.Pending())
	assert.NoDirExists(t, dir)
	assert.NotNil(t, m.Consume(fresh, "alice"))
}

func TestAllowAttemptThrottles(t *testing.T) {
	m := NewManager()
	defer m.Stop()

	for i := 0; i < attemptBurst; i++ {
		assert.True(t, m.AllowAttempt("alice"), "attempt %d", i)
	}
	assert.False(t, m.AllowAttempt("alice"))
	// Other users are unaffected.
	assert.True(t, m.AllowAttempt("bob"))
}
