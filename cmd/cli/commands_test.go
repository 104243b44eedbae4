package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keshon/gatekeeper/internal/storage"
	st "github.com/keshon/gatekeeper/internal/storagetypes"
)

// sqliteOpener reopens the same database file for every command, the way
// separate CLI invocations would.
func sqliteOpener(t *testing.T) opener {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cli.db")
	return func() (*storage.Storage, error) {
		return storage.Open(storage.Options{Backend: storage.BackendSQLite, SQLitePath: path})
	}
}

func run(t *testing.T, open opener, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd(open)
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func seed(t *testing.T, open opener, fn func(ctx context.Context, s *storage.Storage)) {
	t.Helper()
	s, err := open()
	require.NoError(t, err)
	defer s.Close()
	fn(context.Background(), s)
}

func TestConfigSetAndShow(t *testing.T) {
	open := sqliteOpener(t)

	out, err := run(t, open, "config", "show", "g1")
	require.NoError(t, err)
	assert.Contains(t, out, "enabled")
	assert.Contains(t, out, "false")
	assert.Contains(t, out, "Verified")

	out, err = run(t, open, "config", "set", "g1", "--enabled", "--require-math", "--role-name", "Member", "--account-age-days", "7")
	require.NoError(t, err)
	assert.Contains(t, out, "button+math")

	seed(t, open, func(ctx context.Context, s *storage.Storage) {
		cfg, err := s.GetGuildConfig(ctx, "g1")
		require.NoError(t, err)
		assert.True(t, cfg.Enabled)
		assert.True(t, cfg.RequireMath)
		assert.False(t, cfg.RequireCode)
		assert.True(t, cfg.PreventBots, "unchanged flags keep their stored value")
		assert.Equal(t, "Member", cfg.VerifiedRoleName)
		assert.Equal(t, 7, cfg.AccountAgeMinDays)
	})

	out, err = run(t, open, "list", "guilds")
	require.NoError(t, err)
	assert.Equal(t, "g1\n", out)
}

func TestConfigSetValidation(t *testing.T) {
	open := sqliteOpener(t)

	_, err := run(t, open, "config", "set", "g1", "--auto-kick-minutes", "0")
	assert.Error(t, err)

	_, err = run(t, open, "config", "set", "g1", "--role-name", " ")
	assert.Error(t, err)

	_, err = run(t, open, "config", "set")
	assert.Error(t, err)
}

func TestStatusListAndReset(t *testing.T) {
	open := sqliteOpener(t)
	now := time.Now().UTC()

	seed(t, open, func(ctx context.Context, s *storage.Storage) {
		require.NoError(t, s.PutVerified(ctx, st.VerifiedUser{
			GuildID: "g1", UserID: "u1", Username: "alice", VerifiedAt: now.Add(-time.Hour), Method: "button", Score: 90,
		}))
		require.NoError(t, s.PutPending(ctx, st.PendingVerification{
			ChallengeID: "c-2", GuildID: "g1", UserID: "u2", StartedAt: now,
			ExpiresAt: now.Add(5 * time.Minute), Required: []st.Step{st.StepButton, st.StepCode},
			CompletedSteps: []st.Step{st.StepButton},
		}))
		require.NoError(t, s.PutPending(ctx, st.PendingVerification{
			ChallengeID: "c-3", GuildID: "g1", UserID: "u3", StartedAt: now.Add(-time.Hour),
			ExpiresAt: now.Add(-time.Minute), Required: []st.Step{st.StepButton},
		}))
	})

	out, err := run(t, open, "status", "g1", "u1")
	require.NoError(t, err)
	assert.Contains(t, out, "verified at")
	assert.Contains(t, out, "score 90")

	out, err = run(t, open, "status", "g1", "u2")
	require.NoError(t, err)
	assert.Contains(t, out, "pending: challenge c-2, completed button of button+code")

	out, err = run(t, open, "status", "g1", "u3")
	require.NoError(t, err)
	assert.Contains(t, out, "expired")

	out, err = run(t, open, "status", "g1", "nobody")
	require.NoError(t, err)
	assert.Equal(t, "not started\n", out)

	out, err = run(t, open, "list", "verified", "g1")
	require.NoError(t, err)
	assert.Contains(t, out, "alice")

	out, err = run(t, open, "list", "pending", "g1")
	require.NoError(t, err)
	assert.Contains(t, out, "c-2")
	assert.Contains(t, out, "c-3")

	out, err = run(t, open, "stats", "g1")
	require.NoError(t, err)
	assert.Regexp(t, `last 24h\s+1\n`, out)
	assert.Regexp(t, `pending\s+1\n`, out)
	assert.Regexp(t, `average score\s+90\.0\n`, out)

	_, err = run(t, open, "reset", "g1", "u1")
	require.NoError(t, err)
	out, err = run(t, open, "status", "g1", "u1")
	require.NoError(t, err)
	assert.Equal(t, "not started\n", out)
}
