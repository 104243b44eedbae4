package verification

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	st "github.com/keshon/gatekeeper/internal/storagetypes"
)

func TestScorer_Rules(t *testing.T) {
	human := []int64{0, 500, 1200}
	robotic := []int64{0, 50, 99}

	tests := []struct {
		name    string
		signals Signals
		score   int
		fired   []string
	}{
		{"clean", Signals{TimeSpentSeconds: 10, InteractionCount: 5, InteractionTimestamps: human}, 100, nil},
		{"too fast", Signals{TimeSpentSeconds: 4.9, InteractionCount: 5, InteractionTimestamps: human}, 70, []string{"too_fast"}},
		{"five seconds is not too fast", Signals{TimeSpentSeconds: 5, InteractionCount: 5, InteractionTimestamps: human}, 100, nil},
		{"too slow", Signals{TimeSpentSeconds: 301, InteractionCount: 5, InteractionTimestamps: human}, 90, []string{"too_slow"}},
		{"three hundred seconds is not too slow", Signals{TimeSpentSeconds: 300, InteractionCount: 5, InteractionTimestamps: human}, 100, nil},
		{"low interaction", Signals{TimeSpentSeconds: 10, InteractionCount: 2, InteractionTimestamps: human}, 80, []string{"low_interaction"}},
		{"three interactions is enough", Signals{TimeSpentSeconds: 10, InteractionCount: 3, InteractionTimestamps: human}, 100, nil},
		{"robotic timing", Signals{TimeSpentSeconds: 10, InteractionCount: 5, InteractionTimestamps: robotic}, 60, []string{"robotic_timing"}},
		{"one slow gap breaks robotic timing", Signals{TimeSpentSeconds: 10, InteractionCount: 5, InteractionTimestamps: []int64{0, 50, 150}}, 100, nil},
		{"single timestamp never robotic", Signals{TimeSpentSeconds: 10, InteractionCount: 5, InteractionTimestamps: []int64{0}}, 100, nil},
		{"every behavior rule fires", Signals{TimeSpentSeconds: 1, InteractionCount: 1, InteractionTimestamps: robotic}, 10, []string{"too_fast", "low_interaction", "robotic_timing"}},
	}

	sc := NewScorer(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score, fired := sc.Breakdown(tt.signals)
			assert.Equal(t, tt.score, score)
			assert.Equal(t, tt.fired, fired)
			assert.Equal(t, tt.score, sc.Score(tt.signals))
		})
	}
}

func TestScorer_ClampsToZero(t *testing.T) {
	sc := NewScorer([]Rule{
		{Name: "a", Penalty: 80, Applies: func(Signals) bool { return true }},
		{Name: "b", Penalty: 80, Applies: func(Signals) bool { return true }},
	})
	assert.Equal(t, 0, sc.Score(Signals{}))
}

func TestCodeChallenge(t *testing.T) {
	rec := &st.PendingVerification{}
	require.NoError(t, CodeChallenge{}.Issue(rec))
	require.Len(t, rec.Code, codeLength)
	for _, c := range rec.Code {
		assert.Contains(t, codeAlphabet, string(c))
	}

	assert.True(t, CodeChallenge{}.Check(rec, rec.Code))
	assert.False(t, CodeChallenge{}.Check(rec, rec.Code+"X"))
	assert.False(t, CodeChallenge{}.Check(&st.PendingVerification{}, ""))
}

func TestCodeChallenge_RandomSourceFailure(t *testing.T) {
	err := CodeChallenge{Rand: bytes.NewReader(nil)}.Issue(&st.PendingVerification{})
	assert.Error(t, err)
}

func TestMathChallenge(t *testing.T) {
	for i := 0; i < 200; i++ {
		rec := &st.PendingVerification{}
		require.NoError(t, MathChallenge{}.Issue(rec))
		require.NotNil(t, rec.Math)

		var a, b int
		var op string
		_, err := fmt.Sscanf(rec.Math.Problem, "%d %s %d", &a, &op, &b)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, a, 1)
		assert.LessOrEqual(t, a, 10)
		assert.GreaterOrEqual(t, b, 1)
		assert.LessOrEqual(t, b, 10)

		switch op {
		case "+":
			assert.Equal(t, a+b, rec.Math.Answer)
		case "-":
			assert.Equal(t, a-b, rec.Math.Answer)
		case "*":
			assert.Equal(t, a*b, rec.Math.Answer)
		default:
			t.Fatalf("unexpected operator %q", op)
		}
	}

	rec := &st.PendingVerification{Math: &st.MathProblem{Problem: "3 - 5", Answer: -2}}
	assert.True(t, MathChallenge{}.Check(rec, "-2"))
	assert.False(t, MathChallenge{}.Check(rec, "2"))
	assert.False(t, MathChallenge{}.Check(rec, "minus two"))
	assert.False(t, MathChallenge{}.Check(&st.PendingVerification{}, "0"))
}

func TestRoleGrantor(t *testing.T) {
	ctx := context.Background()

	t.Run("creates missing role", func(t *testing.T) {
		dir := newFakeDirectory()
		dir.addMember(Member{UserID: user})
		id, err := NewRoleGrantor(dir).Grant(ctx, guild, user, "Verified")
		require.NoError(t, err)
		assert.Equal(t, "role-Verified", id)
		assert.Equal(t, 1, dir.created)
		assert.Equal(t, []string{user}, dir.added)
	})

	t.Run("reuses existing role and skips holders", func(t *testing.T) {
		dir := newFakeDirectory()
		dir.roles = []Role{{ID: "r1", Name: "verified"}, {ID: "r2", Name: "Verified"}}
		dir.addMember(Member{UserID: user, RoleIDs: []string{"r2"}})
		id, err := NewRoleGrantor(dir).Grant(ctx, guild, user, "Verified")
		require.NoError(t, err)
		assert.Equal(t, "r2", id)
		assert.Zero(t, dir.created)
		assert.Empty(t, dir.added)
	})

	t.Run("propagates failures", func(t *testing.T) {
		dir := newFakeDirectory()
		dir.failRoles = errors.New("forbidden")
		_, err := NewRoleGrantor(dir).Grant(ctx, guild, user, "Verified")
		assert.ErrorIs(t, err, dir.failRoles)
	})
}
