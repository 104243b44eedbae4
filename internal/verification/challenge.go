package verification

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"strconv"
	"strings"

	st "github.com/keshon/gatekeeper/internal/storagetypes"
)

const (
	codeLength   = 6
	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// ChallengeFactory issues and checks one kind of challenge step.
type ChallengeFactory interface {
	Step() st.Step
	// Enabled reports whether cfg requires this step.
	Enabled(cfg st.GuildConfig) bool
	// Issue fills the step's fields on rec.
	Issue(rec *st.PendingVerification) error
	// Check reports whether answer solves the step issued on rec.
	Check(rec *st.PendingVerification, answer string) bool
}

// CodeChallenge asks the user to type back a random alphanumeric code.
type CodeChallenge struct {
	Rand io.Reader
}

func (CodeChallenge) Step() st.Step { return st.StepCode }
func (CodeChallenge) Enabled(cfg st.GuildConfig) bool { return cfg.RequireCode }

func (c CodeChallenge) Issue(rec *st.PendingVerification) error {
	code, err := randomCode(c.Rand, codeLength)
	if err != nil {
		return err
	}
	rec.Code = code
	return nil
}

func (CodeChallenge) Check(rec *st.PendingVerification, answer string) bool {
	return rec.Code != "" && strings.EqualFold(strings.TrimSpace(answer), rec.Code)
}

// MathChallenge asks for the result of a small arithmetic problem.
type MathChallenge struct {
	Rand io.Reader
}

func (MathChallenge) Step() st.Step { return st.StepMath }
func (MathChallenge) Enabled(cfg st.GuildConfig) bool { return cfg.RequireMath }

func (m MathChallenge) Issue(rec *st.PendingVerification) error {
	p, err := randomMath(m.Rand)
	if err != nil {
		return err
	}
	rec.Math = p
	return nil
}

func (MathChallenge) Check(rec *st.PendingVerification, answer string) bool {
	if rec.Math == nil {
		return false
	}
	n, err := strconv.Atoi(strings.TrimSpace(answer))
	return err == nil && n == rec.Math.Answer
}

// DefaultChallenges returns the code and math factories backed by r.
func DefaultChallenges(r io.Reader) []ChallengeFactory {
	if r == nil {
		r = rand.Reader
	}
	return []ChallengeFactory{CodeChallenge{Rand: r}, MathChallenge{Rand: r}}
}

func randInt(r io.Reader, n int) (int, error) {
	if r == nil {
		r = rand.Reader
	}
	v, err := rand.Int(r, big.NewInt(int64(n)))
	if err != nil {
		return 0, fmt.Errorf("random source: %w", err)
	}
	return int(v.Int64()), nil
}

func randomCode(r io.Reader, length int) (string, error) {
	var b strings.Builder
	for i := 0; i < length; i++ {
		idx, err := randInt(r, len(codeAlphabet))
		if err != nil {
			return "", err
		}
		b.WriteByte(codeAlphabet[idx])
	}
	return b.String(), nil
}

func randomMath(r io.Reader) (*st.MathProblem, error) {
	a, err := randInt(r, 10)
	if err != nil {
		return nil, err
	}
	b, err := randInt(r, 10)
	if err != nil {
		return nil, err
	}
	op, err := randInt(r, 3)
	if err != nil {
		return nil, err
	}
	a, b = a+1, b+1

	switch op {
	case 0:
		return &st.MathProblem{Problem: fmt.Sprintf("%d + %d", a, b), Answer: a + b}, nil
	case 1:
		return &st.MathProblem{Problem: fmt.Sprintf("%d - %d", a, b), Answer: a - b}, nil
	default:
		return &st.MathProblem{Problem: fmt.Sprintf("%d * %d", a, b), Answer: a * b}, nil
	}
}
