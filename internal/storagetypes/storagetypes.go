package storagetypes

import (
	"time"
)

// Step is one proof-of-humanity step of a verification challenge.
type Step string

const (
	StepButton Step = "button"
	StepCode   Step = "code"
	StepMath   Step = "math"
)

type GuildConfig struct {
	GuildID             string    `json:"guild_id"`
	Enabled             bool      `json:"enabled"`
	RequireButton       bool      `json:"require_button"`
	RequireCode         bool      `json:"require_code"`
	RequireMath         bool      `json:"require_math"`
	AccountAgeMinDays   int       `json:"account_age_min_days"`
	PreventBots         bool      `json:"prevent_bots"`
	VerifiedRoleName    string    `json:"verified_role_name"`
	AutoKickUnverified  bool      `json:"auto_kick_unverified"`
	AutoKickTimeMinutes int       `json:"auto_kick_time_minutes"`
	LogChannelID        string    `json:"log_channel_id,omitempty"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// DefaultGuildConfig is what a guild gets before an administrator runs setup.
func DefaultGuildConfig(guildID string) GuildConfig {
	return GuildConfig{
		GuildID:             guildID,
		Enabled:             false,
		RequireButton:       true,
		RequireCode:         false,
		RequireMath:         false,
		AccountAgeMinDays:   0,
		PreventBots:         true,
		VerifiedRoleName:    "Verified",
		AutoKickUnverified:  false,
		AutoKickTimeMinutes: 30,
	}
}

type MathProblem struct {
	Problem string `json:"problem"` // e.g. "4 * 7"
	Answer  int    `json:"answer"`
}

type PendingVerification struct {
	ChallengeID    string       `json:"challenge_id"`
	GuildID        string       `json:"guild_id"`
	UserID         string       `json:"user_id"`
	Username       string       `json:"username"`
	StartedAt      time.Time    `json:"started_at"`
	ExpiresAt      time.Time    `json:"expires_at"`
	Code           string       `json:"code,omitempty"`
	Math           *MathProblem `json:"math,omitempty"`
	Required       []Step       `json:"required"`
	CompletedSteps []Step       `json:"completed_steps"`
	Interactions   []int64      `json:"interactions,omitempty"` // unix millis
}

// HasCompleted reports whether step is in CompletedSteps.
func (p *PendingVerification) HasCompleted(step Step) bool {
	for _, s := range p.CompletedSteps {
		if s == step {
			return true
		}
	}
	return false
}

// Outstanding returns the required steps that are not completed yet.
func (p *PendingVerification) Outstanding() []Step {
	var out []Step
	for _, s := range p.Required {
		if !p.HasCompleted(s) {
			out = append(out, s)
		}
	}
	return out
}

// Expired reports whether the challenge is past ExpiresAt at now.
func (p *PendingVerification) Expired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

// CountLive counts the records that have not expired at now.
func CountLive(recs []PendingVerification, now time.Time) int {
	n := 0
	for i := range recs {
		if !recs[i].Expired(now) {
			n++
		}
	}
	return n
}

type VerifiedUser struct {
	GuildID    string    `json:"guild_id"`
	UserID     string    `json:"user_id"`
	Username   string    `json:"username"`
	VerifiedAt time.Time `json:"verified_at"`
	Method     string    `json:"method"` // e.g. "button+code+math"
	Score      int       `json:"score"`
}

// KickDeadline is an armed auto-kick timer. It is stored so timers can be
// re-armed after a restart.
type KickDeadline struct {
	GuildID  string    `json:"guild_id"`
	UserID   string    `json:"user_id"`
	Deadline time.Time `json:"deadline"`
}
