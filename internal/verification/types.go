// Package verification implements the human-verification gate: challenge
// issuance, step checks, behavior scoring and role granting.
package verification

import (
	"context"
	"errors"
	"time"

	st "github.com/keshon/gatekeeper/internal/storagetypes"
)

var (
	// ErrNoPending means there is no live pending verification for the user,
	// either because none was started or because it expired.
	ErrNoPending = errors.New("no such pending verification")
	// ErrStepsIncomplete is returned by Finalize while required steps remain.
	ErrStepsIncomplete = errors.New("required verification steps are not complete")
	// ErrStepNotRequired is returned when an answer is submitted for a step
	// the pending challenge does not include.
	ErrStepNotRequired = errors.New("step is not part of this challenge")
	// ErrRoleGrant wraps failures of the guild-management capability after a
	// successful verification.
	ErrRoleGrant = errors.New("failed to grant verified role")
)

type Outcome string

const (
	OutcomeDisabled        Outcome = "disabled"
	OutcomeChallengeIssued Outcome = "challenge_issued"
	OutcomeAlreadyVerified Outcome = "already_verified"
	OutcomeBotRejected     Outcome = "bot_account_rejected"
	OutcomeAccountTooNew   Outcome = "account_too_new"
	OutcomeStepAccepted    Outcome = "step_accepted"
	OutcomeStepRejected    Outcome = "step_rejected"
	OutcomeVerified        Outcome = "verified"
	OutcomeRejected        Outcome = "rejected"
)

type State string

// A pending record is Issued until a step beyond the button is answered,
// then AwaitingSteps, then Scoring once nothing is outstanding.
const (
	StateNotStarted    State = "not_started"
	StateIssued        State = "issued"
	StateAwaitingSteps State = "awaiting_steps"
	StateScoring       State = "scoring"
	StateVerified      State = "verified"
	StateRejected      State = "rejected"
	StateExpired       State = "expired"
)

// Signals is the behavior bundle collected while the user solves a challenge.
type Signals struct {
	TimeSpentSeconds      float64 `json:"timeSpentSeconds"`
	InteractionCount      int     `json:"interactionCount"`
	InteractionTimestamps []int64 `json:"interactionTimestamps"` // unix millis, ordered
}

type StartResult struct {
	Outcome Outcome
	State   State
	Pending *st.PendingVerification
	Reason  string
}

type StepResult struct {
	Outcome   Outcome
	State     State
	Remaining []st.Step
}

type FinalizeResult struct {
	Outcome   Outcome
	State     State
	Score     int
	Triggered []string
	Record    *st.VerifiedUser
	// RoleErr is set when the user verified but the role could not be granted.
	// The verified record is kept in that case.
	RoleErr error
}

type StatusResult struct {
	State    State
	Pending  *st.PendingVerification
	Verified *st.VerifiedUser
}

// Store is the persistence the verification service needs.
type Store interface {
	GetGuildConfig(ctx context.Context, guildID string) (st.GuildConfig, error)
	PutPending(ctx context.Context, rec st.PendingVerification) error
	GetPending(ctx context.Context, guildID, userID string) (*st.PendingVerification, error)
	DeletePending(ctx context.Context, guildID, userID string) error
	ListPending(ctx context.Context, guildID string) ([]st.PendingVerification, error)
	PutVerified(ctx context.Context, rec st.VerifiedUser) error
	GetVerified(ctx context.Context, guildID, userID string) (*st.VerifiedUser, error)
	DeleteVerified(ctx context.Context, guildID, userID string) error
	PutKickDeadline(ctx context.Context, rec st.KickDeadline) error
	DeleteKickDeadline(ctx context.Context, guildID, userID string) error
	ListKickDeadlines(ctx context.Context, guildID string) ([]st.KickDeadline, error)
}

// Member is the subset of a guild member the gate looks at.
type Member struct {
	UserID    string
	Username  string
	Bot       bool
	CreatedAt time.Time
	RoleIDs   []string
}

type Role struct {
	ID   string
	Name string
}

// Directory is the guild-management capability.
type Directory interface {
	Member(ctx context.Context, guildID, userID string) (*Member, error)
	Roles(ctx context.Context, guildID string) ([]Role, error)
	CreateRole(ctx context.Context, guildID, name string, color int, reason string) (*Role, error)
	AddRole(ctx context.Context, guildID, userID, roleID string) error
	Kick(ctx context.Context, guildID, userID, reason string) error
}
