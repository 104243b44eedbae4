package verification

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/keshon/gatekeeper/internal/metrics"
	"github.com/keshon/gatekeeper/internal/storage"
	st "github.com/keshon/gatekeeper/internal/storagetypes"
	"github.com/keshon/gatekeeper/pkg/jobmgr"
)

const DefaultPendingTTL = 5 * time.Minute

type Options struct {
	Threshold  *int          // minimum passing score, DefaultThreshold when nil
	PendingTTL time.Duration // DefaultPendingTTL when 0
	Rules      []Rule
	Challenges []ChallengeFactory
	Random     io.Reader
	Auditor    Auditor
	Jobs       *jobmgr.Manager
	Logger     zerolog.Logger
	Now        func() time.Time
}

// Service is the verification state machine. Each (guild, user) pair moves
// NotStarted -> Issued -> AwaitingSteps -> Scoring -> Verified | Rejected,
// and any pending state can become Expired.
type Service struct {
	store      Store
	dir        Directory
	grantor    *RoleGrantor
	scorer     *Scorer
	challenges []ChallengeFactory
	threshold  int
	ttl        time.Duration
	auditor    Auditor
	jobs       *jobmgr.Manager
	ownJobs    bool
	locks      memberLocks
	log        zerolog.Logger
	now        func() time.Time
}

func NewService(store Store, dir Directory, opts Options) *Service {
	s := &Service{
		store:      store,
		dir:        dir,
		grantor:    NewRoleGrantor(dir),
		scorer:     NewScorer(opts.Rules),
		challenges: opts.Challenges,
		threshold:  DefaultThreshold,
		ttl:        opts.PendingTTL,
		auditor:    opts.Auditor,
		jobs:       opts.Jobs,
		log:        opts.Logger.With().Str("component", "verification").Logger(),
		now:        opts.Now,
	}
	if s.challenges == nil {
		s.challenges = DefaultChallenges(opts.Random)
	}
	if opts.Threshold != nil {
		s.threshold = *opts.Threshold
	}
	if s.ttl == 0 {
		s.ttl = DefaultPendingTTL
	}
	if s.auditor == nil {
		s.auditor = nopAuditor{}
	}
	if s.jobs == nil {
		s.jobs = jobmgr.NewManager(nil)
		s.ownJobs = true
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Close cancels pending expiry and auto-kick timers owned by the service.
func (s *Service) Close() {
	if s.ownJobs {
		s.jobs.Close()
	}
}

func (s *Service) Threshold() int { return s.threshold }

func expiryJob(guildID, userID string) string { return "expire:" + guildID + ":" + userID }
func kickJob(guildID, userID string) string { return "kick:" + guildID + ":" + userID }

// Start issues a new challenge. Policy rejections create no pending record.
func (s *Service) Start(ctx context.Context, guildID, userID string) (StartResult, error) {
	defer s.locks.lock(guildID, userID)()

	cfg, err := s.store.GetGuildConfig(ctx, guildID)
	if err != nil {
		return StartResult{}, fmt.Errorf("load guild config: %w", err)
	}
	if !cfg.Enabled {
		return s.startResult(StartResult{Outcome: OutcomeDisabled, State: StateNotStarted, Reason: "verification is disabled on this server"}), nil
	}

	if v, err := s.store.GetVerified(ctx, guildID, userID); err == nil {
		return s.startResult(StartResult{Outcome: OutcomeAlreadyVerified, State: StateVerified, Reason: fmt.Sprintf("already verified on %s", v.VerifiedAt.Format(time.DateOnly))}), nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return StartResult{}, fmt.Errorf("load verified record: %w", err)
	}

	member, err := s.dir.Member(ctx, guildID, userID)
	if err != nil {
		return StartResult{}, fmt.Errorf("fetch member %s: %w", userID, err)
	}

	now := s.now()
	if cfg.PreventBots && member.Bot {
		res := StartResult{Outcome: OutcomeBotRejected, State: StateRejected, Reason: "bot accounts cannot verify"}
		s.auditPolicy(ctx, cfg, member, res.Reason)
		return s.startResult(res), nil
	}
	if cfg.AccountAgeMinDays > 0 {
		minAge := time.Duration(cfg.AccountAgeMinDays) * 24 * time.Hour
		if now.Sub(member.CreatedAt) < minAge {
			res := StartResult{Outcome: OutcomeAccountTooNew, State: StateRejected, Reason: fmt.Sprintf("account must be at least %d days old", cfg.AccountAgeMinDays)}
			s.auditPolicy(ctx, cfg, member, res.Reason)
			return s.startResult(res), nil
		}
	}

	rec := st.PendingVerification{
		ChallengeID:    uuid.NewString(),
		GuildID:        guildID,
		UserID:         userID,
		Username:       member.Username,
		StartedAt:      now,
		ExpiresAt:      now.Add(s.ttl),
		Required:       []st.Step{st.StepButton},
		CompletedSteps: []st.Step{st.StepButton},
		Interactions:   []int64{now.UnixMilli()},
	}
	for _, c := range s.challenges {
		if !c.Enabled(cfg) {
			continue
		}
		if err := c.Issue(&rec); err != nil {
			return StartResult{}, fmt.Errorf("issue %s challenge: %w", c.Step(), err)
		}
		rec.Required = append(rec.Required, c.Step())
	}

	if err := s.store.PutPending(ctx, rec); err != nil {
		return StartResult{}, fmt.Errorf("store pending verification: %w", err)
	}
	s.scheduleExpiry(rec)

	s.log.Debug().Str("guild", guildID).Str("user", userID).Strs("steps", stepNames(rec.Required)).Msg("challenge issued")
	return s.startResult(StartResult{Outcome: OutcomeChallengeIssued, State: stateOf(&rec), Pending: &rec}), nil
}

func (s *Service) startResult(r StartResult) StartResult {
	metrics.Outcomes.WithLabelValues(string(r.Outcome)).Inc()
	return r
}

// SubmitCode checks a typed code against the pending challenge.
func (s *Service) SubmitCode(ctx context.Context, guildID, userID, code string) (StepResult, error) {
	return s.submit(ctx, guildID, userID, st.StepCode, code)
}

// SubmitMath checks a math answer against the pending challenge.
func (s *Service) SubmitMath(ctx context.Context, guildID, userID string, answer int) (StepResult, error) {
	return s.submit(ctx, guildID, userID, st.StepMath, strconv.Itoa(answer))
}

func (s *Service) submit(ctx context.Context, guildID, userID string, step st.Step, answer string) (StepResult, error) {
	defer s.locks.lock(guildID, userID)()

	rec, err := s.loadPending(ctx, guildID, userID)
	if err != nil {
		return StepResult{}, err
	}
	if !slices.Contains(rec.Required, step) {
		return StepResult{}, fmt.Errorf("%w: %s", ErrStepNotRequired, step)
	}
	if rec.HasCompleted(step) {
		return StepResult{Outcome: OutcomeStepAccepted, State: stateOf(rec), Remaining: rec.Outstanding()}, nil
	}

	factory := s.factory(step)
	if factory == nil || !factory.Check(rec, answer) {
		metrics.Outcomes.WithLabelValues(string(OutcomeStepRejected)).Inc()
		return StepResult{Outcome: OutcomeStepRejected, State: stateOf(rec), Remaining: rec.Outstanding()}, nil
	}

	rec.CompletedSteps = append(rec.CompletedSteps, step)
	rec.Interactions = append(rec.Interactions, s.now().UnixMilli())
	if err := s.store.PutPending(ctx, *rec); err != nil {
		return StepResult{}, fmt.Errorf("store pending verification: %w", err)
	}

	metrics.Outcomes.WithLabelValues(string(OutcomeStepAccepted)).Inc()
	return StepResult{Outcome: OutcomeStepAccepted, State: stateOf(rec), Remaining: rec.Outstanding()}, nil
}

// RecordInteraction appends an interaction timestamp to the pending record.
// Transports that cannot collect client-side signals use these timestamps
// through FinalizeRecorded.
func (s *Service) RecordInteraction(ctx context.Context, guildID, userID string) error {
	defer s.locks.lock(guildID, userID)()

	rec, err := s.loadPending(ctx, guildID, userID)
	if err != nil {
		return err
	}
	rec.Interactions = append(rec.Interactions, s.now().UnixMilli())
	return s.store.PutPending(ctx, *rec)
}

// FinalizeRecorded finalizes using the signals the service recorded itself.
func (s *Service) FinalizeRecorded(ctx context.Context, guildID, userID string) (FinalizeResult, error) {
	defer s.locks.lock(guildID, userID)()

	rec, err := s.loadPending(ctx, guildID, userID)
	if err != nil {
		return FinalizeResult{}, err
	}
	now := s.now()
	ts := append(slices.Clone(rec.Interactions), now.UnixMilli())
	return s.finalize(ctx, guildID, userID, Signals{
		TimeSpentSeconds:      now.Sub(rec.StartedAt).Seconds(),
		InteractionCount:      len(ts),
		InteractionTimestamps: ts,
	})
}

// Finalize scores the signals and resolves the pending verification.
//
// On success the verified record is written first, the pending record is
// removed, then the role is granted. A role failure is reported in
// FinalizeResult.RoleErr and does not roll the verified record back.
func (s *Service) Finalize(ctx context.Context, guildID, userID string, signals Signals) (FinalizeResult, error) {
	defer s.locks.lock(guildID, userID)()
	return s.finalize(ctx, guildID, userID, signals)
}

func (s *Service) finalize(ctx context.Context, guildID, userID string, signals Signals) (FinalizeResult, error) {
	rec, err := s.loadPending(ctx, guildID, userID)
	if err != nil {
		return FinalizeResult{}, err
	}
	if left := rec.Outstanding(); len(left) > 0 {
		return FinalizeResult{State: stateOf(rec)}, fmt.Errorf("%w: %s", ErrStepsIncomplete, strings.Join(stepNames(left), ", "))
	}

	cfg, err := s.store.GetGuildConfig(ctx, guildID)
	if err != nil {
		return FinalizeResult{}, fmt.Errorf("load guild config: %w", err)
	}

	score, fired := s.scorer.Breakdown(signals)
	metrics.Scores.Observe(float64(score))
	now := s.now()

	if score < s.threshold {
		if err := s.dropPending(ctx, guildID, userID); err != nil {
			return FinalizeResult{}, err
		}
		metrics.Outcomes.WithLabelValues(string(OutcomeRejected)).Inc()
		s.auditor.Audit(ctx, AuditEvent{
			Kind: AuditRejected, GuildID: guildID, ChannelID: cfg.LogChannelID,
			UserID: userID, Username: rec.Username, Score: score,
			Reason: strings.Join(fired, ", "), At: now,
		})
		s.log.Info().Str("guild", guildID).Str("user", userID).Int("score", score).Strs("rules", fired).Msg("verification rejected")
		return FinalizeResult{Outcome: OutcomeRejected, State: StateRejected, Score: score, Triggered: fired}, nil
	}

	verified := st.VerifiedUser{
		GuildID:    guildID,
		UserID:     userID,
		Username:   rec.Username,
		VerifiedAt: now,
		Method:     strings.Join(stepNames(rec.Required), "+"),
		Score:      score,
	}
	if err := s.store.PutVerified(ctx, verified); err != nil {
		return FinalizeResult{}, fmt.Errorf("store verified record: %w", err)
	}
	if err := s.dropPending(ctx, guildID, userID); err != nil {
		return FinalizeResult{}, err
	}
	s.disarmKick(ctx, guildID, userID)

	res := FinalizeResult{Outcome: OutcomeVerified, State: StateVerified, Score: score, Triggered: fired, Record: &verified}
	metrics.Outcomes.WithLabelValues(string(OutcomeVerified)).Inc()

	if _, err := s.grantor.Grant(ctx, guildID, userID, cfg.VerifiedRoleName); err != nil {
		res.RoleErr = fmt.Errorf("%w: %w", ErrRoleGrant, err)
		metrics.RoleGrantFailures.Inc()
		s.log.Error().Err(err).Str("guild", guildID).Str("user", userID).Msg("role grant failed")
		s.auditor.Audit(ctx, AuditEvent{
			Kind: AuditRoleFailed, GuildID: guildID, ChannelID: cfg.LogChannelID,
			UserID: userID, Username: rec.Username, Score: score, Reason: err.Error(), At: now,
		})
		return res, nil
	}

	s.auditor.Audit(ctx, AuditEvent{
		Kind: AuditVerified, GuildID: guildID, ChannelID: cfg.LogChannelID,
		UserID: userID, Username: rec.Username, Score: score, Reason: verified.Method, At: now,
	})
	s.log.Info().Str("guild", guildID).Str("user", userID).Int("score", score).Msg("user verified")
	return res, nil
}

// Status reports where the user is in the flow.
func (s *Service) Status(ctx context.Context, guildID, userID string) (StatusResult, error) {
	defer s.locks.lock(guildID, userID)()

	v, err := s.store.GetVerified(ctx, guildID, userID)
	if err == nil {
		return StatusResult{State: StateVerified, Verified: v}, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return StatusResult{}, fmt.Errorf("load verified record: %w", err)
	}

	rec, err := s.store.GetPending(ctx, guildID, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return StatusResult{State: StateNotStarted}, nil
	}
	if err != nil {
		return StatusResult{}, fmt.Errorf("load pending verification: %w", err)
	}
	if rec.Expired(s.now()) {
		if err := s.dropPending(ctx, guildID, userID); err != nil {
			return StatusResult{}, err
		}
		return StatusResult{State: StateExpired}, nil
	}
	return StatusResult{State: stateOf(rec), Pending: rec}, nil
}

// Reset removes any verified and pending record for the user so they can go
// through the gate again.
func (s *Service) Reset(ctx context.Context, guildID, userID string) error {
	defer s.locks.lock(guildID, userID)()

	if err := s.dropPending(ctx, guildID, userID); err != nil {
		return err
	}
	if err := s.store.DeleteVerified(ctx, guildID, userID); err != nil {
		return fmt.Errorf("delete verified record: %w", err)
	}
	return nil
}

// loadPending returns the live pending record. A record past its expiry is
// deleted and reported as ErrNoPending.
func (s *Service) loadPending(ctx context.Context, guildID, userID string) (*st.PendingVerification, error) {
	rec, err := s.store.GetPending(ctx, guildID, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNoPending
	}
	if err != nil {
		return nil, fmt.Errorf("load pending verification: %w", err)
	}
	if rec.Expired(s.now()) {
		if err := s.dropPending(ctx, guildID, userID); err != nil {
			return nil, err
		}
		return nil, ErrNoPending
	}
	return rec, nil
}

func (s *Service) dropPending(ctx context.Context, guildID, userID string) error {
	_ = s.jobs.Stop(expiryJob(guildID, userID))
	if err := s.store.DeletePending(ctx, guildID, userID); err != nil {
		return fmt.Errorf("delete pending verification: %w", err)
	}
	return nil
}

// scheduleExpiry arms the timer that deletes rec at its ExpiresAt. The check
// and the delete run under the member lock, so a newer challenge issued in
// between is never removed by an older timer.
func (s *Service) scheduleExpiry(rec st.PendingVerification) {
	guildID, userID, challengeID := rec.GuildID, rec.UserID, rec.ChallengeID
	delay := rec.ExpiresAt.Sub(s.now())
	err := s.jobs.Replace(expiryJob(guildID, userID), jobmgr.After(delay, func(ctx context.Context) error {
		defer s.locks.lock(guildID, userID)()
		if ctx.Err() != nil {
			return nil
		}

		cur, err := s.store.GetPending(ctx, guildID, userID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		// a newer challenge owns the key now
		if cur.ChallengeID != challengeID {
			return nil
		}
		metrics.Expired.Inc()
		s.log.Debug().Str("guild", guildID).Str("user", userID).Msg("pending verification expired")
		return s.store.DeletePending(ctx, guildID, userID)
	}))
	if err != nil {
		s.log.Warn().Err(err).Str("guild", guildID).Str("user", userID).Msg("could not schedule expiry")
	}
}

func (s *Service) factory(step st.Step) ChallengeFactory {
	for _, c := range s.challenges {
		if c.Step() == step {
			return c
		}
	}
	return nil
}

func (s *Service) auditPolicy(ctx context.Context, cfg st.GuildConfig, m *Member, reason string) {
	s.auditor.Audit(ctx, AuditEvent{
		Kind: AuditPolicyRejected, GuildID: cfg.GuildID, ChannelID: cfg.LogChannelID,
		UserID: m.UserID, Username: m.Username, Reason: reason, At: s.now(),
	})
}

func stateOf(rec *st.PendingVerification) State {
	switch {
	case len(rec.Outstanding()) == 0:
		return StateScoring
	case !answeredAny(rec):
		return StateIssued
	}
	return StateAwaitingSteps
}

// answeredAny reports whether a step beyond the button has been completed.
func answeredAny(rec *st.PendingVerification) bool {
	for _, step := range rec.CompletedSteps {
		if step != st.StepButton {
			return true
		}
	}
	return false
}

func stepNames(steps []st.Step) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = string(s)
	}
	return out
}
