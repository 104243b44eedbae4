package verification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/keshon/gatekeeper/internal/metrics"
	"github.com/keshon/gatekeeper/internal/storage"
	st "github.com/keshon/gatekeeper/internal/storagetypes"
	"github.com/keshon/gatekeeper/pkg/jobmgr"
)

const KickReason = "Did not complete verification in time"

// HandleMemberJoin arms the auto-kick timer for a new member when the guild
// asks for it. Already verified members are left alone.
func (s *Service) HandleMemberJoin(ctx context.Context, guildID, userID string) error {
	cfg, err := s.store.GetGuildConfig(ctx, guildID)
	if err != nil {
		return fmt.Errorf("load guild config: %w", err)
	}
	if !cfg.Enabled || !cfg.AutoKickUnverified || cfg.AutoKickTimeMinutes <= 0 {
		return nil
	}
	if _, err := s.store.GetVerified(ctx, guildID, userID); err == nil {
		return nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("load verified record: %w", err)
	}

	deadline := s.now().Add(time.Duration(cfg.AutoKickTimeMinutes) * time.Minute)
	if err := s.store.PutKickDeadline(ctx, st.KickDeadline{GuildID: guildID, UserID: userID, Deadline: deadline}); err != nil {
		return fmt.Errorf("store kick deadline: %w", err)
	}
	return s.armKick(guildID, userID, deadline)
}

// HandleMemberLeave drops any timer and pending challenge for a departed member.
func (s *Service) HandleMemberLeave(ctx context.Context, guildID, userID string) error {
	defer s.locks.lock(guildID, userID)()

	s.disarmKick(ctx, guildID, userID)
	return s.dropPending(ctx, guildID, userID)
}

func (s *Service) armKick(guildID, userID string, deadline time.Time) error {
	return s.jobs.Replace(kickJob(guildID, userID), jobmgr.After(deadline.Sub(s.now()), func(ctx context.Context) error {
		_, err := s.KickIfUnverified(ctx, guildID, userID)
		return err
	}))
}

func (s *Service) disarmKick(ctx context.Context, guildID, userID string) {
	_ = s.jobs.Stop(kickJob(guildID, userID))
	if err := s.store.DeleteKickDeadline(ctx, guildID, userID); err != nil {
		s.log.Warn().Err(err).Str("guild", guildID).Str("user", userID).Msg("could not delete kick deadline")
	}
}

// RestoreTimers re-arms the stored auto-kick deadlines and pending expiry
// timers of a guild, typically after a restart. Deadlines that passed while
// the process was down fire at once; pending records already past ExpiresAt
// are deleted.
func (s *Service) RestoreTimers(ctx context.Context, guildID string) error {
	deadlines, err := s.store.ListKickDeadlines(ctx, guildID)
	if err != nil {
		return fmt.Errorf("list kick deadlines: %w", err)
	}
	for _, d := range deadlines {
		if err := s.armKick(d.GuildID, d.UserID, d.Deadline); err != nil {
			return err
		}
	}

	pending, err := s.store.ListPending(ctx, guildID)
	if err != nil {
		return fmt.Errorf("list pending verifications: %w", err)
	}
	now := s.now()
	for _, rec := range pending {
		if now.Before(rec.ExpiresAt) {
			s.scheduleExpiry(rec)
			continue
		}
		if err := s.expireStale(ctx, rec); err != nil {
			return err
		}
	}

	s.log.Debug().Str("guild", guildID).Int("kicks", len(deadlines)).Int("pending", len(pending)).Msg("timers restored")
	return nil
}

func (s *Service) expireStale(ctx context.Context, rec st.PendingVerification) error {
	defer s.locks.lock(rec.GuildID, rec.UserID)()

	cur, err := s.store.GetPending(ctx, rec.GuildID, rec.UserID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load pending verification: %w", err)
	}
	if cur.ChallengeID != rec.ChallengeID {
		return nil
	}
	metrics.Expired.Inc()
	return s.dropPending(ctx, rec.GuildID, rec.UserID)
}

// KickIfUnverified removes the member unless a verified record exists. It
// reports whether a kick was issued.
func (s *Service) KickIfUnverified(ctx context.Context, guildID, userID string) (bool, error) {
	defer s.locks.lock(guildID, userID)()

	if _, err := s.store.GetVerified(ctx, guildID, userID); err == nil {
		return false, s.store.DeleteKickDeadline(ctx, guildID, userID)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return false, fmt.Errorf("load verified record: %w", err)
	}

	cfg, err := s.store.GetGuildConfig(ctx, guildID)
	if err != nil {
		return false, fmt.Errorf("load guild config: %w", err)
	}

	username := ""
	if m, err := s.dir.Member(ctx, guildID, userID); err == nil {
		username = m.Username
	}

	if err := s.dir.Kick(ctx, guildID, userID, KickReason); err != nil {
		return false, fmt.Errorf("kick %s: %w", userID, err)
	}
	if err := s.dropPending(ctx, guildID, userID); err != nil {
		s.log.Warn().Err(err).Str("guild", guildID).Str("user", userID).Msg("pending cleanup after kick failed")
	}
	if err := s.store.DeleteKickDeadline(ctx, guildID, userID); err != nil {
		s.log.Warn().Err(err).Str("guild", guildID).Str("user", userID).Msg("could not delete kick deadline")
	}

	metrics.Kicks.Inc()
	s.auditor.Audit(ctx, AuditEvent{
		Kind: AuditKicked, GuildID: guildID, ChannelID: cfg.LogChannelID,
		UserID: userID, Username: username, Reason: KickReason, At: s.now(),
	})
	s.log.Info().Str("guild", guildID).Str("user", userID).Msg("unverified member kicked")
	return true, nil
}

// PendingJobs lists the expiry and auto-kick timers currently armed.
func (s *Service) PendingJobs() []string {
	return s.jobs.List()
}
