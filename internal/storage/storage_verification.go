package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	st "github.com/keshon/gatekeeper/internal/storagetypes"
)

// GetGuildConfig returns the stored config, or the defaults when the guild was
// never set up.
func (s *Storage) GetGuildConfig(ctx context.Context, guildID string) (st.GuildConfig, error) {
	var cfg st.GuildConfig
	err := s.load(ctx, configKey(guildID), &cfg)
	if errors.Is(err, ErrNotFound) {
		return st.DefaultGuildConfig(guildID), nil
	}
	if err != nil {
		return st.GuildConfig{}, err
	}
	cfg.GuildID = guildID
	return cfg, nil
}

func (s *Storage) SetGuildConfig(ctx context.Context, cfg st.GuildConfig) error {
	cfg.UpdatedAt = time.Now().UTC()
	return s.save(ctx, configKey(cfg.GuildID), cfg)
}

// PutPending overwrites any pending verification for the same guild and user.
func (s *Storage) PutPending(ctx context.Context, rec st.PendingVerification) error {
	return s.save(ctx, pendingPrefix(rec.GuildID)+rec.UserID, rec)
}

func (s *Storage) GetPending(ctx context.Context, guildID, userID string) (*st.PendingVerification, error) {
	var rec st.PendingVerification
	if err := s.load(ctx, pendingPrefix(guildID)+userID, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Storage) DeletePending(ctx context.Context, guildID, userID string) error {
	return s.kv.Delete(ctx, pendingPrefix(guildID)+userID)
}

func (s *Storage) ListPending(ctx context.Context, guildID string) ([]st.PendingVerification, error) {
	var out []st.PendingVerification
	err := s.each(ctx, pendingPrefix(guildID), func(key string) error {
		var rec st.PendingVerification
		if err := s.load(ctx, key, &rec); err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

func (s *Storage) PutVerified(ctx context.Context, rec st.VerifiedUser) error {
	return s.save(ctx, verifiedPrefix(rec.GuildID)+rec.UserID, rec)
}

func (s *Storage) GetVerified(ctx context.Context, guildID, userID string) (*st.VerifiedUser, error) {
	var rec st.VerifiedUser
	if err := s.load(ctx, verifiedPrefix(guildID)+userID, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Storage) DeleteVerified(ctx context.Context, guildID, userID string) error {
	return s.kv.Delete(ctx, verifiedPrefix(guildID)+userID)
}

func (s *Storage) ListVerified(ctx context.Context, guildID string) ([]st.VerifiedUser, error) {
	var out []st.VerifiedUser
	err := s.each(ctx, verifiedPrefix(guildID), func(key string) error {
		var rec st.VerifiedUser
		if err := s.load(ctx, key, &rec); err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

func (s *Storage) CountVerified(ctx context.Context, guildID string) (int, error) {
	keys, err := s.kv.Keys(ctx, verifiedPrefix(guildID))
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (s *Storage) PutKickDeadline(ctx context.Context, rec st.KickDeadline) error {
	return s.save(ctx, kickPrefix(rec.GuildID)+rec.UserID, rec)
}

func (s *Storage) DeleteKickDeadline(ctx context.Context, guildID, userID string) error {
	return s.kv.Delete(ctx, kickPrefix(guildID)+userID)
}

func (s *Storage) ListKickDeadlines(ctx context.Context, guildID string) ([]st.KickDeadline, error) {
	var out []st.KickDeadline
	err := s.each(ctx, kickPrefix(guildID), func(key string) error {
		var rec st.KickDeadline
		if err := s.load(ctx, key, &rec); err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

// each visits keys under prefix. Keys that vanish between listing and loading
// are skipped.
func (s *Storage) each(ctx context.Context, prefix string, fn func(key string) error) error {
	keys, err := s.kv.Keys(ctx, prefix)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if strings.Contains(key[len(prefix):], ":") {
			continue
		}
		if err := fn(key); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return err
		}
	}
	return nil
}
