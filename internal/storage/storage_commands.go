package storage

import (
	"context"
	"errors"
	"strings"
)

func commandsKey(guildID string) string {
	return "guild:" + guildID + ":commands"
}

// GetCommandHashes returns the hashes of the slash commands last registered in
// the guild, keyed by command name.
func (s *Storage) GetCommandHashes(ctx context.Context, guildID string) (map[string]string, error) {
	hashes := map[string]string{}
	err := s.load(ctx, commandsKey(guildID), &hashes)
	if errors.Is(err, ErrNotFound) {
		return map[string]string{}, nil
	}
	return hashes, err
}

func (s *Storage) SetCommandHashes(ctx context.Context, guildID string, hashes map[string]string) error {
	return s.save(ctx, commandsKey(guildID), hashes)
}

// ListGuilds returns the IDs of guilds with a stored verification config.
func (s *Storage) ListGuilds(ctx context.Context) ([]string, error) {
	keys, err := s.kv.Keys(ctx, "guild:")
	if err != nil {
		return nil, err
	}
	var out []string
	for _, k := range keys {
		rest := strings.TrimPrefix(k, "guild:")
		if id, ok := strings.CutSuffix(rest, ":config"); ok && !strings.Contains(id, ":") {
			out = append(out, id)
		}
	}
	return out, nil
}
