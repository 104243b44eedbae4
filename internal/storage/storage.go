// /internal/storage/storage.go
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/keshon/gatekeeper/datastore"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// Options selects and configures a storage backend.
type Options struct {
	Backend        string
	FilePath       string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisNamespace string
	SQLitePath     string
	Logger         zerolog.Logger
}

// Storage is the typed repository for guild configs, pending and verified
// records. All keys are scoped by guild.
type Storage struct {
	kv KV
}

// New wraps an existing backend.
func New(kv KV) *Storage {
	return &Storage{kv: kv}
}

// NewMemory returns a Storage that lives only in process memory.
func NewMemory() *Storage {
	return New(newDatastoreKV(datastore.NewMemory()))
}

// Open builds the backend named in opts.
func Open(opts Options) (*Storage, error) {
	switch strings.ToLower(opts.Backend) {
	case BackendMemory:
		return NewMemory(), nil

	case BackendFile, "":
		cfg := datastore.DefaultConfig(opts.FilePath)
		cfg.Logger = opts.Logger.With().Str("component", "datastore").Logger()
		if cfg.FilePath == "" {
			cfg.FilePath = "datastore.json"
		}
		ds, err := datastore.NewWithConfig(cfg)
		if err != nil {
			return nil, err
		}
		return New(newDatastoreKV(ds)), nil

	case BackendRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     opts.RedisAddr,
			Password: opts.RedisPassword,
			DB:       opts.RedisDB,
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("redis ping %s: %w", opts.RedisAddr, err)
		}
		return New(newRedisKV(rdb, opts.RedisNamespace)), nil

	case BackendSQLite:
		db, err := OpenSQLite(opts.SQLitePath)
		if err != nil {
			return nil, err
		}
		return New(newSQLiteKV(db)), nil

	default:
		return nil, fmt.Errorf("unknown storage backend %q", opts.Backend)
	}
}

func (s *Storage) Close() error {
	return s.kv.Close()
}

func configKey(guildID string) string {
	return "guild:" + guildID + ":config"
}

func pendingPrefix(guildID string) string {
	return "guild:" + guildID + ":pending:"
}

func verifiedPrefix(guildID string) string {
	return "guild:" + guildID + ":verified:"
}

func kickPrefix(guildID string) string {
	return "guild:" + guildID + ":kick:"
}

func (s *Storage) load(ctx context.Context, key string, out any) error {
	raw, err := s.kv.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("error unmarshalling %s: %w", key, err)
	}
	return nil
}

func (s *Storage) save(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("error marshalling %s: %w", key, err)
	}
	return s.kv.Set(ctx, key, raw)
}
