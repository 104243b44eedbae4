package config

import (
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

type Config struct {
	DiscordToken      string   `env:"DISCORD_TOKEN"`
	DeveloperID       string   `env:"DEVELOPER_ID"`
	GuildBlacklist    []string `env:"GUILD_BLACKLIST" envSeparator:","`
	InitSlashCommands bool     `env:"INIT_SLASH_COMMANDS" envDefault:"true"`

	StorageBackend string `env:"STORAGE_BACKEND" envDefault:"file"`
	StoragePath    string `env:"STORAGE_PATH" envDefault:"datastore.json"`
	RedisAddr      string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword  string `env:"REDIS_PASSWORD"`
	RedisDB        int    `env:"REDIS_DB" envDefault:"0"`
	SQLitePath     string `env:"SQLITE_PATH" envDefault:"gatekeeper.db"`

	// HTTPAddr is empty by default, which keeps the verification API off.
	HTTPAddr  string  `env:"HTTP_ADDR"`
	APIToken  string  `env:"API_TOKEN"`
	RateRPS   float64 `env:"RATE_RPS" envDefault:"5"`
	RateBurst int     `env:"RATE_BURST" envDefault:"10"`

	ScoreThreshold int           `env:"SCORE_THRESHOLD" envDefault:"50"`
	PendingTTL     time.Duration `env:"PENDING_TTL" envDefault:"5m"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogPretty bool   `env:"LOG_PRETTY" envDefault:"true"`
	LogFile   string `env:"LOG_FILE"`
}

// Load reads .env if present, then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("could not read .env file")
	}
	return Parse()
}

// Parse reads the configuration from the process environment only.
func Parse() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.ScoreThreshold < 0 || c.ScoreThreshold > 100 {
		return fmt.Errorf("SCORE_THRESHOLD must be within 0..100, got %d", c.ScoreThreshold)
	}
	if c.PendingTTL <= 0 {
		return fmt.Errorf("PENDING_TTL must be positive, got %s", c.PendingTTL)
	}
	if c.RateRPS <= 0 || c.RateBurst <= 0 {
		return fmt.Errorf("RATE_RPS and RATE_BURST must be positive")
	}
	if c.HTTPAddr != "" && c.APIToken == "" {
		return fmt.Errorf("API_TOKEN is required when HTTP_ADDR is set")
	}
	return nil
}

// RequireToken fails when the bot token is missing. Only the bot needs it.
func (c *Config) RequireToken() error {
	if c.DiscordToken == "" {
		return fmt.Errorf("DISCORD_TOKEN is not set")
	}
	return nil
}

func (c *Config) IsGuildBlacklisted(guildID string) bool {
	return slices.Contains(c.GuildBlacklist, guildID)
}
