// cmd/discord/main.go
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/keshon/gatekeeper/internal/command"
	"github.com/keshon/gatekeeper/internal/config"
	"github.com/keshon/gatekeeper/internal/discord"
	"github.com/keshon/gatekeeper/internal/logging"
	"github.com/keshon/gatekeeper/internal/storage"
	"github.com/keshon/gatekeeper/internal/verification"
	"github.com/keshon/gatekeeper/internal/web"
	"github.com/keshon/gatekeeper/pkg/jobmgr"
)

const appName = "Gatekeeper"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	logger, closer := logging.Setup(logging.Options{Level: cfg.LogLevel, Pretty: cfg.LogPretty, File: cfg.LogFile})
	defer closer.Close()

	if err := run(cfg, logger); err != nil {
		logger.Error().Err(err).Msg("exited with error")
		closer.Close()
		os.Exit(1)
	}
	logger.Info().Msgf("%s exited cleanly", appName)
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	if err := cfg.RequireToken(); err != nil {
		return err
	}
	logger.Info().Str("storage", cfg.StorageBackend).Msgf("starting %s bot", appName)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(storage.Options{
		Backend:        cfg.StorageBackend,
		FilePath:       cfg.StoragePath,
		RedisAddr:      cfg.RedisAddr,
		RedisPassword:  cfg.RedisPassword,
		RedisDB:        cfg.RedisDB,
		RedisNamespace: "gatekeeper",
		SQLitePath:     cfg.SQLitePath,
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	dg, err := discord.NewSession(cfg.DiscordToken)
	if err != nil {
		return err
	}

	jobLog := logger.With().Str("component", "jobs").Logger()
	jobs := jobmgr.NewManager(func(msg string) {
		if strings.HasPrefix(msg, "error:") {
			jobLog.Warn().Msg(msg)
			return
		}
		jobLog.Debug().Msg(msg)
	})
	defer jobs.Close()

	svc := verification.NewService(store, discord.NewDirectory(dg, logger), verification.Options{
		Threshold:  &cfg.ScoreThreshold,
		PendingTTL: cfg.PendingTTL,
		Auditor:    discord.NewAuditor(dg, logger),
		Jobs:       jobs,
		Logger:     logger,
	})
	defer svc.Close()

	bot := discord.NewBot(dg, cfg, command.Deps{
		Storage:      store,
		Verification: svc,
		Logger:       logger,
	})

	runners := []func(context.Context) error{bot.Run}
	if cfg.HTTPAddr != "" {
		srv := web.NewServer(cfg.HTTPAddr, web.NewRouter(svc, web.Options{
			APIToken:  cfg.APIToken,
			RateRPS:   cfg.RateRPS,
			RateBurst: cfg.RateBurst,
			Logger:    logger,
		}), logger)
		runners = append(runners, srv.Run)
	} else {
		logger.Info().Msg("HTTP_ADDR not set, verification API disabled")
	}

	errCh := make(chan error, len(runners))
	for _, fn := range runners {
		go func() { errCh <- fn(ctx) }()
	}

	// Either component failing stops the other.
	var errs []error
	for range runners {
		if err := <-errCh; err != nil {
			errs = append(errs, err)
			stop()
		}
	}
	return errors.Join(errs...)
}
