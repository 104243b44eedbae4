// cmd/cli is an operator tool that reads and edits gatekeeper storage
// directly, without a gateway connection.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/keshon/gatekeeper/internal/config"
	"github.com/keshon/gatekeeper/internal/logging"
	"github.com/keshon/gatekeeper/internal/storage"
)

func main() {
	open := func() (*storage.Storage, error) {
		cfg, err := config.Load()
		if err != nil {
			return nil, err
		}
		logger, _ := logging.Setup(logging.Options{Level: cfg.LogLevel, Pretty: true})
		return storage.Open(storage.Options{
			Backend:        cfg.StorageBackend,
			FilePath:       cfg.StoragePath,
			RedisAddr:      cfg.RedisAddr,
			RedisPassword:  cfg.RedisPassword,
			RedisDB:        cfg.RedisDB,
			RedisNamespace: "gatekeeper",
			SQLitePath:     cfg.SQLitePath,
			Logger:         logger.Level(zerolog.WarnLevel),
		})
	}

	if err := newRootCmd(open).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
