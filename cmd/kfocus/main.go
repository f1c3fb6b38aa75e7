package main

import (
	"fmt"
	"os"

	"github.com/goodtune/kfocus/internal/config"
	"github.com/goodtune/kfocus/internal/storage"
	"github.com/goodtune/kfocus/internal/storage/bolt"
	"github.com/goodtune/kfocus/internal/storage/redis"
	"github.com/rs/zerolog"
)

func main() {
	Execute()
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)

	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Default to JSON
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// quietLogger is used by one-shot commands that print their own output.
func quietLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.ErrorLevel).With().Timestamp().Logger()
}

func openStorage(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case "", "bolt":
		return bolt.Open(cfg.Path)
	case "redis":
		return redis.Open(cfg.Redis)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s (must be bolt or redis)", cfg.Type)
	}
}
