package config

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/caarlos0/env/v11"
)

// Env holds process settings read from the environment.
type Env struct {
	// DB is the SQLite file holding node state.
	DB string `env:"BLOCKSTATE_DB" envDefault:"blockstate.db"`
	// Archive is a Badger directory for pruned history. Empty disables.
	Archive string `env:"BLOCKSTATE_ARCHIVE"`
	// Policy is a CUE policy file. Empty means the built-in policy.
	Policy string `env:"BLOCKSTATE_POLICY"`

	NodeID string `env:"BLOCKSTATE_NODE_ID" envDefault:"local"`
	Prefix uint64 `env:"BLOCKSTATE_PREFIX" envDefault:"1"`
	Node   uint64 `env:"BLOCKSTATE_NODE" envDefault:"1"`

	// Workers bounds concurrent hashing. Zero means GOMAXPROCS.
	Workers int `env:"BLOCKSTATE_WORKERS" envDefault:"0"`

	// LogLevel is the slog level; info logs every node transition.
	LogLevel string `env:"BLOCKSTATE_LOG_LEVEL" envDefault:"warn"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// LoadEnv parses Env.
func LoadEnv() (Env, error) {
	var e Env
	if err := ParseEnv(&e); err != nil {
		return Env{}, err
	}
	return e, nil
}

// Level maps LogLevel to a slog level. Unknown values fall back to info.
func (e Env) Level() slog.Level {
	switch strings.ToLower(strings.TrimSpace(e.LogLevel)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
