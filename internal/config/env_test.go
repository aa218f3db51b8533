package config

import (
	"log/slog"
	"strings"
	"testing"
)

func TestLoadEnvDefaults(t *testing.T) {
	e, err := LoadEnv()
	if err != nil {
		t.Fatalf("load env: %v", err)
	}
	if e.DB != "blockstate.db" {
		t.Fatalf("expected default db, got %q", e.DB)
	}
	if e.NodeID != "local" || e.Prefix != 1 || e.Node != 1 {
		t.Fatalf("unexpected identity defaults: %+v", e)
	}
	if e.Level() != slog.LevelWarn {
		t.Fatalf("expected warn level, got %v", e.Level())
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("BLOCKSTATE_DB", "/tmp/x.db")
	t.Setenv("BLOCKSTATE_NODE", "7")
	t.Setenv("BLOCKSTATE_LOG_LEVEL", "DEBUG")

	e, err := LoadEnv()
	if err != nil {
		t.Fatalf("load env: %v", err)
	}
	if e.DB != "/tmp/x.db" || e.Node != 7 {
		t.Fatalf("overrides not applied: %+v", e)
	}
	if e.Level() != slog.LevelDebug {
		t.Fatalf("expected debug level, got %v", e.Level())
	}
}

func TestParseEnvError(t *testing.T) {
	t.Setenv("BLOCKSTATE_PREFIX", "not-a-number")

	_, err := LoadEnv()
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env prefix, got %v", err)
	}
}
