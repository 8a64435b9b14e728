package main

import (
	"context"
	"errors"
	"testing"

	"github.com/spf13/pflag"

	"github.com/dvkpatel11/roomly-harmony-space/internal/config"
)

func setEnv(t *testing.T, kv map[string]string) {
	t.Helper()
	for k, v := range kv {
		t.Setenv(k, v)
	}
}

func TestLoadConfigFlagsOverrideEnv(t *testing.T) {
	setEnv(t, map[string]string{
		"ROOMLY_SERVER_URL":   "https://roomly.example",
		"ROOMLY_HOUSEHOLD_ID": "from-env",
		"ROOMLY_DB_DRIVER":    "memory",
		"ROOMLY_LOG_LEVEL":    "warn",
	})
	cfg, err := loadConfig([]string{"--household", "from-flag", "--debug-addr", ""})
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.HouseholdID != "from-flag" || cfg.DebugAddr != "" || cfg.LogLevel != "warn" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	setEnv(t, map[string]string{"ROOMLY_SERVER_URL": "", "ROOMLY_DB_DRIVER": "memory"})
	if _, err := loadConfig(nil); err == nil {
		t.Fatal("expected error without server url")
	}

	setEnv(t, map[string]string{"ROOMLY_SERVER_URL": "https://roomly.example"})
	if _, err := loadConfig([]string{"stray"}); err == nil {
		t.Fatal("expected error for positional argument")
	}
	if _, err := loadConfig([]string{"--help"}); !errors.Is(err, pflag.ErrHelp) {
		t.Fatalf("help err = %v", err)
	}
}

func TestOpenStoreMemoryAndSQLite(t *testing.T) {
	ctx := context.Background()
	cfg := config.Defaults()

	cfg.DBDriver = config.DriverMemory
	store, err := openStore(ctx, cfg)
	if err != nil {
		t.Fatalf("memory store: %v", err)
	}
	_ = store.Close(ctx)

	cfg.DBDriver = config.DriverSQLite
	cfg.DBPath = t.TempDir() + "/roomly.db"
	store, err = openStore(ctx, cfg)
	if err != nil {
		t.Fatalf("sqlite store: %v", err)
	}
	defer store.Close(ctx)
	if _, err := store.Blobs().Meta(ctx); err != nil {
		t.Fatalf("migrated sqlite meta: %v", err)
	}
}

func TestDialerReportsFailure(t *testing.T) {
	dial := dialer("ftp://nowhere")
	sock, err := dial(context.Background())
	if err == nil || sock != nil {
		t.Fatalf("dial = %v, %v", sock, err)
	}
}
