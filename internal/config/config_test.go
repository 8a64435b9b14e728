package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("ROOMLY_SERVER_URL", "https://api.roomly.test")
	t.Setenv("ROOMLY_TOKEN", "tok")
	t.Setenv("ROOMLY_USER_ID", "u1")
	t.Setenv("ROOMLY_HOUSEHOLD_ID", "h1")
	t.Setenv("ROOMLY_DB_DRIVER", "Postgres")
	t.Setenv("ROOMLY_DB_URL", "postgres://user@localhost/db")
	t.Setenv("ROOMLY_LOG_PRETTY", "yes")
	t.Setenv("ROOMLY_JOIN_DEBOUNCE", "50ms")
	t.Setenv("ROOMLY_MAX_JOIN_ATTEMPTS", "5")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if cfg.ServerURL != "https://api.roomly.test" || cfg.Token != "tok" || cfg.HouseholdID != "h1" {
		t.Fatalf("identity fields = %+v", cfg)
	}
	if cfg.DBDriver != DriverPostgres || cfg.DBURL == "" {
		t.Fatalf("db fields = %q %q", cfg.DBDriver, cfg.DBURL)
	}
	if !cfg.LogPretty || cfg.JoinDebounce != 50*time.Millisecond || cfg.MaxJoinAttempts != 5 {
		t.Fatalf("parsed fields = %+v", cfg)
	}
	if cfg.BlobMemoryEntries != 50 || cfg.BlobMaxAge != 30*24*time.Hour {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}
}

func TestLoadFromEnvRejectsMalformedValues(t *testing.T) {
	t.Setenv("ROOMLY_CONNECT_TIMEOUT", "soon")
	t.Setenv("ROOMLY_PAGE_SIZE", "many")
	_, err := LoadFromEnv()
	if err == nil {
		t.Fatal("expected error for malformed values")
	}
	for _, key := range []string{"ROOMLY_CONNECT_TIMEOUT", "ROOMLY_PAGE_SIZE"} {
		if !strings.Contains(err.Error(), key) {
			t.Fatalf("error %q does not name %s", err, key)
		}
	}
}

func TestValidate(t *testing.T) {
	valid := Defaults()
	valid.ServerURL = "http://localhost:5000"

	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing server", func(c *Config) { c.ServerURL = "" }, "server url is required"},
		{"relative server", func(c *Config) { c.ServerURL = "/api" }, "absolute"},
		{"unknown driver", func(c *Config) { c.DBDriver = "mongo" }, "unknown db driver"},
		{"sqlite without path", func(c *Config) { c.DBPath = "" }, "db path"},
		{"postgres without url", func(c *Config) { c.DBDriver = DriverPostgres }, "db url"},
		{"zero grace", func(c *Config) { c.RemountGrace = 0 }, "remount grace"},
		{"zero attempts", func(c *Config) { c.MaxConnectAttempts = 0 }, "max connect attempts"},
		{"global below timeline", func(c *Config) { c.GlobalMax = 10 }, "global max"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Validate() = %v, want %q", err, tc.want)
			}
		})
	}

	memory := valid
	memory.DBDriver = DriverMemory
	memory.DBPath = ""
	if err := memory.Validate(); err != nil {
		t.Fatalf("memory driver: %v", err)
	}
}
