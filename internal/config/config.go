package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	ServerURL   string
	Token       string
	UserID      string
	DisplayName string
	HouseholdID string

	DBDriver string
	DBPath   string
	DBURL    string

	DebugAddr string
	LogLevel  string
	LogPretty bool

	ConnectTimeout     time.Duration
	MaxConnectAttempts int
	JoinDebounce       time.Duration
	JoinTimeout        time.Duration
	MaxJoinAttempts    int
	RemountGrace       time.Duration

	TimelineMax int
	GlobalMax   int
	PageSize    int

	BlobMemoryEntries int
	BlobMaxAge        time.Duration
	BlobMaxBytes      int64
	BlobSweepInterval time.Duration
}

func Defaults() Config {
	return Config{
		DBDriver:           DriverSQLite,
		DBPath:             "roomly.db",
		DebugAddr:          "127.0.0.1:7070",
		LogLevel:           "info",
		ConnectTimeout:     15 * time.Second,
		MaxConnectAttempts: 3,
		JoinDebounce:       300 * time.Millisecond,
		JoinTimeout:        10 * time.Second,
		MaxJoinAttempts:    3,
		RemountGrace:       100 * time.Millisecond,
		TimelineMax:        200,
		GlobalMax:          1000,
		PageSize:           50,
		BlobMemoryEntries:  50,
		BlobMaxAge:         30 * 24 * time.Hour,
		BlobMaxBytes:       100 << 20,
		BlobSweepInterval:  time.Hour,
	}
}

func LoadFromEnv() (Config, error) {
	cfg := Defaults()
	cfg.ServerURL = os.Getenv("ROOMLY_SERVER_URL")
	cfg.Token = os.Getenv("ROOMLY_TOKEN")
	cfg.UserID = os.Getenv("ROOMLY_USER_ID")
	cfg.DisplayName = os.Getenv("ROOMLY_DISPLAY_NAME")
	cfg.HouseholdID = os.Getenv("ROOMLY_HOUSEHOLD_ID")
	cfg.DBURL = os.Getenv("ROOMLY_DB_URL")

	if v := os.Getenv("ROOMLY_DB_DRIVER"); v != "" {
		cfg.DBDriver = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv("ROOMLY_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("ROOMLY_DEBUG_ADDR"); v != "" {
		cfg.DebugAddr = v
	}
	if v := os.Getenv("ROOMLY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	var errs []error
	cfg.LogPretty = getbool("ROOMLY_LOG_PRETTY", cfg.LogPretty, &errs)
	cfg.ConnectTimeout = getdur("ROOMLY_CONNECT_TIMEOUT", cfg.ConnectTimeout, &errs)
	cfg.MaxConnectAttempts = getint("ROOMLY_MAX_CONNECT_ATTEMPTS", cfg.MaxConnectAttempts, &errs)
	cfg.JoinDebounce = getdur("ROOMLY_JOIN_DEBOUNCE", cfg.JoinDebounce, &errs)
	cfg.JoinTimeout = getdur("ROOMLY_JOIN_TIMEOUT", cfg.JoinTimeout, &errs)
	cfg.MaxJoinAttempts = getint("ROOMLY_MAX_JOIN_ATTEMPTS", cfg.MaxJoinAttempts, &errs)
	cfg.RemountGrace = getdur("ROOMLY_REMOUNT_GRACE", cfg.RemountGrace, &errs)
	cfg.TimelineMax = getint("ROOMLY_TIMELINE_MAX", cfg.TimelineMax, &errs)
	cfg.GlobalMax = getint("ROOMLY_GLOBAL_MAX", cfg.GlobalMax, &errs)
	cfg.PageSize = getint("ROOMLY_PAGE_SIZE", cfg.PageSize, &errs)
	cfg.BlobMemoryEntries = getint("ROOMLY_BLOB_MEMORY_ENTRIES", cfg.BlobMemoryEntries, &errs)
	cfg.BlobMaxAge = getdur("ROOMLY_BLOB_MAX_AGE", cfg.BlobMaxAge, &errs)
	cfg.BlobMaxBytes = int64(getint("ROOMLY_BLOB_MAX_BYTES", int(cfg.BlobMaxBytes), &errs))
	cfg.BlobSweepInterval = getdur("ROOMLY_BLOB_SWEEP_INTERVAL", cfg.BlobSweepInterval, &errs)
	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.ServerURL == "" {
		return errors.New("server url is required")
	}
	u, err := url.Parse(c.ServerURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("server url must be an absolute http(s) url")
	}
	switch c.DBDriver {
	case DriverSQLite:
		if c.DBPath == "" {
			return errors.New("db path is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.DBURL == "" {
			return errors.New("db url is required for the postgres driver")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown db driver %q", c.DBDriver)
	}
	for name, d := range map[string]time.Duration{
		"connect timeout":     c.ConnectTimeout,
		"join debounce":       c.JoinDebounce,
		"join timeout":        c.JoinTimeout,
		"remount grace":       c.RemountGrace,
		"blob max age":        c.BlobMaxAge,
		"blob sweep interval": c.BlobSweepInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	for name, n := range map[string]int{
		"max connect attempts": c.MaxConnectAttempts,
		"max join attempts":    c.MaxJoinAttempts,
		"timeline max":         c.TimelineMax,
		"page size":            c.PageSize,
		"blob memory entries":  c.BlobMemoryEntries,
	} {
		if n <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.GlobalMax < c.TimelineMax {
		return errors.New("global max must be at least the timeline max")
	}
	if c.BlobMaxBytes <= 0 {
		return errors.New("blob max bytes must be positive")
	}
	return nil
}

func getint(k string, def int, errs *[]error) int {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s must be an integer", k))
		return def
	}
	return n
}

func getdur(k string, def time.Duration, errs *[]error) time.Duration {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s must be a duration", k))
		return def
	}
	return d
}

func getbool(k string, def bool, errs *[]error) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(k)))
	switch v {
	case "":
		return def
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	*errs = append(*errs, fmt.Errorf("%s must be a boolean", k))
	return def
}
