// Package config provides application configuration structures and helpers.
package config

import (
	"flag"
	"log"
	"os"
	"strconv"

	"go.uber.org/zap"
)

// Quota ceilings per subscription tier: maximum admitted speed-insights data
// points per owner per calendar month.
const (
	DefaultFreeQuota = 5_000
	DefaultProQuota  = 20_000
)

// ServerConfig holds the configuration settings for the ingestion server.
type ServerConfig struct {
	Addr          string // HTTP listen address
	Logger        *zap.SugaredLogger
	DatabaseDsn   string // PostgreSQL DSN; takes precedence over SQLitePath
	SQLitePath    string // path to a SQLite database file
	Timezone      string // IANA zone name used for series bucketing
	RetentionDays int    // vitals older than this are deleted by the retention job
	FreeQuota     int64  // monthly event ceiling for the free tier
	ProQuota      int64  // monthly event ceiling for the pro tier
}

// NewServerConfig creates and returns a new ServerConfig by parsing flags and
// environment variables. Environment variables win over flags.
func NewServerConfig() *ServerConfig {
	logCfg := zap.NewProductionConfig()
	logCfg.OutputPaths = []string{"stdout"}
	logger := zap.Must(logCfg.Build())

	cfg := &ServerConfig{
		FreeQuota: DefaultFreeQuota,
		ProQuota:  DefaultProQuota,
	}
	flag.StringVar(&cfg.Addr, "a", "localhost:8080", "HTTP server address")
	flag.StringVar(&cfg.DatabaseDsn, "d", "", "PostgreSQL connection string")
	flag.StringVar(&cfg.SQLitePath, "s", "", "path to SQLite database file")
	flag.StringVar(&cfg.Timezone, "tz", "UTC", "IANA timezone for series bucketing")
	flag.IntVar(&cfg.RetentionDays, "retention", 90, "days to keep web vitals")
	flag.Parse()

	cfg.Logger = logger.Sugar()

	readServerEnvironment(cfg)

	return cfg
}

func readServerEnvironment(cfg *ServerConfig) {
	if addr := os.Getenv("ADDRESS"); addr != "" {
		cfg.Addr = addr
	}

	if dbDsn := os.Getenv("DATABASE_DSN"); dbDsn != "" {
		cfg.DatabaseDsn = dbDsn
	}

	if path := os.Getenv("SQLITE_PATH"); path != "" {
		cfg.SQLitePath = path
	}

	if tz := os.Getenv("TIMEZONE"); tz != "" {
		cfg.Timezone = tz
	}

	if retention := os.Getenv("RETENTION_DAYS"); retention != "" {
		v, err := strconv.Atoi(retention)
		if err == nil {
			cfg.RetentionDays = v
		} else {
			log.Printf("invalid RETENTION_DAYS env var: %v", err)
		}
	}

	if quota := os.Getenv("FREE_QUOTA"); quota != "" {
		v, err := strconv.ParseInt(quota, 10, 64)
		if err == nil {
			cfg.FreeQuota = v
		} else {
			log.Printf("invalid FREE_QUOTA env var: %v", err)
		}
	}

	if quota := os.Getenv("PRO_QUOTA"); quota != "" {
		v, err := strconv.ParseInt(quota, 10, 64)
		if err == nil {
			cfg.ProQuota = v
		} else {
			log.Printf("invalid PRO_QUOTA env var: %v", err)
		}
	}
}
