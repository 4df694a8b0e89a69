// Package config loads runtime configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// ErrConfig indicates missing or malformed configuration; entry points
// abort on it without retry.
var ErrConfig = errors.New("configuration error")

// Config holds the back-office runtime configuration.
type Config struct {
	MasterSecret string

	PortalBaseURL  string
	PortalLoginURL string
	PortalTimeout  time.Duration
	Headless       bool

	DatabaseURL   string
	TaskBrokerURL string

	TimeZone *time.Location

	SyncBatchSize        int
	SyncProgressInterval int // periods between progress persists

	ArchiveBucket string // empty disables the raw payload archiver

	OTLPEndpoint string
	LogLevel     string
}

// Load reads configuration from the environment. MASTER_SECRET is the only
// required variable; everything else has a default.
func Load() (*Config, error) {
	secret := os.Getenv("MASTER_SECRET")
	if secret == "" {
		return nil, fmt.Errorf("%w: MASTER_SECRET is required", ErrConfig)
	}

	tzName := getenv("TIME_ZONE", "America/Santiago")
	loc, err := time.LoadLocation(tzName)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid TIME_ZONE %q: %v", ErrConfig, tzName, err)
	}

	timeoutSecs, err := getenvInt("PORTAL_TIMEOUT_SECONDS", 30)
	if err != nil {
		return nil, err
	}
	batchSize, err := getenvInt("SYNC_BATCH_SIZE", 1000)
	if err != nil {
		return nil, err
	}
	progressInterval, err := getenvInt("SYNC_PROGRESS_INTERVAL_PERIODS", 10)
	if err != nil {
		return nil, err
	}

	return &Config{
		MasterSecret:         secret,
		PortalBaseURL:        getenv("PORTAL_BASE_URL", "https://misiir.sii.cl"),
		PortalLoginURL:       getenv("PORTAL_LOGIN_URL", "https://zeusr.sii.cl/cgi_AUT2000/CAutInicio.cgi"),
		PortalTimeout:        time.Duration(timeoutSecs) * time.Second,
		Headless:             getenv("HEADLESS_BROWSER", "true") == "true",
		DatabaseURL:          getenv("DATABASE_URL", "postgres://taxops@localhost:5432/taxops?sslmode=disable"),
		TaskBrokerURL:        getenv("TASK_BROKER_URL", "redis://localhost:6379/0"),
		TimeZone:             loc,
		SyncBatchSize:        batchSize,
		SyncProgressInterval: progressInterval,
		ArchiveBucket:        os.Getenv("ARCHIVE_BUCKET"),
		OTLPEndpoint:         os.Getenv("OTLP_ENDPOINT"),
		LogLevel:             getenv("LOG_LEVEL", "INFO"),
	}, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %s must be a positive integer, got %q", ErrConfig, key, v)
	}
	return n, nil
}
