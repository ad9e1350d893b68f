// Package env loads the host-process configuration from environment
// variables. The core never reads the environment itself.
package env

import (
	"fmt"
	"os"
	"strconv"
)

// Config is the process configuration.
type Config struct {
	Addr        string // HTTP listen address
	RedisAddr   string
	RedisDB     int
	SiteID      uint64 // stable replica identifier, never reused
	SSN         uint64 // session number, must increase across restarts
	TopicPrefix string // broadcast channel prefix

	SnapshotOnShutdown bool
	Dev                bool
}

// Load reads configuration with defaults suitable for local runs.
// COLLABD_SITE_ID is mandatory: replicas must not share an identifier.
func Load() (Config, error) {
	cfg := Config{
		Addr:        getenv("COLLABD_ADDR", "127.0.0.1:8080"),
		RedisAddr:   getenv("COLLABD_REDIS_ADDR", "localhost:6379"),
		TopicPrefix: getenv("COLLABD_TOPIC_PREFIX", "collabd:ops-feed:"),
		Dev:         os.Getenv("ENV") == "dev",
	}

	db, err := strconv.Atoi(getenv("COLLABD_REDIS_DB", "0"))
	if err != nil {
		return Config{}, fmt.Errorf("COLLABD_REDIS_DB: %w", err)
	}
	cfg.RedisDB = db

	sidStr := os.Getenv("COLLABD_SITE_ID")
	if sidStr == "" {
		return Config{}, fmt.Errorf("COLLABD_SITE_ID is required")
	}
	sid, err := strconv.ParseUint(sidStr, 10, 64)
	if err != nil || sid == 0 {
		return Config{}, fmt.Errorf("COLLABD_SITE_ID must be a positive integer, got %q", sidStr)
	}
	cfg.SiteID = sid

	ssn, err := strconv.ParseUint(getenv("COLLABD_SSN", "1"), 10, 64)
	if err != nil || ssn == 0 {
		return Config{}, fmt.Errorf("COLLABD_SSN must be a positive integer")
	}
	cfg.SSN = ssn

	cfg.SnapshotOnShutdown = getenv("COLLABD_SNAPSHOT_ON_SHUTDOWN", "true") == "true"

	return cfg, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
