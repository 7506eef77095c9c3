// Package config loads node configuration from the environment and
// settlement policy profiles from YAML.
package config

import "os"

// Config holds node configuration.
type Config struct {
	LogLevel       string
	DatabaseURL    string
	SQLitePath     string
	RedisAddr      string
	SpoolDir       string
	ProfileDir     string
	WorkerID       string
	OTLPEndpoint   string
	SigningSeedHex string
}

// Load loads configuration from environment variables.
func Load() *Config {
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	sqlitePath := os.Getenv("KEEL_SQLITE_PATH")
	if sqlitePath == "" {
		sqlitePath = "keel.db"
	}

	spoolDir := os.Getenv("KEEL_SPOOL_DIR")
	if spoolDir == "" {
		spoolDir = "spool"
	}

	profileDir := os.Getenv("KEEL_PROFILE_DIR")
	if profileDir == "" {
		profileDir = "profiles"
	}

	workerID := os.Getenv("KEEL_WORKER_ID")
	if workerID == "" {
		host, _ := os.Hostname()
		workerID = host
	}

	return &Config{
		LogLevel:       logLevel,
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		SQLitePath:     sqlitePath,
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		SpoolDir:       spoolDir,
		ProfileDir:     profileDir,
		WorkerID:       workerID,
		OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		SigningSeedHex: os.Getenv("KEEL_SIGNING_SEED"),
	}
}
