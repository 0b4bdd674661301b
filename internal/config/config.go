// Package config provides configuration management functionality.
// Deployment-level knobs (paths, port, credentials) come from the
// environment; the index computation surface comes from a YAML document
// validated at startup.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir      string // Base directory for all databases and snapshots (always absolute)
	ConfigFile   string // Optional YAML settings file; empty means documented defaults
	LogLevel     string
	LogPretty    bool
	Port         int
	DegradedMode bool // Allow adapters to synthesize flagged fallback samples

	// Store backend selection: "sqlite" (embedded, default) or "timescale".
	StoreBackend string
	DatabaseURL  string // Postgres/Timescale DSN, required for the timescale backend

	FredAPIKey string

	Backup BackupConfig

	Settings *Settings
}

// BackupConfig holds object-storage backup settings. Credentials stay in the
// environment, never in the YAML document.
type BackupConfig struct {
	Enabled         bool
	Endpoint        string // S3-compatible endpoint URL
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	Keep            int // Number of remote backups to retain
}

// Load reads configuration from environment variables and the optional
// settings file.
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("INDEXD_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}

	// Always resolve to absolute path
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	// Ensure directory exists
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:      absDataDir,
		ConfigFile:   getEnv("INDEXD_CONFIG", ""),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		LogPretty:    getEnvAsBool("LOG_PRETTY", false),
		Port:         getEnvAsInt("INDEXD_PORT", 8090),
		DegradedMode: getEnvAsBool("DEGRADED_MODE", false),
		StoreBackend: getEnv("STORE_BACKEND", "sqlite"),
		DatabaseURL:  getEnv("DATABASE_URL", ""),
		FredAPIKey:   getEnv("FRED_API_KEY", ""),
		Backup: BackupConfig{
			Enabled:         getEnvAsBool("BACKUP_ENABLED", false),
			Endpoint:        getEnv("S3_ENDPOINT", ""),
			Region:          getEnv("S3_REGION", "auto"),
			Bucket:          getEnv("S3_BUCKET", ""),
			AccessKeyID:     getEnv("S3_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("S3_SECRET_ACCESS_KEY", ""),
			Keep:            getEnvAsInt("BACKUP_KEEP", 14),
		},
	}

	settings, err := LoadSettings(cfg.ConfigFile)
	if err != nil {
		return nil, err
	}
	cfg.Settings = settings

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks deployment-level configuration. Settings are validated
// separately in LoadSettings.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid INDEXD_PORT %d", c.Port)
	}
	switch c.StoreBackend {
	case "sqlite":
	case "timescale":
		if c.DatabaseURL == "" {
			return fmt.Errorf("STORE_BACKEND=timescale requires DATABASE_URL")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	if c.Backup.Enabled {
		if c.Backup.Bucket == "" {
			return fmt.Errorf("BACKUP_ENABLED requires S3_BUCKET")
		}
		if c.Backup.AccessKeyID == "" || c.Backup.SecretAccessKey == "" {
			return fmt.Errorf("BACKUP_ENABLED requires S3_ACCESS_KEY_ID and S3_SECRET_ACCESS_KEY")
		}
	}
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
