package config

import (
	"log/slog"
	"os"
	"strings"
)

// Config holds runtime configuration for the ccos binary.
type Config struct {
	LogLevel         string
	LedgerDriver     string
	LedgerDSN        string
	MicroVMProvider  string
	SigningSecret    string
	RedisAddr        string
	OTLPEndpoint     string
	OTelEnabled      bool
	PolicyFile       string
	CatalogFile      string
	ExportDir        string
	ExportS3Bucket   string
	ExportS3Region   string
	ExportS3Endpoint string
	ExportGCSBucket  string
}

// Load loads configuration from environment variables.
func Load() *Config {
	logLevel := os.Getenv("CCOS_LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	driver := os.Getenv("CCOS_LEDGER_DRIVER")
	if driver == "" {
		driver = "memory"
	}

	dsn := os.Getenv("CCOS_LEDGER_DSN")
	if dsn == "" && driver == "sqlite" {
		dsn = "ccos-ledger.db"
	}

	provider := os.Getenv("CCOS_MICROVM_PROVIDER")
	if provider == "" {
		// Always available; swap for wasm or process in production.
		provider = "mock"
	}

	return &Config{
		LogLevel:         logLevel,
		LedgerDriver:     driver,
		LedgerDSN:        dsn,
		MicroVMProvider:  provider,
		SigningSecret:    os.Getenv("CCOS_SIGNING_SECRET"),
		RedisAddr:        os.Getenv("CCOS_REDIS_ADDR"),
		OTLPEndpoint:     os.Getenv("CCOS_OTLP_ENDPOINT"),
		OTelEnabled:      os.Getenv("CCOS_OTEL_ENABLED") == "true",
		PolicyFile:       os.Getenv("CCOS_POLICY_FILE"),
		CatalogFile:      os.Getenv("CCOS_CATALOG_FILE"),
		ExportDir:        os.Getenv("CCOS_EXPORT_DIR"),
		ExportS3Bucket:   os.Getenv("CCOS_EXPORT_S3_BUCKET"),
		ExportS3Region:   os.Getenv("CCOS_EXPORT_S3_REGION"),
		ExportS3Endpoint: os.Getenv("CCOS_EXPORT_S3_ENDPOINT"),
		ExportGCSBucket:  os.Getenv("CCOS_EXPORT_GCS_BUCKET"),
	}
}

// SlogLevel maps LogLevel onto slog. Unknown values fall back to INFO.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
