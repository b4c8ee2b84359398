package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/INLOpen/nexusrestore/storage"
	"gopkg.in/yaml.v3"
)

// BackupConfig locates the backup image to restore from.
type BackupConfig struct {
	RootPath string `yaml:"root_path"` // a local path or an s3://bucket/prefix URI
	BackupID string `yaml:"backup_id"`
	// S3 is used for every s3:// URI, including log dirs.
	S3 storage.S3Options `yaml:"s3"`
}

// ClusterConfig holds the single-node cluster the restore writes into.
type ClusterConfig struct {
	DataDir           string `yaml:"data_dir"`
	AvailabilityDelay string `yaml:"availability_delay"`
}

// RestoreConfig tunes the restore orchestration.
type RestoreConfig struct {
	ScratchDir          string   `yaml:"scratch_dir"`
	IgnoreDirs          []string `yaml:"ignore_dirs"`
	AvailabilityTimeout string   `yaml:"availability_timeout"`
	ModifyTimeout       string   `yaml:"modify_timeout"`
	PollInterval        string   `yaml:"poll_interval"`
	Concurrency         int      `yaml:"concurrency"`
}

// DataFileConfig holds settings for data files rewritten when a backup file
// spans several target regions.
type DataFileConfig struct {
	Compression    string `yaml:"compression"` // "", "none", "snappy", "lz4" or "zstd"; empty keeps the source codec
	BlockSizeBytes int    `yaml:"block_size_bytes"`
}

// LoggingConfig holds logging-specific configurations.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // e.g., "debug", "info", "warn", "error"
	Output string `yaml:"output"` // e.g., "stdout", "file", "none"
	File   string `yaml:"file"`   // Path to the log file, used if output is "file"
}

// TracingConfig holds configuration for distributed tracing.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"` // e.g., "localhost:4317" for gRPC OTLP collector
	Protocol string `yaml:"protocol"` // "grpc" or "http"
}

// Config is the top-level configuration struct.
type Config struct {
	Backup   BackupConfig   `yaml:"backup"`
	Cluster  ClusterConfig  `yaml:"cluster"`
	Restore  RestoreConfig  `yaml:"restore"`
	DataFile DataFileConfig `yaml:"datafile"`
	Logging  LoggingConfig  `yaml:"logging"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

// ParseDuration parses a duration string. Returns the default duration if the string is empty or invalid.
// Logs a warning if the string is invalid but not empty.
func ParseDuration(durationStr string, defaultDuration time.Duration, logger *slog.Logger) time.Duration {
	if durationStr == "" || durationStr == "0" {
		return defaultDuration
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		if logger != nil {
			logger.Warn("Invalid duration format, using default", "input", durationStr, "default", defaultDuration.String(), "error", err)
		}
		return defaultDuration
	}
	return d
}

// Load reads configuration from an io.Reader.
// This is the core logic, separated for testability.
func Load(r io.Reader) (*Config, error) {
	// Set default values
	cfg := &Config{
		Backup: BackupConfig{
			RootPath: "./backups",
			S3: storage.S3Options{
				Region:       "us-east-1",
				AccessKeyEnv: "AWS_ACCESS_KEY_ID",
				SecretKeyEnv: "AWS_SECRET_ACCESS_KEY",
			},
		},
		Cluster: ClusterConfig{
			DataDir:           "./data",
			AvailabilityDelay: "0s",
		},
		Restore: RestoreConfig{
			ScratchDir:          "./restore-scratch",
			IgnoreDirs:          []string{"recovered.edits"},
			AvailabilityTimeout: "180s",
			ModifyTimeout:       "180s",
			PollInterval:        "100ms",
			Concurrency:         4,
		},
		DataFile: DataFileConfig{
			Compression:    "",
			BlockSizeBytes: 32 * 1024, // 32 KiB
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			File:   "restore.log",
		},
		Tracing: TracingConfig{
			Enabled:  false,
			Endpoint: "localhost:4317",
			Protocol: "grpc",
		},
	}

	// If the reader is nil, it's like an empty file, return defaults.
	if r == nil {
		return cfg, nil
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}

	if len(data) == 0 {
		return cfg, nil
	}

	// Unmarshal YAML into the config struct, overwriting defaults
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	return cfg, nil
}

// LoadConfig reads configuration from a YAML file by path.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			// If file doesn't exist, return default config by calling Load with a nil reader.
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	return Load(file)
}
