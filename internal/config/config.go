package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/mpataki/smithers/internal/telemetry"
)

type LeaseConfig struct {
	StaleAfter time.Duration `yaml:"stale_after"`
	Wait       time.Duration `yaml:"wait"`
}

type VCSConfig struct {
	StaleAfter time.Duration `yaml:"stale_after"`
}

type CheckerConfig struct {
	// Schedule is a robfig/cron spec such as "@every 30s".
	Schedule string `yaml:"schedule"`
}

type Config struct {
	DataDir     string           `yaml:"-"`
	DBPath      string           `yaml:"db_path"`
	ExecutionID string           `yaml:"execution_id"`
	LogLevel    string           `yaml:"log_level"`
	LogFormat   string           `yaml:"log_format"`
	BacklogPath string           `yaml:"backlog"`
	RepoPath    string           `yaml:"repo"`
	Lease       LeaseConfig      `yaml:"lease"`
	VCS         VCSConfig        `yaml:"vcs"`
	Checker     CheckerConfig    `yaml:"checker"`
	Telemetry   telemetry.Config `yaml:"telemetry"`
}

// New loads configuration from, in increasing precedence: defaults,
// <data dir>/config.yaml, a .env file in the working directory, and the
// SMITHERS_* environment.
func New() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	dataDir := getEnv("SMITHERS_DATA_DIR", filepath.Join(homeDir, ".smithers"))
	return Load(dataDir)
}

// Load builds a Config rooted at dataDir without reading .env.
func Load(dataDir string) (*Config, error) {
	c := defaults(dataDir)

	data, err := os.ReadFile(filepath.Join(dataDir, "config.yaml"))
	switch {
	case err == nil && len(data) > 0:
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("parse config.yaml: %w", err)
		}
	case err != nil && !os.IsNotExist(err):
		return nil, fmt.Errorf("read config.yaml: %w", err)
	}

	c.applyEnv()
	c.normalize()
	return c, nil
}

func defaults(dataDir string) *Config {
	return &Config{
		DataDir:   dataDir,
		DBPath:    filepath.Join(dataDir, "smithers.db"),
		LogLevel:  "info",
		LogFormat: "text",
		RepoPath:  ".",
		Lease:     LeaseConfig{StaleAfter: 15 * time.Minute, Wait: 30 * time.Second},
		VCS:       VCSConfig{StaleAfter: 30 * time.Minute},
		Checker:   CheckerConfig{Schedule: "@every 30s"},
		Telemetry: telemetry.Config{Exporter: "stdout", ServiceName: "smithers", SampleRate: 1},
	}
}

func (c *Config) applyEnv() {
	c.DBPath = getEnv("SMITHERS_DB_PATH", c.DBPath)
	c.ExecutionID = getEnv("SMITHERS_EXECUTION_ID", c.ExecutionID)
	c.LogLevel = getEnv("SMITHERS_LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("SMITHERS_LOG_FORMAT", c.LogFormat)
	c.BacklogPath = getEnv("SMITHERS_BACKLOG", c.BacklogPath)
	c.RepoPath = getEnv("SMITHERS_REPO", c.RepoPath)
	c.Lease.StaleAfter = getDuration("SMITHERS_LEASE_STALE_AFTER", c.Lease.StaleAfter)
	c.VCS.StaleAfter = getDuration("SMITHERS_VCS_STALE_AFTER", c.VCS.StaleAfter)
	if exporter, ok := os.LookupEnv("SMITHERS_OTEL_EXPORTER"); ok {
		c.Telemetry.Exporter = exporter
		c.Telemetry.Enabled = exporter != "" && exporter != "none"
	}
}

func (c *Config) normalize() {
	c.ExecutionID = strings.TrimSpace(c.ExecutionID)
	c.LogLevel = strings.ToLower(c.LogLevel)
	c.LogFormat = strings.ToLower(c.LogFormat)
	if c.Checker.Schedule == "" {
		c.Checker.Schedule = "@every 30s"
	}
	if c.DBPath != "" && !filepath.IsAbs(c.DBPath) && c.DBPath != ":memory:" {
		c.DBPath = filepath.Join(c.DataDir, c.DBPath)
	}
}

func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return err
	}
	return os.MkdirAll(filepath.Dir(c.DBPath), 0755)
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getDuration keeps defaultValue when the variable is unset or unparsable.
func getDuration(key string, defaultValue time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return defaultValue
	}
	return d
}
