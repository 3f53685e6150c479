// Package config loads the orchestrator configuration from a YAML file,
// environment variables and built-in defaults, in that order of precedence
// (environment wins).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/tapevault/tapevault/internal/apperr"
	"github.com/tapevault/tapevault/internal/models"
)

// Config is the process-wide configuration, read once at startup and passed
// down explicitly; nothing else in the program holds global state.
type Config struct {
	// DatabaseURL selects the store backend by scheme.
	DatabaseURL string
	// CompressDir is the staging root holding work/ and final/ subtrees.
	CompressDir string
	// MaxFileSize caps the uncompressed bytes grouped into one archive.
	MaxFileSize int64
	// TapeDriveLetter addresses the tape mount (e.g. "O").
	TapeDriveLetter string

	SchedulerEnabled   bool
	MonthlyBackupCron  string
	RetentionCheckCron string

	RecoveryTempDir string
	DataDir         string

	DBPoolSize    int
	DBMaxOverflow int

	Host string
	Port int

	// TickInterval is the scheduler wake period.
	TickInterval time.Duration
	// SweepInterval gates the prefetcher's full pending-file recount.
	SweepInterval time.Duration

	LogFormat string
	Debug     bool

	// SlackWebhookURL enables run notifications when set.
	SlackWebhookURL string

	Location *time.Location
}

// Option adjusts loader behavior.
type Option func(*loader)

type loader struct {
	configFile string
	skipDotEnv bool
}

// WithConfigFile reads the given YAML file instead of searching defaults.
func WithConfigFile(path string) Option {
	return func(l *loader) { l.configFile = path }
}

// WithoutDotEnv skips .env loading (used in tests).
func WithoutDotEnv() Option {
	return func(l *loader) { l.skipDotEnv = true }
}

// Load reads and validates the configuration.
func Load(opts ...Option) (*Config, error) {
	var l loader
	for _, opt := range opts {
		opt(&l)
	}

	if !l.skipDotEnv {
		// Best effort; a missing .env is the normal case.
		_ = godotenv.Load()
	}

	v := viper.New()
	v.SetConfigType("yaml")
	if l.configFile != "" {
		v.SetConfigFile(l.configFile)
	} else {
		v.SetConfigName("tapevault")
		v.AddConfigPath("/etc/tapevault")
		v.AddConfigPath("$HOME/.config/tapevault")
		v.AddConfigPath(".")
	}

	setDefaults(v)
	bindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := &Config{
		DatabaseURL:        v.GetString("database-url"),
		CompressDir:        v.GetString("compress-dir"),
		MaxFileSize:        v.GetInt64("max-file-size"),
		TapeDriveLetter:    v.GetString("tape-drive-letter"),
		SchedulerEnabled:   v.GetBool("scheduler-enabled"),
		MonthlyBackupCron:  v.GetString("monthly-backup-cron"),
		RetentionCheckCron: v.GetString("retention-check-cron"),
		RecoveryTempDir:    v.GetString("recovery-temp-dir"),
		DataDir:            v.GetString("data-dir"),
		DBPoolSize:         v.GetInt("db-pool-size"),
		DBMaxOverflow:      v.GetInt("db-max-overflow"),
		Host:               v.GetString("host"),
		Port:               v.GetInt("port"),
		TickInterval:       v.GetDuration("tick-interval"),
		SweepInterval:      v.GetDuration("sweep-interval"),
		LogFormat:          v.GetString("log-format"),
		Debug:              v.GetBool("debug"),
		SlackWebhookURL:    v.GetString("slack-webhook-url"),
	}

	if tz := v.GetString("timezone"); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return nil, apperr.Validationf("unknown timezone %q", tz)
		}
		cfg.Location = loc
	} else {
		cfg.Location = time.Local
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("max-file-size", int64(8)<<30) // 8 GiB archives
	v.SetDefault("scheduler-enabled", true)
	v.SetDefault("db-pool-size", 10)
	v.SetDefault("db-max-overflow", 5)
	v.SetDefault("host", "127.0.0.1")
	v.SetDefault("port", 8085)
	v.SetDefault("tick-interval", time.Minute)
	v.SetDefault("sweep-interval", 30*time.Second)
	v.SetDefault("log-format", "text")
	v.SetDefault("data-dir", filepath.Join(os.TempDir(), "tapevault"))
}

func bindEnv(v *viper.Viper) {
	bind := func(key, env string) { _ = v.BindEnv(key, env) }
	bind("database-url", "DATABASE_URL")
	bind("compress-dir", "BACKUP_COMPRESS_DIR")
	bind("max-file-size", "MAX_FILE_SIZE")
	bind("tape-drive-letter", "TAPE_DRIVE_LETTER")
	bind("scheduler-enabled", "SCHEDULER_ENABLED")
	bind("monthly-backup-cron", "MONTHLY_BACKUP_CRON")
	bind("retention-check-cron", "RETENTION_CHECK_CRON")
	bind("recovery-temp-dir", "RECOVERY_TEMP_DIR")
	bind("db-pool-size", "DB_POOL_SIZE")
	bind("db-max-overflow", "DB_MAX_OVERFLOW")
	bind("data-dir", "TAPEVAULT_DATA_DIR")
	bind("host", "TAPEVAULT_HOST")
	bind("port", "TAPEVAULT_PORT")
	bind("log-format", "TAPEVAULT_LOG_FORMAT")
	bind("debug", "TAPEVAULT_DEBUG")
	bind("slack-webhook-url", "SLACK_WEBHOOK_URL")
	bind("timezone", "TZ")
}

// Validate checks required options and cron syntax.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return apperr.Validationf("DATABASE_URL is required")
	}
	if c.CompressDir == "" {
		return apperr.Validationf("BACKUP_COMPRESS_DIR is required")
	}
	if c.MaxFileSize <= 0 {
		return apperr.Validationf("MAX_FILE_SIZE must be positive")
	}
	for name, expr := range map[string]string{
		"MONTHLY_BACKUP_CRON":  c.MonthlyBackupCron,
		"RETENTION_CHECK_CRON": c.RetentionCheckCron,
	} {
		if expr == "" {
			continue
		}
		if _, err := models.CronParser.Parse(expr); err != nil {
			return apperr.Validationf("invalid %s %q: %v", name, expr, err)
		}
	}
	return nil
}

// WorkDir returns the in-progress archive directory for a set.
func (c *Config) WorkDir(setID string) string {
	return filepath.Join(c.CompressDir, "work", setID)
}

// FinalDir returns the ready-for-tape directory for a set.
func (c *Config) FinalDir(setID string) string {
	return filepath.Join(c.CompressDir, "final", setID)
}

// FinalRoot returns the root the tape mover scans.
func (c *Config) FinalRoot() string {
	return filepath.Join(c.CompressDir, "final")
}
