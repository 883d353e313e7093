package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/franz/dw-loader/internal/util"
	"github.com/spf13/viper"
)

// Config is the complete, validated runtime configuration.
// It is built once at startup and handed to each component constructor.
type Config struct {
	Stores     StoresConfig     `mapstructure:"stores"`
	Job        JobConfig        `mapstructure:"job"`
	Staging    StagingConfig    `mapstructure:"staging"`
	Quality    QualityConfig    `mapstructure:"quality"`
	Procedures ProceduresConfig `mapstructure:"procedures"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Upsert     UpsertConfig     `mapstructure:"upsert"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Artifacts  string           `mapstructure:"artifacts"`
}

// StoresConfig holds the DSN of each logically separate store
type StoresConfig struct {
	Control   string `mapstructure:"control"`
	Staging   string `mapstructure:"staging"`
	Warehouse string `mapstructure:"warehouse"`
}

// JobConfig names the job run and selects the orchestration mode
type JobConfig struct {
	Name string `mapstructure:"name"`
	Mode string `mapstructure:"mode"` // "per-file" or "batch"
}

// StagingConfig controls how raw rows land in staging
type StagingConfig struct {
	Table       string `mapstructure:"table"`
	Affirmative string `mapstructure:"affirmative"` // token parsed as true for boolean columns
	FileGroup   string `mapstructure:"file_group"`  // config group holding source file paths
}

// RuleConfig toggles one quality rule family
type RuleConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Columns []string `mapstructure:"columns"`
}

// QualityConfig holds the three independently toggleable rule families
type QualityConfig struct {
	Null      RuleConfig `mapstructure:"null"`
	Range     RuleConfig `mapstructure:"range"`
	Duplicate RuleConfig `mapstructure:"duplicate"`
}

// ProceduresConfig names the downstream operations invoked per file
type ProceduresConfig struct {
	Transform []string          `mapstructure:"transform"` // run as one all-or-nothing batch
	Load      []string          `mapstructure:"load"`      // run one by one after transform
	Scripts   map[string]string `mapstructure:"scripts"`   // name -> SQL; others are stored procedures
}

// RetryConfig is the procedure retry policy
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Delay       time.Duration `mapstructure:"delay"`
}

// UpsertConfig toggles the dimensional upsert engine
type UpsertConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// NotifyConfig configures job-result notification sinks
type NotifyConfig struct {
	SendGrid SendGridConfig `mapstructure:"sendgrid"`
}

// SendGridConfig configures the email sink; empty APIKey disables it
type SendGridConfig struct {
	APIKey string   `mapstructure:"api_key"`
	From   string   `mapstructure:"from"`
	To     []string `mapstructure:"to"`
}

// MetricsConfig configures the prometheus endpoint; empty Addr disables it
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

const (
	ModePerFile = "per-file"
	ModeBatch   = "batch"
)

// SetDefaults registers every default on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault("stores.control", "dwl-control.db")
	v.SetDefault("stores.staging", "dwl-staging.db")
	v.SetDefault("stores.warehouse", "dwl-warehouse.db")
	v.SetDefault("job.name", "Mobile_Data_ETL")
	v.SetDefault("job.mode", ModePerFile)
	v.SetDefault("staging.table", "staging_mobile")
	v.SetDefault("staging.affirmative", "Yes")
	v.SetDefault("staging.file_group", "FILE_PATH")
	v.SetDefault("quality.null.enabled", true)
	v.SetDefault("quality.null.columns", []string{"name", "brand", "model", "price"})
	v.SetDefault("quality.range.enabled", true)
	v.SetDefault("quality.range.columns", []string{"price", "battery_capacity", "ram", "internal_storage"})
	v.SetDefault("quality.duplicate.enabled", true)
	v.SetDefault("quality.duplicate.columns", []string{"name", "brand", "model"})
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.delay", 2*time.Second)
	v.SetDefault("upsert.enabled", true)
	// registered so DWL_* variables reach keys without a real default
	v.SetDefault("notify.sendgrid.api_key", "")
	v.SetDefault("notify.sendgrid.from", "")
	v.SetDefault("notify.sendgrid.to", []string{})
	v.SetDefault("metrics.addr", "")
	v.SetDefault("artifacts", "artifacts")
}

// Default returns the configuration produced by defaults alone
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	cfg, err := Load(v)
	if err != nil {
		// defaults are static and always valid
		panic(err)
	}
	return cfg
}

// Load unmarshals and validates the configuration held by v
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", util.ErrInvalidConfig, err)
	}

	cfg.Quality.Null.Columns = cleanList(cfg.Quality.Null.Columns)
	cfg.Quality.Range.Columns = cleanList(cfg.Quality.Range.Columns)
	cfg.Quality.Duplicate.Columns = cleanList(cfg.Quality.Duplicate.Columns)
	cfg.Procedures.Transform = cleanList(cfg.Procedures.Transform)
	cfg.Procedures.Load = cleanList(cfg.Procedures.Load)
	cfg.Notify.SendGrid.To = cleanList(cfg.Notify.SendGrid.To)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Stores.Control == "" || c.Stores.Staging == "" || c.Stores.Warehouse == "" {
		return fmt.Errorf("%w: stores.control, stores.staging and stores.warehouse are required", util.ErrInvalidConfig)
	}
	if c.Job.Name == "" {
		return fmt.Errorf("%w: job.name is required", util.ErrInvalidConfig)
	}
	if c.Job.Mode != ModePerFile && c.Job.Mode != ModeBatch {
		return fmt.Errorf("%w: job.mode must be %q or %q, got %q", util.ErrInvalidConfig, ModePerFile, ModeBatch, c.Job.Mode)
	}
	if c.Staging.Table == "" {
		return fmt.Errorf("%w: staging.table is required", util.ErrInvalidConfig)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("%w: retry.max_attempts must be at least 1", util.ErrInvalidConfig)
	}
	if c.Retry.Delay < 0 {
		return fmt.Errorf("%w: retry.delay must not be negative", util.ErrInvalidConfig)
	}
	if c.Quality.Duplicate.Enabled && len(c.Quality.Duplicate.Columns) == 0 {
		return fmt.Errorf("%w: quality.duplicate.columns is required when the rule is enabled", util.ErrInvalidConfig)
	}
	if sg := c.Notify.SendGrid; sg.APIKey != "" && (sg.From == "" || len(sg.To) == 0) {
		return fmt.Errorf("%w: notify.sendgrid.from and notify.sendgrid.to are required with an api key", util.ErrInvalidConfig)
	}
	return nil
}

// cleanList trims entries and drops empty ones, so "a, b," yields [a b]
func cleanList(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
