package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the personality engine
type Config struct {
	General      GeneralConfig      `mapstructure:"general"`
	Server       ServerConfig       `mapstructure:"server"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry"`
	Pipeline     PipelineConfig     `mapstructure:"pipeline"`
	Scoring      ScoringConfig      `mapstructure:"scoring"`
	Patterns     PatternsConfig     `mapstructure:"patterns"`
	Correlations CorrelationsConfig `mapstructure:"correlations"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
}

// ServerConfig contains HTTP server and auth settings
type ServerConfig struct {
	Address   string `mapstructure:"address"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	PeriodicLogs bool `mapstructure:"periodic_logs"`
}

// PipelineConfig controls orchestration behaviour.
type PipelineConfig struct {
	StageTimeout       time.Duration `mapstructure:"stage_timeout"`
	LockTTL            time.Duration `mapstructure:"lock_ttl"`
	MaxConcurrentUsers int           `mapstructure:"max_concurrent_users"`
	// RefreshWindow is how long a completed run satisfies a non-forced
	// RunFull. Zero disables reuse.
	RefreshWindow time.Duration `mapstructure:"refresh_window"`
}

func (p PipelineConfig) Validate() error {
	if p.StageTimeout <= 0 {
		return fmt.Errorf("pipeline.stage_timeout must be > 0")
	}
	if p.LockTTL < p.StageTimeout {
		return fmt.Errorf("pipeline.lock_ttl must be >= pipeline.stage_timeout")
	}
	return nil
}

// ScoringConfig names the trait-update tuning parameters. The defaults
// reproduce the calibrated production behaviour; change with care.
type ScoringConfig struct {
	EvidenceWeightScale float64 `mapstructure:"evidence_weight_scale"`
	WeightGrowth        float64 `mapstructure:"weight_growth"`
	DefaultPriorWeight  float64 `mapstructure:"default_prior_weight"`
	ConfidenceBase      float64 `mapstructure:"confidence_base"`
	ConfidenceDivisor   float64 `mapstructure:"confidence_divisor"`
	ConfidenceCap       float64 `mapstructure:"confidence_cap"`
}

func (s ScoringConfig) Validate() error {
	if s.EvidenceWeightScale <= 0 || s.EvidenceWeightScale > 1 {
		return fmt.Errorf("scoring.evidence_weight_scale must be in (0,1]")
	}
	if s.WeightGrowth < 0 {
		return fmt.Errorf("scoring.weight_growth must be >= 0")
	}
	if s.ConfidenceCap <= 0 || s.ConfidenceCap > 1 {
		return fmt.Errorf("scoring.confidence_cap must be in (0,1]")
	}
	return nil
}

// PatternsConfig names the uniqueness-detection thresholds.
type PatternsConfig struct {
	DefiningLimit         int     `mapstructure:"defining_limit"`
	DefiningThreshold     float64 `mapstructure:"defining_threshold"`
	ExtremeHighPercentile float64 `mapstructure:"extreme_high_percentile"`
	ExtremeLowPercentile  float64 `mapstructure:"extreme_low_percentile"`
	ConsistencyThreshold  float64 `mapstructure:"consistency_threshold"`
}

func (p PatternsConfig) Validate() error {
	if p.DefiningLimit < 0 {
		return fmt.Errorf("patterns.defining_limit must be >= 0")
	}
	if p.ExtremeLowPercentile >= p.ExtremeHighPercentile {
		return fmt.Errorf("patterns.extreme_low_percentile must be < patterns.extreme_high_percentile")
	}
	return nil
}

// CorrelationsConfig points at the research correlation document.
type CorrelationsConfig struct {
	DocumentPath string `mapstructure:"document_path"`
}

// SchedulerConfig controls the periodic refresh loop.
type SchedulerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	TickInterval time.Duration `mapstructure:"tick_interval"`
}

// StorageConfig contains database configuration
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN builds a postgres connection string from the configured parts.
func (p PostgresConfig) DSN() string {
	if strings.TrimSpace(p.URL) != "" {
		return p.URL
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl)
}

// RedisConfig contains Redis connection settings. Redis is optional: when
// host is empty the pipeline falls back to the in-process lock registry only.
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (r RedisConfig) Enabled() bool { return strings.TrimSpace(r.Host) != "" }

// LoadConfig loads config from file
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("json")

	viper.SetDefault("general.log_level", "info")
	viper.SetDefault("server.address", ":10010")
	viper.SetDefault("telemetry.enabled", true)
	viper.SetDefault("telemetry.periodic_logs", false)
	viper.SetDefault("pipeline.stage_timeout", 2*time.Minute)
	viper.SetDefault("pipeline.lock_ttl", 10*time.Minute)
	viper.SetDefault("pipeline.max_concurrent_users", 8)
	viper.SetDefault("pipeline.refresh_window", time.Hour)
	viper.SetDefault("scoring.evidence_weight_scale", 0.1)
	viper.SetDefault("scoring.weight_growth", 0.01)
	viper.SetDefault("scoring.default_prior_weight", 1.0)
	viper.SetDefault("scoring.confidence_base", 0.5)
	viper.SetDefault("scoring.confidence_divisor", 1000.0)
	viper.SetDefault("scoring.confidence_cap", 0.95)
	viper.SetDefault("patterns.defining_limit", 5)
	viper.SetDefault("patterns.defining_threshold", 70.0)
	viper.SetDefault("patterns.extreme_high_percentile", 95.0)
	viper.SetDefault("patterns.extreme_low_percentile", 5.0)
	viper.SetDefault("patterns.consistency_threshold", 80.0)
	viper.SetDefault("correlations.document_path", "correlations.json")
	viper.SetDefault("scheduler.enabled", true)
	viper.SetDefault("scheduler.tick_interval", time.Hour)

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, ".."))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("PERSONIFY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	if err := config.Pipeline.Validate(); err != nil {
		panic(err)
	}
	if err := config.Scoring.Validate(); err != nil {
		panic(err)
	}
	if err := config.Patterns.Validate(); err != nil {
		panic(err)
	}
	if err := config.Storage.Postgres.Validate(); err != nil {
		panic(err)
	}
	return &config
}
