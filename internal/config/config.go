// Package config loads taskflow's critical-path file: the single YAML
// document enumerating scheduler concurrency caps, retry policy, HITL
// thresholds/SLAs, cache sizes and backend connection settings (spec
// §6). Hot-reload of this file is explicitly not required; callers
// that want to react to on-disk task definitions changing should watch
// the task directory instead (see internal/task).
package config

import (
	"bytes"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	taskflowerrors "github.com/taskflow/taskflow/internal/errors"
)

type ServerConfig struct {
	MetricsPort string `yaml:"metrics_port" validate:"required"`
}

type SchedulerConfig struct {
	MaxParallel     int            `yaml:"max_parallel" validate:"required,gt=0"`
	MaxParallelRole map[string]int `yaml:"max_parallel_role"`
	MaxAttempts     int            `yaml:"max_attempts" validate:"gte=0"`
	BackoffBase     time.Duration  `yaml:"backoff_base"`
	BackoffFactor   float64        `yaml:"backoff_factor"`
	BackoffJitter   float64        `yaml:"backoff_jitter"`
	GracePeriod     time.Duration  `yaml:"grace_period"`
	MinHardTimeout  time.Duration  `yaml:"min_hard_timeout"`
	MaxHardTimeout  time.Duration  `yaml:"max_hard_timeout"`
}

type HitlConfig struct {
	AutoApproveBelow int           `yaml:"auto_approve_below"`
	EscalateAtOrAbove int          `yaml:"escalate_at_or_above"`
	StandardSLA      time.Duration `yaml:"standard_sla"`
	EscalatedSLA     time.Duration `yaml:"escalated_sla"`
	MaxPromotions    int           `yaml:"max_promotions"`
	FailureRateHalfLife time.Duration `yaml:"failure_rate_half_life"`
	SlackChannel     string        `yaml:"slack_channel"`
	SlackBotToken    string        `yaml:"slack_bot_token"`
	PolicyPath       string        `yaml:"policy_path"`
}

type MemoryConfig struct {
	L1Size         int           `yaml:"l1_size"`
	L2Size         int           `yaml:"l2_size"`
	TierHotWindow  time.Duration `yaml:"tier_hot_window"`
	TierWarmWindow time.Duration `yaml:"tier_warm_window"`
	MasterKeyEnv   string        `yaml:"master_key_env"`
}

type PostgresConfig struct {
	DSN            string `yaml:"dsn" validate:"required"`
	MaxOpenConns   int    `yaml:"max_open_conns"`
	MaxIdleConns   int    `yaml:"max_idle_conns"`
}

type RedisConfig struct {
	Addr string `yaml:"addr" validate:"required"`
	DB   int    `yaml:"db"`
}

type LLMProviderConfig struct {
	Provider string `yaml:"provider" validate:"oneof=anthropic langchain bedrock"`
	Model    string `yaml:"model"`
	Region   string `yaml:"region"`
}

type Config struct {
	Server    ServerConfig      `yaml:"server"`
	Scheduler SchedulerConfig   `yaml:"scheduler"`
	Hitl      HitlConfig        `yaml:"hitl"`
	Memory    MemoryConfig      `yaml:"memory"`
	Postgres  PostgresConfig    `yaml:"postgres"`
	Redis     RedisConfig       `yaml:"redis"`
	LLM       LLMProviderConfig `yaml:"llm"`
	TaskDir   string            `yaml:"task_dir" validate:"required"`
	StoreDir  string            `yaml:"store_dir" validate:"required"`
}

var validate = validator.New()

// Load reads and validates the critical-path file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, taskflowerrors.Wrapf(err, taskflowerrors.ErrorTypeValidation, "read config %s", path)
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, taskflowerrors.Wrap(err, taskflowerrors.ErrorTypeValidation, "parse config")
	}

	applyDefaults(&cfg)

	if err := validate.Struct(&cfg); err != nil {
		return nil, taskflowerrors.Wrap(err, taskflowerrors.ErrorTypeValidation, "invalid config")
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Scheduler.MaxAttempts == 0 {
		cfg.Scheduler.MaxAttempts = 3
	}
	if cfg.Scheduler.BackoffBase == 0 {
		cfg.Scheduler.BackoffBase = 30 * time.Second
	}
	if cfg.Scheduler.BackoffFactor == 0 {
		cfg.Scheduler.BackoffFactor = 2
	}
	if cfg.Scheduler.BackoffJitter == 0 {
		cfg.Scheduler.BackoffJitter = 0.25
	}
	if cfg.Scheduler.MinHardTimeout == 0 {
		cfg.Scheduler.MinHardTimeout = 5 * time.Minute
	}
	if cfg.Scheduler.MaxHardTimeout == 0 {
		cfg.Scheduler.MaxHardTimeout = 2 * time.Hour
	}
	if cfg.Hitl.AutoApproveBelow == 0 {
		cfg.Hitl.AutoApproveBelow = 3
	}
	if cfg.Hitl.EscalateAtOrAbove == 0 {
		cfg.Hitl.EscalateAtOrAbove = 7
	}
	if cfg.Hitl.StandardSLA == 0 {
		cfg.Hitl.StandardSLA = 4 * time.Hour
	}
	if cfg.Hitl.EscalatedSLA == 0 {
		cfg.Hitl.EscalatedSLA = time.Hour
	}
	if cfg.Hitl.MaxPromotions == 0 {
		cfg.Hitl.MaxPromotions = 3
	}
	if cfg.Hitl.FailureRateHalfLife == 0 {
		cfg.Hitl.FailureRateHalfLife = 30 * 24 * time.Hour
	}
	if cfg.Memory.L1Size == 0 {
		cfg.Memory.L1Size = 1000
	}
	if cfg.Memory.L2Size == 0 {
		cfg.Memory.L2Size = 10000
	}
	if cfg.Memory.TierHotWindow == 0 {
		cfg.Memory.TierHotWindow = time.Hour
	}
	if cfg.Memory.TierWarmWindow == 0 {
		cfg.Memory.TierWarmWindow = 24 * time.Hour
	}
}
