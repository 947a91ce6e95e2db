package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"fundescrow/internal/escrow"
	"fundescrow/internal/gateway"
	"fundescrow/internal/milestone"
	"fundescrow/internal/model"
	"fundescrow/internal/tally"
	"fundescrow/pkg/config"
	"fundescrow/pkg/otel"
)

type Config struct {
	Env      string              `yaml:"env"`
	LogLevel string              `yaml:"log_level"`
	Store    StoreConfig         `yaml:"store"`
	DB       config.DBConfig     `yaml:"db"`
	MQ       config.MQConfig     `yaml:"mq"`
	Redis    config.RedisConfig  `yaml:"redis"`
	JWT      config.JWTConfig    `yaml:"jwt"`
	Server   config.ServerConfig `yaml:"server"`
	Escrow   EscrowConfig        `yaml:"escrow"`
	Gateway  GatewayConfig       `yaml:"gateway"`
	Outbox   OutboxConfig        `yaml:"outbox"`
	Worker   WorkerConfig        `yaml:"worker"`
	Otel     otel.Config         `yaml:"otel"`
}

type StoreConfig struct {
	// Driver is "postgres" or "memory".
	Driver  string `yaml:"driver"`
	Migrate bool   `yaml:"migrate"`
}

type EscrowConfig struct {
	VotingWindow   time.Duration `yaml:"voting_window"`
	QuorumFraction string        `yaml:"quorum_fraction"`
	EarlyClose     bool          `yaml:"early_close"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	Settlement     escrow.Config `yaml:"settlement"`
	BankAccounts   BankAccounts  `yaml:"bank_accounts"`
}

// BankAccounts maps campaigner id to payout details. Campaigners without an
// entry are paid to their wallet only.
type BankAccounts map[string]model.BankInfo

func (b BankAccounts) BankInfo(_ context.Context, campaignerID string) (*model.BankInfo, error) {
	info, ok := b[campaignerID]
	if !ok {
		return nil, nil
	}
	return &info, nil
}

type GatewayConfig struct {
	// Mode is "simulated" or "http".
	Mode      string                  `yaml:"mode"`
	Simulated gateway.SimulatedConfig `yaml:"simulated"`
	HTTP      gateway.HTTPConfig      `yaml:"http"`
}

type OutboxConfig struct {
	Interval   time.Duration `yaml:"interval"`
	BatchSize  int           `yaml:"batch_size"`
	MaxRetries int           `yaml:"max_retries"`
}

type WorkerConfig struct {
	Queue      string        `yaml:"queue"`
	Prefetch   int           `yaml:"prefetch"`
	MaxRetries int           `yaml:"max_retries"`
	DedupTTL   time.Duration `yaml:"dedup_ttl"`
}

// Load reads the configuration for CONFIG_ENV from CONFIG_DIR.
func Load() (*Config, error) {
	return LoadFrom(config.GetConfigEnv(), config.GetEnv("CONFIG_DIR", "config"))
}

func LoadFrom(env, dir string) (*Config, error) {
	cfg := Default()
	if err := config.Decode(env, dir, cfg); err != nil {
		return nil, err
	}
	if cfg.Env == "" {
		cfg.Env = env
	}

	// environment variables win over the file
	config.OverrideDBFromEnv(&cfg.DB)
	config.OverrideMQFromEnv(&cfg.MQ)
	config.OverrideRedisFromEnv(&cfg.Redis)
	config.OverrideJWTFromEnv(&cfg.JWT)
	config.OverrideServerFromEnv(&cfg.Server)
	if driver := os.Getenv("STORE_DRIVER"); driver != "" {
		cfg.Store.Driver = driver
	}
	if mode := os.Getenv("GATEWAY_MODE"); mode != "" {
		cfg.Gateway.Mode = mode
	}
	if url := os.Getenv("GATEWAY_URL"); url != "" {
		cfg.Gateway.HTTP.BaseURL = url
	}
	if key := os.Getenv("GATEWAY_API_KEY"); key != "" {
		cfg.Gateway.HTTP.APIKey = key
	}
	if early := os.Getenv("ESCROW_EARLY_CLOSE"); early != "" {
		if b, err := strconv.ParseBool(early); err == nil {
			cfg.Escrow.EarlyClose = b
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default is the configuration before any file is applied.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Store:    StoreConfig{Driver: "postgres", Migrate: true},
		Server:   config.ServerConfig{Port: "8080"},
		Escrow: EscrowConfig{
			VotingWindow:   72 * time.Hour,
			QuorumFraction: tally.DefaultQuorumFraction.String(),
			SweepInterval:  10 * time.Second,
			Settlement:     escrow.DefaultConfig(),
		},
		Gateway: GatewayConfig{
			Mode:      "simulated",
			Simulated: gateway.SimulatedConfig{SuccessProbability: 0.95},
			HTTP:      gateway.HTTPConfig{Timeout: 10 * time.Second},
		},
		Outbox: OutboxConfig{Interval: time.Second, BatchSize: 100, MaxRetries: 5},
		Worker: WorkerConfig{Queue: "escrow.settle.q", Prefetch: 10, MaxRetries: 3, DedupTTL: 10 * time.Minute},
		Otel:   otel.Config{ServiceName: "fundescrow", SampleRatio: 1},
	}
}

func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("store.driver %q: want postgres or memory", c.Store.Driver)
	}
	switch c.Gateway.Mode {
	case "simulated":
	case "http":
		if c.Gateway.HTTP.BaseURL == "" {
			return fmt.Errorf("gateway.http.base_url is required in http mode")
		}
	default:
		return fmt.Errorf("gateway.mode %q: want simulated or http", c.Gateway.Mode)
	}
	if _, err := c.quorum(); err != nil {
		return err
	}
	if c.Escrow.VotingWindow <= 0 {
		return fmt.Errorf("escrow.voting_window must be positive")
	}
	s := c.Escrow.Settlement
	if s.MaxRetries <= 0 || s.BackoffBase <= 0 || s.BackoffMax < s.BackoffBase {
		return fmt.Errorf("escrow.settlement retry settings are inconsistent")
	}
	switch s.Credit.Mode {
	case escrow.CreditFixed, escrow.CreditProportional:
	default:
		return fmt.Errorf("escrow.settlement.credit.mode %q: want fixed or proportional", s.Credit.Mode)
	}
	return nil
}

func (c *Config) quorum() (decimal.Decimal, error) {
	q, err := decimal.NewFromString(c.Escrow.QuorumFraction)
	if err != nil {
		return decimal.Zero, fmt.Errorf("escrow.quorum_fraction: %w", err)
	}
	if q.IsNegative() || q.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.Zero, fmt.Errorf("escrow.quorum_fraction %s must be within [0, 1]", q)
	}
	return q, nil
}

// MilestoneConfig assumes Validate passed.
func (c *Config) MilestoneConfig() milestone.Config {
	q, _ := c.quorum()
	return milestone.Config{
		VotingWindow: c.Escrow.VotingWindow,
		Policy:       tally.Policy{QuorumFraction: q},
		EarlyClose:   c.Escrow.EarlyClose,
	}
}
