// Package config provides YAML-based configuration loading for Parley, with
// environment overrides for secrets and deployment settings.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override variable.
const EnvPrefix = "PARLEY_"

// Config is the top-level Parley configuration, loaded from parley.yaml.
type Config struct {
	Brand        string             `yaml:"brand" env:"BRAND"`
	Database     DatabaseConfig     `yaml:"database" envPrefix:"DB_"`
	Server       ServerConfig       `yaml:"server" envPrefix:"SERVER_"`
	Log          LogConfig          `yaml:"log" envPrefix:"LOG_"`
	Classifier   ClassifierConfig   `yaml:"classifier" envPrefix:"CLASSIFIER_"`
	Policy       PolicyConfig       `yaml:"policy"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Lock         LockConfig         `yaml:"lock" envPrefix:"LOCK_"`
	Mailer       MailerConfig       `yaml:"mailer" envPrefix:"MAILER_"`
	Triggers     TriggersConfig     `yaml:"triggers" envPrefix:"TRIGGER_"`
	Notify       NotifyConfig       `yaml:"notify" envPrefix:"NOTIFY_"`
	Sweep        SweepConfig        `yaml:"sweep"`
	Campaigns    []CampaignConfig   `yaml:"campaigns"`
}

// DatabaseConfig selects and addresses the backing SQL store.
type DatabaseConfig struct {
	Driver   string `yaml:"driver" env:"DRIVER"` // mysql or sqlite
	Host     string `yaml:"host" env:"HOST"`
	Port     int    `yaml:"port" env:"PORT"`
	Name     string `yaml:"name" env:"NAME"`
	User     string `yaml:"user" env:"USER"`
	Password string `yaml:"password" env:"PASSWORD"`
	Path     string `yaml:"path" env:"PATH"` // sqlite file
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port          int    `yaml:"port" env:"PORT"`
	WebhookSecret string `yaml:"webhook_secret" env:"WEBHOOK_SECRET"`
}

// LogConfig configures the structured logger.
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"` // json or console
}

// ClassifierConfig selects the AI service used to analyze inbound replies.
type ClassifierConfig struct {
	Provider string        `yaml:"provider" env:"PROVIDER"` // openai or static
	Model    string        `yaml:"model" env:"MODEL"`
	APIKey   string        `yaml:"api_key" env:"API_KEY"`
	BaseURL  string        `yaml:"base_url" env:"BASE_URL"`
	Timeout  time.Duration `yaml:"timeout" env:"TIMEOUT"`
	History  int           `yaml:"history"` // recent messages sent as context
}

// PolicyConfig tunes the escalation policy.
type PolicyConfig struct {
	TolerancePercent float64 `yaml:"tolerance_percent"`
	// DisableAutoReply forces every analyzed reply into human review.
	DisableAutoReply bool `yaml:"disable_auto_reply"`
}

// OrchestratorConfig tunes the negotiation state machine.
type OrchestratorConfig struct {
	MaxCommitRetries int           `yaml:"max_commit_retries"`
	AnalyzingTimeout time.Duration `yaml:"analyzing_timeout"`
	AbandonAfter     time.Duration `yaml:"abandon_after"`
	SendTimeout      time.Duration `yaml:"send_timeout"`
	KeyCacheSize     int           `yaml:"key_cache_size"`
}

// LockConfig selects the per-conversation lock backend.
type LockConfig struct {
	Backend   string        `yaml:"backend" env:"BACKEND"` // local or redis
	RedisAddr string        `yaml:"redis_addr" env:"REDIS_ADDR"`
	TTL       time.Duration `yaml:"ttl"`
}

// MailerConfig selects the outbound email transport.
type MailerConfig struct {
	Transport string `yaml:"transport" env:"TRANSPORT"` // log or http
	Endpoint  string `yaml:"endpoint" env:"ENDPOINT"`
	APIKey    string `yaml:"api_key" env:"API_KEY"`
	From      string `yaml:"from" env:"FROM"`
}

// TriggersConfig addresses the contract and payment collaborators.
type TriggersConfig struct {
	ContractURL string `yaml:"contract_url" env:"CONTRACT_URL"`
	PaymentURL  string `yaml:"payment_url" env:"PAYMENT_URL"`
	APIKey      string `yaml:"api_key" env:"API_KEY"`
}

// NotifyConfig configures operator alerts for pending approvals.
type NotifyConfig struct {
	SlackBotToken  string `yaml:"slack_bot_token" env:"SLACK_BOT_TOKEN"`
	SlackChannel   string `yaml:"slack_channel" env:"SLACK_CHANNEL"`
	DiscordToken   string `yaml:"discord_token" env:"DISCORD_TOKEN"`
	DiscordChannel string `yaml:"discord_channel" env:"DISCORD_CHANNEL"`
	DashboardURL   string `yaml:"dashboard_url" env:"DASHBOARD_URL"`
}

// SweepConfig schedules the stale-conversation sweep.
type SweepConfig struct {
	Schedule string `yaml:"schedule"` // 5-field cron expression
}

// CampaignConfig seeds a Campaign row.
type CampaignConfig struct {
	ID                  string `yaml:"id"`
	Name                string `yaml:"name"`
	BrandAddress        string `yaml:"brand_address"`
	BudgetCeiling       string `yaml:"budget_ceiling"`
	OfferedCompensation string `yaml:"offered_compensation"`
	DeliverableBaseline int    `yaml:"deliverable_baseline"`
	VideoLengthBaseline int    `yaml:"video_length_baseline"`
}

// Load reads a YAML config file from path, applies environment overrides,
// and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return parse(data, os.Environ())
}

// Parse unmarshals YAML bytes into a validated Config. Environment overrides
// are not applied.
func Parse(data []byte) (*Config, error) {
	return parse(data, nil)
}

// ParseWithEnv unmarshals YAML bytes and applies overrides from environ,
// a list of KEY=VALUE pairs.
func ParseWithEnv(data []byte, environ []string) (*Config, error) {
	return parse(data, environ)
}

func parse(data []byte, environ []string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if environ != nil {
		if err := env.ParseWithOptions(&cfg, env.Options{
			Prefix:      EnvPrefix,
			Environment: toEnvMap(environ),
		}); err != nil {
			return nil, fmt.Errorf("config: env overrides: %w", err)
		}
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "mysql"
	}
	if c.Database.Host == "" {
		c.Database.Host = "127.0.0.1"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 3306
	}
	if c.Database.User == "" {
		c.Database.User = "root"
	}
	if c.Database.Name == "" && c.Brand != "" {
		c.Database.Name = "parley_" + c.Brand
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		c.Database.Path = "parley.db"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Classifier.Provider == "" {
		c.Classifier.Provider = "openai"
	}
	if c.Classifier.Model == "" {
		c.Classifier.Model = "gpt-4o-mini"
	}
	if c.Classifier.Timeout == 0 {
		c.Classifier.Timeout = 45 * time.Second
	}
	if c.Classifier.History == 0 {
		c.Classifier.History = 10
	}
	if c.Policy.TolerancePercent == 0 {
		c.Policy.TolerancePercent = 20
	}
	if c.Orchestrator.MaxCommitRetries == 0 {
		c.Orchestrator.MaxCommitRetries = 3
	}
	if c.Orchestrator.AnalyzingTimeout == 0 {
		c.Orchestrator.AnalyzingTimeout = 2 * c.Classifier.Timeout
	}
	if c.Orchestrator.AbandonAfter == 0 {
		c.Orchestrator.AbandonAfter = 14 * 24 * time.Hour
	}
	if c.Orchestrator.SendTimeout == 0 {
		c.Orchestrator.SendTimeout = 30 * time.Second
	}
	if c.Orchestrator.KeyCacheSize == 0 {
		c.Orchestrator.KeyCacheSize = 4096
	}
	if c.Lock.Backend == "" {
		c.Lock.Backend = "local"
	}
	if c.Lock.TTL == 0 {
		c.Lock.TTL = 30 * time.Second
	}
	if c.Mailer.Transport == "" {
		c.Mailer.Transport = "log"
	}
	if c.Sweep.Schedule == "" {
		c.Sweep.Schedule = "*/5 * * * *"
	}
	for i := range c.Campaigns {
		if c.Campaigns[i].DeliverableBaseline == 0 {
			c.Campaigns[i].DeliverableBaseline = 1
		}
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Brand == "" {
		errs = append(errs, "brand is required")
	}
	switch c.Database.Driver {
	case "mysql", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not one of mysql, sqlite", c.Database.Driver))
	}
	switch c.Classifier.Provider {
	case "openai":
		if c.Classifier.APIKey == "" {
			errs = append(errs, "classifier.api_key is required for provider openai")
		}
	case "static":
	default:
		errs = append(errs, fmt.Sprintf("classifier.provider %q is not one of openai, static", c.Classifier.Provider))
	}
	if c.Policy.TolerancePercent < 0 || c.Policy.TolerancePercent > 100 {
		errs = append(errs, "policy.tolerance_percent must be between 0 and 100")
	}
	switch c.Lock.Backend {
	case "local":
	case "redis":
		if c.Lock.RedisAddr == "" {
			errs = append(errs, "lock.redis_addr is required for backend redis")
		}
	default:
		errs = append(errs, fmt.Sprintf("lock.backend %q is not one of local, redis", c.Lock.Backend))
	}
	switch c.Mailer.Transport {
	case "log":
	case "http":
		if c.Mailer.Endpoint == "" {
			errs = append(errs, "mailer.endpoint is required for transport http")
		}
	default:
		errs = append(errs, fmt.Sprintf("mailer.transport %q is not one of log, http", c.Mailer.Transport))
	}
	if c.Notify.SlackBotToken != "" && c.Notify.SlackChannel == "" {
		errs = append(errs, "notify.slack_channel is required when slack_bot_token is set")
	}
	if c.Notify.DiscordToken != "" && c.Notify.DiscordChannel == "" {
		errs = append(errs, "notify.discord_channel is required when discord_token is set")
	}
	if _, err := cron.ParseStandard(c.Sweep.Schedule); err != nil {
		errs = append(errs, fmt.Sprintf("sweep.schedule %q: %v", c.Sweep.Schedule, err))
	}
	seen := make(map[string]bool)
	for i, cc := range c.Campaigns {
		if cc.ID == "" {
			errs = append(errs, fmt.Sprintf("campaigns[%d].id is required", i))
		} else if seen[cc.ID] {
			errs = append(errs, fmt.Sprintf("campaigns[%d].id %q is duplicated", i, cc.ID))
		}
		seen[cc.ID] = true
		for field, v := range map[string]string{
			"budget_ceiling":       cc.BudgetCeiling,
			"offered_compensation": cc.OfferedCompensation,
		} {
			if v == "" {
				continue
			}
			if _, err := decimal.NewFromString(v); err != nil {
				errs = append(errs, fmt.Sprintf("campaigns[%d].%s %q is not a number", i, field, v))
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// toEnvMap converts KEY=VALUE pairs into a map.
func toEnvMap(environ []string) map[string]string {
	m := make(map[string]string, len(environ))
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if ok {
			m[k] = v
		}
	}
	return m
}
