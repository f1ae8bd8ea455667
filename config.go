package tryonbroker

import (
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// DefaultQueueURL is the provider's async queue endpoint.
const DefaultQueueURL = "https://queue.fal.run/fal-ai/fashn/tryon/v1.6"

// DefaultMaxAttempts is one primary attempt plus one failover hop.
const DefaultMaxAttempts = 2

// Config is the top-level broker configuration.
type Config struct {
	UnitCost    float64        `yaml:"unit_cost"`
	MaxAttempts int            `yaml:"max_attempts"`
	Provider    ProviderConfig `yaml:"provider"`
	Poll        PollConfig     `yaml:"poll"`
	Store       StoreConfig    `yaml:"store"`

	// Credentials seeds the store at startup. A credential already stored
	// under the same id keeps its balance and counters.
	Credentials []CredentialConfig `yaml:"credentials"`
}

// CredentialConfig declares a credential administratively.
type CredentialConfig struct {
	ID      string  `yaml:"id"`
	Secret  string  `yaml:"secret"`
	Credits float64 `yaml:"credits"`
	Enabled *bool   `yaml:"enabled"` // default true
}

// Credential converts the declaration into a Credential.
func (cc CredentialConfig) Credential() Credential {
	enabled := cc.Enabled == nil || *cc.Enabled
	return Credential{
		ID:               cc.ID,
		Secret:           Secret(cc.Secret),
		CreditsRemaining: decimal.NewFromFloat(cc.Credits),
		Enabled:          enabled,
	}
}

// ProviderConfig configures the job submission client.
type ProviderConfig struct {
	QueueURL  string        `yaml:"queue_url"`
	Timeout   time.Duration `yaml:"timeout"`    // per HTTP request
	RateLimit float64       `yaml:"rate_limit"` // requests per second, 0 = unlimited
	Burst     int           `yaml:"burst"`
}

// PollConfig configures the job poller's backoff schedule.
type PollConfig struct {
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	MaxWait        time.Duration `yaml:"max_wait"`
}

// DefaultPollConfig returns the provider's recommended polling schedule.
func DefaultPollConfig() PollConfig {
	return PollConfig{
		InitialBackoff: 800 * time.Millisecond,
		MaxBackoff:     4 * time.Second,
		MaxWait:        90 * time.Second,
	}
}

// StoreBackend selects the credential store implementation.
type StoreBackend string

const (
	StoreMemory   StoreBackend = "memory"
	StoreRedis    StoreBackend = "redis"
	StorePostgres StoreBackend = "postgres"
)

// StoreConfig configures the credential store and usage ledger.
type StoreConfig struct {
	Backend     StoreBackend `yaml:"backend"`
	RedisURL    string       `yaml:"redis_url"`
	PostgresDSN string       `yaml:"postgres_dsn"`
	Prefix      string       `yaml:"prefix"` // key or table prefix, backend default if empty
}

// DefaultConfig returns a config with every default applied.
func DefaultConfig() Config {
	var cfg Config
	cfg.applyDefaults()
	return cfg
}

// LoadConfig reads and parses a YAML config file.
// Environment variables in the format ${VAR} are expanded before parsing.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("tryonbroker: read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("tryonbroker: parse config: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.UnitCost == 0 {
		c.UnitCost = DefaultUnitCost.InexactFloat64()
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.Provider.QueueURL == "" {
		c.Provider.QueueURL = DefaultQueueURL
	}
	if c.Provider.Timeout == 0 {
		c.Provider.Timeout = 30 * time.Second
	}
	if c.Provider.RateLimit > 0 && c.Provider.Burst == 0 {
		c.Provider.Burst = 1
	}
	def := DefaultPollConfig()
	if c.Poll.InitialBackoff == 0 {
		c.Poll.InitialBackoff = def.InitialBackoff
	}
	if c.Poll.MaxBackoff == 0 {
		c.Poll.MaxBackoff = def.MaxBackoff
	}
	if c.Poll.MaxWait == 0 {
		c.Poll.MaxWait = def.MaxWait
	}
	if c.Store.Backend == "" {
		c.Store.Backend = StoreMemory
	}
}

// Cost returns the unit cost as a decimal.
func (c Config) Cost() decimal.Decimal {
	return decimal.NewFromFloat(c.UnitCost)
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	if c.UnitCost <= 0 {
		return fmt.Errorf("tryonbroker: config: unit_cost must be positive")
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("tryonbroker: config: max_attempts must be at least 1")
	}
	if c.Provider.QueueURL == "" {
		return fmt.Errorf("tryonbroker: config: provider.queue_url is required")
	}
	if c.Provider.RateLimit < 0 {
		return fmt.Errorf("tryonbroker: config: provider.rate_limit must not be negative")
	}
	if c.Poll.InitialBackoff <= 0 || c.Poll.MaxBackoff <= 0 || c.Poll.MaxWait <= 0 {
		return fmt.Errorf("tryonbroker: config: poll durations must be positive")
	}
	if c.Poll.MaxBackoff < c.Poll.InitialBackoff {
		return fmt.Errorf("tryonbroker: config: poll.max_backoff must be >= poll.initial_backoff")
	}

	switch c.Store.Backend {
	case StoreMemory:
	case StoreRedis:
		if c.Store.RedisURL == "" {
			return fmt.Errorf("tryonbroker: config: store.redis_url is required for backend %q", c.Store.Backend)
		}
	case StorePostgres:
		if c.Store.PostgresDSN == "" {
			return fmt.Errorf("tryonbroker: config: store.postgres_dsn is required for backend %q", c.Store.Backend)
		}
	default:
		return fmt.Errorf("tryonbroker: config: invalid store.backend %q", c.Store.Backend)
	}

	ids := make(map[string]bool, len(c.Credentials))
	for i, cc := range c.Credentials {
		if cc.ID == "" {
			return fmt.Errorf("tryonbroker: config: credentials[%d]: id is required", i)
		}
		if ids[cc.ID] {
			return fmt.Errorf("tryonbroker: config: duplicate credential id %q", cc.ID)
		}
		ids[cc.ID] = true
		if cc.Secret == "" {
			return fmt.Errorf("tryonbroker: config: credentials[%d] (%s): secret is required", i, cc.ID)
		}
		if cc.Credits < 0 {
			return fmt.Errorf("tryonbroker: config: credentials[%d] (%s): credits must not be negative", i, cc.ID)
		}
	}

	return nil
}
