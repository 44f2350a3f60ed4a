package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPath names the environment variable that overrides the config location.
const EnvPath = "LESSONBOOK_CONFIG"

type Config struct {
	Backend struct {
		BaseURL         string  `yaml:"base_url"`
		APIKey          string  `yaml:"api_key"`
		TimeoutSeconds  int     `yaml:"timeout_seconds"`
		RatePerSecond   float64 `yaml:"rate_per_second"`
		Burst           int     `yaml:"burst"`
		CacheTTLSeconds int     `yaml:"cache_ttl_seconds"`
	} `yaml:"backend"`

	Redis struct {
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	Storage struct {
		Driver     string `yaml:"driver"` // memory | redis | sqlite
		SQLitePath string `yaml:"sqlite_path"`
		Namespace  string `yaml:"namespace"`
		// Failover keeps checkouts in memory while redis is unreachable.
		Failover bool `yaml:"failover"`
	} `yaml:"storage"`

	Backup struct {
		Enabled       bool   `yaml:"enabled"`
		IntervalHours int    `yaml:"interval_hours"`
		Path          string `yaml:"path"`
		RetentionDays int    `yaml:"retention_days"`
	} `yaml:"backup"`

	Checkout struct {
		SessionTTLHours             int    `yaml:"session_ttl_hours"`
		VerificationIntervalSeconds int    `yaml:"verification_interval_seconds"`
		Currency                    string `yaml:"currency"`
		MinAdvanceMinutes           int    `yaml:"min_advance_minutes"`
		AvailabilityDays            int    `yaml:"availability_days"`
	} `yaml:"checkout"`

	Payment struct {
		StripeSecretKey string `yaml:"stripe_secret_key"`
	} `yaml:"payment"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
		PrometheusPort    int  `yaml:"prometheus_port"`
	} `yaml:"monitoring"`

	Support struct {
		TelegramToken       string  `yaml:"telegram_token"`
		ChatIDs             []int64 `yaml:"chat_ids"`
		MonthlyReport       bool    `yaml:"monthly_report"`
		LedgerRetentionDays int     `yaml:"ledger_retention_days"`
	} `yaml:"support"`

	Logging struct {
		Level   string `yaml:"level"`
		Console bool   `yaml:"console"`
	} `yaml:"logging"`
}

// Path returns the config file location: $LESSONBOOK_CONFIG or configs/config.yaml.
func Path() string {
	if p := os.Getenv(EnvPath); p != "" {
		return p
	}
	return "configs/config.yaml"
}

// Load reads the YAML config at path. A .env file in the working directory, when present, is loaded
// first so its values can be referenced as ${VAR} placeholders.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	if path == "" {
		path = Path()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML config after expanding ${ENV_VAR} placeholders.
func Parse(data []byte) (*Config, error) {
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "memory"
	}
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = "data/lessonbook.db"
	}
	if cfg.Storage.Namespace == "" {
		cfg.Storage.Namespace = "lessonbook"
	}
	if cfg.Backup.Path == "" {
		cfg.Backup.Path = "data/backups"
	}
	return &cfg, nil
}

func (c *Config) BackendTimeout() time.Duration {
	if c.Backend.TimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Backend.TimeoutSeconds) * time.Second
}

func (c *Config) BackendCacheTTL() time.Duration {
	if c.Backend.CacheTTLSeconds < 0 {
		return 0
	}
	if c.Backend.CacheTTLSeconds == 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.Backend.CacheTTLSeconds) * time.Second
}

func (c *Config) BackendRate() (perSecond float64, burst int) {
	perSecond, burst = c.Backend.RatePerSecond, c.Backend.Burst
	if perSecond <= 0 {
		perSecond = 10
	}
	if burst <= 0 {
		burst = 5
	}
	return perSecond, burst
}

// SessionTTL is the staleness window for a saved checkout draft.
func (c *Config) SessionTTL() time.Duration {
	if c.Checkout.SessionTTLHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.Checkout.SessionTTLHours) * time.Hour
}

func (c *Config) VerificationInterval() time.Duration {
	if c.Checkout.VerificationIntervalSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.Checkout.VerificationIntervalSeconds) * time.Second
}

func (c *Config) Currency() string {
	if c.Checkout.Currency == "" {
		return "aud"
	}
	return strings.ToLower(c.Checkout.Currency)
}

// MinAdvance is the lead time required before a same-day lesson start. Zero disables the check.
func (c *Config) MinAdvance() time.Duration {
	if c.Checkout.MinAdvanceMinutes <= 0 {
		return 0
	}
	return time.Duration(c.Checkout.MinAdvanceMinutes) * time.Minute
}

// AvailabilityWindow is how many days of availability are fetched from the selected date.
func (c *Config) AvailabilityWindow() int {
	if c.Checkout.AvailabilityDays <= 0 {
		return 1
	}
	return c.Checkout.AvailabilityDays
}

func (c *Config) BackupInterval() time.Duration {
	if c.Backup.IntervalHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.Backup.IntervalHours) * time.Hour
}

func (c *Config) PrometheusPort() int {
	if c.Monitoring.PrometheusPort <= 0 {
		return 9090
	}
	return c.Monitoring.PrometheusPort
}
