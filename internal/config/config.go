package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the settings of one todo ledger client: where the ledger
// lives, how long to wait for it, and where the signing key comes from.
type Config struct {
	Ledger struct {
		BaseURL          string `yaml:"base_url"`
		TimeoutSeconds   int    `yaml:"timeout_seconds"`
		EnforceSecureTLS *bool  `yaml:"enforce_secure_transport"`
	} `yaml:"ledger"`

	Family struct {
		Name      string `yaml:"name"`
		Version   string `yaml:"version"`
		Namespace string `yaml:"namespace"`
	} `yaml:"family"`

	Poll struct {
		IntervalMS        int     `yaml:"interval_ms"`
		MaxPolls          int     `yaml:"max_polls"`
		MaxNetworkRetries int     `yaml:"max_network_retries"`
		BackoffBaseMS     int     `yaml:"backoff_base_ms"`
		BackoffMaxMS      int     `yaml:"backoff_max_ms"`
		RequestsPerSecond float64 `yaml:"requests_per_second"`
	} `yaml:"poll"`

	Keys struct {
		PrivateKeyPath string `yaml:"private_key_path"`
		PassphraseEnv  string `yaml:"passphrase_env"`
	} `yaml:"keys"`

	Journal struct {
		Driver   string `yaml:"driver"`
		DSN      string `yaml:"dsn"`
		MaxConns int32  `yaml:"max_conns"`
		MinConns int32  `yaml:"min_conns"`
	} `yaml:"journal"`

	Tracing struct {
		Enabled     bool   `yaml:"enabled"`
		ServiceName string `yaml:"service_name"`
	} `yaml:"tracing"`

	Logging struct {
		Service string `yaml:"service"`
		Version string `yaml:"version"`
		Commit  string `yaml:"commit"`
		Region  string `yaml:"region"`
		Level   string `yaml:"level"`
	} `yaml:"logging"`
}

const (
	JournalNone     = "none"
	JournalPostgres = "postgres"
	JournalSQLite   = "sqlite"
)

// Load reads and validates config from disk.
func Load(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(buf)
}

func Parse(buf []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	cfg.expandEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a validated config pointing at baseURL with every other
// setting at its default.
func Default(baseURL string) (*Config, error) {
	var cfg Config
	cfg.Ledger.BaseURL = baseURL
	cfg.Ledger.EnforceSecureTLS = boolPtr(false)
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Ledger.TimeoutSeconds <= 0 {
		c.Ledger.TimeoutSeconds = 10
	}
	if c.Ledger.EnforceSecureTLS == nil {
		c.Ledger.EnforceSecureTLS = boolPtr(true)
	}
	if c.Family.Name == "" {
		c.Family.Name = "todo"
	}
	if c.Family.Version == "" {
		c.Family.Version = "0.1"
	}
	if c.Poll.IntervalMS <= 0 {
		c.Poll.IntervalMS = 500
	}
	if c.Poll.MaxPolls <= 0 {
		c.Poll.MaxPolls = 120
	}
	// Zero means unset. Any negative value disables retries.
	if c.Poll.MaxNetworkRetries == 0 {
		c.Poll.MaxNetworkRetries = 5
	} else if c.Poll.MaxNetworkRetries < 0 {
		c.Poll.MaxNetworkRetries = -1
	}
	if c.Poll.BackoffBaseMS <= 0 {
		c.Poll.BackoffBaseMS = 250
	}
	if c.Poll.BackoffMaxMS <= 0 {
		c.Poll.BackoffMaxMS = 10_000
	}
	if c.Poll.RequestsPerSecond <= 0 {
		c.Poll.RequestsPerSecond = 4
	}
	if c.Journal.Driver == "" {
		c.Journal.Driver = JournalNone
	}
	if c.Journal.MaxConns <= 0 {
		c.Journal.MaxConns = 4
	}
	if c.Journal.MinConns < 0 {
		c.Journal.MinConns = 0
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "todo-client"
	}
	if c.Logging.Service == "" {
		c.Logging.Service = "todo-client"
	}
	if c.Logging.Version == "" {
		c.Logging.Version = "dev"
	}
	if c.Logging.Commit == "" {
		c.Logging.Commit = "unknown"
	}
	if c.Logging.Region == "" {
		c.Logging.Region = "local"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

func (c *Config) validate() error {
	if c.Ledger.BaseURL == "" {
		return errors.New("ledger.base_url is required")
	}
	u, err := url.Parse(c.Ledger.BaseURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("ledger.base_url must be an absolute http(s) url, got %q", c.Ledger.BaseURL)
	}
	if *c.Ledger.EnforceSecureTLS && !isHTTPSURL(c.Ledger.BaseURL) && !isLoopbackURL(c.Ledger.BaseURL) {
		return errors.New("ledger.base_url must use https when enforce_secure_transport is enabled")
	}
	if strings.ContainsAny(c.Family.Name, " \t\n") {
		return errors.New("family.name must not contain whitespace")
	}
	if c.Family.Namespace != "" && !isNamespace(c.Family.Namespace) {
		return errors.New("family.namespace must be 6 lowercase hex characters")
	}
	if c.Poll.BackoffBaseMS > c.Poll.BackoffMaxMS {
		return errors.New("poll.backoff_base_ms must not exceed poll.backoff_max_ms")
	}
	if c.Keys.PrivateKeyPath != "" && c.Keys.PassphraseEnv != "" {
		return errors.New("keys.private_key_path and keys.passphrase_env are mutually exclusive")
	}
	switch strings.ToLower(strings.TrimSpace(c.Journal.Driver)) {
	case JournalNone:
	case JournalPostgres:
		if c.Journal.DSN == "" {
			return errors.New("journal.dsn is required for the postgres journal")
		}
		if *c.Ledger.EnforceSecureTLS && dsnUsesInsecureSSL(c.Journal.DSN) {
			return errors.New("journal.dsn must use sslmode=require|verify-ca|verify-full when enforce_secure_transport is enabled")
		}
	case JournalSQLite:
		if c.Journal.DSN == "" {
			return errors.New("journal.dsn is required for the sqlite journal")
		}
	default:
		return errors.New("journal.driver must be one of none|postgres|sqlite")
	}
	if c.Journal.MinConns > c.Journal.MaxConns {
		return errors.New("journal.min_conns must not exceed journal.max_conns")
	}
	return nil
}

func (c *Config) expandEnv() {
	c.Ledger.BaseURL = os.ExpandEnv(strings.TrimSpace(c.Ledger.BaseURL))
	c.Keys.PrivateKeyPath = os.ExpandEnv(strings.TrimSpace(c.Keys.PrivateKeyPath))
	c.Keys.PassphraseEnv = strings.TrimSpace(c.Keys.PassphraseEnv)
	c.Journal.Driver = strings.ToLower(strings.TrimSpace(c.Journal.Driver))
	c.Journal.DSN = os.ExpandEnv(strings.TrimSpace(c.Journal.DSN))
}

func (c *Config) HTTPTimeout() time.Duration {
	return time.Duration(c.Ledger.TimeoutSeconds) * time.Second
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Poll.IntervalMS) * time.Millisecond
}

func (c *Config) BackoffBase() time.Duration {
	return time.Duration(c.Poll.BackoffBaseMS) * time.Millisecond
}

func (c *Config) BackoffMax() time.Duration {
	return time.Duration(c.Poll.BackoffMaxMS) * time.Millisecond
}

func boolPtr(v bool) *bool {
	return &v
}
