package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full server configuration. Values come from the yaml file
// with environment variables overriding the connection settings, so the
// same file works across deployments.
type Config struct {
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`

	Database struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		Name     string `yaml:"name"`
		SSLMode  string `yaml:"ssl_mode"`
	} `yaml:"database"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	NATS struct {
		URL           string `yaml:"url"`
		SubjectPrefix string `yaml:"subject_prefix"`
		PublishRetry  int    `yaml:"publish_retry_max"`
	} `yaml:"nats"`

	Registry struct {
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
		SweepInterval     time.Duration `yaml:"sweep_interval"`
		SweepTTL          time.Duration `yaml:"sweep_ttl"`
	} `yaml:"registry"`

	Commands struct {
		AckTimeout    time.Duration `yaml:"ack_timeout"`
		MaxAttempts   int           `yaml:"max_attempts"`
		EscalateAfter int           `yaml:"escalate_after"`
	} `yaml:"commands"`

	Visits struct {
		MergeWindow     time.Duration `yaml:"merge_window"`
		DedupTTL        time.Duration `yaml:"dedup_ttl"`
		DedupMaxKeys    int           `yaml:"dedup_max_keys"`
		ResolverURL     string        `yaml:"resolver_url"`
		ResolverToken   string        `yaml:"resolver_token"`
		ResolverTimeout time.Duration `yaml:"resolver_timeout"`
	} `yaml:"visits"`

	RateLimit struct {
		Enabled bool `yaml:"enabled"`
		RPS     int  `yaml:"rps"`
		Burst   int  `yaml:"burst"`
	} `yaml:"rate_limit"`
}

// Load reads the yaml file, applies env overrides and defaults, and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("DB_HOST"); v != "" {
		c.Database.Host = v
	}
	if v := os.Getenv("DB_USER"); v != "" {
		c.Database.User = v
	}
	if v := os.Getenv("DB_PASSWORD"); v != "" {
		c.Database.Password = v
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		c.Database.Name = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv("RESOLVER_URL"); v != "" {
		c.Visits.ResolverURL = v
	}
	if v := os.Getenv("RESOLVER_TOKEN"); v != "" {
		c.Visits.ResolverToken = v
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Registry.HeartbeatInterval == 0 {
		c.Registry.HeartbeatInterval = 30 * time.Second
	}
	if c.Registry.SweepInterval == 0 {
		c.Registry.SweepInterval = 15 * time.Second
	}
	if c.Registry.SweepTTL == 0 {
		c.Registry.SweepTTL = 90 * time.Second
	}
	if c.Commands.AckTimeout == 0 {
		c.Commands.AckTimeout = 5 * time.Second
	}
	if c.Commands.MaxAttempts == 0 {
		c.Commands.MaxAttempts = 3
	}
	if c.Commands.EscalateAfter == 0 {
		c.Commands.EscalateAfter = 3
	}
	if c.Visits.MergeWindow == 0 {
		c.Visits.MergeWindow = 30 * time.Minute
	}
	if c.Visits.DedupTTL == 0 {
		c.Visits.DedupTTL = 10 * time.Minute
	}
	if c.Visits.DedupMaxKeys == 0 {
		c.Visits.DedupMaxKeys = 100000
	}
	if c.Visits.ResolverTimeout == 0 {
		c.Visits.ResolverTimeout = 10 * time.Second
	}
	if c.NATS.PublishRetry == 0 {
		c.NATS.PublishRetry = 3
	}
}

// Validate rejects combinations that would misbehave at runtime. The
// sweep TTL in particular must leave room for at least two missed
// heartbeats, or healthy workers get marked OFFLINE during GC pauses.
func (c *Config) Validate() error {
	if c.Registry.SweepTTL <= 2*c.Registry.HeartbeatInterval {
		return fmt.Errorf("registry.sweep_ttl (%s) must exceed twice registry.heartbeat_interval (%s)",
			c.Registry.SweepTTL, c.Registry.HeartbeatInterval)
	}
	if c.Visits.MergeWindow <= 0 {
		return fmt.Errorf("visits.merge_window must be positive")
	}
	if c.Commands.MaxAttempts < 1 {
		return fmt.Errorf("commands.max_attempts must be at least 1")
	}
	return nil
}

// DSN renders the Postgres connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host, c.Database.Port, c.Database.User,
		c.Database.Password, c.Database.Name, c.Database.SSLMode)
}
