package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is one node's yaml configuration. Environment variables
// (CARELANE_*) override individual fields so deployments can keep one
// file per role and vary endpoints per instance.
type Config struct {
	Role   string       `yaml:"role"` // hospital | insurer | bank
	Listen string       `yaml:"listen"`
	Party  PartyConfig  `yaml:"party"`
	Log    LogConfig    `yaml:"log"`
	Ledger LedgerConfig `yaml:"ledger"`
	MQTT   MQTTConfig   `yaml:"mqtt"`
	Redis  RedisConfig  `yaml:"redis"`

	// Static peer roster; ignored when a redis directory is configured.
	Peers []PeerConfig `yaml:"peers"`

	// Hospital-side roster: insurer names to auction against and the
	// bank collecting patient payments.
	Insurers []string `yaml:"insurers"`
	Bank     string   `yaml:"bank"`

	// Insurer-side quoting policy.
	Quote QuotePolicyConfig `yaml:"quote"`

	SessionTimeout time.Duration `yaml:"session_timeout"`
}

type PartyConfig struct {
	Name    string `yaml:"name"`
	KeySeed string `yaml:"key_seed"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type LedgerConfig struct {
	// DSN configures the postgres commit log on the node hosting the
	// notary; BaseURL points other nodes at that node's /ledger routes.
	DSN     string `yaml:"dsn"`
	BaseURL string `yaml:"base_url"`
}

type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	QoS      byte   `yaml:"qos"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type PeerConfig struct {
	Name string `yaml:"name"`
	Key  string `yaml:"key"`
}

type QuotePolicyConfig struct {
	CoverPercent int    `yaml:"cover_percent"`
	ExposureCap  int64  `yaml:"exposure_cap"`
	Currency     string `yaml:"currency"`
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if cfg.Party.Name == "" {
		return nil, fmt.Errorf("party.name is required")
	}
	if cfg.Party.KeySeed == "" {
		return nil, fmt.Errorf("party.key_seed is required")
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.Listen, "CARELANE_LISTEN")
	setString(&c.Party.Name, "CARELANE_PARTY_NAME")
	setString(&c.Party.KeySeed, "CARELANE_KEY_SEED")
	setString(&c.Log.Level, "CARELANE_LOG_LEVEL")
	setString(&c.Log.Format, "CARELANE_LOG_FORMAT")
	setString(&c.Ledger.DSN, "CARELANE_LEDGER_DSN")
	setString(&c.Ledger.BaseURL, "CARELANE_LEDGER_URL")
	setString(&c.MQTT.Broker, "CARELANE_MQTT_BROKER")
	setString(&c.MQTT.ClientID, "CARELANE_MQTT_CLIENT_ID")
	setString(&c.MQTT.Username, "CARELANE_MQTT_USERNAME")
	setString(&c.MQTT.Password, "CARELANE_MQTT_PASSWORD")
	setString(&c.Redis.Addr, "CARELANE_REDIS_ADDR")
	setString(&c.Redis.Password, "CARELANE_REDIS_PASSWORD")
	if v := os.Getenv("CARELANE_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			c.Redis.DB = db
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "carelane-" + c.Party.Name
	}
	if c.MQTT.QoS == 0 {
		c.MQTT.QoS = 1
	}
	if c.SessionTimeout == 0 {
		c.SessionTimeout = 30 * time.Second
	}
	if c.Quote.CoverPercent == 0 {
		c.Quote.CoverPercent = 80
	}
	if c.Quote.Currency == "" {
		c.Quote.Currency = "GBP"
	}
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}
