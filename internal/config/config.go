package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents runtime configuration for the client.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config" yaml:"basic_config"`
	Routes      RoutesConfig              `json:"routes" yaml:"routes"`
	State       StateConfig               `json:"state" yaml:"state"`
	Databases   map[string]DatabaseConfig `json:"databases" yaml:"databases"`
	Redis       RedisConfig               `json:"redis" yaml:"redis"`
	Quota       QuotaConfig               `json:"quota" yaml:"quota"`
	Model       ModelConfig               `json:"model" yaml:"model"`
	Providers   map[string]ProviderConfig `json:"providers" yaml:"providers"`
}

type BasicConfig struct {
	BaseURL        string `json:"base_url" yaml:"base_url"`
	TimeZone       string `json:"time_zone" yaml:"time_zone"`
	Locale         string `json:"locale" yaml:"locale"`
	RequestTimeout int    `json:"request_timeout_seconds" yaml:"request_timeout_seconds"`
	SyncWorkers    int    `json:"sync_workers" yaml:"sync_workers"`
	SyncQueueSize  int    `json:"sync_queue_size" yaml:"sync_queue_size"`
	Role           string `json:"role" yaml:"role"`
}

// RoutesConfig describes the navigation boundary used by the session client.
type RoutesConfig struct {
	LoginPath             string   `json:"login_path" yaml:"login_path"`
	LandingPath           string   `json:"landing_path" yaml:"landing_path"`
	AdminPrefix           string   `json:"admin_prefix" yaml:"admin_prefix"`
	AuthenticatedPrefixes []string `json:"authenticated_prefixes" yaml:"authenticated_prefixes"`
}

// StateConfig selects where tokens, quota counters and settings are persisted.
type StateConfig struct {
	Backend         string `json:"backend" yaml:"backend"` // memory, sqlite3, mysql, redis
	AccessTokenTTL  int    `json:"access_token_ttl_minutes" yaml:"access_token_ttl_minutes"`
	RefreshTokenTTL int    `json:"refresh_token_ttl_minutes" yaml:"refresh_token_ttl_minutes"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn" yaml:"dsn"`
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	DBName   string `json:"db_name" yaml:"db_name"`
	Params   string `json:"params" yaml:"params"`
}

type RedisConfig struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

type QuotaConfig struct {
	Plan            string `json:"plan" yaml:"plan"`
	FreeDailyLimit  int    `json:"free_daily_limit" yaml:"free_daily_limit"`
	GuestDailyLimit int    `json:"guest_daily_limit" yaml:"guest_daily_limit"`
}

// ModelConfig chooses how the assistant reply is produced: "backend" posts to
// the chat endpoint, "direct" calls a provider through eino.
type ModelConfig struct {
	Mode     string `json:"mode" yaml:"mode"`
	Provider string `json:"provider" yaml:"provider"`
	Model    string `json:"model" yaml:"model"`
	APIKey   string `json:"api_key" yaml:"api_key"`
}

type ProviderConfig struct {
	BaseURL string `json:"base_url" yaml:"base_url"`
	Model   string `json:"model" yaml:"model"`
	APIKey  string `json:"api_key" yaml:"api_key"`
}

// Default returns a configuration usable without a file.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads configuration from the provided path (defaults to config.json).
// Files ending in .yaml or .yml are decoded as YAML.
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	var cfg Config
	switch strings.ToLower(filepath.Ext(absPath)) {
	case ".yaml", ".yml":
		if err := yaml.NewDecoder(file).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	default:
		if err := json.NewDecoder(file).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	for name, db := range cfg.Databases {
		if db.DSN != "" && db.DSN != ":memory:" && isSQLite(name) && !filepath.IsAbs(db.DSN) {
			db.DSN = filepath.Join(filepath.Dir(absPath), db.DSN)
			cfg.Databases[name] = db
		}
	}

	return &cfg, nil
}

// Validate checks the fields the core cannot run without.
func (c *Config) Validate() error {
	if c.BasicConfig.BaseURL == "" {
		return errors.New("base_url must be configured")
	}
	if _, err := time.LoadLocation(c.BasicConfig.TimeZone); err != nil {
		return fmt.Errorf("invalid time_zone %q: %w", c.BasicConfig.TimeZone, err)
	}
	switch c.State.Backend {
	case "memory", "redis":
	case "sqlite3", "sqlite", "mysql":
		if _, ok := c.Databases[c.State.Backend]; !ok {
			return fmt.Errorf("database config for %s not found", c.State.Backend)
		}
	default:
		return fmt.Errorf("unsupported state backend: %s", c.State.Backend)
	}
	switch c.Model.Mode {
	case "backend":
	case "direct":
		if c.Model.Provider == "" {
			return errors.New("model.provider is required in direct mode")
		}
	default:
		return fmt.Errorf("unsupported model mode: %s", c.Model.Mode)
	}
	return nil
}

// Location returns the configured time zone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.BasicConfig.TimeZone)
	if err != nil {
		return time.Local
	}
	return loc
}

// RequestTimeout is the transport timeout applied to every backend call.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.BasicConfig.RequestTimeout) * time.Second
}

func (c *Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.State.AccessTokenTTL) * time.Minute
}

func (c *Config) RefreshTokenTTL() time.Duration {
	return time.Duration(c.State.RefreshTokenTTL) * time.Minute
}

func (c *Config) applyEnv() {
	if v := os.Getenv("EDUBOT_BASE_URL"); v != "" {
		c.BasicConfig.BaseURL = v
	}
	if v := os.Getenv("EDUBOT_TIME_ZONE"); v != "" {
		c.BasicConfig.TimeZone = v
	}
	if v := os.Getenv("EDUBOT_STATE_BACKEND"); v != "" {
		c.State.Backend = v
	}
	if v := os.Getenv("EDUBOT_MODEL_API_KEY"); v != "" {
		c.Model.APIKey = v
	}
}

func (c *Config) applyDefaults() {
	if c.BasicConfig.BaseURL == "" {
		c.BasicConfig.BaseURL = "http://localhost:8090/api"
	}
	if c.BasicConfig.TimeZone == "" {
		c.BasicConfig.TimeZone = time.Local.String()
	}
	if c.BasicConfig.Locale == "" {
		c.BasicConfig.Locale = "en"
	}
	if c.BasicConfig.RequestTimeout <= 0 {
		c.BasicConfig.RequestTimeout = 120
	}
	if c.BasicConfig.SyncWorkers <= 0 {
		c.BasicConfig.SyncWorkers = 2
	}
	if c.BasicConfig.SyncQueueSize <= 0 {
		c.BasicConfig.SyncQueueSize = 64
	}
	if c.BasicConfig.Role == "" {
		c.BasicConfig.Role = "student"
	}
	if c.Routes.LoginPath == "" {
		c.Routes.LoginPath = "/login"
	}
	if c.Routes.LandingPath == "" {
		c.Routes.LandingPath = "/chat"
	}
	if c.Routes.AdminPrefix == "" {
		c.Routes.AdminPrefix = "/admin"
	}
	if len(c.Routes.AuthenticatedPrefixes) == 0 {
		c.Routes.AuthenticatedPrefixes = []string{"/chat", "/settings", "/billing", "/admin"}
	}
	if c.State.Backend == "" {
		c.State.Backend = "memory"
	}
	if c.State.AccessTokenTTL <= 0 {
		c.State.AccessTokenTTL = 24 * 60
	}
	if c.State.RefreshTokenTTL <= 0 {
		c.State.RefreshTokenTTL = 30 * 24 * 60
	}
	if c.Quota.Plan == "" {
		c.Quota.Plan = "Free"
	}
	if c.Quota.FreeDailyLimit <= 0 {
		c.Quota.FreeDailyLimit = 20
	}
	if c.Quota.GuestDailyLimit <= 0 {
		c.Quota.GuestDailyLimit = 5
	}
	if c.Model.Mode == "" {
		c.Model.Mode = "backend"
	}
}

func isSQLite(name string) bool {
	name = strings.ToLower(name)
	return name == "sqlite" || name == "sqlite3"
}
