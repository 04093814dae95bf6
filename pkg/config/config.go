package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for the erd2dataverse server.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (client secrets, passwords) must only come from environment variables.
type Config struct {
	// Server configuration
	BindAddr       string        `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port           string        `yaml:"port" env:"PORT" env-default:"3000"`
	Env            string        `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	RequestTimeout time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT" env-default:"600s"`
	Version        string        `yaml:"-"` // Set at load time, not from config

	// TestMode makes deploy requests return a single JSON document instead
	// of a progress stream.
	TestMode bool `yaml:"test_mode" env:"TEST_MODE" env-default:"false"`

	Dataverse  DataverseConfig  `yaml:"dataverse"`
	Deployment DeploymentConfig `yaml:"deployment"`
	Validation ValidationConfig `yaml:"validation"`
	Database   DatabaseConfig   `yaml:"database"`
	Rollback   RollbackConfig   `yaml:"rollback"`
}

// DataverseConfig describes the target environments. The top-level fields
// define the default environment; Environments adds named ones.
type DataverseConfig struct {
	DefaultEnvironment string        `yaml:"default_environment" env:"DATAVERSE_DEFAULT_ENVIRONMENT" env-default:"default"`
	ServerURL          string        `yaml:"server_url" env:"DATAVERSE_URL" env-default:""`
	TenantID           string        `yaml:"tenant_id" env:"DATAVERSE_TENANT_ID" env-default:""`
	ClientID           string        `yaml:"client_id" env:"DATAVERSE_CLIENT_ID" env-default:""`
	ClientSecret       string        `yaml:"-" env:"DATAVERSE_CLIENT_SECRET"` // Secret - not in YAML
	APIVersion         string        `yaml:"api_version" env:"DATAVERSE_API_VERSION" env-default:"v9.2"`
	Timeout            time.Duration `yaml:"timeout" env:"DATAVERSE_TIMEOUT" env-default:"120s"`

	Environments []EnvironmentConfig `yaml:"environments"`
}

// EnvironmentConfig is one named Dataverse environment. The client secret is
// read from the environment variable named by ClientSecretEnv.
type EnvironmentConfig struct {
	Name            string `yaml:"name"`
	ServerURL       string `yaml:"server_url"`
	TenantID        string `yaml:"tenant_id"`
	ClientID        string `yaml:"client_id"`
	ClientSecretEnv string `yaml:"client_secret_env"`

	ClientSecret string `yaml:"-"`
}

// DeploymentConfig tunes the deployment orchestrator.
type DeploymentConfig struct {
	EntityConcurrency       int           `yaml:"entity_concurrency" env:"DEPLOY_ENTITY_CONCURRENCY" env-default:"3"`
	RelationshipConcurrency int           `yaml:"relationship_concurrency" env:"DEPLOY_RELATIONSHIP_CONCURRENCY" env-default:"5"`
	MaxAttempts             int           `yaml:"max_attempts" env:"DEPLOY_MAX_ATTEMPTS" env-default:"5"`
	RetryInitialDelay       time.Duration `yaml:"retry_initial_delay" env:"DEPLOY_RETRY_INITIAL_DELAY" env-default:"2s"`
	RetryMaxDelay           time.Duration `yaml:"retry_max_delay" env:"DEPLOY_RETRY_MAX_DELAY" env-default:"30s"`
	RetryMaxJitter          time.Duration `yaml:"retry_max_jitter" env:"DEPLOY_RETRY_MAX_JITTER" env-default:"1s"`
	SettleDelay             time.Duration `yaml:"settle_delay" env:"DEPLOY_SETTLE_DELAY" env-default:"2s"`
	ReadinessInterval       time.Duration `yaml:"readiness_interval" env:"DEPLOY_READINESS_INTERVAL" env-default:"2s"`
	ReadinessTimeout        time.Duration `yaml:"readiness_timeout" env:"DEPLOY_READINESS_TIMEOUT" env-default:"60s"`
	RelationshipWait        time.Duration `yaml:"relationship_wait" env:"DEPLOY_RELATIONSHIP_WAIT" env-default:"15s"`
	HeartbeatInterval       time.Duration `yaml:"heartbeat_interval" env:"DEPLOY_HEARTBEAT_INTERVAL" env-default:"15s"`
}

// ValidationConfig tunes the validator and CDM matcher.
type ValidationConfig struct {
	// FKStrictness is "lenient" or "strict".
	FKStrictness string  `yaml:"fk_strictness" env:"VALIDATION_FK_STRICTNESS" env-default:"lenient"`
	CDMThreshold float64 `yaml:"cdm_threshold" env:"VALIDATION_CDM_THRESHOLD" env-default:"0.7"`
}

// DatabaseConfig holds PostgreSQL configuration for the deployment history.
// When disabled, history is kept in memory.
type DatabaseConfig struct {
	Enabled        bool   `yaml:"enabled" env:"PGENABLED" env-default:"false"`
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"erd2dataverse"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"erd2dataverse"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"10"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
}

// RollbackConfig sizes the rollback status tracker.
type RollbackConfig struct {
	TrackerCapacity int           `yaml:"tracker_capacity" env:"ROLLBACK_TRACKER_CAPACITY" env-default:"100"`
	StatusTTL       time.Duration `yaml:"status_ttl" env:"ROLLBACK_STATUS_TTL" env-default:"1h"`
}

// Load reads configuration from config.yaml with environment variable overrides.
// A missing config.yaml is not an error; defaults and environment apply.
func Load(version string) (*Config, error) {
	return LoadFile("config.yaml", version)
}

// LoadFile is Load with an explicit path.
func LoadFile(path, version string) (*Config, error) {
	cfg := &Config{Version: version}

	if _, err := os.Stat(path); err == nil {
		if err := cleanenv.ReadConfig(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
	} else if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	cfg.resolveSecrets()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) resolveSecrets() {
	for i := range c.Dataverse.Environments {
		env := &c.Dataverse.Environments[i]
		if env.ClientSecretEnv != "" {
			env.ClientSecret = os.Getenv(env.ClientSecretEnv)
		}
	}
}

// Validate checks values that cleanenv cannot.
func (c *Config) Validate() error {
	switch c.Validation.FKStrictness {
	case "lenient", "strict":
	default:
		return fmt.Errorf("fk_strictness must be lenient or strict, got %q", c.Validation.FKStrictness)
	}
	if c.Validation.CDMThreshold < 0 || c.Validation.CDMThreshold > 1 {
		return fmt.Errorf("cdm_threshold must be between 0 and 1, got %v", c.Validation.CDMThreshold)
	}
	if c.Deployment.EntityConcurrency < 1 || c.Deployment.RelationshipConcurrency < 1 {
		return fmt.Errorf("deployment concurrency must be at least 1")
	}
	if c.Deployment.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1")
	}

	seen := make(map[string]bool)
	for _, env := range c.Dataverse.Environments {
		name := strings.ToLower(env.Name)
		if name == "" {
			return fmt.Errorf("dataverse environment without a name")
		}
		if seen[name] {
			return fmt.Errorf("duplicate dataverse environment %q", env.Name)
		}
		seen[name] = true
		if _, err := url.ParseRequestURI(env.ServerURL); err != nil {
			return fmt.Errorf("dataverse environment %q: invalid server_url: %w", env.Name, err)
		}
	}
	return nil
}

// Environment resolves a Dataverse environment by name. An empty name or the
// default environment's name returns the top-level settings.
func (c *DataverseConfig) Environment(name string) (EnvironmentConfig, bool) {
	if name == "" || strings.EqualFold(name, c.DefaultEnvironment) {
		if c.ServerURL == "" {
			return EnvironmentConfig{}, false
		}
		return EnvironmentConfig{
			Name:         c.DefaultEnvironment,
			ServerURL:    c.ServerURL,
			TenantID:     c.TenantID,
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
		}, true
	}
	for _, env := range c.Environments {
		if strings.EqualFold(env.Name, name) {
			return env, true
		}
	}
	return EnvironmentConfig{}, false
}

// EnvironmentNames lists the configured environments, default first.
func (c *DataverseConfig) EnvironmentNames() []string {
	var names []string
	if c.ServerURL != "" {
		names = append(names, c.DefaultEnvironment)
	}
	for _, env := range c.Environments {
		names = append(names, env.Name)
	}
	return names
}

// ConnectionString returns a PostgreSQL connection URL. Inside a Docker
// container a loopback host is rewritten to host.docker.internal so the same
// config.yaml reaches a database on the host machine.
func (c *DatabaseConfig) ConnectionString() string {
	return c.connectionString(inContainer())
}

var inContainer = sync.OnceValue(func() bool {
	_, err := os.Stat("/.dockerenv")
	return err == nil
})

func (c *DatabaseConfig) connectionString(inDocker bool) string {
	host := c.Host
	if inDocker && isLoopback(host) {
		host = "host.docker.internal"
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     net.JoinHostPort(host, strconv.Itoa(c.Port)),
		Path:     "/" + c.Database,
		RawQuery: "sslmode=" + url.QueryEscape(c.SSLMode),
	}
	return u.String()
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
