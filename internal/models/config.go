// Package models - Service configuration and operational settings.
// This file defines the configuration structures for the gateway, the rate
// limit engine and its counter store backends.
//
// Configuration Philosophy:
// - Hierarchical configuration with logical grouping (server, routes, rate_limit, etc.)
// - Defaults that run out of the box with the in-memory counter store
// - Validation catches malformed policies at load time, never per request
package models

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
)

// Counter store repository constants
const (
	RepositoryMemory   = "memory"
	RepositoryRedis    = "redis"
	RepositoryPostgres = "postgres"
	RepositorySQLite   = "sqlite"
)

// DefaultKeyPrefix is prepended to every counter key.
const DefaultKeyPrefix = "rate-limit-application"

// Config is the root configuration structure containing all service settings.
//
// Configuration Structure:
// - Server: HTTP listener settings
// - Routes: upstream services the gateway proxies to
// - RateLimit: policies and engine behaviour
// - Storage: connection settings for remote counter stores
// - Security: request identity resolution
// - Logging, Metrics, Observability: operational output
type Config struct {
	SchemaVersion string              `yaml:"schema_version" json:"schema_version"`
	Server        ServerConfig        `yaml:"server" json:"server"`
	Routes        []RouteConfig       `yaml:"routes" json:"routes"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit" json:"rate_limit"`
	Storage       StorageConfig       `yaml:"storage" json:"storage"`
	Security      SecurityConfig      `yaml:"security" json:"security"`
	Logging       LoggingConfig       `yaml:"logging" json:"logging"`
	Metrics       MetricsConfig       `yaml:"metrics" json:"metrics"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

type ServerConfig struct {
	Port         int           `yaml:"port" json:"port"`
	Host         string        `yaml:"host" json:"host"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	TLSEnabled   bool          `yaml:"tls_enabled" json:"tls_enabled"`
	TLSCertFile  string        `yaml:"tls_cert_file" json:"tls_cert_file"`
	TLSKeyFile   string        `yaml:"tls_key_file" json:"tls_key_file"`
}

// RouteConfig maps a path prefix to an upstream service. ID is the service
// id policies are keyed by.
type RouteConfig struct {
	ID          string `yaml:"id" json:"id"`
	Path        string `yaml:"path" json:"path"`
	URL         string `yaml:"url" json:"url"`
	StripPrefix bool   `yaml:"strip_prefix" json:"strip_prefix"`
}

// RateLimitConfig configures the admission engine.
type RateLimitConfig struct {
	Enabled                bool                `yaml:"enabled" json:"enabled"`
	Repository             string              `yaml:"repository" json:"repository"`
	KeyPrefix              string              `yaml:"key_prefix" json:"key_prefix"`
	BehindProxy            bool                `yaml:"behind_proxy" json:"behind_proxy"`
	AddResponseHeaders     bool                `yaml:"add_response_headers" json:"add_response_headers"`
	CombineDefaultPolicies bool                `yaml:"combine_default_policies" json:"combine_default_policies"`
	FailOpen               bool                `yaml:"fail_open" json:"fail_open"`
	StoreTimeout           time.Duration       `yaml:"store_timeout" json:"store_timeout"`
	CleanupInterval        time.Duration       `yaml:"cleanup_interval" json:"cleanup_interval"`
	DefaultPolicyList      []Policy            `yaml:"default_policy_list" json:"default_policy_list"`
	PolicyList             map[string][]Policy `yaml:"policy_list" json:"policy_list"`
}

type StorageConfig struct {
	Redis    RedisConfig    `yaml:"redis" json:"redis"`
	Database DatabaseConfig `yaml:"database" json:"database"`
}

type RedisConfig struct {
	Addrs       []string      `yaml:"addrs" json:"addrs"`
	Username    string        `yaml:"username" json:"username"`
	Password    string        `yaml:"password" json:"password"`
	DB          int           `yaml:"db" json:"db"`
	PoolSize    int           `yaml:"pool_size" json:"pool_size"`
	DialTimeout time.Duration `yaml:"dial_timeout" json:"dial_timeout"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn" json:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" json:"conn_max_idle_time"`
}

// SecurityConfig controls how the authenticated user of a request is
// resolved. UserHeader takes precedence over JWT verification.
type SecurityConfig struct {
	JWTSecret  string `yaml:"jwt_secret" json:"-"`
	UserHeader string `yaml:"user_header" json:"user_header"`
}

type LoggingConfig struct {
	Level    string `yaml:"level" json:"level"`
	Format   string `yaml:"format" json:"format"`
	Output   string `yaml:"output" json:"output"`
	FilePath string `yaml:"file_path" json:"file_path"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
	Port    int    `yaml:"port" json:"port"`
}

type ObservabilityConfig struct {
	ServiceName string        `yaml:"service_name" json:"service_name"`
	Tracing     TracingConfig `yaml:"tracing" json:"tracing"`
}

type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	Exporter     string  `yaml:"exporter" json:"exporter"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" json:"otlp_endpoint"`
	SampleRate   float64 `yaml:"sample_rate" json:"sample_rate"`
}

// NewDefaultConfig creates a configuration with defaults that run without
// external dependencies: in-memory counters, no routes, no policies.
func NewDefaultConfig() *Config {
	return &Config{
		SchemaVersion: "1.0.0",
		Server: ServerConfig{
			Port:         8080,
			Host:         "0.0.0.0",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Routes: []RouteConfig{},
		RateLimit: RateLimitConfig{
			Enabled:            true,
			Repository:         RepositoryMemory,
			KeyPrefix:          DefaultKeyPrefix,
			AddResponseHeaders: true,
			StoreTimeout:       500 * time.Millisecond,
			CleanupInterval:    time.Minute,
			DefaultPolicyList:  []Policy{},
			PolicyList:         map[string][]Policy{},
		},
		Storage: StorageConfig{
			Redis: RedisConfig{
				Addrs:       []string{"localhost:6379"},
				PoolSize:    10,
				DialTimeout: 5 * time.Second,
			},
			Database: DatabaseConfig{
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: 5 * time.Minute,
				ConnMaxIdleTime: 5 * time.Minute,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
			Port:    9090,
		},
		Observability: ObservabilityConfig{
			ServiceName: "throttle",
			Tracing: TracingConfig{
				Exporter:   "stdout",
				SampleRate: 1.0,
			},
		},
	}
}

func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("invalid server config: %w", err)
	}

	seen := make(map[string]bool, len(c.Routes))
	for i := range c.Routes {
		if err := c.Routes[i].Validate(); err != nil {
			return fmt.Errorf("invalid route config routes[%d]: %w", i, err)
		}
		if seen[c.Routes[i].ID] {
			return fmt.Errorf("invalid route config: duplicate route id %q", c.Routes[i].ID)
		}
		seen[c.Routes[i].ID] = true
	}

	if err := c.RateLimit.Validate(); err != nil {
		return fmt.Errorf("invalid rate limit config: %w", err)
	}

	if err := c.Storage.Validate(c.RateLimit.Repository); err != nil {
		return fmt.Errorf("invalid storage config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("invalid logging config: %w", err)
	}

	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("invalid metrics config: %w", err)
	}

	if err := c.Observability.Validate(); err != nil {
		return fmt.Errorf("invalid observability config: %w", err)
	}

	return nil
}

// UnknownPolicyRoutes returns policy_list entries that name no configured
// route, sorted. Such policies can never apply through the gateway.
func (c *Config) UnknownPolicyRoutes() []string {
	known := make(map[string]bool, len(c.Routes))
	for _, r := range c.Routes {
		known[r.ID] = true
	}
	var unknown []string
	for id := range c.RateLimit.PolicyList {
		if !known[id] {
			unknown = append(unknown, id)
		}
	}
	sort.Strings(unknown)
	return unknown
}

func (sc *ServerConfig) Validate() error {
	if sc.Port <= 0 || sc.Port > 65535 {
		return errors.New("port must be between 1 and 65535")
	}

	if sc.Host == "" {
		return errors.New("host cannot be empty")
	}

	if sc.ReadTimeout < 0 {
		return errors.New("read timeout cannot be negative")
	}

	if sc.WriteTimeout < 0 {
		return errors.New("write timeout cannot be negative")
	}

	if sc.IdleTimeout < 0 {
		return errors.New("idle timeout cannot be negative")
	}

	if sc.TLSEnabled {
		if sc.TLSCertFile == "" {
			return errors.New("TLS cert file is required when TLS is enabled")
		}
		if sc.TLSKeyFile == "" {
			return errors.New("TLS key file is required when TLS is enabled")
		}
	}

	return nil
}

func (rc *RouteConfig) Validate() error {
	if rc.ID == "" {
		return errors.New("route id cannot be empty")
	}
	if strings.Contains(rc.ID, ":") {
		return fmt.Errorf("route id %q cannot contain ':'", rc.ID)
	}
	if !strings.HasPrefix(rc.Path, "/") {
		return fmt.Errorf("route path %q must start with '/'", rc.Path)
	}
	u, err := url.Parse(rc.URL)
	if err != nil {
		return fmt.Errorf("invalid route url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("route url %q must be http or https", rc.URL)
	}
	return nil
}

func (rl *RateLimitConfig) Validate() error {
	validRepositories := []string{RepositoryMemory, RepositoryRedis, RepositoryPostgres, RepositorySQLite}
	found := false
	for _, vr := range validRepositories {
		if rl.Repository == vr {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("invalid repository: %s", rl.Repository)
	}

	if rl.KeyPrefix == "" {
		return errors.New("key prefix cannot be empty")
	}

	if rl.StoreTimeout < 0 {
		return errors.New("store timeout cannot be negative")
	}

	if rl.CleanupInterval < 0 {
		return errors.New("cleanup interval cannot be negative")
	}

	if err := validatePolicyList("default_policy_list", rl.DefaultPolicyList); err != nil {
		return err
	}

	routes := make([]string, 0, len(rl.PolicyList))
	for route := range rl.PolicyList {
		routes = append(routes, route)
	}
	sort.Strings(routes)
	for _, route := range routes {
		if err := validatePolicyList("policy_list."+route, rl.PolicyList[route]); err != nil {
			return err
		}
	}

	return nil
}

func validatePolicyList(name string, policies []Policy) error {
	ids := make(map[string]bool, len(policies))
	for i := range policies {
		p := &policies[i]
		if err := p.Validate(); err != nil {
			return fmt.Errorf("%s[%d]: %w", name, i, err)
		}
		if p.ID == "" {
			continue
		}
		if ids[p.ID] {
			return fmt.Errorf("%s[%d]: %w: duplicate policy id %q", name, i, ErrInvalidPolicy, p.ID)
		}
		ids[p.ID] = true
	}
	return nil
}

func (stc *StorageConfig) Validate(repository string) error {
	switch repository {
	case RepositoryRedis:
		if len(stc.Redis.Addrs) == 0 {
			return errors.New("at least one Redis address is required when repository is redis")
		}
		if stc.Redis.PoolSize < 0 {
			return errors.New("redis pool size cannot be negative")
		}
	case RepositoryPostgres, RepositorySQLite:
		if stc.Database.DSN == "" {
			return fmt.Errorf("database DSN is required for %s repository", repository)
		}
		if stc.Database.MaxOpenConns < 0 || stc.Database.MaxIdleConns < 0 {
			return errors.New("connection limits cannot be negative")
		}
	}
	return nil
}

func (lc *LoggingConfig) Validate() error {
	validLevels := []string{"debug", "info", "warn", "error"}
	found := false
	for _, vl := range validLevels {
		if lc.Level == vl {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("invalid log level: %s", lc.Level)
	}

	validFormats := []string{"json", "text"}
	found = false
	for _, vf := range validFormats {
		if lc.Format == vf {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("invalid log format: %s", lc.Format)
	}

	validOutputs := []string{"stdout", "stderr", "file"}
	found = false
	for _, vo := range validOutputs {
		if lc.Output == vo {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("invalid log output: %s", lc.Output)
	}

	if lc.Output == "file" && lc.FilePath == "" {
		return errors.New("file path is required when output is file")
	}

	return nil
}

func (mc *MetricsConfig) Validate() error {
	if !mc.Enabled {
		return nil
	}

	if mc.Path == "" {
		return errors.New("metrics path cannot be empty")
	}

	if mc.Port <= 0 || mc.Port > 65535 {
		return errors.New("metrics port must be between 1 and 65535")
	}

	return nil
}

func (oc *ObservabilityConfig) Validate() error {
	if oc.ServiceName == "" {
		return errors.New("service name cannot be empty")
	}
	if !oc.Tracing.Enabled {
		return nil
	}
	switch oc.Tracing.Exporter {
	case "stdout":
	case "otlp":
		if oc.Tracing.OTLPEndpoint == "" {
			return errors.New("otlp endpoint is required when exporter is otlp")
		}
	default:
		return fmt.Errorf("invalid trace exporter: %s", oc.Tracing.Exporter)
	}
	if oc.Tracing.SampleRate < 0 || oc.Tracing.SampleRate > 1 {
		return errors.New("sample rate must be between 0 and 1")
	}
	return nil
}
