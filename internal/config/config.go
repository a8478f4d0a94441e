package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"throttle/internal/models"
	"time"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// SupportedSchemaVersions is the range of schema_version values this build
// understands.
const SupportedSchemaVersions = ">= 1.0.0, < 2.0.0"

// Load loads configuration from file and environment variables
func Load(configPath string) (*models.Config, error) {
	// Start with default configuration
	config := models.NewDefaultConfig()

	// Load from file if provided and exists
	if configPath != "" {
		if err := loadFromFile(config, configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// Override with environment variables
	loadFromEnvironment(config)

	if err := checkSchemaVersion(config.SchemaVersion); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// Validate the final configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	for _, route := range config.UnknownPolicyRoutes() {
		slog.Warn("Policies configured for unknown route are never applied", "route", route)
	}

	return config, nil
}

// checkSchemaVersion rejects configuration files written for an
// incompatible schema.
func checkSchemaVersion(v string) error {
	version, err := semver.NewVersion(v)
	if err != nil {
		return fmt.Errorf("invalid schema_version %q: %w", v, err)
	}
	constraint, err := semver.NewConstraint(SupportedSchemaVersions)
	if err != nil {
		return err
	}
	if !constraint.Check(version) {
		return fmt.Errorf("unsupported schema_version %s (supported: %s)", version, SupportedSchemaVersions)
	}
	return nil
}

// loadFromFile loads configuration from a YAML file
func loadFromFile(config *models.Config, filePath string) error {
	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s", filePath)
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}
	return nil
}

// loadFromEnvironment loads configuration from environment variables
func loadFromEnvironment(config *models.Config) {
	// Server configuration
	if port := os.Getenv("THROTTLE_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}

	if host := os.Getenv("THROTTLE_HOST"); host != "" {
		config.Server.Host = host
	}

	if timeout := os.Getenv("THROTTLE_READ_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			config.Server.ReadTimeout = d
		}
	}

	if timeout := os.Getenv("THROTTLE_WRITE_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			config.Server.WriteTimeout = d
		}
	}

	if timeout := os.Getenv("THROTTLE_IDLE_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			config.Server.IdleTimeout = d
		}
	}

	if tls := os.Getenv("THROTTLE_TLS_ENABLED"); tls != "" {
		config.Server.TLSEnabled = strings.ToLower(tls) == "true"
	}

	if certFile := os.Getenv("THROTTLE_TLS_CERT_FILE"); certFile != "" {
		config.Server.TLSCertFile = certFile
	}

	if keyFile := os.Getenv("THROTTLE_TLS_KEY_FILE"); keyFile != "" {
		config.Server.TLSKeyFile = keyFile
	}

	// Rate limit configuration
	if enabled := os.Getenv("THROTTLE_RATE_LIMIT_ENABLED"); enabled != "" {
		config.RateLimit.Enabled = strings.ToLower(enabled) == "true"
	}

	if repository := os.Getenv("THROTTLE_RATE_LIMIT_REPOSITORY"); repository != "" {
		config.RateLimit.Repository = repository
	}

	if prefix := os.Getenv("THROTTLE_RATE_LIMIT_KEY_PREFIX"); prefix != "" {
		config.RateLimit.KeyPrefix = prefix
	}

	if behindProxy := os.Getenv("THROTTLE_RATE_LIMIT_BEHIND_PROXY"); behindProxy != "" {
		config.RateLimit.BehindProxy = strings.ToLower(behindProxy) == "true"
	}

	if failOpen := os.Getenv("THROTTLE_RATE_LIMIT_FAIL_OPEN"); failOpen != "" {
		config.RateLimit.FailOpen = strings.ToLower(failOpen) == "true"
	}

	if timeout := os.Getenv("THROTTLE_RATE_LIMIT_STORE_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			config.RateLimit.StoreTimeout = d
		}
	}

	// Storage configuration
	if addrs := os.Getenv("THROTTLE_REDIS_ADDRS"); addrs != "" {
		config.Storage.Redis.Addrs = splitList(addrs)
	}

	if username := os.Getenv("THROTTLE_REDIS_USERNAME"); username != "" {
		config.Storage.Redis.Username = username
	}

	if password := os.Getenv("THROTTLE_REDIS_PASSWORD"); password != "" {
		config.Storage.Redis.Password = password
	}

	if db := os.Getenv("THROTTLE_REDIS_DB"); db != "" {
		if dbNum, err := strconv.Atoi(db); err == nil {
			config.Storage.Redis.DB = dbNum
		}
	}

	if poolSize := os.Getenv("THROTTLE_REDIS_POOL_SIZE"); poolSize != "" {
		if size, err := strconv.Atoi(poolSize); err == nil {
			config.Storage.Redis.PoolSize = size
		}
	}

	if dsn := os.Getenv("THROTTLE_DATABASE_DSN"); dsn != "" {
		config.Storage.Database.DSN = dsn
	}

	if maxOpen := os.Getenv("THROTTLE_DATABASE_MAX_OPEN_CONNS"); maxOpen != "" {
		if conns, err := strconv.Atoi(maxOpen); err == nil {
			config.Storage.Database.MaxOpenConns = conns
		}
	}

	if maxIdle := os.Getenv("THROTTLE_DATABASE_MAX_IDLE_CONNS"); maxIdle != "" {
		if conns, err := strconv.Atoi(maxIdle); err == nil {
			config.Storage.Database.MaxIdleConns = conns
		}
	}

	// Security configuration
	if secret := os.Getenv("THROTTLE_JWT_SECRET"); secret != "" {
		config.Security.JWTSecret = secret
	}

	if header := os.Getenv("THROTTLE_USER_HEADER"); header != "" {
		config.Security.UserHeader = header
	}

	// Logging configuration
	if level := os.Getenv("THROTTLE_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}

	if format := os.Getenv("THROTTLE_LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}

	if output := os.Getenv("THROTTLE_LOG_OUTPUT"); output != "" {
		config.Logging.Output = output
	}

	if filePath := os.Getenv("THROTTLE_LOG_FILE_PATH"); filePath != "" {
		config.Logging.FilePath = filePath
	}

	// Metrics configuration
	if metrics := os.Getenv("THROTTLE_METRICS_ENABLED"); metrics != "" {
		config.Metrics.Enabled = strings.ToLower(metrics) == "true"
	}

	if path := os.Getenv("THROTTLE_METRICS_PATH"); path != "" {
		config.Metrics.Path = path
	}

	if port := os.Getenv("THROTTLE_METRICS_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Metrics.Port = p
		}
	}

	// Tracing configuration
	if tracing := os.Getenv("THROTTLE_TRACING_ENABLED"); tracing != "" {
		config.Observability.Tracing.Enabled = strings.ToLower(tracing) == "true"
	}

	if exporter := os.Getenv("THROTTLE_TRACING_EXPORTER"); exporter != "" {
		config.Observability.Tracing.Exporter = exporter
	}

	if endpoint := os.Getenv("THROTTLE_OTLP_ENDPOINT"); endpoint != "" {
		config.Observability.Tracing.OTLPEndpoint = endpoint
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// SaveExample saves an example configuration file
func SaveExample(filePath string) error {
	// Create directory if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	// Get default config with some example values
	config := models.NewDefaultConfig()

	config.Routes = []models.RouteConfig{
		{ID: "serviceA", Path: "/serviceA", URL: "http://localhost:9001", StripPrefix: true},
		{ID: "serviceB", Path: "/serviceB", URL: "http://localhost:9002", StripPrefix: true},
	}

	config.RateLimit.DefaultPolicyList = []models.Policy{
		{
			Type:            []models.MatchDimension{{Type: models.MatchTypeOrigin}},
			Limit:           100,
			RefreshInterval: time.Minute,
		},
	}
	config.RateLimit.PolicyList = map[string][]models.Policy{
		"serviceA": {
			{
				ID:              "admins",
				Type:            []models.MatchDimension{{Type: models.MatchTypeUser, Matcher: "admin"}},
				Limit:           1000,
				RefreshInterval: time.Minute,
				BreakOnMatch:    true,
			},
			{
				Type:            []models.MatchDimension{{Type: models.MatchTypeUser}, {Type: models.MatchTypeOrigin}},
				Limit:           10,
				Quota:           30 * time.Second,
				RefreshInterval: time.Minute,
			},
		},
		"serviceB": {
			{
				Type:             []models.MatchDimension{{Type: models.MatchTypeServiceID}, {Type: models.MatchTypeOrigin}},
				Limit:            2,
				RefreshInterval:  time.Minute,
				CIDRPrefixLength: 22,
			},
		},
	}

	config.Security.UserHeader = "X-Authenticated-User"

	// Example TLS configuration
	config.Server.TLSEnabled = false
	config.Server.TLSCertFile = "/path/to/cert.pem"
	config.Server.TLSKeyFile = "/path/to/key.pem"

	// Marshal to YAML
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	// Write to file
	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
