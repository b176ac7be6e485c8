package core

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration consumed by the cluster control plane.
// It supports three-layer configuration priority:
//  1. Default values (lowest priority)
//  2. Environment variables (medium priority)
//  3. Functional options (highest priority)
//
// A config file can be layered in through WithConfigFile.
//
// Example usage:
//
//	cfg, err := NewConfig(
//	    WithNodeName("edge-1"),
//	    WithDiscoveryBackend("redis"),
//	    WithRedisURL("redis://localhost:6379"),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
type Config struct {
	Node         NodeConfig         `json:"node" yaml:"node"`
	Discovery    DiscoveryConfig    `json:"discovery" yaml:"discovery"`
	LoadBalancer LoadBalancerConfig `json:"load_balancer" yaml:"load_balancer"`
	HealthCheck  HealthCheckConfig  `json:"health_check" yaml:"health_check"`
	State        StateConfig        `json:"state" yaml:"state"`
	Autoscaler   AutoscalerConfig   `json:"autoscaler" yaml:"autoscaler"`
	Telemetry    TelemetryConfig    `json:"telemetry" yaml:"telemetry"`
	Logging      LoggingConfig      `json:"logging" yaml:"logging"`
	Development  DevelopmentConfig  `json:"development" yaml:"development"`
}

// NodeConfig describes this process as a cluster node.
type NodeConfig struct {
	ID                string            `json:"id" yaml:"id" env:"AGENTX_NODE_ID"`
	Name              string            `json:"name" yaml:"name" env:"AGENTX_NODE_NAME" default:"agentx-node"`
	BindAddress       string            `json:"bind_address" yaml:"bind_address" env:"AGENTX_BIND_ADDRESS" default:"0.0.0.0:8080"`
	Role              NodeRole          `json:"role" yaml:"role" env:"AGENTX_NODE_ROLE" default:"worker"`
	HeartbeatInterval time.Duration     `json:"heartbeat_interval" yaml:"heartbeat_interval" default:"30s"`
	Metadata          map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// DiscoveryConfig selects and tunes the service discovery backend.
// Supported backends: memory, redis, etcd. consul and kubernetes are
// recognised but rejected as unsupported.
type DiscoveryConfig struct {
	Backend         string        `json:"backend" yaml:"backend" env:"AGENTX_DISCOVERY_BACKEND" default:"memory"`
	TTL             time.Duration `json:"ttl" yaml:"ttl" env:"AGENTX_DISCOVERY_TTL" default:"300s"`
	CleanupInterval time.Duration `json:"cleanup_interval" yaml:"cleanup_interval" default:"60s"`
	RedisURL        string        `json:"redis_url" yaml:"redis_url" env:"AGENTX_REDIS_URL,REDIS_URL"`
	RedisNamespace  string        `json:"redis_namespace" yaml:"redis_namespace" default:"agentx"`
	EtcdEndpoints   []string      `json:"etcd_endpoints" yaml:"etcd_endpoints" env:"AGENTX_ETCD_ENDPOINTS"`
	EtcdPrefix      string        `json:"etcd_prefix" yaml:"etcd_prefix" default:"/agentx"`
	DialTimeout     time.Duration `json:"dial_timeout" yaml:"dial_timeout" default:"5s"`
}

// LoadBalancerConfig selects the selection strategy.
type LoadBalancerConfig struct {
	Strategy          string        `json:"strategy" yaml:"strategy" env:"AGENTX_LB_STRATEGY" default:"round_robin"`
	ConnectionTimeout time.Duration `json:"connection_timeout" yaml:"connection_timeout" default:"5s"`
	MaxRetries        int           `json:"max_retries" yaml:"max_retries" default:"3"`
}

// HealthCheckConfig tunes probing and hysteresis.
type HealthCheckConfig struct {
	CheckInterval    time.Duration `json:"check_interval" yaml:"check_interval" default:"10s"`
	DefaultInterval  time.Duration `json:"default_interval" yaml:"default_interval" default:"30s"`
	DefaultTimeout   time.Duration `json:"default_timeout" yaml:"default_timeout" default:"5s"`
	DefaultRetries   int           `json:"default_retries" yaml:"default_retries" default:"3"`
	FailureThreshold int           `json:"failure_threshold" yaml:"failure_threshold" default:"3"`
	SuccessThreshold int           `json:"success_threshold" yaml:"success_threshold" default:"2"`
}

// StateConfig identifies the cluster and its state sync backend.
type StateConfig struct {
	ClusterID     string            `json:"cluster_id" yaml:"cluster_id" env:"AGENTX_CLUSTER_ID"`
	ClusterName   string            `json:"cluster_name" yaml:"cluster_name" env:"AGENTX_CLUSTER_NAME" default:"agentx-cluster"`
	SyncBackend   string            `json:"sync_backend" yaml:"sync_backend" default:"memory"`
	SyncInterval  time.Duration     `json:"sync_interval" yaml:"sync_interval" default:"30s"`
	StatsInterval time.Duration     `json:"stats_interval" yaml:"stats_interval" default:"60s"`
	AgentExpiry   time.Duration     `json:"agent_expiry" yaml:"agent_expiry" default:"300s"`
	Metadata      map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// AutoscalerConfig tunes scaling thresholds and cooldowns.
type AutoscalerConfig struct {
	Enabled            bool          `json:"enabled" yaml:"enabled" env:"AGENTX_AUTOSCALER_ENABLED" default:"false"`
	Strategy           string        `json:"strategy" yaml:"strategy" default:"cpu"`
	MinInstances       int           `json:"min_instances" yaml:"min_instances" default:"1"`
	MaxInstances       int           `json:"max_instances" yaml:"max_instances" default:"10"`
	ScaleUpThreshold   float64       `json:"scale_up_threshold" yaml:"scale_up_threshold" default:"0.8"`
	ScaleDownThreshold float64       `json:"scale_down_threshold" yaml:"scale_down_threshold" default:"0.3"`
	ScaleUpCooldown    time.Duration `json:"scale_up_cooldown" yaml:"scale_up_cooldown" default:"300s"`
	ScaleDownCooldown  time.Duration `json:"scale_down_cooldown" yaml:"scale_down_cooldown" default:"600s"`
	EvaluationWindow   time.Duration `json:"evaluation_window" yaml:"evaluation_window" default:"300s"`
	EvaluationInterval time.Duration `json:"evaluation_interval" yaml:"evaluation_interval" default:"60s"`
	ScaleUpStep        int           `json:"scale_up_step" yaml:"scale_up_step" default:"1"`
	ScaleDownStep      int           `json:"scale_down_step" yaml:"scale_down_step" default:"1"`
	MaxHistoryEntries  int           `json:"max_history_entries" yaml:"max_history_entries" default:"100"`
	MinConfidence      float64       `json:"min_confidence" yaml:"min_confidence" default:"0.5"`
	UseHostMetrics     bool          `json:"use_host_metrics" yaml:"use_host_metrics" default:"false"`
}

// TelemetryConfig contains observability configuration for metrics and tracing.
// An endpoint of "stdout" exports spans to standard output.
type TelemetryConfig struct {
	Enabled        bool   `json:"enabled" yaml:"enabled" default:"false"`
	Endpoint       string `json:"endpoint" yaml:"endpoint" env:"AGENTX_TELEMETRY_ENDPOINT,OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName    string `json:"service_name" yaml:"service_name" default:"agentx-cluster"`
	MetricsAddress string `json:"metrics_address" yaml:"metrics_address" default:":9090"`
	Insecure       bool   `json:"insecure" yaml:"insecure" default:"true"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" env:"AGENTX_LOG_LEVEL" default:"info"`
	Format string `json:"format" yaml:"format" env:"AGENTX_LOG_FORMAT" default:"json"`
	Output string `json:"output" yaml:"output" default:"stdout"`
}

// DevelopmentConfig enables developer-friendly behaviour.
type DevelopmentConfig struct {
	Enabled    bool `json:"enabled" yaml:"enabled" env:"AGENTX_DEV_MODE" default:"false"`
	PrettyLogs bool `json:"pretty_logs" yaml:"pretty_logs" default:"false"`
}

// Option is a functional option for configuring the cluster.
type Option func(*Config) error

// DefaultConfig returns a configuration with sensible defaults.
// Node and cluster ids are freshly generated uuids.
func DefaultConfig() *Config {
	return &Config{
		Node: NodeConfig{
			ID:                uuid.New().String(),
			Name:              "agentx-node",
			BindAddress:       "0.0.0.0:8080",
			Role:              RoleWorker,
			HeartbeatInterval: 30 * time.Second,
		},
		Discovery: DiscoveryConfig{
			Backend:         "memory",
			TTL:             300 * time.Second,
			CleanupInterval: 60 * time.Second,
			RedisURL:        "redis://localhost:6379",
			RedisNamespace:  DefaultRedisNamespace,
			EtcdEndpoints:   []string{"localhost:2379"},
			EtcdPrefix:      DefaultEtcdPrefix,
			DialTimeout:     5 * time.Second,
		},
		LoadBalancer: LoadBalancerConfig{
			Strategy:          "round_robin",
			ConnectionTimeout: 5 * time.Second,
			MaxRetries:        3,
		},
		HealthCheck: HealthCheckConfig{
			CheckInterval:    10 * time.Second,
			DefaultInterval:  DefaultProbeInterval,
			DefaultTimeout:   DefaultProbeTimeout,
			DefaultRetries:   3,
			FailureThreshold: 3,
			SuccessThreshold: 2,
		},
		State: StateConfig{
			ClusterID:     uuid.New().String(),
			ClusterName:   "agentx-cluster",
			SyncBackend:   "memory",
			SyncInterval:  30 * time.Second,
			StatsInterval: 60 * time.Second,
			AgentExpiry:   300 * time.Second,
		},
		Autoscaler: AutoscalerConfig{
			Enabled:            false,
			Strategy:           "cpu",
			MinInstances:       1,
			MaxInstances:       10,
			ScaleUpThreshold:   0.8,
			ScaleDownThreshold: 0.3,
			ScaleUpCooldown:    300 * time.Second,
			ScaleDownCooldown:  600 * time.Second,
			EvaluationWindow:   300 * time.Second,
			EvaluationInterval: 60 * time.Second,
			ScaleUpStep:        1,
			ScaleDownStep:      1,
			MaxHistoryEntries:  100,
			MinConfidence:      0.5,
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "agentx-cluster",
			MetricsAddress: ":9090",
			Insecure:       true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables take precedence over defaults but are overridden by functional options.
//
// Returns an error if an environment variable holds a value that cannot be parsed.
func (c *Config) LoadFromEnv() error {
	// Node settings
	if v := os.Getenv(EnvNodeID); v != "" {
		c.Node.ID = v
	}
	if v := os.Getenv(EnvNodeName); v != "" {
		c.Node.Name = v
	}
	if v := os.Getenv(EnvBindAddress); v != "" {
		c.Node.BindAddress = v
	}
	if v := os.Getenv(EnvNodeRole); v != "" {
		role, ok := ParseNodeRole(strings.ToLower(v))
		if !ok {
			return fmt.Errorf("invalid %s %q: %w", EnvNodeRole, v, ErrInvalidConfiguration)
		}
		c.Node.Role = role
	}

	// Discovery settings
	if v := os.Getenv(EnvDiscoveryBackend); v != "" {
		c.Discovery.Backend = strings.ToLower(v)
	}
	if v := os.Getenv(EnvDiscoveryTTL); v != "" {
		d, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvDiscoveryTTL, v, ErrInvalidConfiguration)
		}
		c.Discovery.TTL = d
	}
	if v := os.Getenv(EnvRedisURL); v != "" {
		c.Discovery.RedisURL = v
	} else if v := os.Getenv(EnvRedisURLFallback); v != "" {
		c.Discovery.RedisURL = v
	}
	if v := os.Getenv(EnvEtcdEndpoints); v != "" {
		c.Discovery.EtcdEndpoints = parseStringList(v)
	}

	// Load balancer
	if v := os.Getenv(EnvLBStrategy); v != "" {
		c.LoadBalancer.Strategy = strings.ToLower(v)
	}

	// Cluster state
	if v := os.Getenv(EnvClusterID); v != "" {
		c.State.ClusterID = v
	}
	if v := os.Getenv(EnvClusterName); v != "" {
		c.State.ClusterName = v
	}

	// Autoscaler
	if v := os.Getenv(EnvAutoscalerEnabled); v != "" {
		c.Autoscaler.Enabled = parseBool(v)
	}

	// Logging and telemetry
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv(EnvLogFormat); v != "" {
		c.Logging.Format = strings.ToLower(v)
	}
	if v := os.Getenv(EnvTelemetryEndpoint); v != "" {
		c.Telemetry.Endpoint = v
		c.Telemetry.Enabled = true
	} else if v := os.Getenv(EnvTelemetryEndpointFallback); v != "" {
		c.Telemetry.Endpoint = v
		c.Telemetry.Enabled = true
	}
	if v := os.Getenv(EnvDevMode); v != "" {
		c.Development.Enabled = parseBool(v)
		if c.Development.Enabled {
			c.Development.PrettyLogs = true
			c.Logging.Format = "text"
		}
	}

	return nil
}

// LoadFromFile loads configuration from a JSON or YAML file.
// Values present in the file override the current values; absent keys are left untouched.
func (c *Config) LoadFromFile(path string) error {
	cleanPath := filepath.Clean(path)

	ext := filepath.Ext(cleanPath)
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("unsupported config file extension %s: %w", ext, ErrInvalidConfiguration)
	}

	data, err := os.ReadFile(cleanPath) // nosec G304 -- operator supplied path
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", cleanPath, err)
	}

	switch ext {
	case ".json":
		if err := json.Unmarshal(data, c); err != nil {
			return fmt.Errorf("failed to parse JSON config file: %v: %w", err, ErrInvalidConfiguration)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("failed to parse YAML config file: %v: %w", err, ErrInvalidConfiguration)
		}
	}

	return nil
}

// Validate checks if the configuration is valid and returns an error if not.
// This method is called automatically by NewConfig() but can also be called
// manually after modifying configuration.
func (c *Config) Validate() error {
	if c.Node.Name == "" {
		return configError("node name is required", ErrMissingConfiguration)
	}
	if _, _, err := net.SplitHostPort(c.Node.BindAddress); err != nil {
		return configError(fmt.Sprintf("invalid bind address %q", c.Node.BindAddress), ErrInvalidConfiguration)
	}
	if _, ok := ParseNodeRole(string(c.Node.Role)); !ok {
		return configError(fmt.Sprintf("invalid node role %q", c.Node.Role), ErrInvalidConfiguration)
	}
	if c.Node.HeartbeatInterval <= 0 {
		return configError("heartbeat interval must be positive", ErrInvalidConfiguration)
	}

	if c.Discovery.TTL <= 0 {
		return configError("discovery ttl must be positive", ErrInvalidConfiguration)
	}
	if c.Discovery.CleanupInterval <= 0 {
		return configError("discovery cleanup interval must be positive", ErrInvalidConfiguration)
	}
	if c.Discovery.Backend == "redis" && c.Discovery.RedisURL == "" {
		return configError("redis URL is required for the redis discovery backend", ErrMissingConfiguration)
	}
	if c.Discovery.Backend == "etcd" && len(c.Discovery.EtcdEndpoints) == 0 {
		return configError("etcd endpoints are required for the etcd discovery backend", ErrMissingConfiguration)
	}

	if c.LoadBalancer.ConnectionTimeout <= 0 {
		return configError("load balancer connection timeout must be positive", ErrInvalidConfiguration)
	}

	if c.HealthCheck.DefaultTimeout <= 0 {
		return configError("health check timeout must be positive", ErrInvalidConfiguration)
	}
	if c.HealthCheck.DefaultInterval <= 0 {
		return configError("health check interval must be positive", ErrInvalidConfiguration)
	}
	if c.HealthCheck.FailureThreshold < 1 || c.HealthCheck.SuccessThreshold < 1 {
		return configError("health check thresholds must be at least 1", ErrInvalidConfiguration)
	}

	if c.State.ClusterID == "" {
		return configError("cluster id is required", ErrMissingConfiguration)
	}
	if c.State.ClusterName == "" {
		return configError("cluster name is required", ErrMissingConfiguration)
	}

	if c.Autoscaler.MinInstances < 0 || c.Autoscaler.MinInstances > c.Autoscaler.MaxInstances {
		return configError(fmt.Sprintf("invalid instance bounds [%d, %d]", c.Autoscaler.MinInstances, c.Autoscaler.MaxInstances), ErrInvalidConfiguration)
	}
	if c.Autoscaler.ScaleDownThreshold >= c.Autoscaler.ScaleUpThreshold {
		return configError("scale down threshold must be below scale up threshold", ErrInvalidConfiguration)
	}

	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return configError("telemetry endpoint is required when telemetry is enabled", ErrMissingConfiguration)
	}

	return nil
}

func configError(msg string, sentinel error) error {
	return &ClusterError{
		Op:      "Config.Validate",
		Kind:    KindConfig,
		Message: msg,
		Err:     sentinel,
	}
}

// Helper functions

// parseStringList splits a comma-separated string into a slice of strings.
// Whitespace is trimmed from each element, and empty strings are filtered out.
func parseStringList(s string) []string {
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// parseBool converts a string to a boolean value.
// Accepts: "true", "1", "yes", "on" (case-insensitive) as true.
func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

// parseDuration accepts Go duration strings or a bare number of seconds.
func parseDuration(s string) (time.Duration, error) {
	if secs, err := strconv.Atoi(s); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(s)
}

// Functional Options

// WithNodeID overrides the generated node id.
func WithNodeID(id string) Option {
	return func(c *Config) error {
		c.Node.ID = id
		return nil
	}
}

// WithNodeName sets the node name.
func WithNodeName(name string) Option {
	return func(c *Config) error {
		c.Node.Name = name
		return nil
	}
}

// WithBindAddress sets the host:port the node binds to.
func WithBindAddress(addr string) Option {
	return func(c *Config) error {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return configError(fmt.Sprintf("invalid bind address %q", addr), ErrInvalidConfiguration)
		}
		c.Node.BindAddress = addr
		return nil
	}
}

// WithNodeRole sets the node role.
func WithNodeRole(role NodeRole) Option {
	return func(c *Config) error {
		c.Node.Role = role
		return nil
	}
}

// WithDiscoveryBackend selects the discovery backend by name.
func WithDiscoveryBackend(backend string) Option {
	return func(c *Config) error {
		c.Discovery.Backend = strings.ToLower(backend)
		return nil
	}
}

// WithDiscoveryTTL sets the registration TTL and sweep interval.
func WithDiscoveryTTL(ttl, cleanup time.Duration) Option {
	return func(c *Config) error {
		c.Discovery.TTL = ttl
		c.Discovery.CleanupInterval = cleanup
		return nil
	}
}

// WithRedisURL sets the Redis URL and switches discovery to Redis.
func WithRedisURL(url string) Option {
	return func(c *Config) error {
		c.Discovery.RedisURL = url
		c.Discovery.Backend = "redis"
		return nil
	}
}

// WithEtcdEndpoints sets the etcd endpoints and switches discovery to etcd.
func WithEtcdEndpoints(endpoints ...string) Option {
	return func(c *Config) error {
		c.Discovery.EtcdEndpoints = endpoints
		c.Discovery.Backend = "etcd"
		return nil
	}
}

// WithLoadBalancerStrategy selects the selection strategy by name.
func WithLoadBalancerStrategy(strategy string) Option {
	return func(c *Config) error {
		c.LoadBalancer.Strategy = strings.ToLower(strategy)
		return nil
	}
}

// WithHealthThresholds sets the failure and success hysteresis thresholds.
func WithHealthThresholds(failure, success int) Option {
	return func(c *Config) error {
		c.HealthCheck.FailureThreshold = failure
		c.HealthCheck.SuccessThreshold = success
		return nil
	}
}

// WithCluster sets the cluster identity.
func WithCluster(id, name string) Option {
	return func(c *Config) error {
		c.State.ClusterID = id
		c.State.ClusterName = name
		return nil
	}
}

// WithAutoscaler enables or disables the autoscaler with the given thresholds.
func WithAutoscaler(enabled bool, scaleUp, scaleDown float64) Option {
	return func(c *Config) error {
		c.Autoscaler.Enabled = enabled
		c.Autoscaler.ScaleUpThreshold = scaleUp
		c.Autoscaler.ScaleDownThreshold = scaleDown
		return nil
	}
}

// WithTelemetry enables telemetry export to endpoint.
func WithTelemetry(enabled bool, endpoint string) Option {
	return func(c *Config) error {
		c.Telemetry.Enabled = enabled
		c.Telemetry.Endpoint = endpoint
		return nil
	}
}

// WithLogLevel sets the log level (debug, info, warn, error).
func WithLogLevel(level string) Option {
	return func(c *Config) error {
		c.Logging.Level = strings.ToLower(level)
		return nil
	}
}

// WithLogFormat sets the log format (json, text).
func WithLogFormat(format string) Option {
	return func(c *Config) error {
		c.Logging.Format = strings.ToLower(format)
		return nil
	}
}

// WithDevelopmentMode enables human-readable debug logging.
func WithDevelopmentMode(enabled bool) Option {
	return func(c *Config) error {
		c.Development.Enabled = enabled
		if enabled {
			c.Development.PrettyLogs = true
			c.Logging.Format = "text"
			c.Logging.Level = "debug"
		}
		return nil
	}
}

// WithConfigFile loads configuration from a JSON or YAML file.
// Options listed after it override file settings.
func WithConfigFile(path string) Option {
	return func(c *Config) error {
		return c.LoadFromFile(path)
	}
}

// NewConfig creates a new configuration with the provided options.
// Configuration is applied in the following order:
//  1. Default values from DefaultConfig()
//  2. Environment variables via LoadFromEnv()
//  3. Functional options (highest priority)
//  4. Validation via Validate()
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load env config: %w", err)
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}
