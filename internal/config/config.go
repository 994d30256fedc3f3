package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServiceConfig holds configuration for the continuation manager facade
type ServiceConfig struct {
	// MaxRegisterNum is the per-principal token quota
	MaxRegisterNum int `yaml:"max_register_num"`
	// MaxTokenNum is the wrap point of the token counter
	MaxTokenNum int32 `yaml:"max_token_num"`
	// WorkQueueCapacity is the depth of the ordered work queue
	WorkQueueCapacity int `yaml:"work_queue_capacity"`
}

// DefaultServiceConfig returns default configuration for the facade
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		MaxRegisterNum:    DefaultMaxRegisterNum,
		MaxTokenNum:       DefaultMaxTokenNum,
		WorkQueueCapacity: DefaultWorkQueueCapacity,
	}
}

// ArbiterConfig holds configuration for all-connect resource arbitration
type ArbiterConfig struct {
	// DecisionWait is how long to wait for a broker decision
	DecisionWait time.Duration `yaml:"decision_wait"`
	// ApplyRateInterval is the per-peer limiter refill interval
	ApplyRateInterval time.Duration `yaml:"apply_rate_interval"`
	// ApplyBurst is the per-peer limiter burst
	ApplyBurst int `yaml:"apply_burst"`
}

// DefaultArbiterConfig returns default configuration for the arbiter
func DefaultArbiterConfig() ArbiterConfig {
	return ArbiterConfig{
		DecisionWait:      DefaultDecisionWait,
		ApplyRateInterval: DefaultApplyRateInterval,
		ApplyBurst:        DefaultApplyBurst,
	}
}

// StorageConfig selects the parameter store backend
type StorageConfig struct {
	// Backend is "memory" or "redis"
	Backend       string `yaml:"backend"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	Prefix        string `yaml:"prefix"`
}

// DefaultStorageConfig returns default configuration for parameter storage
func DefaultStorageConfig() StorageConfig {
	return StorageConfig{
		Backend: StorageMemory,
		Prefix:  DefaultRedisPrefix,
	}
}

// TransportConfig holds configuration for the gRPC binder transport
type TransportConfig struct {
	GRPCPort        string        `yaml:"grpc_port"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DefaultTransportConfig returns default configuration for the transport
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		GRPCPort:        DefaultGRPCPort,
		RequestTimeout:  DefaultRequestTimeout,
		ShutdownTimeout: DefaultShutdownTimeout,
	}
}

// BindingConfig holds configuration for the MCP binding server
type BindingConfig struct {
	Name     string `yaml:"name"`
	Version  string `yaml:"version"`
	HTTPMode bool   `yaml:"http_mode"`
	HTTPPort string `yaml:"http_port"`
	// CallerToken is the access token the binding presents on its link
	CallerToken uint32 `yaml:"caller_token"`
	CallerUID   int32  `yaml:"caller_uid"`
}

// DefaultBindingConfig returns default configuration for the binding server
func DefaultBindingConfig() BindingConfig {
	return BindingConfig{
		Name:        "continuation-manager",
		Version:     "0.1.0",
		HTTPPort:    DefaultHTTPPort,
		CallerToken: DefaultBindingToken,
		CallerUID:   DefaultBindingUID,
	}
}

// TokenConfig is one access token known to a device
type TokenConfig struct {
	ID uint32 `yaml:"id"`
	// Process names the native process owning the token. Application
	// tokens leave it empty.
	Process     string   `yaml:"process"`
	Permissions []string `yaml:"permissions"`
}

// AbilityConfig is one ability of an installed bundle
type AbilityConfig struct {
	Name         string   `yaml:"name"`
	Module       string   `yaml:"module"`
	ContinueType string   `yaml:"continue_type"`
	Extension    bool     `yaml:"extension"`
	Visible      bool     `yaml:"visible"`
	Permissions  []string `yaml:"permissions"`
}

// BundleConfig is one bundle installed on a device
type BundleConfig struct {
	Name        string          `yaml:"name"`
	UID         int32           `yaml:"uid"`
	Token       uint32          `yaml:"token"`
	AppID       string          `yaml:"app_id"`
	DeveloperID string          `yaml:"developer_id"`
	Version     uint32          `yaml:"version"`
	Continuable bool            `yaml:"continuable"`
	Abilities   []AbilityConfig `yaml:"abilities"`
}

// GroupConfig is a trust group the device shares with its peers
type GroupConfig struct {
	ID   string `yaml:"id"`
	Type int32  `yaml:"type"`
}

// DeviceConfig describes a device hosted by this process
type DeviceConfig struct {
	ID      string         `yaml:"id"`
	Tokens  []TokenConfig  `yaml:"tokens"`
	Bundles []BundleConfig `yaml:"bundles"`
	Groups  []GroupConfig  `yaml:"groups"`
}

// DefaultDeviceConfig returns the local device used when no file is given.
// It knows the system processes and the binding's token.
func DefaultDeviceConfig() DeviceConfig {
	return DeviceConfig{
		ID: DefaultDeviceID,
		Tokens: []TokenConfig{
			{ID: DefaultFoundationToken, Process: "foundation"},
			{ID: DefaultDumperToken, Process: "hidumper_service"},
			{ID: DefaultBindingToken, Permissions: []string{"ohos.permission.DISTRIBUTED_DATASYNC"}},
		},
		Groups: []GroupConfig{{ID: DefaultGroupID, Type: DefaultGroupType}},
	}
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    string `yaml:"port"`
}

// DefaultMetricsConfig returns default configuration for metrics
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled: true,
		Port:    DefaultMetricsPort,
	}
}

// ContinueConfig tunes continuation sessions
type ContinueConfig struct {
	// EventCapacity is the pending event depth of one session
	EventCapacity int `yaml:"event_capacity"`
}

// DefaultContinueConfig returns default configuration for sessions
func DefaultContinueConfig() ContinueConfig {
	return ContinueConfig{
		EventCapacity: DefaultContinueEventCapacity,
	}
}

// Config is the full process configuration
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Arbiter   ArbiterConfig   `yaml:"arbiter"`
	Continue  ContinueConfig  `yaml:"continue"`
	Storage   StorageConfig   `yaml:"storage"`
	Transport TransportConfig `yaml:"transport"`
	Binding   BindingConfig   `yaml:"binding"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Device    DeviceConfig    `yaml:"device"`
	// Peers are simulated devices joined to the local one over loopback
	Peers []DeviceConfig `yaml:"peers"`
}

// Default returns the configuration used when no file is given
func Default() Config {
	return Config{
		Service:   DefaultServiceConfig(),
		Arbiter:   DefaultArbiterConfig(),
		Continue:  DefaultContinueConfig(),
		Storage:   DefaultStorageConfig(),
		Transport: DefaultTransportConfig(),
		Binding:   DefaultBindingConfig(),
		Metrics:   DefaultMetricsConfig(),
		Device:    DefaultDeviceConfig(),
	}
}

// Load reads a YAML file over the defaults. An empty path returns the
// defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := Parse(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML into cfg and validates the result
func Parse(data []byte, cfg *Config) error {
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return err
	}
	return cfg.Validate()
}

// ApplyEnv overrides values from environment variables
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv("GRPC_PORT"); v != "" {
		c.Transport.GRPCPort = v
	}
	if v := getenv("HTTP_PORT"); v != "" {
		c.Binding.HTTPPort = v
	}
	if v := getenv("METRICS_PORT"); v != "" {
		c.Metrics.Port = v
	}
	if v := getenv("STORAGE_BACKEND"); v != "" {
		c.Storage.Backend = v
	}
	if v := getenv("REDIS_ADDR"); v != "" {
		c.Storage.RedisAddr = v
	}
	if v := getenv("REDIS_PASSWORD"); v != "" {
		c.Storage.RedisPassword = v
	}
	if v := getenv("DEVICE_ID"); v != "" {
		c.Device.ID = v
	}
}

// Validate checks invariants the components rely on
func (c *Config) Validate() error {
	if c.Service.MaxRegisterNum <= 0 {
		return errors.New("service.max_register_num must be positive")
	}
	if c.Service.MaxTokenNum <= 0 {
		return errors.New("service.max_token_num must be positive")
	}
	if c.Service.WorkQueueCapacity <= 0 {
		return errors.New("service.work_queue_capacity must be positive")
	}
	if c.Arbiter.DecisionWait <= 0 {
		return errors.New("arbiter.decision_wait must be positive")
	}
	if c.Continue.EventCapacity <= 0 {
		return errors.New("continue.event_capacity must be positive")
	}
	switch c.Storage.Backend {
	case StorageMemory:
	case StorageRedis:
		if c.Storage.RedisAddr == "" {
			return errors.New("storage.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	seen := map[string]bool{}
	for _, d := range append([]DeviceConfig{c.Device}, c.Peers...) {
		if d.ID == "" {
			return errors.New("device id must not be empty")
		}
		if seen[d.ID] {
			return fmt.Errorf("device %q configured twice", d.ID)
		}
		seen[d.ID] = true
	}
	return nil
}
