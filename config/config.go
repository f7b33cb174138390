package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/cohortnet/node/netiso"
	"github.com/cohortnet/node/runtime"
)

// Config is the complete node configuration.
type Config struct {
	Node        NodeConfig        `yaml:"node" env:"NODE"`
	Coordinator CoordinatorConfig `yaml:"coordinator" env:"COORDINATOR"`
	Runtime     RuntimeConfig     `yaml:"runtime" env:"RUNTIME"`
	Encryption  EncryptionConfig  `yaml:"encryption" env:"ENCRYPTION"`
	Proxy       ProxyConfig       `yaml:"proxy" env:"PROXY"`
	Log         LogConfig         `yaml:"log" env:"LOG"`

	// Sidecar configuration is file-only; overriding whitelists or
	// tunnel lists through the environment is not supported.
	Whitelist netiso.SquidConfig    `yaml:"whitelist"`
	Tunnels   []netiso.TunnelConfig `yaml:"tunnels"`
}

// NodeConfig identifies this node.
type NodeConfig struct {
	// Name tags containers, networks, and log lines.
	Name string `yaml:"name" env:"NAME"`
	// TokenSecret signs the run-scoped tokens handed to containers.
	TokenSecret string `yaml:"token_secret" env:"TOKEN_SECRET"`
}

// CoordinatorConfig points at the coordinator API.
type CoordinatorConfig struct {
	URL     string        `yaml:"url" env:"URL"`
	Token   string        `yaml:"token" env:"TOKEN"`
	Retries int           `yaml:"retries" env:"RETRIES"`
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// RuntimeConfig configures container execution.
type RuntimeConfig struct {
	// TasksRoot holds per-run files and the sessions tree.
	TasksRoot string `yaml:"tasks_root" env:"TASKS_ROOT"`
	// NetworkName is the isolated network algorithm containers join.
	// Defaults to "<node name>-net".
	NetworkName string `yaml:"network_name" env:"NETWORK_NAME"`
	// AllowedImages holds regex patterns; empty allows every image.
	AllowedImages []string `yaml:"allowed_images" env:"ALLOWED_IMAGES"`
	// PollInterval between container status refreshes.
	PollInterval time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	// Databases are the local data sources handed to algorithm
	// containers. File-only.
	Databases []runtime.Database `yaml:"databases"`
}

// EncryptionConfig configures end-to-end payload encryption.
type EncryptionConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// PrivateKeyPath holds (or will hold) the node's RSA key in PEM.
	PrivateKeyPath string `yaml:"private_key_path" env:"PRIVATE_KEY_PATH"`
}

// ProxyConfig configures the node-local relay and ambient endpoints.
type ProxyConfig struct {
	// ListenAddr is the relay bind address on the isolated network.
	ListenAddr string `yaml:"listen_addr" env:"LISTEN_ADDR"`
	// MetricsAddr serves /health and /metrics; empty disables it.
	MetricsAddr string  `yaml:"metrics_addr" env:"METRICS_ADDR"`
	RateLimit   float64 `yaml:"rate_limit" env:"RATE_LIMIT"`
	Burst       int     `yaml:"burst" env:"BURST"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level: debug, info, warn, error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format: json or console.
	Format string `yaml:"format" env:"FORMAT"`
	// File enables rotated file output when Path is set; stderr is
	// always written.
	File FileLogConfig `yaml:"file" env:"FILE"`
}

// FileLogConfig configures rotated log files.
type FileLogConfig struct {
	Path       string `yaml:"path" env:"PATH"`
	MaxSizeMB  int    `yaml:"max_size_mb" env:"MAX_SIZE_MB"`
	MaxBackups int    `yaml:"max_backups" env:"MAX_BACKUPS"`
	MaxAgeDays int    `yaml:"max_age_days" env:"MAX_AGE_DAYS"`
	Compress   bool   `yaml:"compress" env:"COMPRESS"`
}

// DefaultConfig returns the node defaults. A usable config still needs
// a node name and coordinator credentials.
func DefaultConfig() *Config {
	return &Config{
		Coordinator: CoordinatorConfig{
			Retries: 3,
			Timeout: 30 * time.Second,
		},
		Runtime: RuntimeConfig{
			TasksRoot:    "/var/lib/cohortnode/tasks",
			PollInterval: time.Second,
		},
		Encryption: EncryptionConfig{
			Enabled:        true,
			PrivateKeyPath: "/var/lib/cohortnode/private_key.pem",
		},
		Proxy: ProxyConfig{
			ListenAddr:  ":4567",
			MetricsAddr: ":9876",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
			File: FileLogConfig{
				MaxSizeMB:  100,
				MaxBackups: 5,
				MaxAgeDays: 30,
			},
		},
	}
}

// Validate checks the config for fatal mistakes.
func (c *Config) Validate() error {
	var errs []string

	if c.Node.Name == "" {
		errs = append(errs, "node name is required")
	}
	if c.Node.TokenSecret == "" {
		errs = append(errs, "node token secret is required")
	}
	if c.Coordinator.URL == "" {
		errs = append(errs, "coordinator URL is required")
	}
	if c.Runtime.TasksRoot == "" {
		errs = append(errs, "tasks root is required")
	}
	if c.Encryption.Enabled && c.Encryption.PrivateKeyPath == "" {
		errs = append(errs, "encryption enabled without a private key path")
	}
	for i, tunnel := range c.Tunnels {
		if err := tunnel.Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("tunnel %d: %v", i, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// NetworkName returns the isolated network name, derived from the node
// name when not set explicitly.
func (c *Config) NetworkName() string {
	if c.Runtime.NetworkName != "" {
		return c.Runtime.NetworkName
	}
	return c.Node.Name + "-net"
}
