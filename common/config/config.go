// Package config provides configuration loading for the abbey commands.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override (ABBEY_AWS_REGION, ...).
const EnvPrefix = "ABBEY"

// Config is the root configuration for a provisioning run.
type Config struct {
	AWS       AWSConfig       `yaml:"aws" mapstructure:"aws"`
	Transport TransportConfig `yaml:"transport" mapstructure:"transport"`
	Launch    LaunchConfig    `yaml:"launch" mapstructure:"launch"`
	Bootstrap BootstrapConfig `yaml:"bootstrap" mapstructure:"bootstrap"`
	Display   DisplayConfig   `yaml:"display" mapstructure:"display"`
	Metrics   MetricsConfig   `yaml:"metrics" mapstructure:"metrics"`
	Tracing   TracingConfig   `yaml:"tracing" mapstructure:"tracing"`
	Logging   LoggingConfig   `yaml:"logging" mapstructure:"logging"`
}

// AWSConfig holds the region and an optional endpoint override (localstack etc).
type AWSConfig struct {
	Region   string `yaml:"region" mapstructure:"region"`
	Endpoint string `yaml:"endpoint,omitempty" mapstructure:"endpoint"`
}

// TransportConfig selects the queue backend.
type TransportConfig struct {
	Kind  string      `yaml:"kind" mapstructure:"kind"` // "sqs" (default), "nats", "redis" or "memory"
	NATS  NATSConfig  `yaml:"nats" mapstructure:"nats"`
	Redis RedisConfig `yaml:"redis" mapstructure:"redis"`
}

// NATSConfig holds NATS message broker configuration
type NATSConfig struct {
	URL           string        `yaml:"url" mapstructure:"url"`
	MaxReconnects int           `yaml:"max_reconnects" mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `yaml:"reconnect_wait" mapstructure:"reconnect_wait"`
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	URL string `yaml:"url" mapstructure:"url"`
}

// LaunchConfig describes the instance to launch and where to place it.
type LaunchConfig struct {
	BaseAMI       string `yaml:"base_ami" mapstructure:"base_ami"`
	KeyPair       string `yaml:"keypair" mapstructure:"keypair"`
	InstanceType  string `yaml:"instance_type" mapstructure:"instance_type"`
	SecurityGroup string `yaml:"security_group" mapstructure:"security_group"`
	RoleName      string `yaml:"role_name" mapstructure:"role_name"`
	Application   string `yaml:"application" mapstructure:"application"`
	StackName     string `yaml:"stack_name,omitempty" mapstructure:"stack_name"` // defaults to ENVIRONMENT-DEPLOYMENT
}

// BootstrapConfig controls the user-data script run on first boot.
type BootstrapConfig struct {
	ConfigurationRepo    string `yaml:"configuration_repo" mapstructure:"configuration_repo"`
	ConfigurationVersion string `yaml:"configuration_version" mapstructure:"configuration_version"`
	SecureRepo           string `yaml:"secure_repo" mapstructure:"secure_repo"`
	SecureVersion        string `yaml:"secure_version" mapstructure:"secure_version"`
	IdentityFile         string `yaml:"identity_file,omitempty" mapstructure:"identity_file"`
	PlaybookDir          string `yaml:"playbook_dir" mapstructure:"playbook_dir"`
	RelayBinaryURL       string `yaml:"relay_binary_url" mapstructure:"relay_binary_url"`
}

// DisplayConfig tunes the reordering consumer.
type DisplayConfig struct {
	MsgDelay     float64       `yaml:"msg_delay" mapstructure:"msg_delay"` // seconds
	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	Verbose      bool          `yaml:"verbose" mapstructure:"verbose"`
}

// Window returns the reorder delay window.
func (d DisplayConfig) Window() time.Duration {
	return time.Duration(d.MsgDelay * float64(time.Second))
}

// MetricsConfig holds the optional Prometheus listener.
type MetricsConfig struct {
	Listen string `yaml:"listen,omitempty" mapstructure:"listen"`
}

// TracingConfig holds the optional OTLP trace exporter. An empty endpoint
// leaves tracing off.
type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint,omitempty" mapstructure:"endpoint"` // host:port of an OTLP/gRPC collector
	Insecure    bool    `yaml:"insecure" mapstructure:"insecure"`
	ServiceName string  `yaml:"service_name" mapstructure:"service_name"`
	SampleRate  float64 `yaml:"sample_rate" mapstructure:"sample_rate"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// New returns a viper instance with defaults and ABBEY_ environment overrides applied.
// Callers may bind command flags onto it before calling Load.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	return v
}

// DefaultPath returns $ABBEY_CONFIG_DIR/config.yaml, falling back to $HOME/.abbey/config.yaml.
func DefaultPath() (string, error) {
	configDir := os.Getenv("ABBEY_CONFIG_DIR")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to determine home directory: %w", err)
		}
		configDir = filepath.Join(home, ".abbey")
	}
	return filepath.Join(configDir, "config.yaml"), nil
}

// Load reads the config file into v and unmarshals the result.
// An explicit path must exist; a missing default file is not an error.
func Load(v *viper.Viper, path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		switch {
		case explicit:
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		case errors.As(err, &notFound), errors.Is(err, os.ErrNotExist):
			// Continue with defaults and env vars
		default:
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// YAML renders the effective configuration.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("aws.region", "us-east-1")
	v.SetDefault("aws.endpoint", "")

	v.SetDefault("transport.kind", "sqs")
	v.SetDefault("transport.nats.url", "nats://localhost:4222")
	v.SetDefault("transport.nats.max_reconnects", -1)
	v.SetDefault("transport.nats.reconnect_wait", "2s")
	v.SetDefault("transport.redis.url", "redis://localhost:6379/0")

	v.SetDefault("launch.base_ami", "ami-0568456c")
	v.SetDefault("launch.keypair", "deployment")
	v.SetDefault("launch.instance_type", "m1.large")
	v.SetDefault("launch.security_group", "abbey")
	v.SetDefault("launch.role_name", "abbey")
	v.SetDefault("launch.application", "admin")
	v.SetDefault("launch.stack_name", "")

	v.SetDefault("bootstrap.configuration_repo", "https://github.com/edx/configuration")
	v.SetDefault("bootstrap.configuration_version", "master")
	v.SetDefault("bootstrap.secure_repo", "git@github.com:edx/configuration-secure")
	v.SetDefault("bootstrap.secure_version", "master")
	v.SetDefault("bootstrap.identity_file", "")
	v.SetDefault("bootstrap.playbook_dir", "playbooks/edx-east")
	v.SetDefault("bootstrap.relay_binary_url", "")

	v.SetDefault("display.msg_delay", 5)
	v.SetDefault("display.poll_interval", "1s")
	v.SetDefault("display.verbose", false)

	v.SetDefault("metrics.listen", "")

	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.insecure", false)
	v.SetDefault("tracing.service_name", "abbey")
	v.SetDefault("tracing.sample_rate", 1.0)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}
