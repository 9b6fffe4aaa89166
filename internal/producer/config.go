package producer

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/telhawk-systems/abbey/internal/transport"
)

// Environment variables read on the instance. The bootstrap script exports them.
const (
	EnvEnable    = "ABBEY_ENABLE_EVENTS"
	EnvQueueName = "ABBEY_QUEUE_NAME"
	EnvRegion    = "ABBEY_REGION"
	EnvPrefix    = "ABBEY_MSG_PREFIX"
	EnvTransport = "ABBEY_TRANSPORT"
	EnvNATSURL   = "ABBEY_NATS_URL"
	EnvRedisURL  = "ABBEY_REDIS_URL"
)

// DefaultSendTimeout bounds one Send so the observed task never blocks on the transport.
const DefaultSendTimeout = 5 * time.Second

// ErrIncompleteConfig is returned when events are enabled but the queue identity is missing.
var ErrIncompleteConfig = errors.New("events enabled but producer configuration incomplete")

// Config is the producer's run configuration.
type Config struct {
	Enabled     bool
	QueueName   string
	Region      string
	Prefix      string
	Transport   string
	NATSURL     string
	RedisURL    string
	SendTimeout time.Duration
}

// Settings returns the transport settings for the configured backend.
func (c Config) Settings() transport.Settings {
	return transport.Settings{
		Kind:     c.Transport,
		Region:   c.Region,
		NATSURL:  c.NATSURL,
		RedisURL: c.RedisURL,
	}
}

// Validate checks that an enabled config carries a queue identity.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	var missing []string
	if c.QueueName == "" {
		missing = append(missing, EnvQueueName)
	}
	if c.Region == "" && (c.Transport == "" || c.Transport == transport.KindSQS) {
		missing = append(missing, EnvRegion)
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s not set", ErrIncompleteConfig, strings.Join(missing, ", "))
	}
	return nil
}

// LoadConfig reads the producer configuration from the environment.
// The enable flag counts as present unless it parses as false.
func LoadConfig() (Config, error) {
	v := viper.New()
	keys := map[string]string{
		"enable":       EnvEnable,
		"queue_name":   EnvQueueName,
		"region":       EnvRegion,
		"prefix":       EnvPrefix,
		"transport":    EnvTransport,
		"nats_url":     EnvNATSURL,
		"redis_url":    EnvRedisURL,
		"send_timeout": "ABBEY_SEND_TIMEOUT",
	}
	for key, env := range keys {
		if err := v.BindEnv(key, env); err != nil {
			return Config{}, fmt.Errorf("bind %s: %w", env, err)
		}
	}
	v.SetDefault("send_timeout", DefaultSendTimeout)

	cfg := Config{
		Enabled:     v.IsSet("enable") && enabled(v.GetString("enable")),
		QueueName:   v.GetString("queue_name"),
		Region:      v.GetString("region"),
		Prefix:      v.GetString("prefix"),
		Transport:   v.GetString("transport"),
		NATSURL:     v.GetString("nats_url"),
		RedisURL:    v.GetString("redis_url"),
		SendTimeout: v.GetDuration("send_timeout"),
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func enabled(raw string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return true
	}
	return b
}
