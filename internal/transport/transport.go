// Package transport opens the configured messaging backend.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/telhawk-systems/abbey/common/messaging"
	"github.com/telhawk-systems/abbey/common/messaging/memory"
	natsbroker "github.com/telhawk-systems/abbey/common/messaging/nats"
	redisbroker "github.com/telhawk-systems/abbey/common/messaging/redis"
	sqsbroker "github.com/telhawk-systems/abbey/common/messaging/sqs"
)

// Backend names.
const (
	KindSQS    = "sqs"
	KindNATS   = "nats"
	KindRedis  = "redis"
	KindMemory = "memory"
)

// Settings selects and addresses a backend.
type Settings struct {
	Kind     string
	Region   string
	Endpoint string
	NATSURL  string
	RedisURL string

	// Zero keeps the NATS client defaults.
	NATSMaxReconnects int
	NATSReconnectWait time.Duration
}

// Open connects to the backend named by s.Kind. An empty kind means SQS.
func Open(ctx context.Context, s Settings, logger *slog.Logger) (messaging.Broker, error) {
	switch s.Kind {
	case "", KindSQS:
		b, err := sqsbroker.NewBroker(ctx, sqsbroker.Config{Region: s.Region, Endpoint: s.Endpoint})
		if err != nil {
			return nil, err
		}
		return b, nil
	case KindNATS:
		cfg := natsbroker.DefaultConfig()
		if s.NATSURL != "" {
			cfg.URL = s.NATSURL
		}
		if s.NATSMaxReconnects != 0 {
			cfg.MaxReconnects = s.NATSMaxReconnects
		}
		if s.NATSReconnectWait > 0 {
			cfg.ReconnectWait = s.NATSReconnectWait
		}
		b, err := natsbroker.NewBroker(cfg, logger)
		if err != nil {
			return nil, err
		}
		return b, nil
	case KindRedis:
		b, err := redisbroker.NewBroker(ctx, s.RedisURL)
		if err != nil {
			return nil, err
		}
		return b, nil
	case KindMemory:
		return memory.NewBroker(), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", s.Kind)
	}
}
