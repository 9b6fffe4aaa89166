package producer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/telhawk-systems/abbey/common/logging"
	"github.com/telhawk-systems/abbey/internal/transport"
)

// Open builds the producer described by cfg. A disabled config yields a
// no-op producer without touching the transport. The returned close func
// releases the broker and is never nil.
func Open(ctx context.Context, cfg Config, logger *slog.Logger, opts ...Option) (*Producer, func() error, error) {
	noop := func() error { return nil }
	if !cfg.Enabled {
		return Disabled(), noop, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, noop, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	broker, err := transport.Open(ctx, cfg.Settings(), logger)
	if err != nil {
		return nil, noop, fmt.Errorf("open transport: %w", err)
	}

	q, err := broker.OpenQueue(ctx, cfg.QueueName)
	if err != nil {
		_ = broker.Close()
		return nil, noop, fmt.Errorf("open queue %s: %w", cfg.QueueName, err)
	}

	logger.Info("event producer enabled", logging.Queue(q.Name()))

	opts = append([]Option{WithLogger(logger), WithSendTimeout(cfg.SendTimeout)}, opts...)
	return New(q, cfg.Prefix, opts...), broker.Close, nil
}
