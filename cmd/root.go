package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/telhawk-systems/abbey/common/config"
	"github.com/telhawk-systems/abbey/common/logging"
	"github.com/telhawk-systems/abbey/common/messaging"
	"github.com/telhawk-systems/abbey/internal/metrics"
	"github.com/telhawk-systems/abbey/internal/reorder"
	"github.com/telhawk-systems/abbey/internal/tracing"
	"github.com/telhawk-systems/abbey/internal/transport"
	"github.com/telhawk-systems/abbey/pkg/output"
)

// version is overridden at build time with -ldflags "-X .../cmd.version=...".
var version = "0.1.0"

var (
	cfgFile string
	cfg     *config.Config
	logger  *logging.Logger
)

// rootBindings map config keys to the persistent flags every command carries.
var rootBindings = map[string]string{
	"logging.level":  "log-level",
	"logging.format": "log-format",
	"metrics.listen": "metrics-addr",
}

// commandBindings map config keys to a command's local flags, by command name.
var commandBindings = map[string]map[string]string{}

var rootCmd = &cobra.Command{
	Use:   "abbey",
	Short: "Provision a one-off instance and follow its automation run",
	Long: `abbey launches a single instance that runs an automation play on first boot,
streams the play's progress back over an ephemeral queue, and prints it in order.

A failed or interrupted run deletes the queue and terminates the instance.`,
	Version:           version,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initConfig,
}

// Execute runs the command tree and prints a failure diagnostic to stderr.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		output.Error("%v", err)
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.abbey/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "text", "log format: text, json")
	rootCmd.PersistentFlags().String("metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9090)")
}

func initConfig(cmd *cobra.Command, args []string) error {
	v := config.New()
	if err := bindFlags(v, cmd); err != nil {
		return err
	}

	loaded, err := config.Load(v, cfgFile)
	if err != nil {
		return err
	}
	cfg = loaded

	logger = logging.New(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format, os.Stderr)
	logging.SetDefault(logger)
	return nil
}

func bindFlags(v *viper.Viper, cmd *cobra.Command) error {
	if err := config.BindFlags(v, cmd.Flags(), rootBindings); err != nil {
		return err
	}
	if b, ok := commandBindings[cmd.Name()]; ok {
		if err := config.BindFlags(v, cmd.Flags(), b); err != nil {
			return fmt.Errorf("%s: %w", cmd.Name(), err)
		}
	}
	return nil
}

// signalContext cancels on SIGINT or SIGTERM so interrupts reach cleanup.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

// startMetrics serves /metrics until ctx is done when an address is configured.
func startMetrics(ctx context.Context) {
	if cfg.Metrics.Listen == "" {
		return
	}
	go func() {
		if err := metrics.Serve(ctx, cfg.Metrics.Listen); err != nil {
			logger.ErrorContext(ctx, "metrics server stopped", logging.Error(err))
		}
	}()
	logger.InfoContext(ctx, "serving metrics", "addr", cfg.Metrics.Listen)
}

// startTracing installs the span exporter when tracing.endpoint is set. The
// returned func flushes pending spans and must be called before exit.
func startTracing(ctx context.Context) (func(), error) {
	shutdown, err := tracing.Setup(ctx, tracing.Config{
		Endpoint:       cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		SampleRate:     cfg.Tracing.SampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("start tracing: %w", err)
	}
	if cfg.Tracing.Endpoint != "" {
		logger.InfoContext(ctx, "exporting traces", "endpoint", cfg.Tracing.Endpoint)
	}
	return func() {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := shutdown(flushCtx); err != nil {
			logger.WarnContext(ctx, "failed to flush traces", logging.Error(err))
		}
	}, nil
}

func transportSettings() transport.Settings {
	return transport.Settings{
		Kind:     cfg.Transport.Kind,
		Region:   cfg.AWS.Region,
		Endpoint: cfg.AWS.Endpoint,
		NATSURL:  cfg.Transport.NATS.URL,
		RedisURL: cfg.Transport.Redis.URL,

		NATSMaxReconnects: cfg.Transport.NATS.MaxReconnects,
		NATSReconnectWait: cfg.Transport.NATS.ReconnectWait,
	}
}

func openBroker(ctx context.Context) (messaging.Broker, error) {
	broker, err := transport.Open(ctx, transportSettings(), logger.Logger)
	if err != nil {
		return nil, fmt.Errorf("open transport: %w", err)
	}
	return broker, nil
}

func consumerOptions() []reorder.Option {
	return []reorder.Option{
		reorder.WithWindow(cfg.Display.Window()),
		reorder.WithPollInterval(cfg.Display.PollInterval),
		reorder.WithLogger(logger.Logger),
	}
}
