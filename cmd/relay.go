package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/abbey/common/logging"
	"github.com/telhawk-systems/abbey/internal/producer"
	"github.com/telhawk-systems/abbey/internal/relay"
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Forward automation callbacks on stdin to the run queue",
	Long: `Runs on the launched instance. Reads the automation tool's output from stdin,
echoes every line to stdout and turns callback lines into progress events.

Events are sent only when ABBEY_ENABLE_EVENTS is set; otherwise relay just echoes.
Queue and transport come from ABBEY_QUEUE_NAME, ABBEY_REGION, ABBEY_MSG_PREFIX,
ABBEY_TRANSPORT, ABBEY_NATS_URL and ABBEY_REDIS_URL.`,
	Example: `  ansible-playbook -c local -i "localhost," site.yml | abbey relay`,
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext(cmd)
		defer stop()

		p, closeProducer := openProducer(ctx)
		defer closeProducer()

		summary, err := relay.New(p, logger.Logger).Run(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
		logger.DebugContext(ctx, "relay finished",
			"lines", summary.Lines,
			"dispatched", summary.Dispatched,
			"saw_stats", summary.SawStats,
		)
		return err
	},
}

// openProducer never fails: the relay must keep draining the play's output,
// so a broken producer config degrades to echo-only.
func openProducer(ctx context.Context) (*producer.Producer, func() error) {
	pcfg, err := producer.LoadConfig()
	if err == nil {
		var p *producer.Producer
		var closeProducer func() error
		p, closeProducer, err = producer.Open(ctx, pcfg, logger.Logger)
		if err == nil {
			return p, closeProducer
		}
	}
	logger.WarnContext(ctx, "events disabled, relaying output only", logging.Error(err))
	return producer.Disabled(), func() error { return nil }
}

func init() {
	rootCmd.AddCommand(relayCmd)
}
