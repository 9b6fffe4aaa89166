package cmd

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/abbey/common/logging"
	"github.com/telhawk-systems/abbey/internal/display"
	"github.com/telhawk-systems/abbey/internal/reorder"
	"github.com/telhawk-systems/abbey/pkg/output"
)

var watchCmd = &cobra.Command{
	Use:   "watch QUEUE",
	Short: "Follow the progress feed of an existing run queue",
	Long: `Attach to a run queue created elsewhere and print its events in order until
the run completes. Nothing is provisioned and nothing is torn down unless
--delete-queue is given.`,
	Example: `  abbey watch abbey-stage-edx-170000000012
  abbey watch abbey-stage-edx-170000000012 --transport nats --delete-queue`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)

	f := watchCmd.Flags()
	f.StringP("region", "r", "us-east-1", "AWS region")
	f.String("transport", "sqs", "queue transport: sqs, nats, redis")
	f.Float64("msg-delay", 5, "seconds to hold received messages so they display in order")
	f.BoolP("verbose", "v", false, "print every result field of successful steps")
	f.Bool("delete-queue", false, "delete the queue when watching stops")

	commandBindings["watch"] = map[string]string{
		"aws.region":        "region",
		"transport.kind":    "transport",
		"display.msg_delay": "msg-delay",
		"display.verbose":   "verbose",
	}
}

func runWatch(cmd *cobra.Command, args []string) (err error) {
	ctx, stop := signalContext(cmd)
	defer stop()
	startMetrics(ctx)

	broker, err := openBroker(ctx)
	if err != nil {
		return err
	}
	defer broker.Close()

	q, err := broker.OpenQueue(ctx, args[0])
	if err != nil {
		return err
	}

	if deleteQueue, _ := cmd.Flags().GetBool("delete-queue"); deleteQueue {
		defer func() {
			output.Info("Removing queue - %s", q.Name())
			if derr := broker.DeleteQueue(context.WithoutCancel(ctx), q); derr != nil {
				logger.WarnContext(ctx, "failed to delete queue", logging.Queue(q.Name()), logging.Error(derr))
				if err == nil {
					err = fmt.Errorf("delete queue %s: %w", q.Name(), derr)
				}
			}
		}()
	}

	started := time.Now()
	consumer := reorder.NewConsumer(q, display.New(cmd.OutOrStdout(), cfg.Display.Verbose), consumerOptions()...)
	stats, err := consumer.Run(ctx)
	logger.InfoContext(ctx, "watch finished",
		logging.Queue(q.Name()),
		logging.Duration(time.Since(started).Milliseconds()),
	)
	watchSummary(q.Name(), stats, consumer.Buffered()).RenderTo(cmd.OutOrStdout())
	return err
}

// watchSummary tabulates what a watch saw. Buffered counts envelopes still
// held when watching stopped early.
func watchSummary(queue string, stats reorder.Stats, buffered int) *output.Table {
	t := output.NewTable([]string{"QUEUE", "RECEIVED", "RENDERED", "DISCARDED", "BUFFERED"})
	t.AddRow([]string{
		queue,
		strconv.Itoa(stats.Received),
		strconv.Itoa(stats.Rendered),
		strconv.Itoa(stats.Discarded),
		strconv.Itoa(buffered),
	})
	return t
}
