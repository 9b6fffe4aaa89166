package cmd

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/abbey/common/messaging"
	"github.com/telhawk-systems/abbey/internal/lifecycle"
	"github.com/telhawk-systems/abbey/internal/provision"
	"github.com/telhawk-systems/abbey/pkg/output"
)

var teardownCmd = &cobra.Command{
	Use:   "teardown",
	Short: "Release a leaked run queue and instance",
	Long:  "Delete a run queue and/or terminate a run instance left behind by a run that could not clean up.",
	Example: `  abbey teardown --queue abbey-stage-edx-170000000012 --instance i-0abc
  abbey teardown --instance i-0abc -r us-west-2`,
	Args: cobra.NoArgs,
	RunE: runTeardown,
}

func init() {
	rootCmd.AddCommand(teardownCmd)

	f := teardownCmd.Flags()
	f.String("queue", "", "run queue name")
	f.String("instance", "", "instance ID")
	f.StringP("region", "r", "us-east-1", "AWS region")
	f.String("transport", "sqs", "queue transport: sqs, nats, redis")

	commandBindings["teardown"] = map[string]string{
		"aws.region":     "region",
		"transport.kind": "transport",
	}
}

func runTeardown(cmd *cobra.Command, args []string) error {
	queueName, _ := cmd.Flags().GetString("queue")
	instanceID, _ := cmd.Flags().GetString("instance")
	if queueName == "" && instanceID == "" {
		return errors.New("at least one of --queue or --instance is required")
	}

	ctx, stop := signalContext(cmd)
	defer stop()

	stopTracing, err := startTracing(ctx)
	if err != nil {
		return err
	}
	defer stopTracing()

	var broker messaging.Broker
	if queueName != "" {
		b, err := openBroker(ctx)
		if err != nil {
			return err
		}
		defer b.Close()
		broker = b
	}

	var prov provision.Provisioner
	if instanceID != "" {
		p, err := provision.NewEC2(ctx, cfg.AWS.Region, cfg.AWS.Endpoint)
		if err != nil {
			return err
		}
		prov = p
	}

	m := lifecycle.New(broker, prov, nil, lifecycle.WithLogger(logger))
	if err := m.Teardown(ctx, queueName, instanceID); err != nil {
		return err
	}

	released := output.NewTable([]string{"RESOURCE", "ID"})
	if queueName != "" {
		released.AddRow([]string{"queue", queueName})
	}
	if instanceID != "" {
		released.AddRow([]string{"instance", instanceID})
	}
	released.Render()
	output.Success("Teardown complete")
	return nil
}
