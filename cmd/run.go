package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/abbey/internal/bootstrap"
	"github.com/telhawk-systems/abbey/internal/display"
	"github.com/telhawk-systems/abbey/internal/lifecycle"
	"github.com/telhawk-systems/abbey/internal/provision"
	"github.com/telhawk-systems/abbey/internal/transport"
	"github.com/telhawk-systems/abbey/pkg/output"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Launch an instance and follow its play",
	Long: `Create a run queue, launch an instance whose first boot runs PLAY against
ENVIRONMENT-DEPLOYMENT, and print the play's progress in order until it completes.

The queue is deleted when the run ends. The instance is terminated only if the
run fails or is interrupted.`,
	Example: `  abbey run -e stage -d edx -p edxapp
  abbey run -e stage -d edx -p edxapp -i ~/.ssh/deploy --vars extra.yml -v
  abbey run -e stage -d edx -p edxapp --noop`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	f := runCmd.Flags()
	f.StringP("play", "p", "", "play name without the .yml extension")
	f.StringP("deployment", "d", "", "deployment name")
	f.StringP("environment", "e", "", "environment name")
	f.String("stack-name", "", "CloudFormation stack of the target subnet (default: ENVIRONMENT-DEPLOYMENT)")
	f.StringP("application", "a", "admin", "Application tag of the target subnet")
	f.String("configuration-version", "master", "configuration repo version")
	f.String("configuration-secure-version", "master", "configuration-secure repo version")
	f.StringP("base-ami", "b", "ami-0568456c", "AMI to launch")
	f.StringP("identity", "i", "", "private key used to clone configuration-secure")
	f.StringP("region", "r", "us-east-1", "AWS region")
	f.StringP("keypair", "k", "deployment", "EC2 keypair for the instance")
	f.StringP("instance-type", "t", "m1.large", "instance type to launch")
	f.String("security-group", "abbey", "security group name")
	f.String("role-name", "abbey", "IAM instance profile (must exist)")
	f.String("transport", "sqs", "queue transport: sqs, nats, redis")
	f.Float64("msg-delay", 5, "seconds to hold received messages so they display in order")
	f.BoolP("verbose", "v", false, "print every result field of successful steps")
	f.String("vars", "", "YAML file of extra variables for the play")
	f.String("secure-vars", "", "secure vars file relative to the configuration-secure checkout")
	f.Bool("noop", false, "print the plan and first-boot script without creating anything")

	_ = runCmd.MarkFlagRequired("play")
	_ = runCmd.MarkFlagRequired("deployment")
	_ = runCmd.MarkFlagRequired("environment")

	commandBindings["run"] = map[string]string{
		"aws.region":                      "region",
		"transport.kind":                  "transport",
		"launch.base_ami":                 "base-ami",
		"launch.keypair":                  "keypair",
		"launch.instance_type":            "instance-type",
		"launch.security_group":           "security-group",
		"launch.role_name":                "role-name",
		"launch.application":              "application",
		"launch.stack_name":               "stack-name",
		"bootstrap.configuration_version": "configuration-version",
		"bootstrap.secure_version":        "configuration-secure-version",
		"bootstrap.identity_file":         "identity",
		"display.msg_delay":               "msg-delay",
		"display.verbose":                 "verbose",
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd)
	defer stop()

	plan, err := buildPlan(cmd)
	if err != nil {
		return err
	}

	if noop, _ := cmd.Flags().GetBool("noop"); noop {
		m := lifecycle.New(nil, nil, nil, lifecycle.WithLogger(logger))
		userData, err := m.Render(plan)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), userData)
		return nil
	}

	startMetrics(ctx)
	stopTracing, err := startTracing(ctx)
	if err != nil {
		return err
	}
	defer stopTracing()

	broker, err := openBroker(ctx)
	if err != nil {
		return err
	}
	defer broker.Close()

	prov, err := provision.NewEC2(ctx, cfg.AWS.Region, cfg.AWS.Endpoint)
	if err != nil {
		return err
	}

	renderer := display.New(cmd.OutOrStdout(), cfg.Display.Verbose)
	m := lifecycle.New(broker, prov,
		lifecycle.ConsumerMonitor(renderer, consumerOptions()...),
		lifecycle.WithLogger(logger),
	)

	lease, err := m.Run(ctx, plan)
	if err != nil {
		return err
	}
	output.Success("Run complete, instance %s is still running", lease.Instance.ID)
	return nil
}

func buildPlan(cmd *cobra.Command) (lifecycle.Plan, error) {
	play, _ := cmd.Flags().GetString("play")
	deployment, _ := cmd.Flags().GetString("deployment")
	environment, _ := cmd.Flags().GetString("environment")
	varsFile, _ := cmd.Flags().GetString("vars")
	secureVars, _ := cmd.Flags().GetString("secure-vars")

	stackName := cfg.Launch.StackName
	if stackName == "" {
		stackName = lifecycle.StackName(environment, deployment)
	}

	var identity string
	if cfg.Bootstrap.IdentityFile != "" {
		key, err := bootstrap.LoadIdentity(cfg.Bootstrap.IdentityFile)
		if err != nil {
			return lifecycle.Plan{}, err
		}
		identity = key
	}

	var extraVars map[string]any
	if varsFile != "" {
		vars, err := bootstrap.LoadExtraVars(varsFile)
		if err != nil {
			return lifecycle.Plan{}, err
		}
		extraVars = vars
	}

	// Only the selected transport's endpoint is handed to the instance.
	var natsURL, redisURL string
	switch cfg.Transport.Kind {
	case transport.KindNATS:
		natsURL = cfg.Transport.NATS.URL
	case transport.KindRedis:
		redisURL = cfg.Transport.Redis.URL
	case transport.KindMemory:
		return lifecycle.Plan{}, fmt.Errorf("transport %q is in-process and unreachable from the launched instance", transport.KindMemory)
	}

	return lifecycle.Plan{
		Environment: environment,
		Deployment:  deployment,
		Play:        play,
		Placement: provision.PlacementQuery{
			SecurityGroup: cfg.Launch.SecurityGroup,
			StackName:     stackName,
			Application:   cfg.Launch.Application,
		},
		Launch: provision.LaunchSpec{
			ImageID:      cfg.Launch.BaseAMI,
			InstanceType: cfg.Launch.InstanceType,
			KeyName:      cfg.Launch.KeyPair,
			RoleName:     cfg.Launch.RoleName,
		},
		Bootstrap: bootstrap.Params{
			Region:               cfg.AWS.Region,
			Transport:            cfg.Transport.Kind,
			NATSURL:              natsURL,
			RedisURL:             redisURL,
			ConfigurationRepo:    cfg.Bootstrap.ConfigurationRepo,
			ConfigurationVersion: cfg.Bootstrap.ConfigurationVersion,
			SecureRepo:           cfg.Bootstrap.SecureRepo,
			SecureVersion:        cfg.Bootstrap.SecureVersion,
			PlaybookDir:          cfg.Bootstrap.PlaybookDir,
			Identity:             identity,
			SecureVars:           secureVars,
			RelayBinaryURL:       cfg.Bootstrap.RelayBinaryURL,
			ExtraVars:            extraVars,
		},
	}, nil
}
