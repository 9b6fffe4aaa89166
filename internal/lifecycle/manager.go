// Package lifecycle runs one provisioning run: it creates the run queue,
// launches the instance that reports into it, follows the progress feed and
// releases whatever it acquired when the run fails or is interrupted.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/telhawk-systems/abbey/common/logging"
	"github.com/telhawk-systems/abbey/common/messaging"
	"github.com/telhawk-systems/abbey/internal/bootstrap"
	"github.com/telhawk-systems/abbey/internal/metrics"
	"github.com/telhawk-systems/abbey/internal/provision"
	"github.com/telhawk-systems/abbey/internal/reorder"
	"github.com/telhawk-systems/abbey/pkg/output"
)

// DefaultCleanupTimeout bounds the compensating actions of a failed run.
const DefaultCleanupTimeout = 2 * time.Minute

// MonitorFunc follows the progress feed on q until the run's terminal event.
type MonitorFunc func(ctx context.Context, q messaging.Queue) error

// ConsumerMonitor returns a MonitorFunc that runs a reorder consumer feeding r.
func ConsumerMonitor(r reorder.Renderer, opts ...reorder.Option) MonitorFunc {
	return func(ctx context.Context, q messaging.Queue) error {
		_, err := reorder.NewConsumer(q, r, opts...).Run(ctx)
		return err
	}
}

// Reporter receives operator-facing progress.
type Reporter interface {
	Param(name string, value any)
	Step(format string, args ...any)
	Warn(format string, args ...any)
}

// OutputReporter prints progress through pkg/output.
type OutputReporter struct{}

func (OutputReporter) Param(name string, value any) { output.Param(name, value) }

func (OutputReporter) Step(format string, args ...any) { output.Info(format, args...) }

func (OutputReporter) Warn(format string, args ...any) { output.Warn(format, args...) }

// Plan describes one run.
type Plan struct {
	Environment string
	Deployment  string
	Play        string

	Placement provision.PlacementQuery
	// Launch carries image, type, key, role and extra tags. Placement and
	// UserData are filled in by the manager.
	Launch provision.LaunchSpec
	// Bootstrap carries everything except the queue name.
	Bootstrap bootstrap.Params
}

// Manager drives runs against a broker and a provisioner.
type Manager struct {
	broker         messaging.Broker
	provisioner    provision.Provisioner
	monitor        MonitorFunc
	reporter       Reporter
	logger         *logging.Logger
	cleanupTimeout time.Duration
	now            func() time.Time
	tracer         trace.Tracer
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the diagnostics logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithReporter sets where operator progress goes.
func WithReporter(r Reporter) Option {
	return func(m *Manager) { m.reporter = r }
}

// WithCleanupTimeout bounds compensation.
func WithCleanupTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.cleanupTimeout = d
		}
	}
}

// WithTracerProvider sets where run spans go. The global provider is used
// by default.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(m *Manager) { m.tracer = tp.Tracer(scopeName) }
}

// WithClock replaces time.Now for queue naming and run durations.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// New creates a Manager.
func New(broker messaging.Broker, p provision.Provisioner, monitor MonitorFunc, opts ...Option) *Manager {
	m := &Manager{
		broker:         broker,
		provisioner:    p,
		monitor:        monitor,
		reporter:       OutputReporter{},
		logger:         logging.Discard(),
		cleanupTimeout: DefaultCleanupTimeout,
		now:            time.Now,
		tracer:         otel.Tracer(scopeName),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run executes a plan. On any error, including cancellation of ctx, the queue
// is deleted if it was created and the instance terminated if it was launched
// before the error is returned. Cleanup failures are joined to the original
// error. A completed run deletes its queue and leaves the instance running.
func (m *Manager) Run(ctx context.Context, plan Plan) (lease *Lease, err error) {
	started := m.now()
	lease = newLease(QueueName(plan.Environment, plan.Deployment, started))
	ctx = logging.ContextWithRunID(ctx, lease.ID)

	ctx, span := m.tracer.Start(ctx, "lifecycle.Run", trace.WithAttributes(
		attribute.String("abbey.run_id", lease.ID),
		attribute.String("abbey.queue", lease.QueueName),
		attribute.String("abbey.environment", plan.Environment),
		attribute.String("abbey.deployment", plan.Deployment),
		attribute.String("abbey.play", plan.Play),
	))
	defer func() {
		span.SetAttributes(attribute.String("abbey.state", lease.State.String()))
		endSpan(span, err)
	}()

	defer func() {
		if err == nil {
			return
		}
		m.transition(ctx, lease, StateFailed)
		metrics.Runs.WithLabelValues("failed").Inc()
		m.logger.ErrorContext(ctx, "run failed",
			logging.Duration(m.now().Sub(started).Milliseconds()),
			logging.Error(err))
		if cerr := m.compensate(ctx, lease); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()

	m.reportPlan(lease, plan)

	if err := ctx.Err(); err != nil {
		return lease, err
	}

	q, err := m.createQueue(ctx, lease.QueueName)
	if err != nil {
		return lease, err
	}
	lease.Queue = q
	m.transition(ctx, lease, StateQueueCreated)

	placement, err := m.resolvePlacement(ctx, plan.Placement)
	if err != nil {
		return lease, err
	}
	lease.Placement = placement
	m.reporter.Param("subnet_id", placement.SubnetID)
	m.reporter.Param("security_group_id", placement.SecurityGroupID)

	spec, err := m.launchSpec(lease, plan)
	if err != nil {
		return lease, err
	}

	inst, err := m.launch(ctx, spec)
	if err != nil {
		return lease, err
	}
	lease.Instance = inst
	m.transition(ctx, lease, StateInstanceLaunched)
	m.reporter.Param("instance_id", inst.ID)
	if inst.PrivateIP != "" {
		m.reporter.Param("private_ip", inst.PrivateIP)
	}

	m.transition(ctx, lease, StateMonitoring)
	if err := m.follow(ctx, q); err != nil {
		return lease, err
	}

	m.transition(ctx, lease, StateCompleted)
	metrics.Runs.WithLabelValues("completed").Inc()
	m.logger.InfoContext(ctx, "run completed",
		logging.Instance(lease.Instance.ID),
		logging.Duration(m.now().Sub(started).Milliseconds()))
	if derr := m.releaseQueue(ctx, lease); derr != nil {
		m.logger.WarnContext(ctx, "failed to delete queue after completion",
			logging.Queue(lease.QueueName), logging.Error(derr))
	}
	return lease, nil
}

// Render returns the bootstrap payload a run of plan would launch with,
// without creating anything.
func (m *Manager) Render(plan Plan) (string, error) {
	lease := newLease(QueueName(plan.Environment, plan.Deployment, m.now()))
	m.reportPlan(lease, plan)
	spec, err := m.launchSpec(lease, plan)
	if err != nil {
		return "", err
	}
	return spec.UserData, nil
}

// Teardown releases a leaked queue and instance by name. Either may be empty.
// A queue that no longer exists is reported and skipped.
func (m *Manager) Teardown(ctx context.Context, queueName, instanceID string) error {
	lease := newLease(queueName)
	lease.Instance.ID = instanceID

	if queueName != "" {
		q, err := m.broker.OpenQueue(ctx, queueName)
		switch {
		case errors.Is(err, messaging.ErrQueueNotFound):
			m.reporter.Warn("Queue %s not found", queueName)
		case err != nil:
			return fmt.Errorf("open queue %s: %w", queueName, err)
		default:
			lease.Queue = q
		}
	}
	return m.compensate(ctx, lease)
}

func (m *Manager) reportPlan(lease *Lease, plan Plan) {
	m.reporter.Param("stack_name", plan.Placement.StackName)
	m.reporter.Param("queue_name", lease.QueueName)
	m.reporter.Param("region", plan.Bootstrap.Region)
	m.reporter.Param("base_ami", plan.Launch.ImageID)
	m.reporter.Param("instance_type", plan.Launch.InstanceType)
	m.reporter.Param("keypair", plan.Launch.KeyName)
	m.reporter.Param("security_group", plan.Placement.SecurityGroup)
	m.reporter.Param("role_name", plan.Launch.RoleName)
	m.reporter.Param("environment", plan.Environment)
	m.reporter.Param("deployment", plan.Deployment)
	m.reporter.Param("play", plan.Play)
	m.reporter.Param("configuration_version", plan.Bootstrap.ConfigurationVersion)
	if plan.Bootstrap.Secure() {
		m.reporter.Param("secure_version", plan.Bootstrap.SecureVersion)
	}
}

func (m *Manager) launchSpec(lease *Lease, plan Plan) (provision.LaunchSpec, error) {
	params := plan.Bootstrap
	params.QueueName = lease.QueueName
	params.Environment = plan.Environment
	params.Deployment = plan.Deployment
	params.Play = plan.Play

	userData, err := bootstrap.Render(params)
	if err != nil {
		return provision.LaunchSpec{}, fmt.Errorf("render bootstrap: %w", err)
	}

	spec := plan.Launch
	spec.Placement = lease.Placement
	spec.UserData = userData
	spec.Tags = map[string]string{
		"Name":         fmt.Sprintf("abbey-%s-%s-%s", plan.Environment, plan.Deployment, plan.Play),
		"environment":  plan.Environment,
		"deployment":   plan.Deployment,
		"abbey:queue":  lease.QueueName,
		"abbey:run-id": lease.ID,
	}
	maps.Copy(spec.Tags, plan.Launch.Tags)
	return spec, nil
}

// transition moves lease to state to. A lease in a terminal state keeps it.
func (m *Manager) transition(ctx context.Context, lease *Lease, to State) {
	if lease.State.Terminal() {
		m.logger.WarnContext(ctx, "ignoring transition out of terminal state",
			logging.State(lease.State.String()),
			slog.String("to", to.String()),
			logging.Queue(lease.QueueName))
		return
	}
	m.logger.InfoContext(ctx, "run state changed",
		logging.State(to.String()),
		logging.Queue(lease.QueueName),
		logging.Instance(lease.Instance.ID),
	)
	lease.State = to
}

func (m *Manager) createQueue(ctx context.Context, name string) (q messaging.Queue, err error) {
	ctx, span := m.tracer.Start(ctx, "lifecycle.CreateQueue", trace.WithAttributes(attribute.String("abbey.queue", name)))
	defer func() { endSpan(span, err) }()

	q, err = m.broker.CreateQueue(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("create queue %s: %w", name, err)
	}
	return q, nil
}

func (m *Manager) resolvePlacement(ctx context.Context, query provision.PlacementQuery) (p provision.Placement, err error) {
	ctx, span := m.tracer.Start(ctx, "lifecycle.ResolvePlacement", trace.WithAttributes(
		attribute.String("abbey.security_group", query.SecurityGroup),
		attribute.String("abbey.stack_name", query.StackName),
	))
	defer func() { endSpan(span, err) }()

	p, err = m.provisioner.ResolvePlacement(ctx, query)
	if err != nil {
		return provision.Placement{}, fmt.Errorf("resolve placement: %w", err)
	}
	return p, nil
}

func (m *Manager) launch(ctx context.Context, spec provision.LaunchSpec) (inst provision.Instance, err error) {
	ctx, span := m.tracer.Start(ctx, "lifecycle.Launch", trace.WithAttributes(
		attribute.String("abbey.image", spec.ImageID),
		attribute.String("abbey.instance_type", spec.InstanceType),
	))
	defer func() {
		span.SetAttributes(attribute.String("abbey.instance_id", inst.ID))
		endSpan(span, err)
	}()

	inst, err = m.provisioner.Launch(ctx, spec)
	if err != nil {
		return provision.Instance{}, fmt.Errorf("launch instance: %w", err)
	}
	return inst, nil
}

func (m *Manager) follow(ctx context.Context, q messaging.Queue) (err error) {
	ctx, span := m.tracer.Start(ctx, "lifecycle.Monitor")
	defer func() { endSpan(span, err) }()

	if err := m.monitor(ctx, q); err != nil {
		return fmt.Errorf("monitor queue %s: %w", q.Name(), err)
	}
	return nil
}

// compensate releases everything the lease holds. It runs on a context that
// survives cancellation of ctx so an interrupt still cleans up.
func (m *Manager) compensate(ctx context.Context, lease *Lease) (err error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cleanupTimeout)
	defer cancel()

	ctx, span := m.tracer.Start(ctx, "lifecycle.Compensate")
	defer func() { endSpan(span, err) }()

	var errs []error
	if lease.HasQueue() {
		if err := m.releaseQueue(ctx, lease); err != nil {
			errs = append(errs, err)
		}
	}
	if lease.HasInstance() {
		if err := m.releaseInstance(ctx, lease); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) releaseQueue(ctx context.Context, lease *Lease) error {
	m.reporter.Step("Removing queue - %s", lease.QueueName)
	err := m.broker.DeleteQueue(ctx, lease.Queue)
	if err != nil {
		metrics.Compensations.WithLabelValues("queue", "error").Inc()
		m.logger.WarnContext(ctx, "failed to delete queue", logging.Queue(lease.QueueName), logging.Error(err))
		return fmt.Errorf("delete queue %s: %w", lease.QueueName, err)
	}
	metrics.Compensations.WithLabelValues("queue", "ok").Inc()
	return nil
}

func (m *Manager) releaseInstance(ctx context.Context, lease *Lease) error {
	id := lease.Instance.ID
	m.reporter.Step("Terminating instance ID - %s", id)
	if err := m.provisioner.Terminate(ctx, id); err != nil {
		metrics.Compensations.WithLabelValues("instance", "error").Inc()
		m.logger.WarnContext(ctx, "failed to terminate instance", logging.Instance(id), logging.Error(err))
		return fmt.Errorf("terminate instance %s: %w", id, err)
	}
	metrics.Compensations.WithLabelValues("instance", "ok").Inc()
	return nil
}
