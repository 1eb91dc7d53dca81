package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"trainpipe/internal/apperrors"
	"trainpipe/internal/compute"
	"trainpipe/internal/observability"
	"trainpipe/internal/remote"
	"trainpipe/pkg/backoff"
)

// HealthWaiter blocks until an instance passes its health checks.
type HealthWaiter interface {
	AwaitHealthy(ctx context.Context, instanceID string) error
}

// Runner executes one command on a remote host.
type Runner interface {
	Run(ctx context.Context, target remote.Target, command string, sink remote.LineSink) (*remote.ExecutionOutput, error)
}

// Config holds the collaborators of a Controller.
type Config struct {
	Provider         compute.Provider
	Health           HealthWaiter
	Runner           Runner
	TerminateTimeout time.Duration          // bound on termination, default 10m
	Metrics          *observability.Metrics // optional

	// HostKeys, when set, supplies the host keys the runner pins for each
	// instance. Keys are polled until published or HostKeyWait elapses.
	HostKeys        compute.HostKeyReader
	HostKeyWait     time.Duration // default 10m
	HostKeyInterval time.Duration // default 15s
}

// Controller owns the training instance for the duration of a cycle.
type Controller struct {
	provider         compute.Provider
	health           HealthWaiter
	runner           Runner
	terminateTimeout time.Duration
	metrics          *observability.Metrics

	hostKeys        compute.HostKeyReader
	hostKeyWait     time.Duration
	hostKeyInterval time.Duration
}

// NewController creates a lifecycle controller.
func NewController(cfg Config) (*Controller, error) {
	if cfg.Provider == nil || cfg.Health == nil || cfg.Runner == nil {
		return nil, errors.New("provider, health waiter and runner are required")
	}
	if cfg.TerminateTimeout <= 0 {
		cfg.TerminateTimeout = 10 * time.Minute
	}
	if cfg.HostKeyWait <= 0 {
		cfg.HostKeyWait = 10 * time.Minute
	}
	if cfg.HostKeyInterval <= 0 {
		cfg.HostKeyInterval = 15 * time.Second
	}
	return &Controller{
		provider:         cfg.Provider,
		health:           cfg.Health,
		runner:           cfg.Runner,
		terminateTimeout: cfg.TerminateTimeout,
		metrics:          cfg.Metrics,
		hostKeys:         cfg.HostKeys,
		hostKeyWait:      cfg.HostKeyWait,
		hostKeyInterval:  cfg.HostKeyInterval,
	}, nil
}

// RunTrainingCycle creates one instance, waits for it to become healthy, runs
// req.Command on it and terminates it.
//
// Once Launch has returned an instance, Terminate is called exactly once no matter
// how later stages end, including when ctx is cancelled or a stage panics. A panic
// is re-raised after termination. The returned Cycle is never nil; a non-nil error
// is always a *PipelineError.
func (c *Controller) RunTrainingCycle(ctx context.Context, req CycleRequest) (_ *Cycle, err error) {
	if req.Logger != nil {
		ctx = observability.WithLogger(ctx, req.Logger)
	}
	logger := observability.Logger(ctx).With("component", "lifecycle")

	rec := &recorder{cycle: &Cycle{}, notify: req.OnTransition}
	rec.enter(StateRequested)

	rec.enter(StateCreating)
	start := time.Now()
	instance, err := c.provider.Launch(ctx, req.Spec)
	if err == nil && instance == nil {
		err = apperrors.Provision("lifecycle.launch", errors.New("provider returned no instance"))
	}
	if err != nil {
		c.recordStage(ctx, StateCreating, start, err)
		rec.fail(StateCreating, err)
		return rec.cycle, &PipelineError{Stage: StateCreating, Err: err}
	}
	rec.cycle.Instance = instance
	launchedAt := time.Now()
	if c.metrics != nil {
		c.metrics.RecordInstanceLaunched(ctx)
	}

	logger = logger.With("instanceId", instance.ID)
	logger.Info("Instance created")

	var runErr *PipelineError
	defer func() {
		recovered := recover()
		if recovered != nil {
			stage := rec.stage()
			logger.Error("Training cycle panicked", "stage", stage, "panic", recovered)
			runErr = &PipelineError{Stage: stage, Err: apperrors.Internal("lifecycle."+string(stage), fmt.Errorf("panic: %v", recovered))}
			rec.fail(runErr.Stage, runErr.Err)
		}

		termErr := c.terminate(ctx, logger, rec)
		if termErr == nil && c.metrics != nil {
			c.metrics.RecordInstanceTerminated(context.WithoutCancel(ctx), time.Since(launchedAt).Seconds())
		}

		switch {
		case termErr != nil && runErr != nil:
			err = &PipelineError{Stage: StateTerminating, Err: errors.Join(runErr.Err, termErr)}
		case termErr != nil:
			err = &PipelineError{Stage: StateTerminating, Err: termErr}
		case runErr != nil:
			err = runErr
		}

		if recovered != nil {
			panic(recovered)
		}
	}()

	runErr = c.provisionAndRun(ctx, logger, rec, req, start)
	if runErr != nil {
		rec.fail(runErr.Stage, runErr.Err)
	}
	return rec.cycle, nil
}

// provisionAndRun covers everything between a successful Launch and termination.
func (c *Controller) provisionAndRun(ctx context.Context, logger *slog.Logger, rec *recorder, req CycleRequest, createStart time.Time) *PipelineError {
	instance := rec.cycle.Instance

	err := c.provider.WaitRunning(ctx, instance.ID)
	c.recordStage(ctx, StateCreating, createStart, err)
	if err != nil {
		return &PipelineError{Stage: StateCreating, Err: err}
	}
	instance.Status = compute.StatusStatusCheckPending

	start := time.Now()
	err = c.health.AwaitHealthy(ctx, instance.ID)
	c.recordStage(ctx, StateHealthy, start, err)
	if err != nil {
		return &PipelineError{Stage: StateHealthy, Err: err}
	}
	instance.Status = compute.StatusHealthy
	rec.enter(StateHealthy)

	rec.enter(StateExecuting)
	start = time.Now()
	host, err := c.provider.PublicAddress(ctx, instance.ID)
	if err != nil {
		c.recordStage(ctx, StateExecuting, start, err)
		return &PipelineError{Stage: StateExecuting, Err: err}
	}
	instance.PublicIP = host

	target := remote.Target{Host: host}
	if c.hostKeys != nil {
		target.HostKeys, err = c.awaitHostKeys(ctx, logger, instance.ID)
		if err != nil {
			c.recordStage(ctx, StateExecuting, start, err)
			return &PipelineError{Stage: StateExecuting, Err: err}
		}
	}

	logger.Info("Running training command", "host", host)
	out, err := c.runner.Run(ctx, target, req.Command, req.Sink)
	rec.cycle.Output = out
	c.recordStage(ctx, StateExecuting, start, err)
	if err != nil {
		return &PipelineError{Stage: StateExecuting, Err: err}
	}
	return nil
}

// awaitHostKeys polls until the instance has published its SSH host keys.
func (c *Controller) awaitHostKeys(ctx context.Context, logger *slog.Logger, instanceID string) ([]string, error) {
	start := time.Now()
	var keys []string
	err := backoff.Poll(ctx, backoff.PollConfig{Interval: c.hostKeyInterval, MaxWait: c.hostKeyWait},
		func(ctx context.Context, attempt int) (bool, error) {
			found, err := c.hostKeys.HostKeys(ctx, instanceID)
			if err != nil {
				return false, err
			}
			if len(found) == 0 {
				logger.Debug("Waiting for published host keys", "attempt", attempt)
				return false, nil
			}
			keys = found
			return true, nil
		})
	if errors.Is(err, backoff.ErrPollTimeout) {
		return nil, apperrors.Timeout("lifecycle.hostKeys", time.Since(start))
	}
	if err != nil {
		return nil, err
	}

	logger.Info("Pinned instance host keys", "keys", len(keys))
	return keys, nil
}

// terminate releases the instance on a context that survives caller cancellation.
func (c *Controller) terminate(ctx context.Context, logger *slog.Logger, rec *recorder) error {
	instance := rec.cycle.Instance
	rec.enter(StateTerminating)

	termCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.terminateTimeout)
	defer cancel()

	start := time.Now()
	err := c.provider.Terminate(termCtx, instance.ID)
	c.recordStage(termCtx, StateTerminating, start, err)
	if err != nil {
		logger.Error("Failed to terminate instance", "error", err)
		rec.fail(StateTerminating, err)
		return err
	}

	instance.Status = compute.StatusTerminated
	rec.cycle.Terminated = true
	logger.Info("Instance terminated")
	rec.enter(StateDone)
	return nil
}

func (c *Controller) recordStage(ctx context.Context, stage State, start time.Time, err error) {
	if c.metrics != nil {
		c.metrics.RecordStage(ctx, string(stage), err == nil, time.Since(start).Seconds())
	}
}

// recorder appends transitions to a cycle and forwards them to an observer.
type recorder struct {
	cycle  *Cycle
	notify func(Transition)
}

// stage returns the state the cycle was in before any failure was recorded.
func (r *recorder) stage() State {
	for i := len(r.cycle.History) - 1; i >= 0; i-- {
		if state := r.cycle.History[i].State; state != StateFailed {
			return state
		}
	}
	return StateRequested
}

func (r *recorder) enter(state State) {
	r.add(Transition{State: state, At: time.Now().UTC()})
}

func (r *recorder) fail(stage State, err error) {
	r.add(Transition{State: StateFailed, At: time.Now().UTC(), Stage: stage, Error: err.Error()})
}

func (r *recorder) add(t Transition) {
	r.cycle.History = append(r.cycle.History, t)
	if r.notify != nil {
		r.notify(t)
	}
}
