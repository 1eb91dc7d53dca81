package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"
	"trainpipe/internal/apperrors"
	"trainpipe/internal/ci"
	"trainpipe/internal/compute"
	"trainpipe/internal/config"
	"trainpipe/internal/dispatcher"
	"trainpipe/internal/lifecycle"
	"trainpipe/internal/logship"
	"trainpipe/internal/observability"
	"trainpipe/internal/remote"
	"trainpipe/pkg/cloudevent"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// Validation limits
const (
	maxJobNameLength = 128
	maxMetaKeyLen    = 64
	maxMetaValueLen  = 256
	maxMetaEntries   = 32
)

// jobNamePattern allows alphanumeric, dots, hyphens, and underscores
var jobNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// JobPoller waits for the gating CI build.
type JobPoller interface {
	Poll(ctx context.Context, req ci.JobRequest) (*ci.Build, error)
}

// CycleRunner runs one training cycle.
type CycleRunner interface {
	RunTrainingCycle(ctx context.Context, req lifecycle.CycleRequest) (*lifecycle.Cycle, error)
}

// LogShipper uploads the day's logs.
type LogShipper interface {
	ShipTodaysLogs(ctx context.Context, logRoot string) (*logship.UploadReport, error)
}

// Config holds the collaborators and settings of a Service.
type Config struct {
	Poller  JobPoller   // required
	Cycles  CycleRunner // required
	Shipper LogShipper  // required

	Job      ci.JobRequest        // default CI job; Name may be overridden per run
	Instance compute.InstanceSpec // training instance
	Command  string               // remote training command
	LogRoot  string               // per-run log files are written here and shipped from here

	Fs          afero.Fs      // default: the OS filesystem
	LogOutput   io.Writer     // run logs are also written here, default os.Stdout
	LogLevel    slog.Leveler  // minimum level of run logs, default info
	ShipTimeout time.Duration // bound on log shipment, default 5m

	Dispatcher dispatcher.Dispatcher // optional
	Callback   config.CallbackConfig // events are sent when URL is set
	Metrics    *observability.Metrics
}

// Service starts and tracks pipeline runs. Runs live in memory for the lifetime
// of the process.
type Service struct {
	cfg      Config
	registry *registry

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewService creates a pipeline service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Poller == nil || cfg.Cycles == nil || cfg.Shipper == nil {
		return nil, errors.New("poller, cycle runner and log shipper are required")
	}
	if cfg.LogRoot == "" {
		return nil, errors.New("log root is required")
	}
	if cfg.Fs == nil {
		cfg.Fs = afero.NewOsFs()
	}
	if cfg.LogOutput == nil {
		cfg.LogOutput = os.Stdout
	}
	if cfg.ShipTimeout <= 0 {
		cfg.ShipTimeout = 5 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:      cfg,
		registry: newRegistry(),
		baseCtx:  ctx,
		cancel:   cancel,
	}, nil
}

// Submit validates req, registers a run and executes it in the background.
// It returns the accepted run.
func (s *Service) Submit(ctx context.Context, req *Request) (*Run, error) {
	run, err := s.accept(req)
	if err != nil {
		return nil, err
	}
	snapshot, _ := s.registry.get(run.ID)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.execute(s.baseCtx, run.ID)
	}()
	return &snapshot, nil
}

// Run executes a run synchronously and returns its final state. The error is the
// run's failure, if any; a log shipment failure alone does not fail the run.
func (s *Service) Run(ctx context.Context, req *Request) (*Run, error) {
	run, err := s.accept(req)
	if err != nil {
		return nil, err
	}
	runErr := s.execute(ctx, run.ID)
	final, _ := s.registry.get(run.ID)
	return &final, runErr
}

// Get returns a run by ID.
func (s *Service) Get(ctx context.Context, runID string) (*Run, error) {
	run, ok := s.registry.get(runID)
	if !ok {
		return nil, apperrors.NotFound("run", runID)
	}
	return &run, nil
}

// List returns all runs, newest first.
func (s *Service) List(ctx context.Context) (*ListResponse, error) {
	return &ListResponse{Runs: s.registry.list()}, nil
}

// Close cancels background runs and waits for them to finish. Instances are
// still terminated and logs still shipped on the way out.
func (s *Service) Close(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("runs still active at shutdown: %w", ctx.Err())
	}
}

func (s *Service) accept(req *Request) (*Run, error) {
	if req == nil {
		req = &Request{}
	}
	if req.JobName == "" {
		req.JobName = s.cfg.Job.Name
	}
	if err := validate(req); err != nil {
		return nil, err
	}

	run := &Run{
		ID:        uuid.NewString(),
		Job:       req.JobName,
		Status:    StatusAccepted,
		Meta:      req.Meta,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.registry.reserve(run); err != nil {
		return nil, err
	}
	slog.Info("Run accepted", "runId", run.ID, "job", run.Job)
	return run, nil
}

// execute drives one run to completion. The log shipment stage always runs.
func (s *Service) execute(ctx context.Context, runID string) error {
	run, _ := s.registry.get(runID)

	logger, closeLog := s.runLogger(run)
	defer closeLog()
	ctx = observability.WithLogger(ctx, logger)

	events := NewEventBuilder(run.ID, run.Job, run.Meta)
	start := time.Now()
	s.registry.update(runID, func(r *Run) { r.Status = StatusRunning })
	s.dispatch(logger, events.BuildStartEvent())
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RecordRunStarted(ctx, run.Job)
	}
	logger.Info("Run started")

	runErr := s.pollCI(ctx, logger, events, run)
	if runErr == nil {
		runErr = s.train(ctx, logger, events, run)
	} else {
		s.skip(runID, StageTraining)
	}

	shipErr := s.shipLogs(ctx, logger, events, run)

	status := StatusSucceeded
	if runErr != nil {
		status = StatusFailed
	}
	s.registry.finish(runID, func(r *Run) {
		r.Status = status
		r.FinishedAt = time.Now().UTC()
		if runErr != nil {
			r.Error = runErr.Error()
		}
		if shipErr != nil {
			r.LogShipError = shipErr.Error()
		}
	})
	s.dispatch(logger, events.BuildExitEvent(status, runErr))
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RecordRunCompleted(context.WithoutCancel(ctx), run.Job, runErr == nil, time.Since(start).Seconds())
	}

	if runErr != nil {
		logger.Error("Run failed", "error", runErr, "duration", time.Since(start))
	} else {
		logger.Info("Run completed", "duration", time.Since(start))
	}
	return runErr
}

func (s *Service) pollCI(ctx context.Context, logger *slog.Logger, events *EventBuilder, run Run) error {
	stageStart := s.beginStage(run.ID, StageCI)
	job := s.cfg.Job
	job.Name = run.Job

	build, err := s.cfg.Poller.Poll(ctx, job)
	if build != nil {
		s.registry.update(run.ID, func(r *Run) { r.Build = build })
	}
	s.endStage(ctx, logger, events, run.ID, StageCI, stageStart, err)
	return err
}

func (s *Service) train(ctx context.Context, logger *slog.Logger, events *EventBuilder, run Run) error {
	stageStart := s.beginStage(run.ID, StageTraining)

	cycle, err := s.cfg.Cycles.RunTrainingCycle(ctx, lifecycle.CycleRequest{
		Spec:    s.cfg.Instance,
		Command: s.cfg.Command,
		Sink:    remote.LogSink(logger.With("source", "remote")),
		Logger:  logger,
		OnTransition: func(t lifecycle.Transition) {
			logger.Info("Cycle transition", "state", t.State)
			s.registry.update(run.ID, func(r *Run) {
				if r.Cycle == nil {
					r.Cycle = &lifecycle.Cycle{}
				}
				r.Cycle.History = append(r.Cycle.History, t)
			})
		},
	})
	if cycle != nil {
		s.registry.update(run.ID, func(r *Run) { r.Cycle = cycle })
	}
	s.endStage(ctx, logger, events, run.ID, StageTraining, stageStart, err)
	return err
}

// shipLogs runs detached from ctx so that cancelled runs still ship their logs.
func (s *Service) shipLogs(ctx context.Context, logger *slog.Logger, events *EventBuilder, run Run) error {
	stageStart := s.beginStage(run.ID, StageShipLogs)

	shipCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShipTimeout)
	defer cancel()

	report, err := s.cfg.Shipper.ShipTodaysLogs(shipCtx, s.cfg.LogRoot)
	if report != nil {
		s.registry.update(run.ID, func(r *Run) { r.Logs = report })
	}
	s.endStage(shipCtx, logger, events, run.ID, StageShipLogs, stageStart, err)
	return err
}

func (s *Service) beginStage(runID, name string) time.Time {
	now := time.Now().UTC()
	s.registry.update(runID, func(r *Run) {
		r.Stages = append(r.Stages, StageResult{Name: name, Status: StatusRunning, StartedAt: now})
	})
	return now
}

func (s *Service) endStage(ctx context.Context, logger *slog.Logger, events *EventBuilder, runID, name string, start time.Time, err error) {
	var result StageResult
	s.registry.update(runID, func(r *Run) {
		for i := range r.Stages {
			if r.Stages[i].Name != name {
				continue
			}
			r.Stages[i].FinishedAt = time.Now().UTC()
			r.Stages[i].Status = StatusSucceeded
			if err != nil {
				r.Stages[i].Status = StatusFailed
				r.Stages[i].Error = err.Error()
			}
			result = r.Stages[i]
		}
	})

	if err != nil {
		logger.Error("Stage failed", "stage", name, "error", err)
	} else {
		logger.Info("Stage completed", "stage", name, "duration", time.Since(start))
	}
	// training records its own per-state metrics
	if s.cfg.Metrics != nil && name != StageTraining {
		s.cfg.Metrics.RecordStage(context.WithoutCancel(ctx), name, err == nil, time.Since(start).Seconds())
	}
	s.dispatch(logger, events.BuildStageEvent(result))
}

func (s *Service) skip(runID, name string) {
	now := time.Now().UTC()
	s.registry.update(runID, func(r *Run) {
		r.Stages = append(r.Stages, StageResult{Name: name, Status: StatusSkipped, StartedAt: now, FinishedAt: now})
	})
}

// runLogger returns a logger writing JSON records to the run's log file and to
// LogOutput. If the file cannot be created the run logs to LogOutput only.
func (s *Service) runLogger(run Run) (*slog.Logger, func()) {
	attrs := []any{"runId", run.ID, "job", run.Job}
	opts := &slog.HandlerOptions{Level: s.cfg.LogLevel}
	path := filepath.Join(s.cfg.LogRoot, "run-"+run.ID+".log")

	if err := s.cfg.Fs.MkdirAll(s.cfg.LogRoot, 0o755); err != nil {
		slog.Warn("Failed to create log root", "path", s.cfg.LogRoot, "error", err)
		return slog.New(slog.NewJSONHandler(s.cfg.LogOutput, opts)).With(attrs...), func() {}
	}
	f, err := s.cfg.Fs.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		slog.Warn("Failed to open run log file", "path", path, "error", err)
		return slog.New(slog.NewJSONHandler(s.cfg.LogOutput, opts)).With(attrs...), func() {}
	}

	s.registry.update(run.ID, func(r *Run) { r.LogFile = path })
	logger := slog.New(slog.NewJSONHandler(io.MultiWriter(s.cfg.LogOutput, f), opts)).With(attrs...)
	return logger, func() {
		if err := f.Close(); err != nil {
			slog.Warn("Failed to close run log file", "path", path, "error", err)
		}
	}
}

func (s *Service) dispatch(logger *slog.Logger, event *cloudevent.CloudEvent) {
	cb := s.cfg.Callback
	if s.cfg.Dispatcher == nil || cb.URL == "" || !FilteredEvents(event.Type, cb.Events) {
		return
	}
	if err := s.cfg.Dispatcher.Dispatch(&dispatcher.Event{
		Payload:     event,
		Destination: cb.URL,
		SigningKey:  cb.Key,
	}); err != nil {
		logger.Warn("Failed to dispatch event", "type", event.Type, "error", err)
	}
}

// validate validates a run request. Does not modify the request.
func validate(req *Request) error {
	if req.JobName == "" {
		return apperrors.Validation("jobName", "CI job name is required")
	}
	if len(req.JobName) > maxJobNameLength {
		return apperrors.Validation("jobName", fmt.Sprintf("job name exceeds maximum length of %d", maxJobNameLength))
	}
	if !jobNamePattern.MatchString(req.JobName) {
		return apperrors.Validation("jobName", "job name must be alphanumeric (dots, hyphens and underscores allowed)")
	}

	if len(req.Meta) > maxMetaEntries {
		return apperrors.Validation("meta", fmt.Sprintf("metadata exceeds maximum of %d entries", maxMetaEntries))
	}
	for k, v := range req.Meta {
		if len(k) > maxMetaKeyLen {
			return apperrors.Validation("meta", fmt.Sprintf("metadata key exceeds maximum length of %d", maxMetaKeyLen))
		}
		if len(v) > maxMetaValueLen {
			return apperrors.Validation("meta", fmt.Sprintf("metadata value exceeds maximum length of %d", maxMetaValueLen))
		}
	}
	return nil
}
