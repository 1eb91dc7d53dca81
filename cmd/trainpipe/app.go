package main

import (
	"context"
	"log/slog"
	"time"
	"trainpipe/internal/awsclient"
	"trainpipe/internal/ci"
	"trainpipe/internal/compute"
	"trainpipe/internal/compute/ec2"
	"trainpipe/internal/config"
	"trainpipe/internal/dispatcher"
	"trainpipe/internal/health"
	"trainpipe/internal/ingest"
	"trainpipe/internal/lifecycle"
	"trainpipe/internal/logship"
	"trainpipe/internal/observability"
	"trainpipe/internal/pipeline"
	"trainpipe/internal/remote"
	"trainpipe/internal/report"
	"trainpipe/internal/storage/s3store"
)

// app builds components from the loaded configuration. Cloud clients are
// created on first use so commands that never touch the cloud skip credential
// resolution.
type app struct {
	cfg      *config.Config
	logLevel slog.Level
	clients  *awsclient.Clients
	events   *dispatcher.MemoryDispatcher
}

func (a *app) awsClients(ctx context.Context) (*awsclient.Clients, error) {
	if a.clients != nil {
		return a.clients, nil
	}
	awsCfg, err := awsclient.Load(ctx, a.cfg.AWS)
	if err != nil {
		return nil, err
	}
	a.clients = awsclient.NewClients(awsCfg)
	return a.clients, nil
}

func (a *app) objectStore(ctx context.Context) (*s3store.Store, error) {
	clients, err := a.awsClients(ctx)
	if err != nil {
		return nil, err
	}
	return s3store.New(clients.S3), nil
}

func (a *app) shipper(ctx context.Context, metrics *observability.Metrics) (*logship.Shipper, error) {
	if err := a.cfg.ValidateLogShipping(); err != nil {
		return nil, err
	}
	store, err := a.objectStore(ctx)
	if err != nil {
		return nil, err
	}
	return logship.NewShipper(logship.Config{
		Store:   store,
		Bucket:  a.cfg.Logs.Bucket,
		Prefix:  a.cfg.Logs.Prefix,
		Metrics: metrics,
	})
}

func (a *app) reporter(ctx context.Context) (*report.Reporter, error) {
	if err := a.cfg.ValidateReport(); err != nil {
		return nil, err
	}
	store, err := a.objectStore(ctx)
	if err != nil {
		return nil, err
	}
	rc := a.cfg.Report
	return report.NewReporter(report.ReporterConfig{
		Store: store,
		Publisher: report.NewHTTPPublisher(report.HTTPPublisherConfig{
			BaseURL:   rc.BaseURL,
			Token:     rc.Token,
			ProjectID: rc.ProjectID,
			Timeout:   rc.Timeout,
		}),
		Bucket:      rc.Bucket,
		ResultKey:   rc.ResultKey,
		DatasetName: rc.DatasetName,
	})
}

func (a *app) appender(ctx context.Context) (*ingest.Appender, error) {
	if err := a.cfg.ValidateIngest(); err != nil {
		return nil, err
	}
	store, err := a.objectStore(ctx)
	if err != nil {
		return nil, err
	}
	return ingest.NewAppender(store, a.cfg.Ingest.Bucket, a.cfg.Ingest.Key)
}

// dispatcher returns nil when no callback URL is configured.
func (a *app) dispatcher(metrics *observability.Metrics) *dispatcher.MemoryDispatcher {
	if a.cfg.Callback.URL == "" {
		return nil
	}
	a.events = dispatcher.NewMemory(dispatcher.FromConfig(a.cfg.Dispatcher), metrics)
	return a.events
}

// pipelineDeps is everything a pipeline service needs besides its config.
type pipelineDeps struct {
	metrics    *observability.Metrics
	dispatcher dispatcher.Dispatcher
}

// pipeline wires the CI poller, instance lifecycle and log shipper into a run
// service. The returned checks report the readiness of the cloud dependencies.
func (a *app) pipeline(ctx context.Context, deps pipelineDeps) (*pipeline.Service, map[string]health.ReadinessChecker, error) {
	cfg := a.cfg
	if err := cfg.ValidatePipeline(); err != nil {
		return nil, nil, err
	}
	clients, err := a.awsClients(ctx)
	if err != nil {
		return nil, nil, err
	}
	shipper, err := a.shipper(ctx, deps.metrics)
	if err != nil {
		return nil, nil, err
	}

	provider := ec2.NewProvider(clients.EC2, ec2.Config{
		RunningTimeout:   cfg.Instance.RunningTimeout,
		TerminateTimeout: cfg.Instance.TerminateTimeout,
	})
	runner, err := remote.NewClient(remote.Config{
		User:           cfg.SSH.User,
		KeyPath:        cfg.SSH.KeyPath,
		KnownHostsPath: cfg.SSH.KnownHostsPath,
		HostKeyPolicy:  remote.HostKeyPolicy(cfg.SSH.HostKeyPolicy),
		Port:           cfg.SSH.Port,
		DialTimeout:    cfg.SSH.DialTimeout,
	})
	if err != nil {
		return nil, nil, err
	}
	lifecycleCfg := lifecycle.Config{
		Provider: provider,
		Health: compute.NewMonitor(provider, compute.MonitorConfig{
			Interval: cfg.Instance.HealthInterval,
			MaxWait:  cfg.Instance.HealthMaxWait,
		}),
		Runner:           runner,
		TerminateTimeout: cfg.Instance.TerminateTimeout,
		Metrics:          deps.metrics,
	}
	if remote.HostKeyPolicy(cfg.SSH.HostKeyPolicy) == remote.PolicyInstance {
		lifecycleCfg.HostKeys = provider
		lifecycleCfg.HostKeyWait = cfg.SSH.HostKeyWait
	}
	controller, err := lifecycle.NewController(lifecycleCfg)
	if err != nil {
		return nil, nil, err
	}

	svc, err := pipeline.NewService(pipeline.Config{
		Poller: ci.NewPoller(ci.PollerConfig{
			Interval: cfg.CI.PollInterval,
			MaxWait:  cfg.CI.MaxWait,
		}),
		Cycles:  controller,
		Shipper: shipper,
		Job: ci.JobRequest{
			BaseURL: cfg.CI.URL,
			Name:    cfg.CI.JobName,
			User:    cfg.CI.User,
			Token:   cfg.CI.Token,
		},
		Instance: compute.InstanceSpec{
			AMI:             cfg.Instance.AMIID,
			Type:            cfg.Instance.Type,
			SecurityGroupID: cfg.Instance.SecurityGroupID,
			KeyPairName:     cfg.Instance.KeyPairName,
			Tags:            cfg.Instance.Tags,
		},
		Command: remote.TrainingCommand(remote.TrainingEnv{
			TrackingURI:     cfg.Training.TrackingURI,
			ExperimentID:    cfg.Training.ExperimentID,
			AccessKeyID:     cfg.AWS.AccessKeyID,
			SecretAccessKey: cfg.AWS.SecretAccessKey,
			ArtifactRoot:    cfg.Training.ArtifactRoot,
			Bucket:          cfg.Training.Bucket,
			FileKey:         cfg.Training.FileKey,
			ProjectURI:      cfg.Training.ProjectURI,
		}),
		LogRoot:    cfg.Logs.Root,
		LogLevel:   a.logLevel,
		Dispatcher: deps.dispatcher,
		Callback:   cfg.Callback,
		Metrics:    deps.metrics,
	})
	if err != nil {
		return nil, nil, err
	}

	store := s3store.New(clients.S3)
	checks := map[string]health.ReadinessChecker{
		"compute": provider,
		"logStorage": health.ReadinessFunc(func(ctx context.Context) error {
			return store.Ready(ctx, cfg.Logs.Bucket)
		}),
	}
	return svc, checks, nil
}

// closeDispatcher drains pending callbacks before the process exits.
func closeDispatcher(d *dispatcher.MemoryDispatcher) {
	if d == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = d.Close(ctx)
}
