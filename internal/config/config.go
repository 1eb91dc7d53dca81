// Package config provides configuration loading from environment variables and an optional YAML file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServiceConfig holds configuration for the HTTP trigger service.
type ServiceConfig struct {
	Port              string        `yaml:"port"`
	MetricsPort       string        `yaml:"metricsPort"`
	APIKey            string        `yaml:"-"`
	ShutdownDrainWait time.Duration `yaml:"shutdownDrainWait"` // Time to wait for load balancer to drain (0 to skip)
}

// CIConfig describes the CI job gating each training run.
type CIConfig struct {
	URL          string        `yaml:"url"`
	User         string        `yaml:"user"`
	Token        string        `yaml:"-"`
	JobName      string        `yaml:"jobName"`
	PollInterval time.Duration `yaml:"pollInterval"`
	MaxWait      time.Duration `yaml:"maxWait"` // 0 polls until the build finishes
}

// AWSConfig holds the cloud region and optional static credentials.
// Empty credentials fall back to the SDK default chain.
type AWSConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"-"`
	SecretAccessKey string `yaml:"-"`
}

// InstanceConfig describes the training instance and its lifecycle bounds.
type InstanceConfig struct {
	AMIID            string            `yaml:"amiId"`
	Type             string            `yaml:"type"`
	SecurityGroupID  string            `yaml:"securityGroupId"`
	KeyPairName      string            `yaml:"keyPairName"`
	Tags             map[string]string `yaml:"tags"`
	RunningTimeout   time.Duration     `yaml:"runningTimeout"`
	HealthInterval   time.Duration     `yaml:"healthInterval"`
	HealthMaxWait    time.Duration     `yaml:"healthMaxWait"`
	TerminateTimeout time.Duration     `yaml:"terminateTimeout"`
}

// SSHConfig configures the remote training session.
type SSHConfig struct {
	User           string        `yaml:"user"`
	KeyPath        string        `yaml:"keyPath"`
	KnownHostsPath string        `yaml:"knownHostsPath"`
	HostKeyPolicy  string        `yaml:"hostKeyPolicy"` // instance, strict, accept-new or insecure
	HostKeyWait    time.Duration `yaml:"hostKeyWait"`   // instance policy: wait for published keys
	Port           int           `yaml:"port"`
	DialTimeout    time.Duration `yaml:"dialTimeout"`
}

// TrainingConfig holds values exported into the remote training environment.
type TrainingConfig struct {
	TrackingURI  string `yaml:"trackingUri"`
	ExperimentID string `yaml:"experimentId"`
	ArtifactRoot string `yaml:"artifactRoot"`
	Bucket       string `yaml:"bucket"`
	FileKey      string `yaml:"fileKey"`
	ProjectURI   string `yaml:"projectUri"`
}

// LogsConfig controls where run logs are written and shipped.
type LogsConfig struct {
	Root   string `yaml:"root"`
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
}

// ReportConfig configures dataset publishing to the reporting service.
type ReportConfig struct {
	BaseURL     string        `yaml:"baseUrl"`
	Token       string        `yaml:"-"`
	ProjectID   string        `yaml:"projectId"`
	Bucket      string        `yaml:"bucket"`
	ResultKey   string        `yaml:"resultKey"`
	DatasetName string        `yaml:"datasetName"`
	Timeout     time.Duration `yaml:"timeout"`
}

// IngestConfig locates the transaction dataset object.
type IngestConfig struct {
	Bucket string `yaml:"bucket"`
	Key    string `yaml:"key"`
}

// CallbackConfig configures lifecycle event delivery to a monitoring webhook.
type CallbackConfig struct {
	URL    string   `yaml:"url"`
	Key    string   `yaml:"-"`
	Events []string `yaml:"events"`
}

// DispatcherConfig tunes lifecycle event delivery.
type DispatcherConfig struct {
	BufferSize  int           `yaml:"bufferSize"`
	Workers     int           `yaml:"workers"`
	HTTPTimeout time.Duration `yaml:"httpTimeout"`
	MaxRetries  int           `yaml:"maxRetries"`
}

// Config is the complete pipeline configuration. It is built once at process start
// and passed to each component.
type Config struct {
	Service    ServiceConfig    `yaml:"service"`
	CI         CIConfig         `yaml:"ci"`
	AWS        AWSConfig        `yaml:"aws"`
	Instance   InstanceConfig   `yaml:"instance"`
	SSH        SSHConfig        `yaml:"ssh"`
	Training   TrainingConfig   `yaml:"training"`
	Logs       LogsConfig       `yaml:"logs"`
	Report     ReportConfig     `yaml:"report"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Callback   CallbackConfig   `yaml:"callback"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
}

// Defaults returns the configuration used when nothing else is set.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Port:              "8080",
			MetricsPort:       "9090",
			ShutdownDrainWait: 5 * time.Second,
		},
		CI: CIConfig{
			PollInterval: 30 * time.Second,
			MaxWait:      2 * time.Hour,
		},
		AWS: AWSConfig{
			Region: "eu-west-3",
		},
		Instance: InstanceConfig{
			Tags:             map[string]string{"Purpose": "ML-Training"},
			RunningTimeout:   10 * time.Minute,
			HealthInterval:   15 * time.Second,
			HealthMaxWait:    20 * time.Minute,
			TerminateTimeout: 10 * time.Minute,
		},
		SSH: SSHConfig{
			User:          "ubuntu",
			HostKeyPolicy: "instance",
			HostKeyWait:   10 * time.Minute,
			Port:          22,
			DialTimeout:   30 * time.Second,
		},
		Logs: LogsConfig{
			Root:   "/var/log/trainpipe",
			Prefix: "logs/training",
		},
		Report: ReportConfig{
			ResultKey:   "cv_results.csv",
			DatasetName: "cv_results_data",
			Timeout:     time.Minute,
		},
		Dispatcher: DispatcherConfig{
			BufferSize:  1000,
			Workers:     2,
			HTTPTimeout: 10 * time.Second,
			MaxRetries:  3,
		},
	}
}

// Load builds the configuration from defaults, then the YAML file at path (if non-empty),
// then environment variables. Secrets are only read from the environment or secret files.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overrides cfg with any environment variables that are set.
func applyEnv(cfg *Config) {
	s := &cfg.Service
	s.Port = GetEnv("PORT", s.Port)
	s.MetricsPort = GetEnv("METRICS_PORT", s.MetricsPort)
	s.APIKey = GetSecretFile(GetEnv("API_KEY_FILE", ""))
	s.ShutdownDrainWait = GetDurationEnv("SHUTDOWN_DRAIN_WAIT", s.ShutdownDrainWait)

	ci := &cfg.CI
	ci.URL = GetEnv("CI_URL", ci.URL)
	ci.User = GetEnv("CI_USER", ci.User)
	ci.Token = GetSecret("CI_TOKEN", ci.Token)
	ci.JobName = GetEnv("CI_JOB_NAME", ci.JobName)
	ci.PollInterval = GetDurationEnv("CI_POLL_INTERVAL", ci.PollInterval)
	ci.MaxWait = GetDurationEnv("CI_MAX_WAIT", ci.MaxWait)

	a := &cfg.AWS
	a.Region = GetEnv("AWS_REGION", a.Region)
	a.AccessKeyID = GetSecret("AWS_ACCESS_KEY_ID", a.AccessKeyID)
	a.SecretAccessKey = GetSecret("AWS_SECRET_ACCESS_KEY", a.SecretAccessKey)

	in := &cfg.Instance
	in.AMIID = GetEnv("INSTANCE_AMI_ID", in.AMIID)
	in.Type = GetEnv("INSTANCE_TYPE", in.Type)
	in.SecurityGroupID = GetEnv("INSTANCE_SECURITY_GROUP_ID", in.SecurityGroupID)
	in.KeyPairName = GetEnv("INSTANCE_KEY_PAIR_NAME", in.KeyPairName)
	in.RunningTimeout = GetDurationEnv("INSTANCE_RUNNING_TIMEOUT", in.RunningTimeout)
	in.HealthInterval = GetDurationEnv("HEALTH_POLL_INTERVAL", in.HealthInterval)
	in.HealthMaxWait = GetDurationEnv("HEALTH_MAX_WAIT", in.HealthMaxWait)
	in.TerminateTimeout = GetDurationEnv("TERMINATE_TIMEOUT", in.TerminateTimeout)

	sh := &cfg.SSH
	sh.User = GetEnv("SSH_USER", sh.User)
	sh.KeyPath = GetEnv("SSH_KEY_PATH", sh.KeyPath)
	sh.KnownHostsPath = GetEnv("SSH_KNOWN_HOSTS", sh.KnownHostsPath)
	sh.HostKeyPolicy = GetEnv("SSH_HOST_KEY_POLICY", sh.HostKeyPolicy)
	sh.HostKeyWait = GetDurationEnv("SSH_HOST_KEY_WAIT", sh.HostKeyWait)
	sh.Port = GetIntEnv("SSH_PORT", sh.Port)
	sh.DialTimeout = GetDurationEnv("SSH_DIAL_TIMEOUT", sh.DialTimeout)

	tr := &cfg.Training
	tr.TrackingURI = GetEnv("MLFLOW_TRACKING_URI", tr.TrackingURI)
	tr.ExperimentID = GetEnv("MLFLOW_EXPERIMENT_ID", tr.ExperimentID)
	tr.ArtifactRoot = GetEnv("TRAINING_ARTIFACT_ROOT", tr.ArtifactRoot)
	tr.Bucket = GetEnv("TRAINING_BUCKET", tr.Bucket)
	tr.FileKey = GetEnv("TRAINING_FILE_KEY", tr.FileKey)
	tr.ProjectURI = GetEnv("TRAINING_PROJECT_URI", tr.ProjectURI)

	l := &cfg.Logs
	l.Root = GetEnv("LOG_ROOT", l.Root)
	l.Bucket = GetEnv("LOG_BUCKET", l.Bucket)
	l.Prefix = GetEnv("LOG_PREFIX", l.Prefix)

	r := &cfg.Report
	r.BaseURL = GetEnv("REPORT_BASE_URL", r.BaseURL)
	r.Token = GetSecret("REPORT_TOKEN", r.Token)
	r.ProjectID = GetEnv("REPORT_PROJECT_ID", r.ProjectID)
	r.Bucket = GetEnv("REPORT_BUCKET", r.Bucket)
	r.ResultKey = GetEnv("REPORT_RESULT_KEY", r.ResultKey)
	r.DatasetName = GetEnv("REPORT_DATASET_NAME", r.DatasetName)
	r.Timeout = GetDurationEnv("REPORT_TIMEOUT", r.Timeout)

	ig := &cfg.Ingest
	ig.Bucket = GetEnv("INGEST_BUCKET", ig.Bucket)
	ig.Key = GetEnv("INGEST_KEY", ig.Key)

	cb := &cfg.Callback
	cb.URL = GetEnv("CALLBACK_URL", cb.URL)
	cb.Key = GetSecret("CALLBACK_KEY", cb.Key)
	cb.Events = GetListEnv("CALLBACK_EVENTS", cb.Events)

	d := &cfg.Dispatcher
	d.BufferSize = GetIntEnv("DISPATCHER_BUFFER_SIZE", d.BufferSize)
	d.Workers = GetIntEnv("DISPATCHER_WORKERS", d.Workers)
	d.HTTPTimeout = GetDurationEnv("DISPATCHER_HTTP_TIMEOUT", d.HTTPTimeout)
	d.MaxRetries = GetIntEnv("DISPATCHER_MAX_RETRIES", d.MaxRetries)
}
