// Package compute describes the cloud instances a training run executes on and
// waits for them to pass their health checks.
package compute

import (
	"context"
)

// Status is the lifecycle status of a training instance as seen by the pipeline.
type Status string

const (
	StatusProvisioning       Status = "PROVISIONING"
	StatusStatusCheckPending Status = "STATUS_CHECK_PENDING"
	StatusHealthy            Status = "HEALTHY"
	StatusTerminated         Status = "TERMINATED"
)

// InstanceSpec is the launch request for one training instance.
type InstanceSpec struct {
	AMI             string
	Type            string
	SecurityGroupID string
	KeyPairName     string
	Tags            map[string]string
}

// Instance is a created instance. PublicIP is empty until the instance is running.
type Instance struct {
	ID       string `json:"id"`
	PublicIP string `json:"publicIp,omitempty"`
	Status   Status `json:"status"`
}

// HealthReport is one observation of an instance's status checks.
// Found is false when the provider has no status entry for the instance yet.
type HealthReport struct {
	Found    bool
	System   string
	Instance string
}

// Healthy reports whether both the system and instance checks passed.
func (h HealthReport) Healthy() bool {
	return h.Found && h.System == "ok" && h.Instance == "ok"
}

// Provider creates and destroys training instances.
//
// Launch returns as soon as the provider has accepted the request; WaitRunning
// blocks until the instance is running. Splitting the two lets callers release an
// instance that was created but never came up.
type Provider interface {
	Launch(ctx context.Context, spec InstanceSpec) (*Instance, error)
	WaitRunning(ctx context.Context, instanceID string) error
	PublicAddress(ctx context.Context, instanceID string) (string, error)
	Terminate(ctx context.Context, instanceID string) error
}

// StatusReader reads instance status checks.
type StatusReader interface {
	InstanceHealth(ctx context.Context, instanceID string) (HealthReport, error)
}

// HostKeyReader reads the SSH host keys an instance published while booting, one
// authorized_keys line per key. An empty result means none are published yet.
type HostKeyReader interface {
	HostKeys(ctx context.Context, instanceID string) ([]string, error)
}
