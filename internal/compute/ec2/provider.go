// Package ec2 implements compute.Provider and compute.StatusReader on Amazon EC2.
package ec2

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
	"trainpipe/internal/apperrors"
	"trainpipe/internal/compute"
	"trainpipe/internal/observability"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsec2 "github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
)

// API is the subset of the EC2 client used by the provider.
type API interface {
	RunInstances(ctx context.Context, params *awsec2.RunInstancesInput, optFns ...func(*awsec2.Options)) (*awsec2.RunInstancesOutput, error)
	DescribeInstances(ctx context.Context, params *awsec2.DescribeInstancesInput, optFns ...func(*awsec2.Options)) (*awsec2.DescribeInstancesOutput, error)
	DescribeInstanceStatus(ctx context.Context, params *awsec2.DescribeInstanceStatusInput, optFns ...func(*awsec2.Options)) (*awsec2.DescribeInstanceStatusOutput, error)
	TerminateInstances(ctx context.Context, params *awsec2.TerminateInstancesInput, optFns ...func(*awsec2.Options)) (*awsec2.TerminateInstancesOutput, error)
	DescribeAvailabilityZones(ctx context.Context, params *awsec2.DescribeAvailabilityZonesInput, optFns ...func(*awsec2.Options)) (*awsec2.DescribeAvailabilityZonesOutput, error)
	GetConsoleOutput(ctx context.Context, params *awsec2.GetConsoleOutputInput, optFns ...func(*awsec2.Options)) (*awsec2.GetConsoleOutputOutput, error)
}

// Markers around the host keys cloud-init prints to the serial console.
const (
	hostKeysBegin = "-----BEGIN SSH HOST KEY KEYS-----"
	hostKeysEnd   = "-----END SSH HOST KEY KEYS-----"
)

// Config holds configuration for the EC2 provider.
type Config struct {
	RunningTimeout   time.Duration // How long WaitRunning waits (default 10m)
	TerminateTimeout time.Duration // How long Terminate waits for the terminated state (default 10m)
	WaiterMinDelay   time.Duration // Minimum delay between waiter polls (default 5s)
	WaiterMaxDelay   time.Duration // Maximum delay between waiter polls (default 30s)
}

// Provider manages training instances through the EC2 API.
type Provider struct {
	api              API
	runningTimeout   time.Duration
	terminateTimeout time.Duration
	minDelay         time.Duration
	maxDelay         time.Duration
}

var (
	_ compute.Provider      = (*Provider)(nil)
	_ compute.StatusReader  = (*Provider)(nil)
	_ compute.HostKeyReader = (*Provider)(nil)
)

// NewProvider creates an EC2 provider. Use awsec2.NewFromConfig to build api.
func NewProvider(api API, cfg Config) *Provider {
	if cfg.RunningTimeout <= 0 {
		cfg.RunningTimeout = 10 * time.Minute
	}
	if cfg.TerminateTimeout <= 0 {
		cfg.TerminateTimeout = 10 * time.Minute
	}
	if cfg.WaiterMinDelay <= 0 {
		cfg.WaiterMinDelay = 5 * time.Second
	}
	if cfg.WaiterMaxDelay < cfg.WaiterMinDelay {
		cfg.WaiterMaxDelay = max(30*time.Second, cfg.WaiterMinDelay)
	}
	return &Provider{
		api:              api,
		runningTimeout:   cfg.RunningTimeout,
		terminateTimeout: cfg.TerminateTimeout,
		minDelay:         cfg.WaiterMinDelay,
		maxDelay:         cfg.WaiterMaxDelay,
	}
}

// Launch requests exactly one instance and returns once EC2 has accepted it.
func (p *Provider) Launch(ctx context.Context, spec compute.InstanceSpec) (*compute.Instance, error) {
	input := &awsec2.RunInstancesInput{
		ImageId:      aws.String(spec.AMI),
		InstanceType: ec2types.InstanceType(spec.Type),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		KeyName:      aws.String(spec.KeyPairName),
	}
	if spec.SecurityGroupID != "" {
		input.SecurityGroupIds = []string{spec.SecurityGroupID}
	}
	if len(spec.Tags) > 0 {
		input.TagSpecifications = []ec2types.TagSpecification{{
			ResourceType: ec2types.ResourceTypeInstance,
			Tags:         toTags(spec.Tags),
		}}
	}

	out, err := p.api.RunInstances(ctx, input)
	if err != nil {
		return nil, apperrors.Provision("ec2.RunInstances", err)
	}
	if len(out.Instances) == 0 || aws.ToString(out.Instances[0].InstanceId) == "" {
		return nil, apperrors.Provision("ec2.RunInstances", errors.New("no instance returned"))
	}

	id := aws.ToString(out.Instances[0].InstanceId)
	observability.Logger(ctx).Info("Instance launched", "component", "ec2", "instanceId", id, "type", spec.Type)
	return &compute.Instance{ID: id, Status: compute.StatusProvisioning}, nil
}

// WaitRunning blocks until the instance reaches the running state.
func (p *Provider) WaitRunning(ctx context.Context, instanceID string) error {
	waiter := awsec2.NewInstanceRunningWaiter(p.api, func(o *awsec2.InstanceRunningWaiterOptions) {
		o.MinDelay = p.minDelay
		o.MaxDelay = p.maxDelay
	})
	input := &awsec2.DescribeInstancesInput{InstanceIds: []string{instanceID}}
	if err := waiter.Wait(ctx, input, p.runningTimeout); err != nil {
		return apperrors.Provision("ec2.waitRunning", err)
	}
	return nil
}

// PublicAddress returns the instance's public IPv4 address.
func (p *Provider) PublicAddress(ctx context.Context, instanceID string) (string, error) {
	instance, err := p.describe(ctx, instanceID)
	if err != nil {
		return "", err
	}
	ip := aws.ToString(instance.PublicIpAddress)
	if ip == "" {
		return "", apperrors.Provision("ec2.publicAddress", fmt.Errorf("instance %s has no public IP", instanceID))
	}
	return ip, nil
}

// Terminate terminates the instance and waits until EC2 reports it terminated.
// An instance EC2 no longer knows about counts as terminated.
func (p *Provider) Terminate(ctx context.Context, instanceID string) error {
	ids := []string{instanceID}
	if _, err := p.api.TerminateInstances(ctx, &awsec2.TerminateInstancesInput{InstanceIds: ids}); err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidInstanceID.NotFound" {
			observability.Logger(ctx).Warn("Instance already gone", "component", "ec2", "instanceId", instanceID)
			return nil
		}
		return apperrors.Provision("ec2.TerminateInstances", err)
	}

	waiter := awsec2.NewInstanceTerminatedWaiter(p.api, func(o *awsec2.InstanceTerminatedWaiterOptions) {
		o.MinDelay = p.minDelay
		o.MaxDelay = p.maxDelay
	})
	if err := waiter.Wait(ctx, &awsec2.DescribeInstancesInput{InstanceIds: ids}, p.terminateTimeout); err != nil {
		return apperrors.Provision("ec2.waitTerminated", err)
	}

	observability.Logger(ctx).Info("Instance terminated", "component", "ec2", "instanceId", instanceID)
	return nil
}

// InstanceHealth reads the system and instance status checks. Instances that
// are not yet reported by EC2 come back with Found set to false.
func (p *Provider) InstanceHealth(ctx context.Context, instanceID string) (compute.HealthReport, error) {
	out, err := p.api.DescribeInstanceStatus(ctx, &awsec2.DescribeInstanceStatusInput{
		InstanceIds:         []string{instanceID},
		IncludeAllInstances: aws.Bool(true),
	})
	if err != nil {
		return compute.HealthReport{}, apperrors.Transport("ec2.DescribeInstanceStatus", err)
	}

	for _, status := range out.InstanceStatuses {
		if aws.ToString(status.InstanceId) != instanceID {
			continue
		}
		report := compute.HealthReport{Found: true}
		if status.SystemStatus != nil {
			report.System = string(status.SystemStatus.Status)
		}
		if status.InstanceStatus != nil {
			report.Instance = string(status.InstanceStatus.Status)
		}
		return report, nil
	}
	return compute.HealthReport{}, nil
}

// HostKeys returns the host keys cloud-init printed to the instance console.
// EC2 captures console output some time after boot, so an instance that is
// already reachable may still return no keys.
func (p *Provider) HostKeys(ctx context.Context, instanceID string) ([]string, error) {
	out, err := p.api.GetConsoleOutput(ctx, &awsec2.GetConsoleOutputInput{InstanceId: aws.String(instanceID)})
	if err != nil {
		return nil, apperrors.Transport("ec2.GetConsoleOutput", err)
	}
	encoded := aws.ToString(out.Output)
	if encoded == "" {
		return nil, nil
	}
	console, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, apperrors.Transport("ec2.GetConsoleOutput", fmt.Errorf("decode console output: %w", err))
	}
	return parseHostKeys(string(console)), nil
}

// parseHostKeys extracts the last complete host key block from console output.
func parseHostKeys(console string) []string {
	begin := strings.LastIndex(console, hostKeysBegin)
	if begin < 0 {
		return nil
	}
	block := console[begin+len(hostKeysBegin):]
	end := strings.Index(block, hostKeysEnd)
	if end < 0 {
		return nil
	}

	var keys []string
	for line := range strings.Lines(block[:end]) {
		if line = strings.TrimSpace(line); line != "" {
			keys = append(keys, line)
		}
	}
	return keys
}

// Ready verifies the EC2 API is reachable with the configured credentials.
func (p *Provider) Ready(ctx context.Context) error {
	if _, err := p.api.DescribeAvailabilityZones(ctx, &awsec2.DescribeAvailabilityZonesInput{}); err != nil {
		return apperrors.Transport("ec2.DescribeAvailabilityZones", err)
	}
	return nil
}

func (p *Provider) describe(ctx context.Context, instanceID string) (*ec2types.Instance, error) {
	out, err := p.api.DescribeInstances(ctx, &awsec2.DescribeInstancesInput{InstanceIds: []string{instanceID}})
	if err != nil {
		return nil, apperrors.Transport("ec2.DescribeInstances", err)
	}
	for _, reservation := range out.Reservations {
		for i := range reservation.Instances {
			if aws.ToString(reservation.Instances[i].InstanceId) == instanceID {
				return &reservation.Instances[i], nil
			}
		}
	}
	return nil, apperrors.NotFound("instance", instanceID)
}

// toTags converts a tag map into EC2 tags sorted by key.
func toTags(tags map[string]string) []ec2types.Tag {
	out := make([]ec2types.Tag, 0, len(tags))
	for _, key := range slices.Sorted(maps.Keys(tags)) {
		out = append(out, ec2types.Tag{Key: aws.String(key), Value: aws.String(tags[key])})
	}
	return out
}
