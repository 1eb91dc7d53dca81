// Package awsclient builds the shared AWS SDK configuration.
package awsclient

import (
	"context"
	"fmt"
	"trainpipe/internal/config"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awsec2 "github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Load resolves the AWS configuration for the configured region.
// Static keys are used when both are set; otherwise the default credential chain applies.
func Load(ctx context.Context, cfg config.AWSConfig) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load aws config: %w", err)
	}
	return awsCfg, nil
}

// Clients bundles the service clients built from one configuration.
type Clients struct {
	EC2 *awsec2.Client
	S3  *s3.Client
}

// NewClients creates the EC2 and S3 clients.
func NewClients(awsCfg aws.Config) *Clients {
	return &Clients{
		EC2: awsec2.NewFromConfig(awsCfg),
		S3:  s3.NewFromConfig(awsCfg),
	}
}
