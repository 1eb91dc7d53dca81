package awsclient

import (
	"context"
	"testing"
	"trainpipe/internal/config"
)

func TestLoad_StaticCredentials(t *testing.T) {
	awsCfg, err := Load(context.Background(), config.AWSConfig{
		Region:          "eu-west-3",
		AccessKeyID:     "AKIDEXAMPLE",
		SecretAccessKey: "secret",
	})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if awsCfg.Region != "eu-west-3" {
		t.Errorf("Region = %q, want eu-west-3", awsCfg.Region)
	}

	creds, err := awsCfg.Credentials.Retrieve(context.Background())
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if creds.AccessKeyID != "AKIDEXAMPLE" || creds.SecretAccessKey != "secret" {
		t.Errorf("unexpected credentials %q/%q", creds.AccessKeyID, creds.SecretAccessKey)
	}

	clients := NewClients(awsCfg)
	if clients.EC2 == nil || clients.S3 == nil {
		t.Error("expected both clients to be created")
	}
}
