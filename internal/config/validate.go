package config

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
	"trainpipe/internal/apperrors"
)

var hostKeyPolicies = []string{"instance", "strict", "accept-new", "insecure"}

// ValidatePipeline checks everything a full training run needs.
func (c *Config) ValidatePipeline() error {
	if err := validateURL("ci.url", c.CI.URL); err != nil {
		return err
	}
	required := []struct{ field, value string }{
		{"ci.user", c.CI.User},
		{"ci.token", c.CI.Token},
		{"ci.jobName", c.CI.JobName},
		{"instance.amiId", c.Instance.AMIID},
		{"instance.type", c.Instance.Type},
		{"instance.securityGroupId", c.Instance.SecurityGroupID},
		{"instance.keyPairName", c.Instance.KeyPairName},
		{"ssh.keyPath", c.SSH.KeyPath},
		{"training.projectUri", c.Training.ProjectURI},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return apperrors.Validation(r.field, r.field+" is required")
		}
	}
	if err := c.validateSSH(); err != nil {
		return err
	}
	return c.ValidateLogShipping()
}

// ValidateLogShipping checks the log shipment settings.
func (c *Config) ValidateLogShipping() error {
	if c.Logs.Root == "" {
		return apperrors.Validation("logs.root", "logs.root is required")
	}
	if c.Logs.Bucket == "" {
		return apperrors.Validation("logs.bucket", "logs.bucket is required")
	}
	return nil
}

// ValidateReport checks the dataset publishing settings.
func (c *Config) ValidateReport() error {
	if err := validateURL("report.baseUrl", c.Report.BaseURL); err != nil {
		return err
	}
	if c.Report.ProjectID == "" {
		return apperrors.Validation("report.projectId", "report.projectId is required")
	}
	if c.Report.Bucket == "" || c.Report.ResultKey == "" {
		return apperrors.Validation("report.bucket", "report.bucket and report.resultKey are required")
	}
	return nil
}

// ValidateIngest checks the transaction dataset location.
func (c *Config) ValidateIngest() error {
	if c.Ingest.Bucket == "" || c.Ingest.Key == "" {
		return apperrors.Validation("ingest", "ingest.bucket and ingest.key are required")
	}
	return nil
}

func (c *Config) validateSSH() error {
	policy := c.SSH.HostKeyPolicy
	if !slices.Contains(hostKeyPolicies, policy) {
		return apperrors.Validation("ssh.hostKeyPolicy",
			fmt.Sprintf("ssh.hostKeyPolicy must be one of %s, got %q", strings.Join(hostKeyPolicies, ", "), policy))
	}
	if (policy == "strict" || policy == "accept-new") && c.SSH.KnownHostsPath == "" {
		return apperrors.Validation("ssh.knownHostsPath", "ssh.knownHostsPath is required for host key policy "+policy)
	}
	if c.SSH.Port <= 0 || c.SSH.Port > 65535 {
		return apperrors.Validation("ssh.port", fmt.Sprintf("ssh.port out of range: %d", c.SSH.Port))
	}
	return nil
}

func validateURL(field, rawURL string) error {
	if rawURL == "" {
		return apperrors.Validation(field, field+" is required")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return apperrors.Validation(field, fmt.Sprintf("%s is malformed", field))
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return apperrors.Validation(field, fmt.Sprintf("%s scheme must be http or https, got %q", field, parsed.Scheme))
	}
	if parsed.Host == "" {
		return apperrors.Validation(field, fmt.Sprintf("%s must have a host", field))
	}
	return nil
}
