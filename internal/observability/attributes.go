// Package observability provides the Prometheus-backed OpenTelemetry metrics for the pipeline.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrMethod  = "method"
	attrPath    = "path"
	attrStatus  = "status"
	attrJob     = "job"
	attrStage   = "stage"
	attrSuccess = "success"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	group := fmt.Sprintf("%dxx", code/100)
	return attribute.String(attrStatus, group)
}

func jobAttr(job string) attribute.KeyValue {
	return attribute.String(attrJob, job)
}

func stageAttr(stage string) attribute.KeyValue {
	return attribute.String(attrStage, stage)
}

func successAttr(success bool) attribute.KeyValue {
	return attribute.Bool(attrSuccess, success)
}

// normalizePath replaces run IDs with a placeholder to bound cardinality.
func normalizePath(path string) string {
	const prefix = "/v1/runs/"
	if len(path) > len(prefix) && strings.HasPrefix(path, prefix) {
		return "/v1/runs/{runId}"
	}
	return path
}
