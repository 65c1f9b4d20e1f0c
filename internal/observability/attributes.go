// Package observability provides the service's OpenTelemetry metrics.
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
	attrKind    = "kind"
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
	return attribute.String(attrStatus, fmt.Sprintf("%dxx", code/100))
}

func kindAttr(outcome string) attribute.KeyValue {
	return attribute.String(attrKind, outcome)
}

func successAttr(success bool) attribute.KeyValue {
	return attribute.Bool(attrSuccess, success)
}

// normalizePath replaces job ids and artifact names with placeholders so each
// route is one series.
func normalizePath(path string) string {
	const (
		jobsPrefix    = "/api/jobs/"
		rastersPrefix = "/api/rasters/"
	)
	switch {
	case strings.HasPrefix(path, jobsPrefix) && len(path) > len(jobsPrefix):
		return "/api/jobs/{jobId}"
	case strings.HasPrefix(path, rastersPrefix) && len(path) > len(rastersPrefix):
		if strings.Contains(path[len(rastersPrefix):], "/") {
			return "/api/rasters/{jobId}/{filename}"
		}
		return "/api/rasters/{jobId}"
	}
	return path
}
