// Package perf analyzes performance samples against fixed thresholds and
// produces prioritized optimization recommendations.
package perf

import (
	"fmt"

	"github.com/godotai/bridge/ops"
)

// Thresholds for the analyzer. Values between the warning and critical
// bounds produce warnings; values past the critical bound produce issues.
const (
	FPSMin           = 30.0
	FPSWarning       = 45.0
	DrawCallsMax     = 5000
	DrawCallsWarning = 3000
	NodeCountMax     = 2000
	NodeCountWarning = 1500
	MemoryMaxMB      = 512.0
)

// Finding is one out-of-bounds metric.
type Finding struct {
	Metric    string  `json:"metric"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
	Message   string  `json:"message"`
}

// Recommendation is one actionable optimization suggestion.
type Recommendation struct {
	Priority string `json:"priority"`
	Area     string `json:"area"`
	Message  string `json:"message"`
}

// Analysis is the outcome of analyzing one sample.
type Analysis struct {
	Status          string           `json:"status"` // ok, warning, or critical
	Issues          []Finding        `json:"issues"`
	Warnings        []Finding        `json:"warnings"`
	Recommendations []Recommendation `json:"recommendations"`
}

// Analyze checks a sample against the thresholds.
func Analyze(s ops.Sample) Analysis {
	a := Analysis{Status: "ok"}

	if s.FPS < FPSMin {
		a.issue("fps", s.FPS, FPSMin, fmt.Sprintf("Critical FPS: %.1f", s.FPS))
	} else if s.FPS < FPSWarning {
		a.warn("fps", s.FPS, FPSWarning, fmt.Sprintf("Low FPS: %.1f", s.FPS))
	}

	if s.DrawCalls > DrawCallsMax {
		a.issue("draw_calls", float64(s.DrawCalls), DrawCallsMax,
			fmt.Sprintf("Critical draw calls: %d", s.DrawCalls))
	} else if s.DrawCalls > DrawCallsWarning {
		a.warn("draw_calls", float64(s.DrawCalls), DrawCallsWarning,
			fmt.Sprintf("High draw calls: %d", s.DrawCalls))
	}

	if s.NodeCount > NodeCountMax {
		a.issue("node_count", float64(s.NodeCount), NodeCountMax,
			fmt.Sprintf("Critical node count: %d", s.NodeCount))
	} else if s.NodeCount > NodeCountWarning {
		a.warn("node_count", float64(s.NodeCount), NodeCountWarning,
			fmt.Sprintf("High node count: %d", s.NodeCount))
	}

	if s.MemoryUsageMB > MemoryMaxMB {
		a.issue("memory_usage_mb", s.MemoryUsageMB, MemoryMaxMB,
			fmt.Sprintf("Critical memory usage: %.1f MiB", s.MemoryUsageMB))
	}

	a.Recommendations = recommendations(a)
	return a
}

func (a *Analysis) issue(metric string, value, threshold float64, msg string) {
	a.Status = "critical"
	a.Issues = append(a.Issues, Finding{metric, value, threshold, msg})
}

func (a *Analysis) warn(metric string, value, threshold float64, msg string) {
	if a.Status == "ok" {
		a.Status = "warning"
	}
	a.Warnings = append(a.Warnings, Finding{metric, value, threshold, msg})
}

var issueAdvice = map[string]string{
	"fps":             "Reduce shader complexity, implement LOD, enable occlusion culling",
	"draw_calls":      "Use MultiMeshInstance, enable GPU instancing, combine static meshes",
	"node_count":      "Merge static geometry, implement object pooling",
	"memory_usage_mb": "Unload unused resources, stream large assets",
}

func recommendations(a Analysis) []Recommendation {
	var out []Recommendation
	for _, issue := range a.Issues {
		if advice, ok := issueAdvice[issue.Metric]; ok {
			out = append(out, Recommendation{Priority: "high", Area: issue.Metric, Message: advice})
		}
	}
	for _, warning := range a.Warnings {
		out = append(out, Recommendation{
			Priority: "medium",
			Area:     warning.Metric,
			Message:  fmt.Sprintf("Monitor %s - current: %g", warning.Metric, warning.Value),
		})
	}
	return out
}

// Map renders the analysis as a wire-friendly mapping.
func (a Analysis) Map() map[string]interface{} {
	issues := make([]interface{}, 0, len(a.Issues))
	for _, f := range a.Issues {
		issues = append(issues, findingMap(f))
	}
	warnings := make([]interface{}, 0, len(a.Warnings))
	for _, f := range a.Warnings {
		warnings = append(warnings, findingMap(f))
	}
	recs := make([]interface{}, 0, len(a.Recommendations))
	for _, r := range a.Recommendations {
		recs = append(recs, map[string]interface{}{
			"priority": r.Priority,
			"area":     r.Area,
			"message":  r.Message,
		})
	}
	return map[string]interface{}{
		"status":          a.Status,
		"issues":          issues,
		"warnings":        warnings,
		"recommendations": recs,
	}
}

func findingMap(f Finding) map[string]interface{} {
	return map[string]interface{}{
		"metric":    f.Metric,
		"value":     f.Value,
		"threshold": f.Threshold,
		"message":   f.Message,
	}
}
