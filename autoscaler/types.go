// Package autoscaler turns cluster load into scaling decisions.
//
// Metrics are folded into a rolling window bounded by the configured
// evaluation window. A decision compares the window average against the
// scale-up and scale-down thresholds of the configured strategy, clamps the
// proposed instance count into [min, max] and suppresses actions of a
// direction whose cooldown, counted from the last executed action of that
// direction, has not elapsed.
package autoscaler

import (
	"time"
)

// Action is the kind of scaling step a decision proposes.
type Action string

const (
	NoAction  Action = "no_action"
	ScaleUp   Action = "scale_up"
	ScaleDown Action = "scale_down"
)

// PerformanceMetrics is one observation of cluster load. Usage values are
// fractions in [0, 1].
type PerformanceMetrics struct {
	CPUUsage          float64            `json:"cpu_usage"`
	MemoryUsage       float64            `json:"memory_usage"`
	AvgResponseTimeMs float64            `json:"avg_response_time_ms"`
	QueueLength       int                `json:"queue_length"`
	ErrorRate         float64            `json:"error_rate"`
	Throughput        float64            `json:"throughput"`
	Custom            map[string]float64 `json:"custom,omitempty"`
	CollectedAt       time.Time          `json:"collected_at"`
}

func (m PerformanceMetrics) clone() PerformanceMetrics {
	if m.Custom != nil {
		custom := make(map[string]float64, len(m.Custom))
		for k, v := range m.Custom {
			custom[k] = v
		}
		m.Custom = custom
	}
	return m
}

// asMap flattens the metrics for recording alongside a decision.
func (m PerformanceMetrics) asMap() map[string]float64 {
	out := map[string]float64{
		"cpu_usage":            m.CPUUsage,
		"memory_usage":         m.MemoryUsage,
		"avg_response_time_ms": m.AvgResponseTimeMs,
		"queue_length":         float64(m.QueueLength),
		"error_rate":           m.ErrorRate,
		"throughput":           m.Throughput,
	}
	for k, v := range m.Custom {
		out["custom."+k] = v
	}
	return out
}

// ScalingDecision is the outcome of one evaluation.
type ScalingDecision struct {
	Timestamp        time.Time          `json:"timestamp"`
	CurrentInstances int                `json:"current_instances"`
	Action           Action             `json:"action"`
	TargetInstances  int                `json:"target_instances"`
	Reason           string             `json:"reason,omitempty"`
	Confidence       float64            `json:"confidence"`
	Metrics          map[string]float64 `json:"metrics"`
}

// ScalingHistory records one executed scaling action.
type ScalingHistory struct {
	Timestamp       time.Time `json:"timestamp"`
	Action          Action    `json:"action"`
	Reason          string    `json:"reason,omitempty"`
	BeforeInstances int       `json:"before_instances"`
	AfterInstances  int       `json:"after_instances"`
	Success         bool      `json:"success"`
	Error           string    `json:"error,omitempty"`
}
