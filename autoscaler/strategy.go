package autoscaler

import (
	"fmt"
	"strings"

	"github.com/itsneelabh/gomind-cluster/core"
)

// Strategy names the metric a decision is based on.
type Strategy string

const (
	CPUBased          Strategy = "cpu"
	MemoryBased       Strategy = "memory"
	ResponseTimeBased Strategy = "response_time"
	QueueBased        Strategy = "queue"
	Hybrid            Strategy = "hybrid"
	Custom            Strategy = "custom"
)

// DecideFunc proposes a scaling direction for the Custom strategy. Bounds and
// cooldowns are applied by the AutoScaler afterwards.
type DecideFunc func(metrics PerformanceMetrics, cfg core.AutoscalerConfig) (Action, string)

// ParseStrategy maps a configuration value to a Strategy. Empty selects CPUBased.
func ParseStrategy(s string) (Strategy, error) {
	norm := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
	switch norm {
	case "", "cpu_based", string(CPUBased):
		return CPUBased, nil
	case "memory_based", string(MemoryBased):
		return MemoryBased, nil
	case "responsetime", "response_time_based", string(ResponseTimeBased):
		return ResponseTimeBased, nil
	case "queue_based", string(QueueBased):
		return QueueBased, nil
	case string(Hybrid):
		return Hybrid, nil
	case "custom_metrics", string(Custom):
		return Custom, nil
	}
	return "", &core.ClusterError{
		Op:      "autoscaler.ParseStrategy",
		Kind:    core.KindConfig,
		ID:      s,
		Message: fmt.Sprintf("unknown scaling strategy %q", s),
		Err:     core.ErrInvalidConfiguration,
	}
}

func thresholdDecision(name string, value, up, down float64) (Action, string) {
	switch {
	case value > up:
		return ScaleUp, fmt.Sprintf("%s %.2f above %.2f", name, value, up)
	case value < down:
		return ScaleDown, fmt.Sprintf("%s %.2f below %.2f", name, value, down)
	}
	return NoAction, ""
}

func decideCPU(m PerformanceMetrics, cfg core.AutoscalerConfig) (Action, string) {
	return thresholdDecision("cpu usage", m.CPUUsage, cfg.ScaleUpThreshold, cfg.ScaleDownThreshold)
}

func decideMemory(m PerformanceMetrics, cfg core.AutoscalerConfig) (Action, string) {
	return thresholdDecision("memory usage", m.MemoryUsage, cfg.ScaleUpThreshold, cfg.ScaleDownThreshold)
}

// decideResponseTime reads the scale-up threshold as seconds; the scale-down
// threshold is a fraction of it.
func decideResponseTime(m PerformanceMetrics, cfg core.AutoscalerConfig) (Action, string) {
	limit := cfg.ScaleUpThreshold * 1000
	return thresholdDecision("avg response time ms", m.AvgResponseTimeMs, limit, limit*cfg.ScaleDownThreshold)
}

// decideQueue reads the scale-up threshold in hundreds of queued messages.
func decideQueue(m PerformanceMetrics, cfg core.AutoscalerConfig) (Action, string) {
	limit := cfg.ScaleUpThreshold * 100
	return thresholdDecision("queue length", float64(m.QueueLength), limit, limit*cfg.ScaleDownThreshold)
}

// decideHybrid scores each signal and acts when one direction scores above 0.5.
// Weights: cpu 0.3, memory 0.2, response time 0.3, error rate 0.2.
func decideHybrid(m PerformanceMetrics, cfg core.AutoscalerConfig) (Action, string) {
	var up, down float64

	vote := func(weight float64, action Action) {
		switch action {
		case ScaleUp:
			up += weight
		case ScaleDown:
			down += weight
		}
	}

	cpu, _ := decideCPU(m, cfg)
	vote(0.3, cpu)
	memory, _ := decideMemory(m, cfg)
	vote(0.2, memory)
	rt, _ := decideResponseTime(m, cfg)
	vote(0.3, rt)
	errs, _ := thresholdDecision("error rate", m.ErrorRate, 0.05, 0.01)
	vote(0.2, errs)

	switch {
	case up > 0.5:
		return ScaleUp, fmt.Sprintf("hybrid score %.2f favours scaling up", up)
	case down > 0.5:
		return ScaleDown, fmt.Sprintf("hybrid score %.2f favours scaling down", down)
	}
	return NoAction, ""
}

// confidence starts at 0.5 and grows with how extreme the metrics are.
// Holding still is always fully confident.
func confidence(m PerformanceMetrics, action Action) float64 {
	c := 0.5
	switch action {
	case ScaleUp:
		if m.CPUUsage > 0.8 || m.MemoryUsage > 0.8 || m.AvgResponseTimeMs > 2000 {
			c += 0.3
		}
		if m.ErrorRate > 0.1 {
			c += 0.2
		}
	case ScaleDown:
		if m.CPUUsage < 0.2 && m.MemoryUsage < 0.2 && m.AvgResponseTimeMs < 100 {
			c += 0.3
		}
		if m.ErrorRate < 0.01 {
			c += 0.2
		}
	default:
		return 1
	}
	if c > 1 {
		c = 1
	}
	return c
}
