package autoscaler

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/itsneelabh/gomind-cluster/state"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// LoadFromSnapshot derives load from the agent count of a snapshot:
// cpu = agents/10 and memory = agents/15, both capped at 1; response time
// is 200ms above 5 agents and 100ms otherwise; throughput is 100 per agent;
// error rate is 5% above 8 agents and 1% otherwise. Queue length is not
// derivable and stays zero.
func LoadFromSnapshot(s state.Snapshot) PerformanceMetrics {
	agents := float64(s.AgentCount)

	m := PerformanceMetrics{
		CPUUsage:          math.Min(agents/10, 1),
		MemoryUsage:       math.Min(agents/15, 1),
		AvgResponseTimeMs: 100,
		Throughput:        agents * 100,
		ErrorRate:         0.01,
	}
	if agents > 5 {
		m.AvgResponseTimeMs = 200
	}
	if agents > 8 {
		m.ErrorRate = 0.05
	}
	return m
}

// HostSample is the utilisation of the machine running the control plane.
type HostSample struct {
	CPUUsage    float64
	MemoryUsage float64
}

// HostSampler reads host utilisation.
type HostSampler interface {
	Sample(ctx context.Context) (HostSample, error)
}

// SystemSampler reads host CPU and memory through gopsutil.
type SystemSampler struct{}

func (SystemSampler) Sample(ctx context.Context) (HostSample, error) {
	cpuPercent, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return HostSample{}, fmt.Errorf("failed to get CPU usage: %w", err)
	}
	memInfo, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return HostSample{}, fmt.Errorf("failed to get memory info: %w", err)
	}

	var sample HostSample
	if len(cpuPercent) > 0 {
		sample.CPUUsage = cpuPercent[0] / 100
	}
	if memInfo != nil {
		sample.MemoryUsage = memInfo.UsedPercent / 100
	}
	return sample, nil
}

// blendHost keeps the higher of the derived and the measured utilisation.
func blendHost(m PerformanceMetrics, h HostSample) PerformanceMetrics {
	m.CPUUsage = math.Max(m.CPUUsage, clamp01(h.CPUUsage))
	m.MemoryUsage = math.Max(m.MemoryUsage, clamp01(h.MemoryUsage))
	return m
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(v, 1))
}

type sample struct {
	at      time.Time
	metrics PerformanceMetrics
}

// average returns the field-wise mean of the samples. Custom metrics are
// averaged over the samples that carry them.
func average(samples []sample) PerformanceMetrics {
	if len(samples) == 0 {
		return PerformanceMetrics{}
	}

	var out PerformanceMetrics
	var queue float64
	customSum := map[string]float64{}
	customCount := map[string]int{}

	for _, s := range samples {
		m := s.metrics
		out.CPUUsage += m.CPUUsage
		out.MemoryUsage += m.MemoryUsage
		out.AvgResponseTimeMs += m.AvgResponseTimeMs
		out.ErrorRate += m.ErrorRate
		out.Throughput += m.Throughput
		queue += float64(m.QueueLength)
		for k, v := range m.Custom {
			customSum[k] += v
			customCount[k]++
		}
	}

	n := float64(len(samples))
	out.CPUUsage /= n
	out.MemoryUsage /= n
	out.AvgResponseTimeMs /= n
	out.ErrorRate /= n
	out.Throughput /= n
	out.QueueLength = int(math.Round(queue / n))
	if len(customSum) > 0 {
		out.Custom = make(map[string]float64, len(customSum))
		for k, sum := range customSum {
			out.Custom[k] = sum / float64(customCount[k])
		}
	}
	out.CollectedAt = samples[len(samples)-1].at
	return out
}
