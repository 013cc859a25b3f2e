package balancer

import (
	"math"

	"castellan/core"
)

// minWeight keeps every selectable instance reachable by weighted strategies
const minWeight = 0.01

// degradedPenalty scales the weight of Degraded instances
const degradedPenalty = 0.5

// InstanceWeight derives a load-balancing weight from reported metrics and
// balancer feedback. Capacity sets the base; health, error rate, CPU pressure,
// latency and feedback success rate scale it down.
func InstanceWeight(inst *core.PipelineInstance, successRate float64) float64 {
	base := float64(inst.Capacity)
	if base <= 0 {
		base = 1
	}

	w := base
	if inst.Status == core.HealthDegraded {
		w *= degradedPenalty
	}
	w *= 1 - clamp01(inst.Metrics.ErrorRate)
	w *= 1 - 0.5*clamp01(inst.Metrics.CPUUsage)
	if lat := inst.Metrics.AvgLatency.Seconds(); lat > 0 {
		w /= 1 + lat
	}
	w *= clamp01(successRate)

	if math.IsNaN(w) || w < minWeight {
		return minWeight
	}
	return w
}
