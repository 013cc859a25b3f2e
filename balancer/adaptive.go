package balancer

import (
	"fmt"
	"time"

	"castellan/core"
)

// AdaptiveWeights sets how much each signal contributes to the adaptive score
type AdaptiveWeights struct {
	Weight      float64 `mapstructure:"weight"`
	Headroom    float64 `mapstructure:"headroom"`
	Latency     float64 `mapstructure:"latency"`
	Reliability float64 `mapstructure:"reliability"`
}

// DefaultAdaptiveWeights favours headroom so work spreads, then reliability
func DefaultAdaptiveWeights() AdaptiveWeights {
	return AdaptiveWeights{Weight: 0.2, Headroom: 0.4, Latency: 0.15, Reliability: 0.25}
}

// adaptive composes the signals the other strategies use, each normalised to
// [0,1] across the candidate set, and picks the highest score.
type adaptive struct {
	rotor
	w AdaptiveWeights
}

func newAdaptive(w AdaptiveWeights) *adaptive {
	return &adaptive{w: w}
}

func (a *adaptive) Name() string { return StrategyAdaptive }

func (a *adaptive) Select(_ *core.LogEvent, candidates []Candidate) (int, string) {
	var maxWeight float64
	var maxLatency time.Duration
	for _, c := range candidates {
		if c.Weight > maxWeight {
			maxWeight = c.Weight
		}
		if c.Latency > maxLatency {
			maxLatency = c.Latency
		}
	}

	scores := make([]float64, len(candidates))
	parts := make([][4]float64, len(candidates))
	for i, c := range candidates {
		parts[i] = [4]float64{
			normalize(c.Weight, maxWeight),
			headroom(c),
			1 - normalize(float64(c.Latency), float64(maxLatency)),
			c.SuccessRate,
		}
		p := parts[i]
		scores[i] = a.w.Weight*p[0] + a.w.Headroom*p[1] + a.w.Latency*p[2] + a.w.Reliability*p[3]
	}
	best := a.best(len(candidates), func(i, j int) bool { return scores[i] > scores[j] })
	bestScore, bestParts := scores[best], parts[best]
	return best, fmt.Sprintf("adaptive score %.3f (weight %.2f, headroom %.2f, latency %.2f, reliability %.2f)",
		bestScore, bestParts[0], bestParts[1], bestParts[2], bestParts[3])
}

func normalize(v, max float64) float64 {
	if max <= 0 {
		return 1
	}
	return clamp01(v / max)
}

// headroom is the free share of capacity. Instances without a declared
// capacity are judged by connection count alone.
func headroom(c Candidate) float64 {
	if c.Instance.Capacity <= 0 {
		return 1 / float64(1+c.connections())
	}
	return clamp01(float64(c.freeCapacity()) / float64(c.Instance.Capacity))
}
