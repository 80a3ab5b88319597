package routing

import (
	"sort"
	"time"
)

// Strategy carries the scoring coefficients and tolerances a Scheduler uses.
// Grounded in the teacher's RoutingStrategy enum (llm/router.go) but holding
// numeric tuning instead of a strategy-name string.
type Strategy struct {
	Alpha                    float64 // latency penalty weight
	Beta                     float64 // error-rate penalty weight
	Gamma                    float64 // cost-factor penalty weight
	Delta                    float64 // quota-penalty weight
	MinScore                 float64
	LatencyCeilingMs         float64 // fixed ceiling norm(latency) is clamped against; not derived from observed latencies
	StickinessDriftTolerance float64 // fraction of the top score the sticky pick may trail by
}

// DefaultStrategy matches the coefficients used in the spec's worked examples.
func DefaultStrategy() Strategy {
	return Strategy{
		Alpha:                    0.3,
		Beta:                     0.4,
		Gamma:                    0.1,
		Delta:                    0.2,
		MinScore:                 0.01,
		LatencyCeilingMs:         5000,
		StickinessDriftTolerance: 0.1,
	}
}

// Metrics is the subset of RoutingMetrics the scorer consumes.
type Metrics struct {
	LatencyP95Ms float64
	LatencyP99Ms float64
	ErrorRate    float64
	SuccessQPS1m float64
	Status       string // healthy | degraded | down
}

// MetricsSource resolves live RoutingMetrics for one (provider, logical model).
type MetricsSource interface {
	Get(providerID, logicalID string) (Metrics, bool)
}

// DynamicWeightSource resolves a provider's dynamic weight multiplier,
// defaulting to 1.0 when absent.
type DynamicWeightSource interface {
	Get(providerID string) float64
}

// KeyAvailability reports whether a provider currently has at least one
// non-backed-off API key, per the key pool.
type KeyAvailability interface {
	Available(providerID string) bool
}

// Session is the sticky conversation binding consulted by Choose.
type Session struct {
	ConversationID  string
	LogicalModel    string
	ProviderID      string
	UpstreamModelID string
	LastAccessed    time.Time
}

// ScoredUpstream pairs one candidate with its computed score.
type ScoredUpstream struct {
	Upstream PhysicalUpstream
	Score    float64
	Metrics  Metrics
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func norm(value, ceiling float64) float64 {
	if ceiling <= 0 {
		return 0
	}
	return clamp01(value / ceiling)
}

// score computes raw = base_weight * dynamic_weight * (1-α·norm(latency))
// * (1-β·error_rate) * (1-γ·cost_factor) * (1-δ·quota_penalty), floored at
// min_score. cost_factor and quota_penalty have no dedicated data source in
// the spec's data model beyond max_qps vs observed qps, so quota_penalty is
// derived from success_qps_1m/max_qps and cost_factor defaults to 0 (no
// per-call cost signal is modeled) — see DESIGN.md's Open Question log.
func score(u PhysicalUpstream, m Metrics, dynWeight float64, strat Strategy) float64 {
	quotaPenalty := 0.0
	if u.MaxQPS > 0 {
		quotaPenalty = clamp01(m.SuccessQPS1m / u.MaxQPS)
	}
	costFactor := 0.0

	raw := u.BaseWeight * dynWeight *
		(1 - strat.Alpha*norm(m.LatencyP95Ms, strat.LatencyCeilingMs)) *
		(1 - strat.Beta*clamp01(m.ErrorRate)) *
		(1 - strat.Gamma*costFactor) *
		(1 - strat.Delta*quotaPenalty)

	if raw < strat.MinScore {
		return strat.MinScore
	}
	return raw
}

// Choose ranks logical.Upstreams and returns the selected candidate plus the
// full score-descending list ("scored_list"). Candidates whose provider has
// status=down or no available key score 0 and are excluded entirely.
func Choose(logical *LogicalModel, metrics MetricsSource, dynWeights DynamicWeightSource, keys KeyAvailability, strategy Strategy, session *Session) (PhysicalUpstream, []ScoredUpstream, error) {
	scored := make([]ScoredUpstream, 0, len(logical.Upstreams))

	for _, u := range logical.Upstreams {
		if keys != nil && !keys.Available(u.ProviderID) {
			continue
		}

		m, _ := metrics.Get(u.ProviderID, logical.LogicalID)
		if m.Status == "down" {
			continue
		}

		dw := 1.0
		if dynWeights != nil {
			if w := dynWeights.Get(u.ProviderID); w > 0 {
				dw = w
			}
		}

		scored = append(scored, ScoredUpstream{
			Upstream: u,
			Score:    score(u, m, dw, strategy),
			Metrics:  m,
		})
	}

	if len(scored) == 0 {
		return PhysicalUpstream{}, nil, ErrModelNotAvailable
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		if scored[i].Metrics.LatencyP99Ms != scored[j].Metrics.LatencyP99Ms {
			return scored[i].Metrics.LatencyP99Ms < scored[j].Metrics.LatencyP99Ms
		}
		return scored[i].Upstream.ProviderID < scored[j].Upstream.ProviderID
	})

	selected := scored[0].Upstream

	if session != nil && session.ProviderID != "" {
		for _, s := range scored {
			if s.Upstream.ProviderID != session.ProviderID || s.Upstream.UpstreamModelID != session.UpstreamModelID {
				continue
			}
			if s.Score <= 0 {
				break
			}
			topScore := scored[0].Score
			if topScore <= 0 || (topScore-s.Score)/topScore <= strategy.StickinessDriftTolerance {
				selected = s.Upstream
			}
			break
		}
	}

	return selected, buildOrderedCandidates(selected, scored), nil
}

// buildOrderedCandidates re-inserts `selected` at the head of the
// score-descending list and drops its duplicate elsewhere — the order the
// candidate-retry loop attempts upstreams in.
func buildOrderedCandidates(selected PhysicalUpstream, scored []ScoredUpstream) []ScoredUpstream {
	ordered := make([]ScoredUpstream, 0, len(scored))
	var head ScoredUpstream
	for _, s := range scored {
		if s.Upstream.ProviderID == selected.ProviderID && s.Upstream.UpstreamModelID == selected.UpstreamModelID {
			head = s
			continue
		}
		ordered = append(ordered, s)
	}
	return append([]ScoredUpstream{head}, ordered...)
}
