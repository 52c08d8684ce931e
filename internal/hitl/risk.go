package hitl

import (
	"context"
	"math"
	"strings"

	"github.com/taskflow/taskflow/internal/types"
)

// riskTierWeight/qaVerdictWeight realize spec §4.5's two enumerated
// weight tables.
func riskTierWeight(tier types.RiskTier) int {
	switch tier {
	case types.RiskHigh:
		return 5
	case types.RiskMedium:
		return 2
	default:
		return 0
	}
}

func qaVerdictWeight(v types.QAVerdict) int {
	switch v {
	case types.QAVerdictBlocker:
		return 5
	case types.QAVerdictMajor:
		return 2
	default:
		return 0
	}
}

// infraKeywords/productionKeywords classify a task's declared artifact
// paths (ExpectedArtifacts). Task definitions (spec §3) carry no explicit
// "touches infrastructure"/"touches production" flags, so this is an
// adaptation: path-name conventions (infra/, deploy/, secrets/, prod/)
// stand in for the spec's undefined signal, documented as an Open
// Question resolution in DESIGN.md.
var infraKeywords = []string{"infra/", "deploy/", "secret", "credential", "terraform/", "k8s/"}
var productionKeywords = []string{"prod/", "production/", "prod-"}

func touchesAny(paths []string, keywords []string) bool {
	for _, p := range paths {
		lower := strings.ToLower(p)
		for _, kw := range keywords {
			if strings.Contains(lower, kw) {
				return true
			}
		}
	}
	return false
}

func touchesInfraOrCredentials(t *types.Task) bool {
	if t.Owner == types.RoleTechnicalLead {
		return true
	}
	return touchesAny(t.ExpectedArtifacts, infraKeywords)
}

func touchesProduction(t *types.Task) bool {
	return touchesAny(t.ExpectedArtifacts, productionKeywords)
}

// historicalFailureWeight maps a [0,1] failure rate onto the spec's
// declared 0-3 point range.
func historicalFailureWeight(rate float64) int {
	return int(math.Round(rate * 3))
}

// riskFactors is the breakdown backing an audit-friendly ReviewItem;
// score is the sum of its values.
type riskFactors map[string]int

func (f riskFactors) total() int {
	sum := 0
	for _, v := range f {
		sum += v
	}
	return sum
}

// scoreTask computes the spec §4.5 weighted risk score for t, querying
// history for the historical-failure-rate term.
func (e *Engine) scoreTask(ctx context.Context, t *types.Task) (int, riskFactors) {
	factors := riskFactors{
		"risk_tier":  riskTierWeight(t.RiskTier),
		"qa_verdict": qaVerdictWeight(t.QAVerdict),
	}
	if touchesInfraOrCredentials(t) {
		factors["infra_credentials"] = 3
	}
	if touchesProduction(t) {
		factors["production_writes"] = 4
	}

	rate := 0.0
	if e.history != nil {
		if r, err := e.history.FailureRate(ctx, t.ID, e.cfg.FailureRateHalfLife); err == nil {
			rate = r
		}
	}
	if w := historicalFailureWeight(rate); w > 0 {
		factors["historical_failure_rate"] = w
	}

	return factors.total(), factors
}
