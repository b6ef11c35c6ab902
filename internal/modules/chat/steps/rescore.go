package steps

import "github.com/fablemind/fablemind-backend/internal/domain"

// Adaptive re-scoring constants. Historico gets a small fixed penalty so raw
// dialogue only wins when it is very close; strongly-relevant fatos and
// conceitos get a quadratic boost that grows as distance approaches zero.
const (
	historicoPenalty   = 1.016
	relevanceThreshold = 0.7
	maxBoost           = 0.62
)

// ApplyAdaptiveRescore mutates distances in place and returns the slice.
// OriginalDistance is kept for the display debug info.
func ApplyAdaptiveRescore(results []ScoredResult) []ScoredResult {
	for i := range results {
		r := &results[i]
		r.OriginalDistance = r.Distance
		switch r.Category {
		case domain.CollectionHistorico:
			r.Distance *= historicoPenalty
		case domain.CollectionFatos, domain.CollectionConceitos:
			if r.Distance < relevanceThreshold {
				rel := 1.0 - r.Distance/relevanceThreshold
				boost := rel * rel * maxBoost
				r.Distance *= 1.0 - boost
			}
		}
	}
	return results
}
