package steps

import (
	"math"
	"testing"

	"github.com/fablemind/fablemind-backend/internal/domain"
)

func scored(id string, coll domain.Collection, distance float64, words string) ScoredResult {
	return ScoredResult{
		Message:  domain.Message{MessageID: id, Text: words},
		Category: coll,
		Distance: distance,
	}
}

func TestRescoreHistoricoNeverImproves(t *testing.T) {
	results := ApplyAdaptiveRescore([]ScoredResult{
		scored("h1", domain.CollectionHistorico, 0.30, "dialogo"),
		scored("h2", domain.CollectionHistorico, 0.95, "dialogo"),
	})
	for _, r := range results {
		if r.Distance < r.OriginalDistance {
			t.Fatalf("%s: historico improved: %v < %v", r.MessageID, r.Distance, r.OriginalDistance)
		}
		want := r.OriginalDistance * historicoPenalty
		if math.Abs(r.Distance-want) > 1e-12 {
			t.Fatalf("%s: penalty: want=%v got=%v", r.MessageID, want, r.Distance)
		}
	}
}

func TestRescoreBoostsRelevantFacts(t *testing.T) {
	results := ApplyAdaptiveRescore([]ScoredResult{
		scored("f-close", domain.CollectionFatos, 0.20, "fato"),
		scored("f-far", domain.CollectionFatos, 0.90, "fato"),
		scored("c-edge", domain.CollectionConceitos, relevanceThreshold, "conceito"),
	})
	byID := map[string]ScoredResult{}
	for _, r := range results {
		byID[r.MessageID] = r
	}

	close := byID["f-close"]
	if close.Distance >= close.OriginalDistance {
		t.Fatalf("relevant fato not boosted: %v >= %v", close.Distance, close.OriginalDistance)
	}
	rel := 1.0 - 0.20/relevanceThreshold
	want := 0.20 * (1.0 - rel*rel*maxBoost)
	if math.Abs(close.Distance-want) > 1e-12 {
		t.Fatalf("boost formula: want=%v got=%v", want, close.Distance)
	}

	if far := byID["f-far"]; far.Distance != far.OriginalDistance {
		t.Fatalf("fato above threshold changed: %v != %v", far.Distance, far.OriginalDistance)
	}
	if edge := byID["c-edge"]; edge.Distance != edge.OriginalDistance {
		t.Fatalf("distance at threshold must be unchanged: %v != %v", edge.Distance, edge.OriginalDistance)
	}
}

func TestRescoreKeepsOriginalDistance(t *testing.T) {
	results := ApplyAdaptiveRescore([]ScoredResult{
		scored("f1", domain.CollectionFatos, 0.35, "fato"),
	})
	if results[0].OriginalDistance != 0.35 {
		t.Fatalf("originalDistance: want=0.35 got=%v", results[0].OriginalDistance)
	}
}
