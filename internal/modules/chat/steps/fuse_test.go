package steps

import (
	"fmt"
	"strings"
	"testing"

	"github.com/fablemind/fablemind-backend/internal/domain"
)

func textOfWords(n int) string {
	words := make([]string, n)
	for i := range words {
		words[i] = fmt.Sprintf("palavra%d", i)
	}
	return strings.Join(words, " ")
}

func TestFuseRespectsBudgets(t *testing.T) {
	var narrative, direct []ScoredResult
	for i := 0; i < 10; i++ {
		narrative = append(narrative, scored(fmt.Sprintf("n%d", i), domain.CollectionConceitos, 0.1+float64(i)*0.01, textOfWords(400)))
	}
	for i := 0; i < 30; i++ {
		direct = append(direct, scored(fmt.Sprintf("d%d", i), domain.CollectionFatos, 0.1+float64(i)*0.01, textOfWords(400)))
	}

	selected := FuseByQuota(direct, narrative, nil)

	total, narrativeWords := 0, 0
	for _, r := range selected {
		w := wordCount(r.Text)
		total += w
		if strings.HasPrefix(r.MessageID, "n") {
			narrativeWords += w
		}
	}
	if total > totalWordBudget {
		t.Fatalf("total words: %d > budget %d", total, totalWordBudget)
	}
	if narrativeWords > narrativeWordBudget {
		t.Fatalf("narrative words: %d > reservation %d", narrativeWords, narrativeWordBudget)
	}
	if narrativeWords == 0 {
		t.Fatalf("narrative reservation unused")
	}
}

func TestFusePrefersCloserResults(t *testing.T) {
	direct := []ScoredResult{
		scored("far", domain.CollectionFatos, 0.9, textOfWords(3000)),
		scored("close", domain.CollectionFatos, 0.1, textOfWords(3000)),
	}
	selected := FuseByQuota(direct, nil, nil)
	if len(selected) != 1 || selected[0].MessageID != "close" {
		t.Fatalf("expected only the closer result, got %+v", ids(selected))
	}
}

func TestFuseSkipsExcludedAndDuplicateIDs(t *testing.T) {
	direct := []ScoredResult{
		scored("a", domain.CollectionFatos, 0.1, "um fato"),
		scored("a", domain.CollectionFatos, 0.2, "um fato repetido"),
		scored("b", domain.CollectionFatos, 0.3, "outro fato"),
	}
	narrative := []ScoredResult{
		scored("b", domain.CollectionConceitos, 0.1, "outro fato vindo da narrativa"),
	}
	selected := FuseByQuota(direct, narrative, map[string]bool{"a": true})

	got := ids(selected)
	if len(got) != 1 || got[0] != "b" {
		t.Fatalf("want only b, got %v", got)
	}
}

func TestFuseSkipsOverBudgetButKeepsPacking(t *testing.T) {
	direct := []ScoredResult{
		scored("big", domain.CollectionFatos, 0.1, textOfWords(totalWordBudget+10)),
		scored("small", domain.CollectionFatos, 0.2, "cabe no orçamento"),
	}
	selected := FuseByQuota(direct, nil, nil)
	got := ids(selected)
	if len(got) != 1 || got[0] != "small" {
		t.Fatalf("want only small, got %v", got)
	}
}

func ids(results []ScoredResult) []string {
	out := make([]string, 0, len(results))
	for _, r := range results {
		out = append(out, r.MessageID)
	}
	return out
}
