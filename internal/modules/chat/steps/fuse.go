package steps

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/fablemind/fablemind-backend/internal/domain"
)

func wordCount(text string) int {
	return len(strings.Fields(text))
}

// FuseByQuota packs the re-scored candidates under the word budgets:
// narrative results first into their reservation, then direct results into
// whatever remains of the total. Results already in the recent window (or
// already packed) are skipped, as is any result that would overflow its
// bucket.
func FuseByQuota(direct, narrative []ScoredResult, excludeIDs map[string]bool) []ScoredResult {
	sort.SliceStable(narrative, func(i, j int) bool { return narrative[i].Distance < narrative[j].Distance })
	sort.SliceStable(direct, func(i, j int) bool { return direct[i].Distance < direct[j].Distance })

	seen := map[string]bool{}
	for id := range excludeIDs {
		seen[id] = true
	}

	var selected []ScoredResult
	totalWords := 0

	narrativeWords := 0
	for _, r := range narrative {
		if seen[r.MessageID] {
			continue
		}
		w := wordCount(r.Text)
		if narrativeWords+w > narrativeWordBudget || totalWords+w > totalWordBudget {
			continue
		}
		seen[r.MessageID] = true
		narrativeWords += w
		totalWords += w
		selected = append(selected, r)
	}

	for _, r := range direct {
		if seen[r.MessageID] {
			continue
		}
		w := wordCount(r.Text)
		if totalWords+w > totalWordBudget {
			continue
		}
		seen[r.MessageID] = true
		totalWords += w
		selected = append(selected, r)
	}
	return selected
}

// strengthenCoRetrieved records that the selected fatos/conceitos surfaced
// together, feeding the association edges. Best-effort; failures only log.
func strengthenCoRetrieved(ctx context.Context, deps Deps, token string, selected []ScoredResult) {
	var ids []string
	for _, r := range selected {
		if r.Category == domain.CollectionFatos || r.Category == domain.CollectionConceitos {
			ids = append(ids, r.MessageID)
		}
	}
	now := time.Now().UnixMilli()
	for i := 1; i < len(ids); i++ {
		if err := deps.Store.StrengthenAssociation(ctx, token, ids[i-1], ids[i], now); err != nil {
			deps.Log.Debug("association update failed", "chat_token", token, "error", err)
		}
	}
}
