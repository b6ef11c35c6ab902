package vecstore

import (
	"context"
	"math"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/fablemind/fablemind-backend/internal/domain"
)

// SearchResult is one kNN hit. Distance is cosine distance (smaller = more
// similar); a zero-vector record scores the worst possible distance.
type SearchResult struct {
	domain.Message
	Distance float64 `json:"_distance"`
}

// CrossChatResult annotates a hit with the chat it came from and the derived
// relevance score 1/(1+distance).
type CrossChatResult struct {
	SearchResult
	ChatToken      string            `json:"chatToken"`
	Collection     domain.Collection `json:"collection"`
	RelevanceScore float64           `json:"relevanceScore"`
}

// SearchByVector returns the top-k records of one collection by cosine
// distance. A missing table returns an empty slice, not an error.
func (s *Store) SearchByVector(ctx context.Context, token string, coll domain.Collection, queryVec []float32, k int) ([]SearchResult, error) {
	if k <= 0 {
		k = 10
	}
	all, err := s.GetAllRecords(ctx, token, coll)
	if err != nil {
		return nil, err
	}
	results := make([]SearchResult, 0, len(all))
	for i := range all {
		results = append(results, SearchResult{
			Message:  all[i],
			Distance: cosineDistance(queryVec, all[i].Vector),
		})
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Distance == results[j].Distance {
			return results[i].MessageID < results[j].MessageID
		}
		return results[i].Distance < results[j].Distance
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// SearchAcrossChats fans out over many chats and collections in parallel,
// merging results sorted by relevance.
func (s *Store) SearchAcrossChats(ctx context.Context, tokens []string, colls []domain.Collection, queryVec []float32, kPerChat int) ([]CrossChatResult, error) {
	if kPerChat <= 0 {
		kPerChat = 5
	}
	if len(colls) == 0 {
		colls = domain.AllCollections()
	}

	var (
		mu     sync.Mutex
		merged []CrossChatResult
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, token := range tokens {
		for _, coll := range colls {
			token, coll := token, coll
			g.Go(func() error {
				hits, err := s.SearchByVector(gctx, token, coll, queryVec, kPerChat)
				if err != nil {
					// Per-chat sub-failures degrade to partial results.
					s.log.Warn("cross-chat search failed for collection",
						"chat_token", token, "collection", coll, "error", err)
					return nil
				}
				if len(hits) == 0 {
					return nil
				}
				out := make([]CrossChatResult, 0, len(hits))
				for _, h := range hits {
					out = append(out, CrossChatResult{
						SearchResult:   h,
						ChatToken:      token,
						Collection:     coll,
						RelevanceScore: 1.0 / (1.0 + h.Distance),
					})
				}
				mu.Lock()
				merged = append(merged, out...)
				mu.Unlock()
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].RelevanceScore == merged[j].RelevanceScore {
			return merged[i].MessageID < merged[j].MessageID
		}
		return merged[i].RelevanceScore > merged[j].RelevanceScore
	})
	return merged, nil
}

// cosineDistance is 1 - cosine similarity, clamped to [0, 2]. Any zero
// vector (query or record) yields the maximum useful distance 1.0 so the
// repair sentinel can never outrank a real embedding.
func cosineDistance(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 1.0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 1.0
	}
	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	d := 1.0 - sim
	if d < 0 {
		return 0
	}
	if d > 2 {
		return 2
	}
	return d
}
