package steps

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/fablemind/fablemind-backend/internal/domain"
	"github.com/fablemind/fablemind-backend/internal/platform/vecstore"
)

// RetrievalOutput carries the raw dual-query candidates plus the recent
// window used for context and dedup.
type RetrievalOutput struct {
	Direct         []ScoredResult
	Narrative      []ScoredResult
	Recent         []domain.Message
	DirectQuery    string
	NarrativeQuery string
}

var braceMarker = regexp.MustCompile(`\{[^}]*\}`)

var interrogativeLeads = []string{
	"quem", "qual", "quais", "onde", "quando", "como",
	"por que", "porque", "o que", "que ", "quanto", "quantos", "quantas",
}

// HasQuestionMarker reports whether the player message asks something the
// direct query should prioritize: an {...} aside, a trailing question mark
// or an interrogative opening.
func HasQuestionMarker(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false
	}
	if braceMarker.MatchString(trimmed) {
		return true
	}
	if strings.HasSuffix(trimmed, "?") {
		return true
	}
	lower := strings.ToLower(trimmed)
	for _, lead := range interrogativeLeads {
		if strings.HasPrefix(lower, lead) {
			return true
		}
	}
	return false
}

// fallbackQueries derives the dual queries without the LLM. A message with
// a question marker keeps the direct query focused on what the player asked;
// an {...} aside becomes the direct query itself. Without a question the
// narrative side widens with the tail of the recent scene.
func fallbackQueries(recent []domain.Message, latestUserText string) (string, string) {
	direct := strings.TrimSpace(latestUserText)
	if HasQuestionMarker(direct) {
		if aside := strings.TrimSpace(strings.Trim(braceMarker.FindString(direct), "{}")); aside != "" {
			direct = aside
		}
		return direct, ""
	}
	tail := recent
	if len(tail) > 4 {
		tail = tail[len(tail)-4:]
	}
	return direct, strings.TrimSpace(renderRecentContext(tail))
}

// RecentHistory loads the last N historico turns sorted by createdAt.
func RecentHistory(ctx context.Context, deps Deps, token string, n int) ([]domain.Message, error) {
	all, err := deps.Store.GetAllRecords(ctx, token, domain.CollectionHistorico)
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt < all[j].CreatedAt })
	if n > 0 && len(all) > n {
		all = all[len(all)-n:]
	}
	return all, nil
}

func renderRecentContext(recent []domain.Message) string {
	var b strings.Builder
	for _, msg := range recent {
		fmt.Fprintf(&b, "[%s] %s\n", strings.ToUpper(string(msg.Role)), msg.Text)
	}
	return b.String()
}

// Retrieve runs the dual-query pipeline: derive the two queries from the
// recent window, embed each and fan the searches out. Per-collection
// sub-failures are logged and skipped so the turn proceeds with whatever
// retrieved successfully.
func Retrieve(ctx context.Context, deps Deps, chat *domain.Chat, latestUserText string) (*RetrievalOutput, error) {
	recent, err := RecentHistory(ctx, deps, chat.Token, recentHistoryWindow)
	if err != nil {
		return nil, err
	}
	out := &RetrievalOutput{Recent: recent}

	direct, narrative, err := deps.Embed.GenerateSearchQuery(ctx, renderRecentContext(recent), latestUserText, chat.Config)
	if err != nil {
		deps.Log.Warn("search query generation failed, deriving fallback queries",
			"chat_token", chat.Token, "error", err)
		direct, narrative = fallbackQueries(recent, latestUserText)
	}
	out.DirectQuery, out.NarrativeQuery = direct, narrative

	type job struct {
		query     string
		queryType QueryType
		coll      domain.Collection
		k         int
	}
	var jobs []job
	if direct != "" {
		for _, coll := range domain.AllCollections() {
			jobs = append(jobs, job{direct, QueryDirect, coll, directSearchK})
		}
	}
	if narrative != "" {
		for _, coll := range []domain.Collection{domain.CollectionFatos, domain.CollectionConceitos} {
			jobs = append(jobs, job{narrative, QueryNarrative, coll, narrativeSearchK})
		}
	}
	if len(jobs) == 0 {
		return out, nil
	}

	vectors := map[string][]float32{}
	for _, q := range []string{direct, narrative} {
		if q == "" {
			continue
		}
		if _, ok := vectors[q]; ok {
			continue
		}
		vec, err := deps.Embed.GenerateEmbedding(ctx, q, chat.Config)
		if err != nil {
			deps.Log.Warn("query embedding failed, skipping its searches",
				"chat_token", chat.Token, "error", err)
			continue
		}
		vectors[q] = vec
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, j := range jobs {
		j := j
		vec, ok := vectors[j.query]
		if !ok {
			continue
		}
		g.Go(func() error {
			hits, err := deps.Store.SearchByVector(gctx, chat.Token, j.coll, vec, j.k)
			if err != nil {
				deps.Log.Warn("retrieval search failed for collection",
					"chat_token", chat.Token, "collection", j.coll, "query_type", j.queryType, "error", err)
				return nil
			}
			scored := toScored(hits, j.coll, j.queryType)
			mu.Lock()
			if j.queryType == QueryDirect {
				out.Direct = append(out.Direct, scored...)
			} else {
				out.Narrative = append(out.Narrative, scored...)
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func toScored(hits []vecstore.SearchResult, coll domain.Collection, qt QueryType) []ScoredResult {
	out := make([]ScoredResult, 0, len(hits))
	for _, h := range hits {
		out = append(out, ScoredResult{
			Message:          h.Message,
			Category:         coll,
			QueryType:        qt,
			Distance:         h.Distance,
			OriginalDistance: h.Distance,
		})
	}
	return out
}
