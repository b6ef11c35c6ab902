// Package steps holds the per-turn pipeline of a generation request:
// retrieval, adaptive re-scoring, quota fusion, summarization and the
// tool-calling loop. Each step is a function over Deps so the pieces stay
// individually testable.
package steps

import (
	"context"

	"github.com/fablemind/fablemind-backend/internal/data/repos"
	"github.com/fablemind/fablemind-backend/internal/domain"
	"github.com/fablemind/fablemind-backend/internal/platform/cliproxy"
	"github.com/fablemind/fablemind-backend/internal/platform/llm"
	"github.com/fablemind/fablemind-backend/internal/platform/logger"
	"github.com/fablemind/fablemind-backend/internal/platform/vecstore"
)

const (
	// recentHistoryWindow is how many historico turns feed the short-term
	// context and the dedup window.
	recentHistoryWindow = 20

	directSearchK    = 80
	narrativeSearchK = 50

	totalWordBudget     = 5000
	narrativeWordBudget = 1500

	maxRAGMedia = 3

	maxToolIterations       = 5
	maxSummarizerIterations = 4
)

// Embedder is the slice of the embedding service the pipeline consumes.
type Embedder interface {
	GenerateEmbedding(ctx context.Context, text string, cfg domain.ChatConfig) ([]float32, error)
	GenerateSearchQuery(ctx context.Context, recentContext, latestUserText string, cfg domain.ChatConfig) (direct, narrative string, err error)
	DescribeMediaForRAG(ctx context.Context, att domain.Attachment, cfg domain.ChatConfig) (string, error)
}

// Generator is the slice of the LLM dispatcher the pipeline consumes.
type Generator interface {
	Generate(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// ProxyResolver supplies the per-user local proxy endpoint for the
// localproxy provider tag.
type ProxyResolver interface {
	EnsureProcess(ctx context.Context, userID string) (cliproxy.Instance, error)
}

// Deps is the dependency bundle shared by every step of a turn.
type Deps struct {
	Log   *logger.Logger
	Store *vecstore.Store
	Meta  *repos.ChatMetaRepo
	Embed Embedder
	LLM   Generator
	Proxy ProxyResolver
}

type QueryType string

const (
	QueryDirect    QueryType = "direct"
	QueryNarrative QueryType = "narrative"
)

// ScoredResult is one retrieval hit moving through re-scoring and fusion.
type ScoredResult struct {
	domain.Message
	Category         domain.Collection `json:"category"`
	QueryType        QueryType         `json:"_queryType"`
	Distance         float64           `json:"_distance"`
	OriginalDistance float64           `json:"_originalDistance"`
}

// MemoryDisplay is the compact per-entry view returned to the client as
// newVectorMemory.
type MemoryDisplay struct {
	MessageID        string            `json:"messageid"`
	Text             string            `json:"text"`
	Category         domain.Collection `json:"category"`
	QueryType        QueryType         `json:"queryType"`
	Score            float64           `json:"score"`
	Distance         float64           `json:"_distance"`
	OriginalDistance float64           `json:"_originalDistance"`
}

// PendingDeletion is one model-requested deletion awaiting client
// confirmation.
type PendingDeletion struct {
	MessageID string            `json:"messageid"`
	Text      string            `json:"text"`
	Category  domain.Collection `json:"category"`
}
