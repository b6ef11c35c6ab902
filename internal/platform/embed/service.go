// Package embed wraps the Gemini embedding API behind the chat-level key
// pool. Keys rotate in order; a quota hit parks the key and moves on, so a
// single exhausted free-tier key never blocks ingestion.
package embed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/fablemind/fablemind-backend/internal/domain"
	"github.com/fablemind/fablemind-backend/internal/platform/apierr"
	"github.com/fablemind/fablemind-backend/internal/platform/cooldown"
	"github.com/fablemind/fablemind-backend/internal/platform/ctxutil"
	"github.com/fablemind/fablemind-backend/internal/platform/envutil"
	"github.com/fablemind/fablemind-backend/internal/platform/llm"
	"github.com/fablemind/fablemind-backend/internal/platform/logger"
	"github.com/fablemind/fablemind-backend/internal/platform/retry"
)

const (
	embedTimeout = 30 * time.Second
	mediaTimeout = 60 * time.Second
	queryTimeout = 30 * time.Second

	embedMaxAttempts = 3

	dailyQuotaCooldown = 24 * time.Hour
	rateLimitCooldown  = 60 * time.Second
)

// Generator is the slice of the LLM dispatcher the embedding service needs
// for its auxiliary text calls (search queries, media descriptions).
type Generator interface {
	Generate(ctx context.Context, req llm.Request) (*llm.Response, error)
}

type callFn func(ctx context.Context, apiKey, model, text string) ([]float32, error)

type Service struct {
	log       *logger.Logger
	gen       Generator
	cooldowns *cooldown.Registry

	embedModel string
	queryModel string
	mediaModel string

	call callFn
}

func NewService(log *logger.Logger, gen Generator) *Service {
	return &Service{
		log:        log.With("service", "EmbeddingService"),
		gen:        gen,
		cooldowns:  cooldown.Embedding,
		embedModel: envutil.String("EMBEDDING_MODEL", "gemini-embedding-001"),
		queryModel: envutil.String("SEARCH_QUERY_MODEL", "gemini-2.5-flash-lite"),
		mediaModel: envutil.String("MEDIA_DESCRIBE_MODEL", "gemini-2.5-flash"),
		call:       sdkEmbed,
	}
}

// GenerateEmbedding embeds text with the chat's key pool. Keys are tried in
// order, skipping cooled ones; a daily-quota 429 cools the key for 24h, any
// other 429 for 60s. Non-quota errors surface immediately.
func (s *Service) GenerateEmbedding(ctx context.Context, text string, cfg domain.ChatConfig) ([]float32, error) {
	ctx = ctxutil.Default(ctx)
	keys := activeKeys(cfg.EmbeddingKeys)
	if len(keys) == 0 {
		return nil, apierr.New(401, apierr.TypeAuth, "Nenhuma chave de embedding configurada para este chat.", nil)
	}
	dim := cfg.Dimension()

	for _, key := range keys {
		if !s.cooldowns.Available(key) {
			continue
		}
		vec, err := retry.RetryOperation(ctx, s.log, retry.Options{
			MaxAttempts: embedMaxAttempts,
			ShouldRetry: isTransientEmbed,
			IsRateLimit: isQuotaErr,
		}, func(ctx context.Context) ([]float32, error) {
			return retry.WithTimeout(ctx, embedTimeout, func(tctx context.Context) ([]float32, error) {
				return s.call(tctx, key, s.embedModel, text)
			})
		})
		if err == nil {
			if len(vec) != dim {
				return nil, apierr.New(500, apierr.TypeServer,
					fmt.Sprintf("O modelo de embedding retornou dimensão %d, esperado %d.", len(vec), dim), nil)
			}
			return vec, nil
		}
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		if isQuotaErr(err) {
			d := rateLimitCooldown
			if isDailyQuota(err) {
				d = dailyQuotaCooldown
			}
			s.cooldowns.Mark(key, d)
			s.log.Warn("embedding key in quota cooldown, rotating",
				"embedding_key", apierr.RedactKey(key), "cooldown", d.String())
			continue
		}
		return nil, apierr.New(502, apierr.TypeServer, "Falha ao gerar embedding.", err)
	}

	statuses := make([]apierr.KeyStatus, 0, len(keys))
	for _, key := range keys {
		statuses = append(statuses, apierr.KeyStatusFor(key, s.cooldowns.Remaining(key)))
	}
	return nil, apierr.AllKeysExhausted(s.embedModel, statuses)
}

const searchQueryPrompt = `Você gera consultas de busca para um sistema de memória vetorial de roleplay.
Dada a conversa recente e a última mensagem do usuário, produza EXATAMENTE duas linhas:
DIRETA: <consulta objetiva sobre o assunto imediato da última mensagem>
NARRATIVA: <consulta sobre o arco narrativo, relações e fatos de longo prazo relevantes>
Se a última mensagem contém uma pergunta, a consulta DIRETA deve priorizar o sujeito e o atributo perguntado.
Não escreva mais nada além das duas linhas.`

// GenerateSearchQuery derives the dual retrieval queries from the recent
// context. When the model ignores the two-line protocol the whole output
// becomes the direct query and the narrative query stays empty.
func (s *Service) GenerateSearchQuery(ctx context.Context, recentContext, latestUserText string, cfg domain.ChatConfig) (direct, narrative string, err error) {
	keys := activeKeys(cfg.EmbeddingKeys)
	if len(keys) == 0 {
		keys = activeKeys(cfg.GenerationKeys)
	}
	user := fmt.Sprintf("Conversa recente:\n%s\n\nÚltima mensagem do usuário:\n%s", recentContext, latestUserText)
	resp, err := s.gen.Generate(ctx, llm.Request{
		Provider:          llm.ProviderGemini,
		Model:             s.queryModel,
		SystemInstruction: searchQueryPrompt,
		History:           []llm.Turn{{Role: llm.RoleUser, Parts: []llm.Part{llm.TextPart(user)}}},
		Keys:              keys,
		Timeout:           queryTimeout,
	})
	if err != nil {
		return "", "", err
	}
	direct, narrative = ParseSearchQueries(resp.Text)
	if direct == "" {
		direct = strings.TrimSpace(latestUserText)
	}
	return direct, narrative, nil
}

// ParseSearchQueries extracts the DIRETA/NARRATIVA lines. Unparseable
// output falls back to the whole text as the direct query.
func ParseSearchQueries(out string) (direct, narrative string) {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		upper := strings.ToUpper(line)
		switch {
		case strings.HasPrefix(upper, "DIRETA:"):
			direct = strings.TrimSpace(line[len("DIRETA:"):])
		case strings.HasPrefix(upper, "NARRATIVA:"):
			narrative = strings.TrimSpace(line[len("NARRATIVA:"):])
		}
	}
	if direct == "" && narrative == "" {
		direct = strings.TrimSpace(out)
	}
	return direct, narrative
}

const describeMediaPrompt = `Descreva o conteúdo deste arquivo em um parágrafo denso e objetivo, em português, cobrindo os elementos que alguém buscaria depois (nomes, objetos, texto visível, contexto). A descrição será indexada para busca vetorial.`

// DescribeMediaForRAG produces the indexable description of one image or
// PDF attachment.
func (s *Service) DescribeMediaForRAG(ctx context.Context, att domain.Attachment, cfg domain.ChatConfig) (string, error) {
	keys := activeKeys(cfg.EmbeddingKeys)
	if len(keys) == 0 {
		keys = activeKeys(cfg.GenerationKeys)
	}
	resp, err := s.gen.Generate(ctx, llm.Request{
		Provider: llm.ProviderGemini,
		Model:    s.mediaModel,
		History: []llm.Turn{{Role: llm.RoleUser, Parts: []llm.Part{
			llm.TextPart(describeMediaPrompt),
			{InlineData: &llm.InlineData{MimeType: att.MimeType, Data: att.Data}},
		}}},
		Keys:    keys,
		Timeout: mediaTimeout,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Text), nil
}

func sdkEmbed(ctx context.Context, apiKey, model, text string) ([]float32, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, err
	}
	defer client.Close()
	em := client.EmbeddingModel(model)
	res, err := em.EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, err
	}
	if res == nil || res.Embedding == nil || len(res.Embedding.Values) == 0 {
		return nil, fmt.Errorf("empty embedding response")
	}
	return res.Embedding.Values, nil
}

// activeKeys trims the configured pool, falling back to the global
// GEMINI_API_KEY when the chat brings no keys of its own.
func activeKeys(keys []string) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	if len(out) == 0 {
		if k := envutil.String("GEMINI_API_KEY", ""); k != "" {
			out = append(out, k)
		}
	}
	return out
}

func statusCode(err error) int {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code
	}
	return 0
}

func isQuotaErr(err error) bool {
	return statusCode(err) == 429
}

var dailyQuotaSignatures = []string{
	"per day",
	"perday",
	"daily",
	"embedcontentrequestsperday",
	"quota exceeded for quota metric",
}

func isDailyQuota(err error) bool {
	if !isQuotaErr(err) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range dailyQuotaSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

func isTransientEmbed(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	code := statusCode(err)
	// Quota errors rotate keys instead of burning retries here.
	if code == 429 {
		return false
	}
	return code == 0 || code >= 500
}
