package steps

import (
	"context"
	"fmt"
	"strings"

	"github.com/fablemind/fablemind-backend/internal/domain"
	"github.com/fablemind/fablemind-backend/internal/platform/envutil"
	"github.com/fablemind/fablemind-backend/internal/platform/llm"
)

const searchMemoriesTool = "search_memories"

const summarizerSystemPrompt = `Você é um assistente de memória para uma história de roleplay em andamento.
Sua tarefa é transformar fragmentos brutos de memória em um briefing factual e coeso, em prosa corrida (sem listas).
Regras:
- Seja puramente informativo. Nunca prescreva escolhas narrativas.
- Reconheça lacunas explicitamente em vez de inventar.
- Se precisar de mais contexto, use a ferramenta search_memories com uma consulta específica.
- Quando tiver informação suficiente, responda apenas com o briefing final em texto.`

func summarizerTools() []llm.Tool {
	return []llm.Tool{{
		Name:        searchMemoriesTool,
		Description: "Busca memórias adicionais da história por similaridade. Retorna fragmentos relevantes.",
		Parameters: &llm.Schema{
			Type: "object",
			Properties: map[string]*llm.Schema{
				"query": {Type: "string", Description: "Consulta de busca específica sobre a lacuna a preencher."},
			},
			Required: []string{"query"},
		},
	}}
}

// summarizerModelChain returns the fallback sequence, most capable first.
func summarizerModelChain() []string {
	return envutil.List("SUMMARIZER_MODEL_CHAIN", []string{
		"gemini-2.5-pro",
		"gemini-2.5-flash",
		"gemini-2.5-flash-lite",
	})
}

// Summarize turns the raw retrieved fragments into the {vector_memory}
// briefing. The model may call search_memories up to the iteration bound;
// each model in the chain gets a full loop before falling to the next. When
// everything fails the raw memories text comes back as a degraded briefing.
func Summarize(ctx context.Context, deps Deps, chat *domain.Chat, userQuery, rawMemories, recentContext string) string {
	if strings.TrimSpace(rawMemories) == "" {
		return ""
	}
	for _, model := range summarizerModelChain() {
		briefing, err := summarizeWithModel(ctx, deps, chat, model, userQuery, rawMemories, recentContext)
		if err == nil && strings.TrimSpace(briefing) != "" {
			return briefing
		}
		if err != nil {
			deps.Log.Warn("summarizer model failed, trying next in chain",
				"chat_token", chat.Token, "model", model, "error", err)
		}
	}
	deps.Log.Warn("summarizer chain exhausted, degrading to raw memories", "chat_token", chat.Token)
	return rawMemories
}

func summarizeWithModel(ctx context.Context, deps Deps, chat *domain.Chat, model, userQuery, rawMemories, recentContext string) (string, error) {
	user := fmt.Sprintf(
		"Mensagem atual do jogador:\n%s\n\nCena recente:\n%s\n\nMemórias recuperadas:\n%s\n\nProduza o briefing.",
		userQuery, recentContext, rawMemories)

	history := []llm.Turn{{Role: llm.RoleUser, Parts: []llm.Part{llm.TextPart(user)}}}
	req := llm.Request{
		Provider:          llm.ProviderGemini,
		Model:             model,
		SystemInstruction: summarizerSystemPrompt,
		Tools:             summarizerTools(),
		Keys:              summarizerKeys(chat.Config),
	}

	for iter := 0; iter < maxSummarizerIterations; iter++ {
		req.History = history
		resp, err := deps.LLM.Generate(ctx, req)
		if err != nil {
			return "", err
		}
		if len(resp.FunctionCalls) == 0 {
			return strings.TrimSpace(resp.Text), nil
		}

		history = append(history, llm.Turn{Role: llm.RoleModel, Parts: resp.Parts})
		var fnParts []llm.Part
		for _, call := range resp.FunctionCalls {
			result := executeSummarizerSearch(ctx, deps, chat, call)
			fnParts = append(fnParts, llm.Part{FunctionResponse: &llm.FunctionResponse{
				Name:     call.Name,
				Response: map[string]any{"result": result},
			}})
		}
		history = append(history, llm.Turn{Role: llm.RoleFunction, Parts: fnParts})
	}

	// Iteration bound reached; demand the briefing without tools.
	history = append(history, llm.Turn{Role: llm.RoleUser, Parts: []llm.Part{
		llm.TextPart("Produza o briefing final agora, apenas texto."),
	}})
	forced := req
	forced.History = history
	forced.Tools = nil
	resp, err := deps.LLM.Generate(ctx, forced)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Text), nil
}

func executeSummarizerSearch(ctx context.Context, deps Deps, chat *domain.Chat, call llm.FunctionCall) string {
	if call.Name != searchMemoriesTool {
		return fmt.Sprintf("ferramenta desconhecida: %s", call.Name)
	}
	query, _ := call.Args["query"].(string)
	if strings.TrimSpace(query) == "" {
		return "consulta vazia"
	}
	vec, err := deps.Embed.GenerateEmbedding(ctx, query, chat.Config)
	if err != nil {
		return fmt.Sprintf("erro ao buscar: %v", err)
	}
	var lines []string
	for _, coll := range []domain.Collection{domain.CollectionFatos, domain.CollectionConceitos} {
		hits, err := deps.Store.SearchByVector(ctx, chat.Token, coll, vec, 10)
		if err != nil {
			deps.Log.Warn("summarizer search failed for collection",
				"chat_token", chat.Token, "collection", coll, "error", err)
			continue
		}
		for _, h := range hits {
			lines = append(lines, fmt.Sprintf("- [%s] %s", coll, h.Text))
		}
	}
	if len(lines) == 0 {
		return "nenhuma memória encontrada para esta consulta"
	}
	return strings.Join(lines, "\n")
}

func summarizerKeys(cfg domain.ChatConfig) []string {
	if len(cfg.EmbeddingKeys) > 0 {
		return cfg.EmbeddingKeys
	}
	return cfg.GenerationKeys
}
