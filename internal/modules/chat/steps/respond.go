package steps

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/fablemind/fablemind-backend/internal/domain"
	"github.com/fablemind/fablemind-backend/internal/platform/llm"
)

// fallbackApology is the degraded final answer when every generation
// attempt failed to produce text.
const fallbackApology = "Desculpe, não consegui gerar uma resposta agora. Tente novamente."

// TurnResult is the wire shape of one completed generation turn.
type TurnResult struct {
	ModelResponse    string            `json:"modelResponse"`
	History          []domain.Message  `json:"history"`
	WordCount        int               `json:"wordCount"`
	NewVectorMemory  []MemoryDisplay   `json:"newVectorMemory"`
	PendingDeletions []PendingDeletion `json:"pendingDeletions,omitempty"`
}

// GenerateTurn runs the full per-turn pipeline: persist the user message,
// retrieve + re-score + fuse, summarize the briefing, then drive the
// bounded tool loop to the final model text.
func GenerateTurn(ctx context.Context, deps Deps, chat *domain.Chat, userText string, attachments []domain.Attachment) (*TurnResult, error) {
	userMsg, err := persistUserMessage(ctx, deps, chat, userText, attachments)
	if err != nil {
		return nil, err
	}
	MaybeAutoRepair(deps, chat)

	retrieval, err := Retrieve(ctx, deps, chat, userText)
	if err != nil {
		return nil, err
	}

	// The retrieval window already contains the turn persisted above; the
	// latest user turn is appended explicitly, so drop it from the window.
	window := withoutMessage(retrieval.Recent, userMsg.MessageID)

	excludeIDs := map[string]bool{userMsg.MessageID: true}
	for _, m := range retrieval.Recent {
		excludeIDs[m.MessageID] = true
	}
	eternal, err := EternalMemories(ctx, deps, chat.Token)
	if err != nil {
		deps.Log.Warn("failed to load pinned memories", "chat_token", chat.Token, "error", err)
	}
	for _, m := range eternal {
		excludeIDs[m.MessageID] = true
	}
	selected := FuseByQuota(
		ApplyAdaptiveRescore(retrieval.Direct),
		ApplyAdaptiveRescore(retrieval.Narrative),
		excludeIDs,
	)
	memCtx := BuildMemoryContext(selected)
	strengthenCoRetrieved(ctx, deps, chat.Token, selected)

	rawMemories := renderEternalBlock(eternal) + memCtx.ContextText
	briefing := Summarize(ctx, deps, chat, userText, rawMemories, renderRecentContext(window))
	systemInstruction := composeSystemInstruction(chat.Config.SystemInstruction, briefing)

	req, err := baseRequest(ctx, deps, chat)
	if err != nil {
		return nil, err
	}
	req.SystemInstruction = systemInstruction
	req.Tools = ToolDeclarations()

	history := buildTurnHistory(window, memCtx.MediaParts, userText, attachments)
	finalText, pending, err := runToolLoop(ctx, deps, chat, req, history)
	if err != nil {
		return nil, err
	}
	if finalText == "" {
		finalText = fallbackApology
	}

	modelMsg, err := persistModelMessage(ctx, deps, chat, finalText)
	if err != nil {
		return nil, err
	}
	autoTitle(deps, chat, retrieval.Recent, userText)
	if err := deps.Meta.Touch(chat.Token); err != nil {
		deps.Log.Warn("failed to bump chat updatedAt", "chat_token", chat.Token, "error", err)
	}

	fullHistory, err := RecentHistory(ctx, deps, chat.Token, 0)
	if err != nil {
		deps.Log.Warn("failed to reload history after turn", "chat_token", chat.Token, "error", err)
		fullHistory = append(window, *userMsg, *modelMsg)
	}
	return &TurnResult{
		ModelResponse:    finalText,
		History:          fullHistory,
		WordCount:        wordCount(finalText),
		NewVectorMemory:  memCtx.Display,
		PendingDeletions: pending,
	}, nil
}

// runToolLoop drives the bounded tool-calling conversation. A response that
// carries substantive text alongside tool calls becomes the tentative final
// answer; only roll_dice forces another narration pass after execution.
func runToolLoop(ctx context.Context, deps Deps, chat *domain.Chat, req llm.Request, history []llm.Turn) (string, []PendingDeletion, error) {
	var (
		finalText string
		pending   []PendingDeletion
	)

	for iter := 0; iter < maxToolIterations; iter++ {
		req.History = history
		resp, err := deps.LLM.Generate(ctx, req)
		if err != nil {
			return "", nil, err
		}

		if len(resp.FunctionCalls) == 0 {
			finalText = strings.TrimSpace(resp.Text)
			break
		}

		tentative := strings.TrimSpace(resp.Text)
		if len(tentative) > 10 && tentative != "..." {
			finalText = tentative
		}

		history = append(history, llm.Turn{Role: llm.RoleModel, Parts: resp.Parts})
		var fnParts []llm.Part
		needsNarration := false
		for _, call := range resp.FunctionCalls {
			outcome := ExecuteToolCall(ctx, deps, chat, call)
			pending = append(pending, outcome.PendingDeletions...)
			if outcome.RequiresNarration {
				needsNarration = true
			}
			if outcome.DiceText != "" {
				if err := persistDiceRoll(ctx, deps, chat, outcome.DiceText); err != nil {
					deps.Log.Warn("failed to persist dice roll", "chat_token", chat.Token, "error", err)
				}
			}
			fnParts = append(fnParts, llm.Part{FunctionResponse: &llm.FunctionResponse{
				Name:     call.Name,
				Response: outcome.Response,
			}})
		}
		history = append(history, llm.Turn{Role: llm.RoleFunction, Parts: fnParts})

		if finalText != "" && !needsNarration {
			break
		}
	}

	if isEmptyAnswer(finalText) {
		forced := req
		forced.Tools = nil
		forced.History = append(history, llm.Turn{Role: llm.RoleUser, Parts: []llm.Part{
			llm.TextPart("Continue a narração agora, apenas com texto."),
		}})
		resp, err := deps.LLM.Generate(ctx, forced)
		if err != nil {
			deps.Log.Warn("forced-text fallback failed", "chat_token", chat.Token, "error", err)
			return "", pending, nil
		}
		finalText = strings.TrimSpace(resp.Text)
	}
	return finalText, pending, nil
}

// isEmptyAnswer reports text that is empty or punctuation-only.
func isEmptyAnswer(text string) bool {
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

func composeSystemInstruction(template, briefing string) string {
	if strings.Contains(template, domain.VectorMemoryPlaceholder) {
		return strings.ReplaceAll(template, domain.VectorMemoryPlaceholder, briefing)
	}
	if briefing == "" {
		return template
	}
	return template + "\n\nMemória da história:\n" + briefing
}

// baseRequest resolves the chat's provider settings, spawning the user's
// proxy instance when the localproxy tag is active.
func baseRequest(ctx context.Context, deps Deps, chat *domain.Chat) (llm.Request, error) {
	req := llm.Request{
		Provider:    chat.Config.Provider,
		Model:       chat.Config.Model,
		Temperature: chat.Config.Temperature,
		Keys:        chat.Config.GenerationKeys,
		RateLimits:  chat.Config.RateLimits,
	}
	if strings.EqualFold(chat.Config.Provider, llm.ProviderLocalProxy) {
		if deps.Proxy == nil {
			return req, fmt.Errorf("localproxy provider requested but no supervisor configured")
		}
		inst, err := deps.Proxy.EnsureProcess(ctx, chat.UserID)
		if err != nil {
			return req, err
		}
		req.BaseURL = fmt.Sprintf("http://127.0.0.1:%d/v1", inst.Port)
		req.Keys = []string{inst.APIKey}
	}
	return req, nil
}

// withoutMessage filters one id out of the recent window.
func withoutMessage(recent []domain.Message, id string) []domain.Message {
	out := make([]domain.Message, 0, len(recent))
	for _, m := range recent {
		if m.MessageID == id {
			continue
		}
		out = append(out, m)
	}
	return out
}

// buildTurnHistory converts the recent window into model turns, splices the
// RAG media injection immediately before the latest user turn and appends
// the user turn itself.
func buildTurnHistory(recent []domain.Message, mediaParts []llm.Part, userText string, attachments []domain.Attachment) []llm.Turn {
	var history []llm.Turn
	for _, msg := range recent {
		role := llm.RoleUser
		if msg.Role == domain.RoleModel {
			role = llm.RoleModel
		}
		if strings.TrimSpace(msg.Text) == "" {
			continue
		}
		history = append(history, llm.Turn{Role: role, Parts: []llm.Part{llm.TextPart(msg.Text)}})
	}
	if len(mediaParts) > 0 {
		history = append(history, llm.Turn{Role: llm.RoleUser, Parts: mediaParts})
	}

	userParts := []llm.Part{llm.TextPart(userText)}
	for _, att := range attachments {
		if att.Data == "" {
			continue
		}
		userParts = append(userParts, llm.Part{InlineData: &llm.InlineData{MimeType: att.MimeType, Data: att.Data}})
	}
	history = append(history, llm.Turn{Role: llm.RoleUser, Parts: userParts})
	return history
}

// persistUserMessage describes attached media, embeds the combined text and
// stores the turn. An embedding failure stores the zero sentinel instead of
// failing the insert.
func persistUserMessage(ctx context.Context, deps Deps, chat *domain.Chat, text string, attachments []domain.Attachment) (*domain.Message, error) {
	for i := range attachments {
		if attachments[i].RAGDescription != "" || attachments[i].Data == "" {
			continue
		}
		desc, err := deps.Embed.DescribeMediaForRAG(ctx, attachments[i], chat.Config)
		if err != nil {
			deps.Log.Warn("media description failed",
				"chat_token", chat.Token, "attachment", attachments[i].Name, "error", err)
			continue
		}
		attachments[i].RAGDescription = desc
	}

	embedText := text
	for _, att := range attachments {
		if att.RAGDescription != "" {
			embedText += "\n" + att.RAGDescription
		}
	}
	vec, err := deps.Embed.GenerateEmbedding(ctx, embedText, chat.Config)
	if err != nil {
		deps.Log.Warn("user message embedding failed, storing zero vector",
			"chat_token", chat.Token, "error", err)
		vec = domain.ZeroVector(chat.Config.Dimension())
	}
	msg := domain.Message{
		MessageID:   uuid.NewString(),
		Text:        text,
		Vector:      vec,
		Role:        domain.RoleUser,
		CreatedAt:   time.Now().UnixMilli(),
		Attachments: domain.EncodeAttachments(attachments),
	}
	if err := deps.Store.InsertRecord(ctx, chat.Token, domain.CollectionHistorico, msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func persistModelMessage(ctx context.Context, deps Deps, chat *domain.Chat, text string) (*domain.Message, error) {
	vec, err := deps.Embed.GenerateEmbedding(ctx, text, chat.Config)
	if err != nil {
		deps.Log.Warn("model message embedding failed, storing zero vector",
			"chat_token", chat.Token, "error", err)
		vec = domain.ZeroVector(chat.Config.Dimension())
	}
	msg := domain.Message{
		MessageID: uuid.NewString(),
		Text:      text,
		Vector:    vec,
		Role:      domain.RoleModel,
		CreatedAt: time.Now().UnixMilli(),
	}
	if err := deps.Store.InsertRecord(ctx, chat.Token, domain.CollectionHistorico, msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func persistDiceRoll(ctx context.Context, deps Deps, chat *domain.Chat, diceText string) error {
	return deps.Store.InsertRecord(ctx, chat.Token, domain.CollectionHistorico, domain.Message{
		MessageID: uuid.NewString(),
		Text:      diceText,
		Vector:    domain.ZeroVector(chat.Config.Dimension()),
		Role:      domain.RoleModel,
		CreatedAt: time.Now().UnixMilli(),
	})
}

// autoTitle sets the title from the first non-trivial user message of a
// still-untitled chat.
func autoTitle(deps Deps, chat *domain.Chat, recent []domain.Message, userText string) {
	if strings.TrimSpace(chat.Title) != "" && chat.Title != "Novo Chat" {
		return
	}
	candidate := strings.TrimSpace(userText)
	for _, msg := range recent {
		if msg.Role == domain.RoleUser && len(strings.TrimSpace(msg.Text)) > 3 {
			candidate = strings.TrimSpace(msg.Text)
			break
		}
	}
	if len(candidate) <= 3 {
		return
	}
	runes := []rune(candidate)
	if len(runes) > 60 {
		candidate = string(runes[:60])
	}
	if _, err := deps.Meta.UpdateTitle(chat.Token, candidate); err != nil {
		deps.Log.Warn("auto-title failed", "chat_token", chat.Token, "error", err)
		return
	}
	chat.Title = candidate
}
