package steps

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"testing"

	"github.com/fablemind/fablemind-backend/internal/data/repos"
	"github.com/fablemind/fablemind-backend/internal/domain"
	"github.com/fablemind/fablemind-backend/internal/platform/llm"
	"github.com/fablemind/fablemind-backend/internal/platform/logger"
	"github.com/fablemind/fablemind-backend/internal/platform/vecstore"
)

const testDim = 4

// fakeEmbedder derives a deterministic vector from the text so similar
// inputs stay comparable without a provider.
type fakeEmbedder struct {
	failEmbedding bool
}

func (f *fakeEmbedder) GenerateEmbedding(ctx context.Context, text string, cfg domain.ChatConfig) ([]float32, error) {
	if f.failEmbedding {
		return nil, fmt.Errorf("embedding unavailable")
	}
	vec := make([]float32, testDim)
	for i, r := range text {
		vec[i%testDim] += float32(r%13) + 1
	}
	if domain.IsZeroVector(vec) {
		vec[0] = 1
	}
	return vec, nil
}

func (f *fakeEmbedder) GenerateSearchQuery(ctx context.Context, recentContext, latestUserText string, cfg domain.ChatConfig) (string, string, error) {
	return latestUserText, "arco narrativo " + latestUserText, nil
}

func (f *fakeEmbedder) DescribeMediaForRAG(ctx context.Context, att domain.Attachment, cfg domain.ChatConfig) (string, error) {
	return "descrição de " + att.Name, nil
}

// fakeLLM replays a scripted sequence of responses and records every
// request it saw.
type fakeLLM struct {
	script []*llm.Response
	errs   []error
	reqs   []llm.Request
}

func (f *fakeLLM) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	f.reqs = append(f.reqs, req)
	i := len(f.reqs) - 1
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i < len(f.script) {
		return f.script[i], nil
	}
	return &llm.Response{Text: "resposta padrão do modelo"}, nil
}

func textResp(text string) *llm.Response {
	return &llm.Response{Text: text, Parts: []llm.Part{llm.TextPart(text)}}
}

func toolResp(text string, calls ...llm.FunctionCall) *llm.Response {
	parts := []llm.Part{}
	if text != "" {
		parts = append(parts, llm.TextPart(text))
	}
	for i := range calls {
		parts = append(parts, llm.Part{FunctionCall: &calls[i]})
	}
	return &llm.Response{Text: text, Parts: parts, FunctionCalls: calls}
}

func newTestDeps(t *testing.T, gen *fakeLLM) (Deps, *domain.Chat) {
	t.Helper()
	t.Setenv("CHAT_METADATA_DIR", t.TempDir())
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	store, err := vecstore.Open(log, vecstore.Config{Dir: t.TempDir(), VectorDim: testDim})
	if err != nil {
		t.Fatalf("vecstore.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	meta, err := repos.NewChatMetaRepo(log)
	if err != nil {
		t.Fatalf("NewChatMetaRepo: %v", err)
	}

	chat := &domain.Chat{
		Token:  "chat-test",
		UserID: "user-1",
		Title:  "Aventura",
		Config: domain.ChatConfig{
			Provider:           "gemini",
			Model:              "gemini-2.5-pro",
			SystemInstruction:  "Narre a história. {vector_memory}",
			EmbeddingKeys:      []string{"ek"},
			GenerationKeys:     []string{"gk"},
			EmbeddingDimension: testDim,
		},
	}
	if err := meta.Save(chat); err != nil {
		t.Fatalf("meta.Save: %v", err)
	}
	if err := store.InitializeCollections(context.Background(), chat.Token); err != nil {
		t.Fatalf("InitializeCollections: %v", err)
	}
	return Deps{
		Log:   log,
		Store: store,
		Meta:  meta,
		Embed: &fakeEmbedder{},
		LLM:   gen,
	}, chat
}

func historicoTexts(t *testing.T, deps Deps, token string) []string {
	t.Helper()
	msgs, err := RecentHistory(context.Background(), deps, token, 0)
	if err != nil {
		t.Fatalf("RecentHistory: %v", err)
	}
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Text)
	}
	return out
}

func TestGenerateTurnPlainText(t *testing.T) {
	gen := &fakeLLM{script: []*llm.Response{
		textResp("briefing de memória"), // summarizer
		textResp("O dragão desperta sobre Marte."),
	}}
	deps, chat := newTestDeps(t, gen)

	// Seed a memory so the summarizer has raw input.
	seedFact(t, deps, chat, "f1", "Meu planeta favorito é Marte.")

	res, err := GenerateTurn(context.Background(), deps, chat, "Fale mais sobre esse planeta.", nil)
	if err != nil {
		t.Fatalf("GenerateTurn: %v", err)
	}
	if !strings.Contains(strings.ToLower(res.ModelResponse), "marte") {
		t.Fatalf("modelResponse: got %q", res.ModelResponse)
	}
	if len(res.NewVectorMemory) == 0 {
		t.Fatalf("newVectorMemory empty")
	}
	if res.WordCount != wordCount(res.ModelResponse) {
		t.Fatalf("wordCount: want=%d got=%d", wordCount(res.ModelResponse), res.WordCount)
	}

	texts := historicoTexts(t, deps, chat.Token)
	if len(texts) != 2 {
		t.Fatalf("historico turns: want=2 got=%d", len(texts))
	}
	if texts[0] != "Fale mais sobre esse planeta." {
		t.Fatalf("user turn not persisted first: %q", texts[0])
	}

	// The generation request carries the substituted briefing, not the
	// placeholder.
	final := gen.reqs[len(gen.reqs)-1]
	if strings.Contains(final.SystemInstruction, domain.VectorMemoryPlaceholder) {
		t.Fatalf("placeholder not substituted: %q", final.SystemInstruction)
	}
}

func TestGenerateTurnInsertFactTool(t *testing.T) {
	gen := &fakeLLM{script: []*llm.Response{
		textResp("briefing"),
		toolResp("", llm.FunctionCall{Name: "insert_fact", Args: map[string]any{"text": "A espada é amaldiçoada."}}),
		textResp("Você sente um arrepio ao tocar a espada."),
	}}
	deps, chat := newTestDeps(t, gen)
	seedFact(t, deps, chat, "f1", "fato inicial")

	res, err := GenerateTurn(context.Background(), deps, chat, "Pego a espada do altar.", nil)
	if err != nil {
		t.Fatalf("GenerateTurn: %v", err)
	}
	if !strings.Contains(res.ModelResponse, "arrepio") {
		t.Fatalf("modelResponse: got %q", res.ModelResponse)
	}

	fatos, err := deps.Store.GetAllRecords(context.Background(), chat.Token, domain.CollectionFatos)
	if err != nil {
		t.Fatalf("GetAllRecords: %v", err)
	}
	found := false
	for _, m := range fatos {
		if m.Text == "A espada é amaldiçoada." {
			found = true
		}
	}
	if !found {
		t.Fatalf("inserted fact not stored: %+v", fatos)
	}

	// Second generation request must carry the function-role turn.
	final := gen.reqs[len(gen.reqs)-1]
	hasFunctionTurn := false
	for _, turn := range final.History {
		if turn.Role == llm.RoleFunction {
			hasFunctionTurn = true
		}
	}
	if !hasFunctionTurn {
		t.Fatalf("tool result turn missing from follow-up history")
	}
}

func TestGenerateTurnPendingDeletionsNotExecuted(t *testing.T) {
	gen := &fakeLLM{}
	deps, chat := newTestDeps(t, gen)
	seedFact(t, deps, chat, "f-old", "O rei está vivo.")

	gen.script = []*llm.Response{
		textResp("briefing"),
		toolResp("O rei morreu, vou limpar a memória obsoleta e atualizar os registros.",
			llm.FunctionCall{Name: "delete_memories", Args: map[string]any{"messageids": []any{"f-old"}}}),
	}

	res, err := GenerateTurn(context.Background(), deps, chat, "O rei acaba de morrer em batalha.", nil)
	if err != nil {
		t.Fatalf("GenerateTurn: %v", err)
	}
	if len(res.PendingDeletions) != 1 {
		t.Fatalf("pendingDeletions: want=1 got=%d", len(res.PendingDeletions))
	}
	pd := res.PendingDeletions[0]
	if pd.MessageID != "f-old" || pd.Category != domain.CollectionFatos || pd.Text != "O rei está vivo." {
		t.Fatalf("pending deletion: got %+v", pd)
	}

	// The memory must still exist until the confirm endpoint runs.
	if _, _, err := deps.Store.GetRecordByMessageID(context.Background(), chat.Token, "f-old"); err != nil {
		t.Fatalf("memory deleted without confirmation: %v", err)
	}
}

func TestGenerateTurnDiceForcesNarration(t *testing.T) {
	gen := &fakeLLM{script: []*llm.Response{
		textResp("briefing"),
		toolResp("Você tenta escalar o muro, vou rolar o teste.",
			llm.FunctionCall{Name: "roll_dice", Args: map[string]any{"count": float64(1), "type": "20", "modifier": float64(2)}}),
		textResp("Com um impulso, você alcança o topo do muro."),
	}}
	deps, chat := newTestDeps(t, gen)
	seedFact(t, deps, chat, "f1", "O muro do castelo tem dez metros.")

	res, err := GenerateTurn(context.Background(), deps, chat, "Escalo o muro do castelo.", nil)
	if err != nil {
		t.Fatalf("GenerateTurn: %v", err)
	}
	// The tentative text existed, but roll_dice demands a narration pass.
	if res.ModelResponse != "Com um impulso, você alcança o topo do muro." {
		t.Fatalf("modelResponse: got %q", res.ModelResponse)
	}

	re := regexp.MustCompile(`^1d20\+2 = \d+ \{ \d+ \}$`)
	found := false
	for _, text := range historicoTexts(t, deps, chat.Token) {
		if re.MatchString(text) {
			found = true
		}
	}
	if !found {
		t.Fatalf("dice turn not persisted to historico")
	}
}

func TestGenerateTurnForcedTextFallback(t *testing.T) {
	gen := &fakeLLM{script: []*llm.Response{
		textResp("briefing"),
		textResp("..."),
		textResp("A narração continua apesar do tropeço."),
	}}
	deps, chat := newTestDeps(t, gen)
	seedFact(t, deps, chat, "f1", "A história se passa em Lisboa.")

	res, err := GenerateTurn(context.Background(), deps, chat, "Continue a história.", nil)
	if err != nil {
		t.Fatalf("GenerateTurn: %v", err)
	}
	if res.ModelResponse != "A narração continua apesar do tropeço." {
		t.Fatalf("modelResponse: got %q", res.ModelResponse)
	}
	forced := gen.reqs[len(gen.reqs)-1]
	if len(forced.Tools) != 0 {
		t.Fatalf("forced fallback still declared tools")
	}
}

func TestGenerateTurnMediaDescribedAndAttached(t *testing.T) {
	gen := &fakeLLM{script: []*llm.Response{
		textResp("briefing"),
		textResp("Vejo um mapa antigo."),
	}}
	deps, chat := newTestDeps(t, gen)
	seedFact(t, deps, chat, "f1", "O grupo procura um mapa antigo.")

	_, err := GenerateTurn(context.Background(), deps, chat, "O que é isto?", []domain.Attachment{
		{Name: "mapa.png", MimeType: "image/png", Data: "aGk="},
	})
	if err != nil {
		t.Fatalf("GenerateTurn: %v", err)
	}
	msgs, err := RecentHistory(context.Background(), deps, chat.Token, 0)
	if err != nil {
		t.Fatalf("RecentHistory: %v", err)
	}
	atts := msgs[0].DecodeAttachments()
	if len(atts) != 1 || atts[0].RAGDescription != "descrição de mapa.png" {
		t.Fatalf("attachment description: got %+v", atts)
	}
}

func TestGenerateTurnLatestUserTurnAppearsOnce(t *testing.T) {
	gen := &fakeLLM{script: []*llm.Response{
		textResp("briefing"),
		textResp("O dragão chama-se Vermithrax."),
	}}
	deps, chat := newTestDeps(t, gen)
	seedFact(t, deps, chat, "f1", "O dragão guarda a torre norte.")

	userText := "Qual é o nome do dragão?"
	if _, err := GenerateTurn(context.Background(), deps, chat, userText, nil); err != nil {
		t.Fatalf("GenerateTurn: %v", err)
	}

	final := gen.reqs[len(gen.reqs)-1]
	count := 0
	for _, turn := range final.History {
		if turn.Role != llm.RoleUser {
			continue
		}
		for _, part := range turn.Parts {
			if part.Text == userText {
				count++
			}
		}
	}
	if count != 1 {
		t.Fatalf("latest user text in model history: want=1 got=%d", count)
	}
}

func TestGenerateTurnCarriesPinnedMemories(t *testing.T) {
	gen := &fakeLLM{script: []*llm.Response{
		textResp("briefing com as regras da casa"),
		textResp("A história continua."),
	}}
	deps, chat := newTestDeps(t, gen)

	// A pinned entry with the zero sentinel is invisible to similarity
	// search; it must still reach the summarizer input.
	err := deps.Store.InsertRecord(context.Background(), chat.Token, domain.CollectionConceitos, domain.Message{
		MessageID: "c-pinned",
		Text:      "Magia de sangue é proibida neste reino.",
		Vector:    domain.ZeroVector(testDim),
		Role:      domain.RoleUser,
		CreatedAt: 1,
		Eternal:   true,
	})
	if err != nil {
		t.Fatalf("seed pinned concept: %v", err)
	}

	if _, err := GenerateTurn(context.Background(), deps, chat, "Tento lançar um feitiço.", nil); err != nil {
		t.Fatalf("GenerateTurn: %v", err)
	}

	summarizerReq := gen.reqs[0]
	prompt := ""
	for _, turn := range summarizerReq.History {
		for _, part := range turn.Parts {
			prompt += part.Text
		}
	}
	if !strings.Contains(prompt, "Magia de sangue é proibida neste reino.") {
		t.Fatalf("pinned memory missing from summarizer input: %q", prompt)
	}
}

func seedFact(t *testing.T, deps Deps, chat *domain.Chat, id, text string) {
	t.Helper()
	vec, err := deps.Embed.GenerateEmbedding(context.Background(), text, chat.Config)
	if err != nil {
		t.Fatalf("embed seed: %v", err)
	}
	err = deps.Store.InsertRecord(context.Background(), chat.Token, domain.CollectionFatos, domain.Message{
		MessageID: id,
		Text:      text,
		Vector:    vec,
		Role:      domain.RoleUser,
		CreatedAt: 1,
	})
	if err != nil {
		t.Fatalf("seed fact: %v", err)
	}
}
