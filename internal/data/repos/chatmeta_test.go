package repos

import (
	"testing"

	"github.com/fablemind/fablemind-backend/internal/domain"
	"github.com/fablemind/fablemind-backend/internal/platform/apierr"
	"github.com/fablemind/fablemind-backend/internal/platform/logger"
)

func newTestChatRepo(t *testing.T) *ChatMetaRepo {
	t.Helper()
	t.Setenv("CHAT_METADATA_DIR", t.TempDir())
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	r, err := NewChatMetaRepo(log)
	if err != nil {
		t.Fatalf("NewChatMetaRepo: %v", err)
	}
	return r
}

func sampleChat(token, userID string, createdAt int64) *domain.Chat {
	return &domain.Chat{
		Token:     token,
		UserID:    userID,
		Title:     "Aventura",
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
		Config: domain.ChatConfig{
			Provider:          "gemini",
			Model:             "gemini-2.5-pro",
			Temperature:       0.9,
			SystemInstruction: "Você é o narrador. {vector_memory}",
			EmbeddingKeys:     []string{"ek-1"},
			GenerationKeys:    []string{"gk-1"},
		},
	}
}

func TestChatMetaRoundtrip(t *testing.T) {
	r := newTestChatRepo(t)
	want := sampleChat("tok-1", "user-1", 1000)
	if err := r.Save(want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := r.Get("tok-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Title != want.Title {
		t.Fatalf("title: want=%q got=%q", want.Title, got.Title)
	}
	if got.Config.SystemInstruction != want.Config.SystemInstruction {
		t.Fatalf("systemInstruction: want=%q got=%q", want.Config.SystemInstruction, got.Config.SystemInstruction)
	}
	if len(got.Config.EmbeddingKeys) != 1 || got.Config.EmbeddingKeys[0] != "ek-1" {
		t.Fatalf("embedding keys: got %+v", got.Config.EmbeddingKeys)
	}
}

func TestChatMetaGetMissing(t *testing.T) {
	r := newTestChatRepo(t)
	_, err := r.Get("ghost")
	if !apierr.IsType(err, apierr.TypeNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestListByUserFiltersAndSorts(t *testing.T) {
	r := newTestChatRepo(t)
	for _, c := range []*domain.Chat{
		sampleChat("tok-old", "user-1", 100),
		sampleChat("tok-new", "user-1", 300),
		sampleChat("tok-other", "user-2", 200),
	} {
		if err := r.Save(c); err != nil {
			t.Fatalf("Save(%s): %v", c.Token, err)
		}
	}
	chats, err := r.ListByUser("user-1")
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if len(chats) != 2 {
		t.Fatalf("chats: want=2 got=%d", len(chats))
	}
	if chats[0].Token != "tok-new" || chats[1].Token != "tok-old" {
		t.Fatalf("order: got %q then %q", chats[0].Token, chats[1].Token)
	}
}

func TestUpdateConfigMerges(t *testing.T) {
	r := newTestChatRepo(t)
	if err := r.Save(sampleChat("tok-1", "user-1", 100)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := r.UpdateConfig("tok-1", domain.ChatConfig{
		Model:          "gemini-2.5-flash",
		GenerationKeys: []string{"gk-2", "gk-3"},
	})
	if err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}
	if got.Config.Model != "gemini-2.5-flash" {
		t.Fatalf("model: got %q", got.Config.Model)
	}
	if got.Config.Provider != "gemini" {
		t.Fatalf("provider clobbered: got %q", got.Config.Provider)
	}
	if got.Config.SystemInstruction == "" {
		t.Fatalf("system instruction clobbered")
	}
	if len(got.Config.GenerationKeys) != 2 {
		t.Fatalf("generation keys not replaced: %+v", got.Config.GenerationKeys)
	}
	if got.UpdatedAt <= 100 {
		t.Fatalf("updatedAt not bumped: %d", got.UpdatedAt)
	}
}

func TestUpdateTitleAndDelete(t *testing.T) {
	r := newTestChatRepo(t)
	if err := r.Save(sampleChat("tok-1", "user-1", 100)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := r.UpdateTitle("tok-1", "  Novo Título  ")
	if err != nil {
		t.Fatalf("UpdateTitle: %v", err)
	}
	if got.Title != "Novo Título" {
		t.Fatalf("title: got %q", got.Title)
	}
	if err := r.Delete("tok-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := r.Get("tok-1"); !apierr.IsType(err, apierr.TypeNotFound) {
		t.Fatalf("expected not_found after delete, got %v", err)
	}
	if err := r.Delete("tok-1"); !apierr.IsType(err, apierr.TypeNotFound) {
		t.Fatalf("double delete: expected not_found, got %v", err)
	}
}
