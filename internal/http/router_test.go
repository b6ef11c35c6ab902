package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/fablemind/fablemind-backend/internal/data/repos"
	"github.com/fablemind/fablemind-backend/internal/domain"
	"github.com/fablemind/fablemind-backend/internal/http/handlers"
	"github.com/fablemind/fablemind-backend/internal/http/middleware"
	"github.com/fablemind/fablemind-backend/internal/modules/auth"
	"github.com/fablemind/fablemind-backend/internal/modules/chat"
	"github.com/fablemind/fablemind-backend/internal/platform/logger"
	"github.com/fablemind/fablemind-backend/internal/platform/vecstore"
)

const testDim = 4

type fakeEmbedder struct{}

func (f *fakeEmbedder) GenerateEmbedding(ctx context.Context, text string, cfg domain.ChatConfig) ([]float32, error) {
	vec := make([]float32, testDim)
	for i, r := range text {
		vec[i%testDim] += float32(r%13) + 1
	}
	return vec, nil
}

func (f *fakeEmbedder) GenerateSearchQuery(ctx context.Context, recentContext, latestUserText string, cfg domain.ChatConfig) (string, string, error) {
	return latestUserText, "", nil
}

func (f *fakeEmbedder) DescribeMediaForRAG(ctx context.Context, att domain.Attachment, cfg domain.ChatConfig) (string, error) {
	return "descrição de " + att.Name, nil
}

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	t.Setenv("CHAT_METADATA_DIR", t.TempDir())
	t.Setenv("USERS_DIR", t.TempDir())
	t.Setenv("JWT_SECRET", "segredo-de-teste")

	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	store, err := vecstore.Open(log, vecstore.Config{Dir: t.TempDir(), VectorDim: testDim})
	if err != nil {
		t.Fatalf("vecstore.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	metaRepo, err := repos.NewChatMetaRepo(log)
	if err != nil {
		t.Fatalf("NewChatMetaRepo: %v", err)
	}
	userRepo, err := repos.NewUserRepo(log)
	if err != nil {
		t.Fatalf("NewUserRepo: %v", err)
	}
	authService, err := auth.NewService(log, userRepo)
	if err != nil {
		t.Fatalf("auth.NewService: %v", err)
	}
	chatService := chat.NewService(log, store, metaRepo, &fakeEmbedder{}, nil, nil)

	return NewRouter(RouterConfig{
		Log:             log,
		AuthHandler:     handlers.NewAuthHandler(authService),
		AuthMiddleware:  middleware.NewAuthMiddleware(log, authService),
		ChatHandler:     handlers.NewChatHandler(log, chatService),
		MemoriesHandler: handlers.NewMemoriesHandler(log, chatService),
		HealthHandler:   handlers.NewHealthHandler(),
	})
}

func doJSON(t *testing.T, r *gin.Engine, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func registerUser(t *testing.T, r *gin.Engine) string {
	t.Helper()
	rec := doJSON(t, r, http.MethodPost, "/api/auth/register", "",
		map[string]string{"email": "ana@exemplo.com", "password": "senha-forte"})
	if rec.Code != http.StatusOK {
		t.Fatalf("register: status=%d body=%s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("register response: %v", err)
	}
	if resp.Token == "" {
		t.Fatalf("register: empty token")
	}
	return resp.Token
}

func createChat(t *testing.T, r *gin.Engine, token string) string {
	t.Helper()
	rec := doJSON(t, r, http.MethodPost, "/api/chat/create", token, map[string]any{
		"title":  "Campanha",
		"config": map[string]any{"provider": "gemini", "model": "gemini-test", "embeddingDimension": testDim},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("create chat: status=%d body=%s", rec.Code, rec.Body.String())
	}
	var created struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("create response: %v", err)
	}
	return created.Token
}

func TestHealthcheck(t *testing.T) {
	r := newTestRouter(t)
	rec := doJSON(t, r, http.MethodGet, "/healthcheck", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	r := newTestRouter(t)
	rec := doJSON(t, r, http.MethodGet, "/api/chat/list", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status: want=401 got=%d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"errorType":"auth"`) {
		t.Fatalf("body: %s", rec.Body.String())
	}
}

func TestChatLifecycleOverHTTP(t *testing.T) {
	r := newTestRouter(t)
	token := registerUser(t, r)
	chatToken := createChat(t, r, token)

	rec := doJSON(t, r, http.MethodPost, fmt.Sprintf("/api/chat/insert/%s/fatos", chatToken), token,
		map[string]string{"text": "Lira odeia o império."})
	if rec.Code != http.StatusOK {
		t.Fatalf("insert: status=%d body=%s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, r, http.MethodGet, fmt.Sprintf("/api/chat/%s/memories/stats", chatToken), token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stats: status=%d body=%s", rec.Code, rec.Body.String())
	}
	var stats struct {
		Total int `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("stats response: %v", err)
	}
	if stats.Total != 1 {
		t.Fatalf("stats total: want=1 got=%d", stats.Total)
	}

	rec = doJSON(t, r, http.MethodPost, fmt.Sprintf("/api/chat/search/%s/fatos", chatToken), token,
		map[string]any{"query": "Lira império"})
	if rec.Code != http.StatusOK {
		t.Fatalf("search: status=%d body=%s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "Lira odeia o império.") {
		t.Fatalf("search body: %s", rec.Body.String())
	}

	rec = doJSON(t, r, http.MethodDelete, "/api/chat/"+chatToken, token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestErrorEnvelopeForMissingChat(t *testing.T) {
	r := newTestRouter(t)
	token := registerUser(t, r)

	rec := doJSON(t, r, http.MethodGet, "/api/chat/nao-existe/history", token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status: want=404 got=%d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"errorType":"not_found"`) {
		t.Fatalf("body: %s", rec.Body.String())
	}
}

func TestMemoriesImportStreamsSSE(t *testing.T) {
	r := newTestRouter(t)
	token := registerUser(t, r)
	chatToken := createChat(t, r, token)

	doc := map[string]any{
		"version":            "1.1",
		"embeddingDimension": testDim,
		"collections": map[string]any{
			"fatos": []map[string]any{
				{"text": "Lira odeia o império.", "role": "user", "createdAt": 1000, "vector": []float32{1, 2, 3, 4}},
			},
		},
	}
	rec := doJSON(t, r, http.MethodPost, fmt.Sprintf("/api/chat/%s/memories/import", chatToken), token, doc)
	if rec.Code != http.StatusOK {
		t.Fatalf("import: status=%d body=%s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type: got %q", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"type":"progress"`) || !strings.Contains(body, `"type":"complete"`) {
		t.Fatalf("sse frames: %s", body)
	}
}

func TestExportDocumentShape(t *testing.T) {
	r := newTestRouter(t)
	token := registerUser(t, r)
	chatToken := createChat(t, r, token)

	rec := doJSON(t, r, http.MethodPost, fmt.Sprintf("/api/chat/insert/%s/conceitos", chatToken), token,
		map[string]string{"text": "A Ordem do Véu vigia os portais."})
	if rec.Code != http.StatusOK {
		t.Fatalf("insert: status=%d body=%s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, r, http.MethodGet, fmt.Sprintf("/api/chat/%s/memories/export", chatToken), token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("export: status=%d body=%s", rec.Code, rec.Body.String())
	}
	var doc struct {
		Version            string         `json:"version"`
		EmbeddingDimension int            `json:"embeddingDimension"`
		Statistics         map[string]int `json:"statistics"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("export response: %v", err)
	}
	if doc.Version != "1.1" || doc.EmbeddingDimension != testDim {
		t.Fatalf("export doc: %+v", doc)
	}
	if doc.Statistics["conceitos"] != 1 {
		t.Fatalf("statistics: %v", doc.Statistics)
	}
}
