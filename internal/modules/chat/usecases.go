// Package chat exposes the use cases behind the HTTP surface: chat
// lifecycle, memory mutations, search, branching and the generation turn.
package chat

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fablemind/fablemind-backend/internal/data/repos"
	"github.com/fablemind/fablemind-backend/internal/domain"
	"github.com/fablemind/fablemind-backend/internal/modules/chat/steps"
	"github.com/fablemind/fablemind-backend/internal/platform/apierr"
	"github.com/fablemind/fablemind-backend/internal/platform/logger"
	"github.com/fablemind/fablemind-backend/internal/platform/vecstore"
)

type Service struct {
	log  *logger.Logger
	deps steps.Deps
}

func NewService(log *logger.Logger, store *vecstore.Store, meta *repos.ChatMetaRepo, embed steps.Embedder, gen steps.Generator, proxy steps.ProxyResolver) *Service {
	return &Service{
		log: log.With("service", "ChatService"),
		deps: steps.Deps{
			Log:   log,
			Store: store,
			Meta:  meta,
			Embed: embed,
			LLM:   gen,
			Proxy: proxy,
		},
	}
}

// ownedChat loads the sidecar and enforces ownership.
func (s *Service) ownedChat(userID, token string) (*domain.Chat, error) {
	chat, err := s.deps.Meta.Get(token)
	if err != nil {
		return nil, err
	}
	if !chat.OwnedBy(userID) {
		return nil, apierr.NotFound("Chat")
	}
	return chat, nil
}

func (s *Service) Create(ctx context.Context, userID, title string, cfg domain.ChatConfig) (*domain.Chat, error) {
	if strings.TrimSpace(title) == "" {
		title = "Novo Chat"
	}
	now := time.Now().UnixMilli()
	chat := &domain.Chat{
		Token:     uuid.NewString(),
		UserID:    userID,
		Title:     strings.TrimSpace(title),
		CreatedAt: now,
		UpdatedAt: now,
		Config:    cfg,
	}
	if err := s.deps.Store.InitializeCollections(ctx, chat.Token); err != nil {
		return nil, err
	}
	if err := s.deps.Meta.Save(chat); err != nil {
		return nil, err
	}
	s.log.Info("chat created", "chat_token", chat.Token, "user_id", userID)
	return chat, nil
}

func (s *Service) List(userID string) ([]*domain.Chat, error) {
	return s.deps.Meta.ListByUser(userID)
}

func (s *Service) Delete(ctx context.Context, userID, token string) error {
	if _, err := s.ownedChat(userID, token); err != nil {
		return err
	}
	if err := s.deps.Store.DropChat(ctx, token); err != nil {
		return err
	}
	if err := s.deps.Meta.Delete(token); err != nil {
		return err
	}
	s.log.Info("chat deleted", "chat_token", token, "user_id", userID)
	return nil
}

func (s *Service) History(ctx context.Context, userID, token string) ([]domain.Message, error) {
	if _, err := s.ownedChat(userID, token); err != nil {
		return nil, err
	}
	return steps.RecentHistory(ctx, s.deps, token, 0)
}

func (s *Service) UpdateConfig(userID, token string, patch domain.ChatConfig) (*domain.Chat, error) {
	if _, err := s.ownedChat(userID, token); err != nil {
		return nil, err
	}
	return s.deps.Meta.UpdateConfig(token, patch)
}

func (s *Service) Rename(userID, token, title string) (*domain.Chat, error) {
	if _, err := s.ownedChat(userID, token); err != nil {
		return nil, err
	}
	if strings.TrimSpace(title) == "" {
		return nil, apierr.New(400, apierr.TypeUnknown, "O título não pode ser vazio.", nil)
	}
	return s.deps.Meta.UpdateTitle(token, title)
}

// Insert adds one memory directly. Embedding failures store the zero
// sentinel; the insert itself never fails for lack of a working key.
func (s *Service) Insert(ctx context.Context, userID, token string, coll domain.Collection, text string, role domain.Role, eternal bool) (*domain.Message, error) {
	chat, err := s.ownedChat(userID, token)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, apierr.New(400, apierr.TypeUnknown, "O texto da memória é obrigatório.", nil)
	}
	if role == "" {
		role = domain.RoleUser
	}
	vec, err := s.deps.Embed.GenerateEmbedding(ctx, text, chat.Config)
	if err != nil {
		s.log.Warn("insert embedding failed, storing zero vector", "chat_token", token, "error", err)
		vec = domain.ZeroVector(chat.Config.Dimension())
	}
	msg := domain.Message{
		MessageID: uuid.NewString(),
		Text:      text,
		Vector:    vec,
		Role:      role,
		CreatedAt: time.Now().UnixMilli(),
		Eternal:   eternal && coll != domain.CollectionHistorico,
	}
	if err := s.deps.Store.InsertRecord(ctx, token, coll, msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Edit updates a message's text. The vector is regenerated when the
// embedding service is callable; otherwise the previous vector is kept.
func (s *Service) Edit(ctx context.Context, userID, token, messageID, newText string) (*domain.Message, error) {
	chat, err := s.ownedChat(userID, token)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(newText) == "" {
		return nil, apierr.New(400, apierr.TypeUnknown, "O novo texto é obrigatório.", nil)
	}
	existing, _, err := s.deps.Store.GetRecordByMessageID(ctx, token, messageID)
	if err != nil {
		return nil, apierr.NotFound("Mensagem")
	}
	vec, err := s.deps.Embed.GenerateEmbedding(ctx, newText, chat.Config)
	if err != nil {
		s.log.Warn("edit embedding failed, keeping previous vector", "chat_token", token, "messageid", messageID, "error", err)
		vec = existing.Vector
	}
	if err := s.deps.Store.UpdateRecordByMessageID(ctx, token, messageID, newText, vec); err != nil {
		return nil, err
	}
	updated, _, err := s.deps.Store.GetRecordByMessageID(ctx, token, messageID)
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Service) DeleteMessage(ctx context.Context, userID, token, messageID string) error {
	if _, err := s.ownedChat(userID, token); err != nil {
		return err
	}
	deleted, err := s.deps.Store.DeleteRecordByMessageID(ctx, token, messageID)
	if err != nil {
		return err
	}
	if !deleted {
		return apierr.NotFound("Mensagem")
	}
	return nil
}

// ConfirmDeletions executes a pending_confirmation list. Unknown ids are
// skipped; the deleted ids are returned.
func (s *Service) ConfirmDeletions(ctx context.Context, userID, token string, messageIDs []string) ([]string, error) {
	if _, err := s.ownedChat(userID, token); err != nil {
		return nil, err
	}
	var deleted []string
	for _, id := range messageIDs {
		ok, err := s.deps.Store.DeleteRecordByMessageID(ctx, token, id)
		if err != nil {
			return deleted, err
		}
		if ok {
			deleted = append(deleted, id)
		}
	}
	return deleted, nil
}

// SearchResult is one collection-search hit with its derived relevance.
type SearchResult struct {
	domain.Message
	Distance       float64 `json:"_distance"`
	RelevanceScore float64 `json:"relevanceScore"`
}

func (s *Service) Search(ctx context.Context, userID, token string, coll domain.Collection, query string, k int) ([]SearchResult, error) {
	chat, err := s.ownedChat(userID, token)
	if err != nil {
		return nil, err
	}
	vec, err := s.deps.Embed.GenerateEmbedding(ctx, query, chat.Config)
	if err != nil {
		return nil, err
	}
	hits, err := s.deps.Store.SearchByVector(ctx, token, coll, vec, k)
	if err != nil {
		return nil, err
	}
	out := make([]SearchResult, 0, len(hits))
	for _, h := range hits {
		out = append(out, SearchResult{
			Message:        h.Message,
			Distance:       h.Distance,
			RelevanceScore: 1.0 / (1.0 + h.Distance),
		})
	}
	return out, nil
}

// SearchGlobal fans the query out over every chat the user owns, using the
// anchor chat's embedding keys.
func (s *Service) SearchGlobal(ctx context.Context, userID, token, query string, kPerChat int) ([]vecstore.CrossChatResult, error) {
	chat, err := s.ownedChat(userID, token)
	if err != nil {
		return nil, err
	}
	chats, err := s.deps.Meta.ListByUser(userID)
	if err != nil {
		return nil, err
	}
	tokens := make([]string, 0, len(chats))
	for _, c := range chats {
		tokens = append(tokens, c.Token)
	}
	vec, err := s.deps.Embed.GenerateEmbedding(ctx, query, chat.Config)
	if err != nil {
		return nil, err
	}
	return s.deps.Store.SearchAcrossChats(ctx, tokens, domain.AllCollections(), vec, kPerChat)
}

// MemoryStats reports per-collection record and zero-embedding counts.
type MemoryStats struct {
	Collections map[domain.Collection]CollectionStats `json:"collections"`
	Total       int                                   `json:"total"`
}

type CollectionStats struct {
	Count          int `json:"count"`
	ZeroEmbeddings int `json:"zeroEmbeddings"`
}

func (s *Service) MemoryStats(ctx context.Context, userID, token string) (*MemoryStats, error) {
	if _, err := s.ownedChat(userID, token); err != nil {
		return nil, err
	}
	stats := &MemoryStats{Collections: map[domain.Collection]CollectionStats{}}
	for _, coll := range domain.AllCollections() {
		all, err := s.deps.Store.GetAllRecords(ctx, token, coll)
		if err != nil {
			return nil, err
		}
		zero := 0
		for i := range all {
			if all[i].HasZeroVector() {
				zero++
			}
		}
		stats.Collections[coll] = CollectionStats{Count: len(all), ZeroEmbeddings: zero}
		stats.Total += len(all)
	}
	return stats, nil
}

func (s *Service) CheckEmbeddings(ctx context.Context, userID, token string) (map[domain.Collection]int, error) {
	if _, err := s.ownedChat(userID, token); err != nil {
		return nil, err
	}
	out := map[domain.Collection]int{}
	for _, coll := range domain.AllCollections() {
		count, err := s.deps.Store.CountZeroEmbeddings(ctx, token, coll)
		if err != nil {
			return nil, err
		}
		out[coll] = count
	}
	return out, nil
}

func (s *Service) RepairEmbeddings(ctx context.Context, userID, token string) (int, error) {
	chat, err := s.ownedChat(userID, token)
	if err != nil {
		return 0, err
	}
	return s.deps.Store.RepairZeroEmbeddings(ctx, token, domain.AllCollections(),
		func(ctx context.Context, text string) ([]float32, error) {
			return s.deps.Embed.GenerateEmbedding(ctx, text, chat.Config)
		}, time.Second)
}

// Branch forks a chat at one historico message: the new chat keeps the same
// config, historico truncated after the branch point, fatos and conceitos
// copied wholesale. Vectors are copied bit-for-bit.
func (s *Service) Branch(ctx context.Context, userID, token, messageID, title string) (*domain.Chat, error) {
	src, err := s.ownedChat(userID, token)
	if err != nil {
		return nil, err
	}
	cut, _, err := s.deps.Store.GetRecordByMessageID(ctx, token, messageID)
	if err != nil {
		return nil, apierr.NotFound("Mensagem")
	}
	if strings.TrimSpace(title) == "" {
		title = src.Title + " (ramificação)"
	}
	branch, err := s.Create(ctx, userID, title, src.Config)
	if err != nil {
		return nil, err
	}
	for _, coll := range domain.AllCollections() {
		all, err := s.deps.Store.GetAllRecords(ctx, token, coll)
		if err != nil {
			return nil, err
		}
		sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt < all[j].CreatedAt })
		for _, msg := range all {
			if coll == domain.CollectionHistorico && msg.CreatedAt > cut.CreatedAt {
				continue
			}
			if err := s.deps.Store.InsertRecord(ctx, branch.Token, coll, msg); err != nil {
				return nil, err
			}
		}
	}
	s.log.Info("chat branched", "chat_token", token, "branch_token", branch.Token, "messageid", messageID)
	return branch, nil
}

// pdfChunkWords is the approximate chunk size for document vectorization.
const pdfChunkWords = 1200

// ChunkText splits extracted document text into ~n-word chunks on word
// boundaries.
func ChunkText(text string, n int) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	var chunks []string
	for start := 0; start < len(words); start += n {
		end := start + n
		if end > len(words) {
			end = len(words)
		}
		chunks = append(chunks, strings.Join(words[start:end], " "))
	}
	return chunks
}

// VectorizePDF ingests extracted document text as document-role records in
// the target collection, one per chunk.
func (s *Service) VectorizePDF(ctx context.Context, userID, token, name, text string, coll domain.Collection) (int, error) {
	chat, err := s.ownedChat(userID, token)
	if err != nil {
		return 0, err
	}
	if strings.TrimSpace(text) == "" {
		return 0, apierr.New(400, apierr.TypeUnknown, "O texto do documento é obrigatório.", nil)
	}
	if coll == "" {
		coll = domain.CollectionConceitos
	}
	chunks := ChunkText(text, pdfChunkWords)
	for i, chunk := range chunks {
		body := chunk
		if name != "" {
			body = "[" + name + "] " + chunk
		}
		vec, err := s.deps.Embed.GenerateEmbedding(ctx, body, chat.Config)
		if err != nil {
			s.log.Warn("pdf chunk embedding failed, storing zero vector",
				"chat_token", token, "chunk", i, "error", err)
			vec = domain.ZeroVector(chat.Config.Dimension())
		}
		msg := domain.Message{
			MessageID: uuid.NewString(),
			Text:      body,
			Vector:    vec,
			Role:      domain.RoleDocument,
			CreatedAt: time.Now().UnixMilli(),
		}
		if err := s.deps.Store.InsertRecord(ctx, token, coll, msg); err != nil {
			return i, err
		}
	}
	return len(chunks), nil
}

// Generate runs one full turn.
func (s *Service) Generate(ctx context.Context, userID, token, userText string, attachments []domain.Attachment) (*steps.TurnResult, error) {
	chat, err := s.ownedChat(userID, token)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(userText) == "" && len(attachments) == 0 {
		return nil, apierr.New(400, apierr.TypeUnknown, "A mensagem não pode ser vazia.", nil)
	}
	return steps.GenerateTurn(ctx, s.deps, chat, userText, attachments)
}
