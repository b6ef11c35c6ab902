package chat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fablemind/fablemind-backend/internal/domain"
	"github.com/fablemind/fablemind-backend/internal/platform/apierr"
)

// ImportProgress is one progress notification during a memory import.
type ImportProgress struct {
	Collection string `json:"collection"`
	Done       int    `json:"done"`
	Total      int    `json:"total"`
	Reembedded int    `json:"reembedded"`
}

// ProgressFunc receives import progress. A nil func disables reporting.
type ProgressFunc func(ImportProgress)

// ImportResult summarizes a finished import.
type ImportResult struct {
	Imported      int  `json:"imported"`
	Reembedded    int  `json:"reembedded"`
	VectorsReused bool `json:"vectorsReused"`
}

// ImportMemories loads an export document into an existing chat. When the
// document's dimension matches the chat's and a record carries a vector,
// that vector is stored as-is with no embedding call. Everything else is
// re-embedded, with the zero sentinel on failure.
func (s *Service) ImportMemories(ctx context.Context, userID, token string, doc *ExportDocument, progress ProgressFunc) (*ImportResult, error) {
	chat, err := s.ownedChat(userID, token)
	if err != nil {
		return nil, err
	}
	if err := validateImport(doc); err != nil {
		return nil, err
	}
	if err := s.deps.Store.InitializeCollections(ctx, token); err != nil {
		return nil, err
	}

	dim := chat.Config.Dimension()
	reusable := doc.EmbeddingDimension == dim
	result := &ImportResult{VectorsReused: reusable}

	for _, coll := range domain.AllCollections() {
		records := doc.Collections[string(coll)]
		for i, rec := range records {
			if strings.TrimSpace(rec.Text) == "" {
				continue
			}
			var vec []float32
			switch {
			case reusable && len(rec.Vector) == dim:
				vec = rec.Vector
			default:
				vec, err = s.deps.Embed.GenerateEmbedding(ctx, rec.Text, chat.Config)
				if err != nil {
					s.log.Warn("import embedding failed, storing zero vector",
						"chat_token", token, "collection", coll, "error", err)
					vec = domain.ZeroVector(dim)
				}
				result.Reembedded++
			}
			msg := domain.Message{
				MessageID: uuid.NewString(),
				Text:      rec.Text,
				Vector:    vec,
				Role:      importRole(rec.Role),
				CreatedAt: rec.CreatedAt,
				Eternal:   rec.Eternal,
			}
			if msg.CreatedAt == 0 {
				msg.CreatedAt = time.Now().UnixMilli()
			}
			if err := s.deps.Store.InsertRecord(ctx, token, coll, msg); err != nil {
				return result, err
			}
			result.Imported++
			if progress != nil {
				progress(ImportProgress{
					Collection: string(coll),
					Done:       i + 1,
					Total:      len(records),
					Reembedded: result.Reembedded,
				})
			}
		}
	}
	s.deps.Meta.Touch(token)
	return result, nil
}

// ImportChat creates a fresh chat and loads the document into it.
func (s *Service) ImportChat(ctx context.Context, userID string, doc *ExportDocument, cfg domain.ChatConfig, progress ProgressFunc) (*domain.Chat, *ImportResult, error) {
	if err := validateImport(doc); err != nil {
		return nil, nil, err
	}
	title := doc.Source.ChatTitle
	if strings.TrimSpace(title) == "" {
		title = "Chat importado"
	}
	if cfg.EmbeddingDimension <= 0 && doc.EmbeddingDimension > 0 {
		cfg.EmbeddingDimension = doc.EmbeddingDimension
	}
	chat, err := s.Create(ctx, userID, title, cfg)
	if err != nil {
		return nil, nil, err
	}
	result, err := s.ImportMemories(ctx, userID, chat.Token, doc, progress)
	if err != nil {
		return chat, result, err
	}
	return chat, result, nil
}

func validateImport(doc *ExportDocument) error {
	if doc == nil {
		return apierr.New(400, apierr.TypeUnknown, "O documento de importação é obrigatório.", nil)
	}
	switch doc.Version {
	case "1.0", "1.1":
	default:
		return apierr.New(400, apierr.TypeUnknown,
			fmt.Sprintf("Versão de exportação não suportada: %q.", doc.Version), nil)
	}
	if len(doc.Collections) == 0 {
		return apierr.New(400, apierr.TypeUnknown, "O documento de importação não contém coleções.", nil)
	}
	for name := range doc.Collections {
		if _, ok := domain.ParseCollection(name); !ok {
			return apierr.New(400, apierr.TypeUnknown,
				fmt.Sprintf("Coleção desconhecida no documento: %q.", name), nil)
		}
	}
	return nil
}

func importRole(s string) domain.Role {
	switch domain.Role(strings.ToLower(strings.TrimSpace(s))) {
	case domain.RoleModel:
		return domain.RoleModel
	case domain.RoleDocument:
		return domain.RoleDocument
	default:
		return domain.RoleUser
	}
}
