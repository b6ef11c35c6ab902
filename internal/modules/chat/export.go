package chat

import (
	"context"
	"sort"
	"time"

	"github.com/fablemind/fablemind-backend/internal/domain"
)

// ExportVersion is written into every export document. Imports accept 1.0
// (no vectors) and 1.1 (vectors inline).
const ExportVersion = "1.1"

type ExportSource struct {
	ChatID    string `json:"chatId"`
	ChatTitle string `json:"chatTitle"`
}

type ExportRecord struct {
	Text      string    `json:"text"`
	Role      string    `json:"role"`
	CreatedAt int64     `json:"createdAt"`
	Eternal   bool      `json:"eternal,omitempty"`
	Vector    []float32 `json:"vector,omitempty"`
}

// ExportDocument is the portable memory snapshot of one chat.
type ExportDocument struct {
	Version            string                    `json:"version"`
	ExportedAt         string                    `json:"exportedAt"`
	Source             ExportSource              `json:"source"`
	EmbeddingDimension int                       `json:"embeddingDimension"`
	Statistics         map[string]int            `json:"statistics"`
	Collections        map[string][]ExportRecord `json:"collections"`
}

// Export snapshots the requested collections (all three when colls is
// empty), vectors included so a dimension-matched import needs no
// embedding calls.
func (s *Service) Export(ctx context.Context, userID, token string, colls []domain.Collection) (*ExportDocument, error) {
	chat, err := s.ownedChat(userID, token)
	if err != nil {
		return nil, err
	}
	if len(colls) == 0 {
		colls = domain.AllCollections()
	}
	doc := &ExportDocument{
		Version:    ExportVersion,
		ExportedAt: time.Now().UTC().Format(time.RFC3339),
		Source: ExportSource{
			ChatID:    chat.Token,
			ChatTitle: chat.Title,
		},
		EmbeddingDimension: chat.Config.Dimension(),
		Statistics:         map[string]int{},
		Collections:        map[string][]ExportRecord{},
	}
	for _, coll := range colls {
		all, err := s.deps.Store.GetAllRecords(ctx, token, coll)
		if err != nil {
			return nil, err
		}
		sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt < all[j].CreatedAt })
		records := make([]ExportRecord, 0, len(all))
		for _, msg := range all {
			records = append(records, ExportRecord{
				Text:      msg.Text,
				Role:      string(msg.Role),
				CreatedAt: msg.CreatedAt,
				Eternal:   msg.Eternal,
				Vector:    msg.Vector,
			})
		}
		doc.Collections[string(coll)] = records
		doc.Statistics[string(coll)] = len(records)
	}
	return doc, nil
}
