package steps

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/fablemind/fablemind-backend/internal/domain"
)

// EternalMemories loads the fatos/conceitos records pinned into every
// briefing, independent of what retrieval surfaces for the turn.
func EternalMemories(ctx context.Context, deps Deps, token string) ([]domain.Message, error) {
	var out []domain.Message
	for _, coll := range []domain.Collection{domain.CollectionFatos, domain.CollectionConceitos} {
		msgs, err := deps.Store.GetAllRecords(ctx, token, coll)
		if err != nil {
			return nil, err
		}
		for _, m := range msgs {
			if m.Eternal {
				out = append(out, m)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

// renderEternalBlock formats the pinned memories as a context block placed
// ahead of the retrieved lines.
func renderEternalBlock(eternal []domain.Message) string {
	if len(eternal) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Memórias fixas desta história (sempre válidas):\n")
	for _, m := range eternal {
		fmt.Fprintf(&b, "- [FIXA] [ID: %s] %s\n", m.MessageID, m.Text)
	}
	b.WriteString("\n")
	return b.String()
}
