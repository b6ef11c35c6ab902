package steps

import (
	"fmt"
	"strings"

	"github.com/fablemind/fablemind-backend/internal/platform/llm"
)

// MemoryContext is the assembled retrieval product of one turn.
type MemoryContext struct {
	// ContextText substitutes {vector_memory} after summarization.
	ContextText string
	Display     []MemoryDisplay
	// MediaParts is the RAG media injection placed immediately before the
	// latest user turn.
	MediaParts []llm.Part
}

// BuildMemoryContext renders the fused results as context lines, collects
// the display list and assembles up to maxRAGMedia recovered attachments.
func BuildMemoryContext(selected []ScoredResult) *MemoryContext {
	out := &MemoryContext{}
	var lines strings.Builder
	var mediaDescriptions []string

	for _, r := range selected {
		line := fmt.Sprintf("- [%s] [ID: %s] %s", strings.ToUpper(string(r.Role)), r.MessageID, r.Text)
		for _, att := range r.DecodeAttachments() {
			if att.RAGDescription != "" {
				line += fmt.Sprintf(" [Mídia: %s — %s]", att.Name, att.RAGDescription)
			}
		}
		lines.WriteString(line)
		lines.WriteString("\n")

		out.Display = append(out.Display, MemoryDisplay{
			MessageID:        r.MessageID,
			Text:             r.Text,
			Category:         r.Category,
			QueryType:        r.QueryType,
			Score:            1.0 / (1.0 + r.Distance),
			Distance:         r.Distance,
			OriginalDistance: r.OriginalDistance,
		})

		if len(out.MediaParts) < maxRAGMedia {
			for _, att := range r.DecodeAttachments() {
				if len(out.MediaParts) >= maxRAGMedia {
					break
				}
				if att.Data == "" {
					continue
				}
				out.MediaParts = append(out.MediaParts, llm.Part{
					InlineData: &llm.InlineData{MimeType: att.MimeType, Data: att.Data},
				})
				desc := att.Name
				if att.RAGDescription != "" {
					desc = fmt.Sprintf("%s: %s", att.Name, att.RAGDescription)
				}
				mediaDescriptions = append(mediaDescriptions, desc)
			}
		}
	}

	out.ContextText = lines.String()
	if len(out.MediaParts) > 0 {
		preamble := "Arquivos recuperados da memória desta história:\n- " + strings.Join(mediaDescriptions, "\n- ")
		out.MediaParts = append([]llm.Part{llm.TextPart(preamble)}, out.MediaParts...)
	}
	return out
}
