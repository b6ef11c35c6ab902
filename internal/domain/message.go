package domain

import (
	"encoding/json"
	"math"
	"strings"
)

type Role string

const (
	RoleUser     Role = "user"
	RoleModel    Role = "model"
	RoleDocument Role = "document"
)

// Collection names the three per-chat memory tables.
type Collection string

const (
	CollectionHistorico Collection = "historico"
	CollectionFatos     Collection = "fatos"
	CollectionConceitos Collection = "conceitos"
)

func AllCollections() []Collection {
	return []Collection{CollectionHistorico, CollectionFatos, CollectionConceitos}
}

func ParseCollection(s string) (Collection, bool) {
	switch Collection(strings.TrimSpace(strings.ToLower(s))) {
	case CollectionHistorico:
		return CollectionHistorico, true
	case CollectionFatos:
		return CollectionFatos, true
	case CollectionConceitos:
		return CollectionConceitos, true
	default:
		return "", false
	}
}

// Attachment is one descriptor inside a message's attachments payload.
type Attachment struct {
	Name           string `json:"name"`
	MimeType       string `json:"mimeType"`
	Data           string `json:"data"` // base64
	RAGDescription string `json:"ragDescription,omitempty"`
}

// Message is the shared record schema of all three collections.
type Message struct {
	MessageID string    `json:"messageid"`
	Text      string    `json:"text"`
	Vector    []float32 `json:"vector"`
	Role      Role      `json:"role"`
	// CreatedAt is unix milliseconds; it is the authoritative ordering key
	// and is never rewritten on edit.
	CreatedAt   int64  `json:"createdAt"`
	Attachments string `json:"attachments,omitempty"`
	// Eternal pins a fatos/conceitos entry into every briefing regardless
	// of retrieval.
	Eternal          bool   `json:"eternal,omitempty"`
	ThoughtSignature string `json:"thoughtSignature,omitempty"`
}

const zeroVectorEpsilon = 1e-3

// HasZeroVector reports the "embedding failed, needs repair" sentinel.
func (m *Message) HasZeroVector() bool {
	if m == nil {
		return false
	}
	return IsZeroVector(m.Vector)
}

func IsZeroVector(v []float32) bool {
	if len(v) == 0 {
		return true
	}
	var sum float64
	for _, x := range v {
		sum += math.Abs(float64(x))
	}
	return sum < zeroVectorEpsilon
}

func ZeroVector(dim int) []float32 {
	return make([]float32, dim)
}

func (m *Message) DecodeAttachments() []Attachment {
	if m == nil || strings.TrimSpace(m.Attachments) == "" {
		return nil
	}
	var out []Attachment
	if err := json.Unmarshal([]byte(m.Attachments), &out); err != nil {
		return nil
	}
	return out
}

func EncodeAttachments(atts []Attachment) string {
	if len(atts) == 0 {
		return ""
	}
	b, err := json.Marshal(atts)
	if err != nil {
		return ""
	}
	return string(b)
}
