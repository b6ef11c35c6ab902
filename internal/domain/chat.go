package domain

import "strings"

// VectorMemoryPlaceholder is substituted with the assembled memory briefing
// inside a chat's system instruction template.
const VectorMemoryPlaceholder = "{vector_memory}"

const DefaultEmbeddingDimension = 3072

type RateLimits struct {
	RequestsPerMinute int `json:"requestsPerMinute,omitempty"`
	TokensPerMinute   int `json:"tokensPerMinute,omitempty"`
	RequestsPerDay    int `json:"requestsPerDay,omitempty"`
}

type ChatConfig struct {
	// Provider is the active generation provider tag (gemini, openai,
	// cerebras, localproxy, anthropic).
	Provider    string  `json:"provider"`
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	// SystemInstruction is a template carrying VectorMemoryPlaceholder.
	SystemInstruction  string     `json:"systemInstruction"`
	EmbeddingKeys      []string   `json:"embeddingKeys,omitempty"`
	GenerationKeys     []string   `json:"generationKeys,omitempty"`
	RateLimits         RateLimits `json:"rateLimits,omitempty"`
	EmbeddingDimension int        `json:"embeddingDimension,omitempty"`
}

func (c *ChatConfig) Dimension() int {
	if c == nil || c.EmbeddingDimension <= 0 {
		return DefaultEmbeddingDimension
	}
	return c.EmbeddingDimension
}

// Chat is the metadata sidecar record; message bodies live in the vector
// store, never here.
type Chat struct {
	Token     string     `json:"token"`
	UserID    string     `json:"userId"`
	Title     string     `json:"title"`
	CreatedAt int64      `json:"createdAt"`
	UpdatedAt int64      `json:"updatedAt"`
	Config    ChatConfig `json:"config"`
}

func (c *Chat) OwnedBy(userID string) bool {
	return c != nil && c.UserID != "" && c.UserID == strings.TrimSpace(userID)
}
