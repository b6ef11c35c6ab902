// Package llm exposes a provider-neutral chat generation surface. Adapters
// translate the unified request into each provider's wire format; the
// dispatcher rotates keys and applies cooldowns on top.
package llm

import (
	"fmt"
	"strings"
	"time"

	"github.com/fablemind/fablemind-backend/internal/domain"
)

type Role string

const (
	RoleUser     Role = "user"
	RoleModel    Role = "model"
	RoleFunction Role = "function"
)

// FunctionCall is a tool invocation requested by the model.
type FunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// FunctionResponse carries one tool result back into the conversation.
type FunctionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type InlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"` // base64
}

// Part is one piece of a turn. Exactly one of the pointer-ish fields is set;
// order inside a turn is significant and preserved through the adapters so a
// model turn can be echoed verbatim.
type Part struct {
	Text             string            `json:"text,omitempty"`
	InlineData       *InlineData       `json:"inlineData,omitempty"`
	FunctionCall     *FunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *FunctionResponse `json:"functionResponse,omitempty"`
	ThoughtSignature string            `json:"thoughtSignature,omitempty"`
}

func TextPart(text string) Part { return Part{Text: text} }

type Turn struct {
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
}

// Schema is a JSON-schema subset shared by all providers' tool declarations.
// Types are lowercase JSON-schema names; the gemini adapter uppercases them.
type Schema struct {
	Type        string             `json:"type,omitempty"`
	Description string             `json:"description,omitempty"`
	Properties  map[string]*Schema `json:"properties,omitempty"`
	Items       *Schema            `json:"items,omitempty"`
	Enum        []string           `json:"enum,omitempty"`
	Required    []string           `json:"required,omitempty"`
}

type Tool struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Parameters  *Schema `json:"parameters,omitempty"`
}

// Request is the provider-neutral chat call.
type Request struct {
	Provider          string
	Model             string
	Temperature       float64
	SystemInstruction string
	History           []Turn
	Tools             []Tool
	Keys              []string
	RateLimits        domain.RateLimits
	// BaseURL overrides the provider endpoint; used by the localproxy tag
	// where each user gets a distinct local port.
	BaseURL string
	// Timeout, when zero, falls back to the per-provider default.
	Timeout time.Duration
}

// Response preserves the model turn part-for-part. Text is the concatenation
// of the text parts; FunctionCalls lists the tool calls in order.
type Response struct {
	Text             string
	Parts            []Part
	FunctionCalls    []FunctionCall
	ThoughtSignature string
}

// ProviderError is a failed provider HTTP call, kept classifiable by status
// code and body for the dispatcher's rotation decisions.
type ProviderError struct {
	Provider   string
	StatusCode int
	Body       string
	Err        error
}

func (e *ProviderError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Provider, e.Err)
	}
	body := e.Body
	if len(body) > 300 {
		body = body[:300]
	}
	return fmt.Sprintf("%s: status=%d body=%s", e.Provider, e.StatusCode, body)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// ModerationError is a provider-side content block; it surfaces to the
// client as a moderation error, never as a retry candidate.
type ModerationError struct {
	Reasons []string
}

func (e *ModerationError) Error() string {
	return "response blocked by provider moderation: " + strings.Join(e.Reasons, ", ")
}

func collectResponse(parts []Part) *Response {
	resp := &Response{Parts: parts}
	var text strings.Builder
	for _, p := range parts {
		if p.Text != "" {
			text.WriteString(p.Text)
		}
		if p.FunctionCall != nil {
			resp.FunctionCalls = append(resp.FunctionCalls, *p.FunctionCall)
		}
		if p.ThoughtSignature != "" {
			resp.ThoughtSignature = p.ThoughtSignature
		}
	}
	resp.Text = text.String()
	return resp
}
