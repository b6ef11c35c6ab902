package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/fablemind/fablemind-backend/internal/platform/envutil"
	"github.com/fablemind/fablemind-backend/internal/platform/logger"
)

const geminiDefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// geminiProvider talks to the Generative Language REST API directly. The
// REST surface is what lets functionCall parts carry thoughtSignature
// through a round trip, which the tool loop echoes verbatim.
type geminiProvider struct {
	log        *logger.Logger
	baseURL    string
	httpClient *http.Client
}

func newGeminiProvider(log *logger.Logger) *geminiProvider {
	return &geminiProvider{
		log:        log.With("service", "GeminiProvider"),
		baseURL:    strings.TrimRight(envutil.String("GEMINI_BASE_URL", geminiDefaultBaseURL), "/"),
		httpClient: &http.Client{},
	}
}

func (p *geminiProvider) Name() string { return ProviderGemini }

type geminiPart struct {
	Text             string            `json:"text,omitempty"`
	InlineData       *geminiInlineData `json:"inlineData,omitempty"`
	FunctionCall     *geminiFnCall     `json:"functionCall,omitempty"`
	FunctionResponse *geminiFnResp     `json:"functionResponse,omitempty"`
	ThoughtSignature string            `json:"thoughtSignature,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiFnCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

type geminiFnResp struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiSchema struct {
	Type        string                   `json:"type,omitempty"`
	Description string                   `json:"description,omitempty"`
	Properties  map[string]*geminiSchema `json:"properties,omitempty"`
	Items       *geminiSchema            `json:"items,omitempty"`
	Enum        []string                 `json:"enum,omitempty"`
	Required    []string                 `json:"required,omitempty"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent   `json:"systemInstruction,omitempty"`
	Contents          []geminiContent  `json:"contents"`
	Tools             []geminiToolDecl `json:"tools,omitempty"`
	GenerationConfig  *geminiGenConfig `json:"generationConfig,omitempty"`
}

type geminiToolDecl struct {
	FunctionDeclarations []geminiFunctionDecl `json:"functionDeclarations"`
}

type geminiFunctionDecl struct {
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Parameters  *geminiSchema `json:"parameters,omitempty"`
}

type geminiGenConfig struct {
	Temperature float64 `json:"temperature"`
}

type geminiResponse struct {
	Candidates []struct {
		Content       geminiContent `json:"content"`
		FinishReason  string        `json:"finishReason"`
		SafetyRatings []struct {
			Category string `json:"category"`
			Blocked  bool   `json:"blocked"`
		} `json:"safetyRatings"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
}

func (p *geminiProvider) Generate(ctx context.Context, apiKey string, req Request) (*Response, error) {
	body := geminiRequest{
		Contents: toGeminiContents(req.History),
	}
	if sys := strings.TrimSpace(req.SystemInstruction); sys != "" {
		body.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: sys}}}
	}
	if len(req.Tools) > 0 {
		decl := geminiToolDecl{}
		for _, t := range req.Tools {
			decl.FunctionDeclarations = append(decl.FunctionDeclarations, geminiFunctionDecl{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  toGeminiSchema(t.Parameters),
			})
		}
		body.Tools = []geminiToolDecl{decl}
	}
	body.GenerationConfig = &geminiGenConfig{Temperature: req.Temperature}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode gemini request: %w", err)
	}
	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", p.baseURL, req.Model, apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, &ProviderError{Provider: ProviderGemini, Err: err}
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return nil, &ProviderError{Provider: ProviderGemini, StatusCode: resp.StatusCode, Body: string(raw)}
	}

	var out geminiResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode gemini response: %w", err)
	}
	if out.PromptFeedback != nil && out.PromptFeedback.BlockReason != "" {
		return nil, &ModerationError{Reasons: []string{out.PromptFeedback.BlockReason}}
	}
	if len(out.Candidates) == 0 {
		return nil, &ProviderError{Provider: ProviderGemini, StatusCode: resp.StatusCode, Body: "no candidates returned"}
	}
	cand := out.Candidates[0]
	if cand.FinishReason == "SAFETY" || cand.FinishReason == "PROHIBITED_CONTENT" {
		reasons := []string{cand.FinishReason}
		for _, r := range cand.SafetyRatings {
			if r.Blocked {
				reasons = append(reasons, r.Category)
			}
		}
		return nil, &ModerationError{Reasons: reasons}
	}

	parts := make([]Part, 0, len(cand.Content.Parts))
	for _, gp := range cand.Content.Parts {
		part := Part{Text: gp.Text, ThoughtSignature: gp.ThoughtSignature}
		if gp.FunctionCall != nil {
			part.FunctionCall = &FunctionCall{Name: gp.FunctionCall.Name, Args: gp.FunctionCall.Args}
		}
		if gp.InlineData != nil {
			part.InlineData = &InlineData{MimeType: gp.InlineData.MimeType, Data: gp.InlineData.Data}
		}
		parts = append(parts, part)
	}
	return collectResponse(parts), nil
}

func toGeminiContents(history []Turn) []geminiContent {
	out := make([]geminiContent, 0, len(history))
	for _, turn := range history {
		content := geminiContent{Role: geminiRole(turn.Role)}
		for _, part := range turn.Parts {
			gp := geminiPart{Text: part.Text, ThoughtSignature: part.ThoughtSignature}
			if part.InlineData != nil {
				gp.InlineData = &geminiInlineData{MimeType: part.InlineData.MimeType, Data: part.InlineData.Data}
			}
			if part.FunctionCall != nil {
				gp.FunctionCall = &geminiFnCall{Name: part.FunctionCall.Name, Args: part.FunctionCall.Args}
			}
			if part.FunctionResponse != nil {
				gp.FunctionResponse = &geminiFnResp{Name: part.FunctionResponse.Name, Response: part.FunctionResponse.Response}
			}
			content.Parts = append(content.Parts, gp)
		}
		if len(content.Parts) == 0 {
			continue
		}
		out = append(out, content)
	}
	return out
}

func geminiRole(r Role) string {
	switch r {
	case RoleModel:
		return "model"
	case RoleFunction:
		return "function"
	default:
		return "user"
	}
}

func toGeminiSchema(s *Schema) *geminiSchema {
	if s == nil {
		return nil
	}
	out := &geminiSchema{
		Type:        strings.ToUpper(s.Type),
		Description: s.Description,
		Items:       toGeminiSchema(s.Items),
		Enum:        s.Enum,
		Required:    s.Required,
	}
	if len(s.Properties) > 0 {
		out.Properties = make(map[string]*geminiSchema, len(s.Properties))
		for name, prop := range s.Properties {
			out.Properties[name] = toGeminiSchema(prop)
		}
	}
	return out
}
