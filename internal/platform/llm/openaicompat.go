package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/fablemind/fablemind-backend/internal/platform/envutil"
	"github.com/fablemind/fablemind-backend/internal/platform/logger"
)

// openAICompatProvider serves every chat/completions-compatible endpoint:
// the generic router, Cerebras, and the per-user local cli2api proxy. Only
// the base URL differs per tag.
type openAICompatProvider struct {
	log             *logger.Logger
	tag             string
	defaultBaseURL  string
	reasoningEffort string
}

func newOpenAICompatProvider(log *logger.Logger, tag string) *openAICompatProvider {
	p := &openAICompatProvider{
		log:             log.With("service", "OpenAICompatProvider", "provider", tag),
		tag:             tag,
		reasoningEffort: envutil.String("OPENAI_REASONING_EFFORT", ""),
	}
	switch tag {
	case ProviderCerebras:
		p.defaultBaseURL = envutil.String("CEREBRAS_BASE_URL", "https://api.cerebras.ai/v1")
	case ProviderLocalProxy:
		// Resolved per request from the supervisor's port allocation.
		p.defaultBaseURL = ""
	default:
		p.defaultBaseURL = envutil.String("OPENAI_BASE_URL", "https://openrouter.ai/api/v1")
	}
	return p
}

func (p *openAICompatProvider) Name() string { return p.tag }

func (p *openAICompatProvider) Generate(ctx context.Context, apiKey string, req Request) (*Response, error) {
	baseURL := strings.TrimSpace(req.BaseURL)
	if baseURL == "" {
		baseURL = p.defaultBaseURL
	}
	if baseURL == "" {
		return nil, fmt.Errorf("%s: no base URL resolved for request", p.tag)
	}

	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = strings.TrimRight(baseURL, "/")
	client := openai.NewClientWithConfig(cfg)

	ccr := openai.ChatCompletionRequest{
		Model:       req.Model,
		Temperature: float32(req.Temperature),
		Messages:    toOpenAIMessages(req.SystemInstruction, req.History),
	}
	if p.reasoningEffort != "" {
		ccr.ReasoningEffort = p.reasoningEffort
	}
	for _, t := range req.Tools {
		ccr.Tools = append(ccr.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	out, err := client.CreateChatCompletion(ctx, ccr)
	if err != nil {
		return nil, p.wrapError(err)
	}
	if len(out.Choices) == 0 {
		return nil, &ProviderError{Provider: p.tag, Body: "no choices returned"}
	}
	choice := out.Choices[0]

	var parts []Part
	if choice.Message.Content != "" {
		parts = append(parts, TextPart(choice.Message.Content))
	}
	for _, tc := range choice.Message.ToolCalls {
		args := map[string]any{}
		if raw := strings.TrimSpace(tc.Function.Arguments); raw != "" {
			if err := json.Unmarshal([]byte(raw), &args); err != nil {
				p.log.Warn("tool call arguments are not valid JSON",
					"tool", tc.Function.Name, "error", err)
				args = map[string]any{"_raw": raw}
			}
		}
		parts = append(parts, Part{FunctionCall: &FunctionCall{Name: tc.Function.Name, Args: args}})
	}
	return collectResponse(parts), nil
}

func (p *openAICompatProvider) wrapError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &ProviderError{Provider: p.tag, StatusCode: apiErr.HTTPStatusCode, Body: apiErr.Message, Err: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &ProviderError{Provider: p.tag, StatusCode: reqErr.HTTPStatusCode, Err: err}
	}
	return &ProviderError{Provider: p.tag, Err: err}
}

// toOpenAIMessages flattens the unified history into chat/completions
// messages. Assistant tool calls get synthetic ids consumed FIFO by the
// function turns that follow, so call/result pairing survives the format.
func toOpenAIMessages(system string, history []Turn) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	if sys := strings.TrimSpace(system); sys != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: sys})
	}

	var pendingCallIDs []string
	nextID := 0
	for _, turn := range history {
		switch turn.Role {
		case RoleModel:
			msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant}
			var text strings.Builder
			for _, part := range turn.Parts {
				if part.Text != "" {
					text.WriteString(part.Text)
				}
				if part.FunctionCall != nil {
					id := fmt.Sprintf("call_%d", nextID)
					nextID++
					pendingCallIDs = append(pendingCallIDs, id)
					args, _ := json.Marshal(part.FunctionCall.Args)
					msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
						ID:   id,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      part.FunctionCall.Name,
							Arguments: string(args),
						},
					})
				}
			}
			msg.Content = text.String()
			msgs = append(msgs, msg)
		case RoleFunction:
			for _, part := range turn.Parts {
				if part.FunctionResponse == nil {
					continue
				}
				id := ""
				if len(pendingCallIDs) > 0 {
					id = pendingCallIDs[0]
					pendingCallIDs = pendingCallIDs[1:]
				}
				content, _ := json.Marshal(part.FunctionResponse.Response)
				msgs = append(msgs, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					ToolCallID: id,
					Name:       part.FunctionResponse.Name,
					Content:    string(content),
				})
			}
		default:
			msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser}
			var text strings.Builder
			hasImage := false
			var multi []openai.ChatMessagePart
			for _, part := range turn.Parts {
				if part.Text != "" {
					text.WriteString(part.Text)
					multi = append(multi, openai.ChatMessagePart{
						Type: openai.ChatMessagePartTypeText,
						Text: part.Text,
					})
				}
				if part.InlineData != nil {
					hasImage = true
					multi = append(multi, openai.ChatMessagePart{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL: fmt.Sprintf("data:%s;base64,%s", part.InlineData.MimeType, part.InlineData.Data),
						},
					})
				}
			}
			if hasImage {
				msg.MultiContent = multi
			} else {
				msg.Content = text.String()
			}
			msgs = append(msgs, msg)
		}
	}
	return msgs
}
