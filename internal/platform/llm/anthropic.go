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

const (
	anthropicDefaultBaseURL = "https://api.anthropic.com"
	anthropicVersion        = "2023-06-01"
	anthropicMaxTokens      = 8192
)

type anthropicProvider struct {
	log        *logger.Logger
	baseURL    string
	httpClient *http.Client
}

func newAnthropicProvider(log *logger.Logger) *anthropicProvider {
	return &anthropicProvider{
		log:        log.With("service", "AnthropicProvider"),
		baseURL:    strings.TrimRight(envutil.String("ANTHROPIC_BASE_URL", anthropicDefaultBaseURL), "/"),
		httpClient: &http.Client{},
	}
}

func (p *anthropicProvider) Name() string { return ProviderAnthropic }

type anthropicBlock struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	Source *anthropicImageSource `json:"source,omitempty"`

	// tool_use
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   any    `json:"content,omitempty"`
}

type anthropicImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

type anthropicTool struct {
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	InputSchema *Schema `json:"input_schema"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Temperature *float64           `json:"temperature,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
}

type anthropicResponse struct {
	Content    []anthropicBlock `json:"content"`
	StopReason string           `json:"stop_reason"`
	Error      *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (p *anthropicProvider) Generate(ctx context.Context, apiKey string, req Request) (*Response, error) {
	body := anthropicRequest{
		Model:     req.Model,
		MaxTokens: anthropicMaxTokens,
		System:    strings.TrimSpace(req.SystemInstruction),
		Messages:  toAnthropicMessages(req.History),
	}
	if req.Temperature > 0 {
		t := req.Temperature
		body.Temperature = &t
	}
	for _, t := range req.Tools {
		params := t.Parameters
		if params == nil {
			params = &Schema{Type: "object"}
		}
		body.Tools = append(body.Tools, anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: params,
		})
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode anthropic request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, &ProviderError{Provider: ProviderAnthropic, Err: err}
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return nil, &ProviderError{Provider: ProviderAnthropic, StatusCode: resp.StatusCode, Body: string(raw)}
	}

	var out anthropicResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode anthropic response: %w", err)
	}
	if out.StopReason == "refusal" {
		return nil, &ModerationError{Reasons: []string{"refusal"}}
	}

	parts := make([]Part, 0, len(out.Content))
	for _, block := range out.Content {
		switch block.Type {
		case "text":
			parts = append(parts, TextPart(block.Text))
		case "tool_use":
			parts = append(parts, Part{FunctionCall: &FunctionCall{Name: block.Name, Args: block.Input}})
		}
	}
	return collectResponse(parts), nil
}

// toAnthropicMessages converts the unified history. Anthropic requires the
// first message to come from the user and pairs tool_result blocks to
// tool_use ids, so the conversion keeps a FIFO of synthetic ids, merges
// consecutive same-role messages and inserts a placeholder user turn when
// the history opens with a model turn.
func toAnthropicMessages(history []Turn) []anthropicMessage {
	var msgs []anthropicMessage
	var pendingToolIDs []string
	nextID := 0

	appendBlocks := func(role string, blocks []anthropicBlock) {
		if len(blocks) == 0 {
			return
		}
		if n := len(msgs); n > 0 && msgs[n-1].Role == role {
			msgs[n-1].Content = append(msgs[n-1].Content, blocks...)
			return
		}
		msgs = append(msgs, anthropicMessage{Role: role, Content: blocks})
	}

	for _, turn := range history {
		switch turn.Role {
		case RoleModel:
			var blocks []anthropicBlock
			for _, part := range turn.Parts {
				if part.Text != "" {
					blocks = append(blocks, anthropicBlock{Type: "text", Text: part.Text})
				}
				if part.FunctionCall != nil {
					id := fmt.Sprintf("toolu_%d", nextID)
					nextID++
					pendingToolIDs = append(pendingToolIDs, id)
					input := part.FunctionCall.Args
					if input == nil {
						input = map[string]any{}
					}
					blocks = append(blocks, anthropicBlock{
						Type:  "tool_use",
						ID:    id,
						Name:  part.FunctionCall.Name,
						Input: input,
					})
				}
			}
			if len(msgs) == 0 && len(blocks) > 0 {
				msgs = append(msgs, anthropicMessage{
					Role:    "user",
					Content: []anthropicBlock{{Type: "text", Text: "..."}},
				})
			}
			appendBlocks("assistant", blocks)
		case RoleFunction:
			var blocks []anthropicBlock
			for _, part := range turn.Parts {
				if part.FunctionResponse == nil {
					continue
				}
				id := ""
				if len(pendingToolIDs) > 0 {
					id = pendingToolIDs[0]
					pendingToolIDs = pendingToolIDs[1:]
				}
				content, _ := json.Marshal(part.FunctionResponse.Response)
				blocks = append(blocks, anthropicBlock{
					Type:      "tool_result",
					ToolUseID: id,
					Content:   []anthropicBlock{{Type: "text", Text: string(content)}},
				})
			}
			appendBlocks("user", blocks)
		default:
			var blocks []anthropicBlock
			for _, part := range turn.Parts {
				if part.Text != "" {
					blocks = append(blocks, anthropicBlock{Type: "text", Text: part.Text})
				}
				if part.InlineData != nil {
					blocks = append(blocks, anthropicBlock{
						Type: "image",
						Source: &anthropicImageSource{
							Type:      "base64",
							MediaType: part.InlineData.MimeType,
							Data:      part.InlineData.Data,
						},
					})
				}
			}
			appendBlocks("user", blocks)
		}
	}
	return msgs
}
