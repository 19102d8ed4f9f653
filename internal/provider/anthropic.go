package provider

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicConfig configures the Messages API backend.
type AnthropicConfig struct {
	Model     string
	MaxTokens int
	BaseURL   string
}

// AnthropicBackend sends requests through the Anthropic Messages API. One
// SDK client is kept per API key.
type AnthropicBackend struct {
	cfg     AnthropicConfig
	clients sync.Map // api key -> *anthropic.Client
}

// NewAnthropicBackend creates the backend.
func NewAnthropicBackend(cfg AnthropicConfig) *AnthropicBackend {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	return &AnthropicBackend{cfg: cfg}
}

func (b *AnthropicBackend) client(apiKey string) *anthropic.Client {
	if c, ok := b.clients.Load(apiKey); ok {
		return c.(*anthropic.Client)
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		// retries belong to the caller so every attempt is reported per key
		option.WithMaxRetries(0),
	}
	if b.cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(b.cfg.BaseURL))
	}
	c := anthropic.NewClient(opts...)
	actual, _ := b.clients.LoadOrStore(apiKey, &c)
	return actual.(*anthropic.Client)
}

// Complete implements Backend.
func (b *AnthropicBackend) Complete(ctx context.Context, apiKey string, req *Request) (*Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = b.cfg.MaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(b.cfg.Model),
		MaxTokens: int64(maxTokens),
		Messages:  toMessageParams(req.Messages),
		Tools:     toToolParams(req.Tools),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	msg, err := b.client(apiKey).Messages.New(ctx, params)
	if err != nil {
		return nil, classifyAnthropic(err)
	}

	resp := &Response{
		StopReason:   string(msg.StopReason),
		InputTokens:  msg.Usage.InputTokens,
		OutputTokens: msg.Usage.OutputTokens,
	}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			resp.Content = append(resp.Content, TextBlock(block.Text))
		case "tool_use":
			input := json.RawMessage(block.Input)
			if len(input) == 0 {
				input = json.RawMessage("{}")
			}
			resp.Content = append(resp.Content, ToolUseBlock(block.ID, block.Name, input))
		}
	}
	return resp, nil
}

func toMessageParams(msgs []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		blocks := make([]anthropic.ContentBlockParamUnion, 0, len(m.Content))
		for _, c := range m.Content {
			switch c.Type {
			case BlockText:
				blocks = append(blocks, anthropic.NewTextBlock(c.Text))
			case BlockToolUse:
				var input any = map[string]any{}
				if len(c.Input) > 0 {
					input = c.Input
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(c.ToolUseID, input, c.ToolName))
			case BlockToolResult:
				blocks = append(blocks, anthropic.NewToolResultBlock(c.ToolUseID, c.Text, c.IsError))
			}
		}
		if m.Role == RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	return out
}

func toToolParams(specs []ToolSpec) []anthropic.ToolUnionParam {
	if len(specs) == 0 {
		return nil
	}
	out := make([]anthropic.ToolUnionParam, 0, len(specs))
	for _, s := range specs {
		tool := anthropic.ToolParam{
			Name:        s.Name,
			Description: anthropic.String(s.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: s.Properties,
				Required:   s.Required,
			},
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &tool})
	}
	return out
}

func classifyAnthropic(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		kind, rateLimited := ClassifyStatus(apiErr.StatusCode, apiErr.Error())
		return &Error{
			Kind:        kind,
			StatusCode:  apiErr.StatusCode,
			RateLimited: rateLimited,
			Message:     sanitizeStatus(apiErr.StatusCode),
			Err:         err,
		}
	}
	return classify(err)
}

// sanitizeStatus keeps raw provider bodies out of user-facing messages.
func sanitizeStatus(status int) string {
	switch {
	case status == 429:
		return "rate limited"
	case status == 529:
		return "provider overloaded"
	case status >= 500:
		return "provider unavailable"
	case status == 401 || status == 403:
		return "provider rejected credentials"
	default:
		return "provider rejected request"
	}
}
