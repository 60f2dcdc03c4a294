package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicProvider is the hosted oracle backed by the Anthropic Messages API.
type AnthropicProvider struct {
	api   *anthropic.Client
	model anthropic.Model
}

// NewAnthropicProvider creates the hosted provider. An empty API key falls back
// to the SDK's ANTHROPIC_API_KEY lookup.
func NewAnthropicProvider(cfg Config) *AnthropicProvider {
	opts := []option.RequestOption{}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	client := anthropic.NewClient(opts...)
	return &AnthropicProvider{
		api:   &client,
		model: anthropic.Model(cfg.Model),
	}
}

func (p *AnthropicProvider) Name() string { return "hosted:" + string(p.model) }

// Complete sends the conversation with tools and automatic tool choice.
func (p *AnthropicProvider) Complete(ctx context.Context, req Request) (*Reply, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     p.model,
		MaxTokens: int64(maxTokens),
		Messages:  anthropicMessages(req.Turns),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		for _, tool := range req.Tools {
			props, required := toolSchema(tool)
			params.Tools = append(params.Tools, anthropic.ToolUnionParam{
				OfTool: &anthropic.ToolParam{
					Name:        tool.Name,
					Description: anthropic.String(tool.Description),
					InputSchema: anthropic.ToolInputSchemaParam{
						Properties: props,
						Required:   required,
					},
				},
			})
		}
		params.ToolChoice = anthropic.ToolChoiceUnionParam{OfAuto: &anthropic.ToolChoiceAutoParam{}}
	}
	if len(params.Messages) == 0 {
		return nil, nil
	}

	msg, err := p.api.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic API call: %w", err)
	}

	reply := &Reply{}
	var text []string
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				text = append(text, block.Text)
			}
		case "tool_use":
			reply.ToolCalls = append(reply.ToolCalls, ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: json.RawMessage(block.Input),
			})
		}
	}
	reply.Text = strings.Join(text, "\n")
	if reply.Text == "" && len(reply.ToolCalls) == 0 {
		return nil, nil
	}
	return reply, nil
}

// anthropicMessages converts the history into alternating user/assistant
// messages: leading assistant turns are dropped and consecutive turns of the
// same role are merged.
func anthropicMessages(turns []Turn) []anthropic.MessageParam {
	type merged struct {
		role Role
		text []string
	}
	var collapsed []merged
	for _, t := range turns {
		if len(collapsed) == 0 && t.Role != RoleUser {
			continue
		}
		if n := len(collapsed); n > 0 && collapsed[n-1].role == t.Role {
			collapsed[n-1].text = append(collapsed[n-1].text, t.Content)
			continue
		}
		collapsed = append(collapsed, merged{role: t.Role, text: []string{t.Content}})
	}

	out := make([]anthropic.MessageParam, 0, len(collapsed))
	for _, m := range collapsed {
		block := anthropic.NewTextBlock(strings.Join(m.text, "\n\n"))
		if m.role == RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(block))
		} else {
			out = append(out, anthropic.NewUserMessage(block))
		}
	}
	return out
}
