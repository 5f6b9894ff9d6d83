package llmrouter

import (
	"context"
	"fmt"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/tmc/langchaingo/llms"
)

// anthropicModel adapts the official Anthropic SDK onto langchaingo's
// llms.Model, so the primary provider talks to the API directly while the
// router keeps dispatching every role through one interface.
type anthropicModel struct {
	client anthropicsdk.Client
	model  string
}

// newAnthropicModel builds the adapter; credentials come from the
// environment (ANTHROPIC_API_KEY), the SDK's default.
func newAnthropicModel(model string) anthropicModel {
	return anthropicModel{client: anthropicsdk.NewClient(), model: model}
}

// Call implements the deprecated half of llms.Model by delegating to
// GenerateContent via the shared single-prompt helper.
func (m anthropicModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

func (m anthropicModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	opts := llms.CallOptions{}
	for _, o := range options {
		o(&opts)
	}
	maxTokens := int64(opts.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	params := make([]anthropicsdk.MessageParam, 0, len(messages))
	for _, msg := range messages {
		text := ""
		for _, part := range msg.Parts {
			if t, ok := part.(llms.TextContent); ok {
				text += t.Text
			}
		}
		if text == "" {
			continue
		}
		if msg.Role == llms.ChatMessageTypeAI {
			params = append(params, anthropicsdk.NewAssistantMessage(anthropicsdk.NewTextBlock(text)))
			continue
		}
		params = append(params, anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(text)))
	}

	resp, err := m.client.Messages.New(ctx, anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(m.model),
		MaxTokens: maxTokens,
		Messages:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("llmrouter: anthropic call: %w", err)
	}

	var out string
	for _, block := range resp.Content {
		out += block.Text
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: out}}}, nil
}
