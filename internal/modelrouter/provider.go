package modelrouter

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"google.golang.org/genai"

	"github.com/ternarybob/atlascodex/internal/common"
)

// Provider generates content for one vendor backend.
type Provider interface {
	Generate(ctx context.Context, req Request) (*Response, error)
	Name() string
	Close() error
}

// claudeProvider backs the mid/highest tiers with the Anthropic API.
type claudeProvider struct {
	cfg    *common.ClaudeConfig
	client anthropic.Client
	ready  bool
}

func newClaudeProvider(cfg *common.ClaudeConfig) *claudeProvider {
	return &claudeProvider{cfg: cfg}
}

func (p *claudeProvider) Name() string { return "claude" }

func (p *claudeProvider) ensureClient() anthropic.Client {
	if !p.ready {
		p.client = anthropic.NewClient(option.WithAPIKey(p.cfg.APIKey))
		p.ready = true
	}
	return p.client
}

func (p *claudeProvider) Generate(ctx context.Context, req Request) (*Response, error) {
	client := p.ensureClient()

	maxTokens := int64(req.Tier.MaxOutputTokens)
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Tier.Model),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.UserPrompt)),
		},
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if req.Tier.Temperature > 0 {
		params.Temperature = anthropic.Float(float64(req.Tier.Temperature))
	}

	resp, err := client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("claude: generate content failed: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, fmt.Errorf("claude: empty response")
	}

	return &Response{
		Text:         text.String(),
		Tier:         req.Tier.Tier,
		ProviderName: p.Name(),
		Model:        req.Tier.Model,
		InputTokens:  int(resp.Usage.InputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
	}, nil
}

func (p *claudeProvider) Close() error {
	p.ready = false
	return nil
}

// geminiProvider backs the lowest tier with the Gemini API.
type geminiProvider struct {
	cfg    *common.GeminiConfig
	client *genai.Client
}

func newGeminiProvider(cfg *common.GeminiConfig) *geminiProvider {
	return &geminiProvider{cfg: cfg}
}

func (p *geminiProvider) Name() string { return "gemini" }

func (p *geminiProvider) ensureClient(ctx context.Context) (*genai.Client, error) {
	if p.client != nil {
		return p.client, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  p.cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: failed to create client: %w", err)
	}
	p.client = client
	return client, nil
}

func (p *geminiProvider) Generate(ctx context.Context, req Request) (*Response, error) {
	client, err := p.ensureClient(ctx)
	if err != nil {
		return nil, err
	}

	config := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(req.Tier.Temperature),
	}
	if req.SystemPrompt != "" {
		config.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}
	if req.Tier.ResponseFormat == OutputFormatJSON || req.Tier.ResponseFormat == OutputFormatSchema {
		config.ResponseMIMEType = "application/json"
	}

	contents := genai.Text(req.UserPrompt)
	resp, err := client.Models.GenerateContent(ctx, req.Tier.Model, contents, config)
	if err != nil {
		return nil, fmt.Errorf("gemini: generate content failed: %w", err)
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("gemini: empty response")
	}

	text := resp.Text()
	if text == "" {
		return nil, fmt.Errorf("gemini: empty text in response")
	}

	usage := Response{
		Text:         text,
		Tier:         req.Tier.Tier,
		ProviderName: p.Name(),
		Model:        req.Tier.Model,
	}
	if resp.UsageMetadata != nil {
		usage.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		usage.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return &usage, nil
}

func (p *geminiProvider) Close() error {
	p.client = nil
	return nil
}
