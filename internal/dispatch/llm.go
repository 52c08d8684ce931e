package dispatch

import (
	"context"
	"encoding/json"
	"os"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"

	"github.com/taskflow/taskflow/internal/config"
	taskflowerrors "github.com/taskflow/taskflow/internal/errors"
)

// llmClient is the executor backend contract: one round trip from a
// system+user prompt pair to the model's raw text response. The three
// implementations below are interchangeable behind this interface,
// selected at init by LLMProviderConfig.Provider (spec §4.4: "tools
// are abstract interfaces resolved at init from configuration").
type llmClient interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// NewLLMClient builds the configured provider's client. Default
// executor implementation is Anthropic; langchaingo (via a local Ollama
// model) and Bedrock are interchangeable alternates behind the same
// interface (DOMAIN STACK).
func NewLLMClient(cfg config.LLMProviderConfig) (llmClient, error) {
	switch cfg.Provider {
	case "anthropic", "":
		return newAnthropicClient(cfg), nil
	case "langchain":
		return newLangchainClient(cfg)
	case "bedrock":
		return newBedrockClient(cfg)
	default:
		return nil, taskflowerrors.NewValidationError("unknown llm provider: " + cfg.Provider)
	}
}

type anthropicClient struct {
	client anthropic.Client
	model  string
}

func newAnthropicClient(cfg config.LLMProviderConfig) *anthropicClient {
	model := cfg.Model
	if model == "" {
		model = string(anthropic.ModelClaudeSonnet4_5)
	}
	return &anthropicClient{
		client: anthropic.NewClient(option.WithAPIKey(os.Getenv("ANTHROPIC_API_KEY"))),
		model:  model,
	}
}

func (c *anthropicClient) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	resp, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: 4096,
		System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		return "", taskflowerrors.NewExecutorError("anthropic", err.Error())
	}
	var out string
	for _, block := range resp.Content {
		out += block.Text
	}
	return out, nil
}

type langchainClient struct {
	model llms.Model
}

func newLangchainClient(cfg config.LLMProviderConfig) (*langchainClient, error) {
	model := cfg.Model
	if model == "" {
		model = "llama3"
	}
	m, err := ollama.New(ollama.WithModel(model))
	if err != nil {
		return nil, taskflowerrors.Wrap(err, taskflowerrors.ErrorTypeDependency, "construct langchaingo/ollama model")
	}
	return &langchainClient{model: m}, nil
}

func (c *langchainClient) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	content := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman, userPrompt),
	}
	resp, err := c.model.GenerateContent(ctx, content)
	if err != nil {
		return "", taskflowerrors.NewExecutorError("langchain", err.Error())
	}
	if len(resp.Choices) == 0 {
		return "", taskflowerrors.NewExecutorError("langchain", "no choices returned")
	}
	return resp.Choices[0].Content, nil
}

type bedrockClient struct {
	client *bedrockruntime.Client
	model  string
}

func newBedrockClient(cfg config.LLMProviderConfig) (*bedrockClient, error) {
	ctx := context.Background()
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, taskflowerrors.Wrap(err, taskflowerrors.ErrorTypeDependency, "load AWS config for bedrock")
	}
	model := cfg.Model
	if model == "" {
		model = "anthropic.claude-3-5-sonnet-20241022-v2:0"
	}
	return &bedrockClient{client: bedrockruntime.NewFromConfig(awsCfg), model: model}, nil
}

// bedrockAnthropicBody mirrors the Bedrock Anthropic Messages API body
// shape; Bedrock-hosted Claude models accept this same wire format as
// the direct Anthropic API.
type bedrockAnthropicBody struct {
	AnthropicVersion string                 `json:"anthropic_version"`
	MaxTokens        int                    `json:"max_tokens"`
	System           string                 `json:"system"`
	Messages         []bedrockAnthropicTurn `json:"messages"`
}

type bedrockAnthropicTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type bedrockAnthropicResponse struct {
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
}

func (c *bedrockClient) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	body, err := json.Marshal(bedrockAnthropicBody{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        4096,
		System:           systemPrompt,
		Messages:         []bedrockAnthropicTurn{{Role: "user", Content: userPrompt}},
	})
	if err != nil {
		return "", taskflowerrors.Wrap(err, taskflowerrors.ErrorTypeValidation, "marshal bedrock request")
	}

	out, err := c.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(c.model),
		ContentType: aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return "", taskflowerrors.NewExecutorError("bedrock", err.Error())
	}

	var resp bedrockAnthropicResponse
	if err := json.Unmarshal(out.Body, &resp); err != nil {
		return "", taskflowerrors.Wrap(err, taskflowerrors.ErrorTypeExecutor, "unmarshal bedrock response")
	}
	var text string
	for _, block := range resp.Content {
		text += block.Text
	}
	return text, nil
}
