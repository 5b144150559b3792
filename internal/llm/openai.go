package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIConfig configures an OpenAI-compatible endpoint.
type OpenAIConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// EmbeddingModel is used by the embedder; empty selects text-embedding-3-small.
	EmbeddingModel string
}

// OpenAI generates completions through the chat completions API.
type OpenAI struct {
	client         openai.Client
	timeout        time.Duration
	embeddingModel string
}

// NewOpenAI builds a client. Retries are left to the caller.
func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	opts := []option.RequestOption{option.WithMaxRetries(0)}
	if key := strings.TrimSpace(cfg.APIKey); key != "" {
		opts = append(opts, option.WithAPIKey(key))
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	embeddingModel := strings.TrimSpace(cfg.EmbeddingModel)
	if embeddingModel == "" {
		embeddingModel = string(openai.EmbeddingModelTextEmbedding3Small)
	}
	return &OpenAI{client: openai.NewClient(opts...), timeout: timeout, embeddingModel: embeddingModel}
}

// Generate implements Generator.
func (o *OpenAI) Generate(ctx context.Context, req Request) (Response, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: buildMessages(req),
	})
	if err != nil {
		return Response{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return Response{}, ErrEmptyCompletion
	}
	model := resp.Model
	if model == "" {
		model = req.Model
	}
	return Response{
		Content:    resp.Choices[0].Message.Content,
		Model:      model,
		TokensUsed: resp.Usage.TotalTokens,
	}, nil
}

func buildMessages(req Request) []openai.ChatCompletionMessageParamUnion {
	var msgs []openai.ChatCompletionMessageParamUnion
	system := strings.TrimSpace(req.SystemPrompt)
	if len(req.Context) > 0 {
		var b strings.Builder
		if system != "" {
			b.WriteString(system)
			b.WriteString("\n\n")
		}
		b.WriteString("Use the following context when relevant:\n")
		for i, c := range req.Context {
			fmt.Fprintf(&b, "[%d] %s\n", i+1, c)
		}
		system = b.String()
	}
	if system != "" {
		msgs = append(msgs, openai.SystemMessage(system))
	}
	for _, t := range req.History {
		if t.Role == "assistant" {
			msgs = append(msgs, openai.AssistantMessage(t.Content))
			continue
		}
		msgs = append(msgs, openai.UserMessage(t.Content))
	}
	return append(msgs, openai.UserMessage(req.Prompt))
}

// Embed turns texts into vectors with the embeddings API.
func (o *OpenAI) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	resp, err := o.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(o.embeddingModel),
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
	})
	if err != nil {
		return nil, fmt.Errorf("embeddings: %w", err)
	}
	out := make([][]float64, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || int(d.Index) >= len(out) {
			return nil, fmt.Errorf("embeddings: index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}
