package llm

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// GeminiConfig configures the Gemini provider.
type GeminiConfig struct {
	APIKey              string
	Model               string
	EmbeddingModel      string
	EmbeddingDimensions int32
	MaxTokens           int32
	Temperature         float32
}

// GeminiProvider implements Provider on the Gemini API.
type GeminiProvider struct {
	client         *genai.Client
	model          string
	embeddingModel string
	dimensions     int32
	maxTokens      int32
	temperature    float32
}

// NewGeminiProvider creates a Gemini-backed provider.
func NewGeminiProvider(ctx context.Context, cfg GeminiConfig) (*GeminiProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required. Set GEMINI_API_KEY environment variable or ai.gemini.api_key in config file")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = DefaultEmbeddingModel
	}
	if cfg.EmbeddingDimensions <= 0 {
		cfg.EmbeddingDimensions = DefaultEmbeddingDimensions
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &GeminiProvider{
		client:         client,
		model:          cfg.Model,
		embeddingModel: cfg.EmbeddingModel,
		dimensions:     cfg.EmbeddingDimensions,
		maxTokens:      cfg.MaxTokens,
		temperature:    cfg.Temperature,
	}, nil
}

// EmbeddingSpec returns the configured embedding model and output size.
func (p *GeminiProvider) EmbeddingSpec() EmbeddingSpec {
	return EmbeddingSpec{Model: p.embeddingModel, Dimensions: int(p.dimensions)}
}

// Generate runs one generation call. Errors are returned raw; the gateway classifies them.
func (p *GeminiProvider) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	contents := []*genai.Content{{
		Parts: []*genai.Part{{Text: req.Prompt}},
		Role:  "user",
	}}

	config := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(p.temperature),
	}
	if p.maxTokens > 0 {
		config.MaxOutputTokens = p.maxTokens
	}
	if req.System != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.System}},
		}
	}
	if req.Schema != nil {
		config.ResponseMIMEType = "application/json"
		config.ResponseSchema = req.Schema
	}

	resp, err := p.client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
}

// Embed returns one vector per text, in order.
func (p *GeminiProvider) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = &genai.Content{
			Parts: []*genai.Part{{Text: text}},
			Role:  "user",
		}
	}

	dims := p.dimensions
	resp, err := p.client.Models.EmbedContent(ctx, p.embeddingModel, contents, &genai.EmbedContentConfig{
		OutputDimensionality: &dims,
	})
	if err != nil {
		return nil, err
	}
	if resp == nil || len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("%w: expected %d embeddings", ErrMalformedResponse, len(texts))
	}

	out := make([][]float64, len(texts))
	for i, e := range resp.Embeddings {
		if e == nil || len(e.Values) == 0 {
			return nil, fmt.Errorf("%w: empty embedding at index %d", ErrMalformedResponse, i)
		}
		vec := make([]float64, len(e.Values))
		for j, v := range e.Values {
			vec[j] = float64(v)
		}
		out[i] = vec
	}
	return out, nil
}
