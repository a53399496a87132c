package vector

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"google.golang.org/genai"
)

// ─── OpenAI ──────────────────────────────────────────────────────────────────

// OpenAIConfig configures OpenAIEmbedder.
type OpenAIConfig struct {
	APIKey    string
	BaseURL   string
	Model     string
	Dimension int
}

// OpenAIEmbedder calls the OpenAI embeddings endpoint.
type OpenAIEmbedder struct {
	client openai.Client
	cfg    OpenAIConfig
}

// NewOpenAIEmbedder validates cfg and builds a client.
func NewOpenAIEmbedder(cfg OpenAIConfig) (*OpenAIEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("vector: openai embedder needs an API key")
	}
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = 512
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAIEmbedder{client: openai.NewClient(opts...), cfg: cfg}, nil
}

func (e *OpenAIEmbedder) Dimension() int { return e.cfg.Dimension }
func (e *OpenAIEmbedder) Name() string   { return "openai/" + e.cfg.Model }

func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input:      openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model:      openai.EmbeddingModel(e.cfg.Model),
		Dimensions: openai.Int(int64(e.cfg.Dimension)),
	})
	if err != nil {
		return nil, fmt.Errorf("vector: openai embed: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("vector: openai embed: got %d vectors for %d texts", len(resp.Data), len(texts))
	}
	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || int(d.Index) >= len(out) {
			return nil, fmt.Errorf("vector: openai embed: index %d out of range", d.Index)
		}
		v := make([]float32, len(d.Embedding))
		for i, x := range d.Embedding {
			v[i] = float32(x)
		}
		out[d.Index] = Normalize(v)
	}
	return out, nil
}

// ─── Gemini ──────────────────────────────────────────────────────────────────

// GeminiConfig configures GeminiEmbedder.
type GeminiConfig struct {
	APIKey    string
	Model     string
	Dimension int
}

// GeminiEmbedder calls the Gemini embedContent API.
type GeminiEmbedder struct {
	client *genai.Client
	cfg    GeminiConfig
}

// NewGeminiEmbedder validates cfg and builds a client.
func NewGeminiEmbedder(ctx context.Context, cfg GeminiConfig) (*GeminiEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("vector: gemini embedder needs an API key")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-embedding-001"
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = 768
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("vector: gemini client: %w", err)
	}
	return &GeminiEmbedder{client: client, cfg: cfg}, nil
}

func (e *GeminiEmbedder) Dimension() int { return e.cfg.Dimension }
func (e *GeminiEmbedder) Name() string   { return "gemini/" + e.cfg.Model }

func (e *GeminiEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	contents := make([]*genai.Content, len(texts))
	for i, t := range texts {
		contents[i] = genai.NewContentFromText(t, genai.RoleUser)
	}
	dim := int32(e.cfg.Dimension)
	resp, err := e.client.Models.EmbedContent(ctx, e.cfg.Model, contents, &genai.EmbedContentConfig{
		OutputDimensionality: &dim,
	})
	if err != nil {
		return nil, fmt.Errorf("vector: gemini embed: %w", err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("vector: gemini embed: got %d vectors for %d texts", len(resp.Embeddings), len(texts))
	}
	out := make([][]float32, len(texts))
	for i, emb := range resp.Embeddings {
		v := make([]float32, len(emb.Values))
		copy(v, emb.Values)
		out[i] = Normalize(v)
	}
	return out, nil
}
