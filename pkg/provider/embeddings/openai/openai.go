// Package openai provides a text-only embeddings provider backed by the
// OpenAI API. It serves as the optional secondary backend behind the Cohere
// provider; image content cannot be represented and is rejected.
package openai

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/locustsocial/locustfeed/pkg/provider/embeddings"
)

// DefaultModel is the default OpenAI embeddings model.
const DefaultModel = oai.EmbeddingModelTextEmbedding3Small

// Ensure Provider implements the embeddings.Provider interface.
var _ embeddings.Provider = (*Provider)(nil)

// Provider implements embeddings.Provider using the OpenAI API.
type Provider struct {
	client oai.Client
	model  string
}

// config holds optional configuration for the provider.
type config struct {
	baseURL string
	timeout time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// New constructs a new OpenAI embeddings Provider.
// If model is empty, DefaultModel (text-embedding-3-small) is used.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai embeddings: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	client := oai.NewClient(reqOpts...)
	return &Provider{client: client, model: model}, nil
}

// Embed implements embeddings.Provider. Requests carrying images fail with
// ErrInvalidInput: the OpenAI embedding endpoint is text-only, and silently
// embedding just the caption would put the vector in a different content
// space than the rest of the corpus.
func (p *Provider) Embed(ctx context.Context, req embeddings.Request) (embeddings.Result, error) {
	if req.Empty() {
		return embeddings.Result{}, fmt.Errorf("%w: no text or images", embeddings.ErrInvalidInput)
	}
	if len(req.Images) > 0 {
		return embeddings.Result{}, fmt.Errorf("%w: openai embeddings are text-only", embeddings.ErrInvalidInput)
	}

	params := oai.EmbeddingNewParams{
		Model: p.model,
		Input: oai.EmbeddingNewParamsInputUnion{
			OfString: param.NewOpt(req.Text),
		},
	}
	if req.OutputDimension > 0 {
		params.Dimensions = oai.Int(int64(req.OutputDimension))
	}

	resp, err := p.client.Embeddings.New(ctx, params)
	if err != nil {
		return embeddings.Result{}, fmt.Errorf("%w: openai: %w", embeddings.ErrProviderUnavailable, err)
	}
	if len(resp.Data) == 0 {
		return embeddings.Result{}, fmt.Errorf("%w: openai: empty response", embeddings.ErrProviderUnavailable)
	}
	return embeddings.Result{Vector: float64ToFloat32(resp.Data[0].Embedding)}, nil
}

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int {
	return modelDimensions(p.model)
}

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string {
	return p.model
}

// modelDimensions returns the embedding dimensions for known OpenAI models.
func modelDimensions(model string) int {
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "text-embedding-3-large"):
		return 3072
	case strings.Contains(lower, "text-embedding-3-small"):
		return 1536
	case strings.Contains(lower, "text-embedding-ada-002"):
		return 1536
	default:
		return 1536 // sensible default for unknown models
	}
}

// float64ToFloat32 converts a []float64 slice to []float32.
func float64ToFloat32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}
