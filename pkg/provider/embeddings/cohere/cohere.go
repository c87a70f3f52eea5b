// Package cohere provides an embeddings provider backed by the Cohere v2
// /embed endpoint. It is the only pack provider that accepts multi-modal
// input (text plus images), so it serves as the primary embedding backend.
//
// The provider owns the full retry policy for transient provider failures:
// rate limiting (with Retry-After support) and server-side errors are retried
// with capped exponential backoff; everything else fails fast. A "forbidden"
// response is translated into a degraded zero vector rather than an error —
// see [embeddings.Result].
package cohere

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/locustsocial/locustfeed/pkg/imaging"
	"github.com/locustsocial/locustfeed/pkg/provider/embeddings"
)

const (
	// DefaultBaseURL is the Cohere v2 API root.
	DefaultBaseURL = "https://api.cohere.com/v2"

	// DefaultModel is the default Cohere embedding model.
	DefaultModel = "embed-v4.0"

	defaultTimeout = 30 * time.Second

	// Retry policy: up to maxAttempts calls, waiting backoffBase doubled per
	// attempt and never longer than backoffCap between calls.
	maxAttempts = 6
	backoffBase = 500 * time.Millisecond
	backoffCap  = 10 * time.Second
)

// Ensure Provider implements the embeddings.Provider interface.
var _ embeddings.Provider = (*Provider)(nil)

// Provider implements embeddings.Provider using the Cohere v2 API.
type Provider struct {
	apiKey     string
	baseURL    string
	model      string
	dimensions int
	httpClient *http.Client

	// sleep is swapped out in tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// Option is a functional option for Provider.
type Option func(*Provider)

// WithBaseURL overrides the default Cohere API base URL.
func WithBaseURL(url string) Option {
	return func(p *Provider) {
		p.baseURL = strings.TrimRight(url, "/")
	}
}

// WithTimeout sets the per-attempt HTTP timeout. Exceeding it counts as a
// transient failure and is retried like a server error.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// WithDimensions overrides the default output dimension reported by
// [Provider.Dimensions] and used for degraded zero vectors.
func WithDimensions(d int) Option {
	return func(p *Provider) {
		p.dimensions = d
	}
}

// New constructs a Cohere embeddings Provider. apiKey must be non-empty.
// If model is empty, DefaultModel is used.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("cohere embeddings: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}
	p := &Provider{
		apiKey:     apiKey,
		baseURL:    DefaultBaseURL,
		model:      model,
		dimensions: 1536,
		httpClient: &http.Client{Timeout: defaultTimeout},
		sleep:      sleepCtx,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ---- request/response wire types ----

type contentPart struct {
	Type  string `json:"type"`
	Text  string `json:"text,omitempty"`
	Image string `json:"image,omitempty"`
}

type embedInput struct {
	Content []contentPart `json:"content"`
}

type embedRequest struct {
	Inputs          []embedInput `json:"inputs"`
	Model           string       `json:"model"`
	InputType       string       `json:"input_type"`
	EmbeddingTypes  []string     `json:"embedding_types"`
	OutputDimension int          `json:"output_dimension,omitempty"`
}

type embedResponse struct {
	Embeddings struct {
		Float [][]float32 `json:"float"`
	} `json:"embeddings"`
}

// Embed implements embeddings.Provider.
//
// The call blocks for up to maxAttempts × capped backoff wall-clock time in
// the worst case. Rate limits (429) and server errors (5xx, transport
// failures, timeouts) are retried; a 403 returns a degraded zero vector
// immediately; any other client error fails with ErrProviderRejected.
func (p *Provider) Embed(ctx context.Context, req embeddings.Request) (embeddings.Result, error) {
	if req.Empty() {
		return embeddings.Result{}, fmt.Errorf("%w: no text or images", embeddings.ErrInvalidInput)
	}

	body, err := p.buildPayload(req)
	if err != nil {
		return embeddings.Result{}, err
	}

	// Dimension of the degraded zero vector on a forbidden response: the
	// requested dimension if any, the provider default otherwise.
	dim := req.OutputDimension
	if dim <= 0 {
		dim = p.resultDimension()
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res, retryAfter, err := p.attempt(ctx, body, dim)
		switch {
		case err == nil:
			return res, nil
		case errors.Is(err, embeddings.ErrInvalidInput),
			errors.Is(err, embeddings.ErrProviderRejected):
			return embeddings.Result{}, err
		case ctx.Err() != nil:
			// Caller cancellation or deadline, not a per-attempt timeout.
			// A timed-out attempt also matches context.DeadlineExceeded via
			// the HTTP client, so the caller's context is the discriminator.
			return embeddings.Result{}, ctx.Err()
		}

		lastErr = err
		if attempt == maxAttempts {
			break
		}

		wait := backoffDelay(attempt)
		if retryAfter > 0 {
			wait = retryAfter
		}
		if wait > backoffCap {
			wait = backoffCap
		}
		if err := p.sleep(ctx, wait); err != nil {
			return embeddings.Result{}, err
		}
	}

	return embeddings.Result{}, fmt.Errorf("%w: after %d attempts: %w",
		embeddings.ErrProviderUnavailable, maxAttempts, lastErr)
}

// attempt performs a single HTTP call. A positive retryAfter carries the
// provider-supplied wait hint from a 429 response.
func (p *Provider) attempt(ctx context.Context, body []byte, degradedDim int) (res embeddings.Result, retryAfter time.Duration, err error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return embeddings.Result{}, 0, fmt.Errorf("cohere embeddings: build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	httpRes, err := p.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return embeddings.Result{}, 0, ctx.Err()
		}
		// Transport failure or per-attempt timeout: transient, retryable.
		return embeddings.Result{}, 0, fmt.Errorf("cohere embeddings: request: %w", err)
	}
	defer httpRes.Body.Close()

	switch {
	case httpRes.StatusCode == http.StatusOK:
		var er embedResponse
		if err := json.NewDecoder(httpRes.Body).Decode(&er); err != nil {
			return embeddings.Result{}, 0, fmt.Errorf("cohere embeddings: decode response: %w", err)
		}
		if len(er.Embeddings.Float) == 0 {
			return embeddings.Result{}, 0, fmt.Errorf("cohere embeddings: empty response")
		}
		return embeddings.Result{Vector: er.Embeddings.Float[0]}, 0, nil

	case httpRes.StatusCode == http.StatusForbidden:
		// Access denied (e.g. region-blocked key). Deliberate degraded mode:
		// a zero vector of the requested dimension, flagged, no retries.
		io.Copy(io.Discard, httpRes.Body)
		return embeddings.Result{
			Vector:   make([]float32, degradedDim),
			Degraded: true,
		}, 0, nil

	case httpRes.StatusCode == http.StatusTooManyRequests:
		msg, _ := io.ReadAll(io.LimitReader(httpRes.Body, 4096))
		ra := parseRetryAfter(httpRes.Header.Get("Retry-After"))
		return embeddings.Result{}, ra, fmt.Errorf("cohere embeddings: rate limited: %s", strings.TrimSpace(string(msg)))

	case httpRes.StatusCode >= 500:
		msg, _ := io.ReadAll(io.LimitReader(httpRes.Body, 4096))
		return embeddings.Result{}, 0, fmt.Errorf("cohere embeddings: server error %d: %s",
			httpRes.StatusCode, strings.TrimSpace(string(msg)))

	default:
		msg, _ := io.ReadAll(io.LimitReader(httpRes.Body, 4096))
		return embeddings.Result{}, 0, fmt.Errorf("%w: status %d: %s",
			embeddings.ErrProviderRejected, httpRes.StatusCode, strings.TrimSpace(string(msg)))
	}
}

// buildPayload assembles the multi-modal request body, re-encoding every image
// to a canonical PNG data URI.
func (p *Provider) buildPayload(req embeddings.Request) ([]byte, error) {
	var parts []contentPart
	if req.Text != "" {
		parts = append(parts, contentPart{Type: "text", Text: req.Text})
	}
	for i, raw := range req.Images {
		uri, err := imaging.PNGDataURI(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: image %d: %w", embeddings.ErrInvalidInput, i, err)
		}
		parts = append(parts, contentPart{Type: "image", Image: uri})
	}

	purpose := req.Purpose
	if purpose == "" {
		purpose = embeddings.PurposeDocument
	}

	payload := embedRequest{
		Inputs:         []embedInput{{Content: parts}},
		Model:          p.model,
		InputType:      string(purpose),
		EmbeddingTypes: []string{"float"},
	}
	if req.OutputDimension > 0 {
		payload.OutputDimension = req.OutputDimension
	} else if p.dimensions > 0 {
		payload.OutputDimension = p.dimensions
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("cohere embeddings: marshal payload: %w", err)
	}
	return body, nil
}

// resultDimension is the vector length used for degraded zero vectors.
func (p *Provider) resultDimension() int {
	if p.dimensions > 0 {
		return p.dimensions
	}
	return 1536
}

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int {
	return p.resultDimension()
}

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string {
	return p.model
}

// backoffDelay returns the exponential backoff wait after the given attempt
// (1-based): base × 2^(attempt−1), capped.
func backoffDelay(attempt int) time.Duration {
	d := backoffBase << (attempt - 1)
	if d > backoffCap || d <= 0 {
		return backoffCap
	}
	return d
}

// parseRetryAfter interprets a Retry-After header as a (possibly fractional)
// number of seconds. Returns 0 when absent or unparseable, in which case the
// caller falls back to exponential backoff.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}

// sleepCtx blocks for d or until ctx is done, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
