// Package embeddings defines the Provider interface for vector embedding backends.
//
// An embeddings provider wraps a service that maps a multi-modal input (text plus
// optional images) to a dense float32 vector. These vectors are stored alongside
// posts and aggregated into per-user preference vectors for similarity ranking.
//
// Implementations must be safe for concurrent use.
package embeddings

import (
	"context"
	"errors"
)

// Sentinel errors shared by all provider implementations. Callers should test
// with [errors.Is]; implementations wrap these with provider-specific detail.
var (
	// ErrInvalidInput indicates the caller supplied neither text nor images,
	// or an input the provider cannot represent. Never retried.
	ErrInvalidInput = errors.New("embeddings: invalid input")

	// ErrProviderRejected indicates a non-retryable provider-side rejection
	// (a client error other than rate limiting). The wrapped error carries the
	// provider's message.
	ErrProviderRejected = errors.New("embeddings: provider rejected request")

	// ErrProviderUnavailable indicates the provider could not be reached or
	// kept failing transiently until the retry budget was exhausted. The
	// wrapped error carries the last observed failure.
	ErrProviderUnavailable = errors.New("embeddings: provider unavailable")
)

// Purpose tags what the resulting vector will be used for. Some models tune
// their output space per purpose; providers that do not distinguish may ignore it.
type Purpose string

const (
	PurposeDocument       Purpose = "search_document"
	PurposeQuery          Purpose = "search_query"
	PurposeClassification Purpose = "classification"
	PurposeClustering     Purpose = "clustering"
)

// Request is a single multi-modal embedding request.
type Request struct {
	// Text is the textual content to embed. May be empty if Images is non-empty.
	Text string

	// Images holds raw encoded image payloads (any common raster format).
	// Providers re-encode them to a canonical format before transmission.
	Images [][]byte

	// Purpose tags the retrieval role of the vector. Empty means PurposeDocument.
	Purpose Purpose

	// OutputDimension requests a specific vector length. Zero means the
	// provider's default dimension.
	OutputDimension int
}

// Empty reports whether the request carries no content at all.
func (r Request) Empty() bool {
	return r.Text == "" && len(r.Images) == 0
}

// Result is the outcome of a successful Embed call.
//
// Degraded distinguishes a genuine embedding from the zero-vector fallback a
// provider may substitute when it is denied access (e.g. a geo-blocked API
// key). Callers that persist degraded vectors should record the fact; ranking
// against a zero vector yields meaningless similarity scores.
type Result struct {
	Vector   []float32
	Degraded bool
}

// Provider is the abstraction over any embedding backend.
//
// All vectors returned by a single Provider instance share the dimensionality
// reported by Dimensions (unless a Request overrides OutputDimension). Vectors
// from different providers or models must not be mixed in the same similarity
// computation.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Embed computes the embedding vector for one request. The call is
	// synchronous: it blocks for the duration of network I/O and any internal
	// retry backoff. Returns ErrInvalidInput, ErrProviderRejected or
	// ErrProviderUnavailable (wrapped) on failure.
	Embed(ctx context.Context, req Request) (Result, error)

	// Dimensions returns the default vector length produced by this provider.
	Dimensions() int

	// ModelID returns the provider-specific model identifier, recorded next to
	// every stored vector so mixed-model corpora can be detected.
	ModelID() string
}
