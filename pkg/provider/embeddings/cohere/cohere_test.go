package cohere_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/locustsocial/locustfeed/pkg/provider/embeddings"
	"github.com/locustsocial/locustfeed/pkg/provider/embeddings/cohere"
)

// embedServer starts a test server whose handler decides each response from
// the (1-based) attempt number.
func embedServer(t *testing.T, handler func(attempt int, w http.ResponseWriter, r *http.Request)) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embed" {
			t.Errorf("unexpected path: got %q, want /embed", r.URL.Path)
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("authorization: got %q", got)
		}
		handler(int(calls.Add(1)), w, r)
	}))
	return srv, &calls
}

func writeVector(t *testing.T, w http.ResponseWriter, vec []float32) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(map[string]any{
		"embeddings": map[string]any{"float": [][]float32{vec}},
	})
	if err != nil {
		t.Errorf("encode response: %v", err)
	}
}

func newProvider(t *testing.T, url string, opts ...cohere.Option) *cohere.Provider {
	t.Helper()
	opts = append([]cohere.Option{cohere.WithBaseURL(url)}, opts...)
	p, err := cohere.New("test-key", "embed-v4.0", opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

// TestNew_EmptyAPIKey verifies that a missing API key is rejected at
// construction time.
func TestNew_EmptyAPIKey(t *testing.T) {
	if _, err := cohere.New("", "embed-v4.0"); err == nil {
		t.Fatal("expected error for empty apiKey, got nil")
	}
}

// TestEmbed_Success verifies the happy path: one request, correct payload
// shape, vector returned untouched.
func TestEmbed_Success(t *testing.T) {
	want := []float32{0.25, -0.5, 0.75}
	srv, calls := embedServer(t, func(_ int, w http.ResponseWriter, r *http.Request) {
		var req struct {
			Inputs []struct {
				Content []struct {
					Type string `json:"type"`
					Text string `json:"text"`
				} `json:"content"`
			} `json:"inputs"`
			Model          string   `json:"model"`
			InputType      string   `json:"input_type"`
			EmbeddingTypes []string `json:"embedding_types"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Model != "embed-v4.0" {
			t.Errorf("model: got %q", req.Model)
		}
		if req.InputType != "search_document" {
			t.Errorf("input_type: got %q", req.InputType)
		}
		if len(req.Inputs) != 1 || len(req.Inputs[0].Content) != 1 || req.Inputs[0].Content[0].Text != "hello" {
			t.Errorf("unexpected inputs: %+v", req.Inputs)
		}
		writeVector(t, w, want)
	})
	defer srv.Close()

	res, err := newProvider(t, srv.URL).Embed(context.Background(), embeddings.Request{Text: "hello"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if res.Degraded {
		t.Error("unexpected degraded result")
	}
	if len(res.Vector) != len(want) {
		t.Fatalf("vector length: got %d, want %d", len(res.Vector), len(want))
	}
	for i := range want {
		if res.Vector[i] != want[i] {
			t.Errorf("vec[%d]: got %v, want %v", i, res.Vector[i], want[i])
		}
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("attempts: got %d, want 1", got)
	}
}

// TestEmbed_EmptyInput verifies that a request with neither text nor images
// fails with ErrInvalidInput before any network call.
func TestEmbed_EmptyInput(t *testing.T) {
	p := newProvider(t, "http://127.0.0.1:19999")
	_, err := p.Embed(context.Background(), embeddings.Request{})
	if !errors.Is(err, embeddings.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

// TestEmbed_RateLimitedThenSuccess verifies that two 429 responses followed by
// a success return the vector in exactly three attempts, honoring the
// provider-supplied Retry-After delay.
func TestEmbed_RateLimitedThenSuccess(t *testing.T) {
	want := []float32{1, 2, 3}
	srv, calls := embedServer(t, func(attempt int, w http.ResponseWriter, r *http.Request) {
		if attempt <= 2 {
			w.Header().Set("Retry-After", "0.01")
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		writeVector(t, w, want)
	})
	defer srv.Close()

	res, err := newProvider(t, srv.URL).Embed(context.Background(), embeddings.Request{Text: "hi"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(res.Vector) != 3 {
		t.Fatalf("vector length: got %d, want 3", len(res.Vector))
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("attempts: got %d, want 3", got)
	}
}

// TestEmbed_Forbidden verifies the degraded-mode contract: a 403 on the first
// attempt yields a zero vector of the requested dimension, flagged Degraded,
// with zero retries.
func TestEmbed_Forbidden(t *testing.T) {
	srv, calls := embedServer(t, func(_ int, w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	})
	defer srv.Close()

	res, err := newProvider(t, srv.URL).Embed(context.Background(), embeddings.Request{
		Text:            "hi",
		OutputDimension: 8,
	})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if !res.Degraded {
		t.Error("expected Degraded=true")
	}
	if len(res.Vector) != 8 {
		t.Fatalf("vector length: got %d, want 8", len(res.Vector))
	}
	for i, v := range res.Vector {
		if v != 0 {
			t.Errorf("vec[%d]: got %v, want 0", i, v)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("attempts: got %d, want 1 (no retries on 403)", got)
	}
}

// TestEmbed_ClientErrorRejected verifies that a non-retryable 4xx aborts
// immediately with ErrProviderRejected carrying the provider message.
func TestEmbed_ClientErrorRejected(t *testing.T) {
	srv, calls := embedServer(t, func(_ int, w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad model name", http.StatusBadRequest)
	})
	defer srv.Close()

	_, err := newProvider(t, srv.URL).Embed(context.Background(), embeddings.Request{Text: "hi"})
	if !errors.Is(err, embeddings.ErrProviderRejected) {
		t.Fatalf("expected ErrProviderRejected, got %v", err)
	}
	if !strings.Contains(err.Error(), "bad model name") {
		t.Errorf("error should carry provider message, got %q", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("attempts: got %d, want 1", got)
	}
}

// TestEmbed_ServerErrorsExhaustRetries verifies that persistent 5xx responses
// exhaust all six attempts and surface ErrProviderUnavailable.
func TestEmbed_ServerErrorsExhaustRetries(t *testing.T) {
	if testing.Short() {
		t.Skip("retry exhaustion waits through real backoff")
	}
	srv, calls := embedServer(t, func(_ int, w http.ResponseWriter, _ *http.Request) {
		// Retry-After is honored for 429 only; keep the waits short by
		// pretending to be a rate limiter after the first server error.
		w.Header().Set("Retry-After", "0.01")
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	})
	defer srv.Close()

	_, err := newProvider(t, srv.URL).Embed(context.Background(), embeddings.Request{Text: "hi"})
	if !errors.Is(err, embeddings.ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}
	if got := calls.Load(); got != 6 {
		t.Errorf("attempts: got %d, want 6", got)
	}
}

// TestEmbed_AttemptTimeoutRetried verifies that an attempt exceeding the
// per-attempt HTTP timeout is retried like any other transient failure. The
// timeout error satisfies errors.Is(err, context.DeadlineExceeded), so only
// the caller's own context may abort the schedule.
func TestEmbed_AttemptTimeoutRetried(t *testing.T) {
	if testing.Short() {
		t.Skip("retry after a timed-out attempt waits through real backoff")
	}
	want := []float32{1, 2, 3}
	srv, calls := embedServer(t, func(attempt int, w http.ResponseWriter, _ *http.Request) {
		if attempt == 1 {
			time.Sleep(300 * time.Millisecond)
		}
		writeVector(t, w, want)
	})
	defer srv.Close()

	p := newProvider(t, srv.URL, cohere.WithTimeout(50*time.Millisecond))
	res, err := p.Embed(context.Background(), embeddings.Request{Text: "hi"})
	if err != nil {
		t.Fatalf("Embed after per-attempt timeout: %v", err)
	}
	if len(res.Vector) != 3 {
		t.Fatalf("vector length: got %d, want 3", len(res.Vector))
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("attempts: got %d, want 2", got)
	}
}

// TestEmbed_ContextCancelled verifies that cancellation during backoff is
// surfaced promptly instead of waiting out the full schedule.
func TestEmbed_ContextCancelled(t *testing.T) {
	srv, _ := embedServer(t, func(_ int, w http.ResponseWriter, _ *http.Request) {
		// No Retry-After: forces the 0.5s exponential backoff path.
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	})
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := newProvider(t, srv.URL).Embed(ctx, embeddings.Request{Text: "hi"})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("cancellation took %v, expected prompt return", elapsed)
	}
}

// TestEmbed_ImagePayload verifies that images are re-encoded to PNG data URIs
// in the request body.
func TestEmbed_ImagePayload(t *testing.T) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 2, 2))); err != nil {
		t.Fatalf("encode png: %v", err)
	}

	srv, _ := embedServer(t, func(_ int, w http.ResponseWriter, r *http.Request) {
		var req struct {
			Inputs []struct {
				Content []struct {
					Type  string `json:"type"`
					Image string `json:"image"`
				} `json:"content"`
			} `json:"inputs"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if len(req.Inputs) != 1 || len(req.Inputs[0].Content) != 2 {
			t.Fatalf("expected text + image parts, got %+v", req.Inputs)
		}
		img := req.Inputs[0].Content[1]
		if img.Type != "image" {
			t.Errorf("part type: got %q, want image", img.Type)
		}
		if !strings.HasPrefix(img.Image, "data:image/png;base64,") {
			t.Errorf("image not a PNG data URI: %.40q", img.Image)
		}
		writeVector(t, w, []float32{0.5})
	})
	defer srv.Close()

	_, err := newProvider(t, srv.URL).Embed(context.Background(), embeddings.Request{
		Text:   "caption",
		Images: [][]byte{buf.Bytes()},
	})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
}

// TestEmbed_UndecodableImage verifies that a corrupt image fails with
// ErrInvalidInput before any network call.
func TestEmbed_UndecodableImage(t *testing.T) {
	p := newProvider(t, "http://127.0.0.1:19999")
	_, err := p.Embed(context.Background(), embeddings.Request{
		Images: [][]byte{[]byte("not an image")},
	})
	if !errors.Is(err, embeddings.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}
