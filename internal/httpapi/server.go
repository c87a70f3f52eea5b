// Package httpapi exposes the Locustfeed HTTP surface: post ingestion,
// interaction event recording, preference vector management, and the ranked
// feed endpoint, plus health probes and Prometheus metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/locustsocial/locustfeed/internal/embedqueue"
	"github.com/locustsocial/locustfeed/internal/health"
	"github.com/locustsocial/locustfeed/internal/observe"
	"github.com/locustsocial/locustfeed/internal/profile"
	"github.com/locustsocial/locustfeed/internal/store/postgres"
)

// Store is the durable-store surface the handlers need. *postgres.Store
// satisfies it.
type Store interface {
	UpsertPost(ctx context.Context, p postgres.Post) (int64, error)
	ResolvePostID(ctx context.Context, externalID string) (int64, error)
	PostExists(ctx context.Context, id int64) (bool, error)
	EnsureUser(ctx context.Context, uid string) error
	InsertEvent(ctx context.Context, uid string, postID int64, etype string, weight float64) error
	UserVectorMeta(ctx context.Context, uid string) (postgres.VectorMeta, error)
}

// Embedder accepts embedding work. *embedqueue.Queue satisfies it.
type Embedder interface {
	Enqueue(job embedqueue.Job) error
	EmbedInline(ctx context.Context, job embedqueue.Job) error
}

// Recomputer triggers preference vector recomputes. *profile.Aggregator
// satisfies it.
type Recomputer interface {
	Recompute(ctx context.Context, uid string) error
	MaybeRecompute(ctx context.Context, uid string) error
}

// Ranker produces feed pages. *ranking.Engine satisfies it.
type Ranker interface {
	Rank(ctx context.Context, uid string, limit, cursor int) ([]string, *int, error)
}

// Config holds the server's request-handling knobs.
type Config struct {
	// WebhookSecret guards the /api routes. Empty disables the check.
	WebhookSecret string

	// AllowOrigins configures CORS. Empty means allow all.
	AllowOrigins []string

	// MaxImageBytes bounds an uploaded image. Default: 10 MiB.
	MaxImageBytes int64
}

// Server wires the handlers to their collaborators. Construct with [New] and
// mount via [Server.Routes].
type Server struct {
	store    Store
	queue    Embedder
	profiles Recomputer
	ranker   Ranker
	weights  profile.Weights
	health   *health.Handler
	metrics  *observe.Metrics
	validate *validator.Validate
	cfg      Config
}

// New creates a Server. weights may be nil, in which case the default event
// weights apply.
func New(store Store, queue Embedder, profiles Recomputer, ranker Ranker, h *health.Handler, metrics *observe.Metrics, weights profile.Weights, cfg Config) *Server {
	if cfg.MaxImageBytes <= 0 {
		cfg.MaxImageBytes = 10 << 20
	}
	if weights == nil {
		weights = profile.DefaultWeights()
	}
	return &Server{
		store:    store,
		queue:    queue,
		profiles: profiles,
		ranker:   ranker,
		weights:  weights,
		health:   h,
		metrics:  metrics,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		cfg:      cfg,
	}
}

// Routes builds the complete router: observability middleware, CORS, health
// probes, the metrics endpoint, and the secret-guarded /api group.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(observe.Middleware(s.metrics))

	origins := s.cfg.AllowOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Webhook-Secret"},
	}))

	s.health.Register(r)
	r.Method("GET", "/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireSecret)

		r.Post("/posts", s.handleCreatePost)
		r.Post("/user-event", s.handleUserEvent)
		r.Post("/users/{uid}/embedding/recompute", s.handleRecompute)
		r.Get("/users/{uid}/embedding", s.handleEmbeddingMeta)
		r.Get("/rank", s.handleRank)
	})

	return r
}

// requireSecret rejects /api requests without the shared webhook secret.
// This is a narrow ingest guard, not an authentication system.
func (s *Server) requireSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.WebhookSecret != "" && r.Header.Get("X-Webhook-Secret") != s.cfg.WebhookSecret {
			writeError(w, http.StatusUnauthorized, "invalid webhook secret")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encoding failure"}`, http.StatusInternalServerError)
	}
}
