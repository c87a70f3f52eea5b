package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/locustsocial/locustfeed/internal/embedqueue"
	"github.com/locustsocial/locustfeed/internal/observe"
	"github.com/locustsocial/locustfeed/internal/profile"
	"github.com/locustsocial/locustfeed/internal/store/postgres"
	"github.com/locustsocial/locustfeed/pkg/imaging"
)

// inlineEmbedTimeout bounds the detached fallback embedding computation when
// the queue is full. Generous: it has to cover the client's full retry
// schedule.
const inlineEmbedTimeout = 2 * time.Minute

// createPostResponse is returned by POST /api/posts.
type createPostResponse struct {
	ID         int64  `json:"id"`
	ExternalID string `json:"external_id,omitempty"`
}

// handleCreatePost ingests a post from a multipart form: optional
// external_id, title, body, and an image either as a file part named "image"
// or a base64 string in "image_b64" (data URI prefixes tolerated).
//
// The post row is written immediately with a null embedding; the embedding is
// computed asynchronously. Ingestion succeeds even if embedding later fails.
func (s *Server) handleCreatePost(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(s.cfg.MaxImageBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}

	var images [][]byte
	if file, header, err := r.FormFile("image"); err == nil {
		defer file.Close()
		if header.Size > s.cfg.MaxImageBytes {
			writeError(w, http.StatusRequestEntityTooLarge, "image exceeds size limit")
			return
		}
		raw, err := io.ReadAll(io.LimitReader(file, s.cfg.MaxImageBytes+1))
		if err != nil {
			writeError(w, http.StatusBadRequest, "read image: "+err.Error())
			return
		}
		if int64(len(raw)) > s.cfg.MaxImageBytes {
			writeError(w, http.StatusRequestEntityTooLarge, "image exceeds size limit")
			return
		}
		images = append(images, raw)
	} else if b64 := r.FormValue("image_b64"); b64 != "" {
		raw, err := imaging.DecodeBase64(b64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid image_b64: "+err.Error())
			return
		}
		if int64(len(raw)) > s.cfg.MaxImageBytes {
			writeError(w, http.StatusRequestEntityTooLarge, "image exceeds size limit")
			return
		}
		images = append(images, raw)
	}

	title := r.FormValue("title")
	body := r.FormValue("body")
	text := strings.TrimSpace(strings.TrimSpace(title) + "\n\n" + strings.TrimSpace(body))
	if text == "" && len(images) == 0 {
		writeError(w, http.StatusBadRequest, "post needs text or an image")
		return
	}

	externalID := r.FormValue("external_id")
	id, err := s.store.UpsertPost(r.Context(), postgres.Post{
		ExternalID: externalID,
		Title:      title,
		Body:       body,
	})
	if err != nil {
		observe.Logger(r.Context()).Error("upsert post failed", "error", err)
		writeError(w, http.StatusInternalServerError, "store post")
		return
	}

	job := embedqueue.Job{PostID: id, Text: text, Images: images}
	if err := s.queue.Enqueue(job); err != nil {
		if !errors.Is(err, embedqueue.ErrQueueFull) {
			observe.Logger(r.Context()).Error("enqueue failed", "post_id", id, "error", err)
			writeError(w, http.StatusInternalServerError, "queue post")
			return
		}
		// Backpressure escape valve: the queue is full, so compute out of
		// band on a detached goroutine. Never dropped silently, and the
		// ingestion response does not wait for it.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), inlineEmbedTimeout)
			defer cancel()
			if err := s.queue.EmbedInline(ctx, job); err != nil {
				observe.Logger(ctx).Error("inline embedding failed",
					"post_id", job.PostID, "error", err)
			}
		}()
	}

	writeJSON(w, http.StatusOK, createPostResponse{ID: id, ExternalID: externalID})
}

// userEventRequest is the JSON body of POST /api/user-event. The post is
// referenced either by external id or by internal id; external wins when both
// are present.
type userEventRequest struct {
	UID            string   `json:"uid" validate:"required"`
	EType          string   `json:"etype" validate:"required,oneof=view like comment share"`
	PostID         int64    `json:"post_id" validate:"required_without=ExternalPostID"`
	ExternalPostID string   `json:"external_post_id"`
	Weight         *float64 `json:"weight" validate:"omitempty,gte=0"`
}

// handleUserEvent appends one immutable interaction event and kicks off the
// conditional profile recompute in the background.
func (s *Server) handleUserEvent(w http.ResponseWriter, r *http.Request) {
	var req userEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "validation: "+err.Error())
		return
	}

	ctx := r.Context()

	postID := req.PostID
	if req.ExternalPostID != "" {
		var err error
		postID, err = s.store.ResolvePostID(ctx, req.ExternalPostID)
		if err != nil {
			if errors.Is(err, postgres.ErrNotFound) {
				writeError(w, http.StatusNotFound, "unknown post")
				return
			}
			writeError(w, http.StatusInternalServerError, "resolve post")
			return
		}
	} else {
		exists, err := s.store.PostExists(ctx, postID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "check post")
			return
		}
		if !exists {
			writeError(w, http.StatusNotFound, "unknown post")
			return
		}
	}

	if err := s.store.EnsureUser(ctx, req.UID); err != nil {
		writeError(w, http.StatusInternalServerError, "ensure user")
		return
	}

	weight := s.weights.Resolve(profile.EventType(req.EType), req.Weight)
	if err := s.store.InsertEvent(ctx, req.UID, postID, req.EType, weight); err != nil {
		observe.Logger(ctx).Error("insert event failed", "uid", req.UID, "error", err)
		writeError(w, http.StatusInternalServerError, "store event")
		return
	}
	s.metrics.InteractionEvents.Add(ctx, 1, observe.WithAttr("etype", req.EType))

	// Stride-gated recompute, detached from the request.
	uid := req.UID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.profiles.MaybeRecompute(ctx, uid); err != nil {
			observe.Logger(ctx).Error("conditional recompute failed",
				"uid", uid, "error", err)
		}
	}()

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleRecompute forces a preference vector recompute. A user with no
// eligible events gets a 404, not an empty vector.
func (s *Server) handleRecompute(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "uid")

	if err := s.profiles.Recompute(r.Context(), uid); err != nil {
		if errors.Is(err, profile.ErrNoEligibleEvents) {
			writeError(w, http.StatusNotFound, "no eligible events")
			return
		}
		observe.Logger(r.Context()).Error("forced recompute failed", "uid", uid, "error", err)
		writeError(w, http.StatusInternalServerError, "recompute")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// embeddingMetaResponse is returned by GET /api/users/{uid}/embedding.
type embeddingMetaResponse struct {
	ExamplesCount int       `json:"examples_count"`
	Model         string    `json:"model"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (s *Server) handleEmbeddingMeta(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "uid")

	meta, err := s.store.UserVectorMeta(r.Context(), uid)
	if err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no preference vector")
			return
		}
		writeError(w, http.StatusInternalServerError, "load vector metadata")
		return
	}
	writeJSON(w, http.StatusOK, embeddingMetaResponse{
		ExamplesCount: meta.ExamplesCount,
		Model:         meta.Model,
		UpdatedAt:     meta.UpdatedAt,
	})
}

// rankResponse is returned by GET /api/rank. NextCursor is null when the
// feed is exhausted.
type rankResponse struct {
	Posts      []string `json:"posts"`
	NextCursor *int     `json:"next_cursor"`
}

func (s *Server) handleRank(w http.ResponseWriter, r *http.Request) {
	uid := r.URL.Query().Get("uid")
	if uid == "" {
		writeError(w, http.StatusBadRequest, "uid is required")
		return
	}

	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = n
	}
	cursor := 0
	if v := r.URL.Query().Get("cursor"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "cursor must be a non-negative integer")
			return
		}
		cursor = n
	}

	ids, next, err := s.ranker.Rank(r.Context(), uid, limit, cursor)
	if err != nil {
		observe.Logger(r.Context()).Error("rank failed", "uid", uid, "error", err)
		writeError(w, http.StatusInternalServerError, "rank")
		return
	}
	writeJSON(w, http.StatusOK, rankResponse{Posts: ids, NextCursor: next})
}
