// Package embedqueue serializes embedding computation behind a bounded FIFO
// queue with a single worker and a global call-rate ceiling.
//
// Ingestion handlers enqueue jobs instead of calling the embedding provider
// directly, so request latency never includes provider retries or backoff.
// Exactly one worker drains the queue; a rate limiter enforces a minimum
// inter-call interval derived from the configured QPS ceiling, because the
// provider's limits are per-account, not per-request.
//
// A full queue is an explicit backpressure signal: Enqueue returns
// [ErrQueueFull] and the caller is expected to fall back to [Queue.EmbedInline]
// on a detached goroutine rather than dropping the work.
package embedqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/locustsocial/locustfeed/internal/observe"
	"github.com/locustsocial/locustfeed/pkg/provider/embeddings"
)

// ErrQueueFull is returned by [Queue.Enqueue] when the queue is at capacity.
var ErrQueueFull = errors.New("embedqueue: queue is full")

// Job is one pending embedding computation for a post.
type Job struct {
	PostID int64
	Text   string
	Images [][]byte
}

// VectorSink receives computed embeddings. *postgres.Store satisfies it.
type VectorSink interface {
	SetPostEmbedding(ctx context.Context, id int64, vec []float32, model string, version int) error
}

// Config holds the queue's construction parameters.
type Config struct {
	// Capacity is the maximum number of queued jobs. Default: 1000.
	Capacity int

	// QPS is the global ceiling on embedding calls per second across the
	// worker. Default: 2.0.
	QPS float64

	// ModelVersion is recorded alongside each stored embedding.
	ModelVersion int
}

// Queue is a bounded embedding work queue with a single rate-limited worker.
// Construct with [New], then call [Queue.Start] exactly once; further Start
// calls are no-ops.
type Queue struct {
	provider embeddings.Provider
	sink     VectorSink
	metrics  *observe.Metrics

	jobs    chan Job
	limiter *rate.Limiter
	version int

	startOnce sync.Once
	done      chan struct{}
}

// New creates a Queue. Zero-value config fields are replaced with defaults.
func New(provider embeddings.Provider, sink VectorSink, metrics *observe.Metrics, cfg Config) *Queue {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1000
	}
	if cfg.QPS <= 0 {
		cfg.QPS = 2.0
	}
	return &Queue{
		provider: provider,
		sink:     sink,
		metrics:  metrics,
		jobs:     make(chan Job, cfg.Capacity),
		limiter:  rate.NewLimiter(rate.Limit(cfg.QPS), 1),
		version:  cfg.ModelVersion,
		done:     make(chan struct{}),
	}
}

// Enqueue adds a job to the queue without blocking. Returns [ErrQueueFull]
// when the queue is at capacity; the caller must then take the inline path.
func (q *Queue) Enqueue(job Job) error {
	select {
	case q.jobs <- job:
		q.metrics.QueueDepth.Add(context.Background(), 1)
		return nil
	default:
		q.metrics.RecordQueueJob(context.Background(), "rejected")
		return ErrQueueFull
	}
}

// Len returns the number of jobs currently waiting.
func (q *Queue) Len() int { return len(q.jobs) }

// Start launches the single worker goroutine. Only the first call has any
// effect. The worker runs until ctx is cancelled; [Queue.Done] is closed when
// it exits.
func (q *Queue) Start(ctx context.Context) {
	q.startOnce.Do(func() {
		go q.run(ctx)
	})
}

// Done returns a channel closed when the worker has exited.
func (q *Queue) Done() <-chan struct{} { return q.done }

// run is the worker loop. Jobs are processed strictly in FIFO order, one at a
// time, with the limiter enforcing the minimum inter-call interval. A failed
// job is logged and counted; the loop continues with the next job.
func (q *Queue) run(ctx context.Context) {
	defer close(q.done)

	for {
		select {
		case <-ctx.Done():
			return
		case job := <-q.jobs:
			q.metrics.QueueDepth.Add(ctx, -1)

			if err := q.limiter.Wait(ctx); err != nil {
				// Shutdown while waiting for the rate slot. The job's post
				// keeps a null embedding until re-ingestion.
				return
			}

			if err := q.process(ctx, job); err != nil {
				q.metrics.RecordQueueJob(ctx, "failed")
				observe.Logger(ctx).Error("embedding job failed",
					"post_id", job.PostID, "error", err)
				continue
			}
			q.metrics.RecordQueueJob(ctx, "done")
		}
	}
}

// EmbedInline computes and stores the embedding synchronously, bypassing the
// queue. This is the overflow path taken when [Queue.Enqueue] reports a full
// queue; it still counts against the account-wide rate limit.
func (q *Queue) EmbedInline(ctx context.Context, job Job) error {
	if err := q.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("embedqueue: inline rate wait: %w", err)
	}
	err := q.process(ctx, job)
	if err != nil {
		q.metrics.RecordQueueJob(ctx, "failed")
		return err
	}
	q.metrics.RecordQueueJob(ctx, "inline")
	return nil
}

// process runs one embedding call and persists the result.
func (q *Queue) process(ctx context.Context, job Job) error {
	start := time.Now()
	res, err := q.provider.Embed(ctx, embeddings.Request{
		Text:    job.Text,
		Images:  job.Images,
		Purpose: embeddings.PurposeDocument,
	})
	status := "ok"
	switch {
	case err != nil:
		status = "error"
	case res.Degraded:
		status = "degraded"
	}
	q.metrics.EmbedDuration.Record(ctx, time.Since(start).Seconds())
	q.metrics.RecordEmbedRequest(ctx, q.provider.ModelID(), status)
	if err != nil {
		return fmt.Errorf("embedqueue: embed post %d: %w", job.PostID, err)
	}

	if res.Degraded {
		// The provider refused access and handed back a zero vector. Store it
		// anyway so the post stays rankable, but make the event visible.
		observe.Logger(ctx).Warn("storing degraded zero-vector embedding",
			"post_id", job.PostID, "model", q.provider.ModelID())
	}

	if err := q.sink.SetPostEmbedding(ctx, job.PostID, res.Vector, q.provider.ModelID(), q.version); err != nil {
		return fmt.Errorf("embedqueue: store embedding for post %d: %w", job.PostID, err)
	}
	return nil
}
