package embedqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/locustsocial/locustfeed/internal/observe"
	"github.com/locustsocial/locustfeed/pkg/provider/embeddings"
	"github.com/locustsocial/locustfeed/pkg/provider/embeddings/mock"
)

// fakeSink records stored embeddings and signals each write on a channel.
type fakeSink struct {
	mu     sync.Mutex
	stored []int64
	wrote  chan struct{}
}

func newFakeSink() *fakeSink {
	return &fakeSink{wrote: make(chan struct{}, 64)}
}

func (f *fakeSink) SetPostEmbedding(_ context.Context, id int64, _ []float32, _ string, _ int) error {
	f.mu.Lock()
	f.stored = append(f.stored, id)
	f.mu.Unlock()
	f.wrote <- struct{}{}
	return nil
}

func (f *fakeSink) storedIDs() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.stored...)
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// waitWrites blocks until n sink writes happened or the timeout expires.
func waitWrites(t *testing.T, sink *fakeSink, n int, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for i := 0; i < n; i++ {
		select {
		case <-sink.wrote:
		case <-deadline:
			t.Fatalf("timed out waiting for write %d of %d", i+1, n)
		}
	}
}

func TestQueue_ProcessesFIFO(t *testing.T) {
	provider := &mock.Provider{
		EmbedResult: embeddings.Result{Vector: []float32{1, 2, 3}},
		ModelIDValue: "test-model",
	}
	sink := newFakeSink()
	q := New(provider, sink, testMetrics(t), Config{Capacity: 10, QPS: 1000})

	for i := int64(1); i <= 3; i++ {
		if err := q.Enqueue(Job{PostID: i, Text: fmt.Sprintf("post %d", i)}); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}
	q.Start(t.Context())

	waitWrites(t, sink, 3, 5*time.Second)

	got := sink.storedIDs()
	for i, want := range []int64{1, 2, 3} {
		if got[i] != want {
			t.Errorf("stored[%d] = %d, want %d (FIFO order)", i, got[i], want)
		}
	}
}

func TestQueue_RespectsQPSCeiling(t *testing.T) {
	provider := &mock.Provider{
		EmbedResult: embeddings.Result{Vector: []float32{1}},
		ModelIDValue: "test-model",
	}
	sink := newFakeSink()

	const n, qps = 4, 20.0
	q := New(provider, sink, testMetrics(t), Config{Capacity: 10, QPS: qps})

	start := time.Now()
	for i := int64(1); i <= n; i++ {
		if err := q.Enqueue(Job{PostID: i, Text: "x"}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	q.Start(t.Context())
	waitWrites(t, sink, n, 5*time.Second)

	elapsed := time.Since(start)
	min := time.Duration(float64(n-1) / qps * float64(time.Second))
	if elapsed < min {
		t.Errorf("completed %d jobs in %v, want at least %v at %v qps", n, elapsed, min, qps)
	}
}

func TestQueue_FailedJobDoesNotBlockNext(t *testing.T) {
	var calls int
	var mu sync.Mutex
	provider := &mock.Provider{
		ModelIDValue: "test-model",
		EmbedFunc: func(_ context.Context, _ embeddings.Request) (embeddings.Result, error) {
			mu.Lock()
			calls++
			first := calls == 1
			mu.Unlock()
			if first {
				return embeddings.Result{}, fmt.Errorf("%w: boom", embeddings.ErrProviderUnavailable)
			}
			return embeddings.Result{Vector: []float32{1}}, nil
		},
	}
	sink := newFakeSink()
	q := New(provider, sink, testMetrics(t), Config{Capacity: 10, QPS: 1000})

	_ = q.Enqueue(Job{PostID: 1, Text: "fails"})
	_ = q.Enqueue(Job{PostID: 2, Text: "succeeds"})
	q.Start(t.Context())

	waitWrites(t, sink, 1, 5*time.Second)

	got := sink.storedIDs()
	if len(got) != 1 || got[0] != 2 {
		t.Errorf("stored = %v, want [2] (failed job skipped)", got)
	}
}

func TestQueue_FullQueueRejects(t *testing.T) {
	provider := &mock.Provider{ModelIDValue: "test-model"}
	q := New(provider, newFakeSink(), testMetrics(t), Config{Capacity: 1, QPS: 1000})
	// Worker not started, so the first job stays queued.

	if err := q.Enqueue(Job{PostID: 1, Text: "x"}); err != nil {
		t.Fatalf("Enqueue 1: %v", err)
	}
	err := q.Enqueue(Job{PostID: 2, Text: "y"})
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Enqueue 2: err = %v, want ErrQueueFull", err)
	}
	if q.Len() != 1 {
		t.Errorf("Len = %d, want 1", q.Len())
	}
}

func TestQueue_StartIsIdempotent(t *testing.T) {
	provider := &mock.Provider{
		EmbedResult: embeddings.Result{Vector: []float32{1}},
		ModelIDValue: "test-model",
	}
	sink := newFakeSink()
	q := New(provider, sink, testMetrics(t), Config{Capacity: 10, QPS: 1000})

	ctx := t.Context()
	q.Start(ctx)
	q.Start(ctx) // second call must be a no-op

	if err := q.Enqueue(Job{PostID: 1, Text: "x"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitWrites(t, sink, 1, 5*time.Second)
}

func TestQueue_EmbedInline(t *testing.T) {
	provider := &mock.Provider{
		EmbedResult: embeddings.Result{Vector: []float32{1}},
		ModelIDValue: "test-model",
	}
	sink := newFakeSink()
	q := New(provider, sink, testMetrics(t), Config{Capacity: 1, QPS: 1000})

	if err := q.EmbedInline(t.Context(), Job{PostID: 42, Text: "x"}); err != nil {
		t.Fatalf("EmbedInline: %v", err)
	}
	got := sink.storedIDs()
	if len(got) != 1 || got[0] != 42 {
		t.Errorf("stored = %v, want [42]", got)
	}
}

func TestQueue_WorkerStopsOnCancel(t *testing.T) {
	provider := &mock.Provider{ModelIDValue: "test-model"}
	q := New(provider, newFakeSink(), testMetrics(t), Config{Capacity: 10, QPS: 1000})

	ctx, cancel := context.WithCancel(context.Background())
	q.Start(ctx)
	cancel()

	select {
	case <-q.Done():
	case <-time.After(time.Second):
		t.Fatal("worker did not exit after cancel")
	}
}
