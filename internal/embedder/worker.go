package embedder

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/opencode-mem/opencode-mem/internal/db"
)

const (
	// maxEmbedChars caps how much observation text is sent to the
	// embedding service.
	maxEmbedChars = 8000

	maxAttempts = 3
)

// Stats is a snapshot of worker counters.
type Stats struct {
	Enqueued  int64 `json:"enqueued"`
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
	Retried   int64 `json:"retried"`
	Pending   int   `json:"pending"`
	MaxDepth  int   `json:"max_depth"`
}

type task struct {
	observationID int64
	attempt       int
}

// Worker embeds observations asynchronously. Tasks are held in an
// in-memory FIFO deduplicated by observation id; a single goroutine
// drains it so the embedding service sees at most one request at a time.
type Worker struct {
	store      *db.DB
	client     *Client
	retryDelay time.Duration

	mu       sync.Mutex
	queue    []task
	inQueue  map[int64]bool
	stats    Stats
	notify   chan struct{}
	stopped  bool
	stopOnce sync.Once
	done     chan struct{}
	cancel   context.CancelFunc
}

// NewWorker creates a Worker. retryDelay is the base delay between
// attempts for a failing observation; it scales linearly with the
// attempt number.
func NewWorker(store *db.DB, client *Client, retryDelay time.Duration) *Worker {
	return &Worker{
		store:      store,
		client:     client,
		retryDelay: retryDelay,
		inQueue:    make(map[int64]bool),
		notify:     make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// Start launches the processing goroutine.
func (w *Worker) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	go w.run(ctx)
}

// Stop signals the goroutine to exit and waits for it.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		w.stopped = true
		w.mu.Unlock()
		if w.cancel != nil {
			w.cancel()
		}
		<-w.done
	})
}

// Enqueue schedules an observation for embedding. Observations already
// queued are skipped.
func (w *Worker) Enqueue(observationID int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped || w.inQueue[observationID] {
		return
	}
	w.queue = append(w.queue, task{observationID: observationID, attempt: 1})
	w.inQueue[observationID] = true
	w.stats.Enqueued++
	if len(w.queue) > w.stats.MaxDepth {
		w.stats.MaxDepth = len(w.queue)
	}
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

// Backfill enqueues up to limit observations that have no stored vector,
// newest first. It returns how many were scheduled.
func (w *Worker) Backfill(limit int) (int, error) {
	ids, err := w.store.ObservationsWithoutVectors(limit)
	if err != nil {
		return 0, fmt.Errorf("list unembedded observations: %w", err)
	}
	for _, id := range ids {
		w.Enqueue(id)
	}
	return len(ids), nil
}

// Snapshot returns current counters.
func (w *Worker) Snapshot() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.stats
	s.Pending = len(w.queue)
	return s
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	for {
		t, ok := w.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-w.notify:
				continue
			}
		}
		w.process(ctx, t)
		if ctx.Err() != nil {
			return
		}
	}
}

func (w *Worker) pop() (task, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) == 0 {
		return task{}, false
	}
	t := w.queue[0]
	w.queue = w.queue[1:]
	return t, true
}

func (w *Worker) process(ctx context.Context, t task) {
	err := w.embedObservation(ctx, t.observationID)
	if err == nil {
		w.mu.Lock()
		delete(w.inQueue, t.observationID)
		w.stats.Processed++
		w.mu.Unlock()
		return
	}
	if ctx.Err() != nil {
		return
	}

	log.Printf("[embedder] observation %d attempt %d: %v", t.observationID, t.attempt, err)

	if t.attempt >= maxAttempts {
		w.mu.Lock()
		delete(w.inQueue, t.observationID)
		w.stats.Failed++
		w.mu.Unlock()

		payload := fmt.Sprintf(`{"observation_id":%d,"error":%q}`, t.observationID, err.Error())
		_, dlErr := w.store.InsertDeadLetter(
			"embedding_queue",
			fmt.Sprintf("%d", t.observationID),
			payload,
			"embedding_failed_after_retries",
		)
		if dlErr != nil {
			log.Printf("[embedder] dead letter for observation %d: %v", t.observationID, dlErr)
		}
		return
	}

	// Linear backoff before requeueing at the tail.
	select {
	case <-ctx.Done():
		return
	case <-time.After(w.retryDelay * time.Duration(t.attempt)):
	}

	w.mu.Lock()
	w.queue = append(w.queue, task{observationID: t.observationID, attempt: t.attempt + 1})
	w.stats.Retried++
	w.mu.Unlock()
}

func (w *Worker) embedObservation(ctx context.Context, id int64) error {
	obs, err := w.store.GetObservation(id)
	if err != nil {
		return fmt.Errorf("load observation: %w", err)
	}
	if obs == nil {
		// Deleted since enqueue; nothing to embed.
		return nil
	}

	// Overlapping backfills can enqueue an observation that was embedded
	// in the meantime; skip the provider call in that case.
	has, err := w.store.HasVector(id)
	if err != nil {
		return fmt.Errorf("check vector: %w", err)
	}
	if has {
		return nil
	}

	text := embeddingText(obs)
	vec, model, err := w.client.EmbedOne(ctx, text)
	if err != nil {
		return err
	}

	if err := w.store.InsertVector(id, vec, model); err != nil {
		return fmt.Errorf("store vector: %w", err)
	}
	return nil
}

// embeddingText builds the string sent to the embedding service,
// truncated to maxEmbedChars.
func embeddingText(obs *db.Observation) string {
	var b strings.Builder
	if obs.Title != "" {
		b.WriteString(obs.Title)
		b.WriteString(" ")
	}
	b.WriteString(obs.Text)
	s := b.String()
	if len(s) > maxEmbedChars {
		s = s[:maxEmbedChars]
	}
	return s
}
