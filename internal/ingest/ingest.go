// Package ingest drains the durable event queue into the store. Writes
// arrive as queued events so HTTP handlers stay fast and retries survive
// restarts.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opencode-mem/opencode-mem/internal/db"
	"github.com/opencode-mem/opencode-mem/internal/embedder"
	"github.com/opencode-mem/opencode-mem/internal/hub"
	"github.com/opencode-mem/opencode-mem/internal/privacy"
	"github.com/opencode-mem/opencode-mem/internal/session"
)

const queueName = "session_ingest"

// Event types accepted by the processor. Anything else is rejected at
// enqueue time and dropped if it somehow reaches the queue.
const (
	EventSessionStart = "session_start"
	EventSessionEnd   = "session_end"
	EventObservation  = "observation"
	EventUserPrompt   = "user_prompt"
)

// Event is the wire representation of one queued ingest event.
type Event struct {
	Type      string `json:"type"`
	EventKey  string `json:"event_key,omitempty"`
	SessionID string `json:"session_id"`
	Project   string `json:"project"`

	// session_end
	Status string `json:"status,omitempty"`

	// observation
	Observation *ObservationPayload `json:"observation,omitempty"`

	// user_prompt
	Prompt string `json:"prompt,omitempty"`
}

// ObservationPayload is the observation body carried by an observation
// event.
type ObservationPayload struct {
	Type          string   `json:"type"`
	Title         string   `json:"title"`
	Subtitle      string   `json:"subtitle,omitempty"`
	Text          string   `json:"text"`
	Facts         []string `json:"facts,omitempty"`
	FilesRead     []string `json:"files_read,omitempty"`
	FilesModified []string `json:"files_modified,omitempty"`
}

// errDrop marks a permanently invalid event. Dropped events are marked
// processed so they never retry.
var errDrop = errors.New("event dropped")

// Stats is a snapshot of processor counters since start.
type Stats struct {
	Processed    int64 `json:"processed"`
	Failed       int64 `json:"failed"`
	Dropped      int64 `json:"dropped"`
	Retried      int64 `json:"retried"`
	TicksSkipped int64 `json:"ticks_skipped"`
}

// Processor polls the queue and applies events to the store.
type Processor struct {
	store    *db.DB
	sessions *session.Service
	embed    *embedder.Worker // optional
	events   *hub.Hub         // optional

	filterMu sync.RWMutex
	filter   *privacy.Filter

	interval   time.Duration
	batchSize  int
	maxRetries int
	retryDelay time.Duration

	ticking atomic.Bool
	stats   struct {
		processed, failed, dropped, retried, skipped atomic.Int64
	}
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// Config tunes a Processor. Zero values fall back to defaults.
type Config struct {
	Interval   time.Duration // default 1s
	BatchSize  int           // default 10
	MaxRetries int           // default 3
	RetryDelay time.Duration // default 1s
}

// New creates a Processor. embed and events may be nil.
func New(store *db.DB, filter *privacy.Filter, sessions *session.Service, embed *embedder.Worker, events *hub.Hub, cfg Config) *Processor {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	return &Processor{
		store:      store,
		filter:     filter,
		sessions:   sessions,
		embed:      embed,
		events:     events,
		interval:   cfg.Interval,
		batchSize:  cfg.BatchSize,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// SetFilter swaps the privacy filter applied to queued text. The settings
// endpoint uses it so toggle changes reach events already in the queue
// without a restart.
func (p *Processor) SetFilter(f *privacy.Filter) {
	p.filterMu.Lock()
	p.filter = f
	p.filterMu.Unlock()
}

func (p *Processor) sanitize(text string) (string, []string, error) {
	p.filterMu.RLock()
	f := p.filter
	p.filterMu.RUnlock()
	return f.Sanitize(text)
}

// Enqueue validates an event and places it on the durable queue. It
// returns the queue id, or db.DuplicateID when the event key was already
// processed.
func (p *Processor) Enqueue(ev *Event) (int64, error) {
	if err := validate(ev); err != nil {
		return 0, err
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("marshal event: %w", err)
	}
	return p.store.Enqueue(queueName, ev.SessionID, string(payload), db.EnqueueOptions{
		MaxRetries: p.maxRetries,
		DedupKey:   ev.EventKey,
	})
}

func validate(ev *Event) error {
	switch ev.Type {
	case EventSessionStart, EventSessionEnd, EventObservation, EventUserPrompt:
	default:
		return fmt.Errorf("unknown event type %q", ev.Type)
	}
	if ev.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	if ev.Type == EventSessionStart && ev.Project == "" {
		return fmt.Errorf("project is required for session_start")
	}
	if ev.Type == EventObservation && (ev.Observation == nil || ev.Observation.Text == "") {
		return fmt.Errorf("observation payload with text is required")
	}
	if ev.Type == EventUserPrompt && ev.Prompt == "" {
		return fmt.Errorf("prompt text is required")
	}
	return nil
}

// Start launches the poll loop.
func (p *Processor) Start() {
	go p.run()
}

// Stop halts the poll loop and waits for the current tick to finish.
func (p *Processor) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	<-p.done
}

// Snapshot returns current counters.
func (p *Processor) Snapshot() Stats {
	return Stats{
		Processed:    p.stats.processed.Load(),
		Failed:       p.stats.failed.Load(),
		Dropped:      p.stats.dropped.Load(),
		Retried:      p.stats.retried.Load(),
		TicksSkipped: p.stats.skipped.Load(),
	}
}

func (p *Processor) run() {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.Tick(context.Background())
		}
	}
}

// Tick drains one batch. Overlapping ticks are skipped rather than run
// concurrently.
func (p *Processor) Tick(ctx context.Context) {
	if !p.ticking.CompareAndSwap(false, true) {
		p.stats.skipped.Add(1)
		return
	}
	defer p.ticking.Store(false)

	ready, err := p.store.GetReady(queueName, p.batchSize)
	if err != nil {
		log.Printf("[ingest] dequeue: %v", err)
		return
	}

	for _, msg := range ready {
		p.processMessage(ctx, &msg)
		select {
		case <-p.stop:
			return
		default:
		}
	}
}

func (p *Processor) processMessage(ctx context.Context, msg *db.PendingMessage) {
	err := p.apply(ctx, msg)
	if err == nil {
		if msg.DedupKey != nil {
			if err := p.store.MarkEventProcessed(*msg.DedupKey, msg.QueueName, msg.EntityID); err != nil {
				log.Printf("[ingest] mark event processed: %v", err)
			}
		}
		if err := p.store.MarkProcessed(msg.ID); err != nil {
			log.Printf("[ingest] mark processed: %v", err)
		}
		p.stats.processed.Add(1)
		return
	}

	if errors.Is(err, errDrop) {
		log.Printf("[ingest] dropping message %d: %v", msg.ID, err)
		if msg.DedupKey != nil {
			if err := p.store.MarkEventProcessed(*msg.DedupKey, msg.QueueName, msg.EntityID); err != nil {
				log.Printf("[ingest] mark dropped event: %v", err)
			}
		}
		if err := p.store.MarkProcessed(msg.ID); err != nil {
			log.Printf("[ingest] remove dropped message: %v", err)
		}
		p.stats.dropped.Add(1)
		return
	}

	log.Printf("[ingest] message %d attempt %d: %v", msg.ID, msg.RetryCount+1, err)
	willRetry, rerr := p.store.IncrementRetry(msg.ID, p.retryDelay.Milliseconds()*int64(msg.RetryCount+1))
	if rerr != nil {
		log.Printf("[ingest] increment retry: %v", rerr)
		return
	}
	if willRetry {
		p.stats.retried.Add(1)
		return
	}

	if _, dlErr := p.store.InsertDeadLetter(queueName, msg.EntityID, msg.Payload, "max_retries_exceeded"); dlErr != nil {
		log.Printf("[ingest] dead letter: %v", dlErr)
	}
	if err := p.store.MarkProcessed(msg.ID); err != nil {
		log.Printf("[ingest] remove exhausted message: %v", err)
	}
	p.stats.failed.Add(1)
}

func (p *Processor) apply(ctx context.Context, msg *db.PendingMessage) error {
	var ev Event
	if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
		return fmt.Errorf("%w: malformed payload: %v", errDrop, err)
	}
	if err := validate(&ev); err != nil {
		return fmt.Errorf("%w: %v", errDrop, err)
	}

	switch ev.Type {
	case EventSessionStart:
		if err := p.sessions.Init(ev.SessionID, ev.Project); err != nil {
			return err
		}
		p.broadcast("session_start", ev.Project, ev.SessionID, nil)
	case EventSessionEnd:
		if err := p.sessions.Complete(ctx, ev.SessionID, ev.Status); err != nil {
			return err
		}
		p.broadcast("session_end", ev.Project, ev.SessionID, nil)
	case EventObservation:
		return p.applyObservation(&ev)
	case EventUserPrompt:
		return p.applyPrompt(&ev)
	}
	return nil
}

func (p *Processor) applyObservation(ev *Event) error {
	text, warnings, err := p.sanitize(ev.Observation.Text)
	if err != nil {
		// Privacy violations are final; retrying cannot fix them.
		return fmt.Errorf("%w: %v", errDrop, err)
	}
	for _, w := range warnings {
		log.Printf("[ingest] observation in %s: %s", ev.SessionID, w)
	}
	title, _, err := p.sanitize(ev.Observation.Title)
	if err != nil {
		title = ""
	}

	if err := p.store.EnsureSession(ev.SessionID, ev.Project); err != nil {
		return err
	}

	obs := &db.Observation{
		SessionID:     ev.SessionID,
		Project:       ev.Project,
		Type:          ev.Observation.Type,
		Title:         title,
		Text:          text,
		Facts:         ev.Observation.Facts,
		FilesRead:     ev.Observation.FilesRead,
		FilesModified: ev.Observation.FilesModified,
		CreatedAtMs:   time.Now().UnixMilli(),
	}
	if ev.Observation.Subtitle != "" {
		sub := ev.Observation.Subtitle
		obs.Subtitle = &sub
	}
	if obs.Type == "" {
		obs.Type = "discovery"
	}

	id, err := p.store.InsertObservation(obs)
	if err != nil {
		return err
	}
	if p.embed != nil {
		p.embed.Enqueue(id)
	}
	p.broadcast("observation_added", ev.Project, ev.SessionID, map[string]any{"id": id, "title": obs.Title})
	return nil
}

func (p *Processor) applyPrompt(ev *Event) error {
	text, _, err := p.sanitize(ev.Prompt)
	if err != nil {
		return fmt.Errorf("%w: %v", errDrop, err)
	}
	if err := p.store.EnsureSession(ev.SessionID, ev.Project); err != nil {
		return err
	}
	prompt, err := p.store.InsertUserPrompt(ev.SessionID, text)
	if err != nil {
		return err
	}
	p.broadcast("user_prompt", ev.Project, ev.SessionID, map[string]any{"prompt_number": prompt.PromptNumber})
	return nil
}

func (p *Processor) broadcast(eventType, project, sessionID string, payload any) {
	if p.events != nil {
		p.events.Broadcast(eventType, project, sessionID, payload)
	}
}
