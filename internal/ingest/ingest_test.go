package ingest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/opencode-mem/opencode-mem/internal/db"
	"github.com/opencode-mem/opencode-mem/internal/hub"
	"github.com/opencode-mem/opencode-mem/internal/privacy"
	"github.com/opencode-mem/opencode-mem/internal/session"
)

func newTestProcessor(t *testing.T) (*Processor, *db.DB) {
	t.Helper()
	d, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { d.Close() })

	p := New(d, privacy.NewFilter(), session.NewService(d, ""), nil, hub.New(), Config{
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
	})
	return p, d
}

func drain(p *Processor) {
	// A couple of ticks so retried messages get a second chance.
	for i := 0; i < 5; i++ {
		p.Tick(context.Background())
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSessionStartEvent(t *testing.T) {
	p, d := newTestProcessor(t)

	if _, err := p.Enqueue(&Event{Type: EventSessionStart, SessionID: "s1", Project: "p"}); err != nil {
		t.Fatal(err)
	}
	p.Tick(context.Background())

	s, err := d.GetSession("s1")
	if err != nil {
		t.Fatal(err)
	}
	if s == nil || s.Status != db.SessionActive {
		t.Fatalf("unexpected session: %+v", s)
	}
	if stats := p.Snapshot(); stats.Processed != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestObservationEvent(t *testing.T) {
	p, d := newTestProcessor(t)

	_, err := p.Enqueue(&Event{
		Type:      EventObservation,
		SessionID: "s1",
		Project:   "p",
		Observation: &ObservationPayload{
			Type:  "discovery",
			Title: "found the bug",
			Text:  "nil map write in config loader",
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	p.Tick(context.Background())

	obs, err := d.ListSessionObservations("s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(obs) != 1 || obs[0].Title != "found the bug" {
		t.Fatalf("unexpected observations: %+v", obs)
	}
	// The implicit session exists too.
	s, _ := d.GetSession("s1")
	if s == nil {
		t.Error("observation should ensure its session")
	}
}

func TestObservationRedactsSecrets(t *testing.T) {
	p, d := newTestProcessor(t)

	_, err := p.Enqueue(&Event{
		Type:      EventObservation,
		SessionID: "s1",
		Project:   "p",
		Observation: &ObservationPayload{
			Text: "the key is sk-abcdefghijklmnopqrstuvwx",
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	p.Tick(context.Background())

	obs, _ := d.ListSessionObservations("s1")
	if len(obs) != 1 {
		t.Fatal("expected observation")
	}
	if obs[0].Text != "the key is [REDACTED:API_KEY]" {
		t.Errorf("secret not redacted: %q", obs[0].Text)
	}
}

func TestSetFilterAffectsQueuedEvents(t *testing.T) {
	p, d := newTestProcessor(t)

	_, err := p.Enqueue(&Event{
		Type:      EventObservation,
		SessionID: "s1",
		Project:   "p",
		Observation: &ObservationPayload{
			Text: "the key is sk-abcdefghijklmnopqrstuvwx",
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	// Redaction toggled off before the queue drains; the stored text
	// keeps the secret.
	p.SetFilter(&privacy.Filter{StripPrivateTags: true, RedactSecrets: false})
	p.Tick(context.Background())

	obs, _ := d.ListSessionObservations("s1")
	if len(obs) != 1 {
		t.Fatal("expected observation")
	}
	if obs[0].Text != "the key is sk-abcdefghijklmnopqrstuvwx" {
		t.Errorf("filter swap ignored: %q", obs[0].Text)
	}
}

func TestFullyPrivateObservationDropped(t *testing.T) {
	p, d := newTestProcessor(t)

	_, err := p.Enqueue(&Event{
		Type:      EventObservation,
		SessionID: "s1",
		Project:   "p",
		Observation: &ObservationPayload{
			Text: "<private>all of it</private>",
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	drain(p)

	obs, _ := d.ListSessionObservations("s1")
	if len(obs) != 0 {
		t.Errorf("private observation persisted: %+v", obs)
	}
	stats := p.Snapshot()
	if stats.Dropped != 1 || stats.Retried != 0 {
		t.Errorf("expected drop without retries: %+v", stats)
	}
}

func TestUserPromptEvent(t *testing.T) {
	p, d := newTestProcessor(t)

	_, err := p.Enqueue(&Event{Type: EventUserPrompt, SessionID: "s1", Project: "p", Prompt: "fix the tests"})
	if err != nil {
		t.Fatal(err)
	}
	p.Tick(context.Background())

	prompts, err := d.ListUserPrompts("s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(prompts) != 1 || prompts[0].Text != "fix the tests" {
		t.Fatalf("unexpected prompts: %+v", prompts)
	}
}

func TestSessionEndCompiles(t *testing.T) {
	p, d := newTestProcessor(t)

	if _, err := p.Enqueue(&Event{Type: EventSessionStart, SessionID: "s1", Project: "p"}); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Enqueue(&Event{Type: EventSessionEnd, SessionID: "s1"}); err != nil {
		t.Fatal(err)
	}
	p.Tick(context.Background())

	s, _ := d.GetSession("s1")
	if s.Status != db.SessionCompleted {
		t.Errorf("expected completed, got %s", s.Status)
	}
}

func TestEnqueueRejectsUnknownType(t *testing.T) {
	p, _ := newTestProcessor(t)
	if _, err := p.Enqueue(&Event{Type: "telemetry", SessionID: "s1"}); err == nil {
		t.Error("expected validation error for unknown type")
	}
}

func TestUnknownTypeInQueueDropped(t *testing.T) {
	p, d := newTestProcessor(t)

	// Bypass Enqueue validation to simulate a poisoned queue entry.
	if _, err := d.Enqueue("session_ingest", "s1", `{"type":"telemetry","session_id":"s1"}`, db.EnqueueOptions{}); err != nil {
		t.Fatal(err)
	}
	drain(p)

	stats := p.Snapshot()
	if stats.Dropped != 1 {
		t.Errorf("expected 1 dropped, got %+v", stats)
	}
	pending, _ := d.GetReady("session_ingest", 10)
	if len(pending) != 0 {
		t.Error("poisoned message still pending")
	}
}

func TestEventKeyDeduplicates(t *testing.T) {
	p, d := newTestProcessor(t)

	ev := &Event{Type: EventUserPrompt, SessionID: "s1", Project: "p", Prompt: "once", EventKey: "k1"}
	if _, err := p.Enqueue(ev); err != nil {
		t.Fatal(err)
	}
	p.Tick(context.Background())

	id, err := p.Enqueue(ev)
	if err != nil {
		t.Fatal(err)
	}
	if id != db.DuplicateID {
		t.Errorf("expected DuplicateID after processing, got %d", id)
	}
	prompts, _ := d.ListUserPrompts("s1")
	if len(prompts) != 1 {
		t.Errorf("duplicate applied: %d prompts", len(prompts))
	}
}

func TestRetryExhaustionDeadLetters(t *testing.T) {
	p, d := newTestProcessor(t)

	// session_end for a session that does not exist fails on every attempt.
	if _, err := p.Enqueue(&Event{Type: EventSessionEnd, SessionID: "ghost"}); err != nil {
		t.Fatal(err)
	}
	drain(p)

	letters, err := d.ListDeadLetters("session_ingest", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(letters) != 1 || letters[0].Reason != "max_retries_exceeded" {
		t.Fatalf("unexpected dead letters: %+v", letters)
	}
	stats := p.Snapshot()
	if stats.Failed != 1 {
		t.Errorf("expected 1 failed, got %+v", stats)
	}
	pending, _ := d.GetReady("session_ingest", 10)
	if len(pending) != 0 {
		t.Error("exhausted message still pending")
	}
}

func TestBroadcastOnObservation(t *testing.T) {
	p, _ := newTestProcessor(t)
	_, ch, unsub := p.events.Subscribe(nil, nil)
	defer unsub()

	_, err := p.Enqueue(&Event{
		Type:        EventObservation,
		SessionID:   "s1",
		Project:     "p",
		Observation: &ObservationPayload{Text: "something happened"},
	})
	if err != nil {
		t.Fatal(err)
	}
	p.Tick(context.Background())

	select {
	case ev := <-ch:
		if ev.Type != "observation_added" {
			t.Errorf("expected observation_added, got %s", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("no broadcast received")
	}
}
