// Package session manages session lifecycle and end-of-session summaries.
package session

import (
	"context"
	"fmt"
	"log"
	"strings"
	"unicode/utf8"

	"github.com/opencode-mem/opencode-mem/internal/db"
)

const (
	requestCap = 500
	rubricCap  = 1000
)

// Service owns session lifecycle transitions.
type Service struct {
	store *db.DB

	// polishModel enables an optional LLM pass over compiled summaries
	// when non-empty.
	polishModel string
}

// NewService creates a session service. polishModel may be empty to skip
// LLM summary polish.
func NewService(store *db.DB, polishModel string) *Service {
	return &Service{store: store, polishModel: polishModel}
}

// Init registers a session as active, reactivating it if it already
// exists.
func (s *Service) Init(sessionID, project string) error {
	if sessionID == "" || project == "" {
		return fmt.Errorf("session id and project are required")
	}
	return s.store.UpsertSession(sessionID, project)
}

// Complete marks a session terminal and compiles its summary from the
// observations recorded during it. Summary compilation is best-effort:
// a failure there never fails the completion.
func (s *Service) Complete(ctx context.Context, sessionID, status string) error {
	if status == "" {
		status = db.SessionCompleted
	}
	if err := s.store.CompleteSession(sessionID, status); err != nil {
		return err
	}

	if err := s.compileSummary(ctx, sessionID); err != nil {
		log.Printf("[session] summary for %s: %v", sessionID, err)
	}
	return nil
}

// compileSummary buckets the session's observations into the five summary
// rubrics and stores the result.
func (s *Service) compileSummary(ctx context.Context, sessionID string) error {
	obs, err := s.store.ListSessionObservations(sessionID)
	if err != nil {
		return fmt.Errorf("list observations: %w", err)
	}
	prompts, err := s.store.ListUserPrompts(sessionID)
	if err != nil {
		return fmt.Errorf("list prompts: %w", err)
	}
	if len(obs) == 0 && len(prompts) == 0 {
		return nil
	}

	sum := &db.Summary{SessionID: sessionID}

	if len(prompts) > 0 {
		sum.Request = truncate(prompts[0].Text, requestCap)
	}

	var investigated, learned, completed, next []string
	for _, o := range obs {
		line := o.Title
		if line == "" {
			line = truncate(o.Text, 120)
		}
		switch o.Type {
		case "task", "workflow":
			if sum.Request == "" {
				sum.Request = truncate(line, requestCap)
			} else {
				next = append(next, line)
			}
		case "research", "fact", "discovery":
			investigated = append(investigated, line)
		case "learning", "decision":
			learned = append(learned, line)
		case "bugfix", "completed", "change":
			completed = append(completed, line)
		default:
			investigated = append(investigated, line)
		}
	}

	sum.Investigated = truncate(strings.Join(investigated, "; "), rubricCap)
	sum.Learned = truncate(strings.Join(learned, "; "), rubricCap)
	sum.Completed = truncate(strings.Join(completed, "; "), rubricCap)
	sum.NextSteps = truncate(strings.Join(next, "; "), rubricCap)

	if s.polishModel != "" {
		s.polish(ctx, sum)
	}

	if _, err := s.store.UpsertSummary(sum); err != nil {
		return fmt.Errorf("store summary: %w", err)
	}
	return nil
}

// Summary returns the stored summary for a session, or nil when none
// exists.
func (s *Service) Summary(sessionID string) (*db.Summary, error) {
	return s.store.GetSummary(sessionID)
}

// truncate trims s to at most max bytes without splitting a UTF-8
// sequence mid-rune.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
