package session

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/opencode-mem/opencode-mem/internal/db"
)

const polishSystemPrompt = "You are a concise technical summarizer. Rewrite the following coding-session summary as 2-4 plain sentences. Keep file names, commands and decisions exact. Do not invent details."

const polishTimeout = 15 * time.Second

// polish runs the compiled summary through the Anthropic Messages API to
// tighten the phrasing. Any failure leaves the compiled summary as-is.
func (s *Service) polish(ctx context.Context, sum *db.Summary) {
	ctx, cancel := context.WithTimeout(ctx, polishTimeout)
	defer cancel()

	polished, err := polishText(ctx, compiledText(sum), s.polishModel)
	if err != nil {
		log.Printf("[session] summary polish skipped: %v", err)
		return
	}
	if polished != "" {
		sum.Learned = truncate(polished, rubricCap)
	}
}

func compiledText(sum *db.Summary) string {
	var parts []string
	if sum.Request != "" {
		parts = append(parts, "Request: "+sum.Request)
	}
	if sum.Investigated != "" {
		parts = append(parts, "Investigated: "+sum.Investigated)
	}
	if sum.Learned != "" {
		parts = append(parts, "Learned: "+sum.Learned)
	}
	if sum.Completed != "" {
		parts = append(parts, "Completed: "+sum.Completed)
	}
	if sum.NextSteps != "" {
		parts = append(parts, "Next steps: "+sum.NextSteps)
	}
	return strings.Join(parts, "\n")
}

func polishText(ctx context.Context, text, model string) (string, error) {
	client := anthropic.NewClient()

	msg, err := client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: 300,
		System: []anthropic.TextBlockParam{
			{Text: polishSystemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(text)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic messages: %w", err)
	}

	for _, block := range msg.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", fmt.Errorf("no text block in response")
}
