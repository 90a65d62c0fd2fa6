package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"examforge/internal/util"
	"examforge/pkg/ai"
	"examforge/pkg/domain"
)

const learnerTurnInterval = 3

const refineSystemTemplate = `You are helping refine an exam paper. The current paper content is:

---PAPER---
%s
---END PAPER---

---ANSWER KEY---
%s
---END ANSWER KEY---

When the user asks for changes, output the COMPLETE updated paper and answer key separated by the marker '===ANSWER_KEY==='. Numbering starts at 1, preserve the paper structure, and never add conversational preamble before the paper. If the user is just asking a question (not requesting changes), respond normally without the marker.
%s`

// RefinePaper appends a user turn, replays the transcript to the model and
// applies the reply. A reply carrying the answer-key marker replaces the
// stored content wholesale; any other reply is informational only.
func (a *App) RefinePaper(ctx context.Context, paperID, ownerID, message string) (domain.Paper, []domain.Turn, error) {
	if strings.TrimSpace(message) == "" {
		return domain.Paper{}, nil, fmt.Errorf("message required")
	}
	paper, err := a.GetPaper(paperID, ownerID)
	if err != nil {
		return domain.Paper{}, nil, err
	}

	if err := a.store.AppendTurn(domain.Turn{
		ID:        util.NewID(),
		PaperID:   paperID,
		OwnerID:   ownerID,
		Role:      "user",
		Content:   message,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		return domain.Paper{}, nil, fmt.Errorf("append user turn: %w", err)
	}

	turns, err := a.store.ListTurns(paperID)
	if err != nil {
		return domain.Paper{}, nil, fmt.Errorf("load transcript: %w", err)
	}

	prefs, err := a.store.ListActivePreferences(ownerID, preferenceLimit)
	if err != nil {
		return domain.Paper{}, nil, fmt.Errorf("load preferences: %w", err)
	}
	systemContext := fmt.Sprintf(refineSystemTemplate, paper.ContentMarkdown, paper.AnswerKey, preferencesBlock(prefs))

	history := make([]ai.Message, 0, len(turns))
	for _, turn := range turns {
		history = append(history, ai.Message{Role: turn.Role, Content: turn.Content})
	}

	reply, err := a.generator.GenerateChat(ctx, systemContext, history)
	if err != nil {
		return domain.Paper{}, nil, fmt.Errorf("refine paper: %w", err)
	}

	if err := a.store.AppendTurn(domain.Turn{
		ID:        util.NewID(),
		PaperID:   paperID,
		OwnerID:   ownerID,
		Role:      "assistant",
		Content:   reply,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		return domain.Paper{}, nil, fmt.Errorf("append assistant turn: %w", err)
	}

	if strings.Contains(reply, answerKeyMarker) {
		content, answerKey := splitAnswerKey(reply)
		if err := a.store.SetPaperContent(paperID, content, answerKey); err != nil {
			return domain.Paper{}, nil, fmt.Errorf("store refined content: %w", err)
		}
	}

	a.maybeScheduleLearner(ctx, paperID, ownerID)

	paper, err = a.GetPaper(paperID, ownerID)
	if err != nil {
		return domain.Paper{}, nil, err
	}
	allTurns, err := a.store.ListTurns(paperID)
	if err != nil {
		return domain.Paper{}, nil, fmt.Errorf("load transcript: %w", err)
	}
	return paper, allTurns, nil
}

// maybeScheduleLearner spawns preference mining on every third user turn.
// The learner is best-effort enrichment; its error channel is logged and
// deliberately discarded so refinement never blocks or fails on it.
func (a *App) maybeScheduleLearner(ctx context.Context, paperID, ownerID string) {
	logger := util.LoggerFromContext(ctx)
	userTurns, err := a.store.CountUserTurns(paperID)
	if err != nil {
		logger.Warn("count user turns", "paperId", paperID, "error", err)
		return
	}
	if userTurns <= 0 || userTurns%learnerTurnInterval != 0 {
		return
	}
	go func() {
		if err := a.LearnPreferences(context.Background(), paperID, ownerID); err != nil {
			logger.Warn("preference learning failed", "paperId", paperID, "error", err)
		}
	}()
}
