package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"examforge/internal/util"
	"examforge/pkg/domain"
	"examforge/pkg/events"
	"examforge/pkg/queue"
)

const answerKeyMarker = "===ANSWER_KEY==="

const missingAnswerKeyPlaceholder = "*Answer key was not generated separately. Please use chat to request it.*"

// SubmitPaper checks the daily quota, creates the paper in generating
// state and enqueues the generation job. The quota check is a plain
// read-then-act count; concurrent submissions can overshoot the ceiling,
// which is acceptable for a human-paced UI.
func (a *App) SubmitPaper(ctx context.Context, paper domain.Paper) (domain.Paper, error) {
	if strings.TrimSpace(paper.OwnerID) == "" {
		return domain.Paper{}, fmt.Errorf("owner id required")
	}
	if strings.TrimSpace(paper.Title) == "" {
		return domain.Paper{}, fmt.Errorf("title required")
	}

	now := time.Now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	count, err := a.store.CountPapersSince(paper.OwnerID, midnight)
	if err != nil {
		return domain.Paper{}, fmt.Errorf("count papers: %w", err)
	}
	if count >= a.paperQuota {
		return domain.Paper{}, ErrQuotaExceeded
	}

	if paper.ID == "" {
		paper.ID = util.NewID()
	}
	paper.Status = domain.PaperGenerating
	paper.ContentMarkdown = ""
	paper.AnswerKey = ""
	paper.ErrorMessage = ""
	paper.CreatedAt = now.UTC()
	paper.UpdatedAt = now.UTC()

	if err := a.store.CreatePaper(paper); err != nil {
		return domain.Paper{}, fmt.Errorf("create paper: %w", err)
	}
	if _, err := a.queue.Enqueue(ctx, queue.KindGenerate, paper.ID); err != nil {
		return domain.Paper{}, fmt.Errorf("enqueue generation: %w", err)
	}
	return paper, nil
}

// GeneratePaper builds the generation context, calls the model and stores
// the split paper/answer-key. Failures land the paper in failed with a
// bounded message; nothing escapes to the caller.
func (a *App) GeneratePaper(ctx context.Context, paperID string) {
	logger := util.LoggerFromContext(ctx).With("paperId", paperID)

	paper, ok, err := a.store.GetPaper(paperID)
	if err != nil {
		logger.Error("load paper", "error", err)
		return
	}
	if !ok {
		logger.Warn("paper vanished before generation")
		return
	}

	gctx, err := a.buildGenerationContext(paper)
	if err != nil {
		a.failPaper(ctx, paper, boundedError(err))
		logger.Error("build generation context", "error", err)
		return
	}

	raw, err := a.generator.GenerateText(ctx, "", renderGenerationPrompt(paper, gctx))
	if err != nil {
		a.failPaper(ctx, paper, boundedError(err))
		logger.Error("generate paper", "error", err)
		return
	}

	content, answerKey := splitAnswerKey(raw)
	if err := a.store.SetPaperContent(paperID, content, answerKey); err != nil {
		a.failPaper(ctx, paper, boundedError(err))
		logger.Error("store paper content", "error", err)
		return
	}
	if err := a.store.SetPaperStatus(paperID, domain.PaperCompleted, ""); err != nil {
		a.failPaper(ctx, paper, boundedError(err))
		logger.Error("complete paper", "error", err)
		return
	}
	a.publishPaperStatus(ctx, paper, domain.PaperCompleted)
	logger.Info("paper generated")
}

// splitAnswerKey divides a model response into paper content and answer
// key at the fixed marker. Without the marker the whole response is the
// content and the key is the fixed placeholder.
func splitAnswerKey(raw string) (content, answerKey string) {
	if before, after, found := strings.Cut(raw, answerKeyMarker); found {
		return stripPreamble(strings.TrimSpace(before)), stripPreamble(strings.TrimSpace(after))
	}
	return stripPreamble(strings.TrimSpace(raw)), missingAnswerKeyPlaceholder
}

// stripPreamble drops conversational lead-in lines the model sometimes
// emits before the paper itself. The first markdown heading or fully
// bold line marks the true start; without one the text is unchanged.
func stripPreamble(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") ||
			(strings.HasPrefix(trimmed, "**") && strings.HasSuffix(trimmed, "**") && len(trimmed) > 4) {
			return strings.Join(lines[i:], "\n")
		}
	}
	return text
}

func (a *App) failPaper(ctx context.Context, paper domain.Paper, message string) {
	if err := a.store.SetPaperStatus(paper.ID, domain.PaperFailed, message); err != nil {
		util.LoggerFromContext(ctx).Error("mark paper failed", "paperId", paper.ID, "error", err)
		return
	}
	a.publishPaperStatus(ctx, paper, domain.PaperFailed)
}

func (a *App) publishPaperStatus(ctx context.Context, paper domain.Paper, status domain.PaperStatus) {
	a.events.Publish(ctx, events.Event{
		Type:     events.TypePaperStatus,
		EntityID: paper.ID,
		OwnerID:  paper.OwnerID,
		Status:   string(status),
	})
}
