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

const (
	learnerMinTurns    = 2
	learnerWindowTurns = 6
	learnerTurnChars   = 500
	learnerMaxNewItems = 5
)

const learnerPromptTemplate = `You observe a conversation between a teacher and an assistant refining an exam paper. Extract durable, reusable preferences the teacher expressed about how their papers should be made - formatting, content, style or structure rules that would apply to FUTURE papers too, not one-off corrections.

%sConversation (most recent turns):
---
%s
---

Return ONLY a JSON array of objects with these fields:
- "category": one of "formatting", "content", "style", "structure", "general"
- "learning": one short imperative sentence stating the preference

Return an empty array if no durable preference was expressed. No explanation, no markdown fences.`

// LearnPreferences mines the paper's refinement transcript for durable
// preferences and persists the new ones. Best-effort: callers discard the
// returned error after logging.
func (a *App) LearnPreferences(ctx context.Context, paperID, ownerID string) error {
	turns, err := a.store.ListTurns(paperID)
	if err != nil {
		return fmt.Errorf("load transcript: %w", err)
	}
	if len(turns) < learnerMinTurns {
		return nil
	}
	if len(turns) > learnerWindowTurns {
		turns = turns[len(turns)-learnerWindowTurns:]
	}

	existing, err := a.store.ListActivePreferences(ownerID, 0)
	if err != nil {
		return fmt.Errorf("load preferences: %w", err)
	}

	raw, err := a.generator.GenerateText(ctx, "", renderLearnerPrompt(turns, existing))
	if err != nil {
		return fmt.Errorf("mine preferences: %w", err)
	}
	records, err := ai.ParseLearningRecords(ai.StripFences(raw))
	if err != nil {
		return fmt.Errorf("parse preferences: %w", err)
	}
	if len(records) > learnerMaxNewItems {
		records = records[:learnerMaxNewItems]
	}

	// Dedup set covers active rows and this batch, case and whitespace
	// insensitive.
	seen := make(map[string]bool, len(existing))
	for _, p := range existing {
		seen[normalizePreferenceText(p.Text)] = true
	}

	added := 0
	for _, rec := range records {
		text := strings.TrimSpace(rec.Learning)
		if text == "" {
			continue
		}
		key := normalizePreferenceText(text)
		if seen[key] {
			continue
		}
		pref := domain.Preference{
			ID:            util.NewID(),
			OwnerID:       ownerID,
			Category:      normalizeCategory(rec.Category),
			Text:          text,
			SourcePaperID: paperID,
			Active:        true,
			CreatedAt:     time.Now().UTC(),
		}
		if err := a.store.CreatePreference(pref); err != nil {
			return fmt.Errorf("persist preference: %w", err)
		}
		seen[key] = true
		added++
	}
	if added > 0 {
		util.LoggerFromContext(ctx).Info("preferences learned", "paperId", paperID, "count", added)
	}
	return nil
}

func renderLearnerPrompt(turns []domain.Turn, existing []domain.Preference) string {
	var transcript strings.Builder
	for _, turn := range turns {
		fmt.Fprintf(&transcript, "[%s] %s\n", turn.Role, ai.Truncate(turn.Content, learnerTurnChars))
	}

	existingBlock := ""
	if len(existing) > 0 {
		var b strings.Builder
		b.WriteString("Already known preferences (do NOT repeat these):\n")
		for _, p := range existing {
			fmt.Fprintf(&b, "- %s\n", p.Text)
		}
		b.WriteString("\n")
		existingBlock = b.String()
	}
	return fmt.Sprintf(learnerPromptTemplate, existingBlock, strings.TrimRight(transcript.String(), "\n"))
}

func normalizePreferenceText(text string) string {
	return strings.ToLower(strings.Join(strings.Fields(text), " "))
}

func normalizeCategory(raw string) domain.PreferenceCategory {
	switch domain.PreferenceCategory(strings.ToLower(strings.TrimSpace(raw))) {
	case domain.CategoryFormatting:
		return domain.CategoryFormatting
	case domain.CategoryContent:
		return domain.CategoryContent
	case domain.CategoryStyle:
		return domain.CategoryStyle
	case domain.CategoryStructure:
		return domain.CategoryStructure
	default:
		return domain.CategoryGeneral
	}
}
