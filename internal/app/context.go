package app

import (
	"encoding/json"
	"fmt"
	"strings"

	"examforge/pkg/ai"
	"examforge/pkg/domain"
)

const (
	questionBankChars   = 20000
	formatRefChars      = 5000
	questionSampleLimit = 50
	preferenceLimit     = 20

	emptyBankPlaceholder = "(No reference questions available - generate original content)"
)

// Request-level defaults applied when the paper does not specify them.
const (
	defaultBoard           = "General"
	defaultGrade           = "10"
	defaultSubject         = "General"
	defaultTotalMarks      = 100
	defaultDurationMinutes = 180
)

var defaultDifficultyMix = map[string]int{"easy": 3, "medium": 4, "hard": 3}

const generatePromptTemplate = `You are an expert exam paper creator for %s board, Grade %s, %s.

Using the question bank below as reference material and style guide, create a NEW original exam paper.

Requirements:
- Title: %s
- Total marks: %s
- Duration: %s minutes
- Difficulty mix: %s
- Topics to cover: %s
- Question types to include: all types

REFERENCE QUESTION BANK (use as style/difficulty reference, do NOT copy directly):
---
%s
---
%s%s
Generate TWO sections in your response, separated by the exact marker "===ANSWER_KEY===":

1. FIRST: The complete exam paper in Markdown format with:
   - Paper header (title, board, grade, subject, marks, duration)
   - Clear instructions for students
   - Numbered questions organized by sections
   - Marks indicated for each question

2. AFTER the marker "===ANSWER_KEY===": The complete answer key in Markdown with answers for every question.

Output the paper now:`

// generationContext holds the read-only inputs of one generation prompt.
type generationContext struct {
	questionBank string
	formatRef    string
	preferences  []domain.Preference
}

// buildGenerationContext gathers the question-bank sample, format reference
// and learned preferences for the paper's owner and subject. Pure reads.
func (a *App) buildGenerationContext(paper domain.Paper) (generationContext, error) {
	subject := paper.Subject
	if subject == "" {
		subject = defaultSubject
	}

	questions, err := a.store.ListQuestionsBySubject(paper.OwnerID, subject, questionSampleLimit)
	if err != nil {
		return generationContext{}, fmt.Errorf("sample question bank: %w", err)
	}
	bank := renderQuestionBank(questions)

	formatRef := ""
	if refDoc, ok, err := a.store.LatestCompletedDocument(paper.OwnerID, subject); err != nil {
		return generationContext{}, fmt.Errorf("load format reference: %w", err)
	} else if ok {
		formatRef = ai.Truncate(refDoc.ExtractedText, formatRefChars)
	}

	prefs, err := a.store.ListActivePreferences(paper.OwnerID, preferenceLimit)
	if err != nil {
		return generationContext{}, fmt.Errorf("load preferences: %w", err)
	}

	return generationContext{
		questionBank: bank,
		formatRef:    formatRef,
		preferences:  prefs,
	}, nil
}

// renderQuestionBank formats sampled questions as a compact reference list.
// An empty bank yields a fixed placeholder, never an empty section.
func renderQuestionBank(questions []domain.Question) string {
	if len(questions) == 0 {
		return emptyBankPlaceholder
	}
	var b strings.Builder
	for _, q := range questions {
		fmt.Fprintf(&b, "- [%s][%s] %s\n", q.Type, q.Difficulty, q.Text)
		if q.Answer != "" {
			fmt.Fprintf(&b, "  Answer: %s\n", q.Answer)
		}
	}
	return ai.Truncate(strings.TrimRight(b.String(), "\n"), questionBankChars)
}

// renderGenerationPrompt substitutes paper parameters and context into the
// generation prompt, applying fixed defaults for unset fields.
func renderGenerationPrompt(paper domain.Paper, gctx generationContext) string {
	board := paper.Board
	if board == "" {
		board = defaultBoard
	}
	grade := paper.GradeLevel
	if grade == "" {
		grade = defaultGrade
	}
	subject := paper.Subject
	if subject == "" {
		subject = defaultSubject
	}
	marks := defaultTotalMarks
	if paper.TotalMarks != nil && *paper.TotalMarks > 0 {
		marks = int(*paper.TotalMarks)
	}
	duration := paper.DurationMinutes
	if duration <= 0 {
		duration = defaultDurationMinutes
	}
	mix := paper.DifficultyMix
	if len(mix) == 0 {
		mix = defaultDifficultyMix
	}
	mixJSON, _ := json.Marshal(mix)
	topics := paper.Topics
	if len(topics) == 0 {
		topics = []string{"General"}
	}

	formatSection := ""
	if gctx.formatRef != "" {
		formatSection = fmt.Sprintf("\nFORMAT REFERENCE (mimic the layout and numbering style of this previously ingested paper):\n---\n%s\n---\n", gctx.formatRef)
	}

	return fmt.Sprintf(generatePromptTemplate,
		board, grade, subject,
		paper.Title,
		fmt.Sprintf("%d", marks),
		fmt.Sprintf("%d", duration),
		string(mixJSON),
		strings.Join(topics, ", "),
		gctx.questionBank,
		formatSection,
		preferencesBlock(gctx.preferences),
	)
}

// preferencesBlock renders active preferences as a bulleted apply-these
// section, or nothing when none exist.
func preferencesBlock(prefs []domain.Preference) string {
	if len(prefs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\nApply these learned user preferences:\n")
	for _, p := range prefs {
		fmt.Fprintf(&b, "- [%s] %s\n", p.Category, p.Text)
	}
	return b.String()
}
