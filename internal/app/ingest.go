package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"examforge/internal/util"
	"examforge/pkg/ai"
	"examforge/pkg/domain"
	"examforge/pkg/events"
)

const analysisInputChars = 50000

const emptyExtractionMessage = "No text could be extracted from the file"

const analysisPrompt = `You are an expert education analyst. Analyze the following exam paper text and extract every question.

For each question, return a JSON object with these fields:
- "question_text": the full question text
- "answer_text": the answer if provided, else null
- "question_type": one of "mcq", "short_answer", "long_answer", "fill_blank", "true_false"
- "difficulty": one of "easy", "medium", "hard"
- "topic": the subject topic this question covers
- "marks": marks allocated (number or null)
- "options": array of option strings for MCQs, else null
- "correct_option": correct option letter for MCQs (e.g. "A"), else null
- "bloom_level": one of "Remember", "Understand", "Apply", "Analyze", "Evaluate", "Create"

Return ONLY a JSON array of question objects. No explanation, no markdown fences.

Paper text:
---
%s
---`

// ProcessDocument drives one document through the ingestion state machine:
// pending, extracting, analyzing, completed. Every failure lands the
// document in failed with a bounded message; nothing escapes to the caller.
func (a *App) ProcessDocument(ctx context.Context, documentID string) {
	logger := util.LoggerFromContext(ctx).With("documentId", documentID)

	doc, ok, err := a.store.GetDocument(documentID)
	if err != nil {
		logger.Error("load document", "error", err)
		return
	}
	if !ok {
		logger.Warn("document vanished before processing")
		return
	}

	if err := a.setDocumentStatus(ctx, doc, domain.DocumentExtracting, ""); err != nil {
		logger.Error("set extracting", "error", err)
		return
	}

	text, err := a.extractDocument(ctx, doc)
	if err != nil {
		a.failDocument(ctx, doc, boundedError(err))
		logger.Error("extraction failed", "error", err)
		return
	}
	if err := a.store.SetDocumentExtractedText(documentID, text); err != nil {
		a.failDocument(ctx, doc, boundedError(err))
		logger.Error("store extracted text", "error", err)
		return
	}
	// Whitespace-only extraction is a terminal outcome, not an error path.
	if strings.TrimSpace(text) == "" {
		a.failDocument(ctx, doc, emptyExtractionMessage)
		logger.Info("document has no extractable text")
		return
	}

	if err := a.setDocumentStatus(ctx, doc, domain.DocumentAnalyzing, ""); err != nil {
		logger.Error("set analyzing", "error", err)
		return
	}

	records, err := a.analyzeText(ctx, text)
	if err != nil {
		a.failDocument(ctx, doc, boundedError(err))
		logger.Error("analysis failed", "error", err)
		return
	}

	questions, topics := questionsFromRecords(doc, records)
	if err := a.store.ReplaceQuestions(documentID, questions); err != nil {
		a.failDocument(ctx, doc, boundedError(err))
		logger.Error("persist questions", "error", err)
		return
	}
	if err := a.store.CompleteDocument(documentID, topics); err != nil {
		a.failDocument(ctx, doc, boundedError(err))
		logger.Error("complete document", "error", err)
		return
	}
	a.publishDocumentStatus(ctx, doc, domain.DocumentCompleted)
	logger.Info("document processed", "questions", len(questions), "topics", len(topics))
}

func (a *App) extractDocument(ctx context.Context, doc domain.Document) (string, error) {
	blob, err := a.blobs.Get(ctx, doc.StorageKey)
	if err != nil {
		return "", fmt.Errorf("fetch source blob: %w", err)
	}
	defer blob.Close()

	tmp, err := os.CreateTemp("", "examforge-*."+string(doc.Kind))
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, blob); err != nil {
		tmp.Close()
		return "", fmt.Errorf("spool source blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("flush temp file: %w", err)
	}

	return a.extractor.Extract(ctx, tmp.Name(), doc.Kind)
}

func (a *App) analyzeText(ctx context.Context, text string) ([]ai.QuestionRecord, error) {
	prompt := fmt.Sprintf(analysisPrompt, ai.Truncate(text, analysisInputChars))
	raw, err := a.generator.GenerateText(ctx, "", prompt)
	if err != nil {
		return nil, fmt.Errorf("analyze paper: %w", err)
	}
	records, err := ai.ParseQuestionRecords(ai.StripFences(raw))
	if err != nil {
		return nil, fmt.Errorf("parse analysis: %w", err)
	}
	return records, nil
}

// questionsFromRecords maps AI records to question rows. Response order is
// authoritative; orderInDocument is the 1-based position in the array.
func questionsFromRecords(doc domain.Document, records []ai.QuestionRecord) ([]domain.Question, []string) {
	now := time.Now().UTC()
	questions := make([]domain.Question, 0, len(records))
	topicSet := make(map[string]bool)
	for i, rec := range records {
		questions = append(questions, domain.Question{
			ID:            util.NewID(),
			DocumentID:    doc.ID,
			OwnerID:       doc.OwnerID,
			Text:          rec.Text,
			Answer:        rec.Answer,
			Type:          rec.Type,
			Difficulty:    rec.Difficulty,
			Board:         doc.Board,
			GradeLevel:    doc.GradeLevel,
			Subject:       doc.Subject,
			Topic:         rec.Topic,
			Marks:         rec.Marks,
			Options:       rec.Options,
			CorrectOption: rec.CorrectOption,
			BloomLevel:    rec.BloomLevel,
			OrderInDoc:    i + 1,
			CreatedAt:     now,
		})
		if rec.Topic != "" {
			topicSet[rec.Topic] = true
		}
	}
	topics := make([]string, 0, len(topicSet))
	for topic := range topicSet {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return questions, topics
}

func (a *App) setDocumentStatus(ctx context.Context, doc domain.Document, status domain.DocumentStatus, errMsg string) error {
	if err := a.store.SetDocumentStatus(doc.ID, status, errMsg); err != nil {
		return err
	}
	a.publishDocumentStatus(ctx, doc, status)
	return nil
}

func (a *App) failDocument(ctx context.Context, doc domain.Document, message string) {
	if err := a.store.SetDocumentStatus(doc.ID, domain.DocumentFailed, message); err != nil {
		util.LoggerFromContext(ctx).Error("mark document failed", "documentId", doc.ID, "error", err)
		return
	}
	a.publishDocumentStatus(ctx, doc, domain.DocumentFailed)
}

func (a *App) publishDocumentStatus(ctx context.Context, doc domain.Document, status domain.DocumentStatus) {
	a.events.Publish(ctx, events.Event{
		Type:     events.TypeDocumentStatus,
		EntityID: doc.ID,
		OwnerID:  doc.OwnerID,
		Status:   string(status),
	})
}
