package store

import (
	"time"

	"examforge/pkg/domain"
)

// Store defines persistence operations for documents, questions, papers,
// refinement turns, and learned preferences. Ownership checks live in the
// callers; lookups by ID are unscoped.
type Store interface {
	// documents
	CreateDocument(domain.Document) error
	GetDocument(id string) (domain.Document, bool, error)
	ListDocumentsByOwner(ownerID string) ([]domain.Document, error)
	SetDocumentStatus(id string, status domain.DocumentStatus, errMsg string) error
	SetDocumentExtractedText(id string, text string) error
	CompleteDocument(id string, topics []string) error
	DeleteDocument(id string) error
	// LatestCompletedDocument returns the most recently completed document
	// with non-empty extracted text for an owner and subject.
	LatestCompletedDocument(ownerID, subject string) (domain.Document, bool, error)

	// questions
	ReplaceQuestions(documentID string, questions []domain.Question) error
	ListQuestions(ownerID string, filter domain.QuestionFilter) ([]domain.Question, error)
	ListQuestionsBySubject(ownerID, subject string, limit int) ([]domain.Question, error)
	ListQuestionTopics(ownerID string) ([]string, error)
	CountQuestionsByDocument(documentID string) (int, error)

	// papers
	CreatePaper(domain.Paper) error
	GetPaper(id string) (domain.Paper, bool, error)
	ListPapersByOwner(ownerID string) ([]domain.Paper, error)
	SetPaperStatus(id string, status domain.PaperStatus, errMsg string) error
	SetPaperContent(id string, content, answerKey string) error
	CountPapersSince(ownerID string, since time.Time) (int, error)
	DeletePaper(id string) error

	// refinement turns
	AppendTurn(domain.Turn) error
	ListTurns(paperID string) ([]domain.Turn, error)
	CountUserTurns(paperID string) (int, error)

	// learned preferences
	CreatePreference(domain.Preference) error
	ListActivePreferences(ownerID string, limit int) ([]domain.Preference, error)
	DeactivatePreference(id, ownerID string) (bool, error)
}
