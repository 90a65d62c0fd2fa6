package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"examforge/internal/util"
	"examforge/pkg/ai"
	"examforge/pkg/domain"
	"examforge/pkg/events"
	"examforge/pkg/queue"
	"examforge/pkg/storage"
	"examforge/pkg/store"
)

const maxStoredErrorChars = 500

// Enqueuer submits background jobs for the pipeline workers.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind, entityID string) (queue.Job, error)
}

// TextExtractor turns a spooled source file into raw text.
type TextExtractor interface {
	Extract(ctx context.Context, path string, kind domain.FileKind) (string, error)
}

// Config holds runtime configuration for the core application.
type Config struct {
	Store           store.Store
	Blobs           storage.BlobStore
	Extractor       TextExtractor
	Generator       ai.TextGenerator
	Queue           Enqueuer
	Events          events.Publisher
	DailyPaperQuota int
}

// App wires storage, extraction and the generative model into the
// document ingestion and paper generation flows.
type App struct {
	store      store.Store
	blobs      storage.BlobStore
	extractor  TextExtractor
	generator  ai.TextGenerator
	queue      Enqueuer
	events     events.Publisher
	paperQuota int
}

// New constructs the application service.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store required")
	}
	if cfg.Blobs == nil {
		return nil, fmt.Errorf("blob store required")
	}
	if cfg.Extractor == nil {
		return nil, fmt.Errorf("extractor required")
	}
	if cfg.Generator == nil {
		return nil, fmt.Errorf("generator required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("queue required")
	}
	publisher := cfg.Events
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	quota := cfg.DailyPaperQuota
	if quota <= 0 {
		quota = 10
	}
	return &App{
		store:      cfg.Store,
		blobs:      cfg.Blobs,
		extractor:  cfg.Extractor,
		generator:  cfg.Generator,
		queue:      cfg.Queue,
		events:     publisher,
		paperQuota: quota,
	}, nil
}

// HandleJob routes one queue job to its pipeline. Domain failures are
// recorded on the entity and reported as success so the queue does not
// redeliver them; only infrastructure errors propagate.
func (a *App) HandleJob(ctx context.Context, job queue.Job) error {
	switch job.Kind {
	case queue.KindIngest:
		a.ProcessDocument(ctx, job.EntityID)
	case queue.KindGenerate:
		a.GeneratePaper(ctx, job.EntityID)
	default:
		util.LoggerFromContext(ctx).Warn("unknown job kind", "kind", job.Kind, "jobId", job.ID)
	}
	return nil
}

// SubmitDocument stores the upload and enqueues ingestion. The caller only
// observes the initial pending state; later states are polled or pushed.
func (a *App) SubmitDocument(ctx context.Context, doc domain.Document, file io.Reader, size int64, contentType string) (domain.Document, error) {
	if strings.TrimSpace(doc.OwnerID) == "" {
		return domain.Document{}, fmt.Errorf("owner id required")
	}
	if doc.ID == "" {
		doc.ID = util.NewID()
	}
	if doc.StorageKey == "" {
		return domain.Document{}, fmt.Errorf("storage key required")
	}
	now := time.Now().UTC()
	doc.Status = domain.DocumentPending
	doc.ErrorMessage = ""
	doc.CreatedAt = now
	doc.UpdatedAt = now

	if err := a.blobs.Put(ctx, doc.StorageKey, file, size, contentType); err != nil {
		return domain.Document{}, fmt.Errorf("store upload: %w", err)
	}
	if err := a.store.CreateDocument(doc); err != nil {
		_ = a.blobs.Delete(ctx, doc.StorageKey)
		return domain.Document{}, fmt.Errorf("create document: %w", err)
	}
	if _, err := a.queue.Enqueue(ctx, queue.KindIngest, doc.ID); err != nil {
		return domain.Document{}, fmt.Errorf("enqueue ingestion: %w", err)
	}
	return doc, nil
}

// GetDocument returns an owner's document.
func (a *App) GetDocument(id, ownerID string) (domain.Document, error) {
	doc, ok, err := a.store.GetDocument(id)
	if err != nil {
		return domain.Document{}, fmt.Errorf("load document: %w", err)
	}
	if !ok || doc.OwnerID != ownerID {
		return domain.Document{}, ErrDocumentNotFound
	}
	return doc, nil
}

// ListDocuments returns an owner's documents, newest first.
func (a *App) ListDocuments(ownerID string) ([]domain.Document, error) {
	docs, err := a.store.ListDocumentsByOwner(ownerID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return docs, nil
}

// RetryDocument resets a failed document to pending and re-enqueues it.
// The original blob must still be retrievable.
func (a *App) RetryDocument(ctx context.Context, id, ownerID string) (domain.Document, error) {
	doc, err := a.GetDocument(id, ownerID)
	if err != nil {
		return domain.Document{}, err
	}
	if doc.Status != domain.DocumentFailed {
		return domain.Document{}, ErrRetryNotAllowed
	}
	exists, err := a.blobs.Exists(ctx, doc.StorageKey)
	if err != nil {
		return domain.Document{}, fmt.Errorf("check source blob: %w", err)
	}
	if !exists {
		return domain.Document{}, ErrSourceUnavailable
	}
	if err := a.store.SetDocumentStatus(id, domain.DocumentPending, ""); err != nil {
		return domain.Document{}, fmt.Errorf("reset document: %w", err)
	}
	if _, err := a.queue.Enqueue(ctx, queue.KindIngest, id); err != nil {
		return domain.Document{}, fmt.Errorf("enqueue ingestion: %w", err)
	}
	doc.Status = domain.DocumentPending
	doc.ErrorMessage = ""
	return doc, nil
}

// DeleteDocument removes a document, its questions and its blob.
func (a *App) DeleteDocument(ctx context.Context, id, ownerID string) error {
	doc, err := a.GetDocument(id, ownerID)
	if err != nil {
		return err
	}
	if err := a.store.DeleteDocument(id); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if err := a.blobs.Delete(ctx, doc.StorageKey); err != nil {
		util.LoggerFromContext(ctx).Warn("delete blob", "documentId", id, "error", err)
	}
	return nil
}

// ListQuestions returns an owner's question bank with optional filters.
func (a *App) ListQuestions(ownerID string, filter domain.QuestionFilter) ([]domain.Question, error) {
	questions, err := a.store.ListQuestions(ownerID, filter)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	return questions, nil
}

// ListQuestionTopics returns the owner's distinct topics.
func (a *App) ListQuestionTopics(ownerID string) ([]string, error) {
	topics, err := a.store.ListQuestionTopics(ownerID)
	if err != nil {
		return nil, fmt.Errorf("list topics: %w", err)
	}
	return topics, nil
}

// GetPaper returns an owner's paper.
func (a *App) GetPaper(id, ownerID string) (domain.Paper, error) {
	paper, ok, err := a.store.GetPaper(id)
	if err != nil {
		return domain.Paper{}, fmt.Errorf("load paper: %w", err)
	}
	if !ok || paper.OwnerID != ownerID {
		return domain.Paper{}, ErrPaperNotFound
	}
	return paper, nil
}

// ListPapers returns an owner's papers, newest first.
func (a *App) ListPapers(ownerID string) ([]domain.Paper, error) {
	papers, err := a.store.ListPapersByOwner(ownerID)
	if err != nil {
		return nil, fmt.Errorf("list papers: %w", err)
	}
	return papers, nil
}

// DeletePaper removes a paper and its transcript.
func (a *App) DeletePaper(id, ownerID string) error {
	if _, err := a.GetPaper(id, ownerID); err != nil {
		return err
	}
	if err := a.store.DeletePaper(id); err != nil {
		return fmt.Errorf("delete paper: %w", err)
	}
	return nil
}

// ListPaperTurns returns a paper's refinement transcript.
func (a *App) ListPaperTurns(paperID, ownerID string) ([]domain.Turn, error) {
	if _, err := a.GetPaper(paperID, ownerID); err != nil {
		return nil, err
	}
	turns, err := a.store.ListTurns(paperID)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	return turns, nil
}

// ListPreferences returns the owner's active learned preferences.
func (a *App) ListPreferences(ownerID string) ([]domain.Preference, error) {
	prefs, err := a.store.ListActivePreferences(ownerID, 0)
	if err != nil {
		return nil, fmt.Errorf("list preferences: %w", err)
	}
	return prefs, nil
}

// DeactivatePreference soft-deletes a learned preference.
func (a *App) DeactivatePreference(id, ownerID string) error {
	ok, err := a.store.DeactivatePreference(id, ownerID)
	if err != nil {
		return fmt.Errorf("deactivate preference: %w", err)
	}
	if !ok {
		return ErrPreferenceNotFound
	}
	return nil
}

func boundedError(err error) string {
	return ai.Truncate(err.Error(), maxStoredErrorChars)
}
