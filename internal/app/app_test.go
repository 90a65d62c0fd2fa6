package app

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"examforge/pkg/ai"
	"examforge/pkg/domain"
	"examforge/pkg/queue"
	"examforge/pkg/storage"
	"examforge/pkg/store"
)

type fakeGenerator struct {
	mu          sync.Mutex
	textReply   string
	textErr     error
	chatReply   string
	chatErr     error
	textCalls   int
	chatCalls   int
	lastPrompt  string
	lastSystem  string
	lastHistory []ai.Message
}

func (g *fakeGenerator) GenerateText(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.textCalls++
	g.lastPrompt = userPrompt
	return g.textReply, g.textErr
}

func (g *fakeGenerator) GenerateChat(ctx context.Context, systemPrompt string, messages []ai.Message) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.chatCalls++
	g.lastSystem = systemPrompt
	g.lastHistory = append([]ai.Message(nil), messages...)
	return g.chatReply, g.chatErr
}

func (g *fakeGenerator) calls() (text, chat int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.textCalls, g.chatCalls
}

type stubExtractor struct {
	text string
	err  error
}

func (s *stubExtractor) Extract(ctx context.Context, path string, kind domain.FileKind) (string, error) {
	return s.text, s.err
}

// syncQueue dispatches jobs inline so tests observe terminal states
// without worker goroutines.
type syncQueue struct {
	app  *App
	jobs []queue.Job
}

func (q *syncQueue) Enqueue(ctx context.Context, kind, entityID string) (queue.Job, error) {
	job := queue.Job{ID: "job-" + entityID, Kind: kind, EntityID: entityID, Status: queue.StatusQueued}
	q.jobs = append(q.jobs, job)
	if q.app != nil {
		if err := q.app.HandleJob(ctx, job); err != nil {
			return queue.Job{}, err
		}
	}
	return job, nil
}

type testEnv struct {
	app   *App
	store *store.MemoryStore
	queue *syncQueue
	gen   *fakeGenerator
	ext   *stubExtractor
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	blobs, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	memStore := store.NewMemoryStore()
	gen := &fakeGenerator{}
	ext := &stubExtractor{}
	q := &syncQueue{}
	a, err := New(Config{
		Store:           memStore,
		Blobs:           blobs,
		Extractor:       ext,
		Generator:       gen,
		Queue:           q,
		DailyPaperQuota: 10,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	q.app = a
	return &testEnv{app: a, store: memStore, queue: q, gen: gen, ext: ext}
}

func (e *testEnv) submitDocument(t *testing.T, doc domain.Document) domain.Document {
	t.Helper()
	if doc.ID == "" {
		doc.ID = "doc-1"
	}
	if doc.OwnerID == "" {
		doc.OwnerID = "owner-1"
	}
	if doc.StorageKey == "" {
		doc.StorageKey = "blobs/" + doc.ID
	}
	if doc.Kind == "" {
		doc.Kind = domain.KindPDF
	}
	created, err := e.app.SubmitDocument(context.Background(), doc, strings.NewReader("%PDF-fake"), 9, "application/pdf")
	if err != nil {
		t.Fatalf("submit document: %v", err)
	}
	return created
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for empty config")
	}
}

func TestHandleJobIgnoresUnknownKind(t *testing.T) {
	env := newTestEnv(t)
	if err := env.app.HandleJob(context.Background(), queue.Job{ID: "j", Kind: "mystery", EntityID: "x"}); err != nil {
		t.Fatalf("HandleJob: %v", err)
	}
}

func TestSubmitDocumentRequiresOwner(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.app.SubmitDocument(context.Background(), domain.Document{ID: "d", StorageKey: "k"}, strings.NewReader("x"), 1, "")
	if err == nil {
		t.Fatal("expected error for missing owner")
	}
}

func TestDeleteDocumentRemovesBlob(t *testing.T) {
	env := newTestEnv(t)
	env.ext.text = "some text"
	env.gen.textReply = `[]`
	doc := env.submitDocument(t, domain.Document{})

	if err := env.app.DeleteDocument(context.Background(), doc.ID, doc.OwnerID); err != nil {
		t.Fatalf("delete document: %v", err)
	}
	if _, err := env.app.GetDocument(doc.ID, doc.OwnerID); !errors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("err = %v, want ErrDocumentNotFound", err)
	}
	exists, err := env.app.blobs.Exists(context.Background(), doc.StorageKey)
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if exists {
		t.Fatal("blob survived document delete")
	}
}

func TestGetDocumentWrongOwner(t *testing.T) {
	env := newTestEnv(t)
	env.ext.text = "text"
	env.gen.textReply = `[]`
	doc := env.submitDocument(t, domain.Document{})
	if _, err := env.app.GetDocument(doc.ID, "intruder"); !errors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("err = %v, want ErrDocumentNotFound", err)
	}
}

func TestDeactivatePreference(t *testing.T) {
	env := newTestEnv(t)
	pref := domain.Preference{ID: "p1", OwnerID: "owner-1", Category: domain.CategoryStyle, Text: "short questions", Active: true}
	if err := env.store.CreatePreference(pref); err != nil {
		t.Fatalf("create preference: %v", err)
	}
	if err := env.app.DeactivatePreference("p1", "owner-1"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if err := env.app.DeactivatePreference("p1", "other"); !errors.Is(err, ErrPreferenceNotFound) {
		t.Fatalf("err = %v, want ErrPreferenceNotFound", err)
	}
	prefs, err := env.app.ListPreferences("owner-1")
	if err != nil {
		t.Fatalf("list preferences: %v", err)
	}
	if len(prefs) != 0 {
		t.Fatalf("active prefs = %d, want 0", len(prefs))
	}
}
