package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	jwt "github.com/golang-jwt/jwt/v5"

	"examforge/internal/app"
	"examforge/internal/ratelimit"
	"examforge/internal/usertoken"
	"examforge/pkg/ai"
	"examforge/pkg/domain"
	"examforge/pkg/queue"
	"examforge/pkg/storage"
	"examforge/pkg/store"
)

const testSecret = "test-secret-0123456789"

func signUserToken(t *testing.T, subject string) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    "examforge-auth",
		Audience:  jwt.ClaimStrings{"examforge-api"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

type scriptedGenerator struct {
	textReply string
	chatReply string
}

func (g *scriptedGenerator) GenerateText(_ context.Context, _, _ string) (string, error) {
	return g.textReply, nil
}

func (g *scriptedGenerator) GenerateChat(_ context.Context, _ string, _ []ai.Message) (string, error) {
	return g.chatReply, nil
}

type fixedExtractor struct{ text string }

func (e *fixedExtractor) Extract(_ context.Context, _ string, _ domain.FileKind) (string, error) {
	return e.text, nil
}

// inlineQueue dispatches jobs synchronously so handlers observe
// terminal pipeline states in the same request cycle.
type inlineQueue struct{ app *app.App }

func (q *inlineQueue) Enqueue(ctx context.Context, kind, entityID string) (queue.Job, error) {
	job := queue.Job{ID: "job-" + entityID, Kind: kind, EntityID: entityID, Status: queue.StatusQueued}
	if q.app != nil {
		if err := q.app.HandleJob(ctx, job); err != nil {
			return queue.Job{}, err
		}
	}
	return job, nil
}

type serverFixture struct {
	srv   *httptest.Server
	store *store.MemoryStore
	gen   *scriptedGenerator
	token string
}

func newServerFixture(t *testing.T, cfg func(*Config)) *serverFixture {
	t.Helper()
	blobs, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	memStore := store.NewMemoryStore()
	gen := &scriptedGenerator{
		textReply: `[{"question_text":"What is 2+2?","answer_text":"4","question_type":"mcq","difficulty":"easy","topic":"Arithmetic"}]`,
		chatReply: "ok",
	}
	q := &inlineQueue{}
	a, err := app.New(app.Config{
		Store:     memStore,
		Blobs:     blobs,
		Extractor: &fixedExtractor{text: "Q1. 2+2=?"},
		Generator: gen,
		Queue:     q,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	q.app = a

	verifier, err := usertoken.NewVerifier(usertoken.Config{Secret: testSecret})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	serverCfg := Config{App: a, TokenVerifier: verifier}
	if cfg != nil {
		cfg(&serverCfg)
	}
	s, err := New(serverCfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return &serverFixture{srv: srv, store: memStore, gen: gen, token: signUserToken(t, "user-1")}
}

func (f *serverFixture) do(t *testing.T, method, path string, body io.Reader, contentType string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+f.token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	payload, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, payload
}

func multipartUpload(t *testing.T, filename string, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write([]byte("%PDF-fake content")); err != nil {
		t.Fatalf("write file part: %v", err)
	}
	for key, value := range fields {
		if err := mw.WriteField(key, value); err != nil {
			t.Fatalf("write field %s: %v", key, err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func TestRoutesRequireBearerToken(t *testing.T) {
	f := newServerFixture(t, nil)

	resp, err := http.Get(f.srv.URL + "/documents")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing token expected 401, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, f.srv.URL+"/documents", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("garbage token expected 401, got %d", resp.StatusCode)
	}

	resp, err = http.Get(f.srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz expected 200, got %d", resp.StatusCode)
	}
}

func TestDocumentUploadLifecycle(t *testing.T) {
	f := newServerFixture(t, nil)

	body, contentType := multipartUpload(t, "midterm.pdf", map[string]string{
		"board":      "CBSE",
		"gradeLevel": "9",
		"subject":    "Math",
	})
	resp, payload := f.do(t, http.MethodPost, "/documents", body, contentType)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("upload expected 201, got %d: %s", resp.StatusCode, payload)
	}
	var doc domain.Document
	if err := json.Unmarshal(payload, &doc); err != nil {
		t.Fatalf("decode document: %v", err)
	}
	if doc.OwnerID != "user-1" || doc.Subject != "Math" || doc.Kind != domain.KindPDF {
		t.Fatalf("document = %+v", doc)
	}

	// Inline queue means the pipeline already ran.
	resp, payload = f.do(t, http.MethodGet, "/documents/"+doc.ID+"/status", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status expected 200, got %d", resp.StatusCode)
	}
	var status map[string]string
	if err := json.Unmarshal(payload, &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status["status"] != string(domain.DocumentCompleted) {
		t.Fatalf("status = %q, want completed", status["status"])
	}

	resp, payload = f.do(t, http.MethodGet, "/questions?subject=Math", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("questions expected 200, got %d", resp.StatusCode)
	}
	var bank struct {
		Items []domain.Question `json:"items"`
		Count int               `json:"count"`
	}
	if err := json.Unmarshal(payload, &bank); err != nil {
		t.Fatalf("decode questions: %v", err)
	}
	if bank.Count != 1 || bank.Items[0].Text != "What is 2+2?" {
		t.Fatalf("bank = %+v", bank)
	}
}

func TestUploadRejectsUnsupportedExtension(t *testing.T) {
	f := newServerFixture(t, nil)
	body, contentType := multipartUpload(t, "notes.txt", nil)
	resp, payload := f.do(t, http.MethodPost, "/documents", body, contentType)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", resp.StatusCode, payload)
	}
	if !strings.Contains(string(payload), "unsupported file type") {
		t.Fatalf("body = %s", payload)
	}
}

func TestUploadRateLimited(t *testing.T) {
	redis := miniredis.RunT(t)
	limiter, err := ratelimit.NewRedisFixedWindowLimiter(redis.Addr(), "", "examforge:test:upload", 1, time.Minute)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	f := newServerFixture(t, func(cfg *Config) {
		cfg.UploadLimiter = limiter
	})

	for i, want := range []int{http.StatusCreated, http.StatusTooManyRequests} {
		body, contentType := multipartUpload(t, fmt.Sprintf("paper-%d.pdf", i), nil)
		resp, payload := f.do(t, http.MethodPost, "/documents", body, contentType)
		if resp.StatusCode != want {
			t.Fatalf("upload %d expected %d, got %d: %s", i, want, resp.StatusCode, payload)
		}
	}
}

func TestPaperLifecycleAndChat(t *testing.T) {
	f := newServerFixture(t, nil)
	f.gen.textReply = "# Math Test\n1. Question one.\n===ANSWER_KEY===\n# Key\n1. Answer one."
	f.gen.chatReply = "# Math Test v2\n1. Harder question.\n===ANSWER_KEY===\n# Key v2\n1. Harder answer."

	resp, payload := f.do(t, http.MethodPost, "/papers",
		strings.NewReader(`{"title":"Math Test","subject":"Math","gradeLevel":"9"}`), "application/json")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create paper expected 201, got %d: %s", resp.StatusCode, payload)
	}
	var paper domain.Paper
	if err := json.Unmarshal(payload, &paper); err != nil {
		t.Fatalf("decode paper: %v", err)
	}

	resp, payload = f.do(t, http.MethodGet, "/papers/"+paper.ID, nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get paper expected 200, got %d", resp.StatusCode)
	}
	if err := json.Unmarshal(payload, &paper); err != nil {
		t.Fatalf("decode paper: %v", err)
	}
	if paper.Status != domain.PaperCompleted {
		t.Fatalf("paper status = %q, want completed", paper.Status)
	}
	if paper.ContentMarkdown != "# Math Test\n1. Question one." {
		t.Fatalf("content = %q", paper.ContentMarkdown)
	}

	resp, payload = f.do(t, http.MethodPost, "/papers/"+paper.ID+"/chat",
		strings.NewReader(`{"message":"Make question 1 harder"}`), "application/json")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("chat expected 200, got %d: %s", resp.StatusCode, payload)
	}
	var chat struct {
		Paper    domain.Paper  `json:"paper"`
		Messages []domain.Turn `json:"messages"`
	}
	if err := json.Unmarshal(payload, &chat); err != nil {
		t.Fatalf("decode chat: %v", err)
	}
	if chat.Paper.ContentMarkdown != "# Math Test v2\n1. Harder question." {
		t.Fatalf("refined content = %q", chat.Paper.ContentMarkdown)
	}
	if len(chat.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(chat.Messages))
	}

	resp, payload = f.do(t, http.MethodGet, "/papers/"+paper.ID+"/chat", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("transcript expected 200, got %d", resp.StatusCode)
	}
	var transcript struct {
		Messages []domain.Turn `json:"messages"`
		Count    int           `json:"count"`
	}
	if err := json.Unmarshal(payload, &transcript); err != nil {
		t.Fatalf("decode transcript: %v", err)
	}
	if transcript.Count != 2 {
		t.Fatalf("transcript count = %d, want 2", transcript.Count)
	}
}

func TestPaperNotFoundIsScopedToOwner(t *testing.T) {
	f := newServerFixture(t, nil)
	if err := f.store.CreatePaper(domain.Paper{
		ID: "paper-x", OwnerID: "someone-else",
		Title: "Theirs", Status: domain.PaperCompleted,
	}); err != nil {
		t.Fatalf("seed paper: %v", err)
	}
	resp, _ := f.do(t, http.MethodGet, "/papers/paper-x", nil, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for foreign paper, got %d", resp.StatusCode)
	}
}

func TestRetryRejectedForNonFailedDocument(t *testing.T) {
	f := newServerFixture(t, nil)
	if err := f.store.CreateDocument(domain.Document{
		ID: "doc-1", OwnerID: "user-1",
		StorageKey: "uploads/doc-1", Kind: domain.KindPDF,
		Status: domain.DocumentCompleted,
	}); err != nil {
		t.Fatalf("seed document: %v", err)
	}
	resp, _ := f.do(t, http.MethodPost, "/documents/doc-1/retry", nil, "")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
}

func TestDeactivatePreference(t *testing.T) {
	f := newServerFixture(t, nil)
	if err := f.store.CreatePreference(domain.Preference{
		ID: "pref-1", OwnerID: "user-1",
		Category: domain.CategoryStyle, Text: "Keep it short", Active: true,
	}); err != nil {
		t.Fatalf("seed preference: %v", err)
	}

	resp, _ := f.do(t, http.MethodDelete, "/preferences/pref-1", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	resp, _ = f.do(t, http.MethodDelete, "/preferences/pref-1", nil, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second delete expected 404, got %d", resp.StatusCode)
	}
}

func TestQuotaExceededReturns429(t *testing.T) {
	f := newServerFixture(t, nil)
	f.gen.textReply = "paper body"
	for i := 0; i < 10; i++ {
		if err := f.store.CreatePaper(domain.Paper{
			ID: fmt.Sprintf("paper-%d", i), OwnerID: "user-1",
			Title: "t", Status: domain.PaperCompleted, CreatedAt: time.Now(),
		}); err != nil {
			t.Fatalf("seed paper %d: %v", i, err)
		}
	}
	resp, payload := f.do(t, http.MethodPost, "/papers",
		strings.NewReader(`{"title":"One more"}`), "application/json")
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d: %s", resp.StatusCode, payload)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatal("missing Retry-After header")
	}
}
