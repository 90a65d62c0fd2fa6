package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"examforge/internal/app"
	"examforge/internal/ratelimit"
	"examforge/internal/usertoken"
	"examforge/internal/util"
	"examforge/pkg/domain"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	TokenVerifier  *usertoken.Verifier
	UploadLimiter  *ratelimit.FixedWindowLimiter
	TrustedProxies *util.TrustedProxies
	MaxUploadBytes int64
}

// Server exposes the HTTP endpoints.
type Server struct {
	app            *app.App
	tokenVerifier  *usertoken.Verifier
	uploadLimiter  *ratelimit.FixedWindowLimiter
	trustedProxies *util.TrustedProxies
	mux            *http.ServeMux
	maxUploadBytes int64
}

var allowedUploadExtensions = map[string]domain.FileKind{
	".pdf":  domain.KindPDF,
	".docx": domain.KindDOCX,
	".jpg":  domain.KindJPG,
	".jpeg": domain.KindJPEG,
	".png":  domain.KindPNG,
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, fmt.Errorf("app required")
	}
	if cfg.TokenVerifier == nil {
		return nil, fmt.Errorf("token verifier required")
	}
	maxUpload := cfg.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = 25 * 1024 * 1024
	}
	s := &Server{
		app:            cfg.App,
		tokenVerifier:  cfg.TokenVerifier,
		uploadLimiter:  cfg.UploadLimiter,
		trustedProxies: cfg.TrustedProxies,
		mux:            http.NewServeMux(),
		maxUploadBytes: maxUpload,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler with middleware applied.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("examforge",
		util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	s.mux.Handle("/documents", s.authenticated(s.handleDocuments))
	s.mux.Handle("/documents/", s.authenticated(s.handleDocumentByID))
	s.mux.Handle("/questions", s.authenticated(s.handleQuestions))
	s.mux.Handle("/questions/topics", s.authenticated(s.handleQuestionTopics))
	s.mux.Handle("/papers", s.authenticated(s.handlePapers))
	s.mux.Handle("/papers/", s.authenticated(s.handlePaperByID))
	s.mux.Handle("/preferences", s.authenticated(s.handlePreferences))
	s.mux.Handle("/preferences/", s.authenticated(s.handlePreferenceByID))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type authHandler func(http.ResponseWriter, *http.Request, string)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		userID, err := s.tokenVerifier.VerifySubject(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, userID)
	})
}

// /documents
func (s *Server) handleDocuments(w http.ResponseWriter, r *http.Request, userID string) {
	switch r.Method {
	case http.MethodPost:
		s.handleUploadDocument(w, r, userID)
	case http.MethodGet:
		docs, err := s.app.ListDocuments(userID)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items": docs,
			"count": len(docs),
		})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleUploadDocument(w http.ResponseWriter, r *http.Request, userID string) {
	if !s.allowUpload(w, r) {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form data")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required (field: file)")
		return
	}
	defer file.Close()

	kind, ok := uploadKind(header.Filename)
	if !ok {
		writeError(w, http.StatusBadRequest, "unsupported file type")
		return
	}

	doc := domain.Document{
		OwnerID:          userID,
		OriginalFilename: header.Filename,
		StorageKey:       "uploads/" + userID + "/" + uuid.NewString() + strings.ToLower(filepath.Ext(header.Filename)),
		Kind:             kind,
		Board:            strings.TrimSpace(r.FormValue("board")),
		GradeLevel:       strings.TrimSpace(r.FormValue("gradeLevel")),
		Subject:          strings.TrimSpace(r.FormValue("subject")),
	}
	created, err := s.app.SubmitDocument(r.Context(), doc, file, header.Size, header.Header.Get("Content-Type"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// /documents/{id}, /documents/{id}/status, /documents/{id}/retry
func (s *Server) handleDocumentByID(w http.ResponseWriter, r *http.Request, userID string) {
	id, action, ok := splitResourcePath(r.URL.Path, "/documents/")
	if !ok {
		http.NotFound(w, r)
		return
	}
	switch action {
	case "":
	case "status":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		doc, err := s.app.GetDocument(id, userID)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"id":           doc.ID,
			"status":       string(doc.Status),
			"errorMessage": doc.ErrorMessage,
		})
		return
	case "retry":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		doc, err := s.app.RetryDocument(r.Context(), id, userID)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, doc)
		return
	default:
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		doc, err := s.app.GetDocument(id, userID)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, doc)
	case http.MethodDelete:
		if err := s.app.DeleteDocument(r.Context(), id, userID); err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		methodNotAllowed(w)
	}
}

// /questions
func (s *Server) handleQuestions(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	q := r.URL.Query()
	filter := domain.QuestionFilter{
		Board:        strings.TrimSpace(q.Get("board")),
		GradeLevel:   strings.TrimSpace(q.Get("gradeLevel")),
		Subject:      strings.TrimSpace(q.Get("subject")),
		QuestionType: strings.TrimSpace(q.Get("type")),
		Difficulty:   strings.TrimSpace(q.Get("difficulty")),
		Topic:        strings.TrimSpace(q.Get("topic")),
		BloomLevel:   strings.TrimSpace(q.Get("bloomLevel")),
	}
	questions, err := s.app.ListQuestions(userID, filter)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": questions,
		"count": len(questions),
	})
}

// /questions/topics
func (s *Server) handleQuestionTopics(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	topics, err := s.app.ListQuestionTopics(userID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if topics == nil {
		topics = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"topics": topics})
}

// /papers
func (s *Server) handlePapers(w http.ResponseWriter, r *http.Request, userID string) {
	switch r.Method {
	case http.MethodPost:
		var req createPaperRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if strings.TrimSpace(req.Title) == "" {
			writeError(w, http.StatusBadRequest, "title is required")
			return
		}
		paper := domain.Paper{
			OwnerID:         userID,
			Title:           req.Title,
			Board:           req.Board,
			GradeLevel:      req.GradeLevel,
			Subject:         req.Subject,
			Topics:          req.Topics,
			DifficultyMix:   req.DifficultyMix,
			TotalMarks:      req.TotalMarks,
			DurationMinutes: req.DurationMinutes,
		}
		created, err := s.app.SubmitPaper(r.Context(), paper)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	case http.MethodGet:
		papers, err := s.app.ListPapers(userID)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items": papers,
			"count": len(papers),
		})
	default:
		methodNotAllowed(w)
	}
}

// /papers/{id}, /papers/{id}/status, /papers/{id}/chat
func (s *Server) handlePaperByID(w http.ResponseWriter, r *http.Request, userID string) {
	id, action, ok := splitResourcePath(r.URL.Path, "/papers/")
	if !ok {
		http.NotFound(w, r)
		return
	}
	switch action {
	case "":
	case "status":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		paper, err := s.app.GetPaper(id, userID)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"id":           paper.ID,
			"status":       string(paper.Status),
			"errorMessage": paper.ErrorMessage,
		})
		return
	case "chat":
		s.handlePaperChat(w, r, userID, id)
		return
	default:
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		paper, err := s.app.GetPaper(id, userID)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, paper)
	case http.MethodDelete:
		if err := s.app.DeletePaper(id, userID); err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handlePaperChat(w http.ResponseWriter, r *http.Request, userID, paperID string) {
	switch r.Method {
	case http.MethodGet:
		turns, err := s.app.ListPaperTurns(paperID, userID)
		if err != nil {
			writeAppError(w, err)
			return
		}
		if turns == nil {
			turns = []domain.Turn{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"messages": turns,
			"count":    len(turns),
		})
	case http.MethodPost:
		var req chatRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if strings.TrimSpace(req.Message) == "" {
			writeError(w, http.StatusBadRequest, "message is required")
			return
		}
		paper, turns, err := s.app.RefinePaper(r.Context(), paperID, userID, req.Message)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"paper":    paper,
			"messages": turns,
		})
	default:
		methodNotAllowed(w)
	}
}

// /preferences
func (s *Server) handlePreferences(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	prefs, err := s.app.ListPreferences(userID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if prefs == nil {
		prefs = []domain.Preference{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": prefs,
		"count": len(prefs),
	})
}

// /preferences/{id}
func (s *Server) handlePreferenceByID(w http.ResponseWriter, r *http.Request, userID string) {
	id, action, ok := splitResourcePath(r.URL.Path, "/preferences/")
	if !ok || action != "" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodDelete {
		methodNotAllowed(w)
		return
	}
	if err := s.app.DeactivatePreference(id, userID); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
}

func (s *Server) allowUpload(w http.ResponseWriter, r *http.Request) bool {
	if s.uploadLimiter == nil {
		return true
	}
	key := util.ClientIP(r, s.trustedProxies)
	if s.uploadLimiter.Allow(key) {
		return true
	}
	w.Header().Set("Retry-After", "60")
	writeError(w, http.StatusTooManyRequests, "too many uploads")
	return false
}

type createPaperRequest struct {
	Title           string         `json:"title"`
	Board           string         `json:"board"`
	GradeLevel      string         `json:"gradeLevel"`
	Subject         string         `json:"subject"`
	Topics          []string       `json:"topics"`
	DifficultyMix   map[string]int `json:"difficultyMix"`
	TotalMarks      *float64       `json:"totalMarks"`
	DurationMinutes int            `json:"durationMinutes"`
}

type chatRequest struct {
	Message string `json:"message"`
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

// splitResourcePath extracts "{id}" and an optional single trailing
// "{action}" segment from paths like /documents/{id}/status.
func splitResourcePath(path, prefix string) (id, action string, ok bool) {
	rest := strings.TrimPrefix(path, prefix)
	if rest == "" || rest == path {
		return "", "", false
	}
	parts := strings.SplitN(rest, "/", 2)
	id = parts[0]
	if id == "" {
		return "", "", false
	}
	if len(parts) == 2 {
		action = parts[1]
		if action == "" || strings.Contains(action, "/") {
			return "", "", false
		}
	}
	return id, action, true
}

func uploadKind(filename string) (domain.FileKind, bool) {
	kind, ok := allowedUploadExtensions[strings.ToLower(filepath.Ext(filename))]
	return kind, ok
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeAppError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, app.ErrDocumentNotFound),
		errors.Is(err, app.ErrPaperNotFound),
		errors.Is(err, app.ErrPreferenceNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, app.ErrRetryNotAllowed):
		writeError(w, http.StatusConflict, "only failed documents can be retried")
	case errors.Is(err, app.ErrSourceUnavailable):
		writeError(w, http.StatusGone, "original file is no longer available")
	case errors.Is(err, app.ErrQuotaExceeded):
		w.Header().Set("Retry-After", strconv.Itoa(int(time.Until(nextLocalMidnight()).Seconds())))
		writeError(w, http.StatusTooManyRequests, "daily paper limit reached")
	default:
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			writeError(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func nextLocalMidnight() time.Time {
	now := time.Now()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).Add(24 * time.Hour)
}
