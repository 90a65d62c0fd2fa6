package store

import (
	"sort"
	"strings"
	"sync"
	"time"

	"examforge/pkg/domain"
)

// MemoryStore keeps all entities in-process. It backs tests and local
// development without Postgres.
type MemoryStore struct {
	mu          sync.RWMutex
	documents   map[string]domain.Document
	docOrder    []string
	questions   map[string][]domain.Question // documentID -> ordered batch
	papers      map[string]domain.Paper
	paperOrder  []string
	turns       map[string][]domain.Turn // paperID -> chronological
	preferences []domain.Preference
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		documents: make(map[string]domain.Document),
		questions: make(map[string][]domain.Question),
		papers:    make(map[string]domain.Paper),
		turns:     make(map[string][]domain.Turn),
	}
}

// CreateDocument stores a new uploaded document.
func (m *MemoryStore) CreateDocument(d domain.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.documents[d.ID]; !exists {
		m.docOrder = append(m.docOrder, d.ID)
	}
	m.documents[d.ID] = d
	return nil
}

// GetDocument retrieves a document by ID.
func (m *MemoryStore) GetDocument(id string) (domain.Document, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.documents[id]
	return d, ok, nil
}

// ListDocumentsByOwner returns an owner's documents, newest first.
func (m *MemoryStore) ListDocumentsByOwner(ownerID string) ([]domain.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Document, 0)
	for i := len(m.docOrder) - 1; i >= 0; i-- {
		if d, ok := m.documents[m.docOrder[i]]; ok && d.OwnerID == ownerID {
			res = append(res, d)
		}
	}
	return res, nil
}

// SetDocumentStatus updates document status and error message.
func (m *MemoryStore) SetDocumentStatus(id string, status domain.DocumentStatus, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.documents[id]
	if !ok {
		return nil
	}
	d.Status = status
	d.ErrorMessage = errMsg
	d.UpdatedAt = time.Now().UTC()
	m.documents[id] = d
	return nil
}

// SetDocumentExtractedText records the extraction result.
func (m *MemoryStore) SetDocumentExtractedText(id string, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.documents[id]
	if !ok {
		return nil
	}
	d.ExtractedText = text
	d.UpdatedAt = time.Now().UTC()
	m.documents[id] = d
	return nil
}

// CompleteDocument marks a document completed and stores its topic set.
func (m *MemoryStore) CompleteDocument(id string, topics []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.documents[id]
	if !ok {
		return nil
	}
	d.Status = domain.DocumentCompleted
	d.ErrorMessage = ""
	d.Topics = topics
	d.UpdatedAt = time.Now().UTC()
	m.documents[id] = d
	return nil
}

// DeleteDocument removes a document and its questions.
func (m *MemoryStore) DeleteDocument(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.documents, id)
	delete(m.questions, id)
	return nil
}

// LatestCompletedDocument returns the most recently completed document with
// extracted text for the owner and subject.
func (m *MemoryStore) LatestCompletedDocument(ownerID, subject string) (domain.Document, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best domain.Document
	found := false
	for _, d := range m.documents {
		if d.OwnerID != ownerID || d.Subject != subject {
			continue
		}
		if d.Status != domain.DocumentCompleted || strings.TrimSpace(d.ExtractedText) == "" {
			continue
		}
		if !found || d.UpdatedAt.After(best.UpdatedAt) {
			best = d
			found = true
		}
	}
	return best, found, nil
}

// ReplaceQuestions replaces all questions for a document.
func (m *MemoryStore) ReplaceQuestions(documentID string, questions []domain.Question) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	batch := make([]domain.Question, len(questions))
	copy(batch, questions)
	for i := range batch {
		batch[i].DocumentID = documentID
	}
	m.questions[documentID] = batch
	return nil
}

// ListQuestions returns an owner's question bank with optional filters.
func (m *MemoryStore) ListQuestions(ownerID string, filter domain.QuestionFilter) ([]domain.Question, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Question, 0)
	for _, batch := range m.questions {
		for _, q := range batch {
			if q.OwnerID != ownerID || !matchesFilter(q, filter) {
				continue
			}
			res = append(res, q)
		}
	}
	sortQuestions(res)
	return res, nil
}

// ListQuestionsBySubject returns up to limit questions, most recent first.
func (m *MemoryStore) ListQuestionsBySubject(ownerID, subject string, limit int) ([]domain.Question, error) {
	if limit <= 0 {
		return []domain.Question{}, nil
	}
	questions, err := m.ListQuestions(ownerID, domain.QuestionFilter{Subject: subject})
	if err != nil {
		return nil, err
	}
	if len(questions) > limit {
		questions = questions[:limit]
	}
	return questions, nil
}

// ListQuestionTopics returns the owner's distinct non-empty topics, sorted.
func (m *MemoryStore) ListQuestionTopics(ownerID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]bool)
	for _, batch := range m.questions {
		for _, q := range batch {
			if q.OwnerID == ownerID && q.Topic != "" {
				seen[q.Topic] = true
			}
		}
	}
	topics := make([]string, 0, len(seen))
	for topic := range seen {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics, nil
}

// CountQuestionsByDocument counts extracted questions for a document.
func (m *MemoryStore) CountQuestionsByDocument(documentID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.questions[documentID]), nil
}

// CreatePaper stores a new generated paper.
func (m *MemoryStore) CreatePaper(p domain.Paper) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.papers[p.ID]; !exists {
		m.paperOrder = append(m.paperOrder, p.ID)
	}
	m.papers[p.ID] = p
	return nil
}

// GetPaper retrieves a paper by ID.
func (m *MemoryStore) GetPaper(id string) (domain.Paper, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.papers[id]
	return p, ok, nil
}

// ListPapersByOwner returns an owner's papers, newest first.
func (m *MemoryStore) ListPapersByOwner(ownerID string) ([]domain.Paper, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Paper, 0)
	for i := len(m.paperOrder) - 1; i >= 0; i-- {
		if p, ok := m.papers[m.paperOrder[i]]; ok && p.OwnerID == ownerID {
			res = append(res, p)
		}
	}
	return res, nil
}

// SetPaperStatus updates paper status and error message.
func (m *MemoryStore) SetPaperStatus(id string, status domain.PaperStatus, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.papers[id]
	if !ok {
		return nil
	}
	p.Status = status
	p.ErrorMessage = errMsg
	p.UpdatedAt = time.Now().UTC()
	m.papers[id] = p
	return nil
}

// SetPaperContent replaces the stored content and answer key wholesale.
func (m *MemoryStore) SetPaperContent(id string, content, answerKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.papers[id]
	if !ok {
		return nil
	}
	p.ContentMarkdown = content
	p.AnswerKey = answerKey
	p.UpdatedAt = time.Now().UTC()
	m.papers[id] = p
	return nil
}

// CountPapersSince counts papers an owner created at or after the cutoff.
func (m *MemoryStore) CountPapersSince(ownerID string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, p := range m.papers {
		if p.OwnerID == ownerID && !p.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

// DeletePaper removes a paper and its refinement transcript.
func (m *MemoryStore) DeletePaper(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.papers, id)
	delete(m.turns, id)
	return nil
}

// AppendTurn records a refinement turn.
func (m *MemoryStore) AppendTurn(turn domain.Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns[turn.PaperID] = append(m.turns[turn.PaperID], turn)
	return nil
}

// ListTurns returns a paper's transcript in chronological order.
func (m *MemoryStore) ListTurns(paperID string) ([]domain.Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Turn, len(m.turns[paperID]))
	copy(res, m.turns[paperID])
	return res, nil
}

// CountUserTurns counts user-role turns in a paper's transcript.
func (m *MemoryStore) CountUserTurns(paperID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, turn := range m.turns[paperID] {
		if turn.Role == "user" {
			count++
		}
	}
	return count, nil
}

// CreatePreference stores a learned preference.
func (m *MemoryStore) CreatePreference(p domain.Preference) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.preferences = append(m.preferences, p)
	return nil
}

// ListActivePreferences returns up to limit active preferences, newest first.
func (m *MemoryStore) ListActivePreferences(ownerID string, limit int) ([]domain.Preference, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Preference, 0)
	for i := len(m.preferences) - 1; i >= 0; i-- {
		p := m.preferences[i]
		if p.OwnerID != ownerID || !p.Active {
			continue
		}
		res = append(res, p)
		if limit > 0 && len(res) == limit {
			break
		}
	}
	return res, nil
}

// DeactivatePreference soft-deletes a preference owned by ownerID.
func (m *MemoryStore) DeactivatePreference(id, ownerID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, p := range m.preferences {
		if p.ID == id && p.OwnerID == ownerID {
			m.preferences[i].Active = false
			return true, nil
		}
	}
	return false, nil
}

func matchesFilter(q domain.Question, f domain.QuestionFilter) bool {
	if f.Board != "" && q.Board != f.Board {
		return false
	}
	if f.GradeLevel != "" && q.GradeLevel != f.GradeLevel {
		return false
	}
	if f.Subject != "" && q.Subject != f.Subject {
		return false
	}
	if f.QuestionType != "" && q.Type != f.QuestionType {
		return false
	}
	if f.Difficulty != "" && q.Difficulty != f.Difficulty {
		return false
	}
	if f.Topic != "" && q.Topic != f.Topic {
		return false
	}
	if f.BloomLevel != "" && q.BloomLevel != f.BloomLevel {
		return false
	}
	return true
}

func sortQuestions(questions []domain.Question) {
	sort.SliceStable(questions, func(i, j int) bool {
		if !questions[i].CreatedAt.Equal(questions[j].CreatedAt) {
			return questions[i].CreatedAt.After(questions[j].CreatedAt)
		}
		return questions[i].OrderInDoc < questions[j].OrderInDoc
	})
}
