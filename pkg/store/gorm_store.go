package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"examforge/pkg/domain"
)

const migrateLockID int64 = 48215521

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(
			&DocumentModel{},
			&QuestionModel{},
			&PaperModel{},
			&TurnModel{},
			&PreferenceModel{},
		); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// CreateDocument stores a new uploaded document.
func (s *GormStore) CreateDocument(d domain.Document) error {
	model := documentToModel(d)
	return s.db.Create(&model).Error
}

// GetDocument retrieves a document by ID.
func (s *GormStore) GetDocument(id string) (domain.Document, bool, error) {
	var model DocumentModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Document{}, false, nil
		}
		return domain.Document{}, false, err
	}
	return documentFromModel(model), true, nil
}

// ListDocumentsByOwner returns an owner's documents, newest first.
func (s *GormStore) ListDocumentsByOwner(ownerID string) ([]domain.Document, error) {
	var models []DocumentModel
	if err := s.db.Where("owner_id = ?", ownerID).Order("created_at DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Document, 0, len(models))
	for _, m := range models {
		res = append(res, documentFromModel(m))
	}
	return res, nil
}

// SetDocumentStatus updates document status and error message.
func (s *GormStore) SetDocumentStatus(id string, status domain.DocumentStatus, errMsg string) error {
	return s.db.Model(&DocumentModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":        string(status),
			"error_message": errMsg,
			"updated_at":    time.Now().UTC(),
		}).Error
}

// SetDocumentExtractedText records the extraction result.
func (s *GormStore) SetDocumentExtractedText(id string, text string) error {
	return s.db.Model(&DocumentModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"extracted_text": text,
			"updated_at":     time.Now().UTC(),
		}).Error
}

// CompleteDocument marks a document completed and stores its topic set.
func (s *GormStore) CompleteDocument(id string, topics []string) error {
	topicsJSON, _ := json.Marshal(topics)
	return s.db.Model(&DocumentModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":        string(domain.DocumentCompleted),
			"error_message": "",
			"topics":        topicsJSON,
			"updated_at":    time.Now().UTC(),
		}).Error
}

// DeleteDocument removes a document and its questions.
func (s *GormStore) DeleteDocument(id string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&QuestionModel{}, "document_id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&DocumentModel{}, "id = ?", id).Error
	})
}

// LatestCompletedDocument returns the most recently completed document with
// extracted text for the owner and subject.
func (s *GormStore) LatestCompletedDocument(ownerID, subject string) (domain.Document, bool, error) {
	var model DocumentModel
	err := s.db.Where(
		"owner_id = ? AND subject = ? AND status = ? AND extracted_text <> ''",
		ownerID, subject, string(domain.DocumentCompleted),
	).Order("updated_at DESC").First(&model).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Document{}, false, nil
		}
		return domain.Document{}, false, err
	}
	return documentFromModel(model), true, nil
}

// ReplaceQuestions replaces all questions for a document in one transaction,
// so a retried ingestion cannot duplicate rows from a prior attempt.
func (s *GormStore) ReplaceQuestions(documentID string, questions []domain.Question) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&QuestionModel{}, "document_id = ?", documentID).Error; err != nil {
			return err
		}
		if len(questions) == 0 {
			return nil
		}
		models := make([]QuestionModel, 0, len(questions))
		for _, q := range questions {
			model := questionToModel(q)
			model.DocumentID = documentID
			models = append(models, model)
		}
		return tx.CreateInBatches(&models, 200).Error
	})
}

// ListQuestions returns an owner's question bank with optional filters.
func (s *GormStore) ListQuestions(ownerID string, filter domain.QuestionFilter) ([]domain.Question, error) {
	tx := s.db.Where("owner_id = ?", ownerID)
	if filter.Board != "" {
		tx = tx.Where("board = ?", filter.Board)
	}
	if filter.GradeLevel != "" {
		tx = tx.Where("grade_level = ?", filter.GradeLevel)
	}
	if filter.Subject != "" {
		tx = tx.Where("subject = ?", filter.Subject)
	}
	if filter.QuestionType != "" {
		tx = tx.Where("type = ?", filter.QuestionType)
	}
	if filter.Difficulty != "" {
		tx = tx.Where("difficulty = ?", filter.Difficulty)
	}
	if filter.Topic != "" {
		tx = tx.Where("topic = ?", filter.Topic)
	}
	if filter.BloomLevel != "" {
		tx = tx.Where("bloom_level = ?", filter.BloomLevel)
	}
	var models []QuestionModel
	if err := tx.Order("created_at DESC, order_in_doc ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Question, 0, len(models))
	for _, m := range models {
		res = append(res, questionFromModel(m))
	}
	return res, nil
}

// ListQuestionsBySubject returns up to limit questions for an owner and
// subject, most recent first. Deterministic sampling order for generation.
func (s *GormStore) ListQuestionsBySubject(ownerID, subject string, limit int) ([]domain.Question, error) {
	if limit <= 0 {
		return []domain.Question{}, nil
	}
	var models []QuestionModel
	if err := s.db.Where("owner_id = ? AND subject = ?", ownerID, subject).
		Order("created_at DESC, order_in_doc ASC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Question, 0, len(models))
	for _, m := range models {
		res = append(res, questionFromModel(m))
	}
	return res, nil
}

// ListQuestionTopics returns the owner's distinct non-empty topics, sorted.
func (s *GormStore) ListQuestionTopics(ownerID string) ([]string, error) {
	var topics []string
	if err := s.db.Model(&QuestionModel{}).
		Distinct("topic").
		Where("owner_id = ? AND topic <> ''", ownerID).
		Order("topic ASC").
		Pluck("topic", &topics).Error; err != nil {
		return nil, err
	}
	return topics, nil
}

// CountQuestionsByDocument counts extracted questions for a document.
func (s *GormStore) CountQuestionsByDocument(documentID string) (int, error) {
	var count int64
	if err := s.db.Model(&QuestionModel{}).Where("document_id = ?", documentID).Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// CreatePaper stores a new generated paper.
func (s *GormStore) CreatePaper(p domain.Paper) error {
	model := paperToModel(p)
	return s.db.Create(&model).Error
}

// GetPaper retrieves a paper by ID.
func (s *GormStore) GetPaper(id string) (domain.Paper, bool, error) {
	var model PaperModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Paper{}, false, nil
		}
		return domain.Paper{}, false, err
	}
	return paperFromModel(model), true, nil
}

// ListPapersByOwner returns an owner's papers, newest first.
func (s *GormStore) ListPapersByOwner(ownerID string) ([]domain.Paper, error) {
	var models []PaperModel
	if err := s.db.Where("owner_id = ?", ownerID).Order("created_at DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Paper, 0, len(models))
	for _, m := range models {
		res = append(res, paperFromModel(m))
	}
	return res, nil
}

// SetPaperStatus updates paper status and error message.
func (s *GormStore) SetPaperStatus(id string, status domain.PaperStatus, errMsg string) error {
	return s.db.Model(&PaperModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":        string(status),
			"error_message": errMsg,
			"updated_at":    time.Now().UTC(),
		}).Error
}

// SetPaperContent replaces the stored content and answer key wholesale.
func (s *GormStore) SetPaperContent(id string, content, answerKey string) error {
	return s.db.Model(&PaperModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"content_markdown": content,
			"answer_key":       answerKey,
			"updated_at":       time.Now().UTC(),
		}).Error
}

// CountPapersSince counts papers an owner created at or after the cutoff.
func (s *GormStore) CountPapersSince(ownerID string, since time.Time) (int, error) {
	var count int64
	if err := s.db.Model(&PaperModel{}).
		Where("owner_id = ? AND created_at >= ?", ownerID, since).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// DeletePaper removes a paper and its refinement transcript.
func (s *GormStore) DeletePaper(id string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&TurnModel{}, "paper_id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&PaperModel{}, "id = ?", id).Error
	})
}

// AppendTurn records a refinement turn.
func (s *GormStore) AppendTurn(turn domain.Turn) error {
	model := turnToModel(turn)
	return s.db.Create(&model).Error
}

// ListTurns returns a paper's transcript in chronological order.
func (s *GormStore) ListTurns(paperID string) ([]domain.Turn, error) {
	var models []TurnModel
	if err := s.db.Where("paper_id = ?", paperID).Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Turn, 0, len(models))
	for _, m := range models {
		res = append(res, turnFromModel(m))
	}
	return res, nil
}

// CountUserTurns counts user-role turns in a paper's transcript.
func (s *GormStore) CountUserTurns(paperID string) (int, error) {
	var count int64
	if err := s.db.Model(&TurnModel{}).
		Where("paper_id = ? AND role = ?", paperID, "user").
		Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// CreatePreference stores a learned preference.
func (s *GormStore) CreatePreference(p domain.Preference) error {
	model := preferenceToModel(p)
	return s.db.Create(&model).Error
}

// ListActivePreferences returns up to limit active preferences, newest first.
func (s *GormStore) ListActivePreferences(ownerID string, limit int) ([]domain.Preference, error) {
	tx := s.db.Where("owner_id = ? AND active", ownerID).Order("created_at DESC")
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	var models []PreferenceModel
	if err := tx.Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Preference, 0, len(models))
	for _, m := range models {
		res = append(res, preferenceFromModel(m))
	}
	return res, nil
}

// DeactivatePreference soft-deletes a preference owned by ownerID.
func (s *GormStore) DeactivatePreference(id, ownerID string) (bool, error) {
	res := s.db.Model(&PreferenceModel{}).
		Where("id = ? AND owner_id = ?", id, ownerID).
		Update("active", false)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func documentToModel(d domain.Document) DocumentModel {
	topics, _ := json.Marshal(d.Topics)
	return DocumentModel{
		ID:               d.ID,
		OwnerID:          d.OwnerID,
		OriginalFilename: d.OriginalFilename,
		StorageKey:       d.StorageKey,
		Kind:             string(d.Kind),
		Board:            d.Board,
		GradeLevel:       d.GradeLevel,
		Subject:          d.Subject,
		Status:           string(d.Status),
		ExtractedText:    d.ExtractedText,
		Topics:           topics,
		ErrorMessage:     d.ErrorMessage,
		CreatedAt:        d.CreatedAt,
		UpdatedAt:        d.UpdatedAt,
	}
}

func documentFromModel(m DocumentModel) domain.Document {
	var topics []string
	if len(m.Topics) > 0 {
		_ = json.Unmarshal(m.Topics, &topics)
	}
	return domain.Document{
		ID:               m.ID,
		OwnerID:          m.OwnerID,
		OriginalFilename: m.OriginalFilename,
		StorageKey:       m.StorageKey,
		Kind:             domain.FileKind(m.Kind),
		Board:            m.Board,
		GradeLevel:       m.GradeLevel,
		Subject:          m.Subject,
		Status:           domain.DocumentStatus(m.Status),
		ExtractedText:    m.ExtractedText,
		Topics:           topics,
		ErrorMessage:     m.ErrorMessage,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}

func questionToModel(q domain.Question) QuestionModel {
	optionsJSON, _ := json.Marshal(q.Options)
	return QuestionModel{
		ID:            q.ID,
		DocumentID:    q.DocumentID,
		OwnerID:       q.OwnerID,
		Text:          q.Text,
		Answer:        q.Answer,
		Type:          q.Type,
		Difficulty:    q.Difficulty,
		Board:         q.Board,
		GradeLevel:    q.GradeLevel,
		Subject:       q.Subject,
		Topic:         q.Topic,
		Marks:         q.Marks,
		Options:       optionsJSON,
		CorrectOption: q.CorrectOption,
		BloomLevel:    q.BloomLevel,
		OrderInDoc:    q.OrderInDoc,
		CreatedAt:     q.CreatedAt,
	}
}

func questionFromModel(m QuestionModel) domain.Question {
	var options []string
	if len(m.Options) > 0 {
		_ = json.Unmarshal(m.Options, &options)
	}
	return domain.Question{
		ID:            m.ID,
		DocumentID:    m.DocumentID,
		OwnerID:       m.OwnerID,
		Text:          m.Text,
		Answer:        m.Answer,
		Type:          m.Type,
		Difficulty:    m.Difficulty,
		Board:         m.Board,
		GradeLevel:    m.GradeLevel,
		Subject:       m.Subject,
		Topic:         m.Topic,
		Marks:         m.Marks,
		Options:       options,
		CorrectOption: m.CorrectOption,
		BloomLevel:    m.BloomLevel,
		OrderInDoc:    m.OrderInDoc,
		CreatedAt:     m.CreatedAt,
	}
}

func paperToModel(p domain.Paper) PaperModel {
	topics, _ := json.Marshal(p.Topics)
	mix, _ := json.Marshal(p.DifficultyMix)
	return PaperModel{
		ID:              p.ID,
		OwnerID:         p.OwnerID,
		Title:           p.Title,
		Status:          string(p.Status),
		Board:           p.Board,
		GradeLevel:      p.GradeLevel,
		Subject:         p.Subject,
		Topics:          topics,
		DifficultyMix:   mix,
		TotalMarks:      p.TotalMarks,
		DurationMinutes: p.DurationMinutes,
		ContentMarkdown: p.ContentMarkdown,
		AnswerKey:       p.AnswerKey,
		ErrorMessage:    p.ErrorMessage,
		CreatedAt:       p.CreatedAt,
		UpdatedAt:       p.UpdatedAt,
	}
}

func paperFromModel(m PaperModel) domain.Paper {
	var topics []string
	if len(m.Topics) > 0 {
		_ = json.Unmarshal(m.Topics, &topics)
	}
	var mix map[string]int
	if len(m.DifficultyMix) > 0 {
		_ = json.Unmarshal(m.DifficultyMix, &mix)
	}
	return domain.Paper{
		ID:              m.ID,
		OwnerID:         m.OwnerID,
		Title:           m.Title,
		Status:          domain.PaperStatus(m.Status),
		Board:           m.Board,
		GradeLevel:      m.GradeLevel,
		Subject:         m.Subject,
		Topics:          topics,
		DifficultyMix:   mix,
		TotalMarks:      m.TotalMarks,
		DurationMinutes: m.DurationMinutes,
		ContentMarkdown: m.ContentMarkdown,
		AnswerKey:       m.AnswerKey,
		ErrorMessage:    m.ErrorMessage,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}

func turnToModel(t domain.Turn) TurnModel {
	return TurnModel{
		ID:        t.ID,
		PaperID:   t.PaperID,
		OwnerID:   t.OwnerID,
		Role:      t.Role,
		Content:   t.Content,
		CreatedAt: t.CreatedAt,
	}
}

func turnFromModel(m TurnModel) domain.Turn {
	return domain.Turn{
		ID:        m.ID,
		PaperID:   m.PaperID,
		OwnerID:   m.OwnerID,
		Role:      m.Role,
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
	}
}

func preferenceToModel(p domain.Preference) PreferenceModel {
	return PreferenceModel{
		ID:            p.ID,
		OwnerID:       p.OwnerID,
		Category:      string(p.Category),
		Text:          p.Text,
		SourcePaperID: p.SourcePaperID,
		Active:        p.Active,
		CreatedAt:     p.CreatedAt,
	}
}

func preferenceFromModel(m PreferenceModel) domain.Preference {
	return domain.Preference{
		ID:            m.ID,
		OwnerID:       m.OwnerID,
		Category:      domain.PreferenceCategory(m.Category),
		Text:          m.Text,
		SourcePaperID: m.SourcePaperID,
		Active:        m.Active,
		CreatedAt:     m.CreatedAt,
	}
}
