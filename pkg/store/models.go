package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type DocumentModel struct {
	ID               string `gorm:"primaryKey"`
	OwnerID          string `gorm:"not null;index"`
	OriginalFilename string `gorm:"not null"`
	StorageKey       string
	Kind             string `gorm:"not null"`
	Board            string
	GradeLevel       string
	Subject          string `gorm:"index"`
	Status           string `gorm:"not null"`
	ExtractedText    string `gorm:"type:text"`
	Topics           datatypes.JSON
	ErrorMessage     string
	CreatedAt        time.Time `gorm:"not null"`
	UpdatedAt        time.Time `gorm:"not null"`
}

type QuestionModel struct {
	ID            string `gorm:"primaryKey"`
	DocumentID    string `gorm:"not null;index"`
	OwnerID       string `gorm:"not null;index"`
	Text          string `gorm:"type:text;not null"`
	Answer        string `gorm:"type:text"`
	Type          string `gorm:"not null"`
	Difficulty    string `gorm:"not null"`
	Board         string
	GradeLevel    string
	Subject       string `gorm:"index"`
	Topic         string
	Marks         *float64
	Options       datatypes.JSON
	CorrectOption string
	BloomLevel    string
	OrderInDoc    int       `gorm:"not null"`
	CreatedAt     time.Time `gorm:"not null;index"`
}

type PaperModel struct {
	ID              string `gorm:"primaryKey"`
	OwnerID         string `gorm:"not null;index"`
	Title           string `gorm:"not null"`
	Status          string `gorm:"not null"`
	Board           string
	GradeLevel      string
	Subject         string
	Topics          datatypes.JSON
	DifficultyMix   datatypes.JSON
	TotalMarks      *float64
	DurationMinutes int
	ContentMarkdown string `gorm:"type:text"`
	AnswerKey       string `gorm:"type:text"`
	ErrorMessage    string
	CreatedAt       time.Time `gorm:"not null;index"`
	UpdatedAt       time.Time `gorm:"not null"`
}

type TurnModel struct {
	ID        string    `gorm:"primaryKey"`
	PaperID   string    `gorm:"not null;index"`
	OwnerID   string    `gorm:"not null"`
	Role      string    `gorm:"not null"`
	Content   string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"not null;index"`
}

type PreferenceModel struct {
	ID            string `gorm:"primaryKey"`
	OwnerID       string `gorm:"not null;index"`
	Category      string `gorm:"not null"`
	Text          string `gorm:"type:text;not null"`
	SourcePaperID string
	Active        bool      `gorm:"not null;index"`
	CreatedAt     time.Time `gorm:"not null;index"`
}
