package domain

import "time"

type DocumentStatus string

const (
	DocumentPending    DocumentStatus = "pending"
	DocumentExtracting DocumentStatus = "extracting"
	DocumentAnalyzing  DocumentStatus = "analyzing"
	DocumentCompleted  DocumentStatus = "completed"
	DocumentFailed     DocumentStatus = "failed"
)

type PaperStatus string

const (
	PaperGenerating PaperStatus = "generating"
	PaperCompleted  PaperStatus = "completed"
	PaperFailed     PaperStatus = "failed"
)

// FileKind is the format of an uploaded document.
type FileKind string

const (
	KindPDF  FileKind = "pdf"
	KindDOCX FileKind = "docx"
	KindJPG  FileKind = "jpg"
	KindJPEG FileKind = "jpeg"
	KindPNG  FileKind = "png"
)

// QuestionTypes, Difficulties and BloomLevels enumerate the values the
// analysis contract is allowed to emit.
var (
	QuestionTypes = []string{"mcq", "short_answer", "long_answer", "fill_blank", "true_false"}
	Difficulties  = []string{"easy", "medium", "hard"}
	BloomLevels   = []string{"Remember", "Understand", "Apply", "Analyze", "Evaluate", "Create"}
)

type PreferenceCategory string

const (
	CategoryFormatting PreferenceCategory = "formatting"
	CategoryContent    PreferenceCategory = "content"
	CategoryStyle      PreferenceCategory = "style"
	CategoryStructure  PreferenceCategory = "structure"
	CategoryGeneral    PreferenceCategory = "general"
)

// Document is an uploaded exam paper moving through the ingestion pipeline.
type Document struct {
	ID               string         `json:"id"`
	OwnerID          string         `json:"ownerId"`
	OriginalFilename string         `json:"originalFilename"`
	StorageKey       string         `json:"-"`
	Kind             FileKind       `json:"kind"`
	Board            string         `json:"board,omitempty"`
	GradeLevel       string         `json:"gradeLevel,omitempty"`
	Subject          string         `json:"subject,omitempty"`
	Status           DocumentStatus `json:"status"`
	ExtractedText    string         `json:"-"`
	Topics           []string       `json:"topics,omitempty"`
	ErrorMessage     string         `json:"errorMessage,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

// Question is one structured record extracted from a document. Immutable
// once written; the whole batch for a document is replaced atomically.
type Question struct {
	ID            string    `json:"id"`
	DocumentID    string    `json:"documentId"`
	OwnerID       string    `json:"ownerId"`
	Text          string    `json:"text"`
	Answer        string    `json:"answer,omitempty"`
	Type          string    `json:"type"`
	Difficulty    string    `json:"difficulty"`
	Board         string    `json:"board,omitempty"`
	GradeLevel    string    `json:"gradeLevel,omitempty"`
	Subject       string    `json:"subject,omitempty"`
	Topic         string    `json:"topic,omitempty"`
	Marks         *float64  `json:"marks,omitempty"`
	Options       []string  `json:"options,omitempty"`
	CorrectOption string    `json:"correctOption,omitempty"`
	BloomLevel    string    `json:"bloomLevel,omitempty"`
	OrderInDoc    int       `json:"orderInDocument"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Paper is an AI-generated exam paper. Content and answer key hold the
// latest fully-formed version, never a diff.
type Paper struct {
	ID              string         `json:"id"`
	OwnerID         string         `json:"ownerId"`
	Title           string         `json:"title"`
	Status          PaperStatus    `json:"status"`
	Board           string         `json:"board,omitempty"`
	GradeLevel      string         `json:"gradeLevel,omitempty"`
	Subject         string         `json:"subject,omitempty"`
	Topics          []string       `json:"topics,omitempty"`
	DifficultyMix   map[string]int `json:"difficultyMix,omitempty"`
	TotalMarks      *float64       `json:"totalMarks,omitempty"`
	DurationMinutes int            `json:"durationMinutes,omitempty"`
	ContentMarkdown string         `json:"contentMarkdown,omitempty"`
	AnswerKey       string         `json:"answerKeyMarkdown,omitempty"`
	ErrorMessage    string         `json:"errorMessage,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}

// Turn is one message of a paper's refinement transcript. Append-only,
// ordered by creation time.
type Turn struct {
	ID        string    `json:"id"`
	PaperID   string    `json:"paperId"`
	OwnerID   string    `json:"ownerId"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// Preference is a durable instruction mined from refinement chats and
// reapplied to future generations.
type Preference struct {
	ID            string             `json:"id"`
	OwnerID       string             `json:"ownerId"`
	Category      PreferenceCategory `json:"category"`
	Text          string             `json:"text"`
	SourcePaperID string             `json:"sourcePaperId,omitempty"`
	Active        bool               `json:"active"`
	CreatedAt     time.Time          `json:"createdAt"`
}

// QuestionFilter narrows question-bank listings.
type QuestionFilter struct {
	Board        string
	GradeLevel   string
	Subject      string
	QuestionType string
	Difficulty   string
	Topic        string
	BloomLevel   string
}
