package ai

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// ErrMalformedOutput reports a model response that is either not valid JSON
// or JSON of the wrong top-level shape. Callers treat both alike; logs tell
// them apart.
var ErrMalformedOutput = errors.New("malformed model output")

// Defaults applied to partial question records.
const (
	DefaultQuestionType = "short_answer"
	DefaultDifficulty   = "medium"
)

// QuestionRecord is one question extracted by the analysis prompt. Absent
// fields are zero values; Type and Difficulty are always populated.
type QuestionRecord struct {
	Text          string
	Answer        string
	Type          string
	Difficulty    string
	Topic         string
	Marks         *float64
	Options       []string
	CorrectOption string
	BloomLevel    string
}

// LearningRecord is one durable preference mined from a refinement chat.
type LearningRecord struct {
	Category string
	Learning string
}

// Truncate keeps the first max runes of s. Deterministic input bounding for
// prompt substitution.
func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

// StripFences removes a leading markdown code fence line and, when present,
// the trailing closing fence. Text without a leading fence is returned
// unchanged. Idempotent: the result never begins with a fence marker.
func StripFences(raw string) string {
	candidate := raw
	for {
		next := stripFenceOnce(candidate)
		if next == candidate {
			return candidate
		}
		candidate = next
	}
}

func stripFenceOnce(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "```") {
		return raw
	}
	lines := strings.Split(trimmed, "\n")
	lines = lines[1:]
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	if len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "```" {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}

// ParseQuestionRecords parses a model response expected to encode a JSON
// array of question objects. Partial records are tolerated; only envelope
// violations fail.
func ParseQuestionRecords(candidate string) ([]QuestionRecord, error) {
	items, err := parseJSONArray(candidate)
	if err != nil {
		return nil, err
	}
	records := make([]QuestionRecord, 0, len(items))
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			// Non-object elements carry nothing usable; skip them.
			continue
		}
		record := QuestionRecord{
			Text:          stringField(obj, "question_text"),
			Answer:        stringField(obj, "answer_text"),
			Type:          stringField(obj, "question_type"),
			Difficulty:    stringField(obj, "difficulty"),
			Topic:         stringField(obj, "topic"),
			Marks:         numberField(obj, "marks"),
			Options:       stringSliceField(obj, "options"),
			CorrectOption: stringField(obj, "correct_option"),
			BloomLevel:    stringField(obj, "bloom_level"),
		}
		if record.Type == "" {
			record.Type = DefaultQuestionType
		}
		if record.Difficulty == "" {
			record.Difficulty = DefaultDifficulty
		}
		records = append(records, record)
	}
	return records, nil
}

// ParseLearningRecords parses a model response expected to encode a JSON
// array of {category, learning} objects.
func ParseLearningRecords(candidate string) ([]LearningRecord, error) {
	items, err := parseJSONArray(candidate)
	if err != nil {
		return nil, err
	}
	records := make([]LearningRecord, 0, len(items))
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		records = append(records, LearningRecord{
			Category: stringField(obj, "category"),
			Learning: stringField(obj, "learning"),
		})
	}
	return records, nil
}

func parseJSONArray(candidate string) ([]any, error) {
	var value any
	if err := json.Unmarshal([]byte(strings.TrimSpace(candidate)), &value); err != nil {
		slog.Error("model response is not valid JSON", "snippet", Truncate(candidate, 500))
		return nil, fmt.Errorf("%w: response is not valid JSON", ErrMalformedOutput)
	}
	items, ok := value.([]any)
	if !ok {
		slog.Error("model response is JSON but not an array", "snippet", Truncate(candidate, 500))
		return nil, fmt.Errorf("%w: top-level value is not an array", ErrMalformedOutput)
	}
	return items, nil
}

func stringField(obj map[string]any, key string) string {
	switch v := obj[key].(type) {
	case string:
		return strings.TrimSpace(v)
	default:
		return ""
	}
}

func numberField(obj map[string]any, key string) *float64 {
	switch v := obj[key].(type) {
	case float64:
		return &v
	default:
		return nil
	}
}

func stringSliceField(obj map[string]any, key string) []string {
	raw, ok := obj[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
