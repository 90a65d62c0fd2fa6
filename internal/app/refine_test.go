package app

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"examforge/pkg/domain"
)

func seedCompletedPaper(t *testing.T, env *testEnv) domain.Paper {
	t.Helper()
	paper := domain.Paper{
		ID:              "paper-1",
		OwnerID:         "owner-1",
		Title:           "Algebra Test",
		Status:          domain.PaperCompleted,
		ContentMarkdown: "# Algebra Test\n1. Solve x+1=2.",
		AnswerKey:       "# Key\n1. x=1",
		CreatedAt:       time.Now().UTC(),
	}
	if err := env.store.CreatePaper(paper); err != nil {
		t.Fatalf("seed paper: %v", err)
	}
	return paper
}

func TestRefineAppliesMarkerReply(t *testing.T) {
	env := newTestEnv(t)
	paper := seedCompletedPaper(t, env)
	env.gen.chatReply = "# Algebra Test v2\n1. Solve x+2=4.\n===ANSWER_KEY===\n# Key v2\n1. x=2"

	got, turns, err := env.app.RefinePaper(context.Background(), paper.ID, paper.OwnerID, "Make question 1 harder")
	if err != nil {
		t.Fatalf("refine: %v", err)
	}
	if got.ContentMarkdown != "# Algebra Test v2\n1. Solve x+2=4." {
		t.Fatalf("content = %q", got.ContentMarkdown)
	}
	if got.AnswerKey != "# Key v2\n1. x=2" {
		t.Fatalf("answerKey = %q", got.AnswerKey)
	}
	if len(turns) != 2 {
		t.Fatalf("turns = %d, want user + assistant", len(turns))
	}
	if turns[0].Role != "user" || turns[1].Role != "assistant" {
		t.Fatalf("roles = %q, %q", turns[0].Role, turns[1].Role)
	}
}

func TestRefineInformationalReplyLeavesContent(t *testing.T) {
	env := newTestEnv(t)
	paper := seedCompletedPaper(t, env)
	env.gen.chatReply = "Question 1 tests basic linear equations at an easy level."

	got, turns, err := env.app.RefinePaper(context.Background(), paper.ID, paper.OwnerID, "What does question 1 test?")
	if err != nil {
		t.Fatalf("refine: %v", err)
	}
	if got.ContentMarkdown != paper.ContentMarkdown {
		t.Fatalf("content changed: %q", got.ContentMarkdown)
	}
	if got.AnswerKey != paper.AnswerKey {
		t.Fatalf("answerKey changed: %q", got.AnswerKey)
	}
	if len(turns) != 2 {
		t.Fatalf("turns = %d, want 2", len(turns))
	}
}

func TestRefineSystemContextEmbedsCurrentPaper(t *testing.T) {
	env := newTestEnv(t)
	paper := seedCompletedPaper(t, env)
	pref := domain.Preference{ID: "p1", OwnerID: "owner-1", Category: domain.CategoryStructure, Text: "Group questions by topic", Active: true}
	if err := env.store.CreatePreference(pref); err != nil {
		t.Fatalf("seed preference: %v", err)
	}
	env.gen.chatReply = "ok"

	if _, _, err := env.app.RefinePaper(context.Background(), paper.ID, paper.OwnerID, "hello"); err != nil {
		t.Fatalf("refine: %v", err)
	}

	system := env.gen.lastSystem
	if !strings.Contains(system, paper.ContentMarkdown) {
		t.Fatal("system context missing current content")
	}
	if !strings.Contains(system, paper.AnswerKey) {
		t.Fatal("system context missing current answer key")
	}
	if !strings.Contains(system, "Group questions by topic") {
		t.Fatal("system context missing learned preferences")
	}
	if len(env.gen.lastHistory) != 1 || env.gen.lastHistory[0].Content != "hello" {
		t.Fatalf("history = %+v, want the appended user turn", env.gen.lastHistory)
	}
}

func TestRefineUnknownPaper(t *testing.T) {
	env := newTestEnv(t)
	if _, _, err := env.app.RefinePaper(context.Background(), "missing", "owner-1", "hi"); !errors.Is(err, ErrPaperNotFound) {
		t.Fatalf("err = %v, want ErrPaperNotFound", err)
	}
	paper := seedCompletedPaper(t, env)
	if _, _, err := env.app.RefinePaper(context.Background(), paper.ID, "intruder", "hi"); !errors.Is(err, ErrPaperNotFound) {
		t.Fatalf("err = %v, want ErrPaperNotFound", err)
	}
}

func TestRefineThirdUserTurnSchedulesLearner(t *testing.T) {
	env := newTestEnv(t)
	paper := seedCompletedPaper(t, env)
	env.gen.chatReply = "ok"
	env.gen.textReply = `[{"category":"style","learning":"Keep question wording short"}]`

	for i := 0; i < 3; i++ {
		if _, _, err := env.app.RefinePaper(context.Background(), paper.ID, paper.OwnerID, "turn"); err != nil {
			t.Fatalf("refine %d: %v", i, err)
		}
	}

	// The learner runs in a goroutine; poll briefly for its result.
	deadline := time.Now().Add(2 * time.Second)
	for {
		prefs, err := env.store.ListActivePreferences(paper.OwnerID, 0)
		if err != nil {
			t.Fatalf("list preferences: %v", err)
		}
		if len(prefs) == 1 {
			if prefs[0].Text != "Keep question wording short" {
				t.Fatalf("preference = %q", prefs[0].Text)
			}
			if prefs[0].SourcePaperID != paper.ID {
				t.Fatalf("sourcePaperId = %q", prefs[0].SourcePaperID)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("learner never persisted a preference, have %d", len(prefs))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRefineSecondTurnDoesNotScheduleLearner(t *testing.T) {
	env := newTestEnv(t)
	paper := seedCompletedPaper(t, env)
	env.gen.chatReply = "ok"

	for i := 0; i < 2; i++ {
		if _, _, err := env.app.RefinePaper(context.Background(), paper.ID, paper.OwnerID, "turn"); err != nil {
			t.Fatalf("refine %d: %v", i, err)
		}
	}
	time.Sleep(50 * time.Millisecond)
	text, _ := env.gen.calls()
	if text != 0 {
		t.Fatalf("learner model calls = %d, want 0 before the third user turn", text)
	}
}
