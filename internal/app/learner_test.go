package app

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"examforge/pkg/domain"
)

func seedTurns(t *testing.T, env *testEnv, paperID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		turn := domain.Turn{
			ID:        fmt.Sprintf("turn-%d", i),
			PaperID:   paperID,
			OwnerID:   "owner-1",
			Role:      role,
			Content:   fmt.Sprintf("turn %d", i),
			CreatedAt: time.Now().UTC(),
		}
		if err := env.store.AppendTurn(turn); err != nil {
			t.Fatalf("seed turn: %v", err)
		}
	}
}

func TestLearnPreferencesDedupesAgainstActiveRows(t *testing.T) {
	env := newTestEnv(t)
	seedTurns(t, env, "paper-1", 4)
	existing := domain.Preference{
		ID: "pref-1", OwnerID: "owner-1",
		Category: domain.CategoryFormatting,
		Text:     "Always bold headers",
		Active:   true,
	}
	if err := env.store.CreatePreference(existing); err != nil {
		t.Fatalf("seed preference: %v", err)
	}
	env.gen.textReply = `[
		{"category":"formatting","learning":"always   bold headers "},
		{"category":"content","learning":"Include more word problems"}
	]`

	if err := env.app.LearnPreferences(context.Background(), "paper-1", "owner-1"); err != nil {
		t.Fatalf("learn: %v", err)
	}

	prefs, err := env.store.ListActivePreferences("owner-1", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(prefs) != 2 {
		t.Fatalf("preferences = %d, want existing + one new", len(prefs))
	}
	texts := make(map[string]bool, len(prefs))
	for _, p := range prefs {
		texts[p.Text] = true
	}
	if !texts["Always bold headers"] || !texts["Include more word problems"] {
		t.Fatalf("unexpected preference texts: %v", texts)
	}
}

func TestLearnPreferencesDedupesWithinBatch(t *testing.T) {
	env := newTestEnv(t)
	seedTurns(t, env, "paper-1", 2)
	env.gen.textReply = `[
		{"category":"style","learning":"Use simple language"},
		{"category":"style","learning":"USE  SIMPLE  LANGUAGE"}
	]`

	if err := env.app.LearnPreferences(context.Background(), "paper-1", "owner-1"); err != nil {
		t.Fatalf("learn: %v", err)
	}
	prefs, err := env.store.ListActivePreferences("owner-1", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(prefs) != 1 {
		t.Fatalf("preferences = %d, want batch duplicate dropped", len(prefs))
	}
}

func TestLearnPreferencesShortTranscriptNoop(t *testing.T) {
	env := newTestEnv(t)
	seedTurns(t, env, "paper-1", 1)

	if err := env.app.LearnPreferences(context.Background(), "paper-1", "owner-1"); err != nil {
		t.Fatalf("learn: %v", err)
	}
	text, _ := env.gen.calls()
	if text != 0 {
		t.Fatalf("model calls = %d, want none below the turn threshold", text)
	}
}

func TestLearnPreferencesCapsBatchSize(t *testing.T) {
	env := newTestEnv(t)
	seedTurns(t, env, "paper-1", 2)
	var items []string
	for i := 0; i < 8; i++ {
		items = append(items, fmt.Sprintf(`{"category":"general","learning":"Rule number %d"}`, i))
	}
	env.gen.textReply = "[" + strings.Join(items, ",") + "]"

	if err := env.app.LearnPreferences(context.Background(), "paper-1", "owner-1"); err != nil {
		t.Fatalf("learn: %v", err)
	}
	prefs, err := env.store.ListActivePreferences("owner-1", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(prefs) != 5 {
		t.Fatalf("preferences = %d, want batch capped at 5", len(prefs))
	}
}

func TestLearnPreferencesNormalizesUnknownCategory(t *testing.T) {
	env := newTestEnv(t)
	seedTurns(t, env, "paper-1", 2)
	env.gen.textReply = `[{"category":"typography","learning":"Use a serif font"}]`

	if err := env.app.LearnPreferences(context.Background(), "paper-1", "owner-1"); err != nil {
		t.Fatalf("learn: %v", err)
	}
	prefs, err := env.store.ListActivePreferences("owner-1", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(prefs) != 1 || prefs[0].Category != domain.CategoryGeneral {
		t.Fatalf("prefs = %+v, want one general entry", prefs)
	}
}

func TestLearnPreferencesParseFailure(t *testing.T) {
	env := newTestEnv(t)
	seedTurns(t, env, "paper-1", 2)
	env.gen.textReply = `{"not":"an array"}`

	if err := env.app.LearnPreferences(context.Background(), "paper-1", "owner-1"); err == nil {
		t.Fatal("expected parse error")
	}
	prefs, err := env.store.ListActivePreferences("owner-1", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(prefs) != 0 {
		t.Fatalf("preferences = %d, want none persisted on parse failure", len(prefs))
	}
}

func TestLearnPreferencesPromptMentionsExisting(t *testing.T) {
	env := newTestEnv(t)
	seedTurns(t, env, "paper-1", 2)
	if err := env.store.CreatePreference(domain.Preference{
		ID: "pref-1", OwnerID: "owner-1",
		Category: domain.CategoryStructure,
		Text:     "Put hard questions last",
		Active:   true,
	}); err != nil {
		t.Fatalf("seed preference: %v", err)
	}
	env.gen.textReply = `[]`

	if err := env.app.LearnPreferences(context.Background(), "paper-1", "owner-1"); err != nil {
		t.Fatalf("learn: %v", err)
	}
	if !strings.Contains(env.gen.lastPrompt, "Put hard questions last") {
		t.Fatal("prompt missing existing preferences block")
	}
	if !strings.Contains(env.gen.lastPrompt, "[user] turn 0") {
		t.Fatal("prompt missing transcript")
	}
}
