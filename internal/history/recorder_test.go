package history

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/simpleflo/ccswitch/pkg/models"
)

func testRecorder(t *testing.T) *Recorder {
	t.Helper()
	r, err := Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("failed to open history: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestOpen_Health(t *testing.T) {
	r := testRecorder(t)
	if err := r.Health(context.Background()); err != nil {
		t.Errorf("health check failed: %v", err)
	}
}

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")

	r, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := r.Append(context.Background(), &models.HistoryEntry{Operation: models.OpAdd, Actor: "t", ToConfig: "a"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	r.Close()

	r, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer r.Close()

	n, err := r.Count(context.Background())
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 entry after reopen, got %d", n)
	}
}

func TestAppend_FillsFields(t *testing.T) {
	r := testRecorder(t)
	ctx := context.Background()

	entry := &models.HistoryEntry{
		Operation:  models.OpSwitch,
		Actor:      "alice",
		FromConfig: "a",
		ToConfig:   "b",
		Changes: []models.Change{
			{Key: "env.ANTHROPIC_BASE_URL", Old: models.StringPtr("https://x.com"), New: models.StringPtr("https://y.com")},
			{Key: "env.ANTHROPIC_AUTH_TOKEN", New: models.StringPtr("****")},
		},
	}
	if err := r.Append(ctx, entry); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if entry.ID == "" || entry.Seq == 0 || entry.EntryHash == "" {
		t.Errorf("expected id, seq and hash to be set: %+v", entry)
	}
	if entry.PrevHash != "" {
		t.Errorf("first entry should have empty prev_hash, got %q", entry.PrevHash)
	}

	got, err := r.List(ctx, 10, time.Time{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(got))
	}
	e := got[0]
	if e.FromConfig != "a" || e.ToConfig != "b" || e.Actor != "alice" {
		t.Errorf("unexpected entry: %+v", e)
	}
	if len(e.Changes) != 2 || e.Changes[0].Key != "env.ANTHROPIC_BASE_URL" {
		t.Errorf("changes not preserved in order: %+v", e.Changes)
	}
	if e.Changes[1].Old != nil {
		t.Errorf("expected nil old value for added key")
	}
}

func TestAppend_RejectsUnknownOperation(t *testing.T) {
	r := testRecorder(t)
	err := r.Append(context.Background(), &models.HistoryEntry{Operation: "rename"})
	if !models.IsCode(err, models.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestList_NewestFirstWithLimitAndSince(t *testing.T) {
	r := testRecorder(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		e := &models.HistoryEntry{
			Operation: models.OpSwitch,
			Actor:     "t",
			ToConfig:  string(rune('a' + i)),
			Timestamp: base.Add(time.Duration(i) * time.Hour),
		}
		if err := r.Append(ctx, e); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	all, err := r.List(ctx, 0, time.Time{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 5 || all[0].ToConfig != "e" || all[4].ToConfig != "a" {
		t.Errorf("expected newest first, got %v", toConfigs(all))
	}

	page, err := r.List(ctx, 2, time.Time{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(page) != 2 || page[0].ToConfig != "e" || page[1].ToConfig != "d" {
		t.Errorf("unexpected page: %v", toConfigs(page))
	}

	recent, err := r.List(ctx, 0, base.Add(3*time.Hour))
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recent) != 2 {
		t.Errorf("expected 2 entries since hour 3, got %v", toConfigs(recent))
	}
}

func TestTrim_KeepsNewestAndChainVerifies(t *testing.T) {
	r := testRecorder(t)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		if err := r.Append(ctx, &models.HistoryEntry{Operation: models.OpUpdate, Actor: "t", ToConfig: string(rune('a' + i))}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := r.Verify(ctx); err != nil {
		t.Fatalf("Verify before trim: %v", err)
	}

	removed, err := r.Trim(ctx, 4)
	if err != nil {
		t.Fatalf("Trim: %v", err)
	}
	if removed != 2 {
		t.Errorf("expected 2 removed, got %d", removed)
	}

	left, _ := r.List(ctx, 0, time.Time{})
	if len(left) != 4 || left[3].ToConfig != "c" {
		t.Errorf("expected oldest survivors to start at c, got %v", toConfigs(left))
	}
	if err := r.Verify(ctx); err != nil {
		t.Errorf("Verify after trim: %v", err)
	}
}

func TestVerify_DetectsTampering(t *testing.T) {
	r := testRecorder(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := r.Append(ctx, &models.HistoryEntry{Operation: models.OpSwitch, Actor: "t", ToConfig: "x"}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	if _, err := r.store.DB().Exec(`UPDATE history SET to_config = 'forged' WHERE seq = 2`); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	err := r.Verify(ctx)
	if !models.IsCode(err, models.ErrValidation) {
		t.Errorf("expected chain error, got %v", err)
	}
}

func TestAppend_ConcurrentKeepsChain(t *testing.T) {
	r := testRecorder(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.Append(ctx, &models.HistoryEntry{Operation: models.OpSwitch, Actor: "t"}); err != nil {
				t.Errorf("append: %v", err)
			}
		}()
	}
	wg.Wait()

	n, err := r.Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 10 {
		t.Errorf("expected 10 entries, got %d", n)
	}
	if err := r.Verify(ctx); err != nil {
		t.Errorf("Verify: %v", err)
	}
}

func toConfigs(entries []models.HistoryEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ToConfig
	}
	return out
}
