package snapshot

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestRecordAndHistory(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)

	first := Content{
		Title:       "Portfolio",
		Slug:        "portfolio",
		Description: "My work",
		Blocks:      json.RawMessage(`[{"kind":"text","content":"Hi"}]`),
	}
	commit, err := svc.Record("proj-1", first, "Ada", "Publish portfolio")
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if commit.Hash == "" {
		t.Fatal("expected commit hash")
	}
	if _, err := os.Stat(filepath.Join(tempDir, "proj-1")); err != nil {
		t.Fatalf("repo directory missing: %v", err)
	}

	second := first
	second.Title = "Portfolio v2"
	if _, err := svc.Record("proj-1", second, "Ada", "Publish again"); err != nil {
		t.Fatalf("Record() second publish error = %v", err)
	}

	history, err := svc.History("proj-1", 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(history))
	}
	if history[0].Message != "Publish again" {
		t.Errorf("history not newest-first: %+v", history[0])
	}

	restored, err := svc.ContentAt("proj-1", commit.Hash)
	if err != nil {
		t.Fatalf("ContentAt() error = %v", err)
	}
	if restored.Title != "Portfolio" {
		t.Errorf("unexpected restored content: %+v", restored)
	}
	if len(restored.Blocks) == 0 {
		t.Error("expected persisted blocks JSON")
	}
}

func TestHistoryForUnknownProjectIsEmpty(t *testing.T) {
	svc := New(t.TempDir())
	history, err := svc.History("nope", 5)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("expected empty history, got %d", len(history))
	}
}

func TestConcurrentPublishesSameProject(t *testing.T) {
	svc := New(t.TempDir())

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			content := Content{Title: "Race", Slug: "race"}
			if _, err := svc.Record("proj-race", content, "Ada", "Publish"); err != nil {
				t.Errorf("Record() error = %v", err)
			}
		}()
	}
	wg.Wait()

	history, err := svc.History("proj-race", 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 4 {
		t.Fatalf("expected 4 commits, got %d", len(history))
	}
}
