package policyrepo

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestPolicyLifecycle(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)

	first, err := svc.CommitPolicy("org-1", "pol-1", Content{Title: "Meeting rules", Body: "Start on time."}, "Avery Stone", "Create policy")
	if err != nil {
		t.Fatalf("CommitPolicy() error = %v", err)
	}
	if first.Hash == "" || first.Author != "Avery Stone" {
		t.Fatalf("unexpected commit: %+v", first)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "org-1", "policies", "pol-1.md")); err != nil {
		t.Fatalf("policy file missing: %v", err)
	}

	second, err := svc.CommitPolicy("org-1", "pol-1", Content{Title: "Meeting rules", Body: "Start on time.\n\nEnd on time."}, "Avery Stone", "Add ending rule")
	if err != nil {
		t.Fatalf("CommitPolicy() second error = %v", err)
	}

	history, err := svc.History("org-1", "pol-1", 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(history))
	}
	if history[0].Hash != second.Hash || history[0].Message != "Add ending rule" {
		t.Fatalf("expected newest commit first, got %+v", history[0])
	}

	old, err := svc.ContentAt("org-1", "pol-1", first.Hash)
	if err != nil {
		t.Fatalf("ContentAt() error = %v", err)
	}
	if old.Title != "Meeting rules" || old.Body != "Start on time." {
		t.Fatalf("unexpected content at first commit: %+v", old)
	}
}

func TestCommitPolicyUnchanged(t *testing.T) {
	svc := New(t.TempDir())
	content := Content{Title: "Rules", Body: "Be kind."}
	if _, err := svc.CommitPolicy("org-1", "pol-1", content, "Avery", "Create"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.CommitPolicy("org-1", "pol-1", content, "Avery", "Again"); !errors.Is(err, ErrNoChanges) {
		t.Fatalf("expected ErrNoChanges, got %v", err)
	}
}

func TestHistoryIsPerPolicy(t *testing.T) {
	svc := New(t.TempDir())
	if _, err := svc.CommitPolicy("org-1", "pol-a", Content{Title: "A", Body: "a"}, "Avery", "A"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.CommitPolicy("org-1", "pol-b", Content{Title: "B", Body: "b"}, "Avery", "B"); err != nil {
		t.Fatal(err)
	}
	history, err := svc.History("org-1", "pol-a", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].Message != "A" {
		t.Fatalf("unexpected history for pol-a: %+v", history)
	}
}

func TestRejectsUnknownRepoAndBadIDs(t *testing.T) {
	svc := New(t.TempDir())
	if _, err := svc.History("missing", "pol-1", 10); !errors.Is(err, ErrRepoNotFound) {
		t.Fatalf("expected ErrRepoNotFound, got %v", err)
	}
	if _, err := svc.CommitPolicy("org-1", "../escape", Content{Title: "x"}, "Avery", "x"); !errors.Is(err, ErrInvalidID) {
		t.Fatalf("expected ErrInvalidID, got %v", err)
	}
}

func TestConcurrentCommitsSameOrg(t *testing.T) {
	svc := New(t.TempDir())

	const writers = 8
	var wg sync.WaitGroup
	errCh := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			policyID := fmt.Sprintf("pol-%02d", idx)
			if _, err := svc.CommitPolicy("org-1", policyID, Content{Title: policyID, Body: "body"}, "Avery", "Create "+policyID); err != nil {
				errCh <- err
			}
		}(i)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("CommitPolicy() concurrent error = %v", err)
	}

	for i := 0; i < writers; i++ {
		history, err := svc.History("org-1", fmt.Sprintf("pol-%02d", i), 0)
		if err != nil || len(history) != 1 {
			t.Fatalf("history for pol-%02d = %d, %v", i, len(history), err)
		}
	}
}

func TestParseMarkdownRoundTrip(t *testing.T) {
	in := Content{Title: "Consent", Body: "Line one\n\nLine two"}
	out := parseMarkdown(renderMarkdown(in))
	if out != in {
		t.Fatalf("round trip mismatch: %+v", out)
	}
}
