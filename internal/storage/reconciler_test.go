package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func writeLocal(t *testing.T, dir, key, content string) {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestReconciler_SweepBackfillsMissing(t *testing.T) {
	dir := t.TempDir()
	backup := newMemStore()
	writeLocal(t, dir, "owner/a.webm", "aaa")
	writeLocal(t, dir, "owner/b.m4a", "bbb")
	// Already backed up: must not be re-uploaded.
	writeLocal(t, dir, "owner/c.webm", "ccc")
	backup.Save(context.Background(), "owner/c.webm", []byte("ccc"), "audio/webm")
	savesBefore := backup.saves

	r := NewReconciler(dir, backup, zerolog.Nop())
	r.sweep()

	if !backup.Exists(context.Background(), "owner/a.webm") {
		t.Error("a.webm not backfilled")
	}
	if !backup.Exists(context.Background(), "owner/b.m4a") {
		t.Error("b.m4a not backfilled")
	}
	if got := backup.saves - savesBefore; got != 2 {
		t.Errorf("backup saves = %d, want 2 (existing object untouched)", got)
	}
}

func TestReconciler_SkipsTempFiles(t *testing.T) {
	dir := t.TempDir()
	backup := newMemStore()
	writeLocal(t, dir, "owner/.audio-123.tmp", "partial")

	r := NewReconciler(dir, backup, zerolog.Nop())
	r.sweep()

	backup.mu.Lock()
	n := len(backup.objects)
	backup.mu.Unlock()
	if n != 0 {
		t.Errorf("backup objects = %d, want 0 (tmp files skipped)", n)
	}
}

func TestCachePruner_RetentionRequiresBackup(t *testing.T) {
	dir := t.TempDir()
	backup := newMemStore()
	writeLocal(t, dir, "owner/old-backed.webm", "x")
	writeLocal(t, dir, "owner/old-unbacked.webm", "y")
	writeLocal(t, dir, "owner/new.webm", "z")
	backup.Save(context.Background(), "owner/old-backed.webm", []byte("x"), "audio/webm")

	old := time.Now().Add(-48 * time.Hour)
	for _, name := range []string{"owner/old-backed.webm", "owner/old-unbacked.webm"} {
		if err := os.Chtimes(filepath.Join(dir, filepath.FromSlash(name)), old, old); err != nil {
			t.Fatal(err)
		}
	}

	p := NewCachePruner(dir, 24*time.Hour, backup, zerolog.Nop())
	p.prune()

	if _, err := os.Stat(filepath.Join(dir, "owner", "old-backed.webm")); !os.IsNotExist(err) {
		t.Error("old backed-up artifact not pruned")
	}
	if _, err := os.Stat(filepath.Join(dir, "owner", "old-unbacked.webm")); err != nil {
		t.Error("artifact missing from backup was pruned")
	}
	if _, err := os.Stat(filepath.Join(dir, "owner", "new.webm")); err != nil {
		t.Error("artifact inside retention window was pruned")
	}
}
