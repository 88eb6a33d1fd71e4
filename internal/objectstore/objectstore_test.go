package objectstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/fastflow/core/internal/resilience"
)

func TestUploadFileSkipsMissingLocalFile(t *testing.T) {
	b := &Backup{cb: resilience.New(resilience.DefaultConfig())}
	err := b.uploadFile(context.Background(), "run-1", filepath.Join(t.TempDir(), "does-not-exist.log"))
	if err != nil {
		t.Fatalf("expected nil error for a missing file, got %v", err)
	}
}

func TestUploadItemSkipsEmptyPaths(t *testing.T) {
	b := &Backup{cb: resilience.New(resilience.DefaultConfig())}
	ok := b.uploadItem(context.Background(), Item{RunID: "run-1"})
	if !ok {
		t.Fatalf("expected an item with no paths to be treated as trivially uploaded")
	}
}
