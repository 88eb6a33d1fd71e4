package preheat

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestEnsureAppSymlinkCreatesAndRemoves(t *testing.T) {
	root := t.TempDir()
	pipelineDir := filepath.Join(root, "pipeline")
	if err := os.MkdirAll(pipelineDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	fixedApp := filepath.Join(root, "app")

	appPath, cleanup, err := ensureAppSymlink(pipelineDir, fixedApp)
	if err != nil {
		t.Fatalf("ensureAppSymlink: %v", err)
	}
	if appPath != fixedApp {
		t.Fatalf("got %q, want %q", appPath, fixedApp)
	}
	if _, err := os.Lstat(fixedApp); err != nil {
		t.Fatalf("expected symlink to exist: %v", err)
	}

	cleanup()
	if _, err := os.Lstat(fixedApp); !os.IsNotExist(err) {
		t.Fatalf("expected symlink removed after cleanup, err=%v", err)
	}
}

func TestEnsureAppSymlinkNoopWhenAlreadyFixedPath(t *testing.T) {
	fixedApp := t.TempDir()
	appPath, cleanup, err := ensureAppSymlink(fixedApp, fixedApp)
	if err != nil {
		t.Fatalf("ensureAppSymlink: %v", err)
	}
	if appPath != fixedApp {
		t.Fatalf("got %q", appPath)
	}
	cleanup()
	if _, err := os.Stat(fixedApp); err != nil {
		t.Fatalf("real directory should be untouched: %v", err)
	}
}

func TestLockForReturnsSameMutexForSameName(t *testing.T) {
	p := &Preheater{locks: make(map[string]*sync.Mutex)}
	a := p.lockFor("pipeline-a")
	b := p.lockFor("pipeline-a")
	if a != b {
		t.Fatalf("expected the same mutex for repeated lookups of the same pipeline")
	}
	c := p.lockFor("pipeline-b")
	if a == c {
		t.Fatalf("expected distinct mutexes for distinct pipelines")
	}
}
