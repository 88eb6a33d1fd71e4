// Package preheat materialises a pipeline's Python environment into the
// shared interpreter/package caches before any run needs it, so a run's
// container never resolves or downloads packages on its hot path.
package preheat

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/fastflow/core/internal/logging"
)

// PipelineStore is the subset of the repository interface preheat needs.
type PipelineStore interface {
	SetLastCacheWarmup(ctx context.Context, name string) error
}

// Preheater serialises pre-heat runs per pipeline name; different
// pipelines warm in parallel.
type Preheater struct {
	logger     *logging.Logger
	store      PipelineStore
	uvPath     string
	appPathOverride string // non-empty only in tests, to avoid touching the real /app

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New builds a Preheater. uvPath is the path to the package-manager binary
// (defaults to "uv" on PATH when empty).
func New(logger *logging.Logger, store PipelineStore, uvPath string) *Preheater {
	if uvPath == "" {
		uvPath = "uv"
	}
	return &Preheater{logger: logger, store: store, uvPath: uvPath, locks: make(map[string]*sync.Mutex)}
}

func (p *Preheater) fixedAppPath() string {
	if p.appPathOverride != "" {
		return p.appPathOverride
	}
	return "/app"
}

func (p *Preheater) lockFor(name string) *sync.Mutex {
	p.locksMu.Lock()
	defer p.locksMu.Unlock()
	l, ok := p.locks[name]
	if !ok {
		l = &sync.Mutex{}
		p.locks[name] = l
	}
	return l
}

// Preheat ensures pipelineDir's interpreter and dependency lock file are
// materialised in the shared caches, returning a UI-facing message.
func (p *Preheater) Preheat(ctx context.Context, name, pipelineDir, pythonVersion string) (ok bool, message string) {
	lock := p.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	log := p.logger.WithContext(ctx).WithField("pipeline", name)

	if err := p.ensureInterpreter(ctx, pythonVersion); err != nil {
		log.WithField("error", err).Warn("preheat: interpreter install failed, continuing")
	}

	reqPath := filepath.Join(pipelineDir, "requirements.txt")
	if _, err := os.Stat(reqPath); err != nil {
		return false, fmt.Sprintf("requirements.txt not found in %s", pipelineDir)
	}

	lockPath := reqPath + ".lock"
	if err := p.compileLock(ctx, reqPath, lockPath); err != nil {
		return false, fmt.Sprintf("failed to compile lock file: %v", err)
	}

	appPath, cleanup, err := ensureAppSymlink(pipelineDir, p.fixedAppPath())
	if err != nil {
		return false, fmt.Sprintf("failed to stage pipeline directory: %v", err)
	}
	defer cleanup()

	absLock := filepath.Join(appPath, "requirements.txt.lock")
	if err := p.materialiseEnv(ctx, pythonVersion, absLock); err != nil {
		return false, fmt.Sprintf("failed to materialise environment: %v", err)
	}

	if err := p.store.SetLastCacheWarmup(ctx, name); err != nil {
		log.WithField("error", err).Warn("preheat: succeeded but failed to persist last_cache_warmup")
	}
	return true, "ok"
}

func (p *Preheater) ensureInterpreter(ctx context.Context, pythonVersion string) error {
	return p.run(ctx, "python", "install", pythonVersion)
}

func (p *Preheater) compileLock(ctx context.Context, reqPath, lockPath string) error {
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, p.uvPath, "pip", "compile", reqPath, "-o", lockPath)
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("uv pip compile: %w: %s", err, out.String())
	}
	return nil
}

func (p *Preheater) materialiseEnv(ctx context.Context, pythonVersion, absLockPath string) error {
	return p.run(ctx, "run", "--python", pythonVersion, "--with-requirements", absLockPath, "--", "true")
}

func (p *Preheater) run(ctx context.Context, args ...string) error {
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, p.uvPath, args...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s %v: %w: %s", p.uvPath, args, err, out.String())
	}
	return nil
}

// ensureAppSymlink guarantees the pipeline directory is reachable at
// fixedAppPath, the path the package manager derives its cache key from. If
// pipelineDir is already fixedAppPath, cleanup is a no-op.
func ensureAppSymlink(pipelineDir, fixedAppPath string) (appPath string, cleanup func(), err error) {
	if pipelineDir == fixedAppPath {
		return fixedAppPath, func() {}, nil
	}
	if _, err := os.Lstat(fixedAppPath); err == nil {
		return fixedAppPath, func() {}, nil
	}

	if err := os.Symlink(pipelineDir, fixedAppPath); err != nil {
		return "", nil, fmt.Errorf("symlink %s -> %s: %w", fixedAppPath, pipelineDir, err)
	}
	return fixedAppPath, func() { _ = os.Remove(fixedAppPath) }, nil
}
