// Package discovery enumerates pipelines from a directory tree, parses and
// normalises their metadata documents, and caches the result behind a TTL.
package discovery

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fastflow/core/internal/logging"
	"github.com/fastflow/core/internal/model"
)

// DiscoveredPipeline is one metadata-bearing directory under the pipelines
// root.
type DiscoveredPipeline struct {
	Name     string
	Dir      string
	Metadata model.PipelineMetadata
	Warning  string // non-empty when metadata was missing or malformed and defaults applied
}

// Discovery scans PipelinesRoot and caches the result for TTL.
type Discovery struct {
	root   string
	ttl    time.Duration
	logger *logging.Logger

	mu        sync.Mutex
	cache     map[string]DiscoveredPipeline
	cachedAt  time.Time
}

// New builds a Discovery rooted at root, caching scans for ttl.
func New(root string, ttl time.Duration, logger *logging.Logger) *Discovery {
	return &Discovery{root: root, ttl: ttl, logger: logger}
}

// Discover returns every discovered pipeline, using the cache unless it has
// expired or forceRefresh is set.
func (d *Discovery) Discover(forceRefresh bool) ([]DiscoveredPipeline, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !forceRefresh && d.cache != nil && time.Since(d.cachedAt) < d.ttl {
		return d.snapshot(), nil
	}
	if err := d.scanLocked(); err != nil {
		return nil, err
	}
	return d.snapshot(), nil
}

// Get returns one discovered pipeline by name, using the cache as Discover
// would.
func (d *Discovery) Get(name string) (*DiscoveredPipeline, error) {
	all, err := d.Discover(false)
	if err != nil {
		return nil, err
	}
	for i := range all {
		if all[i].Name == name {
			p := all[i]
			return &p, nil
		}
	}
	return nil, nil
}

// Invalidate clears the cache; callers do this after every successful git
// sync so the next Discover re-scans from disk.
func (d *Discovery) Invalidate() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cache = nil
}

func (d *Discovery) snapshot() []DiscoveredPipeline {
	out := make([]DiscoveredPipeline, 0, len(d.cache))
	for _, p := range d.cache {
		out = append(out, p)
	}
	return out
}

func (d *Discovery) scanLocked() error {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return fmt.Errorf("discovery: read pipelines root: %w", err)
	}

	found := make(map[string]DiscoveredPipeline)
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		name := entry.Name()
		dir := filepath.Join(d.root, name)

		metadata, warning := loadMetadata(dir, name)

		entryFile := "main.py"
		if metadata.Type == model.EntryNotebook {
			entryFile = "main.ipynb"
		}
		if _, statErr := os.Stat(filepath.Join(dir, entryFile)); statErr != nil {
			continue // missing entry file: excluded from discovery entirely
		}

		if warning != "" {
			d.logger.WithField("pipeline", name).Warn(warning)
		}

		found[name] = DiscoveredPipeline{Name: name, Dir: dir, Metadata: metadata, Warning: warning}
	}

	d.cache = found
	d.cachedAt = time.Now()
	return nil
}

// loadMetadata reads pipeline.json, falling back to "<name>.json"; malformed
// or absent metadata never hides the pipeline, it just applies defaults.
func loadMetadata(dir, name string) (model.PipelineMetadata, string) {
	candidates := []string{"pipeline.json", name + ".json"}

	for _, candidate := range candidates {
		raw, err := os.ReadFile(filepath.Join(dir, candidate))
		if err != nil {
			continue
		}
		var meta model.PipelineMetadata
		if err := json.Unmarshal(raw, &meta); err != nil {
			return defaultMetadata(name), fmt.Sprintf("malformed %s: %v; using defaults", candidate, err)
		}
		meta.Name = name
		normalise(&meta)
		return meta, ""
	}

	return defaultMetadata(name), "no metadata file found; using defaults"
}

func defaultMetadata(name string) model.PipelineMetadata {
	return model.PipelineMetadata{
		Name:          name,
		Type:          model.EntryScript,
		Enabled:       true,
		RetryAttempts: 0,
	}
}

var validTypes = map[model.EntryType]bool{model.EntryScript: true, model.EntryNotebook: true}

func normalise(meta *model.PipelineMetadata) {
	if !validTypes[meta.Type] {
		meta.Type = model.EntryScript
	}
	meta.Description = emptyToNil(meta.Description)
	meta.WebhookKey = emptyToNil(meta.WebhookKey)
	meta.ScheduleCron = emptyToNil(meta.ScheduleCron)

	normalised := make([]model.DownstreamTriggerSpec, 0, len(meta.DownstreamTriggers))
	for _, t := range meta.DownstreamTriggers {
		name := strings.TrimSpace(t.DownstreamPipeline)
		if name == "" {
			continue
		}
		t.DownstreamPipeline = name
		if !t.OnSuccess && !t.OnFailure {
			t.OnSuccess = true
		}
		normalised = append(normalised, t)
	}
	meta.DownstreamTriggers = normalised
}

func emptyToNil(s *string) *string {
	if s == nil {
		return nil
	}
	if strings.TrimSpace(*s) == "" {
		return nil
	}
	return s
}

// SetEnabled atomically updates enabled on the pipeline's on-disk metadata
// file and invalidates the cache.
func (d *Discovery) SetEnabled(name string, enabled bool) error {
	return d.mutateMetadata(name, func(meta *model.PipelineMetadata) {
		meta.Enabled = enabled
	})
}

// SetWebhookKey atomically sets or clears the webhook key.
func (d *Discovery) SetWebhookKey(name string, key *string) error {
	return d.mutateMetadata(name, func(meta *model.PipelineMetadata) {
		meta.WebhookKey = emptyToNil(key)
	})
}

func (d *Discovery) mutateMetadata(name string, mutate func(*model.PipelineMetadata)) error {
	p, err := d.Get(name)
	if err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("discovery: unknown pipeline %q", name)
	}

	mutate(&p.Metadata)

	raw, err := json.MarshalIndent(p.Metadata, "", "  ")
	if err != nil {
		return fmt.Errorf("discovery: marshal metadata: %w", err)
	}

	path := filepath.Join(p.Dir, "pipeline.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("discovery: write temp metadata: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("discovery: rename metadata into place: %w", err)
	}

	d.Invalidate()
	return nil
}
