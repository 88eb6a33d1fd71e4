package discovery

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fastflow/core/internal/logging"
	"github.com/fastflow/core/internal/model"
)

func writePipeline(t *testing.T, root, name string, meta map[string]any, entryFile string) {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if meta != nil {
		raw, err := json.Marshal(meta)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if err := os.WriteFile(filepath.Join(dir, "pipeline.json"), raw, 0o644); err != nil {
			t.Fatalf("write metadata: %v", err)
		}
	}
	if entryFile != "" {
		if err := os.WriteFile(filepath.Join(dir, entryFile), []byte("# entry"), 0o644); err != nil {
			t.Fatalf("write entry: %v", err)
		}
	}
}

func testLogger() *logging.Logger {
	return logging.New("test", "error", "text")
}

func TestDiscoverExcludesMissingEntryFile(t *testing.T) {
	root := t.TempDir()
	writePipeline(t, root, "has-entry", map[string]any{"type": "script"}, "main.py")
	writePipeline(t, root, "no-entry", map[string]any{"type": "script"}, "")

	d := New(root, time.Minute, testLogger())
	found, err := d.Discover(false)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(found) != 1 || found[0].Name != "has-entry" {
		t.Fatalf("unexpected result: %+v", found)
	}
}

func TestDiscoverExcludesHiddenDirectories(t *testing.T) {
	root := t.TempDir()
	writePipeline(t, root, ".hidden", map[string]any{"type": "script"}, "main.py")

	d := New(root, time.Minute, testLogger())
	found, err := d.Discover(false)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(found) != 0 {
		t.Fatalf("expected hidden dir excluded, got %+v", found)
	}
}

func TestMalformedMetadataAppliesDefaultsWithWarning(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "broken")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "pipeline.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "main.py"), []byte("# entry"), 0o644); err != nil {
		t.Fatalf("write entry: %v", err)
	}

	d := New(root, time.Minute, testLogger())
	found, err := d.Discover(false)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(found) != 1 || found[0].Warning == "" {
		t.Fatalf("expected a warning with defaults applied, got %+v", found)
	}
	if found[0].Metadata.Type != model.EntryScript {
		t.Fatalf("expected default script type, got %v", found[0].Metadata.Type)
	}
}

func TestDownstreamTriggersNormalised(t *testing.T) {
	root := t.TempDir()
	writePipeline(t, root, "p", map[string]any{
		"type": "script",
		"downstream_triggers": []map[string]any{
			{"downstream_pipeline": "  next  "},
			{"downstream_pipeline": ""},
		},
	}, "main.py")

	d := New(root, time.Minute, testLogger())
	p, err := d.Get("p")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p == nil {
		t.Fatalf("expected pipeline to be found")
	}
	if len(p.Metadata.DownstreamTriggers) != 1 {
		t.Fatalf("expected one normalised trigger, got %+v", p.Metadata.DownstreamTriggers)
	}
	trig := p.Metadata.DownstreamTriggers[0]
	if trig.DownstreamPipeline != "next" || !trig.OnSuccess || trig.OnFailure {
		t.Fatalf("unexpected trigger: %+v", trig)
	}
}

func TestSetEnabledPersistsAndInvalidates(t *testing.T) {
	root := t.TempDir()
	writePipeline(t, root, "p", map[string]any{"type": "script", "enabled": true}, "main.py")

	d := New(root, time.Minute, testLogger())
	if _, err := d.Discover(false); err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if err := d.SetEnabled("p", false); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}

	p, err := d.Get("p")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p.Metadata.Enabled {
		t.Fatalf("expected enabled=false after SetEnabled")
	}
}
