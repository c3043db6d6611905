package sortera

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	c, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	want := DefaultConfig()
	if c.Prompt != want.Prompt || c.Metadata != want.Metadata || c.Curation != want.Curation || c.Backend != want.Backend {
		t.Errorf("LoadConfig(\"\") = %+v, want %+v", c, want)
	}
	if len(c.Extensions) != len(DefaultExtensions) {
		t.Errorf("extensions = %v", c.Extensions)
	}
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sortera.yaml")
	file := `
backend:
  kind: gemini
  api_key: from-file
curation:
  top_fraction: 0.25
  group_by_subfolder: true
metadata:
  flush_interval: 1s
  target: sidecar
`
	if err := os.WriteFile(path, []byte(file), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("SORTERA_CONCURRENCY_ANALYSIS_WORKERS", "7")
	t.Setenv("SORTERA_PROMPT_GOAL", "gallery_selection")

	c, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if c.Backend.Kind != BackendGemini || c.Backend.APIKey != "from-file" {
		t.Errorf("backend = %+v", c.Backend)
	}
	if c.Curation.TopFraction != 0.25 || !c.Curation.GroupBySubfolder {
		t.Errorf("curation = %+v", c.Curation)
	}
	if c.Metadata.FlushInterval != time.Second || c.Metadata.Target != TargetSidecar {
		t.Errorf("metadata = %+v", c.Metadata)
	}
	if c.Metadata.BatchSize != 25 || c.Prompt.Perspective != "professional_art_critic" {
		t.Errorf("defaults lost: %+v %+v", c.Metadata, c.Prompt)
	}
	if c.Concurrency.AnalysisWorkers != 7 || c.Prompt.Goal != "gallery_selection" {
		t.Errorf("environment ignored: %+v %+v", c.Concurrency, c.Prompt)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if !IsConfigError(err) {
		t.Errorf("LoadConfig(missing) = %v, want ConfigError", err)
	}
}
