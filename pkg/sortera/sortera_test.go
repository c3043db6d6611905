package sortera

import (
	"path/filepath"
	"testing"
)

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(_ *Config) {}},
		{
			name:    "bad algorithm",
			mutate:  func(c *Config) { c.Quality.Algorithm = "psnr" },
			wantErr: "quality.algorithm",
		},
		{
			name:    "remote algorithm without service",
			mutate:  func(c *Config) { c.Quality.Algorithm = "musiq" },
			wantErr: "quality.service_url",
		},
		{
			name:   "archive mode ignores algorithm",
			mutate: func(c *Config) { c.Quality.Algorithm = "psnr"; c.Curation.Disabled = true },
		},
		{
			name:    "fraction out of range",
			mutate:  func(c *Config) { c.Curation.TopFraction = 1.5 },
			wantErr: "curation.top_fraction",
		},
		{
			name:   "top n instead of fraction",
			mutate: func(c *Config) { c.Curation.TopFraction = 0; c.Curation.TopN = 5 },
		},
		{
			name:    "gemini without key",
			mutate:  func(c *Config) { c.Backend.Kind = BackendGemini },
			wantErr: "backend.api_key",
		},
		{
			name:   "openai compatible local endpoint",
			mutate: func(c *Config) { c.Backend.Kind = BackendOpenAI; c.Backend.Endpoint = "http://localhost:1234/v1" },
		},
		{
			name:    "unknown backend",
			mutate:  func(c *Config) { c.Backend.Kind = "clippy" },
			wantErr: "backend.kind",
		},
		{
			name:    "llamacpp without model",
			mutate:  func(c *Config) { c.Backend.Kind = BackendLlamaCPP },
			wantErr: "backend.model_path",
		},
		{
			name:    "bad target",
			mutate:  func(c *Config) { c.Metadata.Target = "cloud" },
			wantErr: "metadata.target",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := DefaultConfig()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if !IsConfigError(err) {
				t.Fatalf("Validate() error = %v, want ConfigError", err)
			}
			if ce := err.(*ConfigError); ce.Field != tt.wantErr {
				t.Errorf("Validate() field = %q, want %q", ce.Field, tt.wantErr)
			}
		})
	}
}

func TestValidateRoot(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := ValidateRoot(dir); err != nil {
		t.Errorf("ValidateRoot(%q) = %v", dir, err)
	}
	if err := ValidateRoot(filepath.Join(dir, "missing")); !IsConfigError(err) {
		t.Errorf("ValidateRoot(missing) = %v, want ConfigError", err)
	}
}

func TestWorkersConservative(t *testing.T) {
	t.Parallel()

	c := DefaultConfig()
	c.Concurrency.AnalysisWorkers = 8
	c.Concurrency.ScorerWorkers = 64

	_, analysis := c.Workers()
	if analysis != 8 {
		t.Errorf("analysis workers = %d, want 8", analysis)
	}

	c.ResourceHint.Conservative = true
	scorers, analysis := c.Workers()
	if analysis != 4 {
		t.Errorf("conservative analysis workers = %d, want 4", analysis)
	}
	if scorers >= 64 {
		t.Errorf("conservative scorer workers = %d, want fewer than 64", scorers)
	}
}

func TestPolarity(t *testing.T) {
	t.Parallel()

	lo := QualityScore{Algorithm: BRISQUE, Value: 10, Polarity: BRISQUE.Polarity()}
	hi := QualityScore{Algorithm: BRISQUE, Value: 40, Polarity: BRISQUE.Polarity()}
	if !lo.Better(hi) {
		t.Errorf("brisque 10 should beat 40")
	}

	lo = QualityScore{Algorithm: MUSIQ, Value: 10, Polarity: MUSIQ.Polarity()}
	hi = QualityScore{Algorithm: MUSIQ, Value: 40, Polarity: MUSIQ.Polarity()}
	if !hi.Better(lo) {
		t.Errorf("musiq 40 should beat 10")
	}
}
