// Package sortera holds the types shared by every stage of the photo triage pipeline.
package sortera

import (
	"fmt"
	"os"
	"runtime"
	"slices"
	"strings"
	"time"
)

// Backend kinds.
const (
	BackendGemini   = "gemini"
	BackendOpenAI   = "openai"
	BackendOllama   = "ollama"
	BackendLlamaCPP = "llamacpp"
)

// Metadata target modes.
const (
	TargetAuto     = "auto"
	TargetEmbedded = "embedded"
	TargetSidecar  = "sidecar"
)

// DefaultExtensions are the image types considered during discovery.
var DefaultExtensions = []string{".jpg", ".jpeg", ".png", ".tif", ".tiff", ".webp"}

// RawExtensions are additionally considered in archive mode. Apart from DNG they get sidecars.
var RawExtensions = []string{".cr2", ".cr3", ".nef", ".arw", ".raf", ".orf", ".rw2", ".dng"}

// Config holds configuration for a pipeline run.
type Config struct {
	Recursive  bool     `mapstructure:"recursive" yaml:"recursive"`
	Extensions []string `mapstructure:"extensions" yaml:"extensions"`
	// Hash computes a sha256 of each discovered file.
	Hash bool `mapstructure:"hash" yaml:"hash"`

	Backend      BackendConfig      `mapstructure:"backend" yaml:"backend"`
	Prompt       PromptConfig       `mapstructure:"prompt" yaml:"prompt"`
	Quality      QualityConfig      `mapstructure:"quality" yaml:"quality"`
	Curation     CurationConfig     `mapstructure:"curation" yaml:"curation"`
	Metadata     MetadataConfig     `mapstructure:"metadata" yaml:"metadata"`
	Concurrency  ConcurrencyConfig  `mapstructure:"concurrency" yaml:"concurrency"`
	ResourceHint ResourceHintConfig `mapstructure:"resource_hint" yaml:"resource_hint"`
}

// BackendConfig selects and configures the analysis backend.
type BackendConfig struct {
	Kind string `mapstructure:"kind" yaml:"kind"`
	// APIKey is only used by cloud backends. It is never read from the environment by the backend.
	APIKey string `mapstructure:"api_key" yaml:"-"`
	// Model defaults per kind when empty.
	Model       string        `mapstructure:"model" yaml:"model"`
	Endpoint    string        `mapstructure:"endpoint" yaml:"endpoint"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Temperature float64       `mapstructure:"temperature" yaml:"temperature"`

	RateLimitRetries int           `mapstructure:"rate_limit_retries" yaml:"rate_limit_retries"`
	RetryDelay       time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
	// RetryTransient enables retries for TIMEOUT, UNAVAILABLE and UNKNOWN failures.
	RetryTransient bool `mapstructure:"retry_transient" yaml:"retry_transient"`

	// llamacpp only.
	Binary        string `mapstructure:"binary" yaml:"binary"`
	ModelPath     string `mapstructure:"model_path" yaml:"model_path"`
	ProjectorPath string `mapstructure:"projector_path" yaml:"projector_path"`
}

// NeedsCredential returns true for backends that talk to an authenticated cloud API.
func (b BackendConfig) NeedsCredential() bool {
	return b.Kind == BackendGemini || (b.Kind == BackendOpenAI && b.Endpoint == "")
}

// PromptConfig shapes the request sent to the analysis backend.
type PromptConfig struct {
	Perspective  string `mapstructure:"perspective" yaml:"perspective"`
	Goal         string `mapstructure:"goal" yaml:"goal"`
	Hierarchical bool   `mapstructure:"hierarchical" yaml:"hierarchical"`
	// Critique forces a critique even if the goal does not ask for one.
	Critique     bool `mapstructure:"critique" yaml:"critique"`
	MaxDimension int  `mapstructure:"max_dimension" yaml:"max_dimension"`
	// CritiqueThreshold is the highest score whose critique is kept when no critique was requested.
	CritiqueThreshold int `mapstructure:"critique_threshold" yaml:"critique_threshold"`
}

// QualityConfig configures the image quality scorer.
type QualityConfig struct {
	Algorithm   string `mapstructure:"algorithm" yaml:"algorithm"`
	WorkingSize int    `mapstructure:"working_size" yaml:"working_size"`
	// ServiceURL is the IQA service used for the deep-learning metrics.
	ServiceURL string        `mapstructure:"service_url" yaml:"service_url"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// CurationConfig configures which images are passed on for analysis.
type CurationConfig struct {
	TopFraction      float64 `mapstructure:"top_fraction" yaml:"top_fraction"`
	TopN             int     `mapstructure:"top_n" yaml:"top_n"`
	GroupBySubfolder bool    `mapstructure:"group_by_subfolder" yaml:"group_by_subfolder"`
	Dedupe           bool    `mapstructure:"dedupe" yaml:"dedupe"`
	DedupeDistance   int     `mapstructure:"dedupe_distance" yaml:"dedupe_distance"`
	// Disabled skips scoring and analyzes every discovered image (archive mode).
	Disabled bool `mapstructure:"disabled" yaml:"disabled"`
}

// MetadataConfig configures how results are persisted.
type MetadataConfig struct {
	Target            string        `mapstructure:"target" yaml:"target"`
	MinCritiqueLength int           `mapstructure:"min_critique_length" yaml:"min_critique_length"`
	BatchSize         int           `mapstructure:"batch_size" yaml:"batch_size"`
	FlushInterval     time.Duration `mapstructure:"flush_interval" yaml:"flush_interval"`
	Retries           int           `mapstructure:"retries" yaml:"retries"`
	RetryDelay        time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
	ExiftoolPath      string        `mapstructure:"exiftool_path" yaml:"exiftool_path"`
	BackupDir         string        `mapstructure:"backup_dir" yaml:"backup_dir"`
	// ProtectRatingAtLeast is the lowest existing star rating that is never lowered.
	ProtectRatingAtLeast int    `mapstructure:"protect_rating_at_least" yaml:"protect_rating_at_least"`
	GalleryKeyword       string `mapstructure:"gallery_keyword" yaml:"gallery_keyword"`
}

// ConcurrencyConfig bounds the two worker pools.
type ConcurrencyConfig struct {
	ScorerWorkers   int `mapstructure:"scorer_workers" yaml:"scorer_workers"`
	AnalysisWorkers int `mapstructure:"analysis_workers" yaml:"analysis_workers"`
}

// ResourceHintConfig is supplied by the caller, for instance when a catalog application is open.
type ResourceHintConfig struct {
	Conservative bool `mapstructure:"conservative" yaml:"conservative"`
}

// DefaultConfig returns a configuration with every default filled in.
func DefaultConfig() *Config {
	return &Config{
		Recursive:  true,
		Extensions: slices.Clone(DefaultExtensions),
		Backend: BackendConfig{
			Kind:             BackendOllama,
			Temperature:      0.3,
			RateLimitRetries: 3,
			RetryDelay:       2 * time.Second,
			Binary:           "llama-mtmd-cli",
		},
		Prompt: PromptConfig{
			Perspective:  "professional_art_critic",
			Goal:         "catalog_organization",
			MaxDimension: 1024,

			CritiqueThreshold: 5,
		},
		Quality: QualityConfig{
			Algorithm:   string(BRISQUE),
			WorkingSize: 512,
			Timeout:     60 * time.Second,
		},
		Curation: CurationConfig{
			TopFraction:    0.10,
			DedupeDistance: 6,
		},
		Metadata: MetadataConfig{
			Target:               TargetAuto,
			MinCritiqueLength:    20,
			BatchSize:            25,
			FlushInterval:        250 * time.Millisecond,
			Retries:              3,
			RetryDelay:           500 * time.Millisecond,
			ProtectRatingAtLeast: 4,
			GalleryKeyword:       "GALLERY",
		},
		Concurrency: ConcurrencyConfig{
			ScorerWorkers:   max(1, runtime.NumCPU()*3/4),
			AnalysisWorkers: 4,
		},
	}
}

// Workers returns the scorer and analysis pool sizes after applying the resource hint.
func (c *Config) Workers() (scorers int, analysis int) {
	scorers = max(1, c.Concurrency.ScorerWorkers)
	analysis = max(1, c.Concurrency.AnalysisWorkers)
	if c.ResourceHint.Conservative {
		scorers = min(scorers, max(1, runtime.NumCPU()/4))
		analysis = max(1, analysis/2)
	}
	return scorers, analysis
}

// Validate checks the configuration for errors that must abort a run before it starts.
func (c *Config) Validate() error {
	if !slices.Contains(Algorithms, Algorithm(strings.ToLower(c.Quality.Algorithm))) && !c.Curation.Disabled {
		return &ConfigError{Field: "quality.algorithm", Reason: fmt.Sprintf("unsupported algorithm %q", c.Quality.Algorithm)}
	}

	if Algorithm(strings.ToLower(c.Quality.Algorithm)).Remote() && c.Quality.ServiceURL == "" && !c.Curation.Disabled {
		return &ConfigError{Field: "quality.service_url", Reason: fmt.Sprintf("%s requires an IQA service URL", c.Quality.Algorithm)}
	}

	if !c.Curation.Disabled && c.Curation.TopN <= 0 && (c.Curation.TopFraction <= 0 || c.Curation.TopFraction > 1) {
		return &ConfigError{Field: "curation.top_fraction", Reason: fmt.Sprintf("must be in (0,1], got %v", c.Curation.TopFraction)}
	}

	switch c.Backend.Kind {
	case BackendGemini, BackendOpenAI, BackendOllama, BackendLlamaCPP:
	default:
		return &ConfigError{Field: "backend.kind", Reason: fmt.Sprintf("unknown backend %q", c.Backend.Kind)}
	}

	if c.Backend.NeedsCredential() && c.Backend.APIKey == "" {
		return &ConfigError{Field: "backend.api_key", Reason: fmt.Sprintf("%s backend requires a credential", c.Backend.Kind)}
	}

	if c.Backend.Kind == BackendLlamaCPP && (c.Backend.ModelPath == "" || c.Backend.ProjectorPath == "") {
		return &ConfigError{Field: "backend.model_path", Reason: "llamacpp backend requires model and projector paths"}
	}

	if c.Prompt.CritiqueThreshold < 0 || c.Prompt.CritiqueThreshold > 10 {
		return &ConfigError{Field: "prompt.critique_threshold", Reason: fmt.Sprintf("must be in [0,10], got %d", c.Prompt.CritiqueThreshold)}
	}

	switch c.Metadata.Target {
	case TargetAuto, TargetEmbedded, TargetSidecar:
	default:
		return &ConfigError{Field: "metadata.target", Reason: fmt.Sprintf("unknown target %q", c.Metadata.Target)}
	}

	return nil
}

// ValidateRoot checks that a run root exists and is a directory.
func ValidateRoot(root string) error {
	st, err := os.Stat(root)
	if err != nil {
		return &ConfigError{Field: "root", Reason: err.Error()}
	}
	if !st.IsDir() {
		return &ConfigError{Field: "root", Reason: fmt.Sprintf("%s is not a directory", root)}
	}
	return nil
}
