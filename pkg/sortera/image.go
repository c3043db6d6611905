package sortera

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// ImageRecord identifies one file for the duration of a run.
type ImageRecord struct {
	Path    string    `json:"path" yaml:"path"`
	RelPath string    `json:"rel_path" yaml:"rel_path"`
	Size    int64     `json:"size" yaml:"size"`
	ModTime time.Time `json:"mod_time" yaml:"mod_time"`
	Hash    string    `json:"hash,omitempty" yaml:"hash,omitempty"`
}

// NewImageRecord stats path and returns a record relative to root.
func NewImageRecord(root string, path string, hash bool) (ImageRecord, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return ImageRecord{}, fmt.Errorf("abs: %w", err)
	}

	st, err := os.Stat(abs)
	if err != nil {
		return ImageRecord{}, fmt.Errorf("stat: %w", err)
	}

	i := ImageRecord{Path: abs, Size: st.Size(), ModTime: st.ModTime()}

	i.RelPath = filepath.Base(abs)
	if root != "" {
		absRoot, err := filepath.Abs(root)
		if err != nil {
			return i, fmt.Errorf("abs: %w", err)
		}
		if rel, err := filepath.Rel(absRoot, abs); err == nil {
			i.RelPath = rel
		}
	}

	if hash {
		i.Hash, err = HashFile(abs)
		if err != nil {
			return i, fmt.Errorf("hash: %w", err)
		}
	}

	return i, nil
}

// Dir returns the directory of the image relative to the run root, or "." for the root itself.
func (i ImageRecord) Dir() string {
	return filepath.Dir(i.RelPath)
}

// HashFile returns the hex sha256 of a file's contents.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Algorithm is a no-reference image quality assessment algorithm.
type Algorithm string

const (
	BRISQUE Algorithm = "brisque"
	NIQE    Algorithm = "niqe"
	MUSIQ   Algorithm = "musiq"
	TOPIQ   Algorithm = "topiq"
)

// Algorithms lists the supported algorithms.
var Algorithms = []Algorithm{BRISQUE, NIQE, MUSIQ, TOPIQ}

// Polarity tells whether lower or higher values mean better quality.
type Polarity string

const (
	LowerBetter  Polarity = "LOWER_BETTER"
	HigherBetter Polarity = "HIGHER_BETTER"
)

// Polarity returns the polarity of an algorithm's scores.
func (a Algorithm) Polarity() Polarity {
	switch a {
	case MUSIQ, TOPIQ:
		return HigherBetter
	default:
		return LowerBetter
	}
}

// Remote is true for algorithms evaluated by an external IQA service.
func (a Algorithm) Remote() bool {
	return a == MUSIQ || a == TOPIQ
}

// QualityScore is the result of scoring one image.
type QualityScore struct {
	Image      ImageRecord `json:"-" yaml:"-"`
	Algorithm  Algorithm   `json:"algorithm" yaml:"algorithm"`
	Value      float64     `json:"value" yaml:"value"`
	Polarity   Polarity    `json:"polarity" yaml:"polarity"`
	ComputedAt time.Time   `json:"computed_at" yaml:"computed_at"`
}

// Better returns true if s is a better score than o. Both must use the same algorithm.
func (s QualityScore) Better(o QualityScore) bool {
	if s.Polarity == HigherBetter {
		return s.Value > o.Value
	}
	return s.Value < o.Value
}

// CurationDecision records whether an image was passed on for analysis.
type CurationDecision struct {
	Image      ImageRecord   `json:"image" yaml:"image"`
	Included   bool          `json:"included" yaml:"included"`
	Rank       int           `json:"rank" yaml:"rank"`
	Percentile float64       `json:"percentile" yaml:"percentile"`
	GroupKey   string        `json:"group_key,omitempty" yaml:"group_key,omitempty"`
	Score      *QualityScore `json:"score,omitempty" yaml:"score,omitempty"`
	Reason     string        `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// AnalysisResult is the structured output of a vision model for one image.
type AnalysisResult struct {
	Image            ImageRecord `json:"-" yaml:"-"`
	Category         string      `json:"category" yaml:"category"`
	Subcategory      string      `json:"subcategory" yaml:"subcategory"`
	Tags             []string    `json:"tags" yaml:"tags"`
	HierarchicalTags [][]string  `json:"hierarchical_tags,omitempty" yaml:"hierarchical_tags,omitempty"`
	Score            int         `json:"score" yaml:"score"`
	Critique         string      `json:"critique,omitempty" yaml:"critique,omitempty"`
	ModelID          string      `json:"model_id" yaml:"model_id"`
	Perspective      string      `json:"perspective" yaml:"perspective"`
	Goal             string      `json:"goal,omitempty" yaml:"goal,omitempty"`
	ProducedAt       time.Time   `json:"produced_at" yaml:"produced_at"`
}

// AnalysisFailure records why an image could not be analyzed.
type AnalysisFailure struct {
	Image    ImageRecord `json:"-" yaml:"-"`
	Kind     ErrorKind   `json:"kind" yaml:"kind"`
	Reason   string      `json:"reason" yaml:"reason"`
	Attempts int         `json:"attempts" yaml:"attempts"`
}

func (f *AnalysisFailure) Error() string {
	return fmt.Sprintf("%s: %s: %s", f.Image.Path, f.Kind, f.Reason)
}

// Target is where metadata was written.
type Target string

const (
	Embedded Target = "EMBEDDED"
	Sidecar  Target = "SIDECAR"
)

// MetadataWriteOutcome describes a metadata write for one image.
type MetadataWriteOutcome struct {
	Image          ImageRecord `json:"-" yaml:"-"`
	Target         Target      `json:"target" yaml:"target"`
	TargetPath     string      `json:"target_path" yaml:"target_path"`
	FieldsWritten  []string    `json:"fields_written" yaml:"fields_written"`
	DerivedRating  int         `json:"derived_rating" yaml:"derived_rating"`
	StarRating     int         `json:"star_rating" yaml:"star_rating"`
	ExistingRating int         `json:"existing_rating,omitempty" yaml:"existing_rating,omitempty"`
	GalleryTagged  bool        `json:"gallery_tagged" yaml:"gallery_tagged"`
	FellBack       bool        `json:"fell_back,omitempty" yaml:"fell_back,omitempty"`
	BackupPath     string      `json:"backup_path,omitempty" yaml:"backup_path,omitempty"`
	Succeeded      bool        `json:"succeeded" yaml:"succeeded"`
	Error          string      `json:"error,omitempty" yaml:"error,omitempty"`
}

// ImageOutcome collects everything that happened to one image in a run.
type ImageOutcome struct {
	Image    ImageRecord           `json:"image" yaml:"image"`
	Decision *CurationDecision     `json:"decision,omitempty" yaml:"decision,omitempty"`
	Analysis *AnalysisResult       `json:"analysis,omitempty" yaml:"analysis,omitempty"`
	Failure  *AnalysisFailure      `json:"failure,omitempty" yaml:"failure,omitempty"`
	Write    *MetadataWriteOutcome `json:"write,omitempty" yaml:"write,omitempty"`
}

// Succeeded is true if the image was analyzed and written.
func (o ImageOutcome) Succeeded() bool {
	return o.Analysis != nil && o.Write != nil && o.Write.Succeeded
}
