// Package report exports run summaries as yaml, json, csv or parquet.
package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/parquet-go/parquet-go"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"

	"github.com/tstromberg/sortera/pkg/pipeline"
)

// Format is an export format.
type Format string

const (
	YAML    Format = "yaml"
	JSON    Format = "json"
	CSV     Format = "csv"
	Parquet Format = "parquet"
)

// FormatFor returns the format implied by a file extension.
func FormatFor(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return YAML, nil
	case ".json":
		return JSON, nil
	case ".csv":
		return CSV, nil
	case ".parquet":
		return Parquet, nil
	}
	return "", fmt.Errorf("unsupported report format %q", filepath.Ext(path))
}

// Row is one image in a flat export.
type Row struct {
	Path        string  `json:"path" parquet:"path"`
	RelPath     string  `json:"rel_path" parquet:"rel_path"`
	Included    bool    `json:"included" parquet:"included"`
	Rank        int64   `json:"rank" parquet:"rank"`
	Quality     float64 `json:"quality" parquet:"quality"`
	Category    string  `json:"category" parquet:"category"`
	Subcategory string  `json:"subcategory" parquet:"subcategory"`
	Tags        string  `json:"tags" parquet:"tags"`
	Score       int64   `json:"score" parquet:"score"`
	Critique    string  `json:"critique" parquet:"critique"`
	Model       string  `json:"model" parquet:"model"`
	Stars       int64   `json:"stars" parquet:"stars"`
	Gallery     bool    `json:"gallery" parquet:"gallery"`
	Target      string  `json:"target" parquet:"target"`
	TargetPath  string  `json:"target_path" parquet:"target_path"`
	Succeeded   bool    `json:"succeeded" parquet:"succeeded"`
	FailureKind string  `json:"failure_kind" parquet:"failure_kind"`
	Error       string  `json:"error" parquet:"error"`
}

var header = []string{
	"path", "rel_path", "included", "rank", "quality", "category", "subcategory", "tags", "score", "critique",
	"model", "stars", "gallery", "target", "target_path", "succeeded", "failure_kind", "error",
}

func (r Row) record() []string {
	return []string{
		r.Path, r.RelPath, strconv.FormatBool(r.Included), strconv.FormatInt(r.Rank, 10),
		strconv.FormatFloat(r.Quality, 'f', 4, 64), r.Category, r.Subcategory, r.Tags,
		strconv.FormatInt(r.Score, 10), r.Critique, r.Model, strconv.FormatInt(r.Stars, 10),
		strconv.FormatBool(r.Gallery), r.Target, r.TargetPath, strconv.FormatBool(r.Succeeded), r.FailureKind, r.Error,
	}
}

// Rows flattens a summary into one row per curated or analyzed image, in path order.
func Rows(s *pipeline.Summary) []Row {
	rows := map[string]*Row{}
	get := func(path, rel string) *Row {
		if rows[path] == nil {
			rows[path] = &Row{Path: path, RelPath: rel}
		}
		return rows[path]
	}

	for _, d := range s.Decisions {
		r := get(d.Image.Path, d.Image.RelPath)
		r.Included = d.Included
		r.Rank = int64(d.Rank)
		if d.Score != nil {
			r.Quality = d.Score.Value
		}
	}

	for _, o := range s.Outcomes {
		r := get(o.Image.Path, o.Image.RelPath)
		r.Included = true
		if a := o.Analysis; a != nil {
			r.Category = a.Category
			r.Subcategory = a.Subcategory
			r.Tags = strings.Join(a.Tags, ", ")
			r.Score = int64(a.Score)
			r.Critique = a.Critique
			r.Model = a.ModelID
		}
		if f := o.Failure; f != nil {
			r.FailureKind = string(f.Kind)
			r.Error = f.Reason
		}
		if w := o.Write; w != nil {
			r.Stars = int64(w.StarRating)
			r.Gallery = w.GalleryTagged
			r.Target = string(w.Target)
			r.TargetPath = w.TargetPath
			if w.Error != "" {
				r.Error = w.Error
			}
		}
		r.Succeeded = o.Succeeded()
	}

	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		out = append(out, *r)
	}
	slices.SortFunc(out, func(a, b Row) int { return strings.Compare(a.Path, b.Path) })
	return out
}

// Write exports s to path, in the format implied by its extension.
func Write(path string, s *pipeline.Summary) error {
	format, err := FormatFor(path)
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}

	if err := Encode(f, format, s); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	klog.Infof("wrote %s report to %s", format, path)
	return nil
}

// Encode writes s to w in the given format.
func Encode(w io.Writer, format Format, s *pipeline.Summary) error {
	switch format {
	case YAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(s); err != nil {
			return fmt.Errorf("yaml: %w", err)
		}
		return enc.Close()
	case JSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(s); err != nil {
			return fmt.Errorf("json: %w", err)
		}
		return nil
	case CSV:
		return writeCSV(w, Rows(s))
	case Parquet:
		if err := parquet.Write(w, Rows(s)); err != nil {
			return fmt.Errorf("parquet: %w", err)
		}
		return nil
	}
	return fmt.Errorf("unsupported report format %q", format)
}

func writeCSV(w io.Writer, rows []Row) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("csv: %w", err)
	}
	for _, r := range rows {
		if err := cw.Write(r.record()); err != nil {
			return fmt.Errorf("csv: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("csv: %w", err)
	}
	return nil
}
