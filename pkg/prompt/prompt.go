// Package prompt builds vision model requests and parses their replies.
package prompt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	// decoders for imaging.Open
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/disintegration/imaging"

	"github.com/tstromberg/sortera/pkg/sortera"
)

// Request is a backend-independent model request.
type Request struct {
	Image       sortera.ImageRecord
	Prompt      string
	JPEG        []byte
	MIMEType    string
	Temperature float64
	Timeout     time.Duration

	Perspective  string
	Goal         string
	Hierarchical bool
	Critique     bool
	// CritiqueThreshold is the highest score whose critique is kept if Critique is false.
	CritiqueThreshold int
}

// Builder creates requests from a prompt configuration.
type Builder struct {
	Hierarchical bool
	Critique     bool
	MaxDimension int
	Quality      int
	Temperature  float64

	CritiqueThreshold int
}

// NewBuilder returns a builder for the given configuration.
func NewBuilder(c *sortera.Config) *Builder {
	return &Builder{
		Hierarchical: c.Prompt.Hierarchical,
		Critique:     c.Prompt.Critique,
		MaxDimension: c.Prompt.MaxDimension,
		Temperature:  c.Backend.Temperature,

		CritiqueThreshold: c.Prompt.CritiqueThreshold,
	}
}

// Lookup validates a perspective and goal by key.
func Lookup(perspective string, goal string) (Perspective, Goal, error) {
	p, ok := Perspectives[perspective]
	if !ok {
		keys := []string{}
		for k := range Perspectives {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		return p, Goal{}, &sortera.ConfigError{Field: "prompt.perspective", Reason: fmt.Sprintf("unknown perspective %q (valid: %s)", perspective, strings.Join(keys, ", "))}
	}

	g, ok := Goals[goal]
	if !ok {
		return p, g, &sortera.ConfigError{Field: "prompt.goal", Reason: fmt.Sprintf("unknown goal %q", goal)}
	}
	return p, g, nil
}

// Build returns the request for one image.
func (b *Builder) Build(perspective string, goal string, i sortera.ImageRecord) (*Request, error) {
	p, g, err := Lookup(perspective, goal)
	if err != nil {
		return nil, err
	}

	critique := b.Critique || g.Critique
	text, err := b.Text(p, g, critique)
	if err != nil {
		return nil, err
	}
	bs, err := b.encode(i.Path)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", i.Path, err)
	}

	return &Request{
		Image:        i,
		Prompt:       text,
		JPEG:         bs,
		MIMEType:     "image/jpeg",
		Temperature:  b.Temperature,
		Timeout:      g.Timeout,
		Perspective:  p.Key,
		Goal:         g.Key,
		Hierarchical: b.Hierarchical,
		Critique:     critique,

		CritiqueThreshold: b.CritiqueThreshold,
	}, nil
}

// encode downsizes an image for upload. Orientation tags are applied so the model sees what people see.
func (b *Builder) encode(path string) ([]byte, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}

	maxDim := b.MaxDimension
	if maxDim <= 0 {
		maxDim = 1024
	}
	if img.Bounds().Dx() > maxDim || img.Bounds().Dy() > maxDim {
		img = imaging.Fit(img, maxDim, maxDim, imaging.Lanczos)
	}

	q := b.Quality
	if q <= 0 {
		q = 90
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(q)); err != nil {
		return nil, fmt.Errorf("jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// Text returns the instruction text for a perspective and goal.
func (b *Builder) Text(p Perspective, g Goal, critique bool) (string, error) {
	var sb strings.Builder

	sb.WriteString(p.Persona + "\n\n")
	sb.WriteString(g.Focus + "\n\n")

	sb.WriteString("ANALYSIS CRITERIA:\n")
	for i, c := range p.Criteria {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, c)
	}

	sb.WriteString("\nCLASSIFICATION (select ONE from each):\n")
	fmt.Fprintf(&sb, "CATEGORIES: %s\n", strings.Join(Categories, ", "))
	fmt.Fprintf(&sb, "SUB_CATEGORIES: %s\n", strings.Join(Subcategories, ", "))

	fmt.Fprintf(&sb, "\nTAGS (select %d-%d of the most relevant, or add specific ones):\n", g.MinTags, g.MaxTags)
	fmt.Fprintf(&sb, "SUBJECTS: %s\n", strings.Join(SubjectTags, ", "))
	fmt.Fprintf(&sb, "LIGHTING: %s\n", strings.Join(LightingTags, ", "))
	fmt.Fprintf(&sb, "STYLE: %s\n", strings.Join(StyleTags, ", "))
	fmt.Fprintf(&sb, "EVENT/LOCATION: %s\n", strings.Join(EventTags, ", "))
	fmt.Fprintf(&sb, "MOOD: %s\n", strings.Join(MoodTags, ", "))

	if b.Hierarchical {
		sb.WriteString("\nReturn tags as hierarchical keywords in the form \"Category > Subcategory > Detail\", " +
			"comma-separated, for example \"Nature > Wildlife > Birds, Urban > Street\".\n")
	}

	fmt.Fprintf(&sb, "\nSCORING GUIDE (1-10 scale from the %s perspective):\n", p.Name)
	sb.WriteString("1-2: Poor (fails to meet basic standards)\n")
	sb.WriteString("3-4: Below Average (basic competence, limited value)\n")
	sb.WriteString("5-6: Average (meets standard expectations)\n")
	sb.WriteString("7-8: Above Average (strong quality and purpose alignment)\n")
	sb.WriteString("9-10: Exceptional (outstanding in all criteria)\n")

	tmpl := map[string]any{
		"category":    "chosen_category",
		"subcategory": "chosen_subcategory",
		"tags":        []string{"tag1", "tag2", "tag3"},
		"score":       7,
	}
	if b.Hierarchical {
		tmpl["tags"] = "Category > Subcategory > Detail, Category > Detail"
	}
	if critique {
		tmpl["critique"] = fmt.Sprintf("Professional critique from the %s perspective.", p.Name)
	}
	js, err := json.MarshalIndent(tmpl, "", "  ")
	if err != nil {
		return "", fmt.Errorf("response template: %w", err)
	}

	sb.WriteString("\nRESPOND WITH VALID JSON ONLY:\n")
	sb.Write(js)
	sb.WriteString("\n")
	return sb.String(), nil
}
