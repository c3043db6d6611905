// Package quality scores images with no-reference image quality assessment algorithms.
package quality

import (
	"context"
	"fmt"
	"image"
	"math"
	"net/http"
	"strings"
	"time"

	// decoders for imgio.Open
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/anthonynsimon/bild/imgio"
	"github.com/anthonynsimon/bild/transform"
	"k8s.io/klog/v2"

	"github.com/tstromberg/sortera/pkg/sortera"
)

// minDimension is the smallest edge that still produces meaningful statistics.
const minDimension = 16

// Scorer scores images with one configured algorithm.
type Scorer struct {
	algo        sortera.Algorithm
	workingSize int
	serviceURL  string
	client      *http.Client
}

// New returns a scorer for the configured algorithm.
func New(c sortera.QualityConfig) (*Scorer, error) {
	algo := sortera.Algorithm(strings.ToLower(c.Algorithm))
	known := false
	for _, a := range sortera.Algorithms {
		if a == algo {
			known = true
		}
	}
	if !known {
		return nil, &sortera.ConfigError{Field: "quality.algorithm", Reason: fmt.Sprintf("unsupported algorithm %q", c.Algorithm)}
	}

	if algo.Remote() && c.ServiceURL == "" {
		return nil, &sortera.ConfigError{Field: "quality.service_url", Reason: fmt.Sprintf("%s requires an IQA service URL", algo)}
	}

	ws := c.WorkingSize
	if ws <= 0 {
		ws = 512
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}

	return &Scorer{
		algo:        algo,
		workingSize: ws,
		serviceURL:  strings.TrimSuffix(c.ServiceURL, "/"),
		client:      &http.Client{Timeout: timeout},
	}, nil
}

// Algorithm returns the configured algorithm.
func (s *Scorer) Algorithm() sortera.Algorithm {
	return s.algo
}

// Score returns the quality score of an image. Errors are always *sortera.ScoringError.
func (s *Scorer) Score(ctx context.Context, i sortera.ImageRecord) (qs sortera.QualityScore, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = s.fail(i, fmt.Sprintf("panic: %v", r))
		}
	}()

	if err := ctx.Err(); err != nil {
		return qs, s.fail(i, err.Error())
	}

	img, err := s.load(i.Path)
	if err != nil {
		return qs, s.fail(i, err.Error())
	}

	var v float64
	switch s.algo {
	case sortera.BRISQUE:
		v = brisque(grayPlane(img))
	case sortera.NIQE:
		v = niqe(grayPlane(img))
	default:
		v, err = s.remote(ctx, img)
		if err != nil {
			return qs, s.fail(i, err.Error())
		}
	}

	if math.IsNaN(v) || math.IsInf(v, 0) {
		return qs, s.fail(i, "score is not a finite number")
	}

	klog.V(1).Infof("%s %s=%.3f", i.Path, s.algo, v)
	return sortera.QualityScore{
		Image:      i,
		Algorithm:  s.algo,
		Value:      v,
		Polarity:   s.algo.Polarity(),
		ComputedAt: time.Now(),
	}, nil
}

func (s *Scorer) fail(i sortera.ImageRecord, reason string) *sortera.ScoringError {
	return &sortera.ScoringError{Image: i, Algorithm: s.algo, Reason: reason}
}

// load decodes an image and downsamples it so that its longest edge is at most the working size.
func (s *Scorer) load(path string) (image.Image, error) {
	img, err := imgio.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}

	b := img.Bounds()
	if b.Dx() < minDimension || b.Dy() < minDimension {
		return nil, fmt.Errorf("too small: %dx%d", b.Dx(), b.Dy())
	}

	longest := max(b.Dx(), b.Dy())
	if longest <= s.workingSize {
		return img, nil
	}

	scale := float64(s.workingSize) / float64(longest)
	x := max(minDimension, int(float64(b.Dx())*scale))
	y := max(minDimension, int(float64(b.Dy())*scale))
	return transform.Resize(img, x, y, transform.Lanczos), nil
}
