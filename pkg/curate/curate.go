// Package curate ranks images by quality and selects the subset worth analyzing.
package curate

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/tstromberg/sortera/pkg/sortera"
)

// Scorer scores a single image.
type Scorer interface {
	Score(ctx context.Context, i sortera.ImageRecord) (sortera.QualityScore, error)
}

// Selector picks the best images of each group.
type Selector struct {
	Scorer  Scorer
	Workers int

	TopFraction      float64
	TopN             int
	GroupBySubfolder bool

	// Dedupe skips images that are perceptually near-identical to one already selected.
	Dedupe         bool
	DedupeDistance int
	Hasher         Hasher

	// Disabled selects everything without scoring.
	Disabled bool
}

// NewSelector returns a selector configured from c.
func NewSelector(c *sortera.Config, s Scorer) *Selector {
	workers, _ := c.Workers()
	return &Selector{
		Scorer:           s,
		Workers:          workers,
		TopFraction:      c.Curation.TopFraction,
		TopN:             c.Curation.TopN,
		GroupBySubfolder: c.Curation.GroupBySubfolder,
		Dedupe:           c.Curation.Dedupe,
		DedupeDistance:   c.Curation.DedupeDistance,
		Disabled:         c.Curation.Disabled,
	}
}

// Result is the outcome of a curation pass.
type Result struct {
	// Decisions has one entry per successfully scored image, in lexical path order.
	Decisions []sortera.CurationDecision
	// Selected are the included images, in lexical path order.
	Selected []sortera.ImageRecord
	Errors   []*sortera.ScoringError
}

// Decision returns the decision for an image path.
func (r *Result) Decision(path string) (sortera.CurationDecision, bool) {
	i, found := slices.BinarySearchFunc(r.Decisions, path, func(d sortera.CurationDecision, p string) int {
		return strings.Compare(d.Image.Path, p)
	})
	if !found {
		return sortera.CurationDecision{}, false
	}
	return r.Decisions[i], true
}

// Select scores images and marks the top of each group as included.
func (s *Selector) Select(ctx context.Context, images []sortera.ImageRecord) (*Result, error) {
	if s.Disabled {
		return s.selectAll(images), nil
	}

	if s.TopN <= 0 && (s.TopFraction <= 0 || s.TopFraction > 1) {
		return nil, &sortera.ConfigError{Field: "curation.top_fraction", Reason: fmt.Sprintf("must be in (0,1], got %v", s.TopFraction)}
	}

	scores, errs, err := s.scoreAll(ctx, images)
	if err != nil {
		return nil, err
	}

	groups := map[string][]sortera.QualityScore{}
	for _, qs := range scores {
		k := s.groupKey(qs.Image)
		groups[k] = append(groups[k], qs)
	}

	res := &Result{Errors: errs}
	for key, g := range groups {
		res.Decisions = append(res.Decisions, s.rank(ctx, key, g)...)
	}

	slices.SortFunc(res.Decisions, func(a, b sortera.CurationDecision) int {
		return strings.Compare(a.Image.Path, b.Image.Path)
	})
	for _, d := range res.Decisions {
		if d.Included {
			res.Selected = append(res.Selected, d.Image)
		}
	}

	klog.Infof("curated %d of %d images in %d groups (%d scoring errors)", len(res.Selected), len(images), len(groups), len(errs))
	return res, nil
}

func (s *Selector) selectAll(images []sortera.ImageRecord) *Result {
	res := &Result{}
	for _, i := range images {
		res.Decisions = append(res.Decisions, sortera.CurationDecision{
			Image:      i,
			Included:   true,
			Percentile: 100,
			GroupKey:   s.groupKey(i),
			Reason:     "archive",
		})
		res.Selected = append(res.Selected, i)
	}
	slices.SortFunc(res.Decisions, func(a, b sortera.CurationDecision) int {
		return strings.Compare(a.Image.Path, b.Image.Path)
	})
	slices.SortFunc(res.Selected, func(a, b sortera.ImageRecord) int { return strings.Compare(a.Path, b.Path) })
	return res
}

func (s *Selector) groupKey(i sortera.ImageRecord) string {
	if !s.GroupBySubfolder {
		return ""
	}
	return i.Dir()
}

// scoreAll scores every image with a bounded pool. Scoring errors are collected, not returned.
func (s *Selector) scoreAll(ctx context.Context, images []sortera.ImageRecord) ([]sortera.QualityScore, []*sortera.ScoringError, error) {
	var (
		mu     sync.Mutex
		scores []sortera.QualityScore
		errs   []*sortera.ScoringError
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, s.Workers))

	for _, i := range images {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			qs, err := s.Scorer.Score(gctx, i)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				var se *sortera.ScoringError
				if !errors.As(err, &se) {
					se = &sortera.ScoringError{Image: i, Reason: err.Error()}
				}
				klog.Warningf("unable to score %s: %s", i.Path, se.Reason)
				errs = append(errs, se)
				return nil
			}
			qs.Image = i
			scores = append(scores, qs)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, nil, fmt.Errorf("scoring: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, fmt.Errorf("scoring: %w", err)
	}

	slices.SortFunc(errs, func(a, b *sortera.ScoringError) int { return strings.Compare(a.Image.Path, b.Image.Path) })
	return scores, errs, nil
}

// quota returns how many of n images should be included.
func (s *Selector) quota(n int) int {
	if n == 0 {
		return 0
	}
	if s.TopN > 0 {
		return min(s.TopN, n)
	}
	// the epsilon keeps 0.1*90 from becoming 10 through float error
	k := int(math.Ceil(s.TopFraction*float64(n) - 1e-9))
	return min(max(k, 1), n)
}

// rank orders one group and marks its top as included.
func (s *Selector) rank(ctx context.Context, key string, g []sortera.QualityScore) []sortera.CurationDecision {
	slices.SortFunc(g, func(a, b sortera.QualityScore) int {
		if a.Value != b.Value {
			if a.Better(b) {
				return -1
			}
			return 1
		}
		return cmp.Compare(a.Image.Path, b.Image.Path)
	})

	k := s.quota(len(g))
	var dd *dedupe
	if s.Dedupe {
		dd = newDedupe(s.hasher(), s.DedupeDistance)
	}

	out := make([]sortera.CurationDecision, 0, len(g))
	included := 0
	for idx, qs := range g {
		d := sortera.CurationDecision{
			Image:      qs.Image,
			Rank:       idx + 1,
			Percentile: 100 * float64(len(g)-idx) / float64(len(g)),
			GroupKey:   key,
			Score:      &qs,
		}

		switch {
		case included >= k:
			d.Reason = fmt.Sprintf("rank %d of %d is below the cutoff of %d", idx+1, len(g), k)
		case dd != nil:
			if dup := dd.duplicateOf(ctx, qs.Image); dup != "" {
				d.Reason = fmt.Sprintf("near duplicate of %s", dup)
				break
			}
			d.Included = true
		default:
			d.Included = true
		}

		if d.Included {
			included++
			d.Reason = fmt.Sprintf("rank %d of %d", idx+1, len(g))
		}
		out = append(out, d)
	}
	return out
}
