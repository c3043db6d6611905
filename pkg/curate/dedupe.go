package curate

import (
	"context"
	"fmt"

	_ "image/jpeg"
	_ "image/png"

	"github.com/anthonynsimon/bild/imgio"
	"github.com/corona10/goimagehash"
	"k8s.io/klog/v2"

	"github.com/tstromberg/sortera/pkg/sortera"
)

// Hasher computes a perceptual hash for an image.
type Hasher func(ctx context.Context, i sortera.ImageRecord) (*goimagehash.ImageHash, error)

// DifferenceHash is the default Hasher.
func DifferenceHash(_ context.Context, i sortera.ImageRecord) (*goimagehash.ImageHash, error) {
	img, err := imgio.Open(i.Path)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	h, err := goimagehash.DifferenceHash(img)
	if err != nil {
		return nil, fmt.Errorf("dhash: %w", err)
	}
	return h, nil
}

func (s *Selector) hasher() Hasher {
	if s.Hasher != nil {
		return s.Hasher
	}
	return DifferenceHash
}

// dedupe tracks the hashes of images already selected within one group.
type dedupe struct {
	hash     Hasher
	distance int
	kept     []*goimagehash.ImageHash
	keptPath []string
}

func newDedupe(h Hasher, distance int) *dedupe {
	return &dedupe{hash: h, distance: distance}
}

// duplicateOf returns the path of a kept image within distance of i, or "". Images that cannot
// be hashed are never treated as duplicates.
func (d *dedupe) duplicateOf(ctx context.Context, i sortera.ImageRecord) string {
	h, err := d.hash(ctx, i)
	if err != nil {
		klog.Warningf("unable to hash %s: %v", i.Path, err)
		return ""
	}

	for idx, k := range d.kept {
		dist, err := h.Distance(k)
		if err != nil {
			continue
		}
		if dist <= d.distance {
			return d.keptPath[idx]
		}
	}

	d.kept = append(d.kept, h)
	d.keptPath = append(d.keptPath, i.Path)
	return ""
}
