package quality

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// brisque scores the global natural scene statistics of an image at two scales.
// It uses the BRISQUE features but a fixed pristine model instead of the trained SVR.
// Results are in [0,100); lower is better.
func brisque(p plane) float64 {
	d := 0.0
	scale := p
	for i := 0; i < 2; i++ {
		m, _ := mscn(scale)
		d += distance(features(m, 0, 0, m.w, m.h))
		scale = scale.half()
	}
	return 100 * (1 - math.Exp(-d/2))
}

const (
	patchSize = 32
	// sharpness threshold relative to the sharpest patch
	sharpFraction = 0.75
)

// niqe fits the statistics of the sharpest patches and reports their distance from the
// pristine model. The model is a diagonal approximation, not the published NIQE
// covariance. Lower is better.
func niqe(p plane) float64 {
	m, sigma := mscn(p)

	type patch struct {
		x, y      int
		sharpness float64
	}

	var patches []patch
	maxSharp := 0.0
	for y := 0; y+patchSize <= m.h; y += patchSize {
		for x := 0; x+patchSize <= m.w; x += patchSize {
			vals := make([]float64, 0, patchSize*patchSize)
			for yy := y; yy < y+patchSize; yy++ {
				vals = append(vals, sigma.pix[yy*sigma.w+x:yy*sigma.w+x+patchSize]...)
			}
			s := stat.Mean(vals, nil)
			patches = append(patches, patch{x: x, y: y, sharpness: s})
			maxSharp = max(maxSharp, s)
		}
	}

	// Images smaller than one patch are treated as a single patch.
	if len(patches) == 0 {
		return distance(features(m, 0, 0, m.w, m.h))
	}

	var feats [][]float64
	for _, pt := range patches {
		if pt.sharpness < sharpFraction*maxSharp {
			continue
		}
		feats = append(feats, features(m, pt.x, pt.y, pt.x+patchSize, pt.y+patchSize))
	}

	meanFeat := make([]float64, len(pristine))
	col := make([]float64, len(feats))
	for i := range meanFeat {
		for j, f := range feats {
			col[j] = f[i]
		}
		meanFeat[i] = stat.Mean(col, nil)
	}
	return distance(meanFeat)
}
