package quality

import (
	"image"
	"math"

	"github.com/anthonynsimon/bild/effect"
	"gonum.org/v1/gonum/stat"
)

// plane is a single-channel float image.
type plane struct {
	w, h int
	pix  []float64
}

func newPlane(w, h int) plane {
	return plane{w: w, h: h, pix: make([]float64, w*h)}
}

func (p plane) at(x, y int) float64 {
	return p.pix[y*p.w+x]
}

// grayPlane converts img to luminance. bild stores the gray value in every RGB channel.
func grayPlane(img image.Image) plane {
	g := effect.Grayscale(img)
	b := g.Bounds()
	p := newPlane(b.Dx(), b.Dy())
	for y := 0; y < p.h; y++ {
		for x := 0; x < p.w; x++ {
			p.pix[y*p.w+x] = float64(g.Pix[g.PixOffset(b.Min.X+x, b.Min.Y+y)])
		}
	}
	return p
}

// half downsamples by 2 with a box filter.
func (p plane) half() plane {
	h := newPlane(max(1, p.w/2), max(1, p.h/2))
	for y := 0; y < h.h; y++ {
		for x := 0; x < h.w; x++ {
			x0, y0 := min(2*x, p.w-1), min(2*y, p.h-1)
			x1, y1 := min(x0+1, p.w-1), min(y0+1, p.h-1)
			h.pix[y*h.w+x] = (p.at(x0, y0) + p.at(x1, y0) + p.at(x0, y1) + p.at(x1, y1)) / 4
		}
	}
	return h
}

// gaussianKernel returns the 7-tap window used for MSCN normalization.
func gaussianKernel() []float64 {
	const sigma = 7.0 / 6.0
	const radius = 3
	k := make([]float64, 2*radius+1)
	sum := 0.0
	for i := -radius; i <= radius; i++ {
		v := math.Exp(-float64(i*i) / (2 * sigma * sigma))
		k[i+radius] = v
		sum += v
	}
	for i := range k {
		k[i] /= sum
	}
	return k
}

// blur applies a separable kernel with edge clamping.
func blur(p plane, k []float64) plane {
	r := len(k) / 2
	tmp := newPlane(p.w, p.h)
	for y := 0; y < p.h; y++ {
		for x := 0; x < p.w; x++ {
			v := 0.0
			for i, kv := range k {
				xx := min(max(x+i-r, 0), p.w-1)
				v += kv * p.at(xx, y)
			}
			tmp.pix[y*p.w+x] = v
		}
	}

	out := newPlane(p.w, p.h)
	for y := 0; y < p.h; y++ {
		for x := 0; x < p.w; x++ {
			v := 0.0
			for i, kv := range k {
				yy := min(max(y+i-r, 0), p.h-1)
				v += kv * tmp.at(x, yy)
			}
			out.pix[y*p.w+x] = v
		}
	}
	return out
}

// mscn returns the mean-subtracted contrast-normalized coefficients and the local deviation map.
func mscn(p plane) (plane, plane) {
	k := gaussianKernel()
	mu := blur(p, k)

	sq := newPlane(p.w, p.h)
	for i, v := range p.pix {
		sq.pix[i] = v * v
	}
	mu2 := blur(sq, k)

	out := newPlane(p.w, p.h)
	sigma := newPlane(p.w, p.h)
	for i := range p.pix {
		s := math.Sqrt(math.Abs(mu2.pix[i] - mu.pix[i]*mu.pix[i]))
		sigma.pix[i] = s
		out.pix[i] = (p.pix[i] - mu.pix[i]) / (s + 1)
	}
	return out, sigma
}

var (
	gammaGrid []float64
	// ggdRatio[i] = Γ(1/g)Γ(3/g)/Γ(2/g)² for gammaGrid[i]
	ggdRatio []float64
	// aggdRatio[i] = Γ(2/g)²/(Γ(1/g)Γ(3/g))
	aggdRatio []float64
)

func init() {
	for g := 0.2; g <= 10.0; g += 0.005 {
		g1, g2, g3 := math.Gamma(1/g), math.Gamma(2/g), math.Gamma(3/g)
		gammaGrid = append(gammaGrid, g)
		ggdRatio = append(ggdRatio, g1*g3/(g2*g2))
		aggdRatio = append(aggdRatio, g2*g2/(g1*g3))
	}
}

func nearest(table []float64, v float64) float64 {
	best, bestDiff := gammaGrid[0], math.Inf(1)
	for i, t := range table {
		if d := math.Abs(t - v); d < bestDiff {
			best, bestDiff = gammaGrid[i], d
		}
	}
	return best
}

// fitGGD estimates the shape and variance of a zero-mean generalized Gaussian.
func fitGGD(x []float64) (alpha, variance float64) {
	if len(x) == 0 {
		return 0, 0
	}
	sq := make([]float64, len(x))
	abs := make([]float64, len(x))
	for i, v := range x {
		sq[i] = v * v
		abs[i] = math.Abs(v)
	}
	variance = stat.Mean(sq, nil)
	e := stat.Mean(abs, nil)
	if e == 0 {
		return gammaGrid[len(gammaGrid)-1], variance
	}
	return nearest(ggdRatio, variance/(e*e)), variance
}

// fitAGGD estimates an asymmetric generalized Gaussian: shape, mean and left/right variances.
func fitAGGD(x []float64) (alpha, mean, leftVar, rightVar float64) {
	var left, right, sq, abs []float64
	for _, v := range x {
		switch {
		case v < 0:
			left = append(left, v*v)
		case v > 0:
			right = append(right, v*v)
		}
		sq = append(sq, v*v)
		abs = append(abs, math.Abs(v))
	}
	if len(left) == 0 || len(right) == 0 {
		return 0, 0, 0, 0
	}

	leftVar = stat.Mean(left, nil)
	rightVar = stat.Mean(right, nil)
	ls, rs := math.Sqrt(leftVar), math.Sqrt(rightVar)
	if rs == 0 {
		return 0, 0, leftVar, rightVar
	}

	g := ls / rs
	m2 := stat.Mean(sq, nil)
	m1 := stat.Mean(abs, nil)
	if m2 == 0 {
		return 0, 0, leftVar, rightVar
	}
	r := m1 * m1 / m2
	rnorm := r * (g*g*g + 1) * (g + 1) / math.Pow(g*g+1, 2)
	alpha = nearest(aggdRatio, rnorm)
	mean = (rs - ls) * (math.Gamma(2/alpha) / math.Gamma(1/alpha)) * math.Sqrt(math.Gamma(1/alpha)/math.Gamma(3/alpha))
	return alpha, mean, leftVar, rightVar
}

// pairShifts are the horizontal, vertical and two diagonal neighbours.
var pairShifts = [4][2]int{{1, 0}, {0, 1}, {1, 1}, {1, -1}}

// features computes the 18 natural scene statistics of one scale of MSCN coefficients
// restricted to the rectangle [x0,x1)x[y0,y1).
func features(m plane, x0, y0, x1, y1 int) []float64 {
	vals := make([]float64, 0, (x1-x0)*(y1-y0))
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			vals = append(vals, m.at(x, y))
		}
	}
	alpha, variance := fitGGD(vals)
	f := []float64{alpha, variance}

	for _, s := range pairShifts {
		prods := make([]float64, 0, len(vals))
		for y := y0; y < y1; y++ {
			yy := y + s[1]
			if yy < 0 || yy >= m.h {
				continue
			}
			for x := x0; x < x1; x++ {
				xx := x + s[0]
				if xx >= m.w {
					continue
				}
				prods = append(prods, m.at(x, y)*m.at(xx, yy))
			}
		}
		a, mean, lv, rv := fitAGGD(prods)
		f = append(f, a, mean, lv, rv)
	}
	return f
}

// pristine holds hand-picked approximate feature means of undistorted natural photographs
// and the spread used to normalize distances from them. They are not the trained models
// published with BRISQUE and NIQE, so scores rank images within a library but are not
// comparable with reference implementations.
var (
	pristine = []float64{
		2.0, 0.35,
		0.75, 0.02, 0.10, 0.12,
		0.75, 0.02, 0.10, 0.12,
		0.70, 0.01, 0.12, 0.13,
		0.70, 0.01, 0.12, 0.13,
	}
	pristineSpread = []float64{
		0.6, 0.2,
		0.3, 0.05, 0.08, 0.08,
		0.3, 0.05, 0.08, 0.08,
		0.3, 0.05, 0.08, 0.08,
		0.3, 0.05, 0.08, 0.08,
	}
)

// distance is the spread-normalized euclidean distance of f from the pristine model.
func distance(f []float64) float64 {
	d := 0.0
	for i, v := range f {
		z := (v - pristine[i]) / pristineSpread[i]
		d += z * z
	}
	return math.Sqrt(d / float64(len(f)))
}
