// Package fitting integrates a reflection by scaling a reference profile to the
// background-corrected shoebox with weighted linear least squares.
//
// With profile values p, data d and weights w over the usable foreground
// pixels the estimate is
//
//	I = Σ w·p·d / Σ w·p²,   Var(I) = 1 / Σ w·p².
//
// Variance weighting uses the per-pixel model variance bg + I·p plus the
// background variance, so the weights depend on I and the estimate is
// refined by iterative reweighting.
package fitting

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/stat"

	"shoeboxintegrate/internal/models"
	"shoeboxintegrate/pkg/background"
)

// Weighting selects the least squares weights
type Weighting int

const (
	// VarianceWeighting uses inverse model variance, refined iteratively
	VarianceWeighting Weighting = iota

	// UniformWeighting uses w = 1 for every pixel
	UniformWeighting
)

func (w Weighting) String() string {
	if w == UniformWeighting {
		return "uniform"
	}
	return "variance"
}

// ParseWeighting accepts "variance" or "uniform"
func ParseWeighting(s string) (Weighting, error) {
	switch strings.ToLower(s) {
	case "variance", "":
		return VarianceWeighting, nil
	case "uniform", "none":
		return UniformWeighting, nil
	}
	return 0, fmt.Errorf("unknown profile fitting weighting %q", s)
}

// Params controls the fit
type Params struct {
	Weighting Weighting

	// Epsilon is the smallest acceptable Σ w·p²
	Epsilon float64

	// MaxIterations caps the reweighting passes
	MaxIterations int

	// Tolerance is the relative change in I that stops reweighting
	Tolerance float64

	// MinPixelVariance floors the per-pixel variance used for weights
	MinPixelVariance float64
}

// DefaultParams returns variance weighting with at most 10 passes
func DefaultParams() Params {
	return Params{
		Weighting:        VarianceWeighting,
		Epsilon:          1e-10,
		MaxIterations:    10,
		Tolerance:        1e-6,
		MinPixelVariance: 1,
	}
}

func (p Params) withDefaults() Params {
	def := DefaultParams()
	if p.Epsilon <= 0 {
		p.Epsilon = def.Epsilon
	}
	if p.MaxIterations <= 0 {
		p.MaxIterations = def.MaxIterations
	}
	if p.Tolerance <= 0 {
		p.Tolerance = def.Tolerance
	}
	if p.MinPixelVariance <= 0 {
		p.MinPixelVariance = def.MinPixelVariance
	}
	return p
}

// Fitter fits profiles with fixed parameters and is safe for concurrent use
type Fitter struct {
	params Params
}

// NewFitter creates a fitter, filling unset parameters with defaults
func NewFitter(params Params) *Fitter {
	return &Fitter{params: params.withDefaults()}
}

// pixel is one usable foreground pixel
type pixel struct {
	p, d, bg float64
}

// Fit scales the profile values (aligned with sb.Data) to the background-corrected
// foreground pixels of sb
func (f *Fitter) Fit(sb *models.Shoebox, bg *background.Model, profile []float64) models.Result {
	fail := func(status models.Status) models.Result {
		return models.Failed(sb.ReflectionID, models.MethodProfileFitting, status)
	}
	if len(profile) != sb.Len() {
		return fail(models.StatusFailedProfileFitDiverged)
	}

	pixels := make([]pixel, 0, sb.Len())
	for i, code := range sb.Mask {
		if code != models.MaskForeground {
			continue
		}
		x, y, _ := sb.Coords(i)
		b := bg.Value(x, y)
		pixels = append(pixels, pixel{p: profile[i], d: sb.Data[i] - b, bg: b})
	}
	if len(pixels) == 0 {
		return fail(models.StatusFailedAllForegroundMasked)
	}

	bgVar := bg.MeanVariance()
	weight := func(px pixel, intensity float64) float64 {
		if f.params.Weighting == UniformWeighting {
			return 1
		}
		v := math.Max(px.bg+intensity*px.p, 0) + bgVar
		return 1 / math.Max(v, f.params.MinPixelVariance)
	}

	// the first pass uses the weights of a zero-intensity model
	var intensity, denom float64
	for iter := 0; iter < f.params.MaxIterations; iter++ {
		var num float64
		denom = 0
		for _, px := range pixels {
			w := weight(px, intensity)
			num += w * px.p * px.d
			denom += w * px.p * px.p
		}
		if denom < f.params.Epsilon {
			return fail(models.StatusFailedProfileFitDiverged)
		}
		next := num / denom
		if math.IsNaN(next) || math.IsInf(next, 0) {
			return fail(models.StatusFailedProfileFitDiverged)
		}
		converged := math.Abs(next-intensity) <= f.params.Tolerance*math.Max(1, math.Abs(next))
		intensity = next
		if f.params.Weighting == UniformWeighting || converged {
			break
		}
	}

	// variance uses the weights at the final estimate
	denom = 0
	for _, px := range pixels {
		denom += weight(px, intensity) * px.p * px.p
	}
	if denom < f.params.Epsilon {
		return fail(models.StatusFailedProfileFitDiverged)
	}

	res := models.Result{
		ReflectionID:  sb.ReflectionID,
		Method:        models.MethodProfileFitting,
		Status:        models.StatusSuccess,
		Intensity:     intensity,
		Variance:      1 / denom,
		NumForeground: len(pixels),
		NumBackground: bg.NumUsed,
	}
	ps := make([]float64, len(pixels))
	ds := make([]float64, len(pixels))
	for i, px := range pixels {
		ps[i], ds[i] = px.p, px.d
		res.Background += px.bg
		res.BackgroundVariance += bgVar
	}
	if len(pixels) > 1 {
		if c := stat.Correlation(ps, ds, nil); !math.IsNaN(c) {
			res.Correlation = c
		}
	}
	return res
}
