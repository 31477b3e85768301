// Package twod integrates a reflection one frame at a time.
//
// Each frame of the shoebox is treated as an independent 2D shoebox: its
// background is fitted, then it is integrated by summation or, when a reference
// profile is available, by fitting the frame-projected profile. Frame
// intensities and variances are summed. It serves as a fallback when no
// reliable 3D profile exists and as a cross-check of the 3D methods.
package twod

import (
	"math"

	"shoeboxintegrate/internal/models"
	"shoeboxintegrate/pkg/background"
	"shoeboxintegrate/pkg/fitting"
	"shoeboxintegrate/pkg/mask"
	"shoeboxintegrate/pkg/profile"
	"shoeboxintegrate/pkg/summation"
)

// SliceResult is the outcome for one frame
type SliceResult struct {
	// Frame is the local frame index inside the shoebox
	Frame int

	// Skipped is set when the foreground region does not reach the frame
	Skipped bool

	Result models.Result
}

// Output is the combined result plus the per-frame breakdown
type Output struct {
	Result models.Result
	Slices []SliceResult
}

// Integrator holds the per-frame background and fitting settings. It is
// read-only after construction and safe for concurrent use.
type Integrator struct {
	estimator *background.Estimator
	fitter    *fitting.Fitter
	profile   *profile.Profile
}

// New creates a 2D integrator. prof may be nil, in which case frames are
// integrated by summation; a 3D profile is projected onto a single frame.
func New(bg background.Params, fit fitting.Params, prof *profile.Profile) *Integrator {
	if prof != nil && prof.Grid().NZ > 1 {
		prof = prof.Project()
	}
	return &Integrator{
		estimator: background.NewEstimator(bg),
		fitter:    fitting.NewFitter(fit),
		profile:   prof,
	}
}

// UsesProfile reports whether frames are profile fitted
func (t *Integrator) UsesProfile() bool { return t.profile != nil }

// Integrate processes every frame of an already classified shoebox. The
// combined status is that of the first failing frame; frames that succeeded
// still contribute to the sums, and Partial marks such a mixed outcome.
func (t *Integrator) Integrate(sb *models.Shoebox, region mask.Region) Output {
	out := Output{Slices: make([]SliceResult, 0, sb.NZ)}
	centre := region.Center()

	total := models.Result{
		ReflectionID: sb.ReflectionID,
		Method:       models.MethodTwoD,
		Status:       models.StatusSuccess,
	}
	succeeded, failed := 0, 0
	for z := 0; z < sb.NZ; z++ {
		slice := sb.Slice(z)
		if !reaches(slice, region) {
			out.Slices = append(out.Slices, SliceResult{Frame: z, Skipped: true})
			continue
		}

		res := t.integrateSlice(slice, centre)
		res.Method = models.MethodTwoD
		out.Slices = append(out.Slices, SliceResult{Frame: z, Result: res})

		if !res.Status.OK() {
			if failed == 0 {
				total.Status = res.Status
			}
			failed++
			continue
		}
		succeeded++
		total.Intensity += res.Intensity
		total.Variance += res.Variance
		total.Background += res.Background
		total.BackgroundVariance += res.BackgroundVariance
		total.NumForeground += res.NumForeground
		total.NumBackground += res.NumBackground
	}

	switch {
	case succeeded == 0 && failed == 0:
		total = models.Failed(sb.ReflectionID, models.MethodTwoD, models.StatusFailedAllForegroundMasked)
	case succeeded == 0:
		total.Intensity = math.NaN()
		total.Variance = math.NaN()
	case failed > 0:
		total.Partial = true
	}
	out.Result = total
	return out
}

func (t *Integrator) integrateSlice(slice *models.Shoebox, centre [3]float64) models.Result {
	if slice.Count(models.MaskForeground) == 0 {
		return models.Failed(slice.ReflectionID, models.MethodTwoD, models.StatusFailedAllForegroundMasked)
	}
	bg, status := t.estimator.Estimate(slice)
	if !status.OK() {
		return models.Failed(slice.ReflectionID, models.MethodTwoD, status)
	}
	if t.profile == nil {
		return summation.Integrate(slice, bg)
	}
	// the projected profile has one frame, centred on this slice
	frameCentre := [3]float64{centre[0], centre[1], float64(slice.Origin[2]) + 0.5}
	return t.fitter.Fit(slice, bg, t.profile.Sample(slice, frameCentre))
}

// reaches reports whether any pixel centre of the frame lies in the region
func reaches(slice *models.Shoebox, region mask.Region) bool {
	for i := 0; i < slice.Len(); i++ {
		x, y, z := slice.Center(i)
		if region.Contains(x, y, z) {
			return true
		}
	}
	return false
}
