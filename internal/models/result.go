package models

import (
	"fmt"
	"math"
	"strings"
)

// Status records whether an integration succeeded and, if not, why
type Status int

const (
	StatusSuccess Status = iota
	StatusFailedInsufficientBackground
	StatusFailedProfileFitDiverged
	StatusFailedAllForegroundMasked
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusFailedInsufficientBackground:
		return "FAILED_INSUFFICIENT_BACKGROUND"
	case StatusFailedProfileFitDiverged:
		return "FAILED_PROFILE_FIT_DIVERGED"
	case StatusFailedAllForegroundMasked:
		return "FAILED_ALL_FOREGROUND_MASKED"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// OK reports whether the status is StatusSuccess
func (s Status) OK() bool { return s == StatusSuccess }

// Method is the closed set of integration algorithms
type Method int

const (
	MethodSummation Method = iota
	MethodProfileFitting
	MethodTwoD
)

// Methods lists every method in reporting order
var Methods = []Method{MethodSummation, MethodProfileFitting, MethodTwoD}

func (m Method) String() string {
	switch m {
	case MethodSummation:
		return "sum"
	case MethodProfileFitting:
		return "prf"
	case MethodTwoD:
		return "2d"
	default:
		return fmt.Sprintf("Method(%d)", int(m))
	}
}

// ParseMethod accepts the short names used in configuration files
func ParseMethod(name string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "sum", "summation":
		return MethodSummation, nil
	case "prf", "profile", "profile-fitting":
		return MethodProfileFitting, nil
	case "2d", "twod":
		return MethodTwoD, nil
	default:
		return 0, fmt.Errorf("unknown integration method %q", name)
	}
}

// Result is the per-reflection, per-method integration record.
// It is created once and not modified afterwards.
type Result struct {
	// ReflectionID links the result back to its reflection
	ReflectionID int64

	// Method is the algorithm that produced the result
	Method Method

	// Status is StatusSuccess or the reason the integration failed
	Status Status

	// Intensity is the background-corrected intensity estimate.
	// NaN when the status makes it undefined.
	Intensity float64

	// Variance is the non-negative variance of Intensity
	Variance float64

	// Background is the summed background under the foreground pixels
	Background float64

	// BackgroundVariance is the variance of Background
	BackgroundVariance float64

	// NumForeground and NumBackground count the pixels that were used
	NumForeground int
	NumBackground int

	// Correlation between the reference profile and the data (profile fitting only)
	Correlation float64

	// Partial is set by the 2D method when some frames failed but others contributed
	Partial bool
}

// Failed builds a result carrying only a failure status
func Failed(id int64, method Method, status Status) Result {
	return Result{
		ReflectionID: id,
		Method:       method,
		Status:       status,
		Intensity:    math.NaN(),
		Variance:     math.NaN(),
	}
}

// IOverSigma returns Intensity / sqrt(Variance), or 0 when undefined
func (r Result) IOverSigma() float64 {
	if !r.Status.OK() || !(r.Variance > 0) {
		return 0
	}
	return r.Intensity / math.Sqrt(r.Variance)
}
