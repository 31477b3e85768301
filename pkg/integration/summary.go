package integration

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/stat"

	"shoeboxintegrate/internal/models"
)

// MethodSummary holds the statistics of one method over a batch
type MethodSummary struct {
	// Counts maps each status to the number of reflections that ended with it
	Counts map[models.Status]int

	// Integrated is the number of successful results
	Integrated int

	// MeanIOverSigma is the mean I/sigma of the successful results
	MeanIOverSigma float64

	// MedianIOverSigma is the median I/sigma of the successful results
	MedianIOverSigma float64
}

// Summary holds batch-level quality figures
type Summary struct {
	// Reflections is the number of distinct reflections with at least one result
	Reflections int

	// InvalidGeometry counts reflections rejected before integration
	InvalidGeometry int

	// PerMethod is keyed by method
	PerMethod map[models.Method]*MethodSummary

	// SumPrfCorrelation is the Pearson correlation of summation and profile
	// fitted intensities over reflections where both succeeded, NaN if undefined
	SumPrfCorrelation float64
}

// Summarize computes the statistics of a result list
func Summarize(results []models.Result) Summary {
	s := Summary{
		PerMethod:         make(map[models.Method]*MethodSummary),
		SumPrfCorrelation: math.NaN(),
	}
	seen := make(map[int64]bool)
	ios := make(map[models.Method][]float64)
	sums := make(map[int64]float64)
	prfs := make(map[int64]float64)

	for _, r := range results {
		seen[r.ReflectionID] = true
		ms, ok := s.PerMethod[r.Method]
		if !ok {
			ms = &MethodSummary{Counts: make(map[models.Status]int)}
			s.PerMethod[r.Method] = ms
		}
		ms.Counts[r.Status]++
		if !r.Status.OK() {
			continue
		}
		ms.Integrated++
		ios[r.Method] = append(ios[r.Method], r.IOverSigma())
		switch r.Method {
		case models.MethodSummation:
			sums[r.ReflectionID] = r.Intensity
		case models.MethodProfileFitting:
			prfs[r.ReflectionID] = r.Intensity
		}
	}
	s.Reflections = len(seen)

	for m, values := range ios {
		s.PerMethod[m].MeanIOverSigma = stat.Mean(values, nil)
		s.PerMethod[m].MedianIOverSigma = median(values)
	}

	var xs, ys []float64
	for id, sum := range sums {
		if prf, ok := prfs[id]; ok {
			xs = append(xs, sum)
			ys = append(ys, prf)
		}
	}
	if len(xs) > 1 {
		s.SumPrfCorrelation = stat.Correlation(xs, ys, nil)
	}
	return s
}

// median calculates the median of a slice of values
func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	// stat.Quantile needs sorted input
	sort.Float64s(sorted)
	return stat.Quantile(0.5, stat.Empirical, sorted, nil)
}

// String renders the summary as an aligned text table
func (s Summary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Reflections: %d (invalid geometry: %d)\n", s.Reflections, s.InvalidGeometry)
	for _, m := range models.Methods {
		ms, ok := s.PerMethod[m]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "%-4s integrated %6d  mean I/sigma %8.2f  median I/sigma %8.2f\n",
			m, ms.Integrated, ms.MeanIOverSigma, ms.MedianIOverSigma)
		for _, st := range []models.Status{
			models.StatusFailedInsufficientBackground,
			models.StatusFailedProfileFitDiverged,
			models.StatusFailedAllForegroundMasked,
		} {
			if c := ms.Counts[st]; c > 0 {
				fmt.Fprintf(&b, "     %-32s %6d\n", st, c)
			}
		}
	}
	if !math.IsNaN(s.SumPrfCorrelation) {
		fmt.Fprintf(&b, "Correlation sum/prf: %.4f\n", s.SumPrfCorrelation)
	}
	return b.String()
}
