// Package background fits a robust background surface to the background
// pixels of a shoebox and subtracts it.
//
// The fit is iterative: a constant or a plane in the detector x/y axes is fitted
// by least squares, pixels whose externally studentized residual exceeds NSigma
// are excluded, and the fit is repeated until nothing more is excluded or the
// iteration cap is reached. Each pixel is judged against the residual spread of
// the other used pixels, with the leverage of its position in the fit. Excluded pixels keep their mask code; the exclusion
// is recorded in Model.Used.
package background

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"shoeboxintegrate/internal/models"
)

// Kind selects the background surface
type Kind int

const (
	Constant Kind = iota
	Plane
)

// NumParams is the number of fitted coefficients
func (k Kind) NumParams() int {
	if k == Plane {
		return 3
	}
	return 1
}

func (k Kind) String() string {
	if k == Plane {
		return "plane"
	}
	return "constant"
}

// ParseKind accepts "constant" or "plane"
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "constant", "constant3d", "":
		return Constant, nil
	case "plane", "linear", "planar":
		return Plane, nil
	}
	return 0, fmt.Errorf("unknown background model %q", s)
}

// Outlier selects the outlier rejection applied between fits
type Outlier int

const (
	// NSigma excludes pixels whose studentized residual exceeds NSigma
	NSigma Outlier = iota

	// NoRejection fits once over every background pixel (plain mean or plane)
	NoRejection
)

// ParseOutlier accepts "nsigma" or "none"
func ParseOutlier(s string) (Outlier, error) {
	switch strings.ToLower(s) {
	case "nsigma", "":
		return NSigma, nil
	case "none", "null":
		return NoRejection, nil
	}
	return 0, fmt.Errorf("unknown outlier rejection %q", s)
}

// Params controls the background fit
type Params struct {
	Model         Kind
	Outlier       Outlier
	NSigma        float64
	MaxIterations int

	// MinPixels is the smallest number of background pixels a fit may use.
	// It is never allowed below Model.NumParams()+1.
	MinPixels int
}

// DefaultParams returns a constant model with 3 sigma rejection and at most 10 passes
func DefaultParams() Params {
	return Params{
		Model:         Constant,
		Outlier:       NSigma,
		NSigma:        3.0,
		MaxIterations: 10,
	}
}

// minPixels applies the floor of one pixel more than the number of parameters
func (p Params) minPixels() int {
	floor := p.Model.NumParams() + 1
	if p.MinPixels < floor {
		return floor
	}
	return p.MinPixels
}

// Model is a fitted background surface
type Model struct {
	Kind Kind

	// Coeffs are c0 + c1*u + c2*v with u, v measured from the shoebox centre
	Coeffs [3]float64

	// Variance is the residual sample variance over the used pixels
	Variance float64

	NumUsed     int
	NumExcluded int
	Iterations  int

	// Used marks the pixels that took part in the final fit
	Used []bool

	cx, cy float64
}

// Value evaluates the surface at local pixel (x, y)
func (m *Model) Value(x, y int) float64 {
	if m.Kind == Constant {
		return m.Coeffs[0]
	}
	u, v := m.uv(x, y)
	return m.Coeffs[0] + m.Coeffs[1]*u + m.Coeffs[2]*v
}

// MeanVariance is the variance of the fitted background level:
// the residual variance divided by the number of pixels used.
func (m *Model) MeanVariance() float64 {
	if m.NumUsed == 0 {
		return 0
	}
	return m.Variance / float64(m.NumUsed)
}

// Estimator fits background models with fixed parameters. It holds no state
// between calls and is safe for concurrent use.
type Estimator struct {
	params Params
}

// NewEstimator creates an estimator, filling unset iteration and sigma values with defaults
func NewEstimator(params Params) *Estimator {
	def := DefaultParams()
	if params.MaxIterations <= 0 {
		params.MaxIterations = def.MaxIterations
	}
	if params.NSigma <= 0 {
		params.NSigma = def.NSigma
	}
	return &Estimator{params: params}
}

// Params returns the effective parameters
func (e *Estimator) Params() Params { return e.params }

// Estimate fits the background over the pixels coded MaskBackground.
// It returns StatusFailedInsufficientBackground when too few pixels remain.
func (e *Estimator) Estimate(sb *models.Shoebox) (*Model, models.Status) {
	m := &Model{
		Kind: e.params.Model,
		Used: make([]bool, sb.Len()),
		cx:   float64(sb.NX) / 2,
		cy:   float64(sb.NY) / 2,
	}
	initial := 0
	for i, code := range sb.Mask {
		if code == models.MaskBackground {
			m.Used[i] = true
			initial++
		}
	}
	m.NumUsed = initial

	minPixels := e.params.minPixels()
	for {
		if m.NumUsed < minPixels {
			return m, models.StatusFailedInsufficientBackground
		}
		if err := m.fit(sb); err != nil {
			return m, models.StatusFailedInsufficientBackground
		}
		m.Iterations++
		if e.params.Outlier == NoRejection || m.Iterations >= e.params.MaxIterations {
			break
		}
		if m.reject(sb, e.params.NSigma) == 0 {
			break
		}
	}
	m.NumExcluded = initial - m.NumUsed
	return m, models.StatusSuccess
}

// fit solves the least squares problem over the used pixels and sets the residual variance
func (m *Model) fit(sb *models.Shoebox) error {
	values := make([]float64, 0, m.NumUsed)
	for i, used := range m.Used {
		if used {
			values = append(values, sb.Data[i])
		}
	}

	if m.Kind == Constant {
		mean, variance := stat.MeanVariance(values, nil)
		if math.IsNaN(mean) || math.IsInf(mean, 0) {
			return fmt.Errorf("non-finite background mean")
		}
		m.Coeffs = [3]float64{mean, 0, 0}
		if math.IsNaN(variance) {
			variance = 0
		}
		m.Variance = variance
		return nil
	}

	n := len(values)
	a := m.design(sb)
	b := mat.NewVecDense(n, values)

	var qr mat.QR
	qr.Factorize(a)
	var coeffs mat.VecDense
	if err := qr.SolveVecTo(&coeffs, false, b); err != nil {
		return fmt.Errorf("plane fit: %w", err)
	}
	for i := 0; i < 3; i++ {
		c := coeffs.AtVec(i)
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return fmt.Errorf("non-finite plane coefficient")
		}
		m.Coeffs[i] = c
	}

	var rss float64
	for i, used := range m.Used {
		if !used {
			continue
		}
		x, y, _ := sb.Coords(i)
		r := sb.Data[i] - m.Value(x, y)
		rss += r * r
	}
	m.Variance = rss / float64(n-3)
	return nil
}

// uv returns the plane coordinates of local pixel (x, y)
func (m *Model) uv(x, y int) (float64, float64) {
	return float64(x) + 0.5 - m.cx, float64(y) + 0.5 - m.cy
}

// design builds the plane design matrix, one row per used pixel
func (m *Model) design(sb *models.Shoebox) *mat.Dense {
	a := mat.NewDense(m.NumUsed, 3, nil)
	row := 0
	for i, used := range m.Used {
		if !used {
			continue
		}
		x, y, _ := sb.Coords(i)
		u, v := m.uv(x, y)
		a.Set(row, 0, 1)
		a.Set(row, 1, u)
		a.Set(row, 2, v)
		row++
	}
	return a
}

// leverage returns the hat matrix diagonal of the current fit, indexed by pixel
func (m *Model) leverage(sb *models.Shoebox) ([]float64, error) {
	h := make([]float64, len(m.Used))
	if m.Kind == Constant {
		for i, used := range m.Used {
			if used {
				h[i] = 1 / float64(m.NumUsed)
			}
		}
		return h, nil
	}

	var ata mat.SymDense
	ata.SymOuterK(1, m.design(sb).T())
	var chol mat.Cholesky
	if ok := chol.Factorize(&ata); !ok {
		return nil, fmt.Errorf("plane design is singular")
	}
	var inv mat.SymDense
	if err := chol.InverseTo(&inv); err != nil {
		return nil, fmt.Errorf("plane design: %w", err)
	}
	row := mat.NewVecDense(3, nil)
	for i, used := range m.Used {
		if !used {
			continue
		}
		x, y, _ := sb.Coords(i)
		u, v := m.uv(x, y)
		row.SetVec(0, 1)
		row.SetVec(1, u)
		row.SetVec(2, v)
		h[i] = mat.Inner(row, &inv, row)
	}
	return h, nil
}

// reject drops used pixels whose externally studentized residual exceeds
// nsigma and returns how many were dropped. The scale for pixel i is the
// residual standard deviation of the fit with pixel i left out.
func (m *Model) reject(sb *models.Shoebox, nsigma float64) int {
	p := m.Kind.NumParams()
	dof := m.NumUsed - p - 1
	if dof < 1 {
		return 0
	}
	h, err := m.leverage(sb)
	if err != nil {
		return 0
	}
	rss := m.Variance * float64(m.NumUsed-p)
	// residuals at rounding level are never outliers
	floor := 1e-9 * math.Max(1, math.Abs(m.Coeffs[0]))

	dropped := 0
	for i, used := range m.Used {
		if !used {
			continue
		}
		x, y, _ := sb.Coords(i)
		r := sb.Data[i] - m.Value(x, y)
		if math.Abs(r) <= floor || h[i] >= 1 {
			continue
		}
		others := (rss - r*r/(1-h[i])) / float64(dof)
		limit := nsigma * math.Sqrt(math.Max(others, 0)*(1-h[i]))
		if math.Abs(r) > math.Max(limit, floor) {
			m.Used[i] = false
			dropped++
		}
	}
	m.NumUsed -= dropped
	return dropped
}

// Values returns the background surface evaluated at every pixel
func Values(sb *models.Shoebox, m *Model) []float64 {
	out := make([]float64, sb.Len())
	for i := range out {
		x, y, _ := sb.Coords(i)
		out[i] = m.Value(x, y)
	}
	return out
}

// Subtract returns a background-corrected copy of the shoebox data
func Subtract(sb *models.Shoebox, m *Model) []float64 {
	out := Values(sb, m)
	for i := range out {
		out[i] = sb.Data[i] - out[i]
	}
	return out
}
