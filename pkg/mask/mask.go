// Package mask assigns foreground and background codes to shoebox pixels
// from a foreground region predicted for the reflection.
package mask

import (
	"errors"
	"fmt"
	"math"

	"shoeboxintegrate/internal/models"
)

// ErrInvalidGeometry reports a malformed shoebox or foreground region.
// It is a caller error and is not retried.
var ErrInvalidGeometry = errors.New("invalid geometry")

// Region is a foreground volume in detector coordinates (x, y, frame).
// Pixel centres sit at index + 0.5.
type Region interface {
	// Contains reports whether the point lies inside the region
	Contains(x, y, z float64) bool

	// Bounds returns the axis-aligned bounding box of the region
	Bounds() (min, max [3]float64)

	// Center returns the predicted reflection centre
	Center() [3]float64
}

// Box is an axis-aligned region, closed at Min and open at Max
type Box struct {
	Min, Max [3]float64
}

func (b Box) Contains(x, y, z float64) bool {
	p := [3]float64{x, y, z}
	for i := 0; i < 3; i++ {
		if p[i] < b.Min[i] || p[i] >= b.Max[i] {
			return false
		}
	}
	return true
}

func (b Box) Bounds() (min, max [3]float64) { return b.Min, b.Max }

func (b Box) Center() [3]float64 {
	var c [3]float64
	for i := range c {
		c[i] = 0.5 * (b.Min[i] + b.Max[i])
	}
	return c
}

// Ellipsoid is an axis-aligned ellipsoid, the usual shape of a predicted spot
type Ellipsoid struct {
	Centre [3]float64
	Radii  [3]float64
}

func (e Ellipsoid) Contains(x, y, z float64) bool {
	p := [3]float64{x, y, z}
	var d float64
	for i := 0; i < 3; i++ {
		u := (p[i] - e.Centre[i]) / e.Radii[i]
		d += u * u
	}
	return d <= 1
}

func (e Ellipsoid) Bounds() (min, max [3]float64) {
	for i := 0; i < 3; i++ {
		min[i] = e.Centre[i] - e.Radii[i]
		max[i] = e.Centre[i] + e.Radii[i]
	}
	return min, max
}

func (e Ellipsoid) Center() [3]float64 { return e.Centre }

// checkRegion rejects degenerate regions and regions that miss the shoebox
func checkRegion(sb *models.Shoebox, region Region) error {
	if region == nil {
		return fmt.Errorf("%w: nil foreground region", ErrInvalidGeometry)
	}
	if err := sb.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidGeometry, err)
	}
	lo, hi := region.Bounds()
	ext := [3]int{sb.NX, sb.NY, sb.NZ}
	for i := 0; i < 3; i++ {
		if math.IsNaN(lo[i]) || math.IsNaN(hi[i]) || !(hi[i] > lo[i]) {
			return fmt.Errorf("%w: degenerate region on axis %d [%g, %g)", ErrInvalidGeometry, i, lo[i], hi[i])
		}
		sbLo := float64(sb.Origin[i])
		sbHi := float64(sb.Origin[i] + ext[i])
		if hi[i] <= sbLo || lo[i] >= sbHi {
			return fmt.Errorf("%w: region [%g, %g) misses shoebox %d extent [%g, %g) on axis %d",
				ErrInvalidGeometry, lo[i], hi[i], sb.ReflectionID, sbLo, sbHi, i)
		}
	}
	return nil
}

// Classify marks every pixel inside the region as foreground and every other
// pixel as background. Bad and overlapped pixels keep their codes. Only the
// mask is modified, and it is left untouched when an error is returned.
func Classify(sb *models.Shoebox, region Region) error {
	if err := checkRegion(sb, region); err != nil {
		return err
	}

	inside := make([]bool, sb.Len())
	hits := 0
	for i := range inside {
		x, y, z := sb.Center(i)
		if region.Contains(x, y, z) {
			inside[i] = true
			hits++
		}
	}
	if hits == 0 {
		return fmt.Errorf("%w: no pixel centre of shoebox %d lies inside the foreground region",
			ErrInvalidGeometry, sb.ReflectionID)
	}

	for i, in := range inside {
		if sb.Mask[i].Fixed() {
			continue
		}
		if in {
			sb.Mask[i] = models.MaskForeground
		} else {
			sb.Mask[i] = models.MaskBackground
		}
	}
	return nil
}

// Completeness returns the fraction of pixels inside the region that are
// usable foreground. Zero when the region covers no pixel.
func Completeness(sb *models.Shoebox, region Region) float64 {
	total, usable := 0, 0
	for i := 0; i < sb.Len(); i++ {
		x, y, z := sb.Center(i)
		if !region.Contains(x, y, z) {
			continue
		}
		total++
		if sb.Mask[i] == models.MaskForeground {
			usable++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(usable) / float64(total)
}

// CountForeground returns the number of usable foreground pixels
func CountForeground(sb *models.Shoebox) int {
	return sb.Count(models.MaskForeground)
}
