// Package simulate generates synthetic shoeboxes: a Gaussian spot on a flat or
// sloped background, optionally with Poisson counting noise. It feeds the
// command-line harness and the tests.
package simulate

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"

	"shoeboxintegrate/internal/models"
	"shoeboxintegrate/pkg/mask"
)

// Spot describes one synthetic reflection
type Spot struct {
	ID     int64
	Origin [3]int
	Size   [3]int

	// Centre of the spot in detector coordinates
	Centre [3]float64

	// Sigma is the Gaussian width along x, y and frame
	Sigma [3]float64

	// Intensity is the expected total counts of the spot over the whole shoebox
	Intensity float64

	// Background is the flat level, Gradient adds a slope along x and y per pixel
	Background float64
	Gradient   [2]float64

	// RegionSigmas sets the foreground ellipsoid radius in units of Sigma
	RegionSigmas float64

	// Noise adds Poisson noise to every pixel
	Noise bool

	// Bad lists flat pixel indices to mark MaskBad
	Bad []int
}

// Reflection is a generated shoebox with its foreground region
type Reflection struct {
	Shoebox *models.Shoebox
	Region  mask.Ellipsoid

	// Signal is the expected spot counts per pixel without background
	Signal []float64
}

// Generate renders a spot. rng may be nil when Noise is false.
func Generate(s Spot, rng *rand.Rand) Reflection {
	sb := models.NewShoebox(s.ID, s.Origin, s.Size[0], s.Size[1], s.Size[2])
	signal := make([]float64, sb.Len())

	var total float64
	for i := range signal {
		x, y, z := sb.Center(i)
		p := [3]float64{x, y, z}
		var e float64
		for k := 0; k < 3; k++ {
			d := (p[k] - s.Centre[k]) / s.Sigma[k]
			e += d * d
		}
		signal[i] = math.Exp(-0.5 * e)
		total += signal[i]
	}
	if total > 0 {
		for i := range signal {
			signal[i] *= s.Intensity / total
		}
	}

	cx := float64(s.Origin[0]) + float64(s.Size[0])/2
	cy := float64(s.Origin[1]) + float64(s.Size[1])/2
	for i := range sb.Data {
		x, y, _ := sb.Center(i)
		expected := s.Background + s.Gradient[0]*(x-cx) + s.Gradient[1]*(y-cy) + signal[i]
		if s.Noise && expected > 0 {
			expected = distuv.Poisson{Lambda: expected, Src: rng}.Rand()
		}
		sb.Data[i] = expected
	}
	for _, idx := range s.Bad {
		if idx >= 0 && idx < len(sb.Mask) {
			sb.Mask[idx] = models.MaskBad
		}
	}

	k := s.RegionSigmas
	if k <= 0 {
		k = 3
	}
	region := mask.Ellipsoid{
		Centre: s.Centre,
		Radii:  [3]float64{k * s.Sigma[0], k * s.Sigma[1], k * s.Sigma[2]},
	}
	return Reflection{Shoebox: sb, Region: region, Signal: signal}
}

// Params controls a synthetic batch
type Params struct {
	Count      int
	Size       [3]int
	Sigma      [3]float64
	Background float64

	// MinIntensity and MaxIntensity bound the log-uniform spot intensities
	MinIntensity float64
	MaxIntensity float64

	// BadFraction is the chance that any pixel is flagged bad
	BadFraction float64

	// DetectorSize spreads the spots over an x/y area
	DetectorSize [2]int
}

// DefaultParams returns a batch of 1000 noisy 11x11x7 spots
func DefaultParams() Params {
	return Params{
		Count:        1000,
		Size:         [3]int{11, 11, 7},
		Sigma:        [3]float64{1.2, 1.2, 1.0},
		Background:   10,
		MinIntensity: 10,
		MaxIntensity: 1e5,
		BadFraction:  0.002,
		DetectorSize: [2]int{2048, 2048},
	}
}

// Batch generates Count noisy reflections with IDs 1..Count from a fixed seed
func Batch(p Params, seed uint64) []Reflection {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	out := make([]Reflection, 0, p.Count)
	logMin := math.Log(p.MinIntensity)
	logMax := math.Log(p.MaxIntensity)
	for i := 0; i < p.Count; i++ {
		origin := [3]int{
			rng.IntN(max(1, p.DetectorSize[0]-p.Size[0])),
			rng.IntN(max(1, p.DetectorSize[1]-p.Size[1])),
			rng.IntN(360),
		}
		var centre [3]float64
		for k := 0; k < 3; k++ {
			// keep the peak within half a pixel of the box centre
			centre[k] = float64(origin[k]) + float64(p.Size[k])/2 + rng.Float64() - 0.5
		}
		var bad []int
		if p.BadFraction > 0 {
			n := p.Size[0] * p.Size[1] * p.Size[2]
			for j := 0; j < n; j++ {
				if rng.Float64() < p.BadFraction {
					bad = append(bad, j)
				}
			}
		}
		out = append(out, Generate(Spot{
			ID:         int64(i + 1),
			Origin:     origin,
			Size:       p.Size,
			Centre:     centre,
			Sigma:      p.Sigma,
			Intensity:  math.Exp(logMin + rng.Float64()*(logMax-logMin)),
			Background: p.Background,
			Noise:      true,
			Bad:        bad,
		}, rng))
	}
	return out
}
