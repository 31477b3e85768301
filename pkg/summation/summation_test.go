package summation

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shoeboxintegrate/internal/models"
	"shoeboxintegrate/pkg/background"
	"shoeboxintegrate/pkg/mask"
	"shoeboxintegrate/pkg/simulate"
)

func estimate(t *testing.T, sb *models.Shoebox) *background.Model {
	t.Helper()
	bg, status := background.NewEstimator(background.DefaultParams()).Estimate(sb)
	require.Equal(t, models.StatusSuccess, status)
	return bg
}

// A 5x5x3 shoebox at background 10 with 100 counts added to the nine central
// pixels of the middle frame sums to 900.
func TestFlatBackgroundWithSignal(t *testing.T) {
	sb := models.NewShoebox(42, [3]int{}, 5, 5, 3)
	for i := range sb.Data {
		sb.Data[i] = 10
	}
	for y := 1; y <= 3; y++ {
		for x := 1; x <= 3; x++ {
			sb.Data[sb.Index(x, y, 1)] += 100
		}
	}
	region := mask.Box{Min: [3]float64{1, 1, 0}, Max: [3]float64{4, 4, 3}}
	require.NoError(t, mask.Classify(sb, region))

	res := Integrate(sb, estimate(t, sb))
	require.Equal(t, models.StatusSuccess, res.Status)
	assert.Equal(t, int64(42), res.ReflectionID)
	assert.Equal(t, models.MethodSummation, res.Method)
	assert.InDelta(t, 900, res.Intensity, 1e-9)
	assert.GreaterOrEqual(t, res.Variance, 0.0)
	// Poisson variance of the raw foreground, the background is exact
	assert.InDelta(t, 18*10+9*110, res.Variance, 1e-9)
	assert.InDelta(t, 270, res.Background, 1e-9)
	assert.Equal(t, 27, res.NumForeground)
	assert.Equal(t, 48, res.NumBackground)
}

func TestRecoversSyntheticSignal(t *testing.T) {
	for _, s := range []float64{0, 50, 1e4} {
		g := simulate.Generate(simulate.Spot{
			ID:           1,
			Size:         [3]int{11, 11, 9},
			Centre:       [3]float64{5.5, 5.5, 4.5},
			Sigma:        [3]float64{0.5, 0.5, 0.5},
			Intensity:    s,
			Background:   7,
			RegionSigmas: 6,
		}, nil)
		require.NoError(t, mask.Classify(g.Shoebox, g.Region))

		res := Integrate(g.Shoebox, estimate(t, g.Shoebox))
		require.Equal(t, models.StatusSuccess, res.Status)

		// the expected counts inside the region
		var inside float64
		for i, code := range g.Shoebox.Mask {
			if code == models.MaskForeground {
				inside += g.Signal[i]
			}
		}
		// the spot tail outside the region slightly lifts the background
		assert.InDelta(t, inside, res.Intensity, 1e-3*math.Max(1, s))
		assert.GreaterOrEqual(t, res.Variance, 0.0)
	}
}

func TestNoisyBackgroundAddsVariance(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 6))
	g := simulate.Generate(simulate.Spot{
		ID:           1,
		Size:         [3]int{11, 11, 9},
		Centre:       [3]float64{5.5, 5.5, 4.5},
		Sigma:        [3]float64{0.5, 0.5, 0.5},
		Intensity:    2000,
		Background:   20,
		RegionSigmas: 6,
		Noise:        true,
	}, rng)
	require.NoError(t, mask.Classify(g.Shoebox, g.Region))
	bg := estimate(t, g.Shoebox)

	res := Integrate(g.Shoebox, bg)
	require.Equal(t, models.StatusSuccess, res.Status)

	var raw float64
	for i, code := range g.Shoebox.Mask {
		if code == models.MaskForeground {
			raw += math.Max(g.Shoebox.Data[i], 0)
		}
	}
	assert.Greater(t, res.Variance, raw)
	assert.InDelta(t, float64(res.NumForeground)*bg.MeanVariance(), res.BackgroundVariance, 1e-9)
	assert.InDelta(t, 2000, res.Intensity, 5*math.Sqrt(res.Variance))
}

func TestAllForegroundMasked(t *testing.T) {
	sb := models.NewShoebox(8, [3]int{}, 5, 5, 3)
	for i := range sb.Data {
		sb.Data[i] = 10
		x, y, _ := sb.Coords(i)
		if x >= 1 && x <= 3 && y >= 1 && y <= 3 {
			sb.Mask[i] = models.MaskBad
		}
	}
	require.NoError(t, mask.Classify(sb, mask.Box{Min: [3]float64{1, 1, 0}, Max: [3]float64{4, 4, 3}}))
	require.Equal(t, 0, mask.CountForeground(sb))

	res := Integrate(sb, estimate(t, sb))
	assert.Equal(t, models.StatusFailedAllForegroundMasked, res.Status)
	assert.True(t, math.IsNaN(res.Intensity))
	assert.True(t, math.IsNaN(res.Variance))
}
