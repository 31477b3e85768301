package integration

import (
	"context"
	"math"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shoeboxintegrate/internal/models"
	"shoeboxintegrate/internal/monitoring"
	"shoeboxintegrate/pkg/background"
	"shoeboxintegrate/pkg/config"
	"shoeboxintegrate/pkg/mask"
	"shoeboxintegrate/pkg/profile"
	"shoeboxintegrate/pkg/simulate"
)

func init() {
	monitoring.SetLogger(nil)
}

func testConfig(workers int, methods ...string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Processing.NumWorkers = workers
	cfg.Processing.Methods = methods
	cfg.Output.Verbose = false
	return cfg
}

// reflections generates n noisy spots without bad pixels
func reflections(n int, seed uint64) []Reflection {
	p := simulate.DefaultParams()
	p.Count = n
	p.BadFraction = 0
	p.MinIntensity = 500
	generated := simulate.Batch(p, seed)
	out := make([]Reflection, len(generated))
	for i, g := range generated {
		out[i] = Reflection{Shoebox: g.Shoebox, Region: g.Region}
	}
	return out
}

func newIntegrator(t *testing.T, cfg *config.Config) *Integrator {
	t.Helper()
	it, err := NewIntegrator(cfg)
	require.NoError(t, err)
	return it
}

func TestProcessAllMethods(t *testing.T) {
	it := newIntegrator(t, testConfig(4, "sum", "prf", "2d"))
	refls := reflections(60, 1)

	batch, err := it.Process(context.Background(), refls)
	require.NoError(t, err)
	require.NotNil(t, batch.Profiles)
	assert.Greater(t, batch.Contributors, 10)
	require.Len(t, batch.Results, 3*len(refls))

	ordered := sort.SliceIsSorted(batch.Results, func(a, b int) bool {
		ra, rb := batch.Results[a], batch.Results[b]
		if ra.ReflectionID != rb.ReflectionID {
			return ra.ReflectionID < rb.ReflectionID
		}
		return ra.Method < rb.Method
	})
	assert.True(t, ordered, "results must be sorted by reflection then method")

	for _, r := range batch.Results {
		require.Equal(t, models.StatusSuccess, r.Status, "reflection %d method %v", r.ReflectionID, r.Method)
		assert.GreaterOrEqual(t, r.Variance, 0.0)
	}

	assert.Equal(t, 60, batch.Summary.Reflections)
	assert.Equal(t, 0, batch.Summary.InvalidGeometry)
	for _, m := range models.Methods {
		require.Contains(t, batch.Summary.PerMethod, m)
		assert.Equal(t, 60, batch.Summary.PerMethod[m].Integrated)
	}
	assert.Greater(t, batch.Summary.SumPrfCorrelation, 0.99)
	assert.NotEmpty(t, batch.RunID.String())
}

func TestProcessIndependentOfWorkers(t *testing.T) {
	serial, err := newIntegrator(t, testConfig(1, "sum", "prf")).Process(context.Background(), reflections(30, 2))
	require.NoError(t, err)
	parallel, err := newIntegrator(t, testConfig(6, "sum", "prf")).Process(context.Background(), reflections(30, 2))
	require.NoError(t, err)

	opts := cmp.Options{cmpopts.EquateApprox(1e-9, 1e-12), cmpopts.EquateNaNs()}
	if diff := cmp.Diff(serial.Results, parallel.Results, opts); diff != "" {
		t.Errorf("results depend on the worker count (-serial +parallel):\n%s", diff)
	}
}

func TestAllForegroundBadReflection(t *testing.T) {
	refls := reflections(20, 3)
	victim := refls[4]
	sb := victim.Shoebox
	for i := range sb.Mask {
		x, y, z := sb.Center(i)
		if victim.Region.Contains(x, y, z) {
			sb.Mask[i] = models.MaskBad
		}
	}

	batch, err := newIntegrator(t, testConfig(3, "sum", "prf", "2d")).Process(context.Background(), refls)
	require.NoError(t, err)
	require.Len(t, batch.Results, 3*20)

	for _, r := range batch.Results {
		if r.ReflectionID == victim.ID() {
			assert.Equal(t, models.StatusFailedAllForegroundMasked, r.Status, "method %v", r.Method)
			assert.True(t, math.IsNaN(r.Intensity))
			continue
		}
		assert.Equal(t, models.StatusSuccess, r.Status)
	}
	for _, m := range models.Methods {
		assert.Equal(t, 1, batch.Summary.PerMethod[m].Counts[models.StatusFailedAllForegroundMasked])
	}
}

func TestInvalidGeometryIsCounted(t *testing.T) {
	refls := reflections(10, 4)
	refls[2].Region = mask.Box{Min: [3]float64{-50, -50, -50}, Max: [3]float64{-40, -40, -40}}
	refls[7].Shoebox = nil

	batch, err := newIntegrator(t, testConfig(2, "sum")).Process(context.Background(), refls)
	require.NoError(t, err)
	assert.Len(t, batch.Results, 8)
	assert.Equal(t, 2, batch.Summary.InvalidGeometry)
	assert.Equal(t, 8, batch.Summary.Reflections)
	assert.Nil(t, batch.Profiles, "summation alone learns no profile")
}

func TestProcessCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	batch, err := newIntegrator(t, testConfig(2, "sum", "prf")).Process(ctx, reflections(10, 5))
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, batch)
	assert.Empty(t, batch.Results)
}

func TestNoStrongReflections(t *testing.T) {
	refls := reflections(10, 6)
	weak := false
	for i := range refls {
		refls[i].Strong = &weak
	}

	batch, err := newIntegrator(t, testConfig(2, "sum", "prf", "2d")).Process(context.Background(), refls)
	require.NoError(t, err)
	assert.Nil(t, batch.Profiles)
	assert.Equal(t, 0, batch.Contributors)

	for _, r := range batch.Results {
		switch r.Method {
		case models.MethodProfileFitting:
			assert.Equal(t, models.StatusFailedProfileFitDiverged, r.Status)
		default:
			// summation and the 2D summation fallback still succeed
			assert.Equal(t, models.StatusSuccess, r.Status, "method %v", r.Method)
		}
	}
}

func TestIntegrateSingleReflection(t *testing.T) {
	it := newIntegrator(t, testConfig(1, "2d", "sum", "prf"))
	assert.Equal(t, []models.Method{models.MethodTwoD, models.MethodSummation, models.MethodProfileFitting}, it.Methods())

	g := simulate.Generate(simulate.Spot{
		ID:           77,
		Origin:       [3]int{10, 10, 0},
		Size:         [3]int{11, 11, 7},
		Centre:       [3]float64{15.5, 15.5, 3.5},
		Sigma:        [3]float64{0.7, 0.7, 0.6},
		Intensity:    4000,
		Background:   8,
		RegionSigmas: 4.5,
	}, nil)
	results, err := it.Integrate(Reflection{Shoebox: g.Shoebox, Region: g.Region}, nil)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, models.MethodTwoD, results[0].Method)
	assert.Equal(t, models.StatusSuccess, results[0].Status)
	assert.Equal(t, models.StatusSuccess, results[1].Status)
	assert.InDelta(t, results[1].Intensity, results[0].Intensity, 0.02*results[1].Intensity)
	assert.Equal(t, models.StatusFailedProfileFitDiverged, results[2].Status)

	_, err = it.Integrate(Reflection{Shoebox: g.Shoebox, Region: nil}, nil)
	assert.ErrorIs(t, err, mask.ErrInvalidGeometry)
}

func TestNewIntegratorRejectsBadConfig(t *testing.T) {
	cfg := testConfig(1, "sum")
	cfg.Background.Model = "quadric"
	_, err := NewIntegrator(cfg)
	assert.Error(t, err)

	_, err = NewIntegrator(testConfig(1))
	assert.Error(t, err)
}

func TestEveryPixelBad(t *testing.T) {
	it := newIntegrator(t, testConfig(1, "sum", "prf"))
	g := simulate.Generate(simulate.Spot{
		ID:         5,
		Size:       [3]int{5, 5, 3},
		Centre:     [3]float64{2.5, 2.5, 1.5},
		Sigma:      [3]float64{1, 1, 1},
		Intensity:  900,
		Background: 10,
	}, nil)
	for i := range g.Shoebox.Mask {
		g.Shoebox.Mask[i] = models.MaskBad
	}

	results, err := it.Integrate(Reflection{Shoebox: g.Shoebox, Region: g.Region}, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, models.StatusFailedAllForegroundMasked, r.Status, "method %v", r.Method)
	}
}

func TestIntegrateWithLearnedProfile(t *testing.T) {
	cfg := testConfig(1, "sum", "prf", "2d")
	it := newIntegrator(t, cfg)
	refls := reflections(40, 7)

	var contribs []profile.Contribution
	for _, r := range refls[1:] {
		require.NoError(t, mask.Classify(r.Shoebox, r.Region))
		bg, status := background.NewEstimator(background.DefaultParams()).Estimate(r.Shoebox)
		require.Equal(t, models.StatusSuccess, status)
		contribs = append(contribs, profile.Contribution{
			Shoebox:   r.Shoebox,
			Region:    r.Region,
			Corrected: background.Subtract(r.Shoebox, bg),
		})
	}
	learned, err := profile.Learn(context.Background(), cfg.ProfileParams(), contribs)
	require.NoError(t, err)
	set, err := profile.NewSet(learned)
	require.NoError(t, err)

	results, err := it.Integrate(refls[0], set)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, r := range results {
		assert.Equal(t, models.StatusSuccess, r.Status, "method %v", r.Method)
	}
	sum, prf := results[0], results[1]
	assert.InDelta(t, sum.Intensity, prf.Intensity, 5*math.Sqrt(sum.Variance))

	// the 2D integrators are built once per profile set
	first := it.resourcesFor(set)
	_, err = it.Integrate(refls[1], set)
	require.NoError(t, err)
	assert.Same(t, first, it.resourcesFor(set))
	assert.NotSame(t, first, it.resourcesFor(nil))
}
