package mask

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shoeboxintegrate/internal/models"
)

// centralBox covers the central 3x3 pixels of every frame of a 5x5xN shoebox at the origin
func centralBox(nz int) Box {
	return Box{Min: [3]float64{1, 1, 0}, Max: [3]float64{4, 4, float64(nz)}}
}

func TestClassifyBox(t *testing.T) {
	sb := models.NewShoebox(1, [3]int{}, 5, 5, 3)
	require.NoError(t, Classify(sb, centralBox(3)))

	assert.Equal(t, 27, sb.Count(models.MaskForeground))
	assert.Equal(t, 48, sb.Count(models.MaskBackground))
	assert.Equal(t, 0, sb.Count(models.MaskValid))
	assert.Equal(t, models.MaskForeground, sb.Mask[sb.Index(2, 2, 1)])
	assert.Equal(t, models.MaskBackground, sb.Mask[sb.Index(0, 2, 1)])
}

func TestClassifyKeepsFixedCodes(t *testing.T) {
	sb := models.NewShoebox(1, [3]int{}, 5, 5, 3)
	bad := sb.Index(2, 2, 1)
	overlapped := sb.Index(0, 0, 0)
	sb.Mask[bad] = models.MaskBad
	sb.Mask[overlapped] = models.MaskOverlapped

	require.NoError(t, Classify(sb, centralBox(3)))
	assert.Equal(t, models.MaskBad, sb.Mask[bad])
	assert.Equal(t, models.MaskOverlapped, sb.Mask[overlapped])
	assert.Equal(t, 26, CountForeground(sb))
	assert.Equal(t, 47, sb.Count(models.MaskBackground))
}

func TestClassifyIsRepeatable(t *testing.T) {
	sb := models.NewShoebox(1, [3]int{}, 5, 5, 3)
	require.NoError(t, Classify(sb, centralBox(3)))
	first := append([]models.MaskCode(nil), sb.Mask...)

	require.NoError(t, Classify(sb, centralBox(3)))
	assert.Equal(t, first, sb.Mask)

	// a smaller region reassigns the free pixels
	small := Box{Min: [3]float64{2, 2, 0}, Max: [3]float64{3, 3, 3}}
	require.NoError(t, Classify(sb, small))
	assert.Equal(t, 3, CountForeground(sb))
}

func TestClassifyEllipsoid(t *testing.T) {
	sb := models.NewShoebox(1, [3]int{100, 100, 10}, 7, 7, 5)
	region := Ellipsoid{Centre: [3]float64{103.5, 103.5, 12.5}, Radii: [3]float64{1.1, 1.1, 1.1}}
	require.NoError(t, Classify(sb, region))

	// the centre pixel and its six face neighbours
	assert.Equal(t, 7, CountForeground(sb))
	assert.Equal(t, models.MaskForeground, sb.Mask[sb.Index(3, 3, 2)])
	assert.Equal(t, models.MaskForeground, sb.Mask[sb.Index(3, 3, 1)])
	assert.Equal(t, models.MaskBackground, sb.Mask[sb.Index(4, 4, 2)])
	assert.Equal(t, [3]float64{103.5, 103.5, 12.5}, region.Center())
}

func TestClassifyInvalidGeometry(t *testing.T) {
	cases := []struct {
		name   string
		region Region
	}{
		{"nil region", nil},
		{"outside shoebox", Box{Min: [3]float64{10, 10, 0}, Max: [3]float64{12, 12, 3}}},
		{"degenerate", Box{Min: [3]float64{1, 1, 0}, Max: [3]float64{1, 4, 3}}},
		{"between pixel centres", Box{Min: [3]float64{1.6, 1.6, 0}, Max: [3]float64{1.9, 1.9, 3}}},
		{"zero radius", Ellipsoid{Centre: [3]float64{2.5, 2.5, 1.5}, Radii: [3]float64{0, 1, 1}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sb := models.NewShoebox(1, [3]int{}, 5, 5, 3)
			err := Classify(sb, tc.region)
			require.ErrorIs(t, err, ErrInvalidGeometry)
			assert.Equal(t, sb.Len(), sb.Count(models.MaskValid), "mask must be untouched")
		})
	}

	broken := models.NewShoebox(1, [3]int{}, 5, 5, 3)
	broken.Data = broken.Data[:3]
	assert.ErrorIs(t, Classify(broken, centralBox(3)), ErrInvalidGeometry)
}

func TestCompleteness(t *testing.T) {
	sb := models.NewShoebox(1, [3]int{}, 5, 5, 3)
	region := centralBox(3)
	require.NoError(t, Classify(sb, region))
	assert.Equal(t, 1.0, Completeness(sb, region))

	sb.Mask[sb.Index(2, 2, 0)] = models.MaskBad
	sb.Mask[sb.Index(2, 2, 1)] = models.MaskBad
	sb.Mask[sb.Index(2, 2, 2)] = models.MaskBad
	assert.InDelta(t, 24.0/27.0, Completeness(sb, region), 1e-12)

	outside := Box{Min: [3]float64{50, 50, 0}, Max: [3]float64{51, 51, 1}}
	assert.Equal(t, 0.0, Completeness(sb, outside))
}
