// Package summation integrates a reflection by summing background-corrected
// foreground pixels.
package summation

import (
	"math"

	"shoeboxintegrate/internal/models"
	"shoeboxintegrate/pkg/background"
)

// Integrate sums raw minus background over the foreground pixels.
//
// The variance of each pixel is its Poisson variance max(raw, 0) plus the
// variance of the fitted background level. A shoebox without any usable
// foreground pixel fails with StatusFailedAllForegroundMasked and carries NaN
// intensity and variance.
func Integrate(sb *models.Shoebox, bg *background.Model) models.Result {
	nfg := sb.Count(models.MaskForeground)
	if nfg == 0 {
		return models.Failed(sb.ReflectionID, models.MethodSummation, models.StatusFailedAllForegroundMasked)
	}

	bgVar := bg.MeanVariance()
	res := models.Result{
		ReflectionID:  sb.ReflectionID,
		Method:        models.MethodSummation,
		Status:        models.StatusSuccess,
		NumForeground: nfg,
		NumBackground: bg.NumUsed,
	}
	for i, code := range sb.Mask {
		if code != models.MaskForeground {
			continue
		}
		x, y, _ := sb.Coords(i)
		b := bg.Value(x, y)
		raw := sb.Data[i]
		res.Intensity += raw - b
		res.Variance += math.Max(raw, 0) + bgVar
		res.Background += b
		res.BackgroundVariance += bgVar
	}
	return res
}
