package imagemath

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"

	"diffspect/internal/models"
)

const (
	// normalizedMean is the value the above-threshold mean is scaled to
	normalizedMean = 50.0

	// normalizeThreshold is the fraction of the global mean that selects
	// the voxels used for scaling
	normalizeThreshold = 0.8

	// minSD is the smallest standard deviation treated as valid
	minSD = 1e-6
)

// SpectNormalize scales a SPECT image so that the mean of its voxels above
// 80% of the mean positive intensity equals 50. This removes global count
// differences between acquisitions.
func (e *Engine) SpectNormalize(v *models.Volume) (*models.Volume, error) {
	// Step 1: Mean of the positive voxels
	sum, count := 0.0, 0
	for _, val := range v.Data {
		if val > 0 {
			sum += val
			count++
		}
	}
	if count == 0 {
		return nil, fmt.Errorf("failed to normalize %s: image has no positive voxels", v.Description)
	}
	globalMean := sum / float64(count)

	// Step 2: Mean of the voxels above the threshold
	threshold := normalizeThreshold * globalMean
	sum, count = 0, 0
	for _, val := range v.Data {
		if val > threshold {
			sum += val
			count++
		}
	}
	brainMean := sum / float64(count)

	// Step 3: Scale
	out := v.Clone()
	floats.Scale(normalizedMean/brainMean, out.Data)

	e.logger.Debug("Normalized SPECT image",
		zap.String("volume", v.Description),
		zap.Float64("globalMean", globalMean),
		zap.Float64("brainMean", brainMean))

	return out, nil
}

// SpectTmap computes the voxelwise t statistic
//
//	t = (ictal - interictal) / (sd * sqrt(1 + 1/n))
//
// where sd is the population standard deviation image and n the population
// size. Voxels with sd at or below 1e-6, or outside the optional mask, are 0.
func (e *Engine) SpectTmap(ctx context.Context, interictal, ictal, sd, mask *models.Volume) (*models.Volume, error) {
	if !models.Congruent(interictal, ictal) || !models.Congruent(interictal, sd) {
		return nil, fmt.Errorf("failed to compute t-map: images are not congruent (%v, %v, %v)", interictal, ictal, sd)
	}
	if mask != nil && !models.Congruent(interictal, mask) {
		return nil, fmt.Errorf("failed to compute t-map: mask %v is not congruent with %v", mask, interictal)
	}
	if e.PopulationSize < 2 {
		return nil, fmt.Errorf("failed to compute t-map: population size must be at least 2, got %d", e.PopulationSize)
	}

	scale := math.Sqrt(1 + 1/float64(e.PopulationSize))
	out := models.NewLike(interictal)
	out.Description = "tmap"
	plane := out.Width * out.Height

	err := e.ForEachSlab(ctx, out.Depth, func(slab models.Slab) error {
		for i := slab.ZStart * plane; i < slab.ZEnd*plane; i++ {
			if mask != nil && mask.Data[i] <= 0 {
				continue
			}
			s := sd.Data[i]
			if s <= minSD {
				continue
			}
			out.Data[i] = (ictal.Data[i] - interictal.Data[i]) / (s * scale)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to compute t-map: %w", err)
	}

	return out, nil
}
