package imagemath

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"

	"diffspect/internal/models"
)

// gaussianKernel builds a normalized 1D kernel of radius ceil(sigma*radiusFactor),
// capped so it never exceeds the axis it is applied to.
func gaussianKernel(sigma, radiusFactor float64, axisLen int) []float64 {
	if sigma <= 0 || axisLen < 2 {
		return []float64{1}
	}

	radius := int(math.Ceil(sigma * radiusFactor))
	if radius > axisLen-1 {
		radius = axisLen - 1
	}
	if radius < 1 {
		radius = 1
	}

	kernel := make([]float64, 2*radius+1)
	sum := 0.0
	for i := -radius; i <= radius; i++ {
		w := math.Exp(-float64(i*i) / (2 * sigma * sigma))
		kernel[i+radius] = w
		sum += w
	}
	for i := range kernel {
		kernel[i] /= sum
	}
	return kernel
}

// Smooth applies a separable Gaussian filter. When inMM is set sigma is in mm
// and converted per axis with the voxel spacing. Borders are clamped.
func (e *Engine) Smooth(ctx context.Context, v *models.Volume, sigma [3]float64, inMM bool, radiusFactor float64) (*models.Volume, error) {
	if err := v.Validate(); err != nil {
		return nil, fmt.Errorf("failed to smooth %s: %w", v.Description, err)
	}
	if radiusFactor <= 0 {
		return nil, fmt.Errorf("failed to smooth %s: radius factor must be positive, got %g", v.Description, radiusFactor)
	}

	sigmaVox := sigma
	if inMM {
		spacing := v.Spacing()
		for i := range sigmaVox {
			sigmaVox[i] = sigma[i] / spacing[i]
		}
	}

	e.logger.Debug("Smoothing volume",
		zap.String("volume", v.Description),
		zap.Float64s("sigmaVoxels", sigmaVox[:]),
		zap.Float64("radiusFactor", radiusFactor))

	dims := [3]int{v.Width, v.Height, v.Depth}
	src := v.Clone()
	dst := models.NewLike(v)
	dst.Description = v.Description

	// One pass per axis, ping-ponging between the two buffers
	for axis := 0; axis < 3; axis++ {
		kernel := gaussianKernel(sigmaVox[axis], radiusFactor, dims[axis])
		if len(kernel) == 1 {
			continue
		}
		if err := e.convolveAxis(ctx, src, dst, axis, kernel); err != nil {
			return nil, fmt.Errorf("failed to smooth %s along axis %d: %w", v.Description, axis, err)
		}
		src, dst = dst, src
	}

	src.Description = v.Description
	return src, nil
}

// convolveAxis filters src along one axis into dst
func (e *Engine) convolveAxis(ctx context.Context, src, dst *models.Volume, axis int, kernel []float64) error {
	radius := len(kernel) / 2
	w, h, d := src.Width, src.Height, src.Depth

	return e.ForEachSlab(ctx, d, func(slab models.Slab) error {
		for z := slab.ZStart; z < slab.ZEnd; z++ {
			for y := 0; y < h; y++ {
				for x := 0; x < w; x++ {
					sum := 0.0
					for k := -radius; k <= radius; k++ {
						xx, yy, zz := x, y, z
						switch axis {
						case 0:
							xx = clampIndex(x+k, w)
						case 1:
							yy = clampIndex(y+k, h)
						case 2:
							zz = clampIndex(z+k, d)
						}
						sum += kernel[k+radius] * src.Data[zz*w*h+yy*w+xx]
					}
					dst.Data[z*w*h+y*w+x] = sum
				}
			}
		}
		return nil
	})
}

func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}
