package registration

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"diffspect/internal/models"
	"diffspect/pkg/imagemath"
	"diffspect/pkg/interpolation"
)

// Resampler reslices volumes into the grid of a reference volume
type Resampler struct {
	kernels *imagemath.Engine
	logger  *zap.Logger

	// Method is the interpolation used to sample the input
	Method interpolation.Method

	// Background fills reference voxels that map outside the input
	Background float64
}

// NewResampler creates a trilinear resampler using the kernel worker pool
func NewResampler(kernels *imagemath.Engine, logger *zap.Logger) *Resampler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resampler{kernels: kernels, logger: logger, Method: interpolation.Trilinear}
}

// Reslice samples input at xform(p) for every voxel p of reference. The
// output has the reference geometry.
func (r *Resampler) Reslice(ctx context.Context, input, reference *models.Volume, xform Transformation) (*models.Volume, error) {
	if err := input.Validate(); err != nil {
		return nil, fmt.Errorf("invalid input image: %w", err)
	}
	if err := reference.Validate(); err != nil {
		return nil, fmt.Errorf("invalid reference image: %w", err)
	}
	if xform == nil {
		xform = NewIdentity()
	}

	sampler := &interpolation.Sampler{Volume: input, Method: r.Method, Background: r.Background}
	out := models.NewLike(reference)
	out.Description = input.Description

	err := r.kernels.ForEachSlab(ctx, out.Depth, func(slab models.Slab) error {
		for z := slab.ZStart; z < slab.ZEnd; z++ {
			for y := 0; y < out.Height; y++ {
				for x := 0; x < out.Width; x++ {
					p := out.VoxelToWorld(float64(x), float64(y), float64(z))
					out.Set(x, y, z, sampler.AtWorld(xform.Transform(p)))
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to reslice %s: %w", input.Description, err)
	}

	r.logger.Debug("Resliced image",
		zap.String("input", input.Description),
		zap.Stringer("reference", reference),
		zap.String("transformation", xform.Kind()))

	return out, nil
}
