package registration

import (
	"diffspect/internal/models"
)

// downsample halves each axis by averaging 2x2x2 blocks. Axes of length one
// are kept. The origin moves to the center of the first block.
func downsample(v *models.Volume) *models.Volume {
	factor := [3]int{2, 2, 2}
	dims := [3]int{v.Width, v.Height, v.Depth}
	for a := range dims {
		if dims[a] < 2 {
			factor[a] = 1
		}
	}

	spacing := v.Spacing()
	out := models.NewVolume(
		ceilDiv(v.Width, factor[0]),
		ceilDiv(v.Height, factor[1]),
		ceilDiv(v.Depth, factor[2]),
		[3]float64{spacing[0] * float64(factor[0]), spacing[1] * float64(factor[1]), spacing[2] * float64(factor[2])},
	)
	for a := 0; a < 3; a++ {
		out.Origin[a] = v.Origin[a] + 0.5*float64(factor[a]-1)*spacing[a]
	}
	out.Description = v.Description

	for z := 0; z < out.Depth; z++ {
		for y := 0; y < out.Height; y++ {
			for x := 0; x < out.Width; x++ {
				sum, count := 0.0, 0
				for dz := 0; dz < factor[2]; dz++ {
					for dy := 0; dy < factor[1]; dy++ {
						for dx := 0; dx < factor[0]; dx++ {
							xx, yy, zz := x*factor[0]+dx, y*factor[1]+dy, z*factor[2]+dz
							if v.Contains(xx, yy, zz) {
								sum += v.At(xx, yy, zz)
								count++
							}
						}
					}
				}
				out.Set(x, y, z, sum/float64(count))
			}
		}
	}
	return out
}

// buildPyramid returns levels volumes ordered from coarsest to finest. The
// last entry is v itself.
func buildPyramid(v *models.Volume, levels int) []*models.Volume {
	if levels < 1 {
		levels = 1
	}
	pyramid := make([]*models.Volume, levels)
	pyramid[levels-1] = v
	for l := levels - 2; l >= 0; l-- {
		pyramid[l] = downsample(pyramid[l+1])
	}
	return pyramid
}

// extent returns the world bounding box of a volume's voxel centers
func extent(v *models.Volume) (lower, upper [3]float64) {
	lower = v.VoxelToWorld(0, 0, 0)
	upper = v.VoxelToWorld(float64(v.Width-1), float64(v.Height-1), float64(v.Depth-1))
	return lower, upper
}

// center returns the world position of the middle of a volume
func center(v *models.Volume) [3]float64 {
	lower, upper := extent(v)
	return [3]float64{(lower[0] + upper[0]) / 2, (lower[1] + upper[1]) / 2, (lower[2] + upper[2]) / 2}
}
