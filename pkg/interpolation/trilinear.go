// Package interpolation samples volumes at continuous voxel positions.
package interpolation

import (
	"math"

	"diffspect/internal/models"
)

// Method selects how a volume is sampled between grid points
type Method int

const (
	Trilinear Method = iota
	NearestNeighbor
)

// String returns the method name used in logs
func (m Method) String() string {
	switch m {
	case Trilinear:
		return "trilinear"
	case NearestNeighbor:
		return "nearest"
	default:
		return "unknown"
	}
}

// Sampler reads values of a volume at continuous voxel coordinates.
// Positions outside the grid return Background.
type Sampler struct {
	Volume     *models.Volume
	Method     Method
	Background float64
}

// NewSampler creates a trilinear sampler with a zero background
func NewSampler(v *models.Volume) *Sampler {
	return &Sampler{Volume: v, Method: Trilinear}
}

// At returns the interpolated value at voxel coordinates (i, j, k)
func (s *Sampler) At(i, j, k float64) float64 {
	if s.Method == NearestNeighbor {
		return s.nearest(i, j, k)
	}
	return s.trilinear(i, j, k)
}

// AtWorld returns the interpolated value at a point in mm
func (s *Sampler) AtWorld(p [3]float64) float64 {
	i, j, k := s.Volume.WorldToVoxel(p)
	return s.At(i, j, k)
}

func (s *Sampler) nearest(i, j, k float64) float64 {
	x := int(math.Round(i))
	y := int(math.Round(j))
	z := int(math.Round(k))
	if !s.Volume.Contains(x, y, z) {
		return s.Background
	}
	return s.Volume.At(x, y, z)
}

// trilinear blends the 8 surrounding voxels. A position within half a voxel
// outside the grid is clamped to the border so that the last plane of a
// volume resampled onto itself is preserved.
func (s *Sampler) trilinear(i, j, k float64) float64 {
	v := s.Volume
	if i < -0.5 || j < -0.5 || k < -0.5 ||
		i > float64(v.Width)-0.5 || j > float64(v.Height)-0.5 || k > float64(v.Depth)-0.5 {
		return s.Background
	}

	i = clamp(i, 0, float64(v.Width-1))
	j = clamp(j, 0, float64(v.Height-1))
	k = clamp(k, 0, float64(v.Depth-1))

	x0, y0, z0 := int(math.Floor(i)), int(math.Floor(j)), int(math.Floor(k))
	x1, y1, z1 := minInt(x0+1, v.Width-1), minInt(y0+1, v.Height-1), minInt(z0+1, v.Depth-1)
	fx, fy, fz := i-float64(x0), j-float64(y0), k-float64(z0)

	// Interpolate along x, then y, then z
	c00 := lerp(v.At(x0, y0, z0), v.At(x1, y0, z0), fx)
	c10 := lerp(v.At(x0, y1, z0), v.At(x1, y1, z0), fx)
	c01 := lerp(v.At(x0, y0, z1), v.At(x1, y0, z1), fx)
	c11 := lerp(v.At(x0, y1, z1), v.At(x1, y1, z1), fx)

	c0 := lerp(c00, c10, fy)
	c1 := lerp(c01, c11, fy)

	return lerp(c0, c1, fz)
}

func lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
