package models

import (
	"fmt"
)

// Volume represents a 3D sampled scalar image (a SPECT or MRI scan, a
// standard-deviation map, a mask or a t-map).
type Volume struct {
	// Data is the 3D volume data as a 1D array, x fastest:
	// index = z*Width*Height + y*Width + x
	Data []float64

	// Width is the width of the volume in voxels
	Width int

	// Height is the height of the volume in voxels
	Height int

	// Depth is the depth of the volume in voxels
	Depth int

	// Frames is the size of the fourth dimension of the source file.
	// Only the first frame is kept in Data.
	Frames int

	// VoxelSize is the physical size of each voxel in mm
	VoxelSize struct {
		X, Y, Z float64
	}

	// Origin is the position in mm of voxel (0,0,0)
	Origin [3]float64

	// Description is a free text label used in logs
	Description string
}

// NewVolume allocates a zero-filled volume with the given dimensions and
// voxel spacing.
func NewVolume(width, height, depth int, spacing [3]float64) *Volume {
	v := &Volume{
		Data:   make([]float64, width*height*depth),
		Width:  width,
		Height: height,
		Depth:  depth,
		Frames: 1,
	}
	v.VoxelSize.X, v.VoxelSize.Y, v.VoxelSize.Z = spacing[0], spacing[1], spacing[2]
	return v
}

// NewLike allocates a zero-filled volume sharing v's geometry.
func NewLike(v *Volume) *Volume {
	out := NewVolume(v.Width, v.Height, v.Depth, v.Spacing())
	out.Origin = v.Origin
	return out
}

// Clone returns a deep copy of v.
func (v *Volume) Clone() *Volume {
	out := NewLike(v)
	copy(out.Data, v.Data)
	out.Frames = v.Frames
	out.Description = v.Description
	return out
}

// Dimensions returns the grid size. The fourth entry is the frame count.
func (v *Volume) Dimensions() []int {
	frames := v.Frames
	if frames < 1 {
		frames = 1
	}
	return []int{v.Width, v.Height, v.Depth, frames}
}

// Spacing returns the voxel size in mm.
func (v *Volume) Spacing() [3]float64 {
	return [3]float64{v.VoxelSize.X, v.VoxelSize.Y, v.VoxelSize.Z}
}

// Len returns the number of voxels in one frame.
func (v *Volume) Len() int {
	return v.Width * v.Height * v.Depth
}

// Index converts voxel coordinates to an offset into Data.
func (v *Volume) Index(x, y, z int) int {
	return z*v.Width*v.Height + y*v.Width + x
}

// Coords converts an offset into Data back to voxel coordinates.
func (v *Volume) Coords(idx int) (x, y, z int) {
	plane := v.Width * v.Height
	z = idx / plane
	rem := idx % plane
	return rem % v.Width, rem / v.Width, z
}

// Contains reports whether the voxel coordinates lie inside the grid.
func (v *Volume) Contains(x, y, z int) bool {
	return x >= 0 && y >= 0 && z >= 0 && x < v.Width && y < v.Height && z < v.Depth
}

// At returns the value at voxel (x,y,z).
func (v *Volume) At(x, y, z int) float64 {
	return v.Data[v.Index(x, y, z)]
}

// Set stores a value at voxel (x,y,z).
func (v *Volume) Set(x, y, z int, value float64) {
	v.Data[v.Index(x, y, z)] = value
}

// VoxelToWorld maps continuous voxel coordinates to mm.
func (v *Volume) VoxelToWorld(i, j, k float64) [3]float64 {
	return [3]float64{
		v.Origin[0] + i*v.VoxelSize.X,
		v.Origin[1] + j*v.VoxelSize.Y,
		v.Origin[2] + k*v.VoxelSize.Z,
	}
}

// WorldToVoxel maps a point in mm to continuous voxel coordinates.
func (v *Volume) WorldToVoxel(p [3]float64) (i, j, k float64) {
	return (p[0] - v.Origin[0]) / v.VoxelSize.X,
		(p[1] - v.Origin[1]) / v.VoxelSize.Y,
		(p[2] - v.Origin[2]) / v.VoxelSize.Z
}

// Validate checks that the header agrees with the data buffer.
func (v *Volume) Validate() error {
	if v.Width <= 0 || v.Height <= 0 || v.Depth <= 0 {
		return fmt.Errorf("invalid dimensions %dx%dx%d", v.Width, v.Height, v.Depth)
	}
	if len(v.Data) != v.Len() {
		return fmt.Errorf("data length %d does not match dimensions %dx%dx%d",
			len(v.Data), v.Width, v.Height, v.Depth)
	}
	if v.VoxelSize.X <= 0 || v.VoxelSize.Y <= 0 || v.VoxelSize.Z <= 0 {
		return fmt.Errorf("invalid voxel size %gx%gx%g", v.VoxelSize.X, v.VoxelSize.Y, v.VoxelSize.Z)
	}
	return nil
}

// String describes the volume the way it is shown in progress messages.
func (v *Volume) String() string {
	name := v.Description
	if name == "" {
		name = "volume"
	}
	return fmt.Sprintf("%s %dx%dx%d, spacing %.2fx%.2fx%.2f mm",
		name, v.Width, v.Height, v.Depth, v.VoxelSize.X, v.VoxelSize.Y, v.VoxelSize.Z)
}

// Congruent reports whether two volumes share the same voxel grid size.
// Only the first three dimensions are compared.
func Congruent(a, b *Volume) bool {
	if a == nil || b == nil {
		return false
	}
	return a.Width == b.Width && a.Height == b.Height && a.Depth == b.Depth
}
