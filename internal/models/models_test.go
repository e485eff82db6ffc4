package models

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVolumeIndexing(t *testing.T) {
	v := NewVolume(4, 3, 2, [3]float64{1, 2, 3})
	require.NoError(t, v.Validate())
	assert.Equal(t, 24, v.Len())
	assert.Equal(t, []int{4, 3, 2, 1}, v.Dimensions())

	idx := v.Index(3, 2, 1)
	assert.Equal(t, 23, idx)
	x, y, z := v.Coords(idx)
	assert.Equal(t, [3]int{3, 2, 1}, [3]int{x, y, z})

	v.Set(1, 2, 1, 7)
	assert.Equal(t, 7.0, v.At(1, 2, 1))
	assert.True(t, v.Contains(0, 0, 0))
	assert.False(t, v.Contains(4, 0, 0))
	assert.False(t, v.Contains(0, -1, 0))
}

func TestVolumeWorldCoordinates(t *testing.T) {
	v := NewVolume(10, 10, 10, [3]float64{2, 2, 4})
	v.Origin = [3]float64{-10, 0, 5}

	p := v.VoxelToWorld(1, 2.5, 3)
	assert.Equal(t, [3]float64{-8, 5, 17}, p)

	i, j, k := v.WorldToVoxel(p)
	assert.InDelta(t, 1, i, 1e-12)
	assert.InDelta(t, 2.5, j, 1e-12)
	assert.InDelta(t, 3, k, 1e-12)
}

func TestVolumeCloneAndLike(t *testing.T) {
	v := NewVolume(2, 2, 2, [3]float64{1, 1, 1})
	v.Origin = [3]float64{1, 2, 3}
	v.Description = "ictal"
	v.Data[5] = 9

	c := v.Clone()
	c.Data[5] = 1
	assert.Equal(t, 9.0, v.Data[5])
	assert.Equal(t, "ictal", c.Description)
	assert.Equal(t, v.Origin, c.Origin)

	like := NewLike(v)
	assert.True(t, Congruent(v, like))
	assert.Zero(t, like.Data[5])
	assert.False(t, Congruent(v, nil))
	assert.False(t, Congruent(v, NewVolume(2, 2, 3, [3]float64{1, 1, 1})))
}

func TestVolumeValidate(t *testing.T) {
	v := NewVolume(2, 2, 2, [3]float64{1, 1, 1})
	v.Data = v.Data[:7]
	assert.Error(t, v.Validate())

	v = NewVolume(2, 2, 2, [3]float64{1, 0, 1})
	assert.Error(t, v.Validate())

	v = &Volume{}
	assert.Error(t, v.Validate())
}

func TestVolumeString(t *testing.T) {
	v := NewVolume(3, 4, 5, [3]float64{2, 2, 2})
	assert.Equal(t, "volume 3x4x5, spacing 2.00x2.00x2.00 mm", v.String())
	v.Description = "tmap"
	assert.True(t, strings.HasPrefix(v.String(), "tmap "))
}

func TestSplitSlabs(t *testing.T) {
	tests := []struct {
		depth, n int
		want     []Slab
	}{
		{10, 3, []Slab{{0, 4}, {4, 8}, {8, 10}}},
		{4, 8, []Slab{{0, 1}, {1, 2}, {2, 3}, {3, 4}}},
		{5, 0, []Slab{{0, 5}}},
		{0, 4, nil},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SplitSlabs(tt.depth, tt.n), "depth %d, n %d", tt.depth, tt.n)
	}
}

func TestClusterRecordString(t *testing.T) {
	c := ClusterRecord{Index: 1, Size: 312, Coords: [3]int{20, 16, 16}, MaxT: 5.4321, ClusterP: 0.000123, CorrectedP: 0.0456}
	row := c.String()

	assert.Contains(t, row, "5.43")
	assert.Contains(t, row, "1.23e-04")
	assert.Contains(t, row, "4.56e-02")
	assert.Equal(t, len(ClusterHeader), len(row), "rows line up with the header")
}
