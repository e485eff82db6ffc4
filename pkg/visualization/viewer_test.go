package visualization

import (
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"diffspect/internal/models"
)

// createGradientVolume fills each z plane with the value z
func createGradientVolume(width, height, depth int) *models.Volume {
	v := models.NewVolume(width, height, depth, [3]float64{2, 2, 2})
	for z := 0; z < depth; z++ {
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				v.Set(x, y, z, float64(z))
			}
		}
	}
	return v
}

func TestExtractSlice(t *testing.T) {
	v := createGradientVolume(6, 4, 5)
	viewer, err := NewViewer(v)
	require.NoError(t, err)

	tests := []struct {
		axis          string
		position      int
		width, height int
	}{
		{"z", 2, 6, 4},
		{"y", 1, 6, 5},
		{"x", 3, 5, 4},
	}
	for _, tt := range tests {
		t.Run(tt.axis, func(t *testing.T) {
			img, err := viewer.ExtractSlice(tt.axis, tt.position)
			require.NoError(t, err)
			assert.Equal(t, tt.width, img.Bounds().Dx())
			assert.Equal(t, tt.height, img.Bounds().Dy())
		})
	}

	// z=4 is the maximum of the window
	img, err := viewer.ExtractSlice("z", 4)
	require.NoError(t, err)
	assert.Equal(t, uint16(65535), img.Gray16At(0, 0).Y)

	img, err = viewer.ExtractSlice("z", 0)
	require.NoError(t, err)
	assert.Equal(t, uint16(0), img.Gray16At(3, 2).Y)

	// Along x, image columns walk through z
	img, err = viewer.ExtractSlice("x", 0)
	require.NoError(t, err)
	assert.Less(t, img.Gray16At(0, 0).Y, img.Gray16At(4, 0).Y)
}

func TestExtractSliceErrors(t *testing.T) {
	viewer, err := NewViewer(createGradientVolume(4, 4, 4))
	require.NoError(t, err)

	_, err = viewer.ExtractSlice("w", 0)
	assert.Error(t, err)
	_, err = viewer.ExtractSlice("z", 4)
	assert.Error(t, err)
	_, err = viewer.ExtractSlice("z", -1)
	assert.Error(t, err)

	_, err = NewViewer(nil)
	assert.Error(t, err)
}

func TestStatColor(t *testing.T) {
	_, ok := StatColor(1.5, 2)
	assert.False(t, ok)

	c, ok := StatColor(2, 2)
	require.True(t, ok)
	r, g, b, _ := c.RGBA()
	assert.Greater(t, r, b, "positive values are warm")
	assert.Zero(t, g>>8)

	c, ok = StatColor(-10, 2)
	require.True(t, ok)
	assert.Equal(t, color.NRGBA{R: 0, G: 255, B: 255, A: 255}, c, "saturates at twice the threshold")

	_, ok = StatColor(5, 0)
	assert.False(t, ok)
}

func TestOverlay(t *testing.T) {
	anatomy := createGradientVolume(8, 8, 4)
	stat := models.NewLike(anatomy)
	stat.Set(2, 3, 1, 5)
	stat.Set(5, 5, 1, -5)

	viewer, err := NewViewer(anatomy)
	require.NoError(t, err)

	img, err := viewer.Overlay(stat, "z", 1, 2)
	require.NoError(t, err)

	hot := img.NRGBAAt(2, 3)
	cold := img.NRGBAAt(5, 5)
	plain := img.NRGBAAt(0, 0)
	assert.Greater(t, hot.R, hot.B)
	assert.Greater(t, cold.B, cold.R)
	assert.Equal(t, plain.R, plain.B, "untouched voxels stay gray")

	_, err = viewer.Overlay(models.NewVolume(2, 2, 2, [3]float64{1, 1, 1}), "z", 0, 2)
	assert.Error(t, err)
}

func TestSaveClusterSnapshots(t *testing.T) {
	anatomy := createGradientVolume(10, 10, 6)
	stat := models.NewLike(anatomy)
	stat.Set(4, 4, 3, 2.5)

	clusters := []models.ClusterRecord{
		{Index: 1, Size: 1, Coords: [3]int{4, 4, 3}, MaxT: 6},
		{Index: 2, Size: 1, Coords: [3]int{1, 1, 0}, MaxT: 3},
	}

	dir := filepath.Join(t.TempDir(), "snapshots")
	paths, err := SaveClusterSnapshots(anatomy, stat, clusters, dir, SnapshotOptions{Threshold: 2, Scale: 8, Prefix: "hyper"})
	require.NoError(t, err)
	require.Equal(t, []string{filepath.Join(dir, "hyper_01.png"), filepath.Join(dir, "hyper_02.png")}, paths)

	img, err := imaging.Open(paths[0])
	require.NoError(t, err)
	assert.Equal(t, 80, img.Bounds().Dx())
	assert.Equal(t, 80, img.Bounds().Dy())

	// The cluster voxel (4,4) lands at row 10-1-4=5 after the vertical flip
	r, g, b, _ := img.At(4*8+4, 5*8+4).RGBA()
	assert.Greater(t, r, b)
	assert.Greater(t, r, g)
}

func TestSaveClusterSnapshotsOutside(t *testing.T) {
	anatomy := createGradientVolume(4, 4, 4)
	clusters := []models.ClusterRecord{{Index: 1, Coords: [3]int{9, 0, 0}}}

	_, err := SaveClusterSnapshots(anatomy, models.NewLike(anatomy), clusters, t.TempDir(), SnapshotOptions{Threshold: 1})
	assert.Error(t, err)
}

func TestSaveSliceSequence(t *testing.T) {
	viewer, err := NewViewer(createGradientVolume(4, 3, 5))
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, viewer.SaveSliceSequence("z", dir))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 5)
	assert.Equal(t, "slice_z_000.png", entries[0].Name())

	assert.Error(t, viewer.SaveSliceSequence("q", dir))
}
