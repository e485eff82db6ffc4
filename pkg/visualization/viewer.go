// Package visualization renders orthogonal slices of study volumes and
// overlays thresholded t-maps on them, producing one snapshot per cluster.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	colorful "github.com/lucasb-eyer/go-colorful"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"diffspect/internal/models"
)

// Viewer extracts display slices from a volume. Intensities are windowed
// to the volume's [min, max] range.
type Viewer struct {
	volume *models.Volume

	// lo and hi are the display window
	lo, hi float64
}

// NewViewer creates a viewer over v
func NewViewer(v *models.Volume) (*Viewer, error) {
	if v == nil {
		return nil, fmt.Errorf("no volume to view")
	}
	if err := v.Validate(); err != nil {
		return nil, fmt.Errorf("cannot view volume: %w", err)
	}

	lo, hi := math.Inf(1), math.Inf(-1)
	for _, value := range v.Data {
		lo = math.Min(lo, value)
		hi = math.Max(hi, value)
	}
	return &Viewer{volume: v, lo: lo, hi: hi}, nil
}

// SetWindow overrides the display window
func (v *Viewer) SetWindow(lo, hi float64) {
	v.lo, v.hi = lo, hi
}

// planeSize returns the width and height of a slice along axis and the
// number of slices
func (v *Viewer) planeSize(axis string) (w, h, n int, err error) {
	vol := v.volume
	switch axis {
	case "x", "X":
		return vol.Depth, vol.Height, vol.Width, nil
	case "y", "Y":
		return vol.Width, vol.Depth, vol.Height, nil
	case "z", "Z":
		return vol.Width, vol.Height, vol.Depth, nil
	default:
		return 0, 0, 0, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}
}

// voxel maps a pixel (col,row) of a slice along axis to voxel coordinates
func voxel(axis string, position, col, row int) (x, y, z int) {
	switch axis {
	case "x", "X":
		return position, row, col
	case "y", "Y":
		return col, position, row
	default:
		return col, row, position
	}
}

// ExtractSlice extracts a 2D grayscale slice along the specified axis
func (v *Viewer) ExtractSlice(axis string, position int) (*image.Gray16, error) {
	w, h, n, err := v.planeSize(axis)
	if err != nil {
		return nil, err
	}
	if position < 0 || position >= n {
		return nil, fmt.Errorf("position %d outside [0,%d) along %s", position, n, axis)
	}

	span := v.hi - v.lo
	img := image.NewGray16(image.Rect(0, 0, w, h))
	for row := 0; row < h; row++ {
		for col := 0; col < w; col++ {
			x, y, z := voxel(axis, position, col, row)
			value := 0.0
			if span > 0 {
				value = (v.volume.At(x, y, z) - v.lo) / span
			}
			img.SetGray16(col, row, color.Gray16{Y: uint16(math.Max(0, math.Min(65535, value*65535)))})
		}
	}
	return img, nil
}

// Colormap endpoints for positive (hot) and negative (cold) statistics
var (
	hotLow   = colorful.Color{R: 0.8, G: 0, B: 0}
	hotHigh  = colorful.Color{R: 1, G: 1, B: 0}
	coldLow  = colorful.Color{R: 0, G: 0, B: 0.8}
	coldHigh = colorful.Color{R: 0, G: 1, B: 1}
)

// StatColor maps a statistic to an overlay color. Values with magnitude
// below threshold are transparent; saturation is reached at 2x threshold.
func StatColor(value, threshold float64) (color.Color, bool) {
	if threshold <= 0 || math.Abs(value) < threshold || math.IsNaN(value) {
		return nil, false
	}
	frac := math.Min(1, (math.Abs(value)-threshold)/threshold)
	var c colorful.Color
	if value > 0 {
		c = hotLow.BlendRgb(hotHigh, frac)
	} else {
		c = coldLow.BlendRgb(coldHigh, frac)
	}
	r, g, b := c.Clamped().RGB255()
	return color.NRGBA{R: r, G: g, B: b, A: 255}, true
}

// Overlay paints the supra-threshold voxels of stat over an anatomical
// slice. Both volumes must share the viewer's grid.
func (v *Viewer) Overlay(stat *models.Volume, axis string, position int, threshold float64) (*image.NRGBA, error) {
	if !models.Congruent(v.volume, stat) {
		return nil, fmt.Errorf("statistic volume does not match the anatomical grid")
	}
	base, err := v.ExtractSlice(axis, position)
	if err != nil {
		return nil, err
	}

	bounds := base.Bounds()
	out := image.NewNRGBA(bounds)
	draw.Draw(out, bounds, base, bounds.Min, draw.Src)
	for row := 0; row < bounds.Dy(); row++ {
		for col := 0; col < bounds.Dx(); col++ {
			x, y, z := voxel(axis, position, col, row)
			if c, ok := StatColor(stat.At(x, y, z), threshold); ok {
				out.Set(col, row, c)
			}
		}
	}
	return out, nil
}

// drawLabel writes text in the top left corner with a dark outline
func drawLabel(img draw.Image, text string) {
	face := basicfont.Face7x13
	x, y := 4, 4+face.Metrics().Ascent.Ceil()

	drawer := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.Black),
		Face: face,
	}
	for dx := -1; dx <= 1; dx++ {
		for dy := -1; dy <= 1; dy++ {
			if dx != 0 || dy != 0 {
				drawer.Dot = fixed.P(x+dx, y+dy)
				drawer.DrawString(text)
			}
		}
	}
	drawer.Src = image.NewUniform(color.White)
	drawer.Dot = fixed.P(x, y)
	drawer.DrawString(text)
}

// SnapshotOptions controls cluster snapshot rendering
type SnapshotOptions struct {
	// Threshold is the statistic magnitude below which nothing is painted
	Threshold float64

	// Scale is the integer magnification applied to each slice
	Scale int

	// Prefix starts every file name, usually "hyper" or "hypo"
	Prefix string
}

// SaveClusterSnapshots writes one labelled PNG per cluster: the axial slice
// through the cluster's representative voxel with the statistic overlaid.
// It returns the written paths in cluster order.
func SaveClusterSnapshots(anatomy, stat *models.Volume, clusters []models.ClusterRecord, dir string, opts SnapshotOptions) ([]string, error) {
	viewer, err := NewViewer(anatomy)
	if err != nil {
		return nil, err
	}
	if opts.Scale < 1 {
		opts.Scale = 1
	}
	if opts.Prefix == "" {
		opts.Prefix = "cluster"
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	paths := make([]string, 0, len(clusters))
	for _, cluster := range clusters {
		x, y, z := cluster.Coords[0], cluster.Coords[1], cluster.Coords[2]
		if !anatomy.Contains(x, y, z) {
			return nil, fmt.Errorf("cluster %d lies outside the volume at (%d,%d,%d)", cluster.Index, x, y, z)
		}

		slice, err := viewer.Overlay(stat, "z", z, opts.Threshold)
		if err != nil {
			return nil, fmt.Errorf("failed to render cluster %d: %w", cluster.Index, err)
		}

		// Image rows grow downwards, anatomical y grows upwards
		img := imaging.FlipV(slice)
		img = imaging.Resize(img, img.Bounds().Dx()*opts.Scale, img.Bounds().Dy()*opts.Scale, imaging.NearestNeighbor)
		drawLabel(img, fmt.Sprintf("%s #%d z=%d t=%.2f", opts.Prefix, cluster.Index, z, cluster.MaxT))

		path := filepath.Join(dir, fmt.Sprintf("%s_%02d.png", opts.Prefix, cluster.Index))
		if err := imaging.Save(img, path); err != nil {
			return nil, fmt.Errorf("failed to save snapshot %s: %w", path, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// SaveSliceSequence extracts and saves every slice along the specified axis
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) error {
	_, _, n, err := v.planeSize(axis)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	for pos := 0; pos < n; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.png", axis, pos))
		if err := imaging.Save(img, filename); err != nil {
			return err
		}
	}

	return nil
}
