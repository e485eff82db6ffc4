package diffspect

import (
	"fmt"

	"go.uber.org/zap"

	"diffspect/internal/models"
	"diffspect/pkg/interpolation"
)

// imageNames labels the analysis inputs in errors and diagnostics
var imageNames = []string{"interictal", "ictal", "stdspect", "mask"}

// GeometryMismatchError reports an input whose grid differs from the
// interictal image
type GeometryMismatchError struct {
	Image    string
	Expected []int
	Got      []int
}

func (e *GeometryMismatchError) Error() string {
	return fmt.Sprintf("processSpect: image %s has dimensions %v, expected %v",
		e.Image, e.Got[:3], e.Expected[:3])
}

// checkGeometry compares every image with the first. In strict mode the
// first mismatch is returned as an error. Otherwise mismatched images are
// resampled onto the first image's grid through their world coordinates and
// a diagnostic is recorded for each.
func (a *Analyzer) checkGeometry(images []*models.Volume) ([]*models.Volume, []string, error) {
	ref := images[0]
	out := make([]*models.Volume, len(images))
	out[0] = ref

	var diagnostics []string
	for i := 1; i < len(images); i++ {
		img := images[i]
		if models.Congruent(ref, img) {
			out[i] = img
			continue
		}

		mismatch := &GeometryMismatchError{
			Image:    imageNames[i],
			Expected: ref.Dimensions(),
			Got:      img.Dimensions(),
		}
		if a.Strict {
			return nil, nil, mismatch
		}

		a.logger.Warn("Images not of same size, resampling",
			zap.String("image", imageNames[i]),
			zap.Ints("expected", mismatch.Expected[:3]),
			zap.Ints("got", mismatch.Got[:3]))
		diagnostics = append(diagnostics, mismatch.Error())
		out[i] = conform(img, ref)
	}
	return out, diagnostics, nil
}

// conform resamples v onto ref's grid
func conform(v, ref *models.Volume) *models.Volume {
	sampler := interpolation.NewSampler(v)
	out := models.NewLike(ref)
	out.Description = v.Description
	for z := 0; z < out.Depth; z++ {
		for y := 0; y < out.Height; y++ {
			for x := 0; x < out.Width; x++ {
				out.Set(x, y, z, sampler.AtWorld(out.VoxelToWorld(float64(x), float64(y), float64(z))))
			}
		}
	}
	return out
}
