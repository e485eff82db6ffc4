package registration

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"diffspect/internal/models"
	"diffspect/pkg/interpolation"
)

const (
	// maxSamples caps the number of reference voxels visited per evaluation
	maxSamples = 32768

	// minOverlapFraction is the share of samples that must land inside the
	// target for the metric to be trusted
	minOverlapFraction = 0.1
)

// similarity evaluates normalized mutual information between a fixed set of
// reference samples and a target volume seen through a transformation.
type similarity struct {
	bins int

	// points are reference sample positions in mm
	points [][3]float64

	// refBins are the precomputed histogram bins of the reference samples
	refBins []int

	target           *interpolation.Sampler
	targetMin, scale float64
}

// newSimilarity samples the reference every stride voxels along each axis
func newSimilarity(reference, target *models.Volume, bins, stride int) *similarity {
	if bins < 2 {
		bins = 2
	}
	if stride < 1 {
		stride = 1
	}

	// Widen the stride until the sample count is bounded
	for {
		n := ceilDiv(reference.Width, stride) * ceilDiv(reference.Height, stride) * ceilDiv(reference.Depth, stride)
		if n <= maxSamples {
			break
		}
		stride++
	}

	refMin, refMax := floats.Min(reference.Data), floats.Max(reference.Data)
	s := &similarity{bins: bins, target: interpolation.NewSampler(target)}
	s.target.Background = math.NaN()
	s.targetMin = floats.Min(target.Data)
	if span := floats.Max(target.Data) - s.targetMin; span > 0 {
		s.scale = float64(bins-1) / span
	}

	refScale := 0.0
	if refMax > refMin {
		refScale = float64(bins-1) / (refMax - refMin)
	}

	for z := 0; z < reference.Depth; z += stride {
		for y := 0; y < reference.Height; y += stride {
			for x := 0; x < reference.Width; x += stride {
				s.points = append(s.points, reference.VoxelToWorld(float64(x), float64(y), float64(z)))
				s.refBins = append(s.refBins, toBin(reference.At(x, y, z), refMin, refScale, bins))
			}
		}
	}
	return s
}

// nmi returns (H(A)+H(B))/H(A,B) over all samples, or 0 when too few
// samples overlap the target
func (s *similarity) nmi(t Transformation) float64 {
	return s.nmiOver(t, nil)
}

// nmiOver restricts the evaluation to the given sample indices. A nil
// subset means all samples.
func (s *similarity) nmiOver(t Transformation, subset []int) float64 {
	joint := make([]float64, s.bins*s.bins)
	total := len(s.points)
	if subset != nil {
		total = len(subset)
	}

	overlap := 0
	visit := func(i int) {
		v := s.target.AtWorld(t.Transform(s.points[i]))
		if math.IsNaN(v) {
			return
		}
		b := toBin(v, s.targetMin, s.scale, s.bins)
		joint[s.refBins[i]*s.bins+b]++
		overlap++
	}
	if subset == nil {
		for i := range s.points {
			visit(i)
		}
	} else {
		for _, i := range subset {
			visit(i)
		}
	}

	if overlap == 0 || float64(overlap) < minOverlapFraction*float64(total) {
		return 0
	}

	// Marginals from the joint histogram
	refHist := make([]float64, s.bins)
	tgtHist := make([]float64, s.bins)
	for a := 0; a < s.bins; a++ {
		for b := 0; b < s.bins; b++ {
			c := joint[a*s.bins+b]
			refHist[a] += c
			tgtHist[b] += c
		}
	}

	n := float64(overlap)
	hJoint := histogramEntropy(joint, n)
	if hJoint == 0 {
		return 1
	}
	return (histogramEntropy(refHist, n) + histogramEntropy(tgtHist, n)) / hJoint
}

// histogramEntropy computes the Shannon entropy of a histogram of n samples
func histogramEntropy(hist []float64, n float64) float64 {
	entropy := 0.0
	for _, count := range hist {
		if count > 0 {
			p := count / n
			entropy -= p * math.Log2(p)
		}
	}
	return entropy
}

// toBin maps an intensity to a histogram bin, clamping to the valid range
func toBin(v, lo, scale float64, bins int) int {
	b := int((v-lo)*scale + 0.5)
	if b < 0 {
		return 0
	}
	if b >= bins {
		return bins - 1
	}
	return b
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
