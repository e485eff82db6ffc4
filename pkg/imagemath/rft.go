package imagemath

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"

	"diffspect/internal/models"
)

// randomField holds the Gaussian random field quantities for cluster-level
// inference (Friston et al. 1994).
type randomField struct {
	// expectedVoxels is E[N], the expected number of supra-threshold voxels
	expectedVoxels float64

	// expectedClusters is E[m], the expected number of clusters
	expectedClusters float64

	// beta is the shape parameter of the cluster size distribution
	beta float64
}

// newRandomField derives the field quantities for a t-map thresholded at
// significance p. The search volume is the set of non-zero voxels and the
// smoothness is the engine FWHM expressed in voxels.
func (e *Engine) newRandomField(tmap *models.Volume, p float64) randomField {
	searchVolume := 0
	for _, t := range tmap.Data {
		if t != 0 {
			searchVolume++
		}
	}

	u := distuv.UnitNormal.Quantile(1 - p)
	spacing := tmap.Spacing()
	reselVolume := 1.0
	for _, s := range spacing {
		fwhmVox := e.FWHM / s
		if fwhmVox < 1 {
			fwhmVox = 1
		}
		reselVolume *= fwhmVox
	}
	resels := float64(searchVolume) / reselVolume

	var f randomField
	f.expectedVoxels = float64(searchVolume) * (1 - distuv.UnitNormal.CDF(u))
	f.expectedClusters = resels * math.Pow(4*math.Ln2, 1.5) * math.Pow(2*math.Pi, -2) *
		(u*u - 1) * math.Exp(-u*u/2)

	if f.expectedVoxels > 0 && f.expectedClusters > 0 {
		f.beta = math.Pow(math.Gamma(2.5)*f.expectedClusters/f.expectedVoxels, 2.0/3.0)
	}
	return f
}

// clusterPValues returns the probability of a cluster of at least size
// voxels, uncorrected and corrected for the expected number of clusters
func (f randomField) clusterPValues(size int) (clusterP, correctedP float64) {
	if f.beta <= 0 || f.expectedClusters <= 0 {
		return 1, 1
	}
	clusterP = math.Exp(-f.beta * math.Pow(float64(size), 2.0/3.0))
	correctedP = 1 - math.Exp(-f.expectedClusters*clusterP)
	return clamp01(clusterP), clamp01(correctedP)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
