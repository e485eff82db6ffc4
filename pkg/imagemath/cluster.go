package imagemath

import (
	"context"
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat/distuv"

	"diffspect/internal/models"
	"diffspect/pkg/interpolation"
)

// component is one 26-connected region of supra-threshold voxels
type component struct {
	voxels []int
	peak   float64
	first  int
}

// TThreshold returns the one-sided t value for significance level p with
// PopulationSize-1 degrees of freedom.
func (e *Engine) TThreshold(p float64) (float64, error) {
	if p <= 0 || p >= 1 {
		return 0, fmt.Errorf("p-value must be in (0,1), got %g", p)
	}
	if e.PopulationSize < 2 {
		return 0, fmt.Errorf("population size must be at least 2, got %d", e.PopulationSize)
	}
	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: float64(e.PopulationSize - 1)}
	return dist.Quantile(1 - p), nil
}

// ClusterThreshold finds the clusters of a t-map. With hyper set it selects
// voxels with t at or above the threshold for p, otherwise voxels at or below
// its negative. Voxels are grouped by 26-connectivity and clusters smaller
// than minSize are dropped.
//
// Records are ranked by size (largest first), ties broken by the magnitude
// of the peak, and numbered from 1. Coords is the cluster voxel nearest to
// the cluster centroid.
func (e *Engine) ClusterThreshold(ctx context.Context, tmap *models.Volume, p float64, minSize int, hyper bool) ([]models.ClusterRecord, error) {
	if err := tmap.Validate(); err != nil {
		return nil, fmt.Errorf("failed to threshold t-map: %w", err)
	}
	threshold, err := e.TThreshold(p)
	if err != nil {
		return nil, fmt.Errorf("failed to threshold t-map: %w", err)
	}

	sign := 1.0
	if !hyper {
		sign = -1.0
	}

	// Step 1: Select supra-threshold voxels
	selected := make([]bool, len(tmap.Data))
	for i, t := range tmap.Data {
		if sign*t >= threshold {
			selected[i] = true
		}
	}

	// Step 2: Label connected components
	components := labelComponents(tmap, selected, sign)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	kept := components[:0]
	for _, c := range components {
		if len(c.voxels) >= minSize {
			kept = append(kept, c)
		}
	}

	// Step 3: Rank
	sort.SliceStable(kept, func(i, j int) bool {
		if len(kept[i].voxels) != len(kept[j].voxels) {
			return len(kept[i].voxels) > len(kept[j].voxels)
		}
		if math.Abs(kept[i].peak) != math.Abs(kept[j].peak) {
			return math.Abs(kept[i].peak) > math.Abs(kept[j].peak)
		}
		return kept[i].first < kept[j].first
	})

	// Step 4: Cluster-level inference
	field := e.newRandomField(tmap, p)

	records := make([]models.ClusterRecord, len(kept))
	for n, c := range kept {
		clusterP, correctedP := field.clusterPValues(len(c.voxels))
		records[n] = models.ClusterRecord{
			Index:      n + 1,
			Size:       len(c.voxels),
			Coords:     representativeVoxel(tmap, c.voxels),
			MaxT:       c.peak,
			ClusterP:   clusterP,
			CorrectedP: correctedP,
		}
	}

	e.logger.Debug("Thresholded t-map",
		zap.Bool("hyper", hyper),
		zap.Float64("threshold", threshold),
		zap.Int("components", len(components)),
		zap.Int("clusters", len(records)))

	return records, nil
}

// labelComponents groups selected voxels by 26-connectivity with an
// iterative flood fill
func labelComponents(v *models.Volume, selected []bool, sign float64) []component {
	visited := make([]bool, len(selected))
	var components []component
	stack := make([]int, 0, 64)

	for seed := range selected {
		if !selected[seed] || visited[seed] {
			continue
		}

		c := component{first: seed, peak: v.Data[seed]}
		visited[seed] = true
		stack = append(stack[:0], seed)

		for len(stack) > 0 {
			idx := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			c.voxels = append(c.voxels, idx)
			if sign*v.Data[idx] > sign*c.peak {
				c.peak = v.Data[idx]
			}

			x, y, z := v.Coords(idx)
			for dz := -1; dz <= 1; dz++ {
				for dy := -1; dy <= 1; dy++ {
					for dx := -1; dx <= 1; dx++ {
						if dx == 0 && dy == 0 && dz == 0 {
							continue
						}
						nx, ny, nz := x+dx, y+dy, z+dz
						if !v.Contains(nx, ny, nz) {
							continue
						}
						n := v.Index(nx, ny, nz)
						if selected[n] && !visited[n] {
							visited[n] = true
							stack = append(stack, n)
						}
					}
				}
			}
		}
		components = append(components, c)
	}
	return components
}

// representativeVoxel returns the member voxel closest to the centroid
func representativeVoxel(v *models.Volume, voxels []int) [3]int {
	points := make([]interpolation.Point3D, len(voxels))
	for i, idx := range voxels {
		x, y, z := v.Coords(idx)
		points[i] = interpolation.Point3D{X: float64(x), Y: float64(y), Z: float64(z)}
	}

	nearest, ok := interpolation.NearestMember(points, interpolation.Centroid(points))
	if !ok {
		return [3]int{}
	}
	return [3]int{int(nearest.X), int(nearest.Y), int(nearest.Z)}
}
