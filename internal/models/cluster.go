package models

import "fmt"

// ClusterRecord summarizes one connected region of supra-threshold voxels.
type ClusterRecord struct {
	// Index is the 1-based rank assigned by the thresholding routine
	Index int `json:"index"`

	// Size is the number of voxels in the cluster
	Size int `json:"size"`

	// Coords is a voxel position representing the cluster (x, y, z)
	Coords [3]int `json:"coords"`

	// MaxT is the peak test statistic inside the cluster
	MaxT float64 `json:"maxt"`

	// ClusterP is the uncorrected cluster-level p-value
	ClusterP float64 `json:"clusterPvalue"`

	// CorrectedP is the cluster p-value corrected for multiple comparisons
	CorrectedP float64 `json:"correctPvalue"`
}

// ClusterHeader is the column header matching ClusterRecord.String.
var ClusterHeader = fmt.Sprintf("%-4s %6s %6s %6s %8s %9s %11s %11s",
	"#", "x", "y", "z", "size", "maxt", "clusterP", "correctP")

// String renders the record as a fixed-width report row: index, voxel
// coordinates, size, peak statistic with 2 decimals, and both p-values in
// exponential notation with 3 significant digits.
func (c ClusterRecord) String() string {
	return fmt.Sprintf("%-4d %6d %6d %6d %8d %9.2f %11.2e %11.2e",
		c.Index, c.Coords[0], c.Coords[1], c.Coords[2], c.Size, c.MaxT, c.ClusterP, c.CorrectedP)
}
