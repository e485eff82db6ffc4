package models

// Slice represents a single 2D image plane read from a DICOM series
type Slice struct {
	// Pixels holds the rescaled intensities, row-major
	Pixels []float64

	// Width and Height are the in-plane dimensions
	Width, Height int

	// Index is the position of this slice in the sequence
	Index int

	// Filename is the original filename of the slice
	Filename string

	// Thickness is the physical thickness of the slice in mm
	Thickness float64

	// Position is the physical position of the slice along the axis
	Position float64

	// PixelSpacing is the in-plane (row, column) spacing in mm
	PixelSpacing [2]float64
}

// Slab is a contiguous range of z planes [ZStart, ZEnd) of a volume,
// the unit of work for parallel kernels.
type Slab struct {
	ZStart, ZEnd int
}

// SplitSlabs divides depth planes into at most n slabs of near-equal size.
func SplitSlabs(depth, n int) []Slab {
	if depth <= 0 {
		return nil
	}
	if n < 1 {
		n = 1
	}
	if n > depth {
		n = depth
	}

	// Ceiling division so that all planes are covered
	perSlab := (depth + n - 1) / n
	slabs := make([]Slab, 0, n)
	for start := 0; start < depth; start += perSlab {
		end := start + perSlab
		if end > depth {
			end = depth
		}
		slabs = append(slabs, Slab{ZStart: start, ZEnd: end})
	}
	return slabs
}
