package registration

import (
	"fmt"
	"math"
)

// Grid is a nonlinear transformation: an initial linear transformation plus
// a displacement field defined on a regular control point lattice in
// reference space and interpolated trilinearly between control points.
type Grid struct {
	// Initial is applied before the displacement is added
	Initial *Linear

	// Origin is the position in mm of control point (0,0,0)
	Origin [3]float64

	// Spacing is the control point spacing in mm
	Spacing [3]float64

	// Dims is the number of control points per axis
	Dims [3]int

	// Displacements holds three values (dx,dy,dz) per control point,
	// x fastest
	Displacements []float64
}

// NewGrid creates a zero-displacement lattice covering the box
// [lower, upper] with the given spacing
func NewGrid(initial *Linear, lower, upper [3]float64, spacing float64) (*Grid, error) {
	if spacing <= 0 {
		return nil, fmt.Errorf("control point spacing must be positive, got %g", spacing)
	}
	if initial == nil {
		initial = NewIdentity()
	}

	g := &Grid{Initial: initial, Origin: lower}
	n := 1
	for i := 0; i < 3; i++ {
		g.Spacing[i] = spacing
		g.Dims[i] = int(math.Ceil((upper[i]-lower[i])/spacing)) + 1
		if g.Dims[i] < 2 {
			g.Dims[i] = 2
		}
		n *= g.Dims[i]
	}
	g.Displacements = make([]float64, 3*n)
	return g, nil
}

// Kind implements Transformation
func (g *Grid) Kind() string { return "grid" }

// NumControlPoints returns the number of lattice nodes
func (g *Grid) NumControlPoints() int {
	return g.Dims[0] * g.Dims[1] * g.Dims[2]
}

// ControlPoint returns the reference position of node n
func (g *Grid) ControlPoint(n int) [3]float64 {
	i := n % g.Dims[0]
	j := (n / g.Dims[0]) % g.Dims[1]
	k := n / (g.Dims[0] * g.Dims[1])
	return [3]float64{
		g.Origin[0] + float64(i)*g.Spacing[0],
		g.Origin[1] + float64(j)*g.Spacing[1],
		g.Origin[2] + float64(k)*g.Spacing[2],
	}
}

// Displacement returns the interpolated displacement at a reference point.
// Points outside the lattice use the nearest border nodes.
func (g *Grid) Displacement(p [3]float64) [3]float64 {
	var base [3]int
	var frac [3]float64
	for a := 0; a < 3; a++ {
		f := (p[a] - g.Origin[a]) / g.Spacing[a]
		if f < 0 {
			f = 0
		}
		if last := float64(g.Dims[a] - 1); f > last {
			f = last
		}
		base[a] = int(math.Floor(f))
		if base[a] >= g.Dims[a]-1 {
			base[a] = g.Dims[a] - 2
		}
		frac[a] = f - float64(base[a])
	}

	var out [3]float64
	for dz := 0; dz <= 1; dz++ {
		wz := frac[2]
		if dz == 0 {
			wz = 1 - wz
		}
		for dy := 0; dy <= 1; dy++ {
			wy := frac[1]
			if dy == 0 {
				wy = 1 - wy
			}
			for dx := 0; dx <= 1; dx++ {
				wx := frac[0]
				if dx == 0 {
					wx = 1 - wx
				}
				w := wx * wy * wz
				if w == 0 {
					continue
				}
				n := g.node(base[0]+dx, base[1]+dy, base[2]+dz)
				out[0] += w * g.Displacements[3*n]
				out[1] += w * g.Displacements[3*n+1]
				out[2] += w * g.Displacements[3*n+2]
			}
		}
	}
	return out
}

// Transform implements Transformation
func (g *Grid) Transform(p [3]float64) [3]float64 {
	q := g.Initial.Transform(p)
	d := g.Displacement(p)
	return [3]float64{q[0] + d[0], q[1] + d[1], q[2] + d[2]}
}

// Refine returns a lattice with the given spacing over the same box whose
// displacements are sampled from g
func (g *Grid) Refine(spacing float64) (*Grid, error) {
	var upper [3]float64
	for a := 0; a < 3; a++ {
		upper[a] = g.Origin[a] + float64(g.Dims[a]-1)*g.Spacing[a]
	}
	fine, err := NewGrid(g.Initial, g.Origin, upper, spacing)
	if err != nil {
		return nil, err
	}
	for n := 0; n < fine.NumControlPoints(); n++ {
		d := g.Displacement(fine.ControlPoint(n))
		copy(fine.Displacements[3*n:3*n+3], d[:])
	}
	return fine, nil
}

// neighbors returns the indices of the 6-connected lattice neighbors of n
func (g *Grid) neighbors(n int) []int {
	i := n % g.Dims[0]
	j := (n / g.Dims[0]) % g.Dims[1]
	k := n / (g.Dims[0] * g.Dims[1])

	out := make([]int, 0, 6)
	steps := [6][3]int{{-1, 0, 0}, {1, 0, 0}, {0, -1, 0}, {0, 1, 0}, {0, 0, -1}, {0, 0, 1}}
	for _, s := range steps {
		ii, jj, kk := i+s[0], j+s[1], k+s[2]
		if ii < 0 || jj < 0 || kk < 0 || ii >= g.Dims[0] || jj >= g.Dims[1] || kk >= g.Dims[2] {
			continue
		}
		out = append(out, g.node(ii, jj, kk))
	}
	return out
}

func (g *Grid) node(i, j, k int) int {
	return k*g.Dims[0]*g.Dims[1] + j*g.Dims[0] + i
}
