// Package registration aligns pairs of volumes and reslices volumes through
// the resulting transformations.
//
// A Transformation maps a point of the reference space (mm) to the target
// space (mm). Reslicing a target into reference space therefore walks the
// reference grid and samples the target at the transformed positions.
package registration

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Transformation maps points from reference space to target space
type Transformation interface {
	// Transform maps a reference point in mm to a target point in mm
	Transform(p [3]float64) [3]float64

	// Kind returns the codec type tag
	Kind() string
}

// Linear is a 4x4 homogeneous matrix transformation
type Linear struct {
	m *mat.Dense
}

// NewIdentity returns the identity transformation
func NewIdentity() *Linear {
	m := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		m.Set(i, i, 1)
	}
	return &Linear{m: m}
}

// NewLinear builds a transformation from a row-major 4x4 matrix
func NewLinear(values []float64) (*Linear, error) {
	if len(values) != 16 {
		return nil, fmt.Errorf("linear transformation needs 16 values, got %d", len(values))
	}
	data := make([]float64, 16)
	copy(data, values)
	return &Linear{m: mat.NewDense(4, 4, data)}, nil
}

// NewTranslation returns a pure translation
func NewTranslation(t [3]float64) *Linear {
	l := NewIdentity()
	for i := 0; i < 3; i++ {
		l.m.Set(i, 3, t[i])
	}
	return l
}

// Kind implements Transformation
func (l *Linear) Kind() string { return "linear" }

// Transform implements Transformation
func (l *Linear) Transform(p [3]float64) [3]float64 {
	var out [3]float64
	for r := 0; r < 3; r++ {
		out[r] = l.m.At(r, 0)*p[0] + l.m.At(r, 1)*p[1] + l.m.At(r, 2)*p[2] + l.m.At(r, 3)
	}
	return out
}

// Matrix returns a row-major copy of the 4x4 matrix
func (l *Linear) Matrix() []float64 {
	out := make([]float64, 16)
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			out[r*4+c] = l.m.At(r, c)
		}
	}
	return out
}

// Then returns the transformation that applies l first and next second
func (l *Linear) Then(next *Linear) *Linear {
	var m mat.Dense
	m.Mul(next.m, l.m)
	return &Linear{m: &m}
}

// Inverse returns the inverse transformation
func (l *Linear) Inverse() (*Linear, error) {
	var m mat.Dense
	if err := m.Inverse(l.m); err != nil {
		return nil, fmt.Errorf("failed to invert linear transformation: %w", err)
	}
	return &Linear{m: &m}, nil
}

// Chain applies its members in listed order: the output of each member is
// the input of the next.
type Chain []Transformation

// Kind implements Transformation
func (c Chain) Kind() string { return "chain" }

// Transform implements Transformation
func (c Chain) Transform(p [3]float64) [3]float64 {
	for _, t := range c {
		p = t.Transform(p)
	}
	return p
}

// Compose builds a single transformation from a list. Adjacent linear
// members are multiplied out; a single member is returned unchanged.
func Compose(list ...Transformation) Transformation {
	var out Chain
	for _, t := range list {
		if t == nil {
			continue
		}
		if inner, ok := t.(Chain); ok {
			for _, member := range inner {
				out = appendMerged(out, member)
			}
			continue
		}
		out = appendMerged(out, t)
	}

	switch len(out) {
	case 0:
		return NewIdentity()
	case 1:
		return out[0]
	default:
		return out
	}
}

func appendMerged(c Chain, t Transformation) Chain {
	if len(c) > 0 {
		prev, okPrev := c[len(c)-1].(*Linear)
		next, okNext := t.(*Linear)
		if okPrev && okNext {
			c[len(c)-1] = prev.Then(next)
			return c
		}
	}
	return append(c, t)
}

// parameters describes a linear transformation as translation (mm),
// rotation (degrees), scale and shear (percent) about a center point.
type parameters struct {
	translation [3]float64
	rotation    [3]float64
	scale       [3]float64
	shear       [3]float64
}

// fromVector unpacks an optimizer vector of 6 (rigid) or 12 (affine) values
func fromVector(x []float64) parameters {
	var p parameters
	copy(p.translation[:], x[0:3])
	copy(p.rotation[:], x[3:6])
	if len(x) >= 12 {
		copy(p.scale[:], x[6:9])
		copy(p.shear[:], x[9:12])
	}
	return p
}

// linear builds the matrix mapping p to R*S*H*(p - center) + center + t
func (p parameters) linear(center [3]float64) *Linear {
	rad := math.Pi / 180
	cx, sx := math.Cos(p.rotation[0]*rad), math.Sin(p.rotation[0]*rad)
	cy, sy := math.Cos(p.rotation[1]*rad), math.Sin(p.rotation[1]*rad)
	cz, sz := math.Cos(p.rotation[2]*rad), math.Sin(p.rotation[2]*rad)

	rx := mat.NewDense(3, 3, []float64{1, 0, 0, 0, cx, -sx, 0, sx, cx})
	ry := mat.NewDense(3, 3, []float64{cy, 0, sy, 0, 1, 0, -sy, 0, cy})
	rz := mat.NewDense(3, 3, []float64{cz, -sz, 0, sz, cz, 0, 0, 0, 1})
	scale := mat.NewDense(3, 3, []float64{
		1 + p.scale[0]/100, 0, 0,
		0, 1 + p.scale[1]/100, 0,
		0, 0, 1 + p.scale[2]/100,
	})
	shear := mat.NewDense(3, 3, []float64{
		1, p.shear[0] / 100, p.shear[1] / 100,
		0, 1, p.shear[2] / 100,
		0, 0, 1,
	})

	var a mat.Dense
	a.Mul(rz, ry)
	a.Mul(&a, rx)
	a.Mul(&a, scale)
	a.Mul(&a, shear)

	l := NewIdentity()
	for r := 0; r < 3; r++ {
		offset := center[r] + p.translation[r]
		for c := 0; c < 3; c++ {
			l.m.Set(r, c, a.At(r, c))
			offset -= a.At(r, c) * center[c]
		}
		l.m.Set(r, 3, offset)
	}
	return l
}
