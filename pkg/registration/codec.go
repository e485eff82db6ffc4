package registration

import (
	"encoding/json"
	"fmt"
)

// envelope is the serialized form of a Transformation, tagged by kind
type envelope struct {
	Type string `json:"type"`

	// linear
	Matrix []float64 `json:"matrix,omitempty"`

	// grid
	Initial       []float64   `json:"initial,omitempty"`
	Origin        *[3]float64 `json:"origin,omitempty"`
	Spacing       *[3]float64 `json:"spacing,omitempty"`
	Dims          *[3]int     `json:"dims,omitempty"`
	Displacements []float64   `json:"displacements,omitempty"`

	// chain
	Members []json.RawMessage `json:"members,omitempty"`
}

// MarshalTransformation encodes a transformation as tagged JSON
func MarshalTransformation(t Transformation) ([]byte, error) {
	env, err := toEnvelope(t)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

func toEnvelope(t Transformation) (*envelope, error) {
	switch v := t.(type) {
	case *Linear:
		return &envelope{Type: v.Kind(), Matrix: v.Matrix()}, nil
	case *Grid:
		origin, spacing, dims := v.Origin, v.Spacing, v.Dims
		return &envelope{
			Type:          v.Kind(),
			Initial:       v.Initial.Matrix(),
			Origin:        &origin,
			Spacing:       &spacing,
			Dims:          &dims,
			Displacements: v.Displacements,
		}, nil
	case Chain:
		env := &envelope{Type: v.Kind(), Members: make([]json.RawMessage, 0, len(v))}
		for i, member := range v {
			data, err := MarshalTransformation(member)
			if err != nil {
				return nil, fmt.Errorf("failed to encode chain member %d: %w", i, err)
			}
			env.Members = append(env.Members, data)
		}
		return env, nil
	default:
		return nil, fmt.Errorf("cannot encode transformation of type %T", t)
	}
}

// UnmarshalTransformation decodes tagged JSON produced by
// MarshalTransformation
func UnmarshalTransformation(data []byte) (Transformation, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode transformation: %w", err)
	}

	switch env.Type {
	case "linear":
		return NewLinear(env.Matrix)
	case "grid":
		if env.Origin == nil || env.Spacing == nil || env.Dims == nil {
			return nil, fmt.Errorf("grid transformation is missing its lattice")
		}
		initial, err := NewLinear(env.Initial)
		if err != nil {
			return nil, fmt.Errorf("failed to decode grid initial transformation: %w", err)
		}
		g := &Grid{
			Initial:       initial,
			Origin:        *env.Origin,
			Spacing:       *env.Spacing,
			Dims:          *env.Dims,
			Displacements: env.Displacements,
		}
		if len(g.Displacements) != 3*g.NumControlPoints() {
			return nil, fmt.Errorf("grid has %d displacement values for %d control points",
				len(g.Displacements), g.NumControlPoints())
		}
		return g, nil
	case "chain":
		chain := make(Chain, 0, len(env.Members))
		for i, raw := range env.Members {
			member, err := UnmarshalTransformation(raw)
			if err != nil {
				return nil, fmt.Errorf("failed to decode chain member %d: %w", i, err)
			}
			chain = append(chain, member)
		}
		return chain, nil
	default:
		return nil, fmt.Errorf("unknown transformation type %q", env.Type)
	}
}
