package registration

import (
	"diffspect/internal/models"
	"diffspect/pkg/config"
)

// Mode is the class of transformation a registration estimates
type Mode int

const (
	// Rigid estimates 3 translations and 3 rotations
	Rigid Mode = iota

	// Affine adds 3 scales and 3 shears
	Affine

	// Nonlinear estimates an affine followed by a displacement grid
	Nonlinear
)

// String returns the mode name used in logs
func (m Mode) String() string {
	switch m {
	case Rigid:
		return "Rigid"
	case Affine:
		return "Affine"
	case Nonlinear:
		return "Nonlinear"
	default:
		return "Unknown"
	}
}

// ParseMode converts a mode name back into a Mode
func ParseMode(name string) (Mode, bool) {
	for _, m := range []Mode{Rigid, Affine, Nonlinear} {
		if m.String() == name {
			return m, true
		}
	}
	return Rigid, false
}

// degreesOfFreedom returns the size of the linear parameter vector
func (m Mode) degreesOfFreedom() int {
	if m == Rigid {
		return 6
	}
	return 12
}

// Options is the full parameter set for one registration
type Options struct {
	Mode Mode

	// Linear drives rigid and affine registrations and the linear stage of
	// a nonlinear one
	Linear config.LinearRegistration

	// Nonlinear drives the grid stage. Only used in Nonlinear mode.
	Nonlinear config.NonlinearRegistration
}

// DefaultLinearOptions returns the fixed bundle for a rigid or affine
// registration
func DefaultLinearOptions(mode Mode) Options {
	return Options{
		Mode:      mode,
		Linear:    config.DefaultLinearRegistration(),
		Nonlinear: config.DefaultNonlinearRegistration(),
	}
}

// DefaultNonlinearOptions returns the fixed bundle for a nonlinear
// registration
func DefaultNonlinearOptions() Options {
	return DefaultLinearOptions(Nonlinear)
}

// OptionsFromConfig returns the configured bundle for the given mode
func OptionsFromConfig(cfg *config.Config, mode Mode) Options {
	if cfg == nil {
		return DefaultLinearOptions(mode)
	}
	return Options{
		Mode:      mode,
		Linear:    cfg.Registration.Linear,
		Nonlinear: cfg.Registration.Nonlinear,
	}
}

// linearStage returns the bundle and mode used for the linear part
func (o Options) linearStage() (config.LinearRegistration, Mode) {
	if o.Mode != Nonlinear {
		return o.Linear, o.Mode
	}
	mode, ok := ParseMode(o.Nonlinear.LinearMode)
	if !ok || mode == Nonlinear {
		mode = Affine
	}
	return o.Nonlinear.LinearRegistration, mode
}

// Output is the result of one registration
type Output struct {
	// Transformation maps reference points to target points
	Transformation Transformation

	// Resliced is the target resampled into reference space. Nil unless
	// DoReslice was set.
	Resliced *models.Volume

	// Metric is the final normalized mutual information at full resolution
	Metric float64
}
