// Package orchestrator drives a study through its registration protocol.
//
// Every artifact of the protocol (transformations, resliced images, the
// t-map and the cluster tables) is cached in a named slot of the study. The
// orchestrator computes an artifact only when it is missing or when the
// caller forces it, checks that every slot an operation reads is populated
// before calling out to the registration, reslicing or analysis
// collaborators, and invalidates derived slots when a base image changes.
package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"diffspect/internal/models"
	"diffspect/pkg/config"
	"diffspect/pkg/diffspect"
	"diffspect/pkg/registration"
	"diffspect/pkg/study"
)

// Registrar estimates a transformation from reference to target space
type Registrar interface {
	Register(ctx context.Context, reference, target *models.Volume, opts registration.Options) (*registration.Output, error)
}

// Reslicer resamples input into the grid of reference
type Reslicer interface {
	Reslice(ctx context.Context, input, reference *models.Volume, xform registration.Transformation) (*models.Volume, error)
}

// Analyzer computes the differential-SPECT statistics
type Analyzer interface {
	ProcessSpect(ctx context.Context, interictal, ictal, sd, mask *models.Volume, params diffspect.Params) (*diffspect.Result, error)
}

// Atlas bundles the four reference images
type Atlas struct {
	Spect    *models.Volume
	MRI      *models.Volume
	StdSpect *models.Volume
	Mask     *models.Volume
}

// Orchestrator runs the protocol operations on one study. Public methods
// hold the study's pipeline lock for their whole duration, so two
// operations on the same study never interleave.
type Orchestrator struct {
	state     *study.State
	registrar Registrar
	reslicer  Reslicer
	analyzer  Analyzer
	cfg       *config.Config
	logger    *zap.Logger
}

// New creates an orchestrator for a study
func New(state *study.State, registrar Registrar, reslicer Reslicer, analyzer Analyzer, cfg *config.Config, logger *zap.Logger) *Orchestrator {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		state:     state,
		registrar: registrar,
		reslicer:  reslicer,
		analyzer:  analyzer,
		cfg:       cfg,
		logger:    logger.With(zap.String("study", state.ID.String())),
	}
}

// State returns the study being orchestrated
func (o *Orchestrator) State() *study.State {
	return o.state
}

// LoadImage stores a copy of a base image (interictal, ictal or mri),
// labelled with the slot name, and clears every derived slot. The MRI can
// only be loaded into a study created with a structural reference.
func (o *Orchestrator) LoadImage(ctx context.Context, slot study.Slot, v *models.Volume) error {
	if !slot.Valid() || slot.Role() != study.RoleInput {
		return fmt.Errorf("cannot load image into %s: not an input slot", slot)
	}
	if slot == study.MRI && !o.state.HasStructuralReference {
		return fmt.Errorf("cannot load %s: %w", slot, study.ErrProtocolMismatch)
	}
	if v == nil {
		return fmt.Errorf("cannot load an empty image into %s", slot)
	}
	if err := v.Validate(); err != nil {
		return fmt.Errorf("cannot load image into %s: %w", slot, err)
	}

	release, err := o.state.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	stored := v.Clone()
	stored.Description = slot.String()
	if err := o.state.ReplaceBaseImage(slot, stored); err != nil {
		return err
	}

	o.logger.Info("Loaded image, derived results cleared",
		zap.Stringer("slot", slot),
		zap.Stringer("image", stored))
	return nil
}

// LoadAtlas stores labelled copies of the four atlas images. Derived slots
// are left alone.
func (o *Orchestrator) LoadAtlas(ctx context.Context, atlas Atlas) error {
	images := map[study.Slot]*models.Volume{
		study.AtlasSpect:    atlas.Spect,
		study.AtlasMRI:      atlas.MRI,
		study.AtlasStdSpect: atlas.StdSpect,
		study.AtlasMask:     atlas.Mask,
	}
	for _, slot := range study.AtlasImages {
		if images[slot] == nil {
			return fmt.Errorf("atlas image %s is missing", slot)
		}
		if err := images[slot].Validate(); err != nil {
			return fmt.Errorf("invalid atlas image %s: %w", slot, err)
		}
	}

	release, err := o.state.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	for _, slot := range study.AtlasImages {
		stored := images[slot].Clone()
		stored.Description = slot.String()
		if err := o.state.SetImage(slot, stored); err != nil {
			return err
		}
	}
	o.logger.Info("Loaded atlas images")
	return nil
}

// ComputeRegistration runs one registration and stores its transformation
// and resliced image. Atlas registrations are nonlinear when the study asks
// for it and affine otherwise; all others are rigid.
func (o *Orchestrator) ComputeRegistration(ctx context.Context, scenario RegistrationScenario) (*registration.Output, error) {
	release, err := o.state.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	return o.computeRegistration(ctx, scenario)
}

func (o *Orchestrator) computeRegistration(ctx context.Context, scenario RegistrationScenario) (*registration.Output, error) {
	spec, ok := scenario.Spec()
	if !ok {
		return nil, fmt.Errorf("unknown registration scenario %d", int(scenario))
	}

	reference, err := o.requireImage(scenario.String(), spec.Reference)
	if err != nil {
		return nil, err
	}
	target, err := o.requireImage(scenario.String(), spec.Target)
	if err != nil {
		return nil, err
	}

	mode := o.alignmentMode(spec)
	o.logger.Info("Computing registration",
		zap.Stringer("scenario", scenario),
		zap.Stringer("mode", mode),
		zap.Stringer("reference", spec.Reference),
		zap.Stringer("target", spec.Target))

	out, err := o.registrar.Register(ctx, reference, target, registration.OptionsFromConfig(o.cfg, mode))
	if err != nil {
		return nil, &study.ExternalComputationError{Operation: scenario.String(), Err: err}
	}
	if out == nil || out.Transformation == nil {
		return nil, &study.ExternalComputationError{
			Operation: scenario.String(),
			Err:       fmt.Errorf("registration returned no transformation"),
		}
	}

	if err := o.state.SetTransform(spec.Transform, out.Transformation); err != nil {
		return nil, err
	}
	if out.Resliced != nil {
		out.Resliced.Description = spec.Resliced.String()
	}
	if err := o.state.SetImage(spec.Resliced, out.Resliced); err != nil {
		return nil, err
	}

	o.logger.Info("Registration stored",
		zap.Stringer("scenario", scenario),
		zap.Stringer("transform", spec.Transform),
		zap.Float64("nmi", out.Metric))
	return out, nil
}

// alignmentMode picks the transformation class for a registration
func (o *Orchestrator) alignmentMode(spec RegistrationSpec) registration.Mode {
	switch {
	case spec.Nonlinear && o.state.UseNonlinearAlignment:
		return registration.Nonlinear
	case spec.Nonlinear:
		return registration.Affine
	default:
		return registration.Rigid
	}
}

// ComputeReslice resamples an image through the scenario's transforms.
// Without force a cached result is returned as is.
func (o *Orchestrator) ComputeReslice(ctx context.Context, scenario ResliceScenario, force bool) (*models.Volume, error) {
	release, err := o.state.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	return o.computeReslice(ctx, scenario, force)
}

func (o *Orchestrator) computeReslice(ctx context.Context, scenario ResliceScenario, force bool) (*models.Volume, error) {
	spec, ok := scenario.Spec(o.state.HasStructuralReference)
	if !ok {
		return nil, fmt.Errorf("unknown reslice scenario %d", int(scenario))
	}

	if !force {
		if cached, ok := o.state.Image(spec.Output); ok {
			o.logger.Debug("Resliced image exists", zap.Stringer("scenario", scenario))
			return cached, nil
		}
	}

	input, err := o.requireImage(scenario.String(), spec.Input)
	if err != nil {
		return nil, err
	}
	reference, err := o.requireImage(scenario.String(), spec.Reference)
	if err != nil {
		return nil, err
	}
	xforms := make([]registration.Transformation, 0, len(spec.Transforms))
	for _, slot := range spec.Transforms {
		t, ok := o.state.Transform(slot)
		if !ok {
			return nil, &study.MissingInputError{Operation: scenario.String(), Slot: slot}
		}
		xforms = append(xforms, t)
	}

	o.logger.Info("Reslicing image",
		zap.Stringer("scenario", scenario),
		zap.Stringer("input", spec.Input),
		zap.Stringer("reference", spec.Reference),
		zap.Int("transforms", len(xforms)))

	out, err := o.reslicer.Reslice(ctx, input, reference, registration.Compose(xforms...))
	if err != nil {
		return nil, &study.ExternalComputationError{Operation: scenario.String(), Err: err}
	}
	if out == nil {
		return nil, &study.ExternalComputationError{
			Operation: scenario.String(),
			Err:       fmt.Errorf("reslice returned no image"),
		}
	}

	out.Description = spec.Output.String()
	if err := o.state.SetImage(spec.Output, out); err != nil {
		return nil, err
	}
	return out, nil
}

// RunFullRegistrationProtocol runs every registration of the study's
// protocol in order and reslices the ictal image into atlas space. The
// first failure stops the run; slots completed before it are kept and a
// later run resumes after them. Use ClearFrom to redo a stage.
func (o *Orchestrator) RunFullRegistrationProtocol(ctx context.Context) error {
	release, err := o.state.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	steps := Protocol(o.state.HasStructuralReference)
	for i, scenario := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if spec, _ := scenario.Spec(); o.state.Has(spec.Transform) {
			o.logger.Info(fmt.Sprintf("Step %d: %s already computed, skipping", i+1, scenario))
			continue
		}
		o.logger.Info(fmt.Sprintf("Step %d: Computing %s registration...", i+1, scenario))
		if _, err := o.computeRegistration(ctx, scenario); err != nil {
			return fmt.Errorf("failed to run registration protocol: %w", err)
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	o.logger.Info(fmt.Sprintf("Step %d: Reslicing ictal image into atlas space...", len(steps)+1))
	if _, err := o.computeReslice(ctx, Ictal2Atlas, true); err != nil {
		return fmt.Errorf("failed to run registration protocol: %w", err)
	}
	return nil
}

// ComputeDiffSpect reslices both SPECT images into atlas space, runs the
// analysis against the atlas standard deviation image and mask, and stores
// the t-map and the cluster tables.
func (o *Orchestrator) ComputeDiffSpect(ctx context.Context, force bool, params diffspect.Params) (*diffspect.Result, error) {
	release, err := o.state.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	// Step 1: Reslice both conditions
	o.logger.Info("Step 1: Reslicing SPECT images into atlas space...")
	ictal, err := o.computeReslice(ctx, Ictal2Atlas, force)
	if err != nil {
		return nil, fmt.Errorf("failed to compute diff SPECT: %w", err)
	}
	interictal, err := o.computeReslice(ctx, Inter2Atlas, force)
	if err != nil {
		return nil, fmt.Errorf("failed to compute diff SPECT: %w", err)
	}

	// Step 2: Analyze
	sd, err := o.requireImage("diffspect", study.AtlasStdSpect)
	if err != nil {
		return nil, err
	}
	mask, err := o.requireImage("diffspect", study.AtlasMask)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	o.logger.Info("Step 2: Computing diff SPECT analysis...")
	result, err := o.analyzer.ProcessSpect(ctx, interictal, ictal, sd, mask, params)
	if err != nil {
		return nil, fmt.Errorf("failed to compute diff SPECT: %w", err)
	}

	// Step 3: Store
	if err := o.state.SetImage(study.TMap, result.TMap); err != nil {
		return nil, err
	}
	if err := o.state.SetStats(study.Hyper, nonNil(result.Hyper)); err != nil {
		return nil, err
	}
	if err := o.state.SetStats(study.Hypo, nonNil(result.Hypo)); err != nil {
		return nil, err
	}

	o.logger.Info("Diff SPECT results stored",
		zap.Int("hyperClusters", len(result.Hyper)),
		zap.Int("hypoClusters", len(result.Hypo)))
	return result, nil
}

// ClearFrom empties a registration's slots and everything computed from
// them: reslices using its transform and the analysis results.
func (o *Orchestrator) ClearFrom(ctx context.Context, scenario RegistrationScenario) error {
	spec, ok := scenario.Spec()
	if !ok {
		return fmt.Errorf("unknown registration scenario %d", int(scenario))
	}

	release, err := o.state.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	cleared := []study.Slot{spec.Transform, spec.Resliced, study.TMap, study.Hyper, study.Hypo}
	for _, rs := range []ResliceScenario{Ictal2Atlas, Inter2Atlas, Inter2Ictal} {
		rspec, _ := rs.Spec(o.state.HasStructuralReference)
		for _, t := range rspec.Transforms {
			if t == spec.Transform {
				cleared = append(cleared, rspec.Output)
				break
			}
		}
	}
	o.state.Clear(cleared...)

	o.logger.Info("Cleared registration results", zap.Stringer("scenario", scenario))
	return nil
}

// Scenario is implemented by RegistrationScenario and ResliceScenario
type Scenario interface {
	fmt.Stringer
	outputs(hasStructuralReference bool) []study.Slot
}

func (s RegistrationScenario) outputs(bool) []study.Slot {
	spec, ok := s.Spec()
	if !ok {
		return nil
	}
	return []study.Slot{spec.Transform}
}

func (s ResliceScenario) outputs(hasStructuralReference bool) []study.Slot {
	spec, ok := s.Spec(hasStructuralReference)
	if !ok {
		return nil
	}
	return []study.Slot{spec.Output}
}

// HasOutput reports whether a scenario's result is cached
func (o *Orchestrator) HasOutput(s Scenario) bool {
	outputs := s.outputs(o.state.HasStructuralReference)
	if len(outputs) == 0 {
		return false
	}
	for _, slot := range outputs {
		if !o.state.Has(slot) {
			return false
		}
	}
	return true
}

func (o *Orchestrator) requireImage(operation string, slot study.Slot) (*models.Volume, error) {
	v, ok := o.state.Image(slot)
	if !ok {
		return nil, &study.MissingInputError{Operation: operation, Slot: slot}
	}
	return v, nil
}

func nonNil(records []models.ClusterRecord) []models.ClusterRecord {
	if records == nil {
		return []models.ClusterRecord{}
	}
	return records
}
