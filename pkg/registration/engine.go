package registration

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/optimize"

	"diffspect/internal/models"
	"diffspect/pkg/config"
	"diffspect/pkg/imagemath"
)

// minNodeSamples is the smallest number of reference samples a control
// point must support to be optimized
const minNodeSamples = 8

// Engine estimates transformations by maximizing normalized mutual
// information over a multi-resolution pyramid.
type Engine struct {
	kernels   *imagemath.Engine
	resampler *Resampler
	logger    *zap.Logger
}

// NewEngine creates a registration engine. Kernels provide smoothing and the
// worker pool used for reslicing.
func NewEngine(kernels *imagemath.Engine, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if kernels == nil {
		kernels = imagemath.NewEngine(config.DefaultConfig(), logger)
	}
	return &Engine{
		kernels:   kernels,
		resampler: NewResampler(kernels, logger),
		logger:    logger,
	}
}

// Resampler returns the reslicer sharing this engine's workers
func (e *Engine) Resampler() *Resampler {
	return e.resampler
}

// Register estimates the transformation mapping reference space to target
// space. The process consists of:
// 1. Smoothing both images and building resolution pyramids
// 2. Linear (rigid or affine) optimization from coarse to fine
// 3. Control point grid refinement, in Nonlinear mode only
// 4. Reslicing the target into reference space, when requested
func (e *Engine) Register(ctx context.Context, reference, target *models.Volume, opts Options) (*Output, error) {
	if err := reference.Validate(); err != nil {
		return nil, fmt.Errorf("invalid reference image: %w", err)
	}
	if err := target.Validate(); err != nil {
		return nil, fmt.Errorf("invalid target image: %w", err)
	}

	linearOpts, linearMode := opts.linearStage()
	e.logger.Info("Registering images",
		zap.String("reference", reference.Description),
		zap.String("target", target.Description),
		zap.Stringer("mode", opts.Mode))

	// Step 1: Preprocess
	refPyramid, tgtPyramid, err := e.preprocess(ctx, reference, target, linearOpts)
	if err != nil {
		return nil, err
	}

	// Step 2: Linear stage
	linear, err := e.optimizeLinear(ctx, refPyramid, tgtPyramid, linearOpts, linearMode)
	if err != nil {
		return nil, err
	}
	var xform Transformation = linear

	// Step 3: Nonlinear stage
	if opts.Mode == Nonlinear {
		if !opts.Nonlinear.Append {
			linear = NewIdentity()
		}
		grid, err := e.optimizeGrid(ctx, refPyramid, tgtPyramid, linear, opts.Nonlinear)
		if err != nil {
			return nil, err
		}
		xform = grid
	}

	out := &Output{Transformation: xform}
	finest := len(refPyramid) - 1
	out.Metric = newSimilarity(refPyramid[finest], tgtPyramid[finest], linearOpts.NumBins, 1).nmi(xform)

	// Step 4: Reslice
	if linearOpts.DoReslice {
		resliced, err := e.resampler.Reslice(ctx, target, reference, xform)
		if err != nil {
			return nil, fmt.Errorf("failed to reslice registered image: %w", err)
		}
		out.Resliced = resliced
	}

	e.logger.Info("Registration complete",
		zap.String("reference", reference.Description),
		zap.String("target", target.Description),
		zap.Float64("nmi", out.Metric))

	return out, nil
}

func (e *Engine) preprocess(ctx context.Context, reference, target *models.Volume, opts config.LinearRegistration) ([]*models.Volume, []*models.Volume, error) {
	ref, tgt := reference, target
	if opts.ImageSmoothing > 0 {
		sigma := [3]float64{opts.ImageSmoothing, opts.ImageSmoothing, opts.ImageSmoothing}
		var err error
		if ref, err = e.kernels.Smooth(ctx, reference, sigma, false, 3); err != nil {
			return nil, nil, fmt.Errorf("failed to smooth reference image: %w", err)
		}
		if tgt, err = e.kernels.Smooth(ctx, target, sigma, false, 3); err != nil {
			return nil, nil, fmt.Errorf("failed to smooth target image: %w", err)
		}
	}
	return buildPyramid(ref, opts.Levels), buildPyramid(tgt, opts.Levels), nil
}

// optimizeLinear runs Nelder-Mead at each pyramid level, seeding each level
// with the previous solution. The search starts from the transformation
// aligning the two image centers.
func (e *Engine) optimizeLinear(ctx context.Context, refPyramid, tgtPyramid []*models.Volume, opts config.LinearRegistration, mode Mode) (*Linear, error) {
	dof := mode.degreesOfFreedom()
	refCenter := center(refPyramid[len(refPyramid)-1])
	tgtCenter := center(tgtPyramid[len(tgtPyramid)-1])

	x := make([]float64, dof)
	for i := 0; i < 3; i++ {
		x[i] = tgtCenter[i] - refCenter[i]
	}

	stride := int(math.Round(opts.Resolution))
	for level := range refPyramid {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		metric := newSimilarity(refPyramid[level], tgtPyramid[level], opts.NumBins, stride)
		problem := optimize.Problem{
			Func: func(v []float64) float64 {
				return -metric.nmi(fromVector(v).linear(refCenter))
			},
		}

		spacing := refPyramid[level].Spacing()
		settings := &optimize.Settings{
			MajorIterations: opts.Iterations * (dof + 1) * maxInt(opts.Steps, 1),
			Converger: &optimize.FunctionConverge{
				Absolute:   1e-6,
				Iterations: dof + 1,
			},
		}
		method := &optimize.NelderMead{SimplexSize: opts.StepSize * spacing[0]}

		result, err := optimize.Minimize(problem, x, settings, method)
		if err != nil {
			return nil, fmt.Errorf("failed to optimize %s registration at level %d: %w", mode, level, err)
		}
		copy(x, result.X)

		e.logger.Debug("Linear level complete",
			zap.Int("level", level),
			zap.Stringer("mode", mode),
			zap.Float64("nmi", -result.F),
			zap.Int("evaluations", result.FuncEvaluations),
			zap.Stringer("status", result.Status))
	}

	return fromVector(x).linear(refCenter), nil
}

// optimizeGrid refines a control point lattice initialized from linear. The
// spacing starts at cps*cpsrate^(levels-1) and shrinks by cpsrate per level.
// Each node is moved in turn to maximize the local metric minus a penalty
// on differences with its neighbors.
func (e *Engine) optimizeGrid(ctx context.Context, refPyramid, tgtPyramid []*models.Volume, linear *Linear, opts config.NonlinearRegistration) (*Grid, error) {
	levels := len(refPyramid)
	rate := opts.CPSRate
	if rate < 1 {
		rate = 1
	}
	spacing := opts.CPS * math.Pow(rate, float64(levels-1))

	lower, upper := extent(refPyramid[levels-1])
	grid, err := NewGrid(linear, lower, upper, spacing)
	if err != nil {
		return nil, fmt.Errorf("failed to create control point grid: %w", err)
	}

	for level := 0; level < levels; level++ {
		if level > 0 {
			spacing /= rate
			if grid, err = grid.Refine(spacing); err != nil {
				return nil, fmt.Errorf("failed to refine control point grid: %w", err)
			}
		}

		metric := newSimilarity(refPyramid[level], tgtPyramid[level], opts.NumBins, 1)
		support := nodeSupport(grid, metric.points)

		for n := 0; n < grid.NumControlPoints(); n++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if len(support[n]) < minNodeSamples {
				continue
			}
			if err := e.optimizeNode(grid, n, metric, support[n], opts); err != nil {
				return nil, fmt.Errorf("failed to optimize control point %d at level %d: %w", n, level, err)
			}
		}

		e.logger.Debug("Grid level complete",
			zap.Int("level", level),
			zap.Float64("spacing", spacing),
			zap.Int("controlPoints", grid.NumControlPoints()),
			zap.Float64("nmi", metric.nmi(grid)))
	}

	return grid, nil
}

func (e *Engine) optimizeNode(grid *Grid, n int, metric *similarity, samples []int, opts config.NonlinearRegistration) error {
	neighbors := grid.neighbors(n)
	scale := grid.Spacing[0] * grid.Spacing[0]
	start := append([]float64(nil), grid.Displacements[3*n:3*n+3]...)

	problem := optimize.Problem{
		Func: func(d []float64) float64 {
			copy(grid.Displacements[3*n:3*n+3], d)

			penalty := 0.0
			for _, m := range neighbors {
				for a := 0; a < 3; a++ {
					diff := d[a] - grid.Displacements[3*m+a]
					penalty += diff * diff / scale
				}
			}
			return -metric.nmiOver(grid, samples) + opts.Lambda*penalty
		},
	}
	settings := &optimize.Settings{
		MajorIterations: opts.Iterations * 4,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-6,
			Iterations: 4,
		},
	}

	result, err := optimize.Minimize(problem, start, settings, &optimize.NelderMead{SimplexSize: grid.Spacing[0] / 4})
	if err != nil {
		copy(grid.Displacements[3*n:3*n+3], start)
		return err
	}
	copy(grid.Displacements[3*n:3*n+3], result.X)
	return nil
}

// nodeSupport lists for each control point the samples within one spacing
// of it along every axis
func nodeSupport(grid *Grid, points [][3]float64) [][]int {
	support := make([][]int, grid.NumControlPoints())
	for i, p := range points {
		var lo, hi [3]int
		for a := 0; a < 3; a++ {
			f := (p[a] - grid.Origin[a]) / grid.Spacing[a]
			lo[a] = maxInt(int(math.Floor(f)), 0)
			hi[a] = minInt(int(math.Ceil(f)), grid.Dims[a]-1)
		}
		for k := lo[2]; k <= hi[2]; k++ {
			for j := lo[1]; j <= hi[1]; j++ {
				for ii := lo[0]; ii <= hi[0]; ii++ {
					n := grid.node(ii, j, k)
					support[n] = append(support[n], i)
				}
			}
		}
	}
	return support
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
