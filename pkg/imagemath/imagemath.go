// Package imagemath implements the voxel kernels behind the diff-SPECT
// pipeline: masking, Gaussian smoothing, SPECT normalization, t-map
// computation and cluster thresholding.
//
// Kernels that touch every voxel split the volume into z-slabs and process
// them on a bounded worker group, the same sub-volume parallelism used for
// reconstruction in earlier versions of this code.
package imagemath

import (
	"context"
	"fmt"
	"runtime"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"diffspect/internal/models"
	"diffspect/pkg/config"
)

// Engine holds the parameters shared by all kernels
type Engine struct {
	// Workers bounds the number of slabs processed concurrently
	Workers int

	// PopulationSize is the number of normal subjects behind the SD image.
	// It sets the t-map scaling and the degrees of freedom (n-1).
	PopulationSize int

	// FWHM is the smoothing applied before the t-map, in mm. Cluster
	// p-values use it as the smoothness of the statistic image.
	FWHM float64

	logger *zap.Logger
}

// NewEngine creates a kernel engine from the analysis configuration
func NewEngine(cfg *config.Config, logger *zap.Logger) *Engine {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	workers := cfg.Processing.NumCores
	if workers < 1 {
		workers = runtime.NumCPU()
	}
	return &Engine{
		Workers:        workers,
		PopulationSize: cfg.Analysis.PopulationSize,
		FWHM:           cfg.Analysis.FWHM,
		logger:         logger,
	}
}

// ForEachSlab runs fn over z-slabs of a volume of the given depth on at most
// Workers goroutines. The first error cancels the remaining slabs.
func (e *Engine) ForEachSlab(ctx context.Context, depth int, fn func(slab models.Slab) error) error {
	workers := e.Workers
	if workers < 1 {
		workers = 1
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, slab := range models.SplitSlabs(depth, workers) {
		slab := slab
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return fn(slab)
		})
	}
	return g.Wait()
}

// Multiply returns the voxelwise product a*b
func (e *Engine) Multiply(a, b *models.Volume) (*models.Volume, error) {
	if !models.Congruent(a, b) {
		return nil, fmt.Errorf("cannot multiply %v by %v: dimensions differ", a, b)
	}

	out := models.NewLike(a)
	for i := range out.Data {
		out.Data[i] = a.Data[i] * b.Data[i]
	}
	out.Description = a.Description
	return out, nil
}
