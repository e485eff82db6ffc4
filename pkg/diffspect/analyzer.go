// Package diffspect computes the differential-SPECT statistics of a study:
// a t-map comparing the ictal and interictal scans against a population
// standard deviation image, and the hyper- and hypo-perfusion cluster tables
// derived from it.
package diffspect

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"diffspect/internal/models"
	"diffspect/pkg/config"
	"diffspect/pkg/study"
)

// Kernel is the image math the analysis is built from
type Kernel interface {
	Multiply(a, b *models.Volume) (*models.Volume, error)
	Smooth(ctx context.Context, v *models.Volume, sigma [3]float64, inMM bool, radiusFactor float64) (*models.Volume, error)
	SpectNormalize(v *models.Volume) (*models.Volume, error)
	SpectTmap(ctx context.Context, interictal, ictal, sd, mask *models.Volume) (*models.Volume, error)
	ClusterThreshold(ctx context.Context, tmap *models.Volume, p float64, minSize int, hyper bool) ([]models.ClusterRecord, error)
}

// Params are the per-run thresholds
type Params struct {
	// PValue is the voxel-level significance threshold
	PValue float64

	// ClusterSize is the minimum cluster extent in voxels
	ClusterSize int
}

// DefaultParams returns p = 0.05 and a 100 voxel minimum cluster
func DefaultParams() Params {
	return Params{PValue: 0.05, ClusterSize: 100}
}

// ParamsFromConfig returns the configured thresholds
func ParamsFromConfig(cfg *config.Config) Params {
	if cfg == nil {
		return DefaultParams()
	}
	return Params{PValue: cfg.Analysis.PValue, ClusterSize: cfg.Analysis.ClusterSize}
}

// Validate checks the thresholds
func (p Params) Validate() error {
	if p.PValue <= 0 || p.PValue >= 1 {
		return fmt.Errorf("p-value must be in (0,1), got %g", p.PValue)
	}
	if p.ClusterSize < 0 {
		return fmt.Errorf("cluster size must be non-negative, got %d", p.ClusterSize)
	}
	return nil
}

// Result holds the outputs of one analysis
type Result struct {
	TMap  *models.Volume
	Hyper []models.ClusterRecord
	Hypo  []models.ClusterRecord

	// Diagnostics lists the problems tolerated in lenient mode
	Diagnostics []string
}

// Analyzer runs the differential-SPECT pipeline
type Analyzer struct {
	kernel Kernel
	logger *zap.Logger

	// Sigma is the smoothing standard deviation in mm
	Sigma float64

	// RadiusFactor is the smoothing kernel radius in units of sigma
	RadiusFactor float64

	// Strict aborts on incongruent inputs instead of resampling them
	Strict bool
}

// NewAnalyzer creates an analyzer using the given kernel and the analysis
// section of the configuration
func NewAnalyzer(kernel Kernel, cfg *config.Config, logger *zap.Logger) *Analyzer {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyzer{
		kernel:       kernel,
		logger:       logger,
		Sigma:        cfg.Analysis.FWHM * cfg.Analysis.FWHMToSigma,
		RadiusFactor: cfg.Analysis.RadiusFactor,
		Strict:       cfg.Analysis.Validation != config.ValidationLenient,
	}
}

// ProcessSpect computes the t-map and cluster tables from registered and
// resliced interictal and ictal images, the population standard deviation
// image and a brain mask. The process consists of:
// 1. Checking that all four images share one grid
// 2. Masking, smoothing and normalizing each condition
// 3. Computing the t-map
// 4. Thresholding the t-map into hyper and hypo clusters
func (a *Analyzer) ProcessSpect(ctx context.Context, interictal, ictal, sd, mask *models.Volume, params Params) (*Result, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid analysis parameters: %w", err)
	}
	for i, v := range []*models.Volume{interictal, ictal, sd, mask} {
		if v == nil {
			return nil, fmt.Errorf("processSpect: %s image is missing", imageNames[i])
		}
	}

	result := &Result{}

	// Step 1: Geometry
	a.logger.Info("Step 1: Checking image geometry...")
	images, diagnostics, err := a.checkGeometry([]*models.Volume{interictal, ictal, sd, mask})
	if err != nil {
		return nil, err
	}
	result.Diagnostics = diagnostics
	interictal, ictal, sd, mask = images[0], images[1], images[2], images[3]

	// Step 2: Preprocess each condition
	a.logger.Info("Step 2: Masking, smoothing and normalizing images...",
		zap.Float64("sigma", a.Sigma),
		zap.Float64("radiusFactor", a.RadiusFactor))
	names := [2]string{"interictal", "ictal"}
	var final [2]*models.Volume
	for i, img := range [2]*models.Volume{interictal, ictal} {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		normalized, err := a.preprocess(ctx, names[i], img, mask)
		if err != nil {
			return nil, err
		}
		final[i] = normalized
	}

	// Step 3: t-map
	a.logger.Info("Step 3: Computing t-map...")
	tmap, err := a.kernel.SpectTmap(ctx, final[0], final[1], sd, nil)
	if err != nil {
		return nil, &study.ExternalComputationError{Operation: "processSpect tmap", Err: err}
	}
	tmap.Description = "tmap"
	result.TMap = tmap

	// Step 4: Clusters
	a.logger.Info("Step 4: Thresholding clusters...",
		zap.Float64("pValue", params.PValue),
		zap.Int("clusterSize", params.ClusterSize))
	for _, hyper := range []bool{true, false} {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		records, err := a.kernel.ClusterThreshold(ctx, tmap, params.PValue, params.ClusterSize, hyper)
		if err != nil {
			return nil, &study.ExternalComputationError{Operation: "processSpect " + tableName(hyper), Err: err}
		}
		if records == nil {
			records = []models.ClusterRecord{}
		}
		if hyper {
			result.Hyper = records
		} else {
			result.Hypo = records
		}
		a.logger.Debug(FormatTable(tableName(hyper), records))
	}

	a.logger.Info("Diff SPECT analysis complete",
		zap.Int("hyperClusters", len(result.Hyper)),
		zap.Int("hypoClusters", len(result.Hypo)))

	return result, nil
}

func (a *Analyzer) preprocess(ctx context.Context, name string, img, mask *models.Volume) (*models.Volume, error) {
	masked, err := a.kernel.Multiply(img, mask)
	if err != nil {
		return nil, &study.ExternalComputationError{Operation: "processSpect mask " + name, Err: err}
	}
	sigma := [3]float64{a.Sigma, a.Sigma, a.Sigma}
	smoothed, err := a.kernel.Smooth(ctx, masked, sigma, true, a.RadiusFactor)
	if err != nil {
		return nil, &study.ExternalComputationError{Operation: "processSpect smooth " + name, Err: err}
	}
	normalized, err := a.kernel.SpectNormalize(smoothed)
	if err != nil {
		return nil, &study.ExternalComputationError{Operation: "processSpect normalize " + name, Err: err}
	}
	a.logger.Debug("Normalized image", zap.String("image", name))
	return normalized, nil
}

func tableName(hyper bool) string {
	if hyper {
		return "hyper"
	}
	return "hypo"
}
