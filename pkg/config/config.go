// Package config provides configuration loading and management for diffspect.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Validation modes for the geometry check that runs before the statistical
// pipeline.
const (
	ValidationStrict  = "strict"
	ValidationLenient = "lenient"
)

// LinearRegistration is the fixed option bundle handed to the linear
// registration engine.
type LinearRegistration struct {
	IntScale       int     `yaml:"intscale"`
	NumBins        int     `yaml:"numbins"`
	Levels         int     `yaml:"levels"`
	ImageSmoothing float64 `yaml:"imagesmoothing"`
	Optimization   string  `yaml:"optimization"`
	StepSize       float64 `yaml:"stepsize"`
	Metric         string  `yaml:"metric"`
	Steps          int     `yaml:"steps"`
	Iterations     int     `yaml:"iterations"`
	Resolution     float64 `yaml:"resolution"`
	DoReslice      bool    `yaml:"doreslice"`
	Norm           bool    `yaml:"norm"`
	Debug          bool    `yaml:"debug"`
}

// NonlinearRegistration extends the linear bundle with the control point
// grid settings.
type NonlinearRegistration struct {
	LinearRegistration `yaml:",inline"`

	// CPS is the control point spacing in mm
	CPS float64 `yaml:"cps"`

	// Append initializes the grid with an affine registration first
	Append bool `yaml:"append"`

	// LinearMode is the mode of the initializing registration
	LinearMode string `yaml:"linearmode"`

	// Lambda weights the grid smoothness penalty
	Lambda float64 `yaml:"lambda"`

	// CPSRate is the factor by which control point spacing shrinks per level
	CPSRate float64 `yaml:"cpsrate"`
}

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters
	Processing struct {
		// NumCores specifies how many CPU cores kernels may use
		NumCores int `yaml:"numCores"`
	} `yaml:"processing"`

	// Analysis parameters for the diff-SPECT statistics
	Analysis struct {
		// PValue is the voxel threshold significance level
		PValue float64 `yaml:"pValue"`

		// ClusterSize is the minimum cluster extent in voxels
		ClusterSize int `yaml:"clusterSize"`

		// FWHM is the smoothing kernel full width at half maximum in mm
		FWHM float64 `yaml:"fwhm"`

		// FWHMToSigma converts FWHM into the Gaussian standard deviation
		FWHMToSigma float64 `yaml:"fwhmToSigma"`

		// RadiusFactor is the kernel radius in units of sigma
		RadiusFactor float64 `yaml:"radiusFactor"`

		// PopulationSize is the number of subjects behind the SD image
		PopulationSize int `yaml:"populationSize"`

		// Validation is "strict" (abort on geometry mismatch) or "lenient"
		Validation string `yaml:"validation"`
	} `yaml:"analysis"`

	// Registration option bundles. These are fixed parameters of the
	// protocol, so they are never read from or written to the YAML file.
	Registration struct {
		Linear    LinearRegistration
		Nonlinear NonlinearRegistration
	} `yaml:"-"`

	// Atlas image locations
	Atlas struct {
		Spect    string `yaml:"spect"`
		MRI      string `yaml:"mri"`
		StdSpect string `yaml:"stdspect"`
		Mask     string `yaml:"mask"`
	} `yaml:"atlas"`

	// Storage parameters
	Storage struct {
		// Database is the path of the SQLite study database
		Database string `yaml:"database"`
	} `yaml:"storage"`

	// Output parameters
	Output struct {
		// Verbose enables debug logging
		Verbose bool `yaml:"verbose"`

		// SnapshotDir is where cluster snapshots are written
		SnapshotDir string `yaml:"snapshotDir"`
	} `yaml:"output"`
}

// DefaultLinearRegistration returns the linear bundle used for every rigid and
// affine stage.
func DefaultLinearRegistration() LinearRegistration {
	return LinearRegistration{
		IntScale:       1,
		NumBins:        64,
		Levels:         3,
		ImageSmoothing: 1,
		Optimization:   "ConjugateGradient",
		StepSize:       1,
		Metric:         "NMI",
		Steps:          1,
		Iterations:     10,
		Resolution:     1.5,
		DoReslice:      true,
		Norm:           true,
	}
}

// DefaultNonlinearRegistration returns the nonlinear bundle.
func DefaultNonlinearRegistration() NonlinearRegistration {
	return NonlinearRegistration{
		LinearRegistration: DefaultLinearRegistration(),
		CPS:                20,
		Append:             true,
		LinearMode:         "Affine",
		Lambda:             0.001,
		CPSRate:            2,
	}
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default processing parameters
	cfg.Processing.NumCores = runtime.NumCPU() // Use all available cores by default

	// Set default analysis parameters
	cfg.Analysis.PValue = 0.05
	cfg.Analysis.ClusterSize = 100
	cfg.Analysis.FWHM = 16
	cfg.Analysis.FWHMToSigma = 0.4247
	cfg.Analysis.RadiusFactor = 6.0
	cfg.Analysis.PopulationSize = 14
	cfg.Analysis.Validation = ValidationStrict

	// Set default registration parameters
	cfg.Registration.Linear = DefaultLinearRegistration()
	cfg.Registration.Nonlinear = DefaultNonlinearRegistration()

	// Set default atlas locations
	cfg.Atlas.Spect = "images/ISAS_SPECT_Template.nii.gz"
	cfg.Atlas.MRI = "images/MNI_T1_2mm_stripped_ras.nii.gz"
	cfg.Atlas.StdSpect = "images/ISASHN_Standard_Deviation.nii.gz"
	cfg.Atlas.Mask = "images/ISAS_SPECT_Mask.nii.gz"

	// Set default storage parameters
	cfg.Storage.Database = "diffspect.db"

	// Set default output parameters
	cfg.Output.Verbose = false
	cfg.Output.SnapshotDir = "snapshots"

	return cfg
}

// Validate checks the values that the pipeline cannot recover from
func (c *Config) Validate() error {
	if c.Analysis.PValue <= 0 || c.Analysis.PValue >= 1 {
		return fmt.Errorf("analysis.pValue must be in (0,1), got %g", c.Analysis.PValue)
	}
	if c.Analysis.ClusterSize < 0 {
		return fmt.Errorf("analysis.clusterSize must be non-negative, got %d", c.Analysis.ClusterSize)
	}
	if c.Analysis.PopulationSize < 2 {
		return fmt.Errorf("analysis.populationSize must be at least 2, got %d", c.Analysis.PopulationSize)
	}
	switch c.Analysis.Validation {
	case ValidationStrict, ValidationLenient:
	default:
		return fmt.Errorf("analysis.validation must be %q or %q, got %q",
			ValidationStrict, ValidationLenient, c.Analysis.Validation)
	}
	if c.Registration.Linear != DefaultLinearRegistration() {
		return fmt.Errorf("registration.linear differs from the fixed protocol parameters")
	}
	if c.Registration.Nonlinear != DefaultNonlinearRegistration() {
		return fmt.Errorf("registration.nonlinear differs from the fixed protocol parameters")
	}
	return nil
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
