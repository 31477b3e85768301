// Package config provides configuration loading and management for shoeboxintegrate.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"shoeboxintegrate/internal/models"
	"shoeboxintegrate/pkg/background"
	"shoeboxintegrate/pkg/fitting"
	"shoeboxintegrate/pkg/profile"
	"shoeboxintegrate/pkg/simulate"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Background estimation parameters
	Background struct {
		// Model is "constant" or "plane"
		Model string `yaml:"model"`

		// Outlier is "nsigma" or "none"
		Outlier string `yaml:"outlier"`

		// NSigma is the residual threshold, in standard deviations, for excluding a pixel
		NSigma float64 `yaml:"nSigma"`

		// MaxIterations caps the number of fit/reject passes
		MaxIterations int `yaml:"maxIterations"`

		// MinPixels is the minimum background pixel count (0 = fit parameters + 1)
		MinPixels int `yaml:"minPixels"`
	} `yaml:"background"`

	// Reference profile parameters
	Profile struct {
		// Grid extents of the reference profile
		NX int `yaml:"nx"`
		NY int `yaml:"ny"`
		NZ int `yaml:"nz"`

		// MinCompleteness is the usable fraction of the foreground region a strong
		// reflection needs to contribute to the profile
		MinCompleteness float64 `yaml:"minCompleteness"`

		// StrongIOverSigma selects strong reflections by summation I/sigma when the
		// caller does not flag them
		StrongIOverSigma float64 `yaml:"strongIOverSigma"`

		// GridX and GridY split the detector into GridX*GridY reference profiles.
		// 1x1 learns a single profile.
		GridX int `yaml:"gridX"`
		GridY int `yaml:"gridY"`

		// DetectorWidth and DetectorHeight in pixels, used to place the profile locations
		DetectorWidth  float64 `yaml:"detectorWidth"`
		DetectorHeight float64 `yaml:"detectorHeight"`
	} `yaml:"profile"`

	// Profile fitting parameters
	Fitting struct {
		// Weighting is "variance" or "uniform"
		Weighting string `yaml:"weighting"`

		// Epsilon is the smallest acceptable denominator of the fit
		Epsilon float64 `yaml:"epsilon"`

		// MaxIterations caps the reweighting passes
		MaxIterations int `yaml:"maxIterations"`

		// Tolerance is the relative intensity change that ends reweighting
		Tolerance float64 `yaml:"tolerance"`

		// MinPixelVariance floors the per-pixel variance used in the weights
		MinPixelVariance float64 `yaml:"minPixelVariance"`
	} `yaml:"fitting"`

	// Processing parameters
	Processing struct {
		// NumWorkers specifies how many goroutines integrate reflections
		NumWorkers int `yaml:"numWorkers"`

		// Methods lists the integration methods to run: sum, prf, 2d
		Methods []string `yaml:"methods"`
	} `yaml:"processing"`

	// Output parameters
	Output struct {
		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`

		// DumpProfileDir, when set, receives heat maps of the learned profiles
		DumpProfileDir string `yaml:"dumpProfileDir"`
	} `yaml:"output"`

	// Simulation parameters for the command-line harness
	Simulation struct {
		Count        int       `yaml:"count"`
		Seed         uint64    `yaml:"seed"`
		Size         []int     `yaml:"size"`
		Sigma        []float64 `yaml:"sigma"`
		Background   float64   `yaml:"background"`
		MinIntensity float64   `yaml:"minIntensity"`
		MaxIntensity float64   `yaml:"maxIntensity"`
		BadFraction  float64   `yaml:"badFraction"`
	} `yaml:"simulation"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	bg := background.DefaultParams()
	cfg.Background.Model = bg.Model.String()
	cfg.Background.Outlier = "nsigma"
	cfg.Background.NSigma = bg.NSigma
	cfg.Background.MaxIterations = bg.MaxIterations
	cfg.Background.MinPixels = 0

	prof := profile.DefaultParams()
	cfg.Profile.NX = prof.Grid.NX
	cfg.Profile.NY = prof.Grid.NY
	cfg.Profile.NZ = prof.Grid.NZ
	cfg.Profile.MinCompleteness = prof.MinCompleteness
	cfg.Profile.StrongIOverSigma = 5.0
	cfg.Profile.GridX = 1
	cfg.Profile.GridY = 1
	cfg.Profile.DetectorWidth = 2048
	cfg.Profile.DetectorHeight = 2048

	fit := fitting.DefaultParams()
	cfg.Fitting.Weighting = fit.Weighting.String()
	cfg.Fitting.Epsilon = fit.Epsilon
	cfg.Fitting.MaxIterations = fit.MaxIterations
	cfg.Fitting.Tolerance = fit.Tolerance
	cfg.Fitting.MinPixelVariance = fit.MinPixelVariance

	cfg.Processing.NumWorkers = runtime.NumCPU() // Use all available cores by default
	cfg.Processing.Methods = []string{"sum", "prf"}

	cfg.Output.Verbose = true

	sim := simulate.DefaultParams()
	cfg.Simulation.Count = sim.Count
	cfg.Simulation.Seed = 1
	cfg.Simulation.Size = sim.Size[:]
	cfg.Simulation.Sigma = sim.Sigma[:]
	cfg.Simulation.Background = sim.Background
	cfg.Simulation.MinIntensity = sim.MinIntensity
	cfg.Simulation.MaxIntensity = sim.MaxIntensity
	cfg.Simulation.BadFraction = sim.BadFraction

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}

// Validate checks ranges and enumerated values
func (c *Config) Validate() error {
	if _, err := c.BackgroundParams(); err != nil {
		return err
	}
	if c.Background.NSigma <= 0 {
		return fmt.Errorf("background.nSigma must be positive, got %g", c.Background.NSigma)
	}
	if c.Background.MaxIterations < 1 {
		return fmt.Errorf("background.maxIterations must be at least 1, got %d", c.Background.MaxIterations)
	}
	if c.Background.MinPixels < 0 {
		return fmt.Errorf("background.minPixels must not be negative, got %d", c.Background.MinPixels)
	}
	if c.Profile.NX < 1 || c.Profile.NY < 1 || c.Profile.NZ < 1 {
		return fmt.Errorf("profile grid must be at least 1x1x1, got %dx%dx%d", c.Profile.NX, c.Profile.NY, c.Profile.NZ)
	}
	if c.Profile.MinCompleteness < 0 || c.Profile.MinCompleteness > 1 {
		return fmt.Errorf("profile.minCompleteness must be in [0, 1], got %g", c.Profile.MinCompleteness)
	}
	if c.Profile.GridX < 1 || c.Profile.GridY < 1 {
		return fmt.Errorf("profile.gridX and profile.gridY must be at least 1")
	}
	if _, err := c.FittingParams(); err != nil {
		return err
	}
	if c.Fitting.Epsilon <= 0 {
		return fmt.Errorf("fitting.epsilon must be positive, got %g", c.Fitting.Epsilon)
	}
	if c.Fitting.MaxIterations < 1 {
		return fmt.Errorf("fitting.maxIterations must be at least 1, got %d", c.Fitting.MaxIterations)
	}
	if c.Processing.NumWorkers < 0 {
		return fmt.Errorf("processing.numWorkers must not be negative, got %d", c.Processing.NumWorkers)
	}
	if len(c.Simulation.Size) != 3 || len(c.Simulation.Sigma) != 3 {
		return fmt.Errorf("simulation.size and simulation.sigma need three values each")
	}
	methods, err := c.Methods()
	if err != nil {
		return err
	}
	if len(methods) == 0 {
		return fmt.Errorf("processing.methods must name at least one method")
	}
	return nil
}

// BackgroundParams converts the background section
func (c *Config) BackgroundParams() (background.Params, error) {
	kind, err := background.ParseKind(c.Background.Model)
	if err != nil {
		return background.Params{}, err
	}
	outlier, err := background.ParseOutlier(c.Background.Outlier)
	if err != nil {
		return background.Params{}, err
	}
	return background.Params{
		Model:         kind,
		Outlier:       outlier,
		NSigma:        c.Background.NSigma,
		MaxIterations: c.Background.MaxIterations,
		MinPixels:     c.Background.MinPixels,
	}, nil
}

// ProfileParams converts the profile section
func (c *Config) ProfileParams() profile.Params {
	return profile.Params{
		Grid:            profile.Grid{NX: c.Profile.NX, NY: c.Profile.NY, NZ: c.Profile.NZ},
		MinCompleteness: c.Profile.MinCompleteness,
		Workers:         c.Processing.NumWorkers,
	}
}

// FittingParams converts the fitting section
func (c *Config) FittingParams() (fitting.Params, error) {
	w, err := fitting.ParseWeighting(c.Fitting.Weighting)
	if err != nil {
		return fitting.Params{}, err
	}
	return fitting.Params{
		Weighting:        w,
		Epsilon:          c.Fitting.Epsilon,
		MaxIterations:    c.Fitting.MaxIterations,
		Tolerance:        c.Fitting.Tolerance,
		MinPixelVariance: c.Fitting.MinPixelVariance,
	}, nil
}

// Methods parses the configured method list, dropping duplicates
func (c *Config) Methods() ([]models.Method, error) {
	seen := make(map[models.Method]bool)
	var out []models.Method
	for _, name := range c.Processing.Methods {
		m, err := models.ParseMethod(name)
		if err != nil {
			return nil, err
		}
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	return out, nil
}

// SimulationParams converts the simulation section
func (c *Config) SimulationParams() simulate.Params {
	p := simulate.DefaultParams()
	p.Count = c.Simulation.Count
	copy(p.Size[:], c.Simulation.Size)
	copy(p.Sigma[:], c.Simulation.Sigma)
	p.Background = c.Simulation.Background
	p.MinIntensity = c.Simulation.MinIntensity
	p.MaxIntensity = c.Simulation.MaxIntensity
	p.BadFraction = c.Simulation.BadFraction
	p.DetectorSize = [2]int{int(c.Profile.DetectorWidth), int(c.Profile.DetectorHeight)}
	return p
}
