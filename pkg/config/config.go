// Package config provides configuration loading and management for tomoprep.
// It handles loading training-data job descriptions from YAML files and
// provides default values for the sampling parameters.
package config

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Suffixes used by the folder-scan mode to pair reconstructions.
const (
	oddSuffix  = "_ODD.mrc"
	evenSuffix = "_EVN.mrc"
)

// Config represents a training-data extraction job loaded from YAML
type Config struct {
	// Data parameters: either explicit odd/even pair lists, or a
	// folder-scan mode that pairs *_ODD.mrc with *_EVN.mrc files
	Data struct {
		// Odd lists the odd-frame reconstruction volumes
		Odd []string `yaml:"odd"`

		// Even lists the even-frame reconstruction volumes, pairwise with Odd
		Even []string `yaml:"even"`

		// Mask optionally restricts patch anchors per volume
		Mask []string `yaml:"mask"`

		// Folders, when set, enables the scan mode: each folder is searched
		// for *_ODD.mrc volumes and NumTomos pairs are drawn at random
		Folders []string `yaml:"folders"`

		// NumTomos is the number of pairs to draw in folder-scan mode
		NumTomos int `yaml:"numTomos"`
	} `yaml:"data"`

	// Sampling parameters
	Sampling struct {
		// SamplesPerVolume is the total patch count drawn per volume pair,
		// divided between the training and validation splits
		SamplesPerVolume int `yaml:"samplesPerVolume"`

		// ValidationFraction is the share of samples (and of the split axis)
		// reserved for validation
		ValidationFraction float64 `yaml:"validationFraction"`

		// PatchShape is the sub-volume footprint (depth, height, width)
		PatchShape [3]int `yaml:"patchShape"`

		// SplitAxis selects the in-plane axis separating train from
		// validation, "Y" or "X"
		SplitAxis string `yaml:"splitAxis"`

		// NormalizationSamples bounds the patch count used to estimate
		// the normalization mean and standard deviation
		NormalizationSamples int `yaml:"normalizationSamples"`
	} `yaml:"sampling"`

	// Output parameters
	Output struct {
		// Dir is the directory receiving the train/validation archives
		Dir string `yaml:"dir"`

		// Overwrite permits reusing an existing output directory
		Overwrite bool `yaml:"overwrite"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default sampling values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Sampling.SamplesPerVolume = 1200
	cfg.Sampling.ValidationFraction = 0.1
	cfg.Sampling.PatchShape = [3]int{64, 64, 64}
	cfg.Sampling.SplitAxis = "Y"
	cfg.Sampling.NormalizationSamples = 500

	cfg.Output.Dir = "train_data"

	return cfg
}

// LoadConfig loads a job description from a YAML file. Unlike optional
// application settings, a job file is required: a missing file is an error.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
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

// Validate checks the job for configuration errors that would otherwise
// surface deep inside dataset construction
func (cfg *Config) Validate() error {
	if len(cfg.Data.Folders) == 0 {
		if len(cfg.Data.Odd) == 0 {
			return fmt.Errorf("no input volumes: set data.odd/data.even or data.folders")
		}
		if len(cfg.Data.Odd) != len(cfg.Data.Even) {
			return fmt.Errorf("data.odd lists %d volumes but data.even lists %d",
				len(cfg.Data.Odd), len(cfg.Data.Even))
		}
		if len(cfg.Data.Mask) != 0 && len(cfg.Data.Mask) != len(cfg.Data.Odd) {
			return fmt.Errorf("data.mask lists %d masks but data.odd lists %d volumes",
				len(cfg.Data.Mask), len(cfg.Data.Odd))
		}
	} else if cfg.Data.NumTomos <= 0 {
		return fmt.Errorf("data.numTomos must be positive in folder-scan mode")
	}

	if cfg.Sampling.SamplesPerVolume <= 0 {
		return fmt.Errorf("sampling.samplesPerVolume must be positive")
	}
	if cfg.Sampling.ValidationFraction <= 0 || cfg.Sampling.ValidationFraction >= 1 {
		return fmt.Errorf("sampling.validationFraction %v outside (0, 1)", cfg.Sampling.ValidationFraction)
	}
	for _, d := range cfg.Sampling.PatchShape {
		if d <= 0 {
			return fmt.Errorf("sampling.patchShape %v has a non-positive dimension", cfg.Sampling.PatchShape)
		}
	}
	if cfg.Sampling.SplitAxis != "Y" && cfg.Sampling.SplitAxis != "X" {
		return fmt.Errorf("sampling.splitAxis %q must be Y or X", cfg.Sampling.SplitAxis)
	}
	if cfg.Output.Dir == "" {
		return fmt.Errorf("output.dir must be set")
	}

	return nil
}

// ResolvePairs returns the odd/even path lists for the job. In folder-scan
// mode the folders are searched for *_ODD.mrc volumes, NumTomos of them are
// drawn at random, and even paths are derived by suffix substitution.
func (cfg *Config) ResolvePairs(rng *rand.Rand) (odd, even []string, err error) {
	if len(cfg.Data.Folders) == 0 {
		return cfg.Data.Odd, cfg.Data.Even, nil
	}

	for _, folder := range cfg.Data.Folders {
		entries, err := os.ReadDir(folder)
		if err != nil {
			return nil, nil, fmt.Errorf("error scanning folder %s: %w", folder, err)
		}
		for _, e := range entries {
			if !e.IsDir() && strings.Contains(e.Name(), oddSuffix) {
				odd = append(odd, filepath.Join(folder, e.Name()))
			}
		}
	}
	if len(odd) < cfg.Data.NumTomos {
		return nil, nil, fmt.Errorf("found %d odd volumes, need %d", len(odd), cfg.Data.NumTomos)
	}

	// Sort before shuffling so the draw depends only on the seed, not on
	// directory enumeration order.
	sort.Strings(odd)
	rng.Shuffle(len(odd), func(i, j int) { odd[i], odd[j] = odd[j], odd[i] })
	odd = odd[:cfg.Data.NumTomos]

	even = make([]string, len(odd))
	for i, p := range odd {
		even[i] = strings.Replace(p, oddSuffix, evenSuffix, 1)
	}
	return odd, even, nil
}
