// Package split derives spatially disjoint train/validation datasets from
// paired tomogram reconstructions. The split happens along one in-plane
// axis of each volume: the training extraction window takes the leading
// part, validation the trailing part, and both datasets share the training
// normalization statistics so the model never sees skewed inputs.
package split

import (
	"fmt"
	"math"
	"math/rand"
	"path/filepath"

	"tomoprep/pkg/dataset"
	"tomoprep/pkg/mrc"
	"tomoprep/pkg/sampling"
)

// Archive file names inside the output directory, one per split.
const (
	TrainArchive = "train_data.json.sz"
	ValArchive   = "val_data.json.sz"
)

// Axis names accepted for the split axis, indexing the first two volume
// axes in order.
var axisNames = []string{"Y", "X"}

// SetupParams configures a paired train/validation build.
type SetupParams struct {
	OddPaths  []string
	EvenPaths []string
	MaskPaths []string // nil for no masks

	// SamplesPerVolume is the total per volume; it is divided between the
	// two splits by ValidationFraction.
	SamplesPerVolume   int
	ValidationFraction float64

	Footprint [3]int
	SplitAxis string // "Y" or "X"

	NormalizationSamples int

	// Rand drives sampling, shuffling and augmentation for both datasets.
	// Nil falls back to a time-seeded source.
	Rand *rand.Rand
}

// DataModule owns the coordinated train/validation dataset pair.
type DataModule struct {
	Train *dataset.Dataset
	Val   *dataset.Dataset
}

// Setup computes per-volume extraction windows, builds the training dataset
// (shuffled, statistics estimated), then the validation dataset (ordered,
// statistics copied from training).
func (m *DataModule) Setup(p SetupParams) error {
	axis := axisIndex(p.SplitAxis)
	if axis < 0 {
		return fmt.Errorf("split: invalid split axis %q (want one of %v)", p.SplitAxis, axisNames)
	}
	if p.ValidationFraction <= 0 || p.ValidationFraction >= 1 {
		return fmt.Errorf("split: validation fraction %v outside (0, 1)", p.ValidationFraction)
	}

	trainWindows := make([]sampling.Window, len(p.OddPaths))
	valWindows := make([]sampling.Window, len(p.OddPaths))
	for i := range p.OddPaths {
		tw, vw, err := extractionWindows(p.OddPaths[i], p.EvenPaths[i], axis, p.Footprint, p.ValidationFraction)
		if err != nil {
			return err
		}
		trainWindows[i], valWindows[i] = tw, vw
	}

	trainSamples := int(math.Round(float64(p.SamplesPerVolume) * (1 - p.ValidationFraction)))
	valSamples := int(math.Round(float64(p.SamplesPerVolume) * p.ValidationFraction))

	train, err := dataset.New(dataset.Params{
		OddPaths:             p.OddPaths,
		EvenPaths:            p.EvenPaths,
		MaskPaths:            p.MaskPaths,
		SamplesPerVolume:     trainSamples,
		Windows:              trainWindows,
		Footprint:            p.Footprint,
		Shuffle:              true,
		NormalizationSamples: p.NormalizationSamples,
		SplitAxis:            p.SplitAxis,
		Rand:                 p.Rand,
	})
	if err != nil {
		return fmt.Errorf("split: building training dataset: %w", err)
	}

	mean, std := train.Stats()
	val, err := dataset.New(dataset.Params{
		OddPaths:         p.OddPaths,
		EvenPaths:        p.EvenPaths,
		MaskPaths:        p.MaskPaths,
		SamplesPerVolume: valSamples,
		Windows:          valWindows,
		Footprint:        p.Footprint,
		Shuffle:          false,
		Mean:             &mean,
		Std:              &std,
		Rand:             p.Rand,
	})
	if err != nil {
		train.Close()
		return fmt.Errorf("split: building validation dataset: %w", err)
	}

	m.Train, m.Val = train, val
	return nil
}

func axisIndex(name string) int {
	for i, n := range axisNames {
		if n == name {
			return i
		}
	}
	return -1
}

// extractionWindows computes the disjoint train/validation windows for one
// volume pair. The cutoff lands at floor(extent*(1-vf))-1 and is clamped so
// both regions can host at least one footprint, shrinking the effective
// validation fraction for volumes that are small relative to the footprint.
func extractionWindows(oddPath, evenPath string, axis int, footprint [3]int, vf float64) (train, val sampling.Window, err error) {
	odd, err := mrc.OpenPermissive(oddPath)
	if err != nil {
		return train, val, fmt.Errorf("split: %w", err)
	}
	defer odd.Close()
	even, err := mrc.OpenPermissive(evenPath)
	if err != nil {
		return train, val, fmt.Errorf("split: %w", err)
	}
	defer even.Close()

	shape := odd.Shape()
	if shape != even.Shape() {
		return train, val, fmt.Errorf("split: %s and %s have different shapes %v vs %v",
			oddPath, evenPath, shape, even.Shape())
	}
	if shape[0] <= 2*footprint[0] || shape[1] <= 2*footprint[1] {
		return train, val, fmt.Errorf("split: volume %s shape %v too small for twice the footprint %v",
			oddPath, shape, footprint)
	}

	extent := shape[axis]
	cutoff := int(float64(extent)*(1-vf)) - 1
	if extent-cutoff < footprint[axis] || cutoff < footprint[axis] {
		cutoff = extent - footprint[axis] - 1
	}

	full := sampling.Window{{0, shape[0]}, {0, shape[1]}}
	train, val = full, full
	train[axis] = [2]int{0, cutoff}
	val[axis] = [2]int{cutoff, extent}
	return train, val, nil
}

// Save persists both datasets under dir as fixed-name archives.
func (m *DataModule) Save(dir string) error {
	if err := m.Train.Save(filepath.Join(dir, TrainArchive)); err != nil {
		return err
	}
	return m.Val.Save(filepath.Join(dir, ValArchive))
}

// Load restores both datasets from dir. rng drives shuffling and
// augmentation after the restore.
func (m *DataModule) Load(dir string, rng *rand.Rand) error {
	train, err := dataset.Load(filepath.Join(dir, TrainArchive), rng)
	if err != nil {
		return err
	}
	val, err := dataset.Load(filepath.Join(dir, ValArchive), rng)
	if err != nil {
		train.Close()
		return err
	}
	m.Train, m.Val = train, val
	return nil
}

// TrainStream returns the normalized, indefinitely repeating training feed.
func (m *DataModule) TrainStream() *dataset.Stream {
	mean, std := m.Train.Stats()
	return dataset.NewStream(m.Train, dataset.Normalizer(mean, std), true)
}

// ValStream returns the normalized single-pass validation feed. It uses the
// training statistics, never the validation dataset's own.
func (m *DataModule) ValStream() *dataset.Stream {
	mean, std := m.Train.Stats()
	return dataset.NewStream(m.Val, dataset.Normalizer(mean, std), false)
}

// Close releases both datasets' volume handles.
func (m *DataModule) Close() error {
	var first error
	if m.Train != nil {
		first = m.Train.Close()
	}
	if m.Val != nil {
		if err := m.Val.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
