package dataset

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"

	"github.com/golang/snappy"

	"tomoprep/pkg/sampling"
)

// state is the persisted form of a dataset: everything needed to reopen the
// volumes and serve the exact same patches, with coordinates restored
// verbatim rather than resampled.
type state struct {
	OddPaths         []string           `json:"odd_paths"`
	EvenPaths        []string           `json:"even_paths"`
	Mean             float64            `json:"mean"`
	Std              float64            `json:"std"`
	SamplesPerVolume int                `json:"samples_per_volume"`
	Windows          []sampling.Window  `json:"extraction_windows"`
	Footprint        [3]int             `json:"patch_footprint"`
	Shuffle          bool               `json:"shuffle"`
	Coords           [][]sampling.Coord `json:"coords"`
	SplitAxis        string             `json:"split_axis,omitempty"`
}

// Save writes the dataset state to path as snappy-compressed JSON.
func (d *Dataset) Save(path string) error {
	s := state{
		OddPaths:         d.oddPaths,
		EvenPaths:        d.evenPaths,
		Mean:             d.mean,
		Std:              d.std,
		SamplesPerVolume: d.samplesPerVolume,
		Windows:          d.windows,
		Footprint:        d.footprint,
		Shuffle:          d.shuffle,
		Coords:           d.coords,
		SplitAxis:        d.splitAxis,
	}

	raw, err := json.Marshal(&s)
	if err != nil {
		return &ArchiveError{Path: path, Err: err}
	}
	if err := os.WriteFile(path, snappy.Encode(nil, raw), 0644); err != nil {
		return &ArchiveError{Path: path, Err: err}
	}
	return nil
}

// Load restores a dataset from a saved archive, reopening the volumes from
// the persisted paths. Coordinates and statistics come from the archive;
// nothing is resampled or re-estimated. rng seeds the epoch permutation and
// augmentation; nil falls back to a time-seeded source.
func Load(path string, rng *rand.Rand) (*Dataset, error) {
	compressed, err := os.ReadFile(path)
	if err != nil {
		return nil, &ResourceError{Path: path, Err: err}
	}
	raw, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, &ArchiveError{Path: path, Err: fmt.Errorf("decompressing: %w", err)}
	}
	var s state
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, &ArchiveError{Path: path, Err: fmt.Errorf("decoding: %w", err)}
	}

	return build(Params{
		OddPaths:         s.OddPaths,
		EvenPaths:        s.EvenPaths,
		SamplesPerVolume: s.SamplesPerVolume,
		Windows:          s.Windows,
		Footprint:        s.Footprint,
		Shuffle:          s.Shuffle,
		Mean:             &s.Mean,
		Std:              &s.Std,
		SplitAxis:        s.SplitAxis,
		Rand:             rng,
	}, s.Coords)
}
