// Package dataset serves paired sub-volume patches from odd/even tomogram
// reconstructions for self-supervised denoising. Volumes stay on disk as
// read-only memory maps; only the sampled coordinates and normalization
// statistics live in memory, so datasets scale to tomograms far larger than
// RAM. Coordinate sets are drawn once at construction and persist verbatim
// through save/load.
package dataset

import (
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"tomoprep/pkg/mrc"
	"tomoprep/pkg/sampling"
)

// DefaultNormalizationSamples bounds the number of raw patches drawn to
// estimate mean and standard deviation when none are supplied.
const DefaultNormalizationSamples = 500

// ErrClosed is returned by Get after Close has released the volume handles.
var ErrClosed = errors.New("dataset: closed")

// Patch is one extracted sub-volume with a trailing singleton channel axis,
// i.e. Shape is the patch footprint plus (1,).
type Patch struct {
	Data  []float32
	Shape [4]int
}

// Params configures a paired patch dataset. SamplesPerVolume is a single
// count applied to every volume: global index arithmetic divides by it, so
// unequal per-volume counts are unrepresentable by design.
type Params struct {
	OddPaths  []string
	EvenPaths []string
	// MaskPaths restricts anchor positions per volume; nil (or an empty
	// entry) means every position is valid.
	MaskPaths []string

	SamplesPerVolume int
	Windows          []sampling.Window
	Footprint        [3]int
	Shuffle          bool

	// Mean and Std, when both set, skip statistic estimation. The split
	// orchestrator uses this to share the training statistics with the
	// validation dataset.
	Mean *float64
	Std  *float64

	NormalizationSamples int

	// SplitAxis tags which in-plane axis the extraction windows were split
	// along ("Y" or "X"); empty when not applicable.
	SplitAxis string

	// Rand supplies all randomness (coordinate sampling, permutation,
	// swap augmentation). Nil falls back to a time-seeded source.
	Rand *rand.Rand
}

// Dataset is a random-access collection of paired odd/even patches backed
// by memory-mapped volumes.
type Dataset struct {
	oddPaths  []string
	evenPaths []string

	samplesPerVolume int
	windows          []sampling.Window
	footprint        [3]int
	shuffle          bool
	splitAxis        string

	mean float64
	std  float64

	odd    []*mrc.Volume
	even   []*mrc.Volume
	coords [][]sampling.Coord
	order  []int

	rng    *rand.Rand
	closed bool
}

// New opens the volume pairs, samples one coordinate set per volume, and
// estimates normalization statistics unless they were supplied.
func New(p Params) (*Dataset, error) {
	return build(p, nil)
}

// build constructs a dataset, sampling coordinates when restored is nil and
// restoring them verbatim otherwise.
func build(p Params, restored [][]sampling.Coord) (*Dataset, error) {
	if len(p.OddPaths) == 0 {
		return nil, configErrorf("no volumes given")
	}
	if len(p.EvenPaths) != len(p.OddPaths) {
		return nil, configErrorf("%d odd volumes but %d even volumes", len(p.OddPaths), len(p.EvenPaths))
	}
	if p.MaskPaths != nil && len(p.MaskPaths) != len(p.OddPaths) {
		return nil, configErrorf("%d volumes but %d masks", len(p.OddPaths), len(p.MaskPaths))
	}
	if len(p.Windows) != len(p.OddPaths) {
		return nil, configErrorf("%d volumes but %d extraction windows", len(p.OddPaths), len(p.Windows))
	}
	if p.SamplesPerVolume <= 0 {
		return nil, configErrorf("non-positive samples per volume %d", p.SamplesPerVolume)
	}
	for _, f := range p.Footprint {
		if f <= 0 {
			return nil, configErrorf("non-positive patch footprint %v", p.Footprint)
		}
	}
	if restored != nil {
		if len(restored) != len(p.OddPaths) {
			return nil, configErrorf("%d volumes but %d restored coordinate sets", len(p.OddPaths), len(restored))
		}
		for i, c := range restored {
			if len(c) != p.SamplesPerVolume {
				return nil, configErrorf("volume %d: restored coordinate set has %d entries, want %d", i, len(c), p.SamplesPerVolume)
			}
		}
	}

	rng := p.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	d := &Dataset{
		oddPaths:         p.OddPaths,
		evenPaths:        p.EvenPaths,
		samplesPerVolume: p.SamplesPerVolume,
		windows:          p.Windows,
		footprint:        p.Footprint,
		shuffle:          p.Shuffle,
		splitAxis:        p.SplitAxis,
		rng:              rng,
	}

	if err := d.openVolumes(p, restored); err != nil {
		d.Close()
		return nil, err
	}

	n := d.Len()
	if d.shuffle {
		d.order = rng.Perm(n)
	} else {
		d.order = make([]int, n)
		for i := range d.order {
			d.order[i] = i
		}
	}

	if p.Mean != nil && p.Std != nil {
		d.mean, d.std = *p.Mean, *p.Std
	} else if err := d.estimateStats(p.NormalizationSamples); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

func (d *Dataset) openVolumes(p Params, restored [][]sampling.Coord) error {
	for i := range p.OddPaths {
		odd, err := mrc.OpenPermissive(p.OddPaths[i])
		if err != nil {
			return &ResourceError{Path: p.OddPaths[i], Err: err}
		}
		d.odd = append(d.odd, odd)

		even, err := mrc.OpenPermissive(p.EvenPaths[i])
		if err != nil {
			return &ResourceError{Path: p.EvenPaths[i], Err: err}
		}
		d.even = append(d.even, even)

		shape := odd.Shape()
		if shape != even.Shape() {
			return configErrorf("%s and %s have different shapes %v vs %v",
				p.OddPaths[i], p.EvenPaths[i], shape, even.Shape())
		}
		if shape[0] <= 2*d.footprint[0] || shape[1] <= 2*d.footprint[1] {
			return configErrorf("volume %s shape %v too small for twice the footprint %v",
				p.OddPaths[i], shape, d.footprint)
		}
		if shape[2] < d.footprint[2] {
			return configErrorf("volume %s shape %v shallower than footprint %v",
				p.OddPaths[i], shape, d.footprint)
		}

		w := p.Windows[i]
		if w[0][0] < 0 || w[1][0] < 0 || w[0][1] > shape[0] || w[1][1] > shape[1] {
			return configErrorf("volume %s: extraction window %v outside shape %v", p.OddPaths[i], w, shape)
		}
		if w.Dy() <= d.footprint[0] || w.Dx() <= d.footprint[1] {
			return configErrorf("volume %s: extraction window %v cannot host footprint %v", p.OddPaths[i], w, d.footprint)
		}

		if restored != nil {
			d.coords = append(d.coords, restored[i])
			continue
		}

		mask, err := d.loadMask(p, i, shape)
		if err != nil {
			return err
		}
		coords, err := sampling.Sample(d.rng, w, d.footprint[0], d.footprint[1], mask, d.samplesPerVolume)
		if err != nil {
			return fmt.Errorf("volume %s: %w", p.OddPaths[i], err)
		}
		d.coords = append(d.coords, coords)
	}
	return nil
}

func (d *Dataset) loadMask(p Params, i int, shape [3]int) (*sampling.Mask, error) {
	if p.MaskPaths == nil || p.MaskPaths[i] == "" {
		return sampling.AllValid(shape[0], shape[1]), nil
	}
	m, err := mrc.ReadMask(p.MaskPaths[i])
	if err != nil {
		return nil, &ResourceError{Path: p.MaskPaths[i], Err: err}
	}
	if m.Shape != shape {
		return nil, configErrorf("%s and %s have different shapes %v vs %v",
			p.OddPaths[i], p.MaskPaths[i], shape, m.Shape)
	}
	return &sampling.Mask{Rows: shape[0], Cols: shape[1], Valid: m.AnyAlongDepth()}, nil
}

// estimateStats draws a bounded number of raw patches through the normal
// random-access path and derives scalar mean/std from per-patch aggregates,
// never holding more than one patch at a time.
func (d *Dataset) estimateStats(budget int) error {
	if budget <= 0 {
		budget = DefaultNormalizationSamples
	}

	means := make([]float64, budget)
	sqMeans := make([]float64, budget)
	var vals []float64

	for i := 0; i < budget; i++ {
		p, _, err := d.Get(i % d.Len())
		if err != nil {
			return fmt.Errorf("dataset: estimating normalization statistics: %w", err)
		}
		if vals == nil {
			vals = make([]float64, len(p.Data))
		}
		for k, x := range p.Data {
			vals[k] = float64(x)
		}
		means[i] = stat.Mean(vals, nil)
		sqMeans[i] = floats.Dot(vals, vals) / float64(len(vals))
	}

	d.mean = stat.Mean(means, nil)
	d.std = math.Sqrt(math.Max(0, stat.Mean(sqMeans, nil)-d.mean*d.mean))
	return nil
}

// Len returns the total number of addressable patch pairs.
func (d *Dataset) Len() int {
	return len(d.oddPaths) * d.samplesPerVolume
}

// Stats returns the normalization mean and standard deviation.
func (d *Dataset) Stats() (mean, std float64) {
	return d.mean, d.std
}

// Footprint returns the patch footprint shared by every volume.
func (d *Dataset) Footprint() [3]int {
	return d.footprint
}

// SamplesPerVolume returns the uniform per-volume sample count.
func (d *Dataset) SamplesPerVolume() int {
	return d.samplesPerVolume
}

// NumVolumes returns the number of odd/even pairs.
func (d *Dataset) NumVolumes() int {
	return len(d.oddPaths)
}

// Window returns the extraction window of volume i.
func (d *Dataset) Window(i int) sampling.Window {
	return d.windows[i]
}

// Coords returns a copy of the coordinate set of volume i.
func (d *Dataset) Coords(i int) []sampling.Coord {
	out := make([]sampling.Coord, len(d.coords[i]))
	copy(out, d.coords[i])
	return out
}

// Get returns the patch pair at the given global index. The pair is swapped
// with probability 0.5, the usual denoising-target augmentation; shapes are
// unaffected.
func (d *Dataset) Get(i int) (*Patch, *Patch, error) {
	if d.closed {
		return nil, nil, ErrClosed
	}
	if i < 0 || i >= d.Len() {
		return nil, nil, fmt.Errorf("dataset: index %d out of range [0, %d)", i, d.Len())
	}

	vol, slot := i/d.samplesPerVolume, i%d.samplesPerVolume
	c := d.coords[vol][slot]
	origin := [3]int{c.Y, c.X, 0}

	oddRaw, err := d.odd[vol].ReadRegion(origin, d.footprint)
	if err != nil {
		return nil, nil, &ResourceError{Path: d.oddPaths[vol], Err: err}
	}
	evenRaw, err := d.even[vol].ReadRegion(origin, d.footprint)
	if err != nil {
		return nil, nil, &ResourceError{Path: d.evenPaths[vol], Err: err}
	}

	shape := [4]int{d.footprint[0], d.footprint[1], d.footprint[2], 1}
	odd := &Patch{Data: oddRaw, Shape: shape}
	even := &Patch{Data: evenRaw, Shape: shape}

	if d.rng.Float64() > 0.5 {
		return even, odd, nil
	}
	return odd, even, nil
}

// Iterator walks the dataset in its current index order.
type Iterator struct {
	d   *Dataset
	pos int
}

// Iter starts a traversal over the current epoch order. When the traversal
// is exhausted and shuffling is enabled, the order is re-permuted for the
// next epoch.
func (d *Dataset) Iter() *Iterator {
	return &Iterator{d: d}
}

// Next returns the next patch pair, or io.EOF when the epoch is exhausted.
func (it *Iterator) Next() (*Patch, *Patch, error) {
	if it.pos >= it.d.Len() {
		return nil, nil, io.EOF
	}
	i := it.d.order[it.pos]
	it.pos++
	odd, even, err := it.d.Get(i)
	if err == nil && it.pos == it.d.Len() {
		it.d.endEpoch()
	}
	return odd, even, err
}

func (d *Dataset) endEpoch() {
	if d.shuffle {
		d.order = d.rng.Perm(d.Len())
	}
}

// Close releases every memory-mapped volume handle. Safe to call more than
// once; Get fails with ErrClosed afterwards.
func (d *Dataset) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true

	var first error
	for _, v := range d.odd {
		if err := v.Close(); err != nil && first == nil {
			first = err
		}
	}
	for _, v := range d.even {
		if err := v.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
