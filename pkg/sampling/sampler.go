// Package sampling draws patch anchor coordinates from masked extraction
// windows. All randomness flows through an explicit *rand.Rand so callers
// can seed it for reproducible coordinate sets.
package sampling

import (
	"errors"
	"fmt"
	"math/rand"
)

// ErrNoCandidates is returned when the mask excludes every anchor position
// inside the extraction window. Producing fewer coordinates than requested
// would corrupt downstream batch shapes, so this is never papered over.
var ErrNoCandidates = errors.New("no valid patch positions in extraction window")

// Window is an axis-aligned rectangle [[y0,y1],[x0,x1]] over the first two
// volume axes. Bounds are half-open: y0 <= y < y1.
type Window [2][2]int

// Dy returns the window extent along the first axis.
func (w Window) Dy() int { return w[0][1] - w[0][0] }

// Dx returns the window extent along the second axis.
func (w Window) Dx() int { return w[1][1] - w[1][0] }

// Coord is a patch anchor: the top-left corner of a patch footprint in
// absolute volume coordinates.
type Coord struct {
	Y int `json:"y"`
	X int `json:"x"`
}

// Mask is a 2-D validity predicate over the first two volume axes,
// row-major. AllValid builds the implicit everything-allowed mask.
type Mask struct {
	Rows, Cols int
	Valid      []bool
}

// AllValid returns a mask that admits every position.
func AllValid(rows, cols int) *Mask {
	valid := make([]bool, rows*cols)
	for i := range valid {
		valid[i] = true
	}
	return &Mask{Rows: rows, Cols: cols, Valid: valid}
}

// At reports whether (y, x) is a valid anchor position.
func (m *Mask) At(y, x int) bool {
	return m.Valid[y*m.Cols+x]
}

// Sample draws count anchor coordinates from window such that a patch of
// (footY, footX) placed at each anchor lies fully inside the window and the
// mask admits the anchor. The mask is consulted on the window restricted by
// the footprint margin, so every returned coordinate is bounds-safe by
// construction. When fewer candidates exist than requested, sampling is
// with replacement; otherwise without.
func Sample(rng *rand.Rand, window Window, footY, footX int, mask *Mask, count int) ([]Coord, error) {
	if count <= 0 {
		return nil, fmt.Errorf("sampling: non-positive sample count %d", count)
	}
	yLim := window[0][1] - footY
	xLim := window[1][1] - footX
	if window[0][0] >= yLim || window[1][0] >= xLim {
		return nil, fmt.Errorf("sampling: window %v cannot host a (%d, %d) footprint", window, footY, footX)
	}

	var candidates []Coord
	for y := window[0][0]; y < yLim; y++ {
		for x := window[1][0]; x < xLim; x++ {
			if mask.At(y, x) {
				candidates = append(candidates, Coord{Y: y, X: x})
			}
		}
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("sampling: window %v: %w", window, ErrNoCandidates)
	}

	coords := make([]Coord, count)
	if len(candidates) < count {
		// Deliberate oversampling: small masked regions repeat anchors
		// rather than under-delivering.
		for i := range coords {
			coords[i] = candidates[rng.Intn(len(candidates))]
		}
	} else {
		for i, p := range rng.Perm(len(candidates))[:count] {
			coords[i] = candidates[p]
		}
	}
	return coords, nil
}
