package mrc

import "fmt"

// Mask is an eagerly loaded validity volume. Any nonzero voxel counts as
// valid. Masks are small relative to the volumes they guard, so they are
// read in full rather than memory-mapped.
type Mask struct {
	Shape [3]int
	Valid []bool
}

// ReadMask loads the mask volume at path in full. Headers are parsed
// permissively, matching how the paired volumes are opened.
func ReadMask(path string) (*Mask, error) {
	v, err := OpenPermissive(path)
	if err != nil {
		return nil, err
	}
	defer v.Close()

	shape := v.Shape()
	data, err := v.ReadRegion([3]int{0, 0, 0}, shape)
	if err != nil {
		return nil, fmt.Errorf("mrc: reading mask %s: %w", path, err)
	}

	valid := make([]bool, len(data))
	for i, x := range data {
		valid[i] = x != 0
	}
	return &Mask{Shape: shape, Valid: valid}, nil
}

// At reports whether the voxel at (s0, s1, s2) is valid.
func (m *Mask) At(s0, s1, s2 int) bool {
	return m.Valid[(s0*m.Shape[1]+s1)*m.Shape[2]+s2]
}

// AnyAlongDepth collapses the mask to the first two axes: an in-plane
// position is valid if any voxel along the third axis is valid. The result
// is row-major over (Shape[0], Shape[1]).
func (m *Mask) AnyAlongDepth() []bool {
	out := make([]bool, m.Shape[0]*m.Shape[1])
	for i := 0; i < m.Shape[0]; i++ {
		for j := 0; j < m.Shape[1]; j++ {
			for k := 0; k < m.Shape[2]; k++ {
				if m.At(i, j, k) {
					out[i*m.Shape[1]+j] = true
					break
				}
			}
		}
	}
	return out
}
