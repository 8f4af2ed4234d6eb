// Package mrc reads and writes tomographic volumes in the MRC2014 format.
// Volumes are opened as read-only memory maps, so arbitrarily large
// reconstructions can be sampled without ever loading them whole.
package mrc

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"golang.org/x/exp/mmap"
	"gonum.org/v1/gonum/stat"
)

// Data modes from the MRC2014 specification. Only the modes produced by
// common reconstruction packages are supported.
const (
	ModeInt8    = 0
	ModeInt16   = 1
	ModeFloat32 = 2
	ModeUint16  = 6
)

const headerSize = 1024

// header word offsets in bytes
const (
	offNX     = 0
	offNY     = 4
	offNZ     = 8
	offMode   = 12
	offNSymBT = 92
	offDMin   = 76
	offDMax   = 80
	offDMean  = 84
	offMap    = 208
	offStamp  = 212
)

// Volume is a read-only, memory-mapped MRC volume. The logical shape is
// (sections, rows, columns), i.e. element (s0, s1, s2) with s2 varying
// fastest on disk. Reads are safe from multiple goroutines; Close is not.
type Volume struct {
	Path string

	reader  *mmap.ReaderAt
	shape   [3]int
	mode    int32
	dataOff int64
	closed  bool
}

// Open memory-maps the volume at path with strict header validation.
func Open(path string) (*Volume, error) {
	return open(path, false)
}

// OpenPermissive memory-maps the volume at path, tolerating slightly
// malformed headers (missing MAP magic or machine stamp). Dimensions, mode
// and file size are still validated.
func OpenPermissive(path string) (*Volume, error) {
	return open(path, true)
}

func open(path string, permissive bool) (*Volume, error) {
	r, err := mmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("mrc: opening %s: %w", path, err)
	}

	v, err := parseHeader(path, r, permissive)
	if err != nil {
		r.Close()
		return nil, err
	}
	return v, nil
}

func parseHeader(path string, r *mmap.ReaderAt, permissive bool) (*Volume, error) {
	if r.Len() < headerSize {
		return nil, fmt.Errorf("mrc: %s: file too small for header (%d bytes)", path, r.Len())
	}

	hdr := make([]byte, headerSize)
	if _, err := r.ReadAt(hdr, 0); err != nil {
		return nil, fmt.Errorf("mrc: %s: reading header: %w", path, err)
	}

	nx := int32(binary.LittleEndian.Uint32(hdr[offNX:]))
	ny := int32(binary.LittleEndian.Uint32(hdr[offNY:]))
	nz := int32(binary.LittleEndian.Uint32(hdr[offNZ:]))
	mode := int32(binary.LittleEndian.Uint32(hdr[offMode:]))
	nSymBT := int32(binary.LittleEndian.Uint32(hdr[offNSymBT:]))

	if !permissive {
		if string(hdr[offMap:offMap+4]) != "MAP " {
			return nil, fmt.Errorf("mrc: %s: missing MAP magic (try permissive mode)", path)
		}
	}

	if nx <= 0 || ny <= 0 || nz <= 0 {
		return nil, fmt.Errorf("mrc: %s: invalid dimensions (%d, %d, %d)", path, nz, ny, nx)
	}
	elem := elemSize(mode)
	if elem == 0 {
		return nil, fmt.Errorf("mrc: %s: unsupported data mode %d", path, mode)
	}
	if nSymBT < 0 {
		return nil, fmt.Errorf("mrc: %s: negative extended header size %d", path, nSymBT)
	}

	dataOff := int64(headerSize) + int64(nSymBT)
	need := dataOff + int64(nx)*int64(ny)*int64(nz)*int64(elem)
	if int64(r.Len()) < need {
		return nil, fmt.Errorf("mrc: %s: file truncated: need %d bytes, have %d", path, need, r.Len())
	}

	return &Volume{
		Path:    path,
		reader:  r,
		shape:   [3]int{int(nz), int(ny), int(nx)},
		mode:    mode,
		dataOff: dataOff,
	}, nil
}

func elemSize(mode int32) int {
	switch mode {
	case ModeInt8:
		return 1
	case ModeInt16, ModeUint16:
		return 2
	case ModeFloat32:
		return 4
	default:
		return 0
	}
}

// Shape returns the volume dimensions as (sections, rows, columns).
func (v *Volume) Shape() [3]int {
	return v.shape
}

// Mode returns the on-disk data mode.
func (v *Volume) Mode() int32 {
	return v.mode
}

// ReadRegion reads the rectangular sub-volume of the given size anchored at
// origin and returns it as float32 values in (s0, s1, s2) order, converting
// from the stored mode. The region must lie fully inside the volume.
func (v *Volume) ReadRegion(origin, size [3]int) ([]float32, error) {
	if v.closed {
		return nil, fmt.Errorf("mrc: %s: read on closed volume", v.Path)
	}
	for i := 0; i < 3; i++ {
		if size[i] <= 0 {
			return nil, fmt.Errorf("mrc: %s: non-positive region size %v", v.Path, size)
		}
		if origin[i] < 0 || origin[i]+size[i] > v.shape[i] {
			return nil, fmt.Errorf("mrc: %s: region %v+%v outside volume %v", v.Path, origin, size, v.shape)
		}
	}

	elem := elemSize(v.mode)
	out := make([]float32, size[0]*size[1]*size[2])
	row := make([]byte, size[2]*elem)

	n1, n2 := int64(v.shape[1]), int64(v.shape[2])
	for i := 0; i < size[0]; i++ {
		for j := 0; j < size[1]; j++ {
			off := v.dataOff + (((int64(origin[0]+i))*n1+int64(origin[1]+j))*n2+int64(origin[2]))*int64(elem)
			if _, err := v.reader.ReadAt(row, off); err != nil {
				return nil, fmt.Errorf("mrc: %s: reading region: %w", v.Path, err)
			}
			dst := out[(i*size[1]+j)*size[2]:]
			convertRow(dst[:size[2]], row, v.mode)
		}
	}
	return out, nil
}

func convertRow(dst []float32, src []byte, mode int32) {
	switch mode {
	case ModeInt8:
		for k := range dst {
			dst[k] = float32(int8(src[k]))
		}
	case ModeInt16:
		for k := range dst {
			dst[k] = float32(int16(binary.LittleEndian.Uint16(src[2*k:])))
		}
	case ModeUint16:
		for k := range dst {
			dst[k] = float32(binary.LittleEndian.Uint16(src[2*k:]))
		}
	case ModeFloat32:
		for k := range dst {
			dst[k] = math.Float32frombits(binary.LittleEndian.Uint32(src[4*k:]))
		}
	}
}

// Close releases the memory map. It is safe to call more than once.
func (v *Volume) Close() error {
	if v.closed {
		return nil
	}
	v.closed = true
	return v.reader.Close()
}

// Write stores data with the given (sections, rows, columns) shape as a
// mode-2 (float32) MRC file. The density statistics words are filled in so
// downstream viewers display the volume sensibly.
func Write(path string, data []float32, shape [3]int) error {
	if len(data) != shape[0]*shape[1]*shape[2] {
		return fmt.Errorf("mrc: data length %d does not match shape %v", len(data), shape)
	}

	hdr := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(hdr[offNX:], uint32(shape[2]))
	binary.LittleEndian.PutUint32(hdr[offNY:], uint32(shape[1]))
	binary.LittleEndian.PutUint32(hdr[offNZ:], uint32(shape[0]))
	binary.LittleEndian.PutUint32(hdr[offMode:], uint32(ModeFloat32))
	// MX, MY, MZ mirror the grid size.
	binary.LittleEndian.PutUint32(hdr[28:], uint32(shape[2]))
	binary.LittleEndian.PutUint32(hdr[32:], uint32(shape[1]))
	binary.LittleEndian.PutUint32(hdr[36:], uint32(shape[0]))
	// Axis correspondence: columns=X, rows=Y, sections=Z.
	binary.LittleEndian.PutUint32(hdr[64:], 1)
	binary.LittleEndian.PutUint32(hdr[68:], 2)
	binary.LittleEndian.PutUint32(hdr[72:], 3)

	dmin, dmax := float32(math.Inf(1)), float32(math.Inf(-1))
	vals := make([]float64, len(data))
	for i, x := range data {
		if x < dmin {
			dmin = x
		}
		if x > dmax {
			dmax = x
		}
		vals[i] = float64(x)
	}
	binary.LittleEndian.PutUint32(hdr[offDMin:], math.Float32bits(dmin))
	binary.LittleEndian.PutUint32(hdr[offDMax:], math.Float32bits(dmax))
	binary.LittleEndian.PutUint32(hdr[offDMean:], math.Float32bits(float32(stat.Mean(vals, nil))))

	copy(hdr[offMap:], "MAP ")
	// little-endian machine stamp
	hdr[offStamp] = 0x44
	hdr[offStamp+1] = 0x44

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("mrc: creating %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write(hdr); err != nil {
		return fmt.Errorf("mrc: writing header to %s: %w", path, err)
	}

	buf := make([]byte, len(data)*4)
	for i, x := range data {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(x))
	}
	if _, err := f.Write(buf); err != nil {
		return fmt.Errorf("mrc: writing data to %s: %w", path, err)
	}
	return f.Close()
}
