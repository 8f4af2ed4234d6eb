package dataset

import (
	"io"
	"sync"
)

// Transform mutates a patch pair in place before it is handed to the
// training loop.
type Transform func(odd, even *Patch)

// Normalizer returns the standard (x-mean)/std transform, applied
// identically to both halves of the pair. The split orchestrator always
// builds it from the training statistics so train and validation see the
// same normalization.
func Normalizer(mean, std float64) Transform {
	m, s := float32(mean), float32(std)
	return func(odd, even *Patch) {
		for i := range odd.Data {
			odd.Data[i] = (odd.Data[i] - m) / s
		}
		for i := range even.Data {
			even.Data[i] = (even.Data[i] - m) / s
		}
	}
}

// Stream pulls patch pairs from a dataset for a training pipeline. A
// repeating stream re-arms at every epoch boundary and never ends, the
// usual contract for a training feed; a non-repeating stream returns io.EOF
// after one pass, the contract for validation. Next is safe to call from a
// producer goroutine other than the one that built the dataset.
type Stream struct {
	mu        sync.Mutex
	ds        *Dataset
	it        *Iterator
	transform Transform
	repeat    bool
}

// NewStream wraps ds. transform may be nil for raw patches.
func NewStream(ds *Dataset, transform Transform, repeat bool) *Stream {
	return &Stream{
		ds:        ds,
		it:        ds.Iter(),
		transform: transform,
		repeat:    repeat,
	}
}

// Next returns the next (possibly transformed) patch pair.
func (s *Stream) Next() (*Patch, *Patch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	odd, even, err := s.it.Next()
	if err == io.EOF && s.repeat {
		s.it = s.ds.Iter()
		odd, even, err = s.it.Next()
	}
	if err != nil {
		return nil, nil, err
	}
	if s.transform != nil {
		s.transform(odd, even)
	}
	return odd, even, nil
}
