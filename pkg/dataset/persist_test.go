package dataset

import (
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
)

// TestSaveLoadRoundTrip verifies that persistence restores coordinates,
// statistics and counts exactly, without resampling
func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	shape := [3]int{12, 12, 8}
	oddPath, evenPath := writePair(t, dir, shape)

	p := testParams(oddPath, evenPath, shape, [3]int{4, 4, 8}, 20)
	p.Shuffle = true
	p.SplitAxis = "Y"
	d, err := New(p)
	if err != nil {
		t.Fatalf("Failed to build dataset: %v", err)
	}
	defer d.Close()

	archive := filepath.Join(dir, "train_data.json.sz")
	if err := d.Save(archive); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(archive, rand.New(rand.NewSource(99)))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	defer loaded.Close()

	if loaded.Len() != d.Len() {
		t.Errorf("Expected length %d, got %d", d.Len(), loaded.Len())
	}
	if loaded.SamplesPerVolume() != d.SamplesPerVolume() {
		t.Errorf("Expected %d samples per volume, got %d", d.SamplesPerVolume(), loaded.SamplesPerVolume())
	}
	if loaded.Footprint() != d.Footprint() {
		t.Errorf("Expected footprint %v, got %v", d.Footprint(), loaded.Footprint())
	}
	if loaded.Window(0) != d.Window(0) {
		t.Errorf("Expected window %v, got %v", d.Window(0), loaded.Window(0))
	}
	if loaded.splitAxis != "Y" {
		t.Errorf("Expected split axis Y, got %q", loaded.splitAxis)
	}

	wantMean, wantStd := d.Stats()
	gotMean, gotStd := loaded.Stats()
	if gotMean != wantMean || gotStd != wantStd {
		t.Errorf("Expected stats (%v, %v), got (%v, %v)", wantMean, wantStd, gotMean, gotStd)
	}

	want := d.Coords(0)
	got := loaded.Coords(0)
	if len(got) != len(want) {
		t.Fatalf("Expected %d coordinates, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Coordinate %d differs after round trip: %v vs %v", i, want[i], got[i])
		}
	}

	// The restored dataset must be able to serve patches again.
	if _, _, err := loaded.Get(0); err != nil {
		t.Errorf("Get on restored dataset failed: %v", err)
	}
}

// TestLoadStalePath verifies that loading an archive whose volumes moved
// fails with the offending path
func TestLoadStalePath(t *testing.T) {
	dir := t.TempDir()
	shape := [3]int{12, 12, 8}
	oddPath, evenPath := writePair(t, dir, shape)

	d, err := New(testParams(oddPath, evenPath, shape, [3]int{4, 4, 8}, 21))
	if err != nil {
		t.Fatalf("Failed to build dataset: %v", err)
	}
	archive := filepath.Join(dir, "data.json.sz")
	if err := d.Save(archive); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	d.Close()

	if err := os.Remove(oddPath); err != nil {
		t.Fatalf("Failed to remove volume: %v", err)
	}

	_, err = Load(archive, nil)
	var resErr *ResourceError
	if !errors.As(err, &resErr) {
		t.Fatalf("Expected ResourceError for stale path, got %v", err)
	}
	if resErr.Path != oddPath {
		t.Errorf("Expected offending path %s, got %s", oddPath, resErr.Path)
	}
}

// TestLoadMalformedArchive verifies that garbage bytes surface as an
// ArchiveError
func TestLoadMalformedArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.json.sz")
	if err := os.WriteFile(path, []byte("not a dataset archive"), 0644); err != nil {
		t.Fatalf("Failed to write garbage file: %v", err)
	}

	_, err := Load(path, nil)
	var archErr *ArchiveError
	if !errors.As(err, &archErr) {
		t.Fatalf("Expected ArchiveError, got %v", err)
	}
}

// TestLoadMissingArchive verifies that a nonexistent archive surfaces as a
// ResourceError
func TestLoadMissingArchive(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.json.sz"), nil)
	var resErr *ResourceError
	if !errors.As(err, &resErr) {
		t.Fatalf("Expected ResourceError, got %v", err)
	}
}
