package split

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"tomoprep/pkg/mrc"
)

// writeDirAndSave mirrors the CLI flow: create the output directory, then
// persist both splits into it.
func writeDirAndSave(dm *DataModule, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return dm.Save(dir)
}

// writePair writes an odd/even volume pair of the given shape filled with a
// smooth gradient so normalization statistics are nontrivial.
func writePair(t *testing.T, dir, stem string, shape [3]int) (oddPath, evenPath string) {
	t.Helper()
	n := shape[0] * shape[1] * shape[2]
	odd := make([]float32, n)
	even := make([]float32, n)
	for i := range odd {
		odd[i] = float32(i%97) / 97
		even[i] = float32(i%89) / 89
	}

	oddPath = filepath.Join(dir, stem+"_ODD.mrc")
	evenPath = filepath.Join(dir, stem+"_EVN.mrc")
	if err := mrc.Write(oddPath, odd, shape); err != nil {
		t.Fatalf("Failed to write odd volume: %v", err)
	}
	if err := mrc.Write(evenPath, even, shape); err != nil {
		t.Fatalf("Failed to write even volume: %v", err)
	}
	return oddPath, evenPath
}

func setupModule(t *testing.T, dir string, shape [3]int, samples int) *DataModule {
	t.Helper()
	oddPath, evenPath := writePair(t, dir, "tomo", shape)

	dm := &DataModule{}
	err := dm.Setup(SetupParams{
		OddPaths:             []string{oddPath},
		EvenPaths:            []string{evenPath},
		SamplesPerVolume:     samples,
		ValidationFraction:   0.1,
		Footprint:            [3]int{32, 32, 32},
		SplitAxis:            "Y",
		NormalizationSamples: 8,
		Rand:                 rand.New(rand.NewSource(42)),
	})
	if err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	return dm
}

// TestCutoffClamp verifies the documented scenario: extent 100, footprint
// 32, validation fraction 0.1 clamps the cutoff from 89 down to 67
func TestCutoffClamp(t *testing.T) {
	shape := [3]int{100, 100, 100}
	dm := setupModule(t, t.TempDir(), shape, 200)
	defer dm.Close()

	trainW := dm.Train.Window(0)
	valW := dm.Val.Window(0)

	if trainW[0] != [2]int{0, 67} {
		t.Errorf("Expected training window [0,67) on the split axis, got %v", trainW[0])
	}
	if valW[0] != [2]int{67, 100} {
		t.Errorf("Expected validation window [67,100) on the split axis, got %v", valW[0])
	}
	if trainW[1] != [2]int{0, 100} || valW[1] != [2]int{0, 100} {
		t.Errorf("Expected full extent on the non-split axis, got %v and %v", trainW[1], valW[1])
	}
}

// TestWindowsDisjointAndCovering verifies the train/validation windows
// never overlap and jointly cover the split axis
func TestWindowsDisjointAndCovering(t *testing.T) {
	shape := [3]int{100, 100, 100}
	dm := setupModule(t, t.TempDir(), shape, 200)
	defer dm.Close()

	trainW := dm.Train.Window(0)
	valW := dm.Val.Window(0)

	if trainW[0][1] != valW[0][0] {
		t.Errorf("Windows overlap or leave a gap: train %v, val %v", trainW[0], valW[0])
	}
	if trainW[0][0] != 0 || valW[0][1] != shape[0] {
		t.Errorf("Windows do not cover [0,%d): train %v, val %v", shape[0], trainW[0], valW[0])
	}
}

// TestSampleCounts verifies the train/validation split of the per-volume
// sample budget
func TestSampleCounts(t *testing.T) {
	dm := setupModule(t, t.TempDir(), [3]int{100, 100, 100}, 200)
	defer dm.Close()

	if dm.Train.Len() != 180 {
		t.Errorf("Expected 180 training samples, got %d", dm.Train.Len())
	}
	if dm.Val.Len() != 20 {
		t.Errorf("Expected 20 validation samples, got %d", dm.Val.Len())
	}
	if dm.Train.Len()+dm.Val.Len() != 200 {
		t.Errorf("Expected splits to sum to 200, got %d", dm.Train.Len()+dm.Val.Len())
	}
}

// TestSharedStats verifies the validation dataset always carries the
// training statistics, including across a save/load round trip
func TestSharedStats(t *testing.T) {
	dir := t.TempDir()
	dm := setupModule(t, dir, [3]int{100, 100, 100}, 200)
	defer dm.Close()

	trainMean, trainStd := dm.Train.Stats()
	valMean, valStd := dm.Val.Stats()
	if trainMean != valMean || trainStd != valStd {
		t.Fatalf("Validation stats (%v, %v) differ from training stats (%v, %v)",
			valMean, valStd, trainMean, trainStd)
	}
	if trainStd == 0 {
		t.Fatal("Expected nontrivial training std on gradient data")
	}

	outDir := filepath.Join(dir, "out")
	if err := writeDirAndSave(dm, outDir); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	restored := &DataModule{}
	if err := restored.Load(outDir, rand.New(rand.NewSource(7))); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	defer restored.Close()

	rTrainMean, rTrainStd := restored.Train.Stats()
	rValMean, rValStd := restored.Val.Stats()
	if rTrainMean != trainMean || rTrainStd != trainStd {
		t.Errorf("Training stats changed across round trip: (%v, %v) vs (%v, %v)",
			rTrainMean, rTrainStd, trainMean, trainStd)
	}
	if rValMean != rTrainMean || rValStd != rTrainStd {
		t.Errorf("Shared-stats invariant broken after round trip: (%v, %v) vs (%v, %v)",
			rValMean, rValStd, rTrainMean, rTrainStd)
	}
}

// TestRoundTripCoordinates verifies persisted coordinate sets restore
// verbatim through the module-level save/load
func TestRoundTripCoordinates(t *testing.T) {
	dir := t.TempDir()
	dm := setupModule(t, dir, [3]int{100, 100, 100}, 100)
	defer dm.Close()

	outDir := filepath.Join(dir, "out")
	if err := writeDirAndSave(dm, outDir); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	restored := &DataModule{}
	if err := restored.Load(outDir, nil); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	defer restored.Close()

	want := dm.Train.Coords(0)
	got := restored.Train.Coords(0)
	if len(want) != len(got) {
		t.Fatalf("Expected %d coordinates, got %d", len(want), len(got))
	}
	for i := range want {
		if want[i] != got[i] {
			t.Fatalf("Coordinate %d differs after round trip: %v vs %v", i, want[i], got[i])
		}
	}
}

// TestStreams verifies the training stream repeats while the validation
// stream is single-pass
func TestStreams(t *testing.T) {
	dm := setupModule(t, t.TempDir(), [3]int{100, 100, 100}, 60)
	defer dm.Close()

	train := dm.TrainStream()
	for i := 0; i < dm.Train.Len()+5; i++ {
		if _, _, err := train.Next(); err != nil {
			t.Fatalf("Training stream ended at pull %d: %v", i, err)
		}
	}

	val := dm.ValStream()
	count := 0
	for {
		_, _, err := val.Next()
		if err != nil {
			break
		}
		count++
	}
	if count != dm.Val.Len() {
		t.Errorf("Expected %d validation samples, got %d", dm.Val.Len(), count)
	}
}

// TestInvalidAxis verifies that an unknown split axis is rejected
func TestInvalidAxis(t *testing.T) {
	oddPath, evenPath := writePair(t, t.TempDir(), "tomo", [3]int{100, 100, 100})

	dm := &DataModule{}
	err := dm.Setup(SetupParams{
		OddPaths:           []string{oddPath},
		EvenPaths:          []string{evenPath},
		SamplesPerVolume:   100,
		ValidationFraction: 0.1,
		Footprint:          [3]int{32, 32, 32},
		SplitAxis:          "Z",
	})
	if err == nil {
		t.Fatal("Expected error for invalid split axis")
	}
}

// TestCloseBoth verifies module close releases both datasets and stays
// idempotent
func TestCloseBoth(t *testing.T) {
	dm := setupModule(t, t.TempDir(), [3]int{100, 100, 100}, 60)

	if err := dm.Close(); err != nil {
		t.Errorf("First close failed: %v", err)
	}
	if err := dm.Close(); err != nil {
		t.Errorf("Second close failed: %v", err)
	}
}
