package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"tomoprep/pkg/config"
	"tomoprep/pkg/split"
)

func main() {
	// Parse command line arguments
	confPath := flag.String("conf", "", "Training-data job description (YAML)")
	seed := flag.Int64("seed", 0, "Random seed (default: time-based)")
	flag.Parse()

	// Validate inputs
	if *confPath == "" {
		flag.Usage()
		os.Exit(1)
	}

	fmt.Println("================================")
	fmt.Println("TOMOPREP - PAIRED TOMOGRAM TRAINING DATA EXTRACTION")
	fmt.Println("Spatial train/validation split over odd/even reconstructions")
	fmt.Println("================================")

	cfg, err := config.LoadConfig(*confPath)
	if err != nil {
		log.Fatalf("Failed to load job config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid job config: %v", err)
	}

	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(*seed))

	oddPaths, evenPaths, err := cfg.ResolvePairs(rng)
	if err != nil {
		log.Fatalf("Failed to resolve volume pairs: %v", err)
	}
	fmt.Printf("Extracting from %d volume pair(s)...\n", len(oddPaths))

	var masks []string
	if len(cfg.Data.Mask) > 0 {
		masks = cfg.Data.Mask
	}

	dm := &split.DataModule{}
	startTime := time.Now()
	err = dm.Setup(split.SetupParams{
		OddPaths:             oddPaths,
		EvenPaths:            evenPaths,
		MaskPaths:            masks,
		SamplesPerVolume:     cfg.Sampling.SamplesPerVolume,
		ValidationFraction:   cfg.Sampling.ValidationFraction,
		Footprint:            cfg.Sampling.PatchShape,
		SplitAxis:            cfg.Sampling.SplitAxis,
		NormalizationSamples: cfg.Sampling.NormalizationSamples,
		Rand:                 rng,
	})
	if err != nil {
		log.Fatalf("Setup failed: %v", err)
	}
	defer dm.Close()

	// An existing output directory is a rejected operation unless the job
	// explicitly opts into overwriting; silent merges hide stale archives.
	if _, err := os.Stat(cfg.Output.Dir); err == nil && !cfg.Output.Overwrite {
		log.Fatalf("Output directory %s already exists. Choose a new directory or set output.overwrite to true.", cfg.Output.Dir)
	}
	if err := os.MkdirAll(cfg.Output.Dir, 0755); err != nil {
		log.Fatalf("Failed to create output directory: %v", err)
	}

	if err := dm.Save(cfg.Output.Dir); err != nil {
		log.Fatalf("Failed to save datasets: %v", err)
	}

	mean, std := dm.Train.Stats()
	fmt.Printf("\nExtraction completed in %.2f seconds!\n", time.Since(startTime).Seconds())
	fmt.Printf("Training samples:   %s\n", humanize.Comma(int64(dm.Train.Len())))
	fmt.Printf("Validation samples: %s\n", humanize.Comma(int64(dm.Val.Len())))
	fmt.Printf("Normalization:      mean=%.6f std=%.6f\n", mean, std)
	fmt.Printf("Random seed:        %d\n", *seed)

	for _, name := range []string{split.TrainArchive, split.ValArchive} {
		path := filepath.Join(cfg.Output.Dir, name)
		if info, err := os.Stat(path); err == nil {
			fmt.Printf("Saved %s (%s)\n", path, humanize.Bytes(uint64(info.Size())))
		}
	}
}
