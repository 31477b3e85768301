package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"shoeboxintegrate/internal/models"
	"shoeboxintegrate/internal/monitoring"
	"shoeboxintegrate/pkg/config"
	"shoeboxintegrate/pkg/integration"
	"shoeboxintegrate/pkg/simulate"
	"shoeboxintegrate/pkg/visualization"
)

func main() {
	// .env is optional
	_ = godotenv.Load()

	defaultConfig := os.Getenv("SHOEBOXINTEGRATE_CONFIG")
	if defaultConfig == "" {
		defaultConfig = "shoeboxintegrate.yaml"
	}

	// Parse command line arguments
	configPath := flag.String("config", defaultConfig, "YAML configuration file (defaults are used if it does not exist)")
	writeConfig := flag.String("write-config", "", "Write the effective configuration to this path and exit")
	count := flag.Int("n", 0, "Number of synthetic reflections (overrides the configuration)")
	seed := flag.Uint64("seed", 0, "Random seed for the synthetic reflections (overrides the configuration)")
	workers := flag.Int("workers", 0, "Number of worker goroutines (overrides the configuration)")
	methods := flag.String("methods", "", "Comma separated methods to run: sum,prf,2d (overrides the configuration)")
	dumpDir := flag.String("dump-profiles", "", "Directory to write heat maps of the learned reference profiles")
	quiet := flag.Bool("quiet", false, "Only print the final summary")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if env := os.Getenv("SHOEBOXINTEGRATE_WORKERS"); env != "" && *workers == 0 {
		if n, err := strconv.Atoi(env); err == nil {
			*workers = n
		} else {
			log.Printf("Ignoring SHOEBOXINTEGRATE_WORKERS=%q: %v", env, err)
		}
	}
	if *count > 0 {
		cfg.Simulation.Count = *count
	}
	if *seed > 0 {
		cfg.Simulation.Seed = *seed
	}
	if *workers > 0 {
		cfg.Processing.NumWorkers = *workers
	}
	if *methods != "" {
		cfg.Processing.Methods = strings.Split(*methods, ",")
	}
	if *dumpDir != "" {
		cfg.Output.DumpProfileDir = *dumpDir
	}
	if *quiet {
		cfg.Output.Verbose = false
		monitoring.SetLogger(nil)
	}

	if *writeConfig != "" {
		if err := config.SaveConfig(cfg, *writeConfig); err != nil {
			log.Fatalf("Failed to write configuration: %v", err)
		}
		fmt.Printf("Configuration written to %s\n", *writeConfig)
		return
	}

	integrator, err := integration.NewIntegrator(cfg)
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	fmt.Println("================================")
	fmt.Println("SHOEBOX INTEGRATION: BACKGROUND, SUMMATION, PROFILE FITTING AND 2D")
	fmt.Println("================================")

	// Generate the synthetic reflections
	simParams := cfg.SimulationParams()
	generated := simulate.Batch(simParams, cfg.Simulation.Seed)
	reflections := make([]integration.Reflection, len(generated))
	for i, g := range generated {
		reflections[i] = integration.Reflection{Shoebox: g.Shoebox, Region: g.Region}
	}
	fmt.Printf("Generated %d reflections (%dx%dx%d shoeboxes, background %.1f)\n",
		len(reflections), simParams.Size[0], simParams.Size[1], simParams.Size[2], simParams.Background)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	batch, err := integrator.Process(ctx, reflections)
	if err != nil {
		log.Printf("Warning: %v", err)
	}
	if batch == nil {
		os.Exit(1)
	}

	fmt.Printf("\nIntegration run %s completed in %.2f seconds\n", batch.RunID, batch.Elapsed.Seconds())
	fmt.Printf("Strong reflections offered to the reference profiles: %d\n\n", batch.Contributors)
	fmt.Print(batch.Summary.String())

	// Compare against the known synthetic intensities
	truth := make(map[int64]float64, len(generated))
	for _, g := range generated {
		var s float64
		for _, v := range g.Signal {
			s += v
		}
		truth[g.Shoebox.ReflectionID] = s
	}
	printRecovery(batch.Results, truth)

	if cfg.Output.DumpProfileDir != "" && batch.Profiles != nil {
		for i, loc := range batch.Profiles.Locations() {
			prof := batch.Profiles.Nearest(loc.X, loc.Y, loc.Z)
			name := fmt.Sprintf("profile_%02d", i)
			viewer := visualization.NewProfileViewer(prof, name)
			dir := filepath.Join(cfg.Output.DumpProfileDir, name)
			for _, axis := range []string{"x", "y", "z"} {
				if err := viewer.SaveSliceSequence(axis, dir); err != nil {
					log.Printf("Warning: Failed to save %s-axis slices of %s: %v", axis, name, err)
				}
			}
		}
		fmt.Printf("\nReference profile heat maps saved to: %s\n", cfg.Output.DumpProfileDir)
	}
}

// printRecovery reports the mean relative error of each method against the
// expected spot counts over the whole shoebox
func printRecovery(results []models.Result, truth map[int64]float64) {
	type acc struct {
		sum float64
		n   int
	}
	per := make(map[models.Method]*acc)
	for _, r := range results {
		want, ok := truth[r.ReflectionID]
		if !ok || !r.Status.OK() || want <= 0 {
			continue
		}
		a := per[r.Method]
		if a == nil {
			a = &acc{}
			per[r.Method] = a
		}
		a.sum += (r.Intensity - want) / want
		a.n++
	}
	fmt.Println("\nRecovery against synthetic truth:")
	for _, m := range models.Methods {
		if a := per[m]; a != nil && a.n > 0 {
			fmt.Printf("- %-4s mean relative error %+.4f over %d reflections\n", m, a.sum/float64(a.n), a.n)
		}
	}
}
