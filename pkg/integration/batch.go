package integration

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"shoeboxintegrate/internal/models"
	"shoeboxintegrate/internal/monitoring"
	"shoeboxintegrate/pkg/profile"
)

// Batch is the outcome of one Process call
type Batch struct {
	// RunID identifies the run in logs
	RunID uuid.UUID

	// Results are sorted by reflection ID, then method
	Results []models.Result

	// Profiles is the learned reference profile set, nil if none could be built
	Profiles *profile.Set

	// Contributors is the number of strong reflections offered to the profiles
	Contributors int

	Summary Summary

	Elapsed time.Duration
}

// Process integrates a batch of reflections.
//
// Phase 1 classifies, fits the background and sums every reflection in
// parallel. Phase 2 learns the reference profiles from the strong reflections;
// the profiles are read-only afterwards. Phase 3 runs the profile-based methods
// in parallel. A failing reflection never stops the batch. When ctx is cancelled
// no new reflections are started, results finished so far are returned, and
// the error is ctx.Err().
func (it *Integrator) Process(ctx context.Context, reflections []Reflection) (*Batch, error) {
	batch := &Batch{RunID: uuid.New()}
	start := time.Now()
	n := len(reflections)
	monitoring.Logf("run %s: integrating %d reflections with %v on %d workers",
		batch.RunID, n, it.methods, it.workers)

	// Phase 1
	states := make([]*prepared, n)
	invalid := make([]bool, n)
	err := it.parallel(ctx, "background and summation", n, func(i int) {
		p, perr := it.prepare(reflections[i])
		if perr != nil {
			invalid[i] = true
			monitoring.Logf("reflection %d skipped: %v", reflections[i].ID(), perr)
			return
		}
		states[i] = p
	})

	// Phase 2
	if err == nil && it.needsProfile() {
		var contribs []profile.Contribution
		for _, p := range states {
			if p != nil && it.strong(p) {
				contribs = append(contribs, profile.Contribution{
					Shoebox:   p.refl.Shoebox,
					Corrected: p.corrected,
					Region:    p.refl.Region,
				})
			}
		}
		batch.Contributors = len(contribs)
		set, perr := profile.LearnSet(ctx, it.profParams, it.locations, contribs)
		switch {
		case perr == nil:
			batch.Profiles = set
			monitoring.Logf("run %s: learned %d reference profile(s) from %d strong reflections",
				batch.RunID, set.Len(), len(contribs))
		case errors.Is(perr, context.Canceled) || errors.Is(perr, context.DeadlineExceeded):
			err = perr
		default:
			monitoring.Logf("run %s: no reference profile: %v", batch.RunID, perr)
		}
	}

	// Phase 3
	results := make([][]models.Result, n)
	if err == nil {
		res := it.resourcesFor(batch.Profiles)
		err = it.parallel(ctx, "integration", n, func(i int) {
			if states[i] != nil {
				results[i] = it.finish(states[i], res)
			}
		})
	}

	// Reflections that never reached phase 3 still report their summation
	for i, p := range states {
		if results[i] == nil && p != nil && it.wants(models.MethodSummation) {
			results[i] = []models.Result{p.sum}
		}
	}

	for _, rs := range results {
		batch.Results = append(batch.Results, rs...)
	}
	sort.Slice(batch.Results, func(a, b int) bool {
		ra, rb := batch.Results[a], batch.Results[b]
		if ra.ReflectionID != rb.ReflectionID {
			return ra.ReflectionID < rb.ReflectionID
		}
		return ra.Method < rb.Method
	})

	batch.Summary = Summarize(batch.Results)
	for _, bad := range invalid {
		if bad {
			batch.Summary.InvalidGeometry++
		}
	}
	batch.Elapsed = time.Since(start)
	monitoring.Logf("run %s: finished in %s", batch.RunID, batch.Elapsed.Round(time.Millisecond))

	if err != nil {
		return batch, fmt.Errorf("integration interrupted: %w", err)
	}
	return batch, nil
}

// parallel calls task(i) for i in [0, n) on the configured number of workers.
// Each index is handled by exactly one goroutine. Dispatch stops when ctx is done.
func (it *Integrator) parallel(ctx context.Context, stage string, n int, task func(i int)) error {
	jobs := make(chan int)
	var done atomic.Int64
	step := int64(n / 10)
	if step < 1 {
		step = 1
	}

	var wg sync.WaitGroup
	for w := 0; w < it.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				task(i)
				if c := done.Add(1); it.verbose && c%step == 0 {
					monitoring.Logf("%s: %.1f%% complete", stage, float64(c)/float64(n)*100)
				}
			}
		}()
	}

	var err error
dispatch:
	for i := 0; i < n; i++ {
		if err = ctx.Err(); err != nil {
			break
		}
		select {
		case <-ctx.Done():
			err = ctx.Err()
			break dispatch
		case jobs <- i:
		}
	}
	close(jobs)
	wg.Wait()
	return err
}
