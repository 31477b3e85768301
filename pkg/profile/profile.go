// Package profile learns reference reflection profiles from strong,
// background-corrected shoeboxes.
//
// A profile is a small 3D grid centred on the reflection. Every contributing
// shoebox is mapped onto the grid relative to its predicted centre, normalized
// to unit foreground mass, weighted, and accumulated. Finalizing clamps
// negative cells to zero and rescales the grid so it sums to one. A finalized
// Profile is immutable and may be shared between goroutines.
package profile

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"sync"

	"gonum.org/v1/gonum/floats"

	"shoeboxintegrate/internal/models"
	"shoeboxintegrate/pkg/mask"
)

// ErrEmptyProfile is returned when no contribution could be accumulated
var ErrEmptyProfile = errors.New("no usable contributions for reference profile")

// Grid gives the profile extents along x, y and frame
type Grid struct {
	NX, NY, NZ int
}

// Len returns the number of cells
func (g Grid) Len() int { return g.NX * g.NY * g.NZ }

func (g Grid) index(i, j, k int) int { return k*g.NX*g.NY + j*g.NX + i }

// Cell maps an offset from the reflection centre to a cell index.
// ok is false when the offset falls outside the grid.
func (g Grid) Cell(dx, dy, dz float64) (idx int, ok bool) {
	i := int(math.Floor(dx + float64(g.NX)/2))
	j := int(math.Floor(dy + float64(g.NY)/2))
	k := int(math.Floor(dz + float64(g.NZ)/2))
	if i < 0 || j < 0 || k < 0 || i >= g.NX || j >= g.NY || k >= g.NZ {
		return 0, false
	}
	return g.index(i, j, k), true
}

// Params controls profile learning
type Params struct {
	Grid Grid

	// MinCompleteness is the smallest fraction of the foreground region that
	// must be usable for a shoebox to contribute
	MinCompleteness float64

	// Workers is the number of accumulating goroutines; 0 means runtime.NumCPU()
	Workers int
}

// DefaultParams returns a 9x9x9 grid and a 0.9 completeness threshold
func DefaultParams() Params {
	return Params{
		Grid:            Grid{NX: 9, NY: 9, NZ: 9},
		MinCompleteness: 0.9,
	}
}

// Contribution is one strong reflection offered to the profile
type Contribution struct {
	Shoebox *models.Shoebox

	// Corrected is the background-subtracted data, aligned with Shoebox.Data
	Corrected []float64

	// Region is the foreground region; its centre aligns the shoebox on the grid
	Region mask.Region

	// Weight scales the contribution; zero means 1
	Weight float64
}

// Builder accumulates contributions. A Builder is not safe for concurrent use;
// parallel learners use one per goroutine and merge them.
type Builder struct {
	params  Params
	sum     []float64
	weight  float64
	used    int
	skipped int
}

// NewBuilder creates an empty accumulator
func NewBuilder(params Params) *Builder {
	return &Builder{
		params: params,
		sum:    make([]float64, params.Grid.Len()),
	}
}

// Add accumulates a contribution and reports whether it was used.
// Incomplete shoeboxes and shoeboxes with no positive foreground mass are skipped.
func (b *Builder) Add(c Contribution) bool {
	sb := c.Shoebox
	if sb == nil || c.Region == nil || len(c.Corrected) != sb.Len() {
		b.skipped++
		return false
	}
	if mask.Completeness(sb, c.Region) < b.params.MinCompleteness {
		b.skipped++
		return false
	}

	centre := c.Region.Center()
	cells := make([]int, 0, sb.Len())
	values := make([]float64, 0, sb.Len())
	var mass float64
	for i, code := range sb.Mask {
		if code != models.MaskForeground {
			continue
		}
		x, y, z := sb.Center(i)
		idx, ok := b.params.Grid.Cell(x-centre[0], y-centre[1], z-centre[2])
		if !ok {
			continue
		}
		cells = append(cells, idx)
		values = append(values, c.Corrected[i])
		mass += c.Corrected[i]
	}
	if !(mass > 0) || math.IsInf(mass, 0) {
		b.skipped++
		return false
	}

	w := c.Weight
	if w <= 0 {
		w = 1
	}
	scale := w / mass
	for n, idx := range cells {
		b.sum[idx] += scale * values[n]
	}
	b.weight += w
	b.used++
	return true
}

// Merge adds another builder's accumulation into b
func (b *Builder) Merge(o *Builder) {
	floats.Add(b.sum, o.sum)
	b.weight += o.weight
	b.used += o.used
	b.skipped += o.skipped
}

// Used returns the number of accepted contributions
func (b *Builder) Used() int { return b.used }

// Skipped returns the number of rejected contributions
func (b *Builder) Skipped() int { return b.skipped }

// Finalize produces the normalized, immutable profile
func (b *Builder) Finalize() (*Profile, error) {
	if b.used == 0 {
		return nil, ErrEmptyProfile
	}
	cells := make([]float64, len(b.sum))
	copy(cells, b.sum)
	p, err := New(b.params.Grid, cells)
	if err != nil {
		return nil, err
	}
	p.contributors = b.used
	return p, nil
}

// Learn accumulates the contributions on Params.Workers goroutines, merges the
// partial sums in worker order and finalizes the profile. Each worker takes a
// fixed, contiguous share of the input so the result does not depend on scheduling.
func Learn(ctx context.Context, params Params, contribs []Contribution) (*Profile, error) {
	workers := params.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > len(contribs) {
		workers = len(contribs)
	}
	if workers == 0 {
		return nil, ErrEmptyProfile
	}

	builders := make([]*Builder, workers)
	perWorker := (len(contribs) + workers - 1) / workers

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		builders[w] = NewBuilder(params)
		start := w * perWorker
		end := min(start+perWorker, len(contribs))
		if start >= end {
			continue
		}
		wg.Add(1)
		go func(b *Builder, part []Contribution) {
			defer wg.Done()
			for _, c := range part {
				if ctx.Err() != nil {
					return
				}
				b.Add(c)
			}
		}(builders[w], contribs[start:end])
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("profile learning interrupted: %w", err)
	}

	merged := NewBuilder(params)
	for _, b := range builders {
		merged.Merge(b)
	}
	return merged.Finalize()
}

// Profile is a normalized reference profile. It is never modified after creation.
type Profile struct {
	grid         Grid
	cells        []float64
	contributors int
}

// New builds a profile from raw cell values: negative cells are set to zero and
// the rest is scaled to unit sum. cells is taken over by the profile.
func New(grid Grid, cells []float64) (*Profile, error) {
	if grid.NX <= 0 || grid.NY <= 0 || grid.NZ <= 0 {
		return nil, fmt.Errorf("invalid profile grid %dx%dx%d", grid.NX, grid.NY, grid.NZ)
	}
	if len(cells) != grid.Len() {
		return nil, fmt.Errorf("profile grid %dx%dx%d needs %d cells, got %d",
			grid.NX, grid.NY, grid.NZ, grid.Len(), len(cells))
	}
	for i, v := range cells {
		if v < 0 || math.IsNaN(v) {
			cells[i] = 0
		}
	}
	total := floats.Sum(cells)
	if !(total > 0) || math.IsInf(total, 0) {
		return nil, ErrEmptyProfile
	}
	floats.Scale(1/total, cells)
	return &Profile{grid: grid, cells: cells}, nil
}

// Grid returns the profile extents
func (p *Profile) Grid() Grid { return p.grid }

// At returns the value of cell (i, j, k)
func (p *Profile) At(i, j, k int) float64 { return p.cells[p.grid.index(i, j, k)] }

// Sum returns the total mass, one up to rounding
func (p *Profile) Sum() float64 { return floats.Sum(p.cells) }

// Cells returns a copy of the cell values
func (p *Profile) Cells() []float64 { return append([]float64(nil), p.cells...) }

// NumContributors is the number of shoeboxes that built the profile
func (p *Profile) NumContributors() int { return p.contributors }

// Sample evaluates the profile at every pixel of a shoebox whose reflection is
// centred at centre. Pixels outside the grid get zero.
func (p *Profile) Sample(sb *models.Shoebox, centre [3]float64) []float64 {
	out := make([]float64, sb.Len())
	for i := range out {
		x, y, z := sb.Center(i)
		if idx, ok := p.grid.Cell(x-centre[0], y-centre[1], z-centre[2]); ok {
			out[i] = p.cells[idx]
		}
	}
	return out
}

// Project sums the profile over the frame axis into a single-frame profile
// with unit mass, for integrating one frame at a time
func (p *Profile) Project() *Profile {
	g := Grid{NX: p.grid.NX, NY: p.grid.NY, NZ: 1}
	cells := make([]float64, g.Len())
	for k := 0; k < p.grid.NZ; k++ {
		plane := p.cells[k*g.Len() : (k+1)*g.Len()]
		floats.Add(cells, plane)
	}
	total := floats.Sum(cells)
	if total > 0 {
		floats.Scale(1/total, cells)
	}
	return &Profile{grid: g, cells: cells, contributors: p.contributors}
}
