package profile

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/spatial/kdtree"

	"shoeboxintegrate/internal/monitoring"
)

// Location is a detector position (x, y, frame) at which a reference profile is learned
type Location struct {
	X, Y, Z float64

	// index of the profile this location owns inside a Set
	index int
}

// Compare implements the kdtree.Comparable interface
func (p Location) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(Location)
	switch d {
	case 0:
		return p.X - q.X
	case 1:
		return p.Y - q.Y
	case 2:
		return p.Z - q.Z
	default:
		panic("illegal dimension")
	}
}

// Dims returns the number of dimensions for the KD-tree
func (p Location) Dims() int { return 3 }

// Distance returns the squared Euclidean distance between two locations
func (p Location) Distance(c kdtree.Comparable) float64 {
	q := c.(Location)
	dx := p.X - q.X
	dy := p.Y - q.Y
	dz := p.Z - q.Z
	return dx*dx + dy*dy + dz*dz
}

// locations satisfies kdtree.Interface
type locations []Location

func (p locations) Index(i int) kdtree.Comparable         { return p[i] }
func (p locations) Len() int                              { return len(p) }
func (p locations) Slice(start, end int) kdtree.Interface { return p[start:end] }

func (p locations) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(locationPlane{locations: p, Dim: d}, kdtree.MedianOfRandoms(locationPlane{locations: p, Dim: d}, 100))
}

// locationPlane implements sort.Interface and kdtree.SortSlicer for locations
type locationPlane struct {
	locations
	kdtree.Dim
}

func (p locationPlane) Less(i, j int) bool {
	switch p.Dim {
	case 0:
		return p.locations[i].X < p.locations[j].X
	case 1:
		return p.locations[i].Y < p.locations[j].Y
	case 2:
		return p.locations[i].Z < p.locations[j].Z
	default:
		panic("illegal dimension")
	}
}

func (p locationPlane) Slice(start, end int) kdtree.SortSlicer {
	return locationPlane{locations: p.locations[start:end], Dim: p.Dim}
}

func (p locationPlane) Swap(i, j int) {
	p.locations[i], p.locations[j] = p.locations[j], p.locations[i]
}

// GridLocations spreads nx by ny locations evenly over a detector of the given
// size at frame z, one per cell centre
func GridLocations(nx, ny int, width, height, z float64) []Location {
	out := make([]Location, 0, nx*ny)
	for j := 0; j < ny; j++ {
		for i := 0; i < nx; i++ {
			out = append(out, Location{
				X: (float64(i) + 0.5) * width / float64(nx),
				Y: (float64(j) + 0.5) * height / float64(ny),
				Z: z,
			})
		}
	}
	return out
}

// Set holds reference profiles learned at several detector locations.
// Reflections are fitted with the profile of the nearest location that could
// be learned. A Set is immutable once built.
type Set struct {
	profiles []*Profile
	points   []Location
	tree     *kdtree.Tree
}

// nearestIndex returns the index of the location closest to the point
func nearestIndex(tree *kdtree.Tree, x, y, z float64) int {
	got, _ := tree.Nearest(Location{X: x, Y: y, Z: z})
	return got.(Location).index
}

// NewSet wraps a single profile, learned or built elsewhere, as a Set that
// serves it to every reflection
func NewSet(p *Profile) (*Set, error) {
	if p == nil {
		return nil, ErrEmptyProfile
	}
	pts := locations{{}}
	return &Set{
		profiles: []*Profile{p},
		points:   pts,
		tree:     kdtree.New(append(locations(nil), pts...), false),
	}, nil
}

// LearnSet assigns each contribution to its nearest location and learns one
// profile per location. Locations without any usable contribution are dropped
// and served by their nearest learned neighbour.
func LearnSet(ctx context.Context, params Params, locs []Location, contribs []Contribution) (*Set, error) {
	if len(locs) == 0 {
		return nil, fmt.Errorf("no profile locations given")
	}
	pts := make(locations, len(locs))
	for i, l := range locs {
		l.index = i
		pts[i] = l
	}
	assign := kdtree.New(append(locations(nil), pts...), false)

	groups := make([][]Contribution, len(locs))
	for _, c := range contribs {
		if c.Region == nil {
			continue
		}
		centre := c.Region.Center()
		i := nearestIndex(assign, centre[0], centre[1], centre[2])
		groups[i] = append(groups[i], c)
	}

	set := &Set{}
	for i, group := range groups {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("profile learning interrupted: %w", err)
		}
		p, err := Learn(ctx, params, group)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			monitoring.Logf("reference profile at (%.0f, %.0f, %.0f): %v", locs[i].X, locs[i].Y, locs[i].Z, err)
			continue
		}
		loc := locs[i]
		loc.index = len(set.profiles)
		set.profiles = append(set.profiles, p)
		set.points = append(set.points, loc)
	}
	if len(set.profiles) == 0 {
		return nil, ErrEmptyProfile
	}
	set.tree = kdtree.New(append(locations(nil), set.points...), false)
	return set, nil
}

// Len returns the number of learned profiles
func (s *Set) Len() int { return len(s.profiles) }

// Nearest returns the profile learned closest to the point
func (s *Set) Nearest(x, y, z float64) *Profile {
	return s.profiles[nearestIndex(s.tree, x, y, z)]
}

// Locations returns the locations that own a learned profile
func (s *Set) Locations() []Location {
	return append([]Location(nil), s.points...)
}
