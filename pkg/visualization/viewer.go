// Package visualization renders slices of reference profiles and shoeboxes as
// heat maps for visual inspection.
package visualization

import (
	"fmt"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"shoeboxintegrate/internal/models"
	"shoeboxintegrate/pkg/profile"
)

// Viewer extracts and saves 2D slices of a 3D grid stored in
// z*height*width + y*width + x order
type Viewer struct {
	// volumeData holds the grid values
	volumeData []float64

	// dimensions of the grid
	width  int
	height int
	depth  int

	// name prefixes plot titles and file names
	name string
}

// NewViewer creates a viewer over raw grid data
func NewViewer(volumeData []float64, width, height, depth int, name string) *Viewer {
	return &Viewer{
		volumeData: volumeData,
		width:      width,
		height:     height,
		depth:      depth,
		name:       name,
	}
}

// NewProfileViewer views a reference profile
func NewProfileViewer(p *profile.Profile, name string) *Viewer {
	g := p.Grid()
	return NewViewer(p.Cells(), g.NX, g.NY, g.NZ, name)
}

// NewShoeboxViewer views shoebox values, e.g. raw or background-corrected data
func NewShoeboxViewer(sb *models.Shoebox, data []float64) *Viewer {
	return NewViewer(data, sb.NX, sb.NY, sb.NZ, fmt.Sprintf("reflection_%d", sb.ReflectionID))
}

// Slice is a 2D cut through the grid. It satisfies plotter.GridXYZ.
type Slice struct {
	cols, rows int
	values     []float64
}

// Dims returns the number of columns and rows
func (s *Slice) Dims() (c, r int) { return s.cols, s.rows }

// Z returns the value at column c, row r
func (s *Slice) Z(c, r int) float64 { return s.values[r*s.cols+c] }

// X returns the coordinate of column c
func (s *Slice) X(c int) float64 { return float64(c) }

// Y returns the coordinate of row r
func (s *Slice) Y(r int) float64 { return float64(r) }

// ExtractSlice extracts a 2D slice from the grid along the specified axis
func (v *Viewer) ExtractSlice(axis string, position int) (*Slice, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}
	if len(v.volumeData) < v.width*v.height*v.depth {
		return nil, fmt.Errorf("grid holds %d values, need %d", len(v.volumeData), v.width*v.height*v.depth)
	}

	idx := func(x, y, z int) int { return z*v.width*v.height + y*v.width + x }

	switch axis {
	case "x", "X":
		// Extract slice along YZ plane
		if position >= v.width {
			return nil, fmt.Errorf("position %d exceeds width %d", position, v.width)
		}
		s := &Slice{cols: v.depth, rows: v.height, values: make([]float64, v.depth*v.height)}
		for y := 0; y < v.height; y++ {
			for z := 0; z < v.depth; z++ {
				s.values[y*s.cols+z] = v.volumeData[idx(position, y, z)]
			}
		}
		return s, nil

	case "y", "Y":
		// Extract slice along XZ plane
		if position >= v.height {
			return nil, fmt.Errorf("position %d exceeds height %d", position, v.height)
		}
		s := &Slice{cols: v.width, rows: v.depth, values: make([]float64, v.width*v.depth)}
		for z := 0; z < v.depth; z++ {
			for x := 0; x < v.width; x++ {
				s.values[z*s.cols+x] = v.volumeData[idx(x, position, z)]
			}
		}
		return s, nil

	case "z", "Z":
		// Extract slice along XY plane
		if position >= v.depth {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, v.depth)
		}
		s := &Slice{cols: v.width, rows: v.height, values: make([]float64, v.width*v.height)}
		copy(s.values, v.volumeData[position*v.width*v.height:(position+1)*v.width*v.height])
		return s, nil
	}

	return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
}

// SaveSlice renders a slice as a heat map. The format follows the file extension.
func (v *Viewer) SaveSlice(s *Slice, title, filename string) error {
	p := plot.New()
	p.Title.Text = title

	hm := plotter.NewHeatMap(s, palette.Heat(16, 1))
	if hm.Max <= hm.Min {
		// a flat slice still needs a non-empty colour range
		hm.Max = hm.Min + 1
	}
	p.Add(hm)

	if err := p.Save(4*vg.Inch, 4*vg.Inch, filename); err != nil {
		return fmt.Errorf("saving heat map %s: %w", filename, err)
	}
	return nil
}

// SaveSliceSequence extracts and saves every slice along the specified axis as PNG
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	var maxPos int
	switch axis {
	case "x", "X":
		maxPos = v.width
	case "y", "Y":
		maxPos = v.height
	case "z", "Z":
		maxPos = v.depth
	default:
		return fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	for pos := 0; pos < maxPos; pos++ {
		s, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}

		title := fmt.Sprintf("%s %s=%d", v.name, axis, pos)
		filename := filepath.Join(outputDir, fmt.Sprintf("%s_%s_%03d.png", v.name, axis, pos))
		if err := v.SaveSlice(s, title, filename); err != nil {
			return err
		}
	}

	return nil
}
