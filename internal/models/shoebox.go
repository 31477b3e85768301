package models

import (
	"fmt"
)

// MaskCode classifies a single shoebox pixel
type MaskCode uint8

const (
	// MaskValid marks a usable pixel that has not been assigned to foreground or background yet
	MaskValid MaskCode = iota

	// MaskBackground marks a pixel used for background estimation
	MaskBackground

	// MaskForeground marks a pixel that contributes to the reflection intensity
	MaskForeground

	// MaskOverlapped marks a pixel claimed by a neighbouring reflection
	MaskOverlapped

	// MaskBad marks a detector defect or saturated pixel
	MaskBad
)

func (m MaskCode) String() string {
	switch m {
	case MaskValid:
		return "VALID"
	case MaskBackground:
		return "BACKGROUND"
	case MaskForeground:
		return "FOREGROUND"
	case MaskOverlapped:
		return "OVERLAPPED"
	case MaskBad:
		return "BAD"
	default:
		return fmt.Sprintf("MaskCode(%d)", uint8(m))
	}
}

// Fixed reports whether the code is immutable once set
func (m MaskCode) Fixed() bool {
	return m == MaskBad || m == MaskOverlapped
}

// Shoebox represents the 3D window of detector pixels around one reflection
type Shoebox struct {
	// ReflectionID identifies the reflection this shoebox was cut for.
	// It is an identifier only; the shoebox never points back at the reflection.
	ReflectionID int64

	// Origin is the detector coordinate (x, y, frame) of local pixel (0, 0, 0)
	Origin [3]int

	// NX, NY, NZ are the extents along the two detector axes and the frame axis
	NX, NY, NZ int

	// Data holds raw pixel values in z*NY*NX + y*NX + x order
	Data []float64

	// Mask holds one code per pixel, aligned with Data
	Mask []MaskCode
}

// NewShoebox allocates a shoebox with equal-sized data and mask arrays.
// Every pixel starts as MaskValid.
func NewShoebox(id int64, origin [3]int, nx, ny, nz int) *Shoebox {
	if nx < 0 || ny < 0 || nz < 0 {
		nx, ny, nz = 0, 0, 0
	}
	n := nx * ny * nz
	return &Shoebox{
		ReflectionID: id,
		Origin:       origin,
		NX:           nx,
		NY:           ny,
		NZ:           nz,
		Data:         make([]float64, n),
		Mask:         make([]MaskCode, n),
	}
}

// Len returns the number of pixels
func (s *Shoebox) Len() int {
	return s.NX * s.NY * s.NZ
}

// Validate checks that the extents and both arrays agree
func (s *Shoebox) Validate() error {
	if s.NX <= 0 || s.NY <= 0 || s.NZ <= 0 {
		return fmt.Errorf("shoebox %d has empty extents %dx%dx%d", s.ReflectionID, s.NX, s.NY, s.NZ)
	}
	if len(s.Data) != s.Len() || len(s.Mask) != s.Len() {
		return fmt.Errorf("shoebox %d: data (%d) and mask (%d) must both hold %d pixels",
			s.ReflectionID, len(s.Data), len(s.Mask), s.Len())
	}
	return nil
}

// Index converts local coordinates to a flat index
func (s *Shoebox) Index(x, y, z int) int {
	return z*s.NX*s.NY + y*s.NX + x
}

// Coords converts a flat index back to local coordinates
func (s *Shoebox) Coords(idx int) (x, y, z int) {
	plane := s.NX * s.NY
	z = idx / plane
	rem := idx % plane
	return rem % s.NX, rem / s.NX, z
}

// Center returns the detector coordinate of the pixel centre at idx
func (s *Shoebox) Center(idx int) (float64, float64, float64) {
	x, y, z := s.Coords(idx)
	return float64(s.Origin[0]+x) + 0.5,
		float64(s.Origin[1]+y) + 0.5,
		float64(s.Origin[2]+z) + 0.5
}

// Count returns how many pixels carry the given code
func (s *Shoebox) Count(code MaskCode) int {
	n := 0
	for _, m := range s.Mask {
		if m == code {
			n++
		}
	}
	return n
}

// Slice copies frame z into a new single-frame shoebox with the same x/y origin
func (s *Shoebox) Slice(z int) *Shoebox {
	origin := s.Origin
	origin[2] += z
	out := NewShoebox(s.ReflectionID, origin, s.NX, s.NY, 1)
	plane := s.NX * s.NY
	copy(out.Data, s.Data[z*plane:(z+1)*plane])
	copy(out.Mask, s.Mask[z*plane:(z+1)*plane])
	return out
}

// Clone returns a deep copy
func (s *Shoebox) Clone() *Shoebox {
	out := *s
	out.Data = append([]float64(nil), s.Data...)
	out.Mask = append([]MaskCode(nil), s.Mask...)
	return &out
}
