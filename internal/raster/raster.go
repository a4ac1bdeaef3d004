// Cubebuilder - Earth Observation Data Cube Assembly
// Copyright 2026 The Cubebuilder Authors
// SPDX-License-Identifier: MIT
// https://github.com/earthdata-cube/cubebuilder

// Package raster implements the pixel-level algorithms of the pipeline:
// grid-aligned warping, quality masking and statistics, band-algebra index
// evaluation, quicklook rendering, and a tiled cloud-optimized GeoTIFF
// reader/writer.
//
// Rasters are single-band with an int32 pixel buffer wide enough for every
// cube dtype (uint8, int16, uint16). The declared DType only matters at the
// GeoTIFF boundary.
package raster

import (
	"fmt"

	"github.com/earthdata-cube/cubebuilder/internal/cube"
)

// DType is the storage type a raster serializes to.
type DType string

const (
	DTypeUint8  DType = "uint8"
	DTypeInt16  DType = "int16"
	DTypeUint16 DType = "uint16"
)

// Size returns the byte width of one sample.
func (d DType) Size() int {
	if d == DTypeUint8 {
		return 1
	}
	return 2
}

// Clamp forces v into the representable range of the dtype.
func (d DType) Clamp(v int32) int32 {
	switch d {
	case DTypeUint8:
		if v < 0 {
			return 0
		}
		if v > 255 {
			return 255
		}
	case DTypeInt16:
		if v < -32768 {
			return -32768
		}
		if v > 32767 {
			return 32767
		}
	case DTypeUint16:
		if v < 0 {
			return 0
		}
		if v > 65535 {
			return 65535
		}
	}
	return v
}

// Grid is the georeferencing of a raster: CRS, affine transform, and pixel
// dimensions. The transform follows the (a, b, xoff, d, e, yoff) convention:
// x = xoff + a*col + b*row, y = yoff + d*col + e*row.
type Grid struct {
	CRS       string
	Transform [6]float64
	Width     int
	Height    int
}

// NewGrid builds a north-up grid from an origin and pixel size (resY is the
// positive pixel height; the transform encodes the negative y step).
func NewGrid(crs string, xmin, ymax, resX, resY float64, width, height int) Grid {
	return Grid{
		CRS:       crs,
		Transform: [6]float64{resX, 0, xmin, 0, -resY, ymax},
		Width:     width,
		Height:    height,
	}
}

// ResX returns the pixel width in CRS units.
func (g *Grid) ResX() float64 { return g.Transform[0] }

// ResY returns the positive pixel height in CRS units.
func (g *Grid) ResY() float64 { return -g.Transform[4] }

// PixelCenter maps a (col, row) pixel to the CRS coordinates of its center.
func (g *Grid) PixelCenter(col, row int) (x, y float64) {
	fc, fr := float64(col)+0.5, float64(row)+0.5
	x = g.Transform[2] + g.Transform[0]*fc + g.Transform[1]*fr
	y = g.Transform[5] + g.Transform[3]*fc + g.Transform[4]*fr
	return x, y
}

// Invert maps CRS coordinates to fractional (col, row).
func (g *Grid) Invert(x, y float64) (col, row float64) {
	a, b, c := g.Transform[0], g.Transform[1], g.Transform[2]
	d, e, f := g.Transform[3], g.Transform[4], g.Transform[5]
	det := a*e - b*d
	col = (e*(x-c) - b*(y-f)) / det
	row = (a*(y-f) - d*(x-c)) / det
	return col, row
}

// Equal reports whether two grids are tile-aligned: same CRS, transform,
// and dimensions.
func (g *Grid) Equal(o *Grid) bool {
	return g.CRS == o.CRS && g.Width == o.Width && g.Height == o.Height && g.Transform == o.Transform
}

// Bounds returns (xmin, ymin, xmax, ymax) in CRS units for a north-up grid.
func (g *Grid) Bounds() (xmin, ymin, xmax, ymax float64) {
	xmin = g.Transform[2]
	ymax = g.Transform[5]
	xmax = xmin + float64(g.Width)*g.ResX()
	ymin = ymax - float64(g.Height)*g.ResY()
	return xmin, ymin, xmax, ymax
}

// Window is a rectangular block of a raster, used for block-wise processing.
type Window struct {
	ColOff, RowOff int
	Width, Height  int
}

// Blocks enumerates the block windows of the grid in row-major order.
func (g *Grid) Blocks(blockSize int) []Window {
	if blockSize <= 0 {
		blockSize = 256
	}
	var windows []Window
	for row := 0; row < g.Height; row += blockSize {
		h := blockSize
		if row+h > g.Height {
			h = g.Height - row
		}
		for col := 0; col < g.Width; col += blockSize {
			w := blockSize
			if col+w > g.Width {
				w = g.Width - col
			}
			windows = append(windows, Window{ColOff: col, RowOff: row, Width: w, Height: h})
		}
	}
	return windows
}

// Raster is a single-band raster with georeferencing and a nodata fill.
// HasNodata distinguishes an explicit nodata declaration from the zero
// default, which matters when choosing the source nodata of a scene.
type Raster struct {
	Grid      Grid
	DType     DType
	Nodata    int32
	HasNodata bool
	Pix       []int32
}

// New allocates a raster filled with its nodata value.
func New(grid Grid, dtype DType, nodata int32) *Raster {
	r := &Raster{
		Grid:      grid,
		DType:     dtype,
		Nodata:    nodata,
		HasNodata: true,
		Pix:       make([]int32, grid.Width*grid.Height),
	}
	if nodata != 0 {
		for i := range r.Pix {
			r.Pix[i] = nodata
		}
	}
	return r
}

// At returns the pixel at (col, row).
func (r *Raster) At(col, row int) int32 {
	return r.Pix[row*r.Grid.Width+col]
}

// Set writes the pixel at (col, row).
func (r *Raster) Set(col, row int, v int32) {
	r.Pix[row*r.Grid.Width+col] = v
}

// Valid reports whether the pixel holds data.
func (r *Raster) Valid(col, row int) bool {
	return r.At(col, row) != r.Nodata
}

// ReadWindow copies a window into a dense buffer of size w*h.
func (r *Raster) ReadWindow(w Window) []int32 {
	out := make([]int32, w.Width*w.Height)
	for row := 0; row < w.Height; row++ {
		src := (w.RowOff+row)*r.Grid.Width + w.ColOff
		copy(out[row*w.Width:(row+1)*w.Width], r.Pix[src:src+w.Width])
	}
	return out
}

// WriteWindow copies a dense buffer back into the raster.
func (r *Raster) WriteWindow(w Window, data []int32) {
	for row := 0; row < w.Height; row++ {
		dst := (w.RowOff+row)*r.Grid.Width + w.ColOff
		copy(r.Pix[dst:dst+w.Width], data[row*w.Width:(row+1)*w.Width])
	}
}

// Clone returns a deep copy, optionally refilled with nodata.
func (r *Raster) Clone(reset bool) *Raster {
	out := &Raster{Grid: r.Grid, DType: r.DType, Nodata: r.Nodata, HasNodata: r.HasNodata, Pix: make([]int32, len(r.Pix))}
	if reset {
		for i := range out.Pix {
			out.Pix[i] = r.Nodata
		}
	} else {
		copy(out.Pix, r.Pix)
	}
	return out
}

// TargetGrid computes the tile-aligned output grid of a (tile, period).
// With an explicit shape the tile box is divided into exactly shape pixels;
// otherwise the pixel count is rounded from the nominal resolution and the
// resolution recomputed so the grid covers the box exactly.
func TargetGrid(crs string, xmin, ymax, distX, distY, resX, resY float64, shape []int) (Grid, error) {
	if distX <= 0 || distY <= 0 {
		return Grid{}, cube.NewInputError("grid", fmt.Sprintf("degenerate tile box %gx%g", distX, distY))
	}
	var numX, numY int
	if len(shape) == 2 {
		numX, numY = shape[0], shape[1]
		if numX <= 0 || numY <= 0 {
			return Grid{}, cube.NewInputError("grid", fmt.Sprintf("bad shape %v", shape))
		}
		return NewGrid(crs, xmin, ymax, distX/float64(numX), distY/float64(numY), numX, numY), nil
	}
	if resX <= 0 || resY <= 0 {
		return Grid{}, cube.NewInputError("grid", fmt.Sprintf("bad resolution %gx%g", resX, resY))
	}
	numX = int(roundHalfAway(distX / resX))
	numY = int(roundHalfAway(distY / resY))
	if numX <= 0 || numY <= 0 {
		return Grid{}, cube.NewInputError("grid", "tile box smaller than one pixel")
	}
	newResX := distX / float64(numX)
	newResY := distY / float64(numY)
	return NewGrid(crs, xmin, ymax, newResX, newResY, numX, numY), nil
}

func roundHalfAway(v float64) float64 {
	if v < 0 {
		return float64(int64(v - 0.5))
	}
	return float64(int64(v + 0.5))
}
