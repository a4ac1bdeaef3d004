// Cubebuilder - Earth Observation Data Cube Assembly
// Copyright 2026 The Cubebuilder Authors
// SPDX-License-Identifier: MIT
// https://github.com/earthdata-cube/cubebuilder

package raster

import (
	"math"

	"github.com/earthdata-cube/cubebuilder/internal/cube"
)

// Resampling selects how source pixels are sampled during a warp.
type Resampling int

const (
	// Nearest takes the closest source pixel. Used for quality bands so
	// class values never blend.
	Nearest Resampling = iota
	// Bilinear interpolates the four surrounding source pixels, skipping
	// nodata neighbours.
	Bilinear
)

// CoordTransform converts coordinates between two reference systems.
// Same-CRS warps use IdentityTransform; reprojection across systems plugs in
// here.
type CoordTransform interface {
	// Inverse maps destination-CRS coordinates into the source CRS.
	Inverse(x, y float64) (float64, float64)
}

// IdentityTransform is the same-CRS transform.
type IdentityTransform struct{}

// Inverse returns the coordinates unchanged.
func (IdentityTransform) Inverse(x, y float64) (float64, float64) { return x, y }

// Warp resamples src onto the destination grid, writing srcNodata pixels as
// dst's nodata. ct maps destination coordinates into the source CRS; nil
// means the grids share a CRS.
func Warp(src *Raster, dstGrid Grid, dstDType DType, srcNodata, dstNodata int32, rs Resampling, ct CoordTransform) (*Raster, error) {
	if ct == nil {
		if src.Grid.CRS != dstGrid.CRS {
			return nil, cube.NewDataError("warp", "source and destination CRS differ and no transform given", nil)
		}
		ct = IdentityTransform{}
	}

	dst := New(dstGrid, dstDType, dstNodata)
	for row := 0; row < dstGrid.Height; row++ {
		for col := 0; col < dstGrid.Width; col++ {
			x, y := dstGrid.PixelCenter(col, row)
			sx, sy := ct.Inverse(x, y)
			fc, fr := src.Grid.Invert(sx, sy)

			var v int32
			var ok bool
			switch rs {
			case Bilinear:
				v, ok = sampleBilinear(src, fc, fr, srcNodata)
			default:
				v, ok = sampleNearest(src, fc, fr, srcNodata)
			}
			if ok {
				dst.Set(col, row, dstDType.Clamp(v))
			}
		}
	}
	return dst, nil
}

func sampleNearest(src *Raster, fc, fr float64, srcNodata int32) (int32, bool) {
	col := int(math.Floor(fc))
	row := int(math.Floor(fr))
	if col < 0 || row < 0 || col >= src.Grid.Width || row >= src.Grid.Height {
		return 0, false
	}
	v := src.At(col, row)
	if v == srcNodata {
		return 0, false
	}
	return v, true
}

func sampleBilinear(src *Raster, fc, fr float64, srcNodata int32) (int32, bool) {
	// Shift to sample-centered coordinates.
	fc -= 0.5
	fr -= 0.5

	c0 := int(math.Floor(fc))
	r0 := int(math.Floor(fr))
	dx := fc - float64(c0)
	dy := fr - float64(r0)

	var sum, weight float64
	for dr := 0; dr <= 1; dr++ {
		for dc := 0; dc <= 1; dc++ {
			c, r := c0+dc, r0+dr
			if c < 0 || r < 0 || c >= src.Grid.Width || r >= src.Grid.Height {
				continue
			}
			v := src.At(c, r)
			if v == srcNodata {
				continue
			}
			wx := 1 - dx
			if dc == 1 {
				wx = dx
			}
			wy := 1 - dy
			if dr == 1 {
				wy = dy
			}
			w := wx * wy
			sum += float64(v) * w
			weight += w
		}
	}
	if weight == 0 {
		return 0, false
	}
	return int32(math.RoundToEven(sum / weight)), true
}
