// Cubebuilder - Earth Observation Data Cube Assembly
// Copyright 2026 The Cubebuilder Authors
// SPDX-License-Identifier: MIT
// https://github.com/earthdata-cube/cubebuilder

package raster

import (
	"bytes"
	"image"
	"image/png"
	"sort"

	"github.com/earthdata-cube/cubebuilder/internal/cube"
)

// Quicklook percentile bounds for contrast stretching.
const (
	quicklookLowPercentile  = 2
	quicklookHighPercentile = 98
)

// Quicklook renders an RGB PNG from three co-registered band rasters using
// per-band percentile normalization. Pixels where every band is nodata come
// out fully transparent.
func Quicklook(r, g, b *Raster) ([]byte, error) {
	if !r.Grid.Equal(&g.Grid) || !r.Grid.Equal(&b.Grid) {
		return nil, cube.NewDataError("quicklook", "quicklook bands are not co-registered", nil)
	}

	channels := [3]*Raster{r, g, b}
	var lows, highs [3]float64
	for i, ch := range channels {
		lows[i], highs[i] = percentileBounds(ch)
	}

	img := image.NewNRGBA(image.Rect(0, 0, r.Grid.Width, r.Grid.Height))
	for row := 0; row < r.Grid.Height; row++ {
		for col := 0; col < r.Grid.Width; col++ {
			idx := row*r.Grid.Width + col
			anyValid := false
			var rgb [3]uint8
			for i, ch := range channels {
				v := ch.Pix[idx]
				if v == ch.Nodata {
					continue
				}
				anyValid = true
				rgb[i] = normalize(float64(v), lows[i], highs[i])
			}
			off := img.PixOffset(col, row)
			img.Pix[off+0] = rgb[0]
			img.Pix[off+1] = rgb[1]
			img.Pix[off+2] = rgb[2]
			if anyValid {
				img.Pix[off+3] = 255
			}
		}
	}

	var buf bytes.Buffer
	enc := &png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, cube.NewDataError("quicklook", "encode png", err)
	}
	return buf.Bytes(), nil
}

// percentileBounds computes the 2nd and 98th percentile of the valid pixels.
func percentileBounds(r *Raster) (low, high float64) {
	valid := make([]int32, 0, len(r.Pix))
	for _, v := range r.Pix {
		if v != r.Nodata {
			valid = append(valid, v)
		}
	}
	if len(valid) == 0 {
		return 0, 1
	}
	sort.Slice(valid, func(i, j int) bool { return valid[i] < valid[j] })

	low = float64(valid[percentileIndex(len(valid), quicklookLowPercentile)])
	high = float64(valid[percentileIndex(len(valid), quicklookHighPercentile)])
	if high <= low {
		high = low + 1
	}
	return low, high
}

func percentileIndex(n, pct int) int {
	idx := n * pct / 100
	if idx >= n {
		idx = n - 1
	}
	return idx
}

func normalize(v, low, high float64) uint8 {
	scaled := 255 * (v - low) / (high - low)
	if scaled < 0 {
		return 0
	}
	if scaled > 255 {
		return 255
	}
	return uint8(scaled)
}
