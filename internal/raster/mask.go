// Cubebuilder - Earth Observation Data Cube Assembly
// Copyright 2026 The Cubebuilder Authors
// SPDX-License-Identifier: MIT
// https://github.com/earthdata-cube/cubebuilder

package raster

import (
	"github.com/earthdata-cube/cubebuilder/internal/cube"
)

// Quality classes of a classified quality raster.
const (
	QualityNodata    int32 = 0
	QualityClear     int32 = 1
	QualityNotClear  int32 = 2
	QualitySaturated int32 = 3
)

// Stats summarizes the observation quality of a raster.
type Stats struct {
	// Efficacy is the percentage of valid pixels that are clear.
	Efficacy float64
	// CloudRatio is the percentage of valid pixels that are not clear.
	CloudRatio float64
}

// GetMask classifies a merged quality raster against the cube mask and
// computes its statistics. The returned raster is uint8 with the mask nodata
// as fill.
func GetMask(r *Raster, mask *cube.Mask) (*Raster, Stats) {
	classified := &Raster{
		Grid:   r.Grid,
		DType:  DTypeUint8,
		Nodata: int32(mask.Nodata),
		Pix:    make([]int32, len(r.Pix)),
	}

	var valid, clear, notClear int64
	for i, v := range r.Pix {
		v64 := int64(v)
		switch {
		case v64 == mask.Nodata:
			classified.Pix[i] = int32(mask.Nodata)
		case mask.IsClear(v64):
			classified.Pix[i] = QualityClear
			valid++
			clear++
		case mask.IsSaturated(v64):
			classified.Pix[i] = QualitySaturated
			valid++
		case mask.IsNotClear(v64):
			classified.Pix[i] = QualityNotClear
			valid++
			notClear++
		default:
			// Values outside every class count as observations but not as
			// clear ones.
			classified.Pix[i] = QualityNotClear
			valid++
			notClear++
		}
	}
	return classified, statsFromCounts(valid, clear, notClear)
}

// QAStatistics computes efficacy and cloud ratio without rewriting the
// raster.
func QAStatistics(r *Raster, mask *cube.Mask) Stats {
	var valid, clear, notClear int64
	for _, v := range r.Pix {
		v64 := int64(v)
		if v64 == mask.Nodata {
			continue
		}
		valid++
		switch {
		case mask.IsClear(v64) || v64 == int64(QualityClear):
			clear++
		case mask.IsSaturated(v64) || v64 == int64(QualitySaturated):
		default:
			notClear++
		}
	}
	return statsFromCounts(valid, clear, notClear)
}

func statsFromCounts(valid, clear, notClear int64) Stats {
	if valid == 0 {
		return Stats{Efficacy: 0, CloudRatio: 100}
	}
	return Stats{
		Efficacy:   100 * float64(clear) / float64(valid),
		CloudRatio: 100 * float64(notClear) / float64(valid),
	}
}

// ReclassifyWindow maps a quality window onto a boolean clear mask the way
// BLEND consumes it: not-clear and saturated classes drop to false, raster
// nodata drops to false, clear classes rise to true.
func ReclassifyWindow(quality, band []int32, bandNodata int32, mask *cube.Mask) []bool {
	out := make([]bool, len(quality))
	for i, q := range quality {
		q64 := int64(q)
		if mask.IsNotClear(q64) || mask.IsSaturated(q64) {
			continue
		}
		if band[i] == bandNodata {
			continue
		}
		if mask.IsClear(q64) || q == QualityClear {
			out[i] = true
		}
	}
	return out
}
