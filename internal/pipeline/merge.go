// Cubebuilder - Earth Observation Data Cube Assembly
// Copyright 2026 The Cubebuilder Authors
// SPDX-License-Identifier: MIT
// https://github.com/earthdata-cube/cubebuilder

package pipeline

import (
	"context"
	"strings"

	"github.com/earthdata-cube/cubebuilder/internal/cube"
	"github.com/earthdata-cube/cubebuilder/internal/logging"
	"github.com/earthdata-cube/cubebuilder/internal/raster"
)

// MergeWarped is the MERGE worker: it warps every source scene of one
// (tile, period, band, date) onto the tile grid and composes them into a
// single ARD file.
func (s *Services) MergeWarped(ctx context.Context, a *cube.Activity) error {
	task := a.Merge
	if task == nil {
		return cube.NewInputError("merge", "activity has no merge payload")
	}
	job := &a.Job
	a.MarkStarted()

	// Idempotent shortcut: the output already exists and force is off.
	if !job.Force {
		if exists, err := s.Store.Exists(ctx, task.ARDFile); err != nil {
			return err
		} else if exists {
			if done, err := s.finishFromExisting(ctx, a); err == nil && done {
				return nil
			}
			// Unreadable target: drop it and rebuild.
			if err := s.Store.Delete(ctx, task.ARDFile); err != nil {
				return err
			}
		}
	}

	grid, err := raster.TargetGrid(job.CRS, a.Tile.XMin, a.Tile.YMax, a.Tile.DistX, a.Tile.DistY,
		job.ResX, job.ResY, a.Tile.Shape)
	if err != nil {
		return err
	}

	isQuality := task.Band == job.QualityBand
	nodata := int32(job.Nodata)
	dtype := raster.DTypeInt16
	if isQuality {
		nodata = int32(job.Mask.Nodata)
		dtype = raster.DTypeUint16
	}

	// Sentinel-2 and Landsat quality layers with a non-zero mask nodata
	// compose like ordinary bands; 0-as-nodata quality layers (CBERS fmask)
	// sum first-seen pixels through a running mask instead.
	satellite := strings.ToUpper(job.Satellite)
	directQualityWrite := (strings.Contains(satellite, "LANDSAT") || satellite == "SENTINEL-2") &&
		isQuality && job.Mask.Nodata != 0

	merge := raster.New(grid, dtype, nodata)
	var mergeMask *raster.Raster
	if isQuality && !directQualityWrite {
		// Running multiplier: 1 while a pixel is still unseen, 0 after.
		mergeMask = raster.New(grid, raster.DTypeUint16, 0)
		for i := range mergeMask.Pix {
			mergeMask.Pix[i] = 1
		}
		for i := range merge.Pix {
			merge.Pix[i] = 0
		}
	}

	resampling := raster.Bilinear
	if isQuality {
		resampling = raster.Nearest
	}

	for _, link := range task.Links {
		src, err := s.Sources.Open(ctx, link)
		if err != nil {
			return err
		}

		sourceNodata := sourceNodataFor(src, task, job, isQuality, nodata)

		var warped *raster.Raster
		if len(a.Tile.Shape) == 2 {
			// Explicit shape: the scene is consumed on its own grid and
			// must already match the requested shape.
			if src.Grid.Width != grid.Width || src.Grid.Height != grid.Height {
				return cube.NewDataError("merge",
					"scene shape does not match requested shape", nil)
			}
			warped = src
			warped.Grid.CRS = grid.CRS
		} else {
			warped, err = raster.Warp(src, grid, dtype, sourceNodata, nodata, resampling, nil)
			if err != nil {
				return err
			}
		}

		if !isQuality || directQualityWrite {
			// Later scenes win on valid pixels only.
			for i, v := range warped.Pix {
				if v != nodata {
					merge.Pix[i] = v
				}
			}
		} else {
			// First-seen valid pixels accumulate through the mask product;
			// untouched pixels stay 0.
			for i, v := range warped.Pix {
				merge.Pix[i] += v * mergeMask.Pix[i]
				if v != nodata {
					mergeMask.Pix[i] = 0
				}
			}
		}
	}

	if isQuality {
		classified, stats := raster.GetMask(merge, &job.Mask)
		a.Efficacy = stats.Efficacy
		a.CloudRatio = stats.CloudRatio
		maskNodata := int32(job.Mask.Nodata)
		if err := s.storeRaster(ctx, task.ARDFile, classified, &maskNodata, "ard"); err != nil {
			return err
		}
	} else {
		a.Efficacy = 0
		a.CloudRatio = 100
		if err := s.storeRaster(ctx, task.ARDFile, merge, &nodata, "ard"); err != nil {
			return err
		}
	}

	event := logging.Info().
		Str("band", task.Band).
		Str("date", task.Date).
		Str("tile", a.Tile.Name)
	if len(a.Tile.Shape) != 2 {
		event = event.Float64("new_res_x", grid.ResX()).Float64("new_res_y", grid.ResY())
	}
	event.Msg("merge written")

	a.MarkDone()
	return s.putActivity(ctx, a)
}

// finishFromExisting validates an already-present ARD file and completes
// the activity from it.
func (s *Services) finishFromExisting(ctx context.Context, a *cube.Activity) (bool, error) {
	r, err := s.loadRaster(ctx, a.Merge.ARDFile)
	if err != nil {
		return false, err
	}
	if a.Merge.Band == a.Job.QualityBand {
		stats := raster.QAStatistics(r, &a.Job.Mask)
		a.Efficacy = stats.Efficacy
		a.CloudRatio = stats.CloudRatio
	}
	a.MarkDone()
	if err := s.putActivity(ctx, a); err != nil {
		return false, err
	}
	logging.Debug().Str("key", a.Merge.ARDFile).Msg("merge output already present, skipping")
	return true, nil
}

// sourceNodataFor resolves the nodata of a source scene by priority: the
// scene's own declaration, the activity override, then the satellite-family
// default.
func sourceNodataFor(src *raster.Raster, task *cube.MergeTask, job *cube.Job, isQuality bool, nodata int32) int32 {
	if src.HasNodata {
		return src.Nodata
	}
	if task.SourceNodata != nil {
		return int32(*task.SourceNodata)
	}
	satellite := strings.ToUpper(job.Satellite)
	switch {
	case strings.Contains(satellite, "LANDSAT") && !isQuality:
		if src.DType == raster.DTypeInt16 {
			return nodata
		}
		return 0
	case strings.Contains(satellite, "CBERS") && !isQuality:
		return nodata
	default:
		return 0
	}
}
