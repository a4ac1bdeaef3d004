// Cubebuilder - Earth Observation Data Cube Assembly
// Copyright 2026 The Cubebuilder Authors
// SPDX-License-Identifier: MIT
// https://github.com/earthdata-cube/cubebuilder

package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/earthdata-cube/cubebuilder/internal/cube"
	"github.com/earthdata-cube/cubebuilder/internal/raster"
)

// NextPosblend fans a completed blend out into index-evaluation activities:
// one per index over the composites, plus one per (index, date) over the
// per-date ARD files unless the cube restricts indexes to the regular cube.
func (s *Services) NextPosblend(ctx context.Context, blendActivity *cube.Activity) error {
	job := blendActivity.Job
	tile := blendActivity.Tile
	blendKey := cube.BlendKey(&job, tile.Name, tile.Start, tile.End)
	posblendKey := cube.PosblendKey(&job, tile.Name, tile.Start, tile.End)

	// The per-date scene set comes from any band's blend activity.
	refBand := job.Bands[0]
	refBlend, ok, err := s.Tracker.GetActivity(blendKey, refBand)
	if err != nil {
		return err
	}
	if !ok || refBlend.Blend == nil {
		a := cube.NewEnvelope(cube.ActionPosblend, job, tile)
		a.Key = posblendKey
		a.SK = cube.SKAllBands
		return s.failActivity(ctx, &a, "next_posblend", fmt.Errorf("blend activity of band %s missing", refBand))
	}
	scenes := refBlend.Blend.Scenes

	perDateCount := len(scenes) + 1
	if job.IndexesOnlyRegularCube {
		perDateCount = 1
	}
	total := len(job.Expressions) * perDateCount
	if err := s.Tracker.PutControl(posblendKey, 0, total, time.Now().Format(cube.TimeLayout)); err != nil {
		return err
	}

	for indexName, expr := range job.Expressions {
		bandNames, err := resolveExpressionBands(&job, expr)
		if err != nil {
			a := cube.NewEnvelope(cube.ActionPosblend, job, tile)
			a.Key = posblendKey
			a.SK = indexName
			return s.failActivity(ctx, &a, "next_posblend", err)
		}

		// Composite target: inputs are the blend outputs per function.
		composite := map[cube.CompositeFunction]map[string]string{}
		for _, fn := range job.Functions {
			if fn == cube.FuncIdentity {
				continue
			}
			inputs := map[string]string{}
			for _, band := range bandNames {
				bandBlend, ok, err := s.Tracker.GetActivity(blendKey, band)
				if err != nil {
					return err
				}
				if !ok || bandBlend.Blend == nil {
					fa := cube.NewEnvelope(cube.ActionPosblend, job, tile)
					fa.Key = posblendKey
					fa.SK = indexName
					return s.failActivity(ctx, &fa, "next_posblend",
						fmt.Errorf("blend activity of band %s missing", band))
				}
				key, ok := bandBlend.Blend.Outputs[fn]
				if !ok {
					continue
				}
				inputs[band] = key
			}
			if len(inputs) == len(bandNames) {
				composite[fn] = inputs
			}
		}

		if err := s.emitPosblend(ctx, &job, tile, posblendKey, indexName, &cube.PosblendTask{
			IndexName: indexName,
			Composite: composite,
		}); err != nil {
			return err
		}

		if job.IndexesOnlyRegularCube {
			continue
		}
		for _, ref := range sortedSceneRefs(scenes) {
			scene := scenes[ref]
			perDate := map[string]string{}
			for _, band := range bandNames {
				perDate[band] = cube.MergeOutputKey(tile.Dirname, job.IrregularDataCube, job.Version,
					tile.Name, scene.Date, band)
			}
			sk := indexName + "IDT" + scene.Date
			if err := s.emitPosblend(ctx, &job, tile, posblendKey, sk, &cube.PosblendTask{
				IndexName: indexName,
				Date:      scene.Date,
				PerDate:   perDate,
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Services) emitPosblend(ctx context.Context, job *cube.Job, tile cube.TileContext,
	posblendKey, sk string, task *cube.PosblendTask) error {

	a := cube.NewEnvelope(cube.ActionPosblend, *job, tile)
	a.Key = posblendKey
	a.SK = sk
	a.Posblend = task

	if existing, ok, err := s.Tracker.GetActivity(posblendKey, sk); err != nil {
		return err
	} else if ok {
		if !job.Force && existing.Status == cube.StatusDone {
			return s.NextStep(ctx, existing)
		}
		if err := s.Tracker.RemoveActivity(posblendKey, sk); err != nil {
			return err
		}
	}

	if err := s.putActivity(ctx, &a); err != nil {
		return err
	}
	return s.Queue.PublishActivity(ctx, &a)
}

// resolveExpressionBands maps an expression's band ids onto band names, in
// declaration order so output paths stay deterministic.
func resolveExpressionBands(job *cube.Job, expr cube.BandExpression) ([]string, error) {
	names := make([]string, 0, len(expr.BandIDs))
	for _, id := range expr.BandIDs {
		name, ok := job.BandIDs[fmt.Sprint(id)]
		if !ok {
			return nil, cube.NewInputError("posblend", fmt.Sprintf("unknown band id %d", id))
		}
		names = append(names, name)
	}
	return names, nil
}

func sortedSceneRefs(scenes map[string]cube.SceneRef) []string {
	refs := make([]string, 0, len(scenes))
	for ref := range scenes {
		refs = append(refs, ref)
	}
	for i := 1; i < len(refs); i++ {
		for j := i; j > 0 && refs[j-1] > refs[j]; j-- {
			refs[j-1], refs[j] = refs[j], refs[j-1]
		}
	}
	return refs
}

// Posblend is the POSBLEND worker: it evaluates one spectral index, either
// over the period composites or over one date's ARD files.
func (s *Services) Posblend(ctx context.Context, a *cube.Activity) error {
	task := a.Posblend
	if task == nil {
		return cube.NewInputError("posblend", "activity has no posblend payload")
	}
	job := &a.Job
	a.MarkStarted()

	exprSpec, ok := job.Expressions[task.IndexName]
	if !ok {
		return cube.NewInputError("posblend", fmt.Sprintf("unknown index %q", task.IndexName))
	}
	expr, err := raster.Compile(exprSpec.Expression)
	if err != nil {
		return err
	}
	bandNames, err := resolveExpressionBands(job, exprSpec)
	if err != nil {
		return err
	}

	if task.Date != "" {
		if err := s.evaluateIndex(ctx, job, expr, task.IndexName, bandNames, task.PerDate); err != nil {
			return err
		}
	} else {
		for _, fn := range job.Functions {
			if fn == cube.FuncIdentity {
				continue
			}
			inputs, ok := task.Composite[fn]
			if !ok {
				continue
			}
			if err := s.evaluateIndex(ctx, job, expr, task.IndexName, bandNames, inputs); err != nil {
				return err
			}
		}
	}

	a.MarkDone()
	return s.putActivity(ctx, a)
}

// evaluateIndex computes one index raster. The output key substitutes the
// first input band's suffix with the index name; the write is skipped when
// the target exists and force is off.
func (s *Services) evaluateIndex(ctx context.Context, job *cube.Job, expr *raster.Expr,
	indexName string, bandNames []string, inputs map[string]string) error {

	if len(inputs) == 0 {
		return cube.NewInputError("posblend", fmt.Sprintf("no inputs for index %s", indexName))
	}
	firstKey, ok := inputs[bandNames[0]]
	if !ok {
		return cube.NewInputError("posblend", fmt.Sprintf("input of band %s missing for index %s", bandNames[0], indexName))
	}
	outKey := cube.ReplaceBandSuffix(firstKey, indexName)

	if !job.Force {
		if exists, err := s.Store.Exists(ctx, outKey); err != nil {
			return err
		} else if exists {
			return nil
		}
	}

	rasters := map[string]*raster.Raster{}
	for band, key := range inputs {
		r, err := s.loadRaster(ctx, key)
		if err != nil {
			return cube.NewDataError("posblend", fmt.Sprintf("open %s", key), err)
		}
		rasters[band] = r
	}

	out, err := raster.CreateIndex(expr, rasters, int32(job.Nodata))
	if err != nil {
		return err
	}
	nodata := int32(job.Nodata)
	return s.storeRaster(ctx, outKey, out, &nodata, "index")
}
