// Cubebuilder - Earth Observation Data Cube Assembly
// Copyright 2026 The Cubebuilder Authors
// SPDX-License-Identifier: MIT
// https://github.com/earthdata-cube/cubebuilder

package pipeline

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/earthdata-cube/cubebuilder/internal/catalog"
	"github.com/earthdata-cube/cubebuilder/internal/cube"
	"github.com/earthdata-cube/cubebuilder/internal/raster"
)

// NextPublish assembles the single publish activity of a (tile, period)
// from the blend activity set.
func (s *Services) NextPublish(ctx context.Context, prev *cube.Activity) error {
	job := prev.Job
	tile := prev.Tile
	blendKey := cube.BlendKey(&job, tile.Name, tile.Start, tile.End)
	publishKey := cube.PublishKey(&job, tile.Name, tile.Start, tile.End)

	blends, err := s.Tracker.QueryActivities(blendKey)
	if err != nil {
		return err
	}

	task := &cube.PublishTask{
		Scenes:  map[string]cube.PublishScene{},
		Blended: map[string]map[cube.CompositeFunction]string{},
	}
	for name := range job.Expressions {
		task.IndexNames = append(task.IndexNames, name)
	}
	sortInPlace(task.IndexNames)

	var exampleKey string
	for _, b := range blends {
		if b.Blend == nil || !containsBand(job.Bands, b.SK) {
			continue
		}
		band := b.SK

		for ref, scene := range b.Blend.Scenes {
			ps, ok := task.Scenes[ref]
			if !ok {
				ps = cube.PublishScene{
					Date:       scene.Date,
					CloudRatio: scene.CloudRatio,
					ARDFiles: map[string]string{
						job.QualityBand: scene.ARDFiles[job.QualityBand],
					},
				}
				// Per-date indexes are registered in the identity cube
				// unless restricted to the regular cube.
				if !job.IndexesOnlyRegularCube {
					for _, indexName := range task.IndexNames {
						ps.ARDFiles[indexName] = cube.ReplaceBandSuffix(scene.ARDFiles[job.QualityBand], indexName)
					}
				}
			}
			ps.ARDFiles[band] = scene.ARDFiles[band]
			task.Scenes[ref] = ps
		}

		task.Blended[band] = map[cube.CompositeFunction]string{}
		for fn, key := range b.Blend.Outputs {
			if fn == cube.FuncMedian && band == job.QualityBand {
				continue
			}
			task.Blended[band][fn] = key
			exampleKey = key
		}
	}

	if exampleKey == "" {
		a := cube.NewEnvelope(cube.ActionPublish, job, tile)
		a.Key = publishKey
		a.SK = cube.SKAllBands
		return s.failActivity(ctx, &a, "next_publish", fmt.Errorf("no blended outputs found"))
	}

	// Internal bands and indexes share the composite key layout of the
	// user bands.
	for _, internal := range job.InternalBands {
		task.Blended[internal] = map[cube.CompositeFunction]string{}
		for _, fn := range job.Functions {
			if fn == cube.FuncIdentity {
				continue
			}
			if fn == cube.FuncMedian && internal == cube.BandProvenance {
				continue
			}
			task.Blended[internal][fn] = cube.ReplaceBandSuffix(
				cube.CompositeOutputKey(job.DataCube, fn, job.Version, tile.Name, tile.Start, tile.End, "X"), internal)
		}
	}
	for _, indexName := range task.IndexNames {
		task.Blended[indexName] = map[cube.CompositeFunction]string{}
		for _, fn := range job.Functions {
			if fn == cube.FuncIdentity {
				continue
			}
			task.Blended[indexName][fn] = cube.ReplaceBandSuffix(
				cube.CompositeOutputKey(job.DataCube, fn, job.Version, tile.Name, tile.Start, tile.End, "X"), indexName)
		}
	}

	a := cube.NewEnvelope(cube.ActionPublish, job, tile)
	a.Key = publishKey
	a.SK = cube.SKAllBands
	a.CloudRatio = prev.CloudRatio
	a.InstancesToBeDone = len(job.Bands) - 1
	a.TotalInstancesToBeDone = 1
	a.Publish = task

	if err := s.Tracker.PutControl(publishKey, 0, 1, time.Now().Format(cube.TimeLayout)); err != nil {
		return err
	}

	if existing, ok, err := s.Tracker.GetActivity(publishKey, cube.SKAllBands); err != nil {
		return err
	} else if ok {
		if !job.Force && existing.Status == cube.StatusDone {
			return s.NextStep(ctx, existing)
		}
		if err := s.Tracker.RemoveActivity(publishKey, cube.SKAllBands); err != nil {
			return err
		}
	}

	if err := s.putActivity(ctx, &a); err != nil {
		return err
	}
	return s.Queue.PublishActivity(ctx, &a)
}

func sortInPlace(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// Publish is the PUBLISH worker: quicklooks plus catalog items for every
// composite function and every identity date, committed together in one
// transactional scope per (tile, period).
func (s *Services) Publish(ctx context.Context, a *cube.Activity) error {
	task := a.Publish
	if task == nil {
		return cube.NewInputError("publish", "activity has no publish payload")
	}
	job := &a.Job
	a.MarkStarted()

	version, err := cube.ParseVersion(job.Version)
	if err != nil {
		return err
	}

	var items []catalog.Item

	// Composite items, one per non-identity function.
	for _, fn := range job.Functions {
		if fn == cube.FuncIdentity {
			continue
		}
		item, err := s.publishComposite(ctx, a, fn, version)
		if err != nil {
			return err
		}
		items = append(items, *item)
	}

	// Identity items, one per date.
	for _, ref := range sortedPublishRefs(task.Scenes) {
		item, err := s.publishIdentity(ctx, a, task.Scenes[ref], version)
		if err != nil {
			return err
		}
		items = append(items, *item)
	}

	if err := s.Catalog.UpsertItems(ctx, items); err != nil {
		return cube.NewCatalogError("publish", "commit items", err)
	}

	a.MarkDone()
	return s.putActivity(ctx, a)
}

func sortedPublishRefs(scenes map[string]cube.PublishScene) []string {
	refs := make([]string, 0, len(scenes))
	for ref := range scenes {
		refs = append(refs, ref)
	}
	sortInPlace(refs)
	return refs
}

// publishComposite renders one function's quicklook and builds its item.
func (s *Services) publishComposite(ctx context.Context, a *cube.Activity, fn cube.CompositeFunction, version int) (*catalog.Item, error) {
	job := &a.Job
	task := a.Publish
	cubeName := cube.CubeRoot(job.DataCube) + "_" + string(fn)

	coll, err := s.Catalog.Collection(ctx, cubeName, version)
	if err != nil {
		return nil, cube.NewCatalogError("publish", fmt.Sprintf("cube %s version %d not found", cubeName, version), err)
	}

	itemName := cube.ItemID(cubeName, job.Version, a.Tile.Name, a.Tile.Start, a.Tile.End)

	// Quicklook over the function's composite outputs.
	var qlKeys []string
	for _, band := range job.QuicklookBands {
		key, ok := task.Blended[band][fn]
		if !ok {
			return nil, cube.NewDataError("publish", fmt.Sprintf("quicklook band %s has no %s output", band, fn), nil)
		}
		qlKeys = append(qlKeys, key)
	}
	qlDir := strings.Replace(a.Tile.Dirname, job.IrregularDataCube+"/", cubeName+"/", 1)
	qlKey := path.Join(qlDir, a.Tile.Start+"_"+a.Tile.End, itemName+".png")
	if err := s.writeQuicklook(ctx, qlKeys, qlKey); err != nil {
		return nil, err
	}

	item := &catalog.Item{
		Name:          itemName,
		CollectionID:  coll.ID,
		TileID:        a.Tile.TileID,
		StartDate:     a.Tile.Start,
		EndDate:       a.Tile.End,
		CloudCover:    a.CloudRatio,
		SRID:          catalog.SRIDGrid,
		ApplicationID: catalog.ApplicationID,
		Assets:        map[string]raster.Asset{},
	}
	thumb, _, _ := raster.AssetDefinition(path.Join(job.Bucket, qlKey), "image/png", []string{"thumbnail"}, nil)
	item.Assets["thumbnail"] = thumb

	names := append(append(append([]string{}, job.Bands...), job.InternalBands...), task.IndexNames...)
	for _, band := range names {
		key, ok := task.Blended[band][fn]
		if !ok {
			continue
		}
		r, err := s.loadRaster(ctx, key)
		if err != nil {
			return nil, cube.NewDataError("publish", fmt.Sprintf("open asset %s", key), err)
		}
		asset, geom, hull := raster.AssetDefinition(path.Join(job.Bucket, key), raster.COGMimeType, []string{"data"}, r)
		item.Assets[band] = asset
		item.Geom = geom
		item.MinConvexHull = hull
	}
	return item, nil
}

// publishIdentity renders one date's quicklook and builds its identity-cube
// item.
func (s *Services) publishIdentity(ctx context.Context, a *cube.Activity, scene cube.PublishScene, version int) (*catalog.Item, error) {
	job := &a.Job
	cubeName := job.IrregularDataCube

	coll, err := s.Catalog.Collection(ctx, cubeName, version)
	if err != nil {
		return nil, cube.NewCatalogError("publish", fmt.Sprintf("cube %s version %d not found", cubeName, version), err)
	}

	itemName := cube.IdentityItemID(cubeName, job.Version, a.Tile.Name, scene.Date)

	var qlKeys []string
	for _, band := range job.QuicklookBands {
		key, ok := scene.ARDFiles[band]
		if !ok {
			return nil, cube.NewDataError("publish", fmt.Sprintf("band %s missing from scene files", band), nil)
		}
		qlKeys = append(qlKeys, key)
	}
	qlKey := path.Join(a.Tile.Dirname, scene.Date, itemName+".png")
	if err := s.writeQuicklook(ctx, qlKeys, qlKey); err != nil {
		return nil, err
	}

	item := &catalog.Item{
		Name:          itemName,
		CollectionID:  coll.ID,
		TileID:        a.Tile.TileID,
		StartDate:     scene.Date,
		EndDate:       scene.Date,
		CloudCover:    scene.CloudRatio,
		SRID:          catalog.SRIDGrid,
		ApplicationID: catalog.ApplicationID,
		Assets:        map[string]raster.Asset{},
	}
	thumb, _, _ := raster.AssetDefinition(path.Join(job.Bucket, qlKey), "image/png", []string{"thumbnail"}, nil)
	item.Assets["thumbnail"] = thumb

	names := append([]string{}, job.Bands...)
	if !job.IndexesOnlyRegularCube {
		names = append(names, a.Publish.IndexNames...)
	}
	for _, band := range names {
		key, ok := scene.ARDFiles[band]
		if !ok {
			return nil, cube.NewDataError("publish", fmt.Sprintf("band %s missing from scene files", band), nil)
		}
		r, err := s.loadRaster(ctx, key)
		if err != nil {
			return nil, cube.NewDataError("publish", fmt.Sprintf("open asset %s", key), err)
		}
		asset, geom, hull := raster.AssetDefinition(path.Join(job.Bucket, key), raster.COGMimeType, []string{"data"}, r)
		item.Assets[band] = asset
		item.Geom = geom
		item.MinConvexHull = hull
	}
	return item, nil
}

// writeQuicklook renders and uploads the three-band RGB thumbnail with a
// public-read ACL.
func (s *Services) writeQuicklook(ctx context.Context, bandKeys []string, outKey string) error {
	rasters := make([]*raster.Raster, 3)
	for i, key := range bandKeys {
		r, err := s.loadRaster(ctx, key)
		if err != nil {
			return cube.NewDataError("publish", fmt.Sprintf("quicklook input %s", key), err)
		}
		rasters[i] = r
	}
	png, err := raster.Quicklook(rasters[0], rasters[1], rasters[2])
	if err != nil {
		return err
	}
	if err := s.Store.Put(ctx, outKey, png, "image/png", true); err != nil {
		return err
	}
	observeObjectWrite("quicklook", len(png))
	return nil
}
