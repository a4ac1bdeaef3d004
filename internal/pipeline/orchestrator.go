// Cubebuilder - Earth Observation Data Cube Assembly
// Copyright 2026 The Cubebuilder Authors
// SPDX-License-Identifier: MIT
// https://github.com/earthdata-cube/cubebuilder

package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/earthdata-cube/cubebuilder/internal/cube"
	"github.com/earthdata-cube/cubebuilder/internal/logging"
	"github.com/earthdata-cube/cubebuilder/internal/stac"
	"github.com/earthdata-cube/cubebuilder/internal/timeline"
)

// OrchestrateRequest triggers one cube build run.
type OrchestrateRequest struct {
	Descriptor *cube.Descriptor `json:"descriptor"`
	Tiles      []string         `json:"tiles"`
	Start      string           `json:"start_date"`
	End        string           `json:"end_date"`
	Schema     timeline.Schema  `json:"temporal_schema"`
	Shape      []int            `json:"shape,omitempty"`
	ItemPrefix string           `json:"item_prefix,omitempty"`
	Bucket     string           `json:"bucket"`
	Force      bool             `json:"force"`
	StacLimit  int              `json:"stac_limit,omitempty"`
}

// ItemSkeleton is one (tile, period) cell of the fan-out plan.
type ItemSkeleton struct {
	ID   string
	Tile cube.TileContext
}

// Items is the two-level (tile, period) plan the orchestrator produces.
// PrepareMerge only reads it.
type Items map[string]map[string]ItemSkeleton

// Orchestrate resolves tiles and the timeline, then builds the item
// skeletons. Duplicate ids (the same tile and period appearing twice) are
// suppressed.
func (s *Services) Orchestrate(ctx context.Context, req *OrchestrateRequest) (Items, error) {
	d := req.Descriptor
	if err := d.Validate(); err != nil {
		return nil, err
	}

	tiles, err := s.Catalog.ResolveTiles(ctx, d.GridRefSysID, req.Tiles)
	if err != nil {
		return nil, err
	}
	if len(tiles) == 0 {
		return nil, cube.NewInputError("orchestrate", fmt.Sprintf("no tiles of %v found in grid %d", req.Tiles, d.GridRefSysID))
	}

	start, err := timeline.ParseDate(req.Start)
	if err != nil {
		return nil, err
	}
	end, err := timeline.ParseDate(req.End)
	if err != nil {
		return nil, err
	}
	periods, err := timeline.Mount(req.Schema, start, end)
	if err != nil {
		return nil, err
	}

	version := d.FormattedVersion()
	irregular := cube.CubeRoot(d.Name) + "_IDT"
	dirBase := req.ItemPrefix

	items := Items{}
	seen := map[string]bool{}
	for _, period := range periods {
		for _, tile := range tiles {
			id := cube.ItemID(d.Name, version, tile.Name, period.StartDate(), period.EndDate())
			if seen[id] {
				continue
			}
			seen[id] = true

			if items[tile.Name] == nil {
				items[tile.Name] = map[string]ItemSkeleton{}
			}
			items[tile.Name][period.Key()] = ItemSkeleton{
				ID: id,
				Tile: cube.TileContext{
					TileID:  tile.ID,
					Name:    tile.Name,
					Geom:    tile.Geom,
					XMin:    tile.XMin,
					YMax:    tile.YMax,
					DistX:   tile.DistX,
					DistY:   tile.DistY,
					Start:   period.StartDate(),
					End:     period.EndDate(),
					Dirname: cube.Dirname(dirBase, irregular, version, tile.Name),
					Shape:   req.Shape,
				},
			}
		}
	}
	return items, nil
}

// PrepareMerge fans the plan out into merge activities. Returns the
// (tile, period) ids that were skipped because they are already published.
func (s *Services) PrepareMerge(ctx context.Context, req *OrchestrateRequest, items Items) ([]string, error) {
	d := req.Descriptor
	job := cube.JobFromDescriptor(d, req.Bucket, req.Force)

	var alreadyPublished []string
	for tileName, periods := range items {
		for periodKey, skel := range periods {
			skipped, err := s.prepareMergePeriod(ctx, req, &job, skel)
			if err != nil {
				return alreadyPublished, fmt.Errorf("prepare merge %s %s: %w", tileName, periodKey, err)
			}
			if skipped {
				alreadyPublished = append(alreadyPublished, skel.ID)
			}
		}
	}
	return alreadyPublished, nil
}

func (s *Services) prepareMergePeriod(ctx context.Context, req *OrchestrateRequest, job *cube.Job, skel ItemSkeleton) (bool, error) {
	tile := skel.Tile
	publishKey := cube.PublishKey(job, tile.Name, tile.Start, tile.End)

	if !job.Force {
		// Skip a period whose publish already completed.
		if existing, ok, err := s.Tracker.GetActivity(publishKey, cube.SKAllBands); err != nil {
			return false, err
		} else if ok && existing.Status == cube.StatusDone {
			return true, nil
		}
	} else {
		// Force rebuild: drop all four stage counters and the downstream
		// activity sets. Merge activities are keyed per (date, band) and
		// are overwritten during the emit below.
		for _, key := range cube.StageKeys(job, tile.Name, tile.Start, tile.End) {
			if err := s.Tracker.RemoveControl(key); err != nil {
				return false, err
			}
			if _, err := s.Tracker.RemoveActivitiesByKey(key); err != nil {
				return false, err
			}
		}
	}

	scenes, err := s.searchScenes(ctx, req, job, &tile)
	if err != nil {
		return false, err
	}

	instances := scenes.Instances()
	total := instances * len(job.Bands)
	controlKey := cube.MergeControlKey(job, tile.Name, tile.Start, tile.End)
	if err := s.Tracker.PutControl(controlKey, 0, total, time.Now().Format(cube.TimeLayout)); err != nil {
		return false, err
	}

	if instances == 0 {
		a := cube.NewEnvelope(cube.ActionMerge, *job, tile)
		a.Key = controlKey
		a.SK = cube.SKNoScenes
		a.Status = cube.StatusError
		a.MyStart = cube.NoDataStart
		a.MyEnd = cube.NoDataEnd
		a.Errors = &cube.StageError{Step: "prepare_merge", Message: "no scenes found for this tile/period"}
		if err := s.putActivity(ctx, &a); err != nil {
			return false, err
		}
		if err := s.Tracker.IncrementErrors(controlKey); err != nil {
			return false, err
		}
		logging.Warn().Str("tile", tile.Name).Str("period", tile.Start+"_"+tile.End).Msg("no scenes for period")
		return false, nil
	}

	tile.ListDates = scenes.Dates()

	for band, datasets := range scenes {
		for dataset, byDate := range datasets {
			for date, assets := range byDate {
				if err := s.emitMergeActivity(ctx, job, tile, band, dataset, date, assets); err != nil {
					return false, err
				}
			}
		}
	}
	return false, nil
}

func (s *Services) searchScenes(ctx context.Context, req *OrchestrateRequest, job *cube.Job, tile *cube.TileContext) (stac.Scenes, error) {
	bbox, err := bboxFromGeoJSON(tile.Geom)
	if err != nil {
		return nil, cube.NewInputError("prepare_merge", fmt.Sprintf("tile %s: %v", tile.Name, err))
	}
	return s.STAC.SearchScenes(ctx, stac.SearchRequest{
		BBox:        bbox,
		Start:       tile.Start,
		End:         tile.End,
		Collections: job.Datasets,
		Bands:       job.Bands,
		Limit:       req.StacLimit,
	})
}

func (s *Services) emitMergeActivity(ctx context.Context, job *cube.Job, tile cube.TileContext, band, dataset, date string, assets []stac.SceneAsset) error {
	a := cube.NewEnvelope(cube.ActionMerge, *job, tile)
	a.Key = cube.MergeActivityKey(job, tile.Name, date, band)
	a.SK = date

	task := &cube.MergeTask{
		Band:    band,
		Dataset: dataset,
		Date:    date,
		ARDFile: cube.MergeOutputKey(tile.Dirname, job.IrregularDataCube, job.Version, tile.Name, date, band),
	}
	for _, asset := range assets {
		task.Links = append(task.Links, asset.Link)
		if asset.SourceNodata != nil {
			task.SourceNodata = asset.SourceNodata
		}
	}
	a.Merge = task

	// Recovery path: a DONE activity whose output still exists only needs
	// its counter bump.
	if existing, ok, err := s.Tracker.GetActivity(a.Key, a.SK); err != nil {
		return err
	} else if ok {
		if !job.Force && existing.Status == cube.StatusDone {
			if exists, err := s.Store.Exists(ctx, task.ARDFile); err != nil {
				return err
			} else if exists {
				return s.NextStep(ctx, existing)
			}
		}
		if err := s.Tracker.RemoveActivity(a.Key, a.SK); err != nil {
			return err
		}
	}

	if err := s.putActivity(ctx, &a); err != nil {
		return err
	}
	return s.Queue.PublishActivity(ctx, &a)
}

// bboxFromGeoJSON computes the (xmin, ymin, xmax, ymax) envelope of a
// GeoJSON geometry.
func bboxFromGeoJSON(geom json.RawMessage) ([4]float64, error) {
	if len(geom) == 0 {
		return [4]float64{}, fmt.Errorf("tile has no geometry")
	}
	var g struct {
		Type        string          `json:"type"`
		Coordinates json.RawMessage `json:"coordinates"`
	}
	if err := json.Unmarshal(geom, &g); err != nil {
		return [4]float64{}, err
	}
	var coords any
	if err := json.Unmarshal(g.Coordinates, &coords); err != nil {
		return [4]float64{}, err
	}

	bbox := [4]float64{1e300, 1e300, -1e300, -1e300}
	found := false
	var walk func(v any)
	walk = func(v any) {
		list, ok := v.([]any)
		if !ok || len(list) == 0 {
			return
		}
		if x, okX := list[0].(float64); okX && len(list) >= 2 {
			if y, okY := list[1].(float64); okY {
				found = true
				if x < bbox[0] {
					bbox[0] = x
				}
				if y < bbox[1] {
					bbox[1] = y
				}
				if x > bbox[2] {
					bbox[2] = x
				}
				if y > bbox[3] {
					bbox[3] = y
				}
				return
			}
		}
		for _, item := range list {
			walk(item)
		}
	}
	walk(coords)
	if !found {
		return [4]float64{}, fmt.Errorf("geometry has no coordinates")
	}
	return bbox, nil
}
