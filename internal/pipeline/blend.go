// Cubebuilder - Earth Observation Data Cube Assembly
// Copyright 2026 The Cubebuilder Authors
// SPDX-License-Identifier: MIT
// https://github.com/earthdata-cube/cubebuilder

package pipeline

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/earthdata-cube/cubebuilder/internal/cube"
	"github.com/earthdata-cube/cubebuilder/internal/raster"
	"github.com/earthdata-cube/cubebuilder/internal/timeline"
)

// blendResolution is the constant resolution divisor of the efficacy
// ordering weight.
const blendResolution = 10

// NextBlend fans a completed merge set out into one blend activity per band
// plus one per internal band.
func (s *Services) NextBlend(ctx context.Context, mergeActivity *cube.Activity) error {
	job := mergeActivity.Job
	tile := mergeActivity.Tile
	blendKey := cube.BlendKey(&job, tile.Name, tile.Start, tile.End)
	total := len(job.Bands) + len(job.InternalBands)

	if err := s.Tracker.PutControl(blendKey, 0, total, time.Now().Format(cube.TimeLayout)); err != nil {
		return err
	}

	// The quality band's merge set carries the efficacy ordering every
	// other band reuses.
	qualityScenes, err := s.gatherMergedScenes(&job, &tile, job.QualityBand)
	if err != nil || len(qualityScenes) == 0 {
		a := cube.NewEnvelope(cube.ActionBlend, job, tile)
		a.Key = blendKey
		a.SK = cube.SKAllBands
		cause := fmt.Errorf("not all merges were found for this tile/period")
		if err != nil {
			cause = err
		}
		return s.failActivity(ctx, &a, "next_blend", cause)
	}

	for _, band := range append(append([]string{}, job.Bands...), job.InternalBands...) {
		internal := ""
		dataBand := band
		if containsBand(job.InternalBands, band) {
			internal = band
			dataBand = job.Bands[0]
		}

		scenes, err := s.gatherMergedScenes(&job, &tile, dataBand)
		if err != nil {
			a := cube.NewEnvelope(cube.ActionBlend, job, tile)
			a.Key = blendKey
			a.SK = cube.SKAllBands
			return s.failActivity(ctx, &a, "next_blend", err)
		}
		// Attach the quality layer of each date; the ordering statistics
		// always come from the quality merge, whatever band this pass
		// composites.
		for ref, scene := range scenes {
			quality, ok := qualityScenes[ref]
			if !ok {
				a := cube.NewEnvelope(cube.ActionBlend, job, tile)
				a.Key = blendKey
				a.SK = cube.SKAllBands
				return s.failActivity(ctx, &a, "next_blend",
					fmt.Errorf("quality merge missing for %s", ref))
			}
			scene.ARDFiles[job.QualityBand] = quality.ARDFiles[job.QualityBand]
			scene.Efficacy = quality.Efficacy
			scene.CloudRatio = quality.CloudRatio
			scenes[ref] = scene
		}

		a := cube.NewEnvelope(cube.ActionBlend, job, tile)
		a.Key = blendKey
		a.SK = band
		a.InstancesToBeDone = len(scenes)
		a.TotalInstancesToBeDone = total
		a.Blend = &cube.BlendTask{
			Band:         dataBand,
			InternalBand: internal,
			Scenes:       scenes,
			Outputs:      blendOutputs(&job, tile.Name, tile.Start, tile.End, dataBand, internal),
		}

		// Re-run detection: a DONE blend over the same merge count whose
		// outputs all still exist only needs its counter bump.
		if existing, ok, err := s.Tracker.GetActivity(blendKey, band); err != nil {
			return err
		} else if ok {
			if !job.Force &&
				existing.Status == cube.StatusDone &&
				existing.InstancesToBeDone == a.InstancesToBeDone {
				if all, err := s.allOutputsExist(ctx, a.Blend.Outputs); err != nil {
					return err
				} else if all {
					if err := s.NextStep(ctx, existing); err != nil {
						return err
					}
					continue
				}
			}
			if err := s.Tracker.RemoveActivity(blendKey, band); err != nil {
				return err
			}
		}

		if err := s.putActivity(ctx, &a); err != nil {
			return err
		}
		if err := s.Queue.PublishActivity(ctx, &a); err != nil {
			return err
		}
	}
	return nil
}

// gatherMergedScenes loads the DONE merge activities of one band across the
// period's dates.
func (s *Services) gatherMergedScenes(job *cube.Job, tile *cube.TileContext, band string) (map[string]cube.SceneRef, error) {
	scenes := map[string]cube.SceneRef{}
	for _, date := range tile.ListDates {
		key := cube.MergeActivityKey(job, tile.Name, date, band)
		items, err := s.Tracker.QueryActivities(key)
		if err != nil {
			return nil, err
		}
		if len(items) == 0 {
			return nil, fmt.Errorf("merge of band %s date %s missing", band, date)
		}
		for _, item := range items {
			if item.Status != cube.StatusDone {
				return nil, fmt.Errorf("merge of band %s date %s not DONE", band, date)
			}
			scenes[item.SK] = cube.SceneRef{
				Date:       item.Merge.Date,
				Dataset:    item.Merge.Dataset,
				Satellite:  job.Satellite,
				Efficacy:   item.Efficacy,
				CloudRatio: item.CloudRatio,
				ARDFiles:   map[string]string{band: item.Merge.ARDFile},
			}
		}
	}
	return scenes, nil
}

// blendOutputs computes the composite output keys of one band (or internal
// band). Quality bands only generate the STK composite; PROVENANCE is only
// emitted alongside STK.
func blendOutputs(job *cube.Job, tile, start, end, band, internal string) map[cube.CompositeFunction]string {
	outputs := map[cube.CompositeFunction]string{}
	name := band
	if internal != "" {
		name = internal
	}
	for _, fn := range job.Functions {
		if fn == cube.FuncIdentity {
			continue
		}
		if band == job.QualityBand && internal == "" && fn != cube.FuncStack {
			continue
		}
		if internal == cube.BandProvenance && fn != cube.FuncStack {
			continue
		}
		outputs[fn] = cube.CompositeOutputKey(job.DataCube, fn, job.Version, tile, start, end, name)
	}
	return outputs
}

func (s *Services) allOutputsExist(ctx context.Context, outputs map[cube.CompositeFunction]string) (bool, error) {
	for _, key := range outputs {
		exists, err := s.Store.Exists(ctx, key)
		if err != nil {
			return false, err
		}
		if !exists {
			return false, nil
		}
	}
	return true, nil
}

func containsBand(bands []string, b string) bool {
	for _, v := range bands {
		if v == b {
			return true
		}
	}
	return false
}

// orderedScene is one scene of a blend in processing order.
type orderedScene struct {
	ref    string
	weight float64
	scene  cube.SceneRef
}

// orderScenes sorts scenes by descending efficacy weight, ties broken by
// ascending date key. The explicit comparator is what makes STK and
// PROVENANCE reproducible.
func orderScenes(scenes map[string]cube.SceneRef) []orderedScene {
	out := make([]orderedScene, 0, len(scenes))
	for ref, scene := range scenes {
		out = append(out, orderedScene{
			ref:    ref,
			weight: 100 * scene.Efficacy / blendResolution,
			scene:  scene,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].weight != out[j].weight {
			return out[i].weight > out[j].weight
		}
		return out[i].ref < out[j].ref
	})
	return out
}

// Blend is the BLEND worker: it composites one band (or derives one
// internal band) across the dates of a period.
func (s *Services) Blend(ctx context.Context, a *cube.Activity) error {
	task := a.Blend
	if task == nil {
		return cube.NewInputError("blend", "activity has no blend payload")
	}
	job := &a.Job
	a.MarkStarted()

	band := task.Band
	isQuality := band == job.QualityBand
	nodata := int32(job.Nodata)
	if isQuality {
		nodata = int32(job.Mask.Nodata)
	}

	for ref, scene := range task.Scenes {
		if _, ok := scene.ARDFiles[band]; !ok {
			return cube.NewDataError("blend", fmt.Sprintf("ARD file of band %s missing for %s", band, ref), nil)
		}
	}

	ordered := orderScenes(task.Scenes)
	numScenes := len(ordered)
	if numScenes == 0 {
		return cube.NewDataError("blend", "no scenes to blend", nil)
	}

	// Open all inputs in efficacy order.
	bandList := make([]*raster.Raster, numScenes)
	maskList := make([]*raster.Raster, numScenes)
	days := make([]int32, numScenes)
	for i, o := range ordered {
		var err error
		if bandList[i], err = s.loadRaster(ctx, o.scene.ARDFiles[band]); err != nil {
			return cube.NewDataError("blend", fmt.Sprintf("open %s", o.scene.ARDFiles[band]), err)
		}
		if maskList[i], err = s.loadRaster(ctx, o.scene.ARDFiles[job.QualityBand]); err != nil {
			return cube.NewDataError("blend", fmt.Sprintf("open %s", o.scene.ARDFiles[job.QualityBand]), err)
		}
		date, err := timeline.ParseDate(o.scene.Date)
		if err != nil {
			return err
		}
		days[i] = int32(date.YearDay())
	}

	grid := bandList[0].Grid
	for i := 1; i < numScenes; i++ {
		if !bandList[i].Grid.Equal(&grid) {
			return cube.NewDataError("blend", "merge outputs are not tile-aligned", nil)
		}
	}

	classifiedMask := job.Mask.Classified()
	buildMedian := job.HasFunction(cube.FuncMedian) && task.InternalBand == ""
	buildClearOb := task.InternalBand == cube.BandClearOb
	buildTotalOb := task.InternalBand == cube.BandTotalOb
	buildProvenance := task.InternalBand == cube.BandProvenance

	dtype := bandList[0].DType
	stack := raster.New(grid, dtype, nodata)
	var median, clearOb, totalOb, provenance *raster.Raster
	if buildMedian {
		median = raster.New(grid, dtype, nodata)
	}
	if buildClearOb {
		clearOb = raster.New(grid, raster.DTypeUint8, 0)
		for i := range clearOb.Pix {
			clearOb.Pix[i] = 0
		}
	}
	if buildTotalOb {
		totalOb = raster.New(grid, raster.DTypeUint8, 0)
		for i := range totalOb.Pix {
			totalOb.Pix[i] = 0
		}
	}
	if buildProvenance {
		provenance = raster.New(grid, raster.DTypeInt16, -1)
	}

	for _, window := range grid.Blocks(256) {
		s.blendWindow(&blendWindowState{
			window:          window,
			nodata:          nodata,
			mask:            &classifiedMask,
			bandList:        bandList,
			maskList:        maskList,
			days:            days,
			stack:           stack,
			median:          median,
			clearOb:         clearOb,
			totalOb:         totalOb,
			provenance:      provenance,
			buildProvenance: buildProvenance,
			buildTotalOb:    buildTotalOb,
		})
	}

	if isQuality {
		stats := raster.QAStatistics(stack, &job.Mask)
		a.Efficacy = stats.Efficacy
		a.CloudRatio = stats.CloudRatio
	}

	if err := s.writeBlendOutputs(ctx, a, stack, median, clearOb, totalOb, provenance, nodata); err != nil {
		return err
	}

	a.MarkDone()
	return s.putActivity(ctx, a)
}

type blendWindowState struct {
	window     raster.Window
	nodata     int32
	mask       *cube.Mask
	bandList   []*raster.Raster
	maskList   []*raster.Raster
	days       []int32
	stack      *raster.Raster
	median     *raster.Raster
	clearOb    *raster.Raster
	totalOb    *raster.Raster
	provenance *raster.Raster

	buildProvenance bool
	buildTotalOb    bool
}

// blendWindow runs the per-window pass of §stack compositing: gap-fill with
// the best observation that has data, overwrite with the best clear
// observation, accumulate the internal-band counters, and take the masked
// median.
func (s *Services) blendWindow(st *blendWindowState) {
	w := st.window
	numScenes := len(st.bandList)
	pixels := w.Width * w.Height

	// Per-pixel stacks for the median; notDone marks pixels still waiting
	// for a clear observation.
	stackValues := make([][]int32, numScenes)
	stackValid := make([][]bool, numScenes)
	notDone := make([]bool, pixels)
	for i := range notDone {
		notDone[i] = true
	}

	for order := 0; order < numScenes; order++ {
		bandWin := st.bandList[order].ReadWindow(w)
		maskWin := st.maskList[order].ReadWindow(w)

		clear := raster.ReclassifyWindow(maskWin, bandWin, st.nodata, st.mask)

		stackValues[order] = bandWin
		stackValid[order] = clear

		if st.buildTotalOb {
			for i, v := range bandWin {
				if v != st.nodata {
					col := w.ColOff + i%w.Width
					row := w.RowOff + i/w.Width
					st.totalOb.Set(col, row, st.totalOb.At(col, row)+1)
				}
			}
		}

		for i := 0; i < pixels; i++ {
			col := w.ColOff + i%w.Width
			row := w.RowOff + i/w.Width

			// Gap-fill: the stack pixel is still nodata and this
			// observation has data (clear or not).
			if st.stack.At(col, row) == st.nodata && bandWin[i] != st.nodata {
				st.stack.Set(col, row, bandWin[i])
				if st.buildProvenance {
					st.provenance.Set(col, row, st.days[order])
				}
			}
			// Best-clear overwrite: first clear observation wins.
			if notDone[i] && clear[i] {
				st.stack.Set(col, row, bandWin[i])
				if st.buildProvenance {
					st.provenance.Set(col, row, st.days[order])
				}
				notDone[i] = false
			}
		}
	}

	if st.median != nil {
		values := make([]int32, 0, numScenes)
		for i := 0; i < pixels; i++ {
			col := w.ColOff + i%w.Width
			row := w.RowOff + i/w.Width
			if notDone[i] {
				st.median.Set(col, row, st.nodata)
				continue
			}
			values = values[:0]
			for order := 0; order < numScenes; order++ {
				if stackValid[order][i] {
					values = append(values, stackValues[order][i])
				}
			}
			st.median.Set(col, row, medianOf(values, st.nodata))
		}
	}

	if st.clearOb != nil {
		for i := 0; i < pixels; i++ {
			col := w.ColOff + i%w.Width
			row := w.RowOff + i/w.Width
			count := int32(0)
			for order := 0; order < numScenes; order++ {
				if stackValid[order][i] {
					count++
				}
			}
			st.clearOb.Set(col, row, count)
		}
	}
}

// medianOf returns the median of the clear observations, nodata when none.
func medianOf(values []int32, nodata int32) int32 {
	n := len(values)
	if n == 0 {
		return nodata
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
	if n%2 == 1 {
		return values[n/2]
	}
	// Even count: the mean of the middle pair, truncated toward zero like
	// an integer cast of the floating median.
	return int32((float64(values[n/2-1]) + float64(values[n/2])) / 2)
}

func (s *Services) writeBlendOutputs(ctx context.Context, a *cube.Activity,
	stack, median, clearOb, totalOb, provenance *raster.Raster, nodata int32) error {

	task := a.Blend

	if task.InternalBand == "" {
		if key, ok := task.Outputs[cube.FuncStack]; ok {
			if err := s.storeRaster(ctx, key, stack, &nodata, "composite"); err != nil {
				return err
			}
		}
		if key, ok := task.Outputs[cube.FuncMedian]; ok && median != nil {
			if err := s.storeRaster(ctx, key, median, &nodata, "composite"); err != nil {
				return err
			}
		}
		return nil
	}

	var out *raster.Raster
	var outNodata *int32
	switch task.InternalBand {
	case cube.BandClearOb:
		out = clearOb
	case cube.BandTotalOb:
		out = totalOb
	case cube.BandProvenance:
		out = provenance
		n := int32(-1)
		outNodata = &n
	default:
		return cube.NewInputError("blend", fmt.Sprintf("unknown internal band %q", task.InternalBand))
	}
	if out == nil {
		return cube.NewDataError("blend", fmt.Sprintf("internal band %s not built", task.InternalBand), nil)
	}
	for fn, key := range task.Outputs {
		if task.InternalBand == cube.BandProvenance && fn != cube.FuncStack {
			continue
		}
		if err := s.storeRaster(ctx, key, out, outNodata, "composite"); err != nil {
			return err
		}
	}
	return nil
}
