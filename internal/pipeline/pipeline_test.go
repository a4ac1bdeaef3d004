// Cubebuilder - Earth Observation Data Cube Assembly
// Copyright 2026 The Cubebuilder Authors
// SPDX-License-Identifier: MIT
// https://github.com/earthdata-cube/cubebuilder

package pipeline

import (
	"context"
	"fmt"
	"testing"

	"github.com/earthdata-cube/cubebuilder/internal/broker"
	"github.com/earthdata-cube/cubebuilder/internal/catalog"
	"github.com/earthdata-cube/cubebuilder/internal/cube"
	"github.com/earthdata-cube/cubebuilder/internal/raster"
	"github.com/earthdata-cube/cubebuilder/internal/stac"
	"github.com/earthdata-cube/cubebuilder/internal/storage"
	"github.com/earthdata-cube/cubebuilder/internal/timeline"
	"github.com/earthdata-cube/cubebuilder/internal/tracker"
)

// fakeCatalog implements the Catalog interface in memory.
type fakeCatalog struct {
	tiles       []cube.Tile
	collections map[string]*catalog.Collection
	items       map[string]catalog.Item
	commits     int
}

func (f *fakeCatalog) Collection(_ context.Context, name string, version int) (*catalog.Collection, error) {
	c, ok := f.collections[fmt.Sprintf("%s:%d", name, version)]
	if !ok {
		return nil, fmt.Errorf("%w: collection %s version %d", catalog.ErrNotFound, name, version)
	}
	return c, nil
}

func (f *fakeCatalog) ResolveTiles(_ context.Context, _ int64, names []string) ([]cube.Tile, error) {
	var out []cube.Tile
	for _, t := range f.tiles {
		for _, n := range names {
			if t.Name == n {
				out = append(out, t)
			}
		}
	}
	return out, nil
}

func (f *fakeCatalog) Bands(_ context.Context, _ int64) ([]catalog.Band, error) {
	return nil, nil
}

func (f *fakeCatalog) UpsertItems(_ context.Context, items []catalog.Item) error {
	if f.items == nil {
		f.items = map[string]catalog.Item{}
	}
	for _, item := range items {
		f.items[item.Name] = item
	}
	f.commits++
	return nil
}

// fakeOpener serves canned scene rasters by link.
type fakeOpener struct {
	scenes map[string]*raster.Raster
}

func (f *fakeOpener) Open(_ context.Context, link string) (*raster.Raster, error) {
	r, ok := f.scenes[link]
	if !ok {
		return nil, cube.NewDataError("merge", "unknown scene "+link, nil)
	}
	return r.Clone(false), nil
}

type harness struct {
	svc    *Services
	store  *storage.MemoryStore
	queue  *broker.MemoryBroker
	track  *tracker.Store
	stacC  *stac.Static
	cat    *fakeCatalog
	opener *fakeOpener
	req    *OrchestrateRequest
}

const (
	testCRS  = "EPSG:32722"
	testTile = "089098"
)

func testGrid() raster.Grid {
	return raster.NewGrid(testCRS, 0, 40, 10, 10, 4, 4)
}

// sceneSet builds the three-date scenario: two fully clear dates, one fully
// cloudy.
func sceneSet() (*fakeOpener, stac.Scenes) {
	opener := &fakeOpener{scenes: map[string]*raster.Raster{}}
	scenes := stac.Scenes{}

	dates := []string{"2024-01-01", "2024-01-05", "2024-01-09"}
	b04 := []int32{100, 200, 300}
	b08 := []int32{300, 400, 500}
	scl := []int32{4, 4, 9} // clear, clear, cloud

	grid := testGrid()
	for i, date := range dates {
		for band, value := range map[string]int32{"B04": b04[i], "B08": b08[i]} {
			r := raster.New(grid, raster.DTypeInt16, -9999)
			for p := range r.Pix {
				r.Pix[p] = value
			}
			link := fmt.Sprintf("mem://%s_%s", band, date)
			opener.scenes[link] = r
			addScene(scenes, band, date, link)
		}
		q := raster.New(grid, raster.DTypeUint8, 0)
		for p := range q.Pix {
			q.Pix[p] = scl[i]
		}
		link := fmt.Sprintf("mem://SCL_%s", date)
		opener.scenes[link] = q
		addScene(scenes, "SCL", date, link)
	}
	return opener, scenes
}

func addScene(scenes stac.Scenes, band, date, link string) {
	if scenes[band] == nil {
		scenes[band] = map[string]map[string][]stac.SceneAsset{}
	}
	if scenes[band]["S2_L2A"] == nil {
		scenes[band]["S2_L2A"] = map[string][]stac.SceneAsset{}
	}
	scenes[band]["S2_L2A"][date] = append(scenes[band]["S2_L2A"][date], stac.SceneAsset{Link: link})
}

func newHarness(t *testing.T, scenes stac.Scenes, opener *fakeOpener) *harness {
	t.Helper()

	track, err := tracker.OpenInMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { track.Close() })

	queue := broker.NewMemoryBroker()
	t.Cleanup(func() { queue.Close() })

	cat := &fakeCatalog{
		tiles: []cube.Tile{{
			ID:   77,
			Name: testTile,
			Geom: []byte(`{"type":"Polygon","coordinates":[[[-54.0,-12.0],[-53.0,-12.0],[-53.0,-11.0],[-54.0,-11.0],[-54.0,-12.0]]]}`),
			XMin: 0, YMax: 40, DistX: 40, DistY: 40,
		}},
		collections: map[string]*catalog.Collection{
			"S2-16D_1_STK:1": {ID: 1, Name: "S2-16D_1_STK", Version: 1},
			"S2-16D_1_MED:1": {ID: 2, Name: "S2-16D_1_MED", Version: 1},
			"S2-16D_1_IDT:1": {ID: 3, Name: "S2-16D_1_IDT", Version: 1},
		},
	}

	store := storage.NewMemoryStore()
	stacC := &stac.Static{Result: scenes}

	svc := &Services{
		Store:   store,
		Queue:   queue,
		Tracker: track,
		STAC:    stacC,
		Catalog: cat,
		Sources: opener,
	}

	req := &OrchestrateRequest{
		Descriptor: &cube.Descriptor{
			Name:           "S2-16D_1_STK",
			Version:        1,
			GridRefSysID:   4,
			Satellite:      "SENTINEL-2",
			Datasets:       []string{"S2_L2A"},
			Bands:          []string{"B04", "B08", "SCL"},
			BandIDs:        map[string]string{"4": "B04", "8": "B08"},
			QualityBand:    "SCL",
			QuicklookBands: []string{"B04", "B08", "B04"},
			Nodata:         -9999,
			CRS:            testCRS,
			ResX:           10,
			ResY:           10,
			Functions:      []cube.CompositeFunction{cube.FuncIdentity, cube.FuncStack, cube.FuncMedian},
			Mask: cube.Mask{
				Nodata:        0,
				ClearData:     []int64{4, 5, 6},
				NotClearData:  []int64{2, 3, 8, 9, 10},
				SaturatedData: []int64{1, 11},
			},
			Expressions: map[string]cube.BandExpression{
				"NDVI": {Expression: "(B08 - B04) / (B08 + B04)", BandIDs: []int64{4, 8}},
			},
		},
		Tiles:      []string{testTile},
		Start:      "2024-01-01",
		End:        "2024-01-16",
		Schema:     timeline.Schema{Step: 16, Unit: timeline.UnitDay},
		ItemPrefix: "composites",
		Bucket:     "cubes",
	}

	return &harness{svc: svc, store: store, queue: queue, track: track, stacC: stacC, cat: cat, opener: opener, req: req}
}

// drain dispatches every queued activity until the pipeline settles.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	offsets := map[string]int{}
	for {
		progressed := false
		for _, topic := range []string{broker.TopicMerge, broker.TopicBlend, broker.TopicPosblend, broker.TopicPublish} {
			acts := h.queue.Published(topic)
			for _, a := range acts[offsets[topic]:] {
				offsets[topic]++
				progressed = true
				if err := h.svc.Dispatch(ctx, a); err != nil {
					t.Fatalf("dispatch %s/%s: %v", a.Key, a.SK, err)
				}
			}
		}
		if !progressed {
			return
		}
	}
}

func (h *harness) run(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	items, err := h.svc.Orchestrate(ctx, h.req)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.svc.PrepareMerge(ctx, h.req, items); err != nil {
		t.Fatal(err)
	}
	h.drain(t)
}

func (h *harness) readRaster(t *testing.T, key string) *raster.Raster {
	t.Helper()
	data, err := h.store.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("read %s: %v", key, err)
	}
	r, err := raster.ReadGeoTIFF(data)
	if err != nil {
		t.Fatalf("parse %s: %v", key, err)
	}
	return r
}

func compositeKey(fn cube.CompositeFunction, band string) string {
	return cube.CompositeOutputKey("S2-16D_1_STK", fn, "001", testTile, "2024-01-01", "2024-01-16", band)
}

func TestPipelineEndToEnd(t *testing.T) {
	opener, scenes := sceneSet()
	h := newHarness(t, scenes, opener)
	h.run(t)

	// STK best pixel: the earliest of the two equally clear dates wins.
	stk := h.readRaster(t, compositeKey(cube.FuncStack, "B04"))
	for i, v := range stk.Pix {
		if v != 100 {
			t.Fatalf("STK B04 pixel %d = %d, want 100", i, v)
		}
	}

	// MED: median of the two clear observations.
	med := h.readRaster(t, compositeKey(cube.FuncMedian, "B04"))
	for i, v := range med.Pix {
		if v != 150 {
			t.Fatalf("MED B04 pixel %d = %d, want 150", i, v)
		}
	}

	// CLEAROB = 2 clear observations; TOTALOB = 3 valid observations.
	clearOb := h.readRaster(t, compositeKey(cube.FuncStack, "CLEAROB"))
	for i, v := range clearOb.Pix {
		if v != 2 {
			t.Fatalf("CLEAROB pixel %d = %d, want 2", i, v)
		}
	}
	totalOb := h.readRaster(t, compositeKey(cube.FuncStack, "TOTALOB"))
	for i, v := range totalOb.Pix {
		if v != 3 {
			t.Fatalf("TOTALOB pixel %d = %d, want 3", i, v)
		}
	}

	// PROVENANCE = day-of-year of the chosen scene (Jan 1).
	prov := h.readRaster(t, compositeKey(cube.FuncStack, "PROVENANCE"))
	for i, v := range prov.Pix {
		if v != 1 {
			t.Fatalf("PROVENANCE pixel %d = %d, want 1", i, v)
		}
	}

	// Quality composite uses the mask nodata and the classified vocabulary.
	scl := h.readRaster(t, compositeKey(cube.FuncStack, "SCL"))
	if scl.DType != raster.DTypeUint8 || scl.Nodata != 0 {
		t.Errorf("SCL composite dtype/nodata = %s/%d", scl.DType, scl.Nodata)
	}
	for i, v := range scl.Pix {
		if v != 1 {
			t.Fatalf("SCL STK pixel %d = %d, want clear (1)", i, v)
		}
	}

	// NDVI over the STK composite: (300-100)/(300+100) scaled.
	ndvi := h.readRaster(t, compositeKey(cube.FuncStack, "NDVI"))
	for i, v := range ndvi.Pix {
		if v != 5000 {
			t.Fatalf("NDVI pixel %d = %d, want 5000", i, v)
		}
	}

	// Per-date NDVI exists for every date.
	perDate := cube.MergeOutputKey("composites/S2-16D_1_IDT/001/089098/", "S2-16D_1_IDT", "001", testTile, "2024-01-05", "NDVI")
	if ok, _ := h.store.Exists(context.Background(), perDate); !ok {
		t.Errorf("per-date NDVI missing: %s", perDate)
	}

	// Tile alignment: every composite shares one grid.
	grids := []raster.Grid{stk.Grid, med.Grid, clearOb.Grid, totalOb.Grid, prov.Grid, scl.Grid, ndvi.Grid}
	for i := 1; i < len(grids); i++ {
		if !grids[i].Equal(&grids[0]) {
			t.Errorf("output %d grid differs: %+v vs %+v", i, grids[i], grids[0])
		}
	}

	// Catalog: 2 composite items + 3 identity items in one run.
	if len(h.cat.items) != 5 {
		names := make([]string, 0, len(h.cat.items))
		for n := range h.cat.items {
			names = append(names, n)
		}
		t.Fatalf("catalog items = %d (%v), want 5", len(h.cat.items), names)
	}
	stkItem := h.cat.items["S2-16D_1_STK_001_089098_2024-01-01_2024-01-16"]
	if stkItem.Assets["thumbnail"].Href == "" {
		t.Error("composite item missing thumbnail")
	}
	if _, ok := stkItem.Assets["CLEAROB"]; !ok {
		t.Error("composite item missing CLEAROB asset")
	}
	if _, ok := stkItem.Assets["NDVI"]; !ok {
		t.Error("composite item missing NDVI asset")
	}

	// Quicklooks are public PNGs.
	foundQL := false
	for _, key := range h.store.Keys() {
		if h.store.ContentType(key) == "image/png" {
			foundQL = true
			if !h.store.IsPublic(key) {
				t.Errorf("quicklook %s not public", key)
			}
		}
	}
	if !foundQL {
		t.Error("no quicklooks written")
	}
}

func TestPipelineIdempotentRerun(t *testing.T) {
	opener, scenes := sceneSet()
	h := newHarness(t, scenes, opener)
	h.run(t)

	writes := h.store.PutCount()
	h.queue.Reset()
	items, err := h.svc.Orchestrate(context.Background(), h.req)
	if err != nil {
		t.Fatal(err)
	}
	skipped, err := h.svc.PrepareMerge(context.Background(), h.req, items)
	if err != nil {
		t.Fatal(err)
	}
	h.drain(t)

	if len(skipped) != 1 {
		t.Errorf("rerun skipped %d periods, want 1", len(skipped))
	}
	if h.store.PutCount() != writes {
		t.Errorf("rerun wrote %d extra objects", h.store.PutCount()-writes)
	}
}

func TestPipelineForceRebuildsByteIdentical(t *testing.T) {
	opener, scenes := sceneSet()
	h := newHarness(t, scenes, opener)
	h.run(t)

	key := compositeKey(cube.FuncStack, "B04")
	before, err := h.store.Get(context.Background(), key)
	if err != nil {
		t.Fatal(err)
	}

	h.req.Force = true
	h.queue.Reset()
	items, err := h.svc.Orchestrate(context.Background(), h.req)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.svc.PrepareMerge(context.Background(), h.req, items); err != nil {
		t.Fatal(err)
	}
	h.drain(t)

	after, err := h.store.Get(context.Background(), key)
	if err != nil {
		t.Fatal(err)
	}
	if string(before) != string(after) {
		t.Error("force rerun produced different STK bytes")
	}
}

func TestPrepareMergeNoScenes(t *testing.T) {
	h := newHarness(t, stac.Scenes{}, &fakeOpener{})
	ctx := context.Background()

	items, err := h.svc.Orchestrate(ctx, h.req)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.svc.PrepareMerge(ctx, h.req, items); err != nil {
		t.Fatal(err)
	}

	job := cube.JobFromDescriptor(h.req.Descriptor, h.req.Bucket, false)
	controlKey := cube.MergeControlKey(&job, testTile, "2024-01-01", "2024-01-16")

	a, ok, err := h.track.GetActivity(controlKey, cube.SKNoScenes)
	if err != nil || !ok {
		t.Fatalf("NOSCENES activity missing: %v ok=%v", err, ok)
	}
	if a.Status != cube.StatusError || a.MyStart != cube.NoDataStart {
		t.Errorf("NOSCENES activity = %+v", a)
	}

	entry, _, _ := h.track.GetControl(controlKey)
	if entry.MyCount != 0 || entry.Errors != 1 {
		t.Errorf("control entry = %+v", entry)
	}

	// Nothing was enqueued: the pipeline does not advance.
	if n := len(h.queue.Published(broker.TopicMerge)); n != 0 {
		t.Errorf("%d merge activities enqueued for an empty period", n)
	}
}

func TestOrderScenesDeterminism(t *testing.T) {
	scenes := map[string]cube.SceneRef{
		"2024-01-05": {Date: "2024-01-05", Efficacy: 80},
		"2024-01-01": {Date: "2024-01-01", Efficacy: 80},
		"2024-01-09": {Date: "2024-01-09", Efficacy: 95},
	}
	for run := 0; run < 10; run++ {
		ordered := orderScenes(scenes)
		if ordered[0].ref != "2024-01-09" || ordered[1].ref != "2024-01-01" || ordered[2].ref != "2024-01-05" {
			t.Fatalf("order = %v", []string{ordered[0].ref, ordered[1].ref, ordered[2].ref})
		}
	}
}

func TestBlendOutputsQualityAndProvenanceRules(t *testing.T) {
	job := cube.JobFromDescriptor(&cube.Descriptor{
		Name: "C_1_STK", Version: 1, GridRefSysID: 1,
		Satellite: "SENTINEL-2", Datasets: []string{"d"},
		Bands: []string{"B04", "SCL"}, QualityBand: "SCL",
		QuicklookBands: []string{"B04", "B04", "B04"},
		CRS:            testCRS, ResX: 10, ResY: 10,
		Functions: []cube.CompositeFunction{cube.FuncIdentity, cube.FuncStack, cube.FuncMedian},
		Mask:      cube.Mask{ClearData: []int64{4}, NotClearData: []int64{9}},
	}, "b", false)

	quality := blendOutputs(&job, "t", "s", "e", "SCL", "")
	if len(quality) != 1 {
		t.Errorf("quality outputs = %v, want STK only", quality)
	}
	prov := blendOutputs(&job, "t", "s", "e", "B04", cube.BandProvenance)
	if len(prov) != 1 {
		t.Errorf("provenance outputs = %v, want STK only", prov)
	}
	band := blendOutputs(&job, "t", "s", "e", "B04", "")
	if len(band) != 2 {
		t.Errorf("band outputs = %v, want STK and MED", band)
	}
}

func TestBBoxFromGeoJSON(t *testing.T) {
	geom := []byte(`{"type":"Polygon","coordinates":[[[-54.0,-12.0],[-53.0,-12.0],[-53.0,-11.0],[-54.0,-11.0],[-54.0,-12.0]]]}`)
	bbox, err := bboxFromGeoJSON(geom)
	if err != nil {
		t.Fatal(err)
	}
	want := [4]float64{-54, -12, -53, -11}
	if bbox != want {
		t.Errorf("bbox = %v, want %v", bbox, want)
	}

	if _, err := bboxFromGeoJSON(nil); err == nil {
		t.Error("expected error for empty geometry")
	}
}
