// Cubebuilder - Earth Observation Data Cube Assembly
// Copyright 2026 The Cubebuilder Authors
// SPDX-License-Identifier: MIT
// https://github.com/earthdata-cube/cubebuilder

package raster

import (
	"testing"

	"github.com/earthdata-cube/cubebuilder/internal/cube"
)

func TestTargetGridFromResolution(t *testing.T) {
	// A 105.5m box at 10m resolution rounds to 11 pixels of 9.5909...m.
	g, err := TargetGrid("EPSG:32722", 500000, 8000000, 105.5, 105.5, 10, 10, nil)
	if err != nil {
		t.Fatal(err)
	}
	if g.Width != 11 || g.Height != 11 {
		t.Errorf("grid size = %dx%d, want 11x11", g.Width, g.Height)
	}
	wantRes := 105.5 / 11
	if diff := g.ResX() - wantRes; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("resx = %v, want %v", g.ResX(), wantRes)
	}
	xmin, _, xmax, _ := g.Bounds()
	if xmax-xmin != 105.5 {
		t.Errorf("grid does not cover the box exactly: %v", xmax-xmin)
	}
}

func TestTargetGridFromShape(t *testing.T) {
	g, err := TargetGrid("EPSG:32722", 0, 1000, 1000, 1000, 0, 0, []int{50, 25})
	if err != nil {
		t.Fatal(err)
	}
	if g.Width != 50 || g.Height != 25 {
		t.Errorf("grid size = %dx%d", g.Width, g.Height)
	}
	if g.ResX() != 20 || g.ResY() != 40 {
		t.Errorf("res = %vx%v", g.ResX(), g.ResY())
	}
}

func TestTargetGridRejectsDegenerateBox(t *testing.T) {
	if _, err := TargetGrid("EPSG:4326", 0, 0, 0, 10, 1, 1, nil); err == nil {
		t.Error("expected error for zero-width box")
	}
	if _, err := TargetGrid("EPSG:4326", 0, 0, 10, 10, 0, 0, nil); err == nil {
		t.Error("expected error for zero resolution")
	}
}

func TestGridRoundTrip(t *testing.T) {
	g := NewGrid("EPSG:32722", 500000, 8000000, 10, 10, 100, 100)
	x, y := g.PixelCenter(3, 7)
	col, row := g.Invert(x, y)
	if int(col) != 3 || int(row) != 7 {
		t.Errorf("Invert(PixelCenter(3,7)) = %v,%v", col, row)
	}
}

func TestBlocksCoverGrid(t *testing.T) {
	g := NewGrid("EPSG:32722", 0, 0, 1, 1, 300, 520)
	var area int
	for _, w := range g.Blocks(256) {
		area += w.Width * w.Height
	}
	if area != 300*520 {
		t.Errorf("blocks cover %d pixels, want %d", area, 300*520)
	}
}

func TestWarpNearestPreservesClasses(t *testing.T) {
	src := New(NewGrid("EPSG:32722", 0, 100, 10, 10, 10, 10), DTypeUint8, 0)
	for row := 0; row < 10; row++ {
		for col := 0; col < 10; col++ {
			src.Set(col, row, int32(4+(col+row)%3))
		}
	}

	dst, err := Warp(src, NewGrid("EPSG:32722", 0, 100, 5, 5, 20, 20), DTypeUint8, 0, 0, Nearest, nil)
	if err != nil {
		t.Fatal(err)
	}
	seen := map[int32]bool{}
	for _, v := range dst.Pix {
		seen[v] = true
	}
	for v := range seen {
		if v != 4 && v != 5 && v != 6 {
			t.Errorf("nearest warp invented value %d", v)
		}
	}
}

func TestWarpBilinearInterpolates(t *testing.T) {
	src := New(NewGrid("EPSG:32722", 0, 20, 10, 10, 2, 2), DTypeInt16, -9999)
	src.Set(0, 0, 100)
	src.Set(1, 0, 200)
	src.Set(0, 1, 100)
	src.Set(1, 1, 200)

	dst, err := Warp(src, NewGrid("EPSG:32722", 0, 20, 5, 5, 4, 4), DTypeInt16, -9999, -9999, Bilinear, nil)
	if err != nil {
		t.Fatal(err)
	}
	// Center columns sample between the 100 and 200 columns.
	v := dst.At(1, 1)
	if v <= 100 || v >= 200 {
		t.Errorf("bilinear sample = %d, want value strictly between 100 and 200", v)
	}
}

func TestWarpSkipsNodata(t *testing.T) {
	src := New(NewGrid("EPSG:32722", 0, 10, 10, 10, 1, 1), DTypeInt16, -9999)
	// Single nodata pixel: destination must stay at dst nodata.
	dst, err := Warp(src, NewGrid("EPSG:32722", 0, 10, 10, 10, 1, 1), DTypeInt16, -9999, -1111, Bilinear, nil)
	if err != nil {
		t.Fatal(err)
	}
	if dst.At(0, 0) != -1111 {
		t.Errorf("nodata pixel = %d, want -1111", dst.At(0, 0))
	}
}

func TestWarpRejectsCRSMismatchWithoutTransform(t *testing.T) {
	src := New(NewGrid("EPSG:4326", 0, 10, 1, 1, 4, 4), DTypeInt16, 0)
	_, err := Warp(src, NewGrid("EPSG:32722", 0, 10, 1, 1, 4, 4), DTypeInt16, 0, 0, Nearest, nil)
	if err == nil {
		t.Fatal("expected error for CRS mismatch")
	}
}

func newMask() *cube.Mask {
	return &cube.Mask{
		Nodata:        0,
		ClearData:     []int64{4, 5, 6},
		NotClearData:  []int64{2, 3, 8, 9, 10},
		SaturatedData: []int64{1, 11},
	}
}

func TestGetMaskStatsAndClassification(t *testing.T) {
	mask := newMask()
	r := New(NewGrid("EPSG:32722", 0, 10, 1, 1, 10, 1), DTypeUint16, int32(mask.Nodata))
	// 4 clear, 3 cloud, 2 saturated, 1 nodata.
	vals := []int32{4, 5, 6, 4, 2, 3, 9, 1, 11, 0}
	copy(r.Pix, vals)

	classified, stats := GetMask(r, mask)

	if classified.DType != DTypeUint8 {
		t.Errorf("classified dtype = %s", classified.DType)
	}
	wantClasses := []int32{1, 1, 1, 1, 2, 2, 2, 3, 3, 0}
	for i, want := range wantClasses {
		if classified.Pix[i] != want {
			t.Errorf("pixel %d classified as %d, want %d", i, classified.Pix[i], want)
		}
	}

	// 9 valid pixels: 4 clear, 3 not clear.
	if got := stats.Efficacy; got < 44.4 || got > 44.5 {
		t.Errorf("efficacy = %v", got)
	}
	if got := stats.CloudRatio; got < 33.3 || got > 33.4 {
		t.Errorf("cloudratio = %v", got)
	}
}

func TestQAStatisticsAllNodata(t *testing.T) {
	mask := newMask()
	r := New(NewGrid("EPSG:32722", 0, 10, 1, 1, 4, 1), DTypeUint16, int32(mask.Nodata))
	stats := QAStatistics(r, mask)
	if stats.Efficacy != 0 || stats.CloudRatio != 100 {
		t.Errorf("empty raster stats = %+v", stats)
	}
}

func TestReclassifyWindowAgainstClassifiedMask(t *testing.T) {
	mask := newMask()
	classified := mask.Classified()

	quality := []int32{1, 2, 3, 1, 0}
	band := []int32{10, 20, 30, -9999, 50}
	got := ReclassifyWindow(quality, band, -9999, &classified)

	want := []bool{true, false, false, false, false}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("pixel %d clear = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestQuicklookEncodesPNG(t *testing.T) {
	g := NewGrid("EPSG:32722", 0, 64, 1, 1, 64, 64)
	r := New(g, DTypeInt16, -9999)
	gr := New(g, DTypeInt16, -9999)
	b := New(g, DTypeInt16, -9999)
	for i := range r.Pix {
		r.Pix[i] = int32(i % 3000)
		gr.Pix[i] = int32(i % 2000)
		b.Pix[i] = int32(i % 1000)
	}
	// One fully nodata pixel.
	r.Pix[0], gr.Pix[0], b.Pix[0] = -9999, -9999, -9999

	data, err := Quicklook(r, gr, b)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) < 8 || string(data[1:4]) != "PNG" {
		t.Errorf("output is not a PNG (%d bytes)", len(data))
	}
}

func TestAssetDefinition(t *testing.T) {
	g := NewGrid("EPSG:32722", 500000, 8000000, 10, 10, 100, 80)
	r := New(g, DTypeInt16, -9999)

	asset, geom, hull := AssetDefinition("bucket/key.tif", COGMimeType, []string{"data"}, r)
	if asset.Type != COGMimeType || len(asset.Roles) != 1 {
		t.Errorf("asset = %+v", asset)
	}
	if asset.EPSG != 32722 || asset.DataType != "int16" {
		t.Errorf("asset EO metadata = %+v", asset)
	}
	if geom == "" || geom != hull {
		t.Errorf("geom/hull = %q / %q", geom, hull)
	}

	thumb, geom, _ := AssetDefinition("bucket/ql.png", "image/png", []string{"thumbnail"}, nil)
	if thumb.RasterSize != nil || geom != "" {
		t.Error("thumbnail asset should carry no raster metadata")
	}
}
