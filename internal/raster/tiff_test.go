// Cubebuilder - Earth Observation Data Cube Assembly
// Copyright 2026 The Cubebuilder Authors
// SPDX-License-Identifier: MIT
// https://github.com/earthdata-cube/cubebuilder

package raster

import (
	"bytes"
	"testing"
)

func writeRead(t *testing.T, r *Raster, nodata *int32) *Raster {
	t.Helper()
	var buf bytes.Buffer
	if err := WriteCOG(&buf, r, nodata); err != nil {
		t.Fatal(err)
	}
	got, err := ReadGeoTIFF(buf.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	return got
}

func TestCOGRoundTripInt16(t *testing.T) {
	g := NewGrid("EPSG:32722", 500000, 8000000, 10, 10, 300, 300)
	r := New(g, DTypeInt16, -9999)
	for i := range r.Pix {
		r.Pix[i] = int32(int16(i*7 - 5000))
	}
	nodata := int32(-9999)

	got := writeRead(t, r, &nodata)

	if got.DType != DTypeInt16 {
		t.Fatalf("dtype = %s", got.DType)
	}
	if got.Nodata != -9999 {
		t.Errorf("nodata = %d", got.Nodata)
	}
	if got.Grid.Width != 300 || got.Grid.Height != 300 {
		t.Fatalf("size = %dx%d", got.Grid.Width, got.Grid.Height)
	}
	if got.Grid.CRS != "EPSG:32722" {
		t.Errorf("crs = %q", got.Grid.CRS)
	}
	if got.Grid.Transform != r.Grid.Transform {
		t.Errorf("transform = %v, want %v", got.Grid.Transform, r.Grid.Transform)
	}
	for i := range r.Pix {
		if got.Pix[i] != r.Pix[i] {
			t.Fatalf("pixel %d = %d, want %d", i, got.Pix[i], r.Pix[i])
		}
	}
}

func TestCOGRoundTripUint8(t *testing.T) {
	g := NewGrid("EPSG:4326", -54, -10, 0.0001, 0.0001, 64, 48)
	r := New(g, DTypeUint8, 0)
	for i := range r.Pix {
		r.Pix[i] = int32(i % 4)
	}
	nodata := int32(0)

	got := writeRead(t, r, &nodata)

	if got.DType != DTypeUint8 {
		t.Fatalf("dtype = %s", got.DType)
	}
	for i := range r.Pix {
		if got.Pix[i] != r.Pix[i] {
			t.Fatalf("pixel %d = %d, want %d", i, got.Pix[i], r.Pix[i])
		}
	}
}

func TestCOGRoundTripUint16(t *testing.T) {
	g := NewGrid("EPSG:32722", 0, 1000, 10, 10, 30, 30)
	r := New(g, DTypeUint16, 0)
	r.Set(5, 5, 65535)
	r.Set(0, 0, 40000)

	got := writeRead(t, r, nil)
	if got.At(5, 5) != 65535 || got.At(0, 0) != 40000 {
		t.Errorf("large uint16 values lost: %d, %d", got.At(5, 5), got.At(0, 0))
	}
}

func TestCOGDeterministic(t *testing.T) {
	g := NewGrid("EPSG:32722", 0, 1000, 10, 10, 100, 100)
	r := New(g, DTypeInt16, -9999)
	for i := range r.Pix {
		r.Pix[i] = int32(int16(i))
	}
	nodata := int32(-9999)

	var a, b bytes.Buffer
	if err := WriteCOG(&a, r, &nodata); err != nil {
		t.Fatal(err)
	}
	if err := WriteCOG(&b, r, &nodata); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a.Bytes(), b.Bytes()) {
		t.Error("identical rasters produced different COG bytes")
	}
}

func TestReadGeoTIFFRejectsGarbage(t *testing.T) {
	if _, err := ReadGeoTIFF([]byte("not a tiff at all")); err == nil {
		t.Error("expected error for garbage input")
	}
	if _, err := ReadGeoTIFF([]byte{}); err == nil {
		t.Error("expected error for empty input")
	}
}

func TestEPSGCode(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"EPSG:32722", 32722},
		{"epsg:4326", 4326},
		{" EPSG:100001 ", 100001},
		{"+proj=utm", 0},
	}
	for _, tt := range tests {
		if got := EPSGCode(tt.in); got != tt.want {
			t.Errorf("EPSGCode(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
