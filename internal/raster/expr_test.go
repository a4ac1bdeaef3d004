// Cubebuilder - Earth Observation Data Cube Assembly
// Copyright 2026 The Cubebuilder Authors
// SPDX-License-Identifier: MIT
// https://github.com/earthdata-cube/cubebuilder

package raster

import (
	"math"
	"testing"
)

func TestCompileCollectsBands(t *testing.T) {
	expr, err := Compile("(B08 - B04) / (B08 + B04)")
	if err != nil {
		t.Fatal(err)
	}
	bands := expr.Bands()
	if len(bands) != 2 || bands[0] != "B08" || bands[1] != "B04" {
		t.Errorf("bands = %v", bands)
	}
}

func TestCompileRejectsNonWhitelistedSyntax(t *testing.T) {
	bad := []string{
		"B08 ** 2",
		"sqrt(B08)",
		"B08; B04",
		"B08 + ",
		"(B08 + B04",
		"B08 @ B04",
	}
	for _, src := range bad {
		if _, err := Compile(src); err == nil {
			t.Errorf("Compile(%q) accepted", src)
		}
	}
}

func TestCreateIndexNDVI(t *testing.T) {
	g := NewGrid("EPSG:32722", 0, 2, 1, 1, 2, 2)
	b04 := New(g, DTypeInt16, -9999)
	b08 := New(g, DTypeInt16, -9999)

	// Three valid pixels, one nodata in B04.
	copy(b04.Pix, []int32{1000, 2000, 500, -9999})
	copy(b08.Pix, []int32{3000, 2000, 1500, 4000})

	expr, err := Compile("(B08 - B04) / (B08 + B04)")
	if err != nil {
		t.Fatal(err)
	}
	out, err := CreateIndex(expr, map[string]*Raster{"B04": b04, "B08": b08}, -9999)
	if err != nil {
		t.Fatal(err)
	}

	wantRatios := []float64{0.5, 0, 0.5}
	for i, ratio := range wantRatios {
		want := int32(math.Round(ratio * IndexScale))
		if out.Pix[i] != want {
			t.Errorf("pixel %d = %d, want %d", i, out.Pix[i], want)
		}
	}
	if out.Pix[3] != -9999 {
		t.Errorf("nodata pixel = %d, want propagated nodata", out.Pix[3])
	}
	if out.DType != DTypeInt16 {
		t.Errorf("dtype = %s", out.DType)
	}
}

func TestCreateIndexDivisionByZero(t *testing.T) {
	g := NewGrid("EPSG:32722", 0, 1, 1, 1, 1, 1)
	a := New(g, DTypeInt16, -9999)
	b := New(g, DTypeInt16, -9999)
	a.Pix[0] = 0
	b.Pix[0] = 0
	// A zero denominator over valid pixels (10/0 here) evaluates to 0 rather
	// than poisoning the output.
	a.Pix[0], b.Pix[0] = 5, -5

	expr, err := Compile("(a - b) / (a + b)")
	if err != nil {
		t.Fatal(err)
	}
	out, err := CreateIndex(expr, map[string]*Raster{"a": a, "b": b}, -9999)
	if err != nil {
		t.Fatal(err)
	}
	if out.Pix[0] != 0 {
		t.Errorf("division by zero = %d, want 0", out.Pix[0])
	}
}

func TestCreateIndexMissingBand(t *testing.T) {
	expr, err := Compile("B08 - B04")
	if err != nil {
		t.Fatal(err)
	}
	g := NewGrid("EPSG:32722", 0, 1, 1, 1, 1, 1)
	_, err = CreateIndex(expr, map[string]*Raster{"B08": New(g, DTypeInt16, -9999)}, -9999)
	if err == nil {
		t.Fatal("expected error for missing band")
	}
}

func TestCreateIndexGridMismatch(t *testing.T) {
	expr, err := Compile("B08 - B04")
	if err != nil {
		t.Fatal(err)
	}
	a := New(NewGrid("EPSG:32722", 0, 1, 1, 1, 2, 2), DTypeInt16, -9999)
	b := New(NewGrid("EPSG:32722", 0, 1, 1, 1, 3, 3), DTypeInt16, -9999)
	if _, err := CreateIndex(expr, map[string]*Raster{"B08": a, "B04": b}, -9999); err == nil {
		t.Fatal("expected error for grid mismatch")
	}
}

func TestValidateExpression(t *testing.T) {
	if err := ValidateExpression("(B08 - B04) / (B08 + B04)", []string{"B04", "B08"}); err != nil {
		t.Errorf("valid expression rejected: %v", err)
	}
	if err := ValidateExpression("B02 * 2.5", []string{"B04", "B08"}); err == nil {
		t.Error("expression with foreign band accepted")
	}
}
