// Cubebuilder - Earth Observation Data Cube Assembly
// Copyright 2026 The Cubebuilder Authors
// SPDX-License-Identifier: MIT
// https://github.com/earthdata-cube/cubebuilder

package cube

import (
	"strings"
	"testing"
)

func testDescriptor() *Descriptor {
	return &Descriptor{
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
		CRS:            "EPSG:32722",
		ResX:           10,
		ResY:           10,
		Functions:      []CompositeFunction{FuncIdentity, FuncStack, FuncMedian},
		Mask: Mask{
			Nodata:        0,
			ClearData:     []int64{4, 5, 6},
			NotClearData:  []int64{2, 3, 8, 9, 10},
			SaturatedData: []int64{1, 11},
		},
		Expressions: map[string]BandExpression{
			"NDVI": {Expression: "(B08 - B04) / (B08 + B04)", BandIDs: []int64{4, 8}},
		},
	}
}

func TestDescriptorValidate(t *testing.T) {
	d := testDescriptor()
	if err := d.Validate(); err != nil {
		t.Fatalf("valid descriptor rejected: %v", err)
	}

	t.Run("quality band must be a band", func(t *testing.T) {
		d := testDescriptor()
		d.QualityBand = "FMASK"
		if err := d.Validate(); err == nil {
			t.Fatal("expected error for unknown quality band")
		}
	})

	t.Run("quicklook needs three bands", func(t *testing.T) {
		d := testDescriptor()
		d.QuicklookBands = []string{"B04"}
		if err := d.Validate(); err == nil {
			t.Fatal("expected error for short quicklook list")
		}
	})

	t.Run("expressions reference known band ids", func(t *testing.T) {
		d := testDescriptor()
		d.Expressions = map[string]BandExpression{
			"EVI": {Expression: "B02 * 2", BandIDs: []int64{2}},
		}
		if err := d.Validate(); err == nil {
			t.Fatal("expected error for unknown band id")
		}
	})
}

func TestFormatAndParseVersion(t *testing.T) {
	if got := FormatVersion(7); got != "007" {
		t.Errorf("FormatVersion(7) = %q, want 007", got)
	}
	v, err := ParseVersion("v003")
	if err != nil || v != 3 {
		t.Errorf("ParseVersion(v003) = %d, %v", v, err)
	}
	if _, err := ParseVersion("1"); err == nil {
		t.Error("expected error for short version")
	}
}

func TestCubeRoot(t *testing.T) {
	tests := []struct{ in, want string }{
		{"S2-16D_1_STK", "S2-16D_1"},
		{"LC8_30_1M", "LC8_30"},
		{"CUBE", "CUBE"},
	}
	for _, tt := range tests {
		if got := CubeRoot(tt.in); got != tt.want {
			t.Errorf("CubeRoot(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMaskClassification(t *testing.T) {
	m := testDescriptor().Mask
	if !m.IsClear(4) || m.IsClear(3) {
		t.Error("clear classification wrong")
	}
	if !m.IsNotClear(9) || m.IsNotClear(5) {
		t.Error("not-clear classification wrong")
	}
	if !m.IsSaturated(11) || m.IsSaturated(4) {
		t.Error("saturated classification wrong")
	}
}

func TestKeys(t *testing.T) {
	job := JobFromDescriptor(testDescriptor(), "cubes", false)

	if job.IrregularDataCube != "S2-16D_1_IDT" {
		t.Fatalf("irregular cube = %q", job.IrregularDataCube)
	}

	mk := MergeActivityKey(&job, "089098", "2024-01-01", "B04")
	if mk != "mergeS2-16D_1_IDT0890982024-01-01B04" {
		t.Errorf("merge activity key = %q", mk)
	}

	bk := BlendKey(&job, "089098", "2024-01-01", "2024-01-16")
	if !strings.HasPrefix(bk, "blendS2-16D_1_STK089098") {
		t.Errorf("blend key = %q", bk)
	}

	keys := StageKeys(&job, "089098", "2024-01-01", "2024-01-16")
	if len(keys) != 4 {
		t.Fatalf("expected 4 stage keys, got %d", len(keys))
	}
	for i, prefix := range []string{"merge", "blend", "posblend", "publish"} {
		if !strings.HasPrefix(keys[i], prefix) {
			t.Errorf("stage key %d = %q, want prefix %q", i, keys[i], prefix)
		}
	}
}

func TestControlKeyDropsBandAndDate(t *testing.T) {
	job := JobFromDescriptor(testDescriptor(), "cubes", false)
	a := NewEnvelope(ActionMerge, job, TileContext{
		Name:  "089098",
		Start: "2024-01-01",
		End:   "2024-01-16",
	})
	a.Key = MergeActivityKey(&job, "089098", "2024-01-05", "B08")
	a.SK = "2024-01-05"
	a.Merge = &MergeTask{Band: "B08", Date: "2024-01-05"}

	got := ControlKey(&a)
	want := MergeControlKey(&job, "089098", "2024-01-01", "2024-01-16")
	if got != want {
		t.Errorf("ControlKey = %q, want %q", got, want)
	}
	if strings.Contains(got, "B08") || strings.Contains(got, "2024-01-05") {
		t.Errorf("control key leaks band or date: %q", got)
	}
}

func TestOutputKeys(t *testing.T) {
	dir := Dirname("composites", "S2-16D_1_IDT", "001", "089098")
	if dir != "composites/S2-16D_1_IDT/001/089098/" {
		t.Errorf("Dirname = %q", dir)
	}

	mk := MergeOutputKey(dir, "S2-16D_1_IDT", "001", "089098", "2024-01-05", "B04")
	want := "composites/S2-16D_1_IDT/001/089098/2024-01-05/S2-16D_1_IDT_001_089098_2024-01-05_B04.tif"
	if mk != want {
		t.Errorf("MergeOutputKey = %q, want %q", mk, want)
	}

	ck := CompositeOutputKey("S2-16D_1_STK", FuncMedian, "001", "089098", "2024-01-01", "2024-01-16", "B04")
	wantCK := "S2-16D_1_MED/001/089098/2024-01-01_2024-01-16/S2-16D_1_MED_001_089098_2024-01-01_2024-01-16_B04.tif"
	if ck != wantCK {
		t.Errorf("CompositeOutputKey = %q, want %q", ck, wantCK)
	}

	if got := ReplaceBandSuffix(ck, "CLEAROB"); !strings.HasSuffix(got, "_2024-01-16_CLEAROB.tif") {
		t.Errorf("ReplaceBandSuffix = %q", got)
	}
}

func TestActivityRoundTrip(t *testing.T) {
	job := JobFromDescriptor(testDescriptor(), "cubes", true)
	a := NewEnvelope(ActionMerge, job, TileContext{Name: "089098", Start: "2024-01-01", End: "2024-01-16"})
	a.Key = "mergeKey"
	a.SK = "2024-01-05"
	a.Merge = &MergeTask{
		Band:    "B04",
		Dataset: "S2_L2A",
		Date:    "2024-01-05",
		Links:   []string{"s3://scenes/a.tif"},
		ARDFile: "out/a.tif",
	}

	data, err := a.Encode()
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeActivity(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.Action != ActionMerge || got.Merge == nil || got.Merge.Band != "B04" {
		t.Errorf("round trip lost payload: %+v", got)
	}
	if got.Status != StatusNotDone || got.MyStart != PendingStart {
		t.Errorf("envelope defaults wrong: %+v", got)
	}
}

func TestDecodeActivityRejectsMismatchedPayload(t *testing.T) {
	data := []byte(`{"action":"blend","dynamoKey":"k","sk":"B04","mystatus":"NOTDONE"}`)
	if _, err := DecodeActivity(data); err == nil {
		t.Fatal("expected error for blend activity without payload")
	}

	data = []byte(`{"action":"teleport","dynamoKey":"k","sk":"x"}`)
	if _, err := DecodeActivity(data); err == nil {
		t.Fatal("expected error for unknown action")
	}
}

func TestMarkTransitions(t *testing.T) {
	a := NewEnvelope(ActionBlend, Job{}, TileContext{})
	a.MarkStarted()
	if a.MyStart == PendingStart {
		t.Error("MarkStarted did not stamp start")
	}
	a.MarkError("blend", "boom")
	if a.Status != StatusError || a.Errors == nil || a.Errors.Step != "blend" {
		t.Errorf("MarkError: %+v", a)
	}
	a.MarkDone()
	if a.Status != StatusDone || a.Errors != nil {
		t.Errorf("MarkDone should clear errors: %+v", a)
	}
}
