// Cubebuilder - Earth Observation Data Cube Assembly
// Copyright 2026 The Cubebuilder Authors
// SPDX-License-Identifier: MIT
// https://github.com/earthdata-cube/cubebuilder

package stac

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
)

func fixtureResponse() string {
	return `{
		"features": [
			{
				"id": "S2A_A",
				"collection": "S2_L2A",
				"properties": {"datetime": "2024-01-05T13:30:00Z"},
				"assets": {
					"B04": {"href": "https://scenes/a_B04.tif"},
					"B08": {"href": "https://scenes/a_B08.tif"},
					"SCL": {"href": "https://scenes/a_SCL.tif"}
				}
			},
			{
				"id": "S2B_B",
				"collection": "S2_L2A",
				"properties": {"datetime": "2024-01-10T13:30:00Z"},
				"assets": {
					"B04": {"href": "https://scenes/b_B04.tif"},
					"B08": {"href": "https://scenes/b_B08.tif"},
					"SCL": {"href": "https://scenes/b_SCL.tif"}
				}
			}
		]
	}`
}

func TestSearchScenesGroupsByBandDatasetDate(t *testing.T) {
	var gotBody searchBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Error(err)
		}
		w.Write([]byte(fixtureResponse())) //nolint:errcheck
	}))
	defer srv.Close()

	client, err := NewHTTPClient([]string{srv.URL}, Options{})
	if err != nil {
		t.Fatal(err)
	}

	scenes, err := client.SearchScenes(context.Background(), SearchRequest{
		BBox:        [4]float64{-54, -12, -53, -11},
		Start:       "2024-01-01",
		End:         "2024-01-16",
		Collections: []string{"S2_L2A"},
		Bands:       []string{"B04", "B08", "SCL"},
	})
	if err != nil {
		t.Fatal(err)
	}

	if gotBody.Datetime != "2024-01-01T00:00:00Z/2024-01-16T23:59:59Z" {
		t.Errorf("datetime = %s", gotBody.Datetime)
	}
	if gotBody.Limit != 500 {
		t.Errorf("default limit = %d", gotBody.Limit)
	}

	if len(scenes) != 3 {
		t.Fatalf("bands = %d, want 3", len(scenes))
	}
	assets := scenes["B04"]["S2_L2A"]["2024-01-05"]
	if len(assets) != 1 || assets[0].Link != "https://scenes/a_B04.tif" {
		t.Errorf("B04 assets = %+v", assets)
	}

	if got := scenes.Instances(); got != 2 {
		t.Errorf("instances = %d, want 2", got)
	}
	dates := scenes.Dates()
	if len(dates) != 2 || dates[0] != "2024-01-05" || dates[1] != "2024-01-10" {
		t.Errorf("dates = %v", dates)
	}
}

func TestSearchScenesFallsBackToSecondEndpoint(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(fixtureResponse())) //nolint:errcheck
	}))
	defer good.Close()

	client, err := NewHTTPClient([]string{bad.URL, good.URL}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	scenes, err := client.SearchScenes(context.Background(), SearchRequest{
		Bands: []string{"B04"},
		Start: "2024-01-01", End: "2024-01-16",
	})
	if err != nil {
		t.Fatal(err)
	}
	if scenes.Instances() != 2 {
		t.Errorf("instances = %d", scenes.Instances())
	}
}

func TestSearchScenesAllEndpointsFail(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer bad.Close()

	client, err := NewHTTPClient([]string{bad.URL}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := client.SearchScenes(context.Background(), SearchRequest{Bands: []string{"B04"}}); err == nil {
		t.Fatal("expected error when every endpoint fails")
	}
}

func TestGroupFeaturesFallsBackToSceneID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{
			"features": [{
				"id": "LC08_L2SP_223064_20240103_20240110_02_T1",
				"collection": "landsat-c2l2",
				"properties": {},
				"assets": {"B04": {"href": "https://scenes/l8_B04.tif"}}
			}]
		}`)) //nolint:errcheck
	}))
	defer srv.Close()

	client, err := NewHTTPClient([]string{srv.URL}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	scenes, err := client.SearchScenes(context.Background(), SearchRequest{
		Bands: []string{"B04"}, Start: "2024-01-01", End: "2024-01-16",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := scenes["B04"]["landsat-c2l2"]["2024-01-03"]; !ok {
		t.Errorf("scene id date fallback missing: %+v", scenes)
	}
}

func TestNewHTTPClientRequiresEndpoint(t *testing.T) {
	if _, err := NewHTTPClient(nil, Options{}); err == nil {
		t.Fatal("expected error for empty endpoint list")
	}
}
