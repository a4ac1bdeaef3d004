// Cubebuilder - Earth Observation Data Cube Assembly
// Copyright 2026 The Cubebuilder Authors
// SPDX-License-Identifier: MIT
// https://github.com/earthdata-cube/cubebuilder

// Package stac queries one or more STAC catalogs for source scenes and
// shapes the results the way the merge preparer consumes them:
// scenes[band][dataset][date] = assets.
//
// Each configured endpoint sits behind its own circuit breaker; endpoints
// are tried in order and the first healthy answer wins. Requests share one
// rate limiter so a wide fan-out cannot hammer the catalog.
package stac

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/earthdata-cube/cubebuilder/internal/metrics"
	"github.com/earthdata-cube/cubebuilder/internal/sceneid"
)

// SceneAsset is one source raster for a (band, dataset, date).
type SceneAsset struct {
	Link         string `json:"link"`
	SceneID      string `json:"scene_id,omitempty"`
	SourceNodata *int64 `json:"source_nodata,omitempty"`
}

// Scenes maps band -> dataset -> date -> assets.
type Scenes map[string]map[string]map[string][]SceneAsset

// Dates returns the sorted-unique date keys of the first band, which by
// construction are the date keys of every band.
func (s Scenes) Dates() []string {
	for _, datasets := range s {
		seen := map[string]bool{}
		var dates []string
		for _, byDate := range datasets {
			for date := range byDate {
				if !seen[date] {
					seen[date] = true
					dates = append(dates, date)
				}
			}
		}
		sortStrings(dates)
		return dates
	}
	return nil
}

// Instances counts the (dataset, date) pairs of the first band: the number
// of merge activities per band.
func (s Scenes) Instances() int {
	for _, datasets := range s {
		n := 0
		for _, byDate := range datasets {
			n += len(byDate)
		}
		return n
	}
	return 0
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// SearchRequest describes one (tile, period) scene query.
type SearchRequest struct {
	// BBox is (xmin, ymin, xmax, ymax) in EPSG:4326.
	BBox [4]float64
	// Start and End bound the period, inclusive, as yyyy-mm-dd.
	Start string
	End   string
	// Collections are the source datasets.
	Collections []string
	// Bands are the asset names to extract per feature.
	Bands []string
	// Limit caps the features per request.
	Limit int
}

// Client searches catalogs for scenes.
type Client interface {
	SearchScenes(ctx context.Context, req SearchRequest) (Scenes, error)
}

// HTTPClient is the production STAC client.
type HTTPClient struct {
	endpoints []string
	http      *http.Client
	breakers  map[string]*gobreaker.CircuitBreaker[[]byte]
	limiter   *rate.Limiter
}

// Options tune the HTTP client.
type Options struct {
	Timeout time.Duration
	// RequestsPerSecond throttles searches across all endpoints; zero means
	// no throttle.
	RequestsPerSecond float64
}

// NewHTTPClient builds a client over the configured endpoints, in priority
// order.
func NewHTTPClient(endpoints []string, opts Options) (*HTTPClient, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("stac: at least one endpoint is required")
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}

	breakers := make(map[string]*gobreaker.CircuitBreaker[[]byte], len(endpoints))
	for _, ep := range endpoints {
		breakers[ep] = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
			Name:        "stac:" + ep,
			MaxRequests: 1,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		})
	}
	return &HTTPClient{
		endpoints: endpoints,
		http:      &http.Client{Timeout: timeout},
		breakers:  breakers,
		limiter:   limiter,
	}, nil
}

type searchBody struct {
	BBox        [4]float64 `json:"bbox"`
	Datetime    string     `json:"datetime"`
	Collections []string   `json:"collections"`
	Limit       int        `json:"limit"`
}

type featureCollection struct {
	Features []feature `json:"features"`
}

type feature struct {
	ID         string `json:"id"`
	Collection string `json:"collection"`
	Properties struct {
		Datetime string `json:"datetime"`
	} `json:"properties"`
	Assets map[string]struct {
		Href string `json:"href"`
	} `json:"assets"`
}

// SearchScenes queries the endpoints in order and returns the first healthy
// result keyed for the merge preparer.
func (c *HTTPClient) SearchScenes(ctx context.Context, req SearchRequest) (Scenes, error) {
	body := searchBody{
		BBox:        req.BBox,
		Datetime:    fmt.Sprintf("%sT00:00:00Z/%sT23:59:59Z", req.Start, req.End),
		Collections: req.Collections,
		Limit:       req.Limit,
	}
	if body.Limit <= 0 {
		body.Limit = 500
	}
	payload, err := json.Marshal(&body)
	if err != nil {
		return nil, fmt.Errorf("stac: marshal search: %w", err)
	}

	var lastErr error
	for _, endpoint := range c.endpoints {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		start := time.Now()
		data, err := c.breakers[endpoint].Execute(func() ([]byte, error) {
			return c.post(ctx, endpoint, payload)
		})
		metrics.STACRequestDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.STACRequests.WithLabelValues(endpoint, "error").Inc()
			lastErr = err
			continue
		}
		metrics.STACRequests.WithLabelValues(endpoint, "ok").Inc()

		var fc featureCollection
		if err := json.Unmarshal(data, &fc); err != nil {
			lastErr = fmt.Errorf("stac: decode %s: %w", endpoint, err)
			continue
		}
		return groupFeatures(fc.Features, req.Bands), nil
	}
	return nil, fmt.Errorf("stac: all endpoints failed: %w", lastErr)
}

func (c *HTTPClient) post(ctx context.Context, endpoint string, payload []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/search", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("stac: %s returned %d", endpoint, resp.StatusCode)
	}
	return ReadBody(resp)
}

// ReadBody drains a response body.
func ReadBody(resp *http.Response) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// groupFeatures shapes the raw feature list into the scenes map. The
// pipeline treats the result as an opaque set of links keyed by
// (band, dataset, date).
func groupFeatures(features []feature, bands []string) Scenes {
	scenes := Scenes{}
	for _, f := range features {
		date := f.Properties.Datetime
		if len(date) >= 10 {
			date = date[:10]
		} else {
			// Some catalogs omit the datetime property; the acquisition
			// date is still encoded in the scene id.
			date = dateFromSceneID(f.ID)
			if date == "" {
				continue
			}
		}
		dataset := f.Collection
		for _, band := range bands {
			asset, ok := f.Assets[band]
			if !ok {
				continue
			}
			if scenes[band] == nil {
				scenes[band] = map[string]map[string][]SceneAsset{}
			}
			if scenes[band][dataset] == nil {
				scenes[band][dataset] = map[string][]SceneAsset{}
			}
			scenes[band][dataset][date] = append(scenes[band][dataset][date], SceneAsset{
				Link:    asset.Href,
				SceneID: f.ID,
			})
		}
	}
	return scenes
}

// dateFromSceneID recovers the acquisition date from a Landsat or
// Sentinel-2 scene identifier.
func dateFromSceneID(id string) string {
	if s, err := sceneid.ParseSentinel2(id); err == nil {
		return s.AcquisitionDate.Format("2006-01-02")
	}
	if s, err := sceneid.ParseLandsat(id); err == nil {
		return s.AcquisitionDate.Format("2006-01-02")
	}
	return ""
}

// Static is a fixed-result Client for tests and dry runs.
type Static struct {
	Result Scenes
	Err    error
	// Calls records every request for assertions.
	Calls []SearchRequest
}

// SearchScenes returns the canned result.
func (s *Static) SearchScenes(_ context.Context, req SearchRequest) (Scenes, error) {
	s.Calls = append(s.Calls, req)
	if s.Err != nil {
		return nil, s.Err
	}
	return s.Result, nil
}
